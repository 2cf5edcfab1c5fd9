// Package led contains the LED state store and the sequence engine.
// Both are pure state machines: time is always injected as time.Time
// parameters and no operation blocks or sleeps. Hardware access goes
// through the gpio.Writer interface so everything is testable with fakes.
package led

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sweeney/led-fixture/internal/gpio"
	"github.com/sweeney/led-fixture/internal/hw"
)

// ErrInvalidChannel reports a pair index or color outside the fixture map.
var ErrInvalidChannel = errors.New("led: invalid channel")

// Store tracks the ON/OFF state of every (pair, color) channel in a compact
// bitmap and mirrors each change to the hardware lines. At most one color of
// a pair is ON at any instant: turning a color ON forces the sibling color
// OFF first. The mutex covers the bitmap read-modify-write so a hardware
// timer or worker goroutine may share the store with the command path.
type Store struct {
	mu      sync.Mutex
	bits    []uint64
	writer  gpio.Writer
	changes uint64
}

// NewStore creates a Store driving the given writer, all channels OFF.
// The caller is expected to have the lines low already (the writer
// initializes outputs low); NewStore does not touch hardware.
func NewStore(w gpio.Writer) *Store {
	words := (hw.ChannelCount + 63) / 64
	return &Store{
		bits:   make([]uint64, words),
		writer: w,
	}
}

// SetChannel sets one channel ON or OFF. Turning a color ON first forces the
// other color of the same pair OFF — simultaneous two-color activation is
// defined as a transition to the newly requested color, not an error.
func (s *Store) SetChannel(pair int, color hw.Color, on bool) error {
	if _, err := hw.Map(pair, color); err != nil {
		return fmt.Errorf("%w: pair %d color %d", ErrInvalidChannel, pair, color)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if on {
		other := hw.Green
		if color == hw.Green {
			other = hw.Red
		}
		if s.bit(hw.Index(pair, other)) {
			if err := s.apply(pair, other, false); err != nil {
				return err
			}
		}
	}

	if s.bit(hw.Index(pair, color)) == on {
		return nil
	}
	return s.apply(pair, color, on)
}

// apply flips the bitmap bit and drives the mapped line. Caller holds s.mu
// and has validated the channel.
func (s *Store) apply(pair int, color hw.Color, on bool) error {
	dl, _ := hw.Map(pair, color)
	idx := hw.Index(pair, color)

	word, mask := idx/64, uint64(1)<<(idx%64)
	if on {
		s.bits[word] |= mask
	} else {
		s.bits[word] &^= mask
	}
	s.changes++

	if err := s.writer.Set(dl.Line, on); err != nil {
		return fmt.Errorf("drive pair %d %s: %w", pair, color, err)
	}
	return nil
}

// Channel returns the current state of one channel.
func (s *Store) Channel(pair int, color hw.Color) (bool, error) {
	if _, err := hw.Map(pair, color); err != nil {
		return false, fmt.Errorf("%w: pair %d color %d", ErrInvalidChannel, pair, color)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bit(hw.Index(pair, color)), nil
}

// AllStates returns per-pair red and green states in pair order.
func (s *Store) AllStates() (red, green []bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	red = make([]bool, hw.PairCount)
	green = make([]bool, hw.PairCount)
	for pair := 0; pair < hw.PairCount; pair++ {
		red[pair] = s.bit(hw.Index(pair, hw.Red))
		green[pair] = s.bit(hw.Index(pair, hw.Green))
	}
	return red, green
}

// ClearAll sets every channel OFF and drives every line low.
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for pair := 0; pair < hw.PairCount; pair++ {
		for _, color := range []hw.Color{hw.Red, hw.Green} {
			if !s.bit(hw.Index(pair, color)) {
				continue
			}
			if err := s.apply(pair, color, false); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Changes returns the number of state transitions applied since creation.
// Status queries use it to detect activity without diffing bitmaps.
func (s *Store) Changes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changes
}

func (s *Store) bit(idx int) bool {
	return s.bits[idx/64]&(uint64(1)<<(idx%64)) != 0
}
