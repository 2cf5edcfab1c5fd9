// Package hw defines the static channel map for the LED fixture board:
// 36 two-color LED pairs sunk by ULN2803A driver ICs, one driver input per
// (pair, color) channel. The map is pure data — translating a logical
// channel into its driver IC, driver input, and gpiochip line offset —
// and has no state.
package hw

import (
	"errors"
	"fmt"
)

// Color selects one LED of a pair.
type Color uint8

const (
	Red Color = iota
	Green
)

// String returns the wire-format color name.
func (c Color) String() string {
	switch c {
	case Red:
		return "red"
	case Green:
		return "green"
	default:
		return "unknown"
	}
}

// ParseColor converts a wire-format color name to a Color.
func ParseColor(s string) (Color, error) {
	switch s {
	case "red":
		return Red, nil
	case "green":
		return Green, nil
	default:
		return 0, fmt.Errorf("%w: color %q", ErrOutOfRange, s)
	}
}

const (
	// PairCount is the number of LED pairs on the fixture board.
	PairCount = 36

	// ChannelsPerDriver is the number of sink inputs per ULN2803A.
	ChannelsPerDriver = 8

	// DriverCount is the number of driver ICs needed for every
	// (pair, color) channel to have its own sink input.
	DriverCount = (PairCount*2 + ChannelsPerDriver - 1) / ChannelsPerDriver

	// ChannelCount is the total number of electrical channels.
	ChannelCount = PairCount * 2
)

// ErrOutOfRange reports a pair index or color outside the configured map.
var ErrOutOfRange = errors.New("hw: channel out of range")

// DriverLine locates one channel on the board.
type DriverLine struct {
	Driver  int // ULN2803A index, 0-based
	Channel int // input within the driver, 0-7
	Line    int // gpiochip line offset driving that input
}

// driverLines is the board wiring: driver input (d, ch) -> gpiochip line.
// Each driver's eight inputs are brought out on one bank of the expander
// header, so banks are contiguous; pairs occupy two adjacent inputs
// (red then green) in pair order. Three concentric rings of 12 pairs:
// pairs 0-11 inner, 12-23 middle, 24-35 outer.
var driverLines = [DriverCount][ChannelsPerDriver]int{
	{0, 1, 2, 3, 4, 5, 6, 7},         // IC1: pairs 0-3
	{8, 9, 10, 11, 12, 13, 14, 15},   // IC2: pairs 4-7
	{16, 17, 18, 19, 20, 21, 22, 23}, // IC3: pairs 8-11
	{24, 25, 26, 27, 28, 29, 30, 31}, // IC4: pairs 12-15
	{32, 33, 34, 35, 36, 37, 38, 39}, // IC5: pairs 16-19
	{40, 41, 42, 43, 44, 45, 46, 47}, // IC6: pairs 20-23
	{48, 49, 50, 51, 52, 53, 54, 55}, // IC7: pairs 24-27
	{56, 57, 58, 59, 60, 61, 62, 63}, // IC8: pairs 28-31
	{64, 65, 66, 67, 68, 69, 70, 71}, // IC9: pairs 32-35
}

// Index returns the bitmap index for a channel: pair*2 + color.
// Callers must have validated the channel.
func Index(pair int, color Color) int {
	return pair*2 + int(color)
}

// Map translates a logical (pair, color) channel into its driver location.
func Map(pair int, color Color) (DriverLine, error) {
	if pair < 0 || pair >= PairCount {
		return DriverLine{}, fmt.Errorf("%w: pair %d", ErrOutOfRange, pair)
	}
	if color != Red && color != Green {
		return DriverLine{}, fmt.Errorf("%w: color %d", ErrOutOfRange, color)
	}
	idx := Index(pair, color)
	d := idx / ChannelsPerDriver
	ch := idx % ChannelsPerDriver
	return DriverLine{Driver: d, Channel: ch, Line: driverLines[d][ch]}, nil
}

// Lines returns every gpiochip line offset in channel order. Used by the
// GPIO writer to request all outputs up front.
func Lines() []int {
	lines := make([]int, 0, ChannelCount)
	for pair := 0; pair < PairCount; pair++ {
		for _, color := range []Color{Red, Green} {
			dl, _ := Map(pair, color)
			lines = append(lines, dl.Line)
		}
	}
	return lines
}
