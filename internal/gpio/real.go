//go:build linux

package gpio

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// RealWriter drives GPIO lines on actual hardware using the Linux GPIO
// character device. All mapped lines are requested as outputs up front and
// start low (every LED off).
type RealWriter struct {
	chip  *gpiocdev.Chip
	lines map[int]*gpiocdev.Line
}

// NewRealWriter opens the gpiochip and requests every line in lines as an
// output, initially low.
func NewRealWriter(chipName string, lines []int) (*RealWriter, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", chipName, err)
	}

	w := &RealWriter{
		chip:  chip,
		lines: make(map[int]*gpiocdev.Line, len(lines)),
	}

	for _, offset := range lines {
		line, err := chip.RequestLine(offset, gpiocdev.AsOutput(0))
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("request line %d: %w", offset, err)
		}
		w.lines[offset] = line
	}

	return w, nil
}

// Set drives the given line high or low.
func (w *RealWriter) Set(line int, on bool) error {
	l, ok := w.lines[line]
	if !ok {
		return fmt.Errorf("line %d not requested", line)
	}
	value := 0
	if on {
		value = 1
	}
	if err := l.SetValue(value); err != nil {
		return fmt.Errorf("set line %d: %w", line, err)
	}
	return nil
}

// Close drives every line low and releases GPIO resources. Lines are left
// as outputs holding low so the drivers stay off across daemon restarts.
func (w *RealWriter) Close() error {
	var errs []error

	for offset, l := range w.lines {
		if err := l.SetValue(0); err != nil {
			errs = append(errs, fmt.Errorf("clear line %d: %w", offset, err))
		}
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close line %d: %w", offset, err))
		}
	}
	if w.chip != nil {
		if err := w.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
