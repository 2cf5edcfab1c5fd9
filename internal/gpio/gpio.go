// Package gpio provides GPIO output driving with hardware abstraction.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

// Writer drives GPIO output lines.
type Writer interface {
	// Set drives the given gpiochip line offset high (on) or low (off).
	// The ULN2803A sinks current when its input is high, so logical ON
	// maps directly to a high line.
	Set(line int, on bool) error

	// Close drives all lines low and releases GPIO resources.
	Close() error
}

// DefaultChip is the gpiochip device exposing the driver inputs.
const DefaultChip = "gpiochip0"
