package transport

import (
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/tarm/serial"
)

// reopenBackoff limits how often a lost serial device is re-probed.
const reopenBackoff = time.Second

// Serial carries frames over a serial device, typically an rfcomm binding
// of the fixture's Bluetooth SPP link. A short read timeout gives the
// non-blocking semantics the run loop needs: tarm/serial surfaces an empty
// timed-out read as io.EOF, which is treated as "no data".
//
// A plain serial device has no peer-presence signal of its own, so presence
// follows device health: present while the device is open, dropped on I/O
// error with periodic reopen attempts. The protocol's activity watchdog
// covers the silently-gone-peer case.
type Serial struct {
	cfg     *serial.Config
	port    *serial.Port
	readBuf []byte

	lastReopen time.Time
}

// OpenSerial opens the serial device. The device may be absent at startup
// (rfcomm not yet bound); the transport keeps probing for it.
func OpenSerial(device string, baud int) *Serial {
	s := &Serial{
		cfg: &serial.Config{
			Name:        device,
			Baud:        baud,
			ReadTimeout: 5 * time.Millisecond,
		},
		readBuf: make([]byte, 4096),
	}
	s.reopen()
	return s
}

// reopen attempts to (re)open the device, rate-limited.
func (s *Serial) reopen() {
	now := time.Now()
	if now.Sub(s.lastReopen) < reopenBackoff {
		return
	}
	s.lastReopen = now

	port, err := serial.OpenPort(s.cfg)
	if err != nil {
		return
	}
	log.Printf("transport: serial %s open", s.cfg.Name)
	s.port = port
}

// PeerPresent reports whether the device is open and healthy.
func (s *Serial) PeerPresent() bool {
	return s.port != nil
}

// ReadAvailable returns pending bytes, or nothing on a timed-out read.
// An I/O error drops presence and schedules a reopen.
func (s *Serial) ReadAvailable() ([]byte, error) {
	if s.port == nil {
		s.reopen()
		return nil, nil
	}

	n, err := s.port.Read(s.readBuf)
	if err != nil && !errors.Is(err, io.EOF) {
		log.Printf("transport: serial read: %v", err)
		s.drop()
		return nil, fmt.Errorf("serial read: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	out := make([]byte, n)
	copy(out, s.readBuf[:n])
	return out, nil
}

// Write sends bytes to the device.
func (s *Serial) Write(p []byte) error {
	if s.port == nil {
		return errors.New("serial: device not open")
	}
	if _, err := s.port.Write(p); err != nil {
		s.drop()
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

// drop closes the failed device so presence reads false until reopen.
func (s *Serial) drop() {
	if s.port != nil {
		s.port.Close()
		s.port = nil
	}
	log.Printf("transport: serial %s lost", s.cfg.Name)
}

// Close closes the device.
func (s *Serial) Close() error {
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}
