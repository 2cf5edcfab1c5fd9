package transport

import "errors"

// Fake is a scripted test double. Tests queue inbound bytes, toggle peer
// presence, and inspect everything written.
type Fake struct {
	// Present controls PeerPresent.
	Present bool

	// Inbound holds byte chunks returned one per ReadAvailable call.
	Inbound [][]byte

	// Written records every Write payload.
	Written [][]byte

	// ReadError, if set, is returned by ReadAvailable.
	ReadError error

	// WriteError, if set, is returned by Write.
	WriteError error

	// Closed tracks if Close was called.
	Closed bool
}

// NewFake creates a Fake with a present peer.
func NewFake() *Fake {
	return &Fake{Present: true}
}

// QueueFrame queues one newline-terminated frame for reading.
func (f *Fake) QueueFrame(frame string) {
	f.Inbound = append(f.Inbound, []byte(frame+"\n"))
}

// QueueBytes queues raw bytes for reading.
func (f *Fake) QueueBytes(p []byte) {
	f.Inbound = append(f.Inbound, p)
}

// PeerPresent reports the scripted presence.
func (f *Fake) PeerPresent() bool {
	return f.Present
}

// ReadAvailable pops the next queued chunk.
func (f *Fake) ReadAvailable() ([]byte, error) {
	if f.ReadError != nil {
		return nil, f.ReadError
	}
	if len(f.Inbound) == 0 {
		return nil, nil
	}
	chunk := f.Inbound[0]
	f.Inbound = f.Inbound[1:]
	return chunk, nil
}

// Write records the payload.
func (f *Fake) Write(p []byte) error {
	if f.WriteError != nil {
		return f.WriteError
	}
	if f.Closed {
		return errors.New("transport closed")
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	f.Written = append(f.Written, buf)
	return nil
}

// Close marks the transport closed.
func (f *Fake) Close() error {
	f.Closed = true
	return nil
}

// Reset clears scripted and recorded state.
func (f *Fake) Reset() {
	f.Inbound = nil
	f.Written = nil
	f.ReadError = nil
	f.WriteError = nil
	f.Closed = false
	f.Present = true
}
