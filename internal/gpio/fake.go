package gpio

// FakeWriter is a test double that records line states in memory.
type FakeWriter struct {
	// States holds the last driven value per line offset.
	States map[int]bool

	// Writes records every Set call in order.
	Writes []Write

	// Closed tracks if Close was called.
	Closed bool

	// SetError, if set, will be returned by Set.
	SetError error
}

// Write records a single Set call.
type Write struct {
	Line int
	On   bool
}

// NewFakeWriter creates an empty FakeWriter.
func NewFakeWriter() *FakeWriter {
	return &FakeWriter{States: make(map[int]bool)}
}

// Set records the line state.
func (f *FakeWriter) Set(line int, on bool) error {
	if f.SetError != nil {
		return f.SetError
	}
	f.States[line] = on
	f.Writes = append(f.Writes, Write{Line: line, On: on})
	return nil
}

// Close marks the writer as closed.
func (f *FakeWriter) Close() error {
	f.Closed = true
	return nil
}

// OnCount returns the number of lines currently driven high.
func (f *FakeWriter) OnCount() int {
	n := 0
	for _, on := range f.States {
		if on {
			n++
		}
	}
	return n
}

// Reset clears recorded state.
func (f *FakeWriter) Reset() {
	f.States = make(map[int]bool)
	f.Writes = nil
	f.Closed = false
	f.SetError = nil
}
