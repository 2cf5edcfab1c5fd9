// Package status provides a thread-safe status tracker for the led-fixture
// daemon. It is read by the HTTP status server and the telemetry publisher.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/led-fixture/internal/protocol"
)

// Config contains daemon configuration for display.
type Config struct {
	TickMs      int64
	HeartbeatMs int64
	Device      string
	WSAddr      string
	Broker      string
	HTTPAddr    string
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type — safe to use after the lock is released.
type Snapshot struct {
	SequenceState    string
	Progress         int
	CurrentPair      int // -1 when nothing lit
	CurrentColor     string
	LedsRed          []bool
	LedsGreen        []bool
	Connected        bool
	ConnectionActive bool
	Stats            protocol.Statistics
	MQTTConnected    bool
	StartTime        time.Time
	Now              time.Time
	Config           Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime:   startTime,
			Config:      cfg,
			CurrentPair: -1,
		},
	}
}

// Update sets the sequence and connection view. Called from the run loop on
// every tick.
func (t *Tracker) Update(seqState string, progress, currentPair int, currentColor string,
	red, green []bool, connected, active bool, stats protocol.Statistics) {
	t.mu.Lock()
	t.snap.SequenceState = seqState
	t.snap.Progress = progress
	t.snap.CurrentPair = currentPair
	t.snap.CurrentColor = currentColor
	t.snap.LedsRed = red
	t.snap.LedsGreen = green
	t.snap.Connected = connected
	t.snap.ConnectionActive = active
	t.snap.Stats = stats
	t.mu.Unlock()
}

// SetMQTTConnected sets the telemetry broker connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
