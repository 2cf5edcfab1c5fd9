// Package telemetry mirrors fixture lifecycle to an MQTT broker for bench
// monitoring. This is observation fan-out only; the command path stays on
// the single paired protocol link.
package telemetry

import (
	"encoding/json"
	"time"
)

// Topic is the MQTT topic for sequence lifecycle events.
const Topic = "fixtures/led-tester/events"

// TopicSystem is the MQTT topic for system lifecycle events.
const TopicSystem = "fixtures/led-tester/system"

// Publisher publishes fixture events to MQTT.
type Publisher interface {
	// Publish sends a sequence lifecycle event to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(event Event) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// Event represents a sequence lifecycle event.
type Event struct {
	Timestamp time.Time
	Type      string // e.g. "SEQUENCE_STARTED", "SEQUENCE_COMPLETED", "SEQUENCE_STOPPED"
	Kind      int    // sequence type wire value
	Progress  int
}

// SystemEvent represents a system lifecycle event (e.g. startup, shutdown,
// heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g. "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g. "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Payload represents the MQTT message payload structure.
type Payload struct {
	Fixture FixturePayload `json:"fixture"`
}

// FixturePayload contains the sequence event details.
type FixturePayload struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Kind      int    `json:"sequence_type"`
	Progress  int    `json:"progress"`
}

// FormatPayload creates the JSON payload for a sequence event.
func FormatPayload(event Event) ([]byte, error) {
	payload := Payload{
		Fixture: FixturePayload{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Type,
			Kind:      event.Kind,
			Progress:  event.Progress,
		},
	}
	return json.Marshal(payload)
}

// SystemPayload represents the MQTT message payload for system events.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status
// snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
