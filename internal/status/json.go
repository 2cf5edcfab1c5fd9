package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string     `json:"event,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	Sequence      string     `json:"sequence"`
	Progress      int        `json:"progress"`
	CurrentPair   int        `json:"current_pair"`
	CurrentColor  string     `json:"current_color,omitempty"`
	LedsRed       []bool     `json:"leds_red"`
	LedsGreen     []bool     `json:"leds_green"`
	Link          LinkStatus `json:"link"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	StartTime     string     `json:"start_time"`
	Timestamp     string     `json:"timestamp"`
	MQTT          MQTTStatus `json:"mqtt"`
	Stats         StatsJSON  `json:"protocol_stats"`
	Config        ConfigJSON `json:"config"`
}

// LinkStatus reports the command link state.
type LinkStatus struct {
	Connected bool `json:"connected"`
	Active    bool `json:"active"`
}

// MQTTStatus reports telemetry broker connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// StatsJSON is the JSON representation of protocol counters.
type StatsJSON struct {
	Sent          uint64  `json:"sent"`
	Received      uint64  `json:"received"`
	Acked         uint64  `json:"acked"`
	Nacked        uint64  `json:"nacked"`
	Retries       uint64  `json:"retries"`
	Timeouts      uint64  `json:"timeouts"`
	AvgResponseMs float64 `json:"avg_response_ms"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	TickMs      int64  `json:"tick_ms"`
	HeartbeatMs int64  `json:"heartbeat_ms"`
	Device      string `json:"device,omitempty"`
	WSAddr      string `json:"ws_addr,omitempty"`
	Broker      string `json:"broker,omitempty"`
	HTTPAddr    string `json:"http_addr"`
}

func buildInner(snap Snapshot) StatusInner {
	seq := snap.SequenceState
	if seq == "" {
		seq = "IDLE"
	}

	return StatusInner{
		Sequence:      seq,
		Progress:      snap.Progress,
		CurrentPair:   snap.CurrentPair,
		CurrentColor:  snap.CurrentColor,
		LedsRed:       snap.LedsRed,
		LedsGreen:     snap.LedsGreen,
		Link:          LinkStatus{Connected: snap.Connected, Active: snap.ConnectionActive},
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Stats: StatsJSON{
			Sent:          snap.Stats.TotalSent,
			Received:      snap.Stats.TotalReceived,
			Acked:         snap.Stats.TotalAcked,
			Nacked:        snap.Stats.TotalNacked,
			Retries:       snap.Stats.TotalRetries,
			Timeouts:      snap.Stats.TotalTimeouts,
			AvgResponseMs: snap.Stats.AverageResponseMs,
		},
		Config: ConfigJSON{
			TickMs:      snap.Config.TickMs,
			HeartbeatMs: snap.Config.HeartbeatMs,
			Device:      snap.Config.Device,
			WSAddr:      snap.Config.WSAddr,
			Broker:      snap.Config.Broker,
			HTTPAddr:    snap.Config.HTTPAddr,
		},
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
