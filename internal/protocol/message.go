// Package protocol implements the reliable command protocol spoken with the
// paired controller app: newline-delimited JSON frames with message ids,
// ACK/NACK acknowledgment, retry with timeout, and single-slot duplicate
// suppression, layered over an opaque duplex byte stream.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Version is the protocol version carried in every frame.
const Version = "2.0"

// Kind is the frame type.
type Kind string

const (
	KindCommand   Kind = "COMMAND"
	KindResponse  Kind = "RESPONSE"
	KindAck       Kind = "ACK"
	KindNack      Kind = "NACK"
	KindHeartbeat Kind = "HEARTBEAT"
	KindStatus    Kind = "STATUS"
	KindError     Kind = "ERROR"
)

// knownKinds gates inbound frame classification.
var knownKinds = map[Kind]bool{
	KindCommand:   true,
	KindResponse:  true,
	KindAck:       true,
	KindNack:      true,
	KindHeartbeat: true,
	KindStatus:    true,
	KindError:     true,
}

// Command is the command carried by a COMMAND frame.
type Command string

const (
	CmdSetLED         Command = "SET_LED"
	CmdStartSequence  Command = "START_SEQUENCE"
	CmdStopSequence   Command = "STOP_SEQUENCE"
	CmdPauseSequence  Command = "PAUSE_SEQUENCE"
	CmdResumeSequence Command = "RESUME_SEQUENCE"
	CmdGetStatus      Command = "GET_STATUS"
	CmdSetConfig      Command = "SET_CONFIG"
	CmdGetConfig      Command = "GET_CONFIG"
	CmdCalibrate      Command = "CALIBRATE"
	CmdReset          Command = "RESET"
	CmdPing           Command = "PING"
)

// ErrMalformedFrame reports a frame that decoded as JSON but is missing
// required fields or has an unknown type. Such frames are dropped.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// Message is one decoded protocol frame. Fields beyond Type/ID/Timestamp
// are populated per frame kind.
type Message struct {
	Type      Kind
	ID        string
	Timestamp time.Time
	Version   string

	// COMMAND
	Command  Command
	Params   map[string]any
	NeedsAck bool

	// RESPONSE
	RequestID string
	Success   bool
	Data      map[string]any

	// ACK / NACK
	OriginalID string

	// NACK / ERROR / failed RESPONSE
	Error     string
	ErrorCode int

	// HEARTBEAT / STATUS
	State string
}

// envelope is the wire form of a frame.
type envelope struct {
	Type       string         `json:"type"`
	ID         string         `json:"id"`
	Timestamp  int64          `json:"timestamp,omitempty"`
	Version    string         `json:"version,omitempty"`
	Command    string         `json:"command,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	NeedsAck   bool           `json:"needsAck,omitempty"`
	RequestID  string         `json:"requestId,omitempty"`
	Success    *bool          `json:"success,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	OriginalID string         `json:"originalId,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorCode  int            `json:"errorCode,omitempty"`
	State      string         `json:"state,omitempty"`
	Uptime     int64          `json:"uptime,omitempty"`
}

// Encode serializes a message to one wire frame, without the trailing
// newline.
func Encode(m Message) ([]byte, error) {
	env := envelope{
		Type:       string(m.Type),
		ID:         m.ID,
		Timestamp:  m.Timestamp.UnixMilli(),
		Version:    m.Version,
		Command:    string(m.Command),
		Params:     m.Params,
		NeedsAck:   m.NeedsAck,
		RequestID:  m.RequestID,
		Data:       m.Data,
		OriginalID: m.OriginalID,
		Error:      m.Error,
		ErrorCode:  m.ErrorCode,
		State:      m.State,
	}
	if m.Version == "" {
		env.Version = Version
	}
	if m.Type == KindResponse {
		success := m.Success
		env.Success = &success
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", m.Type, err)
	}
	return data, nil
}

// Decode parses one wire frame. A JSON parse failure or a frame missing
// type/id returns an error; callers log and drop the frame.
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("parse frame: %w", err)
	}

	if env.Type == "" || env.ID == "" {
		return Message{}, fmt.Errorf("%w: missing type or id", ErrMalformedFrame)
	}
	kind := Kind(env.Type)
	if !knownKinds[kind] {
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, env.Type)
	}

	m := Message{
		Type:       kind,
		ID:         env.ID,
		Version:    env.Version,
		Command:    Command(env.Command),
		Params:     env.Params,
		NeedsAck:   env.NeedsAck,
		RequestID:  env.RequestID,
		Data:       env.Data,
		OriginalID: env.OriginalID,
		Error:      env.Error,
		ErrorCode:  env.ErrorCode,
		State:      env.State,
	}
	if env.Timestamp != 0 {
		m.Timestamp = time.UnixMilli(env.Timestamp)
	}
	if env.Success != nil {
		m.Success = *env.Success
	}
	return m, nil
}
