package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/sweeney/led-fixture/internal/transport"
)

// ErrNotConnected reports a send attempted with no peer present. Nothing is
// buffered; the caller sees the failure immediately.
var ErrNotConnected = errors.New("protocol: not connected")

// Sink receives decoded inbound events and connection edges. One sink per
// manager; the command dispatcher implements it.
type Sink interface {
	OnCommand(msg Message)
	OnResponse(msg Message)
	OnStatus(msg Message)
	OnHeartbeat(msg Message)
	OnError(msg Message)
	ConnectionChanged(connected bool)
}

// Statistics are monotonic protocol counters plus a running average ACK
// round-trip time. Reset only on explicit request.
type Statistics struct {
	TotalSent     uint64
	TotalReceived uint64
	TotalAcked    uint64
	TotalNacked   uint64
	TotalRetries  uint64
	TotalTimeouts uint64

	// AverageResponseMs is the incremental mean ACK round trip in
	// milliseconds.
	AverageResponseMs float64
}

// Options configures a Manager. Zero fields take fixture defaults.
type Options struct {
	AckTimeout        time.Duration // default 3s
	MaxRetries        int           // default 3
	HeartbeatInterval time.Duration // default 5s
	InactivityWindow  time.Duration // default 30s

	// Now is the monotonic clock; tests inject a fixed one.
	Now func() time.Time

	// Rand is the uniform source for message id generation.
	Rand *rand.Rand

	// State, if set, supplies the system state label carried in
	// HEARTBEAT frames.
	State func() string
}

// pendingAck tracks one unacknowledged outbound frame. The serialized form
// is kept so retries resend the original payload unchanged.
type pendingAck struct {
	raw        []byte
	sendTime   time.Time
	retryCount int
}

// Manager runs one protocol session over a transport. It is driven entirely
// by the cooperative run loop: Tick pumps inbound frames, sweeps ACK
// timeouts, and emits heartbeats. Not safe for concurrent use; if sends are
// ever offloaded to another goroutine the pending map needs its own lock.
type Manager struct {
	tr   transport.Transport
	sink Sink

	ackTimeout        time.Duration
	maxRetries        int
	heartbeatInterval time.Duration
	inactivityWindow  time.Duration
	now               func() time.Time
	rng               *rand.Rand
	stateLabel        func() string

	connected      bool
	lastActivity   time.Time
	lastHeartbeat  time.Time
	lastReceivedID string // single-slot dedup: only the immediately previous id

	pending map[string]*pendingAck
	rxBuf   []byte

	stats Statistics
}

// New creates a Manager over the given transport. The sink must not be nil.
func New(tr transport.Transport, sink Sink, opts Options) *Manager {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 3 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.InactivityWindow <= 0 {
		opts.InactivityWindow = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	m := &Manager{
		tr:                tr,
		sink:              sink,
		ackTimeout:        opts.AckTimeout,
		maxRetries:        opts.MaxRetries,
		heartbeatInterval: opts.HeartbeatInterval,
		inactivityWindow:  opts.InactivityWindow,
		now:               opts.Now,
		rng:               opts.Rand,
		stateLabel:        opts.State,
		pending:           make(map[string]*pendingAck),
	}
	m.lastActivity = m.now()
	return m
}

// generateID builds a message id unique per sender epoch: a monotonic time
// component plus a random component, so ids do not collide across reboots
// or across rapid sends in the same millisecond.
func (m *Manager) generateID() string {
	ms := uint32(m.now().UnixMilli())
	return fmt.Sprintf("msg_%08X_%04X", ms, m.rng.Intn(0x10000))
}

// send writes one newline-terminated frame and refreshes activity.
func (m *Manager) send(raw []byte) error {
	frame := make([]byte, 0, len(raw)+1)
	frame = append(frame, raw...)
	frame = append(frame, '\n')
	if err := m.tr.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	m.lastActivity = m.now()
	return nil
}

// SendCommand sends a COMMAND frame. If needsAck is set, a pending entry is
// created and the frame will be retried on NACK or timeout. Returns the
// message id.
func (m *Manager) SendCommand(cmd Command, params map[string]any, needsAck bool) (string, error) {
	if !m.connected {
		return "", ErrNotConnected
	}

	msg := Message{
		Type:      KindCommand,
		ID:        m.generateID(),
		Timestamp: m.now(),
		Command:   cmd,
		Params:    params,
		NeedsAck:  needsAck,
	}
	raw, err := Encode(msg)
	if err != nil {
		return "", err
	}
	if err := m.send(raw); err != nil {
		return "", err
	}

	if needsAck {
		m.pending[msg.ID] = &pendingAck{raw: raw, sendTime: m.now()}
	}
	m.stats.TotalSent++
	log.Printf("protocol: sent command %s (id %s)", cmd, msg.ID)
	return msg.ID, nil
}

// SendResponse sends a success RESPONSE for the given request.
func (m *Manager) SendResponse(requestID string, data map[string]any) error {
	return m.sendResponse(requestID, true, data, "", 0)
}

// SendResponseError sends a failure RESPONSE for the given request.
func (m *Manager) SendResponseError(requestID, errMsg string, code int) error {
	return m.sendResponse(requestID, false, nil, errMsg, code)
}

func (m *Manager) sendResponse(requestID string, success bool, data map[string]any, errMsg string, code int) error {
	if !m.connected {
		return ErrNotConnected
	}
	msg := Message{
		Type:      KindResponse,
		ID:        m.generateID(),
		Timestamp: m.now(),
		RequestID: requestID,
		Success:   success,
		Data:      data,
		Error:     errMsg,
		ErrorCode: code,
	}
	raw, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := m.send(raw); err != nil {
		return err
	}
	m.stats.TotalSent++
	return nil
}

// SendStatus sends an unsolicited STATUS frame.
func (m *Manager) SendStatus(state string, data map[string]any) error {
	if !m.connected {
		return ErrNotConnected
	}
	msg := Message{
		Type:      KindStatus,
		ID:        m.generateID(),
		Timestamp: m.now(),
		State:     state,
		Data:      data,
	}
	raw, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := m.send(raw); err != nil {
		return err
	}
	m.stats.TotalSent++
	return nil
}

// sendHeartbeat emits a HEARTBEAT frame. Heartbeats never require an ACK
// and are not counted as sent messages.
func (m *Manager) sendHeartbeat() error {
	state := ""
	if m.stateLabel != nil {
		state = m.stateLabel()
	}
	msg := Message{
		Type:      KindHeartbeat,
		ID:        m.generateID(),
		Timestamp: m.now(),
		State:     state,
	}
	raw, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := m.send(raw); err != nil {
		return err
	}
	m.lastHeartbeat = m.now()
	return nil
}

// sendAck acknowledges receipt of an inbound frame. ACK means "received",
// not "succeeded"; command outcomes travel separately in a RESPONSE.
func (m *Manager) sendAck(originalID string) {
	m.sendAckFrame(KindAck, originalID, "")
}

// sendNack negatively acknowledges an inbound frame.
func (m *Manager) sendNack(originalID, errMsg string) {
	m.sendAckFrame(KindNack, originalID, errMsg)
}

func (m *Manager) sendAckFrame(kind Kind, originalID, errMsg string) {
	msg := Message{
		Type:       kind,
		ID:         m.generateID(),
		Timestamp:  m.now(),
		OriginalID: originalID,
		Error:      errMsg,
	}
	raw, err := Encode(msg)
	if err != nil {
		log.Printf("protocol: encode %s: %v", kind, err)
		return
	}
	if err := m.send(raw); err != nil {
		log.Printf("protocol: send %s: %v", kind, err)
	}
}

// Tick drives the session: connection edges, inbound frames, the ACK
// timeout sweep, and heartbeat emission. Call it once per run-loop tick.
func (m *Manager) Tick() {
	now := m.now()

	connected := m.tr.PeerPresent()
	if connected != m.connected {
		m.connected = connected
		log.Printf("protocol: connection %s", connState(connected))
		if connected {
			m.lastActivity = now
			m.lastHeartbeat = now
		} else {
			// No retries for a vanished peer: purge every pending
			// entry and any partial inbound frame.
			m.pending = make(map[string]*pendingAck)
			m.rxBuf = nil
		}
		m.sink.ConnectionChanged(connected)
	}

	if m.connected {
		m.pumpInbound(now)
	}

	m.sweepTimeouts(now)

	if m.connected && now.Sub(m.lastHeartbeat) > m.heartbeatInterval {
		if err := m.sendHeartbeat(); err != nil {
			log.Printf("protocol: heartbeat: %v", err)
		}
	}
}

// pumpInbound reads whatever the transport has and processes every complete
// newline-delimited frame.
func (m *Manager) pumpInbound(now time.Time) {
	for {
		data, err := m.tr.ReadAvailable()
		if err != nil {
			log.Printf("protocol: read: %v", err)
			return
		}
		if len(data) == 0 {
			break
		}
		m.rxBuf = append(m.rxBuf, data...)
	}

	for {
		nl := bytes.IndexByte(m.rxBuf, '\n')
		if nl < 0 {
			return
		}
		line := bytes.TrimSpace(m.rxBuf[:nl])
		m.rxBuf = m.rxBuf[nl+1:]
		if len(line) == 0 {
			continue
		}
		m.processFrame(line, now)
	}
}

// processFrame handles one inbound frame: decode, dedup, dispatch.
func (m *Manager) processFrame(line []byte, now time.Time) {
	m.lastActivity = now
	m.stats.TotalReceived++

	msg, err := Decode(line)
	if err != nil {
		// Never let a bad frame take down the link.
		log.Printf("protocol: drop frame: %v", err)
		return
	}

	// Single-slot dedup: only an immediate repeat of the previous message
	// id is caught. Duplicates separated by other traffic pass through —
	// known limitation of the session design.
	if msg.ID == m.lastReceivedID {
		log.Printf("protocol: duplicate message %s, re-acking", msg.ID)
		m.sendAck(msg.ID)
		return
	}
	m.lastReceivedID = msg.ID

	switch msg.Type {
	case KindCommand:
		m.handleCommand(msg)
	case KindResponse:
		m.sink.OnResponse(msg)
	case KindAck:
		m.handleAck(msg, now)
	case KindNack:
		m.handleNack(msg, now)
	case KindHeartbeat:
		m.sink.OnHeartbeat(msg)
	case KindStatus:
		m.sink.OnStatus(msg)
	case KindError:
		m.sink.OnError(msg)
	}
}

func (m *Manager) handleCommand(msg Message) {
	if !validCommand(msg.Command) {
		m.sendNack(msg.ID, fmt.Sprintf("unknown command: %s", msg.Command))
		return
	}
	// ACK before dispatch: receipt and outcome are decoupled.
	if msg.NeedsAck {
		m.sendAck(msg.ID)
	}
	m.sink.OnCommand(msg)
}

func (m *Manager) handleAck(msg Message, now time.Time) {
	p, ok := m.pending[msg.OriginalID]
	if !ok {
		return
	}
	rtt := float64(now.Sub(p.sendTime).Milliseconds())
	acked := float64(m.stats.TotalAcked)
	m.stats.AverageResponseMs = (m.stats.AverageResponseMs*acked + rtt) / (acked + 1)
	m.stats.TotalAcked++
	delete(m.pending, msg.OriginalID)
	log.Printf("protocol: ack for %s (rtt %.0fms)", msg.OriginalID, rtt)
}

func (m *Manager) handleNack(msg Message, now time.Time) {
	p, ok := m.pending[msg.OriginalID]
	if !ok {
		return
	}
	m.stats.TotalNacked++
	m.retryOrAbandon(msg.OriginalID, p, now, "nack")
}

// sweepTimeouts applies the retry-or-abandon policy to every pending entry
// older than the ACK timeout.
func (m *Manager) sweepTimeouts(now time.Time) {
	for id, p := range m.pending {
		if now.Sub(p.sendTime) > m.ackTimeout {
			m.retryOrAbandon(id, p, now, "timeout")
		}
	}
}

// retryOrAbandon resends the original payload if retries remain, otherwise
// abandons the entry. Abandonment is counted, never surfaced as an error:
// callers poll statistics to detect link degradation.
func (m *Manager) retryOrAbandon(id string, p *pendingAck, now time.Time, reason string) {
	if p.retryCount < m.maxRetries {
		p.retryCount++
		p.sendTime = now
		if err := m.send(p.raw); err != nil {
			log.Printf("protocol: %s resend %s: %v", reason, id, err)
		}
		m.stats.TotalRetries++
		log.Printf("protocol: %s, retry %d for %s", reason, p.retryCount, id)
		return
	}
	delete(m.pending, id)
	m.stats.TotalTimeouts++
	log.Printf("protocol: %s, abandoned %s after %d retries", reason, id, p.retryCount)
}

// Connected reports whether the transport sees a peer.
func (m *Manager) Connected() bool {
	return m.connected
}

// ConnectionActive reports whether the link is up AND the peer has produced
// activity within the inactivity window. Distinguishes "link up" from "peer
// silently gone".
func (m *Manager) ConnectionActive() bool {
	return m.connected && m.now().Sub(m.lastActivity) < m.inactivityWindow
}

// PendingCount returns the number of unacknowledged outbound frames.
func (m *Manager) PendingCount() int {
	return len(m.pending)
}

// Stats returns a copy of the protocol counters.
func (m *Manager) Stats() Statistics {
	return m.stats
}

// ResetStats zeroes all counters and the response-time average.
func (m *Manager) ResetStats() {
	m.stats = Statistics{}
}

// AckTimeout returns the current ACK timeout.
func (m *Manager) AckTimeout() time.Duration { return m.ackTimeout }

// MaxRetries returns the current retry bound.
func (m *Manager) MaxRetries() int { return m.maxRetries }

// HeartbeatInterval returns the current heartbeat interval.
func (m *Manager) HeartbeatInterval() time.Duration { return m.heartbeatInterval }

// SetAckTimeout changes the ACK timeout. Applies to subsequent sweeps.
func (m *Manager) SetAckTimeout(d time.Duration) {
	if d > 0 {
		m.ackTimeout = d
	}
}

// SetMaxRetries changes the retry bound.
func (m *Manager) SetMaxRetries(n int) {
	if n >= 0 {
		m.maxRetries = n
	}
}

// SetHeartbeatInterval changes the heartbeat cadence.
func (m *Manager) SetHeartbeatInterval(d time.Duration) {
	if d > 0 {
		m.heartbeatInterval = d
	}
}

func validCommand(c Command) bool {
	switch c {
	case CmdSetLED, CmdStartSequence, CmdStopSequence, CmdPauseSequence,
		CmdResumeSequence, CmdGetStatus, CmdSetConfig, CmdGetConfig,
		CmdCalibrate, CmdReset, CmdPing:
		return true
	}
	return false
}

func connState(connected bool) string {
	if connected {
		return "connected"
	}
	return "disconnected"
}
