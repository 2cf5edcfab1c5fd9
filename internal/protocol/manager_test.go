package protocol

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/sweeney/led-fixture/internal/transport"
)

// recordSink captures every sink callback for inspection.
type recordSink struct {
	commands   []Message
	responses  []Message
	statuses   []Message
	heartbeats []Message
	errs       []Message
	connEvents []bool
}

func (r *recordSink) OnCommand(msg Message)   { r.commands = append(r.commands, msg) }
func (r *recordSink) OnResponse(msg Message)  { r.responses = append(r.responses, msg) }
func (r *recordSink) OnStatus(msg Message)    { r.statuses = append(r.statuses, msg) }
func (r *recordSink) OnHeartbeat(msg Message) { r.heartbeats = append(r.heartbeats, msg) }
func (r *recordSink) OnError(msg Message)     { r.errs = append(r.errs, msg) }
func (r *recordSink) ConnectionChanged(connected bool) {
	r.connEvents = append(r.connEvents, connected)
}

// newTestManager builds a connected manager over a fake transport with a
// test-controlled clock. The returned advance function moves the clock.
func newTestManager(t *testing.T) (*Manager, *transport.Fake, *recordSink, func(time.Duration)) {
	t.Helper()
	tr := transport.NewFake()
	sink := &recordSink{}
	cur := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := New(tr, sink, Options{
		// Heartbeats park far in the future so write assertions see only
		// the frames under test.
		HeartbeatInterval: time.Hour,
		Now:               func() time.Time { return cur },
		Rand:              rand.New(rand.NewSource(1)),
	})
	m.Tick() // connection edge
	if !m.Connected() {
		t.Fatal("manager should be connected after first tick")
	}
	tr.Written = nil
	return m, tr, sink, func(d time.Duration) { cur = cur.Add(d) }
}

// lastWritten decodes the most recent frame written to the transport.
func lastWritten(t *testing.T, tr *transport.Fake) Message {
	t.Helper()
	if len(tr.Written) == 0 {
		t.Fatal("nothing written")
	}
	msg, err := Decode(bytes.TrimSpace(tr.Written[len(tr.Written)-1]))
	if err != nil {
		t.Fatalf("written frame does not decode: %v", err)
	}
	return msg
}

func queueMessage(t *testing.T, tr *transport.Fake, msg Message) {
	t.Helper()
	raw, err := Encode(msg)
	if err != nil {
		t.Fatalf("encode test frame: %v", err)
	}
	tr.QueueFrame(string(raw))
}

func TestConnectionEdges(t *testing.T) {
	m, tr, sink, _ := newTestManager(t)

	if len(sink.connEvents) != 1 || !sink.connEvents[0] {
		t.Fatalf("expected one connected event, got %v", sink.connEvents)
	}

	tr.Present = false
	m.Tick()
	if m.Connected() {
		t.Error("manager should be disconnected")
	}
	if len(sink.connEvents) != 2 || sink.connEvents[1] {
		t.Errorf("expected disconnected event, got %v", sink.connEvents)
	}

	// No edge means no further events.
	m.Tick()
	if len(sink.connEvents) != 2 {
		t.Errorf("expected no event without an edge, got %v", sink.connEvents)
	}
}

func TestSendCommandNotConnected(t *testing.T) {
	tr := transport.NewFake()
	tr.Present = false
	m := New(tr, &recordSink{}, Options{})

	if _, err := m.SendCommand(CmdGetStatus, nil, true); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	// Nothing is buffered for later delivery.
	if len(tr.Written) != 0 {
		t.Error("disconnected send must not write")
	}
	if m.PendingCount() != 0 {
		t.Error("disconnected send must not create a pending entry")
	}
}

func TestAckRoundTrip(t *testing.T) {
	m, tr, _, advance := newTestManager(t)

	id, err := m.SendCommand(CmdGetStatus, nil, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.PendingCount() != 1 {
		t.Fatalf("expected 1 pending, got %d", m.PendingCount())
	}
	if m.Stats().TotalSent != 1 {
		t.Errorf("expected TotalSent 1, got %d", m.Stats().TotalSent)
	}

	advance(120 * time.Millisecond)
	queueMessage(t, tr, Message{Type: KindAck, ID: "app_1", OriginalID: id})
	m.Tick()

	if m.PendingCount() != 0 {
		t.Errorf("expected pending cleared, got %d", m.PendingCount())
	}
	stats := m.Stats()
	if stats.TotalAcked != 1 {
		t.Errorf("expected TotalAcked 1, got %d", stats.TotalAcked)
	}
	if stats.TotalReceived != 1 {
		t.Errorf("expected TotalReceived 1, got %d", stats.TotalReceived)
	}
	if stats.AverageResponseMs != 120 {
		t.Errorf("expected average 120ms, got %v", stats.AverageResponseMs)
	}
}

func TestAverageResponseIncremental(t *testing.T) {
	m, tr, _, advance := newTestManager(t)

	// First ACK at 100ms, second at 300ms: running mean is 200ms.
	id1, _ := m.SendCommand(CmdGetStatus, nil, true)
	advance(100 * time.Millisecond)
	queueMessage(t, tr, Message{Type: KindAck, ID: "app_1", OriginalID: id1})
	m.Tick()

	id2, _ := m.SendCommand(CmdGetStatus, nil, true)
	advance(300 * time.Millisecond)
	queueMessage(t, tr, Message{Type: KindAck, ID: "app_2", OriginalID: id2})
	m.Tick()

	stats := m.Stats()
	if stats.TotalAcked != 2 {
		t.Fatalf("expected TotalAcked 2, got %d", stats.TotalAcked)
	}
	if stats.AverageResponseMs != 200 {
		t.Errorf("expected average 200ms, got %v", stats.AverageResponseMs)
	}
}

func TestAckForUnknownIDIgnored(t *testing.T) {
	m, tr, _, _ := newTestManager(t)

	queueMessage(t, tr, Message{Type: KindAck, ID: "app_1", OriginalID: "msg_FFFFFFFF_FFFF"})
	m.Tick()

	if m.Stats().TotalAcked != 0 {
		t.Errorf("stray ACK should not count, got %d", m.Stats().TotalAcked)
	}
}

func TestTimeoutRetriesThenAbandons(t *testing.T) {
	m, tr, _, advance := newTestManager(t)

	m.SendCommand(CmdGetStatus, nil, true)
	original := tr.Written[len(tr.Written)-1]
	sent := len(tr.Written)

	// Each sweep past the ACK timeout resends the original bytes.
	for retry := 1; retry <= m.MaxRetries(); retry++ {
		advance(m.AckTimeout() + time.Millisecond)
		m.Tick()
		if got := m.Stats().TotalRetries; got != uint64(retry) {
			t.Fatalf("retry %d: expected TotalRetries %d, got %d", retry, retry, got)
		}
		if len(tr.Written) != sent+retry {
			t.Fatalf("retry %d: expected %d writes, got %d", retry, sent+retry, len(tr.Written))
		}
		if !bytes.Equal(tr.Written[len(tr.Written)-1], original) {
			t.Errorf("retry %d must resend the original payload unchanged", retry)
		}
		if m.PendingCount() != 1 {
			t.Fatalf("retry %d: entry should still be pending", retry)
		}
	}

	// Retries exhausted: the entry is abandoned, counted, not surfaced.
	advance(m.AckTimeout() + time.Millisecond)
	m.Tick()
	if m.PendingCount() != 0 {
		t.Errorf("expected pending cleared after exhaustion, got %d", m.PendingCount())
	}
	stats := m.Stats()
	if stats.TotalTimeouts != 1 {
		t.Errorf("expected TotalTimeouts 1, got %d", stats.TotalTimeouts)
	}
	if stats.TotalRetries != uint64(m.MaxRetries()) {
		t.Errorf("expected TotalRetries %d, got %d", m.MaxRetries(), stats.TotalRetries)
	}
	if len(tr.Written) != sent+m.MaxRetries() {
		t.Errorf("abandonment must not resend, got %d writes", len(tr.Written))
	}
}

func TestNackTriggersRetry(t *testing.T) {
	m, tr, _, advance := newTestManager(t)

	id, _ := m.SendCommand(CmdGetStatus, nil, true)
	original := tr.Written[len(tr.Written)-1]

	advance(50 * time.Millisecond)
	queueMessage(t, tr, Message{Type: KindNack, ID: "app_1", OriginalID: id, Error: "busy"})
	m.Tick()

	stats := m.Stats()
	if stats.TotalNacked != 1 {
		t.Errorf("expected TotalNacked 1, got %d", stats.TotalNacked)
	}
	if stats.TotalRetries != 1 {
		t.Errorf("expected TotalRetries 1, got %d", stats.TotalRetries)
	}
	if !bytes.Equal(tr.Written[len(tr.Written)-1], original) {
		t.Error("NACK retry must resend the original payload unchanged")
	}
	if m.PendingCount() != 1 {
		t.Error("entry should remain pending after a NACK retry")
	}
}

func TestDisconnectPurgesPending(t *testing.T) {
	m, tr, _, advance := newTestManager(t)

	m.SendCommand(CmdGetStatus, nil, true)
	if m.PendingCount() != 1 {
		t.Fatal("expected 1 pending")
	}

	tr.Present = false
	m.Tick()
	if m.PendingCount() != 0 {
		t.Errorf("disconnect must purge pending, got %d", m.PendingCount())
	}

	// Long after the ACK timeout, nothing fires: no retries for a peer
	// that was purged on disconnect.
	advance(time.Minute)
	m.Tick()
	if m.Stats().TotalRetries != 0 || m.Stats().TotalTimeouts != 0 {
		t.Errorf("purged entries must not retry or time out: %+v", m.Stats())
	}
}

func TestInboundCommandAckBeforeDispatch(t *testing.T) {
	m, tr, sink, _ := newTestManager(t)

	queueMessage(t, tr, Message{
		Type:     KindCommand,
		ID:       "app_9",
		Command:  CmdStopSequence,
		NeedsAck: true,
	})
	m.Tick()

	if len(sink.commands) != 1 {
		t.Fatalf("expected 1 dispatched command, got %d", len(sink.commands))
	}
	if sink.commands[0].Command != CmdStopSequence {
		t.Errorf("unexpected command: %s", sink.commands[0].Command)
	}

	ack := lastWritten(t, tr)
	if ack.Type != KindAck {
		t.Fatalf("expected ACK written, got %s", ack.Type)
	}
	if ack.OriginalID != "app_9" {
		t.Errorf("ACK should reference app_9, got %s", ack.OriginalID)
	}
}

func TestInboundCommandWithoutAck(t *testing.T) {
	m, tr, sink, _ := newTestManager(t)

	queueMessage(t, tr, Message{Type: KindCommand, ID: "app_10", Command: CmdGetStatus})
	m.Tick()

	if len(sink.commands) != 1 {
		t.Fatalf("expected 1 dispatched command, got %d", len(sink.commands))
	}
	if len(tr.Written) != 0 {
		t.Error("command without needsAck must not be ACKed")
	}
}

func TestUnknownCommandNacked(t *testing.T) {
	m, tr, sink, _ := newTestManager(t)

	queueMessage(t, tr, Message{Type: KindCommand, ID: "app_11", Command: "EXPLODE", NeedsAck: true})
	m.Tick()

	if len(sink.commands) != 0 {
		t.Error("unknown command must not reach the sink")
	}
	nack := lastWritten(t, tr)
	if nack.Type != KindNack {
		t.Fatalf("expected NACK, got %s", nack.Type)
	}
	if nack.OriginalID != "app_11" {
		t.Errorf("NACK should reference app_11, got %s", nack.OriginalID)
	}
	if nack.Error != "unknown command: EXPLODE" {
		t.Errorf("unexpected NACK error: %q", nack.Error)
	}
}

func TestDuplicateSuppression(t *testing.T) {
	m, tr, sink, _ := newTestManager(t)

	frame := Message{Type: KindCommand, ID: "app_12", Command: CmdGetStatus, NeedsAck: true}
	queueMessage(t, tr, frame)
	queueMessage(t, tr, frame)
	m.Tick()

	// Dispatched once; the duplicate is re-ACKed so the peer stops
	// retransmitting.
	if len(sink.commands) != 1 {
		t.Errorf("expected 1 dispatch, got %d", len(sink.commands))
	}
	acks := 0
	for _, raw := range tr.Written {
		msg, err := Decode(bytes.TrimSpace(raw))
		if err != nil {
			t.Fatalf("written frame does not decode: %v", err)
		}
		if msg.Type == KindAck && msg.OriginalID == "app_12" {
			acks++
		}
	}
	if acks != 2 {
		t.Errorf("expected 2 ACKs for app_12, got %d", acks)
	}
	if m.Stats().TotalReceived != 2 {
		t.Errorf("duplicates still count as received, got %d", m.Stats().TotalReceived)
	}
}

func TestDuplicateSlotIsSingle(t *testing.T) {
	m, tr, sink, _ := newTestManager(t)

	// A duplicate separated by other traffic passes through: the dedup
	// slot only remembers the immediately previous id.
	queueMessage(t, tr, Message{Type: KindCommand, ID: "app_13", Command: CmdGetStatus})
	queueMessage(t, tr, Message{Type: KindCommand, ID: "app_14", Command: CmdGetStatus})
	queueMessage(t, tr, Message{Type: KindCommand, ID: "app_13", Command: CmdGetStatus})
	m.Tick()

	if len(sink.commands) != 3 {
		t.Errorf("expected 3 dispatches, got %d", len(sink.commands))
	}
}

func TestMalformedFramesDropped(t *testing.T) {
	m, tr, sink, _ := newTestManager(t)

	tr.QueueFrame(`{{{not json`)
	tr.QueueFrame(`{"type":"COMMAND"}`)
	queueMessage(t, tr, Message{Type: KindCommand, ID: "app_15", Command: CmdGetStatus})
	m.Tick()

	// Bad frames are counted, logged, and dropped; the session survives.
	if len(sink.commands) != 1 {
		t.Errorf("expected the valid frame dispatched, got %d", len(sink.commands))
	}
	if m.Stats().TotalReceived != 3 {
		t.Errorf("expected TotalReceived 3, got %d", m.Stats().TotalReceived)
	}
}

func TestPartialFrameAssembly(t *testing.T) {
	m, tr, sink, _ := newTestManager(t)

	raw, _ := Encode(Message{Type: KindCommand, ID: "app_16", Command: CmdGetStatus})
	half := len(raw) / 2

	tr.QueueBytes(raw[:half])
	m.Tick()
	if len(sink.commands) != 0 {
		t.Fatal("half a frame must not dispatch")
	}

	tr.QueueBytes(raw[half:])
	tr.QueueBytes([]byte("\n"))
	m.Tick()
	if len(sink.commands) != 1 {
		t.Errorf("expected reassembled frame dispatched, got %d", len(sink.commands))
	}
}

func TestHeartbeatEmission(t *testing.T) {
	tr := transport.NewFake()
	sink := &recordSink{}
	cur := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := New(tr, sink, Options{
		Now:   func() time.Time { return cur },
		Rand:  rand.New(rand.NewSource(1)),
		State: func() string { return "SEQUENCE_RUNNING" },
	})
	m.Tick()
	tr.Written = nil

	// Within the interval: silent.
	cur = cur.Add(4 * time.Second)
	m.Tick()
	if len(tr.Written) != 0 {
		t.Fatal("no heartbeat expected within the interval")
	}

	cur = cur.Add(2 * time.Second)
	m.Tick()
	hb := lastWritten(t, tr)
	if hb.Type != KindHeartbeat {
		t.Fatalf("expected HEARTBEAT, got %s", hb.Type)
	}
	if hb.State != "SEQUENCE_RUNNING" {
		t.Errorf("heartbeat should carry the state label, got %q", hb.State)
	}
	// Heartbeats are link keepalive, not counted traffic.
	if m.Stats().TotalSent != 0 {
		t.Errorf("heartbeat must not count as sent, got %d", m.Stats().TotalSent)
	}
}

func TestNoHeartbeatWhenDisconnected(t *testing.T) {
	tr := transport.NewFake()
	tr.Present = false
	cur := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := New(tr, &recordSink{}, Options{Now: func() time.Time { return cur }})

	cur = cur.Add(time.Minute)
	m.Tick()
	if len(tr.Written) != 0 {
		t.Error("no heartbeat without a peer")
	}
}

func TestConnectionActive(t *testing.T) {
	m, tr, _, advance := newTestManager(t)

	if !m.ConnectionActive() {
		t.Error("fresh connection should be active")
	}

	// Inbound traffic refreshes the activity clock.
	advance(20 * time.Second)
	queueMessage(t, tr, Message{Type: KindHeartbeat, ID: "app_17"})
	m.Tick()
	advance(20 * time.Second)
	if !m.ConnectionActive() {
		t.Error("activity 20s ago is within the window")
	}

	advance(15 * time.Second)
	if m.ConnectionActive() {
		t.Error("a silent peer past the window is inactive")
	}
	if !m.Connected() {
		t.Error("inactive is not disconnected; the link is still up")
	}
}

func TestStatsReset(t *testing.T) {
	m, tr, _, advance := newTestManager(t)

	id, _ := m.SendCommand(CmdGetStatus, nil, true)
	advance(100 * time.Millisecond)
	queueMessage(t, tr, Message{Type: KindAck, ID: "app_1", OriginalID: id})
	m.Tick()

	m.ResetStats()
	stats := m.Stats()
	if stats.TotalSent != 0 || stats.TotalAcked != 0 || stats.AverageResponseMs != 0 {
		t.Errorf("expected zeroed stats, got %+v", stats)
	}
}

func TestConfigSetters(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	m.SetAckTimeout(5 * time.Second)
	if m.AckTimeout() != 5*time.Second {
		t.Errorf("expected 5s, got %v", m.AckTimeout())
	}
	m.SetAckTimeout(0)
	if m.AckTimeout() != 5*time.Second {
		t.Error("zero timeout must be rejected")
	}

	m.SetMaxRetries(7)
	if m.MaxRetries() != 7 {
		t.Errorf("expected 7, got %d", m.MaxRetries())
	}
	m.SetMaxRetries(-1)
	if m.MaxRetries() != 7 {
		t.Error("negative retries must be rejected")
	}

	m.SetHeartbeatInterval(10 * time.Second)
	if m.HeartbeatInterval() != 10*time.Second {
		t.Errorf("expected 10s, got %v", m.HeartbeatInterval())
	}
}

func TestGenerateIDFormat(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	id, err := m.SendCommand(CmdPing, nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(id) != len("msg_00000000_0000") {
		t.Errorf("unexpected id length: %q", id)
	}
	if id[:4] != "msg_" || id[12] != '_' {
		t.Errorf("unexpected id shape: %q", id)
	}
}
