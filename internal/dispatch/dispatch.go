// Package dispatch maps decoded protocol commands onto the LED store and
// sequence engine and produces protocol responses. Validation happens here,
// before any state mutation; failures become RESPONSE frames with
// success=false, never crashes.
package dispatch

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sweeney/led-fixture/internal/hw"
	"github.com/sweeney/led-fixture/internal/led"
	"github.com/sweeney/led-fixture/internal/protocol"
)

// Response error codes.
const (
	CodeValidation = 1 // bad parameters, rejected before any mutation
	CodeState      = 2 // command invalid for the current engine state
	CodeInternal   = 3 // hardware or internal failure
)

// Dispatcher implements protocol.Sink. It owns the runtime-adjustable
// configuration exposed through SET_CONFIG/GET_CONFIG.
type Dispatcher struct {
	store  *led.Store
	engine *led.Engine
	proto  *protocol.Manager

	seqCfg          led.Config
	defaultInterval time.Duration
	calibrateHold   time.Duration

	now       func() time.Time
	startTime time.Time
}

// New creates a Dispatcher. Bind must be called with the protocol manager
// before the first tick; the manager and dispatcher reference each other.
func New(store *led.Store, engine *led.Engine, seqCfg led.Config, now func() time.Time) *Dispatcher {
	return &Dispatcher{
		store:           store,
		engine:          engine,
		seqCfg:          seqCfg,
		defaultInterval: seqCfg.DefaultInterval,
		calibrateHold:   200 * time.Millisecond,
		now:             now,
		startTime:       now(),
	}
}

// Bind attaches the protocol manager used to send responses.
func (d *Dispatcher) Bind(m *protocol.Manager) {
	d.proto = m
}

// StateLabel returns the system state carried in heartbeats.
func (d *Dispatcher) StateLabel() string {
	switch d.engine.State() {
	case led.StateRunning:
		return "SEQUENCE_RUNNING"
	case led.StatePaused:
		return "SEQUENCE_PAUSED"
	default:
		return "IDLE"
	}
}

// OnCommand handles one inbound command. The manager has already ACKed
// receipt; the outcome travels in the response sent here.
func (d *Dispatcher) OnCommand(msg protocol.Message) {
	var (
		data map[string]any
		err  error
		code int
	)

	switch msg.Command {
	case protocol.CmdSetLED:
		data, code, err = d.handleSetLED(msg.Params)
	case protocol.CmdStartSequence:
		data, code, err = d.handleStartSequence(msg.Params)
	case protocol.CmdStopSequence:
		data, code, err = d.handleStopSequence()
	case protocol.CmdPauseSequence:
		data, code, err = d.handlePauseSequence()
	case protocol.CmdResumeSequence:
		data, code, err = d.handleResumeSequence()
	case protocol.CmdGetStatus:
		data = d.statusData()
	case protocol.CmdSetConfig:
		data, code, err = d.handleSetConfig(msg.Params)
	case protocol.CmdGetConfig:
		data = d.configData()
	case protocol.CmdCalibrate:
		data, code, err = d.handleCalibrate()
	case protocol.CmdReset:
		data, code, err = d.handleReset()
	case protocol.CmdPing:
		data = map[string]any{"result": "PONG"}
	default:
		code, err = CodeValidation, fmt.Errorf("unknown command %q", msg.Command)
	}

	if err != nil {
		log.Printf("dispatch: %s failed: %v", msg.Command, err)
		if rerr := d.proto.SendResponseError(msg.ID, err.Error(), code); rerr != nil {
			log.Printf("dispatch: send error response: %v", rerr)
		}
		return
	}
	if rerr := d.proto.SendResponse(msg.ID, data); rerr != nil {
		log.Printf("dispatch: send response: %v", rerr)
	}
}

func (d *Dispatcher) handleSetLED(params map[string]any) (map[string]any, int, error) {
	pair, ok := intParam(params, "pair")
	if !ok {
		return nil, CodeValidation, errors.New("missing or invalid pair")
	}
	colorName, ok := stringParam(params, "color")
	if !ok {
		return nil, CodeValidation, errors.New("missing color")
	}
	state, ok := boolParam(params, "state")
	if !ok {
		return nil, CodeValidation, errors.New("missing state")
	}

	color, err := hw.ParseColor(colorName)
	if err != nil {
		return nil, CodeValidation, err
	}
	if err := d.store.SetChannel(pair, color, state); err != nil {
		if errors.Is(err, led.ErrInvalidChannel) {
			return nil, CodeValidation, err
		}
		return nil, CodeInternal, err
	}
	return map[string]any{"result": "LED_SET"}, 0, nil
}

func (d *Dispatcher) handleStartSequence(params map[string]any) (map[string]any, int, error) {
	seqType, ok := intParam(params, "type")
	if !ok {
		seqType = int(led.Random)
	}
	if seqType != int(led.Random) && seqType != int(led.Sequential) {
		return nil, CodeValidation, fmt.Errorf("invalid sequence type %d", seqType)
	}

	interval := d.defaultInterval
	if ms, ok := intParam(params, "interval"); ok {
		interval = time.Duration(ms) * time.Millisecond
	}

	err := d.engine.Start(led.Kind(seqType), interval, d.now())
	switch {
	case errors.Is(err, led.ErrAlreadyRunning):
		return nil, CodeState, err
	case errors.Is(err, led.ErrInvalidInterval):
		return nil, CodeValidation, err
	case err != nil:
		return nil, CodeInternal, err
	}
	return map[string]any{"result": "SEQUENCE_STARTED"}, 0, nil
}

func (d *Dispatcher) handleStopSequence() (map[string]any, int, error) {
	if err := d.engine.Stop(); err != nil {
		return nil, CodeInternal, err
	}
	return map[string]any{"result": "SEQUENCE_STOPPED"}, 0, nil
}

func (d *Dispatcher) handlePauseSequence() (map[string]any, int, error) {
	if err := d.engine.Pause(d.now()); err != nil {
		return nil, CodeState, err
	}
	return map[string]any{"result": "SEQUENCE_PAUSED"}, 0, nil
}

func (d *Dispatcher) handleResumeSequence() (map[string]any, int, error) {
	if err := d.engine.Resume(d.now()); err != nil {
		return nil, CodeState, err
	}
	return map[string]any{"result": "SEQUENCE_RESUMED"}, 0, nil
}

func (d *Dispatcher) handleSetConfig(params map[string]any) (map[string]any, int, error) {
	// Validate every present field before touching anything, so a request
	// mixing good and bad fields leaves the configuration untouched.
	ackMs, hasAck := intParam(params, "ackTimeoutMs")
	if hasAck && ackMs <= 0 {
		return nil, CodeValidation, fmt.Errorf("invalid ackTimeoutMs %d", ackMs)
	}
	retries, hasRetries := intParam(params, "maxRetries")
	if hasRetries && retries < 0 {
		return nil, CodeValidation, fmt.Errorf("invalid maxRetries %d", retries)
	}
	hbMs, hasHB := intParam(params, "heartbeatMs")
	if hasHB && hbMs <= 0 {
		return nil, CodeValidation, fmt.Errorf("invalid heartbeatMs %d", hbMs)
	}
	ivMs, hasInterval := intParam(params, "defaultIntervalMs")
	interval := time.Duration(ivMs) * time.Millisecond
	if hasInterval && (interval < d.seqCfg.MinInterval || interval > d.seqCfg.MaxInterval) {
		return nil, CodeValidation, fmt.Errorf("invalid defaultIntervalMs %d", ivMs)
	}

	if hasAck {
		d.proto.SetAckTimeout(time.Duration(ackMs) * time.Millisecond)
	}
	if hasRetries {
		d.proto.SetMaxRetries(retries)
	}
	if hasHB {
		d.proto.SetHeartbeatInterval(time.Duration(hbMs) * time.Millisecond)
	}
	if hasInterval {
		d.defaultInterval = interval
	}
	return d.configData(), 0, nil
}

func (d *Dispatcher) handleCalibrate() (map[string]any, int, error) {
	plan := led.CalibrationPlan(d.calibrateHold)
	err := d.engine.StartPlan(plan, d.seqCfg.MinInterval, d.now())
	if errors.Is(err, led.ErrAlreadyRunning) {
		return nil, CodeState, err
	}
	if err != nil {
		return nil, CodeInternal, err
	}
	return map[string]any{"result": "CALIBRATION_STARTED"}, 0, nil
}

func (d *Dispatcher) handleReset() (map[string]any, int, error) {
	if err := d.engine.Stop(); err != nil {
		return nil, CodeInternal, err
	}
	if err := d.store.ClearAll(); err != nil {
		return nil, CodeInternal, err
	}
	d.proto.ResetStats()
	return map[string]any{"result": "RESET_DONE"}, 0, nil
}

// statusData builds the GET_STATUS payload.
func (d *Dispatcher) statusData() map[string]any {
	red, green := d.store.AllStates()
	stats := d.proto.Stats()

	data := map[string]any{
		"state":             d.StateLabel(),
		"sequence_running":  d.engine.State() == led.StateRunning,
		"sequence_type":     int(d.engine.Kind()),
		"interval_ms":       d.engine.Interval().Milliseconds(),
		"progress":          d.engine.Progress(),
		"current_pair":      -1,
		"total_pairs":       hw.PairCount,
		"leds_red":          red,
		"leds_green":        green,
		"uptime_ms":         d.now().Sub(d.startTime).Milliseconds(),
		"connection_active": d.proto.ConnectionActive(),
		"stats": map[string]any{
			"sent":            stats.TotalSent,
			"received":        stats.TotalReceived,
			"acked":           stats.TotalAcked,
			"nacked":          stats.TotalNacked,
			"retries":         stats.TotalRetries,
			"timeouts":        stats.TotalTimeouts,
			"avg_response_ms": stats.AverageResponseMs,
		},
	}
	if ch, ok := d.engine.CurrentChannel(); ok {
		data["current_pair"] = ch.Pair
		data["current_color"] = ch.Color.String()
	}
	return data
}

// configData builds the GET_CONFIG payload.
func (d *Dispatcher) configData() map[string]any {
	return map[string]any{
		"ack_timeout_ms":      d.proto.AckTimeout().Milliseconds(),
		"max_retries":         d.proto.MaxRetries(),
		"heartbeat_ms":        d.proto.HeartbeatInterval().Milliseconds(),
		"default_interval_ms": d.defaultInterval.Milliseconds(),
		"min_interval_ms":     d.seqCfg.MinInterval.Milliseconds(),
		"max_interval_ms":     d.seqCfg.MaxInterval.Milliseconds(),
		"pair_count":          hw.PairCount,
	}
}

// OnResponse logs responses from the peer; the fixture does not issue
// commands that expect data back.
func (d *Dispatcher) OnResponse(msg protocol.Message) {
	log.Printf("dispatch: peer response for %s success=%v", msg.RequestID, msg.Success)
}

// OnStatus logs unsolicited peer status frames.
func (d *Dispatcher) OnStatus(msg protocol.Message) {
	log.Printf("dispatch: peer status: %s", msg.State)
}

// OnHeartbeat logs peer heartbeats.
func (d *Dispatcher) OnHeartbeat(msg protocol.Message) {
	log.Printf("dispatch: peer heartbeat (id %s)", msg.ID)
}

// OnError logs peer error frames.
func (d *Dispatcher) OnError(msg protocol.Message) {
	log.Printf("dispatch: peer error: %s", msg.Error)
}

// ConnectionChanged stops any running sequence when the peer goes away so
// the fixture never keeps stepping for a vanished controller.
func (d *Dispatcher) ConnectionChanged(connected bool) {
	if connected {
		return
	}
	if d.engine.State() != led.StateIdle {
		log.Printf("dispatch: peer gone, stopping sequence")
		if err := d.engine.Stop(); err != nil {
			log.Printf("dispatch: stop on disconnect: %v", err)
		}
	}
}

// JSON numbers decode as float64; these helpers narrow params safely.

func intParam(params map[string]any, key string) (int, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

func stringParam(params map[string]any, key string) (string, bool) {
	s, ok := params[key].(string)
	return s, ok
}

func boolParam(params map[string]any, key string) (bool, bool) {
	b, ok := params[key].(bool)
	return b, ok
}
