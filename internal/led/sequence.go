package led

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/sweeney/led-fixture/internal/hw"
)

// State is the sequence engine lifecycle state.
type State string

const (
	StateIdle    State = "IDLE"
	StateRunning State = "RUNNING"
	StatePaused  State = "PAUSED"
)

// Kind selects the ordering of a generated plan. The numeric values are the
// wire values of the START_SEQUENCE "type" parameter.
type Kind int

const (
	Random     Kind = 0
	Sequential Kind = 1
)

// Engine errors.
var (
	ErrAlreadyRunning  = errors.New("led: sequence already running")
	ErrInvalidInterval = errors.New("led: interval out of range")
	ErrInvalidState    = errors.New("led: invalid state for operation")
)

// PlanItem is one step of a sequence plan. If HasColor is false the
// engine alternates color by cursor parity (even=red, odd=green).
// Hold overrides the engine interval for this step when non-zero.
type PlanItem struct {
	Pair     int
	Color    hw.Color
	HasColor bool
	Hold     time.Duration
}

// Channel identifies the currently lit channel.
type Channel struct {
	Pair  int
	Color hw.Color
}

// Config bounds sequence timing.
type Config struct {
	MinInterval     time.Duration
	MaxInterval     time.Duration
	DefaultInterval time.Duration
}

// DefaultConfig returns the fixture timing bounds.
func DefaultConfig() Config {
	return Config{
		MinInterval:     200 * time.Millisecond,
		MaxInterval:     3 * time.Second,
		DefaultInterval: 800 * time.Millisecond,
	}
}

// Engine steps an ordered plan of channel activations, one lit channel at a
// time, driven by Tick. It never sleeps; all timing decisions compare the
// injected now against the last step time.
type Engine struct {
	store *Store
	cfg   Config
	rng   *rand.Rand

	state    State
	kind     Kind
	interval time.Duration
	plan     []PlanItem
	cursor   int
	lastStep time.Time
	firstDue bool
	pausedAt time.Time
	current  *Channel
}

// NewEngine creates an idle Engine over the given store. The rng is the
// uniform source for random plans; tests inject a seeded one.
func NewEngine(store *Store, cfg Config, rng *rand.Rand) *Engine {
	return &Engine{
		store: store,
		cfg:   cfg,
		rng:   rng,
		state: StateIdle,
	}
}

// Start builds a plan of every pair in the given ordering and begins
// running it. The first step fires on the next Tick.
func (e *Engine) Start(kind Kind, interval time.Duration, now time.Time) error {
	if kind != Random && kind != Sequential {
		return fmt.Errorf("%w: sequence type %d", ErrInvalidState, kind)
	}

	var plan []PlanItem
	if kind == Random {
		plan = randomPlan(e.rng)
	} else {
		plan = sequentialPlan()
	}
	if err := e.StartPlan(plan, interval, now); err != nil {
		return err
	}
	e.kind = kind
	return nil
}

// StartPlan begins running a caller-supplied plan. Fails if a sequence is
// already running or paused, or if the interval is out of bounds.
func (e *Engine) StartPlan(plan []PlanItem, interval time.Duration, now time.Time) error {
	if e.state != StateIdle {
		return ErrAlreadyRunning
	}
	if interval < e.cfg.MinInterval || interval > e.cfg.MaxInterval {
		return fmt.Errorf("%w: %v not in [%v, %v]",
			ErrInvalidInterval, interval, e.cfg.MinInterval, e.cfg.MaxInterval)
	}
	if len(plan) == 0 {
		return fmt.Errorf("%w: empty plan", ErrInvalidState)
	}

	if err := e.store.ClearAll(); err != nil {
		return err
	}

	e.plan = plan
	e.interval = interval
	e.cursor = 0
	e.lastStep = now
	e.firstDue = true
	e.current = nil
	e.state = StateRunning
	return nil
}

// Tick advances the sequence if a step is due. Callers must invoke it at
// least as often as the smallest configured interval to avoid slippage.
func (e *Engine) Tick(now time.Time) error {
	if e.state != StateRunning {
		return nil
	}
	if !e.firstDue && now.Sub(e.lastStep) < e.stepGap() {
		return nil
	}

	// Natural completion: the last item has had its full display time.
	if e.cursor >= len(e.plan) {
		e.state = StateIdle
		e.plan = nil
		e.current = nil
		return e.store.ClearAll()
	}

	e.firstDue = false
	e.lastStep = now

	if err := e.store.ClearAll(); err != nil {
		return err
	}

	item := e.plan[e.cursor]
	color := item.Color
	if !item.HasColor {
		color = hw.Red
		if e.cursor%2 == 1 {
			color = hw.Green
		}
	}
	if err := e.store.SetChannel(item.Pair, color, true); err != nil {
		return err
	}
	e.current = &Channel{Pair: item.Pair, Color: color}
	e.cursor++
	return nil
}

// stepGap is the interval before the next step: the currently displayed
// item's hold time if set, otherwise the engine interval.
func (e *Engine) stepGap() time.Duration {
	if e.cursor > 0 && e.cursor <= len(e.plan) {
		if hold := e.plan[e.cursor-1].Hold; hold > 0 {
			return hold
		}
	}
	return e.interval
}

// Pause freezes the tick comparison without losing the cursor.
func (e *Engine) Pause(now time.Time) error {
	if e.state != StateRunning {
		return fmt.Errorf("%w: pause from %s", ErrInvalidState, e.state)
	}
	e.state = StatePaused
	e.pausedAt = now
	return nil
}

// Resume unfreezes a paused sequence. The elapsed pause time does not count
// against the current step.
func (e *Engine) Resume(now time.Time) error {
	if e.state != StatePaused {
		return fmt.Errorf("%w: resume from %s", ErrInvalidState, e.state)
	}
	e.lastStep = e.lastStep.Add(now.Sub(e.pausedAt))
	e.state = StateRunning
	return nil
}

// Stop discards the plan and clears all LEDs. Stopping an idle engine is a
// no-op.
func (e *Engine) Stop() error {
	if e.state == StateIdle {
		return nil
	}
	e.state = StateIdle
	e.plan = nil
	e.current = nil
	e.cursor = 0
	return e.store.ClearAll()
}

// State returns the engine lifecycle state.
func (e *Engine) State() State {
	return e.state
}

// Kind returns the ordering of the last started generated plan.
func (e *Engine) Kind() Kind {
	return e.kind
}

// Interval returns the configured step interval of the current plan.
func (e *Engine) Interval() time.Duration {
	return e.interval
}

// Progress returns completion in percent: cursor*100/len(plan), 0 when idle.
func (e *Engine) Progress() int {
	if e.state == StateIdle || len(e.plan) == 0 {
		return 0
	}
	return e.cursor * 100 / len(e.plan)
}

// CurrentChannel returns the lit channel, or ok=false when nothing is lit.
func (e *Engine) CurrentChannel() (Channel, bool) {
	if e.state == StateIdle || e.current == nil {
		return Channel{}, false
	}
	return *e.current, true
}

// sequentialPlan lists every pair in index order.
func sequentialPlan() []PlanItem {
	plan := make([]PlanItem, hw.PairCount)
	for i := range plan {
		plan[i] = PlanItem{Pair: i}
	}
	return plan
}

// randomPlan is a uniform random permutation of all pairs, produced by a
// Fisher-Yates shuffle over a full-range uniform source.
func randomPlan(rng *rand.Rand) []PlanItem {
	order := make([]int, hw.PairCount)
	for i := range order {
		order[i] = i
	}
	for i := len(order) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		order[i], order[j] = order[j], order[i]
	}

	plan := make([]PlanItem, len(order))
	for i, pair := range order {
		plan[i] = PlanItem{Pair: pair}
	}
	return plan
}

// CalibrationPlan walks every pair, red then green, with a short hold.
// CALIBRATE runs it through StartPlan so the lamp test is tick-driven and
// interruptible like any other sequence.
func CalibrationPlan(hold time.Duration) []PlanItem {
	plan := make([]PlanItem, 0, hw.PairCount*2)
	for pair := 0; pair < hw.PairCount; pair++ {
		plan = append(plan,
			PlanItem{Pair: pair, Color: hw.Red, HasColor: true, Hold: hold},
			PlanItem{Pair: pair, Color: hw.Green, HasColor: true, Hold: hold},
		)
	}
	return plan
}
