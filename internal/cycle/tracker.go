package cycle

import (
	"time"

	"github.com/jverney/dustprobe/internal/dps"
)

// State is the inferred cleaning state of the device.
type State int

const (
	StateUnknown State = iota
	StateDocked
	StateWashing
	StateCleaning
	StateGoingHome
	StateCharging
)

func (s State) String() string {
	switch s {
	case StateDocked:
		return "docked"
	case StateWashing:
		return "washing"
	case StateCleaning:
		return "cleaning"
	case StateGoingHome:
		return "going_home"
	case StateCharging:
		return "charging"
	default:
		return "unknown"
	}
}

// AtDock reports whether the state means the device sits on the dock.
func (s State) AtDock() bool {
	return s == StateDocked || s == StateCharging
}

func (s State) active() bool {
	return s == StateWashing || s == StateCleaning
}

// Completion describes one confirmed cleaning cycle.
type Completion struct {
	Started  time.Time
	Docked   time.Time
	Duration time.Duration
}

// Config holds the tracker's debounce parameters and status-key wiring.
type Config struct {
	// PrimaryStatusKey is the DPS key carrying the status code.
	PrimaryStatusKey string
	// AltStatusKeys are scanned in order when the primary key is absent
	// or undecodable.
	AltStatusKeys []string
	// Codes maps raw status values to states.
	Codes StatusCodes
	// MinCleanDuration is the floor below which a cycle never completes.
	MinCleanDuration time.Duration
	// DockConfirm is how long the device must stay docked before a
	// return counts as a completion.
	DockConfirm time.Duration
}

// DefaultConfig returns the tracker defaults.
func DefaultConfig() Config {
	return Config{
		PrimaryStatusKey: "121",
		AltStatusKeys:    []string{"5", "25"},
		Codes:            DefaultStatusCodes(),
		MinCleanDuration: 5 * time.Minute,
		DockConfirm:      30 * time.Second,
	}
}

// Tracker infers the cleaning cycle lifecycle from noisy status signals.
//
// A cycle starts when the device leaves dock/charging/unknown into washing
// or cleaning. Returning to the dock only arms a confirmation timer; the
// completion fires once the device has stayed docked for the confirmation
// window and the cycle itself lasted at least MinCleanDuration. Leaving the
// dock before the window elapses resets the timer. This two-stage debounce
// suppresses transient dock touches and brief status glitches.
type Tracker struct {
	cfg Config
	now func() time.Time

	state       State
	cycleStart  time.Time
	dockedAt    time.Time
	cycleActive bool
	captured    bool
}

// NewTracker builds a tracker with an injected clock. A nil clock uses
// time.Now.
func NewTracker(cfg Config, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	if cfg.Codes == nil {
		cfg.Codes = DefaultStatusCodes()
	}
	if cfg.MinCleanDuration <= 0 {
		cfg.MinCleanDuration = 5 * time.Minute
	}
	if cfg.DockConfirm <= 0 {
		cfg.DockConfirm = 30 * time.Second
	}
	return &Tracker{cfg: cfg, now: now, state: StateUnknown}
}

// State returns the current inferred state.
func (t *Tracker) State() State {
	return t.state
}

// CycleActive reports whether a cleaning cycle is in progress.
func (t *Tracker) CycleActive() bool {
	return t.cycleActive
}

// CycleStart returns the start time of the active cycle, zero when idle.
func (t *Tracker) CycleStart() time.Time {
	if !t.cycleActive {
		return time.Time{}
	}
	return t.cycleStart
}

// Update folds one decoded observation into the state machine.
func (t *Tracker) Update(decoded map[string]dps.Value) {
	next, ok := t.statusFrom(decoded)
	if !ok {
		return
	}

	prev := t.state
	t.state = next

	if next.active() && (prev.AtDock() || prev == StateUnknown) {
		t.cycleStart = t.now()
		t.cycleActive = true
		t.captured = false
		t.dockedAt = time.Time{}
		return
	}

	if next.AtDock() {
		if t.dockedAt.IsZero() && (prev == StateCleaning || prev == StateGoingHome) {
			t.dockedAt = t.now()
		}
		return
	}

	// Off the dock: any pending confirmation window is void.
	t.dockedAt = time.Time{}
}

// CompletionReady reports whether a debounced cycle completion is pending.
func (t *Tracker) CompletionReady() bool {
	if !t.cycleActive || t.captured {
		return false
	}
	if !t.state.AtDock() || t.dockedAt.IsZero() {
		return false
	}
	if t.dockedAt.Sub(t.cycleStart) < t.cfg.MinCleanDuration {
		return false
	}
	return t.now().Sub(t.dockedAt) >= t.cfg.DockConfirm
}

// ConsumeCompletion marks the pending completion as captured and returns
// its summary. It returns false when no completion is ready, and never
// fires twice for the same cycle.
func (t *Tracker) ConsumeCompletion() (Completion, bool) {
	if !t.CompletionReady() {
		return Completion{}, false
	}
	t.captured = true
	t.cycleActive = false
	return Completion{
		Started:  t.cycleStart,
		Docked:   t.dockedAt,
		Duration: t.dockedAt.Sub(t.cycleStart),
	}, true
}

func (t *Tracker) statusFrom(decoded map[string]dps.Value) (State, bool) {
	keys := append([]string{t.cfg.PrimaryStatusKey}, t.cfg.AltStatusKeys...)
	for _, key := range keys {
		val, ok := decoded[key]
		if !ok {
			continue
		}
		switch val.Kind {
		case dps.KindInt:
			return t.cfg.Codes.Lookup(val.Int), true
		case dps.KindBytes:
			if len(val.Bytes) == 1 {
				return t.cfg.Codes.Lookup(int(val.Bytes[0])), true
			}
		}
	}
	return StateUnknown, false
}
