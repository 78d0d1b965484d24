package decision

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jverney/dustprobe/internal/analysis"
	"github.com/jverney/dustprobe/internal/cycle"
	"github.com/jverney/dustprobe/internal/dps"
)

// Reason explains why a snapshot was captured or suppressed.
type Reason int

const (
	ReasonBaselineCapture Reason = iota
	ReasonPostCleaningCompletion
	ReasonSignificantChanges
	ReasonPeriodicMonitoring
	ReasonManualBaseline
	ReasonManualPostCleaning
	ReasonTooFrequent
	ReasonDuplicateData
	ReasonNoSignificantChange
)

func (r Reason) String() string {
	switch r {
	case ReasonBaselineCapture:
		return "baseline_capture"
	case ReasonPostCleaningCompletion:
		return "automatic_post_cleaning_completion"
	case ReasonSignificantChanges:
		return "significant_changes"
	case ReasonPeriodicMonitoring:
		return "periodic_monitoring"
	case ReasonManualBaseline:
		return "manual_baseline"
	case ReasonManualPostCleaning:
		return "manual_post_cleaning"
	case ReasonTooFrequent:
		return "too_frequent"
	case ReasonDuplicateData:
		return "duplicate_data"
	case ReasonNoSignificantChange:
		return "no_significant_change"
	default:
		return "unknown"
	}
}

// Mode classifies a captured snapshot for retention purposes.
type Mode int

const (
	ModeBaseline Mode = iota
	ModePostCleaning
	ModeMonitoring
	ModePeriodic
)

func (m Mode) String() string {
	switch m {
	case ModeBaseline:
		return "baseline"
	case ModePostCleaning:
		return "post_cleaning"
	case ModeMonitoring:
		return "monitoring"
	case ModePeriodic:
		return "periodic"
	default:
		return "unknown"
	}
}

// Evictable reports whether retention may delete snapshots of this mode.
// Baseline and post-cleaning captures are investigation anchors and are
// never auto-deleted.
func (m Mode) Evictable() bool {
	return m == ModeMonitoring || m == ModePeriodic
}

// ParseMode resolves a mode from its string form, for filename tagging.
func ParseMode(s string) (Mode, bool) {
	for _, m := range []Mode{ModeBaseline, ModePostCleaning, ModeMonitoring, ModePeriodic} {
		if m.String() == s {
			return m, true
		}
	}
	return ModeMonitoring, false
}

// Verdict is the engine's per-observation output.
type Verdict struct {
	ShouldLog  bool
	Reason     Reason
	Mode       Mode
	Detail     string
	Changes    map[string]analysis.Verdict
	Completion *cycle.Completion
}

// Config holds the engine's pacing parameters.
type Config struct {
	// MinLogInterval suppresses captures closer together than this.
	MinLogInterval time.Duration
	// PeriodicInterval is the idle backstop between monitoring captures.
	PeriodicInterval time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{MinLogInterval: time.Minute, PeriodicInterval: 5 * time.Minute}
}

// Engine decides, update by update, whether an observation is novel enough
// to persist. It owns the session history: the previous decoded observation,
// the last logged hash, and the baseline flag. Callers run Decide, attempt
// the write, and Commit only on success, so a failed write never consumes
// the baseline or pacing state.
type Engine struct {
	cfg      Config
	analyzer *analysis.Analyzer
	tracker  *cycle.Tracker
	now      func() time.Time

	baselineCaptured bool
	lastLogged       time.Time
	lastLoggedHash   string
	previous         map[string]dps.Value
}

// NewEngine builds an engine with an injected clock. A nil clock uses
// time.Now.
func NewEngine(cfg Config, analyzer *analysis.Analyzer, tracker *cycle.Tracker, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	if cfg.MinLogInterval <= 0 {
		cfg.MinLogInterval = time.Minute
	}
	if cfg.PeriodicInterval <= 0 {
		cfg.PeriodicInterval = 5 * time.Minute
	}
	return &Engine{cfg: cfg, analyzer: analyzer, tracker: tracker, now: now}
}

// Decide applies the ordered logging policy to one decoded observation.
// The tracker must already have been updated with the same observation.
func (e *Engine) Decide(decoded map[string]dps.Value) Verdict {
	now := e.now()
	changes := e.analyzeChanges(decoded)
	e.previous = decoded

	if !e.baselineCaptured {
		return Verdict{ShouldLog: true, Reason: ReasonBaselineCapture, Mode: ModeBaseline, Changes: changes}
	}

	if e.tracker.CompletionReady() {
		done, _ := e.tracker.ConsumeCompletion()
		return Verdict{
			ShouldLog:  true,
			Reason:     ReasonPostCleaningCompletion,
			Mode:       ModePostCleaning,
			Detail:     fmt.Sprintf("cycle of %s confirmed complete", done.Duration),
			Changes:    changes,
			Completion: &done,
		}
	}

	if now.Sub(e.lastLogged) < e.cfg.MinLogInterval {
		return Verdict{Reason: ReasonTooFrequent, Changes: changes}
	}

	if hash := dps.HashAll(decoded); hash == e.lastLoggedHash {
		return Verdict{Reason: ReasonDuplicateData, Changes: changes}
	}

	// Inside a cycle the payload churns with expected cleaning noise;
	// only the debounced completion and the backstops above may fire.
	if !e.tracker.CycleActive() {
		if keys := significantKeys(changes); len(keys) > 0 {
			return Verdict{
				ShouldLog: true,
				Reason:    ReasonSignificantChanges,
				Mode:      ModeMonitoring,
				Detail:    "significant changes: " + strings.Join(keys, ", "),
				Changes:   changes,
			}
		}
		if now.Sub(e.lastLogged) >= e.cfg.PeriodicInterval {
			return Verdict{ShouldLog: true, Reason: ReasonPeriodicMonitoring, Mode: ModePeriodic, Changes: changes}
		}
	}

	return Verdict{Reason: ReasonNoSignificantChange, Changes: changes}
}

// Commit records a successful persist of the given observation. It must be
// called only after the snapshot write succeeded.
func (e *Engine) Commit(verdict Verdict, decoded map[string]dps.Value) {
	e.lastLogged = e.now()
	e.lastLoggedHash = dps.HashAll(decoded)
	if verdict.Mode == ModeBaseline {
		e.baselineCaptured = true
	}
}

// ForceBaseline produces a manual baseline verdict, bypassing the policy.
// The baseline flag only moves on Commit, so a failed forced capture leaves
// automatic state intact.
func (e *Engine) ForceBaseline(decoded map[string]dps.Value) Verdict {
	return Verdict{
		ShouldLog: true,
		Reason:    ReasonManualBaseline,
		Mode:      ModeBaseline,
		Changes:   e.analyzeChanges(decoded),
	}
}

// ForcePostCleaning produces a manual post-cleaning verdict, bypassing the
// policy and the tracker's debounce.
func (e *Engine) ForcePostCleaning(decoded map[string]dps.Value) Verdict {
	return Verdict{
		ShouldLog: true,
		Reason:    ReasonManualPostCleaning,
		Mode:      ModePostCleaning,
		Changes:   e.analyzeChanges(decoded),
	}
}

// ResetBaseline clears the baseline flag so the next update captures anew.
func (e *Engine) ResetBaseline() {
	e.baselineCaptured = false
}

// BaselineCaptured reports whether this session has a committed baseline.
func (e *Engine) BaselineCaptured() bool {
	return e.baselineCaptured
}

// LastLogged returns the time of the last committed capture.
func (e *Engine) LastLogged() time.Time {
	return e.lastLogged
}

func (e *Engine) analyzeChanges(decoded map[string]dps.Value) map[string]analysis.Verdict {
	if e.previous == nil {
		return nil
	}
	changes := make(map[string]analysis.Verdict)
	for key, current := range decoded {
		previous, ok := e.previous[key]
		if !ok {
			continue
		}
		verdict := e.analyzer.Analyze(key, previous, current)
		if verdict.Kind != analysis.KindNone {
			changes[key] = verdict
		}
	}
	return changes
}

func significantKeys(changes map[string]analysis.Verdict) []string {
	var keys []string
	for key, verdict := range changes {
		if verdict.Significant {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	// Cap the traceability list; the full verdicts travel in the snapshot.
	if len(keys) > 3 {
		keys = keys[:3]
	}
	return keys
}
