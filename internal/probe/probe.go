package probe

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jverney/dustprobe/internal/analysis"
	"github.com/jverney/dustprobe/internal/cycle"
	"github.com/jverney/dustprobe/internal/decision"
	"github.com/jverney/dustprobe/internal/dps"
	"github.com/jverney/dustprobe/internal/snapshot"
)

// ErrNoObservation is returned by manual captures before any update arrived.
var ErrNoObservation = errors.New("no observation received yet")

// Config assembles a probe for one device.
type Config struct {
	DeviceID string
	// MonitoredKeys restricts which DPS keys are analyzed and persisted.
	// Empty means all keys.
	MonitoredKeys []string
	Analyzer      analysis.Config
	Tracker       cycle.Config
	Engine        decision.Config
	// Now is the injected clock; nil uses time.Now.
	Now func() time.Time
}

// Probe runs the per-device investigation pipeline: decode, track the
// cleaning cycle, decide, persist. One probe processes one sequential
// observation stream; the mutex only serializes manual-trigger captures
// against the automatic path.
type Probe struct {
	deviceID  string
	sessionID string
	monitored map[string]bool

	analyzer *analysis.Analyzer
	tracker  *cycle.Tracker
	engine   *decision.Engine
	store    *snapshot.Store
	now      func() time.Time

	mu          sync.Mutex
	seq         int
	lastObs     dps.Observation
	lastDecoded map[string]dps.Value
	lastReason  string
	lastMode    string
	pending     *pendingWrite

	observations int
	logged       map[string]int
	suppressed   map[string]int
	writeErrors  int
}

type pendingWrite struct {
	record  snapshot.Record
	verdict decision.Verdict
	decoded map[string]dps.Value
}

// New builds a probe over an opened snapshot store.
func New(cfg Config, store *snapshot.Store) *Probe {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	var monitored map[string]bool
	if len(cfg.MonitoredKeys) > 0 {
		monitored = make(map[string]bool, len(cfg.MonitoredKeys))
		for _, key := range cfg.MonitoredKeys {
			monitored[key] = true
		}
		// The status keys always pass through; the tracker needs them.
		monitored[cfg.Tracker.PrimaryStatusKey] = true
		for _, key := range cfg.Tracker.AltStatusKeys {
			monitored[key] = true
		}
	}

	analyzer := analysis.New(cfg.Analyzer)
	tracker := cycle.NewTracker(cfg.Tracker, now)
	return &Probe{
		deviceID:   cfg.DeviceID,
		sessionID:  uuid.NewString(),
		monitored:  monitored,
		analyzer:   analyzer,
		tracker:    tracker,
		engine:     decision.NewEngine(cfg.Engine, analyzer, tracker, now),
		store:      store,
		now:        now,
		logged:     make(map[string]int),
		suppressed: make(map[string]int),
	}
}

// SessionID returns the probe's session identity.
func (p *Probe) SessionID() string {
	return p.sessionID
}

// HandleObservation processes one raw DPS map from the transport. A failed
// snapshot write is reported to the caller and retained for Flush; the
// polling loop is expected to keep running.
func (p *Probe) HandleObservation(ctx context.Context, obs dps.Observation) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	obs = p.filter(obs)
	p.observations++
	decoded := dps.DecodeAll(obs)
	p.tracker.Update(decoded)
	verdict := p.engine.Decide(decoded)
	p.lastObs = obs
	p.lastDecoded = decoded
	p.lastReason = verdict.Reason.String()

	if !verdict.ShouldLog {
		p.suppressed[verdict.Reason.String()]++
		return nil
	}
	return p.persistLocked(ctx, verdict, obs, decoded)
}

// CaptureBaseline forces a baseline capture of the last observation,
// bypassing the automatic policy. Used for user-triggered investigation
// runs; a failed write leaves the automatic baseline state untouched.
func (p *Probe) CaptureBaseline(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastDecoded == nil {
		return ErrNoObservation
	}
	verdict := p.engine.ForceBaseline(p.lastDecoded)
	return p.persistLocked(ctx, verdict, p.lastObs, p.lastDecoded)
}

// CapturePostCleaning forces a post-cleaning capture of the last
// observation, bypassing the debounce.
func (p *Probe) CapturePostCleaning(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastDecoded == nil {
		return ErrNoObservation
	}
	verdict := p.engine.ForcePostCleaning(p.lastDecoded)
	return p.persistLocked(ctx, verdict, p.lastObs, p.lastDecoded)
}

// Flush synchronously retries the buffered unwritten snapshot, if any.
// Called on shutdown.
func (p *Probe) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return nil
	}
	pw := p.pending
	if err := p.store.Write(ctx, pw.record); err != nil {
		return err
	}
	p.pending = nil
	p.engine.Commit(pw.verdict, pw.decoded)
	p.logged[pw.verdict.Mode.String()]++
	return nil
}

func (p *Probe) persistLocked(ctx context.Context, verdict decision.Verdict, obs dps.Observation, decoded map[string]dps.Value) error {
	p.seq++
	meta := snapshot.Metadata{
		DeviceID:  p.deviceID,
		SessionID: p.sessionID,
		Sequence:  p.seq,
		Timestamp: p.now().UTC(),
		Mode:      verdict.Mode.String(),
		Reason:    verdict.Reason.String(),
		Detail:    verdict.Detail,
	}
	rec := snapshot.Build(meta, obs, decoded, verdict.Changes, p.tracker.State().String())

	if err := p.store.Write(ctx, rec); err != nil {
		p.writeErrors++
		p.pending = &pendingWrite{record: rec, verdict: verdict, decoded: decoded}
		return err
	}
	p.pending = nil
	p.engine.Commit(verdict, decoded)
	p.logged[verdict.Mode.String()]++
	p.lastMode = verdict.Mode.String()
	return nil
}

func (p *Probe) filter(obs dps.Observation) dps.Observation {
	if p.monitored == nil {
		return obs
	}
	filtered := make(dps.Observation, len(obs))
	for key, val := range obs {
		if p.monitored[key] {
			filtered[key] = val
		}
	}
	return filtered
}

// Status is the read-only derived view polled by the presentation layer.
type Status struct {
	DeviceID         string    `json:"device_id"`
	SessionID        string    `json:"session_id"`
	Sequence         int       `json:"sequence"`
	CycleState       string    `json:"cycle_state"`
	CycleActive      bool      `json:"cycle_active"`
	BaselineCaptured bool      `json:"baseline_captured"`
	LastReason       string    `json:"last_reason"`
	LastMode         string    `json:"last_mode,omitempty"`
	LastLogTime      time.Time `json:"last_log_time,omitempty"`
	Observations     int       `json:"observations"`
	WriteErrors      int       `json:"write_errors"`
}

// Status snapshots the probe's derived fields.
func (p *Probe) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		DeviceID:         p.deviceID,
		SessionID:        p.sessionID,
		Sequence:         p.seq,
		CycleState:       p.tracker.State().String(),
		CycleActive:      p.tracker.CycleActive(),
		BaselineCaptured: p.engine.BaselineCaptured(),
		LastReason:       p.lastReason,
		LastMode:         p.lastMode,
		LastLogTime:      p.engine.LastLogged(),
		Observations:     p.observations,
		WriteErrors:      p.writeErrors,
	}
}

// Counters snapshots the capture counters for the metrics collector.
func (p *Probe) Counters() (observations int, logged, suppressed map[string]int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	loggedCopy := make(map[string]int, len(p.logged))
	for k, v := range p.logged {
		loggedCopy[k] = v
	}
	suppressedCopy := make(map[string]int, len(p.suppressed))
	for k, v := range p.suppressed {
		suppressedCopy[k] = v
	}
	return p.observations, loggedCopy, suppressedCopy
}
