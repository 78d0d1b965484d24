package correlate

import (
	"context"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jverney/dustprobe/internal/accessory"
	"github.com/jverney/dustprobe/internal/snapshot"
)

// ScalarPosition marks a series built from a direct scalar value rather
// than a byte offset inside a payload.
const ScalarPosition = -1

// Config holds the correlator's heuristics. The infrequency ceiling is an
// empirical constant; treat it as a calibration knob, not an invariant.
type Config struct {
	// InfrequentMax is the inclusive upper bound on change frequency for
	// the wear-sensor signature. Wear values change at most once per
	// cleaning cycle, so low-but-nonzero is the discriminating band.
	InfrequentMax float64
	// CloseMatchDelta is the tolerance for a medium-confidence template
	// match.
	CloseMatchDelta int
	// MinLogs is the record count below which frequency analysis is
	// skipped.
	MinLogs int
	// Workers bounds the parse fan-out.
	Workers int
}

// DefaultConfig returns the correlator defaults.
func DefaultConfig() Config {
	return Config{InfrequentMax: 0.20, CloseMatchDelta: 2, MinLogs: 3, Workers: 8}
}

// Point is one (timestamp, value) sample of a series.
type Point struct {
	Time  time.Time `json:"time"`
	Value int       `json:"value"`
}

// Series is the reconstructed history of one key or byte position.
type Series struct {
	Key         string  `json:"key"`
	Position    int     `json:"position"`
	Points      []Point `json:"points"`
	ChangeCount int     `json:"change_count"`
	Frequency   float64 `json:"frequency"`
}

// Latest returns the most recent observed value.
func (s Series) Latest() int {
	return s.Points[len(s.Points)-1].Value
}

// Name renders the series identity, e.g. "180[146]" or "122".
func (s Series) Name() string {
	if s.Position == ScalarPosition {
		return s.Key
	}
	return fmt.Sprintf("%s[%d]", s.Key, s.Position)
}

type seriesKey struct {
	key      string
	position int
}

// Correlator batch-analyzes persisted snapshot records.
type Correlator struct {
	cfg Config
}

func New(cfg Config) *Correlator {
	if cfg.InfrequentMax <= 0 {
		cfg.InfrequentMax = 0.20
	}
	if cfg.CloseMatchDelta <= 0 {
		cfg.CloseMatchDelta = 2
	}
	if cfg.MinLogs <= 0 {
		cfg.MinLogs = 3
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	return &Correlator{cfg: cfg}
}

type parsedFile struct {
	path    string
	modTime time.Time
	record  snapshot.Record
}

// Run reads every snapshot record under dir and produces the ranked report.
// Malformed records are noted and skipped; only a missing or unreadable
// directory fails the run.
func (c *Correlator) Run(ctx context.Context, dir string, catalog accessory.Catalog) (Report, error) {
	files, err := snapshot.ListFiles(dir)
	if err != nil {
		return Report{}, err
	}

	parsed, fileErrors := c.parseAll(ctx, files)

	report := Report{
		GeneratedAt:   time.Now().UTC(),
		InputDir:      dir,
		FilesScanned:  len(files),
		RecordsParsed: len(parsed),
		Errors:        fileErrors,
	}

	series := buildSeries(parsed)
	for _, s := range series {
		if len(s.Points) >= c.cfg.MinLogs {
			s.ChangeCount, s.Frequency = changeFrequency(s.Points)
		}
		report.Series = append(report.Series, *s)
	}
	sort.Slice(report.Series, func(i, j int) bool {
		a, b := report.Series[i], report.Series[j]
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		return a.Position < b.Position
	})

	report.Matches = c.matchTemplates(report.Series, catalog)
	report.BaselineDiff = diffBaselinePair(parsed)
	report.Recommendations = c.recommend(report.Series, report.Matches)
	return report, nil
}

// parseAll fans the file parsing out across workers and serializes the
// merge; results keep the input (chronological) file order.
func (c *Correlator) parseAll(ctx context.Context, files []string) ([]parsedFile, []FileError) {
	type slot struct {
		parsed parsedFile
		err    error
	}
	slots := make([]slot, len(files))

	var wg sync.WaitGroup
	sem := make(chan struct{}, c.cfg.Workers)
	for i, path := range files {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, path string) {
			defer wg.Done()
			defer func() { <-sem }()
			rec, err := snapshot.ReadRecord(path)
			slots[i] = slot{parsed: parsedFile{path: path, record: rec}, err: err}
		}(i, path)
	}
	wg.Wait()

	var parsed []parsedFile
	var fileErrors []FileError
	for _, s := range slots {
		if s.parsed.path == "" {
			continue
		}
		if s.err != nil {
			fileErrors = append(fileErrors, FileError{File: filepath.Base(s.parsed.path), Error: s.err.Error()})
			continue
		}
		parsed = append(parsed, s.parsed)
	}

	// Chronological order, preferring the embedded timestamp and falling
	// back to the filename, then file modification time.
	for i := range parsed {
		parsed[i].modTime = recordTime(parsed[i])
	}
	sort.Slice(parsed, func(i, j int) bool {
		return parsed[i].modTime.Before(parsed[j].modTime)
	})
	return parsed, fileErrors
}

func recordTime(p parsedFile) time.Time {
	if !p.record.Metadata.Timestamp.IsZero() {
		return p.record.Metadata.Timestamp
	}
	if ts, _, err := snapshot.ParseFilename(filepath.Base(p.path)); err == nil {
		return ts
	}
	if info, err := osStat(p.path); err == nil {
		return info.ModTime()
	}
	return time.Time{}
}

func buildSeries(parsed []parsedFile) map[seriesKey]*Series {
	series := make(map[seriesKey]*Series)
	add := func(key string, position int, ts time.Time, value int) {
		sk := seriesKey{key: key, position: position}
		s, ok := series[sk]
		if !ok {
			s = &Series{Key: key, Position: position}
			series[sk] = s
		}
		s.Points = append(s.Points, Point{Time: ts, Value: value})
	}

	for _, p := range parsed {
		ts := p.modTime
		for key, ka := range p.record.Analysis {
			switch {
			case ka.IntValue != nil:
				add(key, ScalarPosition, ts, *ka.IntValue)
			case ka.Hex != "":
				data, err := hex.DecodeString(ka.Hex)
				if err != nil {
					continue
				}
				for pos, b := range data {
					add(key, pos, ts, int(b))
				}
			}
		}
	}
	return series
}

// changeFrequency counts timestamp-adjacent value changes and normalizes
// by the number of comparisons.
func changeFrequency(points []Point) (int, float64) {
	if len(points) < 2 {
		return 0, 0
	}
	changes := 0
	for i := 1; i < len(points); i++ {
		if points[i].Value != points[i-1].Value {
			changes++
		}
	}
	return changes, float64(changes) / float64(len(points)-1)
}

// Infrequent reports whether a frequency sits in the wear-sensor band:
// changing, but no more often than the configured ceiling (inclusive).
func (c *Correlator) Infrequent(frequency float64) bool {
	return frequency > 0 && frequency <= c.cfg.InfrequentMax
}

func (c *Correlator) matchTemplates(series []Series, catalog accessory.Catalog) []TemplateMatch {
	var matches []TemplateMatch
	for _, tpl := range catalog.Enabled() {
		for _, s := range series {
			if len(s.Points) == 0 {
				continue
			}
			observed := s.Latest()
			delta := observed - tpl.LifeRemainingPct
			if delta < 0 {
				delta = -delta
			}
			switch {
			case delta == 0:
				matches = append(matches, TemplateMatch{
					Accessory: tpl.Name, Expected: tpl.LifeRemainingPct, Observed: observed,
					Key: s.Key, Position: s.Position,
					Kind: MatchExact, Confidence: ConfidenceHigh,
				})
			case delta <= c.cfg.CloseMatchDelta:
				matches = append(matches, TemplateMatch{
					Accessory: tpl.Name, Expected: tpl.LifeRemainingPct, Observed: observed,
					Key: s.Key, Position: s.Position,
					Kind: MatchClose, Confidence: ConfidenceMedium,
				})
			}
		}
	}
	return matches
}

// diffBaselinePair computes the direct two-file diff when the input set
// holds exactly one baseline and one post-cleaning record. Unlike the live
// analyzer this reports every delta, increases included.
func diffBaselinePair(parsed []parsedFile) *BaselineDiff {
	var baselines, posts []parsedFile
	for _, p := range parsed {
		switch p.record.Metadata.Mode {
		case "baseline":
			baselines = append(baselines, p)
		case "post_cleaning":
			posts = append(posts, p)
		}
	}
	if len(baselines) != 1 || len(posts) != 1 {
		return nil
	}

	before, after := baselines[0], posts[0]
	diff := &BaselineDiff{
		BaselineFile:     filepath.Base(before.path),
		PostCleaningFile: filepath.Base(after.path),
	}

	keys := make([]string, 0, len(before.record.Analysis))
	for key := range before.record.Analysis {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		ba := before.record.Analysis[key]
		aa, ok := after.record.Analysis[key]
		if !ok {
			continue
		}
		switch {
		case ba.IntValue != nil && aa.IntValue != nil:
			if *ba.IntValue != *aa.IntValue {
				diff.Entries = append(diff.Entries, DiffEntry{
					Key: key, Position: ScalarPosition,
					Previous: *ba.IntValue, Current: *aa.IntValue,
					Delta: *aa.IntValue - *ba.IntValue,
				})
			}
		case ba.Hex != "" && aa.Hex != "":
			prev, err1 := hex.DecodeString(ba.Hex)
			cur, err2 := hex.DecodeString(aa.Hex)
			if err1 != nil || err2 != nil || len(prev) != len(cur) {
				continue
			}
			for pos := range prev {
				if prev[pos] != cur[pos] {
					diff.Entries = append(diff.Entries, DiffEntry{
						Key: key, Position: pos,
						Previous: int(prev[pos]), Current: int(cur[pos]),
						Delta: int(cur[pos]) - int(prev[pos]),
					})
				}
			}
		}
	}
	return diff
}

func (c *Correlator) recommend(series []Series, matches []TemplateMatch) []Recommendation {
	var recs []Recommendation

	for _, m := range matches {
		name := m.Key
		if m.Position != ScalarPosition {
			name = fmt.Sprintf("%s[%d]", m.Key, m.Position)
		}
		class := ClassHigh
		verb := "equals"
		if m.Kind == MatchClose {
			class = ClassMedium
			verb = "is within tolerance of"
		}
		recs = append(recs, Recommendation{
			Class: class, Key: m.Key, Position: m.Position, Accessory: m.Accessory,
			Message: fmt.Sprintf("%s observed value %d %s %s expected %d", name, m.Observed, verb, m.Accessory, m.Expected),
		})
	}

	for _, s := range series {
		if len(s.Points) < c.cfg.MinLogs {
			continue
		}
		switch {
		case c.Infrequent(s.Frequency):
			recs = append(recs, Recommendation{
				Class: ClassCritical, Key: s.Key, Position: s.Position, Frequency: s.Frequency,
				Message: fmt.Sprintf("%s changes infrequently (%d changes, frequency %.2f) - wear sensor signature", s.Name(), s.ChangeCount, s.Frequency),
			})
		case s.Frequency > c.cfg.InfrequentMax:
			recs = append(recs, Recommendation{
				Class: ClassInfo, Key: s.Key, Position: s.Position, Frequency: s.Frequency,
				Message: fmt.Sprintf("%s changes frequently (frequency %.2f) - likely volatile/real-time value", s.Name(), s.Frequency),
			})
		}
	}

	sort.SliceStable(recs, func(i, j int) bool {
		return classRank(recs[i].Class) < classRank(recs[j].Class)
	})
	return recs
}

func classRank(class Class) int {
	switch class {
	case ClassCritical:
		return 0
	case ClassHigh:
		return 1
	case ClassMedium:
		return 2
	default:
		return 3
	}
}
