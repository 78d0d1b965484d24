package correlate

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jverney/dustprobe/internal/accessory"
	"github.com/jverney/dustprobe/internal/dps"
	"github.com/jverney/dustprobe/internal/snapshot"
)

func writeRec(t *testing.T, dir string, ts time.Time, mode string, obs dps.Observation) {
	t.Helper()
	meta := snapshot.Metadata{
		DeviceID:  "dev-1",
		SessionID: "session-1",
		Timestamp: ts,
		Mode:      mode,
		Reason:    "periodic_monitoring",
	}
	rec := snapshot.Build(meta, obs, dps.DecodeAll(obs), nil, "docked")
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	name := snapshot.Filename(ts, mode)
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func blobObs(data []byte) dps.Observation {
	return dps.Observation{"180": dps.Encode(data)}
}

func emptyCatalog() accessory.Catalog {
	return accessory.Catalog{SchemaVersion: accessory.SchemaVersion}
}

func findSeries(t *testing.T, report Report, key string, position int) Series {
	t.Helper()
	for _, s := range report.Series {
		if s.Key == key && s.Position == position {
			return s
		}
	}
	t.Fatalf("series %s[%d] not found", key, position)
	return Series{}
}

func hasRecommendation(report Report, class Class, key string, position int) bool {
	for _, rec := range report.Recommendations {
		if rec.Class == class && rec.Key == key && rec.Position == position {
			return true
		}
	}
	return false
}

func TestInfrequencyBoundaryInclusive(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	// Six records: position 1 flips every time (frequency 1.0), position 2
	// changes once over five comparisons (frequency exactly 0.20), and
	// position 0 never changes.
	pos1 := []byte{99, 98, 99, 98, 99, 98}
	pos2 := []byte{98, 98, 98, 98, 98, 97}
	for i := 0; i < 6; i++ {
		writeRec(t, dir, base.Add(time.Duration(i)*time.Minute), "monitoring",
			blobObs([]byte{50, pos1[i], pos2[i], 120}))
	}

	report, err := New(DefaultConfig()).Run(context.Background(), dir, emptyCatalog())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.RecordsParsed != 6 {
		t.Fatalf("expected 6 records, got %d", report.RecordsParsed)
	}

	static := findSeries(t, report, "180", 0)
	if static.Frequency != 0 || static.ChangeCount != 0 {
		t.Fatalf("static series must have frequency 0: %+v", static)
	}

	volatile := findSeries(t, report, "180", 1)
	if volatile.Frequency != 1.0 {
		t.Fatalf("unexpected volatile frequency: %v", volatile.Frequency)
	}

	boundary := findSeries(t, report, "180", 2)
	if boundary.ChangeCount != 1 || boundary.Frequency != 0.2 {
		t.Fatalf("unexpected boundary series: %+v", boundary)
	}

	// 0.20 is inside the band (inclusive ceiling); 1.0 is outside.
	if !hasRecommendation(report, ClassCritical, "180", 2) {
		t.Fatalf("frequency 0.20 must classify as infrequent: %+v", report.Recommendations)
	}
	if hasRecommendation(report, ClassCritical, "180", 1) {
		t.Fatalf("frequency 1.0 must not classify as infrequent")
	}
	if !hasRecommendation(report, ClassInfo, "180", 1) {
		t.Fatalf("volatile series must be reported as INFO")
	}
	if hasRecommendation(report, ClassCritical, "180", 0) || hasRecommendation(report, ClassInfo, "180", 0) {
		t.Fatalf("static series must not be recommended")
	}
}

func TestFrequencyQuarterExcluded(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	// Five records, one change over four comparisons: frequency 0.25.
	values := []byte{99, 99, 98, 98, 98}
	for i := 0; i < 5; i++ {
		writeRec(t, dir, base.Add(time.Duration(i)*time.Minute), "monitoring",
			blobObs([]byte{values[i]}))
	}

	report, err := New(DefaultConfig()).Run(context.Background(), dir, emptyCatalog())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	s := findSeries(t, report, "180", 0)
	if s.Frequency != 0.25 {
		t.Fatalf("unexpected frequency: %v", s.Frequency)
	}
	if hasRecommendation(report, ClassCritical, "180", 0) {
		t.Fatalf("frequency 0.25 must be excluded at default threshold 0.20")
	}
}

func TestTemplateMatching(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		writeRec(t, dir, base.Add(time.Duration(i)*time.Minute), "monitoring",
			blobObs([]byte{99, 97, 90}))
	}

	catalog := accessory.Catalog{
		SchemaVersion: accessory.SchemaVersion,
		Accessories: []accessory.Template{
			{Name: "rolling_brush", DPSKey: "180", ByteOffset: -1, LifeRemainingPct: 99, Enabled: true},
		},
	}

	report, err := New(DefaultConfig()).Run(context.Background(), dir, catalog)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(report.Matches) != 2 {
		t.Fatalf("expected exact + close matches, got %+v", report.Matches)
	}
	byPos := make(map[int]TemplateMatch)
	for _, m := range report.Matches {
		byPos[m.Position] = m
	}
	exact := byPos[0]
	if exact.Kind != MatchExact || exact.Confidence != ConfidenceHigh || exact.Observed != 99 {
		t.Fatalf("expected exact HIGH match at position 0: %+v", exact)
	}
	closeMatch := byPos[1]
	if closeMatch.Kind != MatchClose || closeMatch.Confidence != ConfidenceMedium || closeMatch.Observed != 97 {
		t.Fatalf("expected close MEDIUM match at position 1: %+v", closeMatch)
	}
	if _, ok := byPos[2]; ok {
		t.Fatalf("value 90 must not match expected 99")
	}

	if !hasRecommendation(report, ClassHigh, "180", 0) || !hasRecommendation(report, ClassMedium, "180", 1) {
		t.Fatalf("matches must surface as recommendations: %+v", report.Recommendations)
	}
}

func TestMalformedRecordSkipped(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		writeRec(t, dir, base.Add(time.Duration(i)*time.Minute), "monitoring",
			blobObs([]byte{50}))
	}
	bad := filepath.Join(dir, snapshot.Filename(base.Add(time.Hour), "monitoring"))
	if err := os.WriteFile(bad, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	report, err := New(DefaultConfig()).Run(context.Background(), dir, emptyCatalog())
	if err != nil {
		t.Fatalf("a single bad file must not abort the run: %v", err)
	}
	if report.RecordsParsed != 3 || len(report.Errors) != 1 {
		t.Fatalf("unexpected parse counts: %d parsed, %d errors", report.RecordsParsed, len(report.Errors))
	}
	if report.Errors[0].File != filepath.Base(bad) {
		t.Fatalf("unexpected error note: %+v", report.Errors[0])
	}
}

func TestMissingDirectoryFails(t *testing.T) {
	_, err := New(DefaultConfig()).Run(context.Background(), filepath.Join(t.TempDir(), "nope"), emptyCatalog())
	if err == nil {
		t.Fatalf("missing directory must fail the run")
	}
}

func TestBaselineDiffReportsAllDeltas(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	before := dps.Observation{"180": dps.Encode([]byte{62, 50}), "122": 80}
	after := dps.Observation{"180": dps.Encode([]byte{61, 75}), "122": 75}
	writeRec(t, dir, base, "baseline", before)
	writeRec(t, dir, base.Add(time.Hour), "post_cleaning", after)

	report, err := New(DefaultConfig()).Run(context.Background(), dir, emptyCatalog())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.BaselineDiff == nil {
		t.Fatalf("expected a baseline diff")
	}
	if len(report.BaselineDiff.Entries) != 3 {
		t.Fatalf("expected 3 diff entries, got %+v", report.BaselineDiff.Entries)
	}

	// Increases are reported here, unlike the live wear heuristic.
	var sawIncrease bool
	for _, e := range report.BaselineDiff.Entries {
		if e.Key == "180" && e.Position == 1 && e.Delta == 25 {
			sawIncrease = true
		}
	}
	if !sawIncrease {
		t.Fatalf("diff must include increases: %+v", report.BaselineDiff.Entries)
	}
}

func TestFewLogsSkipFrequency(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	writeRec(t, dir, base, "monitoring", blobObs([]byte{99}))
	writeRec(t, dir, base.Add(time.Minute), "monitoring", blobObs([]byte{98}))

	report, err := New(DefaultConfig()).Run(context.Background(), dir, emptyCatalog())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	s := findSeries(t, report, "180", 0)
	if s.Frequency != 0 || s.ChangeCount != 0 {
		t.Fatalf("frequency analysis needs at least 3 logs: %+v", s)
	}
	if hasRecommendation(report, ClassCritical, "180", 0) {
		t.Fatalf("two logs must not produce frequency recommendations")
	}
}
