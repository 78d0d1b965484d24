package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/jverney/dustprobe/internal/dps"
)

func testRecord(seq int, ts time.Time, mode string) Record {
	obs := dps.Observation{"121": 0, "122": 80, "180": dps.Encode([]byte{99, 98, 97})}
	decoded := dps.DecodeAll(obs)
	meta := Metadata{
		DeviceID:  "dev-1",
		SessionID: "session-1",
		Sequence:  seq,
		Timestamp: ts,
		Mode:      mode,
		Reason:    "periodic_monitoring",
	}
	return Build(meta, obs, decoded, nil, "docked")
}

func TestWriteAndReadBack(t *testing.T) {
	store, err := NewStore(t.TempDir(), "dev-1", 10, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ts := time.Date(2026, 3, 14, 9, 0, 0, 123e6, time.UTC)
	rec := testRecord(1, ts, "baseline")
	if err := store.Write(context.Background(), rec); err != nil {
		t.Fatalf("write: %v", err)
	}

	files, err := ListFiles(store.Dir())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}
	if got := filepath.Base(files[0]); got != "20260314T090000.123_baseline.json" {
		t.Fatalf("unexpected filename: %s", got)
	}

	read, err := ReadRecord(files[0])
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if read.Metadata.Sequence != 1 || read.Metadata.Mode != "baseline" {
		t.Fatalf("unexpected metadata: %+v", read.Metadata)
	}
	if read.Analysis["180"].Length != 3 || len(read.Analysis["180"].Candidates) != 3 {
		t.Fatalf("unexpected analysis: %+v", read.Analysis["180"])
	}

	if _, ok := store.Last(); !ok {
		t.Fatalf("expected session history")
	}
}

func TestFilenamesSortChronologically(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 59, 59, 900e6, time.UTC)
	names := []string{
		Filename(base.Add(2*time.Hour), "baseline"),
		Filename(base, "monitoring"),
		Filename(base.Add(200*time.Millisecond), "post_cleaning"),
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	if sorted[0] != names[1] || sorted[1] != names[2] || sorted[2] != names[0] {
		t.Fatalf("name sort is not chronological: %v", sorted)
	}

	ts, mode, err := ParseFilename(names[2])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if mode != "post_cleaning" || !ts.Equal(base.Add(200*time.Millisecond)) {
		t.Fatalf("unexpected parse result: %s %s", ts, mode)
	}
}

type recordingArchiver struct {
	names []string
}

func (a *recordingArchiver) Archive(_ context.Context, name string, _ []byte) error {
	a.names = append(a.names, name)
	return nil
}

func TestRetentionEvictsOldestMonitoringOnly(t *testing.T) {
	archiver := &recordingArchiver{}
	store, err := NewStore(t.TempDir(), "dev-1", 10, archiver)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	if err := store.Write(ctx, testRecord(0, base, "baseline")); err != nil {
		t.Fatalf("write baseline: %v", err)
	}
	if err := store.Write(ctx, testRecord(1, base.Add(time.Minute), "post_cleaning")); err != nil {
		t.Fatalf("write post_cleaning: %v", err)
	}
	for i := 0; i < 11; i++ {
		rec := testRecord(2+i, base.Add(time.Duration(2+i)*time.Minute), "monitoring")
		if err := store.Write(ctx, rec); err != nil {
			t.Fatalf("write monitoring %d: %v", i, err)
		}
	}

	files, err := ListFiles(store.Dir())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	// 11 monitoring writes against cap 10 evict exactly the oldest one;
	// baseline and post_cleaning stay.
	if len(files) != 12 {
		t.Fatalf("expected 12 files, got %d", len(files))
	}

	var modes []string
	for _, f := range files {
		_, mode, err := ParseFilename(filepath.Base(f))
		if err != nil {
			t.Fatalf("parse %s: %v", f, err)
		}
		modes = append(modes, mode)
	}
	if modes[0] != "baseline" || modes[1] != "post_cleaning" {
		t.Fatalf("protected files missing: %v", modes)
	}
	oldestMonitoring := Filename(base.Add(2*time.Minute), "monitoring")
	for _, f := range files {
		if filepath.Base(f) == oldestMonitoring {
			t.Fatalf("oldest monitoring file must be evicted")
		}
	}

	if len(archiver.names) != 1 || archiver.names[0] != oldestMonitoring {
		t.Fatalf("evicted file must be archived first: %v", archiver.names)
	}
}

func TestReadRecordErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := ReadRecord(filepath.Join(dir, "missing.json")); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	bad := filepath.Join(dir, "20260314T090000.000_monitoring.json")
	if err := os.WriteFile(bad, []byte("{truncated"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadRecord(bad); err == nil || !strings.Contains(err.Error(), "parse snapshot") {
		t.Fatalf("expected parse error, got %v", err)
	}
}
