package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/jverney/dustprobe/internal/decision"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("snapshot not found")

// Archiver mirrors a snapshot elsewhere before retention deletes it.
type Archiver interface {
	Archive(ctx context.Context, name string, data []byte) error
}

// Store persists records for one device. Writes and retention passes share
// one mutex, so an eviction never races a write to the same directory, and
// manual-trigger captures serialize against automatic ones.
type Store struct {
	dir      string
	cap      int
	archiver Archiver

	mu      sync.Mutex
	session []Record
}

// NewStore opens (creating if needed) the per-device snapshot directory.
// cap bounds the number of evictable (monitoring/periodic) files kept on
// disk; baseline and post-cleaning files never count against it.
func NewStore(baseDir, deviceID string, cap int, archiver Archiver) (*Store, error) {
	if cap <= 0 {
		cap = 10
	}
	dir := filepath.Join(baseDir, deviceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &Store{dir: dir, cap: cap, archiver: archiver}, nil
}

// Dir returns the device's snapshot directory.
func (s *Store) Dir() string {
	return s.dir
}

// Write persists one record and runs the retention pass.
func (s *Store) Write(ctx context.Context, rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := Filename(rec.Metadata.Timestamp, rec.Metadata.Mode)
	if err := os.WriteFile(filepath.Join(s.dir, name), data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	s.session = append(s.session, rec)

	if mode, ok := decision.ParseMode(rec.Metadata.Mode); ok && mode.Evictable() {
		if err := s.evictLocked(ctx); err != nil {
			return fmt.Errorf("retention eviction: %w", err)
		}
	}
	return nil
}

// Session returns the records written during this process lifetime.
func (s *Store) Session() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.session))
	copy(out, s.session)
	return out
}

// Last returns the most recently written record of this session.
func (s *Store) Last() (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.session) == 0 {
		return Record{}, false
	}
	return s.session[len(s.session)-1], true
}

// evictLocked deletes the oldest evictable files beyond the cap, mirroring
// each to the archiver first when one is configured. Caller holds s.mu.
func (s *Store) evictLocked(ctx context.Context) error {
	names, err := listSnapshotNames(s.dir)
	if err != nil {
		return err
	}

	var evictable []string
	for _, name := range names {
		_, modeName, err := ParseFilename(name)
		if err != nil {
			continue
		}
		if mode, ok := decision.ParseMode(modeName); ok && mode.Evictable() {
			evictable = append(evictable, name)
		}
	}
	if len(evictable) <= s.cap {
		return nil
	}

	// Names sort chronologically, so the head of the list is the oldest.
	for _, name := range evictable[:len(evictable)-s.cap] {
		path := filepath.Join(s.dir, name)
		if s.archiver != nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read for archive: %w", err)
			}
			if err := s.archiver.Archive(ctx, name, data); err != nil {
				return fmt.Errorf("archive %s: %w", name, err)
			}
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("evict %s: %w", name, err)
		}
	}
	return nil
}

// ReadRecord parses one snapshot file.
func ReadRecord(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("read snapshot: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("parse snapshot: %w", err)
	}
	return rec, nil
}

// ListFiles returns the snapshot files in dir, sorted by name (and
// therefore chronologically).
func ListFiles(dir string) ([]string, error) {
	names, err := listSnapshotNames(dir)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = filepath.Join(dir, name)
	}
	return paths, nil
}

func listSnapshotNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}
