package accessory

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func fixedClock() func() time.Time {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	return func() time.Time { return now }
}

func TestFirstRunWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accessories.json")
	file := NewFile(path, fixedClock())

	catalog, err := file.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(catalog.Accessories) != 5 {
		t.Fatalf("unexpected defaults: %+v", catalog.Accessories)
	}
	if catalog.Accessories[0].Name != "rolling_brush" || catalog.Accessories[0].LifeRemainingPct != 99 {
		t.Fatalf("unexpected first accessory: %+v", catalog.Accessories[0])
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}
}

func TestLoadPreservesUserEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accessories.json")
	file := NewFile(path, fixedClock())
	if _, err := file.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	// User edits the wear percentage by hand.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var catalog Catalog
	if err := json.Unmarshal(data, &catalog); err != nil {
		t.Fatalf("parse: %v", err)
	}
	catalog.Accessories[0].LifeRemainingPct = 42
	edited, _ := json.Marshal(catalog)
	if err := os.WriteFile(path, edited, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	reloaded, err := file.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Accessories[0].LifeRemainingPct != 42 {
		t.Fatalf("user edit lost: %+v", reloaded.Accessories[0])
	}
}

func TestCorruptRestoredFromBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accessories.json")
	file := NewFile(path, fixedClock())
	catalog, err := file.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	catalog.Accessories[0].LifeRemainingPct = 77
	if err := file.Save(catalog); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Save again so the backup holds the edited catalog.
	if err := file.Save(catalog); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	restored, err := file.Load()
	if err != nil {
		t.Fatalf("load after corruption: %v", err)
	}
	if restored.Accessories[0].LifeRemainingPct != 77 {
		t.Fatalf("expected backup restore, got %+v", restored.Accessories[0])
	}
}

func TestCorruptWithoutBackupRegeneratesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accessories.json")
	file := NewFile(path, fixedClock())

	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	catalog, err := file.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(catalog.Accessories) != 5 {
		t.Fatalf("expected regenerated defaults: %+v", catalog)
	}
}

func TestEnabledFilter(t *testing.T) {
	catalog := Defaults()
	catalog.Accessories[2].Enabled = false
	enabled := catalog.Enabled()
	if len(enabled) != 4 {
		t.Fatalf("expected 4 enabled accessories, got %d", len(enabled))
	}
	for _, tpl := range enabled {
		if tpl.Name == "filter" {
			t.Fatalf("disabled accessory leaked through")
		}
	}
}
