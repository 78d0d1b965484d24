package accessory

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// SchemaVersion gates the accessory config file format.
const SchemaVersion = 1

// ErrCorrupt is returned when neither the config file nor its backup parse.
var ErrCorrupt = errors.New("accessory config corrupt and no valid backup")

// Template describes one accessory the investigation is hunting for: its
// name and the wear percentage the vendor app currently reports for it.
// Users edit these values to match their app before each logging session.
type Template struct {
	Name             string `json:"name"`
	DPSKey           string `json:"dps_key"`
	ByteOffset       int    `json:"byte_offset"`
	LifeRemainingPct int    `json:"life_remaining_percent"`
	ThresholdPct     int    `json:"threshold_percent"`
	Enabled          bool   `json:"enabled"`
}

// Catalog is the persisted, user-editable accessory configuration.
type Catalog struct {
	SchemaVersion int        `json:"schema_version"`
	UpdatedAt     time.Time  `json:"updated_at"`
	Accessories   []Template `json:"accessories"`
}

// Defaults returns the documented first-run catalog. Offsets of -1 mean
// "unknown, to be found by the correlator".
func Defaults() Catalog {
	return Catalog{
		SchemaVersion: SchemaVersion,
		Accessories: []Template{
			{Name: "rolling_brush", DPSKey: "180", ByteOffset: -1, LifeRemainingPct: 99, ThresholdPct: 10, Enabled: true},
			{Name: "side_brush", DPSKey: "180", ByteOffset: -1, LifeRemainingPct: 97, ThresholdPct: 10, Enabled: true},
			{Name: "filter", DPSKey: "180", ByteOffset: -1, LifeRemainingPct: 95, ThresholdPct: 10, Enabled: true},
			{Name: "mop", DPSKey: "180", ByteOffset: -1, LifeRemainingPct: 98, ThresholdPct: 10, Enabled: true},
			{Name: "sensors", DPSKey: "180", ByteOffset: -1, LifeRemainingPct: 96, ThresholdPct: 10, Enabled: true},
		},
	}
}

// Enabled filters the catalog down to accessories the probe should watch.
func (c Catalog) Enabled() []Template {
	var out []Template
	for _, tpl := range c.Accessories {
		if tpl.Enabled {
			out = append(out, tpl)
		}
	}
	return out
}

// File manages the on-disk catalog: written once with defaults, then only
// read. User-edited fields are never rewritten; explicit saves touch only
// the updated_at stamp. A backup copy is taken before any overwrite.
type File struct {
	path string
	now  func() time.Time
}

// NewFile wires a catalog file with an injected clock. A nil clock uses
// time.Now.
func NewFile(path string, now func() time.Time) *File {
	if now == nil {
		now = time.Now
	}
	return &File{path: path, now: now}
}

func (f *File) backupPath() string {
	return f.path + ".bak"
}

// Load reads the catalog, creating it with defaults on first run. A corrupt
// file is recovered from the backup; failing that, defaults are regenerated.
// ErrCorrupt is returned only when every recovery step fails.
func (f *File) Load() (Catalog, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		catalog := Defaults()
		catalog.UpdatedAt = f.now().UTC()
		if err := f.write(catalog); err != nil {
			return Catalog{}, err
		}
		return catalog, nil
	}
	if err != nil {
		return Catalog{}, fmt.Errorf("read accessory config: %w", err)
	}

	catalog, parseErr := parse(data)
	if parseErr == nil {
		return catalog, nil
	}

	// Recovery chain: backup first, then regenerated defaults.
	if backup, err := os.ReadFile(f.backupPath()); err == nil {
		if catalog, err := parse(backup); err == nil {
			if err := f.write(catalog); err != nil {
				return Catalog{}, fmt.Errorf("restore accessory config: %w", err)
			}
			return catalog, nil
		}
	}

	catalog = Defaults()
	catalog.UpdatedAt = f.now().UTC()
	if err := f.write(catalog); err != nil {
		return Catalog{}, fmt.Errorf("%w: %v", ErrCorrupt, parseErr)
	}
	return catalog, nil
}

// Save stamps updated_at and overwrites the file, taking a backup of the
// current contents first.
func (f *File) Save(catalog Catalog) error {
	if current, err := os.ReadFile(f.path); err == nil {
		if err := os.WriteFile(f.backupPath(), current, 0o644); err != nil {
			return fmt.Errorf("write accessory backup: %w", err)
		}
	}
	catalog.UpdatedAt = f.now().UTC()
	return f.write(catalog)
}

func (f *File) write(catalog Catalog) error {
	data, err := json.MarshalIndent(catalog, "", "  ")
	if err != nil {
		return fmt.Errorf("encode accessory config: %w", err)
	}
	if err := os.WriteFile(f.path, data, 0o644); err != nil {
		return fmt.Errorf("write accessory config: %w", err)
	}
	return nil
}

func parse(data []byte) (Catalog, error) {
	var catalog Catalog
	if err := json.Unmarshal(data, &catalog); err != nil {
		return Catalog{}, fmt.Errorf("parse accessory config: %w", err)
	}
	if catalog.SchemaVersion != SchemaVersion {
		return Catalog{}, fmt.Errorf("unsupported accessory config schema_version %d", catalog.SchemaVersion)
	}
	if len(catalog.Accessories) == 0 {
		return Catalog{}, errors.New("accessory config has no accessories")
	}
	return catalog, nil
}
