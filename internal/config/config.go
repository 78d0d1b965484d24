package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jverney/dustprobe/internal/analysis"
	"github.com/jverney/dustprobe/internal/cycle"
	"github.com/jverney/dustprobe/internal/decision"
	"github.com/jverney/dustprobe/internal/snapshot"
	"github.com/jverney/dustprobe/internal/transport"
)

const (
	SchemaVersion = 1
	DefaultPath   = "/etc/dustprobe/config.json"

	DefaultHTTPAddr            = "0.0.0.0:8080"
	DefaultDataDir             = "/var/lib/dustprobe/snapshots"
	DefaultPollIntervalSeconds = 10
	DefaultRetentionCap        = 10
	DefaultPrimaryStatusKey    = "121"
	DefaultMinCleanSeconds     = 300
	DefaultDockConfirmSeconds  = 30
	DefaultMinLogSeconds       = 60
	DefaultPeriodicSeconds     = 300
)

// Config is the daemon's on-disk configuration.
type Config struct {
	SchemaVersion int    `json:"schema_version"`
	DeviceID      string `json:"device_id"`
	DataDir       string `json:"data_dir"`
	HTTPAddr      string `json:"http_addr"`
	CatalogPath   string `json:"catalog_path"`

	// MonitoredKeys restricts which DPS keys are tracked; empty means all.
	MonitoredKeys []string `json:"monitored_keys"`

	PollIntervalSeconds int `json:"poll_interval_seconds"`
	RetentionCap        int `json:"retention_cap"`

	Thresholds ThresholdConfig `json:"thresholds"`
	Cycle      CycleConfig     `json:"cycle"`

	// MQTT switches the daemon to push delivery when present.
	MQTT *transport.MQTTConfig `json:"mqtt,omitempty"`
	// Local polls a bridge endpoint for the DPS envelope when present.
	Local *transport.LocalConfig `json:"local,omitempty"`
	// Archive mirrors evicted snapshots to object storage when present.
	Archive *snapshot.ArchiveConfig `json:"archive,omitempty"`
}

// ThresholdConfig tunes the change-significance analysis.
type ThresholdConfig struct {
	ScalarThreshold int `json:"scalar_threshold"`
	WearDecreaseMax int `json:"wear_decrease_max"`
	ByteDiffLimit   int `json:"byte_diff_limit"`
	MinLogSeconds   int `json:"min_log_seconds"`
	PeriodicSeconds int `json:"periodic_seconds"`
}

// CycleConfig tunes the cleaning-cycle tracker.
type CycleConfig struct {
	PrimaryStatusKey string   `json:"primary_status_key"`
	AltStatusKeys    []string `json:"alt_status_keys"`
	MinCleanSeconds  int      `json:"min_clean_seconds"`
	DockConfirmSec   int      `json:"dock_confirm_seconds"`
}

// Load parses the JSON config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err = json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	if err = Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.PollIntervalSeconds == 0 {
		cfg.PollIntervalSeconds = DefaultPollIntervalSeconds
	}
	if cfg.RetentionCap == 0 {
		cfg.RetentionCap = DefaultRetentionCap
	}

	defaults := analysis.DefaultConfig()
	if cfg.Thresholds.ScalarThreshold == 0 {
		cfg.Thresholds.ScalarThreshold = defaults.ScalarThreshold
	}
	if cfg.Thresholds.WearDecreaseMax == 0 {
		cfg.Thresholds.WearDecreaseMax = defaults.WearDecreaseMax
	}
	if cfg.Thresholds.ByteDiffLimit == 0 {
		cfg.Thresholds.ByteDiffLimit = defaults.ByteDiffLimit
	}
	if cfg.Thresholds.MinLogSeconds == 0 {
		cfg.Thresholds.MinLogSeconds = DefaultMinLogSeconds
	}
	if cfg.Thresholds.PeriodicSeconds == 0 {
		cfg.Thresholds.PeriodicSeconds = DefaultPeriodicSeconds
	}

	if cfg.Cycle.PrimaryStatusKey == "" {
		cfg.Cycle.PrimaryStatusKey = DefaultPrimaryStatusKey
	}
	if cfg.Cycle.AltStatusKeys == nil {
		cfg.Cycle.AltStatusKeys = cycle.DefaultConfig().AltStatusKeys
	}
	if cfg.Cycle.MinCleanSeconds == 0 {
		cfg.Cycle.MinCleanSeconds = DefaultMinCleanSeconds
	}
	if cfg.Cycle.DockConfirmSec == 0 {
		cfg.Cycle.DockConfirmSec = DefaultDockConfirmSeconds
	}
}

// Validate enforces required invariants beyond JSON typing.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if cfg.SchemaVersion != SchemaVersion {
		return fmt.Errorf("schema_version must be %d", SchemaVersion)
	}
	if cfg.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if cfg.HTTPAddr == "" {
		return fmt.Errorf("http_addr is required")
	}
	if cfg.PollIntervalSeconds < 0 {
		return fmt.Errorf("poll_interval_seconds must not be negative")
	}
	if cfg.RetentionCap < 0 {
		return fmt.Errorf("retention_cap must not be negative")
	}

	if cfg.MQTT != nil {
		if cfg.MQTT.Host == "" || cfg.MQTT.Port == 0 {
			return fmt.Errorf("mqtt.host and mqtt.port are required")
		}
		if cfg.MQTT.Topic == "" {
			return fmt.Errorf("mqtt.topic is required")
		}
	}
	if cfg.Local != nil && cfg.Local.URL == "" {
		return fmt.Errorf("local.url is required")
	}
	if cfg.Archive != nil {
		if cfg.Archive.Endpoint == "" || cfg.Archive.Bucket == "" {
			return fmt.Errorf("archive.endpoint and archive.bucket are required")
		}
		if cfg.Archive.AccessKeyFile == "" || cfg.Archive.SecretKeyFile == "" {
			return fmt.Errorf("archive key files are required")
		}
	}
	return nil
}

// PollInterval returns the pull-source interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// AnalyzerConfig maps the file thresholds onto the analyzer.
func (c *Config) AnalyzerConfig() analysis.Config {
	return analysis.Config{
		ScalarThreshold: c.Thresholds.ScalarThreshold,
		WearDecreaseMax: c.Thresholds.WearDecreaseMax,
		ByteDiffLimit:   c.Thresholds.ByteDiffLimit,
	}
}

// TrackerConfig maps the file settings onto the cycle tracker.
func (c *Config) TrackerConfig() cycle.Config {
	return cycle.Config{
		PrimaryStatusKey: c.Cycle.PrimaryStatusKey,
		AltStatusKeys:    c.Cycle.AltStatusKeys,
		Codes:            cycle.DefaultStatusCodes(),
		MinCleanDuration: time.Duration(c.Cycle.MinCleanSeconds) * time.Second,
		DockConfirm:      time.Duration(c.Cycle.DockConfirmSec) * time.Second,
	}
}

// EngineConfig maps the file settings onto the decision engine.
func (c *Config) EngineConfig() decision.Config {
	return decision.Config{
		MinLogInterval:   time.Duration(c.Thresholds.MinLogSeconds) * time.Second,
		PeriodicInterval: time.Duration(c.Thresholds.PeriodicSeconds) * time.Second,
	}
}
