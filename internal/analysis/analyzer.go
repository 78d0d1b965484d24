package analysis

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jverney/dustprobe/internal/dps"
)

// Kind classifies what changed between two observations of one key.
type Kind int

const (
	KindNone Kind = iota
	KindScalar
	KindBytes
	KindLengthMismatch
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindScalar:
		return "scalar"
	case KindBytes:
		return "bytes"
	case KindLengthMismatch:
		return "length_mismatch"
	case KindString:
		return "string"
	default:
		return "unknown"
	}
}

// ByteChange records one differing byte position between two payloads.
type ByteChange struct {
	Position      int  `json:"position"`
	Previous      int  `json:"previous"`
	Current       int  `json:"current"`
	Delta         int  `json:"delta"`
	WearCandidate bool `json:"wear_candidate"`
}

// MarshalJSON encodes the kind as its string form inside snapshot records.
func (k Kind) MarshalJSON() ([]byte, error) {
	return []byte(`"` + k.String() + `"`), nil
}

// UnmarshalJSON accepts the string form written by MarshalJSON.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for _, kind := range []Kind{KindNone, KindScalar, KindBytes, KindLengthMismatch, KindString} {
		if kind.String() == s {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown change kind %q", s)
}

// Verdict is the analyzer's classification of one key's delta.
type Verdict struct {
	Significant bool         `json:"significant"`
	Kind        Kind         `json:"kind"`
	Magnitude   int          `json:"magnitude,omitempty"`
	Changes     []ByteChange `json:"byte_changes,omitempty"`
	Description string       `json:"description,omitempty"`
}

// Config holds the analyzer's tuning knobs. The defaults are empirical
// values carried over from observed device behavior, not derived limits.
type Config struct {
	// ScalarThreshold is the minimum absolute delta for a 0-100 scalar
	// to count as significant.
	ScalarThreshold int
	// WearDecreaseMax is the largest per-byte decrease still treated as
	// wear. Wear only ever decreases, and only slowly.
	WearDecreaseMax int
	// ByteDiffLimit is the number of differing bytes above which a
	// payload change is significant even without a wear candidate.
	ByteDiffLimit int
}

// DefaultConfig returns the analyzer defaults.
func DefaultConfig() Config {
	return Config{ScalarThreshold: 2, WearDecreaseMax: 3, ByteDiffLimit: 5}
}

// Analyzer compares two decoded values for one key.
type Analyzer struct {
	cfg Config
}

func New(cfg Config) *Analyzer {
	if cfg.ScalarThreshold <= 0 {
		cfg.ScalarThreshold = 2
	}
	if cfg.WearDecreaseMax <= 0 {
		cfg.WearDecreaseMax = 3
	}
	if cfg.ByteDiffLimit <= 0 {
		cfg.ByteDiffLimit = 5
	}
	return &Analyzer{cfg: cfg}
}

// Analyze classifies the delta between the previous and current value of key.
// Rules apply in priority order: scalar range check, equal-length byte diff,
// length mismatch, opaque string inequality, no change.
func (a *Analyzer) Analyze(key string, previous, current dps.Value) Verdict {
	if previous.Kind == dps.KindInt && current.Kind == dps.KindInt {
		return a.analyzeScalar(key, previous.Int, current.Int)
	}

	if previous.Kind == dps.KindBytes && current.Kind == dps.KindBytes {
		if len(previous.Bytes) != len(current.Bytes) {
			return Verdict{
				Significant: true,
				Kind:        KindLengthMismatch,
				Description: fmt.Sprintf("key %s payload length changed %d -> %d", key, len(previous.Bytes), len(current.Bytes)),
			}
		}
		return a.analyzeBytes(key, previous.Bytes, current.Bytes)
	}

	if previous.Hash != current.Hash {
		return Verdict{
			Significant: true,
			Kind:        KindString,
			Description: fmt.Sprintf("key %s string value changed", key),
		}
	}

	return Verdict{Kind: KindNone, Description: "no change"}
}

func (a *Analyzer) analyzeScalar(key string, previous, current int) Verdict {
	delta := current - previous
	if delta == 0 {
		return Verdict{Kind: KindNone, Description: "no change"}
	}
	magnitude := delta
	if magnitude < 0 {
		magnitude = -magnitude
	}
	verdict := Verdict{
		Kind:        KindScalar,
		Magnitude:   magnitude,
		Description: fmt.Sprintf("key %s scalar %d -> %d", key, previous, current),
	}
	inPercentRange := previous >= 0 && previous <= 100 && current >= 0 && current <= 100
	if inPercentRange {
		verdict.Significant = magnitude >= a.cfg.ScalarThreshold
	} else {
		verdict.Significant = true
	}
	return verdict
}

func (a *Analyzer) analyzeBytes(key string, previous, current []byte) Verdict {
	var changes []ByteChange
	for i := range previous {
		if previous[i] == current[i] {
			continue
		}
		change := ByteChange{
			Position: i,
			Previous: int(previous[i]),
			Current:  int(current[i]),
			Delta:    int(current[i]) - int(previous[i]),
		}
		// Wear is a small monotonic decrease inside the 1-100 band.
		// Increases are battery/water-style fluctuation, never wear.
		decrease := change.Previous - change.Current
		if decrease >= 1 && decrease <= a.cfg.WearDecreaseMax &&
			change.Previous >= 1 && change.Previous <= 100 &&
			change.Current >= 1 && change.Current <= 100 {
			change.WearCandidate = true
		}
		changes = append(changes, change)
	}

	if len(changes) == 0 {
		return Verdict{Kind: KindNone, Description: "no change"}
	}

	wearCount := 0
	for _, change := range changes {
		if change.WearCandidate {
			wearCount++
		}
	}

	verdict := Verdict{
		Kind:      KindBytes,
		Magnitude: len(changes),
		Changes:   changes,
	}
	verdict.Significant = wearCount >= 1 || len(changes) > a.cfg.ByteDiffLimit

	var parts []string
	for _, change := range changes {
		if change.WearCandidate {
			parts = append(parts, fmt.Sprintf("pos %d wear %d -> %d", change.Position, change.Previous, change.Current))
		}
	}
	if len(parts) > 0 {
		verdict.Description = fmt.Sprintf("key %s: %s", key, strings.Join(parts, ", "))
	} else {
		verdict.Description = fmt.Sprintf("key %s: %d bytes differ", key, len(changes))
	}
	return verdict
}
