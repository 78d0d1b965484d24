package snapshot

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jverney/dustprobe/internal/analysis"
	"github.com/jverney/dustprobe/internal/dps"
)

// Metadata identifies one persisted record.
type Metadata struct {
	DeviceID  string    `json:"device_id"`
	SessionID string    `json:"session_id"`
	Sequence  int       `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Mode      string    `json:"mode"`
	Reason    string    `json:"reason"`
	Detail    string    `json:"detail,omitempty"`
}

// KeyAnalysis is the decoded view of one DPS field at capture time.
type KeyAnalysis struct {
	Type       string                 `json:"type"`
	IntValue   *int                   `json:"int_value,omitempty"`
	IsPercent  bool                   `json:"is_percent,omitempty"`
	Hex        string                 `json:"hex,omitempty"`
	Length     int                    `json:"length,omitempty"`
	Candidates []dps.PercentCandidate `json:"percentage_candidates,omitempty"`
	Hash       string                 `json:"hash"`
}

// CrossKeyMatch groups a percentage value observed at more than one place
// in the same capture. Battery and water-tank levels tend to surface both
// as scalars and inside blobs, so repeats are the cheapest cross-check.
type CrossKeyMatch struct {
	Value   int      `json:"value"`
	Sources []string `json:"sources"`
}

// Derived carries the cross-key analysis computed at capture time.
type Derived struct {
	CycleState      string          `json:"cycle_state"`
	PercentScalars  map[string]int  `json:"percent_scalars,omitempty"`
	CrossKeyMatches []CrossKeyMatch `json:"cross_key_matches,omitempty"`
}

// Record is one self-contained persisted snapshot. Records are immutable
// once written; only the retention policy ever deletes them.
type Record struct {
	Metadata Metadata                    `json:"metadata"`
	Values   map[string]any              `json:"values"`
	Analysis map[string]KeyAnalysis      `json:"analysis"`
	Changes  map[string]analysis.Verdict `json:"changes,omitempty"`
	Derived  Derived                     `json:"derived"`
}

// Build assembles a record from one decoded observation.
func Build(meta Metadata, obs dps.Observation, decoded map[string]dps.Value, changes map[string]analysis.Verdict, cycleState string) Record {
	keyAnalysis := make(map[string]KeyAnalysis, len(decoded))
	for key, val := range decoded {
		keyAnalysis[key] = analyzeKey(val)
	}
	return Record{
		Metadata: meta,
		Values:   map[string]any(obs),
		Analysis: keyAnalysis,
		Changes:  changes,
		Derived:  derive(decoded, cycleState),
	}
}

func analyzeKey(val dps.Value) KeyAnalysis {
	ka := KeyAnalysis{Type: val.Kind.String(), Hash: val.Hash}
	switch val.Kind {
	case dps.KindInt:
		n := val.Int
		ka.IntValue = &n
		ka.IsPercent = val.IsPercent
	case dps.KindBytes:
		ka.Hex = val.Hex
		ka.Length = len(val.Bytes)
		ka.Candidates = val.Candidates
	}
	return ka
}

func derive(decoded map[string]dps.Value, cycleState string) Derived {
	derived := Derived{CycleState: cycleState}

	sources := make(map[int][]string)
	for key, val := range decoded {
		switch val.Kind {
		case dps.KindInt:
			if val.IsPercent && val.Int >= 1 {
				if derived.PercentScalars == nil {
					derived.PercentScalars = make(map[string]int)
				}
				derived.PercentScalars[key] = val.Int
				sources[val.Int] = append(sources[val.Int], key)
			}
		case dps.KindBytes:
			for _, c := range val.Candidates {
				sources[c.Value] = append(sources[c.Value], fmt.Sprintf("%s[%d]", key, c.Position))
			}
		}
	}

	for value, from := range sources {
		if len(from) < 2 {
			continue
		}
		sort.Strings(from)
		derived.CrossKeyMatches = append(derived.CrossKeyMatches, CrossKeyMatch{Value: value, Sources: from})
	}
	sort.Slice(derived.CrossKeyMatches, func(i, j int) bool {
		return derived.CrossKeyMatches[i].Value < derived.CrossKeyMatches[j].Value
	})
	return derived
}

const nameTimeLayout = "20060102T150405.000"

// Filename encodes the capture mode and a millisecond timestamp, so a plain
// name sort is chronological and names never collide within a device.
func Filename(ts time.Time, mode string) string {
	return fmt.Sprintf("%s_%s.json", ts.UTC().Format(nameTimeLayout), mode)
}

// ParseFilename recovers the timestamp and mode from a snapshot filename.
func ParseFilename(name string) (time.Time, string, error) {
	base := strings.TrimSuffix(name, ".json")
	if base == name {
		return time.Time{}, "", fmt.Errorf("not a snapshot file: %s", name)
	}
	idx := strings.Index(base, "_")
	if idx < 0 {
		return time.Time{}, "", fmt.Errorf("malformed snapshot name: %s", name)
	}
	ts, err := time.Parse(nameTimeLayout, base[:idx])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parse snapshot timestamp: %w", err)
	}
	return ts, base[idx+1:], nil
}
