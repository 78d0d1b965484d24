package correlate

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

var osStat = os.Stat

// Class ranks a recommendation. ClassCritical marks the primary actionable
// output: the infrequent-change signature.
type Class string

const (
	ClassCritical Class = "CRITICAL"
	ClassHigh     Class = "HIGH"
	ClassMedium   Class = "MEDIUM"
	ClassInfo     Class = "INFO"
)

// MatchKind distinguishes exact from close template matches.
type MatchKind string

const (
	MatchExact MatchKind = "EXACT_MATCH"
	MatchClose MatchKind = "CLOSE_MATCH"
)

// Confidence grades a template match.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
)

// FileError notes one skipped input file.
type FileError struct {
	File  string `json:"file"`
	Error string `json:"error"`
}

// TemplateMatch links an observed value to an accessory template.
type TemplateMatch struct {
	Accessory  string     `json:"accessory"`
	Expected   int        `json:"expected"`
	Observed   int        `json:"observed"`
	Key        string     `json:"key"`
	Position   int        `json:"position"`
	Kind       MatchKind  `json:"kind"`
	Confidence Confidence `json:"confidence"`
}

// DiffEntry is one delta between the baseline and post-cleaning records.
type DiffEntry struct {
	Key      string `json:"key"`
	Position int    `json:"position"`
	Previous int    `json:"previous"`
	Current  int    `json:"current"`
	Delta    int    `json:"delta"`
}

// BaselineDiff is the direct two-file comparison, available only when the
// input set holds exactly one baseline and one post-cleaning record.
type BaselineDiff struct {
	BaselineFile     string      `json:"baseline_file"`
	PostCleaningFile string      `json:"post_cleaning_file"`
	Entries          []DiffEntry `json:"entries"`
}

// Recommendation is one ranked finding.
type Recommendation struct {
	Class     Class   `json:"class"`
	Key       string  `json:"key"`
	Position  int     `json:"position"`
	Accessory string  `json:"accessory,omitempty"`
	Frequency float64 `json:"frequency,omitempty"`
	Message   string  `json:"message"`
}

// Report is the correlator's full output.
type Report struct {
	GeneratedAt     time.Time        `json:"generated_at"`
	InputDir        string           `json:"input_dir"`
	FilesScanned    int              `json:"files_scanned"`
	RecordsParsed   int              `json:"records_parsed"`
	Errors          []FileError      `json:"errors,omitempty"`
	Series          []Series         `json:"series"`
	Matches         []TemplateMatch  `json:"matches,omitempty"`
	BaselineDiff    *BaselineDiff    `json:"baseline_diff,omitempty"`
	Recommendations []Recommendation `json:"recommendations,omitempty"`
}

// WriteJSON writes the report to path, indented for human diffing.
func (r Report) WriteJSON(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// Render prints the human-readable summary mirroring the JSON report.
func (r Report) Render(w io.Writer) {
	fmt.Fprintf(w, "dustprobe correlation report (%s)\n", r.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "input: %s\n", r.InputDir)
	fmt.Fprintf(w, "records: %d parsed, %d skipped\n", r.RecordsParsed, len(r.Errors))
	for _, fe := range r.Errors {
		fmt.Fprintf(w, "  skipped %s: %s\n", fe.File, fe.Error)
	}

	if r.BaselineDiff != nil {
		fmt.Fprintf(w, "\nbaseline vs post-cleaning (%s -> %s):\n", r.BaselineDiff.BaselineFile, r.BaselineDiff.PostCleaningFile)
		if len(r.BaselineDiff.Entries) == 0 {
			fmt.Fprintln(w, "  no differences")
		}
		for _, e := range r.BaselineDiff.Entries {
			name := e.Key
			if e.Position != ScalarPosition {
				name = fmt.Sprintf("%s[%d]", e.Key, e.Position)
			}
			fmt.Fprintf(w, "  %s: %d -> %d (%+d)\n", name, e.Previous, e.Current, e.Delta)
		}
	}

	if len(r.Recommendations) == 0 {
		fmt.Fprintln(w, "\nno candidate wear positions found; collect more cleaning cycles and rerun")
		return
	}

	fmt.Fprintln(w, "\nrecommendations:")
	for _, rec := range r.Recommendations {
		fmt.Fprintf(w, "  [%s] %s\n", rec.Class, rec.Message)
	}
}
