package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle of a document.
type Status string

const (
	StatusPending       Status = "pending"
	StatusPreprocessing Status = "preprocessing"
	StatusRecognizing   Status = "recognizing"
	StatusClassifying   Status = "classifying"
	StatusExtracting    Status = "extracting"
	StatusNeedsReview   Status = "needs_review"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
)

var allStatuses = []Status{
	StatusPending,
	StatusPreprocessing,
	StatusRecognizing,
	StatusClassifying,
	StatusExtracting,
	StatusNeedsReview,
	StatusCompleted,
	StatusFailed,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

var processingStatuses = map[Status]struct{}{
	StatusPreprocessing: {},
	StatusRecognizing:   {},
	StatusClassifying:   {},
	StatusExtracting:    {},
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsProcessingStatus reports whether a status reflects an in-flight stage.
func IsProcessingStatus(status Status) bool {
	_, ok := processingStatuses[status]
	return ok
}

// IsTerminal reports whether no further pipeline-driven transition occurs
// from this status. An explicit review resolution or reprocess request may
// still move a terminal document.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusNeedsReview, StatusFailed:
		return true
	default:
		return false
	}
}

// ErrorEntry is one record in a document's append-only error log.
type ErrorEntry struct {
	Stage      string    `json:"stage"`
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	Attempt    int       `json:"attempt"`
	Generation int       `json:"generation"`
	At         time.Time `json:"at"`
}

// Region is one recognized text region with its confidence and bounding box.
type Region struct {
	Text       string       `json:"text"`
	Confidence float64      `json:"confidence"`
	Box        [][2]float64 `json:"box,omitempty"`
}

// PreprocessOutput is the persisted result of the preprocessing stage.
type PreprocessOutput struct {
	CleanPath string `json:"clean_path"`
}

// RecognizeOutput is the persisted result of the text recognition stage.
type RecognizeOutput struct {
	Text       string   `json:"text"`
	Confidence float64  `json:"confidence"`
	Regions    []Region `json:"regions,omitempty"`
}

// ClassifyOutput is the persisted result of the classification stage.
type ClassifyOutput struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// ExtractOutput is the persisted result of the field extraction stage.
type ExtractOutput struct {
	Fields map[string]any `json:"fields"`
	Model  string         `json:"model,omitempty"`
}

// StageOutputs snapshots per-stage results for audit and debugging. Outputs
// belong to a single attempt; a new attempt starts from an empty snapshot so
// results from different attempts never mix.
type StageOutputs struct {
	Preprocess *PreprocessOutput `json:"preprocess,omitempty"`
	Recognize  *RecognizeOutput  `json:"recognize,omitempty"`
	Classify   *ClassifyOutput   `json:"classify,omitempty"`
	Extract    *ExtractOutput    `json:"extract,omitempty"`
}

// Document represents one ingested file and its processing state.
type Document struct {
	ID                  int64
	SourcePath          string
	OriginalName        string
	Status              Status
	AttemptCount        int
	Generation          int
	GenerationAttempts  int
	Confidence          *float64
	DocumentType        string
	ExtractedFieldsJSON string
	StageOutputsJSON    string
	ErrorLogJSON        string
	ReviewReason        string
	Priority            int
	NextAttemptAt       time.Time
	LastHeartbeat       *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
	CompletedAt         *time.Time
}

// IsProcessing returns true when the document is in an in-flight stage.
func (d Document) IsProcessing() bool {
	return IsProcessingStatus(d.Status)
}

// StageOutputs decodes the per-stage result snapshot.
func (d *Document) StageOutputs() (StageOutputs, error) {
	var outputs StageOutputs
	trimmed := strings.TrimSpace(d.StageOutputsJSON)
	if trimmed == "" {
		return outputs, nil
	}
	if err := json.Unmarshal([]byte(trimmed), &outputs); err != nil {
		return StageOutputs{}, fmt.Errorf("decode stage outputs: %w", err)
	}
	return outputs, nil
}

// SetStageOutputs encodes and stores the per-stage result snapshot.
func (d *Document) SetStageOutputs(outputs StageOutputs) error {
	encoded, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("encode stage outputs: %w", err)
	}
	d.StageOutputsJSON = string(encoded)
	return nil
}

// ErrorLog decodes the append-only error history.
func (d *Document) ErrorLog() ([]ErrorEntry, error) {
	trimmed := strings.TrimSpace(d.ErrorLogJSON)
	if trimmed == "" {
		return nil, nil
	}
	var entries []ErrorEntry
	if err := json.Unmarshal([]byte(trimmed), &entries); err != nil {
		return nil, fmt.Errorf("decode error log: %w", err)
	}
	return entries, nil
}

// AppendError adds an entry to the error history. Entries are never removed;
// retries and reprocess requests only ever append.
func (d *Document) AppendError(entry ErrorEntry) error {
	entries, err := d.ErrorLog()
	if err != nil {
		return err
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	entries = append(entries, entry)
	encoded, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode error log: %w", err)
	}
	d.ErrorLogJSON = string(encoded)
	return nil
}

// ExtractedFields decodes the structured fields produced by extraction.
func (d *Document) ExtractedFields() (map[string]any, error) {
	trimmed := strings.TrimSpace(d.ExtractedFieldsJSON)
	if trimmed == "" {
		return nil, nil
	}
	fields := make(map[string]any)
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return nil, fmt.Errorf("decode extracted fields: %w", err)
	}
	return fields, nil
}

// SetExtractedFields encodes and stores the structured extraction result.
func (d *Document) SetExtractedFields(fields map[string]any) error {
	encoded, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode extracted fields: %w", err)
	}
	d.ExtractedFieldsJSON = string(encoded)
	return nil
}

// SetConfidence records the recognition confidence for the current attempt.
func (d *Document) SetConfidence(value float64) {
	d.Confidence = &value
}

// ResetForAttempt clears attempt-scoped state ahead of a fresh pipeline run.
// The error log is deliberately untouched.
func (d *Document) ResetForAttempt() {
	d.Confidence = nil
	d.DocumentType = ""
	d.ExtractedFieldsJSON = ""
	d.StageOutputsJSON = ""
	d.ReviewReason = ""
	d.CompletedAt = nil
}

// HealthSummary describes aggregated document counts per key lifecycle state.
type HealthSummary struct {
	Total      int
	Pending    int
	Processing int
	Review     int
	Completed  int
	Failed     int
}

// DatabaseHealth captures diagnostic information about the document database.
type DatabaseHealth struct {
	DBPath           string
	DatabaseExists   bool
	DatabaseReadable bool
	TableExists      bool
	IntegrityCheck   bool
	TotalDocuments   int
	Error            string
}
