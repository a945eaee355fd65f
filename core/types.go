package core

import "time"

// Anomaly is one detector finding. The pipeline only relies on ID and Score
// for planning decisions; everything else is carried through for explanation
// and audit output.
type Anomaly struct {
	ID       string         `json:"anomaly_id"`
	EntityID string         `json:"entity_id"`
	Level    string         `json:"level"` // "global" or a grouping level like "region"
	Metric   string         `json:"metric"`
	Value    float64        `json:"value"`
	Expected float64        `json:"expected"`
	Score    float64        `json:"score"`
	Detector string         `json:"detector"`
	Context  map[string]any `json:"context,omitempty"`
}

// Confidence levels reported by the explainer.
const (
	ConfidenceHigh   = "High"
	ConfidenceMedium = "Medium"
	ConfidenceLow    = "Low"
)

// Enrichment is the explainer's structured output for one anomaly.
// Missing keys are substituted with safe defaults and flagged via SchemaError
// rather than failing the run.
type Enrichment struct {
	ExplanationShort string          `json:"explanation_short"`
	ExplanationFull  string          `json:"explanation_full"`
	SuggestedActions []string        `json:"suggested_actions"`
	Confidence       string          `json:"confidence"`
	NeedsHumanReview bool            `json:"needs_human_review"`
	SchemaError      string          `json:"schema_error,omitempty"`
	Meta             *EnrichmentMeta `json:"meta,omitempty"`
}

// EnrichmentMeta records provenance for one explanation.
type EnrichmentMeta struct {
	Model     string `json:"model"`
	LatencyMS int64  `json:"latency_ms"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}

// EnrichedAnomaly pairs an anomaly with its explanation outcome. Exactly one
// of Enrichment, Skipped, or Error describes what happened; the caller decides
// how to proceed per item (no unwinding across the batch).
type EnrichedAnomaly struct {
	Anomaly
	Enrichment    *Enrichment `json:"enrichment,omitempty"`
	Skipped       bool        `json:"skipped,omitempty"`
	SkippedReason string      `json:"skipped_reason,omitempty"`
	Error         string      `json:"error,omitempty"`
}

// Task statuses recorded in the run task log.
const (
	TaskSuccess   = "success"
	TaskFailed    = "failed"
	TaskCancelled = "cancelled"
)

// TaskOutcome is one immutable entry in the run-scoped task log.
type TaskOutcome struct {
	TaskID     string  `json:"task_id"`
	Status     string  `json:"status"`
	Attempts   int     `json:"attempts"`
	DurationMS float64 `json:"duration_ms,omitempty"`
	StartTS    string  `json:"start_ts,omitempty"`
	EndTS      string  `json:"end_ts,omitempty"`
	Error      string  `json:"error,omitempty"`
	ErrorKind  string  `json:"error_type,omitempty"`
}

// Run statuses carried on a manifest.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// RunManifest is the durable summary of one pipeline run. It is mutated only
// by the owning run and appended to the ledger exactly once at run end.
type RunManifest struct {
	RunID          string            `json:"run_id"`
	ConversationID string            `json:"conversation_id"`
	StartTS        string            `json:"start_ts"`
	EndTS          string            `json:"end_ts,omitempty"`
	Status         string            `json:"status"`
	Config         map[string]any    `json:"config,omitempty"`
	Tasks          []TaskOutcome     `json:"tasks"`
	Artifacts      map[string]string `json:"artifacts"`
	Error          string            `json:"error,omitempty"`
}

// Timestamp returns t formatted the way every JSONL record in the suite
// stores time: RFC 3339 in UTC.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Now returns the current time formatted for record fields.
func Now() string {
	return Timestamp(time.Now())
}
