package action

import (
	"github.com/salesops-ai/sentinel/core"
	"github.com/salesops-ai/sentinel/observability"
)

// AuditRecord is one line in the action audit trail. Every terminal outcome
// is recorded, including validation rejections that never hit the network.
type AuditRecord struct {
	Timestamp      string         `json:"timestamp"`
	ActionID       string         `json:"action_id"`
	AnomalyID      string         `json:"anomaly_id"`
	Type           string         `json:"type"`
	IdempotencyKey string         `json:"idempotency_key"`
	Meta           map[string]any `json:"meta"`
	Result         string         `json:"result"`
}

// Auditor appends action outcomes to a JSONL trail.
type Auditor struct {
	writer *observability.JSONLWriter
}

// NewAuditor creates an auditor writing to path.
func NewAuditor(path string) (*Auditor, error) {
	w, err := observability.NewJSONLWriter(path)
	if err != nil {
		return nil, err
	}
	return &Auditor{writer: w}, nil
}

// Record appends one outcome. Audit failures are returned, not swallowed;
// the caller decides whether a lost audit line fails the action.
func (a *Auditor) Record(plan Plan, result Result) error {
	if a == nil {
		return nil
	}
	return a.writer.Append(AuditRecord{
		Timestamp:      core.Now(),
		ActionID:       plan.ActionID,
		AnomalyID:      plan.AnomalyID,
		Type:           plan.Type,
		IdempotencyKey: plan.IdempotencyKey,
		Meta: map[string]any{
			"attempts":   result.Attempts,
			"http_code":  result.HTTPCode,
			"latency_ms": result.LatencyMS,
		},
		Result: result.Status,
	})
}
