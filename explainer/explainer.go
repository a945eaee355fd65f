// Package explainer turns raw anomalies into structured explanations via an
// LLM. The model is treated as an untrusted collaborator: its output is
// schema-validated with safe defaults, calls are retried with backoff, and a
// circuit breaker stops a failing batch from burning quota.
package explainer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/salesops-ai/sentinel/core"
)

const (
	// explanationVersion tags each enrichment's meta block.
	explanationVersion = "1.1"

	// maxPromptChars caps prompt size before transmission.
	maxPromptChars = 7777

	// maxContextChars caps the statistical context block inside the prompt.
	maxContextChars = 2000
)

// Explainer produces one structured explanation for one anomaly. History is a
// preformatted context block of similar past events, possibly empty.
type Explainer interface {
	Explain(ctx context.Context, anomaly core.Anomaly, history string) (*core.Enrichment, error)

	// Model names the backing model, for audit and meta blocks.
	Model() string
}

// requiredKeys are the fields the model must return. Absences are substituted,
// never fatal.
var requiredKeys = []string{
	"explanation_short",
	"explanation_full",
	"suggested_actions",
	"confidence",
	"needs_human_review",
}

// redactEntity hashes identifiers that look like PII before they reach a
// prompt: customer IDs, emails, and long digit strings.
func redactEntity(s string) string {
	if s == "" {
		return ""
	}
	looksNumericID := true
	for _, r := range s {
		if r < '0' || r > '9' {
			looksNumericID = false
			break
		}
	}
	looksNumericID = looksNumericID && len(s) > 10

	if strings.Contains(s, "CUST-") || strings.Contains(s, "@") || looksNumericID {
		sum := md5.Sum([]byte(s))
		return "REDACTED_" + hex.EncodeToString(sum[:])[:6]
	}
	return s
}

// contextBlock flattens an anomaly's statistical context into "key: value"
// lines, sorted for stable prompts, truncated past the cap.
func contextBlock(ctx map[string]any) string {
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		v := ctx[k]
		if f, ok := v.(float64); ok {
			lines = append(lines, fmt.Sprintf("%s: %.2f", k, f))
		} else {
			lines = append(lines, fmt.Sprintf("%s: %v", k, v))
		}
	}

	full := strings.Join(lines, "\n")
	if len(full) > maxContextChars {
		return full[:maxContextChars] + "...(truncated)"
	}
	return full
}

// BuildPrompt renders the analyst prompt for one anomaly. Exported so audit
// tooling can reproduce prompt hashes offline.
func BuildPrompt(anomaly core.Anomaly, history string) string {
	level := anomaly.Level
	if level == "" {
		level = "global"
	}
	metric := anomaly.Metric
	if metric == "" {
		metric = "Sales"
	}
	if history == "" {
		history = "No history available."
	}

	prompt := fmt.Sprintf(`You are a Senior SalesOps Analyst. Analyze this sales anomaly.

DATA CONTEXT:
- Entity: %s (%s)
- Metric: %s
- Value: %.2f
- Expected: %.2f
- Score: %.2f

STATISTICAL CONTEXT:
%s

HISTORICAL CONTEXT (From Memory Bank):
%s

OUTPUT FORMAT:
Return valid JSON with these exact keys:
{
    "explanation_short": "1 sentence summary",
    "explanation_full": "2-3 sentence detailed analysis. Reference history if relevant.",
    "suggested_actions": ["Action 1", "Action 2"],
    "confidence": "High/Medium/Low",
    "needs_human_review": boolean
}

CONSTRAINT:
- Rely ONLY on provided numbers and history.
- Do NOT invent external events.
- Output pure JSON (no markdown).`,
		redactEntity(anomaly.EntityID), level, metric,
		anomaly.Value, anomaly.Expected, anomaly.Score,
		contextBlock(anomaly.Context), history,
	)

	if len(prompt) > maxPromptChars {
		prompt = prompt[:maxPromptChars]
	}
	return prompt
}

// stripFences removes a surrounding markdown code fence if the model ignored
// the pure-JSON instruction.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if strings.HasPrefix(lines[0], "```") {
		lines = lines[1:]
	}
	if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

// ParseEnrichment decodes and schema-validates a raw model response. A
// response that is not JSON at all is an error; a JSON object with missing or
// mistyped keys gets safe defaults and a SchemaError marker.
func ParseEnrichment(raw string) (*core.Enrichment, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(stripFences(raw)), &fields); err != nil {
		return nil, core.Classifiedf(core.KindValidation, "response is not a JSON object: %v", err)
	}

	enrichment := &core.Enrichment{SuggestedActions: []string{}}
	var missing []string

	for _, key := range requiredKeys {
		value, ok := fields[key]
		if !ok {
			missing = append(missing, key)
			switch key {
			case "suggested_actions":
				// already []
			case "needs_human_review":
				enrichment.NeedsHumanReview = true
			case "explanation_short":
				enrichment.ExplanationShort = "N/A (Schema Error)"
			case "explanation_full":
				enrichment.ExplanationFull = "N/A (Schema Error)"
			case "confidence":
				enrichment.Confidence = "N/A (Schema Error)"
			}
			continue
		}

		switch key {
		case "explanation_short":
			_ = json.Unmarshal(value, &enrichment.ExplanationShort)
		case "explanation_full":
			_ = json.Unmarshal(value, &enrichment.ExplanationFull)
		case "confidence":
			_ = json.Unmarshal(value, &enrichment.Confidence)
		case "needs_human_review":
			_ = json.Unmarshal(value, &enrichment.NeedsHumanReview)
		case "suggested_actions":
			var actions []string
			if err := json.Unmarshal(value, &actions); err == nil {
				enrichment.SuggestedActions = actions
				continue
			}
			// A bare string is tolerated and wrapped; anything else
			// collapses to empty.
			var single string
			if err := json.Unmarshal(value, &single); err == nil {
				enrichment.SuggestedActions = []string{single}
			}
		}
	}

	if len(missing) > 0 {
		enrichment.SchemaError = "Missing: " + strings.Join(missing, ",")
	}
	return enrichment, nil
}

// DryRun is an Explainer that fabricates a fixed explanation without any
// network traffic, for offline runs and tests.
type DryRun struct{}

// Model implements Explainer.
func (DryRun) Model() string { return "dry-run" }

// Explain implements Explainer.
func (DryRun) Explain(ctx context.Context, anomaly core.Anomaly, history string) (*core.Enrichment, error) {
	return &core.Enrichment{
		ExplanationShort: "[DRY RUN]",
		ExplanationFull:  "Mock explanation.",
		SuggestedActions: []string{"Mock Action"},
		Confidence:       core.ConfidenceHigh,
		NeedsHumanReview: false,
	}, nil
}
