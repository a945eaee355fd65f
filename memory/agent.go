package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/salesops-ai/sentinel/core"
	"github.com/salesops-ai/sentinel/observability"
)

// Agent is the bridge between business objects and the Bank: it turns
// completed anomaly cycles into semantic memories and past memories into
// prompt context.
type Agent struct {
	bank   *Bank
	logger *logrus.Entry
}

// NewAgent wraps a Bank.
func NewAgent(bank *Bank, logger *logrus.Entry) *Agent {
	if logger == nil {
		logger = observability.NewLogger("MemoryAgent", "")
	}
	return &Agent{bank: bank, logger: logger}
}

// Bank exposes the underlying bank, mainly so callers can Save on shutdown.
func (a *Agent) Bank() *Bank {
	return a.bank
}

// RememberResolution stores a completed anomaly/action cycle and persists the
// snapshot immediately so a crash cannot lose the lesson.
func (a *Agent) RememberResolution(ctx context.Context, anomaly core.EnrichedAnomaly, actionType string) error {
	short := ""
	if anomaly.Enrichment != nil {
		short = anomaly.Enrichment.ExplanationShort
	}
	text := fmt.Sprintf(
		"Anomaly in %s (%s). Severity: %.2f. Explanation: %s. Action Taken: %s.",
		anomaly.EntityID, anomaly.Metric, anomaly.Score, short, actionType,
	)

	metadata := map[string]any{
		"type":        "resolution",
		"entity":      anomaly.EntityID,
		"metric":      anomaly.Metric,
		"score":       anomaly.Score,
		"action_type": actionType,
	}

	id, err := a.bank.Remember(ctx, text, metadata, 0)
	if err != nil {
		return fmt.Errorf("remember resolution: %w", err)
	}
	if err := a.bank.Save(); err != nil {
		a.logger.WithError(err).Warn("memory snapshot save failed")
	}
	a.logger.WithField("memory_id", id).Info("learned new experience")
	return nil
}

// RelevantHistory finds past anomalies similar to the current one and formats
// them as a context block for the explainer prompt.
func (a *Agent) RelevantHistory(ctx context.Context, anomaly core.Anomaly) string {
	query := fmt.Sprintf("Anomaly %s %s %s", anomaly.EntityID, anomaly.Metric, anomaly.Level)

	results, err := a.bank.Recall(ctx, query, 3, nil, 0.2)
	if err != nil {
		a.logger.WithError(err).Warn("history retrieval failed")
		return "No relevant past events found."
	}
	if len(results) == 0 {
		return "No relevant past events found."
	}

	lines := []string{"**Relevant Past Events (Learned History):**"}
	for _, res := range results {
		date := ""
		if created, ok := res.Metadata[MetaCreatedAt].(string); ok {
			if i := strings.IndexByte(created, 'T'); i > 0 {
				date = created[:i]
			}
		}
		lines = append(lines, fmt.Sprintf("- [%s] (Sim: %.2f) %s", date, res.Score, res.Text))
	}
	return strings.Join(lines, "\n")
}
