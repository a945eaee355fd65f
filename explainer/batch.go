package explainer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/salesops-ai/sentinel/core"
	"github.com/salesops-ai/sentinel/observability"
)

// SkippedReasonBreaker marks records skipped after the breaker trips.
const SkippedReasonBreaker = "Circuit Breaker Tripped"

// HistorySource supplies the learned-history context block for a prompt.
type HistorySource interface {
	RelevantHistory(ctx context.Context, anomaly core.Anomaly) string
}

// BatchConfig tunes batch enrichment.
type BatchConfig struct {
	// Parallelism bounds concurrent model calls. Default 3.
	Parallelism int

	// BreakerThreshold is how many consecutive failures trip the circuit
	// breaker. Default 5.
	BreakerThreshold int

	// AuditDir receives the llm_calls.jsonl trail and raw responses.
	// Empty disables auditing.
	AuditDir string
}

func (c *BatchConfig) defaults() {
	if c.Parallelism <= 0 {
		c.Parallelism = 3
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
}

// Batch enriches anomalies concurrently through one Explainer. Per-item
// failures are recorded on the item, never propagated; a run of consecutive
// failures trips a shared circuit breaker that skips the remaining work.
type Batch struct {
	explainer Explainer
	history   HistorySource
	cfg       BatchConfig
	audit     *observability.JSONLWriter
	metrics   observability.Metrics
	logger    *logrus.Entry

	// Consecutive-failure count and sticky trip flag, shared across the
	// fan-out goroutines.
	failures atomic.Int32
	tripped  atomic.Bool
}

// BatchOption configures the batch.
type BatchOption func(*Batch)

// WithHistory attaches a learned-history source for prompt enrichment.
func WithHistory(h HistorySource) BatchOption {
	return func(b *Batch) { b.history = h }
}

// WithBatchMetrics sets the metrics sink.
func WithBatchMetrics(m observability.Metrics) BatchOption {
	return func(b *Batch) { b.metrics = m }
}

// WithBatchLogger sets the component logger.
func WithBatchLogger(l *logrus.Entry) BatchOption {
	return func(b *Batch) { b.logger = l }
}

// NewBatch creates a batch enricher.
func NewBatch(e Explainer, cfg BatchConfig, opts ...BatchOption) (*Batch, error) {
	cfg.defaults()
	b := &Batch{
		explainer: e,
		cfg:       cfg,
		metrics:   observability.NopMetrics{},
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = observability.NewLogger("ExplainerBatch", "")
	}
	if cfg.AuditDir != "" {
		w, err := observability.NewJSONLWriter(filepath.Join(cfg.AuditDir, "llm_calls.jsonl"))
		if err != nil {
			return nil, err
		}
		b.audit = w
	}
	return b, nil
}

// Explain enriches every anomaly, preserving input order. The returned slice
// always has one entry per input: enriched, failed with an error string, or
// skipped once the breaker trips.
func (b *Batch) Explain(ctx context.Context, anomalies []core.Anomaly) []core.EnrichedAnomaly {
	results := make([]core.EnrichedAnomaly, len(anomalies))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Parallelism)

	for i, anomaly := range anomalies {
		g.Go(func() error {
			results[i] = b.explainOne(gctx, anomaly)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (b *Batch) explainOne(ctx context.Context, anomaly core.Anomaly) core.EnrichedAnomaly {
	if b.tripped.Load() {
		b.metrics.IncCounter("salesops_enrichments_total", map[string]string{"status": "skipped"})
		return core.EnrichedAnomaly{
			Anomaly:       anomaly,
			Skipped:       true,
			SkippedReason: SkippedReasonBreaker,
			Error:         "SKIPPED",
		}
	}

	history := ""
	if b.history != nil {
		history = b.history.RelevantHistory(ctx, anomaly)
	}
	prompt := BuildPrompt(anomaly, history)

	enrichment, err := b.explainer.Explain(ctx, anomaly, history)
	if err != nil {
		b.logger.WithField("anomaly_id", anomaly.ID).WithError(err).Error("enrichment failed")
		b.recordAudit(anomaly.ID, prompt, nil, "FAILED", err)
		b.metrics.IncCounter("salesops_enrichments_total", map[string]string{"status": "failed"})

		if b.failures.Add(1) >= int32(b.cfg.BreakerThreshold) && !b.tripped.Swap(true) {
			b.logger.Error("circuit breaker tripped, skipping remaining anomalies")
		}
		return core.EnrichedAnomaly{Anomaly: anomaly, Error: err.Error()}
	}

	b.failures.Store(0)
	b.recordAudit(anomaly.ID, prompt, enrichment, "SUCCESS", nil)
	b.metrics.IncCounter("salesops_enrichments_total", map[string]string{"status": "success"})
	return core.EnrichedAnomaly{Anomaly: anomaly, Enrichment: enrichment}
}

// auditEntry is one line in llm_calls.jsonl.
type auditEntry struct {
	Timestamp  string `json:"timestamp"`
	AnomalyID  string `json:"anomaly_id"`
	PromptHash string `json:"prompt_hash"`
	Model      string `json:"model"`
	LatencyMS  int64  `json:"latency_ms"`
	Status     string `json:"status"`
	EstTokens  int    `json:"est_tokens"`
	ErrorType  string `json:"error_type,omitempty"`
}

// recordAudit appends the call summary and saves the full prompt/response
// pair under responses/<prompt hash>.json. Audit failures are logged only.
func (b *Batch) recordAudit(anomalyID, prompt string, enrichment *core.Enrichment, status string, callErr error) {
	if b.audit == nil {
		return
	}

	sum := md5.Sum([]byte(prompt))
	hash := hex.EncodeToString(sum[:])

	entry := auditEntry{
		Timestamp:  core.Now(),
		AnomalyID:  anomalyID,
		PromptHash: hash,
		Model:      b.explainer.Model(),
		Status:     status,
		EstTokens:  len(prompt) / 4,
	}
	if enrichment != nil && enrichment.Meta != nil {
		entry.LatencyMS = enrichment.Meta.LatencyMS
	}
	if callErr != nil {
		entry.ErrorType = string(core.KindOf(callErr))
	}
	if err := b.audit.Append(entry); err != nil {
		b.logger.WithError(err).Error("audit write failed")
	}

	raw := map[string]any{
		"id":        anomalyID,
		"timestamp": entry.Timestamp,
		"prompt":    prompt,
		"response":  enrichment,
	}
	if callErr != nil {
		raw["error"] = callErr.Error()
	}
	b.saveRawResponse(hash, raw)
}

func (b *Batch) saveRawResponse(hash string, raw map[string]any) {
	dir := filepath.Join(b.cfg.AuditDir, "responses")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		b.logger.WithError(err).Error("failed to create response dir")
		return
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		b.logger.WithError(err).Error("failed to encode raw response")
		return
	}
	if err := os.WriteFile(filepath.Join(dir, hash+".json"), data, 0o644); err != nil {
		b.logger.WithError(err).Error("failed to save raw response")
	}
}
