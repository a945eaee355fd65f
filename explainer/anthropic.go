package explainer

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"

	"github.com/salesops-ai/sentinel/core"
	"github.com/salesops-ai/sentinel/observability"
)

const (
	defaultModel = "claude-sonnet-4-20250514"

	maxRetries = 3
	baseDelay  = 2 * time.Second
	maxDelay   = 30 * time.Second
)

// Anthropic is an Explainer backed by the Claude Messages API. Transient API
// failures are retried with capped exponential backoff; auth and bad-request
// failures abort immediately since retrying cannot fix them.
type Anthropic struct {
	client  anthropic.Client
	model   string
	metrics observability.Metrics
	logger  *logrus.Entry
}

// AnthropicOption configures the explainer.
type AnthropicOption func(*Anthropic)

// WithModel overrides the default model.
func WithModel(model string) AnthropicOption {
	return func(a *Anthropic) { a.model = model }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m observability.Metrics) AnthropicOption {
	return func(a *Anthropic) { a.metrics = m }
}

// WithLogger sets the component logger.
func WithLogger(l *logrus.Entry) AnthropicOption {
	return func(a *Anthropic) { a.logger = l }
}

// NewAnthropic creates an explainer authenticated with apiKey.
func NewAnthropic(apiKey string, opts ...AnthropicOption) *Anthropic {
	a := &Anthropic{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:   defaultModel,
		metrics: observability.NopMetrics{},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = observability.NewLogger("AnomalyExplainer", "")
	}
	return a
}

// Model implements Explainer.
func (a *Anthropic) Model() string { return a.model }

// Explain implements Explainer.
func (a *Anthropic) Explain(ctx context.Context, anomaly core.Anomaly, history string) (*core.Enrichment, error) {
	prompt := BuildPrompt(anomaly, history)

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		a.metrics.IncCounter("salesops_llm_calls_total", map[string]string{"model": a.model, "status": "attempt"})
		start := time.Now()

		resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(a.model),
			MaxTokens: 1024,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		latency := time.Since(start)

		if err == nil {
			var text string
			for _, block := range resp.Content {
				if block.Type == "text" {
					text += block.Text
				}
			}

			enrichment, perr := ParseEnrichment(text)
			if perr == nil {
				a.metrics.IncCounter("salesops_llm_calls_total", map[string]string{"model": a.model, "status": "success"})
				a.metrics.ObserveLatency("salesops_llm_latency_ms", map[string]string{"model": a.model}, latency)
				if enrichment.SchemaError != "" {
					a.logger.WithField("schema_error", enrichment.SchemaError).Warn("model response missing required keys")
				}
				enrichment.Meta = &core.EnrichmentMeta{
					Model:     a.model,
					LatencyMS: latency.Milliseconds(),
					Timestamp: core.Now(),
					Version:   explanationVersion,
				}
				return enrichment, nil
			}
			err = perr
		}

		lastErr = err
		a.metrics.IncCounter("salesops_llm_calls_total", map[string]string{"model": a.model, "status": "error"})

		if fatalAPIError(err) {
			a.logger.WithError(err).Error("fatal model API error")
			return nil, err
		}

		a.logger.WithFields(logrus.Fields{"attempt": attempt, "anomaly_id": anomaly.ID}).WithError(err).Warn("model call failed")
		if attempt < maxRetries {
			wait := baseDelay << uint(attempt-1)
			if wait > maxDelay {
				wait = maxDelay
			}
			wait += time.Duration(rand.Int63n(int64(500 * time.Millisecond)))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return nil, core.Classified(core.KindExhausted, lastErr)
}

// fatalAPIError reports whether err is an auth or bad-request failure that no
// amount of retrying will fix.
func fatalAPIError(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return true
		}
	}
	return false
}
