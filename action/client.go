// Package action plans and executes remote side effects for enriched
// anomalies: tickets and alert emails, posted idempotently to a downstream
// operations service with bounded retries and a full audit trail.
package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/salesops-ai/sentinel/core"
	"github.com/salesops-ai/sentinel/observability"
)

// Terminal action statuses.
const (
	StatusSuccess     = "success"
	StatusClientError = "client_error"
	StatusFailed      = "failed"
)

// Result is the terminal outcome of one plan execution.
type Result struct {
	Status    string  `json:"status"`
	HTTPCode  int     `json:"http_code"`
	Attempts  int     `json:"attempts"`
	LatencyMS float64 `json:"latency_ms"`
	Reason    string  `json:"reason,omitempty"`
}

// ClientConfig tunes the remote client.
type ClientConfig struct {
	// BaseURL is the operations service root, without a trailing slash.
	BaseURL string

	// MaxRetries is the total attempt budget, including the first attempt.
	// Default 3.
	MaxRetries int

	// BaseDelay seeds the exponential backoff on server errors. Default 1s.
	BaseDelay time.Duration
}

func (c *ClientConfig) defaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
}

// Client posts action payloads to the remote service. All requests carry an
// Idempotency-Key derived from the plan, so retries and replays are safe.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	auditor *Auditor
	metrics observability.Metrics
	logger  *logrus.Entry
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithAuditor attaches an audit trail.
func WithAuditor(a *Auditor) ClientOption {
	return func(c *Client) { c.auditor = a }
}

// WithClientMetrics sets the metrics sink.
func WithClientMetrics(m observability.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithClientLogger sets the component logger.
func WithClientLogger(l *logrus.Entry) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for the operations service.
func NewClient(cfg ClientConfig, opts ...ClientOption) *Client {
	cfg.defaults()
	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: 30 * time.Second},
		metrics: observability.NopMetrics{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = observability.NewLogger("ActionClient", "")
	}
	return c
}

// Execute carries a plan to a terminal outcome. Invalid payloads are rejected
// before any network traffic. Rate limiting honors Retry-After and consumes
// an attempt from the same budget as server errors; other client errors are
// never retried. Every terminal outcome is audited.
func (c *Client) Execute(ctx context.Context, plan Plan) (Result, error) {
	start := time.Now()
	log := c.logger.WithFields(logrus.Fields{
		"action_id":  plan.ActionID,
		"anomaly_id": plan.AnomalyID,
		"type":       plan.Type,
	})

	if err := plan.Payload.Validate(); err != nil {
		result := Result{
			Status:    StatusClientError,
			Attempts:  0,
			LatencyMS: latencyMS(start),
			Reason:    err.Error(),
		}
		log.WithError(err).Error("payload rejected before transmission")
		c.finish(plan, result)
		return result, err
	}

	body, err := json.Marshal(plan.Payload.Sanitized())
	if err != nil {
		result := Result{
			Status:    StatusClientError,
			Attempts:  0,
			LatencyMS: latencyMS(start),
			Reason:    err.Error(),
		}
		c.finish(plan, result)
		return result, core.Classified(core.KindValidation, err)
	}

	url := c.cfg.BaseURL + plan.Payload.Endpoint()
	var lastCode int
	var lastReason string

	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			result := Result{
				Status:    StatusFailed,
				HTTPCode:  lastCode,
				Attempts:  attempt - 1,
				LatencyMS: latencyMS(start),
				Reason:    "cancelled",
			}
			c.finish(plan, result)
			return result, ctx.Err()
		}

		code, reason, err := c.post(ctx, url, plan.IdempotencyKey, body)
		lastCode, lastReason = code, reason
		if err != nil {
			lastReason = err.Error()
		}

		switch {
		case err == nil && code >= 200 && code < 300:
			result := Result{
				Status:    StatusSuccess,
				HTTPCode:  code,
				Attempts:  attempt,
				LatencyMS: latencyMS(start),
			}
			log.WithFields(logrus.Fields{"http_code": code, "attempts": attempt}).Info("action executed")
			c.finish(plan, result)
			return result, nil

		case err == nil && code == http.StatusTooManyRequests:
			// Rate limiting spends the shared attempt budget so a
			// saturated downstream cannot stall a run indefinitely.
			if attempt < c.cfg.MaxRetries {
				log.WithField("attempt", attempt).Warn("rate limited, honoring Retry-After")
				c.sleepRetryAfter(ctx, reason)
			}

		case err == nil && code >= 400 && code < 500:
			result := Result{
				Status:    StatusClientError,
				HTTPCode:  code,
				Attempts:  attempt,
				LatencyMS: latencyMS(start),
				Reason:    reason,
			}
			log.WithField("http_code", code).Error("action rejected by service")
			c.finish(plan, result)
			return result, core.Classifiedf(core.KindValidation, "action %s rejected with HTTP %d", plan.ActionID, code)

		default:
			// Server errors and transport failures back off exponentially.
			if attempt < c.cfg.MaxRetries {
				log.WithFields(logrus.Fields{"attempt": attempt, "http_code": code}).WithError(err).Warn("action attempt failed")
				c.sleepBackoff(ctx, attempt)
			}
		}
	}

	result := Result{
		Status:    StatusFailed,
		HTTPCode:  lastCode,
		Attempts:  c.cfg.MaxRetries,
		LatencyMS: latencyMS(start),
		Reason:    "Max retries exceeded",
	}
	log.WithFields(logrus.Fields{"http_code": lastCode, "reason": lastReason}).Error("action failed after max retries")
	c.finish(plan, result)
	return result, core.Classifiedf(core.KindExhausted, "action %s failed after %d attempts: %s", plan.ActionID, c.cfg.MaxRetries, lastReason)
}

// post performs one HTTP round trip. For 429 responses the reason carries the
// Retry-After header value; for other non-2xx codes it carries a truncated
// response body.
func (c *Client) post(ctx context.Context, url, idempotencyKey string, body []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, "", core.Classified(core.KindTransient, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", core.Classified(core.KindTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return resp.StatusCode, resp.Header.Get("Retry-After"), nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return resp.StatusCode, string(snippet), nil
}

// sleepRetryAfter waits out a rate limit: the advertised Retry-After (default
// 2s when absent or unparseable) plus a small jitter to spread retries.
func (c *Client) sleepRetryAfter(ctx context.Context, retryAfter string) {
	wait := 2 * time.Second
	if secs, err := strconv.Atoi(retryAfter); err == nil && secs >= 0 {
		wait = time.Duration(secs) * time.Second
	}
	wait += 100*time.Millisecond + time.Duration(rand.Int63n(int64(400*time.Millisecond)))
	sleep(ctx, wait)
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) {
	delay := c.cfg.BaseDelay<<uint(attempt-1) + time.Duration(rand.Int63n(int64(300*time.Millisecond)))
	sleep(ctx, delay)
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// finish audits a terminal outcome and bumps the counter. Audit write
// failures are logged, never escalated; the action already happened.
func (c *Client) finish(plan Plan, result Result) {
	c.metrics.IncCounter("salesops_actions_total", map[string]string{
		"type":   plan.Type,
		"status": result.Status,
	})
	if err := c.auditor.Record(plan, result); err != nil {
		c.logger.WithError(err).Warn(fmt.Sprintf("audit write failed for action %s", plan.ActionID))
	}
}

func latencyMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
