package observability

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type ctxKey int

const spanCtxKey ctxKey = iota

// SpanContext identifies the active span. It is threaded through calls as an
// explicit context value rather than ambient process state.
type SpanContext struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
}

// SpanFromContext returns the span carried by ctx, if any.
func SpanFromContext(ctx context.Context) (SpanContext, bool) {
	sc, ok := ctx.Value(spanCtxKey).(SpanContext)
	return sc, ok
}

// spanRecord is one line in trace_spans.jsonl.
type spanRecord struct {
	SpanID       string  `json:"span_id"`
	TraceID      string  `json:"trace_id"`
	ParentSpanID string  `json:"parent_span_id,omitempty"`
	Name         string  `json:"name"`
	StartTS      string  `json:"start_ts"`
	EndTS        string  `json:"end_ts"`
	DurationMS   float64 `json:"duration_ms"`
	Status       string  `json:"status"`
	Error        string  `json:"error,omitempty"`
}

// Tracer writes operation spans to a JSONL file. A nil Tracer is valid and
// records nothing.
type Tracer struct {
	spans  *JSONLWriter
	logger *logrus.Entry
}

// NewTracer creates a tracer appending to <dir>/trace_spans.jsonl.
func NewTracer(dir string, logger *logrus.Entry) (*Tracer, error) {
	w, err := NewJSONLWriter(dir + "/trace_spans.jsonl")
	if err != nil {
		return nil, err
	}
	return &Tracer{spans: w, logger: logger}, nil
}

// StartSpan opens a span named name under whatever span ctx already carries,
// returning a derived context and a finish function. Pass the operation error
// (or nil) to finish; the span record is appended either way.
func (t *Tracer) StartSpan(ctx context.Context, name string) (context.Context, func(err error)) {
	if t == nil {
		return ctx, func(error) {}
	}

	parent, _ := SpanFromContext(ctx)
	sc := SpanContext{
		TraceID:      parent.TraceID,
		SpanID:       uuid.New().String(),
		ParentSpanID: parent.SpanID,
	}
	if sc.TraceID == "" {
		sc.TraceID = uuid.New().String()
	}

	start := time.Now()
	ctx = context.WithValue(ctx, spanCtxKey, sc)

	return ctx, func(opErr error) {
		rec := spanRecord{
			SpanID:       sc.SpanID,
			TraceID:      sc.TraceID,
			ParentSpanID: sc.ParentSpanID,
			Name:         name,
			StartTS:      start.UTC().Format(time.RFC3339Nano),
			EndTS:        time.Now().UTC().Format(time.RFC3339Nano),
			DurationMS:   float64(time.Since(start).Microseconds()) / 1000.0,
			Status:       "OK",
		}
		if opErr != nil {
			rec.Status = "ERROR"
			rec.Error = opErr.Error()
		}
		if err := t.spans.Append(rec); err != nil && t.logger != nil {
			t.logger.WithError(err).Warn("failed to write span")
		}
	}
}
