// Package task runs units of work under a deadline with bounded retries,
// exponential backoff, and cooperative cancellation. The deadline is enforced
// externally: an attempt that overruns is abandoned, not trusted to stop
// itself.
package task

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/salesops-ai/sentinel/core"
	"github.com/salesops-ai/sentinel/observability"
)

// Work is one unit of work. The context carries the attempt deadline so
// well-behaved work can stop early, but the executor does not rely on it.
type Work func(ctx context.Context) (any, error)

// Spec describes one task submission.
type Spec struct {
	// TaskID names the task in the run log.
	TaskID string

	// Timeout bounds each attempt. Default 60s.
	Timeout time.Duration

	// Retries is the number of additional attempts after the first.
	Retries int

	// BaseDelay seeds the exponential backoff. Default 1s.
	BaseDelay time.Duration

	// JitterMax bounds the random addition to each backoff. Default 500ms.
	JitterMax time.Duration
}

func (s *Spec) defaults() {
	if s.Timeout <= 0 {
		s.Timeout = 60 * time.Second
	}
	if s.BaseDelay <= 0 {
		s.BaseDelay = time.Second
	}
	if s.JitterMax <= 0 {
		s.JitterMax = 500 * time.Millisecond
	}
}

// LogSink receives every terminal task outcome. Implementations must be safe
// for concurrent writers; fan-out stages submit from multiple goroutines.
type LogSink interface {
	Record(outcome core.TaskOutcome)
}

// ErrCancelled is returned when the task's context was cancelled before an
// attempt started.
var ErrCancelled = errors.New("task cancelled")

// ExhaustedError reports a spent retry budget, carrying the last observed
// error and its classification.
type ExhaustedError struct {
	TaskID   string
	Attempts int
	LastErr  error
	LastKind core.ErrorKind
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("task %s exhausted after %d attempts: %v", e.TaskID, e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error {
	return e.LastErr
}

// Executor runs tasks. It holds no shared mutable state beyond the log sink,
// metrics, and logger, all of which are concurrency-safe.
type Executor struct {
	sink    LogSink
	metrics observability.Metrics
	logger  *logrus.Entry
}

// Option configures the executor.
type Option func(*Executor)

// WithMetrics sets the metrics sink.
func WithMetrics(m observability.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithLogger sets the component logger.
func WithLogger(l *logrus.Entry) Option {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates an executor recording outcomes to sink.
func NewExecutor(sink LogSink, opts ...Option) *Executor {
	e := &Executor{sink: sink, metrics: observability.NopMetrics{}}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = observability.NewLogger("TaskExecutor", "")
	}
	return e
}

type attemptResult struct {
	value any
	err   error
}

// Execute runs work under spec. Timeouts count as retryable failures; other
// errors consume the retry budget as well. Cancellation is checked at the
// start of each attempt, never mid-attempt. On exhaustion the last error is
// returned wrapped in an ExhaustedError, and the failure is recorded in the
// task log exactly like every other terminal outcome.
func (e *Executor) Execute(ctx context.Context, spec Spec, work Work) (any, error) {
	spec.defaults()

	var lastErr error
	start := time.Now()
	startTS := core.Timestamp(start)

	for attempt := 0; attempt <= spec.Retries; attempt++ {
		if ctx.Err() != nil {
			e.record(core.TaskOutcome{
				TaskID:   spec.TaskID,
				Status:   core.TaskCancelled,
				Attempts: attempt,
				StartTS:  startTS,
				EndTS:    core.Now(),
			})
			e.metrics.IncCounter("salesops_tasks_total", map[string]string{"status": core.TaskCancelled})
			return nil, ErrCancelled
		}

		value, err := e.runAttempt(ctx, spec, work)
		if err == nil {
			e.record(core.TaskOutcome{
				TaskID:     spec.TaskID,
				Status:     core.TaskSuccess,
				Attempts:   attempt + 1,
				DurationMS: durationMS(start),
				StartTS:    startTS,
				EndTS:      core.Now(),
			})
			e.metrics.IncCounter("salesops_tasks_total", map[string]string{"status": core.TaskSuccess})
			return value, nil
		}

		lastErr = err
		e.logger.WithFields(logrus.Fields{
			"task_id": spec.TaskID,
			"attempt": attempt + 1,
			"kind":    string(core.KindOf(err)),
		}).WithError(err).Warn("task attempt failed")

		if attempt < spec.Retries {
			e.backoff(ctx, spec, attempt)
		}
	}

	kind := core.KindOf(lastErr)
	e.record(core.TaskOutcome{
		TaskID:     spec.TaskID,
		Status:     core.TaskFailed,
		Attempts:   spec.Retries + 1,
		DurationMS: durationMS(start),
		StartTS:    startTS,
		EndTS:      core.Now(),
		Error:      lastErr.Error(),
		ErrorKind:  string(kind),
	})
	e.metrics.IncCounter("salesops_tasks_total", map[string]string{"status": core.TaskFailed})

	return nil, core.Classified(core.KindExhausted, &ExhaustedError{
		TaskID:   spec.TaskID,
		Attempts: spec.Retries + 1,
		LastErr:  lastErr,
		LastKind: kind,
	})
}

// runAttempt runs work in its own goroutine and abandons it at the deadline.
// The goroutine may keep running in the background; its result is discarded.
// That leak is a deliberate trade-off, bounded by the caller's parallelism.
func (e *Executor) runAttempt(ctx context.Context, spec Spec, work Work) (any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, spec.Timeout)

	resultCh := make(chan attemptResult, 1)
	go func() {
		value, err := work(attemptCtx)
		resultCh <- attemptResult{value: value, err: err}
	}()

	timer := time.NewTimer(spec.Timeout)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		cancel()
		return res.value, res.err
	case <-timer.C:
		cancel()
		return nil, core.Classifiedf(core.KindTimeout, "task %s exceeded %s deadline", spec.TaskID, spec.Timeout)
	}
}

// backoff sleeps base_delay * 2^attempt plus uniform jitter. A cancelled
// context cuts the sleep short; the cancellation itself is handled at the
// next attempt boundary.
func (e *Executor) backoff(ctx context.Context, spec Spec, attempt int) {
	delay := spec.BaseDelay<<uint(attempt) + time.Duration(rand.Int63n(int64(spec.JitterMax)))
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}

func (e *Executor) record(outcome core.TaskOutcome) {
	if e.sink != nil {
		e.sink.Record(outcome)
	}
}

func durationMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
