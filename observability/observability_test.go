package observability_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salesops-ai/sentinel/observability"
)

func TestInMemoryMetricsCounters(t *testing.T) {
	m := observability.NewInMemoryMetrics()

	labels := map[string]string{"status": "success"}
	m.IncCounter("salesops_tasks_total", labels)
	m.IncCounter("salesops_tasks_total", labels)
	m.IncCounter("salesops_tasks_total", map[string]string{"status": "failed"})

	assert.Equal(t, 2.0, m.Counter("salesops_tasks_total", labels))
	assert.Equal(t, 1.0, m.Counter("salesops_tasks_total", map[string]string{"status": "failed"}))
	assert.Equal(t, 0.0, m.Counter("salesops_tasks_total", map[string]string{"status": "cancelled"}))
}

func TestInMemoryMetricsConcurrentWriters(t *testing.T) {
	m := observability.NewInMemoryMetrics()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.IncCounter("salesops_runs_total", nil)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1000.0, m.Counter("salesops_runs_total", nil))
}

func TestMetricsSnapshotExportsLatencySeries(t *testing.T) {
	m := observability.NewInMemoryMetrics()
	m.ObserveLatency("salesops_llm_latency", nil, 10*time.Millisecond)
	m.ObserveLatency("salesops_llm_latency", nil, 20*time.Millisecond)

	byName := map[string]float64{}
	for _, s := range m.Snapshot() {
		byName[s.Name] = s.Value
	}
	assert.Equal(t, 2.0, byName["salesops_llm_latency_ms_count"])
	assert.InDelta(t, 30.0, byName["salesops_llm_latency_ms_sum"], 0.5)
}

func TestMetricsSaveSnapshot(t *testing.T) {
	m := observability.NewInMemoryMetrics()
	m.IncCounter("salesops_runs_total", map[string]string{"status": "completed"})

	path := filepath.Join(t.TempDir(), "obs", "metrics.json")
	require.NoError(t, m.SaveSnapshot(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var samples []observability.Sample
	require.NoError(t, json.Unmarshal(data, &samples))
	require.Len(t, samples, 1)
	assert.Equal(t, "salesops_runs_total", samples[0].Name)
	assert.Equal(t, "completed", samples[0].Labels["status"])
}

func TestJSONLWriterAppendsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "events.jsonl")
	w, err := observability.NewJSONLWriter(path)
	require.NoError(t, err)

	require.NoError(t, w.Append(map[string]any{"op": "first"}))
	require.NoError(t, w.Append(map[string]any{"op": "second"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		var decoded map[string]any
		assert.NoError(t, json.Unmarshal([]byte(line), &decoded))
	}
}

func TestTracerLinksChildSpans(t *testing.T) {
	dir := t.TempDir()
	tracer, err := observability.NewTracer(dir, nil)
	require.NoError(t, err)

	ctx := context.Background()
	ctx, finishParent := tracer.StartSpan(ctx, "coordinator.run_flow")
	parent, ok := observability.SpanFromContext(ctx)
	require.True(t, ok)

	childCtx, finishChild := tracer.StartSpan(ctx, "coordinator.ingest")
	child, ok := observability.SpanFromContext(childCtx)
	require.True(t, ok)
	assert.Equal(t, parent.TraceID, child.TraceID)
	assert.Equal(t, parent.SpanID, child.ParentSpanID)

	finishChild(errors.New("disk full"))
	finishParent(nil)

	data, err := os.ReadFile(filepath.Join(dir, "trace_spans.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var first, second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "coordinator.ingest", first["name"])
	assert.Equal(t, "ERROR", first["status"])
	assert.Equal(t, "disk full", first["error"])
	assert.Equal(t, "coordinator.run_flow", second["name"])
	assert.Equal(t, "OK", second["status"])
}

func TestNilTracerIsValid(t *testing.T) {
	var tracer *observability.Tracer
	ctx, finish := tracer.StartSpan(context.Background(), "noop")
	assert.NotNil(t, ctx)
	finish(nil)
}

func TestLoggerWritesJSONLFile(t *testing.T) {
	dir := t.TempDir()
	logger := observability.NewLogger("TestComponent", dir)
	logger.WithField("run_id", "run_x").Info("hello from test")

	data, err := os.ReadFile(filepath.Join(dir, "test_component.jsonl"))
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.Split(strings.TrimSpace(string(data)), "\n")[0]), &entry))
	assert.Equal(t, "hello from test", entry["message"])
	assert.Equal(t, "TestComponent", entry["component"])
	assert.Equal(t, "run_x", entry["run_id"])
}
