package explainer_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salesops-ai/sentinel/core"
	"github.com/salesops-ai/sentinel/explainer"
)

// scriptedExplainer fails for anomaly IDs in failing, succeeds otherwise.
type scriptedExplainer struct {
	failing map[string]bool
	calls   atomic.Int32
}

func (s *scriptedExplainer) Model() string { return "scripted" }

func (s *scriptedExplainer) Explain(ctx context.Context, anomaly core.Anomaly, history string) (*core.Enrichment, error) {
	s.calls.Add(1)
	if s.failing[anomaly.ID] {
		return nil, errors.New("model unavailable")
	}
	return &core.Enrichment{
		ExplanationShort: "ok: " + anomaly.ID,
		ExplanationFull:  "detail",
		SuggestedActions: []string{},
		Confidence:       core.ConfidenceMedium,
		Meta:             &core.EnrichmentMeta{Model: "scripted", LatencyMS: 1},
	}, nil
}

func anomalies(n int) []core.Anomaly {
	out := make([]core.Anomaly, n)
	for i := range out {
		out[i] = core.Anomaly{ID: fmt.Sprintf("a%d", i), EntityID: "West", Metric: "Sales", Score: 2.0}
	}
	return out
}

func TestBatchPreservesInputOrder(t *testing.T) {
	batch, err := explainer.NewBatch(&scriptedExplainer{}, explainer.BatchConfig{Parallelism: 3})
	require.NoError(t, err)

	results := batch.Explain(context.Background(), anomalies(5))
	require.Len(t, results, 5)
	for i, res := range results {
		assert.Equal(t, fmt.Sprintf("a%d", i), res.ID)
		require.NotNil(t, res.Enrichment)
		assert.Equal(t, "ok: "+res.ID, res.Enrichment.ExplanationShort)
	}
}

func TestBatchRecordsPerItemFailures(t *testing.T) {
	scripted := &scriptedExplainer{failing: map[string]bool{"a1": true}}
	batch, err := explainer.NewBatch(scripted, explainer.BatchConfig{Parallelism: 1, BreakerThreshold: 5})
	require.NoError(t, err)

	results := batch.Explain(context.Background(), anomalies(3))
	require.Len(t, results, 3)
	assert.NotNil(t, results[0].Enrichment)
	assert.Equal(t, "model unavailable", results[1].Error)
	assert.Nil(t, results[1].Enrichment)
	assert.NotNil(t, results[2].Enrichment, "one failure must not poison the batch")
}

func TestBatchCircuitBreakerSkipsRemainder(t *testing.T) {
	scripted := &scriptedExplainer{failing: map[string]bool{
		"a0": true, "a1": true, "a2": true, "a3": true, "a4": true,
	}}
	batch, err := explainer.NewBatch(scripted, explainer.BatchConfig{Parallelism: 1, BreakerThreshold: 1})
	require.NoError(t, err)

	results := batch.Explain(context.Background(), anomalies(5))
	require.Len(t, results, 5)

	failed, skipped := 0, 0
	for _, res := range results {
		switch {
		case res.Skipped:
			skipped++
			assert.Equal(t, "Circuit Breaker Tripped", res.SkippedReason)
			assert.Equal(t, "SKIPPED", res.Error)
		case res.Error != "":
			failed++
		default:
			t.Errorf("anomaly %s neither failed nor skipped", res.ID)
		}
	}
	assert.Equal(t, 1, failed, "threshold 1 trips on the first failure")
	assert.Equal(t, 4, skipped)
	assert.Equal(t, int32(1), scripted.calls.Load(), "tripped breaker must stop model calls")
}

func TestBatchFanOutWithBreaker(t *testing.T) {
	all := map[string]bool{}
	for i := 0; i < 5; i++ {
		all[fmt.Sprintf("a%d", i)] = true
	}
	batch, err := explainer.NewBatch(&scriptedExplainer{failing: all},
		explainer.BatchConfig{Parallelism: 3, BreakerThreshold: 1})
	require.NoError(t, err)

	results := batch.Explain(context.Background(), anomalies(5))
	require.Len(t, results, 5)

	// With parallelism 3 the exact failed/skipped split is racy; every item
	// must still terminate one way or the other.
	for _, res := range results {
		terminal := res.Skipped || res.Error != ""
		assert.True(t, terminal, "anomaly %s has no terminal state", res.ID)
		if res.Skipped {
			assert.Equal(t, "Circuit Breaker Tripped", res.SkippedReason)
		}
	}
}

func TestBatchSuccessResetsFailureStreak(t *testing.T) {
	scripted := &scriptedExplainer{failing: map[string]bool{"a0": true, "a2": true}}
	batch, err := explainer.NewBatch(scripted, explainer.BatchConfig{Parallelism: 1, BreakerThreshold: 2})
	require.NoError(t, err)

	results := batch.Explain(context.Background(), anomalies(4))
	for _, res := range results {
		assert.False(t, res.Skipped, "interleaved successes must keep the breaker closed")
	}
}

func TestBatchWritesAuditTrail(t *testing.T) {
	dir := t.TempDir()
	scripted := &scriptedExplainer{failing: map[string]bool{"a1": true}}
	batch, err := explainer.NewBatch(scripted, explainer.BatchConfig{Parallelism: 1, BreakerThreshold: 5, AuditDir: dir})
	require.NoError(t, err)

	batch.Explain(context.Background(), anomalies(2))

	data, err := os.ReadFile(filepath.Join(dir, "llm_calls.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, string(data), `"SUCCESS"`)
	assert.Contains(t, string(data), `"FAILED"`)

	responses, err := os.ReadDir(filepath.Join(dir, "responses"))
	require.NoError(t, err)
	assert.Len(t, responses, 2, "one raw response file per call")
}
