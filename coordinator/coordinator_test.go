package coordinator_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salesops-ai/sentinel/coordinator"
	"github.com/salesops-ai/sentinel/core"
	"github.com/salesops-ai/sentinel/explainer"
	"github.com/salesops-ai/sentinel/memory"
	"github.com/salesops-ai/sentinel/memory/embedder/mock"
	"github.com/salesops-ai/sentinel/memory/store/inmem"
)

// spikyCSV writes a dataset with guaranteed detectable anomalies: a long flat
// baseline with a handful of enormous single-day spikes.
func spikyCSV(t *testing.T, spikes int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("Order ID,Order Date,Region,Category,Sales,Profit\n")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for day := 0; day < 60; day++ {
		sales := 100.0 + float64(day%3)
		if day >= 40 && day < 40+spikes {
			sales = 50000
		}
		date := start.AddDate(0, 0, day).Format("2006-01-02")
		fmt.Fprintf(&b, "ord-%d,%s,West,Technology,%.2f,10.00\n", day, date, sales)
	}

	path := filepath.Join(t.TempDir(), "sales.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func newMemoryAgent(t *testing.T, dir string) *memory.Agent {
	t.Helper()
	bank, err := memory.NewBank(mock.New(), inmem.New(), memory.Config{
		SnapshotPath: filepath.Join(dir, "memory", "memory_store.json"),
	})
	require.NoError(t, err)
	return memory.NewAgent(bank, nil)
}

func TestRunIDFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^run_\d{8}T\d{6}Z_[0-9a-f]{6}$`)
	a, b := coordinator.NewRunID(), coordinator.NewRunID()
	assert.Regexp(t, pattern, a)
	assert.Regexp(t, pattern, b)
	assert.NotEqual(t, a, b)
}

func TestRunCompletesEndToEnd(t *testing.T) {
	var actionCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actionCalls.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	outDir := t.TempDir()
	coord, err := coordinator.New(outDir, coordinator.DefaultFlowConfig(), coordinator.Deps{
		Explainer:     explainer.DryRun{},
		Memory:        newMemoryAgent(t, outDir),
		ActionBaseURL: srv.URL,
	})
	require.NoError(t, err)

	manifest := coord.Run(context.Background(), spikyCSV(t, 1))
	require.Equal(t, core.RunCompleted, manifest.Status)
	assert.Empty(t, manifest.Error)
	assert.Equal(t, manifest.RunID, coord.RunID())

	statuses := map[string]string{}
	for _, task := range manifest.Tasks {
		statuses[task.TaskID] = task.Status
	}
	for _, id := range []string{"Ingestor", "Detector", "Explainer", "Actor"} {
		assert.Equal(t, core.TaskSuccess, statuses[id], "stage %s", id)
	}

	for _, key := range []string{"snapshot", "anomalies", "explanations", "actions_log"} {
		path, ok := manifest.Artifacts[key]
		require.True(t, ok, "missing artifact %s", key)
		_, err := os.Stat(path)
		assert.NoError(t, err, "artifact %s must exist on disk", key)
	}

	assert.Positive(t, actionCalls.Load(), "the spike must trigger at least one action")

	recorded, err := coord.Ledger().ReadAll()
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, manifest.RunID, recorded[0].RunID)
	assert.Equal(t, core.RunCompleted, recorded[0].Status)
}

func TestRunDryRunSkipsActions(t *testing.T) {
	var actionCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actionCalls.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	cfg := coordinator.DefaultFlowConfig()
	cfg.DryRun = true

	coord, err := coordinator.New(t.TempDir(), cfg, coordinator.Deps{
		Explainer:     explainer.DryRun{},
		ActionBaseURL: srv.URL,
	})
	require.NoError(t, err)

	manifest := coord.Run(context.Background(), spikyCSV(t, 1))
	require.Equal(t, core.RunCompleted, manifest.Status)
	assert.Equal(t, int32(0), actionCalls.Load())

	for _, task := range manifest.Tasks {
		assert.NotEqual(t, "Actor", task.TaskID, "dry run must not reach the action stage")
	}
}

func TestRunFailureStillAppendsManifest(t *testing.T) {
	coord, err := coordinator.New(t.TempDir(), coordinator.DefaultFlowConfig(), coordinator.Deps{
		Explainer: explainer.DryRun{},
	})
	require.NoError(t, err)

	manifest := coord.Run(context.Background(), filepath.Join(t.TempDir(), "absent.csv"))
	require.Equal(t, core.RunFailed, manifest.Status)
	assert.NotEmpty(t, manifest.Error)

	require.NotEmpty(t, manifest.Tasks)
	ingestTask := manifest.Tasks[len(manifest.Tasks)-1]
	assert.Equal(t, "Ingestor", ingestTask.TaskID)
	assert.Equal(t, core.TaskFailed, ingestTask.Status)
	assert.Equal(t, 3, ingestTask.Attempts)

	recorded, err := coord.Ledger().ReadAll()
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, core.RunFailed, recorded[0].Status)
}

// downExplainer always fails, for exercising the circuit breaker end to end.
type downExplainer struct{}

func (downExplainer) Model() string { return "down" }

func (downExplainer) Explain(ctx context.Context, anomaly core.Anomaly, history string) (*core.Enrichment, error) {
	return nil, errors.New("model unavailable")
}

func TestRunWithTrippedBreakerStillCompletes(t *testing.T) {
	cfg := coordinator.DefaultFlowConfig()
	cfg.Parallelism = 3
	cfg.BreakerThreshold = 1
	cfg.ConfirmActions = false

	outDir := t.TempDir()
	coord, err := coordinator.New(outDir, cfg, coordinator.Deps{Explainer: downExplainer{}})
	require.NoError(t, err)

	manifest := coord.Run(context.Background(), spikyCSV(t, 5))
	require.Equal(t, core.RunCompleted, manifest.Status, "per-item explainer failures degrade, not fail, the run")

	data, err := os.ReadFile(manifest.Artifacts["explanations"])
	require.NoError(t, err)
	var enriched []core.EnrichedAnomaly
	require.NoError(t, json.Unmarshal(data, &enriched))
	require.Len(t, enriched, cfg.TopAnomalies)

	failed, skipped := 0, 0
	for _, item := range enriched {
		switch {
		case item.Skipped:
			skipped++
			assert.Equal(t, "Circuit Breaker Tripped", item.SkippedReason)
		case item.Error != "":
			failed++
		default:
			t.Errorf("anomaly %s has no terminal outcome", item.ID)
		}
	}
	assert.Equal(t, cfg.TopAnomalies, failed+skipped)
	assert.Positive(t, skipped, "threshold 1 must skip at least some of the batch")
}

func TestLoadFlowConfigLayersOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("parallelism: 7\ndry_run: true\n"), 0o644))

	cfg, err := coordinator.LoadFlowConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Parallelism)
	assert.True(t, cfg.DryRun)
	assert.Equal(t, 5, cfg.TopAnomalies, "unset keys keep defaults")
	assert.True(t, cfg.ConfirmActions)
}
