package memory_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salesops-ai/sentinel/core"
	"github.com/salesops-ai/sentinel/memory"
)

func TestRememberResolutionStoresAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory_store.json")
	bank := newBank(t, memory.Config{SnapshotPath: path})
	agent := memory.NewAgent(bank, nil)
	ctx := context.Background()

	item := core.EnrichedAnomaly{
		Anomaly: core.Anomaly{ID: "z1", EntityID: "West", Metric: "Sales", Score: 3.4},
		Enrichment: &core.Enrichment{
			ExplanationShort: "Regional spike.",
		},
	}
	require.NoError(t, agent.RememberResolution(ctx, item, "create_ticket"))
	assert.Equal(t, 1, bank.Count())

	results, err := bank.Recall(ctx, "Anomaly in West", 1, nil, -1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Text, "Anomaly in West (Sales)")
	assert.Contains(t, results[0].Text, "Action Taken: create_ticket")
	assert.Equal(t, "resolution", results[0].Metadata["type"])
	assert.Equal(t, "West", results[0].Metadata["entity"])

	// RememberResolution saves immediately; a fresh bank must see the entry.
	restored := newBank(t, memory.Config{SnapshotPath: path})
	assert.Equal(t, 1, restored.Count())
}

func TestRelevantHistoryEmptyBank(t *testing.T) {
	agent := memory.NewAgent(newBank(t, memory.Config{}), nil)

	history := agent.RelevantHistory(context.Background(), core.Anomaly{
		EntityID: "West", Metric: "Sales", Level: "region",
	})
	assert.Equal(t, "No relevant past events found.", history)
}

func TestRelevantHistoryFormatsMatches(t *testing.T) {
	bank := newBank(t, memory.Config{})
	agent := memory.NewAgent(bank, nil)
	ctx := context.Background()

	// Store under the exact query text so the hash embedder scores it 1.0.
	query := "Anomaly West Sales region"
	_, err := bank.Upsert(ctx, "h1", query, nil, 0)
	require.NoError(t, err)

	history := agent.RelevantHistory(ctx, core.Anomaly{
		EntityID: "West", Metric: "Sales", Level: "region",
	})
	assert.Contains(t, history, "**Relevant Past Events (Learned History):**")
	assert.Contains(t, history, query)
	assert.Contains(t, history, "(Sim: 1.00)")
}
