package explainer

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salesops-ai/sentinel/core"
)

func TestParseEnrichmentComplete(t *testing.T) {
	raw := `{
		"explanation_short": "Sales spiked.",
		"explanation_full": "Sales spiked well above the rolling mean.",
		"suggested_actions": ["Check promo calendar", "Verify data feed"],
		"confidence": "High",
		"needs_human_review": false
	}`

	enrichment, err := ParseEnrichment(raw)
	require.NoError(t, err)
	assert.Equal(t, "Sales spiked.", enrichment.ExplanationShort)
	assert.Equal(t, []string{"Check promo calendar", "Verify data feed"}, enrichment.SuggestedActions)
	assert.Equal(t, core.ConfidenceHigh, enrichment.Confidence)
	assert.False(t, enrichment.NeedsHumanReview)
	assert.Empty(t, enrichment.SchemaError)
}

func TestParseEnrichmentSubstitutesMissingKeys(t *testing.T) {
	enrichment, err := ParseEnrichment(`{"confidence": "Low"}`)
	require.NoError(t, err)

	assert.Equal(t, "N/A (Schema Error)", enrichment.ExplanationShort)
	assert.Equal(t, "N/A (Schema Error)", enrichment.ExplanationFull)
	assert.Equal(t, []string{}, enrichment.SuggestedActions)
	assert.True(t, enrichment.NeedsHumanReview, "missing review flag defaults to true")
	assert.Equal(t, "Low", enrichment.Confidence)

	assert.Contains(t, enrichment.SchemaError, "explanation_short")
	assert.Contains(t, enrichment.SchemaError, "needs_human_review")
	assert.NotContains(t, enrichment.SchemaError, "confidence")
}

func TestParseEnrichmentWrapsBareActionString(t *testing.T) {
	enrichment, err := ParseEnrichment(`{
		"explanation_short": "s", "explanation_full": "f",
		"suggested_actions": "Just one action",
		"confidence": "Medium", "needs_human_review": true
	}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"Just one action"}, enrichment.SuggestedActions)
	assert.Empty(t, enrichment.SchemaError)
}

func TestParseEnrichmentStripsMarkdownFences(t *testing.T) {
	raw := "```json\n{\"explanation_short\": \"s\", \"explanation_full\": \"f\", \"suggested_actions\": [], \"confidence\": \"High\", \"needs_human_review\": false}\n```"
	enrichment, err := ParseEnrichment(raw)
	require.NoError(t, err)
	assert.Equal(t, "s", enrichment.ExplanationShort)
}

func TestParseEnrichmentRejectsNonJSON(t *testing.T) {
	_, err := ParseEnrichment("I cannot answer that.")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindValidation))
}

func TestBuildPromptRedactsEntityIdentifiers(t *testing.T) {
	prompt := BuildPrompt(core.Anomaly{
		EntityID: "CUST-4471",
		Metric:   "Sales",
		Value:    1000,
		Expected: 500,
		Score:    3.2,
	}, "")

	assert.NotContains(t, prompt, "CUST-4471")
	assert.Contains(t, prompt, "REDACTED_")
	assert.Contains(t, prompt, "No history available.")
}

func TestBuildPromptKeepsPlainEntities(t *testing.T) {
	prompt := BuildPrompt(core.Anomaly{EntityID: "West", Metric: "Sales"}, "some history")
	assert.Contains(t, prompt, "Entity: West")
	assert.Contains(t, prompt, "some history")
}

func TestBuildPromptCapsLength(t *testing.T) {
	ctx := map[string]any{}
	for i := 0; i < 500; i++ {
		ctx[strings.Repeat("k", 40)+string(rune('a'+i%26))] = float64(i)
	}
	prompt := BuildPrompt(core.Anomaly{EntityID: "West", Context: ctx}, strings.Repeat("history ", 2000))
	assert.LessOrEqual(t, len(prompt), maxPromptChars)
}

func TestDryRunExplainer(t *testing.T) {
	enrichment, err := DryRun{}.Explain(context.Background(), core.Anomaly{ID: "a1"}, "")
	require.NoError(t, err)
	assert.Equal(t, "[DRY RUN]", enrichment.ExplanationShort)
	assert.Equal(t, core.ConfidenceHigh, enrichment.Confidence)
}
