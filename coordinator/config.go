package coordinator

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/salesops-ai/sentinel/core"
)

// FlowConfig tunes one pipeline run. Zero values fall back to the defaults
// from DefaultFlowConfig, so a partial YAML file only overrides what it names.
type FlowConfig struct {
	// Parallelism bounds concurrent explainer calls.
	Parallelism int `yaml:"parallelism"`

	// ConfirmActions gates the action stage entirely.
	ConfirmActions bool `yaml:"confirm_actions"`

	// TopAnomalies caps how many detector findings reach the explainer.
	TopAnomalies int `yaml:"top_anomalies"`

	// BreakerThreshold is the explainer circuit-breaker trip count.
	BreakerThreshold int `yaml:"breaker_threshold"`

	// DryRun suppresses all external side effects.
	DryRun bool `yaml:"dry_run"`
}

// DefaultFlowConfig returns the standard run configuration.
func DefaultFlowConfig() FlowConfig {
	return FlowConfig{
		Parallelism:      3,
		ConfirmActions:   true,
		TopAnomalies:     5,
		BreakerThreshold: 5,
	}
}

// LoadFlowConfig reads a YAML flow config, layering it over the defaults.
func LoadFlowConfig(path string) (FlowConfig, error) {
	cfg := DefaultFlowConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, core.Classified(core.KindStorage, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, core.Classified(core.KindValidation, err)
	}
	return cfg, nil
}

// asMap renders the config for the run manifest.
func (c FlowConfig) asMap() map[string]any {
	return map[string]any{
		"parallelism":       c.Parallelism,
		"confirm_actions":   c.ConfirmActions,
		"top_anomalies":     c.TopAnomalies,
		"breaker_threshold": c.BreakerThreshold,
		"dry_run":           c.DryRun,
	}
}
