// Command sentinel runs the SalesOps anomaly-response pipeline: ingest a
// sales CSV, detect statistical anomalies, explain them with an LLM enriched
// by learned history, and execute remediation actions against the operations
// service.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/salesops-ai/sentinel/coordinator"
	"github.com/salesops-ai/sentinel/explainer"
	"github.com/salesops-ai/sentinel/ledger"
	"github.com/salesops-ai/sentinel/memory"
	"github.com/salesops-ai/sentinel/memory/embedder/mock"
	"github.com/salesops-ai/sentinel/memory/store/chromem"
	"github.com/salesops-ai/sentinel/memory/store/inmem"
	"github.com/salesops-ai/sentinel/observability"
)

var (
	flagData      string
	flagOutputDir string
	flagConfig    string
	flagWorkers   int
	flagDryRun    bool
	flagActionURL string
	flagStore     string
)

func main() {
	root := &cobra.Command{
		Use:   "sentinel",
		Short: "SalesOps anomaly detection and response pipeline",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Local .env is optional; real deployments use the environment.
			_ = godotenv.Load()
		},
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one full pipeline run over a sales CSV",
		RunE:  runPipeline,
	}
	runCmd.Flags().StringVar(&flagData, "data", "", "path to the raw sales CSV (required)")
	runCmd.Flags().StringVar(&flagOutputDir, "output-dir", "outputs", "root directory for run artifacts")
	runCmd.Flags().StringVar(&flagConfig, "config", "", "optional YAML flow config")
	runCmd.Flags().IntVar(&flagWorkers, "workers", 0, "explainer parallelism (overrides config)")
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "suppress external side effects")
	runCmd.Flags().StringVar(&flagActionURL, "action-url", "", "operations service base URL (defaults to $ACTION_API_URL)")
	runCmd.Flags().StringVar(&flagStore, "store", "inmem", "vector store backend: inmem or chromem")
	_ = runCmd.MarkFlagRequired("data")

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List manifests recorded in the run ledger",
		RunE:  listRuns,
	}
	runsCmd.Flags().StringVar(&flagOutputDir, "output-dir", "outputs", "root directory for run artifacts")

	root.AddCommand(runCmd, runsCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runPipeline(cmd *cobra.Command, args []string) error {
	obsDir := filepath.Join(flagOutputDir, "observability")
	logger := observability.NewLogger("Sentinel", obsDir)

	cfg := coordinator.DefaultFlowConfig()
	if flagConfig != "" {
		loaded, err := coordinator.LoadFlowConfig(flagConfig)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if flagWorkers > 0 {
		cfg.Parallelism = flagWorkers
	}
	if flagDryRun {
		cfg.DryRun = true
	}

	metrics := observability.NewInMemoryMetrics()
	tracer, err := observability.NewTracer(obsDir, logger)
	if err != nil {
		return err
	}

	memAgent, err := buildMemory(obsDir, metrics)
	if err != nil {
		logger.WithError(err).Warn("memory disabled, runs will use history-free prompts")
	}

	expl := buildExplainer(cfg.DryRun, metrics, logger)

	actionURL := flagActionURL
	if actionURL == "" {
		actionURL = os.Getenv("ACTION_API_URL")
	}
	if actionURL == "" {
		actionURL = "http://localhost:7777"
	}

	coord, err := coordinator.New(flagOutputDir, cfg, coordinator.Deps{
		Explainer:     expl,
		Memory:        memAgent,
		ActionBaseURL: actionURL,
		Metrics:       metrics,
		Tracer:        tracer,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	manifest := coord.Run(cmd.Context(), flagData)

	if err := metrics.SaveSnapshot(filepath.Join(obsDir, "metrics.json")); err != nil {
		logger.WithError(err).Warn("metrics snapshot failed")
	}

	fmt.Printf("run %s finished: %s (%d tasks, %d artifacts)\n",
		manifest.RunID, manifest.Status, len(manifest.Tasks), len(manifest.Artifacts))
	if manifest.Status != "completed" {
		return fmt.Errorf("run %s: %s", manifest.RunID, manifest.Error)
	}
	return nil
}

// buildMemory assembles the semantic memory stack. Failures degrade the run
// rather than aborting it; the caller treats a nil agent as "no memory".
func buildMemory(obsDir string, metrics observability.Metrics) (*memory.Agent, error) {
	var store memory.VectorStore
	switch flagStore {
	case "chromem":
		s, err := chromem.New()
		if err != nil {
			return nil, err
		}
		store = s
	default:
		store = inmem.New()
	}

	bank, err := memory.NewBank(mock.New(), store, memory.Config{
		SnapshotPath: filepath.Join(flagOutputDir, "memory", "memory_store.json"),
		AuditPath:    filepath.Join(obsDir, "memory_audit.jsonl"),
	}, memory.WithMetrics(metrics))
	if err != nil {
		return nil, err
	}
	return memory.NewAgent(bank, nil), nil
}

// buildExplainer picks the real model when a key is present, falling back to
// the dry-run explainer otherwise.
func buildExplainer(dryRun bool, metrics observability.Metrics, logger *logrus.Entry) explainer.Explainer {
	key := os.Getenv("ANTHROPIC_API_KEY")
	if dryRun || key == "" {
		if key == "" && !dryRun {
			logger.Warn("ANTHROPIC_API_KEY missing, falling back to dry-run explainer")
		}
		return explainer.DryRun{}
	}
	return explainer.NewAnthropic(key, explainer.WithMetrics(metrics))
}

func listRuns(cmd *cobra.Command, args []string) error {
	ld := ledger.New(filepath.Join(flagOutputDir, "observability", "a2a_runs.jsonl"))
	manifests, err := ld.ReadAll()
	if err != nil {
		return err
	}
	if len(manifests) == 0 {
		fmt.Println("no runs recorded")
		return nil
	}
	for _, m := range manifests {
		fmt.Printf("%s  %-9s  tasks=%d  %s\n", m.RunID, m.Status, len(m.Tasks), m.StartTS)
	}
	return nil
}
