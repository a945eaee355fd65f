// Package coordinator orchestrates the anomaly-response pipeline: ingest,
// detect, explain, act. Each stage runs as a supervised task with its own
// timeout and retry budget; per-item failures inside a stage degrade the
// output instead of failing the run, and every run ends with exactly one
// manifest appended to the shared ledger.
package coordinator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/salesops-ai/sentinel/action"
	"github.com/salesops-ai/sentinel/core"
	"github.com/salesops-ai/sentinel/detector"
	"github.com/salesops-ai/sentinel/explainer"
	"github.com/salesops-ai/sentinel/ingest"
	"github.com/salesops-ai/sentinel/ledger"
	"github.com/salesops-ai/sentinel/memory"
	"github.com/salesops-ai/sentinel/observability"
	"github.com/salesops-ai/sentinel/task"
)

// topAnomaliesInPayload caps the detector payload's ranked head.
const topAnomaliesInPayload = 50

// NewRunID mints a sortable run identifier: a second-resolution UTC stamp
// plus random hex to disambiguate runs within the same second.
func NewRunID() string {
	buf := make([]byte, 3)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("run_%s_%s", time.Now().UTC().Format("20060102T150405Z"), hex.EncodeToString(buf))
}

// runLog collects task outcomes across concurrently executing stages.
type runLog struct {
	mu       sync.Mutex
	outcomes []core.TaskOutcome
}

func (l *runLog) Record(outcome core.TaskOutcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outcomes = append(l.outcomes, outcome)
}

func (l *runLog) Outcomes() []core.TaskOutcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]core.TaskOutcome, len(l.outcomes))
	copy(out, l.outcomes)
	return out
}

// Deps are the collaborators a Coordinator drives. Explainer is required;
// Memory is optional (runs degrade to history-free prompts without it).
type Deps struct {
	Explainer     explainer.Explainer
	Memory        *memory.Agent
	ActionBaseURL string
	Metrics       observability.Metrics
	Tracer        *observability.Tracer
	Logger        *logrus.Entry
}

// Coordinator owns one run from ingestion to manifest append.
type Coordinator struct {
	runID   string
	cfg     FlowConfig
	runDir  string
	deps    Deps
	runLog  *runLog
	exec    *task.Executor
	batch   *explainer.Batch
	planner *action.Planner
	client  *action.Client
	ledger  *ledger.Ledger
	logger  *logrus.Entry

	mu        sync.Mutex
	artifacts map[string]string
}

// New creates a coordinator rooted at outputDir. Per-run artifacts land under
// <outputDir>/runs/<run id>; the shared manifest ledger and LLM audit trail
// live under <outputDir>/observability.
func New(outputDir string, cfg FlowConfig, deps Deps) (*Coordinator, error) {
	runID := NewRunID()
	runDir := filepath.Join(outputDir, "runs", runID)
	obsDir := filepath.Join(outputDir, "observability")
	for _, dir := range []string{runDir, obsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, core.Classified(core.KindStorage, err)
		}
	}

	if deps.Metrics == nil {
		deps.Metrics = observability.NopMetrics{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewLogger("Coordinator", obsDir)
	}
	logger = logger.WithField("run_id", runID)

	log := &runLog{}

	batchOpts := []explainer.BatchOption{explainer.WithBatchMetrics(deps.Metrics)}
	if deps.Memory != nil {
		batchOpts = append(batchOpts, explainer.WithHistory(deps.Memory))
	}
	batch, err := explainer.NewBatch(deps.Explainer, explainer.BatchConfig{
		Parallelism:      cfg.Parallelism,
		BreakerThreshold: cfg.BreakerThreshold,
		AuditDir:         obsDir,
	}, batchOpts...)
	if err != nil {
		return nil, err
	}

	auditor, err := action.NewAuditor(filepath.Join(runDir, "actions.jsonl"))
	if err != nil {
		return nil, err
	}
	client := action.NewClient(action.ClientConfig{BaseURL: deps.ActionBaseURL},
		action.WithAuditor(auditor),
		action.WithClientMetrics(deps.Metrics),
	)

	return &Coordinator{
		runID:   runID,
		cfg:     cfg,
		runDir:  runDir,
		deps:    deps,
		runLog:  log,
		exec:    task.NewExecutor(log, task.WithMetrics(deps.Metrics), task.WithLogger(logger)),
		batch:   batch,
		planner: action.NewPlanner(action.PlannerConfig{}),
		client:  client,
		ledger: ledger.New(filepath.Join(obsDir, "a2a_runs.jsonl"),
			ledger.WithLogger(logger), ledger.WithMetrics(deps.Metrics)),
		logger:    logger,
		artifacts: map[string]string{},
	}, nil
}

// RunID returns this run's identifier.
func (c *Coordinator) RunID() string { return c.runID }

// Ledger exposes the manifest ledger, mainly for post-run inspection.
func (c *Coordinator) Ledger() *ledger.Ledger { return c.ledger }

func (c *Coordinator) addArtifact(key, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.artifacts[key] = path
}

func (c *Coordinator) artifactMap() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.artifacts))
	for k, v := range c.artifacts {
		out[k] = v
	}
	return out
}

// Run drives the whole pipeline for one CSV input and returns the finalized
// manifest. The manifest is appended to the ledger on every path, success or
// failure; a ledger write failure is logged but does not fail the run.
func (c *Coordinator) Run(ctx context.Context, csvPath string) core.RunManifest {
	c.logger.WithField("input", csvPath).Info("starting run")
	ctx, finish := c.deps.Tracer.StartSpan(ctx, "coordinator.run_flow")

	manifest := core.RunManifest{
		RunID:          c.runID,
		ConversationID: c.runID,
		StartTS:        core.Now(),
		Status:         core.RunRunning,
		Config:         c.cfg.asMap(),
	}

	err := c.pipeline(ctx, csvPath)
	if err != nil {
		manifest.Status = core.RunFailed
		manifest.Error = err.Error()
		c.logger.WithError(err).Error("run failed")
	} else {
		manifest.Status = core.RunCompleted
		c.logger.Info("run completed")
	}
	finish(err)
	c.deps.Metrics.IncCounter("salesops_runs_total", map[string]string{"status": manifest.Status})

	manifest.EndTS = core.Now()
	manifest.Tasks = c.runLog.Outcomes()
	manifest.Artifacts = c.artifactMap()

	if lerr := c.ledger.Append(manifest); lerr != nil {
		c.logger.WithError(lerr).Error("manifest append failed")
	}
	return manifest
}

func (c *Coordinator) pipeline(ctx context.Context, csvPath string) error {
	rows, err := c.runIngest(ctx, csvPath)
	if err != nil {
		return err
	}

	anomalies, err := c.runDetect(ctx, rows)
	if err != nil {
		return err
	}

	top := anomalies
	if len(top) > c.cfg.TopAnomalies {
		top = top[:c.cfg.TopAnomalies]
	}
	enriched, err := c.runExplain(ctx, top)
	if err != nil {
		return err
	}

	if c.cfg.ConfirmActions && !c.cfg.DryRun {
		if _, err := c.runAct(ctx, enriched); err != nil {
			return err
		}
	} else {
		c.logger.Info("actions skipped (dry run or confirmation disabled)")
	}
	return nil
}

func (c *Coordinator) runIngest(ctx context.Context, csvPath string) ([]ingest.Row, error) {
	ctx, finish := c.deps.Tracer.StartSpan(ctx, "coordinator.ingest")

	var rows []ingest.Row
	_, err := c.exec.Execute(ctx, task.Spec{TaskID: "Ingestor", Timeout: 30 * time.Second, Retries: 2},
		func(ctx context.Context) (any, error) {
			loaded, err := ingest.New(csvPath, c.logger).Load()
			if err != nil {
				return nil, err
			}
			snapPath := filepath.Join(c.runDir, "snapshot.json")
			if err := ingest.SaveSnapshot(loaded, snapPath); err != nil {
				return nil, err
			}
			c.addArtifact("snapshot", snapPath)
			rows = loaded
			return snapPath, nil
		})
	finish(err)
	return rows, err
}

// anomalyPayload is the detector stage artifact schema.
type anomalyPayload struct {
	Count        int            `json:"count"`
	TopAnomalies []core.Anomaly `json:"top_anomalies"`
	AllAnomalies []core.Anomaly `json:"all_anomalies"`
}

func (c *Coordinator) runDetect(ctx context.Context, rows []ingest.Row) ([]core.Anomaly, error) {
	ctx, finish := c.deps.Tracer.StartSpan(ctx, "coordinator.detect")

	var anomalies []core.Anomaly
	_, err := c.exec.Execute(ctx, task.Spec{TaskID: "Detector", Timeout: 60 * time.Second, Retries: 2},
		func(ctx context.Context) (any, error) {
			det := detector.New(rows, c.logger)
			det.GlobalZScore("Sales", 30, 3.0)
			det.GroupedIQR("Region", "Sales", 14, 1.5)
			det.PctChange("Sales", 0.5)
			found := det.Anomalies()

			payload := anomalyPayload{Count: len(found), AllAnomalies: found}
			payload.TopAnomalies = found
			if len(found) > topAnomaliesInPayload {
				payload.TopAnomalies = found[:topAnomaliesInPayload]
			}

			outPath := filepath.Join(c.runDir, "anomalies.json")
			data, err := json.MarshalIndent(payload, "", "  ")
			if err != nil {
				return nil, core.Classified(core.KindStorage, err)
			}
			if err := os.WriteFile(outPath, data, 0o644); err != nil {
				return nil, core.Classified(core.KindStorage, err)
			}
			c.addArtifact("anomalies", outPath)
			anomalies = payload.TopAnomalies
			return outPath, nil
		})
	finish(err)
	return anomalies, err
}

func (c *Coordinator) runExplain(ctx context.Context, anomalies []core.Anomaly) ([]core.EnrichedAnomaly, error) {
	ctx, finish := c.deps.Tracer.StartSpan(ctx, "coordinator.explain")

	var enriched []core.EnrichedAnomaly
	_, err := c.exec.Execute(ctx, task.Spec{TaskID: "Explainer", Timeout: 300 * time.Second, Retries: 2},
		func(ctx context.Context) (any, error) {
			if len(anomalies) == 0 {
				enriched = nil
				return nil, nil
			}
			results := c.batch.Explain(ctx, anomalies)

			outPath := filepath.Join(c.runDir, "enriched_anomalies.json")
			data, err := json.MarshalIndent(results, "", "  ")
			if err != nil {
				return nil, core.Classified(core.KindStorage, err)
			}
			if err := os.WriteFile(outPath, data, 0o644); err != nil {
				return nil, core.Classified(core.KindStorage, err)
			}
			c.addArtifact("explanations", outPath)
			enriched = results
			return outPath, nil
		})
	finish(err)
	return enriched, err
}

func (c *Coordinator) runAct(ctx context.Context, enriched []core.EnrichedAnomaly) ([]action.Result, error) {
	ctx, finish := c.deps.Tracer.StartSpan(ctx, "coordinator.act")

	var results []action.Result
	_, err := c.exec.Execute(ctx, task.Spec{TaskID: "Actor", Timeout: 120 * time.Second, Retries: 2},
		func(ctx context.Context) (any, error) {
			for _, item := range enriched {
				for _, plan := range c.planner.Plan(item) {
					result, err := c.client.Execute(ctx, plan)
					results = append(results, result)
					if err != nil {
						continue
					}
					if c.deps.Memory != nil {
						if merr := c.deps.Memory.RememberResolution(ctx, item, plan.Type); merr != nil {
							c.logger.WithError(merr).Warn("failed to store resolution memory")
						}
					}
				}
			}
			c.addArtifact("actions_log", filepath.Join(c.runDir, "actions.jsonl"))
			return len(results), nil
		})
	finish(err)
	return results, err
}
