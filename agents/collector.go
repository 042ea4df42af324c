package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/courius/sitepipe/agent"
	"github.com/courius/sitepipe/pipeline"
)

// researchCollector is the phase-1 barrier task. It does no generation
// work: dispatched alongside the research siblings, it polls the ledger
// until the phase can release, then its own completion is what drives
// the transition into content assembly.
type researchCollector struct {
	barrier *pipeline.Barrier
	logger  *slog.Logger
}

// NewResearchCollector creates the collector over the shared barrier.
func NewResearchCollector(barrier *pipeline.Barrier, logger *slog.Logger) agent.Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &researchCollector{barrier: barrier, logger: logger}
}

func (a *researchCollector) Name() string     { return pipeline.AgentResearchCollector }
func (a *researchCollector) Background() bool { return true }

func (a *researchCollector) Execute(ctx context.Context, env *pipeline.Envelope) (*agent.Result, error) {
	cfg := pipeline.Phases[pipeline.PhaseResearch]

	res, err := a.barrier.WaitFixed(ctx, env.PipelineRunID, pipeline.PhaseResearch, cfg.Agents, cfg.Mandatory)
	if err != nil {
		// BarrierError codes ride the task run's error fields into the
		// pipeline's failure record.
		return nil, fmt.Errorf("phase-1 barrier: %w", err)
	}

	if res.Degraded {
		a.logger.Warn("Research phase released degraded",
			"pipeline_run_id", env.PipelineRunID,
			"dropped", res.Dropped)
	}

	output := map[string]any{
		"completed": res.Completed,
		"failed":    res.Failed,
		"degraded":  res.Degraded,
	}
	if len(res.Dropped) > 0 {
		output["dropped"] = res.Dropped
	}
	return &agent.Result{Output: output}, nil
}
