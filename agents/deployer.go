package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/courius/sitepipe/agent"
	"github.com/courius/sitepipe/integration"
	"github.com/courius/sitepipe/pipeline"
)

// siteDeployer is the phase-6 agent. Duplicate triggers are expected —
// the fan-out advance race tolerates them — so the deployer's first
// move is a ledger dedupe check, and a repeat invocation completes
// without touching the host again.
type siteDeployer struct {
	deployer integration.Deployer
	ledger   pipeline.Ledger
	logger   *slog.Logger
}

// NewSiteDeployer creates the deploy agent.
func NewSiteDeployer(deployer integration.Deployer, lg pipeline.Ledger, logger *slog.Logger) agent.Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &siteDeployer{deployer: deployer, ledger: lg, logger: logger}
}

func (a *siteDeployer) Name() string     { return pipeline.AgentSiteDeployer }
func (a *siteDeployer) Background() bool { return false }

func (a *siteDeployer) Execute(ctx context.Context, env *pipeline.Envelope) (*agent.Result, error) {
	done, err := a.ledger.HasCompletedTask(ctx, env.PipelineRunID, pipeline.AgentSiteDeployer)
	if err != nil {
		return nil, fmt.Errorf("deploy dedupe check: %w", err)
	}
	if done {
		a.logger.Info("Deploy already completed for this run, deduplicating",
			"pipeline_run_id", env.PipelineRunID)
		return &agent.Result{Output: map[string]any{"deduplicated": true}}, nil
	}

	bundle, err := a.buildBundle(ctx, env)
	if err != nil {
		return nil, err
	}

	deployment, err := a.deployer.Deploy(ctx, *bundle)
	if err != nil {
		return nil, fmt.Errorf("deploy site: %w", err)
	}

	return &agent.Result{Output: map[string]any{
		"deploy_id": deployment.DeployID,
		"url":       deployment.URL,
	}}, nil
}

// buildBundle assembles the deployable artifact from the ledger: the
// rendered pages the build fan-out produced, laid over the approved
// copy, plus the shared build assets. All three exist by the time
// phase 6 runs.
func (a *siteDeployer) buildBundle(ctx context.Context, env *pipeline.Envelope) (*integration.SiteBundle, error) {
	content, err := a.ledger.LatestCompletedOutput(ctx, env.PipelineRunID, pipeline.PhaseAssembly, pipeline.AgentContentAssembler)
	if err != nil {
		return nil, fmt.Errorf("read assembled content: %w", err)
	}
	assets, err := a.ledger.LatestCompletedOutput(ctx, env.PipelineRunID, pipeline.PhaseBuild, pipeline.AgentAssetBuilder)
	if err != nil {
		return nil, fmt.Errorf("read build assets: %w", err)
	}
	rendered, err := a.ledger.ListCompletedOutputs(ctx, env.PipelineRunID, pipeline.PhaseBuild, pipeline.AgentPageBuilder)
	if err != nil {
		return nil, fmt.Errorf("read rendered pages: %w", err)
	}
	if len(rendered) == 0 {
		return nil, fmt.Errorf("no rendered pages for pipeline %s", env.PipelineRunID)
	}

	copyPages, ok := content["pages"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("assembled content missing pages object")
	}

	pages := make(map[string]any, len(copyPages))
	for slug, pageCopy := range copyPages {
		pages[slug] = pageCopy
	}
	// Rendered output is authoritative; retried siblings arrive in
	// completion order so the newest render per slug wins.
	for _, page := range rendered {
		slug, _ := page["slug"].(string)
		if slug == "" {
			a.logger.Warn("Rendered page without slug, skipping",
				"pipeline_run_id", env.PipelineRunID)
			continue
		}
		pages[slug] = page
	}

	return &integration.SiteBundle{
		ProjectID: env.ProjectID,
		Domain:    env.Project.Domain,
		Pages:     pages,
		Assets:    assets,
	}, nil
}
