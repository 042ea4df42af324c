package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/courius/sitepipe/agent"
	"github.com/courius/sitepipe/llm"
	"github.com/courius/sitepipe/pipeline"
)

// buildOrchestrator is the phase-4 coordinator. It dispatches the
// dynamic fan-out (one shared-assets build plus one builder per page)
// and then watches the siblings as a background watchdog. The watchdog
// never advances the pipeline — the last completing sibling does that
// by winning the advance flag — it only turns a sibling failure or a
// stalled fan-out into a pipeline failure.
type buildOrchestrator struct {
	transitioner *pipeline.Transitioner
	barrier      *pipeline.Barrier
	logger       *slog.Logger
}

// NewBuildOrchestrator creates the phase-4 coordinator.
func NewBuildOrchestrator(transitioner *pipeline.Transitioner, barrier *pipeline.Barrier, logger *slog.Logger) agent.Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &buildOrchestrator{transitioner: transitioner, barrier: barrier, logger: logger}
}

func (a *buildOrchestrator) Name() string     { return pipeline.AgentBuildOrchestrator }
func (a *buildOrchestrator) Background() bool { return true }

func (a *buildOrchestrator) Execute(ctx context.Context, env *pipeline.Envelope) (*agent.Result, error) {
	width := a.transitioner.DispatchFanOut(ctx, env)
	a.logger.Info("Build fan-out dispatched",
		"pipeline_run_id", env.PipelineRunID, "siblings", width)

	res, err := a.barrier.WaitFanOut(ctx, env.PipelineRunID, pipeline.PhaseBuild, width)
	if err != nil {
		return nil, fmt.Errorf("build fan-out: %w", err)
	}

	return &agent.Result{Output: map[string]any{
		"siblings":  width,
		"completed": res.Completed,
	}}, nil
}

// assetBuilder produces the sitewide shared artifacts: theme tokens,
// stylesheet, navigation, header and footer.
type assetBuilder struct {
	completion
	ledger pipeline.Ledger
}

// NewAssetBuilder creates the shared-assets fan-out member.
func NewAssetBuilder(client *llm.Client, lg pipeline.Ledger, logger *slog.Logger) agent.Agent {
	return &assetBuilder{
		completion: newCompletion(client, logger),
		ledger:     lg,
	}
}

func (a *assetBuilder) Name() string     { return pipeline.AgentAssetBuilder }
func (a *assetBuilder) Background() bool { return true }

func (a *assetBuilder) Execute(ctx context.Context, env *pipeline.Envelope) (*agent.Result, error) {
	brand, err := a.ledger.LatestCompletedOutput(ctx, env.PipelineRunID, pipeline.PhaseResearch, pipeline.AgentBrandStrategist)
	if err != nil {
		return nil, fmt.Errorf("read brand foundation: %w", err)
	}
	brandJSON, err := json.Marshal(brand)
	if err != nil {
		return nil, fmt.Errorf("encode brand foundation: %w", err)
	}

	system := "You are a front-end designer. From the brand foundation, produce the " +
		"sitewide shared assets: design tokens, a stylesheet, and the navigation, " +
		"header and footer markup."
	user := projectBrief(env.Project) +
		"\nBrand foundation:\n" + string(brandJSON) +
		"\nRespond with a single JSON object with keys: tokens, css, nav, header, footer."

	output, usage, err := a.generateJSON(ctx, system, user, 0.4)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", pipeline.AgentAssetBuilder, err)
	}
	return result(output, usage), nil
}

// pageBuilder renders one page of the site from its envelope item and
// the assembled content. Each fan-out member gets exactly one page.
type pageBuilder struct {
	completion
	ledger pipeline.Ledger
}

// NewPageBuilder creates the per-page fan-out member.
func NewPageBuilder(client *llm.Client, lg pipeline.Ledger, logger *slog.Logger) agent.Agent {
	return &pageBuilder{
		completion: newCompletion(client, logger),
		ledger:     lg,
	}
}

func (a *pageBuilder) Name() string     { return pipeline.AgentPageBuilder }
func (a *pageBuilder) Background() bool { return true }

func (a *pageBuilder) Execute(ctx context.Context, env *pipeline.Envelope) (*agent.Result, error) {
	slug, _ := env.Item["slug"].(string)
	if slug == "" {
		return nil, fmt.Errorf("%s: envelope item missing page slug", pipeline.AgentPageBuilder)
	}

	content, err := a.ledger.LatestCompletedOutput(ctx, env.PipelineRunID, pipeline.PhaseAssembly, pipeline.AgentContentAssembler)
	if err != nil {
		return nil, fmt.Errorf("read assembled content: %w", err)
	}

	pageCopy := pageContent(content, slug)
	copyJSON, err := json.Marshal(pageCopy)
	if err != nil {
		return nil, fmt.Errorf("encode page content: %w", err)
	}

	system := "You are a front-end developer. Render one page of the site as semantic " +
		"HTML sections, using the approved copy verbatim."
	user := fmt.Sprintf("Page: %s\nApproved copy:\n%s\nRespond with a single JSON object "+
		"with keys: slug, html.", slug, copyJSON)

	output, usage, err := a.generateJSON(ctx, system, user, 0.3)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", pipeline.AgentPageBuilder, slug, err)
	}
	output["slug"] = slug
	return result(output, usage), nil
}

// pageContent pulls one page's copy out of the assembler output. A
// missing page falls back to the whole content object so the builder
// can still work from context.
func pageContent(content map[string]any, slug string) any {
	pages, ok := content["pages"].(map[string]any)
	if !ok {
		return content
	}
	if page, ok := pages[slug]; ok {
		return page
	}
	return content
}
