package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/courius/sitepipe/agent"
	"github.com/courius/sitepipe/ledger"
	"github.com/courius/sitepipe/llm"
	"github.com/courius/sitepipe/pipeline"
)

// contentAssembler is the phase-2 agent. It folds every available
// phase-1 research artifact into one sitewide content draft; on a
// quality-gate retry the envelope carries the reviewer's issues and the
// assembler targets corrections instead of starting over.
type contentAssembler struct {
	completion
	ledger pipeline.Ledger
}

// NewContentAssembler creates the assembler.
func NewContentAssembler(client *llm.Client, lg pipeline.Ledger, logger *slog.Logger) agent.Agent {
	return &contentAssembler{
		completion: newCompletion(client, logger),
		ledger:     lg,
	}
}

func (a *contentAssembler) Name() string     { return pipeline.AgentContentAssembler }
func (a *contentAssembler) Background() bool { return true }

func (a *contentAssembler) Execute(ctx context.Context, env *pipeline.Envelope) (*agent.Result, error) {
	research, err := a.collectResearch(ctx, env)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString(projectBrief(env.Project))
	sb.WriteString("\nResearch artifacts:\n")
	sb.WriteString(research)

	if len(env.Feedback) > 0 {
		sb.WriteString("\nThis is a revision. A quality review rejected the previous draft. ")
		sb.WriteString("Address every issue below:\n")
		sb.WriteString(pipeline.FormatIssues(env.Feedback))
	}
	sb.WriteString("\nRespond with a single JSON object with key pages: " +
		"slug -> {title, meta_description, sections: [{heading, body}]}.")

	system := "You are a website content writer. Produce complete, publish-ready copy " +
		"for every page, grounded in the research artifacts and faithful to the " +
		"brand voice."
	output, usage, err := a.generateJSON(ctx, system, sb.String(), 0.7)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", pipeline.AgentContentAssembler, err)
	}
	if _, ok := output["pages"].(map[string]any); !ok {
		return nil, fmt.Errorf("%s: completion output missing pages object", pipeline.AgentContentAssembler)
	}
	return result(output, usage), nil
}

// collectResearch reads each research agent's latest completed output.
// Missing artifacts from non-mandatory agents are expected when the
// phase-1 barrier released degraded; the brand strategist's absence is
// an error because the barrier guarantees it completed.
func (a *contentAssembler) collectResearch(ctx context.Context, env *pipeline.Envelope) (string, error) {
	var sb strings.Builder
	for _, name := range pipeline.ResearchAgents {
		output, err := a.ledger.LatestCompletedOutput(ctx, env.PipelineRunID, pipeline.PhaseResearch, name)
		if errors.Is(err, ledger.ErrNotFound) {
			if name == pipeline.AgentBrandStrategist {
				return "", fmt.Errorf("brand strategist output missing for pipeline %s", env.PipelineRunID)
			}
			a.logger.Info("Research artifact missing, assembling without it",
				"pipeline_run_id", env.PipelineRunID, "agent", name)
			continue
		}
		if err != nil {
			return "", fmt.Errorf("read %s output: %w", name, err)
		}

		data, err := json.Marshal(output)
		if err != nil {
			return "", fmt.Errorf("encode %s output: %w", name, err)
		}
		fmt.Fprintf(&sb, "## %s\n%s\n", name, data)
	}
	return sb.String(), nil
}
