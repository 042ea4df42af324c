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

// qualityReviewer is the phase-3 agent: it scores the assembled content
// 0-10 with structured issues. The quality gate recomputes approval
// from the score; the reviewer's own verdict is advisory.
type qualityReviewer struct {
	completion
	ledger pipeline.Ledger
}

// NewQualityReviewer creates the reviewer.
func NewQualityReviewer(client *llm.Client, lg pipeline.Ledger, logger *slog.Logger) agent.Agent {
	return &qualityReviewer{
		completion: newCompletion(client, logger),
		ledger:     lg,
	}
}

func (a *qualityReviewer) Name() string     { return pipeline.AgentQualityReviewer }
func (a *qualityReviewer) Background() bool { return true }

func (a *qualityReviewer) Execute(ctx context.Context, env *pipeline.Envelope) (*agent.Result, error) {
	content, err := a.ledger.LatestCompletedOutput(ctx, env.PipelineRunID, pipeline.PhaseAssembly, pipeline.AgentContentAssembler)
	if err != nil {
		return nil, fmt.Errorf("read assembled content: %w", err)
	}
	draft, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("encode assembled content: %w", err)
	}

	system := "You are an exacting website content reviewer. Score the draft 0-10 for " +
		"accuracy against the brief, completeness across pages, brand-voice " +
		"consistency, and copy quality. List concrete issues."
	user := projectBrief(env.Project) +
		"\nDraft:\n" + string(draft) +
		"\nRespond with a single JSON object with keys: score (number 0-10), " +
		"approved (boolean), summary, issues (array of {section, severity, issue, suggestion})."

	output, usage, err := a.generateJSON(ctx, system, user, 0.2)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", pipeline.AgentQualityReviewer, err)
	}

	score, ok := output["score"].(float64)
	if !ok || score < 0 || score > 10 {
		return nil, fmt.Errorf("%s: review output missing a 0-10 score", pipeline.AgentQualityReviewer)
	}

	res := result(output, usage)
	res.QualityScore = &score
	validated := true
	res.ValidationOK = &validated
	return res, nil
}
