// Package agents implements the fifteen pipeline workers: the phase-1
// research specialists and their collector, the content assembler and
// quality reviewer, the build fan-out, the conditional integration
// chain, and the deployer. Generation agents share one completion
// helper; coordination agents wrap the barrier and transition
// controller.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/courius/sitepipe/agent"
	"github.com/courius/sitepipe/llm"
	"github.com/courius/sitepipe/pipeline"
)

// completion is the shared generation plumbing: one system+user prompt
// pair in, one JSON object out, usage rolled into the task result.
type completion struct {
	client *llm.Client
	logger *slog.Logger
}

func newCompletion(client *llm.Client, logger *slog.Logger) completion {
	if logger == nil {
		logger = slog.Default()
	}
	return completion{client: client, logger: logger}
}

// generateJSON runs one completion and parses the response as a JSON
// object. Models wrap JSON in prose and code fences; ExtractJSON
// tolerates that.
func (c completion) generateJSON(ctx context.Context, system, user string, temperature float64) (map[string]any, llm.TokenUsage, error) {
	resp, err := c.client.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: &temperature,
	})
	if err != nil {
		return nil, llm.TokenUsage{}, fmt.Errorf("completion: %w", err)
	}

	raw := llm.ExtractJSON(resp.Content)
	if raw == "" {
		return nil, resp.Usage, fmt.Errorf("no JSON object in completion response")
	}
	var output map[string]any
	if err := json.Unmarshal([]byte(raw), &output); err != nil {
		return nil, resp.Usage, fmt.Errorf("parse completion JSON: %w", err)
	}
	return output, resp.Usage, nil
}

// result packages parsed output and usage into a task result.
func result(output map[string]any, usage llm.TokenUsage) *agent.Result {
	return &agent.Result{
		Output:       output,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
	}
}

// skipResult is the completed-with-skip-marker output skipped
// integration tasks write, so ledger completeness checks stay correct.
func skipResult(reason string) *agent.Result {
	return &agent.Result{
		Output: map[string]any{
			"skipped": true,
			"reason":  reason,
		},
	}
}

// projectBrief renders the client payload as prompt context.
func projectBrief(p pipeline.Project) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Business: %s\n", p.BusinessName)
	if p.Industry != "" {
		fmt.Fprintf(&sb, "Industry: %s\n", p.Industry)
	}
	if p.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", p.Description)
	}
	if p.Domain != "" {
		fmt.Fprintf(&sb, "Domain: %s\n", p.Domain)
	}
	sb.WriteString("Pages:\n")
	for _, page := range p.Pages {
		fmt.Fprintf(&sb, "- %s (%s)", page.Title, page.Slug)
		if len(page.Sections) > 0 {
			fmt.Fprintf(&sb, ": %s", strings.Join(page.Sections, ", "))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
