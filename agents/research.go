package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/courius/sitepipe/agent"
	"github.com/courius/sitepipe/integration"
	"github.com/courius/sitepipe/llm"
	"github.com/courius/sitepipe/pipeline"
)

// researchAgent is one phase-1 specialist: a single completion with a
// fixed brief, producing a JSON research artifact the assembler reads
// back from the ledger.
type researchAgent struct {
	completion
	name   string
	system string
	ask    string
}

func (a *researchAgent) Name() string     { return a.name }
func (a *researchAgent) Background() bool { return true }

func (a *researchAgent) Execute(ctx context.Context, env *pipeline.Envelope) (*agent.Result, error) {
	user := projectBrief(env.Project) + "\n" + a.ask
	output, usage, err := a.generateJSON(ctx, a.system, user, 0.7)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.name, err)
	}
	return result(output, usage), nil
}

// NewBrandStrategist creates the mandatory phase-1 agent. Its output
// anchors everything downstream; the phase-1 barrier cannot release
// without it.
func NewBrandStrategist(client *llm.Client, logger *slog.Logger) agent.Agent {
	return &researchAgent{
		completion: newCompletion(client, logger),
		name:       pipeline.AgentBrandStrategist,
		system: "You are a brand strategist. Given a business brief, produce the brand " +
			"foundation for its website: positioning, value proposition, audience, " +
			"brand voice, and a color/typography direction.",
		ask: "Respond with a single JSON object with keys: positioning, value_proposition, " +
			"audience, voice, palette, typography.",
	}
}

// NewMarketResearcher creates the competitive-landscape agent.
func NewMarketResearcher(client *llm.Client, logger *slog.Logger) agent.Agent {
	return &researchAgent{
		completion: newCompletion(client, logger),
		name:       pipeline.AgentMarketResearcher,
		system: "You are a market researcher. Given a business brief, summarize the " +
			"competitive landscape and the differentiators the website should emphasize.",
		ask: "Respond with a single JSON object with keys: competitors, differentiators, " +
			"market_notes.",
	}
}

// NewSEOKeyworder creates the keyword-research agent.
func NewSEOKeyworder(client *llm.Client, logger *slog.Logger) agent.Agent {
	return &researchAgent{
		completion: newCompletion(client, logger),
		name:       pipeline.AgentSEOKeyworder,
		system: "You are an SEO specialist. Given a business brief and its page list, " +
			"propose target keywords and meta descriptions per page.",
		ask: "Respond with a single JSON object with keys: primary_keywords, " +
			"pages (slug -> {keywords, meta_description}).",
	}
}

// NewToneAnalyst creates the copy-tone agent.
func NewToneAnalyst(client *llm.Client, logger *slog.Logger) agent.Agent {
	return &researchAgent{
		completion: newCompletion(client, logger),
		name:       pipeline.AgentToneAnalyst,
		system: "You are a copywriting tone analyst. Given a business brief, define the " +
			"tone of voice guidelines the site copy must follow.",
		ask: "Respond with a single JSON object with keys: tone, dos, donts, " +
			"example_phrases.",
	}
}

// imageCurator searches the stock-image provider for each page and
// falls back to model-suggested art direction when no provider is
// configured. It is the one phase-1 agent with an external integration,
// and it is non-mandatory: the barrier tolerates its failure.
type imageCurator struct {
	completion
	searcher integration.ImageSearcher
}

// NewImageCurator creates the image research agent. searcher may be a
// client over an unconfigured provider; the curator degrades to
// suggestions.
func NewImageCurator(client *llm.Client, searcher integration.ImageSearcher, logger *slog.Logger) agent.Agent {
	return &imageCurator{
		completion: newCompletion(client, logger),
		searcher:   searcher,
	}
}

func (a *imageCurator) Name() string     { return pipeline.AgentImageCurator }
func (a *imageCurator) Background() bool { return true }

func (a *imageCurator) Execute(ctx context.Context, env *pipeline.Envelope) (*agent.Result, error) {
	queries, usage, err := a.imageQueries(ctx, env.Project)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", pipeline.AgentImageCurator, err)
	}

	images := map[string]any{}
	source := "stock"
	for slug, query := range queries {
		hits, err := a.searcher.Search(ctx, query, 6)
		if errors.Is(err, integration.ErrNotConfigured) {
			source = "suggestions"
			break
		}
		if err != nil {
			a.logger.Warn("Image search failed, keeping query as suggestion",
				"project_id", env.ProjectID, "query", query, "error", err)
			continue
		}
		images[slug] = hits
	}

	return result(map[string]any{
		"source":  source,
		"queries": queries,
		"images":  images,
	}, usage), nil
}

// imageQueries asks the model for one stock-photo search query per page.
func (a *imageCurator) imageQueries(ctx context.Context, p pipeline.Project) (map[string]string, llm.TokenUsage, error) {
	system := "You are an art director. Given a business brief and its page list, " +
		"write one stock-photo search query per page."
	ask := "Respond with a single JSON object mapping page slug to search query."
	output, usage, err := a.generateJSON(ctx, system, projectBrief(p)+"\n"+ask, 0.5)
	if err != nil {
		return nil, usage, err
	}

	queries := make(map[string]string, len(output))
	for slug, raw := range output {
		if q, ok := raw.(string); ok && q != "" {
			queries[slug] = q
		}
	}
	if len(queries) == 0 {
		return nil, usage, fmt.Errorf("no usable image queries in completion output")
	}
	return queries, usage, nil
}
