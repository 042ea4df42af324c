package pipeline

// Agent names. The topology below is fixed: this is not a general
// workflow engine, it hard-codes the six-phase website pipeline.
const (
	AgentBrandStrategist   = "brand-strategist"
	AgentMarketResearcher  = "market-researcher"
	AgentSEOKeyworder      = "seo-keyworder"
	AgentImageCurator      = "image-curator"
	AgentToneAnalyst       = "tone-analyst"
	AgentResearchCollector = "research-collector"

	AgentContentAssembler = "content-assembler"
	AgentQualityReviewer  = "quality-reviewer"

	AgentBuildOrchestrator = "build-orchestrator"
	AgentAssetBuilder      = "asset-builder"
	AgentPageBuilder       = "page-builder"

	AgentCMSProvisioner     = "cms-provisioner"
	AgentEmailConfigurator  = "email-configurator"
	AgentAnalyticsInstaller = "analytics-installer"

	AgentSiteDeployer = "site-deployer"
)

// Phase numbers.
const (
	PhaseResearch     = 1
	PhaseAssembly     = 2
	PhaseReview       = 3
	PhaseBuild        = 4
	PhaseIntegrations = 5
	PhaseDeploy       = 6
)

// PhaseConfig is the static shape of one phase.
type PhaseConfig struct {
	Phase    int
	Agents   []string
	Parallel bool

	// Mandatory lists the agents whose completion the phase cannot
	// advance without. Non-mandatory phase-1 failures are tolerated.
	Mandatory []string
}

// ResearchAgents is the fixed phase-1 sibling set the collector waits on.
// Order doubles as the dispatch sequence.
var ResearchAgents = []string{
	AgentBrandStrategist,
	AgentMarketResearcher,
	AgentSEOKeyworder,
	AgentImageCurator,
	AgentToneAnalyst,
}

// Phases is the fixed phase topology, indexed by phase number.
var Phases = map[int]PhaseConfig{
	PhaseResearch: {
		Phase:     PhaseResearch,
		Agents:    ResearchAgents,
		Parallel:  true,
		Mandatory: []string{AgentBrandStrategist},
	},
	PhaseAssembly: {
		Phase:     PhaseAssembly,
		Agents:    []string{AgentContentAssembler},
		Mandatory: []string{AgentContentAssembler},
	},
	PhaseReview: {
		Phase:     PhaseReview,
		Agents:    []string{AgentQualityReviewer},
		Mandatory: []string{AgentQualityReviewer},
	},
	PhaseBuild: {
		Phase:    PhaseBuild,
		Agents:   []string{AgentBuildOrchestrator, AgentAssetBuilder, AgentPageBuilder},
		Parallel: true,
		// Every fan-out sibling is mandatory; width is dynamic.
		Mandatory: nil,
	},
	PhaseIntegrations: {
		Phase:  PhaseIntegrations,
		Agents: []string{AgentCMSProvisioner, AgentEmailConfigurator, AgentAnalyticsInstaller},
	},
	PhaseDeploy: {
		Phase:     PhaseDeploy,
		Agents:    []string{AgentSiteDeployer},
		Mandatory: []string{AgentSiteDeployer},
	},
}

// FanOutAgents names the phase-4 fan-out members. The build orchestrator
// is deliberately excluded: it dispatches and watches the fan-out but is
// not a sibling of it.
var FanOutAgents = []string{AgentAssetBuilder, AgentPageBuilder}

// integrationChain is the fixed conditional order of phase-5 agents:
// CMS, then email, then analytics, then deploy.
var integrationChain = []struct {
	agent     string
	purchased func(Addons) bool
}{
	{AgentCMSProvisioner, func(a Addons) bool { return a.CMS }},
	{AgentEmailConfigurator, func(a Addons) bool { return a.Email }},
	{AgentAnalyticsInstaller, func(a Addons) bool { return a.Analytics }},
}

// RequiredIntegrations returns the phase-5 agents the project's add-ons
// call for, in chain order. Empty means phase 4 hands straight to deploy.
func RequiredIntegrations(p Project) []string {
	var required []string
	for _, link := range integrationChain {
		if link.purchased(p.Addons) {
			required = append(required, link.agent)
		}
	}
	return required
}

// NextIntegration returns the next required phase-5 agent after the
// given one, skipping unpurchased add-ons. ok is false when the chain is
// exhausted and the deploy task is next.
func NextIntegration(current string, p Project) (next string, ok bool) {
	idx := -1
	for i, link := range integrationChain {
		if link.agent == current {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", false
	}
	for _, link := range integrationChain[idx+1:] {
		if link.purchased(p.Addons) {
			return link.agent, true
		}
	}
	return "", false
}

// IntegrationPurchased reports whether the add-on gating the given
// phase-5 agent was purchased.
func IntegrationPurchased(agent string, p Project) bool {
	for _, link := range integrationChain {
		if link.agent == agent {
			return link.purchased(p.Addons)
		}
	}
	return false
}

// FanOutWidth is the expected sibling count for the phase-4 fan-out:
// one shared-assets build plus one builder per page.
func FanOutWidth(p Project) int {
	return len(p.Pages) + 1
}
