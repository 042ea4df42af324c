package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courius/sitepipe/pipeline"
	"github.com/courius/sitepipe/pipeline/pipelinetest"
)

func transitionFixture(t *testing.T) (*pipeline.Transitioner, *pipelinetest.FakeLedger, *pipelinetest.FakeDispatcher) {
	t.Helper()
	fake := pipelinetest.NewFakeLedger()
	dispatcher := pipelinetest.NewFakeDispatcher()
	barrier := pipeline.NewBarrier(fake, time.Millisecond, 50*time.Millisecond, nil)
	gate := pipeline.NewQualityGate(fake, dispatcher, nil)
	return pipeline.NewTransitioner(fake, dispatcher, barrier, gate, nil), fake, dispatcher
}

func buildEnv(agent string, phase int, project pipeline.Project) *pipeline.Envelope {
	return &pipeline.Envelope{
		PipelineRunID: "run-1",
		ProjectID:     project.ID,
		AgentName:     agent,
		Phase:         phase,
		Sequence:      1,
		Attempt:       1,
		Project:       project,
	}
}

func completedTask(agent string) *pipeline.TaskRun {
	return &pipeline.TaskRun{
		ID:        agent + "-task",
		AgentName: agent,
		Status:    pipeline.TaskCompleted,
	}
}

func TestStartPipelineDispatchesResearchAndCollector(t *testing.T) {
	tr, fake, dispatcher := transitionFixture(t)

	run, err := tr.StartPipeline(context.Background(), testProject())
	require.NoError(t, err)

	stored := fake.Run(run.ID)
	require.NotNil(t, stored)
	assert.Equal(t, pipeline.StatusPhase1, stored.Status)

	names := dispatcher.AgentNames()
	require.Len(t, names, len(pipeline.ResearchAgents)+1)
	assert.ElementsMatch(t, append(append([]string{}, pipeline.ResearchAgents...),
		pipeline.AgentResearchCollector), names)
}

func TestStartPipelineRejectsInvalidProject(t *testing.T) {
	tr, _, _ := transitionFixture(t)

	_, err := tr.StartPipeline(context.Background(), pipeline.Project{ID: "p"})
	assert.ErrorIs(t, err, pipeline.ErrInvalidProject)
}

func TestCollectorCompletionReleasesAssembly(t *testing.T) {
	tr, fake, dispatcher := transitionFixture(t)
	fake.SeedRun(&pipeline.PipelineRun{ID: "run-1", ProjectID: "proj-1", Status: pipeline.StatusPhase1, StartedAt: time.Now().UTC()})

	env := buildEnv(pipeline.AgentResearchCollector, pipeline.PhaseResearch, testProject())
	require.NoError(t, tr.Advance(context.Background(), env, completedTask(pipeline.AgentResearchCollector)))

	assert.Equal(t, pipeline.StatusPhase2, fake.Run("run-1").Status)
	assert.Equal(t, []string{pipeline.AgentContentAssembler}, dispatcher.AgentNames())
}

func TestResearchSiblingsNeverTransition(t *testing.T) {
	tr, fake, dispatcher := transitionFixture(t)
	fake.SeedRun(&pipeline.PipelineRun{ID: "run-1", ProjectID: "proj-1", Status: pipeline.StatusPhase1, StartedAt: time.Now().UTC()})

	env := buildEnv(pipeline.AgentBrandStrategist, pipeline.PhaseResearch, testProject())
	require.NoError(t, tr.Advance(context.Background(), env, completedTask(pipeline.AgentBrandStrategist)))

	assert.Equal(t, pipeline.StatusPhase1, fake.Run("run-1").Status)
	assert.Empty(t, dispatcher.AgentNames())
}

func TestCollectorFailureFailsPipeline(t *testing.T) {
	tr, fake, _ := transitionFixture(t)
	fake.SeedRun(&pipeline.PipelineRun{ID: "run-1", ProjectID: "proj-1", Status: pipeline.StatusPhase1, StartedAt: time.Now().UTC()})

	task := completedTask(pipeline.AgentResearchCollector)
	task.Status = pipeline.TaskFailed
	task.ErrorCode = pipeline.ErrCodeMandatoryAgentFailed
	task.ErrorMessage = "brand strategist failed"

	env := buildEnv(pipeline.AgentResearchCollector, pipeline.PhaseResearch, testProject())
	require.NoError(t, tr.Advance(context.Background(), env, task))

	run := fake.Run("run-1")
	assert.Equal(t, pipeline.StatusFailed, run.Status)
	assert.Equal(t, pipeline.ErrCodeMandatoryAgentFailed, run.ErrorCode)
}

func TestDispatchFanOutWidthAndItems(t *testing.T) {
	tr, fake, dispatcher := transitionFixture(t)
	fake.SeedRun(&pipeline.PipelineRun{ID: "run-1", ProjectID: "proj-1", Status: pipeline.StatusPhase4, StartedAt: time.Now().UTC()})

	env := buildEnv(pipeline.AgentBuildOrchestrator, pipeline.PhaseBuild, testProject())
	width := tr.DispatchFanOut(context.Background(), env)

	// One asset build plus one page builder per page.
	assert.Equal(t, 3, width)
	calls := dispatcher.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, pipeline.AgentAssetBuilder, calls[0].Agent)
	for _, call := range calls {
		assert.Equal(t, width, call.Envelope.ExpectedSiblings)
	}
	assert.Equal(t, "home", calls[1].Envelope.Item["slug"])
	assert.Equal(t, "about", calls[2].Envelope.Item["slug"])
}

func TestLastFanOutSiblingAdvancesExactlyOnce(t *testing.T) {
	tr, fake, dispatcher := transitionFixture(t)
	project := testProject()
	project.Addons = pipeline.Addons{} // straight to deploy
	fake.SeedRun(&pipeline.PipelineRun{ID: "run-1", ProjectID: "proj-1", Status: pipeline.StatusPhase4, StartedAt: time.Now().UTC()})

	// All three siblings terminal in the ledger.
	for _, id := range []string{"a", "b"} {
		fake.SeedTask(&pipeline.TaskRun{
			ID: "pb-" + id, PipelineRunID: "run-1", AgentName: pipeline.AgentPageBuilder,
			Phase: pipeline.PhaseBuild, Status: pipeline.TaskCompleted, StartedAt: time.Now().UTC(),
		})
	}
	fake.SeedTask(&pipeline.TaskRun{
		ID: "ab", PipelineRunID: "run-1", AgentName: pipeline.AgentAssetBuilder,
		Phase: pipeline.PhaseBuild, Status: pipeline.TaskCompleted, StartedAt: time.Now().UTC(),
	})

	env := buildEnv(pipeline.AgentPageBuilder, pipeline.PhaseBuild, project)
	env.ExpectedSiblings = 3

	// Two siblings observe the release condition; only one may advance.
	require.NoError(t, tr.Advance(context.Background(), env, completedTask(pipeline.AgentPageBuilder)))
	require.NoError(t, tr.Advance(context.Background(), env, completedTask(pipeline.AgentPageBuilder)))

	assert.Equal(t, pipeline.StatusPhase6, fake.Run("run-1").Status)
	assert.Equal(t, []string{pipeline.AgentSiteDeployer}, dispatcher.AgentNames())
}

func TestFanOutMemberBelowExpectedDoesNothing(t *testing.T) {
	tr, fake, dispatcher := transitionFixture(t)
	fake.SeedRun(&pipeline.PipelineRun{ID: "run-1", ProjectID: "proj-1", Status: pipeline.StatusPhase4, StartedAt: time.Now().UTC()})
	fake.SeedTask(&pipeline.TaskRun{
		ID: "ab", PipelineRunID: "run-1", AgentName: pipeline.AgentAssetBuilder,
		Phase: pipeline.PhaseBuild, Status: pipeline.TaskCompleted, StartedAt: time.Now().UTC(),
	})

	env := buildEnv(pipeline.AgentAssetBuilder, pipeline.PhaseBuild, testProject())
	env.ExpectedSiblings = 3
	require.NoError(t, tr.Advance(context.Background(), env, completedTask(pipeline.AgentAssetBuilder)))

	assert.Equal(t, pipeline.StatusPhase4, fake.Run("run-1").Status)
	assert.Empty(t, dispatcher.AgentNames())
}

func TestAfterBuildEntersIntegrationChain(t *testing.T) {
	tr, fake, dispatcher := transitionFixture(t)
	project := testProject()
	project.Addons = pipeline.Addons{Email: true, Analytics: true}
	fake.SeedRun(&pipeline.PipelineRun{ID: "run-1", ProjectID: "proj-1", Status: pipeline.StatusPhase4, StartedAt: time.Now().UTC()})

	env := buildEnv(pipeline.AgentPageBuilder, pipeline.PhaseBuild, project)
	require.NoError(t, tr.AfterBuild(context.Background(), env))

	// CMS not purchased: the chain starts at email.
	run := fake.Run("run-1")
	assert.Equal(t, pipeline.StatusPhase5, run.Status)
	assert.Equal(t, []string{pipeline.AgentEmailConfigurator}, dispatcher.AgentNames())
}

func TestIntegrationChainsToNextThenDeploy(t *testing.T) {
	tr, fake, dispatcher := transitionFixture(t)
	project := testProject()
	project.Addons = pipeline.Addons{Email: true, Analytics: true}
	fake.SeedRun(&pipeline.PipelineRun{ID: "run-1", ProjectID: "proj-1", Status: pipeline.StatusPhase5, StartedAt: time.Now().UTC()})

	env := buildEnv(pipeline.AgentEmailConfigurator, pipeline.PhaseIntegrations, project)
	require.NoError(t, tr.Advance(context.Background(), env, completedTask(pipeline.AgentEmailConfigurator)))
	assert.Equal(t, []string{pipeline.AgentAnalyticsInstaller}, dispatcher.AgentNames())

	env = buildEnv(pipeline.AgentAnalyticsInstaller, pipeline.PhaseIntegrations, project)
	require.NoError(t, tr.Advance(context.Background(), env, completedTask(pipeline.AgentAnalyticsInstaller)))

	assert.Equal(t, pipeline.StatusPhase6, fake.Run("run-1").Status)
	assert.Equal(t, []string{pipeline.AgentAnalyticsInstaller, pipeline.AgentSiteDeployer}, dispatcher.AgentNames())
}

func TestSkippedIntegrationChainsLikeCompletion(t *testing.T) {
	tr, fake, dispatcher := transitionFixture(t)
	project := testProject()
	project.Addons = pipeline.Addons{CMS: true}
	fake.SeedRun(&pipeline.PipelineRun{ID: "run-1", ProjectID: "proj-1", Status: pipeline.StatusPhase5, StartedAt: time.Now().UTC()})

	task := completedTask(pipeline.AgentCMSProvisioner)
	task.OutputData = map[string]any{"skipped": true, "reason": "cms provider not configured"}
	require.True(t, task.Skipped())

	env := buildEnv(pipeline.AgentCMSProvisioner, pipeline.PhaseIntegrations, project)
	require.NoError(t, tr.Advance(context.Background(), env, task))

	assert.Equal(t, pipeline.StatusPhase6, fake.Run("run-1").Status)
	assert.Equal(t, []string{pipeline.AgentSiteDeployer}, dispatcher.AgentNames())
}

func TestDeployCompletionFinishesPipeline(t *testing.T) {
	tr, fake, _ := transitionFixture(t)
	fake.SeedRun(&pipeline.PipelineRun{ID: "run-1", ProjectID: "proj-1", Status: pipeline.StatusPhase6, StartedAt: time.Now().UTC()})

	env := buildEnv(pipeline.AgentSiteDeployer, pipeline.PhaseDeploy, testProject())
	require.NoError(t, tr.Advance(context.Background(), env, completedTask(pipeline.AgentSiteDeployer)))

	assert.Equal(t, pipeline.StatusCompleted, fake.Run("run-1").Status)
}

func TestDeployFailureRecordsDeployCode(t *testing.T) {
	tr, fake, _ := transitionFixture(t)
	fake.SeedRun(&pipeline.PipelineRun{ID: "run-1", ProjectID: "proj-1", Status: pipeline.StatusPhase6, StartedAt: time.Now().UTC()})

	task := completedTask(pipeline.AgentSiteDeployer)
	task.Status = pipeline.TaskFailed
	task.ErrorCode = pipeline.ErrCodeAgentFailed
	task.ErrorMessage = "host rejected bundle"

	env := buildEnv(pipeline.AgentSiteDeployer, pipeline.PhaseDeploy, testProject())
	require.NoError(t, tr.Advance(context.Background(), env, task))

	run := fake.Run("run-1")
	assert.Equal(t, pipeline.StatusFailed, run.Status)
	assert.Equal(t, pipeline.ErrCodeDeployFailed, run.ErrorCode)
}

func TestCancelledTaskDoesNotAdvance(t *testing.T) {
	tr, fake, dispatcher := transitionFixture(t)
	fake.SeedRun(&pipeline.PipelineRun{ID: "run-1", ProjectID: "proj-1", Status: pipeline.StatusCancelled, StartedAt: time.Now().UTC()})

	task := completedTask(pipeline.AgentContentAssembler)
	task.Status = pipeline.TaskCancelled

	env := buildEnv(pipeline.AgentContentAssembler, pipeline.PhaseAssembly, testProject())
	require.NoError(t, tr.Advance(context.Background(), env, task))
	assert.Empty(t, dispatcher.AgentNames())
}
