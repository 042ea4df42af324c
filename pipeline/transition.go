package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/courius/sitepipe/metrics"
)

// Transitioner is the phase transition controller. It encodes the fixed
// phase topology: given a finalized task run it decides the next phase,
// which task(s) to dispatch, and the pipeline run's status. Together
// with the quality gate it is the only writer of pipeline status (the
// administrative stop owns cancelled).
type Transitioner struct {
	ledger     Ledger
	dispatcher Dispatcher
	barrier    *Barrier
	gate       *QualityGate
	logger     *slog.Logger
}

// NewTransitioner creates the transition controller.
func NewTransitioner(ledger Ledger, dispatcher Dispatcher, barrier *Barrier, gate *QualityGate, logger *slog.Logger) *Transitioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transitioner{
		ledger:     ledger,
		dispatcher: dispatcher,
		barrier:    barrier,
		gate:       gate,
		logger:     logger,
	}
}

// StartPipeline creates a new PipelineRun for the project and dispatches
// every phase-1 task in parallel, plus the collector that will release
// the phase-1 barrier. Regeneration calls this again: the new run
// supersedes older ones, which are never mutated.
func (t *Transitioner) StartPipeline(ctx context.Context, project Project) (*PipelineRun, error) {
	if err := project.Validate(); err != nil {
		return nil, fmt.Errorf("invalid project: %w", err)
	}

	run := &PipelineRun{
		ID:            uuid.New().String(),
		ProjectID:     project.ID,
		CorrelationID: uuid.New().String(),
		Status:        StatusPending,
		StartedAt:     time.Now().UTC(),
		Metadata:      map[string]any{},
	}
	if err := t.ledger.CreatePipelineRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create pipeline run: %w", err)
	}
	if err := t.ledger.SetPipelineStatus(ctx, run.ID, StatusPhase1, PhaseResearch, ""); err != nil {
		return nil, fmt.Errorf("set status phase_1: %w", err)
	}
	run.Status = StatusPhase1
	run.CurrentPhase = PhaseResearch

	for i, agent := range ResearchAgents {
		t.dispatch(ctx, run, project, agent, PhaseResearch, i+1, 1)
	}
	// The collector is dispatched alongside the siblings it waits on.
	t.dispatch(ctx, run, project, AgentResearchCollector, PhaseResearch, len(ResearchAgents)+1, 1)

	t.logger.Info("Pipeline started",
		"pipeline_run_id", run.ID,
		"project_id", project.ID,
		"pages", len(project.Pages))
	return run, nil
}

// Advance routes a finalized task run to its next-phase decision. It is
// called by the invocation handler after the task's terminal write, with
// the cancellation guard already checked.
func (t *Transitioner) Advance(ctx context.Context, env *Envelope, task *TaskRun) error {
	if task.Status == TaskCancelled {
		return nil
	}

	switch {
	case env.Phase == PhaseResearch && env.AgentName != AgentResearchCollector:
		// Phase-1 siblings never transition; the collector observes
		// their completion through the ledger.
		return nil

	case env.AgentName == AgentResearchCollector:
		return t.afterCollector(ctx, env, task)

	case env.AgentName == AgentContentAssembler:
		return t.afterAssembly(ctx, env, task)

	case env.AgentName == AgentQualityReviewer:
		return t.afterReview(ctx, env, task)

	case env.AgentName == AgentBuildOrchestrator:
		return t.afterBuildOrchestrator(ctx, env, task)

	case env.Phase == PhaseBuild:
		return t.afterFanOutMember(ctx, env, task)

	case env.Phase == PhaseIntegrations:
		return t.afterIntegration(ctx, env, task)

	case env.AgentName == AgentSiteDeployer:
		return t.afterDeploy(ctx, env, task)
	}

	return fmt.Errorf("no transition for agent %s in phase %d", env.AgentName, env.Phase)
}

// afterCollector releases phase 2 when the barrier succeeded, or fails
// the pipeline when a mandatory phase-1 agent failed or the barrier
// budget ran out.
func (t *Transitioner) afterCollector(ctx context.Context, env *Envelope, task *TaskRun) error {
	if task.Status == TaskFailed {
		return t.failPipeline(ctx, env, task)
	}
	if err := t.ledger.SetPipelineStatus(ctx, env.PipelineRunID, StatusPhase2, PhaseAssembly, AgentContentAssembler); err != nil {
		return fmt.Errorf("set status phase_2: %w", err)
	}
	run := t.runRef(env)
	t.dispatch(ctx, run, env.Project, AgentContentAssembler, PhaseAssembly, 1, 1)
	return nil
}

// afterAssembly advances unconditionally to review.
func (t *Transitioner) afterAssembly(ctx context.Context, env *Envelope, task *TaskRun) error {
	if task.Status == TaskFailed {
		return t.failPipeline(ctx, env, task)
	}
	if err := t.ledger.SetPipelineStatus(ctx, env.PipelineRunID, StatusPhase3, PhaseReview, AgentQualityReviewer); err != nil {
		return fmt.Errorf("set status phase_3: %w", err)
	}
	t.dispatch(ctx, t.runRef(env), env.Project, AgentQualityReviewer, PhaseReview, 1, env.Attempt)
	return nil
}

// afterReview hands the decision to the quality gate.
func (t *Transitioner) afterReview(ctx context.Context, env *Envelope, task *TaskRun) error {
	if task.Status == TaskFailed {
		return t.failPipeline(ctx, env, task)
	}
	return t.gate.Evaluate(ctx, env, task)
}

// afterBuildOrchestrator handles the watchdog's outcome. Successful
// completion means the fan-out released and a member already advanced;
// there is nothing left to do. Failure means a sibling failed or the
// fan-out barrier budget ran out, which fails the pipeline.
func (t *Transitioner) afterBuildOrchestrator(ctx context.Context, env *Envelope, task *TaskRun) error {
	if task.Status == TaskFailed {
		return t.failPipeline(ctx, env, task)
	}
	return nil
}

// afterFanOutMember is the fan-out's self-coordination step: the member
// re-queries the sibling count and, if it observes the release
// condition, races for the one-time advance flag. Only the winner
// dispatches the next phase; duplicate dispatch remains tolerable
// because the deploy task dedupes on the ledger.
func (t *Transitioner) afterFanOutMember(ctx context.Context, env *Envelope, task *TaskRun) error {
	if task.Status != TaskCompleted {
		// A failed sibling is noticed by the orchestrator's watchdog,
		// which owns the failure decision.
		return nil
	}

	ready, err := t.barrier.FanOutReady(ctx, env.PipelineRunID, PhaseBuild, env.ExpectedSiblings)
	if err != nil {
		t.logger.Warn("Fan-out readiness check failed, leaving release to the watchdog",
			"pipeline_run_id", env.PipelineRunID, "error", err)
		return nil
	}
	if !ready {
		return nil
	}

	won, err := t.ledger.ClaimAdvance(ctx, env.PipelineRunID, MetadataAdvanceKey)
	if err != nil {
		return fmt.Errorf("claim advance flag: %w", err)
	}
	if !won {
		return nil
	}

	t.logger.Info("Last fan-out sibling releasing post-build phase",
		"pipeline_run_id", env.PipelineRunID,
		"agent", env.AgentName,
		"siblings", env.ExpectedSiblings)
	return t.AfterBuild(ctx, env)
}

// AfterBuild decides where the pipeline goes once the phase-4 fan-out
// has fully completed: the first required phase-5 integration, or
// directly to deploy when no add-on was purchased.
func (t *Transitioner) AfterBuild(ctx context.Context, env *Envelope) error {
	run := t.runRef(env)
	required := RequiredIntegrations(env.Project)
	if len(required) == 0 {
		if err := t.ledger.SetPipelineStatus(ctx, env.PipelineRunID, StatusPhase6, PhaseDeploy, AgentSiteDeployer); err != nil {
			return fmt.Errorf("set status phase_6: %w", err)
		}
		t.dispatch(ctx, run, env.Project, AgentSiteDeployer, PhaseDeploy, 1, 1)
		return nil
	}

	first := required[0]
	if err := t.ledger.SetPipelineStatus(ctx, env.PipelineRunID, StatusPhase5, PhaseIntegrations, first); err != nil {
		return fmt.Errorf("set status phase_5: %w", err)
	}
	t.dispatch(ctx, run, env.Project, first, PhaseIntegrations, integrationSequence(first), 1)
	return nil
}

// afterIntegration chains to the next required phase-5 agent in the
// fixed conditional order, or to deploy when the chain is exhausted. A
// skipped integration arrives here as completed with a skip marker and
// chains exactly like a real completion.
func (t *Transitioner) afterIntegration(ctx context.Context, env *Envelope, task *TaskRun) error {
	if task.Status == TaskFailed {
		return t.failPipeline(ctx, env, task)
	}

	run := t.runRef(env)
	if next, ok := NextIntegration(env.AgentName, env.Project); ok {
		if err := t.ledger.SetPipelineStatus(ctx, env.PipelineRunID, StatusPhase5, PhaseIntegrations, next); err != nil {
			return fmt.Errorf("set status phase_5: %w", err)
		}
		t.dispatch(ctx, run, env.Project, next, PhaseIntegrations, integrationSequence(next), 1)
		return nil
	}

	if err := t.ledger.SetPipelineStatus(ctx, env.PipelineRunID, StatusPhase6, PhaseDeploy, AgentSiteDeployer); err != nil {
		return fmt.Errorf("set status phase_6: %w", err)
	}
	t.dispatch(ctx, run, env.Project, AgentSiteDeployer, PhaseDeploy, 1, 1)
	return nil
}

// afterDeploy finishes the pipeline.
func (t *Transitioner) afterDeploy(ctx context.Context, env *Envelope, task *TaskRun) error {
	if task.Status == TaskFailed {
		code := task.ErrorCode
		if code == "" || code == ErrCodeAgentFailed {
			code = ErrCodeDeployFailed
		}
		if err := t.ledger.MarkPipelineFailed(ctx, env.PipelineRunID, code, task.ErrorMessage, env.AgentName); err != nil {
			return fmt.Errorf("mark pipeline failed: %w", err)
		}
		metrics.PipelinesFinished.WithLabelValues(string(StatusFailed)).Inc()
		return nil
	}

	if err := t.ledger.MarkPipelineCompleted(ctx, env.PipelineRunID); err != nil {
		return fmt.Errorf("mark pipeline completed: %w", err)
	}
	metrics.PipelinesFinished.WithLabelValues(string(StatusCompleted)).Inc()
	t.logger.Info("Pipeline completed", "pipeline_run_id", env.PipelineRunID, "project_id", env.ProjectID)
	return nil
}

// failPipeline records a fatal task failure on the pipeline run.
func (t *Transitioner) failPipeline(ctx context.Context, env *Envelope, task *TaskRun) error {
	code := task.ErrorCode
	if code == "" {
		code = ErrCodeAgentFailed
	}
	if err := t.ledger.MarkPipelineFailed(ctx, env.PipelineRunID, code, task.ErrorMessage, env.AgentName); err != nil {
		return fmt.Errorf("mark pipeline failed: %w", err)
	}
	metrics.PipelinesFinished.WithLabelValues(string(StatusFailed)).Inc()
	t.logger.Error("Pipeline failed",
		"pipeline_run_id", env.PipelineRunID,
		"agent", env.AgentName,
		"phase", env.Phase,
		"error_code", code,
		"error", task.ErrorMessage)
	return nil
}

// dispatch fires an envelope at an agent endpoint. Submit failures are
// logged and dropped: the barrier's poll notices a missing completion,
// never a propagated dispatch error.
func (t *Transitioner) dispatch(ctx context.Context, run *PipelineRun, project Project, agent string, phase, sequence, attempt int) {
	env := NewEnvelope(run, project, agent, phase, sequence, attempt)
	if err := t.dispatcher.Dispatch(ctx, agent, env); err != nil {
		t.logger.Error("Dispatch failed",
			"pipeline_run_id", run.ID,
			"agent", agent,
			"phase", phase,
			"error", err)
	}
}

// DispatchFanOut sends the dynamic phase-4 siblings: one shared-assets
// build plus one page build per page, each carrying the expected sibling
// count so members can self-check the release condition.
func (t *Transitioner) DispatchFanOut(ctx context.Context, env *Envelope) int {
	run := t.runRef(env)
	width := FanOutWidth(env.Project)

	assets := NewEnvelope(run, env.Project, AgentAssetBuilder, PhaseBuild, 1, 1)
	assets.ExpectedSiblings = width
	if err := t.dispatcher.Dispatch(ctx, AgentAssetBuilder, assets); err != nil {
		t.logger.Error("Dispatch failed", "pipeline_run_id", run.ID, "agent", AgentAssetBuilder, "error", err)
	}

	for i, page := range env.Project.Pages {
		member := NewEnvelope(run, env.Project, AgentPageBuilder, PhaseBuild, i+2, 1)
		member.ExpectedSiblings = width
		member.Item = map[string]any{
			"slug":     page.Slug,
			"title":    page.Title,
			"sections": page.Sections,
		}
		if err := t.dispatcher.Dispatch(ctx, AgentPageBuilder, member); err != nil {
			t.logger.Error("Dispatch failed", "pipeline_run_id", run.ID, "agent", AgentPageBuilder, "page", page.Slug, "error", err)
		}
	}
	return width
}

// runRef rebuilds the identity fields of the pipeline run from an
// envelope for envelope construction. Status fields are not needed to
// dispatch, so no ledger read happens here.
func (t *Transitioner) runRef(env *Envelope) *PipelineRun {
	return &PipelineRun{
		ID:            env.PipelineRunID,
		ProjectID:     env.ProjectID,
		CorrelationID: env.CorrelationID,
	}
}

// integrationSequence is the display tie-break position of a phase-5
// agent within the fixed chain.
func integrationSequence(agent string) int {
	for i, link := range integrationChain {
		if link.agent == agent {
			return i + 1
		}
	}
	return 0
}
