package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/courius/sitepipe/metrics"
)

// QualityGate evaluates the phase-3 review score and decides whether the
// pipeline advances to the build phase, rolls back to content assembly
// with structured feedback, or escalates to a human.
//
// Approval is always recomputed as score >= QualityThreshold. The
// reviewer's own approved field is ignored: the orchestration core does
// not trust an upstream judgment it can derive itself.
type QualityGate struct {
	ledger     Ledger
	dispatcher Dispatcher
	logger     *slog.Logger
}

// NewQualityGate creates the gate.
func NewQualityGate(ledger Ledger, dispatcher Dispatcher, logger *slog.Logger) *QualityGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &QualityGate{ledger: ledger, dispatcher: dispatcher, logger: logger}
}

// Evaluate applies the gate to a completed reviewer task run.
func (g *QualityGate) Evaluate(ctx context.Context, env *Envelope, task *TaskRun) error {
	review, err := ParseReviewResult(task.OutputData)
	if err != nil {
		return fmt.Errorf("parse review result: %w", err)
	}

	approved := review.Score >= QualityThreshold
	if approved != review.Approved {
		g.logger.Warn("Reviewer verdict disagrees with recomputed approval, using score",
			"pipeline_run_id", env.PipelineRunID,
			"score", review.Score,
			"reviewer_approved", review.Approved)
	}

	run, err := g.ledger.GetPipelineRun(ctx, env.PipelineRunID)
	if err != nil {
		return fmt.Errorf("load pipeline run: %w", err)
	}

	if approved {
		return g.advance(ctx, run, env, review)
	}
	if run.TotalRetries < MaxQualityRetries {
		return g.retry(ctx, run, env, review)
	}
	return g.escalate(ctx, run, env, review)
}

// advance moves the pipeline into the build phase.
func (g *QualityGate) advance(ctx context.Context, run *PipelineRun, env *Envelope, review *ReviewResult) error {
	if err := g.ledger.SetPipelineStatus(ctx, run.ID, StatusPhase4, PhaseBuild, AgentBuildOrchestrator); err != nil {
		return fmt.Errorf("set status phase_4: %w", err)
	}
	metrics.GateDecisions.WithLabelValues("approved").Inc()

	g.logger.Info("Quality gate approved, advancing to build",
		"pipeline_run_id", run.ID,
		"score", review.Score,
		"retries_used", run.TotalRetries)

	next := NewEnvelope(run, env.Project, AgentBuildOrchestrator, PhaseBuild, 1, 1)
	if err := g.dispatcher.Dispatch(ctx, AgentBuildOrchestrator, next); err != nil {
		g.logger.Error("Dispatch of build orchestrator failed", "pipeline_run_id", run.ID, "error", err)
	}
	return nil
}

// retry rolls the pipeline back to content assembly, folding the review
// issues into the assembler's input so it can target corrections.
func (g *QualityGate) retry(ctx context.Context, run *PipelineRun, env *Envelope, review *ReviewResult) error {
	retries, err := g.ledger.IncrementRetries(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("increment retries: %w", err)
	}
	if err := g.ledger.SetPipelineStatus(ctx, run.ID, StatusPhase2, PhaseAssembly, AgentContentAssembler); err != nil {
		return fmt.Errorf("set status phase_2: %w", err)
	}
	metrics.GateDecisions.WithLabelValues("retry").Inc()

	// First dispatch is attempt 1, so the Nth gate retry is attempt N+1.
	attempt := retries + 1
	g.logger.Info("Quality gate rejected, retrying content assembly",
		"pipeline_run_id", run.ID,
		"score", review.Score,
		"threshold", QualityThreshold,
		"attempt", attempt,
		"max_retries", MaxQualityRetries,
		"issues", len(review.Issues))

	next := NewEnvelope(run, env.Project, AgentContentAssembler, PhaseAssembly, 1, attempt)
	next.Feedback = review.Issues
	if err := g.dispatcher.Dispatch(ctx, AgentContentAssembler, next); err != nil {
		g.logger.Error("Dispatch of assembler retry failed", "pipeline_run_id", run.ID, "error", err)
	}
	return nil
}

// escalate marks the pipeline needs_human with the failing score, the
// responsible agent and a fixed error code for operator triage.
func (g *QualityGate) escalate(ctx context.Context, run *PipelineRun, env *Envelope, review *ReviewResult) error {
	msg := fmt.Sprintf("quality score %.1f below threshold %.1f after %d retries",
		review.Score, QualityThreshold, run.TotalRetries)
	if err := g.ledger.MarkPipelineNeedsHuman(ctx, run.ID, ErrCodeQualityRetriesExhausted, msg, env.AgentName); err != nil {
		return fmt.Errorf("mark needs_human: %w", err)
	}
	metrics.GateDecisions.WithLabelValues("escalated").Inc()

	g.logger.Warn("Quality retries exhausted, escalating to human",
		"pipeline_run_id", run.ID,
		"score", review.Score,
		"retries", run.TotalRetries)
	return nil
}
