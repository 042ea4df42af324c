package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/courius/sitepipe/pipeline"
)

// ErrNotFound is returned when a requested run does not exist.
var ErrNotFound = errors.New("ledger: not found")

const pipelineRunColumns = `id, project_id, correlation_id, status, current_phase,
    current_agent, started_at, completed_at, duration_ms, total_tokens,
    total_cost_usd, total_retries, error_code, error_message, error_agent, metadata`

// CreatePipelineRun inserts a new generation attempt. Runs are never
// deleted; regeneration inserts a new row that supersedes older ones.
func (s *Store) CreatePipelineRun(ctx context.Context, run *pipeline.PipelineRun) error {
	metadata := run.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	_, err := s.pool.Exec(ctx, `
        INSERT INTO `+pipelineRunsTable+`
            (id, project_id, correlation_id, status, current_phase, started_at, metadata)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.ProjectID, run.CorrelationID, string(run.Status), run.CurrentPhase,
		run.StartedAt, metadata)
	if err != nil {
		return fmt.Errorf("insert pipeline run: %w", err)
	}
	s.notifyRun(ctx, run.ID, run.ProjectID, run.Status)
	return nil
}

// GetPipelineRun loads one run by id.
func (s *Store) GetPipelineRun(ctx context.Context, id string) (*pipeline.PipelineRun, error) {
	row := s.pool.QueryRow(ctx, `
        SELECT `+pipelineRunColumns+`
        FROM `+pipelineRunsTable+`
        WHERE id = $1`, id)

	run := &pipeline.PipelineRun{}
	var status string
	err := row.Scan(&run.ID, &run.ProjectID, &run.CorrelationID, &status, &run.CurrentPhase,
		&run.CurrentAgent, &run.StartedAt, &run.CompletedAt, &run.DurationMs, &run.TotalTokens,
		&run.TotalCostUSD, &run.TotalRetries, &run.ErrorCode, &run.ErrorMessage, &run.ErrorAgent,
		&run.Metadata)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pipeline run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select pipeline run: %w", err)
	}
	run.Status = pipeline.Status(status)
	return run, nil
}

// SetPipelineStatus moves a run to a phase-marker status, keeping
// current_phase and current_agent consistent with it.
func (s *Store) SetPipelineStatus(ctx context.Context, id string, status pipeline.Status, phase int, agent string) error {
	tag, err := s.pool.Exec(ctx, `
        UPDATE `+pipelineRunsTable+`
        SET status = $2, current_phase = $3, current_agent = $4
        WHERE id = $1`,
		id, string(status), phase, agent)
	if err != nil {
		return fmt.Errorf("update pipeline status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pipeline run %s: %w", id, ErrNotFound)
	}
	s.notifyRun(ctx, id, "", status)
	return nil
}

// MarkPipelineCompleted finishes a run successfully.
func (s *Store) MarkPipelineCompleted(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
        UPDATE `+pipelineRunsTable+`
        SET status = $2, completed_at = now(),
            duration_ms = (EXTRACT(EPOCH FROM (now() - started_at)) * 1000)::bigint
        WHERE id = $1`,
		id, string(pipeline.StatusCompleted))
	if err != nil {
		return fmt.Errorf("mark pipeline completed: %w", err)
	}
	s.notifyRun(ctx, id, "", pipeline.StatusCompleted)
	return nil
}

// MarkPipelineFailed finishes a run with a fatal error.
func (s *Store) MarkPipelineFailed(ctx context.Context, id, code, message, agent string) error {
	return s.finishWithError(ctx, id, pipeline.StatusFailed, code, message, agent)
}

// MarkPipelineNeedsHuman escalates a run for operator triage, retaining
// the failing code, message, and responsible agent.
func (s *Store) MarkPipelineNeedsHuman(ctx context.Context, id, code, message, agent string) error {
	return s.finishWithError(ctx, id, pipeline.StatusNeedsHuman, code, message, agent)
}

func (s *Store) finishWithError(ctx context.Context, id string, status pipeline.Status, code, message, agent string) error {
	_, err := s.pool.Exec(ctx, `
        UPDATE `+pipelineRunsTable+`
        SET status = $2, error_code = $3, error_message = $4, error_agent = $5,
            completed_at = now(),
            duration_ms = (EXTRACT(EPOCH FROM (now() - started_at)) * 1000)::bigint
        WHERE id = $1`,
		id, string(status), code, message, agent)
	if err != nil {
		return fmt.Errorf("mark pipeline %s: %w", status, err)
	}
	s.notifyRun(ctx, id, "", status)
	return nil
}

// IncrementRetries bumps total_retries and returns the new count.
func (s *Store) IncrementRetries(ctx context.Context, id string) (int, error) {
	var retries int
	err := s.pool.QueryRow(ctx, `
        UPDATE `+pipelineRunsTable+`
        SET total_retries = total_retries + 1
        WHERE id = $1
        RETURNING total_retries`, id).Scan(&retries)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("pipeline run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("increment retries: %w", err)
	}
	return retries, nil
}

// AddPipelineUsage accumulates token and cost counters onto the run.
func (s *Store) AddPipelineUsage(ctx context.Context, id string, tokens int, costUSD float64) error {
	_, err := s.pool.Exec(ctx, `
        UPDATE `+pipelineRunsTable+`
        SET total_tokens = total_tokens + $2, total_cost_usd = total_cost_usd + $3
        WHERE id = $1`,
		id, tokens, costUSD)
	if err != nil {
		return fmt.Errorf("add pipeline usage: %w", err)
	}
	return nil
}

// ClaimAdvance atomically sets a one-time metadata flag. The WHERE
// clause makes the check-and-set a single statement, so exactly one
// concurrent claimant observes an affected row. This pushes the
// one-time-advance invariant into the storage layer instead of relying
// on application-level race tolerance.
func (s *Store) ClaimAdvance(ctx context.Context, id, key string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
        UPDATE `+pipelineRunsTable+`
        SET metadata = metadata || jsonb_build_object($2::text, true)
        WHERE id = $1 AND NOT (metadata ? $2::text)`,
		id, key)
	if err != nil {
		return false, fmt.Errorf("claim advance flag: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CancelActive bulk-updates every active run and task for one project
// (or all projects when projectID is empty) to cancelled, in a single
// transaction. It is the only writer of the cancelled status. Tasks
// already past their last guard check will still write their own
// terminal status on top of this — that is the accepted lossiness of
// cooperative cancellation.
func (s *Store) CancelActive(ctx context.Context, projectID string) (runs, tasks int64, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("begin cancel transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	activeStatuses := []string{
		string(pipeline.StatusPending),
		string(pipeline.StatusPhase1), string(pipeline.StatusPhase2),
		string(pipeline.StatusPhase3), string(pipeline.StatusPhase4),
		string(pipeline.StatusPhase5), string(pipeline.StatusPhase6),
	}

	runTag, err := tx.Exec(ctx, `
        UPDATE `+pipelineRunsTable+`
        SET status = $1, completed_at = now()
        WHERE status = ANY($2)
          AND ($3 = '' OR project_id = $3)`,
		string(pipeline.StatusCancelled), activeStatuses, projectID)
	if err != nil {
		return 0, 0, fmt.Errorf("cancel pipeline runs: %w", err)
	}

	taskTag, err := tx.Exec(ctx, `
        UPDATE `+agentRunsTable+`
        SET status = $1, completed_at = now()
        WHERE status = ANY($2)
          AND ($3 = '' OR project_id = $3)`,
		string(pipeline.TaskCancelled),
		[]string{string(pipeline.TaskPending), string(pipeline.TaskRunning)},
		projectID)
	if err != nil {
		return 0, 0, fmt.Errorf("cancel agent runs: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("commit cancel transaction: %w", err)
	}

	s.logger.Info("Cancelled active runs",
		"project_id", projectID,
		"pipeline_runs", runTag.RowsAffected(),
		"agent_runs", taskTag.RowsAffected())
	return runTag.RowsAffected(), taskTag.RowsAffected(), nil
}
