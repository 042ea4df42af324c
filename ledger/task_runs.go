package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/courius/sitepipe/pipeline"
)

// CreateTaskRun inserts the record every task invocation writes at its
// start. The invocation owns the record and updates it exactly once to
// a terminal status via FinalizeTaskRun.
func (s *Store) CreateTaskRun(ctx context.Context, task *pipeline.TaskRun) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO `+agentRunsTable+`
            (id, pipeline_run_id, project_id, agent_name, phase, sequence,
             attempt, status, started_at, input_data)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		task.ID, task.PipelineRunID, task.ProjectID, task.AgentName, task.Phase,
		task.Sequence, task.Attempt, string(task.Status), task.StartedAt, task.InputData)
	if err != nil {
		return fmt.Errorf("insert task run: %w", err)
	}
	s.notifyTask(ctx, task)
	return nil
}

// FinalizeTaskRun writes the task's single terminal update.
func (s *Store) FinalizeTaskRun(ctx context.Context, task *pipeline.TaskRun) error {
	tag, err := s.pool.Exec(ctx, `
        UPDATE `+agentRunsTable+`
        SET status = $2, completed_at = $3, duration_ms = $4,
            input_tokens = $5, output_tokens = $6, cost_usd = $7,
            quality_score = $8, validation_passed = $9,
            error_code = $10, error_message = $11, output_data = $12
        WHERE id = $1`,
		task.ID, string(task.Status), task.CompletedAt, task.DurationMs,
		task.InputTokens, task.OutputTokens, task.CostUSD,
		task.QualityScore, task.ValidationOK,
		task.ErrorCode, task.ErrorMessage, task.OutputData)
	if err != nil {
		return fmt.Errorf("finalize task run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task run %s: %w", task.ID, ErrNotFound)
	}
	s.notifyTask(ctx, task)
	return nil
}

// PhaseTaskStates returns the latest status per agent name for a phase.
// "Latest" is by started_at: reruns of the same agent shadow older rows,
// matching the most-recent-is-authoritative invariant.
func (s *Store) PhaseTaskStates(ctx context.Context, pipelineRunID string, phase int) (map[string]pipeline.TaskStatus, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT DISTINCT ON (agent_name) agent_name, status
        FROM `+agentRunsTable+`
        WHERE pipeline_run_id = $1 AND phase = $2
        ORDER BY agent_name, started_at DESC`,
		pipelineRunID, phase)
	if err != nil {
		return nil, fmt.Errorf("select phase task states: %w", err)
	}
	defer rows.Close()

	states := make(map[string]pipeline.TaskStatus)
	for rows.Next() {
		var agent, status string
		if err := rows.Scan(&agent, &status); err != nil {
			return nil, fmt.Errorf("scan task state: %w", err)
		}
		states[agent] = pipeline.TaskStatus(status)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task states: %w", err)
	}
	return states, nil
}

// CountFanOut returns completed and failed counts across the named
// fan-out agents. Each sibling is its own row, so row counts are
// sibling counts.
func (s *Store) CountFanOut(ctx context.Context, pipelineRunID string, phase int, agents []string) (completed, failed int, err error) {
	err = s.pool.QueryRow(ctx, `
        SELECT
            COUNT(*) FILTER (WHERE status = $4),
            COUNT(*) FILTER (WHERE status = $5)
        FROM `+agentRunsTable+`
        WHERE pipeline_run_id = $1 AND phase = $2 AND agent_name = ANY($3)`,
		pipelineRunID, phase, agents,
		string(pipeline.TaskCompleted), string(pipeline.TaskFailed)).
		Scan(&completed, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("count fan-out siblings: %w", err)
	}
	return completed, failed, nil
}

// LatestCompletedOutput returns the output payload of the most recent
// completed run of the agent — the authoritative copy when downstream
// tasks read an agent's output.
func (s *Store) LatestCompletedOutput(ctx context.Context, pipelineRunID string, phase int, agent string) (map[string]any, error) {
	var output map[string]any
	err := s.pool.QueryRow(ctx, `
        SELECT output_data
        FROM `+agentRunsTable+`
        WHERE pipeline_run_id = $1 AND phase = $2 AND agent_name = $3
          AND status = $4
        ORDER BY completed_at DESC NULLS LAST
        LIMIT 1`,
		pipelineRunID, phase, agent, string(pipeline.TaskCompleted)).
		Scan(&output)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("no completed %s output for pipeline %s: %w", agent, pipelineRunID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select latest output: %w", err)
	}
	return output, nil
}

// ListCompletedOutputs returns every completed output payload for the
// agent in completion order. Fan-out siblings share one agent name with
// one row each, so this collects the whole fan-out's product; retried
// siblings sort later so callers folding by a payload key keep the
// newest.
func (s *Store) ListCompletedOutputs(ctx context.Context, pipelineRunID string, phase int, agent string) ([]map[string]any, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT output_data
        FROM `+agentRunsTable+`
        WHERE pipeline_run_id = $1 AND phase = $2 AND agent_name = $3
          AND status = $4
        ORDER BY completed_at NULLS LAST`,
		pipelineRunID, phase, agent, string(pipeline.TaskCompleted))
	if err != nil {
		return nil, fmt.Errorf("select completed outputs: %w", err)
	}
	defer rows.Close()

	var outputs []map[string]any
	for rows.Next() {
		var output map[string]any
		if err := rows.Scan(&output); err != nil {
			return nil, fmt.Errorf("scan completed output: %w", err)
		}
		outputs = append(outputs, output)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate completed outputs: %w", err)
	}
	return outputs, nil
}

// HasCompletedTask reports whether any completed run of the agent exists
// for the pipeline. The deploy task's idempotency under duplicate
// triggers rests on this check.
func (s *Store) HasCompletedTask(ctx context.Context, pipelineRunID, agent string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM `+agentRunsTable+`
            WHERE pipeline_run_id = $1 AND agent_name = $2 AND status = $3
        )`,
		pipelineRunID, agent, string(pipeline.TaskCompleted)).
		Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check completed task: %w", err)
	}
	return exists, nil
}
