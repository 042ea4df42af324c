package pipeline

import (
	"context"
	"time"
)

// PipelineRun is the ledger record for one generation attempt. Created
// once, mutated only by the transition controller and the quality gate,
// never deleted — regeneration supersedes it with a new run.
type PipelineRun struct {
	ID            string         `json:"id"`
	ProjectID     string         `json:"project_id"`
	CorrelationID string         `json:"correlation_id"`
	Status        Status         `json:"status"`
	CurrentPhase  int            `json:"current_phase"`
	CurrentAgent  string         `json:"current_agent,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	DurationMs    int64          `json:"duration_ms,omitempty"`
	TotalTokens   int            `json:"total_tokens"`
	TotalCostUSD  float64        `json:"total_cost_usd"`
	TotalRetries  int            `json:"total_retries"`
	ErrorCode     string         `json:"error_code,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	ErrorAgent    string         `json:"error_agent,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// TaskRun is the ledger record for one agent invocation. Each invocation
// creates its own record and updates it exactly once to a terminal
// status. Output payloads are opaque to the orchestration core — only
// their presence and phase matter for coordination.
type TaskRun struct {
	ID            string         `json:"id"`
	PipelineRunID string         `json:"pipeline_run_id"`
	ProjectID     string         `json:"project_id"`
	AgentName     string         `json:"agent_name"`
	Phase         int            `json:"phase"`
	Sequence      int            `json:"sequence"`
	Attempt       int            `json:"attempt"`
	Status        TaskStatus     `json:"status"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	DurationMs    int64          `json:"duration_ms,omitempty"`
	InputTokens   int            `json:"input_tokens"`
	OutputTokens  int            `json:"output_tokens"`
	CostUSD       float64        `json:"cost_usd"`
	QualityScore  *float64       `json:"quality_score,omitempty"`
	ValidationOK  *bool          `json:"validation_passed,omitempty"`
	ErrorCode     string         `json:"error_code,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	InputData     map[string]any `json:"input_data,omitempty"`
	OutputData    map[string]any `json:"output_data,omitempty"`
}

// Skipped reports whether this task run is a skip marker: terminal
// completed with no real work done (unpurchased or unconfigured add-on).
func (t *TaskRun) Skipped() bool {
	if t.OutputData == nil {
		return false
	}
	skipped, _ := t.OutputData["skipped"].(bool)
	return skipped
}

// Ledger is the shared relational store every coordination decision
// reads from and writes to. Implemented by the ledger package; tests use
// the in-memory fake from pipelinetest.
type Ledger interface {
	CreatePipelineRun(ctx context.Context, run *PipelineRun) error
	GetPipelineRun(ctx context.Context, id string) (*PipelineRun, error)

	// SetPipelineStatus moves a run to a phase-marker status, keeping
	// current_phase and current_agent consistent with it.
	SetPipelineStatus(ctx context.Context, id string, status Status, phase int, agent string) error

	MarkPipelineCompleted(ctx context.Context, id string) error
	MarkPipelineFailed(ctx context.Context, id, code, message, agent string) error
	MarkPipelineNeedsHuman(ctx context.Context, id, code, message, agent string) error

	// IncrementRetries bumps total_retries and returns the new count.
	IncrementRetries(ctx context.Context, id string) (int, error)

	// AddPipelineUsage accumulates token and cost counters onto the run.
	AddPipelineUsage(ctx context.Context, id string, tokens int, costUSD float64) error

	// ClaimAdvance atomically sets a one-time metadata flag. Exactly one
	// concurrent caller observes true; everyone else observes false.
	ClaimAdvance(ctx context.Context, id, key string) (bool, error)

	// CancelActive bulk-updates all active runs and tasks (for one
	// project, or all projects when projectID is empty) to cancelled.
	// It is the only writer of the cancelled status.
	CancelActive(ctx context.Context, projectID string) (runs, tasks int64, err error)

	CreateTaskRun(ctx context.Context, task *TaskRun) error

	// FinalizeTaskRun writes the task's single terminal update: status,
	// output, score, usage, error fields and completion timestamps.
	FinalizeTaskRun(ctx context.Context, task *TaskRun) error

	// PhaseTaskStates returns the latest status per agent name for a
	// phase — the fixed barrier's release check.
	PhaseTaskStates(ctx context.Context, pipelineRunID string, phase int) (map[string]TaskStatus, error)

	// CountFanOut returns completed and failed counts across the named
	// sibling agents of a dynamic fan-out phase. The orchestrating task
	// itself is excluded by not being named.
	CountFanOut(ctx context.Context, pipelineRunID string, phase int, agents []string) (completed, failed int, err error)

	// LatestCompletedOutput returns the output of the most recent
	// completed task run for the agent — the authoritative copy when
	// downstream tasks read an agent's output.
	LatestCompletedOutput(ctx context.Context, pipelineRunID string, phase int, agent string) (map[string]any, error)

	// ListCompletedOutputs returns every completed output for the agent
	// in completion order. Fan-out members share one agent name with one
	// row per sibling, so this is how a downstream task collects the
	// whole fan-out's product. Retried siblings appear in order; callers
	// folding by a payload key keep the newest.
	ListCompletedOutputs(ctx context.Context, pipelineRunID string, phase int, agent string) ([]map[string]any, error)

	// HasCompletedTask reports whether any completed run of the agent
	// exists for the pipeline. Deploy deduplication depends on it.
	HasCompletedTask(ctx context.Context, pipelineRunID, agent string) (bool, error)
}

// Dispatcher sends a fire-and-forget trigger to an agent's invocation
// endpoint. A submit failure is logged by the implementation and must
// never fail the pipeline: the barrier notices missing completions.
type Dispatcher interface {
	Dispatch(ctx context.Context, agentName string, env *Envelope) error
}
