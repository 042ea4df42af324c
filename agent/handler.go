package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/courius/sitepipe/metrics"
	"github.com/courius/sitepipe/pipeline"
)

// TaskResponse is the invocation endpoint's reply. Background agents
// answer with Status "processing" before their work finishes; the
// authoritative outcome is always the ledger, not this response.
type TaskResponse struct {
	Success      bool           `json:"success"`
	TaskRunID    string         `json:"task_run_id"`
	AgentName    string         `json:"agent_name"`
	Status       string         `json:"status"`
	Output       map[string]any `json:"output,omitempty"`
	QualityScore *float64       `json:"quality_score,omitempty"`
	Error        string         `json:"error,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
}

// handleTask is the single invocation endpoint every dispatch hits.
// Flow: validate envelope, pre-check cancellation, record the task run,
// execute the agent (inline or detached), finalize the run, post-check
// cancellation, then hand the terminal task to the transition
// controller.
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	agentName := r.PathValue("agent")
	ag, ok := s.registry.Get(agentName)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown agent: "+agentName)
		return
	}

	var env pipeline.Envelope
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid envelope: "+err.Error())
		return
	}
	if err := env.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if env.AgentName != agentName {
		writeError(w, http.StatusBadRequest, "envelope agent_name does not match endpoint")
		return
	}

	ctx := r.Context()
	task := newTaskRun(&env)

	// Pre-execution guard: a stop that landed before this invocation
	// means the task records itself cancelled and does no work.
	if cancelled, err := s.guard.Cancelled(ctx, env.PipelineRunID); err != nil {
		s.logger.Error("Cancellation pre-check failed",
			"pipeline_run_id", env.PipelineRunID, "agent", agentName, "error", err)
		writeError(w, http.StatusInternalServerError, "ledger unavailable")
		return
	} else if cancelled {
		task.Status = pipeline.TaskCancelled
		s.recordCancelled(ctx, task)
		writeJSON(w, http.StatusOK, TaskResponse{
			Success:   true,
			TaskRunID: task.ID,
			AgentName: agentName,
			Status:    string(pipeline.TaskCancelled),
		})
		return
	}

	if err := s.ledger.CreateTaskRun(ctx, task); err != nil {
		s.logger.Error("Failed to create task run",
			"pipeline_run_id", env.PipelineRunID, "agent", agentName, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record task run")
		return
	}
	metrics.TasksStarted.WithLabelValues(agentName).Inc()

	if ag.Background() {
		// Acknowledge now; the work continues detached from this request.
		writeJSON(w, http.StatusAccepted, TaskResponse{
			Success:   true,
			TaskRunID: task.ID,
			AgentName: agentName,
			Status:    "processing",
		})
		detached := context.WithoutCancel(ctx)
		go s.execute(detached, ag, &env, task)
		return
	}

	s.execute(ctx, ag, &env, task)
	writeJSON(w, taskHTTPStatus(task), taskResponse(task))
}

// execute runs the agent, finalizes the task run, rolls usage up onto
// the pipeline run and advances the pipeline. Errors past this point are
// logged, never returned: the invocation already owns a ledger record
// that tells the real story.
func (s *Server) execute(ctx context.Context, ag Agent, env *pipeline.Envelope, task *pipeline.TaskRun) {
	result, err := ag.Execute(ctx, env)

	now := time.Now().UTC()
	task.CompletedAt = &now
	task.DurationMs = now.Sub(task.StartedAt).Milliseconds()

	if err != nil {
		task.Status = pipeline.TaskFailed
		task.ErrorMessage = err.Error()
		task.ErrorCode = errorCode(err)
	} else {
		task.Status = pipeline.TaskCompleted
		if result != nil {
			task.OutputData = result.Output
			task.QualityScore = result.QualityScore
			task.ValidationOK = result.ValidationOK
			task.InputTokens = result.InputTokens
			task.OutputTokens = result.OutputTokens
			task.CostUSD = result.CostUSD
		}
	}

	// Post-execution guard: if a stop landed while we worked, record
	// cancelled and do not advance. Work already done stays done.
	if cancelled, gerr := s.guard.Cancelled(ctx, env.PipelineRunID); gerr != nil {
		s.logger.Error("Cancellation post-check failed",
			"pipeline_run_id", env.PipelineRunID, "agent", env.AgentName, "error", gerr)
	} else if cancelled {
		task.Status = pipeline.TaskCancelled
		task.ErrorCode = ""
		task.ErrorMessage = ""
		s.finalize(ctx, task)
		return
	}

	s.finalize(ctx, task)

	if tokens := task.InputTokens + task.OutputTokens; tokens > 0 || task.CostUSD > 0 {
		if uerr := s.ledger.AddPipelineUsage(ctx, env.PipelineRunID, tokens, task.CostUSD); uerr != nil {
			s.logger.Error("Failed to add pipeline usage",
				"pipeline_run_id", env.PipelineRunID, "agent", env.AgentName, "error", uerr)
		}
	}

	if err != nil {
		s.logger.Error("Agent execution failed",
			"pipeline_run_id", env.PipelineRunID,
			"agent", env.AgentName,
			"phase", env.Phase,
			"error_code", task.ErrorCode,
			"error", err)
	}

	if aerr := s.transitioner.Advance(ctx, env, task); aerr != nil {
		s.logger.Error("Phase transition failed",
			"pipeline_run_id", env.PipelineRunID,
			"agent", env.AgentName,
			"phase", env.Phase,
			"error", aerr)
	}
}

func (s *Server) finalize(ctx context.Context, task *pipeline.TaskRun) {
	if err := s.ledger.FinalizeTaskRun(ctx, task); err != nil {
		s.logger.Error("Failed to finalize task run",
			"task_run_id", task.ID, "agent", task.AgentName, "error", err)
		return
	}
	metrics.TasksFinished.WithLabelValues(task.AgentName, string(task.Status)).Inc()
}

// recordCancelled writes a create+finalize pair for a task that never
// ran, so the ledger shows the invocation happened and was stopped.
func (s *Server) recordCancelled(ctx context.Context, task *pipeline.TaskRun) {
	status := task.Status
	task.Status = pipeline.TaskRunning
	if err := s.ledger.CreateTaskRun(ctx, task); err != nil {
		s.logger.Error("Failed to record cancelled task run",
			"task_run_id", task.ID, "agent", task.AgentName, "error", err)
		return
	}
	now := time.Now().UTC()
	task.Status = status
	task.CompletedAt = &now
	s.finalize(ctx, task)
}

func newTaskRun(env *pipeline.Envelope) *pipeline.TaskRun {
	input := map[string]any{}
	if env.Item != nil {
		input["item"] = env.Item
	}
	if len(env.Feedback) > 0 {
		input["feedback"] = env.Feedback
	}
	return &pipeline.TaskRun{
		ID:            uuid.New().String(),
		PipelineRunID: env.PipelineRunID,
		ProjectID:     env.ProjectID,
		AgentName:     env.AgentName,
		Phase:         env.Phase,
		Sequence:      env.Sequence,
		Attempt:       env.Attempt,
		Status:        pipeline.TaskRunning,
		StartedAt:     time.Now().UTC(),
		InputData:     input,
	}
}

// errorCode extracts a pipeline error code from an agent failure.
// Barrier aborts carry their own code; everything else defaults to the
// generic agent failure the transition controller records.
func errorCode(err error) string {
	var barrierErr *pipeline.BarrierError
	if errors.As(err, &barrierErr) {
		return barrierErr.Code
	}
	return pipeline.ErrCodeAgentFailed
}

func taskResponse(task *pipeline.TaskRun) TaskResponse {
	return TaskResponse{
		Success:      task.Status == pipeline.TaskCompleted,
		TaskRunID:    task.ID,
		AgentName:    task.AgentName,
		Status:       string(task.Status),
		Output:       task.OutputData,
		QualityScore: task.QualityScore,
		Error:        task.ErrorMessage,
		ErrorCode:    task.ErrorCode,
	}
}

func taskHTTPStatus(task *pipeline.TaskRun) int {
	if task.Status == pipeline.TaskFailed {
		return http.StatusInternalServerError
	}
	return http.StatusOK
}
