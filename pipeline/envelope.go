package pipeline

import (
	"fmt"
	"time"
)

// Envelope is the self-describing message passed into every task
// invocation. It is never persisted; the TaskRun the invocation creates
// must match the envelope's phase and sequence exactly.
type Envelope struct {
	PipelineRunID string `json:"pipeline_run_id"`
	ProjectID     string `json:"project_id"`
	CorrelationID string `json:"correlation_id"`
	AgentName     string `json:"agent_name"`
	Phase         int    `json:"phase"`
	Sequence      int    `json:"sequence"`
	Attempt       int    `json:"attempt"`
	MaxAttempts   int    `json:"max_attempts"`

	Timestamp time.Time `json:"timestamp"`

	// Project is the full client payload.
	Project Project `json:"project"`

	// Item is the per-member input for fan-out tasks (e.g. one page spec).
	Item map[string]any `json:"item,omitempty"`

	// ExpectedSiblings is the fan-out width, set on every phase-4 member
	// so each can independently check the release condition.
	ExpectedSiblings int `json:"expected_siblings,omitempty"`

	// Feedback carries structured review issues into a quality-gate
	// retry of the content assembler.
	Feedback []ReviewIssue `json:"feedback,omitempty"`
}

// Validate checks envelope invariants before a task acts on it.
func (e *Envelope) Validate() error {
	if e.PipelineRunID == "" {
		return fmt.Errorf("pipeline_run_id is required")
	}
	if e.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	if e.AgentName == "" {
		return fmt.Errorf("agent_name is required")
	}
	if e.Phase < 1 || e.Phase > 6 {
		return fmt.Errorf("phase out of range: %d", e.Phase)
	}
	if e.Attempt < 1 {
		return fmt.Errorf("attempt must be >= 1, got %d", e.Attempt)
	}
	return e.Project.Validate()
}

// NewEnvelope builds an envelope for dispatching agentName on behalf of
// the given run.
func NewEnvelope(run *PipelineRun, project Project, agentName string, phase, sequence, attempt int) *Envelope {
	return &Envelope{
		PipelineRunID: run.ID,
		ProjectID:     run.ProjectID,
		CorrelationID: run.CorrelationID,
		AgentName:     agentName,
		Phase:         phase,
		Sequence:      sequence,
		Attempt:       attempt,
		MaxAttempts:   MaxQualityRetries + 1,
		Timestamp:     time.Now().UTC(),
		Project:       project,
	}
}
