package pipeline

import "fmt"

// Status is the lifecycle state of a PipelineRun.
type Status string

// Pipeline run statuses. Transitions are monotonic forward with a single
// exception: the quality gate may roll phase_3 back to phase_2 a bounded
// number of times.
const (
	StatusPending    Status = "pending"
	StatusPhase1     Status = "phase_1"
	StatusPhase2     Status = "phase_2"
	StatusPhase3     Status = "phase_3"
	StatusPhase4     Status = "phase_4"
	StatusPhase5     Status = "phase_5"
	StatusPhase6     Status = "phase_6"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusNeedsHuman Status = "needs_human"
	StatusCancelled  Status = "cancelled"
)

// PhaseStatus returns the phase-marker status for a phase number 1-6.
func PhaseStatus(phase int) (Status, error) {
	if phase < 1 || phase > 6 {
		return "", fmt.Errorf("phase out of range: %d", phase)
	}
	return Status(fmt.Sprintf("phase_%d", phase)), nil
}

// IsTerminal reports whether the status is a terminal pipeline state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusNeedsHuman, StatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether a run in this status is still in flight.
// Active runs are the ones affected by an administrative stop.
func (s Status) IsActive() bool {
	return !s.IsTerminal()
}

// TaskStatus is the lifecycle state of a TaskRun.
type TaskStatus string

// Task run statuses. A task is created as running by its own invocation
// and updated exactly once to a terminal status. Skipped phase-5 tasks
// are written as completed with a skip marker in their output so that
// ledger completeness checks stay correct; TaskSkipped is retained as a
// display value.
const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
	TaskSkipped   TaskStatus = "skipped"
)

// IsTerminal reports whether the task status is terminal.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskSkipped:
		return true
	}
	return false
}
