package ledger

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/courius/sitepipe/pipeline"
)

// Row-change subjects for the realtime observation channel. Dashboards
// subscribe to these for live progress display; the orchestration core
// never reads them back.
const (
	SubjectRunChanged  = "sitepipe.ledger.pipeline_runs"
	SubjectTaskChanged = "sitepipe.ledger.agent_runs"
)

// RunChangeEvent is published on every pipeline_runs write.
type RunChangeEvent struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id,omitempty"`
	Status    string    `json:"status"`
	ChangedAt time.Time `json:"changed_at"`
}

// TaskChangeEvent is published on every agent_runs write.
type TaskChangeEvent struct {
	ID            string    `json:"id"`
	PipelineRunID string    `json:"pipeline_run_id"`
	ProjectID     string    `json:"project_id,omitempty"`
	AgentName     string    `json:"agent_name"`
	Phase         int       `json:"phase"`
	Status        string    `json:"status"`
	ChangedAt     time.Time `json:"changed_at"`
}

// Notifier publishes ledger row changes to NATS. A nil Notifier (or a
// Notifier without a connection) degrades gracefully: observation is a
// best-effort side channel, never a failure source for the pipeline.
type Notifier struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// NewNotifier creates a notifier over an established NATS connection.
func NewNotifier(nc *nats.Conn, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{nc: nc, logger: logger}
}

func (n *Notifier) publish(subject string, event any) {
	if n == nil || n.nc == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		n.logger.Warn("Failed to marshal row-change event", "subject", subject, "error", err)
		return
	}
	if err := n.nc.Publish(subject, data); err != nil {
		n.logger.Warn("Failed to publish row-change event", "subject", subject, "error", err)
	}
}

func (s *Store) notifyRun(_ context.Context, id, projectID string, status pipeline.Status) {
	if s.notifier == nil {
		return
	}
	s.notifier.publish(SubjectRunChanged, RunChangeEvent{
		ID:        id,
		ProjectID: projectID,
		Status:    string(status),
		ChangedAt: time.Now().UTC(),
	})
}

func (s *Store) notifyTask(_ context.Context, task *pipeline.TaskRun) {
	if s.notifier == nil {
		return
	}
	s.notifier.publish(SubjectTaskChanged, TaskChangeEvent{
		ID:            task.ID,
		PipelineRunID: task.PipelineRunID,
		ProjectID:     task.ProjectID,
		AgentName:     task.AgentName,
		Phase:         task.Phase,
		Status:        string(task.Status),
		ChangedAt:     time.Now().UTC(),
	})
}
