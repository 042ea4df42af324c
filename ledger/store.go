// Package ledger provides the Postgres-backed run ledger: pipeline_runs
// and agent_runs. It is the single source of truth for every
// coordination decision the stateless task invocations make, and the
// only synchronization primitive in the system.
package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/courius/sitepipe/pipeline"
)

const (
	pipelineRunsTable = "pipeline_runs"
	agentRunsTable    = "agent_runs"
)

// Store implements pipeline.Ledger backed by Postgres.
type Store struct {
	pool     *pgxpool.Pool
	notifier *Notifier
	logger   *slog.Logger
}

var _ pipeline.Ledger = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithNotifier attaches a row-change notifier for the realtime
// observation channel.
func WithNotifier(n *Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates a ledger store over a connection pool.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:   pool,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureSchema creates the ledger tables and indexes if they don't
// exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("ledger store not initialized")
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + pipelineRunsTable + ` (
    id              TEXT PRIMARY KEY,
    project_id      TEXT NOT NULL,
    correlation_id  TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL DEFAULT 'pending',
    current_phase   INTEGER NOT NULL DEFAULT 0,
    current_agent   TEXT NOT NULL DEFAULT '',
    started_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    completed_at    TIMESTAMPTZ,
    duration_ms     BIGINT NOT NULL DEFAULT 0,
    total_tokens    INTEGER NOT NULL DEFAULT 0,
    total_cost_usd  DOUBLE PRECISION NOT NULL DEFAULT 0,
    total_retries   INTEGER NOT NULL DEFAULT 0,
    error_code      TEXT NOT NULL DEFAULT '',
    error_message   TEXT NOT NULL DEFAULT '',
    error_agent     TEXT NOT NULL DEFAULT '',
    metadata        JSONB NOT NULL DEFAULT '{}'::jsonb
)`,
		`CREATE TABLE IF NOT EXISTS ` + agentRunsTable + ` (
    id                 TEXT PRIMARY KEY,
    pipeline_run_id    TEXT NOT NULL REFERENCES ` + pipelineRunsTable + `(id),
    project_id         TEXT NOT NULL,
    agent_name         TEXT NOT NULL,
    phase              INTEGER NOT NULL,
    sequence           INTEGER NOT NULL DEFAULT 0,
    attempt            INTEGER NOT NULL DEFAULT 1,
    status             TEXT NOT NULL DEFAULT 'pending',
    started_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    completed_at       TIMESTAMPTZ,
    duration_ms        BIGINT NOT NULL DEFAULT 0,
    input_tokens       INTEGER NOT NULL DEFAULT 0,
    output_tokens      INTEGER NOT NULL DEFAULT 0,
    cost_usd           DOUBLE PRECISION NOT NULL DEFAULT 0,
    quality_score      DOUBLE PRECISION,
    validation_passed  BOOLEAN,
    error_code         TEXT NOT NULL DEFAULT '',
    error_message      TEXT NOT NULL DEFAULT '',
    input_data         JSONB,
    output_data        JSONB
)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_runs_pipeline_phase
    ON ` + agentRunsTable + ` (pipeline_run_id, phase)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_runs_pipeline_agent
    ON ` + agentRunsTable + ` (pipeline_run_id, agent_name)`,
		`CREATE INDEX IF NOT EXISTS idx_pipeline_runs_project_status
    ON ` + pipelineRunsTable + ` (project_id, status)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure ledger schema: %w", err)
		}
	}

	s.logger.Debug("Ledger schema ensured",
		"tables", []string{pipelineRunsTable, agentRunsTable})
	return nil
}
