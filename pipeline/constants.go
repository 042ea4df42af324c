package pipeline

import "time"

// Orchestration constants. The barrier budget must stay under the
// hosting invocation's own timeout with margin, and the quality gate's
// retry bound caps total rework.
const (
	// QualityThreshold is the minimum review score (0-10) that advances
	// the pipeline past the quality gate. The reviewer's own verdict
	// field is ignored; approval is always recomputed from the score.
	QualityThreshold = 7.0

	// MaxQualityRetries bounds phase_3 -> phase_2 rollbacks. Once
	// exhausted the pipeline escalates to needs_human.
	MaxQualityRetries = 3

	// DefaultPollInterval is the barrier's sleep between ledger reads.
	DefaultPollInterval = 2 * time.Second

	// DefaultBarrierBudget bounds a barrier's total wall-clock wait.
	DefaultBarrierBudget = 8 * time.Minute
)

// Error codes recorded on failed or escalated pipeline runs.
const (
	ErrCodeQualityRetriesExhausted = "quality_retries_exhausted"
	ErrCodeMandatoryAgentFailed    = "mandatory_agent_failed"
	ErrCodeBarrierTimeout          = "barrier_timeout"
	ErrCodeFanOutFailed            = "fanout_sibling_failed"
	ErrCodeAgentFailed             = "agent_failed"
	ErrCodeDeployFailed            = "deploy_failed"
)

// MetadataAdvanceKey is the one-time coordination flag set in
// PipelineRun.metadata by the fan-out member that wins the right to
// dispatch the post-build phase.
const MetadataAdvanceKey = "phase4_advance_claimed"
