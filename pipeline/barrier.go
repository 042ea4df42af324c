package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/courius/sitepipe/metrics"
)

// BarrierError is a barrier abort with an error code destined for the
// pipeline run's error fields.
type BarrierError struct {
	Code  string
	Agent string
	msg   string
}

func (e *BarrierError) Error() string { return e.msg }

// BarrierResult describes a successful barrier release.
type BarrierResult struct {
	// Completed and Failed are the terminal counts observed at release.
	Completed int
	Failed    int

	// Degraded is true when the budget ran out but the mandatory member
	// had completed, so the barrier proceeded without the stragglers.
	Degraded bool

	// Dropped lists the non-mandatory agents that never reached a
	// terminal state before release.
	Dropped []string
}

// Barrier waits for a set of sibling task runs to reach terminal states
// by polling the ledger. Two shapes share the algorithm: a fixed set
// with a mandatory subset (phase 1) and a dynamically-sized fan-out set
// where every sibling is mandatory (phase 4).
type Barrier struct {
	ledger   Ledger
	interval time.Duration
	budget   time.Duration
	logger   *slog.Logger
}

// NewBarrier creates a barrier. Interval and budget fall back to the
// package defaults when zero.
func NewBarrier(ledger Ledger, interval, budget time.Duration, logger *slog.Logger) *Barrier {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if budget <= 0 {
		budget = DefaultBarrierBudget
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Barrier{ledger: ledger, interval: interval, budget: budget, logger: logger}
}

// WaitFixed polls until every agent in the set is terminal and every
// mandatory agent completed. A failed mandatory agent aborts
// immediately. On budget exhaustion the barrier proceeds anyway if all
// mandatory members completed — non-critical side agents may be dropped
// — and aborts otherwise.
func (b *Barrier) WaitFixed(ctx context.Context, pipelineRunID string, phase int, agents, mandatory []string) (*BarrierResult, error) {
	deadline := time.Now().Add(b.budget)

	for {
		if cancelled, err := b.pipelineCancelled(ctx, pipelineRunID); err != nil {
			return nil, err
		} else if cancelled {
			return nil, context.Canceled
		}

		metrics.BarrierPolls.Inc()
		states, err := b.ledger.PhaseTaskStates(ctx, pipelineRunID, phase)
		if err != nil {
			return nil, fmt.Errorf("poll phase %d task states: %w", phase, err)
		}

		result := summarize(states, agents)

		for _, name := range mandatory {
			if states[name] == TaskFailed {
				return nil, &BarrierError{
					Code:  ErrCodeMandatoryAgentFailed,
					Agent: name,
					msg:   fmt.Sprintf("mandatory agent %s failed in phase %d", name, phase),
				}
			}
		}

		if allTerminal(states, agents) && allCompleted(states, mandatory) {
			return result, nil
		}

		if time.Now().After(deadline) {
			if allCompleted(states, mandatory) {
				result.Degraded = true
				result.Dropped = nonTerminal(states, agents)
				b.logger.Warn("Barrier budget exhausted, proceeding without stragglers",
					"pipeline_run_id", pipelineRunID,
					"phase", phase,
					"dropped", result.Dropped)
				return result, nil
			}
			return nil, &BarrierError{
				Code: ErrCodeBarrierTimeout,
				msg:  fmt.Sprintf("phase %d barrier budget exhausted before mandatory completion", phase),
			}
		}

		if err := b.sleep(ctx); err != nil {
			return nil, err
		}
	}
}

// WaitFanOut polls until completed siblings reach expected. Any failed
// sibling aborts immediately — every fan-out member is mandatory. Budget
// exhaustion aborts as well.
func (b *Barrier) WaitFanOut(ctx context.Context, pipelineRunID string, phase, expected int) (*BarrierResult, error) {
	deadline := time.Now().Add(b.budget)

	for {
		if cancelled, err := b.pipelineCancelled(ctx, pipelineRunID); err != nil {
			return nil, err
		} else if cancelled {
			return nil, context.Canceled
		}

		metrics.BarrierPolls.Inc()
		completed, failed, err := b.ledger.CountFanOut(ctx, pipelineRunID, phase, FanOutAgents)
		if err != nil {
			return nil, fmt.Errorf("poll fan-out counts: %w", err)
		}

		if failed > 0 {
			return nil, &BarrierError{
				Code: ErrCodeFanOutFailed,
				msg:  fmt.Sprintf("%d of %d fan-out siblings failed in phase %d", failed, expected, phase),
			}
		}
		if completed >= expected {
			return &BarrierResult{Completed: completed}, nil
		}

		if time.Now().After(deadline) {
			return nil, &BarrierError{
				Code: ErrCodeBarrierTimeout,
				msg:  fmt.Sprintf("fan-out barrier budget exhausted: %d of %d siblings completed", completed, expected),
			}
		}

		if err := b.sleep(ctx); err != nil {
			return nil, err
		}
	}
}

// FanOutReady is the single-read release check a completing fan-out
// member performs on itself: true once completed siblings reach
// expected. A failed sibling surfaces as a BarrierError so the caller
// can fail the pipeline.
func (b *Barrier) FanOutReady(ctx context.Context, pipelineRunID string, phase, expected int) (bool, error) {
	completed, failed, err := b.ledger.CountFanOut(ctx, pipelineRunID, phase, FanOutAgents)
	if err != nil {
		return false, fmt.Errorf("count fan-out siblings: %w", err)
	}
	if failed > 0 {
		return false, &BarrierError{
			Code: ErrCodeFanOutFailed,
			msg:  fmt.Sprintf("%d fan-out siblings failed in phase %d", failed, phase),
		}
	}
	return completed >= expected, nil
}

func (b *Barrier) pipelineCancelled(ctx context.Context, pipelineRunID string) (bool, error) {
	run, err := b.ledger.GetPipelineRun(ctx, pipelineRunID)
	if err != nil {
		return false, fmt.Errorf("read pipeline status: %w", err)
	}
	return run.Status == StatusCancelled, nil
}

func (b *Barrier) sleep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(b.interval):
		return nil
	}
}

func summarize(states map[string]TaskStatus, agents []string) *BarrierResult {
	result := &BarrierResult{}
	for _, name := range agents {
		switch states[name] {
		case TaskCompleted, TaskSkipped:
			result.Completed++
		case TaskFailed:
			result.Failed++
		}
	}
	return result
}

func allTerminal(states map[string]TaskStatus, agents []string) bool {
	for _, name := range agents {
		if !states[name].IsTerminal() {
			return false
		}
	}
	return true
}

func allCompleted(states map[string]TaskStatus, agents []string) bool {
	for _, name := range agents {
		if status := states[name]; status != TaskCompleted && status != TaskSkipped {
			return false
		}
	}
	return true
}

func nonTerminal(states map[string]TaskStatus, agents []string) []string {
	var pending []string
	for _, name := range agents {
		if !states[name].IsTerminal() {
			pending = append(pending, name)
		}
	}
	return pending
}
