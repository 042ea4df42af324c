package pipeline

import (
	"context"
	"fmt"
)

// Guard is the cooperative cancellation check. Tasks call it before any
// externally-visible side effect and again immediately after. A task
// already past its last check runs to completion; cancellation never
// interrupts work in flight.
type Guard struct {
	ledger Ledger
}

// NewGuard creates a cancellation guard over the ledger.
func NewGuard(ledger Ledger) *Guard {
	return &Guard{ledger: ledger}
}

// Cancelled re-reads the pipeline status and reports whether an
// administrative stop has landed. A cancelled task must finalize its own
// TaskRun as cancelled and dispatch nothing further.
func (g *Guard) Cancelled(ctx context.Context, pipelineRunID string) (bool, error) {
	run, err := g.ledger.GetPipelineRun(ctx, pipelineRunID)
	if err != nil {
		return false, fmt.Errorf("read pipeline status: %w", err)
	}
	return run.Status == StatusCancelled, nil
}
