// Package pipeline implements the orchestration core for multi-page
// website generation: the six-phase state machine, the run ledger types,
// the barrier/collector coordination, the quality gate with bounded
// retries, and the cooperative cancellation guard.
//
// There is no long-lived orchestrator process. Every agent invocation is
// a stateless HTTP POST that discovers what has already happened — and
// what to do next — through the shared ledger. The ledger is the only
// synchronization primitive.
package pipeline
