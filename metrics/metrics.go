// Package metrics defines the Prometheus instrumentation for the
// orchestration core. Collectors register on the default registry and
// are served from the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksStarted counts task invocations by agent name.
	TasksStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitepipe",
		Name:      "tasks_started_total",
		Help:      "Task invocations started, by agent.",
	}, []string{"agent"})

	// TasksFinished counts terminal task outcomes by agent and status.
	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitepipe",
		Name:      "tasks_finished_total",
		Help:      "Task runs reaching a terminal status, by agent and status.",
	}, []string{"agent", "status"})

	// Dispatches counts fire-and-forget dispatch submissions by agent.
	Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitepipe",
		Name:      "dispatches_total",
		Help:      "Fire-and-forget task dispatches submitted, by agent.",
	}, []string{"agent"})

	// DispatchFailures counts dispatch submissions that could not even
	// be handed to the transport. These never fail the caller.
	DispatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitepipe",
		Name:      "dispatch_failures_total",
		Help:      "Dispatch submissions that failed at the transport, by agent.",
	}, []string{"agent"})

	// BarrierPolls counts ledger polls performed by barriers.
	BarrierPolls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sitepipe",
		Name:      "barrier_polls_total",
		Help:      "Ledger polls performed by barrier waits.",
	})

	// GateDecisions counts quality gate outcomes: approved, retry,
	// escalated.
	GateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitepipe",
		Name:      "gate_decisions_total",
		Help:      "Quality gate decisions, by outcome.",
	}, []string{"outcome"})

	// PipelinesFinished counts terminal pipeline outcomes by status.
	PipelinesFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitepipe",
		Name:      "pipelines_finished_total",
		Help:      "Pipeline runs reaching a terminal status, by status.",
	}, []string{"status"})
)
