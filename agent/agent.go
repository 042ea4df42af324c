// Package agent hosts the task invocation surface: the Agent contract
// every pipeline worker implements, the name registry, and the HTTP
// server that turns an incoming envelope into a ledger-recorded task
// run and a phase transition.
package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/courius/sitepipe/pipeline"
)

// Result is what an agent produces on success. Output becomes the task
// run's output payload; usage counters roll up onto the pipeline run.
type Result struct {
	Output       map[string]any
	QualityScore *float64
	ValidationOK *bool

	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// Agent is one pipeline worker. Execute does the work for a single
// envelope; the server owns the ledger bookkeeping around it.
//
// Background agents are acknowledged with 202 before Execute finishes
// and keep running detached from the HTTP request. Agents that
// orchestrate or wait (the build orchestrator, long page builds) run in
// the background; everything else responds synchronously.
type Agent interface {
	Name() string
	Background() bool
	Execute(ctx context.Context, env *pipeline.Envelope) (*Result, error)
}

// Registry maps agent names to implementations.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds an agent. Registering a duplicate name is a wiring bug
// and returns an error rather than silently replacing.
func (r *Registry) Register(a Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.Name()
	if _, exists := r.agents[name]; exists {
		return fmt.Errorf("agent %q already registered", name)
	}
	r.agents[name] = a
	return nil
}

// MustRegister registers each agent and panics on a duplicate name.
// Intended for startup wiring.
func (r *Registry) MustRegister(agents ...Agent) {
	for _, a := range agents {
		if err := r.Register(a); err != nil {
			panic(err)
		}
	}
}

// Get looks up an agent by name.
func (r *Registry) Get(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// Names returns all registered agent names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
