// Package pipelinetest provides in-memory fakes of the ledger and
// dispatcher for orchestration tests. The fakes honor the same
// semantics the Postgres store implements: latest-wins task states, a
// one-shot advance flag, bulk cancellation.
package pipelinetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/courius/sitepipe/ledger"
	"github.com/courius/sitepipe/pipeline"
)

// FakeLedger is an in-memory pipeline.Ledger.
type FakeLedger struct {
	mu    sync.Mutex
	runs  map[string]*pipeline.PipelineRun
	tasks []*pipeline.TaskRun

	// Err, when set, is returned by every method.
	Err error
}

var _ pipeline.Ledger = (*FakeLedger)(nil)

// NewFakeLedger creates an empty fake.
func NewFakeLedger() *FakeLedger {
	return &FakeLedger{runs: make(map[string]*pipeline.PipelineRun)}
}

// SeedRun inserts a run directly.
func (f *FakeLedger) SeedRun(run *pipeline.PipelineRun) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *run
	if cp.Metadata == nil {
		cp.Metadata = map[string]any{}
	}
	f.runs[run.ID] = &cp
}

// SeedTask inserts a task run directly.
func (f *FakeLedger) SeedTask(task *pipeline.TaskRun) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *task
	f.tasks = append(f.tasks, &cp)
}

// Run returns the stored run, or nil.
func (f *FakeLedger) Run(id string) *pipeline.PipelineRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	if run, ok := f.runs[id]; ok {
		cp := *run
		return &cp
	}
	return nil
}

// TaskCount returns the number of stored task runs.
func (f *FakeLedger) TaskCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

func (f *FakeLedger) CreatePipelineRun(_ context.Context, run *pipeline.PipelineRun) error {
	if f.Err != nil {
		return f.Err
	}
	f.SeedRun(run)
	return nil
}

func (f *FakeLedger) GetPipelineRun(_ context.Context, id string) (*pipeline.PipelineRun, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	run := f.Run(id)
	if run == nil {
		return nil, fmt.Errorf("pipeline run %s: %w", id, ledger.ErrNotFound)
	}
	return run, nil
}

func (f *FakeLedger) SetPipelineStatus(_ context.Context, id string, status pipeline.Status, phase int, agent string) error {
	if f.Err != nil {
		return f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return fmt.Errorf("pipeline run %s: %w", id, ledger.ErrNotFound)
	}
	run.Status = status
	run.CurrentPhase = phase
	run.CurrentAgent = agent
	return nil
}

func (f *FakeLedger) MarkPipelineCompleted(_ context.Context, id string) error {
	return f.finish(id, pipeline.StatusCompleted, "", "", "")
}

func (f *FakeLedger) MarkPipelineFailed(_ context.Context, id, code, message, agent string) error {
	return f.finish(id, pipeline.StatusFailed, code, message, agent)
}

func (f *FakeLedger) MarkPipelineNeedsHuman(_ context.Context, id, code, message, agent string) error {
	return f.finish(id, pipeline.StatusNeedsHuman, code, message, agent)
}

func (f *FakeLedger) finish(id string, status pipeline.Status, code, message, agent string) error {
	if f.Err != nil {
		return f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return fmt.Errorf("pipeline run %s: %w", id, ledger.ErrNotFound)
	}
	now := time.Now().UTC()
	run.Status = status
	run.CompletedAt = &now
	run.ErrorCode = code
	run.ErrorMessage = message
	run.ErrorAgent = agent
	return nil
}

func (f *FakeLedger) IncrementRetries(_ context.Context, id string) (int, error) {
	if f.Err != nil {
		return 0, f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return 0, fmt.Errorf("pipeline run %s: %w", id, ledger.ErrNotFound)
	}
	run.TotalRetries++
	return run.TotalRetries, nil
}

func (f *FakeLedger) AddPipelineUsage(_ context.Context, id string, tokens int, costUSD float64) error {
	if f.Err != nil {
		return f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return fmt.Errorf("pipeline run %s: %w", id, ledger.ErrNotFound)
	}
	run.TotalTokens += tokens
	run.TotalCostUSD += costUSD
	return nil
}

func (f *FakeLedger) ClaimAdvance(_ context.Context, id, key string) (bool, error) {
	if f.Err != nil {
		return false, f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return false, fmt.Errorf("pipeline run %s: %w", id, ledger.ErrNotFound)
	}
	if run.Metadata == nil {
		run.Metadata = map[string]any{}
	}
	if _, claimed := run.Metadata[key]; claimed {
		return false, nil
	}
	run.Metadata[key] = true
	return true, nil
}

func (f *FakeLedger) CancelActive(_ context.Context, projectID string) (runs, tasks int64, err error) {
	if f.Err != nil {
		return 0, 0, f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, run := range f.runs {
		if run.Status.IsActive() && (projectID == "" || run.ProjectID == projectID) {
			run.Status = pipeline.StatusCancelled
			runs++
		}
	}
	for _, task := range f.tasks {
		active := task.Status == pipeline.TaskPending || task.Status == pipeline.TaskRunning
		if active && (projectID == "" || task.ProjectID == projectID) {
			task.Status = pipeline.TaskCancelled
			tasks++
		}
	}
	return runs, tasks, nil
}

func (f *FakeLedger) CreateTaskRun(_ context.Context, task *pipeline.TaskRun) error {
	if f.Err != nil {
		return f.Err
	}
	f.SeedTask(task)
	return nil
}

func (f *FakeLedger) FinalizeTaskRun(_ context.Context, task *pipeline.TaskRun) error {
	if f.Err != nil {
		return f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, stored := range f.tasks {
		if stored.ID == task.ID {
			cp := *task
			f.tasks[i] = &cp
			return nil
		}
	}
	return fmt.Errorf("task run %s: %w", task.ID, ledger.ErrNotFound)
}

func (f *FakeLedger) PhaseTaskStates(_ context.Context, pipelineRunID string, phase int) (map[string]pipeline.TaskStatus, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	latest := make(map[string]*pipeline.TaskRun)
	for _, task := range f.tasks {
		if task.PipelineRunID != pipelineRunID || task.Phase != phase {
			continue
		}
		if prev, ok := latest[task.AgentName]; !ok || task.StartedAt.After(prev.StartedAt) {
			latest[task.AgentName] = task
		}
	}
	states := make(map[string]pipeline.TaskStatus, len(latest))
	for name, task := range latest {
		states[name] = task.Status
	}
	return states, nil
}

func (f *FakeLedger) CountFanOut(_ context.Context, pipelineRunID string, phase int, agents []string) (completed, failed int, err error) {
	if f.Err != nil {
		return 0, 0, f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	named := make(map[string]bool, len(agents))
	for _, name := range agents {
		named[name] = true
	}
	for _, task := range f.tasks {
		if task.PipelineRunID != pipelineRunID || task.Phase != phase || !named[task.AgentName] {
			continue
		}
		switch task.Status {
		case pipeline.TaskCompleted:
			completed++
		case pipeline.TaskFailed:
			failed++
		}
	}
	return completed, failed, nil
}

func (f *FakeLedger) LatestCompletedOutput(_ context.Context, pipelineRunID string, phase int, agent string) (map[string]any, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *pipeline.TaskRun
	for _, task := range f.tasks {
		if task.PipelineRunID != pipelineRunID || task.Phase != phase ||
			task.AgentName != agent || task.Status != pipeline.TaskCompleted {
			continue
		}
		if latest == nil || task.StartedAt.After(latest.StartedAt) {
			latest = task
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("no completed %s output: %w", agent, ledger.ErrNotFound)
	}
	return latest.OutputData, nil
}

func (f *FakeLedger) ListCompletedOutputs(_ context.Context, pipelineRunID string, phase int, agent string) ([]map[string]any, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []*pipeline.TaskRun
	for _, task := range f.tasks {
		if task.PipelineRunID == pipelineRunID && task.Phase == phase &&
			task.AgentName == agent && task.Status == pipeline.TaskCompleted {
			matched = append(matched, task)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].StartedAt.Before(matched[j].StartedAt)
	})
	outputs := make([]map[string]any, len(matched))
	for i, task := range matched {
		outputs[i] = task.OutputData
	}
	return outputs, nil
}

func (f *FakeLedger) HasCompletedTask(_ context.Context, pipelineRunID, agent string) (bool, error) {
	if f.Err != nil {
		return false, f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, task := range f.tasks {
		if task.PipelineRunID == pipelineRunID && task.AgentName == agent &&
			task.Status == pipeline.TaskCompleted {
			return true, nil
		}
	}
	return false, nil
}

// Dispatched records one fake dispatch.
type Dispatched struct {
	Agent    string
	Envelope *pipeline.Envelope
}

// FakeDispatcher records dispatches instead of sending them.
type FakeDispatcher struct {
	mu    sync.Mutex
	calls []Dispatched

	// Err, when set, is returned by Dispatch.
	Err error
}

var _ pipeline.Dispatcher = (*FakeDispatcher)(nil)

// NewFakeDispatcher creates an empty recorder.
func NewFakeDispatcher() *FakeDispatcher {
	return &FakeDispatcher{}
}

func (d *FakeDispatcher) Dispatch(_ context.Context, agentName string, env *pipeline.Envelope) error {
	if d.Err != nil {
		return d.Err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *env
	d.calls = append(d.calls, Dispatched{Agent: agentName, Envelope: &cp})
	return nil
}

// Calls returns a copy of all recorded dispatches.
func (d *FakeDispatcher) Calls() []Dispatched {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Dispatched(nil), d.calls...)
}

// AgentNames returns the dispatched agent names in order.
func (d *FakeDispatcher) AgentNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, len(d.calls))
	for i, call := range d.calls {
		names[i] = call.Agent
	}
	return names
}

// Last returns the most recent dispatch, or nil.
func (d *FakeDispatcher) Last() *Dispatched {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.calls) == 0 {
		return nil
	}
	cp := d.calls[len(d.calls)-1]
	return &cp
}
