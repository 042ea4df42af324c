package agent_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courius/sitepipe/agent"
	"github.com/courius/sitepipe/pipeline"
	"github.com/courius/sitepipe/pipeline/pipelinetest"
)

// stubAgent is a controllable agent.Agent for handler tests.
type stubAgent struct {
	name       string
	background bool
	result     *agent.Result
	err        error
	calls      atomic.Int64
}

func (s *stubAgent) Name() string     { return s.name }
func (s *stubAgent) Background() bool { return s.background }

func (s *stubAgent) Execute(context.Context, *pipeline.Envelope) (*agent.Result, error) {
	s.calls.Add(1)
	return s.result, s.err
}

type fixture struct {
	server     *agent.Server
	ledger     *pipelinetest.FakeLedger
	dispatcher *pipelinetest.FakeDispatcher
	registry   *agent.Registry
}

func newFixture(t *testing.T, agents ...agent.Agent) *fixture {
	t.Helper()
	fake := pipelinetest.NewFakeLedger()
	dispatcher := pipelinetest.NewFakeDispatcher()
	barrier := pipeline.NewBarrier(fake, time.Millisecond, 50*time.Millisecond, nil)
	gate := pipeline.NewQualityGate(fake, dispatcher, nil)
	transitioner := pipeline.NewTransitioner(fake, dispatcher, barrier, gate, nil)
	guard := pipeline.NewGuard(fake)

	registry := agent.NewRegistry()
	registry.MustRegister(agents...)

	return &fixture{
		server:     agent.NewServer(registry, fake, guard, transitioner, nil),
		ledger:     fake,
		dispatcher: dispatcher,
		registry:   registry,
	}
}

func testProject() pipeline.Project {
	return pipeline.Project{
		ID:           "proj-1",
		BusinessName: "Acme Bakery",
		Pages:        []pipeline.PageSpec{{Slug: "home", Title: "Home"}},
	}
}

func postEnvelope(t *testing.T, server *agent.Server, agentName string, env *pipeline.Envelope) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(env)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/tasks/"+agentName, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func researchEnvelope(agentName string) *pipeline.Envelope {
	return &pipeline.Envelope{
		PipelineRunID: "run-1",
		ProjectID:     "proj-1",
		AgentName:     agentName,
		Phase:         pipeline.PhaseResearch,
		Sequence:      1,
		Attempt:       1,
		Project:       testProject(),
	}
}

func TestHandleTaskSynchronousSuccess(t *testing.T) {
	stub := &stubAgent{
		name:   pipeline.AgentBrandStrategist,
		result: &agent.Result{Output: map[string]any{"voice": "warm"}, InputTokens: 100, OutputTokens: 50},
	}
	f := newFixture(t, stub)
	f.ledger.SeedRun(&pipeline.PipelineRun{ID: "run-1", ProjectID: "proj-1", Status: pipeline.StatusPhase1, StartedAt: time.Now().UTC()})

	rec := postEnvelope(t, f.server, stub.name, researchEnvelope(stub.name))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp agent.TaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, string(pipeline.TaskCompleted), resp.Status)
	assert.Equal(t, "warm", resp.Output["voice"])

	assert.Equal(t, int64(1), stub.calls.Load())
	assert.Equal(t, 1, f.ledger.TaskCount())
	// Usage rolled up onto the run.
	assert.Equal(t, 150, f.ledger.Run("run-1").TotalTokens)
}

func TestHandleTaskSynchronousFailure(t *testing.T) {
	stub := &stubAgent{
		name: pipeline.AgentBrandStrategist,
		err:  errors.New("model returned garbage"),
	}
	f := newFixture(t, stub)
	f.ledger.SeedRun(&pipeline.PipelineRun{ID: "run-1", ProjectID: "proj-1", Status: pipeline.StatusPhase1, StartedAt: time.Now().UTC()})

	rec := postEnvelope(t, f.server, stub.name, researchEnvelope(stub.name))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp agent.TaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, pipeline.ErrCodeAgentFailed, resp.ErrorCode)
	assert.Contains(t, resp.Error, "garbage")

	// A failed non-mandatory research sibling never fails the pipeline.
	assert.Equal(t, pipeline.StatusPhase1, f.ledger.Run("run-1").Status)
}

func TestHandleTaskBarrierErrorCodePropagates(t *testing.T) {
	stub := &stubAgent{
		name: pipeline.AgentResearchCollector,
		err: func() error {
			// A wrapped barrier abort must surface its code, not the
			// generic one.
			fake := pipelinetest.NewFakeLedger()
			fake.SeedRun(&pipeline.PipelineRun{ID: "r", Status: pipeline.StatusPhase1, StartedAt: time.Now().UTC()})
			fake.SeedTask(&pipeline.TaskRun{
				ID: "t", PipelineRunID: "r", AgentName: pipeline.AgentBrandStrategist,
				Phase: pipeline.PhaseResearch, Status: pipeline.TaskFailed, StartedAt: time.Now().UTC(),
			})
			b := pipeline.NewBarrier(fake, time.Millisecond, 10*time.Millisecond, nil)
			_, err := b.WaitFixed(context.Background(), "r", pipeline.PhaseResearch,
				pipeline.ResearchAgents, []string{pipeline.AgentBrandStrategist})
			return err
		}(),
	}
	f := newFixture(t, stub)
	f.ledger.SeedRun(&pipeline.PipelineRun{ID: "run-1", ProjectID: "proj-1", Status: pipeline.StatusPhase1, StartedAt: time.Now().UTC()})

	rec := postEnvelope(t, f.server, stub.name, researchEnvelope(stub.name))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp agent.TaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, pipeline.ErrCodeMandatoryAgentFailed, resp.ErrorCode)

	// Collector failure fails the whole pipeline.
	run := f.ledger.Run("run-1")
	assert.Equal(t, pipeline.StatusFailed, run.Status)
	assert.Equal(t, pipeline.ErrCodeMandatoryAgentFailed, run.ErrorCode)
}

func TestHandleTaskBackgroundAcknowledgesEarly(t *testing.T) {
	stub := &stubAgent{
		name:       pipeline.AgentBrandStrategist,
		background: true,
		result:     &agent.Result{Output: map[string]any{"done": true}},
	}
	f := newFixture(t, stub)
	f.ledger.SeedRun(&pipeline.PipelineRun{ID: "run-1", ProjectID: "proj-1", Status: pipeline.StatusPhase1, StartedAt: time.Now().UTC()})

	rec := postEnvelope(t, f.server, stub.name, researchEnvelope(stub.name))

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp agent.TaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "processing", resp.Status)

	require.Eventually(t, func() bool {
		return stub.calls.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHandleTaskCancelledBeforeExecution(t *testing.T) {
	stub := &stubAgent{name: pipeline.AgentBrandStrategist}
	f := newFixture(t, stub)
	f.ledger.SeedRun(&pipeline.PipelineRun{ID: "run-1", ProjectID: "proj-1", Status: pipeline.StatusCancelled, StartedAt: time.Now().UTC()})

	rec := postEnvelope(t, f.server, stub.name, researchEnvelope(stub.name))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp agent.TaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(pipeline.TaskCancelled), resp.Status)
	assert.Equal(t, int64(0), stub.calls.Load())
	// The stopped invocation still leaves a ledger record.
	assert.Equal(t, 1, f.ledger.TaskCount())
}

func TestHandleTaskRejectsUnknownAgentAndMismatch(t *testing.T) {
	stub := &stubAgent{name: pipeline.AgentBrandStrategist}
	f := newFixture(t, stub)

	rec := postEnvelope(t, f.server, "no-such-agent", researchEnvelope("no-such-agent"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	env := researchEnvelope(pipeline.AgentMarketResearcher)
	rec = postEnvelope(t, f.server, stub.name, env)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env = researchEnvelope(stub.name)
	env.Phase = 0
	rec = postEnvelope(t, f.server, stub.name, env)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartPipelineEndpoint(t *testing.T) {
	f := newFixture(t, &stubAgent{name: pipeline.AgentBrandStrategist})

	body, err := json.Marshal(testProject())
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/pipelines", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var run pipeline.PipelineRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, pipeline.StatusPhase1, run.Status)

	// Five research agents plus the collector.
	assert.Len(t, f.dispatcher.Calls(), 6)
}

func TestOversizedBodiesAreRejected(t *testing.T) {
	stub := &stubAgent{name: pipeline.AgentBrandStrategist}
	f := newFixture(t, stub)
	f.ledger.SeedRun(&pipeline.PipelineRun{ID: "run-1", ProjectID: "proj-1", Status: pipeline.StatusPhase1, StartedAt: time.Now().UTC()})

	// Valid JSON padded past the body cap.
	huge := []byte(`{"pipeline_run_id":"run-1","pad":"` + strings.Repeat("x", 2<<20) + `"}`)

	req := httptest.NewRequest(http.MethodPost, "/tasks/"+stub.name, bytes.NewReader(huge))
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, int64(0), stub.calls.Load())

	req = httptest.NewRequest(http.MethodPost, "/pipelines", bytes.NewReader(huge))
	rec = httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartPipelineRejectsBadProject(t *testing.T) {
	f := newFixture(t, &stubAgent{name: pipeline.AgentBrandStrategist})

	req := httptest.NewRequest(http.MethodPost, "/pipelines", bytes.NewReader([]byte(`{"id":"p"}`)))
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetPipelineEndpoint(t *testing.T) {
	f := newFixture(t, &stubAgent{name: pipeline.AgentBrandStrategist})
	f.ledger.SeedRun(&pipeline.PipelineRun{ID: "run-1", ProjectID: "proj-1", Status: pipeline.StatusPhase2, StartedAt: time.Now().UTC()})

	req := httptest.NewRequest(http.MethodGet, "/pipelines/run-1", nil)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/pipelines/missing", nil)
	rec = httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStopEndpointCancelsActiveRuns(t *testing.T) {
	f := newFixture(t, &stubAgent{name: pipeline.AgentBrandStrategist})
	f.ledger.SeedRun(&pipeline.PipelineRun{ID: "run-1", ProjectID: "proj-1", Status: pipeline.StatusPhase3, StartedAt: time.Now().UTC()})
	f.ledger.SeedRun(&pipeline.PipelineRun{ID: "run-2", ProjectID: "proj-2", Status: pipeline.StatusCompleted, StartedAt: time.Now().UTC()})

	req := httptest.NewRequest(http.MethodPost, "/pipelines/stop", bytes.NewReader([]byte(`{"project_id":"proj-1"}`)))
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pipeline.StatusCancelled, f.ledger.Run("run-1").Status)
	// Terminal runs are untouched.
	assert.Equal(t, pipeline.StatusCompleted, f.ledger.Run("run-2").Status)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	registry := agent.NewRegistry()
	require.NoError(t, registry.Register(&stubAgent{name: "x"}))
	assert.Error(t, registry.Register(&stubAgent{name: "x"}))
	assert.Equal(t, []string{"x"}, registry.Names())
}
