package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courius/sitepipe/pipeline"
)

func testEnvelope() *pipeline.Envelope {
	return &pipeline.Envelope{
		PipelineRunID: "run-1",
		ProjectID:     "proj-1",
		AgentName:     pipeline.AgentBrandStrategist,
		Phase:         pipeline.PhaseResearch,
		Sequence:      1,
		Attempt:       1,
		Project: pipeline.Project{
			ID:           "proj-1",
			BusinessName: "Acme Bakery",
			Pages:        []pipeline.PageSpec{{Slug: "home", Title: "Home"}},
		},
	}
}

func TestDispatchPostsEnvelopeToAgentEndpoint(t *testing.T) {
	received := make(chan *pipeline.Envelope, 1)
	var gotPath atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		var env pipeline.Envelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		received <- &env
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(srv.URL)
	require.NoError(t, d.Dispatch(context.Background(), pipeline.AgentBrandStrategist, testEnvelope()))

	select {
	case env := <-received:
		assert.Equal(t, "run-1", env.PipelineRunID)
		assert.Equal(t, pipeline.AgentBrandStrategist, env.AgentName)
	case <-time.After(time.Second):
		t.Fatal("dispatch never reached the endpoint")
	}
	assert.Equal(t, "/tasks/"+pipeline.AgentBrandStrategist, gotPath.Load())
}

func TestDispatchSurvivesCallerContextCancellation(t *testing.T) {
	received := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- struct{}{}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	d := NewHTTPDispatcher(srv.URL)
	require.NoError(t, d.Dispatch(ctx, pipeline.AgentPageBuilder, testEnvelope()))
	cancel() // the caller's invocation ends right after dispatching

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("dispatch was cancelled with its caller")
	}
}

func TestDispatchTransportFailureIsNotReturned(t *testing.T) {
	// Nothing listens here; the submit fails in the background and the
	// caller must not see it.
	d := NewHTTPDispatcher("http://127.0.0.1:1",
		WithHTTPClient(&http.Client{Timeout: 100 * time.Millisecond}))

	err := d.Dispatch(context.Background(), pipeline.AgentAssetBuilder, testEnvelope())
	assert.NoError(t, err)
}
