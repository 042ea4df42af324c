// Package dispatch sends fire-and-forget task triggers to agent
// invocation endpoints. The caller never waits on the invoked task's
// result: a trigger only hands the request to the transport. Delivery
// has no guarantee — the barrier's ledger polling is the backstop for a
// dropped dispatch.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/courius/sitepipe/metrics"
	"github.com/courius/sitepipe/pipeline"
)

// submitTimeout bounds how long a dispatch holds its connection open.
// Background tasks acknowledge immediately, but synchronous tasks (the
// integration and deploy agents) answer only when their provider call
// finishes, so the window must cover a full provider call.
const submitTimeout = 2 * time.Minute

// HTTPDispatcher implements pipeline.Dispatcher over HTTP POST.
type HTTPDispatcher struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Option configures an HTTPDispatcher.
type Option func(*HTTPDispatcher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *HTTPDispatcher) { d.client = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *HTTPDispatcher) { d.logger = logger }
}

// NewHTTPDispatcher creates a dispatcher that POSTs envelopes to
// {baseURL}/tasks/{agent}.
func NewHTTPDispatcher(baseURL string, opts ...Option) *HTTPDispatcher {
	d := &HTTPDispatcher{
		baseURL: baseURL,
		client:  &http.Client{Timeout: submitTimeout},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch submits the envelope and returns without awaiting the task's
// response. Marshal and request-construction problems are returned;
// transport failures happen after return and are only logged — no retry
// lives at this layer.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, agentName string, env *pipeline.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	url := fmt.Sprintf("%s/tasks/%s", d.baseURL, agentName)

	// The request must outlive the caller's own invocation: a task
	// handler returns (and its context dies) right after dispatching.
	reqCtx := context.WithoutCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	metrics.Dispatches.WithLabelValues(agentName).Inc()
	d.logger.Debug("Dispatching task",
		"agent", agentName,
		"pipeline_run_id", env.PipelineRunID,
		"phase", env.Phase,
		"sequence", env.Sequence,
		"attempt", env.Attempt)

	go func() {
		resp, err := d.client.Do(req)
		if err != nil {
			metrics.DispatchFailures.WithLabelValues(agentName).Inc()
			d.logger.Error("Dispatch submission failed",
				"agent", agentName,
				"pipeline_run_id", env.PipelineRunID,
				"error", err)
			return
		}
		// Drain and drop: the trigger never consumes the task's result.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<14))
		_ = resp.Body.Close()
		if resp.StatusCode >= 400 {
			metrics.DispatchFailures.WithLabelValues(agentName).Inc()
			d.logger.Error("Dispatched task endpoint returned error status",
				"agent", agentName,
				"pipeline_run_id", env.PipelineRunID,
				"status", resp.StatusCode)
		}
	}()

	return nil
}
