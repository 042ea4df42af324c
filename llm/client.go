// Package llm provides a provider-agnostic completion client with
// bounded retry and endpoint fallback. Agents use it for all generation
// work; transient upstream failures (timeouts, rate limits) are retried
// here so a TaskRun failure always means the retry budget was spent.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

// maxResponseSize limits the completion response body to prevent memory
// exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// EndpointConfig describes one completion endpoint in the fallback
// chain.
type EndpointConfig struct {
	// Provider names the registered wire-format adapter.
	Provider string `yaml:"provider" json:"provider"`

	// Model is the model identifier sent to the endpoint.
	Model string `yaml:"model" json:"model"`

	// URL is the endpoint base URL. Empty uses the provider default.
	URL string `yaml:"url" json:"url"`

	// MaxTokens caps response length. 0 uses the endpoint default.
	MaxTokens int `yaml:"max_tokens" json:"max_tokens"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// Request defines a completion request.
type Request struct {
	// Messages is the chat history to send.
	Messages []Message

	// Temperature controls randomness. nil uses the endpoint default.
	Temperature *float64

	// MaxTokens limits response length. 0 uses the endpoint default.
	MaxTokens int
}

// TokenUsage represents token consumption for a completion call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response contains the completion result.
type Response struct {
	// Content is the generated text.
	Content string

	// Model is the model that actually served the request.
	Model string

	// Usage contains token consumption metrics.
	Usage TokenUsage

	// FinishReason indicates why generation stopped.
	FinishReason string
}

// Client is a completion client over a configured endpoint fallback
// chain.
type Client struct {
	chain       []EndpointConfig
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) { client.httpClient = c }
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) { client.retryConfig = cfg }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) { client.logger = logger }
}

// NewClient creates a completion client. The first endpoint in the chain
// is primary; the rest are fallbacks tried in order.
func NewClient(chain []EndpointConfig, opts ...ClientOption) *Client {
	c := &Client{
		chain:       chain,
		retryConfig: DefaultRetryConfig(),
		httpClient: &http.Client{
			Timeout: 180 * time.Second, // Allow time for slow generations
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete sends a completion request, handling retry and fallback.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}
	if len(c.chain) == 0 {
		return nil, fmt.Errorf("no completion endpoints configured")
	}

	var lastErr error
	for _, endpoint := range c.chain {
		resp, err := c.tryEndpointWithRetry(ctx, endpoint, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if IsFatal(err) {
			c.logger.Warn("Fatal completion error, not trying fallbacks", "error", err)
			return nil, err
		}
		c.logger.Warn("Endpoint failed, trying fallback",
			"provider", endpoint.Provider,
			"model", endpoint.Model,
			"error", err)
	}

	return nil, fmt.Errorf("all completion endpoints failed: %w", lastErr)
}

// tryEndpointWithRetry attempts one endpoint with bounded retry.
func (c *Client) tryEndpointWithRetry(ctx context.Context, ep EndpointConfig, req Request) (*Response, error) {
	var lastErr error

	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		resp, err := c.doRequest(ctx, ep, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if IsFatal(err) {
			return nil, err
		}

		if attempt < c.retryConfig.MaxAttempts {
			backoff := c.calculateBackoff(attempt)
			c.logger.Debug("Completion request failed, retrying",
				"attempt", attempt,
				"max_attempts", c.retryConfig.MaxAttempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return nil, lastErr
}

// calculateBackoff computes exponential backoff with jitter. Jitter
// prevents thundering herd when parallel siblings retry simultaneously.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.retryConfig.BackoffMultiplier
	}

	backoff := time.Duration(float64(c.retryConfig.BackoffBase) * multiplier)
	if backoff > c.retryConfig.MaxBackoff {
		backoff = c.retryConfig.MaxBackoff
	}

	// +/- 25% jitter
	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

// doRequest executes a single HTTP request against the endpoint.
func (c *Client) doRequest(ctx context.Context, ep EndpointConfig, req Request) (*Response, error) {
	provider := GetProvider(ep.Provider)
	if provider == nil {
		return nil, NewFatalError(fmt.Errorf("unknown provider: %s", ep.Provider))
	}

	url := provider.BuildURL(ep.URL)

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = ep.MaxTokens
	}
	body, err := provider.BuildRequestBody(ep.Model, req.Messages, req.Temperature, maxTokens)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	c.logger.Debug("Sending completion request",
		"provider", ep.Provider,
		"model", ep.Model,
		"url", url,
		"messages", len(req.Messages))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Network errors are transient
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	return provider.ParseResponse(respBody, ep.Model)
}

// classifyHTTPError determines whether an HTTP error is transient or
// fatal.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("completion API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		return NewTransientError(err)
	case statusCode >= 500:
		return NewTransientError(err)
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden:
		return NewFatalError(err)
	case statusCode == http.StatusBadRequest:
		return NewFatalError(err)
	default:
		return NewFatalError(err)
	}
}
