package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	defaultCallTimeout = 60 * time.Second
	maxResponseBytes   = 1 << 20 // 1MB
)

// Config points one integration at its provider endpoint. A Config with
// an empty BaseURL means the integration is not set up; constructors
// still succeed and calls return ErrNotConfigured, so wiring stays
// uniform whether or not the customer purchased the add-on.
type Config struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// Configured reports whether the integration can be called.
func (c Config) Configured() bool {
	return c.BaseURL != ""
}

type httpClient struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

func newHTTPClient(cfg Config, client *http.Client, logger *slog.Logger) httpClient {
	if client == nil {
		client = &http.Client{Timeout: defaultCallTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return httpClient{cfg: cfg, client: client, logger: logger}
}

// doJSON posts a JSON body (or GETs when body is nil) and decodes the
// JSON response into out. Non-2xx responses become errors carrying the
// status and a truncated body excerpt.
func (h httpClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	if !h.cfg.Configured() {
		return ErrNotConfigured
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt := string(data)
		if len(excerpt) > 200 {
			excerpt = excerpt[:200]
		}
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, excerpt)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
