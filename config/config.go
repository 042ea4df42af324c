// Package config provides configuration loading and management for the
// pipeline service.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/courius/sitepipe/integration"
	"github.com/courius/sitepipe/llm"
)

// Config is the complete service configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	NATS         NATSConfig         `yaml:"nats"`
	Model        ModelConfig        `yaml:"model"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	Integrations IntegrationsConfig `yaml:"integrations"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// Addr is the listen address.
	Addr string `yaml:"addr"`
	// BaseURL is the externally reachable URL of this service; task
	// dispatches POST back to it.
	BaseURL string `yaml:"base_url"`
}

// DatabaseConfig configures the run ledger.
type DatabaseConfig struct {
	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn"`
}

// NATSConfig configures the optional row-change observation channel.
type NATSConfig struct {
	// URL is the NATS server URL. Empty disables observation publishing.
	URL string `yaml:"url"`
}

// ModelConfig configures the completion client.
type ModelConfig struct {
	// Chain is the endpoint fallback chain; the first entry is primary.
	Chain []llm.EndpointConfig `yaml:"chain"`
	// Timeout is the maximum time to wait for one completion response.
	Timeout time.Duration `yaml:"timeout"`
}

// PipelineConfig tunes barrier behavior.
type PipelineConfig struct {
	// PollInterval is the barrier's sleep between ledger reads.
	PollInterval time.Duration `yaml:"poll_interval"`
	// BarrierBudget bounds a barrier's total wall-clock wait.
	BarrierBudget time.Duration `yaml:"barrier_budget"`
}

// IntegrationsConfig points each external collaborator at its provider.
// An integration with an empty base_url is treated as not configured.
type IntegrationsConfig struct {
	Images    integration.Config `yaml:"images"`
	CMS       integration.Config `yaml:"cms"`
	Email     integration.Config `yaml:"email"`
	Analytics integration.Config `yaml:"analytics"`
	Deploy    integration.Config `yaml:"deploy"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:    ":8080",
			BaseURL: "http://localhost:8080",
		},
		Database: DatabaseConfig{
			DSN: "postgres://localhost:5432/sitepipe?sslmode=disable",
		},
		Model: ModelConfig{
			Chain: []llm.EndpointConfig{
				{Provider: "openai", Model: "gpt-4o-mini"},
			},
			Timeout: 3 * time.Minute,
		},
		Pipeline: PipelineConfig{
			PollInterval:  2 * time.Second,
			BarrierBudget: 8 * time.Minute,
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if len(c.Model.Chain) == 0 {
		return fmt.Errorf("model.chain needs at least one endpoint")
	}
	for i, ep := range c.Model.Chain {
		if ep.Provider == "" {
			return fmt.Errorf("model.chain[%d].provider is required", i)
		}
		if ep.Model == "" {
			return fmt.Errorf("model.chain[%d].model is required", i)
		}
	}
	if c.Pipeline.PollInterval <= 0 {
		return fmt.Errorf("pipeline.poll_interval must be positive")
	}
	if c.Pipeline.BarrierBudget <= c.Pipeline.PollInterval {
		return fmt.Errorf("pipeline.barrier_budget must exceed poll_interval")
	}
	return nil
}

// Merge overlays non-zero fields from other onto c.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	if other.Server.Addr != "" {
		c.Server.Addr = other.Server.Addr
	}
	if other.Server.BaseURL != "" {
		c.Server.BaseURL = other.Server.BaseURL
	}
	if other.Database.DSN != "" {
		c.Database.DSN = other.Database.DSN
	}
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if len(other.Model.Chain) > 0 {
		c.Model.Chain = other.Model.Chain
	}
	if other.Model.Timeout > 0 {
		c.Model.Timeout = other.Model.Timeout
	}
	if other.Pipeline.PollInterval > 0 {
		c.Pipeline.PollInterval = other.Pipeline.PollInterval
	}
	if other.Pipeline.BarrierBudget > 0 {
		c.Pipeline.BarrierBudget = other.Pipeline.BarrierBudget
	}
	mergeIntegration(&c.Integrations.Images, other.Integrations.Images)
	mergeIntegration(&c.Integrations.CMS, other.Integrations.CMS)
	mergeIntegration(&c.Integrations.Email, other.Integrations.Email)
	mergeIntegration(&c.Integrations.Analytics, other.Integrations.Analytics)
	mergeIntegration(&c.Integrations.Deploy, other.Integrations.Deploy)
}

func mergeIntegration(dst *integration.Config, src integration.Config) {
	if src.BaseURL != "" {
		dst.BaseURL = src.BaseURL
	}
	if src.APIKey != "" {
		dst.APIKey = src.APIKey
	}
}

// LoadFromFile loads configuration from a YAML file on top of defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
