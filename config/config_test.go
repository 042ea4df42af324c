package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courius/sitepipe/integration"
	"github.com/courius/sitepipe/llm"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 2*time.Second, cfg.Pipeline.PollInterval)
	assert.Equal(t, 8*time.Minute, cfg.Pipeline.BarrierBudget)
	assert.Len(t, cfg.Model.Chain, 1)
	assert.False(t, cfg.Integrations.CMS.Configured())
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing addr", func(c *Config) { c.Server.Addr = "" }},
		{"missing base url", func(c *Config) { c.Server.BaseURL = "" }},
		{"missing dsn", func(c *Config) { c.Database.DSN = "" }},
		{"empty chain", func(c *Config) { c.Model.Chain = nil }},
		{"chain entry without provider", func(c *Config) {
			c.Model.Chain = []llm.EndpointConfig{{Model: "gpt-4o-mini"}}
		}},
		{"chain entry without model", func(c *Config) {
			c.Model.Chain = []llm.EndpointConfig{{Provider: "openai"}}
		}},
		{"zero poll interval", func(c *Config) { c.Pipeline.PollInterval = 0 }},
		{"budget below poll interval", func(c *Config) {
			c.Pipeline.PollInterval = time.Minute
			c.Pipeline.BarrierBudget = time.Second
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMergeOverlaysNonZeroFields(t *testing.T) {
	base := DefaultConfig()
	base.Merge(&Config{
		Server:   ServerConfig{Addr: ":9090"},
		Database: DatabaseConfig{DSN: "postgres://db/prod"},
		Model: ModelConfig{
			Chain: []llm.EndpointConfig{{Provider: "anthropic", Model: "claude-sonnet"}},
		},
		Integrations: IntegrationsConfig{
			CMS: integration.Config{BaseURL: "https://cms.example", APIKey: "k"},
		},
	})

	assert.Equal(t, ":9090", base.Server.Addr)
	// Untouched fields keep their defaults.
	assert.Equal(t, "http://localhost:8080", base.Server.BaseURL)
	assert.Equal(t, "postgres://db/prod", base.Database.DSN)
	assert.Equal(t, "anthropic", base.Model.Chain[0].Provider)
	assert.Equal(t, 2*time.Second, base.Pipeline.PollInterval)
	assert.True(t, base.Integrations.CMS.Configured())

	base.Merge(nil) // must be a no-op
	assert.Equal(t, ":9090", base.Server.Addr)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  addr: ":7070"
database:
  dsn: "postgres://db/test"
pipeline:
  poll_interval: 500ms
integrations:
  deploy:
    base_url: "https://deploy.example"
    api_key: "secret"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, "postgres://db/test", cfg.Database.DSN)
	assert.Equal(t, 500*time.Millisecond, cfg.Pipeline.PollInterval)
	assert.True(t, cfg.Integrations.Deploy.Configured())

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoaderLayersEnvOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":7070\"\n"), 0o600))

	t.Setenv(EnvListenAddr, ":6060")
	t.Setenv(EnvDatabaseDSN, "postgres://db/env")
	t.Setenv(EnvNATSURL, "nats://localhost:4222")

	cfg, err := NewLoader(nil).Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":6060", cfg.Server.Addr, "env should win over the file")
	assert.Equal(t, "postgres://db/env", cfg.Database.DSN)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
}

func TestLoaderFallsBackToEnvConfigPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  base_url: \"https://pipe.example\"\n"), 0o600))
	t.Setenv(EnvConfigFile, path)

	cfg, err := NewLoader(nil).Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://pipe.example", cfg.Server.BaseURL)
}

func TestSaveToFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Server.Addr = ":5050"
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, ":5050", loaded.Server.Addr)
}
