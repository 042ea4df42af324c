package config

import (
	"log/slog"
	"os"
)

// Environment variable overrides. These win over every file layer so
// deployments can inject credentials without writing them to disk.
const (
	EnvConfigFile  = "SITEPIPE_CONFIG"
	EnvListenAddr  = "SITEPIPE_ADDR"
	EnvBaseURL     = "SITEPIPE_BASE_URL"
	EnvDatabaseDSN = "SITEPIPE_DATABASE_DSN"
	EnvNATSURL     = "SITEPIPE_NATS_URL"
)

// Loader handles configuration loading with layered precedence.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load builds the effective configuration:
//  1. defaults
//  2. the config file (path argument, or $SITEPIPE_CONFIG)
//  3. environment variable overrides
func (l *Loader) Load(path string) (*Config, error) {
	config := DefaultConfig()

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		fileConfig, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded config file", slog.String("path", path))
		config.Merge(fileConfig)
	}

	l.applyEnv(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (l *Loader) applyEnv(config *Config) {
	if addr := os.Getenv(EnvListenAddr); addr != "" {
		config.Server.Addr = addr
	}
	if baseURL := os.Getenv(EnvBaseURL); baseURL != "" {
		config.Server.BaseURL = baseURL
	}
	if dsn := os.Getenv(EnvDatabaseDSN); dsn != "" {
		config.Database.DSN = dsn
	}
	if url := os.Getenv(EnvNATSURL); url != "" {
		config.NATS.URL = url
	}
}
