// Package main provides the sitepipe binary entry point. Sitepipe is
// the website-generation pipeline orchestrator: a stateless HTTP
// service whose agent tasks coordinate exclusively through the Postgres
// run ledger.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	// Register LLM providers via init()
	_ "github.com/courius/sitepipe/llm/providers"

	"github.com/courius/sitepipe/agent"
	"github.com/courius/sitepipe/agents"
	"github.com/courius/sitepipe/config"
	"github.com/courius/sitepipe/dispatch"
	"github.com/courius/sitepipe/integration"
	"github.com/courius/sitepipe/ledger"
	"github.com/courius/sitepipe/llm"
	"github.com/courius/sitepipe/pipeline"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "sitepipe"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Website generation pipeline orchestrator",
		Long: `Sitepipe generates complete websites through a six-phase agent
pipeline: parallel research, content assembly, quality review, a
dynamic page-build fan-out, conditional integrations, and deploy.

Every coordination decision goes through the Postgres run ledger;
task invocations are stateless and communicate only by dispatching
HTTP triggers at each other.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath, logLevel)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create the ledger schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrate(configPath, logLevel)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func setupLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func loadConfig(configPath string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.NewLoader(logger).Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func migrate(configPath, logLevel string) error {
	logger := setupLogger(logLevel)
	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	store := ledger.New(pool, ledger.WithLogger(logger))
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	logger.Info("Ledger schema ready")
	return nil
}

func serve(configPath, logLevel string) error {
	logger := setupLogger(logLevel)
	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	ledgerOpts := []ledger.Option{ledger.WithLogger(logger)}
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.Name(appName),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			// Observation is best-effort; the pipeline runs without it.
			logger.Warn("NATS unavailable, running without run observation", "url", cfg.NATS.URL, "error", err)
		} else {
			defer nc.Close()
			ledgerOpts = append(ledgerOpts, ledger.WithNotifier(ledger.NewNotifier(nc, logger)))
		}
	}

	store := ledger.New(pool, ledgerOpts...)
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	server := buildServer(cfg, store, logger)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Sitepipe ready",
			"version", Version,
			"addr", cfg.Server.Addr,
			"base_url", cfg.Server.BaseURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		logger.Info("Shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// buildServer wires the orchestration core and all fifteen agents into
// the HTTP surface.
func buildServer(cfg *config.Config, store *ledger.Store, logger *slog.Logger) *agent.Server {
	llmOpts := []llm.ClientOption{llm.WithLogger(logger)}
	if cfg.Model.Timeout > 0 {
		llmOpts = append(llmOpts, llm.WithHTTPClient(&http.Client{Timeout: cfg.Model.Timeout}))
	}
	llmClient := llm.NewClient(cfg.Model.Chain, llmOpts...)

	dispatcher := dispatch.NewHTTPDispatcher(cfg.Server.BaseURL, dispatch.WithLogger(logger))
	barrier := pipeline.NewBarrier(store, cfg.Pipeline.PollInterval, cfg.Pipeline.BarrierBudget, logger)
	gate := pipeline.NewQualityGate(store, dispatcher, logger)
	transitioner := pipeline.NewTransitioner(store, dispatcher, barrier, gate, logger)
	guard := pipeline.NewGuard(store)

	images := integration.NewImageSearcher(cfg.Integrations.Images, nil, logger)
	cms := integration.NewCMSProvisioner(cfg.Integrations.CMS, nil, logger)
	email := integration.NewEmailConfigurator(cfg.Integrations.Email, nil, logger)
	analytics := integration.NewAnalyticsInstaller(cfg.Integrations.Analytics, nil, logger)
	deployer := integration.NewDeployer(cfg.Integrations.Deploy, nil, logger)

	registry := agent.NewRegistry()
	registry.MustRegister(
		agents.NewBrandStrategist(llmClient, logger),
		agents.NewMarketResearcher(llmClient, logger),
		agents.NewSEOKeyworder(llmClient, logger),
		agents.NewImageCurator(llmClient, images, logger),
		agents.NewToneAnalyst(llmClient, logger),
		agents.NewResearchCollector(barrier, logger),
		agents.NewContentAssembler(llmClient, store, logger),
		agents.NewQualityReviewer(llmClient, store, logger),
		agents.NewBuildOrchestrator(transitioner, barrier, logger),
		agents.NewAssetBuilder(llmClient, store, logger),
		agents.NewPageBuilder(llmClient, store, logger),
		agents.NewCMSProvisioner(cms, logger),
		agents.NewEmailConfigurator(email, logger),
		agents.NewAnalyticsInstaller(analytics, logger),
		agents.NewSiteDeployer(deployer, store, logger),
	)

	return agent.NewServer(registry, store, guard, transitioner, logger)
}
