// FraudOps - Decision and case lifecycle engine for fraud operations.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/opensource-finance/fraudops/internal/api"
	"github.com/opensource-finance/fraudops/internal/audit"
	"github.com/opensource-finance/fraudops/internal/bus"
	"github.com/opensource-finance/fraudops/internal/cache"
	"github.com/opensource-finance/fraudops/internal/cases"
	"github.com/opensource-finance/fraudops/internal/domain"
	"github.com/opensource-finance/fraudops/internal/monitor"
	"github.com/opensource-finance/fraudops/internal/pipeline"
	"github.com/opensource-finance/fraudops/internal/policy"
	"github.com/opensource-finance/fraudops/internal/repository"
	"github.com/opensource-finance/fraudops/internal/rules"
	"github.com/opensource-finance/fraudops/internal/scoring"
	"github.com/opensource-finance/fraudops/internal/signals"
	"github.com/opensource-finance/fraudops/internal/velocity"
	"github.com/opensource-finance/fraudops/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// policyRefresh is how often replicas pick up a newly activated policy.
const policyRefresh = 30 * time.Second

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg := domain.LoadConfig()
	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting fraudops",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"tracing", cfg.Tracing.Enabled,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("fraudops failed", "error", err)
		os.Exit(1)
	}
	slog.Info("fraudops shutdown complete")
}

func run(ctx context.Context, cfg *domain.Config) error {
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	aggregator, err := scoring.NewAggregator(cfg.Scoring)
	if err != nil {
		return fmt.Errorf("initialize aggregator: %w", err)
	}

	ruleSet := &rules.File{Rules: rules.BuiltinRules(), Signals: rules.BuiltinSignalRules()}
	if cfg.Scoring.RulesFile != "" {
		if ruleSet, err = rules.LoadFile(cfg.Scoring.RulesFile); err != nil {
			return fmt.Errorf("load rules file: %w", err)
		}
	}

	engine, err := rules.NewEngine(100)
	if err != nil {
		return fmt.Errorf("initialize rule engine: %w", err)
	}
	defer engine.Close()
	if err := engine.LoadRules(ruleSet.Rules); err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	signalEngine, err := rules.NewSignalEngine(ruleSet.Signals)
	if err != nil {
		return fmt.Errorf("initialize signal engine: %w", err)
	}
	slog.Info("rule engines initialized", "rules_count", engine.RulesCount())

	recorder := audit.NewRecorder(repo)
	registry := policy.NewRegistry(repo, recorder, slog.Default())
	if err := registry.Seed(ctx, cfg.Policy.SeedFile); err != nil {
		return fmt.Errorf("seed policy: %w", err)
	}
	if active, err := registry.Active(); err == nil {
		slog.Info("policy loaded", "version", active.Version)
	}

	manager := cases.NewManager(repo, recorder, cacheImpl, cfg.Cases, cfg.Retry, slog.Default())
	mon := monitor.New(cfg.Monitor, repo, slog.Default())

	decider, err := pipeline.New(pipeline.Deps{
		Aggregator: aggregator,
		Rules:      engine,
		Signals:    signals.NewDeriver(cacheImpl, velocity.NewService(cacheImpl), signalEngine, cfg.Scoring.ConflictVariance, slog.Default()),
		Policies:   registry,
		Cases:      manager,
		Recorder:   recorder,
		Repo:       repo,
		Cache:      cacheImpl,
		Bus:        busImpl,
		Monitor:    mon,
		Logger:     slog.Default(),
	}, cfg.Policy, cfg.Retry)
	if err != nil {
		return fmt.Errorf("initialize pipeline: %w", err)
	}

	go registry.Watch(ctx, policyRefresh)
	go mon.Run(ctx)

	var asyncWorker *worker.Worker
	if cfg.AsyncWorker {
		asyncWorker = worker.NewWorker(busImpl, cacheImpl, decider, slog.Default())
		if err := asyncWorker.Start(worker.Config{}); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		}
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Decider:  decider,
		Cases:    manager,
		Policies: registry,
		Recorder: recorder,
		Monitor:  mon,
		Repo:     repo,
		Cache:    cacheImpl,
		Bus:      busImpl,
	}, Version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("fraudops is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"async_worker", asyncWorker != nil,
	)
	printBanner(cfg, Version)

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case serveErr = <-errCh:
		slog.Error("server failed", "error", serveErr)
	}

	if asyncWorker != nil {
		asyncWorker.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	return serveErr
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║                 FRAUDOPS                  ║")
	fmt.Println("  ║    Decision & Case Lifecycle Engine       ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST  /score                    - Aggregate component scores")
	fmt.Println("    POST  /decide                   - Decide an event")
	fmt.Println("    POST  /cases                    - Open a case")
	fmt.Println("    GET   /cases                    - List cases")
	fmt.Println("    PATCH /cases/{id}/assign        - Assign a case")
	fmt.Println("    PATCH /cases/{id}/status        - Advance a case")
	fmt.Println("    POST  /policies                 - Publish a policy version")
	fmt.Println("    POST  /policies/{v}/activate    - Activate a policy version")
	fmt.Println("    GET   /audit/verify             - Verify the audit chain")
	fmt.Println("    POST  /monitor/ingest-score     - Feed the drift monitor")
	fmt.Println("    GET   /metrics                  - Prometheus metrics")
	fmt.Println("    GET   /health                   - Health check")
	fmt.Println()
}
