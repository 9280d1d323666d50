package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/seigyo/internal/agent"
	"github.com/ashita-ai/seigyo/internal/alerts"
	"github.com/ashita-ai/seigyo/internal/analysis"
	"github.com/ashita-ai/seigyo/internal/config"
	"github.com/ashita-ai/seigyo/internal/contradiction"
	"github.com/ashita-ai/seigyo/internal/events"
	"github.com/ashita-ai/seigyo/internal/governance"
	"github.com/ashita-ai/seigyo/internal/inference"
	"github.com/ashita-ai/seigyo/internal/ingest"
	"github.com/ashita-ai/seigyo/internal/lifecycle"
	"github.com/ashita-ai/seigyo/internal/model"
	"github.com/ashita-ai/seigyo/internal/schema"
	"github.com/ashita-ai/seigyo/internal/server"
	"github.com/ashita-ai/seigyo/internal/storage"
	"github.com/ashita-ai/seigyo/internal/telemetry"
	"github.com/ashita-ai/seigyo/internal/training"
	"github.com/ashita-ai/seigyo/internal/trust"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("seigyo starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Open storage and materialize the declared tables.
	db, err := storage.Open(cfg.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	registry := schema.NewRegistry(db, logger)
	loaded, err := registry.LoadAll(cfg.SchemaDir)
	if err != nil {
		return fmt.Errorf("schemas: %w", err)
	}
	if loaded == 0 {
		return fmt.Errorf("schemas: no table definitions found in %s", cfg.SchemaDir)
	}
	if err := registry.Materialize(ctx); err != nil {
		return fmt.Errorf("schemas: %w", err)
	}

	// Contradiction rules are optional; detection simply finds nothing
	// without them.
	detector := contradiction.New(registry, logger)
	if _, err := detector.LoadRules(cfg.RulesDir); err != nil {
		logger.Warn("contradiction rules unavailable", "dir", cfg.RulesDir, "error", err)
	}

	engine := trust.New(registry, detector, logger)
	broker := events.NewBroker(logger)
	analyzer := analysis.New(logger)
	inferrer := inference.New(registry, logger)

	// Governance: remote gateway when configured, embedded approver
	// otherwise. Either way every decision lands on the audit trail.
	var gateway governance.Gateway
	if cfg.GovernanceURL != "" {
		gateway = governance.NewHTTPGateway(cfg.GovernanceURL, cfg.GovernanceTimeout, logger)
	} else {
		gateway = governance.NewLocalApprover(cfg.ConfidenceFloor, cfg.AutoApproveLowRisk, logger)
	}
	gateway = governance.NewAudited(gateway, db, logger)

	var manifest agent.ManifestRegistrar
	if cfg.ManifestURL != "" {
		manifest = agent.NewHTTPManifest(cfg.ManifestURL, logger)
	}

	factory := agent.NewFactory(analyzer, inferrer, registry, engine, manifest, logger)
	manager := lifecycle.New(factory, gateway, broker, lifecycle.Policies{
		MaxAgentLifetime:  cfg.MaxAgentLifetime,
		MaxIdle:           cfg.MaxIdle,
		MinTrustThreshold: cfg.MinTrustThreshold,
		HeartbeatStale:    cfg.HeartbeatStale,
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		MonitorInterval:   cfg.MonitorInterval,
	}, logger)

	trigger := training.New(db, registry, broker, model.TrainingPolicy{
		RowThreshold:       cfg.TrainingRowThreshold,
		TimeThresholdHours: cfg.TrainingTimeHours,
		MinRows:            cfg.TrainingMinRows,
		TrainingType:       "incremental",
	}, logger)

	alertSys := alerts.New(engine, detector, registry, broker, nil, logger)

	pipeline := ingest.New(analyzer, inferrer, registry, gateway, engine, manager, trigger, broker,
		ingest.Options{
			Folders:          cfg.WatchFolders,
			StagingInterval:  cfg.StagingInterval,
			ApprovalInterval: cfg.ApprovalInterval,
			PendingMaxAge:    cfg.PendingMaxAge,
			MaxFileSizeBytes: cfg.MaxFileSizeBytes,
		}, logger)

	// Background loops.
	manager.StartMonitoring(ctx)
	defer manager.StopMonitoring()
	alertSys.Start(ctx, cfg.AlertInterval)
	defer alertSys.Stop()
	pipeline.Start(ctx, nil, cfg.AutoApproveLowRisk)
	defer pipeline.Stop()

	srv := server.New(server.Config{
		Lifecycle:     manager,
		Registry:      registry,
		Analyzer:      analyzer,
		Inferrer:      inferrer,
		Trust:         engine,
		Alerts:        alertSys,
		Training:      trigger,
		Pipeline:      pipeline,
		Broker:        broker,
		Gateway:       gateway,
		DB:            db,
		Logger:        logger,
		BaseContext:   ctx,
		Port:          cfg.Port,
		ReadTimeout:   cfg.ReadTimeout,
		WriteTimeout:  cfg.WriteTimeout,
		AlertInterval: cfg.AlertInterval,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
