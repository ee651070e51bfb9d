package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rendis/agentchain/internal/engine"
	"github.com/rendis/agentchain/internal/generation"
	"github.com/rendis/agentchain/internal/scheduler"
	"github.com/rendis/agentchain/internal/store"
	"github.com/rendis/agentchain/internal/streaming"
	"github.com/rendis/agentchain/internal/validation"
	"github.com/rendis/agentchain/pkg/mcp"
)

// app is the wired object graph shared by serve and mcp.
type app struct {
	cfg       *Config
	logger    *slog.Logger
	registry  *prometheus.Registry
	store     store.Store
	hub       *streaming.MemoryHub
	validator *validation.JSONSchemaValidator
	factory   *generation.Factory
	orch      *engine.Orchestrator
	scheduler *scheduler.Scheduler
	mcp       *mcp.Server
}

// openStore opens and migrates the configured store.
func openStore(ctx context.Context, cfg *Config) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "postgres":
		st, err = store.NewPostgresStore(ctx, cfg.Store.DSN)
	default:
		st, err = openLibSQL(cfg.Store.Path)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func openLibSQL(path string) (store.Store, error) {
	if strings.HasPrefix(path, "file:") || strings.Contains(path, "://") {
		return store.NewLibSQLStore(path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return store.NewLibSQLStore("file:" + path)
}

// newApp builds every component. Nothing is started yet.
func newApp(ctx context.Context, cfg *Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := engine.NewMetrics(a.registry)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = st

	a.validator, err = validation.NewJSONSchemaValidator()
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("compile schemas: %w", err)
	}

	a.hub = streaming.NewMemoryHub(
		streaming.WithListenerGauge(metrics.PushListeners),
		streaming.WithLogger(logger),
	)
	a.factory = generation.NewFactory(cfg.Generation, a.validator)
	a.orch = engine.NewOrchestrator(a.store, a.hub, a.factory, a.validator, engine.Config{
		StepTimeout: cfg.Engine.StepTimeout,
		Logger:      logger,
		Metrics:     metrics,
	})

	a.scheduler = scheduler.NewScheduler(nil, logger)
	if err := a.scheduler.Add(scheduler.VacuumJob(a.store, cfg.Maintenance.VacuumSchedule)); err != nil {
		_ = st.Close()
		return nil, err
	}

	a.mcp = mcp.NewServer(mcp.ServerDeps{
		Orchestrator: a.orch,
		Store:        a.store,
		Hub:          a.hub,
		Logger:       logger,
	})
	return a, nil
}

// recoverInterrupted fails workflows a previous serve process left pending
// or running. Only serve calls it: mcp processes share the database and
// come and go while serve is executing workflows.
func (a *app) recoverInterrupted(ctx context.Context) {
	n, err := a.orch.RecoverInterrupted(ctx)
	if err != nil {
		a.logger.Warn("recover interrupted workflows", slog.String("error", err.Error()))
	} else if n > 0 {
		a.logger.Info("failed interrupted workflows", slog.Int("count", n))
	}
}

// shutdown waits for running workflows, then releases resources.
func (a *app) shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a.mcp.Close()
	if err := a.scheduler.Stop(); err != nil {
		a.logger.Error("scheduler stop", slog.String("error", err.Error()))
	}
	if err := a.orch.Shutdown(ctx); err != nil {
		a.logger.Warn("workflows still running at shutdown",
			slog.Int("active", a.orch.ActiveCount()),
			slog.String("error", err.Error()),
		)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("store close", slog.String("error", err.Error()))
	}
}
