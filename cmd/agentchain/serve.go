package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/rendis/agentchain/internal/api"
	"github.com/rendis/agentchain/internal/logging"
)

func newServeCmd(load func() (*Config, error)) *cobra.Command {
	var (
		addr      string
		noRecover bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, push channels and MCP endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return runServe(cmd.Context(), cfg, !noRecover)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&noRecover, "no-recover", false, "leave workflows from a previous run untouched at startup")
	return cmd
}

func runServe(ctx context.Context, cfg *Config, recoverOnStart bool) error {
	logger := logging.New(os.Stderr, cfg.Log.Format, cfg.Log.Level)
	slog.SetDefault(logger)

	if cfg.Tracing.Enabled {
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if recoverOnStart {
		a.recoverInterrupted(ctx)
	}

	done := make(chan struct{})
	srv := api.NewServer(api.Deps{
		Orchestrator: a.orch,
		Store:        a.store,
		Hub:          a.hub,
		Providers:    a.factory,
		Validator:    a.validator,
		Logger:       logger,
		Gatherer:     a.registry,
		MCP:          a.mcp.HTTPHandler(),
		Tracing:      cfg.Tracing.Enabled,
		Done:         done,
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if err := a.scheduler.Start(context.Background()); err != nil {
		a.shutdown(cfg.Server.ShutdownTimeout)
		return err
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			slog.String("addr", cfg.Server.Addr),
			slog.String("store", cfg.Store.Driver),
			slog.String("default_provider", a.factory.Default()),
		)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	var runErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.String("error", err.Error()))
			runErr = err
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	case <-ctx.Done():
	}

	// Hijacked push connections are not tracked by Shutdown.
	close(done)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", slog.String("error", err.Error()))
		_ = server.Close()
	}

	a.shutdown(cfg.Server.ShutdownTimeout)
	logger.Info("server stopped")
	return runErr
}
