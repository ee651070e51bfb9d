package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/agentchain/internal/logging"
)

// newMCPCmd serves the MCP tools over stdio. Logs go to stderr so stdout
// stays a clean protocol stream.
func newMCPCmd(load func() (*Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger := logging.New(os.Stderr, cfg.Log.Format, cfg.Log.Level)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.shutdown(cfg.Server.ShutdownTimeout)

			if err := a.scheduler.Start(ctx); err != nil {
				return err
			}
			logger.Info("mcp stdio server starting")
			return a.mcp.Serve(ctx)
		},
	}
}
