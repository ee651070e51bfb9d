package main

import (
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "agentchain",
		Short:         "Orchestrate an architect, implement, reviewer and tester pipeline of LLM agents",
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: settings.{yaml,json} in ~/.agentchain or .)")
	root.SetErr(os.Stderr)

	load := func() (*Config, error) { return loadConfig(configPath) }

	root.AddCommand(
		newServeCmd(load),
		newMCPCmd(load),
		newMigrateCmd(load),
		newVersionCmd(),
	)
	return root
}
