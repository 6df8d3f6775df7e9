// Package cli implements the saga-listener command line.
package cli

import (
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
}

// NewRootCommand creates the root command for the saga-listener CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "saga-listener",
		Short: "Kafka driven message saga orchestrator",
		Long: `saga-listener consumes business messages from Kafka, correlates each one
to a saga instance and drives it through Initial, Processing and a terminal
Completed or Failed state, publishing the outcome once.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "debug|info|warn|error (overrides config)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewDeriveCommand(opts))

	return cmd
}
