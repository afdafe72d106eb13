// Package cliapp provides the pipelinecore command-line interface: a root
// cobra command plus the run subcommand that actually builds and executes a
// step graph.
package cliapp

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/me/pipelinecore/internal/logging"
)

var (
	flagLogLevel  string
	flagLogFormat string
	flagDebug     bool

	logger *slog.Logger
)

// NewRootCmd creates the root cobra command for the pipelinecore CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pipelinecore",
		Short: "pipelinecore — a multithreaded pipeline scheduler",
		Long:  "pipelinecore runs a worker-pool-dispatched pipeline of analytical steps over a stream of opaque data chunks.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(newRunCmd())

	return root
}
