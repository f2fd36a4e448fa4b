// Package cli implements the lagwatch command line.
package cli

import (
	"context"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

type globalOptions struct {
	logLevel string
	noColor  bool
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	var g globalOptions

	root := &cobra.Command{
		Use:     "lagwatch",
		Short:   "Find what is slowing down a tick-driven server loop",
		Version: version,
		Long: `lagwatch times every handler, task and command a module registers with a
host, watches the primary loop for stalls, flags blocking calls made on it,
and keeps a history of tick rate and connection latency.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the config file")
	root.PersistentFlags().BoolVar(&g.noColor, "no-color", false, "Disable colored output")

	root.AddCommand(newSimulateCmd(&g))
	root.AddCommand(newHistoryCmd(&g))
	root.AddCommand(newReportCmd())
	return root
}

// Execute runs the root command. It is called by main.main().
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}
