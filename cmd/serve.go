package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jobagent/leadpipe/internal/app"
	"github.com/jobagent/leadpipe/internal/config"
)

// newServeCmd creates the 'serve' subcommand: the long-lived API mode.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the run-submission API",
		Long: `Starts serve mode: the HTTP API accepts run submissions on POST /v1/runs,
a bounded queue holds pending runs, and dispatcher executors drain the queue.
Summary endpoints read the run registry and the snapshot and parse stores.
The process shuts down gracefully on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a, err := app.Build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return a.Run(cmd.Context())
		},
	}
}
