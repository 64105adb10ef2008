// Package cmd implements the leadpipe command line interface.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// cfgFile holds the --config flag shared by all subcommands.
var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leadpipe",
		Short: "Company lead discovery pipeline",
		Long: `leadpipe discovers hiring companies from configured job sources. A run
plans fetch tasks from the sources file, collects page snapshots under a
shared rate limit, and extracts a structured company profile from every
successful snapshot.

"leadpipe run" executes one pass in the foreground. "leadpipe serve" starts
the long-lived mode: an HTTP API queues runs for background execution and
serves run summaries from the registry.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (built-in defaults plus LEADPIPE_* env vars apply when omitted)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newServeCmd())
	return cmd
}

// Execute is the main entry point. Cobra reports the failure; the exit code
// signals it.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
