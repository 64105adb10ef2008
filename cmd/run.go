package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jobagent/leadpipe/internal/app"
	"github.com/jobagent/leadpipe/internal/config"
)

// newRunCmd creates the 'run' subcommand: one full pipeline pass in the
// foreground.
func newRunCmd() *cobra.Command {
	var runID string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one pipeline run",
		Long: `Executes a single pipeline run in the foreground: plan the configured
sources, collect snapshots, and parse company profiles. With --dry-run the
command stops after planning and prints the tasks a real run would fetch.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			a, err := app.Build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeApp(a)

			if dryRun {
				return printPlan(cmd, a, runID)
			}

			// Only the run itself observes signals; shutdown still drains
			// buffered run events on its own deadline.
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.RunOnce(ctx, runID)
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier (generated when omitted)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan tasks and print them without fetching")
	return cmd
}

func printPlan(cmd *cobra.Command, a *app.App, runID string) error {
	rc, tasks, err := a.DryRun(runID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s: %d task(s) planned\n", rc.RunID, len(tasks))
	for i, task := range tasks {
		fmt.Fprintf(out, "%3d. %-24s %-13s %s (rps=%.1f timeout=%.0fs retries=%d)\n",
			i+1, task.SourceID, task.SourceType, task.URL,
			task.Policy.RateLimitRPS, task.Policy.TimeoutSeconds, task.Policy.MaxRetries)
	}
	return nil
}

// closeApp flushes buffered run events on its own deadline so a canceled run
// context cannot cut the drain short.
func closeApp(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "shutdown error:", err)
	}
}
