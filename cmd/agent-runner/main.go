// Command agent-runner is the §6 CLI surface over the orchestration
// components in internal/: a cobra command tree wired to one configured
// daemon instance per invocation, matching the teacher's pattern of a thin
// entrypoint that defers everything to the internal/ packages it wires
// together.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/runnerlog"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// globalFlags holds the persistent flags every subcommand reads before
// building its own daemon wiring.
type globalFlags struct {
	configPath string
	debug      bool
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "agent-runner",
		Short: "Autonomous issue-driven coding agent orchestrator",
		Long: `agent-runner polls configured GitHub repositories for /agent run requests,
dispatches them to one of several CLI coding engines under usage and
concurrency limits, and schedules autonomous idle work when nothing else is
pending.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to the YAML configuration file")
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newRunCommand(flags),
		newLabelsCommand(flags),
		newLogsCommand(flags),
		newReportsCommand(flags),
		newStatusCommand(flags),
		newStopCommand(flags),
		newResumeCommand(flags),
		newUICommand(flags),
		newWebhookCommand(flags),
	)
	return root
}

// loadConfig reads and validates configuration for flags.configPath,
// returning a ready-to-use Holder.
func loadConfig(flags *globalFlags) (*config.Holder, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.debug {
		cfg.Debug = true
	}
	if err := cfg.IsValid(); err != nil {
		return nil, err
	}
	return config.NewHolder(cfg), nil
}

func newLogger(flags *globalFlags) (runnerlog.Logger, error) {
	return runnerlog.New(flags.debug)
}

// confirmMutation enforces §6's "mutating commands require --yes unless
// --dry-run" rule uniformly across labels sync/logs prune/reports prune.
func confirmMutation(dryRun, yes bool) error {
	if dryRun || yes {
		return nil
	}
	return fmt.Errorf("this command mutates state; pass --yes to proceed or --dry-run to preview")
}

// signalContext returns a context canceled on SIGINT/SIGTERM, used by
// long-running commands (run, ui, webhook) so a ^C stops them cleanly.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
