package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/metyatech/agent-runner/internal/procslock"
	"github.com/metyatech/agent-runner/internal/statusserver"
	"github.com/metyatech/agent-runner/internal/webhookserver"
)

// labelColor is the color applied to labels created by `labels sync`.
// Cosmetic only; existing labels keep whatever color they already have.
const labelColor = "ededed"

func newRunCommand(flags *globalFlags) *cobra.Command {
	var (
		once        bool
		intervalSec int
		concurrency int
		dryRun      bool
		yes         bool
		jsonOut     bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduling cycle loop (or a single cycle with --once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := confirmMutation(dryRun, yes); err != nil {
				return err
			}

			d, err := buildDaemon(flags)
			if err != nil {
				return err
			}
			defer d.Close()

			cfg := d.Config.Get()
			if intervalSec > 0 || concurrency > 0 {
				clone := cfg.Clone()
				if intervalSec > 0 {
					clone.PollIntervalSeconds = intervalSec
				}
				if concurrency > 0 {
					clone.Concurrency = concurrency
				}
				d.Config.Set(clone)
				cfg = clone
			}

			if dryRun {
				return runDryRun(cmd.Context(), d, jsonOut)
			}

			lock, lerr := procslock.Acquire(cfg.WorkdirRoot)
			if lerr != nil {
				if once {
					// §5: in --once mode an active lock exits cleanly.
					d.Log.LogInfo("another agent-runner holds the lock, nothing to do")
					return nil
				}
				return lerr
			}
			defer lock.Release()

			d.Driver.StopFile = procslock.StopFlagPath(cfg.WorkdirRoot)

			ctx, cancel := signalContext()
			defer cancel()

			err = d.Driver.Run(ctx, once)
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run exactly one cycle and exit")
	cmd.Flags().IntVar(&intervalSec, "interval", 0, "override the cycle interval in seconds")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "override the global concurrency limit")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what a cycle would do without dispatching")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm running without prompting")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit machine-readable output")
	return cmd
}

// runDryRun reports the inputs a cycle would act on (target repos, queued
// issues, pending review follow-ups) without mutating anything.
func runDryRun(ctx context.Context, d *daemon, jsonOut bool) error {
	cfg := d.Config.Get()
	repos, rateLimited, err := d.Driver.Discoverer.Discover(ctx, cfg)
	if err != nil {
		return err
	}
	queue, err := d.Store.ListWebhookQueue(ctx)
	if err != nil {
		return err
	}
	followups, err := d.Store.ListReviewFollowups(ctx)
	if err != nil {
		return err
	}
	running, err := d.Store.ListRunning(ctx)
	if err != nil {
		return err
	}

	plan := struct {
		Repos           []string `json:"repos"`
		RateLimited     bool     `json:"rate_limited"`
		QueuedIssues    int      `json:"queued_issues"`
		ReviewFollowups int      `json:"pending_review_followups"`
		Running         int      `json:"running"`
		Slack           int      `json:"available_slots"`
	}{
		RateLimited:     rateLimited,
		QueuedIssues:    len(queue),
		ReviewFollowups: len(followups),
		Running:         len(running),
	}
	for _, r := range repos {
		plan.Repos = append(plan.Repos, r.String())
	}
	if plan.Slack = cfg.Concurrency - len(running); plan.Slack < 0 {
		plan.Slack = 0
	}

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(plan)
	}
	fmt.Printf("dry run: %d target repos, %d queued issues, %d review follow-ups, %d running, %d available slots\n",
		len(plan.Repos), plan.QueuedIssues, plan.ReviewFollowups, plan.Running, plan.Slack)
	for _, r := range plan.Repos {
		fmt.Println("  repo:", r)
	}
	return nil
}

func newLabelsCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "labels",
		Short: "Manage the agent labels on target repositories",
	}

	var dryRun, yes bool
	sync := &cobra.Command{
		Use:   "sync",
		Short: "Create missing agent labels across every target repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := confirmMutation(dryRun, yes); err != nil {
				return err
			}
			d, err := buildDaemon(flags)
			if err != nil {
				return err
			}
			defer d.Close()

			cfg := d.Config.Get()
			labels := []string{
				cfg.Labels.Queued, cfg.Labels.Running, cfg.Labels.Done,
				cfg.Labels.Failed, cfg.Labels.NeedsUserReply,
			}

			ctx := cmd.Context()
			repos, _, err := d.Driver.Discoverer.Discover(ctx, cfg)
			if err != nil {
				return err
			}
			for _, repo := range repos {
				if dryRun {
					fmt.Printf("would ensure labels %v on %s\n", labels, repo)
					continue
				}
				if err := d.GH.EnsureLabelsExist(ctx, repo, labels, labelColor); err != nil {
					d.Log.LogError("failed to sync labels", "repo", repo.String(), "error", err.Error())
					continue
				}
				fmt.Println("synced labels on", repo)
			}
			return nil
		},
	}
	sync.Flags().BoolVar(&dryRun, "dry-run", false, "print what would change without mutating")
	sync.Flags().BoolVar(&yes, "yes", false, "confirm the mutation without prompting")

	cmd.AddCommand(sync)
	return cmd
}

func newLogsCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Manage per-run log files",
	}
	cmd.AddCommand(newPruneCommand(flags, "logs"))
	return cmd
}

func newReportsCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "Manage idle-task reports",
	}
	cmd.AddCommand(newPruneCommand(flags, "reports"))
	return cmd
}

// newPruneCommand builds the shared `logs prune`/`reports prune`
// subcommand over workdirRoot/agent-runner/<subdir>.
func newPruneCommand(flags *globalFlags, subdir string) *cobra.Command {
	var (
		dryRun    bool
		yes       bool
		olderThan int
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: fmt.Sprintf("Delete %s older than the retention window", subdir),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := confirmMutation(dryRun, yes); err != nil {
				return err
			}
			holder, err := loadConfig(flags)
			if err != nil {
				return err
			}
			dir := filepath.Join(holder.Get().WorkdirRoot, "agent-runner", subdir)
			cutoff := time.Now().Add(-time.Duration(olderThan) * 24 * time.Hour)
			return pruneDir(dir, cutoff, dryRun)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list what would be deleted without deleting")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the deletion without prompting")
	cmd.Flags().IntVar(&olderThan, "older-than", 14, "retention window in days")
	return cmd
}

func pruneDir(dir string, cutoff time.Time, dryRun bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if dryRun {
			fmt.Println("would delete", path)
			continue
		}
		if err := os.Remove(path); err != nil {
			fmt.Fprintln(os.Stderr, "failed to delete", path+":", err)
			continue
		}
		fmt.Println("deleted", path)
	}
	return nil
}

func newStatusCommand(flags *globalFlags) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print a status snapshot of the runner and its queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDaemon(flags)
			if err != nil {
				return err
			}
			defer d.Close()

			cfg := d.Config.Get()
			snap, err := statusserver.BuildSnapshot(cmd.Context(), d.Store, cfg.WorkdirRoot)
			if err != nil {
				return err
			}

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}

			daemonState := "not running"
			if snap.DaemonRunning {
				daemonState = fmt.Sprintf("running (pid %d)", snap.DaemonPID)
			}
			if procslock.StopFlagSet(cfg.WorkdirRoot) {
				daemonState += ", stop requested"
			}
			fmt.Println("daemon:", daemonState)
			fmt.Println("running issues:", len(snap.RunningIssues))
			for _, r := range snap.RunningIssues {
				fmt.Printf("  %s#%d (pid %d, since %s)\n", r.Repo, r.IssueNumber, r.PID, r.StartedAt.Format(time.RFC3339))
			}
			fmt.Println("queued issues:", snap.QueuedIssues)
			fmt.Println("pending review follow-ups:", snap.ReviewFollowups)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit the snapshot as JSON")
	return cmd
}

func newStopCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask a running daemon to stop scheduling new work",
		RunE: func(cmd *cobra.Command, args []string) error {
			holder, err := loadConfig(flags)
			if err != nil {
				return err
			}
			workdir := holder.Get().WorkdirRoot
			if err := procslock.SetStopFlag(workdir); err != nil {
				return err
			}
			fmt.Println("stop requested; in-flight runs will finish, no new work will be scheduled")
			return nil
		},
	}
}

func newResumeCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Clear a previous stop request",
		RunE: func(cmd *cobra.Command, args []string) error {
			holder, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if err := procslock.ClearStopFlag(holder.Get().WorkdirRoot); err != nil {
				return err
			}
			fmt.Println("stop flag cleared")
			return nil
		},
	}
}

func newUICommand(flags *globalFlags) *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "ui",
		Short: "Serve the HTTP status page and metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDaemon(flags)
			if err != nil {
				return err
			}
			defer d.Close()

			cfg := d.Config.Get()
			if host == "" {
				host = cfg.StatusHost
			}
			if port == 0 {
				port = cfg.StatusPort
			}

			srv := statusserver.New(d.Store, d.Metrics, cfg.WorkdirRoot, d.Log)
			return serveHTTP(d, host, port, srv.Handler(), "status UI")
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "listen address (defaults to status_host)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (defaults to status_port)")
	return cmd
}

func newWebhookCommand(flags *globalFlags) *cobra.Command {
	var host, path string
	var port int

	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Serve the GitHub webhook endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDaemon(flags)
			if err != nil {
				return err
			}
			defer d.Close()

			cfg := d.Config.Get()
			if host == "" {
				host = cfg.WebhookHost
			}
			if port == 0 {
				port = cfg.WebhookPort
			}
			if path == "" {
				path = cfg.WebhookPath
			}

			srv := webhookserver.New(d.Store, d.GH, d.Driver.Review, cfg.GitHubWebhookSecret, path, d.Log)
			return serveHTTP(d, host, port, srv.Handler(), "webhook listener")
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "listen address (defaults to webhook_host)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (defaults to webhook_port)")
	cmd.Flags().StringVar(&path, "path", "", "webhook URL path (defaults to webhook_path)")
	return cmd
}

// serveHTTP runs an HTTP server until SIGINT/SIGTERM, then shuts it down
// gracefully.
func serveHTTP(d *daemon, host string, port int, handler http.Handler, name string) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signalContext()
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	d.Log.LogInfo(name+" listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	}
}
