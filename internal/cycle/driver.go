// Package cycle implements the §4.1 Cycle Driver: the top-level scheduling
// pass that ties every other component (lifecycle, usage-gate, idle
// planner, worktree manager, execution runtime, concurrency gate, and the
// persistent state store) into one ordered runCycle call.
package cycle

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/metyatech/agent-runner/internal/concurrency"
	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/engine"
	"github.com/metyatech/agent-runner/internal/githubapi"
	"github.com/metyatech/agent-runner/internal/idle"
	"github.com/metyatech/agent-runner/internal/lifecycle"
	"github.com/metyatech/agent-runner/internal/model"
	"github.com/metyatech/agent-runner/internal/reviewqueue"
	"github.com/metyatech/agent-runner/internal/runnerlog"
	"github.com/metyatech/agent-runner/internal/runtime"
	"github.com/metyatech/agent-runner/internal/sanitize"
	"github.com/metyatech/agent-runner/internal/usagegate"
	"github.com/metyatech/agent-runner/internal/worktree"
)

// maxCommentLen bounds the summaries echoed into GitHub comments, well
// under GitHub's 65536-character comment ceiling.
const maxCommentLen = 60000

// Metrics is the subset of internal/metrics the driver updates. Declared as
// an interface so cycle tests can assert against a fake without pulling in
// prometheus.
type Metrics interface {
	ObserveCycle(d time.Duration, outcome string)
	IncUsageGateDeny(engine, reason string)
	IncDispatched(kind string)
	SetRunningIssues(n int)
	SetScheduledRetries(n int)
}

// Store is the subset of *internal/store.Store the driver uses, declared
// here so the driver can be tested against an in-memory fake.
type Store interface {
	ListRunning(ctx context.Context) ([]model.RunningRecord, error)
	InsertRunning(ctx context.Context, r model.RunningRecord) error
	DeleteRunning(ctx context.Context, issueID string) error
	InsertActivity(ctx context.Context, a model.ActivityRecord) error
	DeleteActivity(ctx context.Context, id string) error
	ListActivity(ctx context.Context) ([]model.ActivityRecord, error)
	TakeDueRetries(ctx context.Context, now time.Time) ([]model.ScheduledRetry, error)
	CountScheduledRetries(ctx context.Context) (int, error)
	GetIssueSession(ctx context.Context, issueID string) (string, bool, error)
	SetIssueSession(ctx context.Context, issueID, sessionID string) error
	ClearIssueSession(ctx context.Context, issueID string) error
	EnqueueWebhookIssue(ctx context.Context, e model.WebhookQueueEntry) error
	ListWebhookQueue(ctx context.Context) ([]model.WebhookQueueEntry, error)
	DequeueWebhookIssue(ctx context.Context, issueID string) error
	IsCommentProcessed(ctx context.Context, commentID int64) (bool, error)
	MarkCommentProcessed(ctx context.Context, commentID int64) error
	GetWebhookCatchup(ctx context.Context, repo model.RepoRef) (time.Time, bool, error)
	SetWebhookCatchup(ctx context.Context, repo model.RepoRef, at time.Time) error
	AddManagedPR(ctx context.Context, repo model.RepoRef, number int) error
	ListManagedPRs(ctx context.Context, repo model.RepoRef) ([]int, error)
	UpsertReviewFollowup(ctx context.Context, e model.ReviewFollowupEntry) error
	ListReviewFollowups(ctx context.Context) ([]model.ReviewFollowupEntry, error)
	DeleteReviewFollowup(ctx context.Context, repo model.RepoRef, prNumber int) error
	ListIdleHistory(ctx context.Context) (map[model.RepoRef]model.IdleHistory, error)
	StampIdle(ctx context.Context, repo model.RepoRef, at time.Time, nextCursor int) error
}

// Driver is the §4.1 Cycle Driver. It owns no long-lived goroutines of its
// own beyond the interval loop started by Run; every suspension point
// happens inside RunCycle (§5 "Suspension points").
type Driver struct {
	Config  *config.Holder
	GH      githubapi.Client
	Store   Store
	Log     runnerlog.Logger
	Metrics Metrics

	Lifecycle   *lifecycle.Machine
	Engines     map[config.EngineKind]engine.Engine
	EngineOrder []config.EngineKind // deterministic priority order; the first allowed engine wins

	Idle       *idle.Planner
	Worktree   *worktree.Manager
	Runtime    *runtime.Runner
	Gate       *concurrency.Gate
	Review     *reviewqueue.Classifier
	Discoverer *RepoDiscoverer

	// RunnerBotLogin identifies this runner's own comments, so user-reply
	// resumption (§4.1 step 3) can find the last needs-user marker.
	RunnerBotLogin string

	// StopFile is an optional on-disk stop flag (§6 `stop`/`resume`). When
	// the file exists, the interval loop skips scheduling exactly as if
	// RequestStop had been called, and resumes when it's removed.
	StopFile string

	stopRequested atomic.Bool
}

// RequestStop sets the stop flag observed by Run's interval loop (§5
// "Process singleton" / §4.1 top-level contract). It does not cancel an
// in-flight cycle.
func (d *Driver) RequestStop() { d.stopRequested.Store(true) }

// Resume clears a previously requested stop.
func (d *Driver) Resume() { d.stopRequested.Store(false) }

// StopRequested reports whether a stop has been requested, either in-process
// or through the on-disk stop flag.
func (d *Driver) StopRequested() bool {
	if d.stopRequested.Load() {
		return true
	}
	if d.StopFile != "" {
		if _, err := os.Stat(d.StopFile); err == nil {
			return true
		}
	}
	return false
}

// Run drives the interval loop until the stop flag is observed or ctx is
// canceled. once=true runs exactly one cycle regardless of the stop flag.
func (d *Driver) Run(ctx context.Context, once bool) error {
	if once || !d.StopRequested() {
		if err := d.RunCycle(ctx, time.Now().UTC()); err != nil {
			d.Log.LogError("cycle failed", "error", err.Error())
		}
	}
	if once {
		return nil
	}

	interval := d.Config.Get().GetPollInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if d.StopRequested() {
				continue
			}
			if err := d.RunCycle(ctx, time.Now().UTC()); err != nil {
				d.Log.LogError("cycle failed", "error", err.Error())
			}
		}
	}
}

// RunCycle performs exactly one scheduling pass, §4.1 steps 1-10 in strict
// order. Errors from discovery/store access are returned without being
// logged here (the caller logs them and decides whether to keep looping);
// errors scoped to a single issue
// are caught and logged inside their own dispatch frame and never escape
// (§7 "Propagation policy").
func (d *Driver) RunCycle(ctx context.Context, now time.Time) (err error) {
	started := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		if d.Metrics != nil {
			d.Metrics.ObserveCycle(time.Since(started), outcome)
		}
	}()

	cfg := d.Config.Get()

	// Step 1: repo discovery.
	repos, rateLimited, derr := d.Discoverer.Discover(ctx, cfg)
	if derr != nil {
		return errors.Wrap(derr, "repo discovery failed")
	}
	if rateLimited {
		d.Log.LogWarn("github rate-limited, using cached repo list", "repos", len(repos))
	}

	// Step 2: crash recovery.
	d.recoverCrashed(ctx, cfg, repos)

	// Step 3: user-reply resumption.
	d.resumeUserReplies(ctx, cfg, repos)

	// Step 4: scheduled-retry resumption.
	d.resumeScheduledRetries(ctx, now)

	// Step 5: webhook catch-up.
	if cfg.WebhookEnabled {
		d.webhookCatchup(ctx, cfg, repos, now)
	}

	// Step 6: new-request discovery.
	d.discoverNewRequests(ctx, cfg, repos)

	// Step 7: managed-PR follow-ups.
	d.scanManagedPRFollowups(ctx, repos)

	// Step 8: selection.
	running, lerr := d.Store.ListRunning(ctx)
	if lerr != nil {
		return errors.Wrap(lerr, "failed to list running records")
	}
	if d.Metrics != nil {
		d.Metrics.SetRunningIssues(len(running))
	}
	slack := cfg.Concurrency - len(running)
	if slack < 0 {
		slack = 0
	}

	queue, qerr := d.Store.ListWebhookQueue(ctx)
	if qerr != nil {
		return errors.Wrap(qerr, "failed to list webhook queue")
	}
	selected := queue
	if len(selected) > slack {
		selected = selected[:slack]
	}
	slack -= len(selected)

	var wg sync.WaitGroup
	for _, entry := range selected {
		wg.Add(1)
		go func(e model.WebhookQueueEntry) {
			defer wg.Done()
			d.dispatchIssue(ctx, cfg, e)
		}(entry)
	}

	// Step 9: idle branch, filling remaining slack. Runs concurrently with
	// issue dispatch above, both bounded by the same concurrency gate.
	if slack > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.dispatchIdle(ctx, cfg, repos, now, slack)
		}()
	}
	wg.Wait()

	// Drain review follow-up queue: merge-only entries first, then
	// engine-requiring entries gated on usage (§4.9).
	d.drainReviewFollowups(ctx, cfg)

	return nil
}

// recoverCrashed implements §4.1 step 2.
func (d *Driver) recoverCrashed(ctx context.Context, cfg *config.Config, repos []model.RepoRef) {
	running, err := d.Store.ListRunning(ctx)
	if err != nil {
		d.Log.LogError("failed to list running records for crash recovery", "error", err.Error())
		return
	}
	byIssue := make(map[string]model.RunningRecord, len(running))
	for _, r := range running {
		byIssue[r.IssueID] = r
	}

	for _, repo := range repos {
		issues, err := d.GH.ListOpenIssuesAndPRs(ctx, repo)
		if err != nil {
			d.Log.LogWarn("failed to list issues for crash recovery", "repo", repo.String(), "error", err.Error())
			continue
		}
		for _, issue := range issues {
			if !issue.HasLabel(cfg.Labels.Running) {
				continue
			}
			record, hadRecord := byIssue[issue.ID]
			if hadRecord && worktree.PIDAlive(record.PID) {
				continue
			}
			if err := d.Lifecycle.RecoverCrashed(ctx, issue, hadRecord, record.PID); err != nil {
				d.Log.LogError("failed to recover crashed issue", "issue", issue.ID, "error", err.Error())
			}
		}
	}
}

// resumeUserReplies implements §4.1 step 3.
func (d *Driver) resumeUserReplies(ctx context.Context, cfg *config.Config, repos []model.RepoRef) {
	for _, repo := range repos {
		issues, err := d.GH.ListOpenIssuesAndPRs(ctx, repo)
		if err != nil {
			d.Log.LogWarn("failed to list issues for user-reply resumption", "repo", repo.String(), "error", err.Error())
			continue
		}
		for _, issue := range issues {
			if !issue.HasLabel(cfg.Labels.NeedsUserReply) {
				continue
			}
			comments, err := d.GH.ListIssueComments(ctx, repo, issue.Number)
			if err != nil {
				d.Log.LogWarn("failed to list comments for user-reply resumption", "issue", issue.ID, "error", err.Error())
				continue
			}

			var lastMarker int64
			for _, c := range comments {
				if c.Author == d.RunnerBotLogin && c.CreatedAtUnix > lastMarker {
					lastMarker = c.CreatedAtUnix
				}
			}

			replied := false
			for _, c := range comments {
				if lifecycle.IsAuthorizedReply(c.CreatedAtUnix, lastMarker, c.AuthorIsBot) {
					replied = true
					break
				}
			}
			if !replied {
				continue
			}

			if err := d.Lifecycle.ToQueued(ctx, issue); err != nil {
				d.Log.LogError("failed to requeue issue after user reply", "issue", issue.ID, "error", err.Error())
				continue
			}
			sessionID, _, _ := d.Store.GetIssueSession(ctx, issue.ID)
			if err := d.Store.EnqueueWebhookIssue(ctx, model.WebhookQueueEntry{
				IssueID: issue.ID, IssueNumber: issue.Number, Repo: issue.Repo, URL: issue.URL, Title: issue.Title, EnqueuedAt: time.Now().UTC(),
			}); err != nil {
				d.Log.LogError("failed to enqueue resumed issue", "issue", issue.ID, "error", err.Error())
			}
			_ = sessionID // session carried automatically: it was never cleared
		}
	}
}

// resumeScheduledRetries implements §4.1 step 4 / §8 invariant 4.
func (d *Driver) resumeScheduledRetries(ctx context.Context, now time.Time) {
	due, err := d.Store.TakeDueRetries(ctx, now)
	if err != nil {
		d.Log.LogError("failed to take due scheduled retries", "error", err.Error())
		return
	}
	for _, r := range due {
		if err := d.Store.EnqueueWebhookIssue(ctx, model.WebhookQueueEntry{
			IssueID: r.IssueID, IssueNumber: r.IssueNumber, Repo: r.Repo,
			URL: fmt.Sprintf("https://github.com/%s/issues/%d", r.Repo, r.IssueNumber), EnqueuedAt: now,
		}); err != nil {
			d.Log.LogError("failed to enqueue due retry", "issue", r.IssueID, "error", err.Error())
		}
	}
	if d.Metrics != nil {
		if pending, err := d.Store.CountScheduledRetries(ctx); err == nil {
			d.Metrics.SetScheduledRetries(pending)
		}
	}
}

// webhookCatchup implements §4.1 step 5.
func (d *Driver) webhookCatchup(ctx context.Context, cfg *config.Config, repos []model.RepoRef, now time.Time) {
	interval := cfg.GetWebhookCatchupInterval()
	for _, repo := range repos {
		last, found, err := d.Store.GetWebhookCatchup(ctx, repo)
		if err != nil {
			d.Log.LogWarn("failed to read webhook catchup cursor", "repo", repo.String(), "error", err.Error())
			continue
		}
		if found && now.Sub(last) < interval {
			continue
		}
		since := now.Add(-interval)
		if found {
			since = last
		}
		triggers, err := d.GH.SearchAgentRunComments(ctx, repo, since.Unix())
		if err != nil {
			d.Log.LogWarn("webhook catch-up search failed", "repo", repo.String(), "error", err.Error())
			continue
		}
		for _, t := range triggers {
			processed, _ := d.Store.IsCommentProcessed(ctx, t.Comment.ID)
			if processed || isBusyOrTerminal(t.Issue, cfg) {
				continue
			}
			if err := d.Lifecycle.ToQueued(ctx, t.Issue); err != nil {
				d.Log.LogError("failed to queue caught-up request", "issue", t.Issue.ID, "error", err.Error())
				continue
			}
			if err := d.Store.EnqueueWebhookIssue(ctx, model.WebhookQueueEntry{
				IssueID: t.Issue.ID, IssueNumber: t.Issue.Number, Repo: t.Issue.Repo,
				URL: t.Issue.URL, Title: t.Issue.Title, EnqueuedAt: now,
			}); err != nil {
				d.Log.LogError("failed to enqueue caught-up request", "issue", t.Issue.ID, "error", err.Error())
				continue
			}
			_ = d.Store.MarkCommentProcessed(ctx, t.Comment.ID)
		}
		if err := d.Store.SetWebhookCatchup(ctx, repo, now); err != nil {
			d.Log.LogWarn("failed to stamp webhook catchup cursor", "repo", repo.String(), "error", err.Error())
		}
	}
}

// discoverNewRequests implements §4.1 step 6.
func (d *Driver) discoverNewRequests(ctx context.Context, cfg *config.Config, repos []model.RepoRef) {
	for _, repo := range repos {
		issues, err := d.GH.ListOpenIssuesAndPRs(ctx, repo)
		if err != nil {
			d.Log.LogWarn("failed to list issues for new-request discovery", "repo", repo.String(), "error", err.Error())
			continue
		}
		for _, issue := range issues {
			if isBusyOrTerminal(issue, cfg) {
				continue
			}
			comments, err := d.GH.ListIssueComments(ctx, repo, issue.Number)
			if err != nil {
				d.Log.LogWarn("failed to list comments for new-request discovery", "issue", issue.ID, "error", err.Error())
				continue
			}
			for _, c := range comments {
				if !githubapi.IsAgentRunTrigger(c) {
					continue
				}
				processed, _ := d.Store.IsCommentProcessed(ctx, c.ID)
				if processed {
					continue
				}
				if err := d.Lifecycle.ToQueued(ctx, issue); err != nil {
					d.Log.LogError("failed to queue new request", "issue", issue.ID, "error", err.Error())
					break
				}
				if err := d.Store.EnqueueWebhookIssue(ctx, model.WebhookQueueEntry{
					IssueID: issue.ID, IssueNumber: issue.Number, Repo: issue.Repo, URL: issue.URL, Title: issue.Title, EnqueuedAt: time.Now().UTC(),
				}); err != nil {
					d.Log.LogError("failed to enqueue new request", "issue", issue.ID, "error", err.Error())
				}
				_ = d.Store.MarkCommentProcessed(ctx, c.ID)
				break
			}
		}
	}
}

func isBusyOrTerminal(issue model.Issue, cfg *config.Config) bool {
	for _, l := range []string{cfg.Labels.Queued, cfg.Labels.Running, cfg.Labels.Done, cfg.Labels.Failed, cfg.Labels.NeedsUserReply} {
		if issue.HasLabel(l) {
			return true
		}
	}
	return false
}

// scanManagedPRFollowups implements §4.1 step 7.
func (d *Driver) scanManagedPRFollowups(ctx context.Context, repos []model.RepoRef) {
	for _, repo := range repos {
		numbers, err := d.Store.ListManagedPRs(ctx, repo)
		if err != nil {
			d.Log.LogWarn("failed to list managed PRs", "repo", repo.String(), "error", err.Error())
			continue
		}
		for _, n := range numbers {
			status, err := d.GH.PullRequestStatus(ctx, repo, n)
			if err != nil {
				d.Log.LogWarn("failed to read PR status for managed-PR follow-up", "repo", repo.String(), "pr", n, "error", err.Error())
				continue
			}
			if status.State != "open" {
				continue
			}
			entry, ok := classifyManagedPR(repo, n, status)
			if !ok {
				continue
			}
			if err := d.Store.UpsertReviewFollowup(ctx, entry); err != nil {
				d.Log.LogError("failed to upsert review followup", "repo", repo.String(), "pr", n, "error", err.Error())
			}
		}
	}
}

func classifyManagedPR(repo model.RepoRef, number int, status githubapi.PRStatus) (model.ReviewFollowupEntry, bool) {
	base := model.ReviewFollowupEntry{
		IssueID:  strconv.FormatInt(status.ID, 10),
		Repo:     repo,
		PRNumber: number,
		URL:      status.URL,
	}
	switch {
	case status.HasUnresolvedReviewComments:
		base.Reason = model.ReviewFollowupReviewComment
		base.RequiresEngine = true
		return base, true
	case status.LatestReview == "changes_requested":
		base.Reason = model.ReviewFollowupReview
		base.RequiresEngine = true
		return base, true
	case status.LatestReview == "approved":
		base.Reason = model.ReviewFollowupApproval
		base.RequiresEngine = false
		return base, true
	default:
		return model.ReviewFollowupEntry{}, false
	}
}

// drainReviewFollowups drains the §4.9 queue: merge-only entries first,
// engine-requiring entries next only if some engine's usage gate allows. An
// entry is deleted only once its follow-up action actually happened (the PR
// was merged, or re-queued for an engine run); a failed action leaves it
// for the next cycle.
func (d *Driver) drainReviewFollowups(ctx context.Context, cfg *config.Config) {
	entries, err := d.Store.ListReviewFollowups(ctx)
	if err != nil {
		d.Log.LogWarn("failed to list review followups", "error", err.Error())
		return
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return !entries[i].RequiresEngine && entries[j].RequiresEngine
	})

	engineChecked := false
	engineAllowed := false
	for _, e := range entries {
		if e.RequiresEngine {
			if !engineChecked {
				_, engineAllowed = d.selectEngine(ctx, cfg)
				engineChecked = true
			}
			if !engineAllowed {
				continue
			}
			if !d.requeueManagedPR(ctx, e) {
				continue
			}
		} else if err := d.mergeApprovedPR(ctx, e); err != nil {
			d.Log.LogWarn("failed to merge approved managed PR, leaving follow-up queued",
				"repo", e.Repo.String(), "pr", e.PRNumber, "error", err.Error())
			continue
		}
		if err := d.Store.DeleteReviewFollowup(ctx, e.Repo, e.PRNumber); err != nil {
			d.Log.LogError("failed to delete drained review followup", "repo", e.Repo.String(), "pr", e.PRNumber, "error", err.Error())
		}
	}
}

// mergeApprovedPR performs a merge-only follow-up: flip the PR out of draft
// if needed, then merge it. A PR that is already merged or closed needs
// nothing.
func (d *Driver) mergeApprovedPR(ctx context.Context, e model.ReviewFollowupEntry) error {
	status, err := d.GH.PullRequestStatus(ctx, e.Repo, e.PRNumber)
	if err != nil {
		return err
	}
	if status.Merged || status.State != "open" {
		return nil
	}
	if err := d.GH.MarkPRReadyForReview(ctx, e.Repo, e.PRNumber); err != nil {
		return err
	}
	d.Log.LogInfo("merging approved managed PR", "repo", e.Repo.String(), "pr", e.PRNumber)
	return d.GH.MergePullRequest(ctx, e.Repo, e.PRNumber)
}

// requeueManagedPR applies §4.2's done --webhook PR review--> queued
// transition: the reviewed PR goes back through the normal queue so the
// next dispatch addresses the review. Returns false if the entry should be
// kept for a later cycle.
func (d *Driver) requeueManagedPR(ctx context.Context, e model.ReviewFollowupEntry) bool {
	status, err := d.GH.PullRequestStatus(ctx, e.Repo, e.PRNumber)
	if err != nil {
		d.Log.LogWarn("failed to read PR status for review follow-up", "repo", e.Repo.String(), "pr", e.PRNumber, "error", err.Error())
		return false
	}
	if status.Merged || status.State != "open" {
		// The PR was merged or closed since the review arrived; nothing left
		// to follow up on.
		return true
	}

	issue := model.Issue{
		ID:            strconv.FormatInt(status.ID, 10),
		Number:        e.PRNumber,
		Repo:          e.Repo,
		Title:         status.Title,
		URL:           status.URL,
		IsPullRequest: true,
	}
	if err := d.Lifecycle.ToQueued(ctx, issue); err != nil {
		d.Log.LogError("failed to queue review follow-up", "repo", e.Repo.String(), "pr", e.PRNumber, "error", err.Error())
		return false
	}
	if err := d.Store.EnqueueWebhookIssue(ctx, model.WebhookQueueEntry{
		IssueID: issue.ID, IssueNumber: issue.Number, Repo: issue.Repo,
		URL: issue.URL, Title: issue.Title, EnqueuedAt: time.Now().UTC(),
	}); err != nil {
		d.Log.LogError("failed to enqueue review follow-up", "repo", e.Repo.String(), "pr", e.PRNumber, "error", err.Error())
		return false
	}
	d.Log.LogInfo("queued review follow-up run", "repo", e.Repo.String(), "pr", e.PRNumber, "reason", string(e.Reason))
	return true
}

// usageTimingEnabled reports whether AGENT_RUNNER_USAGE_TIMING=1 is set,
// the §6 debug flag that emits timing logs for quota reads.
func usageTimingEnabled() bool {
	return os.Getenv("AGENT_RUNNER_USAGE_TIMING") == "1"
}

// fetchUsage wraps eng.Usage with the optional timing log.
func (d *Driver) fetchUsage(ctx context.Context, eng engine.Engine) (usagegate.Windows, error) {
	started := time.Now()
	windows, err := eng.Usage(ctx)
	if usageTimingEnabled() {
		d.Log.LogInfo("usage read timing", "engine", string(eng.Kind()), "elapsed_ms", time.Since(started).Milliseconds(), "failed", err != nil)
	}
	return windows, err
}

// selectEngine returns the first allowed engine in EngineOrder, per §4.3.
// Gemini adapters additionally get a one-shot warm-up chance when both
// windows are blocked.
func (d *Driver) selectEngine(ctx context.Context, cfg *config.Config) (engine.Engine, bool) {
	for _, kind := range d.EngineOrder {
		eng, ok := d.Engines[kind]
		if !ok {
			continue
		}
		gateCfg := cfg.UsageGates[string(kind)]
		windows, err := d.fetchUsage(ctx, eng)
		if err != nil {
			d.Log.LogWarn("usage fetch failed, skipping engine this cycle", "engine", string(kind), "error", err.Error())
			continue
		}
		decision := usagegate.Evaluate(time.Now().UTC(), windows, gateCfg)
		if decision.Allowed {
			return eng, true
		}
		if d.Metrics != nil {
			d.Metrics.IncUsageGateDeny(string(kind), decision.Reason)
		}
		if g, isGemini := eng.(*engine.Gemini); isGemini {
			if warmed, werr := g.TryWarmup(ctx, time.Now().UTC()); werr == nil && warmed {
				return eng, true
			}
		}
	}
	return nil, false
}

// dispatchIssue implements §4.1 step 10 for a single queued issue. Errors
// are caught and logged inside this frame per §7's propagation policy.
func (d *Driver) dispatchIssue(ctx context.Context, cfg *config.Config, entry model.WebhookQueueEntry) {
	eng, ok := d.selectEngine(ctx, cfg)
	if !ok {
		d.Log.LogInfo("no engine within quota, deferring issue dispatch", "issue", entry.IssueID)
		return
	}

	token, err := d.Gate.Acquire(ctx, string(eng.Kind()))
	if err != nil {
		d.Log.LogWarn("failed to acquire concurrency token", "issue", entry.IssueID, "error", err.Error())
		return
	}
	defer token.Release()

	issue := model.Issue{ID: entry.IssueID, Number: entry.IssueNumber, Repo: entry.Repo, Title: entry.Title, URL: entry.URL}
	runID := uuid.NewString()

	if err := d.Lifecycle.ToRunning(ctx, issue); err != nil {
		d.Log.LogError("failed to transition issue to running", "issue", issue.ID, "error", err.Error())
		return
	}
	if err := d.Store.DequeueWebhookIssue(ctx, entry.IssueID); err != nil {
		d.Log.LogWarn("failed to dequeue dispatched issue", "issue", issue.ID, "error", err.Error())
	}

	sessionID, _, _ := d.Store.GetIssueSession(ctx, issue.ID)

	workDir, _, werr := d.Worktree.CreateFromDefaultBranch(ctx, runID, issue.Repo, "issue")
	if werr != nil {
		d.Log.LogError("failed to create worktree", "issue", issue.ID, "error", werr.Error())
		if ferr := d.Lifecycle.ToFailedTerminal(ctx, issue); ferr != nil {
			d.Log.LogError("failed to mark issue failed after worktree error", "issue", issue.ID, "error", ferr.Error())
		}
		return
	}
	defer func() {
		if err := d.Worktree.Remove(ctx, issue.Repo, workDir); err != nil {
			d.Log.LogWarn("failed to remove worktree", "issue", issue.ID, "path", workDir, "error", err.Error())
		}
	}()

	activity := model.ActivityRecord{
		ID: runID, Kind: model.ActivityIssue, Engine: string(eng.Kind()), Repo: issue.Repo,
		StartedAt: time.Now().UTC(), IssueID: issue.ID, IssueNumber: issue.Number,
	}
	_ = d.Store.InsertActivity(ctx, activity)
	defer func() { _ = d.Store.DeleteActivity(ctx, runID) }()

	running := model.RunningRecord{IssueID: issue.ID, IssueNumber: issue.Number, Repo: issue.Repo, StartedAt: time.Now().UTC(), LogPath: ""}
	_ = d.Store.InsertRunning(ctx, running)

	if d.Metrics != nil {
		d.Metrics.IncDispatched("issue")
	}

	result, rerr := d.Runtime.RunIssue(ctx, eng, issue, workDir, sessionID, "")
	_ = d.Store.DeleteRunning(ctx, issue.ID)
	if rerr != nil {
		d.Log.LogError("issue run failed to start", "issue", issue.ID, "error", rerr.Error())
		if ferr := d.Lifecycle.ToFailedTerminal(ctx, issue); ferr != nil {
			d.Log.LogError("failed to mark issue failed", "issue", issue.ID, "error", ferr.Error())
		}
		return
	}

	d.finishIssueRun(ctx, eng, issue, workDir, result, false)
}

// finishIssueRun applies the §4.2/§7 failure-taxonomy transition for one
// issue run's result. retried marks whether this call is already the
// single same-cycle retry §4.2 invariant 3 allows for an after_session
// crash, so it never loops more than once.
func (d *Driver) finishIssueRun(ctx context.Context, eng engine.Engine, issue model.Issue, workDir string, result runtime.RunResult, retried bool) {
	if result.SessionID != "" {
		_ = d.Store.SetIssueSession(ctx, issue.ID, result.SessionID)
	}

	switch result.Failure {
	case runtime.FailureNone:
		if err := d.Lifecycle.ToDone(ctx, issue); err != nil {
			d.Log.LogError("failed to mark issue done", "issue", issue.ID, "error", err.Error())
			return
		}
		if result.Summary != "" {
			_ = d.GH.PostComment(ctx, issue.Repo, issue.Number, sanitize.Truncate(result.Summary, maxCommentLen))
		}
		d.trackManagedPRs(ctx, issue.Repo, result.Summary)

	case runtime.FailureQuota:
		runAfter := time.Now().UTC().Add(1 * time.Hour)
		if err := d.Lifecycle.ToScheduledRetry(ctx, issue, runAfter, result.SessionID); err != nil {
			d.Log.LogError("failed to schedule retry", "issue", issue.ID, "error", err.Error())
			return
		}
		_ = d.GH.PostComment(ctx, issue.Repo, issue.Number,
			fmt.Sprintf("This run is paused due to quota limits and will resume automatically around %s.", runAfter.Format(time.RFC1123)))

	case runtime.FailureNeedsUserReply:
		if err := d.Lifecycle.ToNeedsUserReply(ctx, issue); err != nil {
			d.Log.LogError("failed to mark needs-user-reply", "issue", issue.ID, "error", err.Error())
		}

	case runtime.FailureExecutionError:
		if !retried && result.Stage == runtime.StageAfterSession && eng != nil {
			resumeResult, rerr := d.Runtime.RunIssue(ctx, eng, issue, workDir, result.SessionID, "continue from where you left off")
			if rerr == nil {
				d.finishIssueRun(ctx, eng, issue, workDir, resumeResult, true)
				return
			}
		}
		if err := d.Lifecycle.ToFailedTerminal(ctx, issue); err != nil {
			d.Log.LogError("failed to mark issue failed", "issue", issue.ID, "error", err.Error())
			return
		}
		tail := result.Summary
		if tail == "" {
			tail = "no summary was produced"
		}
		_ = d.GH.PostComment(ctx, issue.Repo, issue.Number, "This run failed: "+sanitize.Truncate(tail, maxCommentLen))
	}
}

// trackManagedPRs records any pull request the run's summary links to as a
// managed PR, so later cycles follow up on its reviews (§4.1 step 7), and
// puts it in front of the configured reviewers. Only URLs pointing at the
// run's own repository count.
func (d *Driver) trackManagedPRs(ctx context.Context, repo model.RepoRef, summary string) {
	reviewers := d.Config.Get().ParseAIReviewerBots()
	for _, field := range strings.Fields(summary) {
		ref, err := githubapi.ParsePRURL(field)
		if err != nil {
			continue
		}
		if !repo.Equal(model.RepoRef{Owner: ref.Owner, Name: ref.Repo}) {
			continue
		}
		if err := d.Store.AddManagedPR(ctx, repo, ref.Number); err != nil {
			d.Log.LogWarn("failed to record managed PR", "repo", repo.String(), "pr", ref.Number, "error", err.Error())
			continue
		}
		if err := d.GH.RequestReviewers(ctx, repo, ref.Number, reviewers); err != nil {
			d.Log.LogWarn("failed to request reviewers on managed PR", "repo", repo.String(), "pr", ref.Number, "error", err.Error())
		}
	}
}

// dispatchIdle implements §4.1 step 9: the idle branch, gated per-engine on
// usage so only engines currently within quota are handed idle work.
func (d *Driver) dispatchIdle(ctx context.Context, cfg *config.Config, repos []model.RepoRef, now time.Time, slots int) {
	var allowed []string
	for _, name := range cfg.IdleAllowedEngines {
		eng, ok := d.Engines[config.EngineKind(name)]
		if !ok {
			continue
		}
		windows, err := d.fetchUsage(ctx, eng)
		if err != nil {
			continue
		}
		if usagegate.Evaluate(now, windows, cfg.UsageGates[name]).Allowed {
			allowed = append(allowed, name)
		}
	}
	if len(allowed) == 0 {
		return
	}

	planner := *d.Idle
	planner.AllowedEngines = allowed
	planner.MaxRunsPerCycle = slots

	assignments, err := planner.Plan(ctx, now, repos)
	if err != nil {
		d.Log.LogError("idle planning failed", "error", err.Error())
		return
	}

	for _, a := range assignments {
		d.dispatchIdleAssignment(ctx, a)
	}
}

func (d *Driver) dispatchIdleAssignment(ctx context.Context, a idle.Assignment) {
	eng, ok := d.Engines[config.EngineKind(a.Engine)]
	if !ok {
		return
	}

	token, err := d.Gate.Acquire(ctx, a.Engine)
	if err != nil {
		d.Log.LogWarn("failed to acquire concurrency token for idle task", "repo", a.Repo.String(), "error", err.Error())
		return
	}
	defer token.Release()

	runID := uuid.NewString()
	workDir, _, werr := d.Worktree.CreateFromDefaultBranch(ctx, runID, a.Repo, "idle")
	if werr != nil {
		d.Log.LogWarn("failed to create worktree for idle task", "repo", a.Repo.String(), "error", werr.Error())
		return
	}
	defer func() {
		if err := d.Worktree.Remove(ctx, a.Repo, workDir); err != nil {
			d.Log.LogWarn("failed to remove idle worktree", "repo", a.Repo.String(), "path", workDir, "error", err.Error())
		}
	}()

	activity := model.ActivityRecord{ID: runID, Kind: model.ActivityIdle, Engine: a.Engine, Repo: a.Repo, StartedAt: time.Now().UTC(), Task: a.Task}
	_ = d.Store.InsertActivity(ctx, activity)
	defer func() { _ = d.Store.DeleteActivity(ctx, runID) }()

	if d.Metrics != nil {
		d.Metrics.IncDispatched("idle")
	}

	result, rerr := d.Runtime.RunIdleTask(ctx, eng, a.Repo, a.Prompt, workDir)
	if rerr != nil {
		d.Log.LogWarn("idle task failed to start", "repo", a.Repo.String(), "error", rerr.Error())
		return
	}
	d.Log.LogInfo("idle task finished", "repo", a.Repo.String(), "engine", a.Engine, "failure", string(result.Failure))
}

// checkRunOwner implements worktree.RunningOwnerCheck: it reports whether
// the activity identified by runID still has a live owning process.
func (d *Driver) checkRunOwner(runID string) (alive bool, found bool) {
	activities, err := d.Store.ListActivity(context.Background())
	if err != nil {
		return false, false
	}
	for _, a := range activities {
		if a.ID == runID {
			return worktree.PIDAlive(a.PID), true
		}
	}
	return false, false
}

// NewRunningOwnerCheck builds the callback worktree.NewManager needs,
// closing over this driver.
func (d *Driver) NewRunningOwnerCheck() worktree.RunningOwnerCheck { return d.checkRunOwner }
