// Package lifecycle implements the §4.2 issue state machine: the label
// mutations and persistent-record bookkeeping that move an issue through
// queued → running → {done, failed, needsUserReply, scheduledRetry}.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/model"
)

// Labeler is the subset of the GitHub client the lifecycle needs: additive
// then subtractive label mutation (§4.2 "Guarantees").
type Labeler interface {
	AddLabels(ctx context.Context, repo model.RepoRef, number int, labels []string) error
	RemoveLabel(ctx context.Context, repo model.RepoRef, number int, label string) error
	PostComment(ctx context.Context, repo model.RepoRef, number int, body string) error
}

// Store is the subset of the persistent state store the lifecycle mutates.
type Store interface {
	DeleteRunning(ctx context.Context, issueID string) error
	SetIssueSession(ctx context.Context, issueID string, sessionID string) error
	ClearIssueSession(ctx context.Context, issueID string) error
	UpsertScheduledRetry(ctx context.Context, retry model.ScheduledRetry) error
	DeleteScheduledRetry(ctx context.Context, issueID string) error
}

// Machine applies §4.2 transitions, given the configured label names.
type Machine struct {
	Labels config.LabelNames
	Gh     Labeler
	Store  Store
}

// NewMachine builds a Machine.
func NewMachine(labels config.LabelNames, gh Labeler, store Store) *Machine {
	return &Machine{Labels: labels, Gh: gh, Store: store}
}

// retransition applies an additive-then-subtractive label swap: all of
// addLabels are added before any of removeLabels are removed, so a cycle
// that observes the issue mid-transition sees the new status even if a
// removal later fails. Removing a label that isn't present is not an error
// (the Labeler implementation is responsible for treating 404 as success).
func (m *Machine) retransition(ctx context.Context, issue model.Issue, add []string, remove []string) error {
	if len(add) > 0 {
		if err := m.Gh.AddLabels(ctx, issue.Repo, issue.Number, add); err != nil {
			return errors.Wrapf(err, "adding labels %v to %s#%d", add, issue.Repo, issue.Number)
		}
	}
	for _, label := range remove {
		if err := m.Gh.RemoveLabel(ctx, issue.Repo, issue.Number, label); err != nil {
			return errors.Wrapf(err, "removing label %q from %s#%d", label, issue.Repo, issue.Number)
		}
	}
	return nil
}

// ToQueued moves an issue into the queued state, from any prior state. It
// carries over an existing session if one was preserved (resumption from
// needsUserReply or scheduledRetry).
func (m *Machine) ToQueued(ctx context.Context, issue model.Issue) error {
	remove := []string{m.Labels.Running, m.Labels.Done, m.Labels.Failed, m.Labels.NeedsUserReply}
	return m.retransition(ctx, issue, []string{m.Labels.Queued}, remove)
}

// ToRunning moves a queued issue to running, recording its new
// RunningRecord is the caller's responsibility (internal/store), since the
// pid/logPath aren't known until the process is spawned.
func (m *Machine) ToRunning(ctx context.Context, issue model.Issue) error {
	return m.retransition(ctx, issue, []string{m.Labels.Running}, []string{m.Labels.Queued})
}

// ToDone terminates an issue successfully: clears the session and any
// scheduled retry, removes running, and adds done.
func (m *Machine) ToDone(ctx context.Context, issue model.Issue) error {
	if err := m.retransition(ctx, issue, []string{m.Labels.Done}, []string{m.Labels.Running, m.Labels.Queued}); err != nil {
		return err
	}
	if err := m.Store.ClearIssueSession(ctx, issue.ID); err != nil {
		return errors.Wrap(err, "failed to clear issue session on success")
	}
	if err := m.Store.DeleteScheduledRetry(ctx, issue.ID); err != nil {
		return errors.Wrap(err, "failed to clear scheduled retry on success")
	}
	return nil
}

// ToScheduledRetry records a quota-induced back-off: the issue is labelled
// failed (per §4.2's state table, scheduledRetry is externally {failed})
// and a ScheduledRetry row is stored carrying the session id so the next
// attempt resumes it.
func (m *Machine) ToScheduledRetry(ctx context.Context, issue model.Issue, runAfter time.Time, sessionID string) error {
	if err := m.retransition(ctx, issue, []string{m.Labels.Failed}, []string{m.Labels.Running, m.Labels.Queued}); err != nil {
		return err
	}
	return m.Store.UpsertScheduledRetry(ctx, model.ScheduledRetry{
		IssueID:     issue.ID,
		IssueNumber: issue.Number,
		Repo:        issue.Repo,
		RunAfter:    runAfter,
		Reason:      model.RetryReasonQuota,
		SessionID:   sessionID,
	})
}

// ToNeedsUserReply labels the issue as awaiting a clarifying reply. Per the
// resolved Open Question, this may coexist with an existing `failed` label
// (a run failed after a user reply was already requested), so it only adds
// needs-user-reply and removes running/queued — it never removes failed.
func (m *Machine) ToNeedsUserReply(ctx context.Context, issue model.Issue) error {
	return m.retransition(ctx, issue, []string{m.Labels.NeedsUserReply}, []string{m.Labels.Running, m.Labels.Queued})
}

// ToFailedTerminal labels the issue as permanently failed: clears session
// and retry state, same as ToDone but with the failed label instead of
// done.
func (m *Machine) ToFailedTerminal(ctx context.Context, issue model.Issue) error {
	if err := m.retransition(ctx, issue, []string{m.Labels.Failed}, []string{m.Labels.Running, m.Labels.Queued, m.Labels.NeedsUserReply}); err != nil {
		return err
	}
	if err := m.Store.ClearIssueSession(ctx, issue.ID); err != nil {
		return errors.Wrap(err, "failed to clear issue session on terminal failure")
	}
	if err := m.Store.DeleteScheduledRetry(ctx, issue.ID); err != nil {
		return errors.Wrap(err, "failed to clear scheduled retry on terminal failure")
	}
	return nil
}

// RecoverCrashed implements §4.1 step 2: an issue labelled running whose
// RunningRecord is missing or whose pid is dead transitions to
// failed+needs-user-reply with an explanatory comment, and its stale
// RunningRecord (if any) is purged.
func (m *Machine) RecoverCrashed(ctx context.Context, issue model.Issue, hadRecord bool, pid int) error {
	if err := m.retransition(ctx, issue, []string{m.Labels.Failed, m.Labels.NeedsUserReply}, []string{m.Labels.Running, m.Labels.Queued}); err != nil {
		return err
	}
	if hadRecord {
		if err := m.Store.DeleteRunning(ctx, issue.ID); err != nil {
			return errors.Wrap(err, "failed to purge stale running record")
		}
	}
	reason := "no running record was found for this issue"
	if hadRecord {
		reason = fmt.Sprintf("its process (pid %d) is no longer alive", pid)
	}
	return m.Gh.PostComment(ctx, issue.Repo, issue.Number, "This run was interrupted ("+reason+") and needs a human look before it can resume.")
}

// IsAuthorizedReply reports whether a comment posted after lastMarker
// represents a genuine user reply (not a bot, not the runner's own
// comment) that should re-queue a needsUserReply issue (§4.1 step 3).
func IsAuthorizedReply(commentCreatedUnix int64, lastMarkerUnix int64, authorIsBot bool) bool {
	return !authorIsBot && commentCreatedUnix > lastMarkerUnix
}
