package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metyatech/agent-runner/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunningRecordLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := model.RepoRef{Owner: "metyatech", Name: "demo"}

	rec := model.RunningRecord{
		IssueID: "gid-1", IssueNumber: 5, Repo: repo,
		StartedAt: time.Now().UTC(), PID: 12345, LogPath: "/tmp/x.log",
	}
	require.NoError(t, s.InsertRunning(ctx, rec))

	all, err := s.ListRunning(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, rec.IssueID, all[0].IssueID)
	assert.Equal(t, rec.PID, all[0].PID)

	require.NoError(t, s.DeleteRunning(ctx, rec.IssueID))
	all, err = s.ListRunning(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestScheduledRetryUpsertIsSingleRowPerIssue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := model.RepoRef{Owner: "metyatech", Name: "demo"}

	r1 := model.ScheduledRetry{IssueID: "gid-2", IssueNumber: 7, Repo: repo, RunAfter: time.Now().Add(time.Hour), Reason: model.RetryReasonQuota, SessionID: "s1"}
	require.NoError(t, s.UpsertScheduledRetry(ctx, r1))

	r2 := r1
	r2.SessionID = "s2"
	r2.RunAfter = time.Now().Add(2 * time.Hour)
	require.NoError(t, s.UpsertScheduledRetry(ctx, r2))

	due, err := s.TakeDueRetries(ctx, time.Now().Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "s2", due[0].SessionID)
}

func TestTakeDueRetriesConsumesAtomically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := model.RepoRef{Owner: "metyatech", Name: "demo"}
	now := time.Now().UTC()

	for i, issueID := range []string{"a", "b", "c"} {
		r := model.ScheduledRetry{
			IssueID: issueID, IssueNumber: i, Repo: repo,
			RunAfter: now.Add(time.Duration(i) * time.Minute), Reason: model.RetryReasonQuota,
		}
		require.NoError(t, s.UpsertScheduledRetry(ctx, r))
	}

	due, err := s.TakeDueRetries(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, due, 2) // a (t+0) and b (t+1min)

	// A second call at the same instant returns nothing: rows were deleted.
	again, err := s.TakeDueRetries(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, again)

	// The still-pending row ("c") remains available once its time comes.
	remaining, err := s.TakeDueRetries(ctx, now.Add(10*time.Minute))
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "c", remaining[0].IssueID)
}

func TestIssueSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.GetIssueSession(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetIssueSession(ctx, "gid-3", "sess-1"))
	sid, ok, err := s.GetIssueSession(ctx, "gid-3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sess-1", sid)

	require.NoError(t, s.ClearIssueSession(ctx, "gid-3"))
	_, ok, err = s.GetIssueSession(ctx, "gid-3")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIdleHistoryCooldownAndCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := model.RepoRef{Owner: "metyatech", Name: "demo"}

	h, err := s.GetIdleHistory(ctx, repo)
	require.NoError(t, err)
	assert.True(t, h.LastIdleAt.IsZero())
	assert.Equal(t, 0, h.TaskCursor)

	now := time.Now().UTC()
	require.NoError(t, s.StampIdle(ctx, repo, now, 3))

	h, err = s.GetIdleHistory(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, 3, h.TaskCursor)
	assert.WithinDuration(t, now, h.LastIdleAt, time.Second)

	all, err := s.ListIdleHistory(ctx)
	require.NoError(t, err)
	assert.Contains(t, all, repo)
}

func TestManagedPRTracking(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := model.RepoRef{Owner: "metyatech", Name: "demo"}

	ok, err := s.IsManagedPR(ctx, repo, 42)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.AddManagedPR(ctx, repo, 42))
	ok, err = s.IsManagedPR(ctx, repo, 42)
	require.NoError(t, err)
	assert.True(t, ok)

	nums, err := s.ListManagedPRs(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, []int{42}, nums)
}

func TestCommentDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.IsCommentProcessed(ctx, 999)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.MarkCommentProcessed(ctx, 999))
	ok, err = s.IsCommentProcessed(ctx, 999)
	require.NoError(t, err)
	assert.True(t, ok)

	// Marking twice must not error (idempotent, §8 invariant 10).
	require.NoError(t, s.MarkCommentProcessed(ctx, 999))
}

func TestReviewFollowupCoalescing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := model.RepoRef{Owner: "metyatech", Name: "demo"}

	e1 := model.ReviewFollowupEntry{Repo: repo, PRNumber: 9, Reason: model.ReviewFollowupReviewComment, RequiresEngine: true}
	require.NoError(t, s.UpsertReviewFollowup(ctx, e1))

	e2 := e1
	e2.Reason = model.ReviewFollowupApproval
	e2.RequiresEngine = false
	require.NoError(t, s.UpsertReviewFollowup(ctx, e2))

	all, err := s.ListReviewFollowups(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1, "multiple events for one PR coalesce to a single entry")
	assert.Equal(t, model.ReviewFollowupApproval, all[0].Reason)
	assert.False(t, all[0].RequiresEngine)

	require.NoError(t, s.DeleteReviewFollowup(ctx, repo, 9))
	all, err = s.ListReviewFollowups(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestGeminiWarmupPerModel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, found, err := s.GetGeminiWarmup(ctx, "gemini-2.5-pro")
	require.NoError(t, err)
	assert.False(t, found)

	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.SetGeminiWarmup(ctx, "gemini-2.5-pro", at))

	got, found, err := s.GetGeminiWarmup(ctx, "gemini-2.5-pro")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, at.Equal(got))

	// Each model tracks its own cooldown.
	_, found, err = s.GetGeminiWarmup(ctx, "gemini-2.5-flash")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAmazonQUsageIncrement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.IncrementAmazonQUsage(ctx, "2026-07-29")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.IncrementAmazonQUsage(ctx, "2026-07-29")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
