package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/model"
)

type labelCall struct {
	kind  string // "add" or "remove"
	label string
}

type fakeLabeler struct {
	calls    []labelCall
	comments []string
}

func (f *fakeLabeler) AddLabels(ctx context.Context, repo model.RepoRef, number int, labels []string) error {
	for _, l := range labels {
		f.calls = append(f.calls, labelCall{kind: "add", label: l})
	}
	return nil
}

func (f *fakeLabeler) RemoveLabel(ctx context.Context, repo model.RepoRef, number int, label string) error {
	f.calls = append(f.calls, labelCall{kind: "remove", label: label})
	return nil
}

func (f *fakeLabeler) PostComment(ctx context.Context, repo model.RepoRef, number int, body string) error {
	f.comments = append(f.comments, body)
	return nil
}

type fakeStore struct {
	deletedRunning   []string
	sessions         map[string]string
	scheduledRetries map[string]model.ScheduledRetry
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: map[string]string{}, scheduledRetries: map[string]model.ScheduledRetry{}}
}

func (f *fakeStore) DeleteRunning(ctx context.Context, issueID string) error {
	f.deletedRunning = append(f.deletedRunning, issueID)
	return nil
}

func (f *fakeStore) SetIssueSession(ctx context.Context, issueID string, sessionID string) error {
	f.sessions[issueID] = sessionID
	return nil
}

func (f *fakeStore) ClearIssueSession(ctx context.Context, issueID string) error {
	delete(f.sessions, issueID)
	return nil
}

func (f *fakeStore) UpsertScheduledRetry(ctx context.Context, retry model.ScheduledRetry) error {
	f.scheduledRetries[retry.IssueID] = retry
	return nil
}

func (f *fakeStore) DeleteScheduledRetry(ctx context.Context, issueID string) error {
	delete(f.scheduledRetries, issueID)
	return nil
}

func testIssue() model.Issue {
	return model.Issue{ID: "issue-1", Number: 7, Repo: model.RepoRef{Owner: "metyatech", Name: "demo"}}
}

func TestToQueuedAddsQueuedAndRemovesAllOthers(t *testing.T) {
	gh := &fakeLabeler{}
	m := NewMachine(config.DefaultLabelNames(), gh, newFakeStore())

	require.NoError(t, m.ToQueued(context.Background(), testIssue()))

	require.Len(t, gh.calls, 5)
	assert.Equal(t, labelCall{kind: "add", label: config.DefaultLabelNames().Queued}, gh.calls[0], "add must happen before any remove")
	for _, c := range gh.calls[1:] {
		assert.Equal(t, "remove", c.kind)
	}
}

func TestToDoneClearsSessionAndRetry(t *testing.T) {
	gh := &fakeLabeler{}
	store := newFakeStore()
	store.sessions["issue-1"] = "sess-1"
	store.scheduledRetries["issue-1"] = model.ScheduledRetry{IssueID: "issue-1"}
	m := NewMachine(config.DefaultLabelNames(), gh, store)

	require.NoError(t, m.ToDone(context.Background(), testIssue()))

	assert.NotContains(t, store.sessions, "issue-1")
	assert.NotContains(t, store.scheduledRetries, "issue-1")
}

func TestToScheduledRetryStoresRetryWithSession(t *testing.T) {
	gh := &fakeLabeler{}
	store := newFakeStore()
	m := NewMachine(config.DefaultLabelNames(), gh, store)
	runAfter := time.Now().Add(time.Hour)

	require.NoError(t, m.ToScheduledRetry(context.Background(), testIssue(), runAfter, "sess-9"))

	retry, ok := store.scheduledRetries["issue-1"]
	require.True(t, ok)
	assert.Equal(t, "sess-9", retry.SessionID)
	assert.Equal(t, model.RetryReasonQuota, retry.Reason)
	assert.True(t, runAfter.Equal(retry.RunAfter))
}

func TestToNeedsUserReplyDoesNotRemoveFailed(t *testing.T) {
	gh := &fakeLabeler{}
	m := NewMachine(config.DefaultLabelNames(), gh, newFakeStore())

	require.NoError(t, m.ToNeedsUserReply(context.Background(), testIssue()))

	for _, c := range gh.calls {
		if c.kind == "remove" {
			assert.NotEqual(t, config.DefaultLabelNames().Failed, c.label, "needs-user-reply must coexist with an existing failed label")
		}
	}
}

func TestRecoverCrashedWithRecordPurgesAndComments(t *testing.T) {
	gh := &fakeLabeler{}
	store := newFakeStore()
	m := NewMachine(config.DefaultLabelNames(), gh, store)

	require.NoError(t, m.RecoverCrashed(context.Background(), testIssue(), true, 4242))

	assert.Equal(t, []string{"issue-1"}, store.deletedRunning)
	require.Len(t, gh.comments, 1)
	assert.Contains(t, gh.comments[0], "no longer alive")
	assert.Contains(t, gh.comments[0], "4242")
}

func TestRecoverCrashedWithoutRecordSkipsDelete(t *testing.T) {
	gh := &fakeLabeler{}
	store := newFakeStore()
	m := NewMachine(config.DefaultLabelNames(), gh, store)

	require.NoError(t, m.RecoverCrashed(context.Background(), testIssue(), false, 0))

	assert.Empty(t, store.deletedRunning)
	require.Len(t, gh.comments, 1)
	assert.Contains(t, gh.comments[0], "no running record")
}

func TestIsAuthorizedReply(t *testing.T) {
	assert.True(t, IsAuthorizedReply(200, 100, false))
	assert.False(t, IsAuthorizedReply(50, 100, false), "comment before the marker doesn't count")
	assert.False(t, IsAuthorizedReply(200, 100, true), "bot comments never re-queue")
}
