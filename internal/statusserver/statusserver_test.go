package statusserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metyatech/agent-runner/internal/model"
	"github.com/metyatech/agent-runner/internal/runnerlog"
)

type fakeStore struct {
	running   []model.RunningRecord
	activity  []model.ActivityRecord
	queue     []model.WebhookQueueEntry
	followups []model.ReviewFollowupEntry
}

func (f *fakeStore) ListRunning(ctx context.Context) ([]model.RunningRecord, error) {
	return f.running, nil
}

func (f *fakeStore) ListActivity(ctx context.Context) ([]model.ActivityRecord, error) {
	return f.activity, nil
}

func (f *fakeStore) ListWebhookQueue(ctx context.Context) ([]model.WebhookQueueEntry, error) {
	return f.queue, nil
}

func (f *fakeStore) ListReviewFollowups(ctx context.Context) ([]model.ReviewFollowupEntry, error) {
	return f.followups, nil
}

func TestBuildSnapshot(t *testing.T) {
	repo := model.RepoRef{Owner: "metyatech", Name: "demo"}
	store := &fakeStore{
		running:   []model.RunningRecord{{IssueID: "i-1", IssueNumber: 5, Repo: repo, StartedAt: time.Now(), PID: 123}},
		queue:     []model.WebhookQueueEntry{{IssueID: "i-2"}, {IssueID: "i-3"}},
		followups: []model.ReviewFollowupEntry{{Repo: repo, PRNumber: 9}},
	}

	snap, err := BuildSnapshot(context.Background(), store, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "ok", snap.Status)
	assert.False(t, snap.DaemonRunning, "no runner.lock in an empty workdir")
	require.Len(t, snap.RunningIssues, 1)
	assert.Equal(t, "i-1", snap.RunningIssues[0].IssueID)
	assert.Equal(t, 2, snap.QueuedIssues)
	assert.Equal(t, 1, snap.ReviewFollowups)
}

func TestStatusEndpoint(t *testing.T) {
	s := New(&fakeStore{}, nil, t.TempDir(), runnerlog.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "ok", snap.Status)
}

func TestHealthzEndpoint(t *testing.T) {
	s := New(&fakeStore{}, nil, t.TempDir(), runnerlog.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["uptime"])
}
