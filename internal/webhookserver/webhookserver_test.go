package webhookserver

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metyatech/agent-runner/internal/model"
	"github.com/metyatech/agent-runner/internal/reviewqueue"
	"github.com/metyatech/agent-runner/internal/runnerlog"
)

const testSecret = "shhh"

type fakeStore struct {
	deliveries map[string]bool
	comments   map[int64]bool
	enqueued   []model.WebhookQueueEntry
	managed    map[string]bool
	followups  []model.ReviewFollowupEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		deliveries: map[string]bool{},
		comments:   map[int64]bool{},
		managed:    map[string]bool{},
	}
}

func (f *fakeStore) IsDeliveryProcessed(ctx context.Context, deliveryID string) (bool, error) {
	return f.deliveries[deliveryID], nil
}

func (f *fakeStore) MarkDeliveryProcessed(ctx context.Context, deliveryID string, at time.Time) error {
	f.deliveries[deliveryID] = true
	return nil
}

func (f *fakeStore) IsCommentProcessed(ctx context.Context, commentID int64) (bool, error) {
	return f.comments[commentID], nil
}

func (f *fakeStore) MarkCommentProcessed(ctx context.Context, commentID int64) error {
	f.comments[commentID] = true
	return nil
}

func (f *fakeStore) EnqueueWebhookIssue(ctx context.Context, e model.WebhookQueueEntry) error {
	f.enqueued = append(f.enqueued, e)
	return nil
}

func (f *fakeStore) IsManagedPR(ctx context.Context, repo model.RepoRef, number int) (bool, error) {
	return f.managed[repo.String()], nil
}

func (f *fakeStore) UpsertReviewFollowup(ctx context.Context, e model.ReviewFollowupEntry) error {
	f.followups = append(f.followups, e)
	return nil
}

func newTestServer(store *fakeStore) *Server {
	return New(store, nil, &reviewqueue.Classifier{}, testSecret, "/webhooks/github", runnerlog.NewNop())
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func post(t *testing.T, s *Server, event, delivery string, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set(eventHeader, event)
	req.Header.Set(deliveryHeader, delivery)
	req.Header.Set(signatureHeader, signature)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	store := newFakeStore()
	s := newTestServer(store)

	rec := post(t, s, "ping", "d-1", []byte(`{}`), "sha256=deadbeef")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, store.deliveries["d-1"], "rejected deliveries are not marked processed")
}

func TestWebhookPingAcknowledged(t *testing.T) {
	store := newFakeStore()
	s := newTestServer(store)

	body := []byte(`{"zen":"Keep it logically awesome."}`)
	rec := post(t, s, "ping", "d-2", body, sign(body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, store.deliveries["d-2"])
}

func TestWebhookDuplicateDeliverySkipped(t *testing.T) {
	store := newFakeStore()
	store.deliveries["d-3"] = true
	s := newTestServer(store)

	body := issueCommentBody(`/agent run`, "OWNER", "User", 101)
	rec := post(t, s, "issue_comment", "d-3", body, sign(body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, store.enqueued)
}

func issueCommentBody(comment, assoc, userType string, commentID int64) []byte {
	return []byte(`{
		"action": "created",
		"comment": {
			"id": ` + strconv.FormatInt(commentID, 10) + `,
			"body": "` + comment + `",
			"author_association": "` + assoc + `",
			"user": {"login": "alice", "type": "` + userType + `"}
		},
		"issue": {"number": 5, "id": 9001, "title": "Fix the flaky test", "html_url": "https://github.com/metyatech/demo/issues/5"},
		"repository": {"name": "demo", "owner": {"login": "metyatech"}}
	}`)
}

func TestWebhookIssueCommentEnqueuesAgentRun(t *testing.T) {
	store := newFakeStore()
	s := newTestServer(store)

	body := issueCommentBody(`/agent run`, "OWNER", "User", 101)
	rec := post(t, s, "issue_comment", "d-4", body, sign(body))
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, store.enqueued, 1)
	entry := store.enqueued[0]
	assert.Equal(t, "9001", entry.IssueID)
	assert.Equal(t, 5, entry.IssueNumber)
	assert.Equal(t, model.RepoRef{Owner: "metyatech", Name: "demo"}, entry.Repo)
	assert.True(t, store.comments[101], "trigger comment is marked processed")
}

func TestWebhookIssueCommentDedupsProcessedComment(t *testing.T) {
	store := newFakeStore()
	store.comments[101] = true
	s := newTestServer(store)

	body := issueCommentBody(`/agent run`, "OWNER", "User", 101)
	rec := post(t, s, "issue_comment", "d-5", body, sign(body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, store.enqueued)
}

func TestWebhookIssueCommentIgnoresUnauthorized(t *testing.T) {
	store := newFakeStore()
	s := newTestServer(store)

	body := issueCommentBody(`/agent run`, "NONE", "User", 102)
	rec := post(t, s, "issue_comment", "d-6", body, sign(body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, store.enqueued)
}

func TestWebhookReviewOnManagedPRStoresFollowup(t *testing.T) {
	store := newFakeStore()
	store.managed["metyatech/demo"] = true
	s := newTestServer(store)

	body := []byte(`{
		"action": "submitted",
		"review": {
			"state": "changes_requested",
			"body": "please fix",
			"author_association": "OWNER",
			"user": {"login": "alice", "type": "User"}
		},
		"pull_request": {"number": 42, "html_url": "https://github.com/metyatech/demo/pull/42"},
		"repository": {"name": "demo", "owner": {"login": "metyatech"}}
	}`)
	rec := post(t, s, "pull_request_review", "d-7", body, sign(body))
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, store.followups, 1)
	assert.Equal(t, model.ReviewFollowupReview, store.followups[0].Reason)
	assert.True(t, store.followups[0].RequiresEngine)
}

func TestWebhookReviewOnUnmanagedPRIgnored(t *testing.T) {
	store := newFakeStore()
	s := newTestServer(store)

	body := []byte(`{
		"action": "submitted",
		"review": {"state": "approved", "author_association": "OWNER", "user": {"login": "alice", "type": "User"}},
		"pull_request": {"number": 42, "html_url": "https://github.com/metyatech/demo/pull/42"},
		"repository": {"name": "demo", "owner": {"login": "metyatech"}}
	}`)
	rec := post(t, s, "pull_request_review", "d-8", body, sign(body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, store.followups)
}

func TestVerifySignature(t *testing.T) {
	body := []byte("payload")
	assert.True(t, verifySignature([]byte(testSecret), sign(body), body))
	assert.False(t, verifySignature([]byte(testSecret), sign([]byte("other")), body))
	assert.False(t, verifySignature([]byte(testSecret), "sha1=abc", body))
	assert.False(t, verifySignature([]byte(testSecret), "sha256=not-hex", body))
}

func TestRateLimiter(t *testing.T) {
	l := newRateLimiter(2, time.Minute)
	assert.True(t, l.allow("1.2.3.4"))
	assert.True(t, l.allow("1.2.3.4"))
	assert.False(t, l.allow("1.2.3.4"))
	assert.True(t, l.allow("5.6.7.8"), "limits are per client")
	assert.True(t, l.allow(""), "unknown clients are never limited")
}
