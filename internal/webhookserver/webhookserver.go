// Package webhookserver is the §4.1 step 5/§6 "webhook" HTTP surface: it
// receives GitHub's push notifications for issue comments and PR reviews,
// verifies their HMAC-SHA256 signature, and translates them into the same
// store rows the poll-based discovery paths (internal/cycle) would
// eventually reach on their own, so a live webhook only shortens the
// latency rather than changing the orchestration contract.
//
// Routing, signature verification, delivery idempotency, and rate limiting
// generalize the teacher's server/webhook.go and server/ratelimit.go from a
// single Mattermost-plugin HTTP mux to a standalone gorilla/mux server.
package webhookserver

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/metyatech/agent-runner/internal/githubapi"
	"github.com/metyatech/agent-runner/internal/model"
	"github.com/metyatech/agent-runner/internal/reviewqueue"
	"github.com/metyatech/agent-runner/internal/runnerlog"
	"github.com/metyatech/agent-runner/internal/sanitize"
)

const (
	signatureHeader = "X-Hub-Signature-256"
	eventHeader     = "X-GitHub-Event"
	deliveryHeader  = "X-GitHub-Delivery"

	// maxWebhookBodySize limits the body we read, matching the teacher's DoS
	// guard in server/webhook.go.
	maxWebhookBodySize = 1 << 20 // 1 MB

	rateLimitMaxRequests = 100
	rateLimitWindow      = time.Minute
)

// Store is the subset of the persistent state store this server mutates.
type Store interface {
	IsDeliveryProcessed(ctx context.Context, deliveryID string) (bool, error)
	MarkDeliveryProcessed(ctx context.Context, deliveryID string, at time.Time) error
	IsCommentProcessed(ctx context.Context, commentID int64) (bool, error)
	MarkCommentProcessed(ctx context.Context, commentID int64) error
	EnqueueWebhookIssue(ctx context.Context, e model.WebhookQueueEntry) error
	IsManagedPR(ctx context.Context, repo model.RepoRef, number int) (bool, error)
	UpsertReviewFollowup(ctx context.Context, e model.ReviewFollowupEntry) error
}

// Server is the webhook HTTP listener.
type Server struct {
	Store  Store
	GH     githubapi.Client
	Review *reviewqueue.Classifier
	Secret string
	Log    runnerlog.Logger

	limiter *rateLimiter
	mux     *mux.Router
}

// New builds a Server with its routes wired, listening at path (§6's
// configurable webhook_path, default /webhooks/github).
func New(store Store, gh githubapi.Client, review *reviewqueue.Classifier, secret string, path string, log runnerlog.Logger) *Server {
	s := &Server{
		Store:   store,
		GH:      gh,
		Review:  review,
		Secret:  secret,
		Log:     log,
		limiter: newRateLimiter(rateLimitMaxRequests, rateLimitWindow),
	}
	r := mux.NewRouter()
	r.Handle(path, s.rateLimited(http.HandlerFunc(s.handleWebhook))).Methods(http.MethodPost)
	s.mux = r
	return s
}

// Handler returns the http.Handler to mount on an *http.Server.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientIP(r)) {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if s.Secret == "" {
		s.Log.LogWarn("GitHub webhook received but no webhook secret is configured")
		http.Error(w, "webhook secret not configured", http.StatusInternalServerError)
		return
	}
	if !verifySignature([]byte(s.Secret), r.Header.Get(signatureHeader), body) {
		s.Log.LogWarn("GitHub webhook signature verification failed")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	deliveryID := r.Header.Get(deliveryHeader)
	ctx := r.Context()
	if deliveryID != "" {
		if seen, _ := s.Store.IsDeliveryProcessed(ctx, deliveryID); seen {
			s.Log.LogDebug("duplicate webhook delivery, skipping", "delivery", deliveryID)
			w.WriteHeader(http.StatusOK)
			return
		}
	}

	eventType := r.Header.Get(eventHeader)
	s.Log.LogDebug("github webhook received", "event", eventType, "delivery", deliveryID)

	status := http.StatusOK
	switch eventType {
	case "ping":
		// Nothing to do; acknowledge so the hook is marked healthy on GitHub.
	case "issue_comment":
		status = s.handleIssueComment(ctx, body)
	case "pull_request_review":
		status = s.handlePullRequestReview(ctx, body)
	case "pull_request_review_comment":
		status = s.handlePullRequestReviewComment(ctx, body)
	default:
		s.Log.LogDebug("ignoring unhandled github event type", "event", eventType)
	}

	w.WriteHeader(status)
	if deliveryID != "" && status >= 200 && status < 300 {
		_ = s.Store.MarkDeliveryProcessed(ctx, deliveryID, time.Now().UTC())
	}
}

// verifySignature validates the HMAC-SHA256 signature GitHub sends, unchanged
// from the teacher's server/webhook.go verifyWebhookSignature.
func verifySignature(secret []byte, signature string, body []byte) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(signature, prefix) {
		return false
	}
	sigBytes, err := hex.DecodeString(signature[len(prefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(sigBytes, mac.Sum(nil))
}

type ghIssueCommentEvent struct {
	Action  string `json:"action"`
	Comment struct {
		ID                int64  `json:"id"`
		Body              string `json:"body"`
		HTMLURL           string `json:"html_url"`
		AuthorAssociation string `json:"author_association"`
		User              struct {
			Login string `json:"login"`
			Type  string `json:"type"`
		} `json:"user"`
	} `json:"comment"`
	Issue struct {
		Number  int    `json:"number"`
		ID      int64  `json:"id"`
		Title   string `json:"title"`
		HTMLURL string `json:"html_url"`
	} `json:"issue"`
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
}

func (s *Server) handleIssueComment(ctx context.Context, body []byte) int {
	var event ghIssueCommentEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.Log.LogWarn("failed to parse issue_comment event", "error", err.Error())
		return http.StatusBadRequest
	}
	if event.Action != "created" {
		return http.StatusOK
	}

	c := githubapi.Comment{
		ID:          event.Comment.ID,
		Body:        event.Comment.Body,
		Author:      event.Comment.User.Login,
		AuthorIsBot: event.Comment.User.Type == "Bot",
		AuthorAssoc: event.Comment.AuthorAssociation,
	}
	if !githubapi.IsAgentRunTrigger(c) {
		return http.StatusOK
	}
	if processed, _ := s.Store.IsCommentProcessed(ctx, c.ID); processed {
		return http.StatusOK
	}

	repo := model.RepoRef{Owner: event.Repository.Owner.Login, Name: event.Repository.Name}
	entry := model.WebhookQueueEntry{
		IssueID:     strconv.FormatInt(event.Issue.ID, 10),
		IssueNumber: event.Issue.Number,
		Repo:        repo,
		URL:         event.Issue.HTMLURL,
		Title:       event.Issue.Title,
		EnqueuedAt:  time.Now().UTC(),
	}
	if err := s.Store.EnqueueWebhookIssue(ctx, entry); err != nil {
		s.Log.LogError("failed to enqueue webhook-triggered issue", "issue", entry.IssueID, "error", err.Error())
		return http.StatusInternalServerError
	}
	_ = s.Store.MarkCommentProcessed(ctx, c.ID)
	return http.StatusOK
}

type ghPullRequestReviewEvent struct {
	Action string `json:"action"`
	Review struct {
		State string `json:"state"`
		Body  string `json:"body"`
		User  struct {
			Login string `json:"login"`
			Type  string `json:"type"`
		} `json:"user"`
		AuthorAssociation string `json:"author_association"`
	} `json:"review"`
	PullRequest struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
	} `json:"pull_request"`
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
}

func (s *Server) handlePullRequestReview(ctx context.Context, body []byte) int {
	var event ghPullRequestReviewEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.Log.LogWarn("failed to parse pull_request_review event", "error", err.Error())
		return http.StatusBadRequest
	}
	if event.Action != "submitted" {
		return http.StatusOK
	}

	repo := model.RepoRef{Owner: event.Repository.Owner.Login, Name: event.Repository.Name}
	if managed, _ := s.Store.IsManagedPR(ctx, repo, event.PullRequest.Number); !managed {
		return http.StatusOK
	}

	e := reviewqueue.Event{
		Repo:              repo,
		PRNumber:          event.PullRequest.Number,
		URL:               event.PullRequest.HTMLURL,
		State:             event.Review.State,
		Body:              sanitize.ReviewBody(event.Review.Body),
		AuthorLogin:       event.Review.User.Login,
		AuthorIsBot:       event.Review.User.Type == "Bot",
		AuthorAssociation: event.Review.AuthorAssociation,
	}
	s.classifyAndStore(ctx, e)
	return http.StatusOK
}

type ghPullRequestReviewCommentEvent struct {
	Action  string `json:"action"`
	Comment struct {
		Body string `json:"body"`
		User struct {
			Login string `json:"login"`
			Type  string `json:"type"`
		} `json:"user"`
		AuthorAssociation string `json:"author_association"`
	} `json:"comment"`
	PullRequest struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
	} `json:"pull_request"`
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
}

func (s *Server) handlePullRequestReviewComment(ctx context.Context, body []byte) int {
	var event ghPullRequestReviewCommentEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.Log.LogWarn("failed to parse pull_request_review_comment event", "error", err.Error())
		return http.StatusBadRequest
	}
	if event.Action != "created" {
		return http.StatusOK
	}

	repo := model.RepoRef{Owner: event.Repository.Owner.Login, Name: event.Repository.Name}
	if managed, _ := s.Store.IsManagedPR(ctx, repo, event.PullRequest.Number); !managed {
		return http.StatusOK
	}

	e := reviewqueue.Event{
		Repo:              repo,
		PRNumber:          event.PullRequest.Number,
		URL:               event.PullRequest.HTMLURL,
		IsReviewComment:   true,
		Body:              sanitize.ReviewBody(event.Comment.Body),
		AuthorLogin:       event.Comment.User.Login,
		AuthorIsBot:       event.Comment.User.Type == "Bot",
		AuthorAssociation: event.Comment.AuthorAssociation,
	}
	s.classifyAndStore(ctx, e)
	return http.StatusOK
}

func (s *Server) classifyAndStore(ctx context.Context, e reviewqueue.Event) {
	entry, ok := s.Review.Classify(e)
	if !ok {
		return
	}
	if err := s.Store.UpsertReviewFollowup(ctx, entry); err != nil {
		s.Log.LogError("failed to upsert review followup from webhook", "repo", entry.Repo.String(), "pr", entry.PRNumber, "error", err.Error())
	}
}

// --- rate limiting, generalizing the teacher's server/ratelimit.go from a
// per-Mattermost-user limiter to a per-client-IP limiter. ---

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

type rateLimiter struct {
	mu          sync.Mutex
	requests    map[string]rateLimitEntry
	maxRequests int
	window      time.Duration
}

func newRateLimiter(maxRequests int, window time.Duration) *rateLimiter {
	return &rateLimiter{requests: make(map[string]rateLimitEntry), maxRequests: maxRequests, window: window}
}

func (l *rateLimiter) allow(key string) bool {
	if key == "" {
		return true
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, exists := l.requests[key]
	if !exists || now.Sub(entry.windowStart) >= l.window {
		l.requests[key] = rateLimitEntry{windowStart: now, count: 1}
		return true
	}
	if entry.count >= l.maxRequests {
		return false
	}
	entry.count++
	l.requests[key] = entry
	return true
}
