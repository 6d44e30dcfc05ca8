// Package statusserver is the §6 "status"/"ui" HTTP surface: a lightweight
// JSON status snapshot plus the Prometheus metrics endpoint, generalizing
// the teacher's server/healthcheck.go single-field uptime probe into a full
// operational snapshot (running issues, scheduled retries, queue depth) the
// `agent-runner status --json` command and a browser-facing `ui` page both
// read from.
package statusserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/metyatech/agent-runner/internal/metrics"
	"github.com/metyatech/agent-runner/internal/model"
	"github.com/metyatech/agent-runner/internal/procslock"
	"github.com/metyatech/agent-runner/internal/runnerlog"
)

var startedAt = time.Now()

// Store is the subset of the persistent state store the status snapshot reads.
type Store interface {
	ListRunning(ctx context.Context) ([]model.RunningRecord, error)
	ListActivity(ctx context.Context) ([]model.ActivityRecord, error)
	ListWebhookQueue(ctx context.Context) ([]model.WebhookQueueEntry, error)
	ListReviewFollowups(ctx context.Context) ([]model.ReviewFollowupEntry, error)
}

// Snapshot is the §6 `status --json` payload.
type Snapshot struct {
	Status          string                 `json:"status"`
	Uptime          string                 `json:"uptime"`
	DaemonRunning   bool                   `json:"daemon_running"`
	DaemonPID       int                    `json:"daemon_pid,omitempty"`
	RunningIssues   []model.RunningRecord  `json:"running_issues"`
	Activity        []model.ActivityRecord `json:"activity"`
	QueuedIssues    int                    `json:"queued_issues"`
	ReviewFollowups int                    `json:"pending_review_followups"`
}

// Server serves the status JSON snapshot and the Prometheus metrics
// endpoint for one workdirRoot.
type Server struct {
	Store       Store
	Metrics     *metrics.Metrics
	WorkdirRoot string
	Log         runnerlog.Logger

	mux *mux.Router
}

// New builds a Server with its routes wired.
func New(store Store, m *metrics.Metrics, workdirRoot string, log runnerlog.Logger) *Server {
	s := &Server{Store: store, Metrics: m, WorkdirRoot: workdirRoot, Log: log}
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	if m != nil {
		r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	}
	s.mux = r
	return s
}

// Handler returns the http.Handler to mount on an *http.Server.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"uptime": time.Since(startedAt).String(),
	})
}

// BuildSnapshot builds the status snapshot, used by both the HTTP handler
// and the `agent-runner status` CLI command directly against the store.
func BuildSnapshot(ctx context.Context, store Store, workdirRoot string) (Snapshot, error) {
	running, err := store.ListRunning(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	activity, err := store.ListActivity(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	queue, err := store.ListWebhookQueue(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	followups, err := store.ListReviewFollowups(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	pid, alive := procslock.HeldByLiveProcess(workdirRoot)
	snap := Snapshot{
		Status:          "ok",
		Uptime:          time.Since(startedAt).String(),
		DaemonRunning:   alive,
		RunningIssues:   running,
		Activity:        activity,
		QueuedIssues:    len(queue),
		ReviewFollowups: len(followups),
	}
	if alive {
		snap.DaemonPID = pid
	}
	return snap, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := BuildSnapshot(r.Context(), s.Store, s.WorkdirRoot)
	if err != nil {
		s.Log.LogError("failed to build status snapshot", "error", err.Error())
		http.Error(w, "failed to build status snapshot", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.Log.LogError("failed to encode status response", "error", err.Error())
	}
}
