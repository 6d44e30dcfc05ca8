// Package store is agent-runner's persistent state store (§4.8, §3
// "Ownership/lifetime"): a single embedded SQLite file holding every
// record the orchestrator owns exclusively (RunningRecord, ActivityRecord,
// ScheduledRetry, IssueSession, IdleHistory, WebhookQueueEntry,
// ReviewFollowupEntry, managed-PR set, command/delivery dedup tables,
// webhook catch-up cursor, and per-engine usage bookkeeping).
//
// The teacher (server/store/kvstore) wraps the Mattermost plugin KV API, a
// key-value store with no transactions or atomic read-then-delete. Outside
// a Mattermost host there is no such KV API, so this package keeps the
// teacher's method shape (one Go method per record kind, errors wrapped
// with github.com/pkg/errors) but backs it with modernc.org/sqlite (a
// pure-Go SQLite engine, so the daemon needs no cgo toolchain) and
// golang-migrate/migrate/v4 for schema migrations, guarded by a single
// writer mutex per §5's "file-level lock per store".
package store

import (
	"context"
	"database/sql"
	"embed"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/pkg/errors"

	"github.com/metyatech/agent-runner/internal/model"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the persistent state store. Every method is safe for concurrent
// use; mutating methods serialize on a single writer lock per §5.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite file at path and applies any
// pending migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create state directory")
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open state database")
	}
	db.SetMaxOpenConns(1) // single-writer; SQLite serializes writers anyway

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return errors.Wrap(err, "failed to build migration driver")
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "failed to load embedded migrations")
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return errors.Wrap(err, "failed to build migrator")
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(err, "failed to apply migrations")
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- RunningRecord (§3, §4.1 step 2, §8 invariant 2) ---

// InsertRunning records a newly spawned run. At most one row per IssueID is
// allowed; a second insert for the same IssueID is an error, matching the
// "at most one RunningRecord per issueId" invariant.
func (s *Store) InsertRunning(ctx context.Context, r model.RunningRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO running (issue_id, issue_number, repo_owner, repo_name, started_at, pid, log_path)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.IssueID, r.IssueNumber, r.Repo.Owner, r.Repo.Name, r.StartedAt.UTC().Unix(), r.PID, r.LogPath)
	if err != nil {
		return errors.Wrapf(err, "failed to insert running record for issue %s", r.IssueID)
	}
	return nil
}

// DeleteRunning removes a RunningRecord, on normal exit or crash-recovery
// purge (§4.1 step 2).
func (s *Store) DeleteRunning(ctx context.Context, issueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM running WHERE issue_id = ?`, issueID)
	if err != nil {
		return errors.Wrapf(err, "failed to delete running record for issue %s", issueID)
	}
	return nil
}

// ListRunning returns every currently-tracked RunningRecord.
func (s *Store) ListRunning(ctx context.Context) ([]model.RunningRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT issue_id, issue_number, repo_owner, repo_name, started_at, pid, log_path FROM running`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list running records")
	}
	defer rows.Close()

	var out []model.RunningRecord
	for rows.Next() {
		var r model.RunningRecord
		var startedAt int64
		if err := rows.Scan(&r.IssueID, &r.IssueNumber, &r.Repo.Owner, &r.Repo.Name, &startedAt, &r.PID, &r.LogPath); err != nil {
			return nil, errors.Wrap(err, "failed to scan running record")
		}
		r.StartedAt = time.Unix(startedAt, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- ActivityRecord (§3) ---

// InsertActivity records a newly started unit of work (issue- or idle-kind).
func (s *Store) InsertActivity(ctx context.Context, a model.ActivityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity (id, kind, engine, repo_owner, repo_name, started_at, pid, log_path, issue_id, issue_number, task)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, string(a.Kind), a.Engine, a.Repo.Owner, a.Repo.Name, a.StartedAt.UTC().Unix(), a.PID, a.LogPath, a.IssueID, a.IssueNumber, a.Task)
	if err != nil {
		return errors.Wrapf(err, "failed to insert activity record %s", a.ID)
	}
	return nil
}

// DeleteActivity removes an ActivityRecord on completion.
func (s *Store) DeleteActivity(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM activity WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete activity record %s", id)
	}
	return nil
}

// ListActivity returns every in-flight ActivityRecord, used by the status
// snapshot and the idle/issue duplicate-work guards.
func (s *Store) ListActivity(ctx context.Context) ([]model.ActivityRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, engine, repo_owner, repo_name, started_at, pid, log_path, issue_id, issue_number, task FROM activity`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list activity records")
	}
	defer rows.Close()

	var out []model.ActivityRecord
	for rows.Next() {
		var a model.ActivityRecord
		var kind string
		var startedAt int64
		if err := rows.Scan(&a.ID, &kind, &a.Engine, &a.Repo.Owner, &a.Repo.Name, &startedAt, &a.PID, &a.LogPath, &a.IssueID, &a.IssueNumber, &a.Task); err != nil {
			return nil, errors.Wrap(err, "failed to scan activity record")
		}
		a.Kind = model.ActivityKind(kind)
		a.StartedAt = time.Unix(startedAt, 0).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- ScheduledRetry (§3, §8 invariant 4) ---

// UpsertScheduledRetry inserts or replaces the ScheduledRetry row for an
// issue; at most one row per IssueID is kept.
func (s *Store) UpsertScheduledRetry(ctx context.Context, r model.ScheduledRetry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_retries (issue_id, issue_number, repo_owner, repo_name, run_after, reason, session_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(issue_id) DO UPDATE SET
			issue_number = excluded.issue_number,
			repo_owner   = excluded.repo_owner,
			repo_name    = excluded.repo_name,
			run_after    = excluded.run_after,
			reason       = excluded.reason,
			session_id   = excluded.session_id,
			updated_at   = excluded.updated_at`,
		r.IssueID, r.IssueNumber, r.Repo.Owner, r.Repo.Name, r.RunAfter.UTC().Unix(), string(r.Reason), r.SessionID, time.Now().UTC().Unix())
	if err != nil {
		return errors.Wrapf(err, "failed to upsert scheduled retry for issue %s", r.IssueID)
	}
	return nil
}

// DeleteScheduledRetry removes a ScheduledRetry row, e.g. on terminal success.
func (s *Store) DeleteScheduledRetry(ctx context.Context, issueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_retries WHERE issue_id = ?`, issueID)
	if err != nil {
		return errors.Wrapf(err, "failed to delete scheduled retry for issue %s", issueID)
	}
	return nil
}

// TakeDueRetries atomically returns and deletes every ScheduledRetry row
// with run_after <= now (§3, §8 invariant 4: a second call at the same
// instant returns the empty set).
func (s *Store) TakeDueRetries(ctx context.Context, now time.Time) ([]model.ScheduledRetry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT issue_id, issue_number, repo_owner, repo_name, run_after, reason, session_id
		FROM scheduled_retries WHERE run_after <= ?`, now.UTC().Unix())
	if err != nil {
		return nil, errors.Wrap(err, "failed to query due retries")
	}

	var out []model.ScheduledRetry
	for rows.Next() {
		var r model.ScheduledRetry
		var runAfter int64
		var reason string
		if err := rows.Scan(&r.IssueID, &r.IssueNumber, &r.Repo.Owner, &r.Repo.Name, &runAfter, &reason, &r.SessionID); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan scheduled retry")
		}
		r.RunAfter = time.Unix(runAfter, 0).UTC()
		r.Reason = model.RetryReason(reason)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, r := range out {
		if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled_retries WHERE issue_id = ?`, r.IssueID); err != nil {
			return nil, errors.Wrapf(err, "failed to delete consumed retry for issue %s", r.IssueID)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit retry consumption")
	}
	return out, nil
}

// --- IssueSession (§3) ---

// CountScheduledRetries reports the number of pending (not yet due or not
// yet consumed) scheduled retries, for the status/metrics surface.
func (s *Store) CountScheduledRetries(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scheduled_retries`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "failed to count scheduled retries")
	}
	return n, nil
}

// SetIssueSession records the session id an engine emitted for an issue.
func (s *Store) SetIssueSession(ctx context.Context, issueID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO issue_sessions (issue_id, session_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(issue_id) DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at`,
		issueID, sessionID, time.Now().UTC().Unix())
	if err != nil {
		return errors.Wrapf(err, "failed to set session for issue %s", issueID)
	}
	return nil
}

// GetIssueSession returns the stored session id for an issue, if any.
func (s *Store) GetIssueSession(ctx context.Context, issueID string) (string, bool, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx, `SELECT session_id FROM issue_sessions WHERE issue_id = ?`, issueID).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "failed to get session for issue %s", issueID)
	}
	return sessionID, true, nil
}

// ClearIssueSession removes a stored session, on terminal success or
// explicit final failure.
func (s *Store) ClearIssueSession(ctx context.Context, issueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM issue_sessions WHERE issue_id = ?`, issueID)
	if err != nil {
		return errors.Wrapf(err, "failed to clear session for issue %s", issueID)
	}
	return nil
}

// --- IdleHistory (§3, §4.4) ---

// GetIdleHistory returns the stored idle cooldown/round-robin state for a
// repo, zero-valued if the repo has never run an idle task.
func (s *Store) GetIdleHistory(ctx context.Context, repo model.RepoRef) (model.IdleHistory, error) {
	var h model.IdleHistory
	h.Repo = repo
	var lastIdleAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_idle_at, task_cursor FROM idle_history WHERE repo_owner = ? AND repo_name = ?`,
		repo.Owner, repo.Name).Scan(&lastIdleAt, &h.TaskCursor)
	if err == sql.ErrNoRows {
		return h, nil
	}
	if err != nil {
		return h, errors.Wrapf(err, "failed to get idle history for %s", repo)
	}
	h.LastIdleAt = time.Unix(lastIdleAt, 0).UTC()
	return h, nil
}

// StampIdle records that repo just ran an idle task at at, advancing its
// task cursor to nextCursor.
func (s *Store) StampIdle(ctx context.Context, repo model.RepoRef, at time.Time, nextCursor int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idle_history (repo_owner, repo_name, last_idle_at, task_cursor) VALUES (?, ?, ?, ?)
		ON CONFLICT(repo_owner, repo_name) DO UPDATE SET last_idle_at = excluded.last_idle_at, task_cursor = excluded.task_cursor`,
		repo.Owner, repo.Name, at.UTC().Unix(), nextCursor)
	if err != nil {
		return errors.Wrapf(err, "failed to stamp idle history for %s", repo)
	}
	return nil
}

// ListIdleHistory returns the idle history for every repo that has one,
// used to sort eligible repos oldest-first (§4.4 step 2).
func (s *Store) ListIdleHistory(ctx context.Context) (map[model.RepoRef]model.IdleHistory, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT repo_owner, repo_name, last_idle_at, task_cursor FROM idle_history`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list idle history")
	}
	defer rows.Close()

	out := make(map[model.RepoRef]model.IdleHistory)
	for rows.Next() {
		var h model.IdleHistory
		var lastIdleAt int64
		if err := rows.Scan(&h.Repo.Owner, &h.Repo.Name, &lastIdleAt, &h.TaskCursor); err != nil {
			return nil, errors.Wrap(err, "failed to scan idle history")
		}
		h.LastIdleAt = time.Unix(lastIdleAt, 0).UTC()
		out[h.Repo] = h
	}
	return out, rows.Err()
}

// --- WebhookQueueEntry (§3) ---

// EnqueueWebhookIssue records a user-requested issue discovered via webhook
// or poll, unique by IssueID.
func (s *Store) EnqueueWebhookIssue(ctx context.Context, e model.WebhookQueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_queue (issue_id, issue_number, repo_owner, repo_name, url, title, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(issue_id) DO NOTHING`,
		e.IssueID, e.IssueNumber, e.Repo.Owner, e.Repo.Name, e.URL, e.Title, e.EnqueuedAt.UTC().Unix())
	if err != nil {
		return errors.Wrapf(err, "failed to enqueue webhook issue %s", e.IssueID)
	}
	return nil
}

// ListWebhookQueue returns every queued webhook entry, oldest first, for
// FIFO selection (§4.1 step 8).
func (s *Store) ListWebhookQueue(ctx context.Context) ([]model.WebhookQueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT issue_id, issue_number, repo_owner, repo_name, url, title, enqueued_at
		FROM webhook_queue ORDER BY enqueued_at ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list webhook queue")
	}
	defer rows.Close()

	var out []model.WebhookQueueEntry
	for rows.Next() {
		var e model.WebhookQueueEntry
		var enqueuedAt int64
		if err := rows.Scan(&e.IssueID, &e.IssueNumber, &e.Repo.Owner, &e.Repo.Name, &e.URL, &e.Title, &enqueuedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan webhook queue entry")
		}
		e.EnqueuedAt = time.Unix(enqueuedAt, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// DequeueWebhookIssue removes a webhook queue entry once it's been
// dispatched (or superseded by a more specific state).
func (s *Store) DequeueWebhookIssue(ctx context.Context, issueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM webhook_queue WHERE issue_id = ?`, issueID)
	if err != nil {
		return errors.Wrapf(err, "failed to dequeue webhook issue %s", issueID)
	}
	return nil
}

// --- ReviewFollowupEntry (§3, §4.9) ---

// UpsertReviewFollowup coalesces multiple review events for the same PR
// into a single entry, overwriting any previous reason/requiresEngine.
func (s *Store) UpsertReviewFollowup(ctx context.Context, e model.ReviewFollowupEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	requiresEngine := 0
	if e.RequiresEngine {
		requiresEngine = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO review_followups (repo_owner, repo_name, pr_number, issue_id, url, reason, requires_engine)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repo_owner, repo_name, pr_number) DO UPDATE SET
			issue_id = excluded.issue_id, url = excluded.url, reason = excluded.reason, requires_engine = excluded.requires_engine`,
		e.Repo.Owner, e.Repo.Name, e.PRNumber, e.IssueID, e.URL, string(e.Reason), requiresEngine)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert review followup for %s#%d", e.Repo, e.PRNumber)
	}
	return nil
}

// ListReviewFollowups returns every pending review follow-up entry.
func (s *Store) ListReviewFollowups(ctx context.Context) ([]model.ReviewFollowupEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT repo_owner, repo_name, pr_number, issue_id, url, reason, requires_engine FROM review_followups`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list review followups")
	}
	defer rows.Close()

	var out []model.ReviewFollowupEntry
	for rows.Next() {
		var e model.ReviewFollowupEntry
		var reason string
		var requiresEngine int
		if err := rows.Scan(&e.Repo.Owner, &e.Repo.Name, &e.PRNumber, &e.IssueID, &e.URL, &reason, &requiresEngine); err != nil {
			return nil, errors.Wrap(err, "failed to scan review followup")
		}
		e.Reason = model.ReviewFollowupReason(reason)
		e.RequiresEngine = requiresEngine != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteReviewFollowup removes a follow-up entry once drained.
func (s *Store) DeleteReviewFollowup(ctx context.Context, repo model.RepoRef, prNumber int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM review_followups WHERE repo_owner = ? AND repo_name = ? AND pr_number = ?`,
		repo.Owner, repo.Name, prNumber)
	if err != nil {
		return errors.Wrapf(err, "failed to delete review followup for %s#%d", repo, prNumber)
	}
	return nil
}

// --- Managed PRs ---

// AddManagedPR marks a PR as created/managed by the runner, so review
// webhooks can find it.
func (s *Store) AddManagedPR(ctx context.Context, repo model.RepoRef, number int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO managed_prs (repo_owner, repo_name, pr_number) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		repo.Owner, repo.Name, number)
	if err != nil {
		return errors.Wrapf(err, "failed to record managed PR %s#%d", repo, number)
	}
	return nil
}

// IsManagedPR reports whether the runner created/manages the given PR.
func (s *Store) IsManagedPR(ctx context.Context, repo model.RepoRef, number int) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM managed_prs WHERE repo_owner = ? AND repo_name = ? AND pr_number = ?`,
		repo.Owner, repo.Name, number).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to check managed PR %s#%d", repo, number)
	}
	return true, nil
}

// ListManagedPRs lists every managed-PR reference for a repo, for the
// periodic merged-PR follow-up scan (§4.1 step 7).
func (s *Store) ListManagedPRs(ctx context.Context, repo model.RepoRef) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT pr_number FROM managed_prs WHERE repo_owner = ? AND repo_name = ?`, repo.Owner, repo.Name)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list managed PRs for %s", repo)
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// --- Dedup tables ---

// IsCommentProcessed reports whether a /agent run comment id has already
// been consumed (§8 invariant 10).
func (s *Store) IsCommentProcessed(ctx context.Context, commentID int64) (bool, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT comment_id FROM processed_command_comments WHERE comment_id = ?`, commentID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to check processed comment")
	}
	return true, nil
}

// MarkCommentProcessed records a /agent run comment id as consumed.
func (s *Store) MarkCommentProcessed(ctx context.Context, commentID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT INTO processed_command_comments (comment_id) VALUES (?) ON CONFLICT DO NOTHING`, commentID)
	if err != nil {
		return errors.Wrap(err, "failed to mark comment processed")
	}
	return nil
}

// IsDeliveryProcessed reports whether a webhook delivery id has already
// been handled, for idempotent webhook retries.
func (s *Store) IsDeliveryProcessed(ctx context.Context, deliveryID string) (bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT delivery_id FROM processed_webhook_deliveries WHERE delivery_id = ?`, deliveryID).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to check processed delivery")
	}
	return true, nil
}

// MarkDeliveryProcessed records a webhook delivery id as handled.
func (s *Store) MarkDeliveryProcessed(ctx context.Context, deliveryID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_webhook_deliveries (delivery_id, processed_at) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		deliveryID, at.UTC().Unix())
	if err != nil {
		return errors.Wrap(err, "failed to mark delivery processed")
	}
	return nil
}

// --- Webhook catch-up cursor ---

// GetWebhookCatchup returns the last time the catch-up sweep ran for a
// repo.
func (s *Store) GetWebhookCatchup(ctx context.Context, repo model.RepoRef) (time.Time, bool, error) {
	var lastChecked int64
	err := s.db.QueryRowContext(ctx, `SELECT last_checked_at FROM webhook_catchup WHERE repo_owner = ? AND repo_name = ?`,
		repo.Owner, repo.Name).Scan(&lastChecked)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errors.Wrapf(err, "failed to get webhook catchup cursor for %s", repo)
	}
	return time.Unix(lastChecked, 0).UTC(), true, nil
}

// SetWebhookCatchup stamps the catch-up cursor for a repo.
func (s *Store) SetWebhookCatchup(ctx context.Context, repo model.RepoRef, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_catchup (repo_owner, repo_name, last_checked_at) VALUES (?, ?, ?)
		ON CONFLICT(repo_owner, repo_name) DO UPDATE SET last_checked_at = excluded.last_checked_at`,
		repo.Owner, repo.Name, at.UTC().Unix())
	if err != nil {
		return errors.Wrapf(err, "failed to set webhook catchup cursor for %s", repo)
	}
	return nil
}

// --- Amazon Q daily usage tracking ---

// IncrementAmazonQUsage bumps today's run count and returns the new total.
// The Amazon Q adapter only reads this count (GetAmazonQUsage); no dispatch
// path in this repository calls IncrementAmazonQUsage.
func (s *Store) IncrementAmazonQUsage(ctx context.Context, day string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO amazon_q_usage (day, run_count) VALUES (?, 1)
		ON CONFLICT(day) DO UPDATE SET run_count = run_count + 1`, day)
	if err != nil {
		return 0, errors.Wrap(err, "failed to increment amazon q usage")
	}
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT run_count FROM amazon_q_usage WHERE day = ?`, day).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "failed to read amazon q usage")
	}
	return count, nil
}

// GetAmazonQUsage reads today's run count without incrementing it, used by
// the Amazon Q usage check. Dispatching a run does not bump the count, so it
// only grows when IncrementAmazonQUsage is called directly.
func (s *Store) GetAmazonQUsage(ctx context.Context, day string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT run_count FROM amazon_q_usage WHERE day = ?`, day).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to read amazon q usage")
	}
	return count, nil
}

// --- Gemini warm-up tracking (§4.3) ---

// GetGeminiWarmup returns the last warm-up attempt time for a Gemini model.
func (s *Store) GetGeminiWarmup(ctx context.Context, geminiModel string) (time.Time, bool, error) {
	var lastAttempt int64
	err := s.db.QueryRowContext(ctx, `SELECT last_warmup_at FROM gemini_warmup WHERE model = ?`,
		geminiModel).Scan(&lastAttempt)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errors.Wrapf(err, "failed to get gemini warmup for %s", geminiModel)
	}
	return time.Unix(lastAttempt, 0).UTC(), true, nil
}

// SetGeminiWarmup records a warm-up attempt for a Gemini model.
func (s *Store) SetGeminiWarmup(ctx context.Context, geminiModel string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gemini_warmup (model, last_warmup_at) VALUES (?, ?)
		ON CONFLICT(model) DO UPDATE SET last_warmup_at = excluded.last_warmup_at`,
		geminiModel, at.UTC().Unix())
	if err != nil {
		return errors.Wrapf(err, "failed to set gemini warmup for %s", geminiModel)
	}
	return nil
}
