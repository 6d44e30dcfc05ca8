package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/metyatech/agent-runner/internal/model"
	"github.com/metyatech/agent-runner/internal/runnerlog"
)

// RunningOwnerCheck answers whether the run identified by runID (the
// "work/<runId>/..." path segment, assigned by the cycle driver when it
// dispatches and equal to the owning ActivityRecord's id) still has a live
// owning process, used to decide whether a checked-out branch's worktree
// can be evicted during conflict resolution (§4.6). Implemented by the
// cycle driver over the activity records in internal/store, so this package
// has no dependency on the store.
type RunningOwnerCheck func(runID string) (alive bool, found bool)

// Manager implements the worktree layout and operations of spec §4.6.
type Manager struct {
	root    string // workdirRoot
	log     runnerlog.Logger
	owner   RunningOwnerCheck
	lockTTL time.Duration
}

// NewManager builds a Manager rooted at workdirRoot (spec §6's
// "workdirRoot/agent-runner/..." layout).
func NewManager(workdirRoot string, owner RunningOwnerCheck, log runnerlog.Logger) *Manager {
	return &Manager{root: workdirRoot, owner: owner, log: log, lockTTL: 15 * time.Minute}
}

func (m *Manager) runnerDir() string        { return filepath.Join(m.root, "agent-runner") }
func (m *Manager) cacheDir(r model.RepoRef) string {
	return filepath.Join(m.runnerDir(), "git-cache", r.Owner, r.Name+".git")
}
func (m *Manager) cloneDir(r model.RepoRef) string { return filepath.Join(m.root, r.Name) }
func (m *Manager) workDir(runID string, r model.RepoRef) string {
	return filepath.Join(m.runnerDir(), "work", runID, r.Owner+"--"+r.Name)
}
func (m *Manager) lockPath(r model.RepoRef) string {
	return filepath.Join(m.runnerDir(), "state", fmt.Sprintf("gitcache-%s-%s.lock", r.Owner, r.Name))
}

func (m *Manager) withCacheLock(r model.RepoRef, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(m.lockPath(r)), 0o755); err != nil {
		return errors.Wrap(err, "failed to create lock directory")
	}
	lock := NewFileLock(m.lockPath(r), m.lockTTL)
	if err := lock.Acquire(); err != nil {
		return err
	}
	defer lock.Release()
	return fn()
}

// EnsureCache clones the repo into its canonical local clone (if absent)
// and mirrors it into the bare git-cache used for fast worktree creation.
func (m *Manager) EnsureCache(ctx context.Context, r model.RepoRef, httpsURL string) error {
	return m.withCacheLock(r, func() error {
		cache := m.cacheDir(r)
		if dirExists(cache) {
			return m.refreshCacheLocked(ctx, r)
		}

		clone := m.cloneDir(r)
		if !dirExists(clone) {
			if err := m.cloneCanonical(ctx, r, httpsURL, clone); err != nil {
				return err
			}
		}

		if err := os.MkdirAll(filepath.Dir(cache), 0o755); err != nil {
			return errors.Wrap(err, "failed to create git-cache directory")
		}
		if err := runGit(ctx, clone, "clone", "--bare", clone, cache); err != nil {
			return errors.Wrap(err, "failed to create bare git cache")
		}
		if err := runGit(ctx, cache, "remote", "set-url", "origin", httpsURL); err != nil {
			return errors.Wrap(err, "failed to set cache origin URL")
		}
		return InstallPrePushHook(cache)
	})
}

func (m *Manager) cloneCanonical(ctx context.Context, r model.RepoRef, httpsURL, dest string) error {
	if ghPath, err := exec.LookPath("gh"); err == nil {
		cmd := exec.CommandContext(ctx, ghPath, "repo", "clone", r.Owner+"/"+r.Name, dest)
		if out, err := cmd.CombinedOutput(); err == nil {
			return nil
		} else {
			m.log.LogWarn("gh repo clone failed, falling back to git clone", "repo", r.String(), "output", string(out))
		}
	}
	return runGit(ctx, "", "clone", "--recursive", httpsURL, dest)
}

// RefreshCache fetches new commits/tags into the bare cache and prunes
// stale worktree references.
func (m *Manager) RefreshCache(ctx context.Context, r model.RepoRef) error {
	return m.withCacheLock(r, func() error { return m.refreshCacheLocked(ctx, r) })
}

func (m *Manager) refreshCacheLocked(ctx context.Context, r model.RepoRef) error {
	cache := m.cacheDir(r)
	if err := runGit(ctx, cache, "fetch", "--prune", "--tags", "origin"); err != nil {
		return errors.Wrapf(err, "failed to refresh cache for %s", r)
	}
	if err := runGit(ctx, cache, "worktree", "prune"); err != nil {
		return errors.Wrapf(err, "failed to prune worktrees for %s", r)
	}
	return nil
}

// CreateFromDefaultBranch creates a new worktree with a fresh branch off
// the repo's default branch, for brand-new issue runs (§4.5 "Worktree
// invariant").
func (m *Manager) CreateFromDefaultBranch(ctx context.Context, runID string, r model.RepoRef, kind string) (path, branch string, err error) {
	err = m.withCacheLock(r, func() error {
		cache := m.cacheDir(r)
		defaultBranch, derr := resolveDefaultBranch(ctx, cache)
		if derr != nil {
			return derr
		}
		branch = fmt.Sprintf("agent-runner/%s-%d", kind, time.Now().UTC().UnixNano())
		path = m.workDir(runID, r)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return errors.Wrap(err, "failed to create work directory")
		}
		if err := runGit(ctx, cache, "worktree", "add", "-b", branch, path, "origin/"+defaultBranch); err != nil {
			return errors.Wrapf(err, "failed to create worktree for %s from %s", r, defaultBranch)
		}
		return m.postCreate(ctx, path)
	})
	return path, branch, err
}

// CreateForRemoteBranch creates a worktree tracking an existing remote
// branch (a managed PR's head), evicting conflicting worktrees per §4.6's
// conflict-resolution rule.
func (m *Manager) CreateForRemoteBranch(ctx context.Context, runID string, r model.RepoRef, branch string) (path string, err error) {
	err = m.withCacheLock(r, func() error {
		cache := m.cacheDir(r)
		refspec := fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", branch, branch)
		if err := runGit(ctx, cache, "fetch", refspec); err != nil {
			return errors.Wrapf(err, "failed to fetch branch %s for %s", branch, r)
		}

		if err := m.evictConflicts(ctx, cache, r, branch); err != nil {
			return err
		}

		if err := runGit(ctx, cache, "branch", "-f", branch, "origin/"+branch); err != nil {
			return errors.Wrapf(err, "failed to force-update local branch %s", branch)
		}

		path = m.workDir(runID, r)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return errors.Wrap(err, "failed to create work directory")
		}
		if err := runGit(ctx, cache, "worktree", "add", path, branch); err != nil {
			return errors.Wrapf(err, "failed to create worktree for branch %s", branch)
		}
		return m.postCreate(ctx, path)
	})
	return path, err
}

// worktreeEntry is one record from `git worktree list --porcelain`.
type worktreeEntry struct {
	path   string
	branch string
}

// evictConflicts removes any worktree already checked out on branch,
// unless the owner callback reports its run as live, in which case
// it fails with a precise message naming the active owner (§4.6, §8 S6).
func (m *Manager) evictConflicts(ctx context.Context, cache string, r model.RepoRef, branch string) error {
	entries, err := listWorktrees(ctx, cache)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if e.branch != branch {
			continue
		}

		if !dirExists(e.path) {
			_ = runGit(ctx, cache, "worktree", "remove", "--force", e.path)
			continue
		}

		runID := runIDFromWorkPath(e.path)
		if runID != "" && m.owner != nil {
			alive, found := m.owner(runID)
			if found && alive {
				return errors.Errorf("branch %s is checked out at %s, owned by a live run (%s)", branch, e.path, runID)
			}
		}

		if err := m.removeWorktreeAt(ctx, cache, e.path); err != nil {
			return err
		}
	}
	return runGit(ctx, cache, "worktree", "prune")
}

// runIDFromWorkPath extracts the run-id component from a
// work/<runId>/<owner>--<name> path, used to cross-reference RunningRecord
// via the caller's owner callback.
func runIDFromWorkPath(path string) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	for i, p := range parts {
		if p == "work" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

func listWorktrees(ctx context.Context, cache string) ([]worktreeEntry, error) {
	out, err := runGitOutput(ctx, cache, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list worktrees")
	}

	var entries []worktreeEntry
	var cur worktreeEntry
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			if cur.path != "" {
				entries = append(entries, cur)
			}
			cur = worktreeEntry{path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch "):
			cur.branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	if cur.path != "" {
		entries = append(entries, cur)
	}
	return entries, nil
}

// Remove removes a run's worktree, per spec §4.6 ("git worktree remove
// --force plus a best-effort recursive filesystem delete").
func (m *Manager) Remove(ctx context.Context, r model.RepoRef, path string) error {
	return m.withCacheLock(r, func() error { return m.removeWorktreeAt(ctx, m.cacheDir(r), path) })
}

func (m *Manager) removeWorktreeAt(ctx context.Context, cache, path string) error {
	if err := runGit(ctx, cache, "worktree", "remove", "--force", path); err != nil {
		m.log.LogWarn("git worktree remove failed, falling back to filesystem delete", "path", path, "error", err.Error())
	}
	if err := os.RemoveAll(path); err != nil {
		return errors.Wrapf(err, "failed to delete worktree directory %s", path)
	}
	return nil
}

// postCreate runs submodule init, if .gitmodules is present in the new
// worktree (§4.6 "Submodules").
func (m *Manager) postCreate(ctx context.Context, path string) error {
	if _, err := os.Stat(filepath.Join(path, ".gitmodules")); err == nil {
		if err := runGit(ctx, path, "submodule", "update", "--init", "--recursive"); err != nil {
			return errors.Wrap(err, "failed to init submodules")
		}
	}
	return nil
}

func resolveDefaultBranch(ctx context.Context, cache string) (string, error) {
	out, err := runGitOutput(ctx, cache, "symbolic-ref", "refs/remotes/origin/HEAD")
	if err == nil {
		out = strings.TrimSpace(out)
		if idx := strings.LastIndex(out, "/"); idx >= 0 {
			return out[idx+1:], nil
		}
	}
	// Fallback: probe the usual candidates.
	for _, candidate := range []string{"main", "master"} {
		if err := runGit(ctx, cache, "rev-parse", "--verify", "origin/"+candidate); err == nil {
			return candidate, nil
		}
	}
	return "", errors.New("failed to resolve default branch")
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func runGit(ctx context.Context, dir string, args ...string) error {
	_, err := runGitOutput(ctx, dir, args...)
	return err
}

func runGitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), errors.Wrapf(err, "git %s failed: %s", strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
