// Package worktree is the git-worktree manager from spec §4.6: a bare
// cache per repo plus one throwaway worktree checkout per run, guarded by
// a per-repo file lock (§5) so concurrent dispatches never race on the
// same cache.
//
// Nothing in the retrieval pack manages git worktrees (the teacher drives
// Cursor's own cloud-hosted agents, which never touch a local checkout),
// so this package is written in the idiom the pack uses elsewhere for
// PID-gated advisory locks: a lock file holding the owning PID, reclaimed
// via shirou/gopsutil/v3 liveness checks rather than a flock syscall,
// matching §5's "stale lock (pid no longer alive) is reclaimable" and the
// runner.lock singleton described in the same section.
package worktree

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/process"
)

// FileLock is a PID-stamped advisory lock file. It is not a true OS-level
// flock: two processes racing to create the same path can both "win" in
// the few microseconds between the stale check and the write, which is why
// every caller additionally expects the underlying git operation (`git
// worktree add`, `git clone --bare`) to itself fail loudly if two writers
// collide on the same path.
type FileLock struct {
	path    string
	timeout time.Duration
}

// NewFileLock builds a lock bound to path with the given stale-reclaim
// timeout (§5: "timeout ~15 min" for the per-repo git-cache lock).
func NewFileLock(path string, timeout time.Duration) *FileLock {
	return &FileLock{path: path, timeout: timeout}
}

// Acquire creates the lock file, reclaiming it first if it's stale (owning
// PID no longer alive, or older than the configured timeout).
func (l *FileLock) Acquire() error {
	if l.reclaimIfStale() {
		_ = os.Remove(l.path)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return errors.Errorf("lock %s is held by another process", l.path)
		}
		return errors.Wrapf(err, "failed to create lock file %s", l.path)
	}
	defer f.Close()

	_, err = f.WriteString(strconv.Itoa(os.Getpid()))
	return err
}

// Release removes the lock file. Safe to call even if the file is already
// gone.
func (l *FileLock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to release lock file %s", l.path)
	}
	return nil
}

// reclaimIfStale reports whether the existing lock (if any) should be
// removed: either its owning PID is no longer alive, or it's older than
// the configured timeout.
func (l *FileLock) reclaimIfStale() bool {
	info, err := os.Stat(l.path)
	if err != nil {
		return false // no lock present
	}
	if l.timeout > 0 && time.Since(info.ModTime()) > l.timeout {
		return true
	}

	raw, err := os.ReadFile(l.path)
	if err != nil {
		return true
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return true
	}
	return !PIDAlive(pid)
}

// PIDAlive reports whether a process with the given PID is currently
// running, used for lock reclamation here, by internal/procslock, and by
// crash recovery in internal/cycle.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	alive, err := process.PidExists(int32(pid))
	if err != nil {
		return false
	}
	return alive
}
