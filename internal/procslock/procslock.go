// Package procslock implements the §5 process singleton: at most one
// `agent-runner run` daemon may hold workdirRoot/agent-runner/state/runner.lock
// at a time. It's a thin wrapper over internal/worktree's PID-stamped
// FileLock/PIDAlive primitives rather than a second implementation of the
// same reclaim-if-stale logic.
package procslock

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/metyatech/agent-runner/internal/worktree"
)

// lockTimeout is the stale-reclaim window for the singleton lock, longer
// than the per-repo git-cache lock's 15 minutes since a `run` daemon is
// expected to hold it for its entire lifetime.
const lockTimeout = 24 * time.Hour

// Lock guards the process singleton.
type Lock struct {
	file *worktree.FileLock
	path string
}

// Path returns workdirRoot/agent-runner/state/runner.lock.
func Path(workdirRoot string) string {
	return filepath.Join(workdirRoot, "agent-runner", "state", "runner.lock")
}

// Acquire takes the singleton lock for workdirRoot, reclaiming it first if
// stale (the owning PID is no longer alive). Returns an error naming the
// held lock if another live process owns it, per §5 "at most one daemon per
// workdirRoot".
func Acquire(workdirRoot string) (*Lock, error) {
	path := Path(workdirRoot)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create lock directory")
	}
	fl := worktree.NewFileLock(path, lockTimeout)
	if err := fl.Acquire(); err != nil {
		return nil, errors.Wrap(err, "another agent-runner process is already running against this workdir")
	}
	return &Lock{file: fl, path: path}, nil
}

// Release drops the singleton lock.
func (l *Lock) Release() error {
	return l.file.Release()
}

// StopFlagPath returns workdirRoot/agent-runner/state/stop, the flag file
// the `stop` and `resume` CLI commands touch and a running daemon polls
// between cycles (§4.1 "until a stop request flag is observed").
func StopFlagPath(workdirRoot string) string {
	return filepath.Join(workdirRoot, "agent-runner", "state", "stop")
}

// SetStopFlag creates the stop flag file.
func SetStopFlag(workdirRoot string) error {
	path := StopFlagPath(workdirRoot)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create state directory")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "failed to create stop flag")
	}
	return f.Close()
}

// ClearStopFlag removes the stop flag file if present.
func ClearStopFlag(workdirRoot string) error {
	err := os.Remove(StopFlagPath(workdirRoot))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to remove stop flag")
	}
	return nil
}

// StopFlagSet reports whether the stop flag file exists.
func StopFlagSet(workdirRoot string) bool {
	_, err := os.Stat(StopFlagPath(workdirRoot))
	return err == nil
}

// HeldByLiveProcess reports whether workdirRoot's lock file names a PID
// that's still alive, without acquiring or disturbing it. Used by `status`
// and `stop`/`resume` to report whether a `run` daemon is active, and by
// `run --once` to exit cleanly rather than block when one already holds the
// lock (§5: "in --once mode, an active lock exits cleanly").
func HeldByLiveProcess(workdirRoot string) (pid int, alive bool) {
	raw, err := os.ReadFile(Path(workdirRoot))
	if err != nil {
		return 0, false
	}
	pid = 0
	for _, b := range raw {
		if b < '0' || b > '9' {
			break
		}
		pid = pid*10 + int(b-'0')
	}
	if pid == 0 {
		return 0, false
	}
	return pid, worktree.PIDAlive(pid)
}
