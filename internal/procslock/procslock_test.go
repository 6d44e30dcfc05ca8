package procslock

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	workdir := t.TempDir()

	lock, err := Acquire(workdir)
	require.NoError(t, err)

	pid, alive := HeldByLiveProcess(workdir)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, alive)

	// A second daemon against the same workdir must be refused.
	_, err = Acquire(workdir)
	require.Error(t, err)

	require.NoError(t, lock.Release())
	_, alive = HeldByLiveProcess(workdir)
	assert.False(t, alive)

	// Released locks are re-acquirable.
	lock2, err := Acquire(workdir)
	require.NoError(t, err)
	require.NoError(t, lock2.Release())
}

func TestStaleLockIsReclaimed(t *testing.T) {
	workdir := t.TempDir()
	path := Path(workdir)
	require.NoError(t, os.MkdirAll(workdir+"/agent-runner/state", 0o755))
	// PID 0 is never a live process.
	require.NoError(t, os.WriteFile(path, []byte("0"), 0o644))

	lock, err := Acquire(workdir)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
}

func TestStopFlag(t *testing.T) {
	workdir := t.TempDir()

	assert.False(t, StopFlagSet(workdir))
	require.NoError(t, SetStopFlag(workdir))
	assert.True(t, StopFlagSet(workdir))
	// Setting twice is idempotent.
	require.NoError(t, SetStopFlag(workdir))

	require.NoError(t, ClearStopFlag(workdir))
	assert.False(t, StopFlagSet(workdir))
	// Clearing an absent flag is not an error.
	require.NoError(t, ClearStopFlag(workdir))
}
