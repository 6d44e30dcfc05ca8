package concurrency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateGlobalLimit(t *testing.T) {
	g := New(1, nil)
	tok, err := g.Acquire(context.Background(), "codex")
	require.NoError(t, err)

	_, ok := g.TryAcquire("codex")
	assert.False(t, ok, "second acquire should fail while global slot is held")

	tok.Release()
	_, ok = g.TryAcquire("codex")
	assert.True(t, ok, "slot should be free after release")
}

func TestGatePerServiceLimit(t *testing.T) {
	g := New(5, map[string]int64{"codex": 1, "copilot": 1})

	codexTok, ok := g.TryAcquire("codex")
	require.True(t, ok)

	_, ok = g.TryAcquire("codex")
	assert.False(t, ok, "codex service limiter should be saturated")

	copilotTok, ok := g.TryAcquire("copilot")
	assert.True(t, ok, "a different service should have its own budget")

	codexTok.Release()
	copilotTok.Release()
}

func TestGateUnknownServiceFallsBackToGlobalOnly(t *testing.T) {
	g := New(2, map[string]int64{"codex": 1})
	tok, ok := g.TryAcquire("gemini-pro")
	require.True(t, ok)
	tok.Release()
}

type fakeMetrics struct {
	global  int
	service map[string]int
}

func (f *fakeMetrics) SetConcurrencyInUse(n int) { f.global = n }
func (f *fakeMetrics) SetServiceInUse(engine string, n int) {
	if f.service == nil {
		f.service = map[string]int{}
	}
	f.service[engine] = n
}

func TestGateReportsOccupancy(t *testing.T) {
	g := New(3, map[string]int64{"codex": 2})
	m := &fakeMetrics{}
	g.Metrics = m

	tok1, _ := g.TryAcquire("codex")
	tok2, _ := g.TryAcquire("codex")
	assert.Equal(t, 2, m.global)
	assert.Equal(t, 2, m.service["codex"])

	tok1.Release()
	assert.Equal(t, 1, m.global)
	assert.Equal(t, 1, m.service["codex"])
	tok2.Release()
	assert.Equal(t, 0, m.global)
}

func TestGateAcquireBlocksUntilContextDone(t *testing.T) {
	g := New(1, nil)
	tok, err := g.Acquire(context.Background(), "codex")
	require.NoError(t, err)
	defer tok.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx, "codex")
	assert.Error(t, err)
}
