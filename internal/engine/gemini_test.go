package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWarmupStore struct {
	last  time.Time
	found bool
	sets  int
}

func (f *fakeWarmupStore) GetGeminiWarmup(ctx context.Context, geminiModel string) (time.Time, bool, error) {
	return f.last, f.found, nil
}

func (f *fakeWarmupStore) SetGeminiWarmup(ctx context.Context, geminiModel string, at time.Time) error {
	f.last = at
	f.found = true
	f.sets++
	return nil
}

func TestGeminiWarmupGrantsOnceUntilCooldownElapses(t *testing.T) {
	store := &fakeWarmupStore{}
	g := NewGeminiPro(nil, nil, time.Hour, store)

	now := time.Now()
	granted, err := g.TryWarmup(context.Background(), now)
	require.NoError(t, err)
	assert.True(t, granted, "first attempt with no prior record should be granted")
	assert.Equal(t, 1, store.sets)

	granted, err = g.TryWarmup(context.Background(), now.Add(30*time.Minute))
	require.NoError(t, err)
	assert.False(t, granted, "a second attempt before the cooldown elapses should be denied")

	granted, err = g.TryWarmup(context.Background(), now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, granted, "a request after the cooldown should be granted again")
}

func TestGeminiBuildInvocationVariants(t *testing.T) {
	pro := NewGeminiPro(nil, nil, time.Hour, nil)
	flash := NewGeminiFlash(nil, nil, time.Hour, nil)

	assert.Contains(t, pro.BuildInvocation("task", "").Args, "gemini-2.5-pro")
	assert.Contains(t, flash.BuildInvocation("task", "").Args, "gemini-2.5-flash")

	inv := pro.BuildInvocation("task", "sess-1")
	assert.Contains(t, inv.Args, "--resume")
	assert.Contains(t, inv.Args, "sess-1")
}
