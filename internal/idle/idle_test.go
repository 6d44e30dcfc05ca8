package idle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metyatech/agent-runner/internal/model"
	"github.com/metyatech/agent-runner/internal/runnerlog"
)

func repo(name string) model.RepoRef { return model.RepoRef{Owner: "metyatech", Name: name} }

func TestEligibleReposFiltersCooldownAndSortsOldestFirst(t *testing.T) {
	now := time.Now()
	repos := []model.RepoRef{repo("zeta"), repo("alpha"), repo("cooling")}
	history := map[model.RepoRef]model.IdleHistory{
		repo("cooling"): {LastIdleAt: now.Add(-5 * time.Minute)},
		repo("zeta"):    {LastIdleAt: now.Add(-2 * time.Hour)},
		repo("alpha"):   {LastIdleAt: now.Add(-2 * time.Hour)},
	}

	eligible := EligibleRepos(repos, history, time.Hour, now)

	require.Len(t, eligible, 2)
	assert.Equal(t, repo("alpha"), eligible[0], "tie on lastIdleAt breaks by name")
	assert.Equal(t, repo("zeta"), eligible[1])
}

func TestComputeSlotsRaisesWhenEnginesExceedMax(t *testing.T) {
	slots, raised := ComputeSlots(1, 3)
	assert.Equal(t, 3, slots)
	assert.True(t, raised)

	slots, raised = ComputeSlots(5, 2)
	assert.Equal(t, 2, slots)
	assert.False(t, raised)
}

func TestRenderPromptWrapsUntrustedPRContext(t *testing.T) {
	prompt := RenderPrompt("tidy up the changelog", 2, []string{"fix: foo", "feat: bar"})
	assert.Contains(t, prompt, "tidy up the changelog")
	assert.Contains(t, prompt, guardStart)
	assert.Contains(t, prompt, guardEnd)
	assert.Contains(t, prompt, "Open PR count: 2")
	assert.Contains(t, prompt, "fix: foo")
	assert.Contains(t, prompt, "untrusted data")
}

func TestRenderPromptUnknownCountWhenQueryFails(t *testing.T) {
	prompt := RenderPrompt("task", -1, nil)
	assert.Contains(t, prompt, "unknown")
}

type fakeHistoryStore struct {
	history map[model.RepoRef]model.IdleHistory
	stamps  []model.RepoRef
}

func (f *fakeHistoryStore) ListIdleHistory(ctx context.Context) (map[model.RepoRef]model.IdleHistory, error) {
	return f.history, nil
}

func (f *fakeHistoryStore) StampIdle(ctx context.Context, r model.RepoRef, at time.Time, nextCursor int) error {
	f.stamps = append(f.stamps, r)
	f.history[r] = model.IdleHistory{Repo: r, LastIdleAt: at, TaskCursor: nextCursor}
	return nil
}

type fakePRLister struct{}

func (f *fakePRLister) ListOpenPRTitles(ctx context.Context, r model.RepoRef) ([]string, error) {
	return []string{"existing work"}, nil
}

func TestPlanAssignsEnginesRoundRobinAndAdvancesCursor(t *testing.T) {
	store := &fakeHistoryStore{history: map[model.RepoRef]model.IdleHistory{}}
	p := &Planner{
		Store:           store,
		PRs:             &fakePRLister{},
		Log:             runnerlog.NewNop(),
		CooldownMinutes: 60,
		MaxRunsPerCycle: 2,
		AllowedEngines:  []string{"codex", "gemini-pro"},
		Tasks:           []string{"task-a", "task-b"},
	}

	assignments, err := p.Plan(context.Background(), time.Now(), []model.RepoRef{repo("one"), repo("two")})
	require.NoError(t, err)
	require.Len(t, assignments, 2)
	assert.Equal(t, "codex", assignments[0].Engine)
	assert.Equal(t, "gemini-pro", assignments[1].Engine)
	assert.Contains(t, assignments[0].Prompt, "existing work")
	assert.Len(t, store.stamps, 2)
	assert.Equal(t, 1, store.history[repo("one")].TaskCursor)
}
