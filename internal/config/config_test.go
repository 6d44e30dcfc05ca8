package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		WorkdirRoot:         "/tmp/agent-runner-test",
		PollIntervalSeconds: 60,
		Concurrency:         2,
		Repos:               RepoSelection{Mode: "list", Repos: []string{"metyatech/demo"}},
		Labels:              DefaultLabelNames(),
	}
}

func TestIsValid(t *testing.T) {
	require.NoError(t, validConfig().IsValid())

	c := validConfig()
	c.WorkdirRoot = ""
	assert.Error(t, c.IsValid())

	c = validConfig()
	c.PollIntervalSeconds = 1
	assert.Error(t, c.IsValid())

	c = validConfig()
	c.Concurrency = 0
	assert.Error(t, c.IsValid())

	c = validConfig()
	c.Repos.Mode = "everything"
	assert.Error(t, c.IsValid())

	c = validConfig()
	c.Repos = RepoSelection{Mode: "list"}
	assert.Error(t, c.IsValid(), "list mode requires repos")

	c = validConfig()
	c.Repos = RepoSelection{Mode: "all"}
	assert.Error(t, c.IsValid(), "all mode requires owner")
	c.Owner = "metyatech"
	assert.NoError(t, c.IsValid())
}

func TestGetPollIntervalDefaults(t *testing.T) {
	c := &Config{}
	assert.Equal(t, 60*time.Second, c.GetPollInterval())

	c.PollIntervalSeconds = 30
	assert.Equal(t, 30*time.Second, c.GetPollInterval())
}

func TestParseAIReviewerBots(t *testing.T) {
	c := &Config{AIReviewerBots: " coderabbitai[bot], copilot-pull-request-reviewer ,,"}
	assert.Equal(t, []string{"coderabbitai[bot]", "copilot-pull-request-reviewer"}, c.ParseAIReviewerBots())

	c.AIReviewerBots = ""
	assert.Nil(t, c.ParseAIReviewerBots())
}

func TestServiceLimitFallsBackToGlobal(t *testing.T) {
	c := &Config{Concurrency: 3, ServiceConcurrency: map[string]int{"codex": 1}}
	assert.Equal(t, 1, c.ServiceLimit(EngineCodex))
	assert.Equal(t, 3, c.ServiceLimit(EngineCopilot))
}

func TestLoadAppliesDefaultsAndFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workdir_root: /srv/agents
concurrency: 4
repos:
  mode: list
  repos: ["metyatech/demo"]
labels:
  queued: q
  running: r
  done: d
  failed: f
  needs_user_reply: n
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/agents", cfg.WorkdirRoot)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 60, cfg.PollIntervalSeconds, "default applies when unset")
	assert.Equal(t, "q", cfg.Labels.Queued)
	require.NotEmpty(t, cfg.UsageGates, "default usage gates apply when unset")
	assert.Equal(t, 5.0, cfg.UsageGates["codex"].ShortFloor)
	require.NoError(t, cfg.IsValid())
}

func TestLoadDefaultsLabelsWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workdir_root: /srv/agents\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultLabelNames(), cfg.Labels)
}

func TestHolderGetSet(t *testing.T) {
	h := NewHolder(validConfig())
	assert.Equal(t, 2, h.Get().Concurrency)

	clone := h.Get().Clone()
	clone.Concurrency = 9
	h.Set(clone)
	assert.Equal(t, 9, h.Get().Concurrency)

	empty := &Holder{}
	assert.NotNil(t, empty.Get())
}
