package main

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"

	"github.com/metyatech/agent-runner/internal/concurrency"
	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/cycle"
	"github.com/metyatech/agent-runner/internal/engine"
	"github.com/metyatech/agent-runner/internal/githubapi"
	"github.com/metyatech/agent-runner/internal/idle"
	"github.com/metyatech/agent-runner/internal/lifecycle"
	"github.com/metyatech/agent-runner/internal/metrics"
	"github.com/metyatech/agent-runner/internal/reviewqueue"
	"github.com/metyatech/agent-runner/internal/runnerlog"
	"github.com/metyatech/agent-runner/internal/runtime"
	"github.com/metyatech/agent-runner/internal/store"
	"github.com/metyatech/agent-runner/internal/worktree"
)

// githubToken resolves the GitHub token per §6's precedence order.
func githubToken() string {
	for _, name := range []string{"AGENT_GITHUB_TOKEN", "GITHUB_TOKEN", "GH_TOKEN"} {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// engineOrder is the fixed priority order §4.3 evaluates engines in: the
// cycle driver picks the first engine in this list that is allowed to run.
var engineOrder = []config.EngineKind{
	config.EngineClaude,
	config.EngineCodex,
	config.EngineCopilot,
	config.EngineGeminiPro,
	config.EngineGeminiFlash,
	config.EngineAmazonQ,
}

// daemon bundles every wired component a cobra command needs, built once
// per invocation from the loaded configuration.
type daemon struct {
	Config  *config.Holder
	Log     runnerlog.Logger
	Store   *store.Store
	GH      githubapi.Client
	Metrics *metrics.Metrics
	Driver  *cycle.Driver
}

// buildDaemon wires every component the same way for every long-running
// command (run/ui/webhook/status), so a single code path owns construction
// order: store open -> github client -> engines -> lifecycle/runtime/gate ->
// cycle driver -> worktree manager.
func buildDaemon(flags *globalFlags) (*daemon, error) {
	holder, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	cfg := holder.Get()

	log, err := newLogger(flags)
	if err != nil {
		return nil, err
	}

	dbPath := filepath.Join(cfg.WorkdirRoot, "agent-runner", "state", "agent-runner.db")
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}

	gh := githubapi.NewClient(githubToken())

	m := metrics.New()

	engines := buildEngines(cfg, st)

	machine := lifecycle.NewMachine(cfg.Labels, gh, st)
	rt := runtime.NewRunner(filepath.Join(cfg.WorkdirRoot, "agent-runner", "logs"))
	gate := concurrency.New(int64(cfg.Concurrency), serviceLimits(cfg))
	gate.Metrics = m
	review := &reviewqueue.Classifier{RecognizedBots: cfg.ParseAIReviewerBots()}
	planner := &idle.Planner{
		Store:           st,
		PRs:             gh,
		Log:             log,
		CooldownMinutes: cfg.IdleCooldownMinutes,
		MaxRunsPerCycle: cfg.IdleMaxRunsPerCycle,
		AllowedEngines:  cfg.IdleAllowedEngines,
		Tasks:           cfg.IdleTasks,
	}
	discoverer := &cycle.RepoDiscoverer{GH: gh, WorkdirRoot: cfg.WorkdirRoot}

	driver := &cycle.Driver{
		Config:      holder,
		GH:          gh,
		Store:       st,
		Log:         log,
		Metrics:     m,
		Lifecycle:   machine,
		Engines:     engines,
		EngineOrder: engineOrder,
		Idle:        planner,
		Runtime:     rt,
		Gate:        gate,
		Review:      review,
		Discoverer:  discoverer,
	}
	// The worktree manager's live-owner check closes over the driver's
	// activity table, so it's wired after the driver exists.
	driver.Worktree = worktree.NewManager(cfg.WorkdirRoot, driver.NewRunningOwnerCheck(), log)

	return &daemon{Config: holder, Log: log, Store: st, GH: gh, Metrics: m, Driver: driver}, nil
}

func (d *daemon) Close() error {
	return d.Store.Close()
}

// serviceLimits translates the configured per-engine string keys into the
// int64 map concurrency.New expects.
func serviceLimits(cfg *config.Config) map[string]int64 {
	out := make(map[string]int64, len(cfg.ServiceConcurrency))
	for k, v := range cfg.ServiceConcurrency {
		out[k] = int64(v)
	}
	return out
}

// buildEngines constructs the configured engine adapters, skipping any
// whose required credentials aren't present rather than failing startup;
// an unavailable engine is simply never selected by selectEngine.
func buildEngines(cfg *config.Config, st *store.Store) map[config.EngineKind]engine.Engine {
	engines := make(map[config.EngineKind]engine.Engine)

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		engines[config.EngineClaude] = &engine.Claude{APIKey: key, HTTPClient: http.DefaultClient}
	}
	if home, err := os.UserHomeDir(); err == nil {
		engines[config.EngineCodex] = &engine.Codex{
			SessionsDir: home + "/.codex/sessions",
			TokenPath:   home + "/.codex/auth.json",
			HTTPClient:  http.DefaultClient,
		}
	}
	if token := githubToken(); token != "" {
		engines[config.EngineCopilot] = &engine.Copilot{Token: token, HTTPClient: http.DefaultClient}
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		engines[config.EngineAmazonQ] = &engine.AmazonQ{Region: region, DailyBudget: 50, Counter: st}
	}

	geminiCfg := engine.GeminiOAuthConfigFromEnv()
	if geminiCfg != nil {
		token := geminiTokenFromEnv()
		cooldown := time.Duration(cfg.GeminiWarmupCooldownMinutes) * time.Minute
		engines[config.EngineGeminiPro] = engine.NewGeminiPro(geminiCfg, token, cooldown, st)
		engines[config.EngineGeminiFlash] = engine.NewGeminiFlash(geminiCfg, token, cooldown, st)
	}

	return engines
}

func geminiTokenFromEnv() *oauth2.Token {
	access := os.Getenv("GEMINI_OAUTH_ACCESS_TOKEN")
	refresh := os.Getenv("GEMINI_OAUTH_REFRESH_TOKEN")
	if access == "" && refresh == "" {
		return nil
	}
	return &oauth2.Token{AccessToken: access, RefreshToken: refresh}
}
