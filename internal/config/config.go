// Package config loads and validates agent-runner's daemon configuration.
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EngineKind identifies one of the supported CLI engines.
type EngineKind string

const (
	EngineCodex       EngineKind = "codex"
	EngineCopilot     EngineKind = "copilot"
	EngineGeminiPro   EngineKind = "gemini-pro"
	EngineGeminiFlash EngineKind = "gemini-flash"
	EngineAmazonQ     EngineKind = "amazon-q"
	EngineClaude      EngineKind = "claude"
)

// UsageGateConfig is the per-engine ramp configuration evaluated by
// internal/usagegate.
type UsageGateConfig struct {
	StartMinutes float64 `mapstructure:"start_minutes" yaml:"start_minutes"`
	StartPct     float64 `mapstructure:"start_pct" yaml:"start_pct"`
	EndPct       float64 `mapstructure:"end_pct" yaml:"end_pct"`
	ShortFloor   float64 `mapstructure:"short_floor" yaml:"short_floor"`
}

// RepoSelection describes how the target repository set is discovered.
type RepoSelection struct {
	Mode  string   `mapstructure:"mode" yaml:"mode"` // "list", "all", "local"
	Repos []string `mapstructure:"repos" yaml:"repos"`
}

// Config is the full daemon configuration, loaded from YAML + environment
// overrides via viper. It mirrors the teacher's `configuration` struct: a
// flat, JSON/YAML-tagged bag of settings with defaulting and validation
// helpers, held immutable once constructed.
type Config struct {
	WorkdirRoot string `mapstructure:"workdir_root" yaml:"workdir_root"`

	PollIntervalSeconds     int  `mapstructure:"poll_interval_seconds" yaml:"poll_interval_seconds"`
	WebhookCatchupIntervalS int  `mapstructure:"webhook_catchup_interval_seconds" yaml:"webhook_catchup_interval_seconds"`
	WebhookEnabled          bool `mapstructure:"webhook_enabled" yaml:"webhook_enabled"`

	Concurrency        int            `mapstructure:"concurrency" yaml:"concurrency"`
	ServiceConcurrency map[string]int `mapstructure:"service_concurrency" yaml:"service_concurrency"`

	// Owner is the GitHub login whose repositories are enumerated when
	// Repos.Mode is "all".
	Owner string `mapstructure:"owner" yaml:"owner"`

	Repos RepoSelection `mapstructure:"repos" yaml:"repos"`

	Labels LabelNames `mapstructure:"labels" yaml:"labels"`

	IdleCooldownMinutes int      `mapstructure:"idle_cooldown_minutes" yaml:"idle_cooldown_minutes"`
	IdleMaxRunsPerCycle int      `mapstructure:"idle_max_runs_per_cycle" yaml:"idle_max_runs_per_cycle"`
	IdleAllowedEngines  []string `mapstructure:"idle_allowed_engines" yaml:"idle_allowed_engines"`
	IdleTasks           []string `mapstructure:"idle_tasks" yaml:"idle_tasks"`

	UsageGates map[string]UsageGateConfig `mapstructure:"usage_gates" yaml:"usage_gates"`

	GeminiWarmupCooldownMinutes int `mapstructure:"gemini_warmup_cooldown_minutes" yaml:"gemini_warmup_cooldown_minutes"`

	MaxReviewIterations int    `mapstructure:"max_review_iterations" yaml:"max_review_iterations"`
	AIReviewerBots      string `mapstructure:"ai_reviewer_bots" yaml:"ai_reviewer_bots"`

	GitHubWebhookSecret string `mapstructure:"github_webhook_secret" yaml:"github_webhook_secret"`

	Debug bool `mapstructure:"debug" yaml:"debug"`

	StatusHost string `mapstructure:"status_host" yaml:"status_host"`
	StatusPort int    `mapstructure:"status_port" yaml:"status_port"`
	WebhookHost string `mapstructure:"webhook_host" yaml:"webhook_host"`
	WebhookPort int    `mapstructure:"webhook_port" yaml:"webhook_port"`
	WebhookPath string `mapstructure:"webhook_path" yaml:"webhook_path"`
}

// LabelNames holds the configurable label strings used by the issue
// lifecycle state machine (§4.2).
type LabelNames struct {
	Queued         string `mapstructure:"queued" yaml:"queued"`
	Running        string `mapstructure:"running" yaml:"running"`
	Done           string `mapstructure:"done" yaml:"done"`
	Failed         string `mapstructure:"failed" yaml:"failed"`
	NeedsUserReply string `mapstructure:"needs_user_reply" yaml:"needs_user_reply"`
}

// DefaultLabelNames returns the default label set.
func DefaultLabelNames() LabelNames {
	return LabelNames{
		Queued:         "agent-runner:queued",
		Running:        "agent-runner:running",
		Done:           "agent-runner:done",
		Failed:         "agent-runner:failed",
		NeedsUserReply: "agent-runner:needs-user-reply",
	}
}

// Clone shallow-copies the configuration, matching the teacher's
// configuration.Clone pattern.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// IsValid checks that required configuration is present and well-formed.
func (c *Config) IsValid() error {
	if c.WorkdirRoot == "" {
		return fmt.Errorf("workdir_root is required")
	}
	if c.PollIntervalSeconds < 5 {
		return fmt.Errorf("poll_interval_seconds must be at least 5, got %d", c.PollIntervalSeconds)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	switch c.Repos.Mode {
	case "list", "all", "local":
	default:
		return fmt.Errorf("repos.mode must be one of list|all|local, got %q", c.Repos.Mode)
	}
	if c.Repos.Mode == "list" && len(c.Repos.Repos) == 0 {
		return fmt.Errorf("repos.mode=list requires a non-empty repos.repos")
	}
	if c.Repos.Mode == "all" && c.Owner == "" {
		return fmt.Errorf("repos.mode=all requires owner")
	}
	return nil
}

// GetPollInterval returns the poll interval, defaulting if unset or invalid.
func (c *Config) GetPollInterval() time.Duration {
	if c.PollIntervalSeconds < 5 {
		return 60 * time.Second
	}
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// GetWebhookCatchupInterval returns the webhook catch-up poll interval.
func (c *Config) GetWebhookCatchupInterval() time.Duration {
	if c.WebhookCatchupIntervalS <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.WebhookCatchupIntervalS) * time.Second
}

// ParseAIReviewerBots splits the AIReviewerBots config string into trimmed,
// non-empty bot usernames, the same way the teacher's configuration.go does.
func (c *Config) ParseAIReviewerBots() []string {
	if c.AIReviewerBots == "" {
		return nil
	}
	parts := strings.Split(c.AIReviewerBots, ",")
	var bots []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			bots = append(bots, trimmed)
		}
	}
	return bots
}

// ServiceLimit returns the configured per-service concurrency limit for an
// engine family, defaulting to the global concurrency if unset.
func (c *Config) ServiceLimit(kind EngineKind) int {
	if n, ok := c.ServiceConcurrency[string(kind)]; ok && n > 0 {
		return n
	}
	return c.Concurrency
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("workdir_root", "./agent-runner-data")
	v.SetDefault("poll_interval_seconds", 60)
	v.SetDefault("webhook_catchup_interval_seconds", 600)
	v.SetDefault("concurrency", 2)
	v.SetDefault("repos.mode", "local")
	v.SetDefault("idle_cooldown_minutes", 180)
	v.SetDefault("idle_max_runs_per_cycle", 1)
	v.SetDefault("gemini_warmup_cooldown_minutes", 360)
	v.SetDefault("max_review_iterations", 5)
	v.SetDefault("ai_reviewer_bots", "coderabbitai[bot],copilot-pull-request-reviewer")
	v.SetDefault("status_host", "127.0.0.1")
	v.SetDefault("status_port", 8088)
	v.SetDefault("webhook_host", "127.0.0.1")
	v.SetDefault("webhook_port", 8089)
	v.SetDefault("webhook_path", "/webhooks/github")
}

// Load reads configuration from the given file path (if non-empty),
// environment variables prefixed AGENT_RUNNER_, and defaults, in that order
// of increasing precedence for env vars over file, matching viper's standard
// resolution order.
func Load(path string) (*Config, error) {
	v := viper.New()
	applyDefaults(v)
	v.SetEnvPrefix("AGENT_RUNNER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %q", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal configuration")
	}
	if cfg.Labels == (LabelNames{}) {
		cfg.Labels = DefaultLabelNames()
	}
	if len(cfg.UsageGates) == 0 {
		cfg.UsageGates = DefaultUsageGates()
	}
	return cfg, nil
}

// DefaultUsageGates returns a conservative ramp configuration for every
// known engine, used when the config file doesn't override them.
func DefaultUsageGates() map[string]UsageGateConfig {
	g := UsageGateConfig{StartMinutes: 60, StartPct: 20, EndPct: 0, ShortFloor: 5}
	return map[string]UsageGateConfig{
		string(EngineCodex):       g,
		string(EngineCopilot):     g,
		string(EngineGeminiPro):   g,
		string(EngineGeminiFlash): g,
		string(EngineAmazonQ):     g,
		string(EngineClaude):      g,
	}
}

// Holder guards a *Config behind a RWMutex, mirroring the teacher's
// Plugin.configurationLock / getConfiguration / setConfiguration.
type Holder struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewHolder wraps an initial configuration.
func NewHolder(cfg *Config) *Holder {
	return &Holder{cfg: cfg}
}

// Get returns the active configuration under a read lock. The returned
// value is considered immutable by convention.
func (h *Holder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.cfg == nil {
		return &Config{}
	}
	return h.cfg
}

// Set replaces the active configuration under a write lock.
func (h *Holder) Set(cfg *Config) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cfg = cfg
}
