package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/model"
	"github.com/metyatech/agent-runner/internal/usagegate"
)

// geminiModel distinguishes the two Gemini engine variants the idle
// planner and issue dispatcher can target.
type geminiModel string

const (
	geminiModelPro   geminiModel = "gemini-2.5-pro"
	geminiModelFlash geminiModel = "gemini-2.5-flash"
)

// WarmupStore persists the last warm-up attempt per model, so the one-shot
// allowance in spec §4.3 ("Gemini warm-up") survives process restarts.
type WarmupStore interface {
	GetGeminiWarmup(ctx context.Context, geminiModel string) (time.Time, bool, error)
	SetGeminiWarmup(ctx context.Context, geminiModel string, at time.Time) error
}

// Gemini is the §4.3 adapter for gemini-pro/gemini-flash, authenticated via
// OAuth client id/secret (overridable through env per spec §6) and backed
// by a configurable warm-up cool-down.
type Gemini struct {
	variant geminiModel

	OAuthConfig    *oauth2.Config
	Token          *oauth2.Token
	WarmupCooldown time.Duration
	Warmups        WarmupStore
	HTTPClient     *http.Client
}

// NewGeminiPro builds the "pro" variant.
func NewGeminiPro(oauthCfg *oauth2.Config, token *oauth2.Token, cooldown time.Duration, warmups WarmupStore) *Gemini {
	return &Gemini{variant: geminiModelPro, OAuthConfig: oauthCfg, Token: token, WarmupCooldown: cooldown, Warmups: warmups}
}

// NewGeminiFlash builds the "flash" variant.
func NewGeminiFlash(oauthCfg *oauth2.Config, token *oauth2.Token, cooldown time.Duration, warmups WarmupStore) *Gemini {
	return &Gemini{variant: geminiModelFlash, OAuthConfig: oauthCfg, Token: token, WarmupCooldown: cooldown, Warmups: warmups}
}

func (g *Gemini) Kind() config.EngineKind {
	if g.variant == geminiModelFlash {
		return config.EngineGeminiFlash
	}
	return config.EngineGeminiPro
}

// GeminiOAuthConfigFromEnv builds the OAuth config used to refresh a
// Gemini CLI's locally cached token, honoring the env overrides from §6
// (client id/secret may be overridden via env).
func GeminiOAuthConfigFromEnv() *oauth2.Config {
	clientID := os.Getenv("GEMINI_OAUTH_CLIENT_ID")
	clientSecret := os.Getenv("GEMINI_OAUTH_CLIENT_SECRET")
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{"https://www.googleapis.com/auth/cloud-platform"},
	}
}

type geminiUsagePayload struct {
	Daily struct {
		UsedPercent float64 `json:"used_percent"`
		ResetsAt    int64   `json:"resets_at_unix"`
	} `json:"daily_window"`
	Weekly struct {
		UsedPercent float64 `json:"used_percent"`
		ResetsAt    int64   `json:"resets_at_unix"`
	} `json:"weekly_window"`
}

func (g *Gemini) Usage(ctx context.Context) (usagegate.Windows, error) {
	client := g.OAuthConfig.Client(ctx, g.Token)
	if g.HTTPClient != nil {
		client = g.HTTPClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://generativelanguage.googleapis.com/v1beta/usage", nil)
	if err != nil {
		return usagegate.Windows{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return usagegate.Windows{}, errors.Wrap(err, "gemini usage request failed")
	}
	defer resp.Body.Close()

	var payload geminiUsagePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return usagegate.Windows{}, errors.Wrap(err, "failed to decode gemini usage payload")
	}

	now := time.Now()
	short := model.UsageWindow{
		Kind:        model.UsageWindowShort,
		PercentLeft: usagegate.ClampPercent(100 - payload.Daily.UsedPercent),
		ResetAt:     unixOrFallback(payload.Daily.ResetsAt, now.Add(24*time.Hour)),
	}
	long := model.UsageWindow{
		Kind:        model.UsageWindowLong,
		PercentLeft: usagegate.ClampPercent(100 - payload.Weekly.UsedPercent),
		ResetAt:     unixOrFallback(payload.Weekly.ResetsAt, now.Add(7*24*time.Hour)),
	}
	return usagegate.Windows{Short: &short, Long: &long}, nil
}

// TryWarmup implements the one-shot allowance from spec §4.3: when both
// windows are blocked but the configured cool-down has elapsed since the
// last warm-up attempt for this model, grant a one-shot allowance and
// record the attempt.
func (g *Gemini) TryWarmup(ctx context.Context, now time.Time) (bool, error) {
	if g.Warmups == nil {
		return false, nil
	}
	last, found, err := g.Warmups.GetGeminiWarmup(ctx, string(g.variant))
	if err != nil {
		return false, errors.Wrap(err, "failed to read gemini warmup state")
	}
	if found && now.Sub(last) < g.WarmupCooldown {
		return false, nil
	}
	if err := g.Warmups.SetGeminiWarmup(ctx, string(g.variant), now); err != nil {
		return false, errors.Wrap(err, "failed to record gemini warmup attempt")
	}
	return true, nil
}

func (g *Gemini) BuildInvocation(task string, resumeSessionID string) Invocation {
	args := []string{"--model", string(g.variant)}
	if resumeSessionID != "" {
		args = append(args, "--resume", resumeSessionID)
	}
	return Invocation{Command: "gemini", Args: args, Stdin: task}
}
