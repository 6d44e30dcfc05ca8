package engine

import (
	"context"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/pkg/errors"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/model"
	"github.com/metyatech/agent-runner/internal/usagegate"
)

// Claude is the §4.3 adapter for the Claude CLI. Quota reads go through the
// Anthropic Go SDK's raw-request surface (the usage endpoint has no
// generated method yet), so auth headers, API versioning, and retries all
// come from the SDK; the message-completion surface is not used since
// agent-runner only spawns the `claude` CLI as a child process.
type Claude struct {
	APIKey     string
	HTTPClient *http.Client
}

// clientOptions mirrors how the SDK itself resolves an API key, so this
// adapter and the `claude` CLI agree on precedence (explicit key, then
// ANTHROPIC_API_KEY resolved by the SDK itself).
func (c *Claude) clientOptions() []option.RequestOption {
	var opts []option.RequestOption
	if c.APIKey != "" {
		opts = append(opts, option.WithAPIKey(c.APIKey))
	}
	if c.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(c.HTTPClient))
	}
	return opts
}

func (c *Claude) Kind() config.EngineKind { return config.EngineClaude }

// claudeUsagePayload is the normalized shape agent-runner expects from
// Anthropic's organization usage endpoint.
type claudeUsagePayload struct {
	FiveHour struct {
		UsedPercent float64 `json:"used_percent"`
		ResetsAt    int64   `json:"resets_at_unix"`
	} `json:"five_hour_window"`
	Weekly struct {
		UsedPercent float64 `json:"used_percent"`
		ResetsAt    int64   `json:"resets_at_unix"`
	} `json:"weekly_window"`
}

func (c *Claude) Usage(ctx context.Context) (usagegate.Windows, error) {
	client := anthropic.NewClient(c.clientOptions()...)

	var payload claudeUsagePayload
	if err := client.Get(ctx, "/v1/organizations/usage", nil, &payload); err != nil {
		return usagegate.Windows{}, errors.Wrap(err, "claude usage request failed")
	}

	now := time.Now()
	short := model.UsageWindow{
		Kind:        model.UsageWindowShort,
		PercentLeft: usagegate.ClampPercent(100 - payload.FiveHour.UsedPercent),
		ResetAt:     unixOrFallback(payload.FiveHour.ResetsAt, now.Add(5*time.Hour)),
	}
	long := model.UsageWindow{
		Kind:        model.UsageWindowLong,
		PercentLeft: usagegate.ClampPercent(100 - payload.Weekly.UsedPercent),
		ResetAt:     unixOrFallback(payload.Weekly.ResetsAt, now.Add(7*24*time.Hour)),
	}
	return usagegate.Windows{Short: &short, Long: &long}, nil
}

func (c *Claude) BuildInvocation(task string, resumeSessionID string) Invocation {
	args := []string{"--print", "--output-format", "json"}
	if resumeSessionID != "" {
		args = append(args, "--resume", resumeSessionID)
	}
	return Invocation{Command: "claude", Args: args, Stdin: task}
}
