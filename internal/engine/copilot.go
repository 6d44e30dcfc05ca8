package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/model"
	"github.com/metyatech/agent-runner/internal/usagegate"
)

// Copilot is the §4.3 adapter for the GitHub Copilot CLI. Usage is read
// from GitHub's own Copilot billing/usage endpoint, authenticated with the
// same GitHub token the orchestrator already holds (§6 env var
// resolution), so no separate credential plumbing is needed.
type Copilot struct {
	Token      string
	HTTPClient *http.Client
}

type copilotUsagePayload struct {
	PremiumRequests struct {
		UsedPercent float64 `json:"used_percent"`
		ResetsAt    int64   `json:"resets_at_unix"`
	} `json:"premium_requests_window"`
}

func (c *Copilot) Kind() config.EngineKind { return config.EngineCopilot }

func (c *Copilot) Usage(ctx context.Context) (usagegate.Windows, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.github.com/copilot_internal/usage", nil)
	if err != nil {
		return usagegate.Windows{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Accept", "application/vnd.github+json")

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return usagegate.Windows{}, errors.Wrap(err, "copilot usage request failed")
	}
	defer resp.Body.Close()

	var payload copilotUsagePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return usagegate.Windows{}, errors.Wrap(err, "failed to decode copilot usage payload")
	}

	now := time.Now()
	// Copilot only reports one rolling monthly window; classify it long
	// per §4.3's "only one is present" rule (duration >= 24h).
	long := model.UsageWindow{
		Kind:        model.UsageWindowLong,
		PercentLeft: usagegate.ClampPercent(100 - payload.PremiumRequests.UsedPercent),
		ResetAt:     unixOrFallback(payload.PremiumRequests.ResetsAt, now.Add(30*24*time.Hour)),
	}
	return usagegate.Windows{Long: &long}, nil
}

func (c *Copilot) BuildInvocation(task string, resumeSessionID string) Invocation {
	args := []string{"suggest", "--no-color"}
	if resumeSessionID != "" {
		args = append(args, "--resume", resumeSessionID)
	}
	return Invocation{Command: "copilot", Args: args, Stdin: task}
}
