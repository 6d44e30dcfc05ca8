package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/model"
	"github.com/metyatech/agent-runner/internal/usagegate"
)

// codexUsageEntry is one rate-limit line Codex appends to its local
// session JSONL transcripts.
type codexUsageEntry struct {
	Type      string  `json:"type"`
	Timestamp string  `json:"timestamp"`
	ShortPct  float64 `json:"short_window_used_percent"`
	ShortReset int64  `json:"short_window_reset_unix"`
	LongPct   float64 `json:"long_window_used_percent"`
	LongReset int64   `json:"long_window_reset_unix"`
}

// Codex is the §4.3 adapter for the Codex CLI: it prefers reading
// rate-limit entries from local session JSONL files (last 7 days),
// falling back to the `/wham/usage` backend authenticated with a locally
// persisted OAuth token.
type Codex struct {
	SessionsDir string // e.g. ~/.codex/sessions
	TokenPath   string // e.g. ~/.codex/auth.json
	BackendURL  string // defaults to https://chatgpt.com/backend-api/wham/usage
	HTTPClient  *http.Client
}

func (c *Codex) Kind() config.EngineKind { return config.EngineCodex }

func (c *Codex) Usage(ctx context.Context) (usagegate.Windows, error) {
	if w, ok := c.fromLocalSessions(); ok {
		return w, nil
	}
	return c.fromBackend(ctx)
}

// fromLocalSessions scans JSONL session transcripts from the last 7 days
// for the most recent rate-limit entry.
func (c *Codex) fromLocalSessions() (usagegate.Windows, bool) {
	if c.SessionsDir == "" {
		return usagegate.Windows{}, false
	}
	cutoff := time.Now().Add(-7 * 24 * time.Hour)

	var files []string
	_ = filepath.Walk(c.SessionsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".jsonl") && info.ModTime().After(cutoff) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)

	var latest *codexUsageEntry
	var latestTime time.Time
	for _, f := range files {
		entries, err := readCodexEntries(f)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.Type != "token_count" && e.Type != "rate_limits" {
				continue
			}
			ts, err := time.Parse(time.RFC3339, e.Timestamp)
			if err != nil {
				continue
			}
			if latest == nil || ts.After(latestTime) {
				entry := e
				latest = &entry
				latestTime = ts
			}
		}
	}
	if latest == nil {
		return usagegate.Windows{}, false
	}

	now := time.Now()
	short := model.UsageWindow{
		Kind:        model.UsageWindowShort,
		PercentLeft: usagegate.ClampPercent(100 - latest.ShortPct),
		ResetAt:     unixOrFallback(latest.ShortReset, now.Add(5*time.Hour)),
	}
	long := model.UsageWindow{
		Kind:        model.UsageWindowLong,
		PercentLeft: usagegate.ClampPercent(100 - latest.LongPct),
		ResetAt:     unixOrFallback(latest.LongReset, now.Add(7*24*time.Hour)),
	}
	return usagegate.Windows{Short: &short, Long: &long}, true
}

func readCodexEntries(path string) ([]codexUsageEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []codexUsageEntry
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var e codexUsageEntry
		if err := json.Unmarshal([]byte(line), &e); err == nil {
			out = append(out, e)
		}
	}
	return out, nil
}

// codexBackendPayload is the shape of a `/wham/usage` response.
type codexBackendPayload struct {
	ShortWindow struct {
		UsedPercent float64 `json:"used_percent"`
		ResetsAt    int64   `json:"resets_at_unix"`
	} `json:"short_window"`
	LongWindow struct {
		UsedPercent float64 `json:"used_percent"`
		ResetsAt    int64   `json:"resets_at_unix"`
	} `json:"long_window"`
}

func (c *Codex) fromBackend(ctx context.Context) (usagegate.Windows, error) {
	token, err := c.readOAuthToken()
	if err != nil {
		return usagegate.Windows{}, errors.Wrap(err, "failed to read codex oauth token")
	}

	url := c.BackendURL
	if url == "" {
		url = "https://chatgpt.com/backend-api/wham/usage"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return usagegate.Windows{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return usagegate.Windows{}, errors.Wrap(err, "codex usage request failed")
	}
	defer resp.Body.Close()

	var payload codexBackendPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return usagegate.Windows{}, errors.Wrap(err, "failed to decode codex usage payload")
	}

	now := time.Now()
	short := model.UsageWindow{
		Kind:        model.UsageWindowShort,
		PercentLeft: usagegate.ClampPercent(100 - payload.ShortWindow.UsedPercent),
		ResetAt:     unixOrFallback(payload.ShortWindow.ResetsAt, now.Add(5*time.Hour)),
	}
	long := model.UsageWindow{
		Kind:        model.UsageWindowLong,
		PercentLeft: usagegate.ClampPercent(100 - payload.LongWindow.UsedPercent),
		ResetAt:     unixOrFallback(payload.LongWindow.ResetsAt, now.Add(7*24*time.Hour)),
	}
	return usagegate.Windows{Short: &short, Long: &long}, nil
}

// readOAuthToken loads the locally persisted Codex OAuth token as-is. The
// Codex CLI owns the refresh flow; an expired token here simply fails the
// backend query and the engine is skipped for the cycle (§4.3 failure
// semantics).
func (c *Codex) readOAuthToken() (*oauth2.Token, error) {
	data, err := os.ReadFile(c.TokenPath)
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

func (c *Codex) BuildInvocation(task string, resumeSessionID string) Invocation {
	args := []string{"exec", "--json"}
	if resumeSessionID != "" {
		args = append(args, "resume", resumeSessionID)
	}
	return Invocation{Command: "codex", Args: args, Stdin: task}
}

func unixOrFallback(unix int64, fallback time.Time) time.Time {
	if unix <= 0 {
		return fallback
	}
	return time.Unix(unix, 0).UTC()
}
