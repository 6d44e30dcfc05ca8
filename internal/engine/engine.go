// Package engine implements the "Engine capability" from spec §9: a small
// interface that replaces per-engine if-ladders with a uniform
// usage()/buildInvocation() pair, plus one adapter per supported CLI
// (Codex, Copilot, GeminiPro, GeminiFlash, AmazonQ, Claude).
package engine

import (
	"context"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/usagegate"
)

// Invocation is the explicit {command, args, env, stdin} a runtime spawns,
// never a shell string, so untrusted issue titles/tasks can't be
// reinterpreted by a shell (§9 "Process spawning").
type Invocation struct {
	Command string
	Args    []string
	Env     []string
	Stdin   string
}

// Engine is the per-CLI capability every adapter implements.
type Engine interface {
	// Kind identifies the engine family for logging and service-limiter
	// routing.
	Kind() config.EngineKind

	// Usage fetches and normalizes the engine's current quota windows.
	Usage(ctx context.Context) (usagegate.Windows, error)

	// BuildInvocation constructs the child-process invocation for a task.
	// When resumeSessionID is non-empty, the invocation resumes that prior
	// session instead of starting fresh (§4.5 "Session resumption").
	BuildInvocation(task string, resumeSessionID string) Invocation
}
