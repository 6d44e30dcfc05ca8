package runtime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/engine"
	"github.com/metyatech/agent-runner/internal/model"
	"github.com/metyatech/agent-runner/internal/usagegate"
)

// fakeEngine runs this test binary itself in a special helper-process mode
// (the standard trick for faking exec.Cmd in Go without a real external
// binary); the actual script selection happens via execCommandContext, so
// BuildInvocation's return value only needs to name a harmless command.
type fakeEngine struct{}

func (f *fakeEngine) Kind() config.EngineKind { return config.EngineCodex }

func (f *fakeEngine) Usage(ctx context.Context) (usagegate.Windows, error) {
	return usagegate.Windows{}, nil
}

func (f *fakeEngine) BuildInvocation(task string, resumeSessionID string) engine.Invocation {
	return engine.Invocation{Command: "true"}
}

func helperCommandContext(script string) func(ctx context.Context, name string, args ...string) *exec.Cmd {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		cs := []string{"-test.run=TestHelperProcess", "--", script}
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")
		return cmd
	}
}

// TestHelperProcess isn't a real test; it's the subprocess body invoked by
// helperCommandContext to print fixed output and exit with a fixed code.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	var script string
	for i, a := range args {
		if a == "--" && i+1 < len(args) {
			script = args[i+1]
			break
		}
	}
	switch script {
	case "success":
		fmt.Print("working...\n")
		fmt.Print("AGENT_RUNNER_SUMMARY_START\n")
		fmt.Print("AGENT_RUNNER_SESSION: sess-123\n")
		fmt.Print("All done.\n")
		fmt.Print("AGENT_RUNNER_SUMMARY_END\n")
		os.Exit(0)
	case "quota":
		fmt.Print("AGENT_RUNNER_SUMMARY_START\n")
		fmt.Print("AGENT_RUNNER_STATUS: quota\n")
		fmt.Print("Out of quota, resume at 11:00Z\n")
		fmt.Print("AGENT_RUNNER_SUMMARY_END\n")
		os.Exit(1)
	case "crash_after_session":
		fmt.Print("AGENT_RUNNER_SUMMARY_START\n")
		fmt.Print("AGENT_RUNNER_SESSION: sess-456\n")
		fmt.Print("AGENT_RUNNER_SUMMARY_END\n")
		os.Exit(1)
	case "crash_before_session":
		fmt.Print("no session established\n")
		os.Exit(1)
	}
	os.Exit(0)
}

func newRunner(t *testing.T, script string) *Runner {
	t.Helper()
	r := NewRunner(t.TempDir())
	r.execCommandContext = helperCommandContext(script)
	return r
}

func TestRunIssueSuccessExtractsSessionAndSummary(t *testing.T) {
	r := newRunner(t, "success")
	issue := model.Issue{Number: 42, Repo: model.RepoRef{Owner: "metyatech", Name: "demo"}, Title: "fix it", Body: "please"}

	result, err := r.RunIssue(context.Background(), &fakeEngine{}, issue, t.TempDir(), "", "")
	require.NoError(t, err)
	assert.Equal(t, FailureNone, result.Failure)
	assert.Equal(t, "sess-123", result.SessionID)
	assert.Contains(t, result.Summary, "All done.")
	_, statErr := os.Stat(result.LogPath)
	assert.NoError(t, statErr)
	assert.True(t, filepath.IsAbs(result.LogPath) || result.LogPath != "")
}

func TestRunIssueQuotaClassification(t *testing.T) {
	r := newRunner(t, "quota")
	issue := model.Issue{Number: 1, Repo: model.RepoRef{Owner: "metyatech", Name: "demo"}}

	result, err := r.RunIssue(context.Background(), &fakeEngine{}, issue, t.TempDir(), "", "")
	require.NoError(t, err)
	assert.Equal(t, FailureQuota, result.Failure)
}

func TestRunIssueExecutionErrorAfterSession(t *testing.T) {
	r := newRunner(t, "crash_after_session")
	issue := model.Issue{Number: 1, Repo: model.RepoRef{Owner: "metyatech", Name: "demo"}}

	result, err := r.RunIssue(context.Background(), &fakeEngine{}, issue, t.TempDir(), "", "")
	require.NoError(t, err)
	assert.Equal(t, FailureExecutionError, result.Failure)
	assert.Equal(t, StageAfterSession, result.Stage)
	assert.Equal(t, "sess-456", result.SessionID)
}

func TestRunIssueExecutionErrorBeforeSession(t *testing.T) {
	r := newRunner(t, "crash_before_session")
	issue := model.Issue{Number: 1, Repo: model.RepoRef{Owner: "metyatech", Name: "demo"}}

	result, err := r.RunIssue(context.Background(), &fakeEngine{}, issue, t.TempDir(), "", "")
	require.NoError(t, err)
	assert.Equal(t, FailureExecutionError, result.Failure)
	assert.Equal(t, StageBeforeSession, result.Stage)
	assert.Empty(t, result.SessionID)
}

func TestRunIdleTaskSuccess(t *testing.T) {
	r := newRunner(t, "success")
	repo := model.RepoRef{Owner: "metyatech", Name: "demo"}

	result, err := r.RunIdleTask(context.Background(), &fakeEngine{}, repo, "tidy up", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, FailureNone, result.Failure)
	assert.Contains(t, result.Summary, "All done.")
}
