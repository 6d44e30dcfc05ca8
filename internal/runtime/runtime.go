// Package runtime is the §4.5 Execution Runtime: it spawns an engine's CLI
// as a child process, captures its combined output to a timestamped log
// file, and classifies the outcome.
package runtime

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/metyatech/agent-runner/internal/engine"
	"github.com/metyatech/agent-runner/internal/model"
)

// FailureKind is the §4.5/§7 failure taxonomy.
type FailureKind string

const (
	FailureNone           FailureKind = ""
	FailureQuota          FailureKind = "quota"
	FailureNeedsUserReply FailureKind = "needs_user_reply"
	FailureExecutionError FailureKind = "execution_error"
)

// Stage further qualifies FailureExecutionError per §4.2/§7.
type Stage string

const (
	StageNone          Stage = ""
	StageAfterSession  Stage = "after_session"
	StageBeforeSession Stage = "before_session"
)

// RunResult is the outcome of runIssue.
type RunResult struct {
	Failure   FailureKind
	Stage     Stage
	SessionID string
	Summary   string
	LogPath   string
	ExitCode  int
}

// IdleResult is the outcome of runIdleTask. Idle runs have no issue session
// to resume, so they carry only the bits the idle planner and reports
// writer need.
type IdleResult struct {
	Failure  FailureKind
	Summary  string
	LogPath  string
	ExitCode int
}

// Runner spawns engine child processes and captures their output.
type Runner struct {
	LogDir string

	// execCommandContext is overridden in tests to avoid spawning a real
	// process.
	execCommandContext func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewRunner builds a Runner that writes logs under logDir.
func NewRunner(logDir string) *Runner {
	return &Runner{LogDir: logDir, execCommandContext: exec.CommandContext}
}

func (r *Runner) commandContext(ctx context.Context, name string, args ...string) *exec.Cmd {
	if r.execCommandContext != nil {
		return r.execCommandContext(ctx, name, args...)
	}
	return exec.CommandContext(ctx, name, args...)
}

// RunIssue spawns eng against issue, optionally resuming resumeSessionID,
// inside workDir. resumePrompt, if set, replaces the issue body/title as the
// text piped to the engine's stdin (used when resuming after a crash with a
// short "continue" instruction instead of the full original task).
func (r *Runner) RunIssue(ctx context.Context, eng engine.Engine, issue model.Issue, workDir string, resumeSessionID string, resumePrompt string) (RunResult, error) {
	task := resumePrompt
	if task == "" {
		task = issue.Title + "\n\n" + issue.Body
	}
	inv := eng.BuildInvocation(task, resumeSessionID)

	logPath := r.logPath(issue.Repo, "issue-"+strconv.Itoa(issue.Number))
	combined, exitCode, runErr := r.spawn(ctx, inv, workDir, logPath)
	if runErr != nil && combined == "" {
		return RunResult{Failure: FailureExecutionError, Stage: StageBeforeSession, LogPath: logPath}, runErr
	}

	sessionID := extractSessionID(combined)
	summary := extractSummary(combined)
	status := extractStatus(combined)

	result := RunResult{SessionID: sessionID, Summary: summary, LogPath: logPath, ExitCode: exitCode}

	switch {
	case status == FailureQuota:
		result.Failure = FailureQuota
	case status == FailureNeedsUserReply:
		result.Failure = FailureNeedsUserReply
	case exitCode == 0 && runErr == nil:
		result.Failure = FailureNone
	default:
		result.Failure = FailureExecutionError
		if sessionID != "" {
			result.Stage = StageAfterSession
		} else {
			result.Stage = StageBeforeSession
		}
	}
	return result, nil
}

// RunIdleTask spawns eng against a self-directed idle task, with no session
// to resume and no issue to report back to.
func (r *Runner) RunIdleTask(ctx context.Context, eng engine.Engine, repo model.RepoRef, task string, workDir string) (IdleResult, error) {
	inv := eng.BuildInvocation(task, "")
	logPath := r.logPath(repo, "idle")

	combined, exitCode, runErr := r.spawn(ctx, inv, workDir, logPath)
	if runErr != nil && combined == "" {
		return IdleResult{Failure: FailureExecutionError, LogPath: logPath}, runErr
	}

	summary := extractSummary(combined)
	status := extractStatus(combined)

	result := IdleResult{Summary: summary, LogPath: logPath, ExitCode: exitCode}
	switch {
	case status == FailureQuota:
		result.Failure = FailureQuota
	case exitCode == 0 && runErr == nil:
		result.Failure = FailureNone
	default:
		result.Failure = FailureExecutionError
	}
	return result, nil
}

// spawn runs inv.Command, streaming combined stdout+stderr to a log file at
// logPath while also buffering it in memory for summary/session extraction.
// It returns the buffered log content, the process exit code (0 if it never
// started), and a non-nil error only when starting or waiting on the
// process itself failed (as opposed to the process exiting non-zero, which
// is reported via exitCode and left to the caller to classify).
func (r *Runner) spawn(ctx context.Context, inv engine.Invocation, workDir string, logPath string) (string, int, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return "", 0, errors.Wrap(err, "failed to create log directory")
	}
	logFile, err := os.Create(logPath)
	if err != nil {
		return "", 0, errors.Wrapf(err, "failed to create log file %q", logPath)
	}
	defer logFile.Close()

	var buf strings.Builder
	writer := io.MultiWriter(logFile, &buf)

	cmd := r.commandContext(ctx, inv.Command, inv.Args...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), inv.Env...)
	cmd.Stdout = writer
	cmd.Stderr = writer
	if inv.Stdin != "" {
		cmd.Stdin = strings.NewReader(inv.Stdin)
	}

	if err := cmd.Start(); err != nil {
		return buf.String(), 0, errors.Wrapf(err, "failed to start %s", inv.Command)
	}
	err = cmd.Wait()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			return buf.String(), exitCode, nil
		}
		return buf.String(), 0, errors.Wrapf(err, "failed waiting on %s", inv.Command)
	}
	return buf.String(), 0, nil
}

// logPath builds the §6 persisted-state-layout path:
// logs/<repo>-[issue-N|idle]-<epoch>.log.
func (r *Runner) logPath(repo model.RepoRef, suffix string) string {
	repoSlug := repo.Owner + "--" + repo.Name
	name := repoSlug + "-" + suffix + "-" + strconv.FormatInt(time.Now().Unix(), 10) + ".log"
	return filepath.Join(r.LogDir, name)
}

// summaryStart/End and the protocol marker lines mirror §6's "Log block
// protocol": the engine is expected to emit a trailing block delimited by
// literal AGENT_RUNNER_SUMMARY_START/END, with two optional marker lines
// inside it (AGENT_RUNNER_SESSION: <id> and AGENT_RUNNER_STATUS: <kind>)
// carrying the session id and an explicit status the exit code alone can't
// convey (quota vs. needs_user_reply both often exit non-zero the same way
// a crash does).
const (
	summaryStartMarker = "AGENT_RUNNER_SUMMARY_START"
	summaryEndMarker   = "AGENT_RUNNER_SUMMARY_END"
	sessionMarker      = "AGENT_RUNNER_SESSION:"
	statusMarker       = "AGENT_RUNNER_STATUS:"
)

// lastSummaryBlock returns the contents of the last SUMMARY_START…END block
// in log, or "" if none is present.
func lastSummaryBlock(log string) string {
	lines := strings.Split(log, "\n")
	start := -1
	end := -1
	for i, line := range lines {
		switch {
		case strings.Contains(line, summaryStartMarker):
			start = i
			end = -1
		case strings.Contains(line, summaryEndMarker) && start != -1:
			end = i
		}
	}
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	return strings.Join(lines[start+1:end], "\n")
}

func extractSummary(log string) string {
	return strings.TrimSpace(lastSummaryBlock(log))
}

func extractSessionID(log string) string {
	block := lastSummaryBlock(log)
	if block == "" {
		block = log
	}
	scanner := bufio.NewScanner(strings.NewReader(block))
	var last string
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.Index(line, sessionMarker); idx != -1 {
			last = strings.TrimSpace(line[idx+len(sessionMarker):])
		}
	}
	return last
}

func extractStatus(log string) FailureKind {
	block := lastSummaryBlock(log)
	if block == "" {
		return FailureNone
	}
	scanner := bufio.NewScanner(strings.NewReader(block))
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.Index(line, statusMarker)
		if idx == -1 {
			continue
		}
		switch strings.TrimSpace(line[idx+len(statusMarker):]) {
		case "quota":
			return FailureQuota
		case "needs_user_reply":
			return FailureNeedsUserReply
		}
	}
	return FailureNone
}
