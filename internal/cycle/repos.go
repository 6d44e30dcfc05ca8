package cycle

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/model"
)

// ParseRepoRef parses "owner/name" into a RepoRef.
func ParseRepoRef(s string) (model.RepoRef, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return model.RepoRef{}, errors.Errorf("invalid repo reference %q, expected owner/name", s)
	}
	return model.RepoRef{Owner: parts[0], Name: parts[1]}, nil
}

var originURLRegex = regexp.MustCompile(`(?:github\.com[:/])([^/]+)/([^/.]+?)(?:\.git)?$`)

// localWorkspaceRepos discovers repos by scanning workdirRoot for git
// checkouts and reading their origin remote, for repos.mode=local (§4.1
// step 1). The "agent-runner" subdirectory is the manager's own state tree,
// never a repo checkout, and is skipped.
func localWorkspaceRepos(ctx context.Context, workdirRoot string) ([]model.RepoRef, error) {
	entries, err := os.ReadDir(workdirRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to scan workdir root %q", workdirRoot)
	}

	var out []model.RepoRef
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "agent-runner" {
			continue
		}
		dir := filepath.Join(workdirRoot, e.Name())
		if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
			continue
		}
		cmd := exec.CommandContext(ctx, "git", "-C", dir, "remote", "get-url", "origin")
		raw, err := cmd.Output()
		if err != nil {
			continue
		}
		m := originURLRegex.FindStringSubmatch(strings.TrimSpace(string(raw)))
		if m == nil {
			continue
		}
		out = append(out, model.RepoRef{Owner: m[1], Name: m[2]})
	}
	return out, nil
}

// RepoDiscoverer resolves the configured target repo set, with a
// rate-limit fallback to the last successfully discovered list (§4.1
// step 1, §6 "Exit from rate limiting").
type RepoDiscoverer struct {
	GH          repoLister
	WorkdirRoot string

	cached []model.RepoRef
}

type repoLister interface {
	ListRepositoriesForOwner(ctx context.Context, owner string) ([]model.RepoRef, error)
}

// Discover resolves the target repos for cfg.Repos.Mode. On a GitHub
// rate-limit error in "all" mode, it falls back to the cached list from the
// previous successful discovery and reports rateLimited=true.
func (d *RepoDiscoverer) Discover(ctx context.Context, cfg *config.Config) (repos []model.RepoRef, rateLimited bool, err error) {
	switch cfg.Repos.Mode {
	case "list":
		for _, s := range cfg.Repos.Repos {
			r, perr := ParseRepoRef(s)
			if perr != nil {
				return nil, false, perr
			}
			repos = append(repos, r)
		}
		return repos, false, nil

	case "local":
		repos, err = localWorkspaceRepos(ctx, cfg.WorkdirRoot)
		return repos, false, err

	case "all":
		repos, err = d.GH.ListRepositoriesForOwner(ctx, cfg.Owner)
		if err != nil {
			if isRateLimitErr(err) && len(d.cached) > 0 {
				return d.cached, true, nil
			}
			return nil, false, err
		}
		d.cached = repos
		return repos, false, nil

	default:
		return nil, false, errors.Errorf("unknown repos.mode %q", cfg.Repos.Mode)
	}
}

// isRateLimitErr reports whether err looks like a GitHub rate-limit
// response, matching on the go-github error message shape (the library
// doesn't expose a typed RateLimitError for every code path that can
// surface one, e.g. secondary rate limits).
func isRateLimitErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "403")
}
