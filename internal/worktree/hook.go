package worktree

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// prePushHookScript blocks `git push` to refs/heads/main or
// refs/heads/master, the only two refs it inspects; every other ref is
// allowed through untouched (§8 invariant 9).
const prePushHookScript = `#!/bin/sh
while read local_ref local_sha remote_ref remote_sha; do
	case "$remote_ref" in
	refs/heads/main|refs/heads/master)
		echo "agent-runner: refusing to push to protected ref $remote_ref" >&2
		exit 1
		;;
	esac
done
exit 0
`

// InstallPrePushHook writes the protected-branch pre-push hook into a
// repository's hooks directory. Hooks live in the common git directory and
// are shared by every worktree checked out from it, so this is called once
// against the bare git-cache, not per worktree.
func InstallPrePushHook(gitDir string) error {
	hookPath := filepath.Join(gitDir, "hooks", "pre-push")
	if err := os.MkdirAll(filepath.Dir(hookPath), 0o755); err != nil {
		return errors.Wrap(err, "failed to create hooks directory")
	}
	if err := os.WriteFile(hookPath, []byte(prePushHookScript), 0o755); err != nil {
		return errors.Wrap(err, "failed to write pre-push hook")
	}
	return nil
}
