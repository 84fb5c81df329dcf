package git

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// BranchPrefix is the namespace for worker branches.
const BranchPrefix = "llp/"

// WorkerBranch builds the branch name for an issue's worker:
// llp/<issue-id>-<timestamp>. The timestamp keeps retries on fresh branches.
func WorkerBranch(issueID string, now time.Time) string {
	return fmt.Sprintf("%s%s-%s", BranchPrefix, issueID, now.UTC().Format("20060102-150405"))
}

// WorktreePath returns the directory a worker branch checks out into,
// under the repository's .ll/worktrees tree.
func WorktreePath(repoDir, branch string) string {
	safe := strings.ReplaceAll(branch, "/", "-")
	return filepath.Join(repoDir, ".ll", "worktrees", safe)
}
