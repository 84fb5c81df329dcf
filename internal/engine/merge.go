package engine

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/re-cinq/little-loops/internal/config"
	gitops "github.com/re-cinq/little-loops/internal/git"
)

// droppingRe matches the "dropping <sha> <subject>" line git prints when a
// rebase hits an already-applied or conflicting commit.
var droppingRe = regexp.MustCompile(`dropping ([0-9a-f]{40})`)

// worktreeRemoveAttempts bounds retries when a file under the worktree is
// momentarily unremovable (editor locks, antivirus).
const worktreeRemoveAttempts = 3

// FailedMerge records one worker branch that could not be integrated.
type FailedMerge struct {
	IssueID string
	Branch  string
	Reason  string
}

// StashPopFailure records a pop conflict after an otherwise successful
// merge, with the recovery hint surfaced in the final report.
type StashPopFailure struct {
	IssueID string
	Hint    string
}

// MergeCoordinator is the single-writer integrator: worker results queue up
// and are merged into the mainline strictly in arrival order. All git
// operations serialize on the process git lock.
type MergeCoordinator struct {
	repo *gitops.Repo
	cfg  *config.Config

	mu                 sync.Mutex
	pending            []WorkerResult
	problematicCommits map[string]bool
	stashPopFailures   []StashPopFailure
	failedMerges       []FailedMerge
	completed          int
	failed             int

	// OnIntegrated is called after each merge attempt with the result and
	// whether the merge landed. Optional.
	OnIntegrated func(result WorkerResult, merged bool)
}

// NewMergeCoordinator creates a coordinator for the main repository.
func NewMergeCoordinator(repo *gitops.Repo, cfg *config.Config) *MergeCoordinator {
	return &MergeCoordinator{
		repo:               repo,
		cfg:                cfg,
		problematicCommits: make(map[string]bool),
	}
}

// Enqueue adds a finished worker result to the merge queue. Called from
// worker goroutines; safe for concurrent use.
func (m *MergeCoordinator) Enqueue(result WorkerResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, result)
}

// PendingCount returns the number of results awaiting integration.
func (m *MergeCoordinator) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// CompletedCount returns the number of merges that landed.
func (m *MergeCoordinator) CompletedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completed
}

// FailedCount returns the number of failed integrations.
func (m *MergeCoordinator) FailedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed
}

// StashPopFailures returns a copy of the recorded pop conflicts.
func (m *MergeCoordinator) StashPopFailures() []StashPopFailure {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StashPopFailure(nil), m.stashPopFailures...)
}

// FailedMerges returns a copy of the recorded merge failures.
func (m *MergeCoordinator) FailedMerges() []FailedMerge {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FailedMerge(nil), m.failedMerges...)
}

// ProcessPending integrates up to max queued results (0 means all),
// strictly in arrival order. Returns the number processed. Called from the
// orchestrator loop only.
func (m *MergeCoordinator) ProcessPending(max int) int {
	processed := 0
	for {
		if max > 0 && processed >= max {
			return processed
		}
		m.mu.Lock()
		if len(m.pending) == 0 {
			m.mu.Unlock()
			return processed
		}
		result := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()

		m.integrate(result)
		processed++
	}
}

// integrate runs the full merge sequence for one worker result. Failed or
// interrupted pipelines skip the merge but still get their worktree removed.
func (m *MergeCoordinator) integrate(result WorkerResult) {
	merged := false
	if result.Success && !result.Interrupted {
		merged = m.mergeBranch(result)
	}

	// The worktree must go before the branch: git refuses to delete a
	// branch that is still checked out somewhere.
	m.removeWorktree(result.WorktreePath)
	if result.BranchName != "" {
		if err := m.repo.DeleteBranch(result.BranchName); err != nil {
			fmt.Fprintf(os.Stderr, "deleting branch %s: %s\n", result.BranchName, err)
		}
	}

	m.mu.Lock()
	if merged {
		m.completed++
	} else {
		m.failed++
	}
	m.mu.Unlock()

	if m.OnIntegrated != nil {
		m.OnIntegrated(result, merged)
	}
}

// mergeBranch performs stash, pull, merge, branch delete and stash pop.
// Returns true when the worker branch landed on the mainline.
func (m *MergeCoordinator) mergeBranch(result WorkerResult) bool {
	// 1. Stash local changes so the pull and merge run on a clean tree.
	// Untracked-only noise (state file, scratch configs) does not trigger
	// a stash; tracked modifications do.
	stashed := false
	if dirty, err := m.repo.HasTrackedChanges(); err == nil && dirty {
		var err error
		stashed, err = m.repo.StashPush("ll-merge " + result.IssueID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "stash before merge of %s failed: %s\n", result.IssueID, err)
			stashed = false
		}
	}

	// 2. Refresh the mainline. Pull failures are classified, never fatal.
	m.pullMainline()

	// 3. Merge the worker branch; a conflict aborts and records the failure.
	msg := fmt.Sprintf("Merge %s (%s)", result.BranchName, result.IssueID)
	merged := true
	if out, err := m.repo.MergeNoFF(result.BranchName, msg); err != nil {
		m.repo.AbortMerge()
		merged = false
		m.mu.Lock()
		m.failedMerges = append(m.failedMerges, FailedMerge{
			IssueID: result.IssueID,
			Branch:  result.BranchName,
			Reason:  firstLine(out),
		})
		m.mu.Unlock()
		fmt.Fprintf(os.Stderr, "merge of %s failed: %s\n", result.BranchName, firstLine(out))
	}

	// 4. Restore local changes. A pop conflict does not demote the merge —
	// it is reported as a warning with a recovery hint.
	if stashed {
		if err := m.repo.StashPop(); err != nil {
			m.mu.Lock()
			m.stashPopFailures = append(m.stashPopFailures, StashPopFailure{
				IssueID: result.IssueID,
				Hint:    "your local changes are preserved in the stash: run `git stash list` then `git stash pop` once the conflict is resolved",
			})
			m.mu.Unlock()
		}
	}

	return merged
}

// pullMainline refreshes the mainline from the remote, adapting to rebase
// conflicts: a newly seen problematic commit aborts the rebase and skips the
// pull; seeing the same commit again switches to the merge strategy. The
// repository is always left with no rebase in progress.
func (m *MergeCoordinator) pullMainline() {
	if !m.repo.HasRemote(m.cfg.Settings.Remote) {
		return // local-only repository, nothing to pull
	}
	out, err := m.repo.PullRebase(m.cfg.Settings.Remote, m.cfg.Settings.Mainline)
	if err == nil {
		return
	}

	if strings.Contains(out, "local changes") {
		// Non-fatal: leftover local state blocks the pull; merge anyway.
		fmt.Fprintln(os.Stderr, "pull skipped: local changes present")
		return
	}

	sha := extractDroppedCommit(out)
	if sha == "" {
		m.repo.AbortRebase()
		fmt.Fprintf(os.Stderr, "pull --rebase failed: %s\n", firstLine(out))
		return
	}

	m.mu.Lock()
	seenBefore := m.problematicCommits[sha]
	m.problematicCommits[sha] = true
	m.mu.Unlock()

	m.repo.AbortRebase()
	if !seenBefore {
		// First sighting: record and continue without pull.
		fmt.Fprintf(os.Stderr, "rebase conflict on %s, continuing without pull\n", sha[:8])
		return
	}

	// Same commit again: the rebase strategy is structurally stuck, fall
	// back to a merge-style pull.
	if _, err := m.repo.PullMerge(m.cfg.Settings.Remote, m.cfg.Settings.Mainline); err != nil {
		m.repo.AbortMerge()
		fmt.Fprintf(os.Stderr, "pull --no-rebase also failed on %s, continuing without pull\n", sha[:8])
	}
}

// extractDroppedCommit pulls the problematic SHA out of a rebase conflict
// message, or returns "".
func extractDroppedCommit(out string) string {
	if m := droppingRe.FindStringSubmatch(out); m != nil {
		return m[1]
	}
	return ""
}

// removeWorktree force-removes a worker's worktree with bounded retries,
// then clears any lingering lock files missing-ok.
func (m *MergeCoordinator) removeWorktree(path string) {
	if path == "" {
		return
	}
	var lastErr error
	for attempt := 0; attempt < worktreeRemoveAttempts; attempt++ {
		if lastErr = m.repo.RemoveWorktree(path); lastErr == nil {
			break
		}
		time.Sleep(time.Duration(attempt+1) * 200 * time.Millisecond)
	}
	if lastErr != nil {
		fmt.Fprintf(os.Stderr, "could not remove worktree %s: %s\n", path, lastErr)
		_ = os.RemoveAll(path)
		m.repo.PruneWorktrees()
	}
	// Never check-then-delete: unlink is missing-ok by construction.
	_ = os.Remove(path + ".lock")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
