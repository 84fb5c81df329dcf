package git

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Retry constants for transient git errors.
const (
	retryInitialDelay = 200 * time.Millisecond
	retryMaxAttempts  = 6
	retryMultiplier   = 2
)

// transientPatterns are error substrings that indicate a retryable git failure.
var transientPatterns = []string{
	"index file open failed",
	"index.lock",
	"cannot lock ref",
	"could not lock config file",
	"unable to create temporary file",
}

// isTransient returns true if the error message matches a known transient git failure.
func isTransient(errMsg string) bool {
	for _, p := range transientPatterns {
		if strings.Contains(errMsg, p) {
			return true
		}
	}
	return false
}

// processLock serializes every git invocation in this process. Worktrees
// share the main repository's object store, so even worktree-local commands
// go through it.
var processLock sync.Mutex

// Repo wraps git operations for a repository or worktree checkout.
type Repo struct {
	Dir string
}

// NewRepo creates a Repo for the given directory.
func NewRepo(dir string) *Repo {
	return &Repo{Dir: dir}
}

// sleepFunc is the function used for sleeping between retries.
// Replaced in tests to avoid real delays.
var sleepFunc = time.Sleep

// Run executes a git command in the repo directory while holding the
// process-wide git lock. Transient errors (index locks, ref locks) are
// retried with exponential backoff. The combined output is returned trimmed;
// on failure it is returned alongside the error so callers can classify
// conflicts.
func (r *Repo) Run(args ...string) (string, error) {
	return r.RunTimeout(0, args...)
}

// RunTimeout is Run with a per-invocation timeout; zero means no timeout.
func (r *Repo) RunTimeout(timeout time.Duration, args ...string) (string, error) {
	processLock.Lock()
	defer processLock.Unlock()
	return r.runLocked(timeout, args...)
}

func (r *Repo) runLocked(timeout time.Duration, args ...string) (string, error) {
	delay := retryInitialDelay
	for attempt := 0; attempt < retryMaxAttempts; attempt++ {
		ctx := context.Background()
		cancel := context.CancelFunc(func() {})
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, timeout)
		}
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = r.Dir
		out, err := cmd.CombinedOutput()
		timedOut := ctx.Err() != nil
		cancel()
		if err == nil {
			return strings.TrimSpace(string(out)), nil
		}
		errMsg := strings.TrimSpace(string(out))
		if timedOut {
			return errMsg, fmt.Errorf("git %s: timed out after %s", strings.Join(args, " "), timeout)
		}
		if !isTransient(errMsg) || attempt == retryMaxAttempts-1 {
			return errMsg, fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), errMsg, err)
		}
		sleepFunc(delay)
		delay *= retryMultiplier
	}
	// unreachable — loop always returns
	return "", nil
}

// HeadCommit returns the commit hash for a ref.
func (r *Repo) HeadCommit(ref string) (string, error) {
	return r.Run("rev-parse", ref)
}

// CurrentBranch returns the checked-out branch name.
func (r *Repo) CurrentBranch() (string, error) {
	return r.Run("rev-parse", "--abbrev-ref", "HEAD")
}

// BranchExists checks if a branch exists.
func (r *Repo) BranchExists(branch string) bool {
	_, err := r.Run("rev-parse", "--verify", branch)
	return err == nil
}

// CreateBranch creates a new branch from a starting point.
func (r *Repo) CreateBranch(name, from string) error {
	_, err := r.Run("branch", name, from)
	return err
}

// DeleteBranch force-deletes a local branch.
func (r *Repo) DeleteBranch(name string) error {
	_, err := r.Run("branch", "-D", name)
	return err
}

// AddWorktree creates a worktree at path on a new branch from a start point.
func (r *Repo) AddWorktree(path, branch, from string) error {
	_, err := r.Run("worktree", "add", "-b", branch, path, from)
	return err
}

// RemoveWorktree force-removes a worktree registration and its directory.
func (r *Repo) RemoveWorktree(path string) error {
	_, err := r.Run("worktree", "remove", "--force", path)
	return err
}

// PruneWorktrees drops stale worktree registrations.
func (r *Repo) PruneWorktrees() {
	_, _ = r.Run("worktree", "prune")
}

// StatusPorcelain returns the porcelain status lines, one per entry.
func (r *Repo) StatusPorcelain() ([]string, error) {
	out, err := r.Run("status", "--porcelain")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// HasChanges checks if there are any uncommitted changes in the worktree.
func (r *Repo) HasChanges() (bool, error) {
	lines, err := r.StatusPorcelain()
	return len(lines) > 0, err
}

// HasTrackedChanges checks for modifications to tracked files only.
func (r *Repo) HasTrackedChanges() (bool, error) {
	lines, err := r.StatusPorcelain()
	if err != nil {
		return false, err
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "??") {
			return true, nil
		}
	}
	return false, nil
}

// StashPush stashes tracked and untracked changes. Returns false if there
// was nothing to stash.
func (r *Repo) StashPush(message string) (bool, error) {
	out, err := r.Run("stash", "push", "-u", "-m", message)
	if err != nil {
		return false, err
	}
	return !strings.Contains(out, "No local changes to save"), nil
}

// StashPop pops the most recent stash entry. The caller decides how pop
// conflicts are surfaced.
func (r *Repo) StashPop() error {
	_, err := r.Run("stash", "pop")
	return err
}

// PullRebase pulls the mainline with the rebase strategy. The combined
// output is returned even on failure so callers can classify the conflict.
func (r *Repo) PullRebase(remote, branch string) (string, error) {
	return r.Run("pull", "--rebase", remote, branch)
}

// PullMerge pulls the mainline with the merge strategy.
func (r *Repo) PullMerge(remote, branch string) (string, error) {
	return r.Run("pull", "--no-rebase", remote, branch)
}

// MergeNoFF merges a branch with a merge commit, never fast-forward.
func (r *Repo) MergeNoFF(branch, message string) (string, error) {
	return r.Run("merge", "--no-ff", "-m", message, branch)
}

// AbortMerge aborts an in-progress merge, ignoring errors.
func (r *Repo) AbortMerge() {
	_, _ = r.Run("merge", "--abort") // ignore error — fails if no merge in progress
}

// AbortRebase aborts an in-progress rebase, ignoring errors.
func (r *Repo) AbortRebase() {
	_, _ = r.Run("rebase", "--abort") // ignore error — fails if no rebase in progress
}

// Rebase rebases the current branch onto target. On conflict the rebase is
// aborted and the error returned; the checkout is left clean.
func (r *Repo) Rebase(target string) error {
	r.AbortRebase() // clear any stale in-progress rebase first
	out, err := r.Run("rebase", target)
	if err != nil {
		r.AbortRebase()
		return fmt.Errorf("rebase onto %s: %s: %w", target, out, err)
	}
	return nil
}

// DiffNameOnly returns the files changed between base and HEAD.
func (r *Repo) DiffNameOnly(base string) ([]string, error) {
	out, err := r.Run("diff", "--name-only", base+"...HEAD")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// AddPaths stages specific paths, recording deletions too.
func (r *Repo) AddPaths(paths ...string) error {
	args := append([]string{"add", "-A", "--"}, paths...)
	_, err := r.Run(args...)
	return err
}

// StageAll stages all changes (including untracked files) in the worktree.
func (r *Repo) StageAll() error {
	_, err := r.Run("add", "-A")
	return err
}

// Commit creates a commit with the given message. Uses --no-verify since
// commits happen after the agent has exited — no agent is around to fix
// hook failures.
func (r *Repo) Commit(message string) error {
	_, err := r.Run("commit", "--no-verify", "-m", message)
	return err
}

// CheckoutPaths restores specific paths from HEAD, discarding local edits.
func (r *Repo) CheckoutPaths(paths ...string) error {
	args := append([]string{"checkout", "--"}, paths...)
	_, err := r.Run(args...)
	return err
}

// CommitsTouching returns commit hashes in a range that touched any of the
// given paths.
func (r *Repo) CommitsTouching(rangeSpec string, paths []string) ([]string, error) {
	args := []string{"log", "--pretty=%H", "--name-only", rangeSpec, "--"}
	args = append(args, paths...)
	out, err := r.Run(args...)
	if err != nil {
		return nil, err
	}
	var hashes []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if len(line) == 40 && !strings.ContainsAny(line, " \t/.") {
			hashes = append(hashes, line)
		}
	}
	return hashes, nil
}

// HasRemote reports whether the repository has the named remote configured.
func (r *Repo) HasRemote(name string) bool {
	out, err := r.Run("remote")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == name {
			return true
		}
	}
	return false
}

// EnsureIdentity sets user.name and user.email in the repo's local config
// if they are not already resolvable (e.g. via global config or environment).
// This prevents "Author identity unknown" errors in CI environments.
func (r *Repo) EnsureIdentity() {
	if _, err := r.Run("config", "user.name"); err != nil {
		_, _ = r.Run("config", "user.name", "ll")
	}
	if _, err := r.Run("config", "user.email"); err != nil {
		_, _ = r.Run("config", "user.email", "ll@localhost")
	}
}
