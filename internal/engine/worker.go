package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/re-cinq/little-loops/internal/config"
	gitops "github.com/re-cinq/little-loops/internal/git"
	"github.com/re-cinq/little-loops/internal/issue"
)

// actionForType maps issue categories to the manage agent's action verb.
func actionForType(issueType string) string {
	switch issueType {
	case "bugs":
		return "fix"
	case "enhancements":
		return "improve"
	default:
		return "implement"
	}
}

// WorkerPool runs per-issue pipelines in isolated worktrees, bounded by the
// configured worker count.
type WorkerPool struct {
	cfg     *config.Config
	repoDir string
	repo    *gitops.Repo
	stages  *StageTracker
	logs    *LogManager

	slots chan struct{}
	group conc.WaitGroup

	// OnDone receives each finished pipeline's result. Runs on the worker
	// goroutine and must be reentrant.
	OnDone func(WorkerResult)
}

// NewWorkerPool creates a pool for the main repository.
func NewWorkerPool(cfg *config.Config, repoDir string, stages *StageTracker, logs *LogManager) *WorkerPool {
	return &WorkerPool{
		cfg:     cfg,
		repoDir: repoDir,
		repo:    gitops.NewRepo(repoDir),
		stages:  stages,
		logs:    logs,
		slots:   make(chan struct{}, cfg.Settings.MaxWorkers),
	}
}

// HasCapacity reports whether a dispatch would start immediately.
func (p *WorkerPool) HasCapacity() bool {
	return len(p.slots) < cap(p.slots)
}

// ActiveCount returns the number of running pipelines.
func (p *WorkerPool) ActiveCount() int {
	return len(p.slots)
}

// Dispatch starts a pipeline for an issue. The per-issue timeout is layered
// on the caller's context, which also carries run-wide cancellation.
func (p *WorkerPool) Dispatch(ctx context.Context, iss *issue.Issue) {
	p.slots <- struct{}{}
	p.stages.Set(iss.ID, StageSetup)
	p.group.Go(func() {
		defer func() { <-p.slots }()
		issueCtx, cancel := context.WithTimeout(ctx, p.cfg.Settings.IssueTimeout.Duration())
		defer cancel()
		result := p.runPipeline(issueCtx, iss)
		p.stages.Set(iss.ID, result.StageAtExit)
		if p.OnDone != nil {
			p.OnDone(result)
		}
	})
}

// Wait blocks until every dispatched pipeline has finished.
func (p *WorkerPool) Wait() {
	p.group.Wait()
}

// pipeline carries the per-run state one worker threads through its stages.
type pipeline struct {
	pool     *WorkerPool
	iss      *issue.Issue
	target   string // what agents are pointed at: issue id, or path after fallback
	worktree *gitops.Repo
	detector *LeakDetector
	agent    *AgentRunner
	result   *WorkerResult
}

// runPipeline executes setup, validate, implement, verify and hands the
// branch off for merging. Every early exit still reports a result so the
// coordinator can clean up the worktree.
func (p *WorkerPool) runPipeline(ctx context.Context, iss *issue.Issue) WorkerResult {
	result := WorkerResult{
		IssueID:     iss.ID,
		Started:     time.Now(),
		StageAtExit: StageFailed,
	}
	defer func() { result.Finished = time.Now() }()

	logFile, err := p.logs.getLogFile(iss.ID)
	if err != nil {
		result.StderrDigest = err.Error()
		return result
	}
	fmt.Fprintf(logFile, "--- %s pipeline started at %s ---\n", iss.ID, time.Now().UTC().Format(time.RFC3339))

	run := &pipeline{
		pool:   p,
		iss:    iss,
		target: iss.ID,
		agent:  &AgentRunner{Cfg: p.cfg, Log: logFile},
		result: &result,
	}

	stages := []struct {
		name string
		fn   func(context.Context) error
	}{
		{StageSetup, run.setup},
		{StageValidating, run.validate},
		{StageImplementing, run.implement},
		{StageVerifying, run.verify},
	}
	for _, stage := range stages {
		p.stages.Set(iss.ID, stage.name)
		err := stage.fn(ctx)
		run.sweepLeaks()
		if err != nil {
			if ctx.Err() != nil {
				result.Interrupted = true
				result.StageAtExit = StageInterrupted
			}
			result.StderrDigest = err.Error()
			fmt.Fprintf(logFile, "--- %s failed at %s: %s ---\n", iss.ID, stage.name, err)
			return result
		}
	}

	p.stages.Set(iss.ID, StageMerging)
	result.Success = true
	result.StageAtExit = StageMerging
	return result
}

// setup creates the worker's branch and worktree from the mainline head and
// seeds the agent-facing configuration. Records the main repository's
// current status as the leak baseline.
func (w *pipeline) setup(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	pool := w.pool

	detector, err := NewLeakDetector(pool.repo)
	if err != nil {
		return fmt.Errorf("recording status baseline: %w", err)
	}
	w.detector = detector

	branch := gitops.WorkerBranch(w.iss.ID, time.Now())
	wtPath := gitops.WorktreePath(pool.repoDir, branch)
	if err := os.MkdirAll(filepath.Dir(wtPath), 0755); err != nil {
		return fmt.Errorf("creating worktree directory: %w", err)
	}
	if err := pool.repo.AddWorktree(wtPath, branch, pool.cfg.Settings.Mainline); err != nil {
		return fmt.Errorf("creating worktree: %w", err)
	}
	w.result.BranchName = branch
	w.result.WorktreePath = wtPath
	w.worktree = gitops.NewRepo(wtPath)
	w.worktree.EnsureIdentity()

	if err := copyClaudeDir(pool.repoDir, wtPath); err != nil {
		return fmt.Errorf("copying .claude directory: %w", err)
	}
	if pool.cfg.Permissions != nil {
		if err := writePermissions(wtPath, pool.cfg.Permissions); err != nil {
			return fmt.Errorf("writing permissions: %w", err)
		}
	}
	return nil
}

// validate runs the ready agent. A filename mismatch gets one retry with
// the explicit relative path; after a fallback success, later agent calls
// use the path instead of the abstract id.
func (w *pipeline) validate(ctx context.Context) error {
	timeout := w.pool.cfg.Settings.ActionTimeout.Duration()
	out, err := w.agent.InvokeReady(ctx, w.result.WorktreePath, w.iss.ID, timeout)
	if err != nil {
		return fmt.Errorf("ready agent: %w", err)
	}
	w.result.Corrections = append(w.result.Corrections, out.Corrections...)

	relPath := w.relIssuePath()
	if out.ValidatedFile != "" && !samePath(out.ValidatedFile, relPath) {
		// Validator agreed on the wrong file. Retry once with the explicit
		// relative path; after a fallback success the path, not the
		// abstract id, is what later agent calls receive.
		out, err = w.agent.InvokeReady(ctx, w.result.WorktreePath, relPath, timeout)
		if err != nil {
			return fmt.Errorf("ready agent fallback: %w", err)
		}
		w.result.Corrections = append(w.result.Corrections, out.Corrections...)
		if out.Verdict != VerdictReady {
			return fmt.Errorf("issue not ready after fallback validation: %s", out.Verdict)
		}
		w.result.ValidatedViaFallback = true
		w.target = relPath
		return nil
	}

	switch out.Verdict {
	case VerdictReady:
		return nil
	case VerdictNotReady:
		return fmt.Errorf("issue not ready")
	default:
		return fmt.Errorf("ready agent returned unexpected verdict %q", out.Verdict)
	}
}

// implement runs the manage agent with the resolved target and the action
// derived from the issue category.
func (w *pipeline) implement(ctx context.Context) error {
	timeout := w.pool.cfg.Settings.ActionTimeout.Duration()
	out, err := w.agent.InvokeManage(ctx, w.result.WorktreePath, w.target, actionForType(w.iss.Type), timeout)
	if err != nil {
		return fmt.Errorf("manage agent: %w", err)
	}
	w.result.Corrections = append(w.result.Corrections, out.Corrections...)
	if out.Verdict == VerdictFailed {
		return fmt.Errorf("manage agent reported failure")
	}
	return nil
}

// verify commits the worktree changes, requires a non-empty diff, runs the
// configured gates, and rebases onto the mainline if it moved during
// processing.
func (w *pipeline) verify(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	changed, err := w.worktree.HasChanges()
	if err != nil {
		return fmt.Errorf("checking worktree status: %w", err)
	}
	if changed {
		if err := w.worktree.StageAll(); err != nil {
			return fmt.Errorf("staging changes: %w", err)
		}
		msg := fmt.Sprintf("[%s] %s\n\nProcessed-By: ll", w.iss.ID, w.iss.Title)
		if err := w.worktree.Commit(msg); err != nil {
			return fmt.Errorf("committing changes: %w", err)
		}
	}

	files, err := w.worktree.DiffNameOnly(w.pool.cfg.Settings.Mainline)
	if err != nil {
		return fmt.Errorf("diffing against mainline: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no changes produced")
	}
	w.result.ChangedFiles = files

	for _, gate := range w.pool.cfg.Gates {
		if err := w.runGate(ctx, gate); err != nil {
			return err
		}
	}

	// Rebase onto the mainline if it moved while the agent worked.
	return w.worktree.Rebase(w.pool.cfg.Settings.Mainline)
}

// runGate executes one verification gate in the worktree.
func (w *pipeline) runGate(ctx context.Context, gate config.Gate) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", gate.Run)
	cmd.Dir = w.result.WorktreePath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("gate %s failed: %s", gate.Name, firstLine(strings.TrimSpace(string(out))))
	}
	return nil
}

// sweepLeaks runs leak detection against the main repository after a stage:
// new paths attributable to this worker are removed; paths carrying another
// worker's id are ignored entirely.
func (w *pipeline) sweepLeaks() {
	if w.detector == nil {
		return
	}
	leaks, err := w.detector.NewPaths()
	if err != nil || len(leaks) == 0 {
		return
	}
	mine := AttributeLeaks(leaks, w.iss.ID)
	if len(mine) == 0 {
		return
	}
	for _, leak := range mine {
		fmt.Fprintf(os.Stderr, "worker %s: cleaning leaked path %s\n", w.iss.ID, leak.Path)
	}
	w.detector.CleanLeaks(mine)
}

// relIssuePath returns the issue path relative to the repository root.
func (w *pipeline) relIssuePath() string {
	if rel, err := filepath.Rel(w.pool.repoDir, w.iss.Path); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return w.iss.Path
}

// samePath compares two issue paths ignoring leading ./ and absolute
// prefixes.
func samePath(a, b string) bool {
	clean := func(p string) string {
		p = filepath.Clean(p)
		if i := strings.Index(p, ".issues/"); i >= 0 {
			return p[i:]
		}
		return p
	}
	return clean(a) == clean(b)
}
