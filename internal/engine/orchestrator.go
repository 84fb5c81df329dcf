package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/re-cinq/little-loops/internal/config"
	"github.com/re-cinq/little-loops/internal/fileutil"
	gitops "github.com/re-cinq/little-loops/internal/git"
	"github.com/re-cinq/little-loops/internal/graph"
	"github.com/re-cinq/little-loops/internal/issue"
	"github.com/re-cinq/little-loops/internal/queue"
)

// Loop cadence.
const (
	tickInterval   = 100 * time.Millisecond
	statusInterval = 5 * time.Second
	mergesPerTick  = 2
)

// Orchestrator owns the dispatch loop: dequeue, dependency check, overlap
// check, dispatch, integrate, report. All run-state mutation funnels
// through it or through the mutex-guarded stores it owns.
type Orchestrator struct {
	cfg     *config.Config
	repoDir string
	repo    *gitops.Repo

	queue       *queue.Queue
	graph       *graph.Graph
	pool        *WorkerPool
	coordinator *MergeCoordinator
	overlap     *OverlapDetector // nil when disabled
	stages      *StageTracker
	store       *StateStore
	logs        *LogManager

	WaveLabel string // optional, shown in status lines
}

// NewOrchestrator wires an orchestrator over a set of issues. Cycles in the
// dependency graph are reported at startup; issues outside any cycle are
// still scheduled.
func NewOrchestrator(cfg *config.Config, repoDir string, issues []*issue.Issue, completed map[string]bool) *Orchestrator {
	g := graph.FromIssues(issues, completed)
	for _, cycle := range g.DetectCycles() {
		fmt.Fprintf(os.Stderr, "warning: dependency cycle: %s\n", strings.Join(cycle, " -> "))
	}

	stages := NewStageTracker()
	logs := NewLogManager()
	o := &Orchestrator{
		cfg:         cfg,
		repoDir:     repoDir,
		repo:        gitops.NewRepo(repoDir),
		queue:       queue.New(),
		graph:       g,
		stages:      stages,
		logs:        logs,
		store:       NewStateStore(filepath.Join(repoDir, cfg.Settings.StateFile), uuid.NewString()),
		coordinator: NewMergeCoordinator(gitops.NewRepo(repoDir), cfg),
	}
	o.pool = NewWorkerPool(cfg, repoDir, stages, logs)
	if cfg.Settings.OverlapDetection != config.OverlapOff {
		o.overlap = NewOverlapDetector()
	}

	// Historical completions are already folded into the graph (their edges
	// were dropped at construction); the store only tracks this run.
	for _, iss := range issues {
		o.queue.Push(iss)
	}

	o.pool.OnDone = o.onWorkerDone
	o.coordinator.OnIntegrated = o.onIntegrated
	return o
}

// Store exposes the run state, mainly for reporting.
func (o *Orchestrator) Store() *StateStore {
	return o.store
}

// Coordinator exposes merge counters for reporting.
func (o *Orchestrator) Coordinator() *MergeCoordinator {
	return o.coordinator
}

// onWorkerDone is the worker completion callback. It runs on worker
// goroutines and must be reentrant: it only touches mutex-guarded state.
func (o *Orchestrator) onWorkerDone(result WorkerResult) {
	switch {
	case result.Interrupted:
		o.stages.Set(result.IssueID, StageInterrupted)
	case result.Success:
		o.stages.Set(result.IssueID, StageMerging)
	default:
		o.stages.Set(result.IssueID, StageFailed)
	}
	o.store.AddCorrections(result.IssueID, result.Corrections)
	if !result.Success {
		o.store.MarkFailed(result.IssueID)
	}
	o.coordinator.Enqueue(result)
	if o.overlap != nil {
		o.overlap.Unregister(result.IssueID)
	}
}

// onIntegrated runs after each merge attempt, still on the orchestrator's
// merge-draining tick.
func (o *Orchestrator) onIntegrated(result WorkerResult, merged bool) {
	o.stages.Remove(result.IssueID)
	if !result.Success {
		return
	}
	if merged {
		o.store.MarkCompleted(result.IssueID)
		o.moveToCompleted(result.IssueID)
		o.store.AppendLog(fmt.Sprintf("merged %s (%s)", result.IssueID, result.BranchName))
	} else {
		o.store.MarkFailed(result.IssueID)
		o.store.AppendLog(fmt.Sprintf("merge failed for %s", result.IssueID))
	}
}

// moveToCompleted relocates the issue file into .issues/completed and
// commits the move. The worker's agent usually does this itself; this is
// the lifecycle backstop when it did not.
func (o *Orchestrator) moveToCompleted(id string) {
	iss := o.graph.Issue(id)
	if iss == nil {
		return
	}
	if _, err := os.Stat(iss.Path); err != nil {
		return // already moved
	}
	dstDir := fileutil.IssuesSubdir(o.repoDir, issue.CompletedDir)
	if err := fileutil.EnsureDir(dstDir); err != nil {
		return
	}
	dst := filepath.Join(dstDir, filepath.Base(iss.Path))
	if err := os.Rename(iss.Path, dst); err != nil {
		return
	}
	relSrc, _ := filepath.Rel(o.repoDir, iss.Path)
	relDst, _ := filepath.Rel(o.repoDir, dst)
	if err := o.repo.AddPaths(relSrc, relDst); err == nil {
		_ = o.repo.Commit(fmt.Sprintf("[%s] Move issue to completed", id))
	}
}

// Run drives the loop until the backlog drains or the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.repo.EnsureIdentity()
	if err := o.store.Load(); err != nil {
		return fmt.Errorf("loading orchestrator state: %w", err)
	}
	defer o.logs.Close()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	lastStatus := time.Now()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("cancelled: waiting for active workers to stop")
			o.pool.Wait()
			o.coordinator.ProcessPending(0)
			_ = o.store.Save()
			return ctx.Err()
		case <-ticker.C:
		}

		o.dispatchReady(ctx)
		o.coordinator.ProcessPending(mergesPerTick)
		o.store.SetPendingMerge(o.coordinator.PendingCount())

		if time.Since(lastStatus) >= statusInterval {
			o.printStatus()
			lastStatus = time.Now()
		}

		if err := o.store.Save(); err != nil {
			fileutil.LogError("saving state: %s", err)
		}

		if o.queue.Len() == 0 && o.pool.ActiveCount() == 0 && o.coordinator.PendingCount() == 0 {
			o.pool.Wait()
			// Workers may have finished between the checks; one last drain.
			o.coordinator.ProcessPending(0)
			if o.coordinator.PendingCount() == 0 && o.pool.ActiveCount() == 0 && o.queue.Len() == 0 {
				break
			}
		}
	}

	_ = o.store.Save()
	return nil
}

// dispatchReady peeks the queue until capacity runs out, skipping issues
// whose blockers are unsatisfied and deferring overlaps per configuration.
func (o *Orchestrator) dispatchReady(ctx context.Context) {
	rotations := o.queue.Len()
	for o.pool.HasCapacity() && o.queue.Len() > 0 && rotations > 0 {
		rotations--
		iss := o.queue.Pop()
		if iss == nil {
			return
		}

		completed := o.store.CompletedSet()
		blockers := o.graph.BlockingIssues(iss.ID, completed)
		if len(blockers) > 0 {
			if o.blockedOnFailure(blockers) {
				o.store.MarkFailed(iss.ID)
				o.store.AppendLog(fmt.Sprintf("skipping %s: blocker failed (%s)", iss.ID, strings.Join(blockers, ", ")))
				fmt.Fprintf(os.Stderr, "skipping %s: blocked by failed issue(s) %s\n", iss.ID, strings.Join(blockers, ", "))
				continue
			}
			// Blockers still in flight or queued; rotate to the back.
			o.queue.Requeue(iss, 0)
			continue
		}

		if o.overlap != nil {
			if overlapping := o.overlap.CheckOverlap(iss); len(overlapping) > 0 {
				if o.cfg.Settings.OverlapDetection == config.OverlapWarn {
					fmt.Fprintf(os.Stderr, "warning: %s may touch the same files as %s, dispatching anyway\n",
						iss.ID, strings.Join(overlapping, ", "))
				} else {
					o.store.AppendLog(fmt.Sprintf("deferring %s: overlaps %s", iss.ID, strings.Join(overlapping, ", ")))
					o.queue.Requeue(iss, 1)
					continue
				}
			}
			o.overlap.Register(iss)
		}

		o.store.MarkAttempted(iss.ID)
		o.store.AppendLog("dispatching " + iss.ID)
		o.pool.Dispatch(ctx, iss)
	}
}

// blockedOnFailure reports whether any blocker can no longer complete in
// this run.
func (o *Orchestrator) blockedOnFailure(blockers []string) bool {
	failed := make(map[string]bool)
	for _, id := range o.store.FailedIDs() {
		failed[id] = true
	}
	for _, b := range blockers {
		if failed[b] {
			return true
		}
	}
	return false
}

// printStatus emits the periodic status line: active workers grouped by
// stage, plus run counters.
func (o *Orchestrator) printStatus() {
	byStage := o.stages.ByStage()
	var parts []string
	stageOrder := []string{StageSetup, StageValidating, StageImplementing, StageVerifying, StageMerging}
	for _, stage := range stageOrder {
		ids := byStage[stage]
		if len(ids) == 0 {
			continue
		}
		sort.Strings(ids)
		parts = append(parts, fmt.Sprintf("%s: %s", stage, strings.Join(ids, ",")))
	}
	stageSummary := "idle"
	if len(parts) > 0 {
		stageSummary = strings.Join(parts, " | ")
	}
	label := ""
	if o.WaveLabel != "" {
		label = " [" + o.WaveLabel + "]"
	}
	fmt.Printf("[ll]%s active=%d (%s) completed=%d failed=%d pending-merge=%d queued=%d\n",
		label, o.pool.ActiveCount(), stageSummary,
		o.coordinator.CompletedCount(), o.coordinator.FailedCount(),
		o.coordinator.PendingCount(), o.queue.Len())
}

// RunSprint executes an explicit wave plan: each wave is a contained run,
// and the next wave starts only after every issue of the prior wave is in
// the completed set.
func RunSprint(ctx context.Context, cfg *config.Config, repoDir, name string, waves [][]string) error {
	completed, err := issue.CompletedIDs(repoDir)
	if err != nil {
		return err
	}
	all, err := issue.ScanAll(repoDir)
	if err != nil {
		return err
	}
	byID := make(map[string]*issue.Issue, len(all))
	for _, iss := range all {
		byID[iss.ID] = iss
	}

	for i, wave := range waves {
		var waveIssues []*issue.Issue
		for _, id := range wave {
			if completed[id] {
				continue
			}
			iss, ok := byID[id]
			if !ok {
				return fmt.Errorf("sprint %s: issue %s not found in the backlog", name, id)
			}
			waveIssues = append(waveIssues, iss)
		}
		if len(waveIssues) == 0 {
			continue
		}

		fmt.Printf("=== sprint %s: wave %d/%d (%s)\n", name, i+1, len(waves), strings.Join(wave, ", "))
		o := NewOrchestrator(cfg, repoDir, waveIssues, completed)
		o.WaveLabel = fmt.Sprintf("wave %d/%d", i+1, len(waves))
		if err := o.Run(ctx); err != nil {
			return err
		}
		PrintReport(o)

		done := o.store.CompletedSet()
		var missing []string
		for _, iss := range waveIssues {
			if !done[iss.ID] {
				missing = append(missing, iss.ID)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("sprint %s: wave %d incomplete (%s); not starting the next wave",
				name, i+1, strings.Join(missing, ", "))
		}
		for id := range done {
			completed[id] = true
		}
	}
	return nil
}
