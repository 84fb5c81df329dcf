package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/re-cinq/little-loops/internal/config"
	"github.com/re-cinq/little-loops/internal/engine"
	"github.com/re-cinq/little-loops/internal/graph"
	"github.com/re-cinq/little-loops/internal/issue"
)

var (
	autoOnly   []string
	autoSkip   []string
	autoDryRun bool
	autoWatch  bool
)

func init() {
	autoCmd.Flags().StringSliceVar(&autoOnly, "only", nil, "Process only these issue ids")
	autoCmd.Flags().StringSliceVar(&autoSkip, "skip", nil, "Skip these issue ids")
	autoCmd.Flags().BoolVar(&autoDryRun, "dry-run", false, "Print the execution plan without dispatching")
	autoCmd.Flags().BoolVar(&autoWatch, "watch", false, "Keep running, picking up new issues as they appear")
	rootCmd.AddCommand(autoCmd)
}

var autoCmd = &cobra.Command{
	Use:   "auto <category>",
	Short: "Process a category sequentially in dependency order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, repoDir, err := setupRun()
		if err != nil {
			return err
		}
		// Sequential processing is the single-worker orchestrator.
		cfg.Settings.MaxWorkers = 1

		ctx, cancel := signalContext()
		defer cancel()

		for {
			if err := runCategory(ctx, cfg, repoDir, args[0]); err != nil {
				return err
			}
			if !autoWatch {
				return nil
			}
			fmt.Println("watching for new issues (ctrl-c to stop)")
			if err := engine.WatchIssues(ctx, repoDir, categoriesFor(args[0]), cfg.Settings.PollInterval.Duration()); err != nil {
				if ctx.Err() != nil {
					return exitWith(1, ctx.Err())
				}
				return exitWith(2, err)
			}
		}
	},
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		fmt.Printf("\nreceived %s, shutting down...\n", sig)
		cancel()
	}()
	return ctx, func() {
		signal.Stop(sigCh)
		close(sigCh)
		cancel()
	}
}

func categoriesFor(category string) []string {
	if category == "all" {
		return issue.Categories
	}
	return []string{category}
}

// loadBacklog scans the requested category and applies --only / --skip.
func loadBacklog(repoDir, category string) ([]*issue.Issue, map[string]bool, error) {
	valid := category == "all"
	for _, c := range issue.Categories {
		if category == c {
			valid = true
		}
	}
	if !valid {
		return nil, nil, fmt.Errorf("unknown category %q (want %s or all)",
			category, strings.Join(issue.Categories, ", "))
	}

	var issues []*issue.Issue
	var err error
	if category == "all" {
		issues, err = issue.ScanAll(repoDir)
	} else {
		issues, err = issue.ScanCategory(repoDir, category)
	}
	if err != nil {
		return nil, nil, err
	}

	issues = filterIssues(issues, autoOnly, autoSkip)

	completed, err := issue.CompletedIDs(repoDir)
	if err != nil {
		return nil, nil, err
	}
	return issues, completed, nil
}

func filterIssues(issues []*issue.Issue, only, skip []string) []*issue.Issue {
	onlySet := make(map[string]bool, len(only))
	for _, id := range only {
		onlySet[issue.NormalizeID(id)] = true
	}
	skipSet := make(map[string]bool, len(skip))
	for _, id := range skip {
		skipSet[issue.NormalizeID(id)] = true
	}
	var out []*issue.Issue
	for _, iss := range issues {
		if len(onlySet) > 0 && !onlySet[iss.ID] {
			continue
		}
		if skipSet[iss.ID] {
			continue
		}
		out = append(out, iss)
	}
	return out
}

func runCategory(ctx context.Context, cfg *config.Config, repoDir, category string) error {
	issues, completed, err := loadBacklog(repoDir, category)
	if err != nil {
		return exitWith(2, err)
	}
	if len(issues) == 0 {
		fmt.Println("no issues to process")
		return nil
	}

	if autoDryRun {
		return printPlan(issues, completed)
	}

	o := engine.NewOrchestrator(cfg, repoDir, issues, completed)
	runErr := o.Run(ctx)
	engine.PrintReport(o)
	if runErr != nil {
		return exitWith(1, runErr)
	}
	return nil
}

// printPlan shows the dependency-ordered plan without running anything.
func printPlan(issues []*issue.Issue, completed map[string]bool) error {
	g := graph.FromIssues(issues, completed)
	order, err := g.TopologicalSort()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %s\n", err)
		waves, leftover := g.ExecutionWaves()
		for _, wave := range waves {
			order = append(order, wave...)
		}
		for _, id := range leftover {
			fmt.Fprintf(os.Stderr, "  excluded (cycle): %s\n", id)
		}
	}
	fmt.Println("Execution plan:")
	for i, id := range order {
		iss := g.Issue(id)
		fmt.Printf("  %2d. P%d %s — %s\n", i+1, iss.Priority, id, iss.Title)
	}
	return nil
}
