package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/re-cinq/little-loops/internal/config"
	"github.com/re-cinq/little-loops/internal/engine"
)

var (
	parallelMaxWorkers int
	parallelTimeout    time.Duration
	parallelOverlap    bool
	parallelWarnOnly   bool
	parallelOnly       []string
	parallelSkip       []string
)

func init() {
	parallelCmd.Flags().IntVar(&parallelMaxWorkers, "max-workers", 0, "Concurrent workers (default from config)")
	parallelCmd.Flags().DurationVar(&parallelTimeout, "timeout", 0, "Per-issue timeout (default from config)")
	parallelCmd.Flags().BoolVar(&parallelOverlap, "overlap-detection", false, "Defer issues whose file hints overlap an active worker")
	parallelCmd.Flags().BoolVar(&parallelWarnOnly, "warn-only", false, "With overlap detection, warn and dispatch instead of deferring")
	parallelCmd.Flags().StringSliceVar(&parallelOnly, "only", nil, "Process only these issue ids")
	parallelCmd.Flags().StringSliceVar(&parallelSkip, "skip", nil, "Skip these issue ids")
	rootCmd.AddCommand(parallelCmd)
}

var parallelCmd = &cobra.Command{
	Use:   "parallel <category>",
	Short: "Process a category with concurrent workers in isolated worktrees",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, repoDir, err := setupRun()
		if err != nil {
			return err
		}
		if parallelMaxWorkers > 0 {
			cfg.Settings.MaxWorkers = parallelMaxWorkers
		}
		if parallelTimeout > 0 {
			cfg.Settings.IssueTimeout = config.Duration(parallelTimeout)
		}
		if parallelOverlap {
			cfg.Settings.OverlapDetection = config.OverlapDefer
			if parallelWarnOnly {
				cfg.Settings.OverlapDetection = config.OverlapWarn
			}
		}

		autoOnly, autoSkip = parallelOnly, parallelSkip
		issues, completed, err := loadBacklog(repoDir, args[0])
		if err != nil {
			return exitWith(2, err)
		}
		if len(issues) == 0 {
			fmt.Println("no issues to process")
			return nil
		}

		ctx, cancel := signalContext()
		defer cancel()

		fmt.Printf("ll parallel: %d issue(s), %d worker(s)\n", len(issues), cfg.Settings.MaxWorkers)
		fmt.Printf("Agent logs: %s\n", engine.LogPath())

		o := engine.NewOrchestrator(cfg, repoDir, issues, completed)
		runErr := o.Run(ctx)
		engine.PrintReport(o)
		if runErr != nil {
			return exitWith(1, runErr)
		}
		return nil
	},
}
