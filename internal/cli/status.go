package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/re-cinq/little-loops/internal/engine"
	"github.com/re-cinq/little-loops/internal/loop"
	"github.com/re-cinq/little-loops/internal/scopelock"
)

var (
	statusFollow   bool
	statusInterval float64
)

func init() {
	statusCmd.Flags().BoolVarP(&statusFollow, "follow", "f", false, "Live-update status (like watch)")
	statusCmd.Flags().Float64VarP(&statusInterval, "interval", "n", 2.0, "Seconds between updates (with --follow)")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show run progress, active loops and held scopes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, repoDir, err := setupRun()
		if err != nil {
			return err
		}

		if statusFollow {
			return followStatus(cfg.Settings.StateFile, repoDir)
		}
		printRunState(filepath.Join(repoDir, cfg.Settings.StateFile))
		printLoops(repoDir)
		return nil
	},
}

// followStatus re-renders the status until interrupted.
func followStatus(stateFile, repoDir string) error {
	ctx, cancel := signalContext()
	defer cancel()

	interval := time.Duration(statusInterval * float64(time.Second))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		fmt.Print("\033[H\033[2J") // clear screen, home cursor
		printRunState(filepath.Join(repoDir, stateFile))
		printLoops(repoDir)
		fmt.Printf("\n%s(updating every %.1fs, ctrl-c to stop)%s\n", ansiDim, statusInterval, ansiReset)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func printRunState(path string) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		fmt.Println("No orchestrator run recorded.")
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: reading %s: %s\n", path, err)
		return
	}
	var state engine.RunStateFile
	if err := json.Unmarshal(data, &state); err != nil {
		fmt.Fprintf(os.Stderr, "Error: parsing %s: %s\n", path, err)
		return
	}

	fmt.Println("Orchestrator:")
	fmt.Printf("  attempted: %d  completed: %d  failed: %d  pending merges: %d\n",
		len(state.Attempted), len(state.Completed), len(state.Failed), state.PendingMergeCount)
	if len(state.Completed) > 0 {
		fmt.Printf("  %s✓%s %s\n", ansiGreen, ansiReset, strings.Join(state.Completed, ", "))
	}
	if len(state.Failed) > 0 {
		fmt.Printf("  %s✗%s %s\n", ansiRed, ansiReset, strings.Join(state.Failed, ", "))
	}
	if len(state.InProgress) > 0 {
		fmt.Printf("  %s⟳%s %s\n", ansiYellow, ansiReset, strings.Join(state.InProgress, ", "))
	}
	if state.UpdatedAt != "" {
		fmt.Printf("  %slast update: %s%s\n", ansiDim, state.UpdatedAt, ansiReset)
	}
}

func printLoops(repoDir string) {
	defs, _ := loop.ListDefinitions(repoDir)
	if len(defs) == 0 {
		return
	}

	locks := scopelock.NewManager(repoDir)
	held := make(map[string]*scopelock.Lock)
	for _, l := range locks.Active() {
		held[l.LoopName] = l
	}

	fmt.Println("\nLoops:")
	for _, def := range defs {
		symbol, color := "·", ansiDim
		detail := "idle"
		if state, err := loop.LoadState(repoDir, def.Name); err == nil && state != nil {
			detail = fmt.Sprintf("%s at %s (iteration %d)", state.Status, state.CurrentState, state.Iteration)
			switch state.Status {
			case loop.StatusCompleted:
				symbol, color = "✓", ansiGreen
			case loop.StatusFailed:
				symbol, color = "✗", ansiRed
			case loop.StatusRunning:
				symbol, color = "⟳", ansiYellow
			}
		}
		if l := held[def.Name]; l != nil {
			detail += fmt.Sprintf(", scope %v held by pid %d", l.Scope, l.PID)
		}
		fmt.Printf("  %s%s%s %-20s %s\n", color, symbol, ansiReset, def.Name, detail)
	}
}
