package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/re-cinq/little-loops/internal/engine"
	"github.com/re-cinq/little-loops/internal/fileutil"
	"github.com/re-cinq/little-loops/internal/graph"
	"github.com/re-cinq/little-loops/internal/issue"
)

var sprintIDs []string

func init() {
	sprintCreateCmd.Flags().StringSliceVar(&sprintIDs, "ids", nil, "Issue ids for the sprint (default: whole backlog)")
	sprintCmd.AddCommand(sprintCreateCmd, sprintShowCmd, sprintRunCmd)
	rootCmd.AddCommand(sprintCmd)
}

var sprintCmd = &cobra.Command{
	Use:   "sprint",
	Short: "Plan and run wave-based executions",
}

// SprintPlan is the persisted wave plan under .loops/sprints.
type SprintPlan struct {
	Name      string     `yaml:"name"`
	CreatedAt string     `yaml:"created_at"`
	Issues    []string   `yaml:"issues"`
	Waves     [][]string `yaml:"waves"`
}

func sprintPath(repoDir, name string) string {
	return filepath.Join(fileutil.LoopsDir(repoDir), "sprints", name+".yaml")
}

func loadSprint(repoDir, name string) (*SprintPlan, error) {
	data, err := os.ReadFile(sprintPath(repoDir, name))
	if err != nil {
		return nil, fmt.Errorf("sprint %q: %w", name, err)
	}
	var plan SprintPlan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parsing sprint %q: %w", name, err)
	}
	return &plan, nil
}

var sprintCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Derive a wave plan from the dependency graph and save it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, repoDir, err := setupRun()
		if err != nil {
			return err
		}

		issues, err := issue.ScanAll(repoDir)
		if err != nil {
			return exitWith(2, err)
		}
		issues = filterIssues(issues, sprintIDs, nil)
		if len(issues) == 0 {
			return exitWith(2, fmt.Errorf("no matching issues for sprint %q", args[0]))
		}
		completed, err := issue.CompletedIDs(repoDir)
		if err != nil {
			return exitWith(2, err)
		}

		g := graph.FromIssues(issues, completed)
		waves, leftover := g.ExecutionWaves()
		if len(leftover) > 0 {
			fmt.Fprintf(os.Stderr, "warning: excluded from sprint (dependency cycle): %s\n",
				strings.Join(leftover, ", "))
		}

		plan := SprintPlan{
			Name:      args[0],
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
			Waves:     waves,
		}
		for _, iss := range issues {
			plan.Issues = append(plan.Issues, iss.ID)
		}

		data, err := yaml.Marshal(&plan)
		if err != nil {
			return exitWith(2, err)
		}
		path := sprintPath(repoDir, args[0])
		if err := fileutil.EnsureDir(filepath.Dir(path)); err != nil {
			return exitWith(2, err)
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return exitWith(2, fmt.Errorf("writing sprint plan: %w", err))
		}
		fmt.Printf("sprint %s: %d issue(s) in %d wave(s) -> %s\n",
			args[0], len(plan.Issues), len(plan.Waves), path)
		return nil
	},
}

var sprintShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Print a sprint's wave plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, repoDir, err := setupRun()
		if err != nil {
			return err
		}
		plan, err := loadSprint(repoDir, args[0])
		if err != nil {
			return exitWith(2, err)
		}
		fmt.Printf("sprint %s (created %s)\n", plan.Name, plan.CreatedAt)
		for i, wave := range plan.Waves {
			fmt.Printf("  wave %d: %s\n", i+1, strings.Join(wave, ", "))
		}
		return nil
	},
}

var sprintRunCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "Execute a sprint wave by wave",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, repoDir, err := setupRun()
		if err != nil {
			return err
		}
		plan, err := loadSprint(repoDir, args[0])
		if err != nil {
			return exitWith(2, err)
		}

		ctx, cancel := signalContext()
		defer cancel()

		if err := engine.RunSprint(ctx, cfg, repoDir, plan.Name, plan.Waves); err != nil {
			return exitWith(1, err)
		}
		return nil
	},
}
