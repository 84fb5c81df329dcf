package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	gitops "github.com/re-cinq/little-loops/internal/git"
	"github.com/re-cinq/little-loops/internal/graph"
	"github.com/re-cinq/little-loops/internal/issue"
)

var (
	createPriority  int
	createBlockedBy []string
)

func init() {
	issuesCreateCmd.Flags().IntVar(&createPriority, "priority", 2, "Priority tier (0 most urgent .. 5)")
	issuesCreateCmd.Flags().StringSliceVar(&createBlockedBy, "blocked-by", nil, "Issue ids this one waits on")
	issuesCmd.AddCommand(issuesListCmd, issuesNextCmd, issuesWavesCmd, issuesCreateCmd)
	rootCmd.AddCommand(issuesCmd)
}

var issuesCmd = &cobra.Command{
	Use:   "issues",
	Short: "Inspect the issue backlog",
}

var issuesListCmd = &cobra.Command{
	Use:   "list [category]",
	Short: "List active issues by priority",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, repoDir, err := setupRun()
		if err != nil {
			return err
		}
		category := "all"
		if len(args) == 1 {
			category = args[0]
		}
		issues, completed, err := loadBacklog(repoDir, category)
		if err != nil {
			return exitWith(2, err)
		}
		if len(issues) == 0 {
			fmt.Println("backlog is empty")
			return nil
		}

		g := graph.FromIssues(issues, completed)
		for _, iss := range issues {
			blocked := ""
			if blockers := g.BlockingIssues(iss.ID, completed); len(blockers) > 0 {
				blocked = fmt.Sprintf("  (blocked by %s)", strings.Join(blockers, ", "))
			}
			fmt.Printf("  P%d %-10s %s%s\n", iss.Priority, iss.ID, iss.Title, blocked)
		}
		for _, ref := range g.BrokenRefs() {
			fmt.Fprintf(os.Stderr, "warning: %s references unknown issue %s\n", ref.From, ref.To)
		}
		return nil
	},
}

var issuesNextCmd = &cobra.Command{
	Use:   "next",
	Short: "Print the next free issue number (globally unique across categories)",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, repoDir, err := setupRun()
		if err != nil {
			return err
		}
		n, err := issue.NextIssueNumber(repoDir)
		if err != nil {
			return exitWith(2, err)
		}
		fmt.Println(n)
		return nil
	},
}

var issuesCreateCmd = &cobra.Command{
	Use:   "create <category> <title>",
	Short: "Mint a new issue with the next globally unique number",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, repoDir, err := setupRun()
		if err != nil {
			return err
		}

		repo := gitops.NewRepo(repoDir)
		meta := issue.Frontmatter{
			DiscoveredDate: time.Now().UTC().Format("2006-01-02"),
			DiscoveredBy:   "ll",
		}
		if commit, err := repo.HeadCommit("HEAD"); err == nil {
			meta.DiscoveredCommit = commit
		}
		if branch, err := repo.CurrentBranch(); err == nil {
			meta.DiscoveredBranch = branch
		}

		iss, err := issue.Mint(repoDir, args[0], args[1], createPriority, createBlockedBy, meta)
		if err != nil {
			return exitWith(2, err)
		}
		fmt.Printf("created %s: %s\n  %s\n", iss.ID, iss.Title, iss.Path)
		return nil
	},
}

var issuesWavesCmd = &cobra.Command{
	Use:   "waves [category]",
	Short: "Show the parallel execution waves for the backlog",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, repoDir, err := setupRun()
		if err != nil {
			return err
		}
		category := "all"
		if len(args) == 1 {
			category = args[0]
		}
		issues, completed, err := loadBacklog(repoDir, category)
		if err != nil {
			return exitWith(2, err)
		}
		g := graph.FromIssues(issues, completed)
		waves, leftover := g.ExecutionWaves()
		for i, wave := range waves {
			fmt.Printf("  wave %d: %s\n", i+1, strings.Join(wave, ", "))
		}
		if len(leftover) > 0 {
			fmt.Printf("  in cycles (never schedulable): %s\n", strings.Join(leftover, ", "))
		}
		return nil
	},
}
