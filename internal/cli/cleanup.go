package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	gitops "github.com/re-cinq/little-loops/internal/git"
	"github.com/re-cinq/little-loops/internal/scopelock"
)

var cleanupDryRun bool

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Show what would be removed without touching anything")
	rootCmd.AddCommand(cleanupCmd)
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove leftover worker worktrees, branches and dead locks",
	Long: `Cleans up after interrupted runs: worker worktrees under .ll/worktrees,
llp/ branches that no worktree holds, and scope locks whose owner process
is gone. Locks held by live processes are never touched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, repoDir, err := setupRun()
		if err != nil {
			return err
		}
		repo := gitops.NewRepo(repoDir)
		removed := 0

		// Leftover worktrees from interrupted workers.
		wtRoot := filepath.Join(repoDir, ".ll", "worktrees")
		if entries, err := os.ReadDir(wtRoot); err == nil {
			for _, e := range entries {
				path := filepath.Join(wtRoot, e.Name())
				if cleanupDryRun {
					fmt.Printf("would remove worktree %s\n", path)
					continue
				}
				if err := repo.RemoveWorktree(path); err != nil {
					_ = os.RemoveAll(path)
				}
				fmt.Printf("removed worktree %s\n", path)
				removed++
			}
		}
		if !cleanupDryRun {
			repo.PruneWorktrees()
		}

		// Worker branches nothing holds anymore.
		if out, err := repo.Run("branch", "--list", gitops.BranchPrefix+"*", "--format=%(refname:short)"); err == nil && out != "" {
			for _, branch := range strings.Split(out, "\n") {
				branch = strings.TrimSpace(branch)
				if branch == "" {
					continue
				}
				if cleanupDryRun {
					fmt.Printf("would delete branch %s\n", branch)
					continue
				}
				if err := repo.DeleteBranch(branch); err != nil {
					fmt.Fprintf(os.Stderr, "warning: %s\n", err)
					continue
				}
				fmt.Printf("deleted branch %s\n", branch)
				removed++
			}
		}

		// Scanning the lock directory reaps dead owners as a side effect.
		locks := scopelock.NewManager(repoDir)
		for _, l := range locks.Active() {
			fmt.Printf("keeping lock %s (pid %d alive, scope %v)\n", l.LoopName, l.PID, l.Scope)
		}

		if cleanupDryRun {
			fmt.Println("dry run, nothing removed")
		} else if removed == 0 {
			fmt.Println("nothing to clean up")
		}
		return nil
	},
}
