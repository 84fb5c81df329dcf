package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/re-cinq/little-loops/internal/fileutil"
	"github.com/re-cinq/little-loops/internal/issue"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

const sampleConfig = `# little-loops configuration
agent:
  command: "claude"
  args: ["-p", "--dangerously-skip-permissions"]

# ready_agent defaults to agent when omitted.

settings:
  mainline: main
  max_workers: 3
  issue_timeout: 30m
  action_timeout: 10m
  overlap_detection: "off"   # off | defer | warn

# Verification gates run in each worktree before a branch is merged.
# gates:
#   - name: tests
#     run: go test ./...

# permissions:
#   allow:
#     - "Bash(go test:*)"
`

const sampleLoop = `# Example goal loop: keep the linter clean over src/.
scope: ["src/"]
max_iterations: 10
goal:
  check: "make lint"
  fix: "Fix the lint errors reported by make lint."
`

const sampleIgnore = `# Paths leak detection must never touch.
.auto-state.json
.ll/
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Scaffold the issue directories, a config file and an example loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := os.Getwd()
		if err != nil {
			return exitWith(2, err)
		}
		repoDir := findGitRoot(cwd)
		if repoDir == "" {
			return exitWith(2, fmt.Errorf("ll init must run inside a git repository"))
		}

		dirs := append([]string{}, issue.Categories...)
		dirs = append(dirs, issue.CompletedDir)
		for _, d := range dirs {
			if err := fileutil.EnsureDir(fileutil.IssuesSubdir(repoDir, d)); err != nil {
				return exitWith(2, err)
			}
		}
		if err := fileutil.EnsureDir(fileutil.LoopsDir(repoDir)); err != nil {
			return exitWith(2, err)
		}

		created := writeIfAbsent(filepath.Join(repoDir, "ll.yaml"), sampleConfig)
		writeIfAbsent(filepath.Join(fileutil.LoopsDir(repoDir), "quality.yaml"), sampleLoop)
		writeIfAbsent(filepath.Join(repoDir, ".llignore"), sampleIgnore)

		fmt.Println("Initialized .issues/, .loops/ and ll.yaml")
		if !created {
			fmt.Println("ll.yaml already existed; left untouched")
		}
		fmt.Println("\nNext steps:")
		fmt.Println("  1. Review ll.yaml (agent command, worker count)")
		fmt.Printf("  2. Add issues under .issues/{%s}/\n", "bugs,features,enhancements")
		fmt.Println("  3. Run: ll parallel all")
		return nil
	},
}

// writeIfAbsent writes content unless the file already exists. Returns true
// when the file was created.
func writeIfAbsent(path, content string) bool {
	if _, err := os.Stat(path); err == nil {
		return false
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "warning: writing %s: %s\n", path, err)
		return false
	}
	return true
}
