package acceptance_test

import (
	"fmt"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// fallbackAgentScript misvalidates abstract ids: the first ready call (by
// id) agrees on the wrong file; a ready call with an explicit path echoes
// that path back. Manage records which target it was given.
const fallbackAgentScript = `#!/bin/sh
prompt=$(cat)
target=$(printf '%s' "$prompt" | tr ' ' '\n' | tail -1)
case "$prompt" in
*"/ll:ready .issues/"*)
  printf '## VERDICT\nREADY\n\n## VALIDATED_FILE\n%s\n' "$target"
  ;;
*"/ll:ready"*)
  printf '## VERDICT\nREADY\n\n## VALIDATED_FILE\n.issues/bugs/P3-BUG-001-old.md\n'
  ;;
*"/ll:manage"*)
  safe=$(printf '%s' "$target" | tr '/.' '--')
  echo "manage target: $target" > "change-$safe.txt"
  printf '## VERDICT\nCOMPLETED\n'
  ;;
esac
`

var _ = Describe("ready-validation fallback", func() {
	var tmpDir string
	var repoDir string

	BeforeEach(func() {
		tmpDir, repoDir = setupTestRepo("ll-fallback-*")

		agentPath := filepath.Join(repoDir, "fallback-agent.sh")
		writeFile(agentPath, fallbackAgentScript)
		Expect(os.Chmod(agentPath, 0755)).To(Succeed())
		writeFile(filepath.Join(repoDir, "ll.yaml"), fmt.Sprintf(`
agent:
  command: %q

settings:
  mainline: main
  issue_timeout: 60s
  action_timeout: 30s
`, agentPath))

		writeIssueFile(repoDir, "bugs", "P1-BUG-001-fix.md", "# BUG-1: Fix the thing\n")
		runGit(repoDir, "add", ".issues")
		runGit(repoDir, "commit", "-m", "add issue")
	})

	AfterEach(func() {
		cleanupTestRepo(repoDir, tmpDir)
	})

	It("retries validation with the explicit path and hands the path to manage", func() {
		output, err := runLL(repoDir, "auto", "bugs")
		Expect(err).NotTo(HaveOccurred(), "output: %s", output)

		// The manage agent saw the relative path, not the abstract id.
		files := runGitOutput(repoDir, "ls-tree", "-r", "--name-only", "main")
		Expect(files).To(ContainSubstring("change--issues-bugs-P1-BUG-001-fix-md.txt"))
		Expect(files).NotTo(ContainSubstring("change-BUG-1.txt"))
	})
})
