package acceptance_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// readmeAgentScript validates everything and rewrites README.md, setting up
// a collision with uncommitted local edits to the same file.
const readmeAgentScript = `#!/bin/sh
prompt=$(cat)
case "$prompt" in
*"/ll:ready"*)
  printf '## VERDICT\nREADY\n'
  ;;
*)
  echo "# rewritten by worker" > README.md
  printf '## VERDICT\nCOMPLETED\n'
  ;;
esac
`

var _ = Describe("stash handling around merges", func() {
	var tmpDir string
	var repoDir string

	BeforeEach(func() {
		tmpDir, repoDir = setupTestRepo("ll-stash-*")

		agentPath := filepath.Join(repoDir, "readme-agent.sh")
		writeFile(agentPath, readmeAgentScript)
		Expect(os.Chmod(agentPath, 0755)).To(Succeed())
		writeFile(filepath.Join(repoDir, "ll.yaml"), fmt.Sprintf(`
agent:
  command: %q

settings:
  mainline: main
  issue_timeout: 60s
  action_timeout: 30s
`, agentPath))

		writeIssueFile(repoDir, "bugs", "P1-BUG-001-readme.md", "# BUG-1: Rewrite the README\n")
		runGit(repoDir, "add", ".issues")
		runGit(repoDir, "commit", "-m", "add issue")

		// Developer has an uncommitted edit to the same file the worker
		// will rewrite.
		writeFile(filepath.Join(repoDir, "README.md"), "# test repo\nlocal uncommitted note\n")
	})

	AfterEach(func() {
		cleanupTestRepo(repoDir, tmpDir)
	})

	It("keeps the merge successful and reports a stash recovery warning", func() {
		output, err := runLL(repoDir, "auto", "bugs")
		Expect(err).NotTo(HaveOccurred(), "output: %s", output)

		// The worker's rewrite landed on main.
		Expect(runGitOutput(repoDir, "show", "main:README.md")).To(ContainSubstring("rewritten by worker"))

		// The merge counts as success; the pop conflict is a warning only.
		Expect(output).To(ContainSubstring("Completed: 1"))
		Expect(output).To(ContainSubstring("Stash recovery warnings"))
		Expect(output).To(ContainSubstring("BUG-1"))
		Expect(output).To(ContainSubstring("git stash"))

		// The developer's edit survives in the stash.
		stashes := runGitOutput(repoDir, "stash", "list")
		Expect(strings.TrimSpace(stashes)).NotTo(BeEmpty())
	})
})
