package acceptance_test

import (
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("dependency-aware sequencing", func() {
	var tmpDir string
	var repoDir string

	BeforeEach(func() {
		tmpDir, repoDir = setupTestRepo("ll-deps-*")
		writeStubAgent(repoDir, "")

		writeIssueFile(repoDir, "features", "P1-FEAT-001-base.md", `# FEAT-1: Base feature

## Summary

The foundation.

## Blocked By

- None
`)
		writeIssueFile(repoDir, "features", "P1-FEAT-002-dependent.md", `# FEAT-2: Dependent feature

## Summary

Builds on the base.

## Blocked By

- FEAT-1
`)
		runGit(repoDir, "add", ".issues")
		runGit(repoDir, "commit", "-m", "add issues")
	})

	AfterEach(func() {
		cleanupTestRepo(repoDir, tmpDir)
	})

	It("merges the blocker before the dependent issue", func() {
		output, err := runLL(repoDir, "parallel", "features", "--max-workers", "2")
		Expect(err).NotTo(HaveOccurred(), "output: %s", output)

		log := runGitOutput(repoDir, "log", "--format=%s", "main")
		// Both worker branches merged.
		Expect(log).To(ContainSubstring("FEAT-1"))
		Expect(log).To(ContainSubstring("FEAT-2"))

		// git log is newest-first: FEAT-2's merge must appear above FEAT-1's.
		idx1 := strings.Index(log, "Merge llp/FEAT-1")
		idx2 := strings.Index(log, "Merge llp/FEAT-2")
		Expect(idx1).To(BeNumerically(">", idx2), "FEAT-1 must merge before FEAT-2:\n%s", log)
	})

	It("moves merged issues to the completed directory", func() {
		output, err := runLL(repoDir, "parallel", "features")
		Expect(err).NotTo(HaveOccurred(), "output: %s", output)

		entries, err := os.ReadDir(filepath.Join(repoDir, ".issues", "completed"))
		Expect(err).NotTo(HaveOccurred())
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		Expect(names).To(ContainElement("P1-FEAT-001-base.md"))
		Expect(names).To(ContainElement("P1-FEAT-002-dependent.md"))
	})

	It("records the run in the state file with completion order", func() {
		output, err := runLL(repoDir, "parallel", "features")
		Expect(err).NotTo(HaveOccurred(), "output: %s", output)

		data, err := os.ReadFile(filepath.Join(repoDir, ".auto-state.json"))
		Expect(err).NotTo(HaveOccurred())
		state := string(data)
		Expect(state).To(ContainSubstring(`"FEAT-1"`))
		Expect(state).To(ContainSubstring(`"FEAT-2"`))
		Expect(strings.Index(state, `"FEAT-1"`)).To(BeNumerically("<", strings.Index(state, `"FEAT-2"`)))
	})

	It("cleans up worktrees and worker branches", func() {
		output, err := runLL(repoDir, "parallel", "features")
		Expect(err).NotTo(HaveOccurred(), "output: %s", output)

		branches := runGitOutput(repoDir, "branch")
		Expect(branches).NotTo(ContainSubstring("llp/"))

		worktrees := runGitOutput(repoDir, "worktree", "list")
		Expect(strings.Count(strings.TrimSpace(worktrees), "\n")).To(Equal(0), "only the main checkout remains: %s", worktrees)
	})
})

var _ = Describe("dry-run planning", func() {
	var tmpDir string
	var repoDir string

	BeforeEach(func() {
		tmpDir, repoDir = setupTestRepo("ll-plan-*")
		writeStubAgent(repoDir, "")
		writeIssueFile(repoDir, "bugs", "P0-BUG-001-urgent.md", "# BUG-1: Urgent\n")
		writeIssueFile(repoDir, "bugs", "P3-BUG-002-later.md", "# BUG-2: Later\n\n## Blocked By\n\n- BUG-1\n")
	})

	AfterEach(func() {
		cleanupTestRepo(repoDir, tmpDir)
	})

	It("prints the dependency-ordered plan without touching git", func() {
		before := runGitOutput(repoDir, "rev-parse", "main")

		output, err := runLL(repoDir, "auto", "bugs", "--dry-run")
		Expect(err).NotTo(HaveOccurred(), "output: %s", output)
		Expect(output).To(ContainSubstring("Execution plan"))
		Expect(strings.Index(output, "BUG-1")).To(BeNumerically("<", strings.Index(output, "BUG-2")))

		after := runGitOutput(repoDir, "rev-parse", "main")
		Expect(after).To(Equal(before))
	})
})
