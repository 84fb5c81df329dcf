package acceptance_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("overlap detection", func() {
	var tmpDir string
	var repoDir string

	BeforeEach(func() {
		tmpDir, repoDir = setupTestRepo("ll-overlap-*")
		writeStubAgent(repoDir, "")

		// Both issues hint at the same source file.
		writeIssueFile(repoDir, "bugs", "P1-BUG-001-first.md", `# BUG-1: First

## Location

- src/app/main.go:10
`)
		writeIssueFile(repoDir, "bugs", "P1-BUG-002-second.md", `# BUG-2: Second

## Location

- src/app/main.go:90
`)
		runGit(repoDir, "add", ".issues")
		runGit(repoDir, "commit", "-m", "add issues")
	})

	AfterEach(func() {
		cleanupTestRepo(repoDir, tmpDir)
	})

	It("defers the overlapping issue and still completes both", func() {
		output, err := runLL(repoDir, "parallel", "bugs", "--max-workers", "2", "--overlap-detection")
		Expect(err).NotTo(HaveOccurred(), "output: %s", output)

		log := runGitOutput(repoDir, "log", "--format=%s", "main")
		Expect(log).To(ContainSubstring("Merge llp/BUG-1"))
		Expect(log).To(ContainSubstring("Merge llp/BUG-2"))
	})

	It("warns and dispatches anyway with --warn-only", func() {
		output, err := runLL(repoDir, "parallel", "bugs", "--max-workers", "2", "--overlap-detection", "--warn-only")
		Expect(err).NotTo(HaveOccurred(), "output: %s", output)
		Expect(output).To(ContainSubstring("may touch the same files"))

		log := runGitOutput(repoDir, "log", "--format=%s", "main")
		Expect(log).To(ContainSubstring("Merge llp/BUG-1"))
		Expect(log).To(ContainSubstring("Merge llp/BUG-2"))
	})
})

var _ = Describe("cleanup", func() {
	var tmpDir string
	var repoDir string

	BeforeEach(func() {
		tmpDir, repoDir = setupTestRepo("ll-cleanup-*")
		writeStubAgent(repoDir, "")

		// Simulate an interrupted run: a stale worker worktree and branch.
		runGit(repoDir, "worktree", "add", "-b", "llp/BUG-9-stale",
			repoDir+"/.ll/worktrees/llp-BUG-9-stale", "main")
	})

	AfterEach(func() {
		cleanupTestRepo(repoDir, tmpDir)
	})

	It("removes stale worktrees and worker branches", func() {
		output, err := runLL(repoDir, "cleanup")
		Expect(err).NotTo(HaveOccurred(), "output: %s", output)
		Expect(output).To(ContainSubstring("removed worktree"))
		Expect(output).To(ContainSubstring("deleted branch llp/BUG-9-stale"))

		Expect(runGitOutput(repoDir, "branch")).NotTo(ContainSubstring("llp/"))
	})

	It("reports without touching anything in dry-run mode", func() {
		output, err := runLL(repoDir, "cleanup", "--dry-run")
		Expect(err).NotTo(HaveOccurred(), "output: %s", output)
		Expect(output).To(ContainSubstring("would remove worktree"))
		Expect(runGitOutput(repoDir, "branch")).To(ContainSubstring("llp/BUG-9-stale"))
	})
})
