package acceptance_test

import (
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("backlog inspection", func() {
	var tmpDir string
	var repoDir string

	BeforeEach(func() {
		tmpDir, repoDir = setupTestRepo("ll-issues-*")
		writeStubAgent(repoDir, "")

		writeIssueFile(repoDir, "bugs", "P0-BUG-007-crash.md", "# BUG-7: Crash on start\n")
		writeIssueFile(repoDir, "features", "P2-FEAT-003-export.md", `# FEAT-3: Export

## Blocked By

- BUG-7
`)
		writeIssueFile(repoDir, "completed", "P1-ENH-010-done.md", "# ENH-10: Done already\n")
	})

	AfterEach(func() {
		cleanupTestRepo(repoDir, tmpDir)
	})

	It("lists issues with blockers", func() {
		output, err := runLL(repoDir, "issues", "list")
		Expect(err).NotTo(HaveOccurred(), "output: %s", output)
		Expect(output).To(ContainSubstring("BUG-7"))
		Expect(output).To(ContainSubstring("blocked by BUG-7"))
		Expect(strings.Index(output, "BUG-7")).To(BeNumerically("<", strings.Index(output, "FEAT-3")),
			"priority order")
	})

	It("prints the next globally unique issue number", func() {
		output, err := runLL(repoDir, "issues", "next")
		Expect(err).NotTo(HaveOccurred(), "output: %s", output)
		Expect(strings.TrimSpace(output)).To(Equal("11"), "max across categories and completed is 10")
	})

	It("shows execution waves", func() {
		output, err := runLL(repoDir, "issues", "waves")
		Expect(err).NotTo(HaveOccurred(), "output: %s", output)
		Expect(output).To(ContainSubstring("wave 1: BUG-7"))
		Expect(output).To(ContainSubstring("wave 2: FEAT-3"))
	})
})

var _ = Describe("sprint planning", func() {
	var tmpDir string
	var repoDir string

	BeforeEach(func() {
		tmpDir, repoDir = setupTestRepo("ll-sprint-*")
		writeStubAgent(repoDir, "")
		writeIssueFile(repoDir, "features", "P1-FEAT-001-a.md", "# FEAT-1: A\n")
		writeIssueFile(repoDir, "features", "P1-FEAT-002-b.md", "# FEAT-2: B\n\n## Blocked By\n\n- FEAT-1\n")
		runGit(repoDir, "add", ".issues")
		runGit(repoDir, "commit", "-m", "add issues")
	})

	AfterEach(func() {
		cleanupTestRepo(repoDir, tmpDir)
	})

	It("creates, shows and runs a wave plan", func() {
		output, err := runLL(repoDir, "sprint", "create", "week-1")
		Expect(err).NotTo(HaveOccurred(), "output: %s", output)
		Expect(output).To(ContainSubstring("2 issue(s) in 2 wave(s)"))
		Expect(filepath.Join(repoDir, ".loops", "sprints", "week-1.yaml")).To(BeAnExistingFile())

		output, err = runLL(repoDir, "sprint", "show", "week-1")
		Expect(err).NotTo(HaveOccurred(), "output: %s", output)
		Expect(output).To(ContainSubstring("wave 1: FEAT-1"))
		Expect(output).To(ContainSubstring("wave 2: FEAT-2"))

		output, err = runLL(repoDir, "sprint", "run", "week-1")
		Expect(err).NotTo(HaveOccurred(), "output: %s", output)

		log := runGitOutput(repoDir, "log", "--format=%s", "main")
		Expect(log).To(ContainSubstring("Merge llp/FEAT-1"))
		Expect(log).To(ContainSubstring("Merge llp/FEAT-2"))
	})
})
