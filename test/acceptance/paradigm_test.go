package acceptance_test

import (
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("loop paradigms", func() {
	var tmpDir string
	var repoDir string

	BeforeEach(func() {
		tmpDir, repoDir = setupTestRepo("ll-paradigm-*")
		writeStubAgent(repoDir, "")
	})

	AfterEach(func() {
		cleanupTestRepo(repoDir, tmpDir)
	})

	It("runs an invariants loop, fixing each violated constraint", func() {
		writeFile(filepath.Join(repoDir, ".loops", "hygiene.yaml"), `
max_iterations: 20
invariants:
  - name: alpha
    check: "test -f alpha.ok"
    fix: "touch alpha.ok"
  - name: beta
    check: "test -f beta.ok"
    fix: "touch beta.ok"
`)
		output, err := runLL(repoDir, "loop", "run", "hygiene", "--quiet")
		Expect(err).NotTo(HaveOccurred(), "output: %s", output)

		Expect(filepath.Join(repoDir, "alpha.ok")).To(BeAnExistingFile())
		Expect(filepath.Join(repoDir, "beta.ok")).To(BeAnExistingFile())
	})

	It("runs an imperative loop with an until clause", func() {
		// Each run of the step appends a line; until demands three lines.
		writeFile(filepath.Join(repoDir, ".loops", "steps.yaml"), `
max_iterations: 30
steps:
  - name: prepare
    run: "echo ready > prepared.txt"
  - name: accumulate
    run: "echo tick >> ticks.txt"
    until: "test $(wc -l < ticks.txt) -ge 3"
  - name: finish
    run: "echo done > finished.txt"
`)
		output, err := runLL(repoDir, "loop", "run", "steps", "--quiet")
		Expect(err).NotTo(HaveOccurred(), "output: %s", output)

		data, err := os.ReadFile(filepath.Join(repoDir, "ticks.txt"))
		Expect(err).NotTo(HaveOccurred())
		Expect(strings.Count(string(data), "tick")).To(Equal(3))
		Expect(filepath.Join(repoDir, "finished.txt")).To(BeAnExistingFile())
	})

	It("runs a convergence loop until the check passes", func() {
		writeFile(filepath.Join(repoDir, ".loops", "shrink.yaml"), `
max_iterations: 20
convergence:
  improve: "echo x >> metric.txt"
  check: "test $(wc -l < metric.txt) -ge 4"
`)
		output, err := runLL(repoDir, "loop", "run", "shrink", "--quiet")
		Expect(err).NotTo(HaveOccurred(), "output: %s", output)

		data, err := os.ReadFile(filepath.Join(repoDir, "metric.txt"))
		Expect(err).NotTo(HaveOccurred())
		Expect(strings.Count(string(data), "x")).To(Equal(4))
	})

	It("shows the recorded events afterwards", func() {
		writeFile(filepath.Join(repoDir, ".loops", "tiny.yaml"), `
max_iterations: 5
goal:
  check: "true"
  fix: "true"
`)
		_, err := runLL(repoDir, "loop", "run", "tiny", "--quiet")
		Expect(err).NotTo(HaveOccurred())

		output, err := runLL(repoDir, "loop", "events", "tiny")
		Expect(err).NotTo(HaveOccurred(), "output: %s", output)
		Expect(output).To(ContainSubstring("loop_start"))
		Expect(output).To(ContainSubstring("loop_complete"))
		Expect(output).To(ContainSubstring("verdict=success"))
	})
})

var _ = Describe("issue minting", func() {
	var tmpDir string
	var repoDir string

	BeforeEach(func() {
		tmpDir, repoDir = setupTestRepo("ll-mint-*")
		writeStubAgent(repoDir, "")
		writeIssueFile(repoDir, "bugs", "P1-BUG-009-old.md", "# BUG-9: Old\n")
	})

	AfterEach(func() {
		cleanupTestRepo(repoDir, tmpDir)
	})

	It("mints issues with globally increasing numbers", func() {
		output, err := runLL(repoDir, "issues", "create", "features", "Add export button", "--priority", "1")
		Expect(err).NotTo(HaveOccurred(), "output: %s", output)
		Expect(output).To(ContainSubstring("created FEAT-10"))

		output, err = runLL(repoDir, "issues", "create", "bugs", "Crash on save", "--blocked-by", "FEAT-10")
		Expect(err).NotTo(HaveOccurred(), "output: %s", output)
		Expect(output).To(ContainSubstring("created BUG-11"))

		list, err := runLL(repoDir, "issues", "list")
		Expect(err).NotTo(HaveOccurred(), "output: %s", list)
		Expect(list).To(ContainSubstring("BUG-11"))
		Expect(list).To(ContainSubstring("blocked by FEAT-10"))
	})
})
