package acceptance_test

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("loop run", func() {
	var tmpDir string
	var repoDir string

	BeforeEach(func() {
		tmpDir, repoDir = setupTestRepo("ll-loop-*")
		writeStubAgent(repoDir, "")
	})

	AfterEach(func() {
		cleanupTestRepo(repoDir, tmpDir)
	})

	It("runs a goal loop to its terminal state with exit code 0", func() {
		// check fails until fix has created the flag file.
		writeFile(filepath.Join(repoDir, ".loops", "flag.yaml"), `
max_iterations: 10
goal:
  check: "test -f converged.flag"
  fix: "touch converged.flag"
`)
		output, err := runLL(repoDir, "loop", "run", "flag")
		Expect(err).NotTo(HaveOccurred(), "output: %s", output)
		Expect(output).To(ContainSubstring("completed (terminal)"))

		_, err = os.Stat(filepath.Join(repoDir, "converged.flag"))
		Expect(err).NotTo(HaveOccurred())
	})

	It("exits 1 when the iteration cap is hit", func() {
		writeFile(filepath.Join(repoDir, ".loops", "stuck.yaml"), `
max_iterations: 3
goal:
  check: "false"
  fix: "true"
`)
		output, err := runLL(repoDir, "loop", "run", "stuck")
		Expect(err).To(HaveOccurred())
		exitErr, ok := err.(*exec.ExitError)
		Expect(ok).To(BeTrue(), "output: %s", output)
		Expect(exitErr.ExitCode()).To(Equal(1))
	})

	It("writes a valid JSON-lines event stream", func() {
		writeFile(filepath.Join(repoDir, ".loops", "once.yaml"), `
max_iterations: 5
goal:
  check: "true"
  fix: "true"
`)
		output, err := runLL(repoDir, "loop", "run", "once", "--quiet")
		Expect(err).NotTo(HaveOccurred(), "output: %s", output)

		data, err := os.ReadFile(filepath.Join(repoDir, ".loops", ".running", "once.events.jsonl"))
		Expect(err).NotTo(HaveOccurred())

		var names []string
		for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
			var ev map[string]interface{}
			Expect(json.Unmarshal([]byte(line), &ev)).To(Succeed(), "line: %s", line)
			names = append(names, ev["event"].(string))
		}
		Expect(names[0]).To(Equal("loop_start"))
		Expect(names[len(names)-1]).To(Equal("loop_complete"))
		Expect(names).To(ContainElement("state_enter"))
		Expect(names).To(ContainElement("evaluate"))
		Expect(names).To(ContainElement("iteration_complete"))
	})

	It("resumes from the persisted snapshot with iteration preserved", func() {
		loopPath := filepath.Join(repoDir, ".loops", "recover.yaml")
		writeFile(loopPath, `
max_iterations: 1
goal:
  check: "test -f done.flag"
  fix: "touch done.flag"
`)
		// First run exhausts the cap at the fix state.
		_, err := runLL(repoDir, "loop", "run", "recover")
		Expect(err).To(HaveOccurred())

		statePath := filepath.Join(repoDir, ".loops", ".running", "recover.state.json")
		data, err := os.ReadFile(statePath)
		Expect(err).NotTo(HaveOccurred())
		var state map[string]interface{}
		Expect(json.Unmarshal(data, &state)).To(Succeed())
		Expect(state["current_state"]).To(Equal("fix"))
		Expect(state["iteration"]).To(Equal(float64(1)))

		// Operator raises the cap and resumes; the run continues from fix
		// with the preserved iteration instead of starting over.
		writeFile(loopPath, `
max_iterations: 10
goal:
  check: "test -f done.flag"
  fix: "touch done.flag"
`)
		output, err := runLL(repoDir, "loop", "resume", "recover")
		Expect(err).NotTo(HaveOccurred(), "output: %s", output)
		Expect(output).To(ContainSubstring("resuming recover at state fix, iteration 1"))
		Expect(output).To(ContainSubstring("completed (terminal)"))

		_, err = os.Stat(filepath.Join(repoDir, "done.flag"))
		Expect(err).NotTo(HaveOccurred())
	})

	It("validates loop definitions", func() {
		writeFile(filepath.Join(repoDir, ".loops", "good.yaml"), `
goal:
  check: "true"
  fix: "true"
`)
		output, err := runLL(repoDir, "loop", "validate")
		Expect(err).NotTo(HaveOccurred(), "output: %s", output)
		Expect(output).To(ContainSubstring("1 loop definition(s) valid"))

		writeFile(filepath.Join(repoDir, ".loops", "bad.yaml"), `
initial: ghost
states:
  done:
    terminal: true
`)
		output, err = runLL(repoDir, "loop", "validate")
		Expect(err).To(HaveOccurred())
		Expect(output).To(ContainSubstring("ghost"))
	})

	It("lists loops with their state", func() {
		writeFile(filepath.Join(repoDir, ".loops", "listed.yaml"), `
scope: ["src/"]
goal:
  check: "true"
  fix: "true"
`)
		output, err := runLL(repoDir, "loop", "list")
		Expect(err).NotTo(HaveOccurred(), "output: %s", output)
		Expect(output).To(ContainSubstring("listed"))
		Expect(output).To(ContainSubstring("idle"))
	})
})
