package acceptance_test

import (
	"os/exec"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("scope exclusion between loops", func() {
	var tmpDir string
	var repoDir string

	BeforeEach(func() {
		tmpDir, repoDir = setupTestRepo("ll-scope-*")
		writeStubAgent(repoDir, "")

		// Loop A holds src/ for about two seconds.
		writeFile(filepath.Join(repoDir, ".loops", "holder.yaml"), `
scope: ["src/"]
max_iterations: 3
goal:
  check: "sleep 2"
  fix: "true"
`)
		// Loop B wants a child of that scope.
		writeFile(filepath.Join(repoDir, ".loops", "wants-child.yaml"), `
scope: ["src/api/"]
max_iterations: 3
goal:
  check: "true"
  fix: "true"
`)
	})

	AfterEach(func() {
		cleanupTestRepo(repoDir, tmpDir)
	})

	startHolder := func() *exec.Cmd {
		cmd := exec.Command(binaryPath, "loop", "run", "holder", "--quiet")
		cmd.Dir = repoDir
		Expect(cmd.Start()).To(Succeed())
		// Give the holder time to acquire its lock.
		Eventually(func() error {
			_, err := runLL(repoDir, "loop", "list")
			return err
		}, "2s").Should(Succeed())
		Eventually(filepath.Join(repoDir, ".loops", ".running", "holder.lock"), "3s").Should(BeAnExistingFile())
		return cmd
	}

	It("fails immediately on overlap without --queue, naming the holder", func() {
		holder := startHolder()
		defer holder.Wait()

		output, err := runLL(repoDir, "loop", "run", "wants-child")
		Expect(err).To(HaveOccurred())
		exitErr, ok := err.(*exec.ExitError)
		Expect(ok).To(BeTrue(), "output: %s", output)
		Expect(exitErr.ExitCode()).To(Equal(1))
		Expect(output).To(ContainSubstring("holder"))
		Expect(output).To(ContainSubstring("src"))
	})

	It("waits for the scope with --queue and then runs", func() {
		holder := startHolder()
		defer holder.Wait()

		start := time.Now()
		output, err := runLL(repoDir, "loop", "run", "wants-child", "--queue", "--quiet")
		Expect(err).NotTo(HaveOccurred(), "output: %s", output)
		Expect(time.Since(start)).To(BeNumerically(">", 500*time.Millisecond),
			"should have blocked until the holder released")
	})

	It("allows disjoint scopes to run concurrently", func() {
		writeFile(filepath.Join(repoDir, ".loops", "elsewhere.yaml"), `
scope: ["docs/"]
max_iterations: 3
goal:
  check: "true"
  fix: "true"
`)
		holder := startHolder()
		defer holder.Wait()

		output, err := runLL(repoDir, "loop", "run", "elsewhere", "--quiet")
		Expect(err).NotTo(HaveOccurred(), "output: %s", output)
	})
})
