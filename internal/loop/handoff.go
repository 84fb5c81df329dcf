package loop

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/re-cinq/little-loops/internal/config"
)

// SpawnDetached launches a continuation process running the agent with the
// handoff prompt. The child gets its own session and null stdio and is
// intentionally not tracked: the engine emits its pid as an event and
// forgets it.
func SpawnDetached(dir string, agent config.AgentConfig, prompt string) (int, error) {
	args := append([]string{}, agent.Args...)
	cmd := exec.Command(agent.Command, args...)
	cmd.Dir = dir

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, err
	}
	defer devnull.Close()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return 0, err
	}
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, err
	}
	go func() {
		_, _ = stdin.Write([]byte(prompt))
		_ = stdin.Close()
	}()
	pid := cmd.Process.Pid
	// Reap the child in the background so it never zombies; the engine does
	// not wait on it.
	go func() { _ = cmd.Wait() }()
	return pid, nil
}
