package loop

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/re-cinq/little-loops/internal/config"
)

// Action types. The heuristic for an undeclared type: strings beginning
// with "/" are slash commands, everything else is shell.
const (
	ActionPrompt       = "prompt"
	ActionSlashCommand = "slash_command"
	ActionShell        = "shell"
)

// ResolveActionType applies the declared type or the heuristic.
func ResolveActionType(st State) string {
	if st.ActionType != "" {
		return st.ActionType
	}
	if strings.HasPrefix(st.Action, "/") {
		return ActionSlashCommand
	}
	return ActionShell
}

// ActionRunner executes one state's action and reports the result.
type ActionRunner interface {
	RunAction(ctx context.Context, st State, timeout time.Duration) ActionResult
}

// ExecRunner runs shell actions via sh -c and prompt/slash actions via the
// configured agent under a PTY, mirroring how worker agents are invoked.
type ExecRunner struct {
	Dir      string
	Agent    config.AgentConfig
	Preamble string
	Log      io.Writer // agent/shell output mirror, may be nil
}

// RunAction dispatches on the action type. Cancellation terminates the
// subprocess; the result is marked so the evaluator yields verdict error.
func (r *ExecRunner) RunAction(ctx context.Context, st State, timeout time.Duration) ActionResult {
	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	var result ActionResult
	switch ResolveActionType(st) {
	case ActionPrompt:
		result = r.runAgent(runCtx, r.Preamble+"\n\n"+st.Action)
	case ActionSlashCommand:
		result = r.runAgent(runCtx, st.Action)
	default:
		result = r.runShell(runCtx, st.Action)
	}

	if ctx.Err() != nil {
		result.Cancelled = true
	} else if runCtx.Err() != nil {
		result.TimedOut = true
	}
	return result
}

func (r *ExecRunner) runShell(ctx context.Context, action string) ActionResult {
	cmd := exec.CommandContext(ctx, "sh", "-c", action)
	cmd.Dir = r.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if r.Log != nil {
		cmd.Stdout = io.MultiWriter(&stdout, r.Log)
		cmd.Stderr = io.MultiWriter(&stderr, r.Log)
	}

	err := cmd.Run()
	result := ActionResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		result.Err = err
	}
	return result
}

// runAgent invokes the configured agent with the prompt on stdin. Stdout and
// stderr go through a PTY so the agent line-buffers, which keeps log tailing
// usable.
func (r *ExecRunner) runAgent(ctx context.Context, prompt string) ActionResult {
	cmd := exec.CommandContext(ctx, r.Agent.Command, r.Agent.Args...)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), "CLAUDE_BASH_MAINTAIN_PROJECT_WORKING_DIR=1")

	ptmx, pts, err := pty.Open()
	if err != nil {
		return ActionResult{Err: err}
	}
	defer ptmx.Close()

	cmd.Stdin = strings.NewReader(prompt)
	cmd.Stdout = pts
	cmd.Stderr = pts

	if err := cmd.Start(); err != nil {
		pts.Close()
		return ActionResult{Err: err}
	}
	pts.Close() // close slave in parent; child inherited it

	var output bytes.Buffer
	sink := io.Writer(&output)
	if r.Log != nil {
		sink = io.MultiWriter(&output, r.Log)
	}
	// Copy PTY output; EIO at process exit is expected.
	if _, err := io.Copy(sink, ptmx); err != nil {
		var pathErr *os.PathError
		if !(errors.As(err, &pathErr) && pathErr.Err == syscall.EIO) {
			_ = cmd.Wait()
			return ActionResult{Stdout: output.String(), Err: err}
		}
	}

	result := ActionResult{Stdout: output.String()}
	err = cmd.Wait()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		result.Err = err
	}
	return result
}
