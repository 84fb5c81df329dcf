package loop

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"

	"github.com/re-cinq/little-loops/internal/config"
)

// AgentJudge implements LLMJudge by delegating to the configured agent: the
// action output and the allowed verdicts go in, a single verdict line is
// expected back.
type AgentJudge struct {
	Agent config.AgentConfig
	Dir   string
}

// Judge asks the agent to classify the output. The last line of the agent's
// reply that matches an allowed verdict wins.
func (j AgentJudge) Judge(output string, verdicts []string) (string, error) {
	prompt := fmt.Sprintf(
		"Classify the following command output. Reply with exactly one of: %s\n\nOutput:\n%s\n",
		strings.Join(verdicts, ", "), output)

	cmd := exec.Command(j.Agent.Command, j.Agent.Args...)
	cmd.Dir = j.Dir
	cmd.Stdin = strings.NewReader(prompt)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("judge agent: %w", err)
	}

	reply := stdout.String()
	verdict := ""
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		for _, allowed := range verdicts {
			if strings.EqualFold(line, allowed) {
				verdict = allowed
			}
		}
	}
	if verdict == "" {
		return "", fmt.Errorf("judge returned no recognizable verdict")
	}
	return verdict, nil
}
