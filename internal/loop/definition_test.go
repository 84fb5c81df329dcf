package loop

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileGoal(t *testing.T) {
	def := &Definition{
		Name: "lint-clean",
		Goal: &GoalSpec{Check: "make lint", Fix: "fix the lint errors"},
	}
	require.NoError(t, def.Compile())

	assert.Equal(t, "check", def.Initial)
	assert.Equal(t, DoneState, def.States["check"].OnSuccess)
	assert.Equal(t, "fix", def.States["check"].OnFailure)
	assert.Equal(t, "check", def.States["fix"].OnSuccess)
	assert.True(t, def.States[DoneState].Terminal)
}

func TestCompileGoalWithEscalate(t *testing.T) {
	def := &Definition{
		Name: "tests-green",
		Goal: &GoalSpec{Check: "go test ./...", Fix: "fix failing tests", Escalate: "/escalate"},
	}
	require.NoError(t, def.Compile())

	assert.Equal(t, "escalate", def.States["fix"].OnFailure)
	assert.Equal(t, DoneState, def.States["escalate"].OnSuccess)
}

func TestCompileInvariants(t *testing.T) {
	def := &Definition{
		Name: "hygiene",
		Invariants: []InvariantSpec{
			{Name: "fmt", Check: "gofmt -l .", Fix: "gofmt -w ."},
			{Name: "vet", Check: "go vet ./...", Fix: "fix vet warnings"},
		},
	}
	require.NoError(t, def.Compile())

	assert.Equal(t, "check-fmt", def.Initial)
	assert.Equal(t, "check-vet", def.States["check-fmt"].OnSuccess)
	assert.Equal(t, "fix-fmt", def.States["check-fmt"].OnFailure)
	assert.Equal(t, "check-fmt", def.States["fix-fmt"].OnSuccess)
	assert.Equal(t, DoneState, def.States["check-vet"].OnSuccess)
}

func TestCompileConvergence(t *testing.T) {
	def := &Definition{
		Name:        "shrink-binary",
		Convergence: &ConvergenceSpec{Improve: "optimize", Check: "./check-size.sh"},
	}
	require.NoError(t, def.Compile())

	assert.Equal(t, "improve", def.Initial)
	assert.Equal(t, "check", def.States["improve"].OnSuccess)
	assert.Equal(t, DoneState, def.States["check"].OnSuccess)
	assert.Equal(t, "improve", def.States["check"].OnFailure)
}

func TestCompileImperative(t *testing.T) {
	def := &Definition{
		Name: "release",
		Steps: []StepSpec{
			{Name: "build", Run: "make build"},
			{Name: "wait-ci", Run: "trigger-ci", Until: "ci-green"},
			{Run: "make publish"},
		},
	}
	require.NoError(t, def.Compile())

	assert.Equal(t, "build", def.Initial)
	assert.Equal(t, "wait-ci", def.States["build"].OnSuccess)
	assert.Equal(t, "wait-ci-until", def.States["wait-ci"].OnSuccess)
	assert.Equal(t, "step-3", def.States["wait-ci-until"].OnSuccess)
	assert.Equal(t, "wait-ci", def.States["wait-ci-until"].OnFailure, "until loops back to the step")
	assert.Equal(t, DoneState, def.States["step-3"].OnSuccess)
}

func TestCompileImperativePromptStep(t *testing.T) {
	def := &Definition{
		Name:  "doc-pass",
		Steps: []StepSpec{{Name: "write", Run: "improve the README", Prompt: true}},
	}
	require.NoError(t, def.Compile())
	assert.Equal(t, ActionPrompt, def.States["write"].ActionType)
}

func TestCompileValidation(t *testing.T) {
	tests := []struct {
		name string
		def  *Definition
	}{
		{
			name: "no states and no paradigm",
			def:  &Definition{Name: "empty"},
		},
		{
			name: "unknown initial",
			def: &Definition{
				Name:    "bad",
				Initial: "ghost",
				States:  map[string]State{"done": {Terminal: true}},
			},
		},
		{
			name: "route to unknown state",
			def: &Definition{
				Name:    "bad",
				Initial: "a",
				States: map[string]State{
					"a":    {Action: "true", OnSuccess: "ghost"},
					"done": {Terminal: true},
				},
			},
		},
		{
			name: "no terminal state",
			def: &Definition{
				Name:    "bad",
				Initial: "a",
				States:  map[string]State{"a": {Action: "true", OnSuccess: "a"}},
			},
		},
		{
			name: "non-terminal without action",
			def: &Definition{
				Name:    "bad",
				Initial: "a",
				States: map[string]State{
					"a":    {OnSuccess: "done"},
					"done": {Terminal: true},
				},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.def.Compile())
		})
	}
}

func TestNextState(t *testing.T) {
	st := State{
		OnSuccess: "b",
		Route:     map[string]string{"degraded": "triage"},
		Default:   "fallback",
	}

	next, ok := st.NextState(VerdictSuccess)
	assert.True(t, ok)
	assert.Equal(t, "b", next)

	next, ok = st.NextState("degraded")
	assert.True(t, ok)
	assert.Equal(t, "triage", next)

	next, ok = st.NextState("unheard-of")
	assert.True(t, ok)
	assert.Equal(t, "fallback", next, "unmatched verdicts fall through to default")

	st.Default = ""
	_, ok = st.NextState("unheard-of")
	assert.False(t, ok, "no default means no route")
}

func TestLoadDefinition(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quality.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scope: ["src/"]
max_iterations: 10
goal:
  check: "make lint"
  fix: "fix the lint errors"
`), 0644))

	def, err := LoadDefinition(path)
	require.NoError(t, err)
	assert.Equal(t, "quality", def.Name, "name defaults to the filename")
	assert.Equal(t, []string{"src/"}, def.Scope)
	assert.Equal(t, 10, def.MaxIterations)
	assert.Contains(t, def.States, "check")
}

func TestFindDefinitionMissing(t *testing.T) {
	_, err := FindDefinition(t.TempDir(), "nope")
	assert.Error(t, err)
}

func TestListDefinitions(t *testing.T) {
	repo := t.TempDir()
	loopsDir := filepath.Join(repo, ".loops")
	require.NoError(t, os.MkdirAll(loopsDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(loopsDir, "b.yaml"), []byte("goal: {check: 'true', fix: 'true'}\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(loopsDir, "a.yaml"), []byte("goal: {check: 'true', fix: 'true'}\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(loopsDir, "broken.yaml"), []byte(":::"), 0644))

	defs, errs := ListDefinitions(repo)
	require.Len(t, defs, 2)
	assert.Equal(t, "a", defs[0].Name)
	assert.Equal(t, "b", defs[1].Name)
	assert.Len(t, errs, 1)
}

func TestResolveActionType(t *testing.T) {
	assert.Equal(t, ActionSlashCommand, ResolveActionType(State{Action: "/review"}))
	assert.Equal(t, ActionShell, ResolveActionType(State{Action: "make test"}))
	assert.Equal(t, ActionPrompt, ResolveActionType(State{Action: "make it faster", ActionType: ActionPrompt}))
}
