// Package loop implements the named long-running loops: YAML definitions in
// one of four paradigms, compiled to a single state table and executed by a
// paradigm-agnostic FSM engine with crash-safe persistence.
package loop

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/re-cinq/little-loops/internal/config"
)

// Loop paradigms. Each compiles to the same state table; paradigm identity
// is not needed at runtime.
const (
	ParadigmGoal        = "goal"
	ParadigmInvariants  = "invariants"
	ParadigmConvergence = "convergence"
	ParadigmImperative  = "imperative"
)

// Canonical verdicts. Evaluators may emit additional verdicts (llm) as long
// as the routing table declares them.
const (
	VerdictSuccess = "success"
	VerdictFailure = "failure"
	VerdictError   = "error"
)

// DoneState is the implicit terminal state paradigm compilation routes to.
const DoneState = "done"

// Definition is the immutable description of a loop.
type Definition struct {
	Name          string           `yaml:"name"`
	Paradigm      string           `yaml:"paradigm,omitempty"`
	Initial       string           `yaml:"initial,omitempty"`
	Scope         []string         `yaml:"scope,omitempty"`
	MaxIterations int              `yaml:"max_iterations,omitempty"`
	States        map[string]State `yaml:"states,omitempty"`

	// Paradigm blocks; exactly one is set unless States is given directly.
	Goal        *GoalSpec        `yaml:"goal,omitempty"`
	Invariants  []InvariantSpec  `yaml:"invariants,omitempty"`
	Convergence *ConvergenceSpec `yaml:"convergence,omitempty"`
	Steps       []StepSpec       `yaml:"steps,omitempty"`
}

// State is one node of the compiled table.
type State struct {
	Action     string            `yaml:"action,omitempty"`
	ActionType string            `yaml:"action_type,omitempty"` // prompt, slash_command, shell
	Timeout    config.Duration   `yaml:"timeout,omitempty"`     // overrides the configured action timeout
	Evaluator  *EvaluatorSpec    `yaml:"evaluator,omitempty"`
	OnSuccess  string            `yaml:"on_success,omitempty"`
	OnFailure  string            `yaml:"on_failure,omitempty"`
	OnError    string            `yaml:"on_error,omitempty"`
	Route      map[string]string `yaml:"route,omitempty"`
	Default    string            `yaml:"default,omitempty"`
	Terminal   bool              `yaml:"terminal,omitempty"`
	Handoff    map[string]string `yaml:"handoff,omitempty"` // verdict -> continuation prompt
}

// GoalSpec is a single check with fix/escalate routing.
type GoalSpec struct {
	Check    string `yaml:"check"`
	Fix      string `yaml:"fix"`
	Escalate string `yaml:"escalate,omitempty"`
}

// InvariantSpec is one constraint of an invariants loop.
type InvariantSpec struct {
	Name  string `yaml:"name"`
	Check string `yaml:"check"`
	Fix   string `yaml:"fix"`
}

// ConvergenceSpec is a metric improvement loop. The check command owns the
// tolerance comparison and exits zero once converged.
type ConvergenceSpec struct {
	Improve string `yaml:"improve"`
	Check   string `yaml:"check"`
}

// StepSpec is one ordered step of an imperative loop. A step with an until
// clause repeats until the until command succeeds.
type StepSpec struct {
	Name   string `yaml:"name"`
	Run    string `yaml:"run"`
	Until  string `yaml:"until,omitempty"`
	Prompt bool   `yaml:"prompt,omitempty"` // run via the agent instead of the shell
}

// DefaultMaxIterations caps loops that do not declare their own.
const DefaultMaxIterations = 50

// LoadDefinition reads and compiles a loop definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading loop definition: %w", err)
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing loop definition: %w", err)
	}
	if def.Name == "" {
		def.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if def.MaxIterations == 0 {
		def.MaxIterations = DefaultMaxIterations
	}
	if err := def.Compile(); err != nil {
		return nil, fmt.Errorf("loop %s: %w", def.Name, err)
	}
	return &def, nil
}

// FindDefinition locates <name>.yaml under repoDir/.loops.
func FindDefinition(repoDir, name string) (*Definition, error) {
	path := filepath.Join(repoDir, ".loops", name+".yaml")
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("loop %q not found at %s", name, path)
	}
	return LoadDefinition(path)
}

// ListDefinitions loads every loop definition under repoDir/.loops, sorted
// by name. Unparseable files are reported, not fatal.
func ListDefinitions(repoDir string) ([]*Definition, []error) {
	entries, err := os.ReadDir(filepath.Join(repoDir, ".loops"))
	if err != nil {
		return nil, nil
	}
	var defs []*Definition
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		def, err := LoadDefinition(filepath.Join(repoDir, ".loops", e.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, errs
}

// Compile expands the paradigm block (if any) into the state table and
// validates the result. Idempotent for definitions that declare States
// directly.
func (d *Definition) Compile() error {
	switch {
	case len(d.States) > 0:
		// explicit table, nothing to expand
	case d.Goal != nil:
		d.compileGoal()
	case len(d.Invariants) > 0:
		d.compileInvariants()
	case d.Convergence != nil:
		d.compileConvergence()
	case len(d.Steps) > 0:
		d.compileImperative()
	default:
		return fmt.Errorf("definition has neither states nor a paradigm block")
	}
	return d.validate()
}

func (d *Definition) ensureDone() {
	if _, ok := d.States[DoneState]; !ok {
		d.States[DoneState] = State{Terminal: true}
	}
}

// compileGoal: check succeeds -> done; check fails -> fix -> check again.
// With an escalate action, a failing fix escalates once and terminates.
func (d *Definition) compileGoal() {
	g := d.Goal
	d.States = map[string]State{
		"check": {
			Action:    g.Check,
			OnSuccess: DoneState,
			OnFailure: "fix",
		},
		"fix": {
			Action:    g.Fix,
			OnSuccess: "check",
			OnFailure: "check",
		},
	}
	if g.Escalate != "" {
		fix := d.States["fix"]
		fix.OnFailure = "escalate"
		d.States["fix"] = fix
		d.States["escalate"] = State{
			Action:    g.Escalate,
			OnSuccess: DoneState,
			OnFailure: DoneState,
		}
	}
	if d.Initial == "" {
		d.Initial = "check"
	}
	d.ensureDone()
}

// compileInvariants: a chain of check/fix pairs; every check must pass in
// sequence, and a fix loops back to its own check.
func (d *Definition) compileInvariants() {
	d.States = make(map[string]State, len(d.Invariants)*2+1)
	for i, inv := range d.Invariants {
		next := DoneState
		if i+1 < len(d.Invariants) {
			next = "check-" + d.Invariants[i+1].Name
		}
		checkName := "check-" + inv.Name
		fixName := "fix-" + inv.Name
		d.States[checkName] = State{
			Action:    inv.Check,
			OnSuccess: next,
			OnFailure: fixName,
		}
		d.States[fixName] = State{
			Action:    inv.Fix,
			OnSuccess: checkName,
			OnFailure: checkName,
		}
	}
	if d.Initial == "" && len(d.Invariants) > 0 {
		d.Initial = "check-" + d.Invariants[0].Name
	}
	d.ensureDone()
}

// compileConvergence: improve, then check; the check command owns the
// tolerance comparison and exits zero once the metric has converged.
func (d *Definition) compileConvergence() {
	c := d.Convergence
	d.States = map[string]State{
		"improve": {
			Action:    c.Improve,
			OnSuccess: "check",
			OnFailure: "check",
		},
		"check": {
			Action:    c.Check,
			OnSuccess: DoneState,
			OnFailure: "improve",
		},
	}
	if d.Initial == "" {
		d.Initial = "improve"
	}
	d.ensureDone()
}

// compileImperative: ordered steps; a step with an until clause re-runs
// itself until the until command succeeds.
func (d *Definition) compileImperative() {
	d.States = make(map[string]State, len(d.Steps)*2+1)
	for i, step := range d.Steps {
		name := step.Name
		if name == "" {
			name = fmt.Sprintf("step-%d", i+1)
		}
		next := DoneState
		if i+1 < len(d.Steps) {
			nextStep := d.Steps[i+1]
			if nextStep.Name != "" {
				next = nextStep.Name
			} else {
				next = fmt.Sprintf("step-%d", i+2)
			}
		}
		actionType := ""
		if step.Prompt {
			actionType = ActionPrompt
		}
		if step.Until == "" {
			d.States[name] = State{
				Action:     step.Run,
				ActionType: actionType,
				OnSuccess:  next,
				OnFailure:  next,
			}
			continue
		}
		gateName := name + "-until"
		d.States[name] = State{
			Action:     step.Run,
			ActionType: actionType,
			OnSuccess:  gateName,
			OnFailure:  gateName,
		}
		d.States[gateName] = State{
			Action:    step.Until,
			OnSuccess: next,
			OnFailure: name,
		}
	}
	if d.Initial == "" && len(d.Steps) > 0 {
		if d.Steps[0].Name != "" {
			d.Initial = d.Steps[0].Name
		} else {
			d.Initial = "step-1"
		}
	}
	d.ensureDone()
}

// validate checks the compiled table for structural problems: a missing or
// unknown initial state, routes to unknown states, non-terminal states with
// no action, and unreachable terminality.
func (d *Definition) validate() error {
	if d.Initial == "" {
		return fmt.Errorf("initial state is required")
	}
	if _, ok := d.States[d.Initial]; !ok {
		return fmt.Errorf("initial state %q is not defined", d.Initial)
	}

	hasTerminal := false
	for name, st := range d.States {
		if st.Terminal {
			hasTerminal = true
			continue
		}
		if st.Action == "" {
			return fmt.Errorf("state %q: non-terminal state needs an action", name)
		}
		for _, target := range d.routeTargets(st) {
			if _, ok := d.States[target]; !ok {
				return fmt.Errorf("state %q routes to unknown state %q", name, target)
			}
		}
	}
	if !hasTerminal {
		return fmt.Errorf("at least one terminal state is required")
	}
	return nil
}

func (d *Definition) routeTargets(st State) []string {
	var targets []string
	for _, t := range []string{st.OnSuccess, st.OnFailure, st.OnError, st.Default} {
		if t != "" {
			targets = append(targets, t)
		}
	}
	for _, t := range st.Route {
		if t != "" {
			targets = append(targets, t)
		}
	}
	return targets
}

// NextState resolves the routing table of a state for a verdict. The
// shorthand keys are consulted first, then the full route map, then the
// declared default. ok is false when nothing matches.
func (st State) NextState(verdict string) (string, bool) {
	switch verdict {
	case VerdictSuccess:
		if st.OnSuccess != "" {
			return st.OnSuccess, true
		}
	case VerdictFailure:
		if st.OnFailure != "" {
			return st.OnFailure, true
		}
	case VerdictError:
		if st.OnError != "" {
			return st.OnError, true
		}
	}
	if next, ok := st.Route[verdict]; ok {
		return next, true
	}
	if st.Default != "" {
		return st.Default, true
	}
	return "", false
}
