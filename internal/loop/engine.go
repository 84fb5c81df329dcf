package loop

import (
	"context"
	"fmt"
	"time"
)

// Run statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Termination causes.
const (
	TerminatedByTerminal      = "terminal"
	TerminatedByMaxIterations = "max_iterations"
	TerminatedByCancelled     = "cancelled"
	TerminatedByError         = "error"
)

// Event names, in emission order within one iteration.
const (
	EventLoopStart         = "loop_start"
	EventStateEnter        = "state_enter"
	EventActionStart       = "action_start"
	EventActionComplete    = "action_complete"
	EventEvaluate          = "evaluate"
	EventRoute             = "route"
	EventIterationComplete = "iteration_complete"
	EventLoopComplete      = "loop_complete"
	EventHandoffSpawned    = "handoff_spawned"
)

// Event is one record of the append-only JSON-lines stream.
type Event struct {
	Event     string `json:"event"`
	TS        string `json:"ts"`
	State     string `json:"state,omitempty"`
	Verdict   string `json:"verdict,omitempty"`
	Next      string `json:"next,omitempty"`
	Iteration int    `json:"iteration"`
	ExitCode  int    `json:"exit_code,omitempty"`
	PID       int    `json:"pid,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// RunState is the mutable, persisted progress of one loop run.
type RunState struct {
	LoopName     string `json:"loop_name"`
	CurrentState string `json:"current_state"`
	Iteration    int    `json:"iteration"`
	Status       string `json:"status"`
	LastVerdict  string `json:"last_verdict,omitempty"`
	TerminatedBy string `json:"terminated_by,omitempty"`
	StartedAt    string `json:"started_at,omitempty"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}

// NewRunState seeds a fresh run at the definition's initial state.
func NewRunState(def *Definition) *RunState {
	return &RunState{
		LoopName:     def.Name,
		CurrentState: def.Initial,
		Status:       StatusPending,
		StartedAt:    time.Now().UTC().Format(time.RFC3339),
	}
}

// EventSink receives each emitted event. Persistence failures abort the run.
type EventSink func(Event) error

// StateSink persists the run state after every transition.
type StateSink func(*RunState) error

// HandoffSpawner launches a detached continuation process and returns its pid.
type HandoffSpawner func(prompt string) (int, error)

// Engine executes a compiled definition. The engine is paradigm-agnostic:
// it only sees the state table.
type Engine struct {
	def           *Definition
	runner        ActionRunner
	judge         LLMJudge
	actionTimeout time.Duration
	events        EventSink
	saveState     StateSink
	spawnHandoff  HandoffSpawner

	evaluators map[string]Evaluator
}

// EngineOptions wires an Engine.
type EngineOptions struct {
	Runner        ActionRunner
	Judge         LLMJudge // required only when an llm evaluator appears
	ActionTimeout time.Duration
	Events        EventSink
	SaveState     StateSink
	SpawnHandoff  HandoffSpawner // nil disables handoff routes
}

// NewEngine compiles each state's evaluator up front so evaluator problems
// fail the run before any action executes.
func NewEngine(def *Definition, opts EngineOptions) (*Engine, error) {
	e := &Engine{
		def:           def,
		runner:        opts.Runner,
		judge:         opts.Judge,
		actionTimeout: opts.ActionTimeout,
		events:        opts.Events,
		saveState:     opts.SaveState,
		spawnHandoff:  opts.SpawnHandoff,
		evaluators:    make(map[string]Evaluator, len(def.States)),
	}
	if e.events == nil {
		e.events = func(Event) error { return nil }
	}
	if e.saveState == nil {
		e.saveState = func(*RunState) error { return nil }
	}
	for name, st := range def.States {
		if st.Terminal {
			continue
		}
		ev, err := BuildEvaluator(st.Evaluator, opts.Judge)
		if err != nil {
			return nil, fmt.Errorf("state %q: %w", name, err)
		}
		e.evaluators[name] = ev
	}
	return e, nil
}

func (e *Engine) emit(ev Event) error {
	ev.TS = time.Now().UTC().Format(time.RFC3339Nano)
	return e.events(ev)
}

func (e *Engine) persist(state *RunState) error {
	state.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return e.saveState(state)
}

// Run executes the loop from the given state until a terminal state, the
// iteration cap, cancellation, or an unroutable verdict. The state may come
// from NewRunState or from a recovered snapshot; iteration and current state
// are honored either way.
func (e *Engine) Run(ctx context.Context, state *RunState) error {
	state.Status = StatusRunning
	if err := e.persist(state); err != nil {
		return fmt.Errorf("persisting run state: %w", err)
	}
	if err := e.emit(Event{Event: EventLoopStart, State: state.CurrentState, Iteration: state.Iteration}); err != nil {
		return err
	}

	for {
		// Cooperative cancellation at the loop boundary.
		if ctx.Err() != nil {
			return e.finish(state, StatusCancelled, TerminatedByCancelled)
		}

		st, ok := e.def.States[state.CurrentState]
		if !ok {
			state.TerminatedBy = TerminatedByError
			e.finishBestEffort(state, StatusFailed, TerminatedByError)
			return fmt.Errorf("run reached unknown state %q", state.CurrentState)
		}

		if st.Terminal {
			return e.finish(state, StatusCompleted, TerminatedByTerminal)
		}

		if state.Iteration >= e.def.MaxIterations {
			return e.finish(state, StatusFailed, TerminatedByMaxIterations)
		}

		if err := e.emit(Event{Event: EventStateEnter, State: state.CurrentState, Iteration: state.Iteration}); err != nil {
			return err
		}

		// Cancellation check again right before the action launch.
		if ctx.Err() != nil {
			return e.finish(state, StatusCancelled, TerminatedByCancelled)
		}

		if err := e.emit(Event{Event: EventActionStart, State: state.CurrentState, Iteration: state.Iteration}); err != nil {
			return err
		}
		timeout := e.actionTimeout
		if st.Timeout > 0 {
			timeout = st.Timeout.Duration()
		}
		result := e.runner.RunAction(ctx, st, timeout)
		if err := e.emit(Event{
			Event:     EventActionComplete,
			State:     state.CurrentState,
			Iteration: state.Iteration,
			ExitCode:  result.ExitCode,
			Detail:    actionDetail(result),
		}); err != nil {
			return err
		}

		verdict := e.evaluators[state.CurrentState].Evaluate(result)
		state.LastVerdict = verdict
		if err := e.emit(Event{Event: EventEvaluate, State: state.CurrentState, Verdict: verdict, Iteration: state.Iteration}); err != nil {
			return err
		}

		if prompt, ok := st.Handoff[verdict]; ok && e.spawnHandoff != nil {
			pid, err := e.spawnHandoff(prompt)
			if err != nil {
				// Handoff children are fire-and-forget; a failed spawn is
				// recorded but does not fail the loop.
				_ = e.emit(Event{Event: EventHandoffSpawned, State: state.CurrentState, Iteration: state.Iteration, Detail: err.Error()})
			} else if err := e.emit(Event{Event: EventHandoffSpawned, State: state.CurrentState, Iteration: state.Iteration, PID: pid}); err != nil {
				return err
			}
		}

		next, routed := st.NextState(verdict)
		if !routed {
			e.finishBestEffort(state, StatusFailed, TerminatedByError)
			return fmt.Errorf("state %q has no route for verdict %q", state.CurrentState, verdict)
		}
		if err := e.emit(Event{Event: EventRoute, State: state.CurrentState, Verdict: verdict, Next: next, Iteration: state.Iteration}); err != nil {
			return err
		}

		state.CurrentState = next
		state.Iteration++
		if err := e.persist(state); err != nil {
			return fmt.Errorf("persisting run state: %w", err)
		}
		if err := e.emit(Event{Event: EventIterationComplete, State: next, Iteration: state.Iteration}); err != nil {
			return err
		}
	}
}

func (e *Engine) finish(state *RunState, status, terminatedBy string) error {
	state.Status = status
	state.TerminatedBy = terminatedBy
	if err := e.persist(state); err != nil {
		return fmt.Errorf("persisting final state: %w", err)
	}
	return e.emit(Event{Event: EventLoopComplete, State: state.CurrentState, Iteration: state.Iteration, Detail: terminatedBy})
}

// finishBestEffort records a failure outcome without masking the error the
// caller is about to return.
func (e *Engine) finishBestEffort(state *RunState, status, terminatedBy string) {
	state.Status = status
	state.TerminatedBy = terminatedBy
	_ = e.persist(state)
	_ = e.emit(Event{Event: EventLoopComplete, State: state.CurrentState, Iteration: state.Iteration, Detail: terminatedBy})
}

func actionDetail(result ActionResult) string {
	switch {
	case result.Cancelled:
		return "cancelled"
	case result.TimedOut:
		return "timeout"
	case result.Err != nil:
		return result.Err.Error()
	default:
		return ""
	}
}
