package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/re-cinq/little-loops/internal/config"
	"github.com/re-cinq/little-loops/internal/loop"
	"github.com/re-cinq/little-loops/internal/scopelock"
)

var (
	loopQueue bool
	loopQuiet bool

	// scopeWaitTimeout bounds --queue waits so an abandoned lock from a
	// wedged (but alive) process cannot hang the command forever.
	scopeWaitTimeout = 2 * time.Hour
)

func init() {
	loopRunCmd.Flags().BoolVar(&loopQueue, "queue", false, "Wait for the scope instead of failing on conflict")
	loopRunCmd.Flags().BoolVar(&loopQuiet, "quiet", false, "Suppress per-state progress output")
	loopResumeCmd.Flags().BoolVar(&loopQueue, "queue", false, "Wait for the scope instead of failing on conflict")
	loopResumeCmd.Flags().BoolVar(&loopQuiet, "quiet", false, "Suppress per-state progress output")
	loopEventsCmd.Flags().IntVarP(&loopEventsTail, "tail", "n", 0, "Show only the last N events")
	loopCmd.AddCommand(loopRunCmd, loopResumeCmd, loopListCmd, loopValidateCmd, loopEventsCmd)
	rootCmd.AddCommand(loopCmd)
}

var loopEventsTail int

var loopEventsCmd = &cobra.Command{
	Use:   "events <name>",
	Short: "Show a loop's event stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, repoDir, err := setupRun()
		if err != nil {
			return err
		}
		events, err := loop.ReadEvents(repoDir, args[0])
		if err != nil {
			return exitWith(2, err)
		}
		if len(events) == 0 {
			fmt.Printf("no events recorded for loop %q\n", args[0])
			return nil
		}
		if loopEventsTail > 0 && len(events) > loopEventsTail {
			events = events[len(events)-loopEventsTail:]
		}
		for _, ev := range events {
			line := fmt.Sprintf("%s  %-18s iter=%d", ev.TS, ev.Event, ev.Iteration)
			if ev.State != "" {
				line += "  state=" + ev.State
			}
			if ev.Verdict != "" {
				line += "  verdict=" + ev.Verdict
			}
			if ev.Next != "" {
				line += "  next=" + ev.Next
			}
			if ev.PID != 0 {
				line += fmt.Sprintf("  pid=%d", ev.PID)
			}
			if ev.Detail != "" {
				line += "  " + ev.Detail
			}
			fmt.Println(line)
		}
		return nil
	},
}

var loopCmd = &cobra.Command{
	Use:   "loop",
	Short: "Run and inspect the named FSM loops",
}

var loopRunCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "Run a loop from its initial state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLoop(args[0], false)
	},
}

var loopResumeCmd = &cobra.Command{
	Use:   "resume <name>",
	Short: "Resume a loop from its last persisted state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLoop(args[0], true)
	},
}

func runLoop(name string, resume bool) error {
	cfg, repoDir, err := setupRun()
	if err != nil {
		return err
	}
	def, err := loop.FindDefinition(repoDir, name)
	if err != nil {
		return exitWith(2, err)
	}

	// Scope exclusion: one loop per overlapping scope at a time.
	locks := scopelock.NewManager(repoDir)
	if loopQueue {
		if !locks.WaitForScope(def.Scope, scopeWaitTimeout) {
			return exitWith(1, fmt.Errorf("timed out waiting for scope %v", def.Scope))
		}
	}
	if _, err := locks.Acquire(def.Name, def.Scope); err != nil {
		var conflict *scopelock.ConflictError
		if errors.As(err, &conflict) && loopQueue {
			// Lost the race between wait and acquire; wait again once.
			if !locks.WaitForScope(def.Scope, scopeWaitTimeout) {
				return exitWith(1, fmt.Errorf("timed out waiting for scope %v", def.Scope))
			}
			if _, err = locks.Acquire(def.Name, def.Scope); err != nil {
				return exitWith(2, err)
			}
		} else if errors.As(err, &conflict) {
			return exitWith(1, err)
		} else {
			return exitWith(2, err)
		}
	}
	defer func() { _ = locks.Release(def.Name) }()

	state := loop.NewRunState(def)
	if resume {
		recovered, err := loop.LoadState(repoDir, def.Name)
		if err != nil {
			return exitWith(2, err)
		}
		if recovered == nil {
			return exitWith(2, fmt.Errorf("no saved state for loop %q; use `ll loop run %s`", name, name))
		}
		state = recovered
		fmt.Printf("resuming %s at state %s, iteration %d\n", def.Name, state.CurrentState, state.Iteration)
	}

	executor, err := loop.NewExecutor(repoDir, def.Name)
	if err != nil {
		return exitWith(2, err)
	}
	defer executor.Close()

	engine, err := buildLoopEngine(cfg, repoDir, def, executor)
	if err != nil {
		return exitWith(2, err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if runErr := engine.Run(ctx, state); runErr != nil {
		return exitWith(2, runErr)
	}
	if !loopQuiet {
		fmt.Printf("loop %s: %s (%s) after %d iteration(s)\n",
			def.Name, state.Status, state.TerminatedBy, state.Iteration)
	}
	if state.TerminatedBy != loop.TerminatedByTerminal {
		return exitWith(1, fmt.Errorf("loop %s ended by %s", def.Name, state.TerminatedBy))
	}
	return nil
}

func buildLoopEngine(cfg *config.Config, repoDir string, def *loop.Definition, executor *loop.Executor) (*loop.Engine, error) {
	runner := &loop.ExecRunner{
		Dir:      repoDir,
		Agent:    cfg.Agent,
		Preamble: cfg.ResolvePreamble(),
		Log:      os.Stdout,
	}
	if loopQuiet {
		runner.Log = nil
	}

	events := func(ev loop.Event) error {
		if !loopQuiet {
			switch ev.Event {
			case loop.EventStateEnter:
				fmt.Printf("[%s] iteration %d: %s\n", def.Name, ev.Iteration, ev.State)
			case loop.EventEvaluate:
				fmt.Printf("[%s] verdict: %s\n", def.Name, ev.Verdict)
			case loop.EventHandoffSpawned:
				fmt.Printf("[%s] handoff spawned (pid %d)\n", def.Name, ev.PID)
			}
		}
		return executor.AppendEvent(ev)
	}

	return loop.NewEngine(def, loop.EngineOptions{
		Runner:        runner,
		Judge:         loop.AgentJudge{Agent: cfg.Agent, Dir: repoDir},
		ActionTimeout: cfg.Settings.ActionTimeout.Duration(),
		Events:        events,
		SaveState:     executor.SaveState,
		SpawnHandoff: func(prompt string) (int, error) {
			return loop.SpawnDetached(repoDir, cfg.Agent, prompt)
		},
	})
}

var loopListCmd = &cobra.Command{
	Use:   "list",
	Short: "List defined loops and their run state",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, repoDir, err := setupRun()
		if err != nil {
			return err
		}
		defs, parseErrs := loop.ListDefinitions(repoDir)
		for _, e := range parseErrs {
			fmt.Fprintf(os.Stderr, "warning: %s\n", e)
		}
		if len(defs) == 0 {
			fmt.Println("no loops defined under .loops/")
			return nil
		}

		locks := scopelock.NewManager(repoDir)
		held := make(map[string]*scopelock.Lock)
		for _, l := range locks.Active() {
			held[l.LoopName] = l
		}

		for _, def := range defs {
			status := "idle"
			if state, err := loop.LoadState(repoDir, def.Name); err == nil && state != nil {
				status = state.Status
				if state.Status == loop.StatusRunning && held[def.Name] == nil {
					status = "interrupted" // state says running but nobody holds the lock
				}
			}
			if l := held[def.Name]; l != nil {
				status = fmt.Sprintf("running (pid %d)", l.PID)
			}
			scope := "project-wide"
			if len(def.Scope) > 0 {
				scope = fmt.Sprintf("%v", def.Scope)
			}
			fmt.Printf("  %-20s %-24s scope: %s\n", def.Name, status, scope)
		}
		return nil
	},
}

var loopValidateCmd = &cobra.Command{
	Use:   "validate [name]",
	Short: "Validate loop definitions",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, repoDir, err := setupRun()
		if err != nil {
			return err
		}
		if len(args) == 1 {
			if _, err := loop.FindDefinition(repoDir, args[0]); err != nil {
				return exitWith(2, err)
			}
			fmt.Printf("loop %s is valid\n", args[0])
			return nil
		}
		defs, parseErrs := loop.ListDefinitions(repoDir)
		for _, e := range parseErrs {
			fmt.Fprintf(os.Stderr, "Error: %s\n", e)
		}
		if len(parseErrs) > 0 {
			return exitWith(2, fmt.Errorf("%d invalid loop definition(s)", len(parseErrs)))
		}
		fmt.Printf("%d loop definition(s) valid\n", len(defs))
		return nil
	},
}
