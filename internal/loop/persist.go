package loop

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/re-cinq/little-loops/internal/fileutil"
)

// Executor is the crash-safe persistence layer around an Engine run: state
// snapshots are written with temp-file rename, events are appended to a
// JSON-lines file and fsynced at iteration boundaries and terminal events.
type Executor struct {
	repoDir string
	name    string
	events  *os.File
}

// StatePath returns the snapshot path for a loop name.
func StatePath(repoDir, name string) string {
	return filepath.Join(fileutil.RunningDir(repoDir), name+".state.json")
}

// EventsPath returns the event log path for a loop name.
func EventsPath(repoDir, name string) string {
	return filepath.Join(fileutil.RunningDir(repoDir), name+".events.jsonl")
}

// NewExecutor opens (creating if needed) the event log for a loop.
func NewExecutor(repoDir, name string) (*Executor, error) {
	if err := fileutil.EnsureDir(fileutil.RunningDir(repoDir)); err != nil {
		return nil, fmt.Errorf("creating running directory: %w", err)
	}
	f, err := os.OpenFile(EventsPath(repoDir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening events file: %w", err)
	}
	return &Executor{repoDir: repoDir, name: name, events: f}, nil
}

// Close closes the event log.
func (x *Executor) Close() error {
	return x.events.Close()
}

// AppendEvent writes one event as a JSON line. Terminal events and iteration
// boundaries are flushed to disk so a crash leaves the log truncated at a
// line boundary with nothing acknowledged lost.
func (x *Executor) AppendEvent(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := x.events.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	switch ev.Event {
	case EventIterationComplete, EventLoopComplete:
		if err := x.events.Sync(); err != nil {
			return fmt.Errorf("syncing events: %w", err)
		}
	}
	return nil
}

// SaveState atomically replaces the state snapshot.
func (x *Executor) SaveState(state *RunState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(StatePath(x.repoDir, x.name), append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("writing state snapshot: %w", err)
	}
	return nil
}

// LoadState reads the last persisted snapshot for a loop, or nil if none
// exists.
func LoadState(repoDir, name string) (*RunState, error) {
	data, err := os.ReadFile(StatePath(repoDir, name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state snapshot: %w", err)
	}
	var state RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing state snapshot: %w", err)
	}
	return &state, nil
}

// ReadEvents parses the event log, tolerating a trailing partial line from
// an interrupted run.
func ReadEvents(repoDir, name string) ([]Event, error) {
	f, err := os.Open(EventsPath(repoDir, name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue // partial tail line from a crash
		}
		events = append(events, ev)
	}
	return events, sc.Err()
}

// RemoveRunFiles deletes the snapshot and event log for a completed loop.
// Missing files are fine.
func RemoveRunFiles(repoDir, name string) {
	_ = os.Remove(StatePath(repoDir, name))
	_ = os.Remove(EventsPath(repoDir, name))
}
