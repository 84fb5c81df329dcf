package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

// logTailLimit bounds the rotating log kept inside the state file.
const logTailLimit = 100

// RunStateFile is the persisted progress of an orchestrator run. Two
// orchestrator processes over disjoint categories may share the file; reads
// merge by set union so neither clobbers the other's progress.
type RunStateFile struct {
	RunID             string              `json:"run_id,omitempty"`
	Attempted         []string            `json:"attempted_issue_ids"`
	Completed         []string            `json:"completed_issue_ids"` // preserves completion order
	Failed            []string            `json:"failed_issue_ids"`
	Corrections       map[string][]string `json:"corrections,omitempty"`
	InProgress        []string            `json:"in_progress_ids,omitempty"`
	PendingMergeCount int                 `json:"pending_merge_count"`
	LogTail           []string            `json:"log_tail,omitempty"`
	UpdatedAt         string              `json:"updated_at,omitempty"`
}

// StateStore owns the in-memory orchestrator state and its JSON snapshot on
// disk. The orchestrator goroutine is the only mutator; worker callbacks go
// through the orchestrator's mailbox, so plain mutex protection suffices
// for the readers.
type StateStore struct {
	mu    sync.Mutex
	path  string
	runID string
	dirty bool

	attempted    map[string]bool
	completed    []string
	completedIn  map[string]bool
	failed       map[string]bool
	inProgress   map[string]bool
	corrections  map[string][]string
	pendingMerge int
	logTail      []string
}

// NewStateStore creates a store backed by the given file path.
func NewStateStore(path, runID string) *StateStore {
	return &StateStore{
		path:        path,
		runID:       runID,
		attempted:   make(map[string]bool),
		completedIn: make(map[string]bool),
		failed:      make(map[string]bool),
		inProgress:  make(map[string]bool),
		corrections: make(map[string][]string),
	}
}

// Load merges any on-disk snapshot into the in-memory state. Called at
// startup and before every save.
func (s *StateStore) Load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading state file: %w", err)
	}
	var onDisk RunStateFile
	if err := json.Unmarshal(data, &onDisk); err != nil {
		return fmt.Errorf("parsing state file %s: %w", s.path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeLocked(&onDisk)
	return nil
}

func (s *StateStore) mergeLocked(onDisk *RunStateFile) {
	for _, id := range onDisk.Attempted {
		s.attempted[id] = true
	}
	for _, id := range onDisk.Completed {
		if !s.completedIn[id] {
			s.completedIn[id] = true
			s.completed = append(s.completed, id)
		}
	}
	for _, id := range onDisk.Failed {
		s.failed[id] = true
	}
	for id, notes := range onDisk.Corrections {
		existing := make(map[string]bool, len(s.corrections[id]))
		for _, n := range s.corrections[id] {
			existing[n] = true
		}
		for _, n := range notes {
			if !existing[n] {
				s.corrections[id] = append(s.corrections[id], n)
			}
		}
	}
}

// Save re-reads the on-disk state, merges, and atomically replaces the file.
// No-op unless something changed since the last save.
func (s *StateStore) Save() error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	// Merge with parallel writers before replacing.
	if err := s.Load(); err != nil {
		return err
	}

	s.mu.Lock()
	snapshot := s.snapshotLocked()
	s.dirty = false
	s.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	if err := renameio.WriteFile(s.path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	return nil
}

func (s *StateStore) snapshotLocked() *RunStateFile {
	out := &RunStateFile{
		RunID:             s.runID,
		Completed:         append([]string(nil), s.completed...),
		PendingMergeCount: s.pendingMerge,
		LogTail:           append([]string(nil), s.logTail...),
		UpdatedAt:         time.Now().UTC().Format(time.RFC3339),
		Corrections:       make(map[string][]string, len(s.corrections)),
	}
	out.Attempted = sortedKeys(s.attempted)
	out.Failed = sortedKeys(s.failed)
	out.InProgress = sortedKeys(s.inProgress)
	for id, notes := range s.corrections {
		out.Corrections[id] = append([]string(nil), notes...)
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MarkAttempted records that an issue was handed to a worker.
func (s *StateStore) MarkAttempted(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempted[id] = true
	s.inProgress[id] = true
	s.dirty = true
}

// MarkCompleted records a merged issue, preserving completion order.
func (s *StateStore) MarkCompleted(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.completedIn[id] {
		s.completedIn[id] = true
		s.completed = append(s.completed, id)
	}
	delete(s.inProgress, id)
	s.dirty = true
}

// MarkFailed records a failed issue.
func (s *StateStore) MarkFailed(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = true
	delete(s.inProgress, id)
	s.dirty = true
}

// AddCorrections appends category-tagged validator notes for an issue.
func (s *StateStore) AddCorrections(id string, corrections []Correction) {
	if len(corrections) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range corrections {
		s.corrections[id] = append(s.corrections[id], fmt.Sprintf("[%s] %s", c.Category, c.Text))
	}
	s.dirty = true
}

// SetPendingMerge publishes the merge queue depth.
func (s *StateStore) SetPendingMerge(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingMerge != n {
		s.pendingMerge = n
		s.dirty = true
	}
}

// AppendLog adds a line to the rotating log tail.
func (s *StateStore) AppendLog(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logTail = append(s.logTail, line)
	if len(s.logTail) > logTailLimit {
		s.logTail = s.logTail[len(s.logTail)-logTailLimit:]
	}
	s.dirty = true
}

// CompletedSet returns the completed ids as a set.
func (s *StateStore) CompletedSet() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.completedIn))
	for id := range s.completedIn {
		out[id] = true
	}
	return out
}

// CompletedOrder returns completed ids in completion order.
func (s *StateStore) CompletedOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.completed...)
}

// FailedIDs returns the failed set sorted.
func (s *StateStore) FailedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.failed)
}

// AttemptedSet returns the attempted ids as a set.
func (s *StateStore) AttemptedSet() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.attempted))
	for id := range s.attempted {
		out[id] = true
	}
	return out
}

// Corrections returns a copy of the corrections map.
func (s *StateStore) Corrections() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string, len(s.corrections))
	for id, notes := range s.corrections {
		out[id] = append([]string(nil), notes...)
	}
	return out
}
