// Package scopelock coordinates named long-running loops over filesystem
// scopes. Each active loop owns a JSON lock file under .loops/.running; two
// loops whose scopes overlap (equal, or one an ancestor of the other) may not
// run at the same time. Locks from dead processes are reaped during any scan.
package scopelock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/renameio/v2"

	"github.com/re-cinq/little-loops/internal/fileutil"
)

// Lock is the persisted record of an active loop.
type Lock struct {
	LoopName  string   `json:"loop_name"`
	Scope     []string `json:"scope"`
	PID       int      `json:"pid"`
	StartedAt string   `json:"started_at"` // RFC3339
}

// Manager owns the lock directory of one repository.
type Manager struct {
	repoDir string
}

// NewManager creates a Manager rooted at repoDir.
func NewManager(repoDir string) *Manager {
	return &Manager{repoDir: repoDir}
}

// DefaultPollInterval is how often WaitForScope re-checks availability.
var DefaultPollInterval = 500 * time.Millisecond

// lockPath returns the lock file path for a loop name.
func (m *Manager) lockPath(name string) string {
	return filepath.Join(fileutil.RunningDir(m.repoDir), name+".lock")
}

// NormalizeScope resolves scope paths against the repository root and strips
// trailing slashes. An empty scope claims the whole project (".").
func (m *Manager) NormalizeScope(scope []string) []string {
	if len(scope) == 0 {
		return []string{"."}
	}
	out := make([]string, 0, len(scope))
	for _, p := range scope {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "."
		}
		abs := p
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(m.repoDir, p)
		}
		if resolved, err := filepath.EvalSymlinks(abs); err == nil {
			abs = resolved
		}
		if rel, err := filepath.Rel(m.repoDir, abs); err == nil {
			out = append(out, rel)
		} else {
			out = append(out, abs)
		}
	}
	return out
}

// pathsOverlap reports whether two normalized paths coincide or one contains
// the other.
func pathsOverlap(a, b string) bool {
	if a == b {
		return true
	}
	return isAncestor(a, b) || isAncestor(b, a)
}

func isAncestor(parent, child string) bool {
	if parent == "." {
		return true
	}
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, "../") && rel != "."
}

// ScopesOverlap reports whether any pair of paths across the two scopes
// overlaps. Both scopes must already be normalized.
func ScopesOverlap(a, b []string) bool {
	for _, pa := range a {
		for _, pb := range b {
			if pathsOverlap(pa, pb) {
				return true
			}
		}
	}
	return false
}

// ConflictError reports the surviving lock that blocked an acquire.
type ConflictError struct {
	Holder *Lock
	Scope  []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("scope %v held by loop %q (pid %d, scope %v)",
		e.Scope, e.Holder.LoopName, e.Holder.PID, e.Holder.Scope)
}

// Acquire claims a scope for a named loop. Existing locks are scanned first:
// dead owners are reaped, and any surviving overlap fails the acquire with a
// ConflictError.
func (m *Manager) Acquire(name string, scope []string) (*Lock, error) {
	normalized := m.NormalizeScope(scope)
	if conflict := m.FindConflict(normalized); conflict != nil {
		return nil, &ConflictError{Holder: conflict, Scope: normalized}
	}

	lock := &Lock{
		LoopName:  name,
		Scope:     normalized,
		PID:       os.Getpid(),
		StartedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := fileutil.EnsureDir(fileutil.RunningDir(m.repoDir)); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := renameio.WriteFile(m.lockPath(name), append(data, '\n'), 0644); err != nil {
		return nil, fmt.Errorf("writing lock file: %w", err)
	}
	return lock, nil
}

// Release removes a loop's lock file. Missing is not an error; there is no
// exists-check before the unlink.
func (m *Manager) Release(name string) error {
	err := os.Remove(m.lockPath(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lock file: %w", err)
	}
	return nil
}

// FindConflict returns the first surviving lock whose scope overlaps the
// given (already normalized) scope, or nil. Dead owners are reaped along the
// way; malformed lock files are skipped.
func (m *Manager) FindConflict(scope []string) *Lock {
	for _, lock := range m.survivingLocks() {
		if ScopesOverlap(lock.Scope, scope) {
			return lock
		}
	}
	return nil
}

// Active returns all surviving locks, reaping dead owners.
func (m *Manager) Active() []*Lock {
	return m.survivingLocks()
}

// WaitForScope polls until the scope is available or the timeout elapses.
// Returns true on availability.
func (m *Manager) WaitForScope(scope []string, timeout time.Duration) bool {
	normalized := m.NormalizeScope(scope)
	deadline := time.Now().Add(timeout)
	for {
		if m.FindConflict(normalized) == nil {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(DefaultPollInterval)
	}
}

// survivingLocks scans the lock directory, deletes locks whose owner PID is
// dead, and returns the rest.
func (m *Manager) survivingLocks() []*Lock {
	entries, err := os.ReadDir(fileutil.RunningDir(m.repoDir))
	if err != nil {
		return nil
	}
	var locks []*Lock
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		path := filepath.Join(fileutil.RunningDir(m.repoDir), e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var lock Lock
		if err := json.Unmarshal(data, &lock); err != nil {
			continue // malformed lock files are skipped
		}
		if !IsProcessAlive(lock.PID) {
			_ = os.Remove(path) // reap dead owner
			continue
		}
		locks = append(locks, &lock)
	}
	return locks
}

// IsProcessAlive checks whether a PID refers to a live process using signal 0.
// EPERM means the process exists but belongs to another user.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}
