package engine

import (
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"

	gitops "github.com/re-cinq/little-loops/internal/git"
	"github.com/re-cinq/little-loops/internal/issue"
)

// IgnoreFile lists paths leak detection must never touch, one gitignore
// pattern per line at the repository root.
const IgnoreFile = ".llignore"

// Leak is a path that appeared in the main repository after the baseline
// was taken.
type Leak struct {
	Path      string
	Untracked bool
}

// LeakDetector notices files appearing in the main repository while workers
// run. Agents are supposed to stay inside their worktrees; anything new in
// the main checkout leaked out of one.
type LeakDetector struct {
	repo     *gitops.Repo
	baseline map[string]bool
	matcher  *ignore.GitIgnore // may be nil
}

// NewLeakDetector records the pre-pipeline status of the main repository as
// the baseline and loads .llignore if present.
func NewLeakDetector(repo *gitops.Repo) (*LeakDetector, error) {
	lines, err := repo.StatusPorcelain()
	if err != nil {
		return nil, err
	}
	d := &LeakDetector{repo: repo, baseline: make(map[string]bool, len(lines))}
	for _, line := range lines {
		d.baseline[porcelainPath(line)] = true
	}
	if matcher, err := ignore.CompileIgnoreFile(filepath.Join(repo.Dir, IgnoreFile)); err == nil {
		d.matcher = matcher
	}
	return d, nil
}

// ownArtifact reports paths the orchestrator itself creates while a run is
// active. These are never leaks regardless of .llignore.
func ownArtifact(path string) bool {
	if path == IgnoreFile || path == ".auto-state.json" {
		return true
	}
	for _, prefix := range []string{".ll/", ".issues/", ".loops/"} {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// porcelainPath extracts the path from a porcelain status line, using the
// rename target when present.
func porcelainPath(line string) string {
	if len(line) < 4 {
		return strings.TrimSpace(line)
	}
	path := strings.TrimSpace(line[3:])
	if i := strings.Index(path, " -> "); i >= 0 {
		path = path[i+4:]
	}
	return strings.Trim(path, `"`)
}

// NewPaths returns paths present in the current status but not in the
// baseline, with ignored paths filtered out.
func (d *LeakDetector) NewPaths() ([]Leak, error) {
	lines, err := d.repo.StatusPorcelain()
	if err != nil {
		return nil, err
	}
	var fresh []Leak
	for _, line := range lines {
		path := porcelainPath(line)
		if d.baseline[path] || ownArtifact(path) {
			continue
		}
		if d.matcher != nil && d.matcher.MatchesPath(path) {
			continue
		}
		fresh = append(fresh, Leak{Path: path, Untracked: strings.HasPrefix(line, "??")})
	}
	return fresh, nil
}

// AttributeLeaks filters new paths down to the ones attributable to the
// given worker: a path belongs to worker X only if it contains X's id, or
// contains no recognizable issue id at all. Paths carrying another worker's
// id are someone else's business and are left alone.
func AttributeLeaks(leaks []Leak, workerID string) []Leak {
	var mine []Leak
	for _, leak := range leaks {
		tok, ok := issue.IDToken(leak.Path)
		if !ok || tok == issue.NormalizeID(workerID) {
			mine = append(mine, leak)
		}
	}
	return mine
}

// CleanLeaks removes the attributed leaks from the main repository:
// untracked files are unlinked missing-ok, tracked modifications are
// restored from HEAD. Git calls serialize on the process git lock.
func (d *LeakDetector) CleanLeaks(leaks []Leak) {
	var tracked []string
	for _, leak := range leaks {
		if !leak.Untracked {
			tracked = append(tracked, leak.Path)
			continue
		}
		err := os.Remove(filepath.Join(d.repo.Dir, leak.Path))
		if err != nil && !os.IsNotExist(err) {
			// Untracked directory entry; best effort.
			_ = os.RemoveAll(filepath.Join(d.repo.Dir, leak.Path))
		}
	}
	if len(tracked) > 0 {
		_ = d.repo.CheckoutPaths(tracked...)
	}
}
