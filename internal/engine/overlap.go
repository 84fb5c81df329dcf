package engine

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/re-cinq/little-loops/internal/issue"
)

// hintExtensions is the whitelist for plausible file-path hints in issue
// bodies. Extraction is textual and inherently approximate; false negatives
// are accepted.
var hintExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".tsx": true,
	".jsx": true, ".rs": true, ".rb": true, ".java": true, ".c": true,
	".h": true, ".cpp": true, ".sh": true, ".sql": true, ".proto": true,
	".yaml": true, ".yml": true, ".json": true, ".toml": true, ".md": true,
	".css": true, ".html": true,
}

var pathTokenRe = regexp.MustCompile(`[A-Za-z0-9_][A-Za-z0-9_./-]*\.[A-Za-z0-9]+`)
var scopeTagRe = regexp.MustCompile(`(?m)^\s*[-*]\s*scope:\s*(\S+)`)

// FileHints is what the overlap check compares between two issues.
type FileHints struct {
	Files map[string]bool // relative file paths
	Dirs  map[string]bool // directories of those files
	Tags  map[string]bool // declared scope tags
}

// Empty reports whether the issue yielded no usable hints. Empty hints
// never overlap anything.
func (h FileHints) Empty() bool {
	return len(h.Files) == 0 && len(h.Dirs) == 0 && len(h.Tags) == 0
}

// ExtractHints derives hints for an issue from its file content. A missing
// or unreadable issue file yields empty hints.
func ExtractHints(iss *issue.Issue) FileHints {
	data, err := os.ReadFile(iss.Path)
	if err != nil {
		return FileHints{}
	}
	return ExtractHintsFromText(string(data))
}

// ExtractHintsFromText pulls whitelisted file paths and scope tags out of
// issue body text.
func ExtractHintsFromText(text string) FileHints {
	hints := FileHints{
		Files: make(map[string]bool),
		Dirs:  make(map[string]bool),
		Tags:  make(map[string]bool),
	}
	for _, tok := range pathTokenRe.FindAllString(text, -1) {
		ext := strings.ToLower(filepath.Ext(tok))
		if !hintExtensions[ext] {
			continue
		}
		clean := filepath.Clean(strings.TrimPrefix(tok, "./"))
		hints.Files[clean] = true
		if dir := filepath.Dir(clean); dir != "." {
			hints.Dirs[dir] = true
		}
	}
	for _, m := range scopeTagRe.FindAllStringSubmatch(text, -1) {
		hints.Tags[m[1]] = true
	}
	return hints
}

// hintsOverlap: shared file, containing directory, or shared scope tag.
func hintsOverlap(a, b FileHints) bool {
	if a.Empty() || b.Empty() {
		return false
	}
	for f := range a.Files {
		if b.Files[f] {
			return true
		}
	}
	for da := range a.Dirs {
		for db := range b.Dirs {
			if da == db || dirContains(da, db) || dirContains(db, da) {
				return true
			}
		}
	}
	for tag := range a.Tags {
		if b.Tags[tag] {
			return true
		}
	}
	return false
}

func dirContains(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, "../")
}

// OverlapDetector tracks hints for in-flight issues and answers whether a
// queued issue plausibly touches the same files as an active one.
type OverlapDetector struct {
	mu     sync.Mutex
	active map[string]FileHints
}

// NewOverlapDetector creates an empty detector.
func NewOverlapDetector() *OverlapDetector {
	return &OverlapDetector{active: make(map[string]FileHints)}
}

// Register records an issue's hints as in-flight.
func (d *OverlapDetector) Register(iss *issue.Issue) {
	hints := ExtractHints(iss)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active[iss.ID] = hints
}

// Unregister drops an issue on terminal transition.
func (d *OverlapDetector) Unregister(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, id)
}

// CheckOverlap returns the in-flight issue ids whose hints overlap the
// candidate's, sorted for stable reporting.
func (d *OverlapDetector) CheckOverlap(iss *issue.Issue) []string {
	hints := ExtractHints(iss)
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []string
	for id, activeHints := range d.active {
		if id == iss.ID {
			continue
		}
		if hintsOverlap(hints, activeHints) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
