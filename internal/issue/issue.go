// Package issue parses the on-disk issue backlog.
//
// Issues live under .issues/{bugs,features,enhancements} as markdown files
// named P<n>-<TYPE>-<num>-<slug>.md. The filename is authoritative for
// priority, type and id; the body contributes the title and the
// Blocked By / Blocks relations.
package issue

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Categories are the active issue directories, in scan order.
var Categories = []string{"bugs", "features", "enhancements"}

// CompletedDir is the directory completed issues are moved to.
const CompletedDir = "completed"

// DefaultPriority is assigned when the filename priority is missing or unparseable.
const DefaultPriority = 5

// Issue is a parsed work item. Immutable after parse.
type Issue struct {
	Path      string   // absolute or repo-relative path to the markdown file
	Type      string   // bugs, features or enhancements
	Priority  int      // 0 (P0) .. 5 (P5)
	ID        string   // e.g. "BUG-123"
	Title     string
	BlockedBy []string // ids this issue waits on, in file order
	Blocks    []string // ids waiting on this issue, in file order
	Labels    []string
	Status    string     // first line of the ## Status section
	Locations []Location // entries of the ## Location section

	Meta Frontmatter // discovery metadata, zero value if absent
}

// Location is one "file:line" entry of an issue's Location section, with an
// optional commit the line number was anchored against.
type Location struct {
	File   string
	Line   int
	Commit string
}

// Frontmatter holds the YAML discovery metadata at the top of an issue file.
type Frontmatter struct {
	DiscoveredCommit string `yaml:"discovered_commit,omitempty"`
	DiscoveredBranch string `yaml:"discovered_branch,omitempty"`
	DiscoveredDate   string `yaml:"discovered_date,omitempty"`
	DiscoveredBy     string `yaml:"discovered_by,omitempty"`
	GoalAlignment    string `yaml:"goal_alignment,omitempty"`
	PersonaImpact    string `yaml:"persona_impact,omitempty"`
	BusinessValue    string `yaml:"business_value,omitempty"`
}

var (
	filenameRe = regexp.MustCompile(`^P(\d+)-([A-Z]+)-(\d+)(?:-(.+))?\.md$`)
	idTokenRe  = regexp.MustCompile(`[A-Z]+-\d+`)
	headingRe  = regexp.MustCompile(`^#\s+([A-Z]+-\d+):\s*(.+)$`)
	sectionRe  = regexp.MustCompile(`^##\s+(.+?)\s*$`)
)

// ParseFilename extracts priority, id and slug from an issue filename.
// Unknown or missing priority defaults to DefaultPriority.
func ParseFilename(name string) (priority int, id, slug string, err error) {
	m := filenameRe.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return 0, "", "", fmt.Errorf("filename %q does not match P<n>-<TYPE>-<num>-<slug>.md", filepath.Base(name))
	}
	priority, convErr := strconv.Atoi(m[1])
	if convErr != nil || priority > DefaultPriority {
		priority = DefaultPriority
	}
	// Filenames zero-pad the number (BUG-042); the canonical id does not (BUG-42).
	num, _ := strconv.Atoi(m[3])
	id = m[2] + "-" + strconv.Itoa(num)
	return priority, id, m[4], nil
}

// Parse reads and parses a single issue file.
func Parse(path string) (*Issue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading issue: %w", err)
	}
	return parse(path, string(data))
}

func parse(path, body string) (*Issue, error) {
	priority, id, slug, err := ParseFilename(path)
	if err != nil {
		return nil, err
	}

	iss := &Issue{
		Path:     path,
		Type:     categoryFromPath(path),
		Priority: priority,
		ID:       id,
	}

	rest, meta := splitFrontmatter(body)
	iss.Meta = meta

	iss.Title = extractTitle(rest)
	if iss.Title == "" {
		iss.Title = humanizeSlug(slug)
	}

	iss.BlockedBy = extractSection(rest, "Blocked By")
	iss.Blocks = extractSection(rest, "Blocks")
	iss.Labels = extractListItems(rest, "Labels")
	if status := extractListItems(rest, "Status"); len(status) > 0 {
		iss.Status = status[0]
	}
	iss.Locations = extractLocations(rest)

	return iss, nil
}

// categoryFromPath derives the issue type from the parent directory name.
func categoryFromPath(path string) string {
	dir := filepath.Base(filepath.Dir(path))
	for _, c := range Categories {
		if dir == c {
			return c
		}
	}
	if dir == CompletedDir {
		return CompletedDir
	}
	return dir
}

// splitFrontmatter strips a leading YAML frontmatter block delimited by ---
// lines and parses it. Malformed frontmatter is ignored and left in the body.
func splitFrontmatter(body string) (string, Frontmatter) {
	var meta Frontmatter
	if !strings.HasPrefix(body, "---\n") && body != "---" {
		return body, meta
	}
	rest := body[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return body, meta
	}
	block := rest[:end]
	tail := rest[end+len("\n---"):]
	if err := yaml.Unmarshal([]byte(block), &meta); err != nil {
		return body, Frontmatter{}
	}
	return strings.TrimPrefix(tail, "\n"), meta
}

// extractTitle finds the first "# <ID>: <Title>" heading. The id in the
// heading does not have to match the filename id — the filename wins for
// identity, the heading only supplies the title text.
func extractTitle(body string) string {
	sc := bufio.NewScanner(strings.NewReader(body))
	inFence := false
	for sc.Scan() {
		line := sc.Text()
		if isFenceLine(line) {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		if m := headingRe.FindStringSubmatch(line); m != nil {
			return strings.TrimSpace(m[2])
		}
	}
	return ""
}

// extractSection collects issue-id tokens from list items under a
// "## <name>" heading (case-insensitive), stopping at the next "##" heading
// or EOF. Fenced code blocks are ignored. A literal "None" item yields an
// empty list. Bolded entries (**ID**: note) are accepted.
func extractSection(body, name string) []string {
	sc := bufio.NewScanner(strings.NewReader(body))
	inFence := false
	inSection := false
	var ids []string
	for sc.Scan() {
		line := sc.Text()
		if isFenceLine(line) {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		if m := sectionRe.FindStringSubmatch(line); m != nil {
			if inSection {
				break
			}
			inSection = strings.EqualFold(strings.TrimSpace(m[1]), name)
			continue
		}
		if !inSection {
			continue
		}
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "-") && !strings.HasPrefix(trimmed, "*") {
			continue
		}
		item := strings.TrimLeft(trimmed, "-* \t")
		if strings.EqualFold(strings.TrimSpace(item), "none") {
			continue
		}
		for _, tok := range idTokenRe.FindAllString(item, -1) {
			ids = append(ids, NormalizeID(tok))
		}
	}
	return ids
}

// extractListItems collects the text of list items (or bare non-empty
// lines) under a "## <name>" heading, stopping at the next "##" heading.
func extractListItems(body, name string) []string {
	sc := bufio.NewScanner(strings.NewReader(body))
	inFence := false
	inSection := false
	var items []string
	for sc.Scan() {
		line := sc.Text()
		if isFenceLine(line) {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		if m := sectionRe.FindStringSubmatch(line); m != nil {
			if inSection {
				break
			}
			inSection = strings.EqualFold(strings.TrimSpace(m[1]), name)
			continue
		}
		if !inSection {
			continue
		}
		item := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-* \t"))
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}

var locationRe = regexp.MustCompile("`?([A-Za-z0-9_./-]+):(\\d+)`?(?:\\s*\\(commit\\s+([0-9a-f]+)\\))?")

// extractLocations parses "file:line (commit sha)" entries from the
// Location section.
func extractLocations(body string) []Location {
	var locs []Location
	for _, item := range extractListItems(body, "Location") {
		m := locationRe.FindStringSubmatch(item)
		if m == nil {
			continue
		}
		line, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		locs = append(locs, Location{File: m[1], Line: line, Commit: m[3]})
	}
	return locs
}

func isFenceLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~")
}

// humanizeSlug turns "fix-login-bug" into "Fix login bug".
func humanizeSlug(slug string) string {
	if slug == "" {
		return ""
	}
	words := strings.Split(slug, "-")
	for i, w := range words {
		if i == 0 && w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// ScanCategory parses every issue file in one category directory.
// Unparseable files are skipped with a warning on stderr.
func ScanCategory(repoDir, category string) ([]*Issue, error) {
	dir := filepath.Join(repoDir, ".issues", category)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}

	var issues []*Issue
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		iss, err := Parse(filepath.Join(dir, e.Name()))
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: skipping %s: %s\n", e.Name(), err)
			continue
		}
		issues = append(issues, iss)
	}
	sortIssues(issues)
	return issues, nil
}

// ScanAll parses every active issue across all categories.
func ScanAll(repoDir string) ([]*Issue, error) {
	var all []*Issue
	for _, c := range Categories {
		issues, err := ScanCategory(repoDir, c)
		if err != nil {
			return nil, err
		}
		all = append(all, issues...)
	}
	sortIssues(all)
	return all, nil
}

// CompletedIDs returns the set of issue ids found in the completed directory.
func CompletedIDs(repoDir string) (map[string]bool, error) {
	dir := filepath.Join(repoDir, ".issues", CompletedDir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return map[string]bool{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning completed issues: %w", err)
	}
	ids := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		if _, id, _, err := ParseFilename(e.Name()); err == nil {
			ids[id] = true
		}
	}
	return ids, nil
}

// NextIssueNumber scans every category and the completed directory and
// returns max(existing numbers)+1. Numbers are globally unique across
// types. Returns 1 if no issue files exist.
func NextIssueNumber(repoDir string) (int, error) {
	max := 0
	dirs := append(append([]string{}, Categories...), CompletedDir)
	for _, c := range dirs {
		dir := filepath.Join(repoDir, ".issues", c)
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("scanning %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
				continue
			}
			m := filenameRe.FindStringSubmatch(e.Name())
			if m == nil {
				continue
			}
			if n, err := strconv.Atoi(m[3]); err == nil && n > max {
				max = n
			}
		}
	}
	return max + 1, nil
}

// TypePrefix returns the id prefix for a category: bugs -> BUG.
func TypePrefix(category string) (string, error) {
	switch category {
	case "bugs":
		return "BUG", nil
	case "features":
		return "FEAT", nil
	case "enhancements":
		return "ENH", nil
	default:
		return "", fmt.Errorf("unknown category %q", category)
	}
}

// Slugify turns a title into a filename slug: lowercase, alphanumeric runs
// joined by dashes, capped at eight words.
func Slugify(title string) string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range strings.ToLower(title) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	if len(words) > 8 {
		words = words[:8]
	}
	return strings.Join(words, "-")
}

// Mint creates a new issue file in the given category with the next
// globally unique number. Returns the parsed issue.
func Mint(repoDir, category, title string, priority int, blockedBy []string, meta Frontmatter) (*Issue, error) {
	prefix, err := TypePrefix(category)
	if err != nil {
		return nil, err
	}
	if priority < 0 || priority > DefaultPriority {
		return nil, fmt.Errorf("priority must be 0..%d", DefaultPriority)
	}
	num, err := NextIssueNumber(repoDir)
	if err != nil {
		return nil, err
	}

	id := fmt.Sprintf("%s-%d", prefix, num)
	filename := fmt.Sprintf("P%d-%s-%03d-%s.md", priority, prefix, num, Slugify(title))
	dir := filepath.Join(repoDir, ".issues", category)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	var sb strings.Builder
	if meta != (Frontmatter{}) {
		data, err := yaml.Marshal(meta)
		if err != nil {
			return nil, err
		}
		sb.WriteString("---\n")
		sb.Write(data)
		sb.WriteString("---\n\n")
	}
	fmt.Fprintf(&sb, "# %s: %s\n\n## Summary\n\n%s\n\n## Blocked By\n\n", id, title, title)
	if len(blockedBy) == 0 {
		sb.WriteString("- None\n")
	} else {
		for _, dep := range blockedBy {
			fmt.Fprintf(&sb, "- %s\n", NormalizeID(dep))
		}
	}
	sb.WriteString("\n## Status\n\nopen\n")

	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return nil, fmt.Errorf("writing issue file: %w", err)
	}
	return Parse(path)
}

// sortIssues orders by priority tier then id, the order every scheduling
// decision downstream assumes.
func sortIssues(issues []*Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		if issues[i].Priority != issues[j].Priority {
			return issues[i].Priority < issues[j].Priority
		}
		return issues[i].ID < issues[j].ID
	})
}

// FindByID scans all categories for the issue with the given id.
func FindByID(repoDir, id string) (*Issue, error) {
	all, err := ScanAll(repoDir)
	if err != nil {
		return nil, err
	}
	for _, iss := range all {
		if iss.ID == id {
			return iss, nil
		}
	}
	return nil, fmt.Errorf("issue %s not found", id)
}

// IDToken reports whether s contains any recognizable issue-id token and
// returns the first one in canonical (unpadded) form. Used by leak attribution.
func IDToken(s string) (string, bool) {
	tok := idTokenRe.FindString(s)
	if tok == "" {
		return "", false
	}
	return NormalizeID(tok), true
}

// NormalizeID strips zero-padding from an id's numeric suffix: BUG-042 -> BUG-42.
func NormalizeID(id string) string {
	i := strings.LastIndex(id, "-")
	if i < 0 {
		return id
	}
	n, err := strconv.Atoi(id[i+1:])
	if err != nil {
		return id
	}
	return id[:i+1] + strconv.Itoa(n)
}
