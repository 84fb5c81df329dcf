// Package graph builds the dependency DAG over the issue backlog and answers
// the scheduling questions the orchestrator asks of it: which issues are
// ready, what a safe global order looks like, and which issues can run
// together as a wave.
package graph

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/re-cinq/little-loops/internal/issue"
)

// BrokenRef records a dependency reference to an id that exists neither in
// the active set nor in the completed set. Broken refs are reported, never
// turned into edges.
type BrokenRef struct {
	From string // issue declaring the reference
	To   string // missing id
}

// Graph is the forward/reverse adjacency view over a set of issues.
// Edges are kept as id sets, not pointers; deletion is by id removal.
type Graph struct {
	issues    map[string]*issue.Issue
	blockedBy map[string]map[string]bool // id -> ids it waits on
	blocks    map[string]map[string]bool // id -> ids waiting on it
	broken    []BrokenRef
}

// FromIssues builds the graph. Blockers already in completedIDs are not
// retained as edges; self-loops are skipped. References to unknown ids are
// logged as warnings and collected as broken refs.
func FromIssues(issues []*issue.Issue, completedIDs map[string]bool) *Graph {
	g := &Graph{
		issues:    make(map[string]*issue.Issue, len(issues)),
		blockedBy: make(map[string]map[string]bool, len(issues)),
		blocks:    make(map[string]map[string]bool, len(issues)),
	}
	for _, iss := range issues {
		g.issues[iss.ID] = iss
		g.blockedBy[iss.ID] = make(map[string]bool)
		g.blocks[iss.ID] = make(map[string]bool)
	}

	for _, iss := range issues {
		for _, dep := range iss.BlockedBy {
			g.addEdge(iss.ID, iss.ID, dep, completedIDs)
		}
		// "Blocks" is the reverse declaration of the same relation.
		for _, dependent := range iss.Blocks {
			g.addEdge(iss.ID, dependent, iss.ID, completedIDs)
		}
	}
	return g
}

// addEdge records that `from` waits on `to`. declarer is the issue whose file
// declared the relation, for broken-ref attribution.
func (g *Graph) addEdge(declarer, from, to string, completedIDs map[string]bool) {
	if from == to {
		return // self-loop
	}
	if completedIDs[to] || completedIDs[from] {
		return // satisfied already
	}
	other := from
	if other == declarer {
		other = to
	}
	if _, ok := g.issues[other]; !ok {
		g.broken = append(g.broken, BrokenRef{From: declarer, To: other})
		fmt.Fprintf(os.Stderr, "warning: %s references unknown issue %s\n", declarer, other)
		return
	}
	g.blockedBy[from][to] = true
	g.blocks[to][from] = true
}

// Issue returns the issue for an id, or nil.
func (g *Graph) Issue(id string) *issue.Issue {
	return g.issues[id]
}

// Len returns the number of issues in the graph.
func (g *Graph) Len() int {
	return len(g.issues)
}

// IDs returns all ids in priority-then-id order.
func (g *Graph) IDs() []string {
	ids := make([]string, 0, len(g.issues))
	for id := range g.issues {
		ids = append(ids, id)
	}
	g.sortByPriority(ids)
	return ids
}

// BrokenRefs returns the references to unknown ids found at construction.
func (g *Graph) BrokenRefs() []BrokenRef {
	return append([]BrokenRef(nil), g.broken...)
}

// BlockingIssues returns the blockers of id not yet in completed.
func (g *Graph) BlockingIssues(id string, completed map[string]bool) []string {
	var out []string
	for dep := range g.blockedBy[id] {
		if !completed[dep] {
			out = append(out, dep)
		}
	}
	sort.Strings(out)
	return out
}

// ReadyIssues returns issues whose unsatisfied-blocker count relative to
// completed is zero, sorted by priority tier then id.
func (g *Graph) ReadyIssues(completed map[string]bool) []*issue.Issue {
	var ready []*issue.Issue
	for id := range g.issues {
		if completed[id] {
			continue
		}
		if len(g.BlockingIssues(id, completed)) == 0 {
			ready = append(ready, g.issues[id])
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority < ready[j].Priority
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

// CycleError is returned by TopologicalSort when the graph contains a cycle.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Cycle, " -> ")
}

// TopologicalSort returns a safe global execution order using Kahn's
// algorithm. Ties are broken by priority then id. On a cycle the error
// carries the ids involved.
func (g *Graph) TopologicalSort() ([]string, error) {
	indegree := make(map[string]int, len(g.issues))
	for id := range g.issues {
		indegree[id] = len(g.blockedBy[id])
	}

	var frontier []string
	for id, d := range indegree {
		if d == 0 {
			frontier = append(frontier, id)
		}
	}
	g.sortByPriority(frontier)

	var order []string
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)
		var unlocked []string
		for dependent := range g.blocks[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				unlocked = append(unlocked, dependent)
			}
		}
		g.sortByPriority(unlocked)
		frontier = append(frontier, unlocked...)
	}

	if len(order) != len(g.issues) {
		var cycle []string
		for id, d := range indegree {
			if d > 0 {
				cycle = append(cycle, id)
			}
		}
		sort.Strings(cycle)
		return nil, &CycleError{Cycle: cycle}
	}
	return order, nil
}

// ExecutionWaves groups issues into maximal sets that can run in parallel:
// wave 0 is the initial ready set, wave N+1 is what becomes ready once wave N
// completes. Issues trapped in cycles are never stripped and are returned in
// a final leftover slice.
func (g *Graph) ExecutionWaves() (waves [][]string, leftover []string) {
	completed := make(map[string]bool)
	for {
		ready := g.ReadyIssues(completed)
		if len(ready) == 0 {
			break
		}
		var wave []string
		for _, iss := range ready {
			wave = append(wave, iss.ID)
			completed[iss.ID] = true
		}
		waves = append(waves, wave)
	}
	for id := range g.issues {
		if !completed[id] {
			leftover = append(leftover, id)
		}
	}
	sort.Strings(leftover)
	return waves, leftover
}

// DetectCycles finds all back-edge cycles with a tri-color DFS.
func (g *Graph) DetectCycles() [][]string {
	const (
		white = 0 // unvisited
		gray  = 1 // in current path
		black = 2 // done
	)
	color := make(map[string]int, len(g.issues))
	var cycles [][]string
	var path []string

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		path = append(path, id)
		deps := make([]string, 0, len(g.blockedBy[id]))
		for dep := range g.blockedBy[id] {
			deps = append(deps, dep)
		}
		sort.Strings(deps)
		for _, dep := range deps {
			switch color[dep] {
			case gray:
				// Back edge: slice the current path from dep to id.
				for i, p := range path {
					if p == dep {
						cycle := append([]string(nil), path[i:]...)
						cycles = append(cycles, cycle)
						break
					}
				}
			case white:
				visit(dep)
			}
		}
		path = path[:len(path)-1]
		color[id] = black
	}

	for _, id := range g.IDs() {
		if color[id] == white {
			visit(id)
		}
	}
	return cycles
}

func (g *Graph) sortByPriority(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := g.issues[ids[i]], g.issues[ids[j]]
		if a != nil && b != nil && a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return ids[i] < ids[j]
	})
}
