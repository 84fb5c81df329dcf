// Package queue provides the priority queue the orchestrator dequeues from.
package queue

import (
	"container/heap"

	"github.com/re-cinq/little-loops/internal/issue"
)

// Queue is a min-heap of issues keyed by (priority tier, id). Entries sharing
// the exact key dequeue in insertion order. Not safe for concurrent use; the
// orchestrator is the only caller.
type Queue struct {
	h   issueHeap
	seq int
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{}
}

// entry carries the effective tier separately from the issue so a requeue
// can demote without mutating the parsed issue.
type entry struct {
	iss  *issue.Issue
	tier int
	seq  int
}

type issueHeap []entry

func (h issueHeap) Len() int { return len(h) }

func (h issueHeap) Less(i, j int) bool {
	if h[i].tier != h[j].tier {
		return h[i].tier < h[j].tier
	}
	if h[i].iss.ID != h[j].iss.ID {
		return h[i].iss.ID < h[j].iss.ID
	}
	return h[i].seq < h[j].seq
}

func (h issueHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *issueHeap) Push(x interface{}) { *h = append(*h, x.(entry)) }

func (h *issueHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Push enqueues an issue at its parsed priority tier.
func (q *Queue) Push(iss *issue.Issue) {
	q.pushAt(iss, iss.Priority)
}

// Requeue re-enqueues an issue demoted by `demote` tiers. Used by overlap
// deferral and conflict-retry paths so a deferred issue does not immediately
// preempt the rest of the queue.
func (q *Queue) Requeue(iss *issue.Issue, demote int) {
	q.pushAt(iss, iss.Priority+demote)
}

func (q *Queue) pushAt(iss *issue.Issue, tier int) {
	q.seq++
	heap.Push(&q.h, entry{iss: iss, tier: tier, seq: q.seq})
}

// Pop removes and returns the lowest-keyed issue, or nil if empty.
func (q *Queue) Pop() *issue.Issue {
	if q.h.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.h).(entry).iss
}

// Peek returns the lowest-keyed issue without removing it, or nil if empty.
func (q *Queue) Peek() *issue.Issue {
	if q.h.Len() == 0 {
		return nil
	}
	return q.h[0].iss
}

// Len returns the number of queued issues.
func (q *Queue) Len() int {
	return q.h.Len()
}
