package memory

import (
	"container/heap"
	"time"
)

// delayedJob is a retry waiting for its backoff to pass.
type delayedJob struct {
	id  string
	due time.Time
}

// delayHeap orders delayed jobs by due time.
type delayHeap []delayedJob

func (h delayHeap) Len() int           { return len(h) }
func (h delayHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h delayHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *delayHeap) Push(x any) {
	*h = append(*h, x.(delayedJob))
}

func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// popDue removes and returns the ids whose due time is not after now.
func (h *delayHeap) popDue(now time.Time) []string {
	var ids []string
	for h.Len() > 0 && !(*h)[0].due.After(now) {
		ids = append(ids, heap.Pop(h).(delayedJob).id)
	}
	return ids
}

// nextDue returns the earliest due time, if any.
func (h delayHeap) nextDue() (time.Time, bool) {
	if len(h) == 0 {
		return time.Time{}, false
	}
	return h[0].due, true
}
