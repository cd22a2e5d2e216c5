package vm

import (
	"container/heap"
)

// ---------------------------------------------------------------------------
// readyQueue: FIFO of runnable threads
// ---------------------------------------------------------------------------

// readyQueue is a FIFO with amortized O(1) enqueue and dequeue. Entries may
// go stale when a queued thread blocks or dies; the scheduler skips them.
type readyQueue struct {
	items []*Thread
	head  int
}

func (q *readyQueue) enqueue(t *Thread) {
	q.items = append(q.items, t)
}

func (q *readyQueue) dequeue() *Thread {
	if q.head == len(q.items) {
		return nil
	}
	t := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	// Reclaim the consumed prefix once it dominates the backing array.
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return t
}

func (q *readyQueue) len() int {
	return len(q.items) - q.head
}

func (q *readyQueue) each(fn func(*Thread)) {
	for _, t := range q.items[q.head:] {
		fn(t)
	}
}

// ---------------------------------------------------------------------------
// delayedSet: min-heap of sleeping threads keyed by wake time
// ---------------------------------------------------------------------------

type delayedSet struct {
	h delayHeap
}

type delayHeap []*Thread

func (h delayHeap) Len() int { return len(h) }

func (h delayHeap) Less(i, j int) bool {
	if h[i].wakeAt == h[j].wakeAt {
		return h[i].id < h[j].id
	}
	return h[i].wakeAt < h[j].wakeAt
}

func (h delayHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *delayHeap) Push(x any) {
	t := x.(*Thread)
	t.heapIndex = len(*h)
	*h = append(*h, t)
}

func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIndex = -1
	*h = old[:n-1]
	return t
}

func (d *delayedSet) add(t *Thread, wakeAt int64) {
	t.wakeAt = wakeAt
	heap.Push(&d.h, t)
}

// remove drops t from the set if present.
func (d *delayedSet) remove(t *Thread) {
	if t.heapIndex < 0 || t.heapIndex >= len(d.h) || d.h[t.heapIndex] != t {
		return
	}
	heap.Remove(&d.h, t.heapIndex)
}

// peek returns the earliest wake time.
func (d *delayedSet) peek() (int64, bool) {
	if len(d.h) == 0 {
		return 0, false
	}
	return d.h[0].wakeAt, true
}

// popDue removes and returns the earliest thread if its wake time is at or
// before now.
func (d *delayedSet) popDue(now int64) *Thread {
	if len(d.h) == 0 || d.h[0].wakeAt > now {
		return nil
	}
	return heap.Pop(&d.h).(*Thread)
}

func (d *delayedSet) len() int {
	return len(d.h)
}
