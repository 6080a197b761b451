package eventloop

import (
	"container/heap"
	"time"
)

// TimerID identifies a scheduled timer. IDs are assigned monotonically and
// never reused within a loop's lifetime.
type TimerID int64

type timer struct {
	id       TimerID
	deadline time.Time
	callback func()
	periodic bool
	interval time.Duration
	index    int // heap position, -1 once popped
}

// timerQueue is a deadline min-heap. Ties are broken by id, which equals
// insertion order, so pop order is total and deterministic.
type timerQueue struct {
	heap   timerHeap
	byID   map[TimerID]*timer
	nextID TimerID
}

func newTimerQueue() *timerQueue {
	return &timerQueue{byID: make(map[TimerID]*timer), nextID: 1}
}

func (q *timerQueue) add(deadline time.Time, cb func(), periodic bool, interval time.Duration) TimerID {
	t := &timer{
		id:       q.nextID,
		deadline: deadline,
		callback: cb,
		periodic: periodic,
		interval: interval,
	}
	q.nextID++
	q.byID[t.id] = t
	heap.Push(&q.heap, t)
	return t.id
}

// cancel removes the timer if it is still pending. Cancelling a timer that
// already fired is a harmless no-op; this is a deliberately weak guarantee.
func (q *timerQueue) cancel(id TimerID) {
	t, ok := q.byID[id]
	if !ok {
		return
	}
	delete(q.byID, id)
	if t.index >= 0 {
		heap.Remove(&q.heap, t.index)
	}
}

// nextDeadline reports the earliest pending deadline, or false when the
// queue is empty and the loop may wait indefinitely.
func (q *timerQueue) nextDeadline() (time.Time, bool) {
	if len(q.heap) == 0 {
		return time.Time{}, false
	}
	return q.heap[0].deadline, true
}

// popExpired fires every timer due at now, in deadline order. Periodic
// timers are re-armed from their scheduled deadline, not from now, so the
// firing cadence does not drift with loop load.
//
// Callbacks run inline. A panicking callback is not recovered; it unwinds
// through Run by design.
func (q *timerQueue) popExpired(now time.Time) int {
	fired := 0
	for len(q.heap) > 0 && !q.heap[0].deadline.After(now) {
		t := heap.Pop(&q.heap).(*timer)
		if t.periodic {
			t.deadline = t.deadline.Add(t.interval)
			heap.Push(&q.heap, t)
		} else {
			delete(q.byID, t.id)
		}
		t.callback()
		fired++
	}
	return fired
}

func (q *timerQueue) len() int { return len(q.heap) }

type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].id < h[j].id
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
