package scheduler

import (
	"container/heap"
	"context"
	"runtime"
	"sync"

	"github.com/forgeworks/forge"
)

// readyQueue is the scheduler's ready-to-run set, ordered by the
// tie-break policy (more downstream fanout first, then lexicographic
// owner label) and safe for concurrent push/pop by
// the fixed worker pool. popWait blocks until an item is available, the
// queue is closed, or ctx is canceled.
type readyQueue struct {
	g *forge.ActionGraph
	p *plan

	mu     sync.Mutex
	cond   *sync.Cond
	items  priorityHeap
	closed bool
}

func newReadyQueue(g *forge.ActionGraph, p *plan) *readyQueue {
	q := &readyQueue{g: g, p: p}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *readyQueue) push(id forge.ActionID) {
	q.mu.Lock()
	action, _ := q.g.Action(id)
	label := ""
	if action != nil {
		label = string(action.Owner().Label)
	}
	heap.Push(&q.items, priorityItem{id: id, fanout: q.p.fanout[id], label: label})
	q.cond.Signal()
	q.mu.Unlock()
}

// close marks the queue drained: every blocked or future popWait returns
// (0, false) once items is empty, rather than blocking forever.
func (q *readyQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// popWait blocks until an item is ready, the queue is closed and empty, or
// ctx is canceled.
func (q *readyQueue) popWait(ctx context.Context) (forge.ActionID, bool) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			q.cond.Broadcast()
		case <-done:
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.items.Len() > 0 {
			item := heap.Pop(&q.items).(priorityItem)
			return item.id, true
		}
		if q.closed {
			return 0, false
		}
		select {
		case <-ctx.Done():
			return 0, false
		default:
		}
		q.cond.Wait()
	}
}

// priorityItem is one entry in the ready heap.
type priorityItem struct {
	id     forge.ActionID
	fanout int
	label  string
}

// priorityHeap orders by descending fanout, then ascending owner label,
// then ascending ActionID for full determinism.
type priorityHeap []priorityItem

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].fanout != h[j].fanout {
		return h[i].fanout > h[j].fanout
	}
	if h[i].label != h[j].label {
		return h[i].label < h[j].label
	}
	return h[i].id < h[j].id
}
func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *priorityHeap) Push(x any)   { *h = append(*h, x.(priorityItem)) }
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// defaultJobs is the executor pool size when no explicit --jobs value
// was configured.
func defaultJobs() int {
	return runtime.NumCPU()
}
