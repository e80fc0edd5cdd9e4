package admission

import "time"

// item is the queue-owned record wrapped around one admitted task: enqueue
// instant, a monotonic ordinal for FIFO tie-breaking, the retry counter and
// the earliest instant the task may be promoted (moved forward by backoff).
type item struct {
	task       Task
	ticket     *Ticket
	enqueuedAt time.Time
	eligibleAt time.Time
	seq        uint64
	retries    int
	index      int // heap position, -1 once promoted or removed
}

// taskHeap is a max-heap ordered by priority (higher first), then enqueue
// instant (earlier first), then arrival ordinal. Used through container/heap.
type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	if !h[i].enqueuedAt.Equal(h[j].enqueuedAt) {
		return h[i].enqueuedAt.Before(h[j].enqueuedAt)
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
