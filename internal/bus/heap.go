package bus

import (
	"time"

	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/core"
)

// envelope is the bus-owned delivery record wrapped around an immutable
// message: retry count, last error, enqueue instant and a monotonic ordinal
// for deterministic tie-breaking. It never leaves the bus.
type envelope struct {
	msg        core.Message
	enqueuedAt time.Time
	seq        uint64
	retries    int
	lastErr    error
}

// messageHeap is a max-heap ordered by priority weight, then enqueue instant
// (earlier first), then arrival ordinal. Used through container/heap.
type messageHeap []*envelope

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	wi, wj := h[i].msg.Priority.Weight(), h[j].msg.Priority.Weight()
	if wi != wj {
		return wi > wj
	}
	if !h[i].enqueuedAt.Equal(h[j].enqueuedAt) {
		return h[i].enqueuedAt.Before(h[j].enqueuedAt)
	}
	return h[i].seq < h[j].seq
}

func (h messageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *messageHeap) Push(x any) { *h = append(*h, x.(*envelope)) }

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	env := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return env
}
