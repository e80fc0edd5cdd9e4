package bus

import (
	"sync"
	"time"

	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/core"
)

// DeadLetter is one terminally failed message with its final error. For
// broadcast copies, Message.Recipient names the participant whose attempt
// failed, not the broadcast sentinel.
type DeadLetter struct {
	Message   core.Message `json:"message"`
	Error     string       `json:"error"`
	Retries   int          `json:"retries"`
	Timestamp time.Time    `json:"timestamp"`
}

// DeadLetterQueue is an append-only in-memory log of terminal failures.
// There is no automatic replay; inspection and draining are explicit.
type DeadLetterQueue struct {
	mu      sync.Mutex
	entries []DeadLetter
}

func newDeadLetterQueue() *DeadLetterQueue {
	return &DeadLetterQueue{}
}

func (q *DeadLetterQueue) add(entry DeadLetter) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, entry)
	return len(q.entries)
}

// Len returns the number of deposited entries.
func (q *DeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a snapshot copy of the log.
func (q *DeadLetterQueue) Entries() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.entries))
	copy(out, q.entries)
	return out
}

// Drain returns the log contents and empties it. Intended for archive
// flushes; the bus itself never calls it.
func (q *DeadLetterQueue) Drain() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.entries
	q.entries = nil
	return out
}
