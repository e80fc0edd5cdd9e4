package router

import (
	"sync"
	"time"
)

// ErrorRecord is one recorded provider failure.
type ErrorRecord struct {
	Provider    string    `json:"provider"`
	Error       string    `json:"error"`
	At          time.Time `json:"at"`
	Fingerprint string    `json:"fingerprint"`
}

// errorRing keeps the most recent provider failures in a bounded buffer.
// Older entries are evicted when the capacity is reached; time-window queries
// additionally ignore entries that have aged out.
type errorRing struct {
	mu      sync.Mutex
	entries []ErrorRecord
	next    int
	full    bool
}

func newErrorRing(capacity int) *errorRing {
	if capacity <= 0 {
		capacity = 256
	}
	return &errorRing{entries: make([]ErrorRecord, capacity)}
}

func (r *errorRing) record(rec ErrorRecord) {
	r.mu.Lock()
	r.entries[r.next] = rec
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// countSince returns how many failures the provider accumulated after the
// cutoff instant.
func (r *errorRing) countSince(name string, cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.live() {
		if rec.Provider == name && rec.At.After(cutoff) {
			n++
		}
	}
	return n
}

// recent returns a snapshot of the provider's failures after the cutoff.
func (r *errorRing) recent(name string, cutoff time.Time) []ErrorRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ErrorRecord
	for _, rec := range r.live() {
		if rec.Provider == name && rec.At.After(cutoff) {
			out = append(out, rec)
		}
	}
	return out
}

func (r *errorRing) clear() {
	r.mu.Lock()
	for i := range r.entries {
		r.entries[i] = ErrorRecord{}
	}
	r.next = 0
	r.full = false
	r.mu.Unlock()
}

// live returns the populated slice of the ring. Callers hold the lock.
func (r *errorRing) live() []ErrorRecord {
	if r.full {
		return r.entries
	}
	return r.entries[:r.next]
}
