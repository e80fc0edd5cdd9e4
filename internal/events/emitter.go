// Package events carries the observability stream of the core: every
// component takes an Emitter at construction and publishes named events with
// plain-value fields. Sinks are external collaborators; the implementations
// here cover the common cases (logging, fan-out, test recording).
package events

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Emitter receives named observability events. Implementations must not
// retain the fields map; emitters on hot paths should return quickly.
type Emitter interface {
	Emit(event string, fields map[string]any)
}

// Nop discards all events. It is the default sink when none is supplied.
type Nop struct{}

func (Nop) Emit(string, map[string]any) {}

// Log bridges events onto the zerolog stream. Failure-ish events
// (*_failed, *_dead_lettered, *_overflow) log at warn, the rest at debug.
type Log struct{}

func (Log) Emit(event string, fields map[string]any) {
	ev := log.Debug()
	if strings.HasSuffix(event, "_failed") || strings.HasSuffix(event, "_dead_lettered") || strings.HasSuffix(event, "_overflow") {
		ev = log.Warn()
	}
	ev.Fields(fields).Msg(event)
}

// Fanout replicates events to every sink in order.
type Fanout []Emitter

func (f Fanout) Emit(event string, fields map[string]any) {
	for _, e := range f {
		e.Emit(event, fields)
	}
}

// Event is one recorded emission.
type Event struct {
	Name   string
	At     time.Time
	Fields map[string]any
}

// Recorder captures events for assertions in tests. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Emit(event string, fields map[string]any) {
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	r.mu.Lock()
	r.events = append(r.events, Event{Name: event, At: time.Now(), Fields: copied})
	r.mu.Unlock()
}

// Events returns a snapshot copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Names returns the recorded event names in emission order.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.events))
	for i, e := range r.events {
		names[i] = e.Name
	}
	return names
}

// Count returns how many events with the given name were recorded.
func (r *Recorder) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Name == name {
			n++
		}
	}
	return n
}

// Filter returns the recorded events with the given name, in order.
func (r *Recorder) Filter(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// WaitFor polls until at least n events with the given name have been
// recorded or the timeout elapses. It reports whether the count was reached.
func (r *Recorder) WaitFor(name string, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if r.Count(name) >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// Reset discards everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
