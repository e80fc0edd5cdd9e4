package core

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDSource yields identifiers for messages and tasks. Components receive a
// source at construction; there is no process-wide generator state.
type IDSource func() string

// SequenceSource returns a source producing "<prefix>-1", "<prefix>-2", …
// backed by an atomic counter owned by the returned closure.
func SequenceSource(prefix string) IDSource {
	var counter uint64
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, atomic.AddUint64(&counter, 1))
	}
}

// UUIDSource returns a source producing random UUID strings.
func UUIDSource() IDSource {
	return uuid.NewString
}
