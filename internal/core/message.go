package core

import (
	"time"
)

// Recipient sentinels. A message addressed to RecipientBroadcast fans out to
// the routing-table set for its kind (or every subscribed participant when no
// rule exists). A message addressed to RecipientControl is consumed by the bus
// itself and surfaces only as an observability event.
const (
	RecipientBroadcast = "broadcast"
	RecipientControl   = "control"
)

// MessageKind categorizes bus traffic. Routing rules key on the kind.
type MessageKind string

const (
	KindRequest  MessageKind = "request"
	KindResponse MessageKind = "response"
	KindEvent    MessageKind = "event"
	KindCommand  MessageKind = "command"
)

// Valid reports whether the kind is one of the recognized values.
func (k MessageKind) Valid() bool {
	switch k {
	case KindRequest, KindResponse, KindEvent, KindCommand:
		return true
	}
	return false
}

// Priority orders messages in the bus holding area. Higher weight dispatches
// first; ties break by enqueue instant (earlier wins).
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Weight maps a priority to its numeric dispatch weight.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 100
	case PriorityHigh:
		return 75
	case PriorityMedium:
		return 50
	case PriorityLow:
		return 25
	}
	return 0
}

// Valid reports whether the priority is one of the recognized values.
func (p Priority) Valid() bool {
	return p.Weight() > 0
}

// Message is the unit of bus traffic. The identity fields are immutable once
// routed; delivery bookkeeping (retry count, last error, enqueue instant)
// lives in a bus-owned envelope and never appears here.
type Message struct {
	ID            string        `json:"id"`
	Timestamp     time.Time     `json:"timestamp"`
	Sender        string        `json:"sender"`
	Recipient     string        `json:"recipient"`
	Kind          MessageKind   `json:"kind"`
	Priority      Priority      `json:"priority"`
	Payload       any           `json:"payload,omitempty"`
	CorrelationID string        `json:"correlationId,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
}

// Validate checks the attributes a producer must supply. ID and Timestamp are
// filled in by the bus when absent and are not required here. A nil payload is
// legal: command and event messages often carry none.
func (m Message) Validate() error {
	switch {
	case m.Sender == "":
		return NewError(ErrInvalidMessage, "message has no sender")
	case m.Recipient == "":
		return NewError(ErrInvalidMessage, "message has no recipient")
	case !m.Kind.Valid():
		return NewError(ErrInvalidMessage, "unknown message kind").With("kind", string(m.Kind))
	case !m.Priority.Valid():
		return NewError(ErrInvalidMessage, "unknown message priority").With("priority", string(m.Priority))
	}
	return nil
}
