package core

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind tags failures by behavior rather than by type hierarchy. The kind
// string appears verbatim in the error text, which is what retry policies
// match against.
type ErrorKind string

const (
	ErrInvalidMessage      ErrorKind = "InvalidMessage"
	ErrParticipantNotFound ErrorKind = "ParticipantNotFound"
	ErrValidation          ErrorKind = "ValidationError"
	ErrBreakerOpen         ErrorKind = "BreakerOpen"
	ErrRateLimited         ErrorKind = "RateLimited"
	ErrTimeout             ErrorKind = "Timeout"
	ErrProvider            ErrorKind = "ProviderError"
	ErrQueueOverflow       ErrorKind = "QueueOverflow"
	ErrAllProvidersFailed  ErrorKind = "AllProvidersFailed"
	ErrNoContentAtDepth    ErrorKind = "NoContentAtDepth"
)

// nonRetryable lists the error-text substrings that mark a failure as a
// terminal input problem. Everything else is considered transient.
var nonRetryable = []string{
	string(ErrInvalidMessage),
	string(ErrParticipantNotFound),
	string(ErrValidation),
}

// Error is the structured failure value surfaced by every component: a kind,
// a human message, a plain-value context map, and optional recovery
// suggestions. Stack traces never travel with it.
type Error struct {
	Kind     ErrorKind      `json:"kind"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context,omitempty"`
	Recovery []string       `json:"recovery,omitempty"`
	Cause    error          `json:"-"`
}

// NewError builds a structured error of the given kind.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf builds a structured error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// With attaches one context value and returns the error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRecovery appends suggested recovery actions.
func (e *Error) WithRecovery(actions ...string) *Error {
	e.Recovery = append(e.Recovery, actions...)
	return e
}

// WithCause records the wrapped underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// KindOf extracts the kind from err or any error it wraps. It returns the
// empty kind for plain errors.
func KindOf(err error) ErrorKind {
	var coreErr *Error
	if errors.As(err, &coreErr) {
		return coreErr.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether a delivery or task failure may be retried. The
// decision is a substring match on the error text: failures naming a
// non-retryable kind are terminal, everything else is transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	text := err.Error()
	for _, marker := range nonRetryable {
		if strings.Contains(text, marker) {
			return false
		}
	}
	return true
}
