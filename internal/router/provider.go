package router

import (
	"context"
	"time"

	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/core"
)

// Generator is the single-method provider adapter: given a content request,
// return an artifact or fail. Timeouts are enforced by the router, never by
// the adapter.
type Generator interface {
	Generate(ctx context.Context, req core.ContentRequest) (core.Artifact, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req core.ContentRequest) (core.Artifact, error)

func (f GeneratorFunc) Generate(ctx context.Context, req core.ContentRequest) (core.Artifact, error) {
	return f(ctx, req)
}

// Descriptor is the admin-visible configuration of one registered provider.
type Descriptor struct {
	Name       string        `json:"name"`
	Enabled    bool          `json:"enabled"`
	Rank       int           `json:"rank"` // lower tries first
	MaxRetries int           `json:"maxRetries"`
	Timeout    time.Duration `json:"timeout"`
	RateLimit  int           `json:"rateLimit"` // requests per window
}

func (d Descriptor) withDefaults() Descriptor {
	if d.MaxRetries <= 0 {
		d.MaxRetries = 1
	}
	if d.Timeout <= 0 {
		d.Timeout = 30 * time.Second
	}
	if d.RateLimit <= 0 {
		d.RateLimit = 60
	}
	return d
}

// provider pairs a descriptor with its generator and live accounting. All
// mutable fields are guarded by the router lock.
type provider struct {
	desc   Descriptor
	gen    Generator
	window rateWindow
	usage  int64
}

// rateWindow is the fixed rate-limit window: a request counter valid over
// [reset, reset+windowLength). The window advances on entry, so under bursty
// load the reset instant drifts with the first request after expiry.
type rateWindow struct {
	count int
	reset time.Time
}

const windowLength = time.Minute

// admit consumes one slot when the limit allows it, advancing the window
// first when the previous one has elapsed.
func (w *rateWindow) admit(now time.Time, limit int) bool {
	if now.After(w.reset) || now.Equal(w.reset) {
		w.count = 0
		w.reset = now.Add(windowLength)
	}
	if w.count >= limit {
		return false
	}
	w.count++
	return true
}

// limited reports whether the window is exhausted without consuming a slot.
func (w rateWindow) limited(now time.Time, limit int) bool {
	if now.After(w.reset) || now.Equal(w.reset) {
		return false
	}
	return w.count >= limit
}
