// Package router selects providers for content generation. Each request
// walks a ranked list of enabled providers, skipping any that are rate
// limited or cooling down after an error burst, and falls back in order.
// When every provider fails, a static rule table may synthesize a final
// deterministic artifact.
package router

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/core"
	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/events"
)

// Options configures a Router. Zero fields take the documented defaults.
type Options struct {
	Emitter           events.Emitter
	Static            []StaticRule
	ErrorRingSize     int           // default 256
	CooldownThreshold int           // errors that start a cooldown, default 5
	CooldownWindow    time.Duration // error-burst window, default 2m
	HealthWindow      time.Duration // recent-error window for health, default 5m
}

func (o Options) withDefaults() Options {
	if o.Emitter == nil {
		o.Emitter = events.Nop{}
	}
	if o.ErrorRingSize <= 0 {
		o.ErrorRingSize = 256
	}
	if o.CooldownThreshold <= 0 {
		o.CooldownThreshold = 5
	}
	if o.CooldownWindow <= 0 {
		o.CooldownWindow = 2 * time.Minute
	}
	if o.HealthWindow <= 0 {
		o.HealthWindow = 5 * time.Minute
	}
	return o
}

// Health is the derived per-provider status snapshot.
type Health struct {
	Name         string `json:"name"`
	Enabled      bool   `json:"enabled"`
	Rank         int    `json:"rank"`
	RateLimited  bool   `json:"rateLimited"`
	InCooldown   bool   `json:"inCooldown"`
	RecentErrors int    `json:"recentErrors"`
	Usage        int64  `json:"usage"`
	Status       string `json:"status"`
}

// Router owns the provider list, their rate windows, the error history and
// the static fallback table.
type Router struct {
	opts    Options
	emitter events.Emitter
	ring    *errorRing

	mu        sync.Mutex
	providers []*provider
	fallbacks uint64
}

// New builds a Router.
func New(opts Options) *Router {
	opts = opts.withDefaults()
	return &Router{
		opts:    opts,
		emitter: opts.Emitter,
		ring:    newErrorRing(opts.ErrorRingSize),
	}
}

// Register adds a provider under the given descriptor.
func (r *Router) Register(desc Descriptor, gen Generator) error {
	if desc.Name == "" {
		return core.NewError(core.ErrValidation, "provider has no name")
	}
	if gen == nil {
		return core.NewError(core.ErrValidation, "provider has no generator")
	}
	desc = desc.withDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.providers {
		if p.desc.Name == desc.Name {
			return core.Errorf(core.ErrValidation, "provider %q is already registered", desc.Name)
		}
	}
	r.providers = append(r.providers, &provider{desc: desc, gen: gen})
	return nil
}

// Generate runs the selection and failover loop. Providers are tried in rank
// order, at most once per attempt layer; the layer count is the largest
// per-provider retry budget. When everything fails a static rule may still
// produce an artifact, otherwise the last error surfaces.
func (r *Router) Generate(ctx context.Context, req core.ContentRequest) (core.Artifact, error) {
	fingerprint := requestFingerprint(req)
	var lastErr error
	advanced := false

	for layer := 0; layer < r.maxLayers(); layer++ {
		for _, p := range r.eligible(layer) {
			if !r.admit(p) {
				r.emitter.Emit("provider_rate_limited", map[string]any{
					"provider": p.desc.Name,
					"layer":    layer,
				})
				advanced = true
				continue
			}

			start := time.Now()
			artifact, err := r.call(ctx, p, req)
			elapsed := time.Since(start)
			if err == nil {
				r.recordSuccess(p, elapsed)
				if advanced {
					r.bumpFallbacks()
				}
				return artifact, nil
			}

			lastErr = err
			advanced = true
			r.recordError(p, err, fingerprint)
			if ctx.Err() != nil {
				return core.Artifact{}, ctx.Err()
			}
		}
	}

	if artifact, ok := staticFallback(r.staticRules(), req); ok {
		if advanced {
			r.bumpFallbacks()
		}
		r.emitter.Emit("fallback_static", map[string]any{
			"concept":  req.Concept,
			"modality": req.Modality,
		})
		return artifact, nil
	}

	if advanced {
		r.bumpFallbacks()
	}
	err := core.Errorf(core.ErrAllProvidersFailed, "no provider produced content for %q", req.Concept).
		With("concept", req.Concept).
		With("modality", req.Modality).
		WithRecovery("retry later", "enable another provider", "add a static rule")
	if lastErr != nil {
		err = err.WithCause(lastErr)
	}
	r.emitter.Emit("generate_failed", map[string]any{
		"concept": req.Concept,
		"error":   err.Error(),
	})
	return core.Artifact{}, err
}

// ProviderHealth derives a status snapshot for every registered provider.
func (r *Router) ProviderHealth() []Health {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Health, 0, len(r.providers))
	for _, p := range r.providers {
		recent := r.ring.countSince(p.desc.Name, now.Add(-r.opts.HealthWindow))
		h := Health{
			Name:         p.desc.Name,
			Enabled:      p.desc.Enabled,
			Rank:         p.desc.Rank,
			RateLimited:  p.window.limited(now, p.desc.RateLimit),
			InCooldown:   r.inCooldownLocked(p.desc.Name, now),
			RecentErrors: recent,
			Usage:        p.usage,
		}
		h.Status = deriveStatus(h)
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

func deriveStatus(h Health) string {
	switch {
	case !h.Enabled:
		return "disabled"
	case h.RateLimited:
		return "rate_limited"
	case h.InCooldown:
		return "cooldown"
	case h.RecentErrors > 3:
		return "unstable"
	case h.RecentErrors > 0:
		return "degraded"
	}
	return "healthy"
}

// SetEnabled toggles a provider in or out of selection.
func (r *Router) SetEnabled(name string, enabled bool) error {
	return r.update(name, func(p *provider) { p.desc.Enabled = enabled })
}

// SetPriority changes a provider's rank; lower ranks are tried first.
func (r *Router) SetPriority(name string, rank int) error {
	return r.update(name, func(p *provider) { p.desc.Rank = rank })
}

// ResetRateLimits clears every provider's current window.
func (r *Router) ResetRateLimits() {
	r.mu.Lock()
	for _, p := range r.providers {
		p.window = rateWindow{}
	}
	r.mu.Unlock()
	r.emitter.Emit("rate_limits_reset", nil)
}

// ClearErrorHistory empties the error ring, ending any cooldowns.
func (r *Router) ClearErrorHistory() {
	r.ring.clear()
	r.emitter.Emit("error_history_cleared", nil)
}

// RecentErrors returns the provider's failures inside the health window.
func (r *Router) RecentErrors(name string) []ErrorRecord {
	return r.ring.recent(name, time.Now().Add(-r.opts.HealthWindow))
}

// FallbackCount reports how many requests advanced past their first
// candidate provider.
func (r *Router) FallbackCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fallbacks
}

func (r *Router) update(name string, apply func(*provider)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.providers {
		if p.desc.Name == name {
			apply(p)
			return nil
		}
	}
	return core.Errorf(core.ErrValidation, "unknown provider %q", name)
}

// maxLayers is the largest retry budget among registered providers.
func (r *Router) maxLayers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	layers := 1
	for _, p := range r.providers {
		if p.desc.MaxRetries > layers {
			layers = p.desc.MaxRetries
		}
	}
	return layers
}

// eligible snapshots the candidates for one attempt layer: enabled, not in
// cooldown, with retry budget remaining, sorted by rank.
func (r *Router) eligible(layer int) []*provider {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*provider, 0, len(r.providers))
	for _, p := range r.providers {
		if !p.desc.Enabled || p.desc.MaxRetries <= layer {
			continue
		}
		if r.inCooldownLocked(p.desc.Name, now) {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].desc.Rank < out[j].desc.Rank })
	return out
}

func (r *Router) inCooldownLocked(name string, now time.Time) bool {
	return r.ring.countSince(name, now.Add(-r.opts.CooldownWindow)) >= r.opts.CooldownThreshold
}

func (r *Router) admit(p *provider) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return p.window.admit(time.Now(), p.desc.RateLimit)
}

// call invokes the provider under its per-call deadline.
func (r *Router) call(ctx context.Context, p *provider, req core.ContentRequest) (core.Artifact, error) {
	ctx, cancel := context.WithTimeout(ctx, p.desc.Timeout)
	defer cancel()

	type result struct {
		artifact core.Artifact
		err      error
	}
	ch := make(chan result, 1)
	go func() {
		artifact, err := p.gen.Generate(ctx, req)
		ch <- result{artifact, err}
	}()
	select {
	case res := <-ch:
		return res.artifact, res.err
	case <-ctx.Done():
		return core.Artifact{}, core.Errorf(core.ErrTimeout, "provider %q exceeded %s", p.desc.Name, p.desc.Timeout).
			With("provider", p.desc.Name)
	}
}

func (r *Router) recordSuccess(p *provider, elapsed time.Duration) {
	r.mu.Lock()
	p.usage++
	r.mu.Unlock()
	r.emitter.Emit("provider_success", map[string]any{
		"provider":  p.desc.Name,
		"elapsedMs": elapsed.Milliseconds(),
	})
}

func (r *Router) recordError(p *provider, err error, fingerprint string) {
	r.ring.record(ErrorRecord{
		Provider:    p.desc.Name,
		Error:       err.Error(),
		At:          time.Now(),
		Fingerprint: fingerprint,
	})
	log.Warn().Str("provider", p.desc.Name).Err(err).Msg("provider call failed")
	r.emitter.Emit("provider_error", map[string]any{
		"provider": p.desc.Name,
		"error":    err.Error(),
	})
}

func (r *Router) bumpFallbacks() {
	r.mu.Lock()
	r.fallbacks++
	r.mu.Unlock()
	r.emitter.Emit("fallback_triggered", nil)
}

func (r *Router) staticRules() []StaticRule {
	return r.opts.Static
}

func requestFingerprint(req core.ContentRequest) string {
	return req.Concept + ":" + req.Modality
}
