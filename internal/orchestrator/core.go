// Package orchestrator assembles the substrate: the message bus, the
// admission queue, the provider router, the content cache and the depth
// ladder, wired to one fan-out event stream and one metrics registry. The
// core is a plain value-constructed object; the shell owns files, flags and
// listeners.
package orchestrator

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/admission"
	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/bus"
	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/cache"
	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/config"
	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/core"
	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/events"
	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/ladder"
	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/router"
	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/telemetry"
)

// Deps are the collaborators the shell injects. Every field is optional.
type Deps struct {
	Emitter   events.Emitter       // extra sink fanned out with the metrics bridge
	Static    []router.StaticRule  // last-resort synthesis rules
	Graph     *ladder.Graph        // prerequisite graph; nil disables gating
	Knowledge ladder.KnowledgeLookup
	Snapshots cache.SnapshotStore  // warm start on New, save on Close
	Registry  *prometheus.Registry // instrument registry; fresh when nil
	IDs       core.IDSource
}

// Core owns the five components and their shared plumbing.
type Core struct {
	cfg     config.Config
	emitter events.Emitter

	bus      *bus.Bus
	queue    *admission.Queue
	router   *router.Router
	cache    *cache.Cache
	ladder   *ladder.Ladder
	metrics  *telemetry.Metrics
	registry *prometheus.Registry

	snapshots cache.SnapshotStore
	closeOnce sync.Once
}

// New builds and wires a Core from the configuration record. When a snapshot
// store is supplied the cache is warm-started from it; a missing or corrupt
// snapshot is not fatal.
func New(cfg config.Config, deps Deps) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	registry := deps.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	metrics := telemetry.New(registry)

	sinks := events.Fanout{metrics.Bridge()}
	if deps.Emitter != nil {
		sinks = append(sinks, deps.Emitter)
	}

	ids := deps.IDs
	if ids == nil {
		ids = core.UUIDSource()
	}

	c := &Core{
		cfg:       cfg,
		emitter:   sinks,
		metrics:   metrics,
		registry:  registry,
		snapshots: deps.Snapshots,
	}

	c.cache = cache.New(cache.Options{
		BudgetBytes:    cfg.CacheBudgetBytes,
		DefaultTTL:     cfg.DefaultEntryTTL(),
		ReaperInterval: cfg.ReaperInterval(),
		Emitter:        sinks,
	})
	c.bus = bus.New(bus.Options{
		HandlerTimeout:   cfg.HandlerTimeout(),
		MaxRetries:       cfg.MaxRetries,
		EnableDeadLetter: cfg.EnableDeadLetter,
		MaxQueueSize:     cfg.MaxQueueSize,
		FailureThreshold: uint32(cfg.BreakerFailureThreshold),
		RecoveryInterval: cfg.BreakerRecovery(),
		Emitter:          sinks,
		IDs:              ids,
	})
	c.queue = admission.New(admission.Options{
		MaxConcurrent: cfg.MaxConcurrentAdmissions,
		Emitter:       sinks,
		IDs:           ids,
	})
	c.router = router.New(router.Options{
		Emitter: sinks,
		Static:  deps.Static,
	})

	lad, err := ladder.New(ladder.Options{
		Cache:     c.cache,
		Generate:  ladder.GeneratorFunc(c.Generate),
		Graph:     deps.Graph,
		Knowledge: deps.Knowledge,
		Emitter:   sinks,
	})
	if err != nil {
		c.teardown()
		return nil, err
	}
	c.ladder = lad

	if c.snapshots != nil {
		if n, err := c.cache.LoadFrom(context.Background(), c.snapshots); err != nil {
			log.Warn().Err(err).Msg("cache warm start failed")
		} else if n > 0 {
			log.Info().Int("entries", n).Msg("cache warm-started from snapshot")
		}
	}
	return c, nil
}

// Generate is the admission-wrapped generation path: a raw-artifact cache
// check, then the router run as a bounded task. The ladder uses this path as
// its generator, so every materialization respects the concurrency cap.
func (c *Core) Generate(ctx context.Context, req core.ContentRequest) (core.Artifact, error) {
	key := cache.ProviderKey(req.Concept, req.Modality, req.Complexity)
	if artifact, ok := c.cache.Get(key); ok {
		return artifact, nil
	}

	priority := 5
	if req.Primer {
		// Primers unblock a waiting learner, so they jump the line.
		priority = 8
	}
	ticket, err := c.queue.Enqueue(admission.Task{
		Priority:   priority,
		Originator: req.OriginatorOrAnonymous(),
		Produce: func(ctx context.Context) (any, error) {
			return c.router.Generate(ctx, req)
		},
	})
	if err != nil {
		return core.Artifact{}, err
	}

	value, err := ticket.Wait(ctx)
	if err != nil {
		return core.Artifact{}, err
	}
	artifact, ok := value.(core.Artifact)
	if !ok {
		return core.Artifact{}, core.NewError(core.ErrProvider, "generation produced no artifact")
	}
	if err := c.cache.Put(key, artifact, 0); err != nil {
		// An oversized artifact still serves; it just never caches.
		log.Warn().Str("key", key).Err(err).Msg("artifact not cached")
	}
	return artifact, nil
}

// Snapshot is the aggregate state view served by the ops surface.
type Snapshot struct {
	Bus       bus.Stats        `json:"bus"`
	Queue     admission.Status `json:"queue"`
	Cache     cache.Stats      `json:"cache"`
	Providers []router.Health  `json:"providers"`
	Fallbacks uint64           `json:"fallbacks"`
}

// Stats gathers every component's snapshot and refreshes the cache
// instruments from it.
func (c *Core) Stats() Snapshot {
	cs := c.cache.Stats()
	c.metrics.RecordCacheStats(cs.Hits, cs.Misses, cs.TotalBytes)
	return Snapshot{
		Bus:       c.bus.Stats(),
		Queue:     c.queue.Status(),
		Cache:     cs,
		Providers: c.router.ProviderHealth(),
		Fallbacks: c.router.FallbackCount(),
	}
}

// Bus exposes the message bus.
func (c *Core) Bus() *bus.Bus { return c.bus }

// Queue exposes the admission queue.
func (c *Core) Queue() *admission.Queue { return c.queue }

// Router exposes the provider router.
func (c *Core) Router() *router.Router { return c.router }

// Cache exposes the content cache.
func (c *Core) Cache() *cache.Cache { return c.cache }

// Ladder exposes the depth ladder.
func (c *Core) Ladder() *ladder.Ladder { return c.ladder }

// Metrics exposes the instrument set.
func (c *Core) Metrics() *telemetry.Metrics { return c.metrics }

// Registry exposes the prometheus registry for the metrics endpoint.
func (c *Core) Registry() *prometheus.Registry { return c.registry }

// Emitter exposes the fan-out event stream for components built on top.
func (c *Core) Emitter() events.Emitter { return c.emitter }

// Close shuts the core down: the queue stops admitting, the bus stops
// dispatching, and the cache saves its snapshot before being destroyed.
func (c *Core) Close() {
	c.closeOnce.Do(func() {
		c.queue.Close()
		c.bus.Close()
		if c.snapshots != nil {
			if err := c.cache.SaveTo(context.Background(), c.snapshots); err != nil {
				log.Warn().Err(err).Msg("cache snapshot save failed")
			}
		}
		c.cache.Destroy()
	})
}

// teardown releases the components built so far when New fails part-way.
func (c *Core) teardown() {
	if c.queue != nil {
		c.queue.Close()
	}
	if c.bus != nil {
		c.bus.Close()
	}
	if c.cache != nil {
		c.cache.Destroy()
	}
}
