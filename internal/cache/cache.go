// Package cache stores generated artifacts in a byte-budgeted, TTL-aware LRU
// with hit accounting, snapshot export/import for warm starts, and a
// cooperative background reaper for expired entries.
package cache

import (
	"container/list"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/core"
	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/events"
)

// preloadTTLFactor extends the TTL of preloaded placeholder entries.
const preloadTTLFactor = 7

// Options configures a Cache. Zero fields take the documented defaults.
type Options struct {
	BudgetBytes    int64         // default 50 MiB
	DefaultTTL     time.Duration // default 24h
	ReaperInterval time.Duration // default 1h; <0 disables the reaper
	Emitter        events.Emitter
}

func (o Options) withDefaults() Options {
	if o.BudgetBytes <= 0 {
		o.BudgetBytes = 52428800
	}
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = 24 * time.Hour
	}
	if o.ReaperInterval == 0 {
		o.ReaperInterval = time.Hour
	}
	if o.Emitter == nil {
		o.Emitter = events.Nop{}
	}
	return o
}

// entry is the cache-owned record for one artifact.
type entry struct {
	key         string
	artifact    core.Artifact
	createdAt   time.Time
	accessedAt  time.Time
	accessCount int64
	ttl         time.Duration
	size        int64
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.createdAt) > e.ttl
}

// Stats is an immutable snapshot of cache state.
type Stats struct {
	Entries     int        `json:"entries"`
	Hits        int64      `json:"hits"`
	Misses      int64      `json:"misses"`
	HitRate     float64    `json:"hitRate"`
	TotalBytes  int64      `json:"totalBytes"`
	BudgetBytes int64      `json:"budgetBytes"`
	Oldest      *time.Time `json:"oldest,omitempty"`
	Newest      *time.Time `json:"newest,omitempty"`
}

// Cache is the byte-budgeted LRU store. All operations are non-suspending;
// the reaper runs on its own schedule.
type Cache struct {
	opts    Options
	emitter events.Emitter

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recently used
	bytes   int64
	hits    int64
	misses  int64

	stopCh    chan struct{}
	destroyed bool
	closeOnce sync.Once
}

// New builds a Cache and starts its reaper unless the interval is negative.
func New(opts Options) *Cache {
	opts = opts.withDefaults()
	c := &Cache{
		opts:    opts,
		emitter: opts.Emitter,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		stopCh:  make(chan struct{}),
	}
	if opts.ReaperInterval > 0 {
		go c.reap()
	}
	return c
}

// Get returns the artifact under key. A stale entry is removed and reported
// as a miss; a hit bumps the access count and recency.
func (c *Cache) Get(key string) (core.Artifact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return core.Artifact{}, false
	}
	e := el.Value.(*entry)
	if e.expired(time.Now()) {
		c.removeLocked(el)
		c.misses++
		return core.Artifact{}, false
	}
	e.accessedAt = time.Now()
	e.accessCount++
	c.lru.MoveToFront(el)
	c.hits++
	return e.artifact, true
}

// Has reports whether key is present and fresh, without touching recency.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	return ok && !el.Value.(*entry).expired(time.Now())
}

// Put inserts the artifact under key with the given TTL (zero takes the
// default). Entries larger than the whole budget are rejected; otherwise LRU
// entries are evicted before insertion so the byte total never exceeds the
// budget.
func (c *Cache) Put(key string, artifact core.Artifact, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	size := estimateSize(key, artifact)
	if size > c.opts.BudgetBytes {
		return core.Errorf(core.ErrValidation, "artifact of %d bytes exceeds the cache budget of %d", size, c.opts.BudgetBytes).
			With("key", key)
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return core.NewError(core.ErrValidation, "cache is destroyed")
	}
	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
	evicted := 0
	for c.bytes+size > c.opts.BudgetBytes {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		evicted++
	}
	now := time.Now()
	e := &entry{
		key:        key,
		artifact:   artifact,
		createdAt:  now,
		accessedAt: now,
		ttl:        ttl,
		size:       size,
	}
	c.entries[key] = c.lru.PushFront(e)
	c.bytes += size
	total := c.bytes
	c.mu.Unlock()

	if evicted > 0 {
		c.emitter.Emit("cache_evicted", map[string]any{
			"evicted":    evicted,
			"totalBytes": total,
		})
	}
	return nil
}

// Preload inserts placeholder artifacts for every concept and modality pair
// under an extended TTL, so a later Get warms against a stub until the real
// artifact replaces it.
func (c *Cache) Preload(concepts, modalities []string) int {
	inserted := 0
	for _, concept := range concepts {
		for _, modality := range modalities {
			key := Key(concept, modality, 1, core.AnonymousOriginator, 0)
			if c.Has(key) {
				continue
			}
			placeholder := core.Artifact{
				Concept:    concept,
				Modality:   modality,
				Complexity: 1,
				Content:    "placeholder",
				Provenance: core.Provenance{Provider: "preload"},
				CreatedAt:  time.Now(),
				Annotations: map[string]string{
					"placeholder": "true",
				},
			}
			if err := c.Put(key, placeholder, preloadTTLFactor*c.opts.DefaultTTL); err == nil {
				inserted++
			}
		}
	}
	c.emitter.Emit("cache_preloaded", map[string]any{"entries": inserted})
	return inserted
}

// Optimize drops the least-accessed quarter of entries, breaking ties by
// oldest last access.
func (c *Cache) Optimize() int {
	c.mu.Lock()
	all := make([]*list.Element, 0, len(c.entries))
	for _, el := range c.entries {
		all = append(all, el)
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i].Value.(*entry), all[j].Value.(*entry)
		if a.accessCount != b.accessCount {
			return a.accessCount < b.accessCount
		}
		return a.accessedAt.Before(b.accessedAt)
	})
	drop := len(all) / 4
	for _, el := range all[:drop] {
		c.removeLocked(el)
	}
	c.mu.Unlock()

	if drop > 0 {
		c.emitter.Emit("cache_optimized", map[string]any{"dropped": drop})
	}
	return drop
}

// Stats returns an immutable snapshot of entry counts, hit rate and byte
// accounting.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Stats{
		Entries:     len(c.entries),
		Hits:        c.hits,
		Misses:      c.misses,
		TotalBytes:  c.bytes,
		BudgetBytes: c.opts.BudgetBytes,
	}
	if total := c.hits + c.misses; total > 0 {
		st.HitRate = float64(c.hits) / float64(total)
	}
	for _, el := range c.entries {
		created := el.Value.(*entry).createdAt
		if st.Oldest == nil || created.Before(*st.Oldest) {
			at := created
			st.Oldest = &at
		}
		if st.Newest == nil || created.After(*st.Newest) {
			at := created
			st.Newest = &at
		}
	}
	return st
}

// Bytes returns the current byte total.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Destroy cancels the reaper and clears all state. The cache rejects writes
// afterwards.
func (c *Cache) Destroy() {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		c.mu.Lock()
		c.destroyed = true
		c.entries = make(map[string]*list.Element)
		c.lru.Init()
		c.bytes = 0
		c.mu.Unlock()
	})
}

// removeLocked unlinks one entry. Callers hold the lock.
func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	c.lru.Remove(el)
	delete(c.entries, e.key)
	c.bytes -= e.size
}

// reap periodically drops expired entries.
func (c *Cache) reap() {
	ticker := time.NewTicker(c.opts.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			removed := c.sweep()
			if removed > 0 {
				log.Debug().Int("removed", removed).Msg("cache reaper swept expired entries")
				c.emitter.Emit("cache_reaped", map[string]any{"removed": removed})
			}
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cache) sweep() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, el := range c.entries {
		if el.Value.(*entry).expired(now) {
			c.removeLocked(el)
			removed++
		}
	}
	return removed
}

// estimateSize is the byte length of the artifact's canonical JSON plus the
// key. The budget is advisory, not exact.
func estimateSize(key string, artifact core.Artifact) int64 {
	data, err := json.Marshal(artifact)
	if err != nil {
		return int64(len(key))
	}
	return int64(len(key) + len(data))
}
