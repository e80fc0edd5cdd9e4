package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/core"
)

// snapshotEntry is the wire form of one cache entry. Instants travel as
// ISO-8601 UTC strings; the TTL travels in milliseconds.
type snapshotEntry struct {
	Key         string        `json:"key"`
	Artifact    core.Artifact `json:"artifact"`
	CreatedAt   string        `json:"createdAt"`
	AccessedAt  string        `json:"accessedAt"`
	AccessCount int64         `json:"accessCount"`
	TTLMs       int64         `json:"ttlMs"`
	Size        int64         `json:"size"`
}

type snapshotDoc struct {
	Version int             `json:"version"`
	TakenAt string          `json:"takenAt"`
	Entries []snapshotEntry `json:"entries"`
}

// Snapshot serializes every non-expired entry for warm-start persistence.
func (c *Cache) Snapshot() ([]byte, error) {
	now := time.Now()
	c.mu.Lock()
	doc := snapshotDoc{Version: 1, TakenAt: now.UTC().Format(time.RFC3339)}
	for _, el := range c.entries {
		e := el.Value.(*entry)
		if e.expired(now) {
			continue
		}
		doc.Entries = append(doc.Entries, snapshotEntry{
			Key:         e.key,
			Artifact:    e.artifact,
			CreatedAt:   e.createdAt.UTC().Format(time.RFC3339Nano),
			AccessedAt:  e.accessedAt.UTC().Format(time.RFC3339Nano),
			AccessCount: e.accessCount,
			TTLMs:       e.ttl.Milliseconds(),
			Size:        e.size,
		})
	}
	c.mu.Unlock()

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize cache snapshot: %w", err)
	}
	c.emitter.Emit("cache_snapshot", map[string]any{"entries": len(doc.Entries)})
	return data, nil
}

// Restore loads a snapshot, silently dropping entries whose TTL has expired
// by now. Restored entries keep their original creation and access instants;
// recency order is rebuilt from the access instants, and the byte budget is
// enforced by evicting the least recent overflow.
func (c *Cache) Restore(data []byte) (int, error) {
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("failed to parse cache snapshot: %w", err)
	}

	now := time.Now()
	fresh := make([]*entry, 0, len(doc.Entries))
	for _, se := range doc.Entries {
		createdAt, err := time.Parse(time.RFC3339Nano, se.CreatedAt)
		if err != nil {
			continue
		}
		accessedAt, err := time.Parse(time.RFC3339Nano, se.AccessedAt)
		if err != nil {
			accessedAt = createdAt
		}
		e := &entry{
			key:         se.Key,
			artifact:    se.Artifact,
			createdAt:   createdAt,
			accessedAt:  accessedAt,
			accessCount: se.AccessCount,
			ttl:         time.Duration(se.TTLMs) * time.Millisecond,
			size:        se.Size,
		}
		if e.size <= 0 {
			e.size = estimateSize(e.key, e.artifact)
		}
		if e.expired(now) || e.size > c.opts.BudgetBytes {
			continue
		}
		fresh = append(fresh, e)
	}
	// Least recently accessed first, so the most recent land at the front.
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].accessedAt.Before(fresh[j].accessedAt) })

	restored := 0
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return 0, core.NewError(core.ErrValidation, "cache is destroyed")
	}
	for _, e := range fresh {
		if el, ok := c.entries[e.key]; ok {
			c.removeLocked(el)
		}
		for c.bytes+e.size > c.opts.BudgetBytes {
			oldest := c.lru.Back()
			if oldest == nil {
				break
			}
			c.removeLocked(oldest)
		}
		c.entries[e.key] = c.lru.PushFront(e)
		c.bytes += e.size
		restored++
	}
	c.mu.Unlock()

	c.emitter.Emit("cache_restored", map[string]any{"entries": restored})
	return restored, nil
}

// SaveTo writes the current snapshot to a store.
func (c *Cache) SaveTo(ctx context.Context, store SnapshotStore) error {
	data, err := c.Snapshot()
	if err != nil {
		return err
	}
	return store.Save(ctx, data)
}

// LoadFrom restores a snapshot from a store. A missing snapshot restores
// nothing and is not an error.
func (c *Cache) LoadFrom(ctx context.Context, store SnapshotStore) (int, error) {
	data, err := store.Load(ctx)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}
	return c.Restore(data)
}
