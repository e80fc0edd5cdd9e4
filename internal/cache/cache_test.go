package cache

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/core"
	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/events"
)

// sizedArtifact builds an artifact whose estimated size lands close to (and
// not over) the requested byte count.
func sizedArtifact(concept string, size int64) core.Artifact {
	a := core.Artifact{
		Concept:    concept,
		Modality:   "animation",
		Complexity: 5,
		Provenance: core.Provenance{Provider: "test"},
	}
	base := estimateSize("", a)
	if pad := size - base - 16; pad > 0 {
		a.Content = strings.Repeat("x", int(pad))
	}
	return a
}

func newTestCache(budget int64) *Cache {
	return New(Options{BudgetBytes: budget, ReaperInterval: -1})
}

func TestKeyDerivation(t *testing.T) {
	assert.Equal(t, "recursion:animation:1:anonymous:0", Key("recursion", "animation", 1, "", 0))
	assert.Equal(t, "binary_search:concept_map:5:user_42:2", Key("Binary  Search", "Concept Map", 5, "User 42", 2))
	assert.Equal(t, "llm:recursion:text:3", ProviderKey("Recursion", "text", 3))
	assert.Equal(t, "primer:recursion:animation:1:anonymous:0", PrimerKey("recursion", "animation", ""))
}

func TestGetMissAndHitAccounting(t *testing.T) {
	c := newTestCache(10000)
	defer c.Destroy()

	_, ok := c.Get("absent")
	assert.False(t, ok)

	require.NoError(t, c.Put("k", sizedArtifact("recursion", 200), 0))
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "recursion", got.Concept)

	st := c.Stats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.InDelta(t, 0.5, st.HitRate, 0.001)
}

func TestExpiredEntryIsAMiss(t *testing.T) {
	c := newTestCache(10000)
	defer c.Destroy()

	require.NoError(t, c.Put("k", sizedArtifact("recursion", 200), 10*time.Millisecond))
	assert.True(t, c.Has("k"))
	time.Sleep(15 * time.Millisecond)
	assert.False(t, c.Has("k"))
	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Zero(t, c.Stats().Entries, "stale entry is removed on access")
}

// Three entries fit the budget; re-accessing A makes B the least recently
// used, so inserting D evicts B and leaves {A, C, D}.
func TestLRUEvictionUnderPressure(t *testing.T) {
	c := newTestCache(1000)
	defer c.Destroy()

	require.NoError(t, c.Put("a", sizedArtifact("alpha", 300), time.Hour))
	require.NoError(t, c.Put("b", sizedArtifact("beta", 300), time.Hour))
	require.NoError(t, c.Put("c", sizedArtifact("gamma", 300), time.Hour))
	_, ok := c.Get("a")
	require.True(t, ok)

	require.NoError(t, c.Put("d", sizedArtifact("delta", 300), time.Hour))

	assert.True(t, c.Has("a"))
	assert.False(t, c.Has("b"))
	assert.True(t, c.Has("c"))
	assert.True(t, c.Has("d"))
	assert.LessOrEqual(t, c.Bytes(), int64(1000))
}

func TestByteBudgetHoldsAfterEveryPut(t *testing.T) {
	c := newTestCache(1000)
	defer c.Destroy()

	for i := 0; i < 20; i++ {
		require.NoError(t, c.Put(Key("concept", "text", i, "", 0), sizedArtifact("concept", 300), time.Hour))
		assert.LessOrEqual(t, c.Bytes(), int64(1000))
	}
}

func TestOversizedEntryIsRejected(t *testing.T) {
	c := newTestCache(500)
	defer c.Destroy()

	require.NoError(t, c.Put("small", sizedArtifact("alpha", 300), time.Hour))
	err := c.Put("huge", sizedArtifact("beta", 2000), time.Hour)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.ErrValidation))
	// The reject left prior state alone.
	assert.True(t, c.Has("small"))
}

func TestReplacingAKeyReclaimsItsBytes(t *testing.T) {
	c := newTestCache(1000)
	defer c.Destroy()

	require.NoError(t, c.Put("k", sizedArtifact("alpha", 400), time.Hour))
	before := c.Bytes()
	require.NoError(t, c.Put("k", sizedArtifact("alpha", 400), time.Hour))
	assert.Equal(t, 1, c.Stats().Entries)
	assert.InDelta(t, float64(before), float64(c.Bytes()), 32)
}

func TestPreloadUsesExtendedTTL(t *testing.T) {
	rec := events.NewRecorder()
	c := New(Options{BudgetBytes: 100000, DefaultTTL: time.Hour, ReaperInterval: -1, Emitter: rec})
	defer c.Destroy()

	n := c.Preload([]string{"recursion", "sorting"}, []string{"animation", "text"})
	assert.Equal(t, 4, n)
	assert.True(t, c.Has(Key("recursion", "animation", 1, "", 0)))

	got, ok := c.Get(Key("sorting", "text", 1, "", 0))
	require.True(t, ok)
	assert.Equal(t, "preload", got.Provenance.Provider)
	assert.Equal(t, "true", got.Annotations["placeholder"])
	assert.Equal(t, 1, rec.Count("cache_preloaded"))

	// Preloading again does not clobber existing entries.
	assert.Zero(t, c.Preload([]string{"recursion"}, []string{"animation"}))
}

func TestOptimizeDropsLeastAccessedQuarter(t *testing.T) {
	c := newTestCache(100000)
	defer c.Destroy()

	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, k := range keys {
		require.NoError(t, c.Put(k, sizedArtifact(k, 200), time.Hour))
	}
	// Touch everything except a and b so they are the least accessed.
	for _, k := range keys[2:] {
		_, ok := c.Get(k)
		require.True(t, ok)
	}

	assert.Equal(t, 2, c.Optimize())
	assert.False(t, c.Has("a"))
	assert.False(t, c.Has("b"))
	assert.Equal(t, 6, c.Stats().Entries)
}

func TestSnapshotRoundTrip(t *testing.T) {
	c := newTestCache(100000)
	defer c.Destroy()

	require.NoError(t, c.Put("keep", sizedArtifact("alpha", 300), time.Hour))
	require.NoError(t, c.Put("expire", sizedArtifact("beta", 300), 5*time.Millisecond))
	time.Sleep(10 * time.Millisecond)

	data, err := c.Snapshot()
	require.NoError(t, err)

	restored := newTestCache(100000)
	defer restored.Destroy()
	n, err := restored.Restore(data)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "expired entries are dropped at restore")

	got, ok := restored.Get("keep")
	require.True(t, ok)
	assert.Equal(t, "alpha", got.Concept)
	assert.False(t, restored.Has("expire"))
}

func TestRestoreRejectsGarbage(t *testing.T) {
	c := newTestCache(1000)
	defer c.Destroy()
	_, err := c.Restore([]byte("{not json"))
	require.Error(t, err)
}

func TestReaperSweepsExpiredEntries(t *testing.T) {
	rec := events.NewRecorder()
	c := New(Options{BudgetBytes: 100000, ReaperInterval: 10 * time.Millisecond, Emitter: rec})
	defer c.Destroy()

	require.NoError(t, c.Put("short", sizedArtifact("alpha", 200), 5*time.Millisecond))
	require.NoError(t, c.Put("long", sizedArtifact("beta", 200), time.Hour))

	require.True(t, rec.WaitFor("cache_reaped", 1, time.Second))
	assert.Equal(t, 1, c.Stats().Entries)
	assert.True(t, c.Has("long"))
}

func TestDestroyStopsWrites(t *testing.T) {
	c := newTestCache(1000)
	c.Destroy()
	err := c.Put("k", sizedArtifact("alpha", 100), time.Hour)
	require.Error(t, err)
	assert.Zero(t, c.Stats().Entries)
}
