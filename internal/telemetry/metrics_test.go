package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBridgeFeedsInstruments(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	sink := m.Bridge()

	sink.Emit("message_enqueued", map[string]any{"id": "m-1", "queueSize": 4, "priority": "high"})
	sink.Emit("message_delivered", map[string]any{"id": "m-1", "recipient": "tutor", "elapsedMs": int64(12)})
	sink.Emit("message_delivery_failed", map[string]any{"id": "m-2", "error": "Timeout"})
	sink.Emit("message_dead_lettered", map[string]any{"id": "m-2"})
	sink.Emit("task_enqueued", map[string]any{"id": "t-1"})
	sink.Emit("task_completed", map[string]any{"id": "t-1", "elapsedMs": int64(40)})
	sink.Emit("provider_success", map[string]any{"provider": "outline"})
	sink.Emit("provider_error", map[string]any{"provider": "sketchy"})
	sink.Emit("fallback_triggered", nil)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.BusEnqueued))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BusDelivered))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BusFailed))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BusDeadLettered))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.BusQueueDepth))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TasksCompleted))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ProviderSuccess.WithLabelValues("outline")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ProviderErrors.WithLabelValues("sketchy")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FallbackTriggered))
}

func TestRecordCacheStatsOnlyAdvances(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordCacheStats(10, 5, 2048)
	assert.Equal(t, float64(10), testutil.ToFloat64(m.CacheHits))
	assert.Equal(t, float64(5), testutil.ToFloat64(m.CacheMisses))
	assert.Equal(t, float64(2048), testutil.ToFloat64(m.CacheBytes))

	// A stale snapshot never winds a counter backwards.
	m.RecordCacheStats(8, 4, 1024)
	assert.Equal(t, float64(10), testutil.ToFloat64(m.CacheHits))
	assert.Equal(t, float64(1024), testutil.ToFloat64(m.CacheBytes))

	m.RecordCacheStats(30, 10, 4096)
	assert.Equal(t, float64(30), testutil.ToFloat64(m.CacheHits))
}

func TestHitRatioFromGatheredReadings(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	require.Zero(t, HitRatio(reg))
	m.RecordCacheStats(30, 10, 0)
	assert.InDelta(t, 0.75, HitRatio(reg), 0.001)
}
