// Package telemetry exposes the core's operational metrics through an
// instance-owned Prometheus registry. A bridge sink translates the
// observability event stream into instrument updates, so components stay
// metrics-agnostic.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/events"
)

const namespace = "clearlearn"

// Metrics bundles every instrument the core publishes.
type Metrics struct {
	BusEnqueued     prometheus.Counter
	BusDelivered    prometheus.Counter
	BusFailed       prometheus.Counter
	BusDeadLettered prometheus.Counter
	BusQueueDepth   prometheus.Gauge
	DeliveryMs      prometheus.Histogram

	TasksEnqueued  prometheus.Counter
	TasksCompleted prometheus.Counter
	TasksFailed    prometheus.Counter
	TaskMs         prometheus.Histogram

	ProviderSuccess   *prometheus.CounterVec
	ProviderErrors    *prometheus.CounterVec
	FallbackTriggered prometheus.Counter

	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
	CacheBytes  prometheus.Gauge
}

// New registers the instrument set on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BusEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "messages_enqueued_total",
			Help: "Messages accepted into the holding area.",
		}),
		BusDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "messages_delivered_total",
			Help: "Successful deliveries.",
		}),
		BusFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "delivery_failures_total",
			Help: "Failed delivery attempts, including breaker rejections.",
		}),
		BusDeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "messages_dead_lettered_total",
			Help: "Messages deposited in the dead-letter queue.",
		}),
		BusQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "bus", Name: "queue_depth",
			Help: "Messages currently held by the bus.",
		}),
		DeliveryMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "bus", Name: "delivery_duration_ms",
			Help:    "Handler invocation latency in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		TasksEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "admission", Name: "tasks_enqueued_total",
			Help: "Tasks admitted to the queue.",
		}),
		TasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "admission", Name: "tasks_completed_total",
			Help: "Tasks whose producer succeeded.",
		}),
		TasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "admission", Name: "tasks_failed_total",
			Help: "Tasks that spent their retry budget.",
		}),
		TaskMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "admission", Name: "task_duration_ms",
			Help:    "Producer execution latency in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
		ProviderSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "provider_success_total",
			Help: "Successful provider calls.",
		}, []string{"provider"}),
		ProviderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "provider_errors_total",
			Help: "Failed provider calls.",
		}, []string{"provider"}),
		FallbackTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "fallback_triggered_total",
			Help: "Requests that advanced past their first candidate provider.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "hits_total",
			Help: "Cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "misses_total",
			Help: "Cache misses.",
		}),
		CacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "bytes",
			Help: "Estimated bytes currently stored.",
		}),
	}
	reg.MustRegister(
		m.BusEnqueued, m.BusDelivered, m.BusFailed, m.BusDeadLettered,
		m.BusQueueDepth, m.DeliveryMs,
		m.TasksEnqueued, m.TasksCompleted, m.TasksFailed, m.TaskMs,
		m.ProviderSuccess, m.ProviderErrors, m.FallbackTriggered,
		m.CacheHits, m.CacheMisses, m.CacheBytes,
	)
	return m
}

// Bridge returns an event sink that feeds the instruments. It is meant to be
// fanned out alongside the other sinks passed to the core at construction.
func (m *Metrics) Bridge() events.Emitter {
	return bridge{m}
}

type bridge struct{ m *Metrics }

func (b bridge) Emit(event string, fields map[string]any) {
	switch event {
	case "message_enqueued":
		b.m.BusEnqueued.Inc()
		if depth, ok := asFloat(fields["queueSize"]); ok {
			b.m.BusQueueDepth.Set(depth)
		}
	case "message_delivered":
		b.m.BusDelivered.Inc()
		if ms, ok := asFloat(fields["elapsedMs"]); ok {
			b.m.DeliveryMs.Observe(ms)
		}
	case "message_delivery_failed":
		b.m.BusFailed.Inc()
	case "message_dead_lettered":
		b.m.BusDeadLettered.Inc()
	case "task_enqueued":
		b.m.TasksEnqueued.Inc()
	case "task_completed":
		b.m.TasksCompleted.Inc()
		if ms, ok := asFloat(fields["elapsedMs"]); ok {
			b.m.TaskMs.Observe(ms)
		}
	case "task_failed":
		b.m.TasksFailed.Inc()
	case "provider_success":
		b.m.ProviderSuccess.WithLabelValues(asString(fields["provider"])).Inc()
	case "provider_error":
		b.m.ProviderErrors.WithLabelValues(asString(fields["provider"])).Inc()
	case "fallback_triggered":
		b.m.FallbackTriggered.Inc()
	}
}

// RecordCacheStats refreshes the cache gauges and counters from a stats
// snapshot. Counters only move forward; stale snapshots are ignored.
func (m *Metrics) RecordCacheStats(hits, misses, bytes int64) {
	m.CacheBytes.Set(float64(bytes))
	advanceCounter(m.CacheHits, float64(hits))
	advanceCounter(m.CacheMisses, float64(misses))
}

// advanceCounter moves a counter up to the target value by reading its
// current reading back through the client_model protobuf.
func advanceCounter(c prometheus.Counter, target float64) {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return
	}
	if current := m.GetCounter().GetValue(); target > current {
		c.Add(target - current)
	}
}

// HitRatio recomputes the cache hit ratio from gathered counter readings. It
// returns 0 before any cache traffic.
func HitRatio(g prometheus.Gatherer) float64 {
	families, err := g.Gather()
	if err != nil {
		return 0
	}
	var hits, misses float64
	for _, mf := range families {
		switch mf.GetName() {
		case namespace + "_cache_hits_total":
			hits = firstCounterValue(mf)
		case namespace + "_cache_misses_total":
			misses = firstCounterValue(mf)
		}
	}
	if total := hits + misses; total > 0 {
		return hits / total
	}
	return 0
}

func firstCounterValue(mf *dto.MetricFamily) float64 {
	if metrics := mf.GetMetric(); len(metrics) > 0 {
		return metrics[0].GetCounter().GetValue()
	}
	return 0
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func asString(v any) string {
	s, _ := v.(string)
	if s == "" {
		return "unknown"
	}
	return s
}
