// Package guard provides metrics recording.
package guard

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records service observability signals.
type Metrics interface {
	IncDecision(action ActionClass, allowed bool)
	IncStoreError(op string)
	IncSuspicious(activityType ActivityType)
	IncBroadcast(kind string)
	IncConnection(role string)
	DecConnection(role string)
	SetDegraded(degraded bool)
	ObserveEnforceLatency(d time.Duration)
}

// PromMetrics implements Metrics on a prometheus registry.
type PromMetrics struct {
	registry    *prometheus.Registry
	decisions   *prometheus.CounterVec
	storeErrors *prometheus.CounterVec
	suspicious  *prometheus.CounterVec
	broadcasts  *prometheus.CounterVec
	connections *prometheus.GaugeVec
	degraded    prometheus.Gauge
	enforceSecs prometheus.Histogram
}

// NewPromMetrics constructs a metrics recorder with its own registry.
func NewPromMetrics() *PromMetrics {
	registry := prometheus.NewRegistry()
	m := &PromMetrics{
		registry: registry,
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_ratelimit_decisions_total",
			Help: "Rate limit decisions by action class and outcome.",
		}, []string{"action", "outcome"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_store_errors_total",
			Help: "Counter store errors by operation.",
		}, []string{"op"}),
		suspicious: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_suspicious_events_total",
			Help: "Recorded suspicious activity events by type.",
		}, []string{"type"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_admin_broadcasts_total",
			Help: "Admin fan-out broadcasts by kind.",
		}, []string{"kind"}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "guard_connections",
			Help: "Open persistent connections by role.",
		}, []string{"role"}),
		degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guard_store_degraded",
			Help: "1 when the counter store is unreachable.",
		}),
		enforceSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "guard_enforce_duration_seconds",
			Help:    "Enforcement round-trip latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	registry.MustRegister(m.decisions, m.storeErrors, m.suspicious, m.broadcasts,
		m.connections, m.degraded, m.enforceSecs)
	return m
}

// Handler serves the registry over HTTP.
func (m *PromMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncDecision increments a decision counter.
func (m *PromMetrics) IncDecision(action ActionClass, allowed bool) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	m.decisions.WithLabelValues(string(action), outcome).Inc()
}

// IncStoreError increments a store error counter.
func (m *PromMetrics) IncStoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

// IncSuspicious increments a suspicious event counter.
func (m *PromMetrics) IncSuspicious(activityType ActivityType) {
	if m == nil {
		return
	}
	m.suspicious.WithLabelValues(string(activityType)).Inc()
}

// IncBroadcast increments a broadcast counter.
func (m *PromMetrics) IncBroadcast(kind string) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(kind).Inc()
}

// IncConnection increments the open connection gauge for a role.
func (m *PromMetrics) IncConnection(role string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(role).Inc()
}

// DecConnection decrements the open connection gauge for a role.
func (m *PromMetrics) DecConnection(role string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(role).Dec()
}

// SetDegraded flips the degraded-mode gauge.
func (m *PromMetrics) SetDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.degraded.Set(1)
		return
	}
	m.degraded.Set(0)
}

// ObserveEnforceLatency records an enforcement latency sample.
func (m *PromMetrics) ObserveEnforceLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.enforceSecs.Observe(d.Seconds())
}

// InMemoryMetrics counts signals in process for tests.
type InMemoryMetrics struct {
	mu       sync.Mutex
	counters map[string]int64
	degraded bool
}

// NewInMemoryMetrics constructs an in-memory metrics recorder.
func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{counters: make(map[string]int64)}
}

func (m *InMemoryMetrics) inc(key string, delta int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters == nil {
		m.counters = make(map[string]int64)
	}
	m.counters[key] += delta
}

// IncDecision increments a decision counter.
func (m *InMemoryMetrics) IncDecision(action ActionClass, allowed bool) {
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	m.inc("decision|"+string(action)+"|"+outcome, 1)
}

// IncStoreError increments a store error counter.
func (m *InMemoryMetrics) IncStoreError(op string) { m.inc("store_error|"+op, 1) }

// IncSuspicious increments a suspicious event counter.
func (m *InMemoryMetrics) IncSuspicious(activityType ActivityType) {
	m.inc("suspicious|"+string(activityType), 1)
}

// IncBroadcast increments a broadcast counter.
func (m *InMemoryMetrics) IncBroadcast(kind string) { m.inc("broadcast|"+kind, 1) }

// IncConnection increments the connection counter for a role.
func (m *InMemoryMetrics) IncConnection(role string) { m.inc("conn|"+role, 1) }

// DecConnection decrements the connection counter for a role.
func (m *InMemoryMetrics) DecConnection(role string) { m.inc("conn|"+role, -1) }

// SetDegraded records the degraded flag.
func (m *InMemoryMetrics) SetDegraded(degraded bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.degraded = degraded
}

// ObserveEnforceLatency counts latency observations.
func (m *InMemoryMetrics) ObserveEnforceLatency(time.Duration) { m.inc("enforce_latency", 1) }

// Count returns a counter value.
func (m *InMemoryMetrics) Count(key string) int64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[key]
}

// Degraded returns the recorded degraded flag.
func (m *InMemoryMetrics) Degraded() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}
