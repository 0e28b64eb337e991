// internal/metrics/metrics.go
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Poll outcomes
const (
	OutcomeFast     = "fast"
	OutcomeNotified = "notified"
	OutcomeTimeout  = "timeout"
	OutcomeCanceled = "canceled"
	OutcomeError    = "error"
)

// Metrics holds all Prometheus metrics for the process.
//
// A nil *Metrics is valid and records nothing, so components can take it as
// an optional dependency.
type Metrics struct {
	StoreOps       *prometheus.CounterVec
	StoreLatency   *prometheus.HistogramVec
	VersionBumps   *prometheus.CounterVec
	CacheLookups   *prometheus.CounterVec
	ActiveWaiters  prometheus.Gauge
	PollOutcomes   *prometheus.CounterVec
	RequestCounter *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
	RateLimitHits  prometheus.Counter
	registry       *prometheus.Registry
}

// New creates and registers all metrics on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		StoreOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "learnhub_store_operations_total",
				Help: "Key-value store operations by operation and result",
			},
			[]string{"op", "result"},
		),
		StoreLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "learnhub_store_operation_duration_seconds",
				Help:    "Key-value store round-trip latency in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
			[]string{"op"},
		),
		VersionBumps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "learnhub_version_bumps_total",
				Help: "Version bumps by resource kind",
			},
			[]string{"kind"},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "learnhub_cache_lookups_total",
				Help: "Versioned cache lookups by prefix and result",
			},
			[]string{"prefix", "result"},
		),
		ActiveWaiters: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "learnhub_poll_waiters_active",
				Help: "Long-poll calls currently blocked on a subscription",
			},
		),
		PollOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "learnhub_poll_outcomes_total",
				Help: "Long-poll results by resource kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		RequestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "learnhub_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "learnhub_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 15, 30},
			},
			[]string{"method", "route"},
		),
		RateLimitHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "learnhub_rate_limit_hits_total",
				Help: "Requests rejected by the poll rate limiter",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.StoreOps,
		m.StoreLatency,
		m.VersionBumps,
		m.CacheLookups,
		m.ActiveWaiters,
		m.PollOutcomes,
		m.RequestCounter,
		m.RequestLatency,
		m.RateLimitHits,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// ResourceKind reduces a resource name to a bounded label value:
// "modules:42" becomes "modules".
func ResourceKind(name string) string {
	if i := strings.IndexByte(name, ':'); i >= 0 {
		return name[:i]
	}
	return name
}

// ObserveStoreOp records one store round trip.
func (m *Metrics) ObserveStoreOp(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.StoreOps.WithLabelValues(op, result).Inc()
	m.StoreLatency.WithLabelValues(op).Observe(d.Seconds())
}

// IncBump counts a successful version bump.
func (m *Metrics) IncBump(name string) {
	if m == nil {
		return
	}
	m.VersionBumps.WithLabelValues(ResourceKind(name)).Inc()
}

// ObserveCacheLookup counts a cache hit or miss for prefix.
func (m *Metrics) ObserveCacheLookup(prefix string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(prefix, result).Inc()
}

// WaiterStarted marks a long-poll call as blocked.
func (m *Metrics) WaiterStarted() {
	if m == nil {
		return
	}
	m.ActiveWaiters.Inc()
}

// WaiterFinished undoes WaiterStarted.
func (m *Metrics) WaiterFinished() {
	if m == nil {
		return
	}
	m.ActiveWaiters.Dec()
}

// ObservePoll counts how a long-poll call ended.
func (m *Metrics) ObservePoll(name, outcome string) {
	if m == nil {
		return
	}
	m.PollOutcomes.WithLabelValues(ResourceKind(name), outcome).Inc()
}

// ObserveRequest records an HTTP request against its route template.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestCounter.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestLatency.WithLabelValues(method, route).Observe(d.Seconds())
}

// IncRateLimitHit counts a rejected poll request.
func (m *Metrics) IncRateLimitHit() {
	if m == nil {
		return
	}
	m.RateLimitHits.Inc()
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus metrics handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
