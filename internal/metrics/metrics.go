// Package metrics exposes the gateway's Prometheus surface (spec.md
// §6): request counters/histograms plus the circuit-breaker and
// backend-health gauges the teacher's own hand-rolled collector tracked
// as plain in-memory maps, reimplemented here on the real client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CircuitState mirrors the gobreaker states as the small int gauge value
// spec.md's collector exposes (0=closed, 1=half_open, 2=open).
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitHalfOpen
	CircuitOpen
)

// Registry holds every metric this gateway exports. A nil *Registry is
// not valid; use New or NewWithRegisterer.
type Registry struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	CircuitBreaker  *prometheus.GaugeVec
	BackendHealth   *prometheus.GaugeVec
	ActiveRequests  *prometheus.GaugeVec
}

// New registers every metric against prometheus.DefaultRegisterer.
func New() *Registry {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers against reg, useful for tests that want an
// isolated prometheus.NewRegistry() instead of the global default.
func NewWithRegisterer(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests processed, labeled by route, path, method, and response status.",
		}, []string{"mapping_key", "path", "method", "status"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds, labeled by route, path, and method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"mapping_key", "path", "method"}),

		CircuitBreaker: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state per route: 0=closed, 1=half_open, 2=open.",
		}, []string{"route"}),

		BackendHealth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "backend_health",
			Help: "Backend liveness per route and endpoint: 1=alive, 0=dead.",
		}, []string{"route", "backend"}),

		ActiveRequests: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "backend_active_requests",
			Help: "In-flight requests currently routed to a backend.",
		}, []string{"route", "backend"}),
	}
}

// ObserveRequest records one completed request's status and latency.
func (r *Registry) ObserveRequest(mappingKey, path, method, status string, seconds float64) {
	r.RequestsTotal.WithLabelValues(mappingKey, path, method, status).Inc()
	r.RequestDuration.WithLabelValues(mappingKey, path, method).Observe(seconds)
}

// SetCircuitState records route's current breaker state.
func (r *Registry) SetCircuitState(route string, state CircuitState) {
	r.CircuitBreaker.WithLabelValues(route).Set(float64(state))
}

// SetBackendHealth records whether backend is currently alive for route.
func (r *Registry) SetBackendHealth(route, backend string, alive bool) {
	v := 0.0
	if alive {
		v = 1.0
	}
	r.BackendHealth.WithLabelValues(route, backend).Set(v)
}

// SetActiveRequests records backend's current in-flight count for route.
func (r *Registry) SetActiveRequests(route, backend string, count int64) {
	r.ActiveRequests.WithLabelValues(route, backend).Set(float64(count))
}
