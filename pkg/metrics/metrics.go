// Package metrics exposes Prometheus instrumentation for the tracking
// engine and the HTTP API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/safereach/safereach/pkg/tracking"
)

// Metrics holds every collector the daemon registers. It implements
// the tracking session's recorder interface.
type Metrics struct {
	registry *prometheus.Registry

	fixesAccepted     *prometheus.CounterVec
	strategyFailures  *prometheus.CounterVec
	sessionsStarted   prometheus.Counter
	sessionsArrived   prometheus.Counter
	sessionsCancelled prometheus.Counter
	activeSessions    prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: registry,
		fixesAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "safereach",
			Name:      "fixes_accepted_total",
			Help:      "Location fixes accepted by the tracking session, by acquisition strategy.",
		}, []string{"strategy"}),
		strategyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "safereach",
			Name:      "strategy_failures_total",
			Help:      "Acquisition strategy failures, by strategy and reason.",
		}, []string{"strategy", "reason"}),
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "safereach",
			Name:      "sessions_started_total",
			Help:      "Tracking sessions started.",
		}),
		sessionsArrived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "safereach",
			Name:      "sessions_arrived_total",
			Help:      "Tracking sessions that ended by reaching the destination.",
		}),
		sessionsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "safereach",
			Name:      "sessions_cancelled_total",
			Help:      "Tracking sessions that ended by cancellation.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "safereach",
			Name:      "active_sessions",
			Help:      "Tracking sessions currently active.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "safereach",
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by route and status code.",
		}, []string{"route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "safereach",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	registry.MustRegister(
		m.fixesAccepted,
		m.strategyFailures,
		m.sessionsStarted,
		m.sessionsArrived,
		m.sessionsCancelled,
		m.activeSessions,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// FixAccepted counts an accepted fix for the given strategy.
func (m *Metrics) FixAccepted(strategy string) {
	m.fixesAccepted.WithLabelValues(strategy).Inc()
}

// StrategyFailure counts an acquisition failure.
func (m *Metrics) StrategyFailure(strategy string, reason tracking.FailureReason) {
	m.strategyFailures.WithLabelValues(strategy, string(reason)).Inc()
}

// SessionStarted counts a session start and bumps the active gauge.
func (m *Metrics) SessionStarted() {
	m.sessionsStarted.Inc()
	m.activeSessions.Inc()
}

// SessionEnded counts a session end and drops the active gauge.
func (m *Metrics) SessionEnded(arrived bool) {
	if arrived {
		m.sessionsArrived.Inc()
	} else {
		m.sessionsCancelled.Inc()
	}
	m.activeSessions.Dec()
}

// ObserveHTTPRequest records one served HTTP request.
func (m *Metrics) ObserveHTTPRequest(route, code string, seconds float64) {
	m.httpRequests.WithLabelValues(route, code).Inc()
	m.httpDuration.WithLabelValues(route).Observe(seconds)
}

// Handler returns the /metrics scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
