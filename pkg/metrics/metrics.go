// Package metrics defines the Prometheus collectors used by the coordinator
// and analytics services and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the platform.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// SearchesTotal counts search submissions by outcome
	// (dispatched, empty, debounced, dispatch_failed).
	SearchesTotal       *prometheus.CounterVec
	// ResponsesTotal counts peer responses by disposition
	// (accepted, stale, after_finalize, unexpected_peer, invalid).
	ResponsesTotal      *prometheus.CounterVec
	FinalizationsTotal  *prometheus.CounterVec
	PeerCoverage        prometheus.Histogram
	BatchesPerSearch    prometheus.Histogram
	ItemsPerSearch      prometheus.Histogram
	TimeToFinalize      *prometheus.HistogramVec
	ActiveSessions      prometheus.Gauge
	CircuitBreakerState *prometheus.GaugeVec
}

// New creates all collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		SearchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "remote_searches_total",
				Help: "Search submissions by outcome.",
			},
			[]string{"outcome"},
		),
		ResponsesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "remote_responses_total",
				Help: "Peer response batches by disposition.",
			},
			[]string{"disposition"},
		),
		FinalizationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "remote_search_finalizations_total",
				Help: "Finalized searches by reason (complete, timeout, manual).",
			},
			[]string{"reason"},
		),
		PeerCoverage: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "remote_search_peer_coverage_ratio",
				Help:    "Fraction of expected peers that answered before finalization.",
				Buckets: []float64{0, 0.1, 0.25, 0.5, 0.75, 0.9, 1},
			},
		),
		BatchesPerSearch: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "remote_search_batches",
				Help:    "Number of result batches handed to the presenter per search.",
				Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
			},
		),
		ItemsPerSearch: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "remote_search_items",
				Help:    "Number of result items handed to the presenter per search.",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
			},
		),
		TimeToFinalize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "remote_search_finalize_seconds",
				Help:    "Time from registration to finalization.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
			},
			[]string{"reason"},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "search_sessions_active",
				Help: "Number of live search sessions.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.SearchesTotal,
		m.ResponsesTotal,
		m.FinalizationsTotal,
		m.PeerCoverage,
		m.BatchesPerSearch,
		m.ItemsPerSearch,
		m.TimeToFinalize,
		m.ActiveSessions,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
