// Package metrics defines the Prometheus metrics served on /metrics.
//
// Metric naming follows Prometheus conventions:
//   - streamdesk_ prefix for all metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
//
// Metrics live on a private registry so tests and multiple servers in one
// process never collide on the default registerer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is a nil-safe set of collectors.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	chunksTotal      prometheus.Counter
	cancelsTotal     *prometheus.CounterVec
	rateLimitRejects prometheus.Counter
}

// Gauges supplies live values sampled at scrape time.
type Gauges struct {
	Connections    func() int
	ActiveRequests func() int
}

func New(g Gauges) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamdesk_requests_total",
				Help: "Finished streaming requests by outcome.",
			},
			[]string{"outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "streamdesk_request_duration_seconds",
				Help:    "Time from start event to slot release.",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"outcome"},
		),
		chunksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamdesk_chunks_total",
			Help: "Chunk events handed to the connection registry.",
		}),
		cancelsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamdesk_cancels_total",
				Help: "Cancel requests by result (matched, not_found).",
			},
			[]string{"result"},
		),
		rateLimitRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamdesk_rate_limit_rejects_total",
			Help: "Requests rejected with 429.",
		}),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.chunksTotal,
		m.cancelsTotal,
		m.rateLimitRejects,
		collectors.NewGoCollector(),
	)
	if g.Connections != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "streamdesk_connections",
			Help: "Registered websocket connections.",
		}, func() float64 { return float64(g.Connections()) }))
	}
	if g.ActiveRequests != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "streamdesk_active_requests",
			Help: "Requests holding a ledger slot.",
		}, func() float64 { return float64(g.ActiveRequests()) }))
	}
	return m
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest records a finished stream.
func (m *Metrics) ObserveRequest(outcome string, chunks int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(outcome).Inc()
	m.requestDuration.WithLabelValues(outcome).Observe(d.Seconds())
	m.chunksTotal.Add(float64(chunks))
}

func (m *Metrics) ObserveCancel(matched bool) {
	if m == nil {
		return
	}
	result := "not_found"
	if matched {
		result = "matched"
	}
	m.cancelsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRateLimitReject() {
	if m == nil {
		return
	}
	m.rateLimitRejects.Inc()
}
