package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the broker's Prometheus collectors on a private registry so
// wiring two kits into one process never double-registers.
type Metrics struct {
	registry *prometheus.Registry

	// LogsTotal counts emitted log lines by level.
	LogsTotal *prometheus.CounterVec

	// SessionsActive tracks the number of registered world sessions.
	SessionsActive prometheus.Gauge

	// RequestsTotal counts relayed HTTP dispatches by operation and status.
	RequestsTotal *prometheus.CounterVec

	// RequestDuration observes end-to-end dispatch latency by operation.
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics builds the collector set, including the default process and Go
// runtime collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		LogsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logs_total",
			Help: "Number of log lines emitted, partitioned by level.",
		}, []string{"level"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_sessions_active",
			Help: "Number of currently connected world sessions.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Relayed HTTP requests, partitioned by operation and HTTP status.",
		}, []string{"op", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_request_duration_seconds",
			Help:    "End-to-end dispatch latency, partitioned by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.LogsTotal,
		m.SessionsActive,
		m.RequestsTotal,
		m.RequestDuration,
	)

	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
