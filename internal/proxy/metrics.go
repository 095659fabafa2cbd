package proxy

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the proxy's Prometheus instruments on a private registry so
// embedding processes never collide with the default one.
type Metrics struct {
	registry *prometheus.Registry

	requests  *prometheus.CounterVec
	denials   *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	bodyBytes prometheus.Counter
}

// NewMetrics creates and registers the proxy metric set.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentgate_proxy_requests_total",
				Help: "Total proxied requests by target host and upstream status",
			},
			[]string{"host", "status"},
		),
		denials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentgate_proxy_denials_total",
				Help: "Requests refused before dispatch, by error kind",
			},
			[]string{"kind"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentgate_proxy_upstream_duration_seconds",
				Help:    "Upstream round-trip duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"host"},
		),
		bodyBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentgate_proxy_response_bytes_total",
			Help: "Response body bytes streamed back to callers",
		}),
	}

	registry.MustRegister(
		m.requests,
		m.denials,
		m.duration,
		m.bodyBytes,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
