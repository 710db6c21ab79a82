// Package metrics holds the Prometheus collectors exported by the streaming
// server on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bitquery_chart"

// Metrics is a private registry plus the collectors registered on it.
type Metrics struct {
	registry *prometheus.Registry

	Clients            prometheus.Gauge
	Subscriptions      prometheus.Gauge
	UpstreamMessages   prometheus.Counter
	UpstreamReconnects prometheus.Counter
	BarsEmitted        prometheus.Counter
	StoreErrors        prometheus.Counter
}

// New creates a fresh registry with all collectors registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_clients",
			Help:      "Connected chart WebSocket clients.",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_subscriptions",
			Help:      "Channels currently subscribed on the Bitquery stream.",
		}),
		UpstreamMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_messages_total",
			Help:      "Data messages received from the Bitquery stream.",
		}),
		UpstreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_reconnects_total",
			Help:      "Reconnect attempts to the Bitquery stream.",
		}),
		BarsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bars_emitted_total",
			Help:      "Bar updates broadcast to clients.",
		}),
		StoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Failed bar store writes.",
		}),
	}
	m.registry.MustRegister(
		m.Clients,
		m.Subscriptions,
		m.UpstreamMessages,
		m.UpstreamReconnects,
		m.BarsEmitted,
		m.StoreErrors,
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
