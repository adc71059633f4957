// Package metrics exposes prometheus instrumentation for the broker: open
// SSH connections, open tunnels per client, and proxied request counts.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the broker's collectors with their registry.
type Metrics struct {
	registry *prometheus.Registry

	SSHConnections  prometheus.Gauge
	OpenTunnels     *prometheus.GaugeVec
	ProxiedRequests *prometheus.CounterVec
}

// New creates and registers the broker collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		SSHConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tunnel_server",
			Name:      "ssh_connections",
			Help:      "Currently open SSH client connections.",
		}),
		OpenTunnels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tunnel_server",
			Name:      "open_tunnels",
			Help:      "Currently open tunnels.",
		}, []string{"client"}),
		ProxiedRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tunnel_server",
			Name:      "proxied_requests_total",
			Help:      "Requests proxied to tunnel targets.",
		}, []string{"client"}),
	}
	reg.MustRegister(m.SSHConnections, m.OpenTunnels, m.ProxiedRequests)
	return m
}

// Handler returns the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
