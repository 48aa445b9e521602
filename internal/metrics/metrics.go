// Package metrics exposes the transport's one observable — the count of
// currently connected clients — as a Prometheus gauge, alongside a
// lock-free atomic counter for the hot-path read that backs
// Transport.CurrentlyConnectedClients.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// ConnectedClients tracks the number of currently connected clients. The
// atomic counter is authoritative for reads; the Gauge mirrors it for
// scraping and is updated on every Inc/Dec so the two never drift.
type ConnectedClients struct {
	n     atomic.Uint32
	gauge prometheus.Gauge
}

// NewConnectedClients creates a gauge registered under the given namespace
// (empty namespace is valid — the caller decides whether/where to register
// it with a prometheus.Registerer).
func NewConnectedClients(namespace string) *ConnectedClients {
	return &ConnectedClients{
		gauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "currently_connected_clients",
			Help:      "Number of currently connected clients (server role).",
		}),
	}
}

// Collector exposes the underlying prometheus.Collector for registration
// with a prometheus.Registerer.
func (c *ConnectedClients) Collector() prometheus.Collector { return c.gauge }

// Inc increments the count, returning the new value.
func (c *ConnectedClients) Inc() uint32 {
	v := c.n.Add(1)
	c.gauge.Inc()
	return v
}

// Dec decrements the count, returning the new value.
func (c *ConnectedClients) Dec() uint32 {
	v := c.n.Add(^uint32(0)) // atomic -1
	c.gauge.Dec()
	return v
}

// Value returns the current count.
func (c *ConnectedClients) Value() uint32 { return c.n.Load() }
