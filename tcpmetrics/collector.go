// Package tcpmetrics exposes a [tcp.Table] as Prometheus metrics: the
// number of connections per state, and per-connection bytes queued for
// send and receive.
package tcpmetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tuntcp/tuntcp/tcp"
)

// Collector is a [prometheus.Collector] over a live [tcp.Table]. It holds
// no state of its own beyond the table reference: every Collect call
// re-derives its metrics from [tcp.Table.Snapshot].
type Collector struct {
	table *tcp.Table

	connsByState  *prometheus.Desc
	unackedBytes  *prometheus.Desc
	incomingBytes *prometheus.Desc
}

// New returns a Collector for table. Register it with a
// [prometheus.Registry] the way any other collector is registered.
func New(table *tcp.Table) *Collector {
	return &Collector{
		table: table,
		connsByState: prometheus.NewDesc(
			"tuntcp_connections",
			"Number of connections currently in the table, by state.",
			[]string{"state"}, nil,
		),
		unackedBytes: prometheus.NewDesc(
			"tuntcp_unacked_bytes",
			"Bytes queued for transmission, not yet acknowledged by the peer.",
			[]string{"quad"}, nil,
		),
		incomingBytes: prometheus.NewDesc(
			"tuntcp_incoming_bytes",
			"Bytes received from the peer, not yet read by the application.",
			[]string{"quad"}, nil,
		),
	}
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.connsByState
	descs <- c.unackedBytes
	descs <- c.incomingBytes
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	stats := c.table.Snapshot()
	byState := make(map[string]int)
	for _, s := range stats {
		byState[s.State.String()]++
		quad := s.Quad.String()
		metrics <- prometheus.MustNewConstMetric(c.unackedBytes, prometheus.GaugeValue, float64(s.UnackedLen), quad)
		metrics <- prometheus.MustNewConstMetric(c.incomingBytes, prometheus.GaugeValue, float64(s.IncomingLen), quad)
	}
	for state, n := range byState {
		metrics <- prometheus.MustNewConstMetric(c.connsByState, prometheus.GaugeValue, float64(n), state)
	}
}
