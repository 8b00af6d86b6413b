// Package metrics exposes lanvoice runtime counters as Prometheus series.
//
// The collector is optional everywhere it is consumed: a nil *Collector is
// a valid no-op, so the real-time pipelines carry no conditional wiring.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector aggregates the engine-wide counters and gauges.
type Collector struct {
	connectedPeers prometheus.Gauge
	bytesSent      prometheus.Counter
	bytesReceived  prometheus.Counter
	framesCaptured prometheus.Counter
	packetsLost    prometheus.Counter
	latencySeconds prometheus.Gauge
}

// NewCollector creates a collector registered against reg. A nil registerer
// uses the default Prometheus registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		connectedPeers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lanvoice_connected_peers",
			Help: "Number of peers currently in the connected state",
		}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "lanvoice_bytes_sent_total",
			Help: "Total audio payload bytes sent to peers",
		}),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "lanvoice_bytes_received_total",
			Help: "Total audio payload bytes received from peers",
		}),
		framesCaptured: factory.NewCounter(prometheus.CounterOpts{
			Name: "lanvoice_frames_captured_total",
			Help: "Total frames pulled from the input device",
		}),
		packetsLost: factory.NewCounter(prometheus.CounterOpts{
			Name: "lanvoice_packets_lost_total",
			Help: "Total packets dropped or concealed across all peers",
		}),
		latencySeconds: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lanvoice_latency_seconds",
			Help: "Smoothed one-way latency averaged over connected peers",
		}),
	}
}

// SetConnectedPeers records the current connected peer count.
func (c *Collector) SetConnectedPeers(n int) {
	if c == nil {
		return
	}
	c.connectedPeers.Set(float64(n))
}

// AddBytesSent accumulates sent audio bytes.
func (c *Collector) AddBytesSent(n int) {
	if c == nil {
		return
	}
	c.bytesSent.Add(float64(n))
}

// AddBytesReceived accumulates received audio bytes.
func (c *Collector) AddBytesReceived(n int) {
	if c == nil {
		return
	}
	c.bytesReceived.Add(float64(n))
}

// IncFramesCaptured counts one captured frame.
func (c *Collector) IncFramesCaptured() {
	if c == nil {
		return
	}
	c.framesCaptured.Inc()
}

// IncPacketsLost counts one dropped or concealed packet.
func (c *Collector) IncPacketsLost() {
	if c == nil {
		return
	}
	c.packetsLost.Inc()
}

// SetLatencySeconds records the smoothed mean one-way latency.
func (c *Collector) SetLatencySeconds(v float64) {
	if c == nil {
		return
	}
	c.latencySeconds.Set(v)
}
