package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorRecordsValues(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.SetConnectedPeers(3)
	c.AddBytesSent(100)
	c.AddBytesSent(50)
	c.AddBytesReceived(75)
	c.IncFramesCaptured()
	c.IncFramesCaptured()
	c.IncPacketsLost()
	c.SetLatencySeconds(0.012)

	assert.Equal(t, 3.0, testutil.ToFloat64(c.connectedPeers))
	assert.Equal(t, 150.0, testutil.ToFloat64(c.bytesSent))
	assert.Equal(t, 75.0, testutil.ToFloat64(c.bytesReceived))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.framesCaptured))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.packetsLost))
	assert.Equal(t, 0.012, testutil.ToFloat64(c.latencySeconds))
}

func TestNilCollectorIsNoOp(t *testing.T) {
	var c *Collector

	// Pipelines call through a nil collector when metrics are disabled;
	// every method must be safe.
	c.SetConnectedPeers(1)
	c.AddBytesSent(1)
	c.AddBytesReceived(1)
	c.IncFramesCaptured()
	c.IncPacketsLost()
	c.SetLatencySeconds(0.5)
}

func TestCollectorRegistersAllSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)

	families, err := reg.Gather()
	assert.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"lanvoice_connected_peers",
		"lanvoice_bytes_sent_total",
		"lanvoice_bytes_received_total",
		"lanvoice_frames_captured_total",
		"lanvoice_packets_lost_total",
		"lanvoice_latency_seconds",
	} {
		assert.True(t, names[want], "series %s must be registered", want)
	}
}
