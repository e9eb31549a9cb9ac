package mqttc

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics(reg)

	m.Counter(MetricPacketsSent, MetricLabels{LabelPacketType: "PUBLISH"}).Add(2)
	m.Counter(MetricPacketsSent, MetricLabels{LabelPacketType: "PUBLISH"}).Inc()
	m.Gauge(MetricInflightOutgoing, nil).Set(4)
	m.Histogram(MetricPublishLatency, MetricLabels{LabelQoS: "1"}).ObserveDuration(100 * time.Millisecond)

	assert.Equal(t, 3.0, m.Counter(MetricPacketsSent, MetricLabels{LabelPacketType: "PUBLISH"}).Value())
	assert.Equal(t, 4.0, m.Gauge(MetricInflightOutgoing, nil).Value())

	h := m.Histogram(MetricPublishLatency, MetricLabels{LabelQoS: "1"})
	assert.Equal(t, uint64(1), h.Count())
	assert.InDelta(t, 0.1, h.Sum(), 1e-9)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]string)
	for _, mf := range families {
		names[mf.GetName()] = mf.GetHelp()
	}
	assert.Contains(t, names, MetricPacketsSent)
	assert.Contains(t, names, MetricInflightOutgoing)
	assert.Equal(t, metricHelp[MetricPublishLatency], names[MetricPublishLatency])
}

func TestPrometheusMetricsSharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewPrometheusMetrics(reg)
	second := NewPrometheusMetrics(reg)

	first.Counter(MetricReconnects, nil).Inc()
	second.Counter(MetricReconnects, nil).Inc()

	assert.Equal(t, 2.0, first.Counter(MetricReconnects, nil).Value())
}

func TestClientMetricsPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	cm := newClientMetrics(NewPrometheusMetrics(reg))

	cm.packetSent(PacketCONNECT, 14)
	cm.packetReceived(PacketCONNACK)
	cm.publishCompleted(QoS0, time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 4)
}
