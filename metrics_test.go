package mqttc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNoOpMetrics(t *testing.T) {
	var m NoOpMetrics

	c := m.Counter("x", nil)
	c.Inc()
	c.Add(3)
	assert.Zero(t, c.Value())

	g := m.Gauge("x", nil)
	g.Set(5)
	assert.Zero(t, g.Value())

	h := m.Histogram("x", nil)
	h.ObserveDuration(time.Second)
	assert.Zero(t, h.Count())
	assert.Zero(t, h.Sum())
}

func TestClientMetrics(t *testing.T) {
	mem := NewMemoryMetrics()
	cm := newClientMetrics(mem)

	cm.packetSent(PacketPUBLISH, 20)
	cm.packetSent(PacketPUBLISH, 10)
	cm.packetSent(PacketPINGREQ, 2)
	cm.packetReceived(PacketPUBACK)
	cm.bytesReceived(4)
	cm.inflightOutgoing(3)
	cm.inflightIncoming(1)
	cm.publishCompleted(QoS1, 250*time.Millisecond)
	cm.reconnect()
	cm.sessionExpired()
	cm.protocolError(ReasonTopicAliasInvalid)

	assert.Equal(t, 2.0, mem.CounterValue(MetricPacketsSent, MetricLabels{LabelPacketType: "PUBLISH"}))
	assert.Equal(t, 1.0, mem.CounterValue(MetricPacketsSent, MetricLabels{LabelPacketType: "PINGREQ"}))
	assert.Equal(t, 32.0, mem.CounterValue(MetricBytesSent, nil))
	assert.Equal(t, 1.0, mem.CounterValue(MetricPacketsReceived, MetricLabels{LabelPacketType: "PUBACK"}))
	assert.Equal(t, 4.0, mem.CounterValue(MetricBytesReceived, nil))
	assert.Equal(t, 3.0, mem.GaugeValue(MetricInflightOutgoing, nil))
	assert.Equal(t, 1.0, mem.GaugeValue(MetricInflightIncoming, nil))
	assert.Equal(t, 1.0, mem.CounterValue(MetricReconnects, nil))
	assert.Equal(t, 1.0, mem.CounterValue(MetricSessionsExpired, nil))
	assert.Equal(t, 1.0, mem.CounterValue(MetricProtocolErrors, MetricLabels{LabelReason: "0x94"}))

	h := mem.Histogram(MetricPublishLatency, MetricLabels{LabelQoS: "1"})
	assert.Equal(t, uint64(1), h.Count())
	assert.InDelta(t, 0.25, h.Sum(), 1e-9)
}

func TestClientMetricsNil(t *testing.T) {
	cm := newClientMetrics(nil)
	assert.NotPanics(t, func() { cm.reconnect() })
}
