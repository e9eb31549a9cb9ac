package mqttc

import (
	"strconv"
	"time"
)

// MetricLabels are label name/value pairs attached to a metric.
type MetricLabels map[string]string

// Metrics creates or looks up metrics by name and labels.
type Metrics interface {
	Counter(name string, labels MetricLabels) Counter
	Gauge(name string, labels MetricLabels) Gauge
	Histogram(name string, labels MetricLabels) Histogram
}

// Counter only goes up.
type Counter interface {
	Inc()
	Add(delta float64)
	Value() float64
}

// Gauge goes up and down.
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
	Add(delta float64)
	Value() float64
}

// Histogram records a distribution of observations.
type Histogram interface {
	Observe(value float64)
	ObserveDuration(d time.Duration)
	Count() uint64
	Sum() float64
}

// NoOpMetrics discards everything.
type NoOpMetrics struct{}

// Counter returns a no-op counter.
func (NoOpMetrics) Counter(string, MetricLabels) Counter { return noOpMetric{} }

// Gauge returns a no-op gauge.
func (NoOpMetrics) Gauge(string, MetricLabels) Gauge { return noOpMetric{} }

// Histogram returns a no-op histogram.
func (NoOpMetrics) Histogram(string, MetricLabels) Histogram { return noOpMetric{} }

type noOpMetric struct{}

func (noOpMetric) Inc()                          {}
func (noOpMetric) Dec()                          {}
func (noOpMetric) Set(float64)                   {}
func (noOpMetric) Add(float64)                   {}
func (noOpMetric) Value() float64                { return 0 }
func (noOpMetric) Observe(float64)               {}
func (noOpMetric) ObserveDuration(time.Duration) {}
func (noOpMetric) Count() uint64                 { return 0 }
func (noOpMetric) Sum() float64                  { return 0 }

// Metric names recorded by the client.
const (
	MetricPacketsSent      = "mqttc_packets_sent_total"
	MetricPacketsReceived  = "mqttc_packets_received_total"
	MetricBytesSent        = "mqttc_bytes_sent_total"
	MetricBytesReceived    = "mqttc_bytes_received_total"
	MetricInflightOutgoing = "mqttc_inflight_outgoing"
	MetricInflightIncoming = "mqttc_inflight_incoming"
	MetricPublishLatency   = "mqttc_publish_latency_seconds"
	MetricReconnects       = "mqttc_reconnects_total"
	MetricSessionsExpired  = "mqttc_sessions_expired_total"
	MetricProtocolErrors   = "mqttc_protocol_errors_total"
)

// Metric label names.
const (
	LabelPacketType = "type"
	LabelQoS        = "qos"
	LabelReason     = "reason"
)

// clientMetrics wraps Metrics with the calls the client makes.
type clientMetrics struct {
	metrics Metrics
}

func newClientMetrics(m Metrics) *clientMetrics {
	if m == nil {
		m = NoOpMetrics{}
	}
	return &clientMetrics{metrics: m}
}

func (c *clientMetrics) packetSent(pt PacketType, size int) {
	c.metrics.Counter(MetricPacketsSent, MetricLabels{LabelPacketType: pt.String()}).Inc()
	c.metrics.Counter(MetricBytesSent, nil).Add(float64(size))
}

func (c *clientMetrics) packetReceived(pt PacketType) {
	c.metrics.Counter(MetricPacketsReceived, MetricLabels{LabelPacketType: pt.String()}).Inc()
}

func (c *clientMetrics) bytesReceived(n int) {
	c.metrics.Counter(MetricBytesReceived, nil).Add(float64(n))
}

func (c *clientMetrics) inflightOutgoing(n int) {
	c.metrics.Gauge(MetricInflightOutgoing, nil).Set(float64(n))
}

func (c *clientMetrics) inflightIncoming(n int) {
	c.metrics.Gauge(MetricInflightIncoming, nil).Set(float64(n))
}

func (c *clientMetrics) publishCompleted(qos byte, d time.Duration) {
	labels := MetricLabels{LabelQoS: strconv.Itoa(int(qos))}
	c.metrics.Histogram(MetricPublishLatency, labels).ObserveDuration(d)
}

func (c *clientMetrics) reconnect() {
	c.metrics.Counter(MetricReconnects, nil).Inc()
}

func (c *clientMetrics) sessionExpired() {
	c.metrics.Counter(MetricSessionsExpired, nil).Inc()
}

func (c *clientMetrics) protocolError(reason ReasonCode) {
	labels := MetricLabels{LabelReason: "0x" + strconv.FormatUint(uint64(reason), 16)}
	c.metrics.Counter(MetricProtocolErrors, labels).Inc()
}
