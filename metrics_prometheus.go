package mqttc

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

var metricHelp = map[string]string{
	MetricPacketsSent:      "Control packets written to the transport.",
	MetricPacketsReceived:  "Control packets decoded from the transport.",
	MetricBytesSent:        "Bytes written to the transport.",
	MetricBytesReceived:    "Bytes read from the transport.",
	MetricInflightOutgoing: "Outgoing QoS 1 and 2 publishes awaiting acknowledgment.",
	MetricInflightIncoming: "Incoming QoS 2 publishes awaiting PUBREL.",
	MetricPublishLatency:   "Time from publish submission to final acknowledgment.",
	MetricReconnects:       "Reconnect attempts started.",
	MetricSessionsExpired:  "Sessions torn down because they expired.",
	MetricProtocolErrors:   "Connections closed because of decode errors or protocol violations.",
}

// PrometheusMetrics implements Metrics on top of a Prometheus registry.
// Every metric name must always be used with the same label names.
type PrometheusMetrics struct {
	mu         sync.Mutex
	reg        prometheus.Registerer
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusMetrics registers collectors on reg as they are first used.
// A nil reg means prometheus.DefaultRegisterer.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PrometheusMetrics{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func labelNames(labels MetricLabels) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

func help(name string) string {
	if h, ok := metricHelp[name]; ok {
		return h
	}
	return name
}

// register registers c, or returns the collector already registered under
// the same description.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

// Counter returns a Prometheus counter.
func (p *PrometheusMetrics) Counter(name string, labels MetricLabels) Counter {
	p.mu.Lock()
	vec, ok := p.counters[name]
	if !ok {
		vec = register(p.reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: name, Help: help(name)}, labelNames(labels)))
		p.counters[name] = vec
	}
	p.mu.Unlock()

	return promCounter{vec.With(prometheus.Labels(labels))}
}

// Gauge returns a Prometheus gauge.
func (p *PrometheusMetrics) Gauge(name string, labels MetricLabels) Gauge {
	p.mu.Lock()
	vec, ok := p.gauges[name]
	if !ok {
		vec = register(p.reg, prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: name, Help: help(name)}, labelNames(labels)))
		p.gauges[name] = vec
	}
	p.mu.Unlock()

	return promGauge{vec.With(prometheus.Labels(labels))}
}

// Histogram returns a Prometheus histogram with the default buckets.
func (p *PrometheusMetrics) Histogram(name string, labels MetricLabels) Histogram {
	p.mu.Lock()
	vec, ok := p.histograms[name]
	if !ok {
		vec = register(p.reg, prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: name, Help: help(name), Buckets: prometheus.DefBuckets},
			labelNames(labels)))
		p.histograms[name] = vec
	}
	p.mu.Unlock()

	return promHistogram{vec.With(prometheus.Labels(labels))}
}

func readMetric(m prometheus.Metric) *dto.Metric {
	var out dto.Metric
	if err := m.Write(&out); err != nil {
		return &dto.Metric{}
	}
	return &out
}

type promCounter struct {
	c prometheus.Counter
}

func (c promCounter) Inc()              { c.c.Inc() }
func (c promCounter) Add(delta float64) { c.c.Add(delta) }
func (c promCounter) Value() float64    { return readMetric(c.c).GetCounter().GetValue() }

type promGauge struct {
	g prometheus.Gauge
}

func (g promGauge) Set(value float64) { g.g.Set(value) }
func (g promGauge) Inc()              { g.g.Inc() }
func (g promGauge) Dec()              { g.g.Dec() }
func (g promGauge) Add(delta float64) { g.g.Add(delta) }
func (g promGauge) Value() float64    { return readMetric(g.g).GetGauge().GetValue() }

type promHistogram struct {
	o prometheus.Observer
}

func (h promHistogram) Observe(value float64)           { h.o.Observe(value) }
func (h promHistogram) ObserveDuration(d time.Duration) { h.o.Observe(d.Seconds()) }

func (h promHistogram) Count() uint64 {
	if m, ok := h.o.(prometheus.Metric); ok {
		return readMetric(m).GetHistogram().GetSampleCount()
	}
	return 0
}

func (h promHistogram) Sum() float64 {
	if m, ok := h.o.(prometheus.Metric); ok {
		return readMetric(m).GetHistogram().GetSampleSum()
	}
	return 0
}
