package mqttc

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryMetrics keeps metrics in memory. It is meant for tests and for
// embedding applications that scrape values themselves.
type MemoryMetrics struct {
	mu         sync.Mutex
	counters   map[string]*memoryValue
	gauges     map[string]*memoryValue
	histograms map[string]*memoryHistogram
}

// NewMemoryMetrics returns an empty MemoryMetrics.
func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{
		counters:   make(map[string]*memoryValue),
		gauges:     make(map[string]*memoryValue),
		histograms: make(map[string]*memoryHistogram),
	}
}

// metricKey renders name and labels in a stable order.
func metricKey(name string, labels MetricLabels) string {
	if len(labels) == 0 {
		return name
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString("|" + k + "=" + labels[k])
	}
	return b.String()
}

func lookup[T any](m *MemoryMetrics, store map[string]*T, key string) *T {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := store[key]
	if !ok {
		v = new(T)
		store[key] = v
	}
	return v
}

// Counter returns the counter for name and labels, creating it on first use.
func (m *MemoryMetrics) Counter(name string, labels MetricLabels) Counter {
	return lookup(m, m.counters, metricKey(name, labels))
}

// Gauge returns the gauge for name and labels, creating it on first use.
func (m *MemoryMetrics) Gauge(name string, labels MetricLabels) Gauge {
	return lookup(m, m.gauges, metricKey(name, labels))
}

// Histogram returns the histogram for name and labels, creating it on first use.
func (m *MemoryMetrics) Histogram(name string, labels MetricLabels) Histogram {
	return lookup(m, m.histograms, metricKey(name, labels))
}

// CounterValue returns the current value of a counter, or 0 if it was never used.
func (m *MemoryMetrics) CounterValue(name string, labels MetricLabels) float64 {
	m.mu.Lock()
	c, ok := m.counters[metricKey(name, labels)]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	return c.Value()
}

// GaugeValue returns the current value of a gauge, or 0 if it was never used.
func (m *MemoryMetrics) GaugeValue(name string, labels MetricLabels) float64 {
	m.mu.Lock()
	g, ok := m.gauges[metricKey(name, labels)]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	return g.Value()
}

// memoryValue backs both counters and gauges.
type memoryValue struct {
	mu    sync.Mutex
	value float64
}

func (v *memoryValue) Set(value float64) {
	v.mu.Lock()
	v.value = value
	v.mu.Unlock()
}

func (v *memoryValue) Add(delta float64) {
	v.mu.Lock()
	v.value += delta
	v.mu.Unlock()
}

func (v *memoryValue) Inc() { v.Add(1) }
func (v *memoryValue) Dec() { v.Add(-1) }

func (v *memoryValue) Value() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value
}

type memoryHistogram struct {
	mu    sync.Mutex
	count uint64
	sum   float64
}

func (h *memoryHistogram) Observe(value float64) {
	h.mu.Lock()
	h.count++
	h.sum += value
	h.mu.Unlock()
}

func (h *memoryHistogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

func (h *memoryHistogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *memoryHistogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}
