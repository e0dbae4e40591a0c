// Package metrics provides Prometheus-compatible metrics for TerraPredict.
package metrics

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Counter represents a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	value  atomic.Int64
	labels map[string]string
}

// NewCounter creates a new counter.
func NewCounter(name, help string, labels map[string]string) *Counter {
	return &Counter{name: name, help: help, labels: copyLabels(labels)}
}

// Inc increments the counter by 1.
func (c *Counter) Inc() {
	c.value.Add(1)
}

// Add adds the given value to the counter.
func (c *Counter) Add(delta int64) {
	if delta < 0 {
		return // Counters can't decrease
	}
	c.value.Add(delta)
}

// Value returns the current counter value.
func (c *Counter) Value() int64 {
	return c.value.Load()
}

// Name returns the metric name.
func (c *Counter) Name() string { return c.name }

// Help returns the metric help text.
func (c *Counter) Help() string { return c.help }

// Labels returns the metric labels.
func (c *Counter) Labels() map[string]string { return copyLabels(c.labels) }

// Gauge represents a gauge metric that can go up and down. The value is
// stored as float64 bits.
type Gauge struct {
	name   string
	help   string
	bits   atomic.Uint64
	labels map[string]string
}

// NewGauge creates a new gauge.
func NewGauge(name, help string, labels map[string]string) *Gauge {
	return &Gauge{name: name, help: help, labels: copyLabels(labels)}
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(value float64) {
	g.bits.Store(math.Float64bits(value))
}

// Add adds delta to the gauge.
func (g *Gauge) Add(delta float64) {
	for {
		old := g.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if g.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.Add(-1) }

// Value returns the current gauge value.
func (g *Gauge) Value() float64 {
	return math.Float64frombits(g.bits.Load())
}

// Name returns the metric name.
func (g *Gauge) Name() string { return g.name }

// Help returns the metric help text.
func (g *Gauge) Help() string { return g.help }

// Labels returns the metric labels.
func (g *Gauge) Labels() map[string]string { return copyLabels(g.labels) }

// Histogram represents a histogram with cumulative buckets.
type Histogram struct {
	name    string
	help    string
	buckets []float64
	labels  map[string]string

	mu     sync.Mutex
	counts []int64 // last entry is +Inf
	sum    float64
	count  int64
}

// NewHistogram creates a new histogram with the given bucket upper bounds.
func NewHistogram(name, help string, buckets []float64, labels map[string]string) *Histogram {
	if len(buckets) == 0 {
		buckets = DurationBuckets
	}
	b := append([]float64(nil), buckets...)
	sort.Float64s(b)

	return &Histogram{
		name:    name,
		help:    help,
		buckets: b,
		labels:  copyLabels(labels),
		counts:  make([]int64, len(b)+1),
	}
}

// Observe adds a single observation.
func (h *Histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += value
	h.count++
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
		}
	}
	h.counts[len(h.buckets)]++
}

// Snapshot returns the cumulative bucket counts, the sum and the count.
func (h *Histogram) Snapshot() (counts []int64, sum float64, count int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int64(nil), h.counts...), h.sum, h.count
}

// Count returns the total count of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Buckets returns the bucket upper bounds.
func (h *Histogram) Buckets() []float64 {
	return append([]float64(nil), h.buckets...)
}

// Name returns the metric name.
func (h *Histogram) Name() string { return h.name }

// Help returns the metric help text.
func (h *Histogram) Help() string { return h.help }

// Labels returns the metric labels.
func (h *Histogram) Labels() map[string]string { return copyLabels(h.labels) }

// CounterVec represents a counter with labels.
type CounterVec struct {
	name       string
	help       string
	labelNames []string
	counters   map[string]*Counter
	mu         sync.RWMutex
}

// NewCounterVec creates a new counter vector.
func NewCounterVec(name, help string, labelNames []string) *CounterVec {
	return &CounterVec{
		name:       name,
		help:       help,
		labelNames: labelNames,
		counters:   make(map[string]*Counter),
	}
}

// WithLabels returns the counter for the given label values, creating it
// on first use.
func (cv *CounterVec) WithLabels(labelValues ...string) *Counter {
	labels := zipLabels(cv.labelNames, labelValues)
	key := labelsToKey(labels)

	cv.mu.RLock()
	counter, exists := cv.counters[key]
	cv.mu.RUnlock()
	if exists {
		return counter
	}

	cv.mu.Lock()
	defer cv.mu.Unlock()

	// Double-check after acquiring write lock
	if counter, exists := cv.counters[key]; exists {
		return counter
	}
	counter = NewCounter(cv.name, cv.help, labels)
	cv.counters[key] = counter
	return counter
}

// GetAll returns all counters sorted by label key.
func (cv *CounterVec) GetAll() []*Counter {
	cv.mu.RLock()
	defer cv.mu.RUnlock()

	keys := make([]string, 0, len(cv.counters))
	for k := range cv.counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make([]*Counter, len(keys))
	for i, k := range keys {
		result[i] = cv.counters[k]
	}
	return result
}

// Name returns the metric name.
func (cv *CounterVec) Name() string { return cv.name }

// Help returns the metric help text.
func (cv *CounterVec) Help() string { return cv.help }

// GaugeVec represents a gauge with labels.
type GaugeVec struct {
	name       string
	help       string
	labelNames []string
	gauges     map[string]*Gauge
	mu         sync.RWMutex
}

// NewGaugeVec creates a new gauge vector.
func NewGaugeVec(name, help string, labelNames []string) *GaugeVec {
	return &GaugeVec{
		name:       name,
		help:       help,
		labelNames: labelNames,
		gauges:     make(map[string]*Gauge),
	}
}

// WithLabels returns the gauge for the given label values.
func (gv *GaugeVec) WithLabels(labelValues ...string) *Gauge {
	labels := zipLabels(gv.labelNames, labelValues)
	key := labelsToKey(labels)

	gv.mu.Lock()
	defer gv.mu.Unlock()

	if gauge, exists := gv.gauges[key]; exists {
		return gauge
	}
	gauge := NewGauge(gv.name, gv.help, labels)
	gv.gauges[key] = gauge
	return gauge
}

// GetAll returns all gauges sorted by label key.
func (gv *GaugeVec) GetAll() []*Gauge {
	gv.mu.RLock()
	defer gv.mu.RUnlock()

	keys := make([]string, 0, len(gv.gauges))
	for k := range gv.gauges {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make([]*Gauge, len(keys))
	for i, k := range keys {
		result[i] = gv.gauges[k]
	}
	return result
}

// Name returns the metric name.
func (gv *GaugeVec) Name() string { return gv.name }

// Help returns the metric help text.
func (gv *GaugeVec) Help() string { return gv.help }

func zipLabels(names, values []string) map[string]string {
	if len(values) != len(names) {
		panic(fmt.Sprintf("expected %d label values, got %d", len(names), len(values)))
	}
	labels := make(map[string]string, len(names))
	for i, name := range names {
		labels[name] = values[i]
	}
	return labels
}

func copyLabels(labels map[string]string) map[string]string {
	result := make(map[string]string, len(labels))
	for k, v := range labels {
		result[k] = v
	}
	return result
}

// labelsToKey creates a stable key from label map.
func labelsToKey(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(labels[k])
	}
	return sb.String()
}
