package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Labels attach dimensions to a metric. A nil map is valid.
type Labels map[string]string

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	labels Labels
	value  atomic.Int64
}

// NewCounter creates a new counter.
func NewCounter(name string, labels Labels) *Counter {
	return &Counter{name: name, labels: labels}
}

func (c *Counter) Name() string   { return c.name }
func (c *Counter) Labels() Labels { return c.labels }
func (c *Counter) Value() int64   { return c.value.Load() }

// Inc increments the counter by 1.
func (c *Counter) Inc() {
	c.value.Add(1)
}

// Add adds the given value to the counter.
func (c *Counter) Add(delta int64) {
	c.value.Add(delta)
}

// Gauge is a metric that can go up and down. The value is stored as
// float64 bits so reads and writes stay lock-free.
type Gauge struct {
	name   string
	labels Labels
	bits   atomic.Uint64
}

// NewGauge creates a new gauge.
func NewGauge(name string, labels Labels) *Gauge {
	return &Gauge{name: name, labels: labels}
}

func (g *Gauge) Name() string   { return g.name }
func (g *Gauge) Labels() Labels { return g.labels }
func (g *Gauge) Value() float64 { return math.Float64frombits(g.bits.Load()) }

// Set sets the gauge to the given value.
func (g *Gauge) Set(value float64) {
	g.bits.Store(math.Float64bits(value))
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc() {
	g.Add(1)
}

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() {
	g.Add(-1)
}

// Add adds the given value to the gauge.
func (g *Gauge) Add(delta float64) {
	for {
		old := g.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if g.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

// DefaultBuckets are the default histogram buckets (in milliseconds).
var DefaultBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// Histogram tracks the distribution of values.
type Histogram struct {
	name    string
	labels  Labels
	buckets []float64
	counts  []int64
	sum     float64
	count   int64
	mu      sync.RWMutex
}

// NewHistogram creates a new histogram. Nil buckets fall back to
// DefaultBuckets.
func NewHistogram(name string, labels Labels, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = DefaultBuckets
	}
	return &Histogram{
		name:    name,
		labels:  labels,
		buckets: buckets,
		counts:  make([]int64, len(buckets)+1),
	}
}

func (h *Histogram) Name() string   { return h.name }
func (h *Histogram) Labels() Labels { return h.labels }

// Observe records a value in the histogram.
func (h *Histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	bucketIdx := len(h.buckets)
	for i, bound := range h.buckets {
		if value <= bound {
			bucketIdx = i
			break
		}
	}

	h.counts[bucketIdx]++
	h.sum += value
	h.count++
}

// ObserveDuration records a duration in milliseconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(float64(d) / float64(time.Millisecond))
}

// Sum returns the sum of all observed values.
func (h *Histogram) Sum() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sum
}

// Count returns the count of observations.
func (h *Histogram) Count() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Buckets returns the per-bucket counts keyed by upper bound.
func (h *Histogram) Buckets() map[float64]int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[float64]int64, len(h.buckets))
	for i, bound := range h.buckets {
		result[bound] = h.counts[i]
	}
	return result
}

// Registry stores and manages metrics. Lookups get-or-create, so callers
// never hold references across restarts.
type Registry struct {
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	mu         sync.RWMutex
}

// NewRegistry creates a new metrics registry.
func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// DefaultRegistry is the default global metrics registry.
var DefaultRegistry = NewRegistry()

// Counter gets or creates a counter.
func (r *Registry) Counter(name string, labels Labels) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := makeKey(name, labels)
	if c, exists := r.counters[key]; exists {
		return c
	}

	c := NewCounter(name, labels)
	r.counters[key] = c
	return c
}

// Gauge gets or creates a gauge.
func (r *Registry) Gauge(name string, labels Labels) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := makeKey(name, labels)
	if g, exists := r.gauges[key]; exists {
		return g
	}

	g := NewGauge(name, labels)
	r.gauges[key] = g
	return g
}

// Histogram gets or creates a histogram.
func (r *Registry) Histogram(name string, labels Labels, buckets []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := makeKey(name, labels)
	if h, exists := r.histograms[key]; exists {
		return h
	}

	h := NewHistogram(name, labels, buckets)
	r.histograms[key] = h
	return h
}

// Handler returns an HTTP handler exposing the registry in the Prometheus
// text format. Output order is deterministic.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.mu.RLock()
		defer r.mu.RUnlock()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		for _, key := range sortedKeys(r.counters) {
			c := r.counters[key]
			fmt.Fprintf(w, "# TYPE %s counter\n", c.name)
			fmt.Fprintf(w, "%s%s %s\n", c.name, formatLabels(c.labels), formatFloat(float64(c.Value())))
		}
		for _, key := range sortedKeys(r.gauges) {
			g := r.gauges[key]
			fmt.Fprintf(w, "# TYPE %s gauge\n", g.name)
			fmt.Fprintf(w, "%s%s %s\n", g.name, formatLabels(g.labels), formatFloat(g.Value()))
		}
		for _, key := range sortedKeys(r.histograms) {
			writeHistogram(w, r.histograms[key])
		}
	})
}

func writeHistogram(w http.ResponseWriter, h *Histogram) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	fmt.Fprintf(w, "# TYPE %s histogram\n", h.name)

	cumulative := int64(0)
	for i, bound := range h.buckets {
		cumulative += h.counts[i]
		bucketLabels := copyLabels(h.labels)
		bucketLabels["le"] = formatFloat(bound)
		fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, formatLabels(bucketLabels), cumulative)
	}
	cumulative += h.counts[len(h.buckets)]
	infLabels := copyLabels(h.labels)
	infLabels["le"] = "+Inf"
	fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, formatLabels(infLabels), cumulative)

	fmt.Fprintf(w, "%s_sum%s %s\n", h.name, formatLabels(h.labels), formatFloat(h.sum))
	fmt.Fprintf(w, "%s_count%s %d\n", h.name, formatLabels(h.labels), h.count)
}

func makeKey(name string, labels Labels) string {
	if len(labels) == 0 {
		return name
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	key := name
	for _, k := range keys {
		key += "," + k + "=" + labels[k]
	}
	return key
}

func formatLabels(labels Labels) string {
	if len(labels) == 0 {
		return ""
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := "{"
	for i, k := range keys {
		if i > 0 {
			out += ","
		}
		out += k + "=" + strconv.Quote(labels[k])
	}
	return out + "}"
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyLabels(labels Labels) Labels {
	out := make(Labels, len(labels)+1)
	for k, v := range labels {
		out[k] = v
	}
	return out
}
