package telemetry

import (
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics implements Metrics on a Prometheus registry. Collectors
// are created on first use of a metric name; the label set of that first call
// is fixed for the lifetime of the collector and later calls with different
// tag keys are dropped.
type PrometheusMetrics struct {
	reg       prometheus.Registerer
	namespace string

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
	labels     map[string][]string
}

// NewPrometheusMetrics returns a Metrics recorder registering its collectors
// on reg. Metric names are sanitized ("bep.events.received" becomes
// "<namespace>_bep_events_received_total"); namespace may be empty.
func NewPrometheusMetrics(reg prometheus.Registerer, namespace string) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PrometheusMetrics{
		reg:        reg,
		namespace:  sanitize(namespace),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		labels:     make(map[string][]string),
	}
}

// IncCounter adds value to the counter name_total.
func (m *PrometheusMetrics) IncCounter(name string, value float64, tags ...string) {
	keys, values := splitTags(tags)
	m.mu.Lock()
	vec, ok := m.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.namespace,
			Name:      sanitize(name) + "_total",
			Help:      "Counter " + name + ".",
		}, keys)
		vec = register(m.reg, vec)
		m.counters[name] = vec
		m.labels[name] = keys
	}
	match := slices.Equal(m.labels[name], keys)
	m.mu.Unlock()
	if !match || vec == nil {
		return
	}
	vec.WithLabelValues(values...).Add(value)
}

// RecordTimer observes duration on the histogram name_seconds.
func (m *PrometheusMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	keys, values := splitTags(tags)
	m.mu.Lock()
	vec, ok := m.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: m.namespace,
			Name:      sanitize(name) + "_seconds",
			Help:      "Duration of " + name + " in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, keys)
		vec = register(m.reg, vec)
		m.histograms[name] = vec
		m.labels[name] = keys
	}
	match := slices.Equal(m.labels[name], keys)
	m.mu.Unlock()
	if !match || vec == nil {
		return
	}
	vec.WithLabelValues(values...).Observe(duration.Seconds())
}

// RecordGauge sets the gauge name to value.
func (m *PrometheusMetrics) RecordGauge(name string, value float64, tags ...string) {
	keys, values := splitTags(tags)
	m.mu.Lock()
	vec, ok := m.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      sanitize(name),
			Help:      "Gauge " + name + ".",
		}, keys)
		vec = register(m.reg, vec)
		m.gauges[name] = vec
		m.labels[name] = keys
	}
	match := slices.Equal(m.labels[name], keys)
	m.mu.Unlock()
	if !match || vec == nil {
		return
	}
	vec.WithLabelValues(values...).Set(value)
}

// register registers c on reg, reusing an identical collector registered
// earlier (for example by another PrometheusMetrics on the same registry).
// It returns nil when the registry rejects the collector.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}
	var zero C
	return zero
}

func splitTags(tags []string) (keys, values []string) {
	n := (len(tags) + 1) / 2
	keys = make([]string, 0, n)
	values = make([]string, 0, n)
	for i := 0; i < len(tags); i += 2 {
		keys = append(keys, sanitize(tags[i]))
		if i+1 < len(tags) {
			values = append(values, tags[i+1])
		} else {
			values = append(values, "")
		}
	}
	return keys, values
}

// sanitize maps name onto the Prometheus metric name alphabet.
func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == ':':
			return r
		default:
			return '_'
		}
	}, name)
}
