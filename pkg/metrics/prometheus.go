package metrics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// promRegistry lazily creates a CounterVec/GaugeVec/HistogramVec the first
// time a given (name, sorted label keys) combination is observed, since
// metric names here are caller-chosen strings rather than a fixed set
// declared at compile time.
type promRegistry struct {
	reg *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

func newPromRegistry() *promRegistry {
	return &promRegistry{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Registry returns the underlying registry for promhttp.HandlerFor.
func (p *promRegistry) Registry() *prometheus.Registry { return p.reg }

func sortedLabelNames(tags map[string]string) []string {
	names := make([]string, 0, len(tags))
	for k := range tags {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func labelValues(names []string, tags map[string]string) []string {
	values := make([]string, len(names))
	for i, n := range names {
		values[i] = tags[n]
	}
	return values
}

func (p *promRegistry) observe(sample Sample) {
	labelNames := sortedLabelNames(sample.Tags)
	switch sample.Kind {
	case KindCounter:
		vec := p.counterVec(sample.Name, labelNames)
		vec.WithLabelValues(labelValues(labelNames, sample.Tags)...).Add(sample.Value)
	case KindGauge:
		vec := p.gaugeVec(sample.Name, labelNames)
		vec.WithLabelValues(labelValues(labelNames, sample.Tags)...).Set(sample.Value)
	case KindHistogram, KindTiming:
		vec := p.histogramVec(sample.Name, labelNames)
		vec.WithLabelValues(labelValues(labelNames, sample.Tags)...).Observe(sample.Value)
	case KindRate:
		vec := p.counterVec(sample.Name, labelNames)
		vec.WithLabelValues(labelValues(labelNames, sample.Tags)...).Add(sample.Value)
	}
}

func vecKey(name string, labelNames []string) string {
	key := name
	for _, n := range labelNames {
		key += "|" + n
	}
	return key
}

func (p *promRegistry) counterVec(name string, labelNames []string) *prometheus.CounterVec {
	key := vecKey(name, labelNames)
	p.mu.Lock()
	defer p.mu.Unlock()
	if vec, ok := p.counters[key]; ok {
		return vec
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: prometheusName(name), Help: name}, labelNames)
	p.reg.MustRegister(vec)
	p.counters[key] = vec
	return vec
}

func (p *promRegistry) gaugeVec(name string, labelNames []string) *prometheus.GaugeVec {
	key := vecKey(name, labelNames)
	p.mu.Lock()
	defer p.mu.Unlock()
	if vec, ok := p.gauges[key]; ok {
		return vec
	}
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: prometheusName(name), Help: name}, labelNames)
	p.reg.MustRegister(vec)
	p.gauges[key] = vec
	return vec
}

func (p *promRegistry) histogramVec(name string, labelNames []string) *prometheus.HistogramVec {
	key := vecKey(name, labelNames)
	p.mu.Lock()
	defer p.mu.Unlock()
	if vec, ok := p.histograms[key]; ok {
		return vec
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    prometheusName(name),
		Help:    name,
		Buckets: prometheus.DefBuckets,
	}, labelNames)
	p.reg.MustRegister(vec)
	p.histograms[key] = vec
	return vec
}

// prometheusName rewrites dotted metric names ("pipeline.batch.duration")
// into the underscore form Prometheus expects.
func prometheusName(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '.' || c == '-' {
			out[i] = '_'
		} else {
			out[i] = c
		}
	}
	return string(out)
}
