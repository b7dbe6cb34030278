// Package metrics buffers counters, gauges, histograms, timings and rates
// produced across the pipeline, flushing them to Redis (short retention)
// and Postgres (durable) on a size or interval trigger, and exposing both
// a Prometheus registry and a line-protocol text export for scraping.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews/pkg/cache"
	"github.com/langgraphsystem/rssnews/pkg/storage"
)

// Kind distinguishes the five operations the sink supports.
type Kind string

const (
	KindCounter   Kind = "counter"
	KindGauge     Kind = "gauge"
	KindHistogram Kind = "histogram"
	KindTiming    Kind = "timing"
	KindRate      Kind = "rate"
)

// Sample is one recorded data point awaiting flush.
type Sample struct {
	Name       string
	Value      float64
	Kind       Kind
	Tags       map[string]string
	RecordedAt time.Time
}

type histEntry struct {
	at    time.Time
	value float64
}

// Options configures a Sink.
type Options struct {
	BufferSize     int
	FlushInterval  time.Duration
	HistogramRetention time.Duration // how long to keep samples for percentile queries
}

// Sink is the concurrency-safe metrics collector. All producer-facing
// methods are safe to call from multiple goroutines and never return an
// error: flush failures are counted and logged, never raised through the
// hot path.
type Sink struct {
	opts  Options
	cache *cache.Client
	repo  *storage.MetricsRepository
	log   *logrus.Entry

	mu         sync.Mutex
	buffer     []Sample
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string][]histEntry
	rates      map[string][]time.Time

	flushErrors int64
	collected   int64

	prom *promRegistry
}

// New constructs a Sink. cache and repo may be nil, in which case that
// backend's flush step is skipped (useful for tests or degraded startup).
func New(opts Options, c *cache.Client, repo *storage.MetricsRepository, log *logrus.Entry) *Sink {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 30 * time.Second
	}
	if opts.HistogramRetention <= 0 {
		opts.HistogramRetention = time.Hour
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Sink{
		opts:       opts,
		cache:      c,
		repo:       repo,
		log:        log.WithField("component", "metrics"),
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]histEntry),
		rates:      make(map[string][]time.Time),
		prom:       newPromRegistry(),
	}
}

// PrometheusRegistry exposes the underlying registry for wiring into
// promhttp.HandlerFor.
func (s *Sink) PrometheusRegistry() *prometheus.Registry { return s.prom.Registry() }

func metricKey(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('[')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%s", k, tags[k])
	}
	b.WriteByte(']')
	return b.String()
}

// Incr increments a counter by value (default 1 when value == 0 is not
// assumed by the caller; callers pass the amount explicitly).
func (s *Sink) Incr(name string, value float64, tags map[string]string) {
	s.record(Sample{Name: name, Value: value, Kind: KindCounter, Tags: tags, RecordedAt: time.Now()})
}

// Gauge sets a gauge's current value.
func (s *Sink) Gauge(name string, value float64, tags map[string]string) {
	s.record(Sample{Name: name, Value: value, Kind: KindGauge, Tags: tags, RecordedAt: time.Now()})
}

// Histogram records one observation into a named histogram.
func (s *Sink) Histogram(name string, value float64, tags map[string]string) {
	s.record(Sample{Name: name, Value: value, Kind: KindHistogram, Tags: tags, RecordedAt: time.Now()})
}

// Timing records an elapsed duration, both as its own timing series and as
// a histogram under name+".duration", matching the dual recording the
// Python collector performed.
func (s *Sink) Timing(name string, d time.Duration, tags map[string]string) {
	now := time.Now()
	s.record(Sample{Name: name, Value: d.Seconds(), Kind: KindTiming, Tags: tags, RecordedAt: now})
	s.Histogram(name+".duration", d.Seconds(), tags)
}

// Rate records a rate event, contributing to a sliding request-per-second
// calculation.
func (s *Sink) Rate(name string, value float64, tags map[string]string) {
	s.record(Sample{Name: name, Value: value, Kind: KindRate, Tags: tags, RecordedAt: time.Now()})
}

// Timer is a block-scoped timer returned by Start; calling Stop records the
// elapsed time as a Timing sample.
type Timer struct {
	sink  *Sink
	name  string
	tags  map[string]string
	start time.Time
}

// Start begins a block-scoped timer.
func (s *Sink) Start(name string, tags map[string]string) *Timer {
	return &Timer{sink: s, name: name, tags: tags, start: time.Now()}
}

// Stop records elapsed time since Start as a Timing sample.
func (t *Timer) Stop() {
	t.sink.Timing(t.name, time.Since(t.start), t.tags)
}

func (s *Sink) record(sample Sample) {
	key := metricKey(sample.Name, sample.Tags)
	s.mu.Lock()
	switch sample.Kind {
	case KindCounter:
		s.counters[key] += sample.Value
	case KindGauge:
		s.gauges[key] = sample.Value
	case KindHistogram:
		s.histograms[key] = append(s.histograms[key], histEntry{at: sample.RecordedAt, value: sample.Value})
	case KindRate:
		s.rates[key] = append(s.rates[key], sample.RecordedAt)
	}
	s.buffer = append(s.buffer, sample)
	full := len(s.buffer) >= s.opts.BufferSize
	s.mu.Unlock()

	atomic.AddInt64(&s.collected, 1)
	s.prom.observe(sample)

	if full {
		go s.Flush(context.Background())
	}
}

// CounterValue returns a counter's current accumulated value.
func (s *Sink) CounterValue(name string, tags map[string]string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[metricKey(name, tags)]
}

// GaugeValue returns a gauge's last-set value and whether it has ever been set.
func (s *Sink) GaugeValue(name string, tags map[string]string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.gauges[metricKey(name, tags)]
	return v, ok
}

// HistogramStats computes count/min/max/mean/p50/p95/p99 over the samples
// retained within HistogramRetention.
type HistogramStats struct {
	Count              int
	Min, Max, Mean     float64
	P50, P95, P99      float64
}

func (s *Sink) HistogramStats(name string, tags map[string]string) HistogramStats {
	s.mu.Lock()
	entries := append([]histEntry(nil), s.histograms[metricKey(name, tags)]...)
	s.mu.Unlock()
	if len(entries) == 0 {
		return HistogramStats{}
	}
	values := make([]float64, len(entries))
	for i, e := range entries {
		values[i] = e.value
	}
	sort.Float64s(values)
	n := len(values)
	var sum float64
	for _, v := range values {
		sum += v
	}
	pct := func(p float64) float64 {
		idx := int(float64(n) * p)
		if idx >= n {
			idx = n - 1
		}
		return values[idx]
	}
	return HistogramStats{
		Count: n, Min: values[0], Max: values[n-1], Mean: sum / float64(n),
		P50: pct(0.50), P95: pct(0.95), P99: pct(0.99),
	}
}

// RatePerSecond counts rate events within window and divides by its length.
func (s *Sink) RatePerSecond(name string, tags map[string]string, window time.Duration) float64 {
	s.mu.Lock()
	events := s.rates[metricKey(name, tags)]
	s.mu.Unlock()
	if window <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-window)
	var count int
	for _, t := range events {
		if t.After(cutoff) {
			count++
		}
	}
	return float64(count) / window.Seconds()
}

// RunFlushLoop periodically flushes until ctx is cancelled.
func (s *Sink) RunFlushLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Flush(context.Background())
			return
		case <-ticker.C:
			s.Flush(ctx)
		}
	}
}

// RunCleanupLoop periodically trims histogram/rate history older than
// HistogramRetention, mirroring the Python collector's hourly cleanup.
func (s *Sink) RunCleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Sink) cleanup() {
	cutoff := time.Now().Add(-s.opts.HistogramRetention)
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entries := range s.histograms {
		i := 0
		for i < len(entries) && entries[i].at.Before(cutoff) {
			i++
		}
		s.histograms[key] = entries[i:]
	}
	for key, times := range s.rates {
		i := 0
		for i < len(times) && times[i].Before(cutoff) {
			i++
		}
		s.rates[key] = times[i:]
	}
}

// Flush drains the buffer and writes it to Redis and Postgres. On failure
// the drained samples are pushed back to the front of the buffer (bounded
// by BufferSize) so nothing is silently lost under a transient outage.
func (s *Sink) Flush(ctx context.Context) {
	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	var flushErr error
	if s.cache != nil {
		if err := s.flushToRedis(ctx, batch); err != nil {
			flushErr = err
			s.log.WithError(err).Warn("flushing metrics to redis failed")
		}
	}
	if s.repo != nil {
		if err := s.flushToPostgres(ctx, batch); err != nil {
			flushErr = err
			s.log.WithError(err).Warn("flushing metrics to postgres failed")
		}
	}
	if flushErr != nil {
		atomic.AddInt64(&s.flushErrors, 1)
		s.mu.Lock()
		combined := make([]Sample, 0, len(batch)+len(s.buffer))
		combined = append(combined, batch...)
		combined = append(combined, s.buffer...)
		if len(combined) > s.opts.BufferSize {
			combined = combined[len(combined)-s.opts.BufferSize:]
		}
		s.buffer = combined
		s.mu.Unlock()
	}
}

func (s *Sink) flushToRedis(ctx context.Context, batch []Sample) error {
	pipe := s.cache.Pipeline()
	for _, sample := range batch {
		key := fmt.Sprintf("metrics:%s", sample.Name)
		pipe.ZAdd(ctx, key, redisZMember(sample))
		pipe.Expire(ctx, key, 24*time.Hour)
		latestKey := fmt.Sprintf("metrics:latest:%s", sample.Name)
		pipe.HSet(ctx, latestKey, "value", sample.Value, "timestamp", sample.RecordedAt.Unix())
		pipe.Expire(ctx, latestKey, time.Hour)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Sink) flushToPostgres(ctx context.Context, batch []Sample) error {
	rows := make([]storage.MetricSample, len(batch))
	for i, sample := range batch {
		rows[i] = storage.MetricSample{
			Name: sample.Name, Value: sample.Value, Kind: string(sample.Kind),
			Labels: sample.Tags, RecordedAt: sample.RecordedAt,
		}
	}
	return s.repo.InsertBatch(ctx, rows)
}

// Stats reports sink-internal counters for a status endpoint.
type Stats struct {
	Collected     int64
	FlushErrors   int64
	BufferedCount int
	CountersCount int
	GaugesCount   int
}

func (s *Sink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Collected:     atomic.LoadInt64(&s.collected),
		FlushErrors:   atomic.LoadInt64(&s.flushErrors),
		BufferedCount: len(s.buffer),
		CountersCount: len(s.counters),
		GaugesCount:   len(s.gauges),
	}
}
