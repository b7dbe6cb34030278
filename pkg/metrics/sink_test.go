package metrics

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestMetrics(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Metrics Suite")
}

var _ = Describe("Sink", func() {
	var sink *Sink

	BeforeEach(func() {
		sink = New(Options{BufferSize: 1000, FlushInterval: time.Minute}, nil, nil, nil)
	})

	It("accumulates counters across calls", func() {
		sink.Incr("pipeline.articles.processed", 3, nil)
		sink.Incr("pipeline.articles.processed", 2, nil)
		Expect(sink.CounterValue("pipeline.articles.processed", nil)).To(Equal(5.0))
	})

	It("keeps counters with different tags distinct", func() {
		sink.Incr("feeds.fetch.total", 1, map[string]string{"domain": "a.com"})
		sink.Incr("feeds.fetch.total", 1, map[string]string{"domain": "b.com"})
		Expect(sink.CounterValue("feeds.fetch.total", map[string]string{"domain": "a.com"})).To(Equal(1.0))
		Expect(sink.CounterValue("feeds.fetch.total", map[string]string{"domain": "b.com"})).To(Equal(1.0))
	})

	It("overwrites gauges rather than accumulating", func() {
		sink.Gauge("queue.pending_articles", 10, nil)
		sink.Gauge("queue.pending_articles", 25, nil)
		v, ok := sink.GaugeValue("queue.pending_articles", nil)
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal(25.0))
	})

	It("computes histogram percentiles over recorded observations", func() {
		for i := 1; i <= 100; i++ {
			sink.Histogram("pipeline.batch.duration", float64(i), nil)
		}
		stats := sink.HistogramStats("pipeline.batch.duration", nil)
		Expect(stats.Count).To(Equal(100))
		Expect(stats.Min).To(Equal(1.0))
		Expect(stats.Max).To(Equal(100.0))
		Expect(stats.P50).To(BeNumerically("~", 50, 2))
	})

	It("also records a .duration histogram when timing", func() {
		sink.Timing("pipeline.stage.validation", 250*time.Millisecond, nil)
		stats := sink.HistogramStats("pipeline.stage.validation.duration", nil)
		Expect(stats.Count).To(Equal(1))
		Expect(stats.Mean).To(BeNumerically("~", 0.25, 0.01))
	})

	It("stops a Timer and records elapsed time", func() {
		timer := sink.Start("pipeline.stage.chunking", nil)
		time.Sleep(5 * time.Millisecond)
		timer.Stop()
		stats := sink.HistogramStats("pipeline.stage.chunking.duration", nil)
		Expect(stats.Count).To(Equal(1))
		Expect(stats.Mean).To(BeNumerically(">", 0))
	})

	It("flushes to neither backend without error when both are nil", func() {
		sink.Incr("x", 1, nil)
		Expect(func() { sink.Flush(nil) }).ToNot(Panic())
	})
})

var _ = Describe("LineProtocol", func() {
	It("renders name, tags, value and millisecond timestamp", func() {
		at := time.Unix(1700000000, 0)
		line := LineProtocol(Sample{Name: "queue.depth", Value: 42, Tags: map[string]string{"priority": "high"}, RecordedAt: at})
		Expect(line).To(Equal(`queue.depth{priority="high"} 42 1700000000000`))
	})

	It("omits braces entirely when there are no tags", func() {
		at := time.Unix(1700000000, 0)
		line := LineProtocol(Sample{Name: "queue.depth", Value: 42, RecordedAt: at})
		Expect(line).To(Equal("queue.depth 42 1700000000000"))
	})
})
