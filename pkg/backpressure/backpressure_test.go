package backpressure

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/langgraphsystem/rssnews/pkg/metrics"
	"github.com/langgraphsystem/rssnews/pkg/ratelimit"
)

func TestBackpressure(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Backpressure Suite")
}

var _ = Describe("loadFactor", func() {
	It("averages the six clamped factors", func() {
		lf := loadFactor(50, 50, 0, 0, 0, 1, 2.0) // cpu/mem at 50%, everything else healthy
		Expect(lf).To(BeNumerically("~", (0.5+0.5+0+0+0+0)/6, 1e-9))
	})

	It("clamps queue depth and error rate contributions to 1", func() {
		lf := loadFactor(0, 0, 0, 5000, 10, 0, 2.0) // queue_depth and error_rate wildly over range
		Expect(lf).To(BeNumerically("~", (0+0+0+1+1+1)/6, 1e-9))
	})

	It("reports zero for a fully idle, error-free, empty-queue system", func() {
		Expect(loadFactor(0, 0, 0, 0, 0, 1, 2.0)).To(BeNumerically("~", 0, 1e-9))
	})
})

var _ = Describe("levelFor", func() {
	It("buckets load factor into the four tiers", func() {
		Expect(levelFor(0.95)).To(Equal(LevelCritical))
		Expect(levelFor(0.8)).To(Equal(LevelHigh))
		Expect(levelFor(0.6)).To(Equal(LevelMedium))
		Expect(levelFor(0.1)).To(Equal(LevelLow))
	})
})

var _ = Describe("Monitor", func() {
	var (
		ctx  context.Context
		srv  *miniredis.Miniredis
		rdb  *redis.Client
		lim  *ratelimit.Manager
		sink *metrics.Sink
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		srv, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		rdb = redis.NewClient(&redis.Options{Addr: srv.Addr()})
		lim = ratelimit.New(rdb, nil, nil)
		lim.Register("batch_processing", ratelimit.Config{MaxRequests: 5, Window: 60 * time.Second, Strategy: ratelimit.StrategySlidingWindow})
		lim.Register("database", ratelimit.Config{MaxRequests: 1000, Window: 60 * time.Second, Strategy: ratelimit.StrategySlidingWindow})
		sink = metrics.New(metrics.Options{}, nil, nil, nil)
	})

	AfterEach(func() {
		srv.Close()
	})

	It("reports no snapshot before the first sample", func() {
		mon := New(Options{}, nil, nil, lim, sink, nil, nil)
		_, ok := mon.Latest()
		Expect(ok).To(BeFalse())
		Expect(mon.LoadFunc()()).To(Equal(0.0))
	})

	It("publishes a snapshot carrying the sampled queue depth and a positive load factor", func() {
		queueDepth := func(context.Context) (int, error) { return 900, nil }
		mon := New(Options{Interval: time.Hour}, queueDepth, nil, lim, sink, nil, nil)

		snap, err := mon.sample(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(snap.QueueDepth).To(Equal(900))
		mon.publish(snap)
		mon.adjust(ctx, snap)

		latest, ok := mon.Latest()
		Expect(ok).To(BeTrue())
		Expect(latest.LoadFactor).To(BeNumerically(">", 0))
	})

	It("pauses batch creation once a sample reaches the critical level, and resumes after", func() {
		mon := New(Options{Interval: time.Hour}, nil, nil, lim, sink, nil, nil)

		mon.adjust(ctx, LoadSnapshot{Level: LevelCritical, LoadFactor: 0.95})
		Expect(mon.Paused()).To(BeTrue())

		mon.adjust(ctx, LoadSnapshot{Level: LevelLow, LoadFactor: 0.1})
		Expect(mon.Paused()).To(BeFalse())
	})

	It("halves the database limiter once average response time crosses the threshold", func() {
		slow := func(context.Context) (float64, error) { return 9000, nil }
		mon := New(Options{Interval: time.Hour}, nil, slow, lim, sink, nil, nil)

		snap, err := mon.sample(ctx)
		Expect(err).NotTo(HaveOccurred())
		mon.adjust(ctx, snap)

		// Exhaust the halved capacity (500) plus one to confirm the
		// adjustment actually reached the limiter, not just the monitor.
		for i := 0; i < 500; i++ {
			ok, aerr := lim.Allow(ctx, "database", "", 1)
			Expect(aerr).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
		}
		ok, err := lim.Allow(ctx, "database", "", 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
	})

	It("derives error and success rate from counter deltas between samples", func() {
		mon := New(Options{Interval: time.Hour}, nil, nil, lim, sink, nil, nil)

		first, err := mon.sample(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(first.SuccessRate).To(Equal(1.0)) // no prior baseline yet

		sink.Incr("pipeline.article.success", 8, nil)
		sink.Incr("pipeline.article.failure", 2, nil)

		second, err := mon.sample(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(second.ErrorRate).To(BeNumerically("~", 0.2, 1e-9))
		Expect(second.SuccessRate).To(BeNumerically("~", 0.8, 1e-9))
	})
})
