package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
)

func TestRateLimit(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Rate Limit Suite")
}

var _ = Describe("Manager", func() {
	var (
		ctx context.Context
		srv *miniredis.Miniredis
		rdb *redis.Client
		mgr *Manager
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		srv, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		rdb = redis.NewClient(&redis.Options{Addr: srv.Addr()})
		mgr = New(rdb, nil, nil)
	})

	AfterEach(func() {
		srv.Close()
	})

	Describe("sliding window", func() {
		BeforeEach(func() {
			mgr.Register("domain", Config{MaxRequests: 3, Window: time.Minute, Strategy: StrategySlidingWindow})
		})

		It("allows requests under the limit and blocks the next", func() {
			for i := 0; i < 3; i++ {
				ok, err := mgr.Allow(ctx, "domain", "a.com", 1)
				Expect(err).NotTo(HaveOccurred())
				Expect(ok).To(BeTrue())
			}
			ok, err := mgr.Allow(ctx, "domain", "a.com", 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("tracks distinct keys independently", func() {
			for i := 0; i < 3; i++ {
				_, _ = mgr.Allow(ctx, "domain", "a.com", 1)
			}
			ok, err := mgr.Allow(ctx, "domain", "b.com", 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
		})

		It("admits requests again once the window rolls forward", func() {
			for i := 0; i < 3; i++ {
				_, _ = mgr.Allow(ctx, "domain", "a.com", 1)
			}
			srv.FastForward(2 * time.Minute)
			ok, err := mgr.Allow(ctx, "domain", "a.com", 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
		})
	})

	Describe("fixed window", func() {
		BeforeEach(func() {
			mgr.Register("database", Config{MaxRequests: 2, Window: time.Minute, Strategy: StrategyFixedWindow})
		})

		It("blocks once the bucket count exceeds the limit", func() {
			Expect(mustAllow(mgr, ctx, "database", "x", 1)).To(BeTrue())
			Expect(mustAllow(mgr, ctx, "database", "x", 1)).To(BeTrue())
			Expect(mustAllow(mgr, ctx, "database", "x", 1)).To(BeFalse())
		})
	})

	Describe("token bucket", func() {
		BeforeEach(func() {
			mgr.Register("batch_processing", Config{MaxRequests: 60, Window: time.Minute, Strategy: StrategyTokenBucket, BurstAllowance: 2})
		})

		It("allows up to the burst allowance with no elapsed time", func() {
			Expect(mustAllow(mgr, ctx, "batch_processing", "w1", 1)).To(BeTrue())
			Expect(mustAllow(mgr, ctx, "batch_processing", "w1", 1)).To(BeTrue())
			Expect(mustAllow(mgr, ctx, "batch_processing", "w1", 1)).To(BeFalse())
		})
	})

	Describe("adaptive", func() {
		BeforeEach(func() {
			mgr.Register("domain", Config{MaxRequests: 10, Window: time.Minute, Strategy: StrategyAdaptive})
		})

		It("shrinks the effective limit under high load", func() {
			mgr.SetLoadFunc(func() float64 { return 0.95 })
			for i := 0; i < 2; i++ {
				Expect(mustAllow(mgr, ctx, "domain", "a.com", 1)).To(BeTrue())
			}
			Expect(mustAllow(mgr, ctx, "domain", "a.com", 1)).To(BeFalse())
		})

		It("uses the full limit at zero load", func() {
			mgr.SetLoadFunc(func() float64 { return 0.0 })
			for i := 0; i < 10; i++ {
				Expect(mustAllow(mgr, ctx, "domain", "b.com", 1)).To(BeTrue())
			}
			Expect(mustAllow(mgr, ctx, "domain", "b.com", 1)).To(BeFalse())
		})
	})
})

func mustAllow(m *Manager, ctx context.Context, name, key string, cost int) bool {
	ok, err := m.Allow(ctx, name, key, cost)
	Expect(err).NotTo(HaveOccurred())
	return ok
}
