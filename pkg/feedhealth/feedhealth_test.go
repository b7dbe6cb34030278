package feedhealth

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestFeedHealth(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Feed Health Suite")
}

var _ = Describe("Snapshot", func() {
	healthy := Snapshot{
		HealthScore:         80,
		ConsecutiveFailures: 0,
		ErrorRate24h:        0.01,
		DailyQuota:          100,
		DailyProcessed:      10,
	}

	Describe("IsHealthy", func() {
		It("accepts a feed with good health, low failures, low error rate, and quota headroom", func() {
			Expect(healthy.IsHealthy()).To(BeTrue())
		})

		It("rejects a feed below the health score floor", func() {
			s := healthy
			s.HealthScore = 49
			Expect(s.IsHealthy()).To(BeFalse())
		})

		It("rejects a feed with 5 or more consecutive failures", func() {
			s := healthy
			s.ConsecutiveFailures = 5
			Expect(s.IsHealthy()).To(BeFalse())
		})

		It("rejects a feed with a 24h error rate at or above 50%", func() {
			s := healthy
			s.ErrorRate24h = 0.5
			Expect(s.IsHealthy()).To(BeFalse())
		})

		It("rejects a feed that has exhausted its daily quota", func() {
			s := healthy
			s.DailyQuota = 10
			s.DailyProcessed = 10
			Expect(s.IsHealthy()).To(BeFalse())
		})

		It("treats a zero quota as unlimited", func() {
			s := healthy
			s.DailyQuota = 0
			s.DailyProcessed = 1_000_000
			Expect(s.IsHealthy()).To(BeTrue())
		})
	})

	Describe("PriorityScore", func() {
		It("averages trust and health with no signals degraded", func() {
			s := Snapshot{TrustScore: 80, HealthScore: 60}
			Expect(s.PriorityScore()).To(BeNumerically("~", 70, 1e-9))
		})

		It("clamps to zero when penalties exceed the base score", func() {
			s := Snapshot{
				TrustScore: 10, HealthScore: 10,
				ErrorRate24h: 1.0, DuplicateRate24h: 1.0,
				AvgResponseTimeMs: 5000, ConsecutiveFailures: 10,
				DailyQuota: 100, DailyProcessed: 95,
			}
			Expect(s.PriorityScore()).To(Equal(0.0))
		})

		It("applies the severe quota penalty above 90% usage", func() {
			base := Snapshot{TrustScore: 100, HealthScore: 100, DailyQuota: 100, DailyProcessed: 50}
			near := base
			near.DailyProcessed = 95
			Expect(near.PriorityScore()).To(BeNumerically("<", base.PriorityScore()))
			Expect(base.PriorityScore() - near.PriorityScore()).To(BeNumerically("~", 40, 1e-9))
		})
	})

	Describe("QuotaExhausted", func() {
		It("is false for an unlimited feed regardless of daily_processed", func() {
			Expect(Snapshot{DailyQuota: 0, DailyProcessed: 999}.QuotaExhausted()).To(BeFalse())
		})

		It("is true once daily_processed reaches daily_quota", func() {
			Expect(Snapshot{DailyQuota: 10, DailyProcessed: 10}.QuotaExhausted()).To(BeTrue())
		})
	})
})
