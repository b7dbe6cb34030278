package planner

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/langgraphsystem/rssnews/pkg/breaker"
	"github.com/langgraphsystem/rssnews/pkg/model"
	"github.com/langgraphsystem/rssnews/pkg/storage"
)

func TestPlanner(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Planner Suite")
}

func candidate(id int64, feedID int64, domain string, retryCount int) storage.CandidateRow {
	return storage.CandidateRow{
		Article: model.RawArticle{ID: id, FeedID: feedID, RetryCount: retryCount},
		Domain:  domain,
	}
}

var _ = Describe("configHash", func() {
	It("is deterministic for identical configs", func() {
		h1, err := configHash(DefaultConfig())
		Expect(err).NotTo(HaveOccurred())
		h2, err := configHash(DefaultConfig())
		Expect(err).NotTo(HaveOccurred())
		Expect(h1).To(Equal(h2))
		Expect(h1).To(HaveLen(16))
	})

	It("changes when a field changes", func() {
		a := DefaultConfig()
		b := DefaultConfig()
		b.TargetSize = 250
		ha, _ := configHash(a)
		hb, _ := configHash(b)
		Expect(ha).NotTo(Equal(hb))
	})
})

var _ = Describe("newBatchID", func() {
	It("matches the batch_<unix>_<hex8> format", func() {
		id := newBatchID()
		Expect(id).To(MatchRegexp(`^batch_\d+_[0-9a-f]{8}$`))
	})
})

var _ = Describe("Planner.optimalBatchSize", func() {
	var p *Planner

	BeforeEach(func() {
		p = &Planner{history: newSizingHistory(100)}
	})

	It("reduces size by 40% under load factor above 0.8", func() {
		cfg := DefaultConfig()
		size := p.optimalBatchSize(cfg, 0.9)
		Expect(size).To(Equal(cfg.TargetSize - int(float64(cfg.TargetSize)*0.4)))
	})

	It("increases size by 10% under low load", func() {
		cfg := DefaultConfig()
		size := p.optimalBatchSize(cfg, 0.1)
		Expect(size).To(Equal(cfg.TargetSize + int(float64(cfg.TargetSize)*0.1)))
	})

	It("clamps to MaxSize even when load is very low", func() {
		cfg := DefaultConfig()
		cfg.MaxSize = cfg.TargetSize + 1
		size := p.optimalBatchSize(cfg, 0.0)
		Expect(size).To(Equal(cfg.MaxSize))
	})

	It("clamps to MinSize even when load is very high", func() {
		cfg := DefaultConfig()
		cfg.MinSize = cfg.TargetSize - 1
		size := p.optimalBatchSize(cfg, 0.95)
		Expect(size).To(Equal(cfg.MinSize))
	})

	It("blends in the historically best size observed at similar load", func() {
		cfg := DefaultConfig()
		p.history.record(0.5, 400, 0.99) // best success rate near this load
		p.history.record(0.5, 100, 0.10)

		withoutHistory := (&Planner{history: newSizingHistory(100)}).optimalBatchSize(cfg, 0.5)
		withHistory := p.optimalBatchSize(cfg, 0.5)
		Expect(withHistory).To(BeNumerically(">", withoutHistory))
	})
})

var _ = Describe("Planner.filterCandidates", func() {
	var p *Planner
	ctx := context.Background()

	BeforeEach(func() {
		p = &Planner{history: newSizingHistory(100)}
	})

	It("enforces the per-domain diversity cap", func() {
		cfg := DefaultConfig()
		cfg.DiversityFactor = 0.1 // cap = floor(targetSize * 0.1)
		targetSize := 10
		rows := []storage.CandidateRow{
			candidate(1, 1, "a.com", 0),
			candidate(2, 1, "a.com", 0),
			candidate(3, 1, "a.com", 0),
			candidate(4, 2, "b.com", 0),
		}
		selected := p.filterCandidates(rows, cfg, targetSize)

		domainCounts := map[string]int{}
		for _, s := range selected {
			domainCounts[s.Domain]++
		}
		Expect(domainCounts["a.com"]).To(Equal(1))
		Expect(domainCounts["b.com"]).To(Equal(1))
	})

	It("stops once target size is reached", func() {
		cfg := DefaultConfig()
		cfg.DiversityFactor = 1.0
		rows := []storage.CandidateRow{
			candidate(1, 1, "a.com", 0),
			candidate(2, 2, "b.com", 0),
			candidate(3, 3, "c.com", 0),
		}
		selected := p.filterCandidates(rows, cfg, 2)
		Expect(selected).To(HaveLen(2))
	})

	It("rejects retries once they exceed the max retry percentage", func() {
		cfg := DefaultConfig()
		cfg.DiversityFactor = 1.0
		cfg.MaxRetryArticlesPercent = 10.0
		rows := []storage.CandidateRow{
			candidate(1, 1, "a.com", 0),
			candidate(2, 2, "b.com", 1), // would be 50% retries, over the 10% cap
			candidate(3, 3, "c.com", 0),
		}
		selected := p.filterCandidates(rows, cfg, 10)

		ids := make([]int64, len(selected))
		for i, s := range selected {
			ids[i] = s.Article.ID
		}
		Expect(ids).To(ConsistOf(int64(1), int64(3)))
	})

	It("skips candidates whose feed has an open circuit breaker", func() {
		br := breaker.New(nil, nil, nil)
		br.Register(feedBreakerName(2), breaker.Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute})
		Expect(br.Call(ctx, feedBreakerName(2), func() error { return errors.New("boom") })).To(HaveOccurred())
		Expect(br.IsOpen(feedBreakerName(2))).To(BeTrue())

		p.breakers = br
		cfg := DefaultConfig()
		cfg.DiversityFactor = 1.0
		rows := []storage.CandidateRow{
			candidate(1, 1, "a.com", 0),
			candidate(2, 2, "b.com", 0),
		}
		selected := p.filterCandidates(rows, cfg, 10)

		ids := make([]int64, len(selected))
		for i, s := range selected {
			ids[i] = s.Article.ID
		}
		Expect(ids).To(ConsistOf(int64(1)))
	})
})
