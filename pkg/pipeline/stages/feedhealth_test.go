package stages

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/langgraphsystem/rssnews/pkg/feedhealth"
	"github.com/langgraphsystem/rssnews/pkg/model"
	"github.com/langgraphsystem/rssnews/pkg/pipeline"
)

func TestStages(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Stages Suite")
}

func seedSnapshot(rdb *redis.Client, feedID int64, snap feedhealth.Snapshot) {
	b, err := json.Marshal(snap)
	Expect(err).NotTo(HaveOccurred())
	Expect(rdb.Set(context.Background(), "feed_health:"+strconv.FormatInt(feedID, 10), b, 0).Err()).To(Succeed())
}

var _ = Describe("FeedHealth stage", func() {
	var (
		mr    *miniredis.Miniredis
		rdb   *redis.Client
		cache *feedhealth.Cache
		stage *FeedHealth
		pctx  *pipeline.Context
	)

	BeforeEach(func() {
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		cache = feedhealth.New(rdb, nil, nil, nil, 0)
		stage = NewFeedHealth(cache, 50, nil)
		pctx = pipeline.NewContext("batch_1", "worker_1", "corr_1", "trace_1", "v1", time.Now())
	})

	AfterEach(func() {
		rdb.Close()
		mr.Close()
	})

	It("passes an article through a healthy, non-quota-exhausted, non-blacklisted feed", func() {
		seedSnapshot(rdb, 1, feedhealth.Snapshot{FeedID: 1, TrustScore: 80, HealthScore: 90, DailyQuota: 100, DailyProcessed: 5})
		a := &model.RawArticle{ID: 1, FeedID: 1}
		out, err := stage.Process(context.Background(), []*model.RawArticle{a}, pctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(HaveLen(1))
		Expect(out[0].FeedTrust).To(Equal(80))
		Expect(out[0].FeedHealth).To(Equal(90))
	})

	It("drops an article with no error when feed health data is missing, recording it in ErrorLog", func() {
		a := &model.RawArticle{ID: 1, FeedID: 99}
		out, err := stage.Process(context.Background(), []*model.RawArticle{a}, pctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(BeEmpty())
		Expect(a.ErrorLog).To(HaveLen(1))
		Expect(a.Rejected).To(BeFalse())
	})

	It("rejects an article below the configured minimum health score as low_quality", func() {
		seedSnapshot(rdb, 1, feedhealth.Snapshot{FeedID: 1, TrustScore: 80, HealthScore: 49})
		a := &model.RawArticle{ID: 1, FeedID: 1}
		out, err := stage.Process(context.Background(), []*model.RawArticle{a}, pctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(BeEmpty())
		Expect(a.Rejected).To(BeTrue())
		Expect(a.RejectionReason).To(Equal(model.RejectLowQuality))
	})

	It("rejects an article from a feed that has exhausted its daily quota", func() {
		seedSnapshot(rdb, 1, feedhealth.Snapshot{FeedID: 1, HealthScore: 90, DailyQuota: 10, DailyProcessed: 10})
		a := &model.RawArticle{ID: 1, FeedID: 1}
		out, err := stage.Process(context.Background(), []*model.RawArticle{a}, pctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(BeEmpty())
		Expect(a.RejectionReason).To(Equal(model.RejectFeedQuotaExceeded))
	})

	It("rejects an article from a blacklisted feed", func() {
		seedSnapshot(rdb, 1, feedhealth.Snapshot{FeedID: 1, HealthScore: 90, Blacklisted: true})
		a := &model.RawArticle{ID: 1, FeedID: 1}
		out, err := stage.Process(context.Background(), []*model.RawArticle{a}, pctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(BeEmpty())
		Expect(a.RejectionReason).To(Equal(model.RejectDomainBlacklisted))
	})

	It("checks health score before quota and blacklist", func() {
		seedSnapshot(rdb, 1, feedhealth.Snapshot{FeedID: 1, HealthScore: 10, DailyQuota: 10, DailyProcessed: 10, Blacklisted: true})
		a := &model.RawArticle{ID: 1, FeedID: 1}
		out, err := stage.Process(context.Background(), []*model.RawArticle{a}, pctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(BeEmpty())
		Expect(a.RejectionReason).To(Equal(model.RejectLowQuality))
	})
})
