package stages

import (
	"context"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews/pkg/feedhealth"
	"github.com/langgraphsystem/rssnews/pkg/model"
	"github.com/langgraphsystem/rssnews/pkg/pipeline"
)

// DefaultMinHealthScore is the Stage 1 admission floor.
const DefaultMinHealthScore = 50

// FeedHealth is Stage 1: rejects articles from feeds that are unhealthy,
// quota-exhausted, or blacklisted, and attaches trust/health metadata to
// survivors.
type FeedHealth struct {
	MinHealthScore int
	cache          *feedhealth.Cache
	log            *logrus.Entry
}

// NewFeedHealth constructs Stage 1. minHealthScore <= 0 uses
// DefaultMinHealthScore.
func NewFeedHealth(cache *feedhealth.Cache, minHealthScore int, log *logrus.Entry) *FeedHealth {
	if minHealthScore <= 0 {
		minHealthScore = DefaultMinHealthScore
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &FeedHealth{MinHealthScore: minHealthScore, cache: cache, log: log.WithField("stage", "feed_health")}
}

func (s *FeedHealth) Name() string { return "feed_health" }

func (s *FeedHealth) Process(ctx context.Context, articles []*model.RawArticle, pctx *pipeline.Context) ([]*model.RawArticle, error) {
	out := make([]*model.RawArticle, 0, len(articles))

	for _, a := range articles {
		snap, ok, err := s.cache.Get(ctx, a.FeedID)
		if err != nil {
			return nil, err
		}
		if !ok {
			a.ErrorLog = append(a.ErrorLog, "feed_health: missing data for feed "+strconv.FormatInt(a.FeedID, 10))
			continue
		}

		if snap.HealthScore < s.MinHealthScore {
			reject(a, model.RejectLowQuality)
			continue
		}
		if snap.QuotaExhausted() {
			reject(a, model.RejectFeedQuotaExceeded)
			continue
		}
		if snap.Blacklisted {
			reject(a, model.RejectDomainBlacklisted)
			continue
		}

		a.FeedTrust = snap.TrustScore
		a.FeedHealth = snap.HealthScore
		out = append(out, a)
	}

	return out, nil
}
