// Package feedhealth caches feed trust/health/quota signals behind a
// short-TTL Redis read-through layer, consulted by the batch planner and
// the pipeline's feed-health stage.
package feedhealth

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews/internal/apperror"
	"github.com/langgraphsystem/rssnews/pkg/metrics"
	"github.com/langgraphsystem/rssnews/pkg/model"
	"github.com/langgraphsystem/rssnews/pkg/storage"
)

// DefaultTTL is how long a cached snapshot is trusted before a cold reload.
const DefaultTTL = 5 * time.Minute

func cacheKey(feedID int64) string { return "feed_health:" + strconv.FormatInt(feedID, 10) }

// Snapshot is the cached view of one feed's health used for scoring and
// admission decisions.
type Snapshot struct {
	FeedID              int64
	Domain              string
	TrustScore          int
	HealthScore         int
	ErrorRate24h        float64
	DuplicateRate24h    float64
	AvgResponseTimeMs   int
	ConsecutiveFailures int
	DailyQuota          int
	DailyProcessed      int
	Blacklisted         bool
	CachedAt            time.Time
}

func fromFeed(f *model.Feed) Snapshot {
	return Snapshot{
		FeedID:              f.ID,
		Domain:              f.Domain,
		TrustScore:          f.TrustScore,
		HealthScore:         f.HealthScore,
		ErrorRate24h:        f.ErrorRate24h,
		DuplicateRate24h:    f.DuplicateRate24h,
		AvgResponseTimeMs:   f.AvgResponseTimeMs,
		ConsecutiveFailures: f.ConsecutiveFailures,
		DailyQuota:          f.DailyQuota,
		DailyProcessed:      f.DailyProcessed,
		Blacklisted:         f.Blacklisted,
		CachedAt:            time.Now(),
	}
}

// QuotaExhausted reports whether the feed has used its full daily quota.
// A zero quota means unlimited.
func (s Snapshot) QuotaExhausted() bool {
	return s.DailyQuota > 0 && s.DailyProcessed >= s.DailyQuota
}

// IsHealthy requires health_score >= 50, fewer than 5 consecutive
// failures, a 24h error rate under 50%, and quota headroom.
func (s Snapshot) IsHealthy() bool {
	return s.HealthScore >= 50 &&
		s.ConsecutiveFailures < 5 &&
		s.ErrorRate24h < 0.5 &&
		!s.QuotaExhausted()
}

// PriorityScore scores a feed for batch inclusion in [0, 100]: a base of
// trust and health averaged, minus penalties for error rate, duplicate
// rate, response latency, and consecutive failures, minus a steep penalty
// once daily quota usage passes 70%/90%. There is no content-quality
// signal on the feeds table, so unlike the original this carries no
// separate quality bonus term.
func (s Snapshot) PriorityScore() float64 {
	base := (float64(s.TrustScore) + float64(s.HealthScore)) / 2.0

	errorPenalty := min64(s.ErrorRate24h*100*0.5, 50)
	dupPenalty := min64(s.DuplicateRate24h*100*0.25, 25)
	speedPenalty := min64(float64(s.AvgResponseTimeMs)/100, 25)
	failurePenalty := min64(float64(s.ConsecutiveFailures)*5, 30)

	quotaPenalty := 0.0
	if s.DailyQuota > 0 {
		usage := float64(s.DailyProcessed) / float64(s.DailyQuota)
		switch {
		case usage > 0.9:
			quotaPenalty = 40
		case usage > 0.7:
			quotaPenalty = 20
		}
	}

	final := base - errorPenalty - dupPenalty - speedPenalty - failurePenalty - quotaPenalty
	return clampScore(final)
}

func min64(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Cache is a Redis read-through cache over FeedRepository.ActiveFeeds.
type Cache struct {
	redis *redis.Client
	feeds *storage.FeedRepository
	sink  *metrics.Sink
	log   *logrus.Entry
	ttl   time.Duration
}

// New constructs a Cache. sink may be nil. feeds may be nil, in which case
// Reload loads nothing and a cache miss reports the feed as missing.
// ttl <= 0 uses DefaultTTL.
func New(rdb *redis.Client, feeds *storage.FeedRepository, sink *metrics.Sink, log *logrus.Entry, ttl time.Duration) *Cache {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{redis: rdb, feeds: feeds, sink: sink, log: log.WithField("component", "feed_health_cache"), ttl: ttl}
}

// Get returns the cached snapshot for feedID, reloading every active feed
// from Postgres on a cache miss (the original's cold-load-all strategy,
// since a full feed table scan is cheap relative to a 5-minute TTL).
func (c *Cache) Get(ctx context.Context, feedID int64) (Snapshot, bool, error) {
	raw, err := c.redis.Get(ctx, cacheKey(feedID)).Bytes()
	if err == nil {
		var snap Snapshot
		if jsonErr := json.Unmarshal(raw, &snap); jsonErr == nil {
			c.record("hit")
			return snap, true, nil
		}
	} else if err != redis.Nil {
		c.log.WithError(err).Warn("feed health cache read failed, falling back to reload")
	}

	c.record("miss")
	if err := c.Reload(ctx); err != nil {
		return Snapshot{}, false, err
	}
	raw, err = c.redis.Get(ctx, cacheKey(feedID)).Bytes()
	if err != nil {
		return Snapshot{}, false, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, false, apperror.Wrap(err, apperror.ErrorTypeInternal, "decoding feed health snapshot")
	}
	return snap, true, nil
}

// Reload refreshes every active feed's snapshot from Postgres into Redis.
func (c *Cache) Reload(ctx context.Context) error {
	if c.feeds == nil {
		return nil
	}
	feeds, err := c.feeds.ActiveFeeds(ctx)
	if err != nil {
		return err
	}
	pipe := c.redis.Pipeline()
	for _, f := range feeds {
		snap := fromFeed(f)
		b, err := json.Marshal(snap)
		if err != nil {
			return apperror.Wrap(err, apperror.ErrorTypeInternal, "encoding feed health snapshot")
		}
		pipe.Set(ctx, cacheKey(f.ID), b, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return apperror.Wrap(err, apperror.ErrorTypeNetwork, "caching feed health snapshots")
	}
	c.record("reload")
	return nil
}

// Invalidate drops feedID's cached snapshot so the next Get reloads.
func (c *Cache) Invalidate(ctx context.Context, feedID int64) error {
	if err := c.redis.Del(ctx, cacheKey(feedID)).Err(); err != nil {
		return apperror.Wrap(err, apperror.ErrorTypeNetwork, "invalidating feed health snapshot")
	}
	return nil
}

func (c *Cache) record(outcome string) {
	if c.sink != nil {
		c.sink.Incr("feed_health.cache."+outcome, 1, nil)
	}
}
