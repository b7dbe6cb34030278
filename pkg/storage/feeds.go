package storage

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/langgraphsystem/rssnews/internal/apperror"
	"github.com/langgraphsystem/rssnews/pkg/model"
)

// FeedRepository reads and updates the feeds table.
type FeedRepository struct{ pool *Pool }

func NewFeedRepository(pool *Pool) *FeedRepository { return &FeedRepository{pool: pool} }

// ActiveFeeds returns every feed with status = active, used by the feed
// health cache on a cold miss.
func (r *FeedRepository) ActiveFeeds(ctx context.Context) ([]*model.Feed, error) {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, `
		SELECT id, domain, trust_score, health_score, daily_quota, daily_processed,
		       error_rate_24h, duplicate_rate_24h, consecutive_failures,
		       avg_response_time_ms, status, blacklisted, quota_reset_at
		FROM feeds WHERE status = 'active'`)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrorTypeDatabase, "querying active feeds")
	}
	defer rows.Close()

	var feeds []*model.Feed
	for rows.Next() {
		f := &model.Feed{}
		if err := rows.Scan(&f.ID, &f.Domain, &f.TrustScore, &f.HealthScore, &f.DailyQuota,
			&f.DailyProcessed, &f.ErrorRate24h, &f.DuplicateRate24h, &f.ConsecutiveFailures,
			&f.AvgResponseTimeMs, &f.Status, &f.Blacklisted, &f.QuotaResetAt); err != nil {
			return nil, apperror.Wrap(err, apperror.ErrorTypeDatabase, "scanning feed row")
		}
		feeds = append(feeds, f)
	}
	return feeds, rows.Err()
}

// ByID loads a single feed.
func (r *FeedRepository) ByID(ctx context.Context, id int64) (*model.Feed, error) {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	f := &model.Feed{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, domain, trust_score, health_score, daily_quota, daily_processed,
		       error_rate_24h, duplicate_rate_24h, consecutive_failures,
		       avg_response_time_ms, status, blacklisted, quota_reset_at
		FROM feeds WHERE id = $1`, id).Scan(
		&f.ID, &f.Domain, &f.TrustScore, &f.HealthScore, &f.DailyQuota,
		&f.DailyProcessed, &f.ErrorRate24h, &f.DuplicateRate24h, &f.ConsecutiveFailures,
		&f.AvgResponseTimeMs, &f.Status, &f.Blacklisted, &f.QuotaResetAt)
	if err == pgx.ErrNoRows {
		return nil, apperror.NotFound("feed not found")
	}
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrorTypeDatabase, "loading feed")
	}
	return f, nil
}

// IncrementDailyProcessed atomically bumps daily_processed for feedIDs that
// had articles claimed into a batch, respecting the quota invariant
// (daily_processed <= daily_quota when daily_quota > 0).
func (r *FeedRepository) IncrementDailyProcessed(ctx context.Context, feedID int64, delta int) error {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	_, err := r.pool.Exec(ctx, `
		UPDATE feeds SET daily_processed = daily_processed + $2 WHERE id = $1`, feedID, delta)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrorTypeDatabase, "incrementing daily_processed")
	}
	return nil
}

// ResetDailyCounters zeroes daily_processed for every feed, called by the
// daily rollover maintenance task.
func (r *FeedRepository) ResetDailyCounters(ctx context.Context) (int64, error) {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	tag, err := r.pool.Exec(ctx, `UPDATE feeds SET daily_processed = 0, quota_reset_at = now()`)
	if err != nil {
		return 0, apperror.Wrap(err, apperror.ErrorTypeDatabase, "resetting daily counters")
	}
	return tag.RowsAffected(), nil
}

// AverageResponseTime returns the mean avg_response_time_ms across active
// feeds, read by the backpressure monitor to decide whether the database
// rate limiter needs throttling back regardless of overall load factor.
func (r *FeedRepository) AverageResponseTime(ctx context.Context) (float64, error) {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	var avg *float64
	err := r.pool.QueryRow(ctx, `
		SELECT AVG(avg_response_time_ms) FROM feeds WHERE status = 'active'`).Scan(&avg)
	if err != nil {
		return 0, apperror.Wrap(err, apperror.ErrorTypeDatabase, "averaging feed response time")
	}
	if avg == nil {
		return 0, nil
	}
	return *avg, nil
}

// UpdateHealthScoring persists the periodic health-scoring job's output for
// a single feed.
func (r *FeedRepository) UpdateHealthScoring(ctx context.Context, f *model.Feed) error {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	_, err := r.pool.Exec(ctx, `
		UPDATE feeds SET health_score = $2, error_rate_24h = $3, duplicate_rate_24h = $4,
		       consecutive_failures = $5, avg_response_time_ms = $6
		WHERE id = $1`,
		f.ID, f.HealthScore, f.ErrorRate24h, f.DuplicateRate24h, f.ConsecutiveFailures, f.AvgResponseTimeMs)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrorTypeDatabase, "updating feed health scoring")
	}
	return nil
}
