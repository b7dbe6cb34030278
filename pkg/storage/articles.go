package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/langgraphsystem/rssnews/internal/apperror"
	"github.com/langgraphsystem/rssnews/pkg/model"
)

// ArticleRepository reads and updates the raw_articles table.
type ArticleRepository struct{ pool *Pool }

func NewArticleRepository(pool *Pool) *ArticleRepository { return &ArticleRepository{pool: pool} }

// CandidateQuery is the set of parameters driving the planner's candidate
// selection query.
type CandidateQuery struct {
	MinHealthScore  int
	MaxAgeHours     float64
	QuotaBufferPct  float64 // e.g. 0.95: candidates from feeds below 95% quota
	FetchLimit      int
}

// CandidateRow is one row returned by the scored candidate selection query,
// already carrying the feed attributes the planner needs for scoring so it
// never issues a second round-trip per article.
type CandidateRow struct {
	Article    model.RawArticle
	Domain     string
	TrustScore int
	HealthScore int
	PriorityScore float64
}

// SelectCandidates scores and returns pending, unlocked, fresh-enough
// articles whose feed is active, healthy enough, and has quota headroom,
// using FOR UPDATE SKIP LOCKED so concurrent planners never collide on the
// same rows.
func (r *ArticleRepository) SelectCandidates(ctx context.Context, now time.Time, q CandidateQuery) ([]CandidateRow, error) {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		WITH eligible_feeds AS (
			SELECT id, domain, trust_score, health_score, daily_quota, daily_processed
			FROM feeds
			WHERE status = 'active'
			  AND health_score >= $1
			  AND blacklisted = false
			  AND (daily_quota = 0 OR daily_processed < daily_quota * $2)
		)
		SELECT ra.id, ra.feed_id, ra.url, ra.url_hash, ra.text_hash, ra.title,
		       ra.description, ra.content, ra.authors, ra.published_at_raw,
		       ra.published_at, ra.language_raw, ra.fetched_at, ra.retry_count,
		       ra.status, ra.idempotency_key,
		       ef.domain, ef.trust_score, ef.health_score,
		       (
		         ef.trust_score * 0.4 + ef.health_score * 0.3 +
		         CASE WHEN ra.retry_count = 0 THEN 20
		              WHEN ra.retry_count = 1 THEN 10
		              ELSE -5 * ra.retry_count END +
		         GREATEST(0, 30 - EXTRACT(EPOCH FROM ($3 - ra.fetched_at)) / 3600.0) +
		         CASE WHEN ra.fetched_at > $3 - INTERVAL '2 hours' THEN 15 ELSE 0 END
		       ) AS priority_score,
		       CASE WHEN ef.trust_score >= 90 THEN 1
		            WHEN ef.trust_score >= 70 THEN 2
		            WHEN ef.trust_score >= 50 THEN 3
		            ELSE 4 END AS trust_tier
		FROM raw_articles ra
		JOIN eligible_feeds ef ON ef.id = ra.feed_id
		WHERE ra.status = 'pending'
		  AND ra.lock_owner IS NULL
		  AND ra.fetched_at > $3 - ($4 || ' hours')::interval
		ORDER BY trust_tier ASC, priority_score DESC, ra.fetched_at ASC
		LIMIT $5
		FOR UPDATE OF ra SKIP LOCKED`,
		q.MinHealthScore, q.QuotaBufferPct, now, q.MaxAgeHours, q.FetchLimit)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrorTypeDatabase, "selecting batch candidates")
	}
	defer rows.Close()

	var out []CandidateRow
	for rows.Next() {
		var c CandidateRow
		var trustTier int
		a := &c.Article
		if err := rows.Scan(&a.ID, &a.FeedID, &a.URL, &a.URLHash, &a.TextHash, &a.Title,
			&a.Description, &a.Content, pq.Array(&a.Authors), &a.PublishedAtRaw, &a.PublishedAt,
			&a.LanguageRaw, &a.FetchedAt, &a.RetryCount, &a.Status, &a.IdempotencyKey,
			&c.Domain, &c.TrustScore, &c.HealthScore, &c.PriorityScore, &trustTier); err != nil {
			return nil, apperror.Wrap(err, apperror.ErrorTypeDatabase, "scanning candidate row")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ClaimForBatch atomically transitions the given article IDs from pending
// to processing under batchID/workerID, only where status = pending AND
// lock_owner IS NULL. Returns the IDs that were
// actually claimed, which may be fewer than requested under contention.
func (r *ArticleRepository) ClaimForBatch(ctx context.Context, ids []int64, batchID, workerID string, now time.Time, leaseTTL time.Duration) ([]int64, error) {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	expiresAt := now.Add(leaseTTL)
	rows, err := r.pool.Query(ctx, `
		UPDATE raw_articles
		SET status = 'processing', batch_id = $2, lock_owner = $3,
		    lock_acquired_at = $4, lock_expires_at = $5
		WHERE id = ANY($1) AND status = 'pending' AND lock_owner IS NULL
		RETURNING id`, pq.Array(ids), batchID, workerID, now, expiresAt)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrorTypeDatabase, "claiming articles for batch")
	}
	defer rows.Close()
	var claimed []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, apperror.Wrap(err, apperror.ErrorTypeDatabase, "scanning claimed id")
		}
		claimed = append(claimed, id)
	}
	return claimed, rows.Err()
}

// InBatch loads the articles currently claimed into batchID with
// status = processing, the Pipeline Runner's load step.
func (r *ArticleRepository) InBatch(ctx context.Context, batchID string) ([]*model.RawArticle, error) {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, `
		SELECT id, feed_id, url, url_hash, text_hash, title, description, content,
		       authors, published_at_raw, published_at, language_raw, fetched_at,
		       retry_count, status, batch_id, lock_owner, lock_acquired_at,
		       lock_expires_at, idempotency_key
		FROM raw_articles WHERE batch_id = $1 AND status = 'processing'`, batchID)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrorTypeDatabase, "loading batch articles")
	}
	defer rows.Close()
	var out []*model.RawArticle
	for rows.Next() {
		a := &model.RawArticle{}
		if err := rows.Scan(&a.ID, &a.FeedID, &a.URL, &a.URLHash, &a.TextHash, &a.Title,
			&a.Description, &a.Content, pq.Array(&a.Authors), &a.PublishedAtRaw, &a.PublishedAt,
			&a.LanguageRaw, &a.FetchedAt, &a.RetryCount, &a.Status, &a.BatchID, &a.LockOwner,
			&a.LockAcquiredAt, &a.LockExpiresAt, &a.IdempotencyKey); err != nil {
			return nil, apperror.Wrap(err, apperror.ErrorTypeDatabase, "scanning batch article")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetTerminalStatus transitions an article to a terminal status, clearing
// its lease.
func (r *ArticleRepository) SetTerminalStatus(ctx context.Context, id int64, status model.RawArticleStatus) error {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	_, err := r.pool.Exec(ctx, `
		UPDATE raw_articles SET status = $2, lock_owner = NULL,
		       lock_acquired_at = NULL, lock_expires_at = NULL
		WHERE id = $1`, id, status)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrorTypeDatabase, "setting terminal status")
	}
	return nil
}

// Status returns an article's current lifecycle status, the relational
// fallback behind the state manager's cache.
func (r *ArticleRepository) Status(ctx context.Context, id int64) (model.RawArticleStatus, error) {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	var status model.RawArticleStatus
	err := r.pool.QueryRow(ctx, `SELECT status FROM raw_articles WHERE id = $1`, id).Scan(&status)
	if err == pgx.ErrNoRows {
		return "", apperror.NotFound("article not found")
	}
	if err != nil {
		return "", apperror.Wrap(err, apperror.ErrorTypeDatabase, "loading article status")
	}
	return status, nil
}

// SetStatus transitions an article to any status without touching its
// lease, the state manager's generic (non-terminal) transition write.
func (r *ArticleRepository) SetStatus(ctx context.Context, id int64, status model.RawArticleStatus) error {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	_, err := r.pool.Exec(ctx, `UPDATE raw_articles SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrorTypeDatabase, "setting article status")
	}
	return nil
}

// SweepExpiredLeases reverts articles whose lease has expired back to
// pending and clears their batch association, the expired-lock sweeper's
// article-side recovery when a batch lease expires.
func (r *ArticleRepository) SweepExpiredLeases(ctx context.Context, now time.Time) ([]int64, error) {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, `
		UPDATE raw_articles
		SET status = 'pending', lock_owner = NULL, batch_id = NULL,
		    lock_acquired_at = NULL, lock_expires_at = NULL,
		    retry_count = retry_count + 1
		WHERE status = 'processing' AND lock_expires_at < $1
		RETURNING id`, now)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrorTypeDatabase, "sweeping expired leases")
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, apperror.Wrap(err, apperror.ErrorTypeDatabase, "scanning swept id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// URLHashExistsWithin reports whether url_hash appears in articles_index
// within the given window (unique per live article within a
// 30-day window"), returning the matching article_id when found.
func (r *ArticleRepository) URLHashExistsWithin(ctx context.Context, urlHash string, since time.Time) (string, bool, error) {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	var articleID string
	err := r.pool.QueryRow(ctx, `
		SELECT article_id FROM articles_index
		WHERE url_hash = $1 AND published_at > $2
		ORDER BY updated_at DESC LIMIT 1`, urlHash, since).Scan(&articleID)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperror.Wrap(err, apperror.ErrorTypeDatabase, "checking url_hash duplicate")
	}
	return articleID, true, nil
}

// TextHashExistsWithin mirrors URLHashExistsWithin for content hashes.
func (r *ArticleRepository) TextHashExistsWithin(ctx context.Context, textHash string, since time.Time) (string, bool, error) {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	var articleID string
	err := r.pool.QueryRow(ctx, `
		SELECT article_id FROM articles_index
		WHERE text_hash = $1 AND published_at > $2
		ORDER BY updated_at DESC LIMIT 1`, textHash, since).Scan(&articleID)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperror.Wrap(err, apperror.ErrorTypeDatabase, "checking text_hash duplicate")
	}
	return articleID, true, nil
}
