// Package model holds the shared entity types flowing through the pipeline:
// feeds, raw articles, batches, the article search index, chunks, locks, and
// circuit breaker state. Types here are pure data — no behavior that
// depends on a backend lives in this package.
package model

import "time"

// FeedStatus is the lifecycle status of a Feed.
type FeedStatus string

const (
	FeedStatusActive   FeedStatus = "active"
	FeedStatusPaused   FeedStatus = "paused"
	FeedStatusDisabled FeedStatus = "disabled"
)

// Feed describes an RSS source and its rolling health signals.
type Feed struct {
	ID                 int64      `db:"id" json:"id"`
	Domain             string     `db:"domain" json:"domain"`
	TrustScore         int        `db:"trust_score" json:"trust_score"`
	HealthScore        int        `db:"health_score" json:"health_score"`
	DailyQuota         int        `db:"daily_quota" json:"daily_quota"`
	DailyProcessed     int        `db:"daily_processed" json:"daily_processed"`
	ErrorRate24h       float64    `db:"error_rate_24h" json:"error_rate_24h"`
	DuplicateRate24h   float64    `db:"duplicate_rate_24h" json:"duplicate_rate_24h"`
	ConsecutiveFailures int       `db:"consecutive_failures" json:"consecutive_failures"`
	AvgResponseTimeMs  int        `db:"avg_response_time_ms" json:"avg_response_time_ms"`
	Status             FeedStatus `db:"status" json:"status"`
	Blacklisted        bool       `db:"blacklisted" json:"blacklisted"`
	QuotaResetAt       time.Time  `db:"quota_reset_at" json:"quota_reset_at"`
}

// QuotaRemaining returns the number of articles the feed may still process
// today, or -1 when the feed has no quota (unlimited).
func (f *Feed) QuotaRemaining() int {
	if f.DailyQuota <= 0 {
		return -1
	}
	remaining := f.DailyQuota - f.DailyProcessed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RawArticleStatus is the lifecycle status of a RawArticle.
type RawArticleStatus string

const (
	RawArticleStatusPending    RawArticleStatus = "pending"
	RawArticleStatusProcessing RawArticleStatus = "processing"
	RawArticleStatusProcessed  RawArticleStatus = "processed"
	RawArticleStatusDuplicate  RawArticleStatus = "duplicate"
	RawArticleStatusRejected   RawArticleStatus = "rejected"
	RawArticleStatusFailed     RawArticleStatus = "failed"
)

// RawArticle is an article as fetched, before pipeline processing.
type RawArticle struct {
	ID               int64            `db:"id" json:"id"`
	FeedID           int64            `db:"feed_id" json:"feed_id"`
	URL              string           `db:"url" json:"url"`
	URLHash          string           `db:"url_hash" json:"url_hash"`
	TextHash         *string          `db:"text_hash" json:"text_hash,omitempty"`
	Title            string           `db:"title" json:"title"`
	Description      string           `db:"description" json:"description"`
	Content          string           `db:"content" json:"content"`
	Authors          []string         `db:"authors" json:"authors"`
	PublishedAtRaw   string           `db:"published_at_raw" json:"published_at_raw"`
	PublishedAt      time.Time        `db:"published_at" json:"published_at"`
	LanguageRaw      string           `db:"language_raw" json:"language_raw"`
	FetchedAt        time.Time        `db:"fetched_at" json:"fetched_at"`
	RetryCount       int              `db:"retry_count" json:"retry_count"`
	Status           RawArticleStatus `db:"status" json:"status"`
	BatchID          *string          `db:"batch_id" json:"batch_id,omitempty"`
	LockOwner        *string          `db:"lock_owner" json:"lock_owner,omitempty"`
	LockAcquiredAt   *time.Time       `db:"lock_acquired_at" json:"lock_acquired_at,omitempty"`
	LockExpiresAt    *time.Time       `db:"lock_expires_at" json:"lock_expires_at,omitempty"`
	IdempotencyKey   string           `db:"idempotency_key" json:"idempotency_key"`

	// Populated by pipeline stages; not persisted directly on raw_articles.
	CanonicalURL   string            `db:"-" json:"canonical_url,omitempty"`
	Language       string            `db:"-" json:"language,omitempty"`
	LangConfidence float64           `db:"-" json:"language_confidence,omitempty"`
	Category       string            `db:"-" json:"category,omitempty"`
	CleanText      string            `db:"-" json:"clean_text,omitempty"`
	TitleNorm      string            `db:"-" json:"title_norm,omitempty"`
	WordCount      int               `db:"-" json:"word_count,omitempty"`
	CharCount      int               `db:"-" json:"char_count,omitempty"`
	QualityScore   float64           `db:"-" json:"quality_score,omitempty"`
	QualityFlags   []string          `db:"-" json:"quality_flags,omitempty"`
	Keywords       []string          `db:"-" json:"keywords,omitempty"`
	ArticleID      string            `db:"-" json:"article_id,omitempty"`
	FeedTrust      int               `db:"-" json:"-"`
	FeedHealth     int               `db:"-" json:"-"`

	// Rejection bookkeeping. RejectionReason is set by whichever stage
	// removes the article from the surviving set.
	Rejected        bool            `db:"-" json:"rejected,omitempty"`
	RejectionReason RejectionReason `db:"-" json:"rejection_reason,omitempty"`
	DupOriginalID   string          `db:"-" json:"dup_original_id,omitempty"`
	DupSimilarity   float64         `db:"-" json:"dup_similarity_score,omitempty"`
	ErrorLog        []string        `db:"-" json:"error_log,omitempty"`
}

// AgeHours returns how old the article is relative to now.
func (a *RawArticle) AgeHours(now time.Time) float64 {
	return now.Sub(a.FetchedAt).Hours()
}

// IsRetry reports whether this article has been retried.
func (a *RawArticle) IsRetry() bool { return a.RetryCount > 0 }

// BatchPriority is a coarse ordering used by planner, queue, and scheduler.
type BatchPriority string

const (
	PriorityCritical   BatchPriority = "critical"
	PriorityHigh       BatchPriority = "high"
	PriorityNormal     BatchPriority = "normal"
	PriorityLow        BatchPriority = "low"
	PriorityBackground BatchPriority = "background"
)

// Weight returns the queue weight associated with a priority, matching the
// required task queue priorities.
func (p BatchPriority) Weight() int {
	switch p {
	case PriorityCritical:
		return 10
	case PriorityHigh:
		return 5
	case PriorityNormal:
		return 3
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// BatchStatus is the lifecycle status of a Batch.
type BatchStatus string

const (
	BatchStatusCreated    BatchStatus = "created"
	BatchStatusPlanning   BatchStatus = "planning"
	BatchStatusReady      BatchStatus = "ready"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
	BatchStatusCancelled  BatchStatus = "cancelled"
	BatchStatusArchived   BatchStatus = "archived"
)

// Batch is an atomically claimed set of RawArticles moving through the
// pipeline under a single worker.
type Batch struct {
	BatchID              string        `db:"batch_id" json:"batch_id"`
	WorkerID             string        `db:"worker_id" json:"worker_id"`
	CorrelationID        string        `db:"correlation_id" json:"correlation_id"`
	Priority             BatchPriority `db:"priority" json:"priority"`
	Status               BatchStatus   `db:"status" json:"status"`
	CurrentStage         int           `db:"current_stage" json:"current_stage"`
	ArticlesTotal        int           `db:"articles_total" json:"articles_total"`
	ArticlesSuccessful   int           `db:"articles_successful" json:"articles_successful"`
	ArticlesFailed       int           `db:"articles_failed" json:"articles_failed"`
	ArticlesSkipped      int           `db:"articles_skipped" json:"articles_skipped"`
	ConfigHash           string        `db:"config_hash" json:"config_hash"`
	ProcessingConfig     []byte        `db:"processing_config" json:"processing_config,omitempty"`
	CreatedAt            time.Time     `db:"created_at" json:"created_at"`
	StartedAt            *time.Time    `db:"started_at" json:"started_at,omitempty"`
	CompletedAt          *time.Time    `db:"completed_at" json:"completed_at,omitempty"`
	EstimatedCompletion  *time.Time    `db:"estimated_completion" json:"estimated_completion,omitempty"`
	ProcessingTimeMs     int64         `db:"processing_time_ms" json:"processing_time_ms"`
	LastError            string        `db:"last_error" json:"last_error,omitempty"`
}

// Remaining reports how many articles have not yet reached a terminal
// per-article outcome within the batch.
func (b *Batch) Remaining() int {
	done := b.ArticlesSuccessful + b.ArticlesFailed + b.ArticlesSkipped
	if done > b.ArticlesTotal {
		return 0
	}
	return b.ArticlesTotal - done
}

// ArticleIndex is the stage-5 output record for search/analytics.
type ArticleIndex struct {
	ArticleID            string    `db:"article_id" json:"article_id"`
	RawArticleID         int64     `db:"raw_article_id" json:"raw_article_id"`
	FeedID               int64     `db:"feed_id" json:"feed_id"`
	CanonicalURL         string    `db:"canonical_url" json:"canonical_url"`
	URLHash              string    `db:"url_hash" json:"url_hash"`
	TextHash             string    `db:"text_hash" json:"text_hash"`
	TitleNorm            string    `db:"title_norm" json:"title_norm"`
	CleanText            string    `db:"clean_text" json:"clean_text"`
	Language             string    `db:"language" json:"language"`
	LanguageConfidence   float64   `db:"language_confidence" json:"language_confidence"`
	Category             string    `db:"category" json:"category"`
	QualityScore         float64   `db:"quality_score" json:"quality_score"`
	QualityFlags         []string  `db:"quality_flags" json:"quality_flags"`
	IsDuplicate          bool      `db:"is_duplicate" json:"is_duplicate"`
	DupReason            string    `db:"dup_reason" json:"dup_reason,omitempty"`
	DupOriginalID        string    `db:"dup_original_id" json:"dup_original_id,omitempty"`
	DupSimilarityScore   float64   `db:"dup_similarity_score" json:"dup_similarity_score,omitempty"`
	ReadyForChunking     bool      `db:"ready_for_chunking" json:"ready_for_chunking"`
	ChunkingCompleted    bool      `db:"chunking_completed" json:"chunking_completed"`
	IndexingCompleted    bool      `db:"indexing_completed" json:"indexing_completed"`
	ProcessingVersion    string    `db:"processing_version" json:"processing_version"`
	PublishedAt          time.Time `db:"published_at" json:"published_at"`
	UpdatedAt            time.Time `db:"updated_at" json:"updated_at"`
}

// SemanticType classifies a Chunk's role within an article.
type SemanticType string

const (
	SemanticIntro      SemanticType = "intro"
	SemanticBody       SemanticType = "body"
	SemanticConclusion SemanticType = "conclusion"
	SemanticList       SemanticType = "list"
	SemanticQuote      SemanticType = "quote"
	SemanticCode       SemanticType = "code"
)

// ChunkStrategy names the algorithm that produced a Chunk.
type ChunkStrategy string

const (
	ChunkStrategyParagraph      ChunkStrategy = "paragraph"
	ChunkStrategySlidingWindow  ChunkStrategy = "sliding_window"
)

// Chunk is a contiguous textual segment of an article's clean text.
type Chunk struct {
	ArticleID       string        `db:"article_id" json:"article_id"`
	ChunkIndex      int           `db:"chunk_index" json:"chunk_index"`
	Text            string        `db:"text" json:"text"`
	TextClean       string        `db:"text_clean" json:"text_clean"`
	WordCount       int           `db:"word_count" json:"word_count"`
	CharCount       int           `db:"char_count" json:"char_count"`
	CharStart       int           `db:"char_start" json:"char_start"`
	CharEnd         int           `db:"char_end" json:"char_end"`
	SemanticType    SemanticType  `db:"semantic_type" json:"semantic_type"`
	ImportanceScore float64       `db:"importance_score" json:"importance_score"`
	ChunkStrategy   ChunkStrategy `db:"chunk_strategy" json:"chunk_strategy"`

	// Denormalized fields for fast retrieval without a join.
	Title       string    `db:"title" json:"title"`
	Domain      string    `db:"domain" json:"domain"`
	PublishedAt time.Time `db:"published_at" json:"published_at"`
	Language    string    `db:"language" json:"language"`
	Category    string    `db:"category" json:"category"`
	QualityScore float64  `db:"quality_score" json:"quality_score"`
}

// LockType distinguishes lock semantics in the Lock Manager.
type LockType string

const (
	LockTypeExclusive LockType = "exclusive"
	LockTypeShared    LockType = "shared"
	LockTypeAdvisory  LockType = "advisory"
)

// Lock is a distributed lease on a key.
type Lock struct {
	Key           string         `db:"key" json:"key"`
	Owner         string         `db:"owner" json:"owner"`
	Type          LockType       `db:"type" json:"type"`
	AcquiredAt    time.Time      `db:"acquired_at" json:"acquired_at"`
	ExpiresAt     time.Time      `db:"expires_at" json:"expires_at"`
	Metadata      map[string]any `db:"metadata" json:"metadata,omitempty"`
	RenewalCount  int            `db:"renewal_count" json:"renewal_count"`
}

// IsExpired reports whether the lock has passed its expiry relative to now.
func (l *Lock) IsExpired(now time.Time) bool { return now.After(l.ExpiresAt) }

// BreakerState is the three-state circuit breaker state machine value.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// RejectionReason is the member of the error taxonomy a stage
// attaches to an article it removes from the surviving set.
type RejectionReason string

const (
	RejectInvalidContent    RejectionReason = "invalid_content"
	RejectTooShort          RejectionReason = "too_short"
	RejectTooOld            RejectionReason = "too_old"
	RejectFeedQuotaExceeded RejectionReason = "feed_quota_exceeded"
	RejectDomainBlacklisted RejectionReason = "domain_blacklisted"
	RejectLowQuality        RejectionReason = "low_quality"
	RejectDuplicateURL      RejectionReason = "duplicate_url"
	RejectDuplicateContent  RejectionReason = "duplicate_content"
	RejectInvalidLanguage   RejectionReason = "invalid_language"
	RejectExtractionFailed  RejectionReason = "extraction_failed"
	RejectPaywall           RejectionReason = "paywall"
)

// StageNames gives the canonical stage order used by the Pipeline Runner,
// diagnostics, and monotonic current_stage checks.
var StageNames = []string{
	"validation",
	"feed_health",
	"deduplication",
	"normalization",
	"text_cleaning",
	"indexing",
	"chunking",
	"search_indexing",
	"diagnostics",
}
