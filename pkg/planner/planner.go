// Package planner implements batch creation: sizing a batch to current
// system load, selecting healthy and diverse article candidates, and
// atomically claiming them under a single exclusive lock.
package planner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews/internal/apperror"
	"github.com/langgraphsystem/rssnews/pkg/backpressure"
	"github.com/langgraphsystem/rssnews/pkg/breaker"
	"github.com/langgraphsystem/rssnews/pkg/feedhealth"
	"github.com/langgraphsystem/rssnews/pkg/lockmanager"
	"github.com/langgraphsystem/rssnews/pkg/metrics"
	"github.com/langgraphsystem/rssnews/pkg/model"
	"github.com/langgraphsystem/rssnews/pkg/storage"
)

// Config is a batch's sizing and selection policy, ported from the
// original's BatchConfiguration.
type Config struct {
	TargetSize               int
	MinSize                  int
	MaxSize                  int
	Priority                 model.BatchPriority
	MaxAgeHours              float64
	MinQualityScore          float64
	MaxRetryArticlesPercent  float64
	DiversityFactor          float64
	ProcessingTimeoutSeconds int
}

// DefaultConfig mirrors the original's BatchConfiguration defaults.
func DefaultConfig() Config {
	return Config{
		TargetSize:               200,
		MinSize:                  100,
		MaxSize:                  300,
		Priority:                 model.PriorityNormal,
		MaxAgeHours:              72.0,
		MinQualityScore:          0.3,
		MaxRetryArticlesPercent:  30.0,
		DiversityFactor:          0.2,
		ProcessingTimeoutSeconds: 3600,
	}
}

func (c Config) canonicalJSON() ([]byte, error) {
	return json.Marshal(struct {
		TargetSize               int     `json:"target_size"`
		MinSize                  int     `json:"min_size"`
		MaxSize                  int     `json:"max_size"`
		Priority                 string  `json:"priority"`
		MaxAgeHours              float64 `json:"max_age_hours"`
		MinQualityScore          float64 `json:"min_quality_score"`
		MaxRetryArticlesPercent  float64 `json:"max_retry_articles_percent"`
		DiversityFactor          float64 `json:"diversity_factor"`
		ProcessingTimeoutSeconds int     `json:"processing_timeout_seconds"`
	}{
		c.TargetSize, c.MinSize, c.MaxSize, string(c.Priority), c.MaxAgeHours,
		c.MinQualityScore, c.MaxRetryArticlesPercent, c.DiversityFactor, c.ProcessingTimeoutSeconds,
	})
}

// configHash returns the 16-hex-character prefix of the SHA-256 digest of
// cfg's canonical JSON encoding.
func configHash(cfg Config) (string, error) {
	b, err := cfg.canonicalJSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:16], nil
}

// minHealthScoreFor converts a [0,1] quality floor into the [0,100] scale
// the candidate query's health_score column uses.
func minHealthScoreFor(cfg Config) int {
	return int(cfg.MinQualityScore * 100)
}

const batchCreationLockKey = "batch_creation"

// Planner wires together the primitives a batch-creation decision needs:
// load sampling, feed health, circuit breakers, and the article/batch
// tables, under a single exclusive lock per creation attempt.
type Planner struct {
	locks    *lockmanager.Manager
	load     *backpressure.Monitor
	health   *feedhealth.Cache
	breakers *breaker.Manager
	articles *storage.ArticleRepository
	batches  *storage.BatchRepository
	sink     *metrics.Sink
	log      *logrus.Entry

	history *sizingHistory
}

// New constructs a Planner. load, health, and breakers may be nil; a nil
// load monitor skips the backpressure pause check and historical-sizing
// blend, a nil health cache skips per-feed health lookups, and a nil
// breaker manager skips the open-circuit filter.
func New(locks *lockmanager.Manager, load *backpressure.Monitor, health *feedhealth.Cache, breakers *breaker.Manager, articles *storage.ArticleRepository, batches *storage.BatchRepository, sink *metrics.Sink, log *logrus.Entry) *Planner {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Planner{
		locks: locks, load: load, health: health, breakers: breakers,
		articles: articles, batches: batches, sink: sink,
		log:     log.WithField("component", "batch_planner"),
		history: newSizingHistory(100),
	}
}

// CreateBatch runs the full eight-step batch creation algorithm: it
// acquires the batch_creation lock, sizes the batch to current load,
// selects and filters candidates, inserts the Batch row, atomically claims
// the candidates, and releases the lock. It returns ("", false, nil) when
// the lock could not be acquired or no candidates remain, never an error,
// so that a caller's scheduling loop can retry on the next tick without
// treating contention as failure.
func (p *Planner) CreateBatch(ctx context.Context, cfg Config, workerID, correlationID string) (string, bool, error) {
	if p.load != nil && p.load.Paused() {
		p.log.Debug("batch creation skipped: backpressure monitor reports critical load")
		return "", false, nil
	}

	status, err := p.locks.Acquire(ctx, batchCreationLockKey, workerID, lockmanager.AcquireOptions{
		Timeout: 30 * time.Second,
	})
	if err != nil {
		return "", false, err
	}
	if status != lockmanager.StatusAcquired {
		p.record("lock_contended")
		return "", false, nil
	}
	defer func() {
		if _, err := p.locks.Release(ctx, batchCreationLockKey, workerID); err != nil {
			p.log.WithError(err).Warn("releasing batch_creation lock failed")
		}
	}()

	start := time.Now()
	loadFactor := p.currentLoadFactor()
	targetSize := p.optimalBatchSize(cfg, loadFactor)

	rows, err := p.selectCandidates(ctx, cfg, targetSize)
	if err != nil {
		return "", false, err
	}
	selected := p.filterCandidates(rows, cfg, targetSize)
	if len(selected) == 0 {
		p.record("no_candidates")
		return "", false, nil
	}

	batchID := newBatchID()
	hash, err := configHash(cfg)
	if err != nil {
		return "", false, apperror.Wrap(err, apperror.ErrorTypeInternal, "hashing batch configuration")
	}
	configJSON, err := cfg.canonicalJSON()
	if err != nil {
		return "", false, apperror.Wrap(err, apperror.ErrorTypeInternal, "encoding batch configuration")
	}

	ids := make([]int64, len(selected))
	for i, c := range selected {
		ids[i] = c.Article.ID
	}

	batch := &model.Batch{
		BatchID:          batchID,
		WorkerID:         workerID,
		CorrelationID:    correlationID,
		Priority:         cfg.Priority,
		Status:           model.BatchStatusReady,
		ArticlesTotal:    len(ids),
		ConfigHash:       hash,
		ProcessingConfig: configJSON,
		CreatedAt:        time.Now().UTC(),
	}
	if err := p.batches.Create(ctx, batch); err != nil {
		return "", false, err
	}

	leaseTTL := time.Duration(cfg.ProcessingTimeoutSeconds) * time.Second
	claimed, err := p.articles.ClaimForBatch(ctx, ids, batchID, workerID, time.Now().UTC(), leaseTTL)
	if err != nil {
		return "", false, err
	}
	if len(claimed) != len(ids) {
		if err := p.batches.SetActualSize(ctx, batchID, len(claimed)); err != nil {
			return "", false, err
		}
	}

	successRate := 1.0
	p.history.record(loadFactor, targetSize, successRate)

	if p.sink != nil {
		p.sink.Timing("batch.creation.duration", time.Since(start), nil)
		p.sink.Histogram("batch.size", float64(len(claimed)), nil)
		p.sink.Gauge("batch.load_factor", loadFactor, nil)
	}
	p.log.WithFields(logrus.Fields{
		"batch_id": batchID, "worker_id": workerID, "articles": len(claimed),
	}).Info("created batch")

	return batchID, true, nil
}

func (p *Planner) record(outcome string) {
	if p.sink != nil {
		p.sink.Incr("batch.creation."+outcome, 1, nil)
	}
}

func (p *Planner) currentLoadFactor() float64 {
	if p.load == nil {
		return 0
	}
	snap, ok := p.load.Latest()
	if !ok {
		return 0
	}
	return snap.LoadFactor
}

// optimalBatchSize adjusts cfg.TargetSize for current load, blends in the
// best-performing size observed historically under similar load, and
// clamps to [MinSize, MaxSize].
func (p *Planner) optimalBatchSize(cfg Config, loadFactor float64) int {
	base := cfg.TargetSize
	var reduction int
	switch {
	case loadFactor > 0.8:
		reduction = int(float64(base) * 0.4)
	case loadFactor > 0.6:
		reduction = int(float64(base) * 0.2)
	case loadFactor > 0.4:
		reduction = int(float64(base) * 0.1)
	default:
		reduction = -int(float64(base) * 0.1)
	}
	optimal := base - reduction

	if best, ok := p.history.bestSizeNear(loadFactor, 0.1); ok {
		optimal = int(0.7*float64(optimal) + 0.3*float64(best))
	}

	if optimal < cfg.MinSize {
		optimal = cfg.MinSize
	}
	if optimal > cfg.MaxSize {
		optimal = cfg.MaxSize
	}
	return optimal
}

func (p *Planner) selectCandidates(ctx context.Context, cfg Config, targetSize int) ([]storage.CandidateRow, error) {
	return p.articles.SelectCandidates(ctx, time.Now().UTC(), storage.CandidateQuery{
		MinHealthScore: minHealthScoreFor(cfg),
		MaxAgeHours:    cfg.MaxAgeHours,
		QuotaBufferPct: 0.95,
		FetchLimit:     int(float64(targetSize) * 1.5),
	})
}

// filterCandidates applies domain diversity caps, the retry-article
// percentage ceiling, and the open-circuit-breaker exclusion, in the
// priority order SelectCandidates already sorted by, stopping once
// targetSize is reached.
func (p *Planner) filterCandidates(rows []storage.CandidateRow, cfg Config, targetSize int) []storage.CandidateRow {
	maxPerDomain := int(float64(targetSize) * cfg.DiversityFactor)
	if maxPerDomain < 1 {
		maxPerDomain = 1
	}

	domainCounts := make(map[string]int)
	retryCount := 0
	selected := make([]storage.CandidateRow, 0, targetSize)

	for _, row := range rows {
		if len(selected) >= targetSize {
			break
		}

		if row.Article.RetryCount > 0 {
			wouldBeRetries := retryCount + 1
			denom := len(selected) + 1
			retryPercent := float64(wouldBeRetries) / float64(denom) * 100
			if retryPercent > cfg.MaxRetryArticlesPercent {
				continue
			}
		}

		if domainCounts[row.Domain] >= maxPerDomain {
			continue
		}

		if p.breakers != nil && p.breakers.IsOpen(feedBreakerName(row.Article.FeedID)) {
			continue
		}

		if row.Article.RetryCount > 0 {
			retryCount++
		}
		domainCounts[row.Domain]++
		selected = append(selected, row)
	}

	return selected
}

func feedBreakerName(feedID int64) string {
	return fmt.Sprintf("feed:%d", feedID)
}

func newBatchID() string {
	return fmt.Sprintf("batch_%d_%s", time.Now().Unix(), uuid.NewString()[:8])
}
