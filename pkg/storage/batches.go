package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/langgraphsystem/rssnews/internal/apperror"
	"github.com/langgraphsystem/rssnews/pkg/model"
)

// BatchRepository reads and updates the batches table.
type BatchRepository struct{ pool *Pool }

func NewBatchRepository(pool *Pool) *BatchRepository { return &BatchRepository{pool: pool} }

// Create inserts a new Batch row.
func (r *BatchRepository) Create(ctx context.Context, b *model.Batch) error {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO batches (batch_id, worker_id, correlation_id, priority, status,
		       current_stage, articles_total, articles_successful, articles_failed,
		       articles_skipped, config_hash, processing_config, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		b.BatchID, b.WorkerID, b.CorrelationID, b.Priority, b.Status, b.CurrentStage,
		b.ArticlesTotal, b.ArticlesSuccessful, b.ArticlesFailed, b.ArticlesSkipped,
		b.ConfigHash, b.ProcessingConfig, b.CreatedAt)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrorTypeDatabase, "creating batch")
	}
	return nil
}

// ByID loads a batch by its opaque batch_id.
func (r *BatchRepository) ByID(ctx context.Context, batchID string) (*model.Batch, error) {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	b := &model.Batch{}
	err := r.pool.QueryRow(ctx, `
		SELECT batch_id, worker_id, correlation_id, priority, status, current_stage,
		       articles_total, articles_successful, articles_failed, articles_skipped,
		       config_hash, processing_config, created_at, started_at, completed_at,
		       estimated_completion, processing_time_ms, last_error
		FROM batches WHERE batch_id = $1`, batchID).Scan(
		&b.BatchID, &b.WorkerID, &b.CorrelationID, &b.Priority, &b.Status, &b.CurrentStage,
		&b.ArticlesTotal, &b.ArticlesSuccessful, &b.ArticlesFailed, &b.ArticlesSkipped,
		&b.ConfigHash, &b.ProcessingConfig, &b.CreatedAt, &b.StartedAt, &b.CompletedAt,
		&b.EstimatedCompletion, &b.ProcessingTimeMs, &b.LastError)
	if err == pgx.ErrNoRows {
		return nil, apperror.NotFound("batch not found")
	}
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrorTypeDatabase, "loading batch")
	}
	return b, nil
}

// SetActualSize updates articles_total after the real claim count is known
// (If the affected-row count N < len(candidates),
// update the Batch to reflect the actual N").
func (r *BatchRepository) SetActualSize(ctx context.Context, batchID string, total int) error {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	_, err := r.pool.Exec(ctx, `UPDATE batches SET articles_total = $2 WHERE batch_id = $1`, batchID, total)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrorTypeDatabase, "updating batch actual size")
	}
	return nil
}

// SetStatus transitions a batch's status, stamping started_at/completed_at
// as appropriate.
func (r *BatchRepository) SetStatus(ctx context.Context, batchID string, status model.BatchStatus, now time.Time) error {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	var err error
	switch status {
	case model.BatchStatusProcessing:
		_, err = r.pool.Exec(ctx, `UPDATE batches SET status = $2, started_at = $3 WHERE batch_id = $1`, batchID, status, now)
	case model.BatchStatusCompleted, model.BatchStatusFailed, model.BatchStatusCancelled:
		_, err = r.pool.Exec(ctx, `UPDATE batches SET status = $2, completed_at = $3 WHERE batch_id = $1`, batchID, status, now)
	default:
		_, err = r.pool.Exec(ctx, `UPDATE batches SET status = $2 WHERE batch_id = $1`, batchID, status)
	}
	if err != nil {
		return apperror.Wrap(err, apperror.ErrorTypeDatabase, "setting batch status")
	}
	return nil
}

// SetCurrentStage advances current_stage; callers must ensure monotonicity
// (current_stage is monotonically non-decreasing).
func (r *BatchRepository) SetCurrentStage(ctx context.Context, batchID string, stage int) error {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	_, err := r.pool.Exec(ctx, `
		UPDATE batches SET current_stage = $2 WHERE batch_id = $1 AND current_stage <= $2`,
		batchID, stage)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrorTypeDatabase, "setting current stage")
	}
	return nil
}

// Finish records final per-article counts, processing time and optional
// error message.
func (r *BatchRepository) Finish(ctx context.Context, batchID string, status model.BatchStatus, successful, failed, skipped int, processingTimeMs int64, lastErr string, now time.Time) error {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	_, err := r.pool.Exec(ctx, `
		UPDATE batches SET status = $2, articles_successful = $3, articles_failed = $4,
		       articles_skipped = $5, processing_time_ms = $6, last_error = $7, completed_at = $8
		WHERE batch_id = $1`, batchID, status, successful, failed, skipped, processingTimeMs, lastErr, now)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrorTypeDatabase, "finishing batch")
	}
	return nil
}

// OrphanProcessingBatches transitions batches stuck in `processing` whose
// every claimed article has been swept back to pending into `failed`
// (orphaned batches transition to failed).
func (r *BatchRepository) OrphanProcessingBatches(ctx context.Context, batchIDs []string, now time.Time) error {
	if len(batchIDs) == 0 {
		return nil
	}
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	_, err := r.pool.Exec(ctx, `
		UPDATE batches SET status = 'failed', completed_at = $2, last_error = 'worker lost: lease expired'
		WHERE batch_id = ANY($1) AND status = 'processing'`, batchIDs, now)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrorTypeDatabase, "orphaning batches")
	}
	return nil
}

// QueueDepth returns the count of raw_articles still pending processing,
// used by the scheduler's batch-creation loop.
func (r *BatchRepository) QueueDepth(ctx context.Context) (int, error) {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	var depth int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM raw_articles WHERE status = 'pending'`).Scan(&depth)
	if err != nil {
		return 0, apperror.Wrap(err, apperror.ErrorTypeDatabase, "counting queue depth")
	}
	return depth, nil
}
