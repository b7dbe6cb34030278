package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/langgraphsystem/rssnews/internal/apperror"
)

// DiagnosticsRepository persists Stage 8's per-stage diagnostic rows
// (Stage 8, Diagnostics), one row keyed (batch_id, stage) per run.
type DiagnosticsRepository struct{ pool *Pool }

func NewDiagnosticsRepository(pool *Pool) *DiagnosticsRepository {
	return &DiagnosticsRepository{pool: pool}
}

// StageDiagnostic is one row of batch_diagnostics.
type StageDiagnostic struct {
	BatchID     string
	Stage       string
	In          int
	Out         int
	Rejected    int
	Errors      int
	SuccessRate float64
	DurationMs  int64
	Detail      map[string]any
	RecordedAt  time.Time
}

// Insert writes a diagnostic row for one (batch_id, stage) pair.
func (r *DiagnosticsRepository) Insert(ctx context.Context, d StageDiagnostic) error {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	detail, err := json.Marshal(d.Detail)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrorTypeInternal, "marshalling diagnostic detail")
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO batch_diagnostics (batch_id, stage, in_count, out_count, rejected_count,
		       error_count, success_rate, duration_ms, detail, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (batch_id, stage) DO UPDATE SET
			in_count = EXCLUDED.in_count, out_count = EXCLUDED.out_count,
			rejected_count = EXCLUDED.rejected_count, error_count = EXCLUDED.error_count,
			success_rate = EXCLUDED.success_rate, duration_ms = EXCLUDED.duration_ms,
			detail = EXCLUDED.detail, recorded_at = EXCLUDED.recorded_at`,
		d.BatchID, d.Stage, d.In, d.Out, d.Rejected, d.Errors, d.SuccessRate, d.DurationMs,
		detail, d.RecordedAt)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrorTypeDatabase, "inserting stage diagnostic")
	}
	return nil
}

// ForBatch loads every diagnostic row recorded for a batch, ordered by
// recorded_at.
func (r *DiagnosticsRepository) ForBatch(ctx context.Context, batchID string) ([]StageDiagnostic, error) {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, `
		SELECT batch_id, stage, in_count, out_count, rejected_count, error_count,
		       success_rate, duration_ms, detail, recorded_at
		FROM batch_diagnostics WHERE batch_id = $1 ORDER BY recorded_at ASC`, batchID)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrorTypeDatabase, "loading batch diagnostics")
	}
	defer rows.Close()
	var out []StageDiagnostic
	for rows.Next() {
		var d StageDiagnostic
		var detail []byte
		if err := rows.Scan(&d.BatchID, &d.Stage, &d.In, &d.Out, &d.Rejected, &d.Errors,
			&d.SuccessRate, &d.DurationMs, &detail, &d.RecordedAt); err != nil {
			return nil, apperror.Wrap(err, apperror.ErrorTypeDatabase, "scanning batch diagnostic")
		}
		_ = json.Unmarshal(detail, &d.Detail)
		out = append(out, d)
	}
	return out, rows.Err()
}
