package storage

import (
	"context"
	"time"

	"github.com/langgraphsystem/rssnews/internal/apperror"
)

// LockRepository is the relational advisory-lock and durable lock-record
// backend used by pkg/lockmanager for `metadata.critical = true` and
// `type = advisory` keys.
type LockRepository struct{ pool *Pool }

func NewLockRepository(pool *Pool) *LockRepository { return &LockRepository{pool: pool} }

// TryAdvisoryXactLock attempts a session-scoped Postgres advisory lock
// (pg_try_advisory_lock, not the transaction-scoped variant) on keyHash and
// returns whether it was acquired. The lock belongs to whichever pool
// connection ran the query; ReleaseAdvisoryLock is its counterpart.
func (r *LockRepository) TryAdvisoryXactLock(ctx context.Context, keyHash int32) (bool, error) {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	var acquired bool
	err := r.pool.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, keyHash).Scan(&acquired)
	if err != nil {
		return false, apperror.Wrap(err, apperror.ErrorTypeDatabase, "acquiring advisory lock")
	}
	return acquired, nil
}

// ReleaseAdvisoryLock releases a session-scoped advisory lock taken with
// TryAdvisoryXactLock. Advisory locks in Postgres are per-session; this
// call must run against a connection in the same session pool, which is
// acceptable here because the Lock Manager never depends on which physical
// connection holds it — only that *a* connection in the pool does, mirrored
// by the KV lock that actually coordinates ownership.
func (r *LockRepository) ReleaseAdvisoryLock(ctx context.Context, keyHash int32) error {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	_, err := r.pool.Exec(ctx, `SELECT pg_advisory_unlock($1)`, keyHash)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrorTypeDatabase, "releasing advisory lock")
	}
	return nil
}

// UpsertRecord persists a durable lock record to distributed_locks for
// observability and the relational sweep pass, which deletes locks whose
// expires_at < now in both backends.
func (r *LockRepository) UpsertRecord(ctx context.Context, key, owner, lockType string, acquiredAt, expiresAt time.Time, renewalCount int) error {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO distributed_locks (key, owner, type, acquired_at, expires_at, renewal_count)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (key) DO UPDATE SET owner = EXCLUDED.owner, type = EXCLUDED.type,
			acquired_at = EXCLUDED.acquired_at, expires_at = EXCLUDED.expires_at,
			renewal_count = EXCLUDED.renewal_count`,
		key, owner, lockType, acquiredAt, expiresAt, renewalCount)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrorTypeDatabase, "upserting lock record")
	}
	return nil
}

// DeleteRecord removes a durable lock record, owner-checked.
func (r *LockRepository) DeleteRecord(ctx context.Context, key, owner string) error {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	_, err := r.pool.Exec(ctx, `DELETE FROM distributed_locks WHERE key = $1 AND owner = $2`, key, owner)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrorTypeDatabase, "deleting lock record")
	}
	return nil
}

// SweepExpired deletes every durable lock record past its expiry and
// returns the count, the relational half of the expiry sweep.
func (r *LockRepository) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	tag, err := r.pool.Exec(ctx, `DELETE FROM distributed_locks WHERE expires_at < $1`, now)
	if err != nil {
		return 0, apperror.Wrap(err, apperror.ErrorTypeDatabase, "sweeping expired lock records")
	}
	return tag.RowsAffected(), nil
}
