// Package storage provides the Postgres-backed repositories for the ten
// required tables (feeds, raw_articles, articles_index, article_chunks,
// batches, batch_diagnostics, performance_metrics, alert_events,
// distributed_locks, system_configurations) plus a state_transitions audit
// table supplementing the State Manager.
//
// Pooling and health-check follow a pooled-connection pattern built on
// github.com/jackc/pgx/v5's pgxpool.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// Pool wraps *pgxpool.Pool with a health-check loop and query timeout
// defaults shared by every repository in this package.
type Pool struct {
	*pgxpool.Pool
	log           *logrus.Entry
	queryTimeout  time.Duration
	healthy       bool
	synchronousOff bool
}

// Options configures the pool.
type Options struct {
	DSN                   string
	MaxOpenConns          int
	MaxIdleConns          int
	ConnMaxLifetime       time.Duration
	QueryTimeout          time.Duration
	SynchronousCommitOff  bool
}

// Open creates a connection pool against opts.DSN.
func Open(ctx context.Context, opts Options, log *logrus.Entry) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		cfg.MaxConns = int32(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		cfg.MinConns = int32(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		cfg.MaxConnLifetime = opts.ConnMaxLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	timeout := opts.QueryTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Pool{
		Pool:           pool,
		log:            log.WithField("component", "storage"),
		queryTimeout:   timeout,
		healthy:        true,
		synchronousOff: opts.SynchronousCommitOff,
	}, nil
}

// Healthy reports whether the most recent ping succeeded.
func (p *Pool) Healthy() bool { return p.healthy }

// RunHealthCheck pings the database on interval until ctx is cancelled.
func (p *Pool) RunHealthCheck(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := p.Ping(pingCtx)
			cancel()
			wasHealthy := p.healthy
			p.healthy = err == nil
			if wasHealthy && !p.healthy {
				p.log.WithError(err).Warn("database health check failed")
			} else if !wasHealthy && p.healthy {
				p.log.Info("database connection recovered")
			}
		}
	}
}

// WithTimeout derives a context bounded by the pool's configured query
// timeout, the default deadline for DB ops.
func (p *Pool) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.queryTimeout)
}

// relaxDurabilityStatement returns "SET LOCAL synchronous_commit = off" when
// the pool is configured for relaxed durability, and "" otherwise.
// Callers use this for non-lock-critical transactions only.
func (p *Pool) relaxDurabilityStatement() string {
	if p.synchronousOff {
		return "SET LOCAL synchronous_commit = off"
	}
	return ""
}
