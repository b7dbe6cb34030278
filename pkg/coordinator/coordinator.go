// Package coordinator exposes the pipeline's operational surface as plain
// Go methods, the facade callable surface that a CLI or worker loop drives
// without reaching into the Planner/Runner/Scheduler internals directly.
package coordinator

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews/pkg/feedhealth"
	"github.com/langgraphsystem/rssnews/pkg/lockmanager"
	"github.com/langgraphsystem/rssnews/pkg/model"
	"github.com/langgraphsystem/rssnews/pkg/pipeline"
	"github.com/langgraphsystem/rssnews/pkg/planner"
	"github.com/langgraphsystem/rssnews/pkg/storage"
)

// emergencyBatchSize is deliberately small: an emergency batch trades
// thoroughness for speed, clearing a fixed slice of the backlog rather
// than sizing itself to current load.
const emergencyBatchSize = 100

// Coordinator wires the Planner, Runner, Lock Manager, and Feed Health
// Cache behind the operations the queue and CLI surfaces call.
type Coordinator struct {
	planner *planner.Planner
	runner  *pipeline.Runner
	locks   *lockmanager.Manager
	health  *feedhealth.Cache
	batches *storage.BatchRepository
	log     *logrus.Entry
}

// New constructs a Coordinator. health may be nil, in which case
// FeedHealthCheck is a no-op.
func New(p *planner.Planner, r *pipeline.Runner, locks *lockmanager.Manager,
	health *feedhealth.Cache, batches *storage.BatchRepository, log *logrus.Entry) *Coordinator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Coordinator{
		planner: p, runner: r, locks: locks, health: health, batches: batches,
		log: log.WithField("component", "coordinator"),
	}
}

// ProcessBatch drives an already-created batch's claimed articles through
// the full stage pipeline.
func (c *Coordinator) ProcessBatch(ctx context.Context, batchID, workerID, correlationID, traceID, processingVersion string) (*pipeline.Result, error) {
	return c.runner.Run(ctx, batchID, workerID, correlationID, traceID, processingVersion)
}

// CreateBatch runs the standard eight-step batch creation algorithm under
// the current load profile. It returns ("", false, nil), not an error,
// when contention or a lack of candidates means no batch was created.
func (c *Coordinator) CreateBatch(ctx context.Context, cfg planner.Config, workerID, correlationID string) (string, bool, error) {
	return c.planner.CreateBatch(ctx, cfg, workerID, correlationID)
}

// EmergencyBatch forces a small, critical-priority batch regardless of the
// normal sizing heuristics, for draining a stalled queue the scheduler's
// emergency monitor has flagged.
func (c *Coordinator) EmergencyBatch(ctx context.Context, workerID, correlationID string) (string, bool, error) {
	return c.planner.CreateBatch(ctx, emergencyConfig(), workerID, correlationID)
}

// emergencyConfig builds the small, critical-priority override of the
// standard planner configuration an emergency batch runs under.
func emergencyConfig() planner.Config {
	cfg := planner.DefaultConfig()
	cfg.TargetSize = emergencyBatchSize
	cfg.MinSize = 1
	cfg.MaxSize = emergencyBatchSize
	cfg.Priority = model.PriorityCritical
	return cfg
}

// CleanupExpiredLocks sweeps the lock manager's lock records in Redis
// (lock:* hashes) and Postgres for entries whose recorded expiry has
// passed without a clean release.
func (c *Coordinator) CleanupExpiredLocks(ctx context.Context) (int64, error) {
	return c.locks.SweepExpired(ctx)
}

// FeedHealthCheck refreshes every active feed's cached health snapshot
// from its relational source.
func (c *Coordinator) FeedHealthCheck(ctx context.Context) error {
	if c.health == nil {
		return nil
	}
	return c.health.Reload(ctx)
}

// Status reports a batch's current row, backing the `status` CLI
// subcommand.
func (c *Coordinator) Status(ctx context.Context, batchID string) (*model.Batch, error) {
	return c.batches.ByID(ctx, batchID)
}
