// Package scheduler runs the three cooperative background loops that keep
// the pipeline fed: batch creation, periodic maintenance, and an emergency
// monitor for a stalled queue, all gated behind a single leader election
// so only one instance drives them at a time.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews/pkg/backpressure"
	"github.com/langgraphsystem/rssnews/pkg/lockmanager"
	"github.com/langgraphsystem/rssnews/pkg/metrics"
	"github.com/langgraphsystem/rssnews/pkg/taskqueue"
)

const (
	leaderLockKey = "scheduler:leader"
	leaderLockTTL = 90 * time.Second

	priorityHigh   = 8
	priorityNormal = 5
	priorityLow    = 2
)

// DepthFunc reads the relational fallback for queue depth when no cached
// backpressure snapshot is available yet.
type DepthFunc func(ctx context.Context) (int, error)

// Options configures the three loops' cadence and the emergency-monitor
// thresholds. Zero values take the defaults below.
type Options struct {
	BatchCreationInterval time.Duration
	MaintenanceInterval   time.Duration
	EmergencyInterval     time.Duration

	// HighQueueDepth and NormalQueueDepth are the two breakpoints
	// batchPriorityFor uses to pick a task priority from queue depth.
	HighQueueDepth   int
	NormalQueueDepth int

	// EmergencyQueueDepth and EmergencyQuietPeriod gate the emergency
	// monitor: it fires only once depth exceeds EmergencyQueueDepth AND
	// no batch has been created within EmergencyQuietPeriod.
	EmergencyQueueDepth  int
	EmergencyQuietPeriod time.Duration
	EmergencyBatchSize   int
}

func (o Options) withDefaults() Options {
	if o.BatchCreationInterval <= 0 {
		o.BatchCreationInterval = 30 * time.Second
	}
	if o.MaintenanceInterval <= 0 {
		o.MaintenanceInterval = time.Hour
	}
	if o.EmergencyInterval <= 0 {
		o.EmergencyInterval = 60 * time.Second
	}
	if o.HighQueueDepth <= 0 {
		o.HighQueueDepth = 5000
	}
	if o.NormalQueueDepth <= 0 {
		o.NormalQueueDepth = 1000
	}
	if o.EmergencyQueueDepth <= 0 {
		o.EmergencyQueueDepth = 1000
	}
	if o.EmergencyQuietPeriod <= 0 {
		o.EmergencyQuietPeriod = 5 * time.Minute
	}
	if o.EmergencyBatchSize <= 0 {
		o.EmergencyBatchSize = 100
	}
	return o
}

// Scheduler owns the three background loops. All three run only while
// this instance holds the leaderLockKey lock.
type Scheduler struct {
	locks   *lockmanager.Manager
	queue   *taskqueue.Manager
	monitor *backpressure.Monitor
	depth   DepthFunc
	sink    *metrics.Sink
	log     *logrus.Entry
	ownerID string
	opts    Options

	mu               sync.Mutex
	lastBatchCreated time.Time
}

// New constructs a Scheduler. monitor may be nil, in which case every
// queue-depth read falls through to depth. depth may also be nil only if
// monitor is always populated by the time the loops start.
func New(locks *lockmanager.Manager, queue *taskqueue.Manager, monitor *backpressure.Monitor,
	depth DepthFunc, sink *metrics.Sink, log *logrus.Entry, ownerID string, opts Options) *Scheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scheduler{
		locks: locks, queue: queue, monitor: monitor, depth: depth,
		sink: sink, log: log.WithField("component", "scheduler"), ownerID: ownerID,
		opts: opts.withDefaults(),
	}
}

// Run attempts to become the scheduler leader and, if elected, drives all
// three loops until ctx is cancelled. A non-leader Run returns
// immediately without error: another instance is already driving.
func (s *Scheduler) Run(ctx context.Context) error {
	status, err := s.locks.Acquire(ctx, leaderLockKey, s.ownerID, lockmanager.AcquireOptions{
		Timeout: leaderLockTTL, AutoRenew: true,
	})
	if err != nil {
		return err
	}
	if status != lockmanager.StatusAcquired {
		s.log.Info("not elected scheduler leader, standing by")
		return nil
	}
	s.log.Info("elected scheduler leader")
	defer func() {
		if _, err := s.locks.Release(context.Background(), leaderLockKey, s.ownerID); err != nil {
			s.log.WithError(err).Warn("releasing scheduler leader lock")
		}
	}()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); s.runLoop(ctx, s.opts.BatchCreationInterval, s.batchCreationTick) }()
	go func() { defer wg.Done(); s.runLoop(ctx, s.opts.MaintenanceInterval, s.maintenanceTick) }()
	go func() { defer wg.Done(); s.runLoop(ctx, s.opts.EmergencyInterval, s.emergencyTick) }()
	wg.Wait()
	return nil
}

func (s *Scheduler) runLoop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// currentQueueDepth prefers the backpressure monitor's cached sample over
// a fresh relational count, avoiding a database round trip on every tick.
func (s *Scheduler) currentQueueDepth(ctx context.Context) (int, error) {
	if s.monitor != nil {
		if snap, ok := s.monitor.Latest(); ok {
			return snap.QueueDepth, nil
		}
	}
	if s.depth == nil {
		return 0, nil
	}
	return s.depth(ctx)
}

// batchPriorityFor maps a queue depth onto a task priority: depths above
// high get priorityHigh, above normal get priorityNormal, else priorityLow.
func batchPriorityFor(depth, high, normal int) int {
	switch {
	case depth > high:
		return priorityHigh
	case depth > normal:
		return priorityNormal
	default:
		return priorityLow
	}
}

func (s *Scheduler) batchCreationTick(ctx context.Context) {
	depth, err := s.currentQueueDepth(ctx)
	if err != nil {
		s.log.WithError(err).Warn("batch creation loop: reading queue depth")
		return
	}
	priority := batchPriorityFor(depth, s.opts.HighQueueDepth, s.opts.NormalQueueDepth)
	payload, _ := json.Marshal(map[string]any{"queue_depth": depth})
	task := &taskqueue.Task{Type: taskqueue.TaskProcessBatch, Priority: priority, Payload: payload}
	if err := s.queue.Enqueue(ctx, taskqueue.QueueBatchProcessing, task); err != nil {
		s.log.WithError(err).Warn("batch creation loop: enqueuing create_batch task")
		return
	}
	s.mu.Lock()
	s.lastBatchCreated = time.Now().UTC()
	s.mu.Unlock()
	s.record("batch_creation.submitted")
}

func (s *Scheduler) maintenanceTick(ctx context.Context) {
	priority := taskqueue.DefaultPriority(taskqueue.QueueMaintenance)
	if err := s.queue.Enqueue(ctx, taskqueue.QueueMaintenance,
		&taskqueue.Task{Type: taskqueue.TaskCleanupExpiredLocks, Priority: priority}); err != nil {
		s.log.WithError(err).Warn("maintenance loop: enqueuing cleanup_expired_locks task")
	}
	if err := s.queue.Enqueue(ctx, taskqueue.QueueMaintenance,
		&taskqueue.Task{Type: taskqueue.TaskFeedHealthCheck, Priority: priority}); err != nil {
		s.log.WithError(err).Warn("maintenance loop: enqueuing feed_health_check task")
	}
	s.record("maintenance.submitted")
}

func (s *Scheduler) emergencyTick(ctx context.Context) {
	depth, err := s.currentQueueDepth(ctx)
	if err != nil {
		s.log.WithError(err).Warn("emergency monitor: reading queue depth")
		return
	}
	if depth <= s.opts.EmergencyQueueDepth {
		return
	}

	s.mu.Lock()
	last := s.lastBatchCreated
	s.mu.Unlock()
	if !last.IsZero() && time.Since(last) <= s.opts.EmergencyQuietPeriod {
		return
	}

	payload, _ := json.Marshal(map[string]any{"size": s.opts.EmergencyBatchSize, "queue_depth": depth})
	task := &taskqueue.Task{Type: taskqueue.TaskEmergencyBatch, Priority: taskqueue.DefaultPriority(taskqueue.QueueEmergency), Payload: payload}
	if err := s.queue.Enqueue(ctx, taskqueue.QueueEmergency, task); err != nil {
		s.log.WithError(err).Warn("emergency monitor: enqueuing emergency_batch task")
		return
	}
	s.log.WithFields(logrus.Fields{"queue_depth": depth}).Warn("emergency batch submitted: queue backlog exceeded threshold without recent batch creation")
	s.record("emergency.submitted")
}

func (s *Scheduler) record(name string) {
	if s.sink != nil {
		s.sink.Incr("scheduler."+name, 1, nil)
	}
}
