package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews/internal/config"
	"github.com/langgraphsystem/rssnews/pkg/taskqueue"
)

// staleClaimCheckInterval bounds how often ReclaimStale sweeps each queue
// for in-flight claims whose worker died without acking or nacking.
const staleClaimCheckInterval = time.Minute

// staleClaimAge is how long an in-flight claim may sit unacknowledged
// before ReclaimStale puts it back on the queue.
const staleClaimAge = 10 * time.Minute

// runWorker runs the Scheduler's three ticker loops and a task-queue
// consumer loop until SIGINT/SIGTERM, the long-lived process mode.
func runWorker(ctx context.Context, cfg *config.Config, log *logrus.Entry, args []string) error {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go a.pool.RunHealthCheck(ctx, 30*time.Second)
	go a.redis.RunHealthCheck(ctx, 30*time.Second)
	go a.sink.RunFlushLoop(ctx)
	go a.sink.RunCleanupLoop(ctx, time.Hour)
	if a.load != nil {
		go a.load.Run(ctx)
	}
	go func() {
		if err := a.scheduler.Run(ctx); err != nil {
			log.WithError(err).Error("scheduler exited")
		}
	}()

	for _, q := range []taskqueue.QueueName{
		taskqueue.QueueEmergency, taskqueue.QueueBatchProcessing,
		taskqueue.QueueFeedManagement, taskqueue.QueueMaintenance, taskqueue.QueueDefault,
	} {
		go a.consumeQueue(ctx, q)
		go a.reclaimLoop(ctx, q)
	}

	<-ctx.Done()
	log.Info("worker shutting down")
	return nil
}

// consumeQueue polls one queue for ready tasks and dispatches each to its
// handler, acking on success and nacking (which reschedules with backoff,
// or dead-letters past MaxAttempts) on failure.
func (a *app) consumeQueue(ctx context.Context, queue taskqueue.QueueName) {
	ownerID := schedulerOwnerID(a.cfg)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := a.queue.Dequeue(ctx, queue, ownerID)
		if err != nil {
			a.log.WithError(err).WithField("queue", queue).Warn("dequeue failed")
			time.Sleep(time.Second)
			continue
		}
		if task == nil {
			time.Sleep(time.Second)
			continue
		}

		if err := a.dispatch(ctx, task); err != nil {
			a.log.WithError(err).WithField("task_type", task.Type).Warn("task failed")
			if nackErr := a.queue.Nack(ctx, queue, task); nackErr != nil {
				a.log.WithError(nackErr).Warn("nack failed")
			}
			continue
		}
		if err := a.queue.Ack(ctx, queue, task.ID); err != nil {
			a.log.WithError(err).Warn("ack failed")
		}
	}
}

// reclaimLoop periodically returns abandoned in-flight claims on queue to
// the ready set, covering a worker that died mid-task.
func (a *app) reclaimLoop(ctx context.Context, queue taskqueue.QueueName) {
	ticker := time.NewTicker(staleClaimCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := a.queue.ReclaimStale(ctx, queue, staleClaimAge); err != nil {
				a.log.WithError(err).WithField("queue", queue).Warn("reclaim failed")
			} else if n > 0 {
				a.log.WithField("queue", queue).WithField("reclaimed", n).Info("reclaimed stale tasks")
			}
		}
	}
}

// dispatch routes a dequeued task to the Coordinator operation it names.
func (a *app) dispatch(ctx context.Context, task *taskqueue.Task) error {
	ownerID := schedulerOwnerID(a.cfg)
	switch task.Type {
	case taskqueue.TaskProcessBatch:
		_, ok, err := a.coordinator.CreateBatch(ctx, plannerConfig(a.cfg), ownerID, task.ID)
		if err != nil || !ok {
			return err
		}
		return nil
	case taskqueue.TaskEmergencyBatch:
		_, _, err := a.coordinator.EmergencyBatch(ctx, ownerID, task.ID)
		return err
	case taskqueue.TaskCleanupExpiredLocks:
		_, err := a.coordinator.CleanupExpiredLocks(ctx)
		return err
	case taskqueue.TaskFeedHealthCheck:
		return a.coordinator.FeedHealthCheck(ctx)
	default:
		a.log.WithField("task_type", task.Type).Warn("no handler registered for task type")
		return nil
	}
}
