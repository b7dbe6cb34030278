// Package taskqueue implements a durable priority queue protocol directly
// over Redis: sorted-set queues with at-least-once delivery, an in-flight
// hash for ack/retry bookkeeping, and exponential-backoff-with-jitter retry.
package taskqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews/internal/apperror"
	"github.com/langgraphsystem/rssnews/pkg/metrics"
)

// QueueName is one of the required queues.
type QueueName string

const (
	QueueEmergency       QueueName = "emergency"
	QueueBatchProcessing QueueName = "batch_processing"
	QueueFeedManagement  QueueName = "feed_management"
	QueueMaintenance     QueueName = "maintenance"
	QueueDefault         QueueName = "default"
)

// DefaultPriority returns the queue's nominal priority tier, used when a
// caller doesn't need a finer-grained per-task override.
func DefaultPriority(name QueueName) int {
	switch name {
	case QueueEmergency:
		return 10
	case QueueBatchProcessing:
		return 5
	case QueueFeedManagement:
		return 3
	case QueueMaintenance:
		return 1
	default:
		return 0
	}
}

// TaskType names the unit of work a Task carries.
type TaskType string

const (
	TaskProcessBatch        TaskType = "process_batch"
	TaskFeedDiscovery       TaskType = "feed_discovery"
	TaskFeedHealthCheck     TaskType = "feed_health_check"
	TaskCleanupExpiredLocks TaskType = "cleanup_expired_locks"
	TaskMaintenance         TaskType = "maintenance"
	TaskEmergencyBatch      TaskType = "emergency_batch"
)

// Task is one message on a queue.
type Task struct {
	ID          string          `json:"id"`
	Type        TaskType        `json:"task_type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	ETA         time.Time       `json:"eta"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

const (
	// DefaultMaxAttempts bounds retries before a task is dead-lettered.
	DefaultMaxAttempts = 3
	// baseRetryDelay and maxRetryDelay mirror the original's
	// default_retry_delay (60s) and retry_backoff_max (600s).
	baseRetryDelay = 60 * time.Second
	maxRetryDelay  = 600 * time.Second
	// priorityBucket spaces priority tiers far enough apart in score-space
	// that an eta_unix_millis component (at most ~13 digits through the
	// 2030s) never spills into the neighboring tier, while the whole score
	// stays within float64's 2^53 exact-integer range.
	priorityBucket = 1e13
	// maxPriority bounds the inverted-priority bucket index.
	maxPriority = 10
)

func queueKey(name QueueName) string    { return "taskqueue:" + string(name) }
func inflightKey(name QueueName) string { return queueKey(name) + ":inflight" }
func deadKey(name QueueName) string     { return queueKey(name) + ":dead" }

// score orders a sorted-set member so ZRANGE's ascending natural order
// drains highest priority first, earliest ETA first within a tier.
func score(priority int, eta time.Time) float64 {
	if priority > maxPriority {
		priority = maxPriority
	}
	if priority < 0 {
		priority = 0
	}
	bucket := float64(maxPriority - priority)
	return bucket*priorityBucket + float64(eta.UnixMilli())
}

// Manager is the Redis-backed priority queue client shared across all
// required queues.
type Manager struct {
	redis *redis.Client
	sink  *metrics.Sink
	log   *logrus.Entry

	dequeueScript *redis.Script
}

// New constructs a Manager. sink may be nil to disable metrics.
func New(rdb *redis.Client, sink *metrics.Sink, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		redis:         rdb,
		sink:          sink,
		log:           log.WithField("component", "task_queue"),
		dequeueScript: redis.NewScript(dequeueLua),
	}
}

// Enqueue adds task to queue, assigning an ID, EnqueuedAt, and MaxAttempts
// if unset.
func (m *Manager) Enqueue(ctx context.Context, queue QueueName, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = DefaultMaxAttempts
	}
	if task.ETA.IsZero() {
		task.ETA = time.Now().UTC()
	}
	task.EnqueuedAt = time.Now().UTC()

	payload, err := json.Marshal(task)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrorTypeInternal, "marshaling task")
	}
	if err := m.redis.ZAdd(ctx, queueKey(queue), redis.Z{
		Score: score(task.Priority, task.ETA), Member: payload,
	}).Err(); err != nil {
		return apperror.Wrap(err, apperror.ErrorTypeNetwork, "enqueuing task")
	}
	m.record(queue, "enqueued")
	return nil
}

// Dequeue atomically pops the highest-priority, earliest-ready task from
// queue, moving it into the in-flight hash keyed by workerID. Returns
// nil, nil when no task is currently ready.
func (m *Manager) Dequeue(ctx context.Context, queue QueueName, workerID string) (*Task, error) {
	now := time.Now().UTC()
	res, err := m.dequeueScript.Run(ctx, m.redis, []string{queueKey(queue)},
		now.UnixMilli(), 50).Text()
	if err == redis.Nil || res == "" {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrorTypeNetwork, "dequeuing task")
	}

	var task Task
	if err := json.Unmarshal([]byte(res), &task); err != nil {
		return nil, apperror.Wrap(err, apperror.ErrorTypeInternal, "decoding dequeued task")
	}

	claim := inflightEntry{Task: task, WorkerID: workerID, ClaimedAt: now}
	claimJSON, err := json.Marshal(claim)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrorTypeInternal, "marshaling in-flight claim")
	}
	if err := m.redis.HSet(ctx, inflightKey(queue), task.ID, claimJSON).Err(); err != nil {
		return nil, apperror.Wrap(err, apperror.ErrorTypeNetwork, "recording in-flight claim")
	}
	m.record(queue, "dequeued")
	return &task, nil
}

type inflightEntry struct {
	Task      Task      `json:"task"`
	WorkerID  string    `json:"worker_id"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// Ack removes taskID from queue's in-flight hash after successful
// processing.
func (m *Manager) Ack(ctx context.Context, queue QueueName, taskID string) error {
	if err := m.redis.HDel(ctx, inflightKey(queue), taskID).Err(); err != nil {
		return apperror.Wrap(err, apperror.ErrorTypeNetwork, "acking task")
	}
	m.record(queue, "acked")
	return nil
}

// Nack reports a processing failure for task. If attempts remain, it is
// rescheduled with exponential backoff and jitter; otherwise it is
// dead-lettered and task.retries_exhausted is recorded.
func (m *Manager) Nack(ctx context.Context, queue QueueName, task *Task) error {
	if err := m.redis.HDel(ctx, inflightKey(queue), task.ID).Err(); err != nil {
		m.log.WithError(err).WithField("task_id", task.ID).Warn("clearing in-flight claim on nack")
	}

	task.Attempt++
	if task.Attempt >= task.MaxAttempts {
		return m.deadLetter(ctx, queue, task)
	}

	delay := backoffForAttempt(task.Attempt)
	task.ETA = time.Now().UTC().Add(delay)
	if err := m.Enqueue(ctx, queue, task); err != nil {
		return err
	}
	m.record(queue, "retry")
	return nil
}

func (m *Manager) deadLetter(ctx context.Context, queue QueueName, task *Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrorTypeInternal, "marshaling dead-lettered task")
	}
	if err := m.redis.RPush(ctx, deadKey(queue), payload).Err(); err != nil {
		return apperror.Wrap(err, apperror.ErrorTypeNetwork, "dead-lettering task")
	}
	m.record(queue, "retries_exhausted")
	m.log.WithFields(logrus.Fields{"queue": queue, "task_id": task.ID, "task_type": task.Type}).
		Warn("task retries exhausted, dead-lettered")
	return nil
}

// ReclaimStale requeues any in-flight task whose claim is older than
// staleAfter, covering a worker that died mid-task without acking or
// nacking (the original's task_reject_on_worker_lost).
func (m *Manager) ReclaimStale(ctx context.Context, queue QueueName, staleAfter time.Duration) (int, error) {
	entries, err := m.redis.HGetAll(ctx, inflightKey(queue)).Result()
	if err != nil {
		return 0, apperror.Wrap(err, apperror.ErrorTypeNetwork, "listing in-flight tasks")
	}
	cutoff := time.Now().UTC().Add(-staleAfter)
	reclaimed := 0
	for taskID, raw := range entries {
		var claim inflightEntry
		if err := json.Unmarshal([]byte(raw), &claim); err != nil {
			continue
		}
		if claim.ClaimedAt.After(cutoff) {
			continue
		}
		task := claim.Task
		if err := m.Nack(ctx, queue, &task); err != nil {
			m.log.WithError(err).WithField("task_id", taskID).Warn("reclaiming stale task failed")
			continue
		}
		reclaimed++
	}
	if reclaimed > 0 {
		m.record(queue, "reclaimed")
	}
	return reclaimed, nil
}

// DeadLettered returns every dead-lettered task for queue without
// removing them.
func (m *Manager) DeadLettered(ctx context.Context, queue QueueName) ([]Task, error) {
	raws, err := m.redis.LRange(ctx, deadKey(queue), 0, -1).Result()
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrorTypeNetwork, "listing dead-lettered tasks")
	}
	out := make([]Task, 0, len(raws))
	for _, raw := range raws {
		var t Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Depth returns the number of ready-or-pending tasks on queue, including
// those scheduled for a future ETA.
func (m *Manager) Depth(ctx context.Context, queue QueueName) (int64, error) {
	n, err := m.redis.ZCard(ctx, queueKey(queue)).Result()
	if err != nil {
		return 0, apperror.Wrap(err, apperror.ErrorTypeNetwork, "reading queue depth")
	}
	return n, nil
}

func (m *Manager) record(queue QueueName, outcome string) {
	if m.sink != nil {
		m.sink.Incr("task_queue."+string(queue)+"."+outcome, 1, nil)
	}
}

// backoffForAttempt computes the delay before retrying a task on its Nth
// attempt: base*2^attempt with ±20% jitter, capped at maxRetryDelay.
func backoffForAttempt(attempt int) time.Duration {
	b, err := retry.NewExponential(baseRetryDelay)
	if err != nil {
		return maxRetryDelay
	}
	b = retry.WithJitterPercent(20, b)
	b = retry.WithCappedDuration(maxRetryDelay, b)

	var d time.Duration
	for i := 0; i <= attempt; i++ {
		next, stop := b.Next()
		if stop {
			return maxRetryDelay
		}
		d = next
	}
	return d
}

const dequeueLua = `
local key = KEYS[1]
local now_millis = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local candidates = redis.call('zrange', key, 0, limit - 1, 'withscores')
for i = 1, #candidates, 2 do
	local member = candidates[i]
	local member_score = tonumber(candidates[i + 1])
	local bucket = math.floor(member_score / 1e13)
	local millis = member_score - bucket * 1e13
	if millis <= now_millis then
		redis.call('zrem', key, member)
		return member
	end
end
return nil
`
