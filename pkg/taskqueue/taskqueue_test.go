package taskqueue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
)

func TestTaskQueue(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Task Queue Suite")
}

var _ = Describe("DefaultPriority", func() {
	It("ranks emergency highest and default lowest", func() {
		Expect(DefaultPriority(QueueEmergency)).To(Equal(10))
		Expect(DefaultPriority(QueueBatchProcessing)).To(Equal(5))
		Expect(DefaultPriority(QueueFeedManagement)).To(Equal(3))
		Expect(DefaultPriority(QueueMaintenance)).To(Equal(1))
		Expect(DefaultPriority(QueueDefault)).To(Equal(0))
	})
})

var _ = Describe("score", func() {
	now := time.Unix(1_770_000_000, 0).UTC()

	It("orders a higher-priority task ahead of a lower-priority one at the same ETA", func() {
		high := score(10, now)
		low := score(1, now)
		Expect(high).To(BeNumerically("<", low))
	})

	It("orders an earlier ETA ahead of a later one at the same priority", func() {
		earlier := score(5, now)
		later := score(5, now.Add(time.Hour))
		Expect(earlier).To(BeNumerically("<", later))
	})

	It("never lets an ETA difference cross a priority boundary", func() {
		highFarFuture := score(10, now.Add(365*24*time.Hour))
		lowNow := score(9, now)
		Expect(highFarFuture).To(BeNumerically("<", lowNow))
	})
})

var _ = Describe("backoffForAttempt", func() {
	It("increases with each attempt up to the cap", func() {
		d0 := backoffForAttempt(0)
		d3 := backoffForAttempt(3)
		Expect(d0).To(BeNumerically(">", 0))
		Expect(d3).To(BeNumerically(">=", d0))
	})

	It("never exceeds the backoff cap", func() {
		Expect(backoffForAttempt(20)).To(BeNumerically("<=", maxRetryDelay))
	})
})

var _ = Describe("Manager", func() {
	var (
		ctx context.Context
		srv *miniredis.Miniredis
		rdb *redis.Client
		mgr *Manager
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		srv, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		rdb = redis.NewClient(&redis.Options{Addr: srv.Addr()})
		mgr = New(rdb, nil, nil)
	})

	AfterEach(func() {
		srv.Close()
	})

	It("returns nil when the queue is empty", func() {
		task, err := mgr.Dequeue(ctx, QueueDefault, "worker-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(task).To(BeNil())
	})

	It("dequeues an immediately-ready task and removes it from the queue", func() {
		Expect(mgr.Enqueue(ctx, QueueDefault, &Task{Type: TaskMaintenance, Priority: 1})).To(Succeed())

		task, err := mgr.Dequeue(ctx, QueueDefault, "worker-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(task).NotTo(BeNil())
		Expect(task.Type).To(Equal(TaskMaintenance))

		depth, err := mgr.Depth(ctx, QueueDefault)
		Expect(err).NotTo(HaveOccurred())
		Expect(depth).To(Equal(int64(0)))
	})

	It("does not dequeue a task whose ETA is in the future", func() {
		Expect(mgr.Enqueue(ctx, QueueDefault, &Task{
			Type: TaskMaintenance, Priority: 1, ETA: time.Now().UTC().Add(time.Hour),
		})).To(Succeed())

		task, err := mgr.Dequeue(ctx, QueueDefault, "worker-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(task).To(BeNil())
	})

	It("pops the higher-priority of two ready tasks first", func() {
		Expect(mgr.Enqueue(ctx, QueueDefault, &Task{Type: TaskMaintenance, Priority: 1})).To(Succeed())
		Expect(mgr.Enqueue(ctx, QueueDefault, &Task{Type: TaskEmergencyBatch, Priority: 10})).To(Succeed())

		task, err := mgr.Dequeue(ctx, QueueDefault, "worker-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(task.Type).To(Equal(TaskEmergencyBatch))
	})

	It("clears the in-flight claim on Ack", func() {
		Expect(mgr.Enqueue(ctx, QueueDefault, &Task{Type: TaskMaintenance, Priority: 1})).To(Succeed())
		task, err := mgr.Dequeue(ctx, QueueDefault, "worker-1")
		Expect(err).NotTo(HaveOccurred())

		Expect(mgr.Ack(ctx, QueueDefault, task.ID)).To(Succeed())

		n, err := rdb.HLen(ctx, inflightKey(QueueDefault)).Result()
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(int64(0)))
	})

	It("reschedules a nacked task with attempts remaining", func() {
		Expect(mgr.Enqueue(ctx, QueueDefault, &Task{Type: TaskMaintenance, Priority: 1, MaxAttempts: 3})).To(Succeed())
		task, err := mgr.Dequeue(ctx, QueueDefault, "worker-1")
		Expect(err).NotTo(HaveOccurred())

		Expect(mgr.Nack(ctx, QueueDefault, task)).To(Succeed())
		Expect(task.Attempt).To(Equal(1))

		depth, err := mgr.Depth(ctx, QueueDefault)
		Expect(err).NotTo(HaveOccurred())
		Expect(depth).To(Equal(int64(1)))

		dead, err := mgr.DeadLettered(ctx, QueueDefault)
		Expect(err).NotTo(HaveOccurred())
		Expect(dead).To(BeEmpty())
	})

	It("dead-letters a task once its attempts are exhausted", func() {
		Expect(mgr.Enqueue(ctx, QueueDefault, &Task{Type: TaskMaintenance, Priority: 1, MaxAttempts: 1})).To(Succeed())
		task, err := mgr.Dequeue(ctx, QueueDefault, "worker-1")
		Expect(err).NotTo(HaveOccurred())

		Expect(mgr.Nack(ctx, QueueDefault, task)).To(Succeed())

		depth, err := mgr.Depth(ctx, QueueDefault)
		Expect(err).NotTo(HaveOccurred())
		Expect(depth).To(Equal(int64(0)))

		dead, err := mgr.DeadLettered(ctx, QueueDefault)
		Expect(err).NotTo(HaveOccurred())
		Expect(dead).To(HaveLen(1))
		Expect(dead[0].Attempt).To(Equal(1))
	})

	It("reclaims a stale in-flight task back onto the queue", func() {
		task := Task{ID: "stale-1", Type: TaskMaintenance, Priority: 1, MaxAttempts: 3}
		claim := inflightEntry{Task: task, WorkerID: "worker-1", ClaimedAt: time.Now().UTC().Add(-time.Hour)}
		payload, err := json.Marshal(claim)
		Expect(err).NotTo(HaveOccurred())
		Expect(rdb.HSet(ctx, inflightKey(QueueDefault), task.ID, payload).Err()).To(Succeed())

		reclaimed, err := mgr.ReclaimStale(ctx, QueueDefault, time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(reclaimed).To(Equal(1))

		n, err := rdb.HLen(ctx, inflightKey(QueueDefault)).Result()
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(int64(0)))

		depth, err := mgr.Depth(ctx, QueueDefault)
		Expect(err).NotTo(HaveOccurred())
		Expect(depth).To(Equal(int64(1)))
	})
})
