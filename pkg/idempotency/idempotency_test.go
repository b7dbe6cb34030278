package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
)

func TestIdempotency(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Idempotency Suite")
}

var _ = Describe("Store", func() {
	var (
		ctx   context.Context
		srv   *miniredis.Miniredis
		rdb   *redis.Client
		store *Store
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		srv, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		rdb = redis.NewClient(&redis.Options{Addr: srv.Addr()})
		store = New(rdb, nil, nil)
	})

	AfterEach(func() {
		srv.Close()
	})

	It("reports no completion for an unseen key", func() {
		_, done, err := store.Completed(ctx, "op-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(done).To(BeFalse())
	})

	It("returns the stored result once marked completed", func() {
		Expect(store.MarkCompleted(ctx, "op-1", map[string]any{"batch_id": "b-1"}, time.Hour)).To(Succeed())

		raw, done, err := store.Completed(ctx, "op-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(done).To(BeTrue())
		Expect(string(raw)).To(ContainSubstring("b-1"))
	})

	It("allows only one caller to claim in-progress at a time", func() {
		first, err := store.MarkInProgress(ctx, "op-2", nil, time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(first).To(BeTrue())

		second, err := store.MarkInProgress(ctx, "op-2", nil, time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(second).To(BeFalse())
	})

	It("allows reclaiming after ClearProgress", func() {
		_, err := store.MarkInProgress(ctx, "op-3", nil, time.Minute)
		Expect(err).NotTo(HaveOccurred())

		Expect(store.ClearProgress(ctx, "op-3")).To(Succeed())

		again, err := store.MarkInProgress(ctx, "op-3", nil, time.Minute)
		Expect(err).NotTo(HaveOccurred())
		Expect(again).To(BeTrue())
	})

	It("reports InProgress accurately", func() {
		inProgress, err := store.InProgress(ctx, "op-4")
		Expect(err).NotTo(HaveOccurred())
		Expect(inProgress).To(BeFalse())

		_, err = store.MarkInProgress(ctx, "op-4", nil, time.Minute)
		Expect(err).NotTo(HaveOccurred())

		inProgress, err = store.InProgress(ctx, "op-4")
		Expect(err).NotTo(HaveOccurred())
		Expect(inProgress).To(BeTrue())
	})
})
