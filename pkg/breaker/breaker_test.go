package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

func TestBreaker(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Breaker Suite")
}

var errBoom = errors.New("boom")

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
		mgr.Register("test", Config{FailureThreshold: 3, SuccessThreshold: 2, Timeout: 50 * time.Millisecond})
	})

	AfterEach(func() {
		srv.Close()
	})

	It("stays closed and allows calls while under the failure threshold", func() {
		for i := 0; i < 2; i++ {
			err := mgr.Call(ctx, "test", func() error { return errBoom })
			Expect(err).To(Equal(errBoom))
		}
		Expect(mgr.State("test")).To(Equal(gobreaker.StateClosed))
	})

	It("trips open after reaching the failure threshold", func() {
		for i := 0; i < 3; i++ {
			_ = mgr.Call(ctx, "test", func() error { return errBoom })
		}
		Expect(mgr.State("test")).To(Equal(gobreaker.StateOpen))

		err := mgr.Call(ctx, "test", func() error { return nil })
		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, ErrCircuitOpen)).To(BeTrue())
	})

	It("closes again after success_threshold consecutive successes in half-open", func() {
		for i := 0; i < 3; i++ {
			_ = mgr.Call(ctx, "test", func() error { return errBoom })
		}
		Expect(mgr.State("test")).To(Equal(gobreaker.StateOpen))

		time.Sleep(60 * time.Millisecond)

		for i := 0; i < 2; i++ {
			err := mgr.Call(ctx, "test", func() error { return nil })
			Expect(err).NotTo(HaveOccurred())
		}
		Expect(mgr.State("test")).To(Equal(gobreaker.StateClosed))
	})

	It("reopens immediately on any failure while half-open", func() {
		for i := 0; i < 3; i++ {
			_ = mgr.Call(ctx, "test", func() error { return errBoom })
		}
		time.Sleep(60 * time.Millisecond)

		err := mgr.Call(ctx, "test", func() error { return errBoom })
		Expect(err).To(Equal(errBoom))
		Expect(mgr.State("test")).To(Equal(gobreaker.StateOpen))
	})

	It("denies calls for a second manager sharing the redis mirror while a peer's breaker is open", func() {
		for i := 0; i < 3; i++ {
			_ = mgr.Call(ctx, "test", func() error { return errBoom })
		}
		Expect(mgr.State("test")).To(Equal(gobreaker.StateOpen))

		peer := New(rdb, nil, nil)
		peer.Register("test", Config{FailureThreshold: 3, SuccessThreshold: 2, Timeout: 50 * time.Millisecond})

		err := peer.Call(ctx, "test", func() error { return nil })
		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, ErrCircuitOpen)).To(BeTrue())
	})
})
