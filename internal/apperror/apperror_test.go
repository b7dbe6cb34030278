package apperror

import (
	"errors"
	"net/http"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestAppError(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "AppError Suite")
}

var _ = Describe("AppError", func() {
	Context("basic error creation", func() {
		It("creates an error with the expected fields", func() {
			err := New(ErrorTypeValidation, "test message")

			Expect(err.Type).To(Equal(ErrorTypeValidation))
			Expect(err.Message).To(Equal("test message"))
			Expect(err.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(err.Details).To(BeEmpty())
			Expect(err.Cause).To(BeNil())
		})

		It("implements the error interface", func() {
			err := New(ErrorTypeValidation, "test message")
			Expect(err.Error()).To(Equal("validation: test message"))
		})

		It("includes details in the error string when present", func() {
			err := New(ErrorTypeValidation, "test message").WithDetails("extra info")
			Expect(err.Error()).To(Equal("validation: test message (extra info)"))
		})
	})

	Context("wrapping", func() {
		It("wraps an underlying error", func() {
			original := errors.New("original error")
			wrapped := Wrap(original, ErrorTypeDatabase, "operation failed")

			Expect(wrapped.Type).To(Equal(ErrorTypeDatabase))
			Expect(wrapped.Cause).To(Equal(original))
			Expect(errors.Unwrap(wrapped)).To(Equal(original))
		})

		It("formats wrapped messages", func() {
			original := errors.New("connection refused")
			wrapped := Wrapf(original, ErrorTypeNetwork, "failed to connect to %s:%d", "localhost", 5432)
			Expect(wrapped.Message).To(Equal("failed to connect to localhost:5432"))
		})
	})

	Context("status code mapping", func() {
		It("maps each error type to the expected HTTP status", func() {
			cases := map[ErrorType]int{
				ErrorTypeValidation: http.StatusBadRequest,
				ErrorTypeAuth:       http.StatusUnauthorized,
				ErrorTypeNotFound:   http.StatusNotFound,
				ErrorTypeConflict:   http.StatusConflict,
				ErrorTypeTimeout:    http.StatusRequestTimeout,
				ErrorTypeRateLimit:  http.StatusTooManyRequests,
				ErrorTypeDatabase:   http.StatusInternalServerError,
				ErrorTypeNetwork:    http.StatusInternalServerError,
				ErrorTypeInternal:   http.StatusInternalServerError,
			}
			for kind, status := range cases {
				Expect(New(kind, "msg").StatusCode).To(Equal(status), "type=%s", kind)
			}
		})
	})

	Context("errors.Is matching by type", func() {
		It("matches on type regardless of message", func() {
			err := New(ErrorTypeConflict, "batch already processing")
			Expect(errors.Is(err, New(ErrorTypeConflict, "different message"))).To(BeTrue())
			Expect(errors.Is(err, New(ErrorTypeNotFound, "different message"))).To(BeFalse())
		})
	})

	Context("retryability", func() {
		It("marks transient infrastructure errors retryable", func() {
			Expect(New(ErrorTypeDatabase, "x").Retryable()).To(BeTrue())
			Expect(New(ErrorTypeNetwork, "x").Retryable()).To(BeTrue())
			Expect(New(ErrorTypeTimeout, "x").Retryable()).To(BeTrue())
			Expect(New(ErrorTypeRateLimit, "x").Retryable()).To(BeTrue())
		})

		It("marks validation and cancellation as not retryable", func() {
			Expect(New(ErrorTypeValidation, "x").Retryable()).To(BeFalse())
			Expect(New(ErrorTypeCancelled, "x").Retryable()).To(BeFalse())
		})
	})
})
