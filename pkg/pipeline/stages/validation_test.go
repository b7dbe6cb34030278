package stages

import (
	"context"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/langgraphsystem/rssnews/pkg/model"
	"github.com/langgraphsystem/rssnews/pkg/pipeline"
)

func longContent(n int) string {
	return strings.Repeat("a", n)
}

var _ = Describe("Validation stage", func() {
	var (
		stage *Validation
		pctx  *pipeline.Context
	)

	BeforeEach(func() {
		stage = NewValidation(0, nil, nil)
		pctx = pipeline.NewContext("batch_7", "worker_1", "corr_1", "trace_1", "v1", time.Now())
	})

	run := func(a *model.RawArticle) []*model.RawArticle {
		out, err := stage.Process(context.Background(), []*model.RawArticle{a}, pctx)
		Expect(err).NotTo(HaveOccurred())
		return out
	}

	It("generates an idempotency key from the article id and batch id when absent", func() {
		a := &model.RawArticle{ID: 42, URL: "https://example.com/a", Title: "t", Content: longContent(150)}
		run(a)
		Expect(a.IdempotencyKey).To(Equal("article_42_batch_7"))
	})

	It("leaves an existing idempotency key untouched", func() {
		a := &model.RawArticle{ID: 42, IdempotencyKey: "preset", URL: "https://example.com/a", Title: "t", Content: longContent(150)}
		run(a)
		Expect(a.IdempotencyKey).To(Equal("preset"))
	})

	It("rejects a URL shorter than 10 characters", func() {
		a := &model.RawArticle{ID: 1, URL: "short"}
		out := run(a)
		Expect(out).To(BeEmpty())
		Expect(a.RejectionReason).To(Equal(model.RejectInvalidContent))
	})

	It("computes a url_hash for accepted articles", func() {
		a := &model.RawArticle{ID: 1, URL: "https://example.com/article", Title: "t", Content: longContent(150)}
		run(a)
		Expect(a.URLHash).To(HaveLen(64))
	})

	It("rejects when both title and content are empty", func() {
		a := &model.RawArticle{ID: 1, URL: "https://example.com/article"}
		out := run(a)
		Expect(out).To(BeEmpty())
		Expect(a.RejectionReason).To(Equal(model.RejectInvalidContent))
	})

	It("rejects an article older than the configured max age", func() {
		stage = NewValidation(1, nil, nil)
		a := &model.RawArticle{
			ID: 1, URL: "https://example.com/article", Title: "t", Content: longContent(150),
			FetchedAt: time.Now().Add(-2 * time.Hour),
		}
		out := run(a)
		Expect(out).To(BeEmpty())
		Expect(a.RejectionReason).To(Equal(model.RejectTooOld))
	})

	It("accepts an article within the max age window", func() {
		stage = NewValidation(1, nil, nil)
		a := &model.RawArticle{
			ID: 1, URL: "https://example.com/article", Title: "t", Content: longContent(150),
			FetchedAt: time.Now().Add(-30 * time.Minute),
		}
		out := run(a)
		Expect(out).To(HaveLen(1))
	})

	It("rejects content shorter than 100 characters combined with the title", func() {
		a := &model.RawArticle{ID: 1, URL: "https://example.com/article", Title: "t", Content: "short body"}
		out := run(a)
		Expect(out).To(BeEmpty())
		Expect(a.RejectionReason).To(Equal(model.RejectTooShort))
	})

	DescribeTable("rejects known invalid-content markers",
		func(marker string) {
			a := &model.RawArticle{
				ID: 1, URL: "https://example.com/article", Title: "t",
				Content: marker + " " + longContent(150),
			}
			out := run(a)
			Expect(out).To(BeEmpty())
			Expect(a.RejectionReason).To(Equal(model.RejectInvalidContent))
		},
		Entry("404 not found", "404 not found"),
		Entry("404 error", "404 error"),
		Entry("access denied", "Access Denied"),
		Entry("page not found", "Page Not Found"),
		Entry("site maintenance", "Site maintenance in progress"),
		Entry("temporarily unavailable", "Service temporarily unavailable"),
		Entry("javascript required", "JavaScript required to view this page"),
		Entry("javascript disabled", "JavaScript disabled"),
		Entry("please enable javascript", "Please enable JavaScript"),
	)

	It("rejects content where more than 10% of characters are outside the allowed set", func() {
		weird := strings.Repeat("éèê", 40)
		a := &model.RawArticle{ID: 1, URL: "https://example.com/article", Title: "t", Content: weird + longContent(50)}
		out := run(a)
		Expect(out).To(BeEmpty())
		Expect(a.RejectionReason).To(Equal(model.RejectInvalidContent))
	})

	It("accepts normal punctuation-heavy prose", func() {
		a := &model.RawArticle{
			ID: 1, URL: "https://example.com/article", Title: "Breaking News",
			Content: longContent(60) + ", said the spokesperson (on Tuesday); \"it's fine.\" " + longContent(60),
		}
		out := run(a)
		Expect(out).To(HaveLen(1))
	})

	Describe("canonicalizeURL", func() {
		It("lowercases the host and path", func() {
			Expect(canonicalizeURL("https://Example.COM/Article")).To(Equal("https://example.com/article"))
		})

		It("strips known tracking query parameters", func() {
			got := canonicalizeURL("https://example.com/a?utm_source=x&utm_medium=y&id=1")
			Expect(got).To(Equal("https://example.com/a?id=1"))
		})

		It("drops the fragment", func() {
			Expect(canonicalizeURL("https://example.com/a#section")).To(Equal("https://example.com/a"))
		})

		It("normalizes a trailing slash away", func() {
			Expect(canonicalizeURL("https://example.com/a/")).To(Equal("https://example.com/a"))
		})

		It("normalizes the bare root path to a single slash", func() {
			Expect(canonicalizeURL("https://example.com/")).To(Equal("https://example.com/"))
		})

		It("orders remaining query parameters deterministically", func() {
			got := canonicalizeURL("https://example.com/a?b=2&a=1&gclid=z")
			Expect(got).To(Equal("https://example.com/a?a=1&b=2"))
		})
	})
})
