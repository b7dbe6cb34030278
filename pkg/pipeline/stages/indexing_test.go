package stages

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/langgraphsystem/rssnews/pkg/model"
)

var _ = Describe("generateArticleID", func() {
	It("is deterministic for the same url_hash and published date", func() {
		a := &model.RawArticle{URLHash: "abc123", PublishedAt: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)}
		id1 := generateArticleID(a)
		id2 := generateArticleID(a)
		Expect(id1).To(Equal(id2))
		Expect(id1).To(HaveLen(16))
	})

	It("produces different ids for different published dates", func() {
		a1 := &model.RawArticle{URLHash: "abc123", PublishedAt: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)}
		a2 := &model.RawArticle{URLHash: "abc123", PublishedAt: time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC)}
		Expect(generateArticleID(a1)).NotTo(Equal(generateArticleID(a2)))
	})

	It("falls back to unknown when published_at is zero", func() {
		a1 := &model.RawArticle{URLHash: "abc123"}
		a2 := &model.RawArticle{URLHash: "abc123"}
		Expect(generateArticleID(a1)).To(Equal(generateArticleID(a2)))
	})
})

var _ = Describe("normalizeForSearch", func() {
	It("lowercases and strips punctuation", func() {
		Expect(normalizeForSearch("Breaking: News, Today!")).To(Equal("breaking news today"))
	})

	It("collapses whitespace", func() {
		Expect(normalizeForSearch("lots   of   space")).To(Equal("lots of space"))
	})

	It("returns empty for empty input", func() {
		Expect(normalizeForSearch("")).To(Equal(""))
	})
})

var _ = Describe("extractDomain", func() {
	It("extracts and lowercases the host", func() {
		Expect(extractDomain("https://WWW.Example.com/a/b")).To(Equal("www.example.com"))
	})

	It("returns empty for an unparsable url", func() {
		Expect(extractDomain("://bad")).To(Equal(""))
	})
})
