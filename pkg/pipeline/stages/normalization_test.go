package stages

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/langgraphsystem/rssnews/pkg/model"
	"github.com/langgraphsystem/rssnews/pkg/pipeline"
)

var _ = Describe("Normalization stage", func() {
	var (
		stage *Normalization
		pctx  *pipeline.Context
	)

	BeforeEach(func() {
		stage = NewNormalization(nil, nil)
		pctx = pipeline.NewContext("batch_1", "worker_1", "corr_1", "trace_1", "v1", time.Now())
	})

	run := func(a *model.RawArticle) []*model.RawArticle {
		out, err := stage.Process(context.Background(), []*model.RawArticle{a}, pctx)
		Expect(err).NotTo(HaveOccurred())
		return out
	}

	It("rejects an article whose detected language is not in the supported allowlist", func() {
		stage = NewNormalization([]string{"en", "fr", "de"}, nil)
		a := &model.RawArticle{
			ID: 1, Title: "Noticias de hoy",
			Content: "el perro de la casa y los gatos de la familia que viven en el jardin",
		}
		out := run(a)
		Expect(out).To(BeEmpty())
		Expect(a.RejectionReason).To(Equal(model.RejectInvalidLanguage))
	})

	It("accepts an English article and sets its detected language", func() {
		a := &model.RawArticle{ID: 1, Title: "Breaking News", Content: "The report was released and the committee said that this was the first of its kind."}
		out := run(a)
		Expect(out).To(HaveLen(1))
		Expect(out[0].Language).To(Equal("en"))
	})

	It("falls back to fetched_at when published_at_raw is empty", func() {
		fetched := time.Now().Add(-time.Hour)
		a := &model.RawArticle{ID: 1, Title: "t", Content: "c", FetchedAt: fetched}
		run(a)
		Expect(a.PublishedAt).To(BeTemporally("==", fetched))
	})

	It("falls back to fetched_at and flags an unparseable published_at_raw", func() {
		fetched := time.Now().Add(-time.Hour)
		a := &model.RawArticle{ID: 1, Title: "t", Content: "c", FetchedAt: fetched, PublishedAtRaw: "not-a-date"}
		run(a)
		Expect(a.PublishedAt).To(BeTemporally("==", fetched))
		Expect(a.QualityFlags).To(ContainElement("warning:unparseable_date"))
	})

	It("parses an RFC3339 published_at_raw", func() {
		a := &model.RawArticle{ID: 1, Title: "t", Content: "c", PublishedAtRaw: "2024-03-15T10:30:00Z"}
		run(a)
		Expect(a.PublishedAt.Year()).To(Equal(2024))
		Expect(a.PublishedAt.Month()).To(Equal(time.March))
	})

	It("flags a future published_at_raw and falls back to fetched_at", func() {
		fetched := time.Now().Add(-time.Hour)
		future := time.Now().Add(48 * time.Hour).Format(time.RFC3339)
		a := &model.RawArticle{ID: 1, Title: "t", Content: "c", FetchedAt: fetched, PublishedAtRaw: future}
		run(a)
		Expect(a.PublishedAt).To(BeTemporally("==", fetched))
		Expect(a.QualityFlags).To(ContainElement("warning:future_date"))
	})

	It("normalizes author names, stripping a leading By prefix and trailing parenthetical", func() {
		a := &model.RawArticle{
			ID: 1, Title: "t", Content: "c",
			Authors: []string{"By  Jane   Doe", "Editor", "John Smith (Staff Writer)", "x"},
		}
		run(a)
		Expect(a.Authors).To(Equal([]string{"Jane Doe", "John Smith"}))
	})

	It("caps normalized authors at five", func() {
		a := &model.RawArticle{
			ID: 1, Title: "t", Content: "c",
			Authors: []string{"Author One", "Author Two", "Author Three", "Author Four", "Author Five", "Author Six"},
		}
		run(a)
		Expect(a.Authors).To(HaveLen(5))
	})

	It("collapses whitespace in the title and trims it", func() {
		a := &model.RawArticle{ID: 1, Title: "  lots   of    space  ", Content: "c"}
		run(a)
		Expect(a.Title).To(Equal("lots of space"))
	})

	It("classifies a technology-heavy article", func() {
		a := &model.RawArticle{
			ID: 1, Title: "New AI software breakthrough",
			Content: "The new digital internet computer software uses tech advances that were announced today.",
		}
		run(a)
		Expect(a.Category).To(Equal("technology"))
	})

	It("classifies as general when fewer than two keyword matches are found", func() {
		a := &model.RawArticle{ID: 1, Title: "A quiet day", Content: "Nothing much happened around here today at all."}
		run(a)
		Expect(a.Category).To(Equal("general"))
	})
})
