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

var _ = Describe("extractCleanText", func() {
	It("strips tags and keeps visible text", func() {
		got := extractCleanText(`<html><body><h1>Headline</h1><p>First paragraph.</p></body></html>`)
		Expect(got).To(ContainSubstring("Headline"))
		Expect(got).To(ContainSubstring("First paragraph."))
		Expect(got).NotTo(ContainSubstring("<"))
	})

	It("drops the contents of script and style elements entirely", func() {
		got := extractCleanText(`<p>Visible</p><script>var x = 1;</script><style>.a{color:red}</style>`)
		Expect(got).To(ContainSubstring("Visible"))
		Expect(got).NotTo(ContainSubstring("var x"))
		Expect(got).NotTo(ContainSubstring("color"))
	})

	It("drops nav, header, footer, and aside content", func() {
		got := extractCleanText(`<nav>Menu</nav><header>Top</header><p>Body</p><footer>Bottom</footer><aside>Sidebar</aside>`)
		Expect(got).To(ContainSubstring("Body"))
		Expect(got).NotTo(ContainSubstring("Menu"))
		Expect(got).NotTo(ContainSubstring("Top"))
		Expect(got).NotTo(ContainSubstring("Bottom"))
		Expect(got).NotTo(ContainSubstring("Sidebar"))
	})
})

var _ = Describe("extractKeywords", func() {
	It("excludes stopwords and words appearing only once", func() {
		text := "economy economy growth growth market market that that this this once"
		got := extractKeywords(text)
		Expect(got).To(ContainElement("economy"))
		Expect(got).To(ContainElement("growth"))
		Expect(got).To(ContainElement("market"))
		Expect(got).NotTo(ContainElement("that"))
		Expect(got).NotTo(ContainElement("this"))
		Expect(got).NotTo(ContainElement("once"))
	})

	It("caps results at 10 keywords", func() {
		var words []string
		for i := 0; i < 15; i++ {
			w := strings.Repeat(string(rune('a'+i)), 5)
			words = append(words, w, w)
		}
		got := extractKeywords(strings.Join(words, " "))
		Expect(len(got)).To(BeNumerically("<=", 10))
	})
})

var _ = Describe("TextCleaning stage", func() {
	var (
		stage *TextCleaning
		pctx  *pipeline.Context
	)

	BeforeEach(func() {
		stage = NewTextCleaning(0, nil)
		pctx = pipeline.NewContext("batch_1", "worker_1", "corr_1", "trace_1", "v1", time.Now())
	})

	run := func(a *model.RawArticle) []*model.RawArticle {
		out, err := stage.Process(context.Background(), []*model.RawArticle{a}, pctx)
		Expect(err).NotTo(HaveOccurred())
		return out
	}

	It("populates clean_text, word_count, and char_count from HTML content", func() {
		a := &model.RawArticle{
			ID: 1, Title: "A Good Headline Here", LangConfidence: 0.9,
			Content: "<p>" + strings.Repeat("word ", 250) + "</p>",
		}
		run(a)
		Expect(a.WordCount).To(Equal(250))
		Expect(a.CleanText).NotTo(ContainSubstring("<"))
	})

	It("accepts a well-formed article above the quality floor", func() {
		a := &model.RawArticle{
			ID: 1, Title: "A Good Headline About News", LangConfidence: 0.9,
			Authors: []string{"Jane Doe"},
			Content: "<p>" + strings.Repeat("The quick brown fox jumps over the lazy dog. ", 40) + "</p>",
		}
		out := run(a)
		Expect(out).To(HaveLen(1))
		Expect(a.QualityScore).To(BeNumerically(">", 0))
	})

	It("rejects an article whose quality score falls below the configured floor", func() {
		stage = NewTextCleaning(0.99, nil)
		a := &model.RawArticle{ID: 1, Title: "x", Content: "<p>ok</p>", LangConfidence: 0.1}
		out := run(a)
		Expect(out).To(BeEmpty())
		Expect(a.RejectionReason).To(Equal(model.RejectLowQuality))
		Expect(a.QualityScore).To(BeNumerically("<", 0.99))
	})
})
