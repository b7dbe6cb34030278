package stages

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/langgraphsystem/rssnews/pkg/model"
)

var _ = Describe("createChunks", func() {
	It("returns nothing for empty text", func() {
		Expect(createChunks("")).To(BeEmpty())
	})

	It("falls back to a sliding window for single-paragraph text", func() {
		text := strings.Repeat("word ", 500)
		segments := createChunks(text)
		Expect(segments).NotTo(BeEmpty())
		for _, seg := range segments {
			Expect(seg.strategy).To(Equal(model.ChunkStrategySlidingWindow))
		}
	})

	It("chunks multi-paragraph text by paragraph", func() {
		var paras []string
		for i := 0; i < 5; i++ {
			paras = append(paras, strings.Repeat("sentence words here. ", 30))
		}
		text := strings.Join(paras, "\n\n")
		segments := createChunks(text)
		Expect(segments).NotTo(BeEmpty())
		for _, seg := range segments {
			Expect(seg.strategy).To(Equal(model.ChunkStrategyParagraph))
		}
	})

	It("keeps a short trailing paragraph in the same chunk as its predecessor", func() {
		big := strings.Repeat("word ", 290)
		small := "tiny trailer"
		text := big + "\n\n" + small
		segments := createChunks(text)
		Expect(segments).To(HaveLen(1))
		Expect(segments[0].text).To(ContainSubstring("tiny trailer"))
	})
})

var _ = Describe("determineSemanticType", func() {
	It("classifies the first of several chunks as intro", func() {
		Expect(determineSemanticType("plain body text here", 0, 3)).To(Equal(model.SemanticIntro))
	})

	It("classifies a chunk containing a conclusion marker as conclusion, regardless of position", func() {
		Expect(determineSemanticType("To summarize, the results held up.", 1, 3)).To(Equal(model.SemanticConclusion))
	})

	It("does not classify an ordinary last chunk as conclusion without a marker", func() {
		Expect(determineSemanticType("plain body text here", 2, 3)).To(Equal(model.SemanticBody))
	})

	It("lets the first-chunk rule win over a conclusion marker", func() {
		Expect(determineSemanticType("In conclusion, here is how this piece begins.", 0, 3)).To(Equal(model.SemanticIntro))
	})

	It("classifies a bulleted paragraph as a list", func() {
		Expect(determineSemanticType("- first item\n- second item", 1, 3)).To(Equal(model.SemanticList))
	})

	It("classifies a fenced code block as code", func() {
		Expect(determineSemanticType("```go\nfmt.Println(1)\n```", 1, 3)).To(Equal(model.SemanticCode))
	})

	It("classifies a fully quoted paragraph as a quote", func() {
		Expect(determineSemanticType(`"This changes everything."`, 1, 3)).To(Equal(model.SemanticQuote))
	})

	It("classifies a paragraph with an ordinary inline quotation as a quote", func() {
		Expect(determineSemanticType(`She said the plan was "dead on arrival" after the vote.`, 1, 3)).To(Equal(model.SemanticQuote))
	})

	It("classifies an interior paragraph as body", func() {
		Expect(determineSemanticType("ordinary middle paragraph", 1, 3)).To(Equal(model.SemanticBody))
	})

	It("lets the first-chunk rule win over a code fence", func() {
		Expect(determineSemanticType("```go\nfmt.Println(1)\n```", 0, 3)).To(Equal(model.SemanticIntro))
	})
})

var _ = Describe("calculateImportanceScore", func() {
	It("scores an intro chunk higher than an equivalent body chunk", func() {
		titleKeywords := map[string]bool{}
		intro := &model.Chunk{Text: strings.Repeat("word ", 100), WordCount: 100, SemanticType: model.SemanticIntro}
		body := &model.Chunk{Text: strings.Repeat("word ", 100), WordCount: 100, SemanticType: model.SemanticBody}
		Expect(calculateImportanceScore(intro, 0, 3, titleKeywords)).To(BeNumerically(">", calculateImportanceScore(body, 1, 3, titleKeywords)))
	})

	It("rewards title keyword overlap", func() {
		titleKeywords := map[string]bool{"breaking": true, "election": true}
		withOverlap := &model.Chunk{Text: "breaking election coverage continues", WordCount: 4, SemanticType: model.SemanticBody}
		without := &model.Chunk{Text: "ordinary unrelated paragraph content", WordCount: 4, SemanticType: model.SemanticBody}
		Expect(calculateImportanceScore(withOverlap, 1, 3, titleKeywords)).To(BeNumerically(">", calculateImportanceScore(without, 1, 3, titleKeywords)))
	})

	It("penalizes a chunk shorter than the minimum size", func() {
		titleKeywords := map[string]bool{}
		short := &model.Chunk{Text: "short", WordCount: 5, SemanticType: model.SemanticBody}
		Expect(calculateImportanceScore(short, 1, 3, titleKeywords)).To(BeNumerically("<", 0.5))
	})

	It("stays within [0, 1]", func() {
		titleKeywords := map[string]bool{"news": true}
		c := &model.Chunk{Text: "news news news news", WordCount: 4, SemanticType: model.SemanticIntro}
		score := calculateImportanceScore(c, 0, 1, titleKeywords)
		Expect(score).To(BeNumerically(">=", 0))
		Expect(score).To(BeNumerically("<=", 1))
	})
})

var _ = Describe("tokenizeTitle", func() {
	It("keeps only words of length 4 or more", func() {
		got := tokenizeTitle("a new election today")
		Expect(got).To(HaveKey("election"))
		Expect(got).NotTo(HaveKey("a"))
		Expect(got).NotTo(HaveKey("new"))
	})
})

var _ = Describe("cleanTextForSearch", func() {
	It("collapses whitespace", func() {
		Expect(cleanTextForSearch("a   b\n\nc")).To(Equal("a b c"))
	})
})
