package stages

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/langgraphsystem/rssnews/pkg/model"
)

var _ = Describe("percentile", func() {
	It("returns 0 for an empty slice", func() {
		Expect(percentile(nil, 50)).To(Equal(0.0))
	})

	It("returns the single value regardless of percentile when there is one element", func() {
		Expect(percentile([]float64{0.7}, 25)).To(Equal(0.7))
	})

	It("returns the median for an odd-length sorted slice", func() {
		Expect(percentile([]float64{0.1, 0.5, 0.9}, 50)).To(Equal(0.5))
	})

	It("returns the minimum at p0 and the maximum at p100", func() {
		values := []float64{0.4, 0.1, 0.9, 0.2}
		Expect(percentile(values, 0)).To(Equal(0.1))
		Expect(percentile(values, 100)).To(Equal(0.9))
	})
})

var _ = Describe("distribution", func() {
	It("counts articles by the given key, bucketing empty keys as unknown", func() {
		articles := []*model.RawArticle{
			{Language: "en"}, {Language: "en"}, {Language: "es"}, {Language: ""},
		}
		got := distribution(articles, func(a *model.RawArticle) string { return a.Language })
		Expect(got["en"]).To(Equal(2))
		Expect(got["es"]).To(Equal(1))
		Expect(got["unknown"]).To(Equal(1))
	})
})

var _ = Describe("qualityScores", func() {
	It("extracts the quality score from each article in order", func() {
		articles := []*model.RawArticle{{QualityScore: 0.3}, {QualityScore: 0.8}}
		Expect(qualityScores(articles)).To(Equal([]float64{0.3, 0.8}))
	})
})
