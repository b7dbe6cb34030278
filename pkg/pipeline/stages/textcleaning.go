package stages

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"

	"github.com/langgraphsystem/rssnews/pkg/model"
	"github.com/langgraphsystem/rssnews/pkg/pipeline"
)

// DefaultMinQualityScore is the Stage 4 admission floor.
const DefaultMinQualityScore = 0.3

var skippedTags = map[string]bool{
	"script": true, "style": true, "nav": true, "header": true, "footer": true, "aside": true,
}

var (
	paragraphBreakRe = regexp.MustCompile(`\n\s*\n`)
	multiSpaceRe     = regexp.MustCompile(` +`)
	keywordTokenRe   = regexp.MustCompile(`[a-zA-Z]{4,}`)
)

var keywordStopwords = map[string]bool{
	"that": true, "with": true, "have": true, "this": true, "will": true, "from": true,
	"they": true, "been": true, "said": true, "each": true, "which": true, "their": true,
	"time": true, "about": true, "would": true, "there": true, "could": true, "other": true,
	"after": true, "first": true, "well": true, "many": true, "some": true, "these": true, "more": true,
}

// TextCleaning is Stage 4: extracts plain text from HTML content,
// computes text metrics and a quality score, and rejects articles below
// the configured quality floor.
type TextCleaning struct {
	MinQualityScore float64
	log             *logrus.Entry
}

// NewTextCleaning constructs Stage 4. minQualityScore <= 0 uses
// DefaultMinQualityScore.
func NewTextCleaning(minQualityScore float64, log *logrus.Entry) *TextCleaning {
	if minQualityScore <= 0 {
		minQualityScore = DefaultMinQualityScore
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &TextCleaning{MinQualityScore: minQualityScore, log: log.WithField("stage", "text_cleaning")}
}

func (s *TextCleaning) Name() string { return "text_cleaning" }

func (s *TextCleaning) Process(ctx context.Context, articles []*model.RawArticle, pctx *pipeline.Context) ([]*model.RawArticle, error) {
	out := make([]*model.RawArticle, 0, len(articles))

	for _, a := range articles {
		if a.Content != "" {
			a.CleanText = extractCleanText(a.Content)
		}

		a.CharCount = len(a.CleanText)
		words := strings.Fields(a.CleanText)
		a.WordCount = len(words)

		var readability *float64
		if a.WordCount > 10 {
			r := fleschReadingEase(a.CleanText)
			readability = &r
		}

		score := assessContentQuality(a, readability)
		a.QualityScore = score

		if score < s.MinQualityScore {
			reject(a, model.RejectLowQuality)
			continue
		}

		a.Keywords = extractKeywords(a.CleanText)
		out = append(out, a)
	}

	return out, nil
}

// extractCleanText strips HTML tags, dropping the contents of
// script/style/nav/header/footer/aside elements entirely, and
// normalizes resulting whitespace.
func extractCleanText(htmlContent string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(htmlContent))
	var buf strings.Builder
	skipDepth := 0

	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			break
		}
		tok := tokenizer.Token()

		switch tt {
		case html.StartTagToken:
			if skippedTags[tok.Data] {
				skipDepth++
			}
		case html.EndTagToken:
			if skippedTags[tok.Data] && skipDepth > 0 {
				skipDepth--
			}
		case html.TextToken:
			if skipDepth == 0 {
				buf.WriteString(tok.Data)
				buf.WriteByte(' ')
			}
		}
	}

	text := buf.String()
	text = paragraphBreakRe.ReplaceAllString(text, "\n\n")
	text = multiSpaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// fleschReadingEase computes the Flesch Reading Ease score: higher
// values mean easier to read.
func fleschReadingEase(text string) float64 {
	sentences := countSentences(text)
	words := strings.Fields(text)
	wordCount := len(words)
	if sentences == 0 || wordCount == 0 {
		return 0
	}
	syllables := 0
	for _, w := range words {
		syllables += countSyllables(w)
	}
	return 206.835 - 1.015*(float64(wordCount)/float64(sentences)) - 84.6*(float64(syllables)/float64(wordCount))
}

func countSentences(text string) int {
	count := 0
	for _, r := range text {
		if r == '.' || r == '!' || r == '?' {
			count++
		}
	}
	if count == 0 {
		return 1
	}
	return count
}

func countSyllables(word string) int {
	word = strings.ToLower(strings.TrimFunc(word, func(r rune) bool { return !unicode.IsLetter(r) }))
	if word == "" {
		return 0
	}
	vowels := "aeiouy"
	count := 0
	prevVowel := false
	for _, r := range word {
		isVowel := strings.ContainsRune(vowels, r)
		if isVowel && !prevVowel {
			count++
		}
		prevVowel = isVowel
	}
	if strings.HasSuffix(word, "e") && count > 1 {
		count--
	}
	if count == 0 {
		count = 1
	}
	return count
}

func assessContentQuality(a *model.RawArticle, readability *float64) float64 {
	type factor struct {
		score  float64
		weight float64
	}
	var factors []factor

	if a.WordCount > 0 {
		var wordScore float64
		switch {
		case a.WordCount >= 100 && a.WordCount <= 200:
			wordScore = 0.7
		case a.WordCount > 200 && a.WordCount <= 1000:
			wordScore = 1.0
		case a.WordCount > 1000 && a.WordCount <= 2000:
			wordScore = 0.9
		case a.WordCount > 2000:
			wordScore = 0.8
		default:
			wordScore = max64(0.1, float64(a.WordCount)/100.0)
		}
		factors = append(factors, factor{wordScore, 0.3})
	}

	titleScore := 0.5
	if a.Title != "" {
		titleLen := len(strings.Fields(a.Title))
		switch {
		case titleLen >= 5 && titleLen <= 15:
			titleScore = 1.0
		case titleLen >= 3 && titleLen <= 20:
			titleScore = 0.8
		default:
			titleScore = 0.6
		}
	}
	factors = append(factors, factor{titleScore, 0.2})

	langScore := minF(1.0, a.LangConfidence*2)
	factors = append(factors, factor{langScore, 0.2})

	readabilityScore := 0.7
	if readability != nil {
		switch {
		case *readability >= 60:
			readabilityScore = 1.0
		case *readability >= 30:
			readabilityScore = 0.8
		default:
			readabilityScore = 0.6
		}
	}
	factors = append(factors, factor{readabilityScore, 0.1})

	authorScore := 0.5
	if len(a.Authors) > 0 {
		authorScore = 1.0
	}
	factors = append(factors, factor{authorScore, 0.1})

	dateScore := 0.8
	factors = append(factors, factor{dateScore, 0.1})

	totalWeight := 0.0
	weighted := 0.0
	for _, f := range factors {
		totalWeight += f.weight
		weighted += f.score * f.weight
	}
	score := 0.0
	if totalWeight > 0 {
		score = weighted / totalWeight
	}

	penalty := 0.0
	for _, flag := range a.QualityFlags {
		if strings.HasPrefix(flag, "error:") {
			penalty += 0.1
		} else if strings.HasPrefix(flag, "warning:") {
			penalty += 0.05
		}
	}
	score -= penalty

	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func max64(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// extractKeywords returns up to 10 words appearing at least twice,
// excluding a short common-word stoplist, ordered by descending
// frequency then first appearance.
func extractKeywords(text string) []string {
	text = strings.ToLower(text)
	matches := keywordTokenRe.FindAllString(text, -1)

	freq := make(map[string]int)
	firstSeen := make(map[string]int)
	for i, w := range matches {
		if keywordStopwords[w] {
			continue
		}
		if _, ok := firstSeen[w]; !ok {
			firstSeen[w] = i
		}
		freq[w]++
	}

	type candidate struct {
		word  string
		count int
		first int
	}
	var candidates []candidate
	for w, c := range freq {
		if c >= 2 {
			candidates = append(candidates, candidate{w, c, firstSeen[w]})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].count != candidates[j].count {
			return candidates[i].count > candidates[j].count
		}
		return candidates[i].first < candidates[j].first
	})

	limit := 10
	if len(candidates) < limit {
		limit = len(candidates)
	}
	out := make([]string, limit)
	for i := 0; i < limit; i++ {
		out[i] = candidates[i].word
	}
	return out
}
