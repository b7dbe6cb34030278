package stages

import (
	"context"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews/pkg/model"
	"github.com/langgraphsystem/rssnews/pkg/pipeline"
	"github.com/langgraphsystem/rssnews/pkg/storage"
)

const (
	targetChunkWords    = 300
	minChunkWords       = 50
	overlapParagraphs   = 1
	slidingWindowWords  = 300
	slidingOverlapWords = 50
)

var (
	listLineRe  = regexp.MustCompile(`(?m)^\s*([-*•]|\d+[.)])\s+`)
	codeFenceRe = regexp.MustCompile("```")
)

// Chunking is Stage 6: splits the cleaned text of each indexed article
// into search-sized chunks, classifies each chunk's semantic role, and
// scores its importance relative to the article.
type Chunking struct {
	index  *storage.ArticleIndexRepository
	chunks *storage.ChunkRepository
	log    *logrus.Entry
}

// NewChunking constructs Stage 6.
func NewChunking(index *storage.ArticleIndexRepository, chunks *storage.ChunkRepository, log *logrus.Entry) *Chunking {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Chunking{index: index, chunks: chunks, log: log.WithField("stage", "chunking")}
}

func (s *Chunking) Name() string { return "chunking" }

func (s *Chunking) Process(ctx context.Context, articles []*model.RawArticle, pctx *pipeline.Context) ([]*model.RawArticle, error) {
	out := make([]*model.RawArticle, 0, len(articles))

	for _, a := range articles {
		if a.ArticleID == "" {
			a.ErrorLog = append(a.ErrorLog, "chunking: article has no article_id")
			continue
		}

		idx, err := s.index.ByArticleID(ctx, a.ArticleID)
		if err != nil {
			return nil, err
		}

		segments := createChunks(idx.CleanText)
		if len(segments) == 0 {
			out = append(out, a)
			continue
		}

		domain := extractDomain(idx.CanonicalURL)
		titleKeywords := tokenizeTitle(idx.TitleNorm)

		records := make([]*model.Chunk, 0, len(segments))
		for i, seg := range segments {
			record := &model.Chunk{
				ArticleID:       a.ArticleID,
				ChunkIndex:      i,
				Text:            seg.text,
				TextClean:       cleanTextForSearch(seg.text),
				WordCount:       len(strings.Fields(seg.text)),
				CharCount:       len(seg.text),
				CharStart:       seg.charStart,
				CharEnd:         seg.charEnd,
				SemanticType:    determineSemanticType(seg.text, i, len(segments)),
				ChunkStrategy:   seg.strategy,
				Title:           idx.TitleNorm,
				Domain:          domain,
				PublishedAt:     idx.PublishedAt,
				Language:        idx.Language,
				Category:        idx.Category,
				QualityScore:    idx.QualityScore,
			}
			record.ImportanceScore = calculateImportanceScore(record, i, len(segments), titleKeywords)
			records = append(records, record)
		}

		if err := s.chunks.UpsertBatch(ctx, records); err != nil {
			a.ErrorLog = append(a.ErrorLog, "chunking: "+err.Error())
			continue
		}
		if err := s.index.MarkChunkingCompleted(ctx, a.ArticleID); err != nil {
			return nil, err
		}

		out = append(out, a)
	}

	return out, nil
}

type chunkSegment struct {
	text      string
	charStart int
	charEnd   int
	strategy  model.ChunkStrategy
}

// createChunks prefers paragraph-based packing; a single-paragraph text
// falls back to a fixed-size sliding window, and empty text yields no chunks.
func createChunks(text string) []chunkSegment {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	paragraphs := splitParagraphs(text)
	if len(paragraphs) <= 1 {
		return chunkBySlidingWindow(text)
	}
	return chunkByParagraphs(text, paragraphs)
}

type paragraph struct {
	text  string
	start int
	end   int
}

func splitParagraphs(text string) []paragraph {
	var out []paragraph
	offset := 0
	for _, raw := range paragraphBreakRe.Split(text, -1) {
		start := strings.Index(text[offset:], raw)
		if start < 0 {
			start = 0
		}
		absStart := offset + start
		absEnd := absStart + len(raw)
		offset = absEnd
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		out = append(out, paragraph{text: trimmed, start: absStart, end: absEnd})
	}
	return out
}

func chunkByParagraphs(fullText string, paragraphs []paragraph) []chunkSegment {
	var segments []chunkSegment
	var current []paragraph
	currentWords := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		var parts []string
		for _, p := range current {
			parts = append(parts, p.text)
		}
		segments = append(segments, chunkSegment{
			text:      strings.Join(parts, "\n\n"),
			charStart: current[0].start,
			charEnd:   current[len(current)-1].end,
			strategy:  model.ChunkStrategyParagraph,
		})
	}

	for _, p := range paragraphs {
		words := len(strings.Fields(p.text))
		if currentWords > 0 && currentWords+words > targetChunkWords {
			flush()
			if overlapParagraphs > 0 && len(current) >= overlapParagraphs {
				current = append([]paragraph{}, current[len(current)-overlapParagraphs:]...)
				currentWords = 0
				for _, op := range current {
					currentWords += len(strings.Fields(op.text))
				}
			} else {
				current = nil
				currentWords = 0
			}
		}
		current = append(current, p)
		currentWords += words
	}

	if currentWords >= minChunkWords || len(segments) == 0 {
		flush()
	} else if len(segments) > 0 {
		// Too small to stand alone; merge into the previous chunk.
		last := segments[len(segments)-1]
		var parts []string
		for _, p := range current {
			parts = append(parts, p.text)
		}
		segments[len(segments)-1] = chunkSegment{
			text:      last.text + "\n\n" + strings.Join(parts, "\n\n"),
			charStart: last.charStart,
			charEnd:   current[len(current)-1].end,
			strategy:  model.ChunkStrategyParagraph,
		}
	}

	return segments
}

func chunkBySlidingWindow(text string) []chunkSegment {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	stride := slidingWindowWords - slidingOverlapWords
	if stride <= 0 {
		stride = slidingWindowWords
	}

	var segments []chunkSegment
	for i := 0; i < len(words); i += stride {
		end := i + slidingWindowWords
		if end > len(words) {
			end = len(words)
		}
		if i > 0 && end-i < minChunkWords {
			break
		}
		chunkText := strings.Join(words[i:end], " ")
		segments = append(segments, chunkSegment{
			text:     chunkText,
			strategy: model.ChunkStrategySlidingWindow,
		})
		if end == len(words) {
			break
		}
	}
	return segments
}

var conclusionMarkers = []string{"conclusion", "in conclusion", "to summarize", "finally", "in summary"}

func determineSemanticType(text string, index, total int) model.SemanticType {
	textLower := strings.ToLower(text)

	if index == 0 {
		return model.SemanticIntro
	}

	for _, marker := range conclusionMarkers {
		if strings.Contains(textLower, marker) {
			return model.SemanticConclusion
		}
	}

	if listLineRe.MatchString(text) {
		return model.SemanticList
	}

	if strings.Count(text, `"`) >= 2 || strings.Count(text, "”") >= 2 {
		return model.SemanticQuote
	}

	if codeFenceRe.MatchString(text) {
		return model.SemanticCode
	}

	return model.SemanticBody
}

func calculateImportanceScore(c *model.Chunk, index, total int, titleKeywords map[string]bool) float64 {
	score := 0.5

	switch c.SemanticType {
	case model.SemanticIntro:
		score += 0.2
	case model.SemanticConclusion:
		score += 0.15
	case model.SemanticQuote:
		score += 0.05
	}

	if index == 0 && total > 1 {
		score += 0.05
	}

	if len(titleKeywords) > 0 {
		chunkWords := strings.Fields(strings.ToLower(c.Text))
		overlap := 0
		seen := make(map[string]bool)
		for _, w := range chunkWords {
			if titleKeywords[w] && !seen[w] {
				overlap++
				seen[w] = true
			}
		}
		bonus := float64(overlap) / float64(len(titleKeywords)) * 0.2
		if bonus > 0.2 {
			bonus = 0.2
		}
		score += bonus
	}

	switch {
	case c.WordCount < minChunkWords:
		score -= 0.1
	case c.WordCount > targetChunkWords*2:
		score -= 0.05
	}

	return clamp01(score)
}

func tokenizeTitle(titleNorm string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(titleNorm) {
		if len(w) >= 4 {
			out[w] = true
		}
	}
	return out
}

func cleanTextForSearch(text string) string {
	return multiSpaceRe.ReplaceAllString(whitespaceRe.ReplaceAllString(text, " "), " ")
}
