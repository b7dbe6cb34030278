package stages

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews/pkg/model"
	"github.com/langgraphsystem/rssnews/pkg/pipeline"
	"github.com/langgraphsystem/rssnews/pkg/storage"
)

var nonWordRe = regexp.MustCompile(`[^\w\s]`)

// Indexing is Stage 5: writes an ArticleIndex row for each surviving
// article and marks it processed. An article whose index write fails is
// dropped from the surviving set with the error in its ErrorLog and no
// rejection reason; the other articles continue.
type Indexing struct {
	index *storage.ArticleIndexRepository
	log   *logrus.Entry
}

// NewIndexing constructs Stage 5.
func NewIndexing(index *storage.ArticleIndexRepository, log *logrus.Entry) *Indexing {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Indexing{index: index, log: log.WithField("stage", "indexing")}
}

func (s *Indexing) Name() string { return "indexing" }

func (s *Indexing) Process(ctx context.Context, articles []*model.RawArticle, pctx *pipeline.Context) ([]*model.RawArticle, error) {
	out := pipeline.ForEachArticle(ctx, pipeline.DefaultStageConcurrency, articles, func(ctx context.Context, a *model.RawArticle) bool {
		articleID := generateArticleID(a)
		a.ArticleID = articleID

		textHash := ""
		if a.TextHash != nil {
			textHash = *a.TextHash
		}
		canonical := a.CanonicalURL
		if canonical == "" {
			canonical = a.URL
		}
		a.TitleNorm = normalizeForSearch(a.Title)

		idx := &model.ArticleIndex{
			ArticleID:          articleID,
			RawArticleID:       a.ID,
			FeedID:             a.FeedID,
			CanonicalURL:       canonical,
			URLHash:            a.URLHash,
			TextHash:           textHash,
			TitleNorm:          a.TitleNorm,
			CleanText:          a.CleanText,
			Language:           orDefault(a.Language, "en"),
			LanguageConfidence: a.LangConfidence,
			Category:           a.Category,
			QualityScore:       a.QualityScore,
			QualityFlags:       a.QualityFlags,
			IsDuplicate:        a.Rejected && (a.RejectionReason == model.RejectDuplicateURL || a.RejectionReason == model.RejectDuplicateContent),
			DupReason:          string(a.RejectionReason),
			DupOriginalID:      a.DupOriginalID,
			DupSimilarityScore: a.DupSimilarity,
			ReadyForChunking:   true,
			ProcessingVersion:  pctx.ProcessingVersion,
			PublishedAt:        a.PublishedAt,
		}

		if err := s.index.Upsert(ctx, idx); err != nil {
			a.ErrorLog = append(a.ErrorLog, "indexing: "+err.Error())
			return false
		}

		a.Status = model.RawArticleStatusProcessed
		return true
	})

	return out, nil
}

func generateArticleID(a *model.RawArticle) string {
	dateStr := "unknown"
	if !a.PublishedAt.IsZero() {
		dateStr = a.PublishedAt.UTC().Format("20060102")
	}
	sum := sha256.Sum256([]byte(a.URLHash + "_" + dateStr))
	return hex.EncodeToString(sum[:])[:16]
}

func normalizeForSearch(text string) string {
	if text == "" {
		return ""
	}
	normalized := strings.ToLower(text)
	normalized = nonWordRe.ReplaceAllString(normalized, " ")
	normalized = whitespaceRe.ReplaceAllString(normalized, " ")
	return strings.TrimSpace(normalized)
}

func extractDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
