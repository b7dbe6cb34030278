package stages

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews/pkg/model"
	"github.com/langgraphsystem/rssnews/pkg/pipeline"
	"github.com/langgraphsystem/rssnews/pkg/storage"
)

// DefaultDuplicateWindow is how far back URL/content hashes are checked
// for a duplicate match.
const DefaultDuplicateWindow = 30 * 24 * time.Hour

// Deduplication is Stage 2: rejects articles whose url_hash or text_hash
// matches a previously indexed article within the duplicate window.
type Deduplication struct {
	Window   time.Duration
	articles *storage.ArticleRepository
	log      *logrus.Entry
}

// NewDeduplication constructs Stage 2. window <= 0 uses DefaultDuplicateWindow.
func NewDeduplication(articles *storage.ArticleRepository, window time.Duration, log *logrus.Entry) *Deduplication {
	if window <= 0 {
		window = DefaultDuplicateWindow
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Deduplication{Window: window, articles: articles, log: log.WithField("stage", "deduplication")}
}

func (s *Deduplication) Name() string { return "deduplication" }

func (s *Deduplication) Process(ctx context.Context, articles []*model.RawArticle, pctx *pipeline.Context) ([]*model.RawArticle, error) {
	since := time.Now().UTC().Add(-s.Window)
	out := make([]*model.RawArticle, 0, len(articles))

	for _, a := range articles {
		if a.Content != "" {
			h := textHash(a.Content)
			a.TextHash = &h
		}

		if origID, found, err := s.articles.URLHashExistsWithin(ctx, a.URLHash, since); err != nil {
			return nil, err
		} else if found {
			a.DupOriginalID = origID
			a.DupSimilarity = 1.0
			reject(a, model.RejectDuplicateURL)
			a.Status = model.RawArticleStatusDuplicate
			continue
		}

		if a.TextHash != nil {
			if origID, found, err := s.articles.TextHashExistsWithin(ctx, *a.TextHash, since); err != nil {
				return nil, err
			} else if found {
				a.DupOriginalID = origID
				a.DupSimilarity = 1.0
				reject(a, model.RejectDuplicateContent)
				a.Status = model.RawArticleStatusDuplicate
				continue
			}
		}

		out = append(out, a)
	}

	return out, nil
}

func textHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
