package stages

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews/pkg/metrics"
	"github.com/langgraphsystem/rssnews/pkg/model"
	"github.com/langgraphsystem/rssnews/pkg/pipeline"
	"github.com/langgraphsystem/rssnews/pkg/storage"
)

// SearchIndexing is Stage 7: refreshes each article's full-text search
// vector from its title, clean text, and extracted keywords, then marks
// indexing complete. Like Indexing, a failure here is logged on the
// article rather than rejecting it.
type SearchIndexing struct {
	index *storage.ArticleIndexRepository
	sink  *metrics.Sink
	log   *logrus.Entry
}

// NewSearchIndexing constructs Stage 7.
func NewSearchIndexing(index *storage.ArticleIndexRepository, sink *metrics.Sink, log *logrus.Entry) *SearchIndexing {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &SearchIndexing{index: index, sink: sink, log: log.WithField("stage", "search_indexing")}
}

func (s *SearchIndexing) Name() string { return "search_indexing" }

func (s *SearchIndexing) Process(ctx context.Context, articles []*model.RawArticle, pctx *pipeline.Context) ([]*model.RawArticle, error) {
	out := pipeline.ForEachArticle(ctx, pipeline.DefaultStageConcurrency, articles, func(ctx context.Context, a *model.RawArticle) bool {
		if a.ArticleID == "" {
			a.ErrorLog = append(a.ErrorLog, "search_indexing: article has no article_id")
			return false
		}

		if err := s.index.MarkIndexingCompleted(ctx, a.ArticleID, a.TitleNorm, a.CleanText, a.Keywords); err != nil {
			a.ErrorLog = append(a.ErrorLog, "search_indexing: "+err.Error())
			return false
		}

		return true
	})

	if s.sink != nil {
		s.sink.Gauge("pipeline.search_indexing.indexed", float64(len(out)), nil)
	}

	return out, nil
}
