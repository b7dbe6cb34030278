package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/langgraphsystem/rssnews/pkg/model"
)

// DefaultStageConcurrency bounds per-article parallelism within a stage
// that doesn't have a more specific limit to size itself to (e.g. a
// connection pool's capacity).
const DefaultStageConcurrency = 8

// ForEachArticle runs fn over articles with up to limit running
// concurrently, returning the articles fn reported true for, in their
// original order. Used by stages whose per-article work is independent
// I/O (a database write, a remote call) so the stage's wall-clock scales
// with limit rather than len(articles). fn is responsible for recording
// its own failure on the article (ErrorLog, RejectionReason); it never
// aborts the rest of the batch, matching every stage's existing
// best-effort-per-article contract.
func ForEachArticle(ctx context.Context, limit int, articles []*model.RawArticle, fn func(context.Context, *model.RawArticle) bool) []*model.RawArticle {
	if limit <= 0 {
		limit = DefaultStageConcurrency
	}
	survived := make([]bool, len(articles))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, a := range articles {
		i, a := i, a
		g.Go(func() error {
			survived[i] = fn(ctx, a)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*model.RawArticle, 0, len(articles))
	for i, ok := range survived {
		if ok {
			out = append(out, articles[i])
		}
	}
	return out
}
