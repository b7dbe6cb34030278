package pipeline

import (
	"context"

	"github.com/langgraphsystem/rssnews/pkg/model"
)

// Stage processes a batch of articles, returning the surviving subset.
// Stages never delete articles; rejected or errored articles are dropped
// from the returned slice but their RawArticle.Status/RejectionReason
// reflect the outcome for the Runner to persist.
type Stage interface {
	Name() string
	Process(ctx context.Context, articles []*model.RawArticle, pctx *Context) ([]*model.RawArticle, error)
}
