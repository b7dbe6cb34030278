package pipeline

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews/internal/apperror"
	"github.com/langgraphsystem/rssnews/pkg/metrics"
	"github.com/langgraphsystem/rssnews/pkg/model"
	"github.com/langgraphsystem/rssnews/pkg/storage"
)

// Runner loads a batch's claimed articles and drives them through an
// ordered sequence of Stages, persisting the Batch's current_stage after
// each one and the final outcome on completion or failure.
type Runner struct {
	stages   []Stage
	articles *storage.ArticleRepository
	batches  *storage.BatchRepository
	sink     *metrics.Sink
	log      *logrus.Entry
}

// NewRunner constructs a Runner over stages, in the order they will run.
func NewRunner(stages []Stage, articles *storage.ArticleRepository, batches *storage.BatchRepository, sink *metrics.Sink, log *logrus.Entry) *Runner {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Runner{
		stages: stages, articles: articles, batches: batches, sink: sink,
		log: log.WithField("component", "pipeline_runner"),
	}
}

// Result summarizes one Run.
type Result struct {
	Successful int
	Failed     int
	Skipped    int
	Context    *Context
}

// Run loads batchID's claimed articles and runs them through every stage
// in order, updating the Batch row's current_stage after each stage and
// its terminal status on completion or failure. A stage returning an
// error aborts the run and marks the batch failed; per-article rejections
// within a stage do not abort it.
func (r *Runner) Run(ctx context.Context, batchID, workerID, correlationID, traceID, processingVersion string) (*Result, error) {
	startedAt := time.Now().UTC()
	pctx := NewContext(batchID, workerID, correlationID, traceID, processingVersion, startedAt)

	articles, err := r.articles.InBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	total := len(articles)

	if err := r.batches.SetStatus(ctx, batchID, model.BatchStatusProcessing, startedAt); err != nil {
		return nil, err
	}

	for i, stage := range r.stages {
		before := len(articles)
		stageStart := time.Now()

		survivors, err := stage.Process(ctx, articles, pctx)
		elapsed := time.Since(stageStart)

		if err != nil {
			r.record(stage.Name(), "error")
			if failErr := r.batches.SetStatus(ctx, batchID, model.BatchStatusFailed, time.Now().UTC()); failErr != nil {
				r.log.WithError(failErr).Warn("marking batch failed after stage error also failed")
			}
			return nil, apperror.Wrap(err, apperror.ErrorTypeInternal, "pipeline stage "+stage.Name()+" failed").WithDetails(batchID)
		}

		dropped := droppedArticles(articles, survivors)
		rejected, errored := 0, 0
		for _, a := range dropped {
			status := model.RawArticleStatusFailed
			if a.RejectionReason != "" {
				status = model.RawArticleStatusRejected
				rejected++
			} else {
				errored++
			}
			if err := r.articles.SetTerminalStatus(ctx, a.ID, status); err != nil {
				return nil, err
			}
		}
		pctx.recordStage(stage.Name(), elapsed, before, len(survivors), rejected, errored)
		if r.sink != nil {
			r.sink.Timing("pipeline.stage."+stage.Name()+".duration", elapsed, nil)
		}

		articles = survivors
		if setErr := r.batches.SetCurrentStage(ctx, batchID, i+1); setErr != nil {
			return nil, setErr
		}
		if len(articles) == 0 {
			break
		}
	}

	successful, failed, skipped := finalCounts(total, articles)
	processingTimeMs := time.Since(startedAt).Milliseconds()

	if err := r.batches.Finish(ctx, batchID, model.BatchStatusCompleted, successful, failed, skipped, processingTimeMs, "", time.Now().UTC()); err != nil {
		return nil, err
	}

	successRate := 1.0
	if total > 0 {
		successRate = float64(successful) / float64(total)
	}
	if r.sink != nil {
		r.sink.Timing("pipeline.batch.duration", time.Since(startedAt), nil)
		r.sink.Gauge("pipeline.batch.success_rate", successRate, nil)
	}

	return &Result{Successful: successful, Failed: failed, Skipped: skipped, Context: pctx}, nil
}

func (r *Runner) record(stage, outcome string) {
	if r.sink != nil {
		r.sink.Incr("pipeline.stage."+stage+"."+outcome, 1, nil)
	}
}

// droppedArticles returns the articles present in before but absent from
// after, in before's order.
func droppedArticles(before, after []*model.RawArticle) []*model.RawArticle {
	survived := make(map[int64]bool, len(after))
	for _, a := range after {
		survived[a.ID] = true
	}
	dropped := make([]*model.RawArticle, 0, len(before)-len(after))
	for _, a := range before {
		if !survived[a.ID] {
			dropped = append(dropped, a)
		}
	}
	return dropped
}

func finalCounts(total int, survivors []*model.RawArticle) (successful, failed, skipped int) {
	successful = len(survivors)
	skipped = total - successful
	return successful, failed, skipped
}
