package main

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"
	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews/internal/config"
	"github.com/langgraphsystem/rssnews/pkg/model"
	"github.com/langgraphsystem/rssnews/pkg/planner"
)

// runProcessArticles creates a batch if one isn't already supplied, then
// drives it through the full stage pipeline, printing the outcome counts.
func runProcessArticles(ctx context.Context, cfg *config.Config, log *logrus.Entry, args []string) error {
	fs := flag.NewFlagSet("process-articles", flag.ContinueOnError)
	batchID := fs.String("batch-id", "", "Process an already-created batch instead of creating one")
	workerID := fs.String("worker-id", "cli-worker", "Worker identity recorded on the batch and its articles")
	correlationID := fs.String("correlation-id", "", "Correlation ID threaded through logs and audit events")
	traceID := fs.String("trace-id", "", "Trace ID threaded through logs and audit events")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	id := *batchID
	if id == "" {
		created, ok, err := a.coordinator.CreateBatch(ctx, plannerConfig(cfg), *workerID, *correlationID)
		if err != nil {
			return fmt.Errorf("creating batch: %w", err)
		}
		if !ok {
			fmt.Println("no batch created: no eligible candidates or creation lock contended")
			return nil
		}
		id = created
	}

	result, err := a.coordinator.ProcessBatch(ctx, id, *workerID, *correlationID, *traceID, cfg.Pipeline.ProcessingVersion)
	if err != nil {
		return fmt.Errorf("processing batch %s: %w", id, err)
	}
	fmt.Printf("batch %s: %d successful, %d failed, %d skipped\n", id, result.Successful, result.Failed, result.Skipped)
	return nil
}

// plannerConfig maps the configured Planner defaults onto planner.Config.
func plannerConfig(cfg *config.Config) planner.Config {
	return planner.Config{
		TargetSize:              cfg.Planner.TargetSize,
		MinSize:                 cfg.Planner.MinSize,
		MaxSize:                 cfg.Planner.MaxSize,
		Priority:                model.PriorityNormal,
		MaxAgeHours:             cfg.Planner.MaxAgeHours,
		MinQualityScore:         cfg.Planner.MinQualityScore,
		MaxRetryArticlesPercent: cfg.Planner.MaxRetryArticlesPercent,
		DiversityFactor:         cfg.Planner.DiversityFactor,
		ProcessingTimeoutSeconds: 3600,
	}
}
