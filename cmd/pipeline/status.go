package main

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"
	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews/internal/config"
)

// runStatus prints a single batch's current row.
func runStatus(ctx context.Context, cfg *config.Config, log *logrus.Entry, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	batchID := fs.String("batch-id", "", "Batch to report on (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *batchID == "" {
		return fmt.Errorf("--batch-id is required")
	}

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	batch, err := a.coordinator.Status(ctx, *batchID)
	if err != nil {
		return fmt.Errorf("loading batch %s: %w", *batchID, err)
	}
	fmt.Printf("batch_id=%s status=%s stage=%d total=%d successful=%d failed=%d skipped=%d\n",
		batch.BatchID, batch.Status, batch.CurrentStage, batch.ArticlesTotal,
		batch.ArticlesSuccessful, batch.ArticlesFailed, batch.ArticlesSkipped)
	return nil
}
