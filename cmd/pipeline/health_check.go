package main

import (
	"context"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews/internal/config"
)

// runHealthCheck pings every backing store and reports pass/fail, exiting
// non-zero if any check fails so it composes with a process supervisor's
// liveness probe.
func runHealthCheck(ctx context.Context, cfg *config.Config, log *logrus.Entry, args []string) error {
	fs := flag.NewFlagSet("health-check", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		fmt.Println("database/redis: FAIL")
		return err
	}
	defer a.close()

	healthy := true
	if err := a.pool.Ping(ctx); err != nil {
		fmt.Printf("database: FAIL (%v)\n", err)
		healthy = false
	} else {
		fmt.Println("database: OK")
	}
	if err := a.redis.Ping(ctx).Err(); err != nil {
		fmt.Printf("redis: FAIL (%v)\n", err)
		healthy = false
	} else {
		fmt.Println("redis: OK")
	}

	depth, err := a.batches.QueueDepth(ctx)
	if err != nil {
		fmt.Printf("queue_depth: FAIL (%v)\n", err)
		healthy = false
	} else {
		fmt.Printf("queue_depth: %d\n", depth)
	}

	if !healthy {
		os.Exit(1)
	}
	return nil
}
