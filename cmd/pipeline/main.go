// Command pipeline is the single entry point for the RSS article ingestion
// pipeline: batch creation, stage processing, scheduled maintenance, and
// database migrations, dispatched by subcommand the way the pack's
// flag-based CLIs do.
//
// Usage:
//
//	pipeline process-articles --batch-id <id>   Run one batch through the stage pipeline
//	pipeline health-check                       Report component health and exit
//	pipeline status --batch-id <id>              Print a batch's current row
//	pipeline worker                              Run the scheduler and task-queue consumer loop
//	pipeline migrate [up|down|status]            Apply or inspect database migrations
package main

import (
	"context"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews/internal/config"
)

func main() {
	var (
		configPath = flag.StringP("config", "c", "", "Path to the pipeline YAML configuration document")
		logLevel   = flag.String("log-level", "", "Override the configured log level")
	)
	flag.SetInterspersed(false)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `pipeline - RSS article ingestion pipeline

Usage:
  pipeline <command> [options]

Commands:
  process-articles   Run one batch through the stage pipeline
  health-check       Report component health and exit
  status              Print a batch's current row
  worker              Run the scheduler and task-queue consumer loop
  migrate              Apply or inspect database migrations

Global Options:
  -c, --config       Path to the pipeline YAML configuration document
  --log-level        Override the configured log level

`)
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading configuration: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	log := newLogger(cfg)

	ctx := rootContext()
	command, cmdArgs := args[0], args[1:]

	var runErr error
	switch command {
	case "process-articles":
		runErr = runProcessArticles(ctx, cfg, log, cmdArgs)
	case "health-check":
		runErr = runHealthCheck(ctx, cfg, log, cmdArgs)
	case "status":
		runErr = runStatus(ctx, cfg, log, cmdArgs)
	case "worker":
		runErr = runWorker(ctx, cfg, log, cmdArgs)
	case "migrate":
		runErr = runMigrate(ctx, cfg, log, cmdArgs)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
	if runErr != nil {
		log.WithError(runErr).Error(command)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newLogger(cfg *config.Config) *logrus.Entry {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		l.SetLevel(level)
	}
	return logrus.NewEntry(l)
}

// rootContext returns a background context; the worker subcommand wraps it
// with signal-based cancellation itself, and the other subcommands use it
// as is.
func rootContext() context.Context {
	return context.Background()
}
