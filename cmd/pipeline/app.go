package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews/internal/apperror"
	"github.com/langgraphsystem/rssnews/internal/config"
	"github.com/langgraphsystem/rssnews/pkg/backpressure"
	"github.com/langgraphsystem/rssnews/pkg/breaker"
	"github.com/langgraphsystem/rssnews/pkg/cache"
	"github.com/langgraphsystem/rssnews/pkg/configstore"
	"github.com/langgraphsystem/rssnews/pkg/coordinator"
	"github.com/langgraphsystem/rssnews/pkg/feedhealth"
	"github.com/langgraphsystem/rssnews/pkg/idempotency"
	"github.com/langgraphsystem/rssnews/pkg/lockmanager"
	"github.com/langgraphsystem/rssnews/pkg/metrics"
	"github.com/langgraphsystem/rssnews/pkg/pipeline"
	"github.com/langgraphsystem/rssnews/pkg/pipeline/stages"
	"github.com/langgraphsystem/rssnews/pkg/planner"
	"github.com/langgraphsystem/rssnews/pkg/ratelimit"
	"github.com/langgraphsystem/rssnews/pkg/scheduler"
	"github.com/langgraphsystem/rssnews/pkg/statemachine"
	"github.com/langgraphsystem/rssnews/pkg/storage"
	"github.com/langgraphsystem/rssnews/pkg/taskqueue"
)

// app bundles every wired component a subcommand might need. Not every
// subcommand uses every field; process-articles and worker need the full
// graph, status and health-check need only a slice of it.
type app struct {
	cfg *config.Config
	log *logrus.Entry

	pool  *storage.Pool
	redis *cache.Client
	sink  *metrics.Sink

	articles  *storage.ArticleRepository
	batches   *storage.BatchRepository
	feeds     *storage.FeedRepository
	locksRepo *storage.LockRepository

	locks   *lockmanager.Manager
	limiter *ratelimit.Manager
	breaker *breaker.Manager
	idem    *idempotency.Store
	health  *feedhealth.Cache
	load    *backpressure.Monitor
	config  *configstore.Store

	// state drives administrative retry/cancel operations; the hot
	// per-article path bypasses it (see pkg/statemachine).
	state *statemachine.Manager
	queue *taskqueue.Manager

	planner     *planner.Planner
	runner      *pipeline.Runner
	coordinator *coordinator.Coordinator
	scheduler   *scheduler.Scheduler
}

// newApp opens every backing connection and wires the full component
// graph from cfg. Callers must call close() when done.
func newApp(ctx context.Context, cfg *config.Config, log *logrus.Entry) (*app, error) {
	pool, err := storage.Open(ctx, storage.Options{
		DSN: cfg.Database.DSN, MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns, ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		QueryTimeout: cfg.Database.QueryTimeout, SynchronousCommitOff: cfg.Database.SynchronousCommitOff,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	redisClient, err := cache.New(cache.Options{
		URL: cfg.Redis.URL, PoolSize: cfg.Redis.PoolSize, DialTimeout: cfg.Redis.DialTimeout,
	}, log)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	articles := storage.NewArticleRepository(pool)
	batches := storage.NewBatchRepository(pool)
	feeds := storage.NewFeedRepository(pool)
	locksRepo := storage.NewLockRepository(pool)
	chunks := storage.NewChunkRepository(pool)
	index := storage.NewArticleIndexRepository(pool)
	diagnostics := storage.NewDiagnosticsRepository(pool)
	alerts := storage.NewAlertRepository(pool)
	metricsRepo := storage.NewMetricsRepository(pool)
	transitions := storage.NewStateTransitionRepository(pool)

	sink := metrics.New(metrics.Options{
		BufferSize: cfg.Monitoring.BufferSize, FlushInterval: cfg.Monitoring.FlushInterval,
	}, redisClient, metricsRepo, log)

	locks := lockmanager.New(redisClient.Client, locksRepo, sink, log)
	limiter := ratelimit.New(redisClient.Client, sink, log)
	breakerMgr := breaker.New(redisClient.Client, sink, log)
	idem := idempotency.New(redisClient.Client, sink, log)
	health := feedhealth.New(redisClient.Client, feeds, sink, log, 0)

	configRepo := storage.NewConfigRepository(pool)
	configStore := configstore.New(configRepo, "pipeline", cfg, sink, log)
	if err := configStore.Load(ctx); err != nil {
		var appErr *apperror.AppError
		if !errors.As(err, &appErr) || appErr.Type != apperror.ErrorTypeNotFound {
			pool.Close()
			_ = redisClient.Close()
			return nil, fmt.Errorf("loading configuration: %w", err)
		}
		log.Info("no persisted configuration found, running with startup defaults")
	}

	load := backpressure.New(backpressure.Options{
		Interval:        cfg.Backpressure.MonitorInterval,
		ErrorRateWeight: cfg.Backpressure.ErrorRateWeight,
	}, batches.QueueDepth, feeds.AverageResponseTime, limiter, sink, metricsRepo, log)

	state := statemachine.New(redisClient.Client, locks, batches, articles, transitions, sink, log)
	queue := taskqueue.New(redisClient.Client, sink, log)

	p := planner.New(locks, load, health, breakerMgr, articles, batches, sink, log)

	stageList := []pipeline.Stage{
		stages.NewValidation(cfg.Pipeline.MaxArticleAgeHours, sink, log),
		stages.NewFeedHealth(health, cfg.Pipeline.MinHealthScore, log),
		stages.NewDeduplication(articles, 0, log),
		stages.NewNormalization(cfg.Pipeline.SupportedLanguages, log),
		stages.NewTextCleaning(cfg.Pipeline.MinQualityScore, log),
		stages.NewIndexing(index, log),
		stages.NewChunking(index, chunks, log),
		stages.NewSearchIndexing(index, sink, log),
		stages.NewDiagnostics(diagnostics, alerts, sink, log),
	}
	runner := pipeline.NewRunner(stageList, articles, batches, sink, log)

	coord := coordinator.New(p, runner, locks, health, batches, log)

	sched := scheduler.New(locks, queue, load, batches.QueueDepth, sink, log, schedulerOwnerID(cfg), scheduler.Options{
		BatchCreationInterval: cfg.Scheduler.BatchCreationInterval,
		MaintenanceInterval:   cfg.Scheduler.MaintenanceInterval,
		EmergencyInterval:     cfg.Scheduler.EmergencyInterval,
		EmergencyQueueDepth:   cfg.Scheduler.EmergencyQueueDepth,
		EmergencyQuietPeriod:  cfg.Scheduler.EmergencyQuietPeriod,
		EmergencyBatchSize:    cfg.Scheduler.EmergencyBatchSize,
	})

	return &app{
		cfg: cfg, log: log,
		pool: pool, redis: redisClient, sink: sink,
		articles: articles, batches: batches, feeds: feeds, locksRepo: locksRepo,
		locks: locks, limiter: limiter, breaker: breakerMgr, idem: idem, health: health, load: load,
		config: configStore,
		state: state, queue: queue,
		planner: p, runner: runner, coordinator: coord, scheduler: sched,
	}, nil
}

func (a *app) close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}

// schedulerOwnerID identifies this process in the leader lock and task
// in-flight claims, hostname plus pid so concurrent instances never collide.
func schedulerOwnerID(cfg *config.Config) string {
	host, err := os.Hostname()
	if err != nil {
		host = "pipeline"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
