// Package config loads the pipeline's persisted configuration document
// (pipeline, database, redis, monitoring, feature-flag and scheduler
// settings) from a YAML file, applying field-level defaults so a minimal
// document is still valid.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the single root configuration document for the pipeline.
type Config struct {
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`

	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Planner     PlannerConfig     `yaml:"planner"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Backpressure BackpressureConfig `yaml:"backpressure"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
	Features    FeaturesConfig    `yaml:"features"`
}

type ServerConfig struct {
	MetricsPort string `yaml:"metrics_port"`
	HealthPort  string `yaml:"health_port"`
}

type DatabaseConfig struct {
	DSN                   string        `yaml:"dsn"`
	MaxOpenConns          int           `yaml:"max_open_conns"`
	MaxIdleConns          int           `yaml:"max_idle_conns"`
	ConnMaxLifetime       time.Duration `yaml:"conn_max_lifetime"`
	// SynchronousCommitOff relaxes Postgres durability (SET LOCAL
	// synchronous_commit = off) for non-lock-critical transactions. Default
	// false keeps the durable default.
	SynchronousCommitOff bool          `yaml:"synchronous_commit_off"`
	QueryTimeout          time.Duration `yaml:"query_timeout"`
}

type RedisConfig struct {
	URL          string        `yaml:"url"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
}

// PipelineConfig configures the nine-stage pipeline runner.
type PipelineConfig struct {
	MaxArticleAgeHours   float64       `yaml:"max_article_age_hours"`
	MinQualityScore      float64       `yaml:"min_quality_score"`
	MinHealthScore       int           `yaml:"min_health_score"`
	SupportedLanguages   []string      `yaml:"supported_languages"`
	ChunkingTargetSize   int           `yaml:"chunking_target_size"`
	ChunkingMinSize      int           `yaml:"chunking_min_size"`
	ChunkingOverlap      int           `yaml:"chunking_overlap"`
	StageTimeout         time.Duration `yaml:"stage_timeout"`
	SoftDeadline         time.Duration `yaml:"soft_deadline"`
	HardDeadline         time.Duration `yaml:"hard_deadline"`
	ProcessingVersion    string        `yaml:"processing_version"`
}

// PlannerConfig configures the Batch Planner.
type PlannerConfig struct {
	TargetSize              int     `yaml:"target_size"`
	MinSize                 int     `yaml:"min_size"`
	MaxSize                 int     `yaml:"max_size"`
	MaxAgeHours             float64 `yaml:"max_age_hours"`
	MinQualityScore         float64 `yaml:"min_quality_score"`
	MaxRetryArticlesPercent float64 `yaml:"max_retry_articles_percent"`
	DiversityFactor         float64 `yaml:"diversity_factor"`
	LockTTL                 time.Duration `yaml:"lock_ttl"`
	ArticleLeaseTTL         time.Duration `yaml:"article_lease_ttl"`
}

// BreakerConfig configures the Circuit Breaker default thresholds.
type BreakerConfig struct {
	FailureThreshold    int           `yaml:"failure_threshold"`
	SuccessThreshold    int           `yaml:"success_threshold"`
	Timeout             time.Duration `yaml:"timeout"`
	MaxRequestsHalfOpen int           `yaml:"max_requests_half_open"`
}

// RateLimitConfig configures the default rate limiter.
type RateLimitConfig struct {
	MaxRequests    int           `yaml:"max_requests"`
	Window         time.Duration `yaml:"window"`
	BurstAllowance int           `yaml:"burst_allowance"`
	Strategy       string        `yaml:"strategy"`
}

// BackpressureConfig configures the Backpressure Monitor.
type BackpressureConfig struct {
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	ErrorRateWeight float64       `yaml:"error_rate_weight"`
}

// SchedulerConfig configures the three Scheduler loops.
type SchedulerConfig struct {
	BatchCreationInterval time.Duration `yaml:"batch_creation_interval"`
	MaintenanceInterval   time.Duration `yaml:"maintenance_interval"`
	EmergencyInterval     time.Duration `yaml:"emergency_interval"`
	EmergencyQueueDepth   int           `yaml:"emergency_queue_depth"`
	EmergencyQuietPeriod  time.Duration `yaml:"emergency_quiet_period"`
	EmergencyBatchSize    int           `yaml:"emergency_batch_size"`
}

type MonitoringConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

type FeaturesConfig struct {
	SemanticDedup bool `yaml:"semantic_dedup"`
}

// Load reads and parses the YAML configuration document at path, applying
// defaults for any fields left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// Default returns a Config populated entirely with defaults, used by tests
// and by callers that have no YAML document (e.g. unit tests of components).
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(c *Config) {
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Server.MetricsPort == "" {
		c.Server.MetricsPort = "9090"
	}
	if c.Server.HealthPort == "" {
		c.Server.HealthPort = "8080"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 30 * time.Minute
	}
	if c.Database.QueryTimeout == 0 {
		c.Database.QueryTimeout = 30 * time.Second
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 10
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Pipeline.MaxArticleAgeHours == 0 {
		c.Pipeline.MaxArticleAgeHours = 168
	}
	if c.Pipeline.MinQualityScore == 0 {
		c.Pipeline.MinQualityScore = 0.3
	}
	if c.Pipeline.MinHealthScore == 0 {
		c.Pipeline.MinHealthScore = 50
	}
	if len(c.Pipeline.SupportedLanguages) == 0 {
		c.Pipeline.SupportedLanguages = []string{"en", "es", "fr", "de", "ru", "pt", "it"}
	}
	if c.Pipeline.ChunkingTargetSize == 0 {
		c.Pipeline.ChunkingTargetSize = 400
	}
	if c.Pipeline.ChunkingMinSize == 0 {
		c.Pipeline.ChunkingMinSize = 50
	}
	if c.Pipeline.ChunkingOverlap == 0 {
		c.Pipeline.ChunkingOverlap = 50
	}
	if c.Pipeline.StageTimeout == 0 {
		c.Pipeline.StageTimeout = 60 * time.Second
	}
	if c.Pipeline.SoftDeadline == 0 {
		c.Pipeline.SoftDeadline = 25 * time.Minute
	}
	if c.Pipeline.HardDeadline == 0 {
		c.Pipeline.HardDeadline = 30 * time.Minute
	}
	if c.Pipeline.ProcessingVersion == "" {
		c.Pipeline.ProcessingVersion = "v1"
	}
	if c.Planner.TargetSize == 0 {
		c.Planner.TargetSize = 200
	}
	if c.Planner.MinSize == 0 {
		c.Planner.MinSize = 100
	}
	if c.Planner.MaxSize == 0 {
		c.Planner.MaxSize = 300
	}
	if c.Planner.MaxAgeHours == 0 {
		c.Planner.MaxAgeHours = 72
	}
	if c.Planner.MinQualityScore == 0 {
		c.Planner.MinQualityScore = 0.3
	}
	if c.Planner.MaxRetryArticlesPercent == 0 {
		c.Planner.MaxRetryArticlesPercent = 30
	}
	if c.Planner.DiversityFactor == 0 {
		c.Planner.DiversityFactor = 0.2
	}
	if c.Planner.LockTTL == 0 {
		c.Planner.LockTTL = 30 * time.Second
	}
	if c.Planner.ArticleLeaseTTL == 0 {
		c.Planner.ArticleLeaseTTL = 2 * time.Hour
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.SuccessThreshold == 0 {
		c.Breaker.SuccessThreshold = 3
	}
	if c.Breaker.Timeout == 0 {
		c.Breaker.Timeout = 60 * time.Second
	}
	if c.Breaker.MaxRequestsHalfOpen == 0 {
		c.Breaker.MaxRequestsHalfOpen = 5
	}
	if c.RateLimit.MaxRequests == 0 {
		c.RateLimit.MaxRequests = 100
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = 60 * time.Second
	}
	if c.RateLimit.BurstAllowance == 0 {
		c.RateLimit.BurstAllowance = 20
	}
	if c.RateLimit.Strategy == "" {
		c.RateLimit.Strategy = "sliding_window"
	}
	if c.Backpressure.MonitorInterval == 0 {
		c.Backpressure.MonitorInterval = 30 * time.Second
	}
	if c.Backpressure.ErrorRateWeight == 0 {
		c.Backpressure.ErrorRateWeight = 2.0
	}
	if c.Scheduler.BatchCreationInterval == 0 {
		c.Scheduler.BatchCreationInterval = 30 * time.Second
	}
	if c.Scheduler.MaintenanceInterval == 0 {
		c.Scheduler.MaintenanceInterval = time.Hour
	}
	if c.Scheduler.EmergencyInterval == 0 {
		c.Scheduler.EmergencyInterval = 60 * time.Second
	}
	if c.Scheduler.EmergencyQueueDepth == 0 {
		c.Scheduler.EmergencyQueueDepth = 1000
	}
	if c.Scheduler.EmergencyQuietPeriod == 0 {
		c.Scheduler.EmergencyQuietPeriod = 5 * time.Minute
	}
	if c.Scheduler.EmergencyBatchSize == 0 {
		c.Scheduler.EmergencyBatchSize = 100
	}
	if c.Monitoring.FlushInterval == 0 {
		c.Monitoring.FlushInterval = 10 * time.Second
	}
	if c.Monitoring.BufferSize == 0 {
		c.Monitoring.BufferSize = 1000
	}
}
