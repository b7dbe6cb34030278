// Package ratelimit implements fixed-window, sliding-window, token-bucket,
// and load-adaptive rate limiting over Redis.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews/internal/apperror"
	"github.com/langgraphsystem/rssnews/pkg/metrics"
)

// Strategy selects the limiting algorithm a named limiter uses.
type Strategy string

const (
	StrategyFixedWindow   Strategy = "fixed_window"
	StrategySlidingWindow Strategy = "sliding_window"
	StrategyTokenBucket   Strategy = "token_bucket"
	StrategyAdaptive      Strategy = "adaptive"
)

// Config tunes one named limiter.
type Config struct {
	MaxRequests    int
	Window         time.Duration
	Strategy       Strategy
	BurstAllowance int
}

// LoadFunc reports the current system load factor in [0, 1], consulted by
// adaptive limiters. A nil LoadFunc is treated as zero load (no throttle).
type LoadFunc func() float64

// Manager owns one Redis-backed limiter per named resource.
type Manager struct {
	redis *redis.Client
	sink  *metrics.Sink
	log   *logrus.Entry
	load  LoadFunc

	mu            sync.Mutex
	base          map[string]Config // as registered, never mutated by load adjustment
	adjusted      map[string]Config // effective config consulted by Allow
	tokenBucketSc *redis.Script
}

// New constructs a Manager. sink may be nil; load defaults to zero load if
// nil (use SetLoadFunc to wire pkg/backpressure's live load factor).
func New(rdb *redis.Client, sink *metrics.Sink, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		redis:         rdb,
		sink:          sink,
		log:           log.WithField("component", "rate_limiter"),
		base:          make(map[string]Config),
		adjusted:      make(map[string]Config),
		tokenBucketSc: redis.NewScript(tokenBucketLua),
	}
}

// SetLoadFunc wires the load factor source consulted by adaptive limiters.
func (m *Manager) SetLoadFunc(f LoadFunc) { m.load = f }

// Register creates or replaces a named limiter's configuration, resetting
// any load-driven adjustment previously applied to it.
func (m *Manager) Register(name string, cfg Config) {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.base[name] = cfg
	m.adjusted[name] = cfg
}

// configFor returns the named limiter's effective config, defaulting to a
// sliding window of 100 req/min if never registered.
func (m *Manager) configFor(name string) Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg, ok := m.adjusted[name]; ok {
		return cfg
	}
	cfg := Config{MaxRequests: 100, Window: time.Minute, Strategy: StrategySlidingWindow}
	m.base[name] = cfg
	m.adjusted[name] = cfg
	return cfg
}

// AdjustWindow overrides the named limiter's effective window, computed
// fresh from its registered base each call so repeated adjustments never
// compound. A zero window or an unregistered name is a no-op.
func (m *Manager) AdjustWindow(name string, window time.Duration) {
	if window <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	base, ok := m.base[name]
	if !ok {
		return
	}
	adjusted := base
	adjusted.Window = window
	m.adjusted[name] = adjusted
}

// AdjustMaxMultiplier rescales the named limiter's effective MaxRequests by
// factor relative to its registered base (not the currently adjusted
// value), so successive calls reflect the current load rather than
// compounding prior adjustments. factor is clamped to keep at least one
// request permitted.
func (m *Manager) AdjustMaxMultiplier(name string, factor float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	base, ok := m.base[name]
	if !ok {
		return
	}
	adjusted := m.adjusted[name]
	max := int(float64(base.MaxRequests) * factor)
	if max < 1 {
		max = 1
	}
	adjusted.MaxRequests = max
	if adjusted.Window <= 0 {
		adjusted.Window = base.Window
	}
	if adjusted.Strategy == "" {
		adjusted.Strategy = base.Strategy
	}
	m.adjusted[name] = adjusted
}

// Reset drops any load-driven adjustment for name, reverting it to its
// registered base config.
func (m *Manager) Reset(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if base, ok := m.base[name]; ok {
		m.adjusted[name] = base
	}
}

// Allow reports whether a request of the given cost against key is within
// the named limiter's current limit. key distinguishes subjects sharing one
// limiter (a domain, a worker id); pass "" for a limiter with no subject
// dimension.
func (m *Manager) Allow(ctx context.Context, name, key string, cost int) (bool, error) {
	if cost <= 0 {
		cost = 1
	}
	cfg := m.configFor(name)
	var (
		ok  bool
		err error
	)
	switch cfg.Strategy {
	case StrategyTokenBucket:
		ok, err = m.tokenBucketAllow(ctx, name, key, cfg, cost)
	case StrategyFixedWindow:
		ok, err = m.fixedWindowAllow(ctx, name, key, cfg, cost)
	case StrategyAdaptive:
		ok, err = m.adaptiveAllow(ctx, name, key, cfg, cost)
	default:
		ok, err = m.slidingWindowAllow(ctx, name, key, cfg, cost)
	}
	if err != nil {
		return false, err
	}
	m.recordOutcome(name, key, ok)
	return ok, nil
}

// RequireAllow is Allow wrapped in an AppError for callers that want the
// standard error-returning shape instead of a bool.
func (m *Manager) RequireAllow(ctx context.Context, name, key string, cost int) error {
	ok, err := m.Allow(ctx, name, key, cost)
	if err != nil {
		return err
	}
	if !ok {
		return apperror.New(apperror.ErrorTypeRateLimit, fmt.Sprintf("rate limit exceeded for %s:%s", name, key))
	}
	return nil
}

func (m *Manager) slidingWindowAllow(ctx context.Context, name, key string, cfg Config, cost int) (bool, error) {
	now := time.Now()
	windowStart := now.Add(-cfg.Window)
	setKey := fmt.Sprintf("rate_limit:%s:requests:%s", name, key)
	member := fmt.Sprintf("%d_%s", now.UnixMilli(), uuid.NewString()[:8])

	pipe := m.redis.TxPipeline()
	pipe.ZRemRangeByScore(ctx, setKey, "0", fmt.Sprintf("%d", windowStart.UnixMilli()))
	card := pipe.ZCard(ctx, setKey)
	pipe.ZAdd(ctx, setKey, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	pipe.Expire(ctx, setKey, cfg.Window+10*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, apperror.Wrap(err, apperror.ErrorTypeNetwork, "sliding window rate check")
	}

	current := int(card.Val())
	if current+cost > cfg.MaxRequests {
		m.redis.ZRem(ctx, setKey, member)
		return false, nil
	}
	return true, nil
}

func (m *Manager) fixedWindowAllow(ctx context.Context, name, key string, cfg Config, cost int) (bool, error) {
	windowSeconds := int64(cfg.Window.Seconds())
	if windowSeconds < 1 {
		windowSeconds = 1
	}
	windowStart := (time.Now().Unix() / windowSeconds) * windowSeconds
	bucketKey := fmt.Sprintf("rate_limit:%s:requests:%s:%d", name, key, windowStart)

	count, err := m.redis.IncrBy(ctx, bucketKey, int64(cost)).Result()
	if err != nil {
		return false, apperror.Wrap(err, apperror.ErrorTypeNetwork, "fixed window rate check")
	}
	if count == int64(cost) {
		m.redis.Expire(ctx, bucketKey, cfg.Window+10*time.Second)
	}
	return count <= int64(cfg.MaxRequests), nil
}

func (m *Manager) tokenBucketAllow(ctx context.Context, name, key string, cfg Config, cost int) (bool, error) {
	bucketKey := fmt.Sprintf("rate_limit:%s:tokens:%s", name, key)
	burst := cfg.BurstAllowance
	if burst <= 0 {
		burst = cfg.MaxRequests
	}
	refillRate := float64(cfg.MaxRequests) / cfg.Window.Seconds()

	res, err := m.tokenBucketSc.Run(ctx, m.redis, []string{bucketKey},
		burst, refillRate, cost, float64(time.Now().UnixNano())/1e9,
	).Int()
	if err != nil {
		return false, apperror.Wrap(err, apperror.ErrorTypeNetwork, "token bucket rate check")
	}
	return res == 1, nil
}

// adaptiveAllow re-scales MaxRequests by the current load factor before
// delegating to the sliding window, matching the original's thresholds:
// >0.9 load keeps 20% of capacity, >0.7 keeps 50%, >0.5 keeps 80%, else
// full capacity.
func (m *Manager) adaptiveAllow(ctx context.Context, name, key string, cfg Config, cost int) (bool, error) {
	load := 0.0
	if m.load != nil {
		load = m.load()
	}
	adjusted := cfg
	switch {
	case load > 0.9:
		adjusted.MaxRequests = int(float64(cfg.MaxRequests) * 0.2)
	case load > 0.7:
		adjusted.MaxRequests = int(float64(cfg.MaxRequests) * 0.5)
	case load > 0.5:
		adjusted.MaxRequests = int(float64(cfg.MaxRequests) * 0.8)
	}
	if adjusted.MaxRequests < 1 {
		adjusted.MaxRequests = 1
	}
	if m.sink != nil {
		m.sink.Gauge("rate_limit.adjusted_limit", float64(adjusted.MaxRequests), map[string]string{"name": name})
		m.sink.Histogram("rate_limit.adaptive_factor", load, map[string]string{"name": name})
	}
	return m.slidingWindowAllow(ctx, name, key, adjusted, cost)
}

func (m *Manager) recordOutcome(name, key string, allowed bool) {
	if m.sink == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "blocked"
	}
	m.sink.Incr("rate_limit."+outcome, 1, map[string]string{"name": name, "key": key})
}

const tokenBucketLua = `
local key = KEYS[1]
local max_tokens = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local current_time = tonumber(ARGV[4])

local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(bucket[1]) or max_tokens
local last_refill = tonumber(bucket[2]) or current_time

local time_passed = current_time - last_refill
local tokens_to_add = math.floor(time_passed * refill_rate)
tokens = math.min(max_tokens, tokens + tokens_to_add)

if tokens >= cost then
	tokens = tokens - cost
	redis.call('HMSET', key, 'tokens', tokens, 'last_refill', current_time)
	redis.call('EXPIRE', key, 3600)
	return 1
else
	redis.call('HMSET', key, 'tokens', tokens, 'last_refill', current_time)
	redis.call('EXPIRE', key, 3600)
	return 0
end
`
