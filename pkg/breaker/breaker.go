// Package breaker wraps sony/gobreaker's TwoStepCircuitBreaker per named
// resource (database, feed fetching, pipeline stages) and mirrors state
// transitions to Redis so every replica converges on the same open/closed
// view instead of tripping independently.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/langgraphsystem/rssnews/internal/apperror"
	"github.com/langgraphsystem/rssnews/pkg/metrics"
)

// Config tunes one named breaker's trip/recovery thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures, while
	// closed, that trips the breaker open.
	FailureThreshold uint32
	// SuccessThreshold is both the number of consecutive successes
	// required in half-open to close the breaker and the concurrency cap
	// on in-flight half-open probes (gobreaker unifies the two).
	SuccessThreshold uint32
	// Timeout is how long the breaker stays open before allowing a
	// half-open probe.
	Timeout time.Duration
}

// DefaultConfig mirrors the original system's generic CircuitBreakerConfig
// defaults.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, SuccessThreshold: 3, Timeout: 60 * time.Second}
}

// DatabaseConfig, FeedFetchingConfig, and PipelineConfig mirror the three
// named breakers the original BackpressureManager pre-registers.
func DatabaseConfig() Config     { return Config{FailureThreshold: 5, SuccessThreshold: 3, Timeout: 30 * time.Second} }
func FeedFetchingConfig() Config { return Config{FailureThreshold: 10, SuccessThreshold: 5, Timeout: 60 * time.Second} }
func PipelineConfig() Config     { return Config{FailureThreshold: 3, SuccessThreshold: 2, Timeout: 120 * time.Second} }

func redisMirrorKey(name string) string { return "circuit_breaker:" + name }

// Manager owns one TwoStepCircuitBreaker per named resource and mirrors
// every state transition into Redis for cross-replica visibility.
type Manager struct {
	redis *redis.Client
	sink  *metrics.Sink
	log   *logrus.Entry

	mu       sync.Mutex
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
	configs  map[string]Config
}

// New constructs a Manager. redis and sink may be nil.
func New(rdb *redis.Client, sink *metrics.Sink, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		redis:    rdb,
		sink:     sink,
		log:      log.WithField("component", "circuit_breaker"),
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker),
		configs:  make(map[string]Config),
	}
}

// Register creates (or replaces) the named breaker with cfg. Call before
// first use; Allow auto-registers with DefaultConfig otherwise.
func (m *Manager) Register(name string, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.SuccessThreshold,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.onStateChange(name, from, to)
		},
	}
	m.breakers[name] = gobreaker.NewTwoStepCircuitBreaker(settings)
	m.configs[name] = cfg
}

func (m *Manager) breakerFor(name string) *gobreaker.TwoStepCircuitBreaker {
	m.mu.Lock()
	b, ok := m.breakers[name]
	m.mu.Unlock()
	if ok {
		return b
	}
	m.Register(name, DefaultConfig())
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.breakers[name]
}

func (m *Manager) onStateChange(name string, from, to gobreaker.State) {
	m.log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
		Info("circuit breaker state change")
	if m.sink != nil {
		m.sink.Incr("circuit_breaker.state_change", 1, map[string]string{"name": name, "to_state": to.String()})
	}
	if m.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err := m.redis.HSet(ctx, redisMirrorKey(name), map[string]any{
			"state":      to.String(),
			"changed_at": time.Now().UTC().Format(time.RFC3339Nano),
		}).Err()
		if err != nil {
			m.log.WithError(err).WithField("breaker", name).Warn("mirroring circuit breaker state to redis failed")
		}
	}
}

// ErrCircuitOpen is the sentinel AppError returned when a breaker denies a
// call, either locally or per the Redis mirror of a peer's trip.
var ErrCircuitOpen = apperror.New(apperror.ErrorTypeUnavailable, "circuit breaker open")

// Allow asks the named breaker (and, first, the Redis mirror written by
// peers) whether a call may proceed. On success it returns a done func the
// caller MUST invoke with the call's outcome; on denial it returns
// ErrCircuitOpen and a nil done func.
func (m *Manager) Allow(ctx context.Context, name string) (func(success bool), error) {
	if open, err := m.mirrorDenies(ctx, name); err == nil && open {
		m.record(name, "blocked")
		return nil, apperror.Wrap(ErrCircuitOpen, apperror.ErrorTypeUnavailable, "circuit breaker open").WithDetails(name)
	}

	b := m.breakerFor(name)
	done, err := b.Allow()
	if err != nil {
		m.record(name, "blocked")
		return nil, apperror.Wrap(err, apperror.ErrorTypeUnavailable, "circuit breaker open").WithDetails(name)
	}
	return func(success bool) {
		done(success)
		if success {
			m.record(name, "success")
		} else {
			m.record(name, "failure")
		}
	}, nil
}

// mirrorDenies checks the Redis-mirrored state left by a peer: if another
// replica recorded this breaker as open less than its configured timeout
// ago, deny immediately without waiting for this process's own local
// counters to trip.
func (m *Manager) mirrorDenies(ctx context.Context, name string) (bool, error) {
	if m.redis == nil {
		return false, nil
	}
	vals, err := m.redis.HGetAll(ctx, redisMirrorKey(name)).Result()
	if err != nil || len(vals) == 0 {
		return false, err
	}
	if vals["state"] != gobreaker.StateOpen.String() {
		return false, nil
	}
	changedAt, err := time.Parse(time.RFC3339Nano, vals["changed_at"])
	if err != nil {
		return false, nil
	}
	timeout := DefaultConfig().Timeout
	m.mu.Lock()
	if cfg, ok := m.configs[name]; ok {
		timeout = cfg.Timeout
	}
	m.mu.Unlock()
	return time.Since(changedAt) < timeout, nil
}

// Call runs fn through the named breaker, recording success or failure
// from fn's returned error.
func (m *Manager) Call(ctx context.Context, name string, fn func() error) error {
	done, err := m.Allow(ctx, name)
	if err != nil {
		return err
	}
	callErr := fn()
	done(callErr == nil)
	return callErr
}

// State returns the named breaker's current local state.
func (m *Manager) State(name string) gobreaker.State {
	return m.breakerFor(name).State()
}

// Counts returns the named breaker's current local counters.
func (m *Manager) Counts(name string) gobreaker.Counts {
	return m.breakerFor(name).Counts()
}

// IsOpen reports whether the named breaker is currently open, without
// going through Allow's Redis mirror check or registering a new breaker as
// a side effect of an unrelated caller's query.
func (m *Manager) IsOpen(name string) bool {
	m.mu.Lock()
	b, ok := m.breakers[name]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return b.State() == gobreaker.StateOpen
}

func (m *Manager) record(name, outcome string) {
	if m.sink != nil {
		m.sink.Incr("circuit_breaker."+outcome, 1, map[string]string{"name": name})
	}
}
