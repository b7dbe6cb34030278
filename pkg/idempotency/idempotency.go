// Package idempotency guarantees an operation identified by a caller-chosen
// key executes exactly once, backed by Redis SET NX for the in-progress
// marker and a TTL'd result cache.
package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews/internal/apperror"
	"github.com/langgraphsystem/rssnews/pkg/metrics"
)

const (
	resultPrefix   = "idempotent:"
	progressSuffix = ":progress"

	// DefaultResultTTL bounds how long a completed result stays cached.
	DefaultResultTTL = time.Hour
	// DefaultProgressTTL bounds how long an in-progress marker survives a
	// crashed worker before another attempt is allowed.
	DefaultProgressTTL = 30 * time.Minute
)

// Store provides exactly-once execution guards over Redis.
type Store struct {
	redis *redis.Client
	sink  *metrics.Sink
	log   *logrus.Entry
}

// New constructs a Store. sink may be nil to disable metrics.
func New(rdb *redis.Client, sink *metrics.Sink, log *logrus.Entry) *Store {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{redis: rdb, sink: sink, log: log.WithField("component", "idempotency")}
}

func resultKey(key string) string   { return resultPrefix + key }
func progressKey(key string) string { return resultPrefix + key + progressSuffix }

// Completed returns the cached result for key and true if the operation was
// already completed; false with a nil result otherwise.
func (s *Store) Completed(ctx context.Context, key string) (json.RawMessage, bool, error) {
	raw, err := s.redis.Get(ctx, resultKey(key)).Bytes()
	if err == redis.Nil {
		s.record("cache_miss", 1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperror.Wrap(err, apperror.ErrorTypeNetwork, "reading idempotency result")
	}
	s.record("cache_hit", 1)
	return json.RawMessage(raw), true, nil
}

// MarkCompleted persists result under key with ttl (DefaultResultTTL if
// zero), so a later Completed call for the same key short-circuits.
func (s *Store) MarkCompleted(ctx context.Context, key string, result any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrorTypeInternal, "marshaling idempotency result")
	}
	if err := s.redis.Set(ctx, resultKey(key), payload, ttl).Err(); err != nil {
		return apperror.Wrap(err, apperror.ErrorTypeNetwork, "writing idempotency result")
	}
	s.record("marked_complete", 1)
	return nil
}

type progressMarker struct {
	Status    string         `json:"status"`
	StartedAt string         `json:"started_at"`
	Metadata  map[string]any `json:"metadata"`
}

// MarkInProgress atomically claims key for the duration of ttl (
// DefaultProgressTTL if zero) using SET NX, returning false if another
// caller already holds the claim.
func (s *Store) MarkInProgress(ctx context.Context, key string, metadata map[string]any, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultProgressTTL
	}
	payload, err := json.Marshal(progressMarker{
		Status:    "in_progress",
		StartedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Metadata:  metadata,
	})
	if err != nil {
		return false, apperror.Wrap(err, apperror.ErrorTypeInternal, "marshaling progress marker")
	}
	ok, err := s.redis.SetNX(ctx, progressKey(key), payload, ttl).Result()
	if err != nil {
		return false, apperror.Wrap(err, apperror.ErrorTypeNetwork, "claiming idempotency progress")
	}
	if ok {
		s.record("marked_progress", 1)
	} else {
		s.record("already_in_progress", 1)
	}
	return ok, nil
}

// ClearProgress removes the in-progress marker for key, letting a future
// attempt reclaim it regardless of TTL.
func (s *Store) ClearProgress(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, progressKey(key)).Err(); err != nil {
		return apperror.Wrap(err, apperror.ErrorTypeNetwork, "clearing idempotency progress")
	}
	return nil
}

// InProgress reports whether key currently has a live in-progress marker.
func (s *Store) InProgress(ctx context.Context, key string) (bool, error) {
	n, err := s.redis.Exists(ctx, progressKey(key)).Result()
	if err != nil {
		return false, apperror.Wrap(err, apperror.ErrorTypeNetwork, "checking idempotency progress")
	}
	return n > 0, nil
}

func (s *Store) record(name string, v float64) {
	if s.sink != nil {
		s.sink.Incr("idempotency."+name, v, nil)
	}
}
