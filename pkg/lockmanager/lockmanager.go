// Package lockmanager provides distributed locking across Redis and
// PostgreSQL, combining a fast Redis-backed lock for the common case with an
// optional Postgres advisory lock for keys marked critical.
package lockmanager

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews/internal/apperror"
	"github.com/langgraphsystem/rssnews/pkg/metrics"
	"github.com/langgraphsystem/rssnews/pkg/storage"
)

// Type distinguishes lock semantics; Advisory always takes the Postgres
// advisory lock in addition to the Redis lock.
type Type string

const (
	TypeExclusive Type = "exclusive"
	TypeShared    Type = "shared"
	TypeAdvisory  Type = "advisory"
)

// Status is the outcome of an acquire, renew, or release call.
type Status string

const (
	StatusAcquired Status = "acquired"
	StatusDenied   Status = "denied"
	StatusReleased Status = "released"
	StatusError    Status = "error"
)

// DefaultTimeout is used when a caller does not specify a lock TTL.
const DefaultTimeout = 5 * time.Minute

// Info describes a held lock, returned by Get and List.
type Info struct {
	Key          string
	Owner        string
	Type         Type
	AcquiredAt   time.Time
	ExpiresAt    time.Time
	Metadata     map[string]any
	RenewalCount int
}

// IsExpired reports whether the lock's TTL has elapsed as of now.
func (i Info) IsExpired(now time.Time) bool { return now.After(i.ExpiresAt) }

// Manager coordinates lock acquisition across Redis (fast path, always
// used) and Postgres advisory locks (used only for critical/advisory
// keys), with background auto-renewal and an expiry sweep.
type Manager struct {
	redis *redis.Client
	locks *storage.LockRepository
	sink  *metrics.Sink
	log   *logrus.Entry

	acquireScript *redis.Script
	releaseScript *redis.Script
	renewScript   *redis.Script

	mu       sync.Mutex
	renewals map[string]context.CancelFunc
}

// New constructs a Manager. sink may be nil to disable metrics.
func New(rdb *redis.Client, locks *storage.LockRepository, sink *metrics.Sink, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		redis:         rdb,
		locks:         locks,
		sink:          sink,
		log:           log.WithField("component", "lock_manager"),
		acquireScript: redis.NewScript(acquireLua),
		releaseScript: redis.NewScript(releaseLua),
		renewScript:   redis.NewScript(renewLua),
		renewals:      make(map[string]context.CancelFunc),
	}
}

// AcquireOptions configures a lock acquisition.
type AcquireOptions struct {
	Timeout   time.Duration
	Type      Type
	AutoRenew bool
	Metadata  map[string]any
}

func redisKey(key string) string { return "lock:" + key }

// Acquire attempts to take the named lock for owner. For critical or
// advisory-typed keys it also takes a Postgres advisory lock; if that
// second step fails after the Redis lock succeeded, the Redis lock is
// released and Denied is returned, keeping both backends consistent.
func (m *Manager) Acquire(ctx context.Context, key, owner string, opts AcquireOptions) (Status, error) {
	start := time.Now()
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	lockType := opts.Type
	if lockType == "" {
		lockType = TypeExclusive
	}
	metadata := opts.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	status, err := m.acquireRedis(ctx, key, owner, timeout, lockType, metadata)
	if err != nil {
		m.record("acquired.error", 1)
		return StatusError, err
	}

	critical, _ := metadata["critical"].(bool)
	if status == StatusAcquired && (critical || lockType == TypeAdvisory) {
		pgStatus, err := m.acquirePostgres(ctx, key, owner, timeout, metadata)
		if err != nil || pgStatus != StatusAcquired {
			_, _ = m.releaseRedis(ctx, key, owner)
			m.record("acquired.denied", 1)
			return StatusDenied, err
		}
	}

	if status == StatusAcquired && opts.AutoRenew {
		m.startAutoRenewal(key, owner, timeout)
	}

	m.observeHistogram("locks.acquisition_time", time.Since(start).Seconds())
	m.record("acquired."+string(status), 1)
	return status, nil
}

func (m *Manager) acquireRedis(ctx context.Context, key, owner string, timeout time.Duration, lockType Type, metadata map[string]any) (Status, error) {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return StatusError, apperror.Wrap(err, apperror.ErrorTypeInternal, "marshaling lock metadata")
	}
	now := time.Now().UTC()
	expires := now.Add(timeout)
	ttlSeconds := int64(timeout.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	res, err := m.acquireScript.Run(ctx, m.redis, []string{redisKey(key)},
		owner, ttlSeconds, string(lockType), string(metaJSON),
		now.Format(time.RFC3339Nano), expires.Format(time.RFC3339Nano),
	).Text()
	if err != nil {
		return StatusError, apperror.Wrap(err, apperror.ErrorTypeNetwork, "acquiring redis lock")
	}
	switch res {
	case "acquired", "renewed":
		return StatusAcquired, nil
	default:
		return StatusDenied, nil
	}
}

func (m *Manager) acquirePostgres(ctx context.Context, key, owner string, timeout time.Duration, metadata map[string]any) (Status, error) {
	if m.locks == nil {
		return StatusAcquired, nil
	}
	acquired, err := m.locks.TryAdvisoryXactLock(ctx, keyHash(key))
	if err != nil {
		return StatusError, err
	}
	if !acquired {
		return StatusDenied, nil
	}
	now := time.Now().UTC()
	if err := m.locks.UpsertRecord(ctx, key, owner, string(TypeAdvisory), now, now.Add(timeout), 0); err != nil {
		_ = m.locks.ReleaseAdvisoryLock(ctx, keyHash(key))
		return StatusError, err
	}
	return StatusAcquired, nil
}

// Renew extends a held lock's TTL by additional (DefaultTimeout if zero)
// for owner, returning Denied if owner does not hold the lock.
func (m *Manager) Renew(ctx context.Context, key, owner string, additional time.Duration) (Status, error) {
	if additional <= 0 {
		additional = DefaultTimeout
	}
	newExpires := time.Now().UTC().Add(additional)
	ttlSeconds := int64(additional.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}
	res, err := m.renewScript.Run(ctx, m.redis, []string{redisKey(key)},
		owner, ttlSeconds, newExpires.Format(time.RFC3339Nano),
	).Text()
	if err != nil {
		m.record("renewal_error", 1)
		return StatusError, apperror.Wrap(err, apperror.ErrorTypeNetwork, "renewing redis lock")
	}
	if res != "renewed" {
		return StatusDenied, nil
	}
	if m.locks != nil {
		if err := m.locks.UpsertRecord(ctx, key, owner, string(TypeExclusive), time.Now().UTC(), newExpires, 0); err != nil {
			m.log.WithError(err).WithField("key", key).Warn("postgres lock renewal record failed")
		}
	}
	m.record("renewed", 1)
	return StatusAcquired, nil
}

// Release releases a held lock for owner across both backends and stops
// any auto-renewal goroutine for it. Returns Denied if owner does not hold
// the Redis lock.
func (m *Manager) Release(ctx context.Context, key, owner string) (Status, error) {
	m.stopAutoRenewal(key, owner)

	status, err := m.releaseRedis(ctx, key, owner)
	if err != nil {
		m.record("release_error", 1)
		return StatusError, err
	}
	if m.locks != nil {
		if err := m.locks.ReleaseAdvisoryLock(ctx, keyHash(key)); err != nil {
			m.log.WithError(err).WithField("key", key).Warn("releasing advisory lock")
		}
		if err := m.locks.DeleteRecord(ctx, key, owner); err != nil {
			m.log.WithError(err).WithField("key", key).Warn("deleting lock record")
		}
	}
	m.record("released."+string(status), 1)
	return status, nil
}

func (m *Manager) releaseRedis(ctx context.Context, key, owner string) (Status, error) {
	res, err := m.releaseScript.Run(ctx, m.redis, []string{redisKey(key)}, owner).Text()
	if err != nil {
		return StatusError, apperror.Wrap(err, apperror.ErrorTypeNetwork, "releasing redis lock")
	}
	if res != "released" {
		return StatusDenied, nil
	}
	return StatusReleased, nil
}

// Get returns the current holder of key, or ok=false if unlocked.
func (m *Manager) Get(ctx context.Context, key string) (Info, bool, error) {
	vals, err := m.redis.HGetAll(ctx, redisKey(key)).Result()
	if err != nil {
		return Info{}, false, apperror.Wrap(err, apperror.ErrorTypeNetwork, "reading lock record")
	}
	if len(vals) == 0 {
		return Info{}, false, nil
	}
	info, err := infoFromHash(key, vals)
	if err != nil {
		return Info{}, false, err
	}
	return info, true, nil
}

func infoFromHash(key string, vals map[string]string) (Info, error) {
	acquiredAt, _ := time.Parse(time.RFC3339Nano, vals["acquired_at"])
	expiresAt, _ := time.Parse(time.RFC3339Nano, vals["expires_at"])
	var metadata map[string]any
	if m := vals["metadata"]; m != "" {
		_ = json.Unmarshal([]byte(m), &metadata)
	}
	var renewalCount int
	fmt.Sscanf(vals["renewal_count"], "%d", &renewalCount)
	return Info{
		Key:          key,
		Owner:        vals["owner"],
		Type:         Type(vals["lock_type"]),
		AcquiredAt:   acquiredAt,
		ExpiresAt:    expiresAt,
		Metadata:     metadata,
		RenewalCount: renewalCount,
	}, nil
}

// SweepExpired deletes every lock, in both backends, whose TTL has
// elapsed, and returns the combined count removed.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	var removed int64
	var cursor uint64
	now := time.Now().UTC()
	for {
		keys, next, err := m.redis.Scan(ctx, cursor, redisKey("*"), 100).Result()
		if err != nil {
			return removed, apperror.Wrap(err, apperror.ErrorTypeNetwork, "scanning locks")
		}
		for _, rk := range keys {
			vals, err := m.redis.HGetAll(ctx, rk).Result()
			if err != nil || len(vals) == 0 {
				continue
			}
			expiresAt, parseErr := time.Parse(time.RFC3339Nano, vals["expires_at"])
			if parseErr != nil || now.After(expiresAt) {
				if err := m.redis.Del(ctx, rk).Err(); err == nil {
					removed++
				}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if m.locks != nil {
		n, err := m.locks.SweepExpired(ctx, now)
		if err != nil {
			return removed, err
		}
		removed += n
	}
	if removed > 0 {
		m.record("cleanup.expired", float64(removed))
	}
	return removed, nil
}

func (m *Manager) startAutoRenewal(key, owner string, timeout time.Duration) {
	renewalKey := key + ":" + owner
	m.mu.Lock()
	if cancel, ok := m.renewals[renewalKey]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.renewals[renewalKey] = cancel
	m.mu.Unlock()

	interval := timeout / 3
	if interval < 30*time.Second {
		interval = 30 * time.Second
	}
	go m.autoRenewalLoop(ctx, key, owner, timeout, interval)
}

func (m *Manager) stopAutoRenewal(key, owner string) {
	renewalKey := key + ":" + owner
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.renewals[renewalKey]; ok {
		cancel()
		delete(m.renewals, renewalKey)
	}
}

func (m *Manager) autoRenewalLoop(ctx context.Context, key, owner string, timeout, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, ok, err := m.Get(ctx, key)
			if err != nil || !ok || info.Owner != owner {
				return
			}
			status, err := m.Renew(ctx, key, owner, timeout)
			if err != nil || status != StatusAcquired {
				m.log.WithField("key", key).WithField("owner", owner).Warn("auto-renewal failed, stopping")
				return
			}
		}
	}
}

func (m *Manager) record(name string, v float64) {
	if m.sink != nil {
		m.sink.Incr("locks."+name, v, nil)
	}
}

func (m *Manager) observeHistogram(name string, v float64) {
	if m.sink != nil {
		m.sink.Histogram(name, v, nil)
	}
}

// keyHash derives a stable 32-bit signed lock id from key for
// pg_try_advisory_lock, mirroring the original hashlib.sha256-based
// derivation.
func keyHash(key string) int32 {
	sum := sha256.Sum256([]byte(key))
	v := binary.BigEndian.Uint32(sum[:4])
	return int32(v & 0x7fffffff)
}

const acquireLua = `
local key = KEYS[1]
local owner = ARGV[1]
local ttl = tonumber(ARGV[2])
local lock_type = ARGV[3]
local metadata = ARGV[4]
local acquired_at = ARGV[5]
local expires_at = ARGV[6]

local current_owner = redis.call('hget', key, 'owner')
if current_owner then
	if current_owner == owner then
		redis.call('expire', key, ttl)
		redis.call('hincrby', key, 'renewal_count', 1)
		return 'renewed'
	else
		return 'denied'
	end
end

redis.call('hmset', key,
	'owner', owner,
	'lock_type', lock_type,
	'acquired_at', acquired_at,
	'expires_at', expires_at,
	'metadata', metadata,
	'renewal_count', 0
)
redis.call('expire', key, ttl)
return 'acquired'
`

const releaseLua = `
local key = KEYS[1]
local owner = ARGV[1]
local current_owner = redis.call('hget', key, 'owner')
if current_owner == owner then
	redis.call('del', key)
	return 'released'
else
	return 'not_owner'
end
`

const renewLua = `
local key = KEYS[1]
local owner = ARGV[1]
local ttl = tonumber(ARGV[2])
local new_expires_at = ARGV[3]
local current_owner = redis.call('hget', key, 'owner')
if current_owner == owner then
	redis.call('hset', key, 'expires_at', new_expires_at)
	redis.call('hincrby', key, 'renewal_count', 1)
	redis.call('expire', key, ttl)
	return 'renewed'
else
	return 'not_owner'
end
`
