// Package configstore provides a process-wide, versioned configuration
// handle: an immutable snapshot swapped atomically on update, observers
// notified on a buffered channel of (old, new) pairs, and A/B variant
// selection as a pure function of (user_id, key) via stable hashing.
package configstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/langgraphsystem/rssnews/internal/apperror"
	"github.com/langgraphsystem/rssnews/internal/config"
	"github.com/langgraphsystem/rssnews/pkg/metrics"
	"github.com/langgraphsystem/rssnews/pkg/storage"
)

// Update carries the previous and new configuration snapshot across a
// Watch channel.
type Update struct {
	Old *config.Config
	New *config.Config
}

// watchBuffer sizes each subscriber's channel; Publish never blocks on a
// slow watcher, a full channel drops the update for that subscriber.
const watchBuffer = 4

// Store holds the process-wide active Config behind an atomic pointer and
// persists every change as a new versioned row, so readers never see a
// partially-applied config and every change is auditable.
type Store struct {
	current atomic.Pointer[config.Config]
	name    string
	repo    *storage.ConfigRepository
	sink    *metrics.Sink
	log     *logrus.Entry

	mu       sync.Mutex
	watchers []chan Update
}

// New constructs a Store seeded with initial (typically internal/config.Load's
// result), so the pipeline has a usable Config before any database round trip.
// repo and sink may be nil, in which case Publish persists nothing and only
// swaps the in-process pointer.
func New(repo *storage.ConfigRepository, name string, initial *config.Config, sink *metrics.Sink, log *logrus.Entry) *Store {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Store{
		name: name,
		repo: repo,
		sink: sink,
		log:  log.WithField("component", "configstore"),
	}
	s.current.Store(initial)
	return s
}

// Current returns the active configuration snapshot. Safe for concurrent
// use; callers must not mutate the returned value.
func (s *Store) Current() *config.Config {
	return s.current.Load()
}

// Load fetches the active row for name from Postgres and adopts it as the
// current snapshot, notifying watchers. Returns apperror.ErrorTypeNotFound
// if no row is active yet, in which case callers keep the seeded config.
func (s *Store) Load(ctx context.Context) error {
	if s.repo == nil {
		return apperror.New(apperror.ErrorTypeInternal, "configstore: no repository configured")
	}
	row, err := s.repo.ActiveConfig(ctx, s.name)
	if err != nil {
		return err
	}
	var cfg config.Config
	if err := yaml.Unmarshal(row.ConfigData, &cfg); err != nil {
		return apperror.Wrap(err, apperror.ErrorTypeInternal, "decoding stored configuration")
	}
	s.swap(&cfg)
	return nil
}

// Publish persists cfg as a new active version and swaps it in as the
// current snapshot, notifying every watcher. createdBy/description are
// audit metadata recorded alongside the version.
func (s *Store) Publish(ctx context.Context, cfg *config.Config, createdBy, description string) (int, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return 0, apperror.Wrap(err, apperror.ErrorTypeInternal, "encoding configuration")
	}
	checksum := checksumOf(data)

	var version int
	if s.repo != nil {
		version, err = s.repo.PublishNewVersion(ctx, s.name, data, createdBy, description, checksum)
		if err != nil {
			return 0, err
		}
	}

	s.swap(cfg)
	if s.sink != nil {
		s.sink.Incr("config.updated", 1, map[string]string{"config_name": s.name})
	}
	s.log.WithField("version", version).WithField("checksum", checksum).Info("configuration published")
	return version, nil
}

func (s *Store) swap(cfg *config.Config) {
	old := s.current.Swap(cfg)

	s.mu.Lock()
	watchers := append([]chan Update(nil), s.watchers...)
	s.mu.Unlock()

	update := Update{Old: old, New: cfg}
	for _, ch := range watchers {
		select {
		case ch <- update:
		default:
			s.log.Warn("watch channel full, dropping configuration update")
		}
	}
}

// Watch registers a new observer and returns its channel. The channel is
// buffered; a slow reader misses updates rather than blocking Publish.
// Callers that no longer need notifications should discard the channel —
// Store holds no reference a caller must release explicitly.
func (s *Store) Watch() <-chan Update {
	ch := make(chan Update, watchBuffer)
	s.mu.Lock()
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()
	return ch
}

func checksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Variant deterministically assigns userID to one of the named buckets in
// split (variant name -> traffic fraction, fractions summing to ~1.0) for
// the given A/B test key. The same (userID, key, split) always yields the
// same variant — no per-user state is kept, so this is safe to call from
// every replica without coordination. Returns "" if split is empty; falls
// back to the first variant in sorted order if the hash lands past the
// cumulative sum due to floating point error.
func Variant(userID, key string, split map[string]float64) string {
	if len(split) == 0 {
		return ""
	}
	names := make([]string, 0, len(split))
	for name := range split {
		names = append(names, name)
	}
	sort.Strings(names)

	bucket := float64(xxhash.Sum64String(fmt.Sprintf("%s:%s", userID, key))%10000) / 10000.0

	var cumulative float64
	for _, name := range names {
		cumulative += split[name]
		if bucket < cumulative {
			return name
		}
	}
	return names[0]
}
