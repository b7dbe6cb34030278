package statemachine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/langgraphsystem/rssnews/internal/apperror"
	"github.com/langgraphsystem/rssnews/pkg/lockmanager"
	"github.com/langgraphsystem/rssnews/pkg/metrics"
	"github.com/langgraphsystem/rssnews/pkg/model"
	"github.com/langgraphsystem/rssnews/pkg/storage"
)

const (
	lockOwner  = "statemachine"
	lockTTL    = 60 * time.Second
	cacheTTL   = 300 * time.Second
	historyCap = 50
)

func stateKey(entityType EntityType, entityID string) string {
	return "state:" + string(entityType) + ":" + entityID
}

func historyKey(entityType EntityType, entityID string) string {
	return stateKey(entityType, entityID) + ":history"
}

// Action runs as a side effect of a successful transition into toState.
type Action func(ctx context.Context, entityID string, metadata map[string]any) error

// AuditEvent is one recorded transition, kept both in a capped Redis list
// and durably in the state_transitions table.
type AuditEvent struct {
	EntityType EntityType     `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	From       string         `json:"from"`
	To         string         `json:"to"`
	Trigger    string         `json:"trigger"`
	ActorID    string         `json:"actor_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	At         time.Time      `json:"at"`
}

// Manager is the state(entity_type, entity_id) transition authority: it
// serializes each transition with the lock manager, resolves current state
// from a short-TTL cache backed by the relational tables, validates the
// requested edge, and records an audit trail.
type Manager struct {
	redis       *redis.Client
	locks       *lockmanager.Manager
	batches     *storage.BatchRepository
	articles    *storage.ArticleRepository
	transitions *storage.StateTransitionRepository
	sink        *metrics.Sink
	log         *logrus.Entry

	actions map[EntityType]map[string][]Action
}

// New constructs a Manager. sink may be nil to disable metrics.
func New(rdb *redis.Client, locks *lockmanager.Manager, batches *storage.BatchRepository,
	articles *storage.ArticleRepository, transitions *storage.StateTransitionRepository,
	sink *metrics.Sink, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		redis: rdb, locks: locks, batches: batches, articles: articles,
		transitions: transitions, sink: sink, log: log.WithField("component", "state_manager"),
		actions: make(map[EntityType]map[string][]Action),
	}
}

// RegisterAction runs action whenever entityType reaches toState via
// Transition, after the state write but before Transition returns.
func (m *Manager) RegisterAction(entityType EntityType, toState string, action Action) {
	if m.actions[entityType] == nil {
		m.actions[entityType] = make(map[string][]Action)
	}
	m.actions[entityType][toState] = append(m.actions[entityType][toState], action)
}

// Current resolves entityID's state: cache first, relational fallback on
// miss, repopulating the cache with a 300s TTL.
func (m *Manager) Current(ctx context.Context, entityType EntityType, entityID string) (string, error) {
	key := stateKey(entityType, entityID)
	cached, err := m.redis.Get(ctx, key).Result()
	if err == nil {
		return cached, nil
	}
	if err != redis.Nil {
		m.log.WithError(err).Warn("state cache read failed, falling back to relational store")
	}

	current, err := m.readRelational(ctx, entityType, entityID)
	if err != nil {
		return "", err
	}
	if err := m.redis.Set(ctx, key, current, cacheTTL).Err(); err != nil {
		m.log.WithError(err).Warn("state cache write failed")
	}
	return current, nil
}

// Transition applies trigger to entityID if (current, trigger) is a valid
// edge, serialized by a 60s exclusive lock on the entity. It returns false,
// nil when no such edge exists (a rejected transition, not an error).
func (m *Manager) Transition(ctx context.Context, entityType EntityType, entityID, trigger, actorID string, metadata map[string]any) (bool, error) {
	key := stateKey(entityType, entityID)
	status, err := m.locks.Acquire(ctx, key, lockOwner, lockmanager.AcquireOptions{Timeout: lockTTL})
	if err != nil {
		return false, err
	}
	if status != lockmanager.StatusAcquired {
		return false, apperror.Wrap(fmt.Errorf("lock held by another owner"), apperror.ErrorTypeConflict, "acquiring state transition lock")
	}
	defer func() {
		if _, err := m.locks.Release(ctx, key, lockOwner); err != nil {
			m.log.WithError(err).Warn("releasing state transition lock")
		}
	}()

	current, err := m.Current(ctx, entityType, entityID)
	if err != nil {
		return false, err
	}

	to, ok := lookup(entityType, current, trigger)
	if !ok {
		m.record(entityType, "rejected")
		return false, nil
	}

	if err := m.writeRelational(ctx, entityType, entityID, to); err != nil {
		return false, err
	}
	if err := m.redis.Set(ctx, key, to, cacheTTL).Err(); err != nil {
		m.log.WithError(err).Warn("state cache write failed after transition")
	}

	at := time.Now().UTC()
	if err := m.appendAudit(ctx, AuditEvent{
		EntityType: entityType, EntityID: entityID, From: current, To: to,
		Trigger: trigger, ActorID: actorID, Metadata: metadata, At: at,
	}); err != nil {
		m.log.WithError(err).Warn("recording state transition audit event")
	}

	for _, action := range m.actions[entityType][to] {
		if err := action(ctx, entityID, metadata); err != nil {
			m.log.WithError(err).WithFields(logrus.Fields{
				"entity_type": entityType, "entity_id": entityID, "to": to,
			}).Error("state transition action failed")
		}
	}

	m.record(entityType, "applied")
	return true, nil
}

// History returns the most recent (up to 50) audit events for entityID,
// newest first, served from the capped Redis list.
func (m *Manager) History(ctx context.Context, entityType EntityType, entityID string) ([]AuditEvent, error) {
	raw, err := m.redis.LRange(ctx, historyKey(entityType, entityID), 0, historyCap-1).Result()
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrorTypeNetwork, "reading state transition history")
	}
	out := make([]AuditEvent, 0, len(raw))
	for _, r := range raw {
		var ev AuditEvent
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (m *Manager) appendAudit(ctx context.Context, ev AuditEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrorTypeInternal, "marshaling state transition audit event")
	}
	key := historyKey(ev.EntityType, ev.EntityID)
	pipe := m.redis.Pipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, historyCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperror.Wrap(err, apperror.ErrorTypeNetwork, "appending state transition history")
	}

	if m.transitions != nil {
		metaJSON := ""
		if ev.Metadata != nil {
			if b, err := json.Marshal(ev.Metadata); err == nil {
				metaJSON = string(b)
			}
		}
		if err := m.transitions.Insert(ctx, storage.StateTransitionRecord{
			EntityType: string(ev.EntityType), EntityID: ev.EntityID,
			FromState: ev.From, ToState: ev.To, Reason: ev.Trigger + metaJSON,
			ActorID: ev.ActorID, OccurredAt: ev.At,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) readRelational(ctx context.Context, entityType EntityType, entityID string) (string, error) {
	switch entityType {
	case EntityBatch:
		b, err := m.batches.ByID(ctx, entityID)
		if err != nil {
			return "", err
		}
		return string(b.Status), nil
	case EntityArticle:
		id, err := strconv.ParseInt(entityID, 10, 64)
		if err != nil {
			return "", apperror.Wrap(err, apperror.ErrorTypeValidation, "parsing article entity id")
		}
		status, err := m.articles.Status(ctx, id)
		if err != nil {
			return "", err
		}
		return string(status), nil
	default:
		return "", apperror.Wrap(fmt.Errorf("unknown entity type %q", entityType), apperror.ErrorTypeValidation, "resolving entity state")
	}
}

func (m *Manager) writeRelational(ctx context.Context, entityType EntityType, entityID, to string) error {
	switch entityType {
	case EntityBatch:
		return m.batches.SetStatus(ctx, entityID, model.BatchStatus(to), time.Now().UTC())
	case EntityArticle:
		id, err := strconv.ParseInt(entityID, 10, 64)
		if err != nil {
			return apperror.Wrap(err, apperror.ErrorTypeValidation, "parsing article entity id")
		}
		return m.articles.SetStatus(ctx, id, model.RawArticleStatus(to))
	default:
		return apperror.Wrap(fmt.Errorf("unknown entity type %q", entityType), apperror.ErrorTypeValidation, "writing entity state")
	}
}

func (m *Manager) record(entityType EntityType, outcome string) {
	if m.sink != nil {
		m.sink.Incr("state_manager."+string(entityType)+"."+outcome, 1, nil)
	}
}
