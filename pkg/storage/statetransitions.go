package storage

import (
	"context"
	"time"

	"github.com/langgraphsystem/rssnews/internal/apperror"
)

// StateTransitionRepository durably records every entity state transition
// beyond the state machine's short-lived cache, backing audit queries and
// post-incident reconstruction of how an entity reached its current state.
type StateTransitionRepository struct{ pool *Pool }

func NewStateTransitionRepository(pool *Pool) *StateTransitionRepository {
	return &StateTransitionRepository{pool: pool}
}

// StateTransitionRecord is one row of state_transitions.
type StateTransitionRecord struct {
	EntityType string
	EntityID   string
	FromState  string
	ToState    string
	Reason     string
	ActorID    string
	OccurredAt time.Time
}

// Insert appends one transition record. The table is append-only; entities
// never get their history rewritten.
func (r *StateTransitionRepository) Insert(ctx context.Context, rec StateTransitionRecord) error {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO state_transitions (entity_type, entity_id, from_state, to_state, reason, actor_id, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		rec.EntityType, rec.EntityID, rec.FromState, rec.ToState, rec.Reason, rec.ActorID, rec.OccurredAt)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrorTypeDatabase, "inserting state transition")
	}
	return nil
}

// History loads every recorded transition for one entity, oldest first.
func (r *StateTransitionRepository) History(ctx context.Context, entityType, entityID string) ([]StateTransitionRecord, error) {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, `
		SELECT entity_type, entity_id, from_state, to_state, coalesce(reason,''), coalesce(actor_id,''), occurred_at
		FROM state_transitions WHERE entity_type = $1 AND entity_id = $2 ORDER BY occurred_at ASC`,
		entityType, entityID)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrorTypeDatabase, "loading state transition history")
	}
	defer rows.Close()
	var out []StateTransitionRecord
	for rows.Next() {
		var rec StateTransitionRecord
		if err := rows.Scan(&rec.EntityType, &rec.EntityID, &rec.FromState, &rec.ToState,
			&rec.Reason, &rec.ActorID, &rec.OccurredAt); err != nil {
			return nil, apperror.Wrap(err, apperror.ErrorTypeDatabase, "scanning state transition")
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
