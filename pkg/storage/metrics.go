package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/langgraphsystem/rssnews/internal/apperror"
)

func marshalLabels(labels map[string]string) ([]byte, error) {
	if labels == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(labels)
}

// MetricsRepository is the durable relational flush target for the metrics
// sink's buffered counters, gauges and histograms, written on each flush
// interval alongside the faster Redis aggregation path.
type MetricsRepository struct{ pool *Pool }

func NewMetricsRepository(pool *Pool) *MetricsRepository { return &MetricsRepository{pool: pool} }

// MetricSample is one flushed data point.
type MetricSample struct {
	Name      string
	Value     float64
	Labels    map[string]string
	Kind      string // counter, gauge, histogram, timing, rate
	RecordedAt time.Time
}

// InsertBatch writes a batch of flushed metric samples in one round trip.
func (r *MetricsRepository) InsertBatch(ctx context.Context, samples []MetricSample) error {
	if len(samples) == 0 {
		return nil
	}
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	names := make([]string, len(samples))
	values := make([]float64, len(samples))
	kinds := make([]string, len(samples))
	recordedAt := make([]time.Time, len(samples))
	labelsJSON := make([][]byte, len(samples))
	for i, s := range samples {
		names[i] = s.Name
		values[i] = s.Value
		kinds[i] = s.Kind
		recordedAt[i] = s.RecordedAt
		b, err := marshalLabels(s.Labels)
		if err != nil {
			return apperror.Wrap(err, apperror.ErrorTypeInternal, "marshalling metric labels")
		}
		labelsJSON[i] = b
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO performance_metrics (metric_name, value, kind, labels, recorded_at)
		SELECT * FROM unnest($1::text[], $2::double precision[], $3::text[], $4::jsonb[], $5::timestamptz[])`,
		names, values, kinds, labelsJSON, recordedAt)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrorTypeDatabase, "inserting performance metrics batch")
	}
	return nil
}

// RecentAverage returns the mean value of metric name recorded since
// since, and false if no samples fall in that window, used by the
// backpressure monitor to read recent error/success rates straight out of
// the durable flush target instead of re-deriving them from raw counters.
func (r *MetricsRepository) RecentAverage(ctx context.Context, name string, since time.Time) (float64, bool, error) {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	var avg *float64
	err := r.pool.QueryRow(ctx, `
		SELECT AVG(value) FROM performance_metrics
		WHERE metric_name = $1 AND recorded_at > $2`, name, since).Scan(&avg)
	if err != nil {
		return 0, false, apperror.Wrap(err, apperror.ErrorTypeDatabase, "averaging recent metric")
	}
	if avg == nil {
		return 0, false, nil
	}
	return *avg, true, nil
}

// AlertRepository persists AlertManager's alert state across restarts,
// tracking when each named alert first and most recently fired and how
// many consecutive evaluations have kept it active.
type AlertRepository struct{ pool *Pool }

func NewAlertRepository(pool *Pool) *AlertRepository { return &AlertRepository{pool: pool} }

// AlertEvent mirrors one row of alert_events.
type AlertEvent struct {
	AlertName      string
	Severity       string
	Message        string
	FirstTriggered time.Time
	LastTriggered  time.Time
	TriggerCount   int
	ResolvedAt     *time.Time
}

// Upsert records an alert firing, bumping trigger_count and last_triggered
// if the alert is already active, or opening a fresh row otherwise.
func (r *AlertRepository) Upsert(ctx context.Context, name, severity, message string, at time.Time) error {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO alert_events (alert_name, severity, message, first_triggered, last_triggered, trigger_count)
		VALUES ($1,$2,$3,$4,$4,1)
		ON CONFLICT (alert_name) WHERE resolved_at IS NULL DO UPDATE SET
			last_triggered = $4, trigger_count = alert_events.trigger_count + 1, message = $3`,
		name, severity, message, at)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrorTypeDatabase, "upserting alert event")
	}
	return nil
}

// Resolve marks the currently active alert row for name as resolved.
func (r *AlertRepository) Resolve(ctx context.Context, name string, at time.Time) error {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	_, err := r.pool.Exec(ctx, `
		UPDATE alert_events SET resolved_at = $2 WHERE alert_name = $1 AND resolved_at IS NULL`, name, at)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrorTypeDatabase, "resolving alert event")
	}
	return nil
}

// Active loads every currently unresolved alert.
func (r *AlertRepository) Active(ctx context.Context) ([]AlertEvent, error) {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, `
		SELECT alert_name, severity, message, first_triggered, last_triggered, trigger_count, resolved_at
		FROM alert_events WHERE resolved_at IS NULL ORDER BY first_triggered ASC`)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrorTypeDatabase, "loading active alerts")
	}
	defer rows.Close()
	var out []AlertEvent
	for rows.Next() {
		var e AlertEvent
		if err := rows.Scan(&e.AlertName, &e.Severity, &e.Message, &e.FirstTriggered,
			&e.LastTriggered, &e.TriggerCount, &e.ResolvedAt); err != nil {
			return nil, apperror.Wrap(err, apperror.ErrorTypeDatabase, "scanning alert event")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
