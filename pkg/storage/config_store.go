package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/langgraphsystem/rssnews/internal/apperror"
)

// ConfigRepository backs pkg/configstore against system_configurations,
// where exactly one row per config_name is active.
type ConfigRepository struct{ pool *Pool }

func NewConfigRepository(pool *Pool) *ConfigRepository { return &ConfigRepository{pool: pool} }

// ConfigRow is one versioned configuration snapshot.
type ConfigRow struct {
	ConfigName  string
	ConfigData  []byte
	Version     int
	CreatedBy   string
	Description string
	Checksum    string
	Active      bool
	CreatedAt   time.Time
}

// ActiveConfig loads the currently active row for a config name.
func (r *ConfigRepository) ActiveConfig(ctx context.Context, name string) (*ConfigRow, error) {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	row := &ConfigRow{}
	err := r.pool.QueryRow(ctx, `
		SELECT config_name, config_data, version, created_by, description, checksum, active, created_at
		FROM system_configurations WHERE config_name = $1 AND active = true
		ORDER BY version DESC LIMIT 1`, name).Scan(
		&row.ConfigName, &row.ConfigData, &row.Version, &row.CreatedBy, &row.Description,
		&row.Checksum, &row.Active, &row.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, apperror.NotFound("no active configuration for " + name)
	}
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrorTypeDatabase, "loading active configuration")
	}
	return row, nil
}

// PublishNewVersion inserts a new version as active and deactivates every
// prior version of the same config_name in a single transaction, preserving
// the "exactly one row per name is active" invariant.
func (r *ConfigRepository) PublishNewVersion(ctx context.Context, name string, data []byte, createdBy, description, checksum string) (int, error) {
	ctx, cancel := r.pool.WithTimeout(ctx)
	defer cancel()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, apperror.Wrap(err, apperror.ErrorTypeDatabase, "beginning config transaction")
	}
	defer tx.Rollback(ctx)

	if stmt := r.pool.relaxDurabilityStatement(); stmt != "" {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return 0, apperror.Wrap(err, apperror.ErrorTypeDatabase, "relaxing transaction durability")
		}
	}

	var nextVersion int
	err = tx.QueryRow(ctx, `
		SELECT coalesce(max(version), 0) + 1 FROM system_configurations WHERE config_name = $1`, name).Scan(&nextVersion)
	if err != nil {
		return 0, apperror.Wrap(err, apperror.ErrorTypeDatabase, "computing next config version")
	}
	if _, err := tx.Exec(ctx, `UPDATE system_configurations SET active = false WHERE config_name = $1`, name); err != nil {
		return 0, apperror.Wrap(err, apperror.ErrorTypeDatabase, "deactivating prior config versions")
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO system_configurations (config_name, config_data, version, created_by, description, checksum, active)
		VALUES ($1,$2,$3,$4,$5,$6,true)`, name, data, nextVersion, createdBy, description, checksum); err != nil {
		return 0, apperror.Wrap(err, apperror.ErrorTypeDatabase, "inserting config version")
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, apperror.Wrap(err, apperror.ErrorTypeDatabase, "committing config transaction")
	}
	return nextVersion, nil
}
