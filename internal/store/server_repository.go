package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ServerRepository is the source of truth for persisted Server Configs,
// with soft delete and upsert-by-name semantics (§4.5).
type ServerRepository struct {
	db DB
}

// NewServerRepository creates a ServerRepository over db. Call Migrate
// (or store.Migrate directly) before issuing queries.
func NewServerRepository(db DB) *ServerRepository {
	return &ServerRepository{db: db}
}

// Migrate ensures the servers table and its indexes exist.
func (r *ServerRepository) Migrate(ctx context.Context) error {
	return Migrate(ctx, r.db)
}

// Upsert merges cfg by its unique, non-deleted name. A soft-deleted row
// with the same name is resurrected (deleted_at cleared, id preserved)
// rather than producing a duplicate.
func (r *ServerRepository) Upsert(ctx context.Context, cfg *ServerConfig) (*ServerConfig, error) {
	if cfg.TimeoutMS == 0 {
		cfg.TimeoutMS = DefaultTimeoutMS
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}

	existing, err := r.findByNameIncludingDeleted(ctx, cfg.Name)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		const query = `
			INSERT INTO servers (name, url, description, enabled, auto_reconnect, timeout_ms, retry_attempts)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			RETURNING id, created_at, updated_at`
		row := r.db.QueryRow(ctx, query,
			cfg.Name, cfg.URL, cfg.Description, cfg.Enabled, cfg.AutoReconnect, cfg.TimeoutMS, cfg.RetryAttempts,
		)
		if err := row.Scan(&cfg.ID, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
			if isDuplicateKeyError(err) {
				return nil, fmt.Errorf("store: upsert: %w: server %q already registered", errDuplicateName, cfg.Name)
			}
			return nil, fmt.Errorf("store: upsert insert: %w", err)
		}
		return cfg, nil
	}

	const update = `
		UPDATE servers SET
			url = $2, description = $3, enabled = $4, auto_reconnect = $5,
			timeout_ms = $6, retry_attempts = $7, deleted_at = NULL, updated_at = now()
		WHERE id = $1
		RETURNING created_at, updated_at`
	cfg.ID = existing.ID
	row := r.db.QueryRow(ctx, update,
		cfg.ID, cfg.URL, cfg.Description, cfg.Enabled, cfg.AutoReconnect, cfg.TimeoutMS, cfg.RetryAttempts,
	)
	if err := row.Scan(&cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
		return nil, fmt.Errorf("store: upsert update: %w", err)
	}
	return cfg, nil
}

// errDuplicateName is wrapped into the error returned by Upsert when a
// live row with the same name already exists.
var errDuplicateName = errors.New("duplicate server name")

// IsDuplicateName reports whether err was produced by a name collision.
func IsDuplicateName(err error) bool {
	return errors.Is(err, errDuplicateName)
}

func (r *ServerRepository) findByNameIncludingDeleted(ctx context.Context, name string) (*ServerConfig, error) {
	const query = `
		SELECT id, name, url, description, enabled, auto_reconnect, timeout_ms, retry_attempts,
		       created_at, updated_at, deleted_at
		FROM servers WHERE name = $1`
	row := r.db.QueryRow(ctx, query, name)
	cfg, err := scanServerConfig(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find by name %q: %w", name, err)
	}
	return cfg, nil
}

// FindByName returns the live (non-deleted) server with the given name, or
// nil if none exists.
func (r *ServerRepository) FindByName(ctx context.Context, name string) (*ServerConfig, error) {
	cfg, err := r.findByNameIncludingDeleted(ctx, name)
	if err != nil || cfg == nil || cfg.DeletedAt != nil {
		return nil, err
	}
	return cfg, nil
}

// FindAll returns every live server, excluding soft-deleted rows and, unless
// includeDisabled is true, disabled rows.
func (r *ServerRepository) FindAll(ctx context.Context, includeDisabled bool) ([]*ServerConfig, error) {
	query := `
		SELECT id, name, url, description, enabled, auto_reconnect, timeout_ms, retry_attempts,
		       created_at, updated_at, deleted_at
		FROM servers WHERE deleted_at IS NULL`
	if !includeDisabled {
		query += ` AND enabled = true`
	}
	query += ` ORDER BY name`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: find all: %w", err)
	}
	defer rows.Close()

	var result []*ServerConfig
	for rows.Next() {
		cfg, err := scanServerConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("store: find all scan: %w", err)
		}
		result = append(result, cfg)
	}
	return result, rows.Err()
}

// SetEnabled flips the enabled flag for the named server and touches updated_at.
func (r *ServerRepository) SetEnabled(ctx context.Context, name string, enabled bool) error {
	const query = `UPDATE servers SET enabled = $2, updated_at = now() WHERE name = $1 AND deleted_at IS NULL`
	tag, err := r.db.Exec(ctx, query, name, enabled)
	if err != nil {
		return fmt.Errorf("store: set enabled %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: set enabled %q: %w", name, errNotFound)
	}
	return nil
}

var errNotFound = errors.New("server not found")

// IsNotFound reports whether err indicates the server row did not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, errNotFound)
}

// SoftDelete marks the server with the given id as deleted. It returns
// whether a row was actually changed.
func (r *ServerRepository) SoftDelete(ctx context.Context, id uuid.UUID) (bool, error) {
	const query = `UPDATE servers SET deleted_at = now(), updated_at = now() WHERE id = $1 AND deleted_at IS NULL`
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("store: soft delete %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Cleanup hard-deletes soft-deleted rows older than daysOld.
func (r *ServerRepository) Cleanup(ctx context.Context, daysOld int) (int64, error) {
	query, err := cleanupDeletedServersSQL(daysOld)
	if err != nil {
		return 0, err
	}
	tag, err := r.db.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("store: cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

// rowScanner is satisfied by both pgx.Row (QueryRow) and pgx.Rows (Query).
type rowScanner interface {
	Scan(dest ...any) error
}

func scanServerConfig(row rowScanner) (*ServerConfig, error) {
	var cfg ServerConfig
	var deletedAt *time.Time
	err := row.Scan(
		&cfg.ID, &cfg.Name, &cfg.URL, &cfg.Description, &cfg.Enabled, &cfg.AutoReconnect,
		&cfg.TimeoutMS, &cfg.RetryAttempts, &cfg.CreatedAt, &cfg.UpdatedAt, &deletedAt,
	)
	if err != nil {
		return nil, err
	}
	cfg.DeletedAt = deletedAt
	return &cfg, nil
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
