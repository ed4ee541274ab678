package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/portofcontext/vestige/internal/models"
)

const environmentColumns = `id, template_id, template_schema, service, schema_name, status, permanent,
	expires_at, max_idle_seconds, last_used_at, created_by, impersonate_user_id, impersonate_email,
	created_at, updated_at`

func scanEnvironment(row pgx.Row) (*models.RuntimeEnvironment, error) {
	var e models.RuntimeEnvironment
	err := row.Scan(
		&e.ID, &e.TemplateID, &e.TemplateSchema, &e.Service, &e.SchemaName, &e.Status, &e.Permanent,
		&e.ExpiresAt, &e.MaxIdleSeconds, &e.LastUsedAt, &e.CreatedBy, &e.ImpersonateUserID, &e.ImpersonateEmail,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func collectEnvironments(rows pgx.Rows) ([]*models.RuntimeEnvironment, error) {
	defer rows.Close()
	var out []*models.RuntimeEnvironment
	for rows.Next() {
		e, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreateEnvironment inserts a runtime environment row.
func (s *Store) CreateEnvironment(ctx context.Context, e *models.RuntimeEnvironment) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now
	if e.LastUsedAt.IsZero() {
		e.LastUsedAt = now
	}

	_, err := s.db().Exec(ctx, `
		INSERT INTO run_time_environments (`+environmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		e.ID, e.TemplateID, e.TemplateSchema, e.Service, e.SchemaName, e.Status, e.Permanent,
		e.ExpiresAt, e.MaxIdleSeconds, e.LastUsedAt, e.CreatedBy, e.ImpersonateUserID, e.ImpersonateEmail,
		e.CreatedAt, e.UpdatedAt,
	)
	return err
}

// GetEnvironment fetches a runtime environment by id.
func (s *Store) GetEnvironment(ctx context.Context, id string) (*models.RuntimeEnvironment, error) {
	e, err := scanEnvironment(s.db().QueryRow(ctx,
		`SELECT `+environmentColumns+` FROM run_time_environments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEnvironmentNotFound
	}
	return e, err
}

// UpdateEnvironmentStatus transitions an environment's status.
func (s *Store) UpdateEnvironmentStatus(ctx context.Context, id string, status models.EnvironmentStatus) error {
	tag, err := s.db().Exec(ctx, `
		UPDATE run_time_environments
		SET status = $2, updated_at = now()
		WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEnvironmentNotFound
	}
	return nil
}

// TouchEnvironment bumps last_used_at so the idle reaper leaves the
// environment alone. Called on every facade request and run operation.
func (s *Store) TouchEnvironment(ctx context.Context, id string) error {
	_, err := s.db().Exec(ctx, `
		UPDATE run_time_environments
		SET last_used_at = now(), updated_at = now()
		WHERE id = $1`,
		id,
	)
	return err
}

// ListEnvironmentsByStatus returns all environments in the given status.
func (s *Store) ListEnvironmentsByStatus(ctx context.Context, status models.EnvironmentStatus) ([]*models.RuntimeEnvironment, error) {
	rows, err := s.db().Query(ctx, `
		SELECT `+environmentColumns+` FROM run_time_environments
		WHERE status = $1
		ORDER BY created_at ASC`,
		status,
	)
	if err != nil {
		return nil, err
	}
	return collectEnvironments(rows)
}

// ListExpiredEnvironments returns ready, non-permanent environments past
// their TTL or idle budget at the given instant.
func (s *Store) ListExpiredEnvironments(ctx context.Context, now time.Time) ([]*models.RuntimeEnvironment, error) {
	rows, err := s.db().Query(ctx, `
		SELECT `+environmentColumns+` FROM run_time_environments
		WHERE status = 'ready'
		  AND permanent = FALSE
		  AND (
			(expires_at IS NOT NULL AND expires_at < $1)
			OR (max_idle_seconds > 0 AND last_used_at < $1 - make_interval(secs => max_idle_seconds))
		  )
		ORDER BY created_at ASC`,
		now,
	)
	if err != nil {
		return nil, err
	}
	return collectEnvironments(rows)
}
