package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/portofcontext/vestige/internal/models"
)

const templateColumns = `id, service, name, version, visibility, owner_id, kind, location, seed_order, created_at, updated_at`

func scanTemplate(row pgx.Row) (*models.TemplateEnvironment, error) {
	var t models.TemplateEnvironment
	err := row.Scan(
		&t.ID, &t.Service, &t.Name, &t.Version, &t.Visibility, &t.OwnerID,
		&t.Kind, &t.Location, &t.SeedOrder, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func collectTemplates(rows pgx.Rows) ([]*models.TemplateEnvironment, error) {
	defer rows.Close()
	var out []*models.TemplateEnvironment
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateTemplate registers a template. The identity (service, name, version,
// owner) must be unused; registering it twice returns ErrDuplicate.
func (s *Store) CreateTemplate(ctx context.Context, t *models.TemplateEnvironment) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.db().Exec(ctx, `
		INSERT INTO environments (`+templateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.Service, t.Name, t.Version, t.Visibility, t.OwnerID,
		t.Kind, t.Location, t.SeedOrder, t.CreatedAt, t.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("template %s/%s@%s: %w", t.Service, t.Name, t.Version, ErrDuplicate)
	}
	return err
}

// GetTemplate fetches a template by id.
func (s *Store) GetTemplate(ctx context.Context, id string) (*models.TemplateEnvironment, error) {
	t, err := scanTemplate(s.db().QueryRow(ctx,
		`SELECT `+templateColumns+` FROM environments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTemplateNotFound
	}
	return t, err
}

// ListTemplatesByName returns every version of (service, name) the principal
// may see. Version selection happens in the template resolver.
func (s *Store) ListTemplatesByName(ctx context.Context, service, name, principalID string) ([]*models.TemplateEnvironment, error) {
	rows, err := s.db().Query(ctx, `
		SELECT `+templateColumns+` FROM environments
		WHERE service = $1 AND name = $2
		  AND (visibility = 'public' OR owner_id = $3)`,
		service, name, principalID,
	)
	if err != nil {
		return nil, err
	}
	return collectTemplates(rows)
}

// GetTemplateByLocation fetches the template whose location matches, used when
// callers pass a raw schema name instead of an id. Newest registration wins if
// several templates share a location.
func (s *Store) GetTemplateByLocation(ctx context.Context, location, principalID string) (*models.TemplateEnvironment, error) {
	t, err := scanTemplate(s.db().QueryRow(ctx, `
		SELECT `+templateColumns+` FROM environments
		WHERE location = $1 AND (visibility = 'public' OR owner_id = $2)
		ORDER BY created_at DESC
		LIMIT 1`,
		location, principalID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTemplateNotFound
	}
	return t, err
}

// ListTemplates returns all templates visible to the principal, newest first.
func (s *Store) ListTemplates(ctx context.Context, principalID string) ([]*models.TemplateEnvironment, error) {
	rows, err := s.db().Query(ctx, `
		SELECT `+templateColumns+` FROM environments
		WHERE visibility = 'public' OR owner_id = $1
		ORDER BY created_at DESC`,
		principalID,
	)
	if err != nil {
		return nil, err
	}
	return collectTemplates(rows)
}

// DeleteTemplate removes a template registration. The backing schema is the
// caller's to drop.
func (s *Store) DeleteTemplate(ctx context.Context, id string) error {
	tag, err := s.db().Exec(ctx, `DELETE FROM environments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTemplateNotFound
	}
	return nil
}
