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

const testColumns = `id, name, test_type, prompt, expected_output, template_schema, impersonate_user,
	visibility, owner_id, created_at, updated_at`

func scanTest(row pgx.Row) (*models.Test, error) {
	var t models.Test
	err := row.Scan(
		&t.ID, &t.Name, &t.Type, &t.Prompt, &t.ExpectedOutput, &t.TemplateSchema, &t.ImpersonateUser,
		&t.Visibility, &t.OwnerID, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTest inserts a catalog test.
func (s *Store) CreateTest(ctx context.Context, t *models.Test) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.db().Exec(ctx, `
		INSERT INTO tests (`+testColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.Name, t.Type, t.Prompt, t.ExpectedOutput, t.TemplateSchema, t.ImpersonateUser,
		t.Visibility, t.OwnerID, t.CreatedAt, t.UpdatedAt,
	)
	return err
}

// GetTest fetches a test by id.
func (s *Store) GetTest(ctx context.Context, id string) (*models.Test, error) {
	t, err := scanTest(s.db().QueryRow(ctx,
		`SELECT `+testColumns+` FROM tests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTestNotFound
	}
	return t, err
}

// UpdateTest replaces the mutable fields of a test.
func (s *Store) UpdateTest(ctx context.Context, t *models.Test) error {
	t.UpdatedAt = time.Now().UTC()
	tag, err := s.db().Exec(ctx, `
		UPDATE tests
		SET name = $2, test_type = $3, prompt = $4, expected_output = $5,
		    template_schema = $6, impersonate_user = $7, visibility = $8, updated_at = $9
		WHERE id = $1`,
		t.ID, t.Name, t.Type, t.Prompt, t.ExpectedOutput,
		t.TemplateSchema, t.ImpersonateUser, t.Visibility, t.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTestNotFound
	}
	return nil
}

// ListTests returns the tests visible to the principal, newest first.
func (s *Store) ListTests(ctx context.Context, principalID string) ([]*models.Test, error) {
	rows, err := s.db().Query(ctx, `
		SELECT `+testColumns+` FROM tests
		WHERE visibility = 'public' OR owner_id = $1
		ORDER BY created_at DESC`,
		principalID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Test
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTest removes a test; memberships cascade.
func (s *Store) DeleteTest(ctx context.Context, id string) error {
	tag, err := s.db().Exec(ctx, `DELETE FROM tests WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTestNotFound
	}
	return nil
}

const suiteColumns = `id, name, description, visibility, owner_id, created_at, updated_at`

func scanSuite(row pgx.Row) (*models.TestSuite, error) {
	var su models.TestSuite
	err := row.Scan(&su.ID, &su.Name, &su.Description, &su.Visibility, &su.OwnerID, &su.CreatedAt, &su.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &su, nil
}

// CreateSuite inserts a test suite.
func (s *Store) CreateSuite(ctx context.Context, su *models.TestSuite) error {
	if su.ID == "" {
		su.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	su.CreatedAt = now
	su.UpdatedAt = now

	_, err := s.db().Exec(ctx, `
		INSERT INTO test_suites (`+suiteColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		su.ID, su.Name, su.Description, su.Visibility, su.OwnerID, su.CreatedAt, su.UpdatedAt,
	)
	return err
}

// GetSuite fetches a suite by id.
func (s *Store) GetSuite(ctx context.Context, id string) (*models.TestSuite, error) {
	su, err := scanSuite(s.db().QueryRow(ctx,
		`SELECT `+suiteColumns+` FROM test_suites WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSuiteNotFound
	}
	return su, err
}

// ListSuites returns the suites visible to the principal, newest first.
func (s *Store) ListSuites(ctx context.Context, principalID string) ([]*models.TestSuite, error) {
	rows, err := s.db().Query(ctx, `
		SELECT `+suiteColumns+` FROM test_suites
		WHERE visibility = 'public' OR owner_id = $1
		ORDER BY created_at DESC`,
		principalID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.TestSuite
	for rows.Next() {
		su, err := scanSuite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, su)
	}
	return out, rows.Err()
}

// DeleteSuite removes a suite; memberships cascade.
func (s *Store) DeleteSuite(ctx context.Context, id string) error {
	tag, err := s.db().Exec(ctx, `DELETE FROM test_suites WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSuiteNotFound
	}
	return nil
}

// AddTestToSuite links a test into a suite at the given position. Linking the
// same test twice returns ErrDuplicate.
func (s *Store) AddTestToSuite(ctx context.Context, suiteID, testID string, position int) (*models.TestMembership, error) {
	m := &models.TestMembership{
		ID:        uuid.NewString(),
		SuiteID:   suiteID,
		TestID:    testID,
		Position:  position,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db().Exec(ctx, `
		INSERT INTO test_memberships (id, suite_id, test_id, position, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.SuiteID, m.TestID, m.Position, m.CreatedAt,
	)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("test %s already in suite %s: %w", testID, suiteID, ErrDuplicate)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RemoveTestFromSuite unlinks a test from a suite.
func (s *Store) RemoveTestFromSuite(ctx context.Context, suiteID, testID string) error {
	tag, err := s.db().Exec(ctx, `
		DELETE FROM test_memberships WHERE suite_id = $1 AND test_id = $2`,
		suiteID, testID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTestNotFound
	}
	return nil
}

// ListSuiteTests returns a suite's tests in membership order.
func (s *Store) ListSuiteTests(ctx context.Context, suiteID string) ([]*models.Test, error) {
	rows, err := s.db().Query(ctx, `
		SELECT t.id, t.name, t.test_type, t.prompt, t.expected_output, t.template_schema, t.impersonate_user,
		       t.visibility, t.owner_id, t.created_at, t.updated_at
		FROM tests t
		JOIN test_memberships m ON m.test_id = t.id
		WHERE m.suite_id = $1
		ORDER BY m.position ASC, m.created_at ASC`,
		suiteID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Test
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
