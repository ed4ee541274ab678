package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/portofcontext/vestige/internal/models"
)

const runColumns = `id, test_id, suite_id, environment_id, status, result,
	before_snapshot_suffix, after_snapshot_suffix,
	replication_slot, replication_plugin, replication_started_at,
	created_by, created_at, updated_at`

func scanRun(row pgx.Row) (*models.TestRun, error) {
	var r models.TestRun
	err := row.Scan(
		&r.ID, &r.TestID, &r.SuiteID, &r.EnvironmentID, &r.Status, &r.Result,
		&r.BeforeSnapshotSuffix, &r.AfterSnapshotSuffix,
		&r.ReplicationSlot, &r.ReplicationPlugin, &r.ReplicationStartedAt,
		&r.CreatedBy, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRun inserts a test run row.
func (s *Store) CreateRun(ctx context.Context, r *models.TestRun) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	_, err := s.db().Exec(ctx, `
		INSERT INTO test_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		r.ID, r.TestID, r.SuiteID, r.EnvironmentID, r.Status, r.Result,
		r.BeforeSnapshotSuffix, r.AfterSnapshotSuffix,
		r.ReplicationSlot, r.ReplicationPlugin, r.ReplicationStartedAt,
		r.CreatedBy, r.CreatedAt, r.UpdatedAt,
	)
	return err
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*models.TestRun, error) {
	r, err := scanRun(s.db().QueryRow(ctx,
		`SELECT `+runColumns+` FROM test_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return r, err
}

// UpdateRun writes back every mutable run field. The orchestrator mutates the
// struct through a run's lifecycle and saves it at each transition.
func (s *Store) UpdateRun(ctx context.Context, r *models.TestRun) error {
	r.UpdatedAt = time.Now().UTC()
	tag, err := s.db().Exec(ctx, `
		UPDATE test_runs
		SET status = $2, result = $3,
		    before_snapshot_suffix = $4, after_snapshot_suffix = $5,
		    replication_slot = $6, replication_plugin = $7, replication_started_at = $8,
		    updated_at = $9
		WHERE id = $1`,
		r.ID, r.Status, r.Result,
		r.BeforeSnapshotSuffix, r.AfterSnapshotSuffix,
		r.ReplicationSlot, r.ReplicationPlugin, r.ReplicationStartedAt,
		r.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

// ActiveRunForEnvironment returns the running run on an environment, if any.
// StartRun uses this as its fence: one live capture window per environment.
func (s *Store) ActiveRunForEnvironment(ctx context.Context, environmentID string) (*models.TestRun, error) {
	r, err := scanRun(s.db().QueryRow(ctx, `
		SELECT `+runColumns+` FROM test_runs
		WHERE environment_id = $1 AND status = 'running'
		ORDER BY created_at DESC
		LIMIT 1`,
		environmentID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return r, err
}

// ListRunsForEnvironment returns an environment's runs, newest first.
func (s *Store) ListRunsForEnvironment(ctx context.Context, environmentID string) ([]*models.TestRun, error) {
	rows, err := s.db().Query(ctx, `
		SELECT `+runColumns+` FROM test_runs
		WHERE environment_id = $1
		ORDER BY created_at DESC`,
		environmentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.TestRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
