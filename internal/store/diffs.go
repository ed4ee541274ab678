package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/portofcontext/vestige/internal/models"
)

// SaveDiff archives a run's change set. endRun retries overwrite the earlier
// archive rather than erroring.
func (s *Store) SaveDiff(ctx context.Context, runID, environmentID string, changeSet json.RawMessage) error {
	_, err := s.db().Exec(ctx, `
		INSERT INTO diffs (id, run_id, environment_id, change_set, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (run_id)
		DO UPDATE SET change_set = EXCLUDED.change_set, created_at = now()`,
		uuid.NewString(), runID, environmentID, changeSet,
	)
	return err
}

// GetDiff fetches the archived change set of a run.
func (s *Store) GetDiff(ctx context.Context, runID string) (*models.Diff, error) {
	var d models.Diff
	err := s.db().QueryRow(ctx, `
		SELECT id, run_id, environment_id, change_set, created_at
		FROM diffs WHERE run_id = $1`,
		runID,
	).Scan(&d.ID, &d.RunID, &d.EnvironmentID, &d.ChangeSet, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDiffNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// DeleteDiffsForEnvironment clears archived diffs during environment cleanup.
func (s *Store) DeleteDiffsForEnvironment(ctx context.Context, environmentID string) error {
	_, err := s.db().Exec(ctx,
		`DELETE FROM diffs WHERE environment_id = $1`, environmentID)
	return err
}
