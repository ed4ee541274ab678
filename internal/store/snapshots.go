package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/portofcontext/vestige/internal/models"
	"github.com/portofcontext/vestige/internal/postgres"
)

// UpsertSnapshotMetadata records one table fingerprint for a snapshot. Takes
// a Querier so the snapshotter can file all fingerprints in the transaction
// that created the snapshot tables.
func (s *Store) UpsertSnapshotMetadata(ctx context.Context, q postgres.Querier, m *models.SnapshotMetadata) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()

	_, err := q.Exec(ctx, `
		INSERT INTO snapshot_metadata
			(id, environment_id, schema_name, snapshot_suffix, table_name, row_count, checksum, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (environment_id, snapshot_suffix, table_name)
		DO UPDATE SET row_count = EXCLUDED.row_count, checksum = EXCLUDED.checksum, updated_at = EXCLUDED.updated_at`,
		m.ID, m.EnvironmentID, m.SchemaName, m.Suffix, m.TableName, m.RowCount, m.Checksum, now,
	)
	return err
}

// ListSnapshotMetadata returns the fingerprints of one snapshot keyed by
// table name.
func (s *Store) ListSnapshotMetadata(ctx context.Context, environmentID, suffix string) (map[string]*models.SnapshotMetadata, error) {
	rows, err := s.db().Query(ctx, `
		SELECT id, environment_id, schema_name, snapshot_suffix, table_name, row_count, checksum, created_at, updated_at
		FROM snapshot_metadata
		WHERE environment_id = $1 AND snapshot_suffix = $2`,
		environmentID, suffix,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*models.SnapshotMetadata)
	for rows.Next() {
		var m models.SnapshotMetadata
		err := rows.Scan(&m.ID, &m.EnvironmentID, &m.SchemaName, &m.Suffix, &m.TableName,
			&m.RowCount, &m.Checksum, &m.CreatedAt, &m.UpdatedAt)
		if err != nil {
			return nil, err
		}
		out[m.TableName] = &m
	}
	return out, rows.Err()
}

// DeleteSnapshotMetadata drops the fingerprints of one snapshot, used when
// the snapshot tables themselves are archived away.
func (s *Store) DeleteSnapshotMetadata(ctx context.Context, environmentID, suffix string) error {
	_, err := s.db().Exec(ctx, `
		DELETE FROM snapshot_metadata
		WHERE environment_id = $1 AND snapshot_suffix = $2`,
		environmentID, suffix,
	)
	return err
}

// DeleteSnapshotMetadataForEnvironment clears everything recorded for an
// environment during cleanup.
func (s *Store) DeleteSnapshotMetadataForEnvironment(ctx context.Context, environmentID string) error {
	_, err := s.db().Exec(ctx,
		`DELETE FROM snapshot_metadata WHERE environment_id = $1`, environmentID)
	return err
}
