package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/portofcontext/vestige/internal/models"
	"github.com/portofcontext/vestige/internal/postgres"
)

const journalColumns = `id, environment_id, run_id, lsn, table_name, operation, primary_key, before, after, recorded_at`

// InsertJournalEntries files a batch of decoded changes. The poll worker
// calls this inside WithTx and only advances the replication slot after the
// transaction commits, so a crash between the two replays changes instead of
// dropping them.
func (s *Store) InsertJournalEntries(ctx context.Context, q postgres.Querier, entries []*models.ChangeJournalEntry) error {
	now := time.Now().UTC()
	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.RecordedAt.IsZero() {
			e.RecordedAt = now
		}
		_, err := q.Exec(ctx, `
			INSERT INTO change_journal (`+journalColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			e.ID, e.EnvironmentID, e.RunID, e.LSN, e.TableName, e.Operation,
			e.PrimaryKey, e.Before, e.After, e.RecordedAt,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// ListJournalEntries returns a run's changes in commit order. The lsn cast
// matters: text ordering would put 0/9 after 0/10.
func (s *Store) ListJournalEntries(ctx context.Context, q postgres.Querier, runID string) ([]*models.ChangeJournalEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT `+journalColumns+` FROM change_journal
		WHERE run_id = $1
		ORDER BY recorded_at ASC, lsn::pg_lsn ASC, id ASC`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ChangeJournalEntry
	for rows.Next() {
		var e models.ChangeJournalEntry
		err := rows.Scan(&e.ID, &e.EnvironmentID, &e.RunID, &e.LSN, &e.TableName, &e.Operation,
			&e.PrimaryKey, &e.Before, &e.After, &e.RecordedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// DeleteJournalEntries removes a run's journal rows. Drain runs this in the
// same transaction as the read so entries are consumed exactly once.
func (s *Store) DeleteJournalEntries(ctx context.Context, q postgres.Querier, runID string) error {
	_, err := q.Exec(ctx, `DELETE FROM change_journal WHERE run_id = $1`, runID)
	return err
}

// DeleteJournalForEnvironment drops any orphaned journal rows when an
// environment is cleaned up.
func (s *Store) DeleteJournalForEnvironment(ctx context.Context, environmentID string) error {
	_, err := s.db().Exec(ctx,
		`DELETE FROM change_journal WHERE environment_id = $1`, environmentID)
	return err
}
