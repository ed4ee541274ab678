package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/portofcontext/vestige/internal/models"
)

const poolEntryColumns = `id, template_id, template_schema, schema_name, status,
	last_used_at, last_refreshed_at, claimed_by, claimed_at, created_at, updated_at`

func scanPoolEntry(row pgx.Row) (*models.EnvironmentPoolEntry, error) {
	var p models.EnvironmentPoolEntry
	err := row.Scan(
		&p.ID, &p.TemplateID, &p.TemplateSchema, &p.SchemaName, &p.Status,
		&p.LastUsedAt, &p.LastRefreshedAt, &p.ClaimedBy, &p.ClaimedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePoolEntry inserts a pool entry, typically in refreshing state until
// its first clone completes.
func (s *Store) CreatePoolEntry(ctx context.Context, p *models.EnvironmentPoolEntry) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db().Exec(ctx, `
		INSERT INTO environment_pool_entries (`+poolEntryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.TemplateID, p.TemplateSchema, p.SchemaName, p.Status,
		p.LastUsedAt, p.LastRefreshedAt, p.ClaimedBy, p.ClaimedAt, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

// ClaimPoolEntry atomically claims the oldest ready entry for the template.
// Status, claimed_by and claimed_at change in one transaction; SKIP LOCKED
// keeps concurrent claimers from ever handing out the same namespace.
// Returns ErrNoReadyPoolEntry when the pool is drained.
func (s *Store) ClaimPoolEntry(ctx context.Context, templateSchema, environmentID string) (*models.EnvironmentPoolEntry, error) {
	var claimed *models.EnvironmentPoolEntry
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		p, err := scanPoolEntry(tx.QueryRow(ctx, `
			SELECT `+poolEntryColumns+` FROM environment_pool_entries
			WHERE template_schema = $1 AND status = 'ready' AND claimed_by IS NULL
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`,
			templateSchema,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNoReadyPoolEntry
		}
		if err != nil {
			return err
		}

		p, err = scanPoolEntry(tx.QueryRow(ctx, `
			UPDATE environment_pool_entries
			SET status = 'in_use', claimed_by = $2, claimed_at = now(),
			    last_used_at = now(), updated_at = now()
			WHERE id = $1
			RETURNING `+poolEntryColumns,
			p.ID, environmentID,
		))
		if err != nil {
			return err
		}
		claimed = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ReleasePoolEntryByEnvironment returns whatever entry the environment
// claimed to the pool as dirty; the refresh worker re-clones it before it
// becomes claimable again. Returns the number of entries released: zero
// means the environment's namespace was an on-demand clone, not pool-backed.
func (s *Store) ReleasePoolEntryByEnvironment(ctx context.Context, environmentID string) (int64, error) {
	tag, err := s.db().Exec(ctx, `
		UPDATE environment_pool_entries
		SET status = 'dirty', claimed_by = NULL, claimed_at = NULL, updated_at = now()
		WHERE claimed_by = $1`,
		environmentID,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ClaimDirtyPoolEntry picks one dirty entry and marks it refreshing, using the
// same SKIP LOCKED discipline as ClaimPoolEntry so refresh workers never race.
// Returns ErrPoolEntryNotFound when nothing is dirty.
func (s *Store) ClaimDirtyPoolEntry(ctx context.Context) (*models.EnvironmentPoolEntry, error) {
	var claimed *models.EnvironmentPoolEntry
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		p, err := scanPoolEntry(tx.QueryRow(ctx, `
			SELECT `+poolEntryColumns+` FROM environment_pool_entries
			WHERE status = 'dirty'
			ORDER BY updated_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrPoolEntryNotFound
		}
		if err != nil {
			return err
		}

		p, err = scanPoolEntry(tx.QueryRow(ctx, `
			UPDATE environment_pool_entries
			SET status = 'refreshing', updated_at = now()
			WHERE id = $1
			RETURNING `+poolEntryColumns,
			p.ID,
		))
		if err != nil {
			return err
		}
		claimed = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkPoolEntryReady completes a refresh.
func (s *Store) MarkPoolEntryReady(ctx context.Context, id string) error {
	tag, err := s.db().Exec(ctx, `
		UPDATE environment_pool_entries
		SET status = 'ready', last_refreshed_at = now(), updated_at = now()
		WHERE id = $1`,
		id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPoolEntryNotFound
	}
	return nil
}

// MarkPoolEntryDirty requeues an entry for refresh, e.g. after a failed clone.
func (s *Store) MarkPoolEntryDirty(ctx context.Context, id string) error {
	tag, err := s.db().Exec(ctx, `
		UPDATE environment_pool_entries
		SET status = 'dirty', claimed_by = NULL, claimed_at = NULL, updated_at = now()
		WHERE id = $1`,
		id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPoolEntryNotFound
	}
	return nil
}

// DeletePoolEntry removes an entry outright, used when quarantining a
// namespace whose refresh keeps failing or when shrinking a pool target.
func (s *Store) DeletePoolEntry(ctx context.Context, id string) error {
	tag, err := s.db().Exec(ctx, `DELETE FROM environment_pool_entries WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPoolEntryNotFound
	}
	return nil
}

// RequeueStaleRefreshing flips refreshing entries older than age back to
// dirty. A refresh interrupted by a crash leaves its entry refreshing
// forever otherwise.
func (s *Store) RequeueStaleRefreshing(ctx context.Context, age time.Duration) (int64, error) {
	tag, err := s.db().Exec(ctx, `
		UPDATE environment_pool_entries
		SET status = 'dirty', updated_at = now()
		WHERE status = 'refreshing' AND updated_at < now() - make_interval(secs => $1)`,
		age.Seconds(),
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// PoolCounts is the per-template status breakdown used by the refiller and
// the pool gauges.
type PoolCounts struct {
	TemplateSchema string
	Status         models.PoolEntryStatus
	Count          int
}

// CountPoolEntries returns the (template, status) histogram over all entries.
func (s *Store) CountPoolEntries(ctx context.Context) ([]PoolCounts, error) {
	rows, err := s.db().Query(ctx, `
		SELECT template_schema, status, count(*)
		FROM environment_pool_entries
		GROUP BY template_schema, status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PoolCounts
	for rows.Next() {
		var c PoolCounts
		if err := rows.Scan(&c.TemplateSchema, &c.Status, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

