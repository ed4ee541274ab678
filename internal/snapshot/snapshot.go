// Package snapshot materializes point-in-time copies of a namespace and
// computes insert/update/delete change sets between two of them.
//
// Invariants:
//   - a snapshot either exists completely (one sibling table plus one
//     fingerprint row per user table) or not at all; the copy runs in a
//     single REPEATABLE READ transaction
//   - matching (row count, checksum) fingerprints imply an empty diff for
//     that table
//   - snapshot tables never shadow user tables; the _snapshot_ infix is
//     reserved
package snapshot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/portofcontext/vestige/internal/logging"
	"github.com/portofcontext/vestige/internal/metrics"
	"github.com/portofcontext/vestige/internal/models"
	"github.com/portofcontext/vestige/internal/namespace"
	"github.com/portofcontext/vestige/internal/postgres"
	"github.com/portofcontext/vestige/internal/store"
)

// SuffixPrefixBefore and SuffixPrefixAfter tag the two snapshots of a run.
const (
	SuffixPrefixBefore = "before"
	SuffixPrefixAfter  = "after"
)

// NewSuffix generates a snapshot suffix like "before_1a2b3c4d".
func NewSuffix(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// TableName returns the sibling table holding table's rows under suffix.
func TableName(table, suffix string) string {
	return table + "_snapshot_" + suffix
}

// Snapshotter takes and archives namespace snapshots.
type Snapshotter struct {
	client  postgres.Client
	store   *store.Store
	metrics *metrics.Metrics
	tracer  trace.Tracer
	logger  *logging.Logger
}

func NewSnapshotter(client postgres.Client, st *store.Store, m *metrics.Metrics, tracer trace.Tracer) *Snapshotter {
	return &Snapshotter{
		client:  client,
		store:   st,
		metrics: m,
		tracer:  tracer,
		logger:  logging.GetLogger("snapshot"),
	}
}

// Take materializes a snapshot of every user table in the namespace and
// records a fingerprint per table. All tables are copied in one REPEATABLE
// READ transaction, so the snapshot is a consistent cut even under
// concurrent writes. Returns the generated suffix.
func (s *Snapshotter) Take(ctx context.Context, environmentID, schema, prefix string) (string, error) {
	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "snapshot.Take")
		defer span.End()
	}

	suffix := NewSuffix(prefix)
	start := time.Now()

	tx, err := s.client.Pool().BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return "", fmt.Errorf("begin snapshot transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tables, err := namespace.Tables(ctx, tx, schema)
	if err != nil {
		return "", err
	}
	pks, err := namespace.PrimaryKeys(ctx, tx, schema)
	if err != nil {
		return "", err
	}

	for _, table := range tables {
		if err := s.snapshotTable(ctx, tx, environmentID, schema, table, suffix, pks[table]); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit snapshot %s of %s: %w", suffix, schema, err)
	}

	elapsed := time.Since(start)
	if s.metrics != nil {
		s.metrics.SnapshotDuration.Observe(elapsed.Seconds())
	}
	s.logger.Debug("Snapshot %s of %s: %d tables in %s", suffix, schema, len(tables), elapsed)
	return suffix, nil
}

func (s *Snapshotter) snapshotTable(ctx context.Context, tx pgx.Tx, environmentID, schema, table, suffix string, pk []string) error {
	snap := TableName(table, suffix)
	src := pgx.Identifier{schema, table}.Sanitize()
	dst := pgx.Identifier{schema, snap}.Sanitize()

	if _, err := tx.Exec(ctx, fmt.Sprintf(`CREATE TABLE %s AS TABLE %s`, dst, src)); err != nil {
		return fmt.Errorf("materialize %s.%s: %w", schema, snap, err)
	}

	orderCols := pk
	nullsLast := false
	if len(orderCols) == 0 {
		cols, err := namespace.Columns(ctx, tx, schema, table)
		if err != nil {
			return err
		}
		orderCols = cols
		nullsLast = true
	}

	var rowCount int64
	var checksum string
	err := tx.QueryRow(ctx, fingerprintQuery(schema, snap, orderCols, nullsLast)).Scan(&rowCount, &checksum)
	if err != nil {
		return fmt.Errorf("fingerprint %s.%s: %w", schema, snap, err)
	}

	return s.store.UpsertSnapshotMetadata(ctx, tx, &models.SnapshotMetadata{
		EnvironmentID: environmentID,
		SchemaName:    schema,
		Suffix:        suffix,
		TableName:     table,
		RowCount:      rowCount,
		Checksum:      checksum,
	})
}

// fingerprintQuery hashes each row and aggregates the hashes in a
// deterministic order: primary-key order when one exists, otherwise every
// column with NULLs sorted last. Empty tables fingerprint to the empty
// string.
func fingerprintQuery(schema, table string, orderCols []string, nullsLast bool) string {
	order := make([]string, len(orderCols))
	for i, c := range orderCols {
		expr := "t." + pgx.Identifier{c}.Sanitize()
		if nullsLast {
			expr += " NULLS LAST"
		}
		order[i] = expr
	}
	return fmt.Sprintf(
		`SELECT count(*), COALESCE(md5(string_agg(md5(t::text), ',' ORDER BY %s)), '') FROM %s t`,
		strings.Join(order, ", "),
		pgx.Identifier{schema, table}.Sanitize(),
	)
}

// Archive drops the materialized tables and fingerprints of the given
// suffixes. Missing tables are ignored; archiving is idempotent.
func (s *Snapshotter) Archive(ctx context.Context, environmentID, schema string, suffixes ...string) error {
	pool := s.client.Pool()
	for _, suffix := range suffixes {
		if suffix == "" {
			continue
		}
		tables, err := namespace.SnapshotTables(ctx, pool, schema, suffix)
		if err != nil {
			return err
		}
		for _, table := range tables {
			_, err := pool.Exec(ctx, `DROP TABLE IF EXISTS `+pgx.Identifier{schema, table}.Sanitize())
			if err != nil {
				return fmt.Errorf("archive %s.%s: %w", schema, table, err)
			}
		}
		if err := s.store.DeleteSnapshotMetadata(ctx, environmentID, suffix); err != nil {
			return err
		}
		s.logger.Debug("Archived snapshot %s of %s (%d tables)", suffix, schema, len(tables))
	}
	return nil
}
