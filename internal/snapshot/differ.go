package snapshot

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/portofcontext/vestige/internal/logging"
	"github.com/portofcontext/vestige/internal/metrics"
	"github.com/portofcontext/vestige/internal/models"
	"github.com/portofcontext/vestige/internal/namespace"
	"github.com/portofcontext/vestige/internal/postgres"
	"github.com/portofcontext/vestige/internal/store"
)

// defaultParallelism bounds the per-table diff fan-out. Each table costs at
// most one pooled connection at a time.
const defaultParallelism = 4

// Differ computes the change set between two snapshots of a namespace.
type Differ struct {
	client      postgres.Client
	store       *store.Store
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	logger      *logging.Logger
	parallelism int
}

func NewDiffer(client postgres.Client, st *store.Store, m *metrics.Metrics, tracer trace.Tracer) *Differ {
	return &Differ{
		client:      client,
		store:       st,
		metrics:     m,
		tracer:      tracer,
		logger:      logging.GetLogger("snapshot.differ"),
		parallelism: defaultParallelism,
	}
}

// tableDiff is the per-table result; tables are diffed in parallel and
// assembled in table order afterwards so output is deterministic.
type tableDiff struct {
	table   string
	inserts []models.Row
	updates []models.RowUpdate
	deletes []models.Row
	skipped bool // no primary key
}

// Diff produces the canonical change set between the before and after
// snapshots. Tables whose fingerprints match are skipped without queries;
// tables without a primary key are excluded and reported in SkippedTables.
func (d *Differ) Diff(ctx context.Context, environmentID, schema, beforeSuffix, afterSuffix string) (*models.ChangeSet, error) {
	var span trace.Span
	if d.tracer != nil {
		ctx, span = d.tracer.Start(ctx, "snapshot.Diff")
		defer span.End()
	}

	pool := d.client.Pool()
	tables, err := namespace.Tables(ctx, pool, schema)
	if err != nil {
		return nil, err
	}
	pks, err := namespace.PrimaryKeys(ctx, pool, schema)
	if err != nil {
		return nil, err
	}
	colTypes, err := namespace.ColumnTypes(ctx, pool, schema)
	if err != nil {
		return nil, err
	}
	beforeMeta, err := d.store.ListSnapshotMetadata(ctx, environmentID, beforeSuffix)
	if err != nil {
		return nil, err
	}
	afterMeta, err := d.store.ListSnapshotMetadata(ctx, environmentID, afterSuffix)
	if err != nil {
		return nil, err
	}

	results := make([]*tableDiff, len(tables))
	compared := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.parallelism)
	for i, table := range tables {
		pk := pks[table]

		if len(pk) == 0 {
			results[i] = &tableDiff{table: table, skipped: true}
			d.logger.Warn("Table %s.%s has no primary key, skipping diff", schema, table)
			if d.metrics != nil {
				d.metrics.DiffTablesSkipped.Inc()
			}
			continue
		}
		if beforeMeta[table] != nil && beforeMeta[table].Matches(afterMeta[table]) {
			results[i] = &tableDiff{table: table}
			if d.metrics != nil {
				d.metrics.DiffTablesSkipped.Inc()
			}
			continue
		}

		compared++
		if d.metrics != nil {
			d.metrics.DiffTablesCompared.Inc()
		}
		i, table, pk := i, table, pk
		g.Go(func() error {
			td, err := d.diffTable(gctx, schema, table, pk, colTypes[table], beforeSuffix, afterSuffix)
			if err != nil {
				return err
			}
			results[i] = td
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	cs := models.NewChangeSet()
	for _, td := range results {
		if td == nil {
			continue
		}
		if td.skipped {
			cs.SkippedTables = append(cs.SkippedTables, td.table)
			continue
		}
		cs.Inserts = append(cs.Inserts, td.inserts...)
		cs.Updates = append(cs.Updates, td.updates...)
		cs.Deletes = append(cs.Deletes, td.deletes...)
	}

	d.logger.Debug("Diff %s %s..%s: %d tables compared, %d inserts %d updates %d deletes",
		schema, beforeSuffix, afterSuffix, compared, len(cs.Inserts), len(cs.Updates), len(cs.Deletes))
	return cs, nil
}

func (d *Differ) diffTable(ctx context.Context, schema, table string, pk []string, types map[string]string, beforeSuffix, afterSuffix string) (*tableDiff, error) {
	before := TableName(table, beforeSuffix)
	after := TableName(table, afterSuffix)
	td := &tableDiff{table: table}
	pool := d.client.Pool()

	inserts, err := collectRows(ctx, pool, onlyInQuery(schema, after, before, pk))
	if err != nil {
		return nil, fmt.Errorf("diff inserts of %s.%s: %w", schema, table, err)
	}
	deletes, err := collectRows(ctx, pool, onlyInQuery(schema, before, after, pk))
	if err != nil {
		return nil, fmt.Errorf("diff deletes of %s.%s: %w", schema, table, err)
	}

	for _, row := range inserts {
		sanitizeRow(row, types)
		row[models.TableKey] = table
	}
	for _, row := range deletes {
		sanitizeRow(row, types)
		row[models.TableKey] = table
	}
	td.inserts = inserts
	td.deletes = deletes

	rows, err := pool.Query(ctx, changedQuery(schema, before, after, pk))
	if err != nil {
		return nil, fmt.Errorf("diff updates of %s.%s: %w", schema, table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var beforeRow, afterRow models.Row
		if err := rows.Scan(&beforeRow, &afterRow); err != nil {
			return nil, err
		}
		sanitizeRow(beforeRow, types)
		sanitizeRow(afterRow, types)
		td.updates = append(td.updates, models.RowUpdate{
			Table:  table,
			Before: beforeRow,
			After:  afterRow,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return td, nil
}

func collectRows(ctx context.Context, q postgres.Querier, sql string) ([]models.Row, error) {
	rows, err := q.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Row
	for rows.Next() {
		var row models.Row
		if err := rows.Scan(&row); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// onlyInQuery selects rows of target whose primary key is absent from other,
// as jsonb. Rows come back in primary-key order.
func onlyInQuery(schema, target, other string, pk []string) string {
	conds := make([]string, len(pk))
	order := make([]string, len(pk))
	for i, c := range pk {
		qc := pgx.Identifier{c}.Sanitize()
		conds[i] = fmt.Sprintf("o.%s = t.%s", qc, qc)
		order[i] = "t." + qc
	}
	return fmt.Sprintf(
		`SELECT to_jsonb(t) FROM %s t WHERE NOT EXISTS (SELECT 1 FROM %s o WHERE %s) ORDER BY %s`,
		pgx.Identifier{schema, target}.Sanitize(),
		pgx.Identifier{schema, other}.Sanitize(),
		strings.Join(conds, " AND "),
		strings.Join(order, ", "),
	)
}

// changedQuery joins before and after on the primary key and keeps rows whose
// jsonb images differ.
func changedQuery(schema, before, after string, pk []string) string {
	conds := make([]string, len(pk))
	order := make([]string, len(pk))
	for i, c := range pk {
		qc := pgx.Identifier{c}.Sanitize()
		conds[i] = fmt.Sprintf("b.%s = a.%s", qc, qc)
		order[i] = "b." + qc
	}
	return fmt.Sprintf(
		`SELECT to_jsonb(b), to_jsonb(a) FROM %s b JOIN %s a ON %s WHERE to_jsonb(b) <> to_jsonb(a) ORDER BY %s`,
		pgx.Identifier{schema, before}.Sanitize(),
		pgx.Identifier{schema, after}.Sanitize(),
		strings.Join(conds, " AND "),
		strings.Join(order, ", "),
	)
}

// sanitizeRow blanks binary columns; the harness is not a binary differ.
func sanitizeRow(row models.Row, types map[string]string) {
	if len(types) == 0 {
		return
	}
	for col, val := range row {
		if val == nil {
			continue
		}
		if types[col] == "bytea" {
			row[col] = models.BinaryPlaceholder
		}
	}
}
