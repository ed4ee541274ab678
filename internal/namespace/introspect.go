package namespace

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/portofcontext/vestige/internal/postgres"
)

// The introspection queries are package-level functions over a Querier so
// callers can run them inside their own transactions; the Handler methods
// below run them on the pool.

// Tables lists the user tables of a namespace in alphabetical order.
// Materialized snapshot tables are excluded.
func Tables(ctx context.Context, q postgres.Querier, schema string) ([]string, error) {
	if err := checkName(schema); err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		ORDER BY table_name`,
		schema,
	)
	if err != nil {
		return nil, fmt.Errorf("list tables of %s: %w", schema, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if IsSnapshotTable(name) {
			continue
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// SnapshotTables lists the materialized snapshot tables carrying the given
// suffix. Used when a snapshot is archived away.
func SnapshotTables(ctx context.Context, q postgres.Querier, schema, suffix string) ([]string, error) {
	if err := checkName(schema); err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE' AND table_name LIKE $2
		ORDER BY table_name`,
		schema, "%"+snapshotInfix+suffix,
	)
	if err != nil {
		return nil, fmt.Errorf("list snapshot tables of %s: %w", schema, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if strings.HasSuffix(name, snapshotInfix+suffix) {
			out = append(out, name)
		}
	}
	return out, rows.Err()
}

// PrimaryKeys returns the ordered primary-key columns of every user table in
// the namespace. Tables without a primary key are absent from the map.
func PrimaryKeys(ctx context.Context, q postgres.Querier, schema string) (map[string][]string, error) {
	if err := checkName(schema); err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, `
		SELECT tc.table_name, kcu.column_name, kcu.ordinal_position
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON kcu.constraint_name = tc.constraint_name
		 AND kcu.constraint_schema = tc.constraint_schema
		WHERE tc.table_schema = $1 AND tc.constraint_type = 'PRIMARY KEY'
		ORDER BY tc.table_name, kcu.ordinal_position`,
		schema,
	)
	if err != nil {
		return nil, fmt.Errorf("list primary keys of %s: %w", schema, err)
	}
	defer rows.Close()

	type pkCol struct {
		col string
		pos int
	}
	byTable := make(map[string][]pkCol)
	for rows.Next() {
		var table, col string
		var pos int
		if err := rows.Scan(&table, &col, &pos); err != nil {
			return nil, err
		}
		if IsSnapshotTable(table) {
			continue
		}
		byTable[table] = append(byTable[table], pkCol{col, pos})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make(map[string][]string, len(byTable))
	for table, cols := range byTable {
		sort.Slice(cols, func(i, j int) bool { return cols[i].pos < cols[j].pos })
		names := make([]string, len(cols))
		for i, c := range cols {
			names[i] = c.col
		}
		out[table] = names
	}
	return out, nil
}

// Columns returns a table's column names in ordinal order.
func Columns(ctx context.Context, q postgres.Querier, schema, table string) ([]string, error) {
	if err := checkName(schema); err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`,
		schema, table,
	)
	if err != nil {
		return nil, fmt.Errorf("list columns of %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// ColumnTypes returns the udt name of every column of every table in the
// namespace, keyed table -> column -> type. The differ uses it to blank out
// binary columns.
func ColumnTypes(ctx context.Context, q postgres.Querier, schema string) (map[string]map[string]string, error) {
	if err := checkName(schema); err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, `
		SELECT table_name, column_name, udt_name
		FROM information_schema.columns
		WHERE table_schema = $1
		ORDER BY table_name, ordinal_position`,
		schema,
	)
	if err != nil {
		return nil, fmt.Errorf("list column types of %s: %w", schema, err)
	}
	defer rows.Close()

	out := make(map[string]map[string]string)
	for rows.Next() {
		var table, col, typ string
		if err := rows.Scan(&table, &col, &typ); err != nil {
			return nil, err
		}
		if out[table] == nil {
			out[table] = make(map[string]string)
		}
		out[table][col] = typ
	}
	return out, rows.Err()
}

// Tables is the pool-backed variant of the package function.
func (h *Handler) Tables(ctx context.Context, schema string) ([]string, error) {
	return Tables(ctx, h.client.Pool(), schema)
}

// SnapshotTables is the pool-backed variant of the package function.
func (h *Handler) SnapshotTables(ctx context.Context, schema, suffix string) ([]string, error) {
	return SnapshotTables(ctx, h.client.Pool(), schema, suffix)
}

// PrimaryKeys is the pool-backed variant of the package function.
func (h *Handler) PrimaryKeys(ctx context.Context, schema string) (map[string][]string, error) {
	return PrimaryKeys(ctx, h.client.Pool(), schema)
}

// Columns is the pool-backed variant of the package function.
func (h *Handler) Columns(ctx context.Context, schema, table string) ([]string, error) {
	return Columns(ctx, h.client.Pool(), schema, table)
}

// ColumnTypes is the pool-backed variant of the package function.
func (h *Handler) ColumnTypes(ctx context.Context, schema string) (map[string]map[string]string, error) {
	return ColumnTypes(ctx, h.client.Pool(), schema)
}
