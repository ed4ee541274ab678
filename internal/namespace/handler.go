// Package namespace manages the Postgres schemas that isolate runs from each
// other: creating, cloning and dropping them, introspecting their tables, and
// handing out sessions whose unqualified table references resolve inside one
// namespace.
package namespace

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/portofcontext/vestige/internal/logging"
	"github.com/portofcontext/vestige/internal/postgres"
)

var (
	ErrInvalidName = errors.New("invalid namespace name")
	ErrExists      = errors.New("namespace already exists")
	ErrNotFound    = errors.New("namespace not found")
)

// namePattern is deliberately strict: generated names and registered template
// locations both fit it, and it keeps interpolated DDL trivially safe.
var namePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Handler executes namespace DDL against the backing database.
type Handler struct {
	client postgres.Client
	logger *logging.Logger
}

// NewHandler creates a namespace handler over an already-managed client.
func NewHandler(client postgres.Client) *Handler {
	return &Handler{
		client: client,
		logger: logging.GetLogger("namespace"),
	}
}

// ValidName reports whether name is usable as a namespace identifier.
func ValidName(name string) bool {
	return name != "" && len(name) <= 63 && namePattern.MatchString(name)
}

func checkName(name string) error {
	if !ValidName(name) {
		return fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	return nil
}

// quote returns the identifier in quoted form for interpolation into DDL.
func quote(parts ...string) string {
	return pgx.Identifier(parts).Sanitize()
}

// Exists reports whether the namespace exists.
func (h *Handler) Exists(ctx context.Context, name string) (bool, error) {
	if err := checkName(name); err != nil {
		return false, err
	}
	var found bool
	err := h.client.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)`,
		name,
	).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("check namespace %s: %w", name, err)
	}
	return found, nil
}

// CreateEmpty creates a bare namespace. Fails with ErrExists if the name is
// taken; table installation is the seeder's job.
func (h *Handler) CreateEmpty(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	exists, err := h.Exists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%s: %w", name, ErrExists)
	}
	if _, err := h.client.Pool().Exec(ctx, `CREATE SCHEMA `+quote(name)); err != nil {
		return fmt.Errorf("create namespace %s: %w", name, err)
	}
	h.logger.Debug("Created namespace %s", name)
	return nil
}

// Clone copies every table of from into a fresh namespace to, structure and
// rows, in one REPEATABLE READ transaction: readers of from are never blocked
// and the copy observes a single consistent snapshot. Tables named in
// seedOrder are copied first (FK-safe order for later seeding); the rest
// follow alphabetically. Cloned tables get REPLICA IDENTITY FULL so logical
// replication captures complete before-images.
func (h *Handler) Clone(ctx context.Context, from, to string, seedOrder []string) error {
	if err := checkName(from); err != nil {
		return err
	}
	if err := checkName(to); err != nil {
		return err
	}

	sourceExists, err := h.Exists(ctx, from)
	if err != nil {
		return err
	}
	if !sourceExists {
		return fmt.Errorf("%s: %w", from, ErrNotFound)
	}

	tables, err := h.Tables(ctx, from)
	if err != nil {
		return err
	}
	ordered := orderTables(tables, seedOrder)

	tx, err := h.client.Pool().BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("begin clone transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `CREATE SCHEMA `+quote(to)); err != nil {
		return fmt.Errorf("create namespace %s: %w", to, err)
	}
	for _, table := range ordered {
		src := quote(from, table)
		dst := quote(to, table)
		if _, err := tx.Exec(ctx, fmt.Sprintf(`CREATE TABLE %s (LIKE %s INCLUDING ALL)`, dst, src)); err != nil {
			return fmt.Errorf("clone table %s.%s structure: %w", from, table, err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s SELECT * FROM %s`, dst, src)); err != nil {
			return fmt.Errorf("clone table %s.%s rows: %w", from, table, err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(`ALTER TABLE %s REPLICA IDENTITY FULL`, dst)); err != nil {
			return fmt.Errorf("set replica identity on %s.%s: %w", to, table, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit clone of %s into %s: %w", from, to, err)
	}
	h.logger.Debug("Cloned namespace %s into %s (%d tables)", from, to, len(ordered))
	return nil
}

// Drop removes the namespace and everything in it. Idempotent: dropping a
// missing namespace is not an error.
func (h *Handler) Drop(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if _, err := h.client.Pool().Exec(ctx, `DROP SCHEMA IF EXISTS `+quote(name)+` CASCADE`); err != nil {
		return fmt.Errorf("drop namespace %s: %w", name, err)
	}
	h.logger.Debug("Dropped namespace %s", name)
	return nil
}

// ReplicaIdentityFull sets REPLICA IDENTITY FULL on every table in the
// namespace. Without it, logical replication omits non-key columns from
// update and delete before-images.
func (h *Handler) ReplicaIdentityFull(ctx context.Context, name string) error {
	tables, err := h.Tables(ctx, name)
	if err != nil {
		return err
	}
	for _, table := range tables {
		_, err := h.client.Pool().Exec(ctx,
			fmt.Sprintf(`ALTER TABLE %s REPLICA IDENTITY FULL`, quote(name, table)))
		if err != nil {
			return fmt.Errorf("set replica identity on %s.%s: %w", name, table, err)
		}
	}
	h.logger.Debug("Set replica identity full on %d tables in %s", len(tables), name)
	return nil
}

// orderTables returns tables with the seedOrder prefix first, remaining
// tables in their given (alphabetical) order. Unknown seedOrder names are
// ignored.
func orderTables(tables, seedOrder []string) []string {
	if len(seedOrder) == 0 {
		return tables
	}
	present := make(map[string]bool, len(tables))
	for _, t := range tables {
		present[t] = true
	}
	out := make([]string, 0, len(tables))
	seen := make(map[string]bool, len(seedOrder))
	for _, t := range seedOrder {
		if present[t] && !seen[t] {
			out = append(out, t)
			seen[t] = true
		}
	}
	for _, t := range tables {
		if !seen[t] {
			out = append(out, t)
		}
	}
	return out
}

// snapshotInfix marks harness-materialized snapshot tables; they are never
// treated as user tables.
const snapshotInfix = "_snapshot_"

// IsSnapshotTable reports whether the table is a materialized snapshot
// sibling rather than a user table.
func IsSnapshotTable(table string) bool {
	return strings.Contains(table, snapshotInfix)
}
