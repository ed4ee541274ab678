// Package store persists the harness's own metadata: templates, runtime
// environments, pool entries, snapshot fingerprints, the change journal, the
// test catalog, and test runs. Everything lives in the public schema of the
// backing database; per-service namespaces are handled elsewhere.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/portofcontext/vestige/internal/logging"
	"github.com/portofcontext/vestige/internal/postgres"
)

// Sentinel errors for metadata lookups. Callers map these to API error kinds.
var (
	ErrTemplateNotFound    = errors.New("template not found")
	ErrEnvironmentNotFound = errors.New("environment not found")
	ErrPoolEntryNotFound   = errors.New("pool entry not found")
	ErrNoReadyPoolEntry    = errors.New("no ready pool entry")
	ErrTestNotFound        = errors.New("test not found")
	ErrSuiteNotFound       = errors.New("test suite not found")
	ErrRunNotFound         = errors.New("test run not found")
	ErrDiffNotFound        = errors.New("diff not found")
	ErrDuplicate           = errors.New("duplicate identity")
)

// uniqueViolation is the Postgres error code raised on unique constraint hits.
const uniqueViolation = "23505"

// Store is the metadata store. It implements lifecycle.Component so the
// server can sequence it before everything that depends on it.
type Store struct {
	client postgres.Client
	logger *logging.Logger
}

// New creates a Store over the given client. The client is connected in
// Start, not here.
func New(client postgres.Client) *Store {
	return &Store{
		client: client,
		logger: logging.GetLogger("store"),
	}
}

// Start implements lifecycle.Component: connects the pool and verifies
// reachability.
func (s *Store) Start(ctx context.Context) error {
	if err := s.client.Connect(ctx); err != nil {
		return fmt.Errorf("metadata store connect: %w", err)
	}
	s.logger.Info("Metadata store connected")
	return nil
}

// Stop implements lifecycle.Component.
func (s *Store) Stop(ctx context.Context) error {
	s.client.Close()
	return nil
}

// Name implements lifecycle.Component.
func (s *Store) Name() string { return "Metadata Store" }

// Ping verifies the database is reachable. Used by the readiness endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// Pool exposes the underlying pool for components that need raw access
// (namespace DDL, snapshots).
func (s *Store) Pool() *pgxpool.Pool {
	return s.client.Pool()
}

// db returns the default querier for store methods that run outside an
// explicit transaction.
func (s *Store) db() postgres.Querier {
	return s.client.Pool()
}

// WithTx runs fn inside one transaction, committing on nil and rolling back
// on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	pool := s.client.Pool()
	if pool == nil {
		return fmt.Errorf("metadata store is not connected")
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		// Rollback after commit is a no-op error we ignore.
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// isUniqueViolation reports whether err is a Postgres unique constraint hit.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
