package namespace

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/portofcontext/vestige/internal/logging"
	"github.com/portofcontext/vestige/internal/postgres"
)

// Session is a pooled connection whose search_path is pinned to one
// namespace: unqualified table references resolve there. Callers must
// Release on every exit path, typically via defer.
type Session struct {
	conn     *pgxpool.Conn
	schema   string
	logger   *logging.Logger
	released bool
}

var _ postgres.Querier = (*Session)(nil)

// SessionFor acquires a connection and pins its search_path to the
// namespace, with public as fallback for extensions.
func (h *Handler) SessionFor(ctx context.Context, schema string) (*Session, error) {
	if err := checkName(schema); err != nil {
		return nil, err
	}
	conn, err := h.client.Pool().Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire session connection: %w", err)
	}
	_, err = conn.Exec(ctx, fmt.Sprintf(`SET search_path TO %s, public`, quote(schema)))
	if err != nil {
		conn.Release()
		return nil, fmt.Errorf("pin search_path to %s: %w", schema, err)
	}
	return &Session{
		conn:   conn,
		schema: schema,
		logger: h.logger,
	}, nil
}

// Schema returns the namespace this session is pinned to.
func (s *Session) Schema() string { return s.schema }

func (s *Session) Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error) {
	return s.conn.Exec(ctx, sql, arguments...)
}

func (s *Session) Query(ctx context.Context, sql string, optionsAndArgs ...interface{}) (pgx.Rows, error) {
	return s.conn.Query(ctx, sql, optionsAndArgs...)
}

func (s *Session) QueryRow(ctx context.Context, sql string, optionsAndArgs ...interface{}) pgx.Row {
	return s.conn.QueryRow(ctx, sql, optionsAndArgs...)
}

// Release resets the search_path and returns the connection to the pool.
// Safe to call more than once. A connection whose reset fails is closed
// instead of being handed back pinned to the wrong namespace.
func (s *Session) Release(ctx context.Context) {
	if s.released {
		return
	}
	s.released = true

	if _, err := s.conn.Exec(ctx, `RESET search_path`); err != nil {
		s.logger.Warn("Failed to reset search_path for %s, discarding connection: %v", s.schema, err)
		_ = s.conn.Conn().Close(ctx)
	}
	s.conn.Release()
}
