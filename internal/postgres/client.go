// Package postgres wraps the pgx connection pool behind the client shape the
// rest of the harness depends on. One client serves the metadata store; the
// replication worker holds a second client on its own DSN so slot polling
// never competes with request traffic for pool slots.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/portofcontext/vestige/internal/logging"
)

// Client provides access to a Postgres database.
type Client interface {
	// Connect establishes the connection pool.
	Connect(ctx context.Context) error

	// Close closes the pool. Safe to call on an unconnected client.
	Close()

	// Ping checks that the database is reachable.
	Ping(ctx context.Context) error

	// Pool returns the underlying pool. Nil before Connect.
	Pool() *pgxpool.Pool
}

// Querier is implemented by pgxpool.Pool, pgxpool.Conn, pgxpool.Tx, pgx.Conn,
// and pgx.Tx. Store functions accept it so they run unchanged inside or
// outside a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...interface{}) pgx.Row
}

var (
	_ Querier = (*pgxpool.Pool)(nil)
	_ Querier = (*pgxpool.Conn)(nil)
	_ Querier = (*pgxpool.Tx)(nil)
	_ Querier = (*pgx.Conn)(nil)
	_ Querier = (pgx.Tx)(nil)
)

// ClientConfig holds configuration for the Postgres client.
type ClientConfig struct {
	DSN            string        // postgres:// connection string
	MaxConns       int32         // pool upper bound
	MinConns       int32         // connections kept open when idle
	ConnectTimeout time.Duration // per-connection dial timeout
	MaxConnIdle    time.Duration // idle connection lifetime
}

// DefaultClientConfig returns default configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MaxConns:       16,
		MinConns:       2,
		ConnectTimeout: 10 * time.Second,
		MaxConnIdle:    5 * time.Minute,
	}
}

type pgxClient struct {
	config ClientConfig
	logger *logging.Logger
	pool   *pgxpool.Pool
}

// NewClient creates a new Postgres client. Connect must be called before use.
func NewClient(config ClientConfig) Client {
	return &pgxClient{
		config: config,
		logger: logging.GetLogger("postgres.client"),
	}
}

func (c *pgxClient) Connect(ctx context.Context) error {
	if c.pool != nil {
		return nil
	}
	if c.config.DSN == "" {
		return fmt.Errorf("postgres DSN is empty")
	}

	poolCfg, err := pgxpool.ParseConfig(c.config.DSN)
	if err != nil {
		return fmt.Errorf("failed to parse postgres DSN: %w", err)
	}
	if c.config.MaxConns > 0 {
		poolCfg.MaxConns = c.config.MaxConns
	}
	if c.config.MinConns > 0 {
		poolCfg.MinConns = c.config.MinConns
	}
	if c.config.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = c.config.ConnectTimeout
	}
	if c.config.MaxConnIdle > 0 {
		poolCfg.MaxConnIdleTime = c.config.MaxConnIdle
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("failed to ping postgres: %w", err)
	}

	c.pool = pool
	c.logger.Info("Connected to postgres (max_conns=%d)", poolCfg.MaxConns)
	return nil
}

func (c *pgxClient) Close() {
	if c.pool != nil {
		c.pool.Close()
		c.pool = nil
		c.logger.Debug("Connection pool closed")
	}
}

func (c *pgxClient) Ping(ctx context.Context) error {
	if c.pool == nil {
		return fmt.Errorf("postgres client is not connected")
	}
	return c.pool.Ping(ctx)
}

func (c *pgxClient) Pool() *pgxpool.Pool {
	return c.pool
}
