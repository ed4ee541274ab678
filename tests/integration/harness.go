//go:build integration

// Package integration exercises the harness end to end against a real
// Postgres: namespace cloning, both capture modes, evaluation, and the HTTP
// surface. Tests need a local Docker daemon.
package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/portofcontext/vestige/internal/config"
	"github.com/portofcontext/vestige/internal/dsl"
	"github.com/portofcontext/vestige/internal/environment"
	"github.com/portofcontext/vestige/internal/metrics"
	"github.com/portofcontext/vestige/internal/models"
	"github.com/portofcontext/vestige/internal/namespace"
	"github.com/portofcontext/vestige/internal/pool"
	"github.com/portofcontext/vestige/internal/postgres"
	"github.com/portofcontext/vestige/internal/replication"
	"github.com/portofcontext/vestige/internal/run"
	"github.com/portofcontext/vestige/internal/snapshot"
	"github.com/portofcontext/vestige/internal/store"
	"github.com/portofcontext/vestige/internal/template"
)

// postgresImage must bundle wal2json for journal capture; the stock postgres
// image ships no logical decoding plugin beyond pgoutput.
const postgresImage = "debezium/postgres:16-alpine"

// TestHarness manages a throwaway Postgres container with the full component
// stack wired against it.
type TestHarness struct {
	container testcontainers.Container
	ctx       context.Context
	t         *testing.T

	DSN    string
	Client postgres.Client

	Store      *store.Store
	Namespaces *namespace.Handler
	Templates  *template.Manager
	Pool       *pool.Manager
	Snapshots  *snapshot.Snapshotter
	Differ     *snapshot.Differ
	Compiler   *dsl.Compiler
	Metrics    *metrics.Metrics
}

// NewTestHarness starts a fresh Postgres container, migrates the metadata
// schema, and wires the component stack.
func NewTestHarness(t *testing.T) (*TestHarness, error) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        postgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "vestige",
			"POSTGRES_PASSWORD": "vestige",
			"POSTGRES_DB":       "vestige",
		},
		Cmd:        []string{"postgres", "-c", "wal_level=logical"},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
		AutoRemove: true,
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	dsn := fmt.Sprintf("postgres://vestige:vestige@%s:%d/vestige?sslmode=disable", host, port.Int())

	clientCfg := postgres.DefaultClientConfig()
	clientCfg.DSN = dsn
	client := postgres.NewClient(clientCfg)
	if err := client.Connect(ctx); err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	// The port can be reachable before the server finishes its first boot.
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if err := client.Ping(ctx); err == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		container.Terminate(ctx)
		return nil, fmt.Errorf("postgres not ready after ping attempts: %w", err)
	}

	if err := store.Migrate(ctx, dsn); err != nil {
		client.Close()
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to migrate metadata schema: %w", err)
	}

	st := store.New(client)
	namespaces := namespace.NewHandler(client)
	m := metrics.NewUnregistered()
	compiler, err := dsl.NewCompiler()
	if err != nil {
		client.Close()
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to build DSL compiler: %w", err)
	}

	harness := &TestHarness{
		container:  container,
		ctx:        ctx,
		t:          t,
		DSN:        dsn,
		Client:     client,
		Store:      st,
		Namespaces: namespaces,
		Templates:  template.NewManager(st, namespaces),
		Pool:       pool.NewManager(st, namespaces, m),
		Snapshots:  snapshot.NewSnapshotter(client, st, m, nil),
		Differ:     snapshot.NewDiffer(client, st, m, nil),
		Compiler:   compiler,
		Metrics:    m,
	}

	t.Cleanup(func() {
		harness.Cleanup(ctx)
	})
	return harness, nil
}

// Cleanup releases the database client and the container.
func (h *TestHarness) Cleanup(ctx context.Context) error {
	if h.Client != nil {
		h.Client.Close()
	}
	if h.container != nil {
		if err := h.container.Terminate(ctx); err != nil {
			return fmt.Errorf("failed to terminate container: %w", err)
		}
	}
	return nil
}

// Exec runs one SQL statement against the backing database.
func (h *TestHarness) Exec(ctx context.Context, sql string, args ...interface{}) error {
	_, err := h.Client.Pool().Exec(ctx, sql, args...)
	return err
}

// Runtime bundles the orchestrator and environment manager wired for one
// capture mode, the way the server command wires them.
type Runtime struct {
	Runs         *run.Orchestrator
	Environments *environment.Manager
}

// SnapshotRuntime wires a snapshot-mode runtime over the harness stack.
func (h *TestHarness) SnapshotRuntime() *Runtime {
	runs := run.New(run.Options{
		Store:       h.Store,
		Snapshots:   h.Snapshots,
		Differ:      h.Differ,
		Compiler:    h.Compiler,
		Metrics:     h.Metrics,
		CaptureMode: config.CaptureModeSnapshot,
	})
	environments := environment.NewManager(environment.Options{
		Store:                 h.Store,
		Templates:             h.Templates,
		Pool:                  h.Pool,
		Namespaces:            h.Namespaces,
		Runs:                  runs,
		Metrics:               h.Metrics,
		DefaultTTLSeconds:     config.DefaultEnvironmentTTLSeconds,
		DefaultMaxIdleSeconds: config.DefaultMaxIdleSeconds,
	})
	return &Runtime{Runs: runs, Environments: environments}
}

// JournalRuntime wires a journal-mode runtime around a started replication
// worker.
func (h *TestHarness) JournalRuntime(worker *replication.Worker, slotName string) *Runtime {
	runs := run.New(run.Options{
		Store:       h.Store,
		Snapshots:   h.Snapshots,
		Differ:      h.Differ,
		Journal:     worker,
		Compiler:    h.Compiler,
		Metrics:     h.Metrics,
		CaptureMode: config.CaptureModeJournal,
		SlotName:    slotName,
		Plugin:      config.DefaultPlugin,
	})
	environments := environment.NewManager(environment.Options{
		Store:                 h.Store,
		Templates:             h.Templates,
		Pool:                  h.Pool,
		Namespaces:            h.Namespaces,
		Runs:                  runs,
		Journal:               worker,
		Metrics:               h.Metrics,
		DefaultTTLSeconds:     config.DefaultEnvironmentTTLSeconds,
		DefaultMaxIdleSeconds: config.DefaultMaxIdleSeconds,
	})
	return &Runtime{Runs: runs, Environments: environments}
}

// StartWorker starts a replication worker on its own slot and registers its
// shutdown with the test.
func (h *TestHarness) StartWorker(ctx context.Context, slotName string) (*replication.Worker, error) {
	cfg := config.ReplicationConfig{
		DSN:          h.DSN,
		SlotName:     slotName,
		Plugin:       config.DefaultPlugin,
		PollInterval: 200 * time.Millisecond,
		BatchSize:    config.DefaultBatchSize,
	}
	worker := replication.NewWorker(cfg, h.Store, replication.NewRegistry(), h.Metrics)
	if err := worker.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start replication worker: %w", err)
	}
	h.t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		worker.Stop(stopCtx)
	})
	return worker, nil
}

// SeedSlackTemplate installs a slack-shaped fixture schema (channels, users,
// messages) and registers it as a public template.
func (h *TestHarness) SeedSlackTemplate(ctx context.Context) (*models.TemplateEnvironment, error) {
	statements := []string{
		`CREATE SCHEMA slack_default`,
		`CREATE TABLE slack_default.channels (
			id   text PRIMARY KEY,
			name text NOT NULL
		)`,
		`CREATE TABLE slack_default.users (
			id     text PRIMARY KEY,
			handle text NOT NULL
		)`,
		`CREATE TABLE slack_default.messages (
			id           uuid PRIMARY KEY DEFAULT gen_random_uuid(),
			channel_id   text NOT NULL,
			user_id      text NOT NULL,
			message_text text NOT NULL,
			created_at   timestamptz NOT NULL DEFAULT now()
		)`,
		`INSERT INTO slack_default.channels (id, name) VALUES ('C1', 'general')`,
		`INSERT INTO slack_default.users (id, handle) VALUES ('U1', 'ana')`,
	}
	return h.seedTemplate(ctx, "slack", "slack_default", []string{"channels", "users", "messages"}, statements)
}

// SeedBoxTemplate installs a folder fixture with one pre-existing row.
func (h *TestHarness) SeedBoxTemplate(ctx context.Context) (*models.TemplateEnvironment, error) {
	statements := []string{
		`CREATE SCHEMA box_default`,
		`CREATE TABLE box_default.box_folders (
			id   text PRIMARY KEY,
			name text NOT NULL,
			size bigint NOT NULL DEFAULT 0
		)`,
		`INSERT INTO box_default.box_folders (id, name, size) VALUES ('F1', 'Quarterly Reports', 1024)`,
	}
	return h.seedTemplate(ctx, "box", "box_default", []string{"box_folders"}, statements)
}

// SeedTrackerTemplate installs an empty issue-tracker fixture.
func (h *TestHarness) SeedTrackerTemplate(ctx context.Context) (*models.TemplateEnvironment, error) {
	statements := []string{
		`CREATE SCHEMA tracker_default`,
		`CREATE TABLE tracker_default.issues (
			id     uuid PRIMARY KEY DEFAULT gen_random_uuid(),
			title  text NOT NULL,
			status text NOT NULL DEFAULT 'open'
		)`,
	}
	return h.seedTemplate(ctx, "tracker", "tracker_default", []string{"issues"}, statements)
}

func (h *TestHarness) seedTemplate(ctx context.Context, service, schema string, seedOrder, statements []string) (*models.TemplateEnvironment, error) {
	for _, stmt := range statements {
		if err := h.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to seed %s fixture: %w", service, err)
		}
	}
	tmpl := &models.TemplateEnvironment{
		Service:   service,
		Name:      "default",
		Location:  schema,
		SeedOrder: seedOrder,
	}
	if err := h.Templates.Register(ctx, tmpl); err != nil {
		return nil, fmt.Errorf("failed to register %s template: %w", service, err)
	}
	return tmpl, nil
}
