package replication

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"

	"github.com/portofcontext/vestige/internal/config"
	"github.com/portofcontext/vestige/internal/logging"
	"github.com/portofcontext/vestige/internal/metrics"
	"github.com/portofcontext/vestige/internal/models"
	"github.com/portofcontext/vestige/internal/postgres"
	"github.com/portofcontext/vestige/internal/store"
)

// Worker owns the global replication slot. It peeks pending WAL changes on a
// fixed cadence, files the ones that belong to a registered run into the
// change journal, and advances the slot past everything it consumed —
// matched or not — so the slot never accumulates WAL for idle namespaces.
//
// Journal rows are committed before the slot advances. A crash between the
// two replays the batch on restart, so drained change sets are at-least-once;
// the alternative would silently lose changes.
type Worker struct {
	cfg      config.ReplicationConfig
	client   postgres.Client
	store    *store.Store
	registry *Registry
	metrics  *metrics.Metrics
	logger   *logging.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// pollMu serializes slot access between the poll loop and Drain.
	pollMu sync.Mutex
}

// NewWorker creates a Worker with its own connection pool on the replication
// DSN, kept apart from the metadata pool so slot polling never starves
// request traffic.
func NewWorker(cfg config.ReplicationConfig, st *store.Store, registry *Registry, m *metrics.Metrics) *Worker {
	clientCfg := postgres.DefaultClientConfig()
	clientCfg.DSN = cfg.DSN
	return &Worker{
		cfg:      cfg,
		client:   postgres.NewClient(clientCfg),
		store:    st,
		registry: registry,
		metrics:  m,
		logger:   logging.GetLogger("replication"),
	}
}

// Start implements lifecycle.Component: connects, ensures the slot exists,
// and launches the poll loop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("replication worker already running")
	}

	if err := w.client.Connect(ctx); err != nil {
		return fmt.Errorf("replication connect: %w", err)
	}
	if err := w.ensureSlot(ctx); err != nil {
		w.client.Close()
		return err
	}

	w.running = true
	w.stopCh = make(chan struct{})
	w.wg.Add(1)
	go w.pollLoop(ctx)

	w.logger.Info("Replication worker started (slot=%s plugin=%s interval=%s)",
		w.cfg.SlotName, w.cfg.Plugin, w.interval())
	return nil
}

// Stop implements lifecycle.Component.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}

	close(w.stopCh)
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("replication worker stop: %w", ctx.Err())
	}

	w.client.Close()
	w.running = false
	w.logger.Info("Replication worker stopped")
	return nil
}

// Name implements lifecycle.Component.
func (w *Worker) Name() string { return "Replication Worker" }

func (w *Worker) interval() time.Duration {
	if w.cfg.PollInterval <= 0 {
		return config.DefaultPollInterval
	}
	return w.cfg.PollInterval
}

func (w *Worker) batchSize() int {
	if w.cfg.BatchSize <= 0 {
		return config.DefaultBatchSize
	}
	return w.cfg.BatchSize
}

func (w *Worker) pollLoop(ctx context.Context) {
	defer w.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.interval()
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	delay := w.interval()
	for {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-w.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}

		if _, err := w.poll(ctx); err != nil {
			w.metrics.PollErrors.Inc()
			delay = b.NextBackOff()
			w.logger.ErrorWithErr("Slot poll failed, retrying in %s", err, delay)
			continue
		}
		b.Reset()
		delay = w.interval()
	}
}

// poll peeks one batch from the slot, journals matched changes, and advances
// the slot past the batch. Returns the number of WAL rows consumed.
func (w *Worker) poll(ctx context.Context) (int, error) {
	w.pollMu.Lock()
	defer w.pollMu.Unlock()

	pool := w.client.Pool()
	rows, err := pool.Query(ctx,
		`SELECT lsn::text, data FROM pg_logical_slot_peek_changes($1, NULL, $2, VARIADIC $3::text[])`,
		w.cfg.SlotName, w.batchSize(), w.slotOptions())
	if err != nil {
		return 0, fmt.Errorf("peek slot %s: %w", w.cfg.SlotName, err)
	}

	active := w.registry.Snapshot()
	var (
		consumed int
		decoded  int
		lastLSN  string
		entries  []*models.ChangeJournalEntry
	)
	for rows.Next() {
		var lsn string
		var data []byte
		if err := rows.Scan(&lsn, &data); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan slot row: %w", err)
		}
		consumed++
		lastLSN = lsn

		change, ok, err := DecodeChange(data)
		if err != nil {
			// A malformed message would wedge the slot forever if we
			// stopped here. Log it, advance past it.
			w.logger.ErrorWithErr("Undecodable change at %s, skipping", err, lsn)
			continue
		}
		if !ok {
			continue
		}
		decoded++

		run, watched := active[change.Schema]
		if !watched {
			continue
		}
		entries = append(entries, &models.ChangeJournalEntry{
			EnvironmentID: run.EnvironmentID,
			RunID:         run.RunID,
			LSN:           lsn,
			TableName:     change.Table,
			Operation:     change.Operation,
			PrimaryKey:    change.PrimaryKey,
			Before:        change.Before,
			After:         change.After,
		})
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("read slot rows: %w", err)
	}
	if consumed == 0 {
		w.updateLag(ctx)
		return 0, nil
	}

	if len(entries) > 0 {
		err := w.store.WithTx(ctx, func(tx pgx.Tx) error {
			return w.store.InsertJournalEntries(ctx, tx, entries)
		})
		if err != nil {
			return 0, fmt.Errorf("journal batch: %w", err)
		}
		w.metrics.JournalRowsWritten.Add(float64(len(entries)))
	}
	w.metrics.ChangesDecoded.Add(float64(decoded))

	if _, err := pool.Exec(ctx,
		`SELECT pg_replication_slot_advance($1, $2::pg_lsn)`,
		w.cfg.SlotName, lastLSN); err != nil {
		return 0, fmt.Errorf("advance slot to %s: %w", lastLSN, err)
	}

	w.logger.Debug("Polled slot: consumed=%d journaled=%d last_lsn=%s", consumed, len(entries), lastLSN)
	w.updateLag(ctx)
	return consumed, nil
}

// catchUp polls until the slot has no full batch left, so a drain sees every
// change committed before it was called.
func (w *Worker) catchUp(ctx context.Context) error {
	for {
		n, err := w.poll(ctx)
		if err != nil {
			return err
		}
		if n < w.batchSize() {
			return nil
		}
	}
}

// Watch starts journaling changes committed in schema under the given run.
func (w *Worker) Watch(schema, environmentID, runID string) {
	w.registry.Register(schema, ActiveRun{EnvironmentID: environmentID, RunID: runID})
}

// Unwatch stops journaling for a run.
func (w *Worker) Unwatch(runID, schema string) {
	w.registry.Unregister(runID, schema)
}

// Drain finishes journal capture for a run: forces a final poll, then reads,
// assembles, and deletes the run's journal rows in one transaction.
func (w *Worker) Drain(ctx context.Context, runID string) (*models.ChangeSet, error) {
	if err := w.catchUp(ctx); err != nil {
		return nil, fmt.Errorf("drain catch-up: %w", err)
	}

	var cs *models.ChangeSet
	err := w.store.WithTx(ctx, func(tx pgx.Tx) error {
		entries, err := w.store.ListJournalEntries(ctx, tx, runID)
		if err != nil {
			return err
		}
		cs = BuildChangeSet(entries)
		return w.store.DeleteJournalEntries(ctx, tx, runID)
	})
	if err != nil {
		return nil, fmt.Errorf("drain run %s: %w", runID, err)
	}
	return cs, nil
}

// DiscardRun drops a run's journal rows without assembling them. Used when a
// run errors out before evaluation.
func (w *Worker) DiscardRun(ctx context.Context, runID string) error {
	w.registry.Unregister(runID, "")
	return w.store.DeleteJournalEntries(ctx, w.store.Pool(), runID)
}

// CleanupEnvironment removes registrations and journal rows for a deleted
// environment.
func (w *Worker) CleanupEnvironment(ctx context.Context, environmentID string) error {
	w.registry.CleanupEnvironment(environmentID)
	return w.store.DeleteJournalForEnvironment(ctx, environmentID)
}

// SlotExists reports whether the replication slot is present. Used by the
// readiness endpoint in journal mode.
func (w *Worker) SlotExists(ctx context.Context) (bool, error) {
	pool := w.client.Pool()
	if pool == nil {
		return false, nil
	}
	var exists bool
	err := pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_replication_slots WHERE slot_name = $1)`,
		w.cfg.SlotName).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check slot %s: %w", w.cfg.SlotName, err)
	}
	return exists, nil
}

func (w *Worker) ensureSlot(ctx context.Context) error {
	exists, err := w.SlotExists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = w.client.Pool().Exec(ctx,
		`SELECT pg_create_logical_replication_slot($1, $2)`,
		w.cfg.SlotName, w.cfg.Plugin)
	if err != nil {
		return fmt.Errorf("create slot %s (plugin %s): %w", w.cfg.SlotName, w.cfg.Plugin, err)
	}
	w.logger.Info("Created replication slot %s (plugin=%s)", w.cfg.SlotName, w.cfg.Plugin)
	return nil
}

// slotOptions builds the wal2json option list. Format version 2 emits one
// JSON document per change; transaction markers are suppressed because the
// journal keys rows by run, not by transaction.
func (w *Worker) slotOptions() []string {
	opts := []string{
		"format-version", "2",
		"include-transaction", "false",
	}
	if len(w.cfg.PluginOptions) == 0 {
		return opts
	}
	keys := make([]string, 0, len(w.cfg.PluginOptions))
	for k := range w.cfg.PluginOptions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		opts = append(opts, k, w.cfg.PluginOptions[k])
	}
	return opts
}

func (w *Worker) updateLag(ctx context.Context) {
	var lag float64
	err := w.client.Pool().QueryRow(ctx,
		`SELECT COALESCE(pg_wal_lsn_diff(pg_current_wal_lsn(), confirmed_flush_lsn), 0)
		   FROM pg_replication_slots WHERE slot_name = $1`,
		w.cfg.SlotName).Scan(&lag)
	if err != nil {
		w.logger.Debug("Lag query failed: %v", err)
		return
	}
	w.metrics.ReplicationLag.Set(lag)
}
