// Package pool keeps warm, pre-cloned namespaces per template so initEnv can
// hand out a ready environment without paying the clone cost on the request
// path.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/portofcontext/vestige/internal/config"
	"github.com/portofcontext/vestige/internal/logging"
	"github.com/portofcontext/vestige/internal/metrics"
	"github.com/portofcontext/vestige/internal/models"
	"github.com/portofcontext/vestige/internal/namespace"
	"github.com/portofcontext/vestige/internal/store"
)

const (
	// RefreshRetries bounds re-clone attempts before an entry is quarantined.
	RefreshRetries = 3

	// DefaultInterval is the refill loop cadence.
	DefaultInterval = 15 * time.Second

	// staleRefreshAge is how long an entry may sit refreshing before the
	// refresh is presumed crashed and the entry requeued.
	staleRefreshAge = 5 * time.Minute
)

// Manager owns the warm-pool state machine: claim, release, refresh,
// target upkeep. All transitions go through the store's SKIP LOCKED
// primitives, so any number of managers can work the same pool.
type Manager struct {
	store      *store.Store
	namespaces *namespace.Handler
	metrics    *metrics.Metrics
	logger     *logging.Logger

	mu      sync.RWMutex
	targets map[string]int // template schema -> warm target
}

func NewManager(st *store.Store, ns *namespace.Handler, m *metrics.Metrics) *Manager {
	return &Manager{
		store:      st,
		namespaces: ns,
		metrics:    m,
		logger:     logging.GetLogger("pool"),
		targets:    make(map[string]int),
	}
}

// SetTargets replaces the warm-size targets, typically from the pool file
// watcher. Shrinking a target does not delete existing entries; the surplus
// drains as environments claim them.
func (m *Manager) SetTargets(targets []config.PoolTarget) {
	next := make(map[string]int, len(targets))
	for _, t := range targets {
		next[t.TemplateSchema] = t.Target
	}
	m.mu.Lock()
	m.targets = next
	m.mu.Unlock()
	m.logger.Info("Pool targets updated (%d templates)", len(next))
}

// Targets returns a copy of the current warm-size targets.
func (m *Manager) Targets() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int, len(m.targets))
	for schema, target := range m.targets {
		out[schema] = target
	}
	return out
}

// Claim hands out a namespace for a new environment: the oldest ready pool
// entry when one exists, otherwise an on-demand clone of the template. The
// returned entry is nil for on-demand clones.
func (m *Manager) Claim(ctx context.Context, templateSchema string, seedOrder []string, environmentID string) (*models.EnvironmentPoolEntry, string, error) {
	entry, err := m.store.ClaimPoolEntry(ctx, templateSchema, environmentID)
	if err == nil {
		m.logger.Debug("Claimed pool entry %s (%s) for environment %s", entry.ID, entry.SchemaName, environmentID)
		return entry, entry.SchemaName, nil
	}
	if !errors.Is(err, store.ErrNoReadyPoolEntry) {
		return nil, "", err
	}

	schema := namespace.RuntimeName()
	if err := m.namespaces.Clone(ctx, templateSchema, schema, seedOrder); err != nil {
		return nil, "", fmt.Errorf("on-demand clone of %s: %w", templateSchema, err)
	}
	m.logger.Debug("Pool drained for %s, cloned %s on demand", templateSchema, schema)
	return nil, schema, nil
}

// Release returns an environment's pool entry to the dirty set. Reports
// whether the environment was pool-backed at all; on-demand clones have no
// entry and their namespaces are the caller's to drop.
func (m *Manager) Release(ctx context.Context, environmentID string) (bool, error) {
	n, err := m.store.ReleasePoolEntryByEnvironment(ctx, environmentID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Refresh drops and re-clones one entry's namespace from its template.
// Transient failures retry with exponential backoff; an entry that exhausts
// the budget is quarantined and removed, leaving the refill loop to build a
// replacement.
func (m *Manager) Refresh(ctx context.Context, entry *models.EnvironmentPoolEntry) error {
	reclone := func() error {
		if err := m.namespaces.Drop(ctx, entry.SchemaName); err != nil {
			return err
		}
		return m.namespaces.Clone(ctx, entry.TemplateSchema, entry.SchemaName, nil)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), RefreshRetries), ctx)
	if err := backoff.Retry(reclone, b); err != nil {
		m.quarantine(ctx, entry, err)
		return fmt.Errorf("refresh pool entry %s: %w", entry.ID, err)
	}

	if err := m.store.MarkPoolEntryReady(ctx, entry.ID); err != nil {
		return err
	}
	m.logger.Debug("Refreshed pool entry %s (%s)", entry.ID, entry.SchemaName)
	return nil
}

// quarantine pulls a broken entry out of rotation so it cannot wedge the
// refresh loop. Namespace and row removal are best effort; the alert is the
// metric.
func (m *Manager) quarantine(ctx context.Context, entry *models.EnvironmentPoolEntry, cause error) {
	m.metrics.PoolQuarantine.WithLabelValues(entry.TemplateSchema).Inc()
	m.logger.ErrorWithErr("Quarantining pool entry %s (%s) after failed refresh", cause, entry.ID, entry.SchemaName)

	if err := m.namespaces.Drop(ctx, entry.SchemaName); err != nil {
		m.logger.Warn("Drop quarantined namespace %s failed: %v", entry.SchemaName, err)
	}
	if err := m.store.DeletePoolEntry(ctx, entry.ID); err != nil {
		m.logger.Warn("Delete quarantined pool entry %s failed: %v", entry.ID, err)
	}
}

// EnsureTarget clones new entries until ready+refreshing meets the target.
func (m *Manager) EnsureTarget(ctx context.Context, templateSchema string, target int) error {
	counts, err := m.store.CountPoolEntries(ctx)
	if err != nil {
		return err
	}
	have := 0
	for _, c := range counts {
		if c.TemplateSchema != templateSchema {
			continue
		}
		if c.Status == models.PoolEntryReady || c.Status == models.PoolEntryRefreshing {
			have += c.Count
		}
	}

	for ; have < target; have++ {
		if err := m.addEntry(ctx, templateSchema); err != nil {
			return err
		}
	}
	return nil
}

// addEntry creates one pool entry and performs its first clone. The entry
// is visible as refreshing while the clone runs, so concurrent refillers
// count it against the target instead of racing to overfill.
func (m *Manager) addEntry(ctx context.Context, templateSchema string) error {
	entry := &models.EnvironmentPoolEntry{
		TemplateSchema: templateSchema,
		SchemaName:     namespace.PoolName(),
		Status:         models.PoolEntryRefreshing,
	}
	if err := m.store.CreatePoolEntry(ctx, entry); err != nil {
		return err
	}

	if err := m.namespaces.Clone(ctx, templateSchema, entry.SchemaName, nil); err != nil {
		if markErr := m.store.MarkPoolEntryDirty(ctx, entry.ID); markErr != nil {
			m.logger.Warn("Requeue pool entry %s after failed clone: %v", entry.ID, markErr)
		}
		return fmt.Errorf("initial clone of %s into %s: %w", templateSchema, entry.SchemaName, err)
	}
	if err := m.store.MarkPoolEntryReady(ctx, entry.ID); err != nil {
		return err
	}
	m.logger.Debug("Added pool entry %s (%s) for %s", entry.ID, entry.SchemaName, templateSchema)
	return nil
}

// Cycle runs one upkeep pass: requeue stale refreshes, refresh every dirty
// entry, top up targets, publish gauges. Idempotent; each step recomputes
// its work set from the metadata, so overlapping cycles only steal work
// from each other.
func (m *Manager) Cycle(ctx context.Context) error {
	n, err := m.store.RequeueStaleRefreshing(ctx, staleRefreshAge)
	if err != nil {
		return err
	}
	if n > 0 {
		m.logger.Warn("Requeued %d pool entries stuck refreshing", n)
	}

	for {
		entry, err := m.store.ClaimDirtyPoolEntry(ctx)
		if errors.Is(err, store.ErrPoolEntryNotFound) {
			break
		}
		if err != nil {
			return err
		}
		if err := m.Refresh(ctx, entry); err != nil {
			m.logger.Warn("Pool refresh failed: %v", err)
		}
	}

	for schema, target := range m.Targets() {
		if err := m.EnsureTarget(ctx, schema, target); err != nil {
			m.logger.Warn("Ensure pool target %d for %s failed: %v", target, schema, err)
		}
	}
	return m.UpdateGauges(ctx)
}

// UpdateGauges publishes the per-template status histogram. Configured
// templates always get a series, even at zero.
func (m *Manager) UpdateGauges(ctx context.Context) error {
	counts, err := m.store.CountPoolEntries(ctx)
	if err != nil {
		return err
	}

	m.metrics.PoolReady.Reset()
	m.metrics.PoolInUse.Reset()
	m.metrics.PoolDirty.Reset()
	for schema := range m.Targets() {
		m.metrics.PoolReady.WithLabelValues(schema)
		m.metrics.PoolInUse.WithLabelValues(schema)
		m.metrics.PoolDirty.WithLabelValues(schema)
	}
	for _, c := range counts {
		switch c.Status {
		case models.PoolEntryReady:
			m.metrics.PoolReady.WithLabelValues(c.TemplateSchema).Set(float64(c.Count))
		case models.PoolEntryInUse:
			m.metrics.PoolInUse.WithLabelValues(c.TemplateSchema).Set(float64(c.Count))
		case models.PoolEntryDirty:
			m.metrics.PoolDirty.WithLabelValues(c.TemplateSchema).Set(float64(c.Count))
		}
	}
	return nil
}
