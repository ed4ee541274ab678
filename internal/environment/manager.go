// Package environment provisions and retires runtime environments: the
// per-caller namespaces agents act against. Provisioning prefers a warm pool
// claim and falls back to an on-demand clone; teardown returns pool-backed
// namespaces for refresh and drops the rest.
package environment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/portofcontext/vestige/internal/logging"
	"github.com/portofcontext/vestige/internal/metrics"
	"github.com/portofcontext/vestige/internal/models"
	"github.com/portofcontext/vestige/internal/namespace"
	"github.com/portofcontext/vestige/internal/pool"
	"github.com/portofcontext/vestige/internal/run"
	"github.com/portofcontext/vestige/internal/store"
	"github.com/portofcontext/vestige/internal/template"
)

// initGracePeriod is how long an environment may sit initializing before the
// maintenance sweep presumes its provisioning crashed and reaps it.
const initGracePeriod = 10 * time.Minute

// JournalCleanup is the slice of the replication worker environment teardown
// needs. Nil when journal capture is off.
type JournalCleanup interface {
	CleanupEnvironment(ctx context.Context, environmentID string) error
}

// Options collects the manager's collaborators and defaults.
type Options struct {
	Store      *store.Store
	Templates  *template.Manager
	Pool       *pool.Manager
	Namespaces *namespace.Handler
	Runs       *run.Orchestrator
	Journal    JournalCleanup
	Metrics    *metrics.Metrics
	Tracer     trace.Tracer

	// DefaultTTLSeconds caps environment lifetime when the caller does not.
	DefaultTTLSeconds int

	// DefaultMaxIdleSeconds expires environments nobody touches.
	DefaultMaxIdleSeconds int
}

// Manager drives the environment lifecycle.
type Manager struct {
	store      *store.Store
	templates  *template.Manager
	pool       *pool.Manager
	namespaces *namespace.Handler
	runs       *run.Orchestrator
	journal    JournalCleanup
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	logger     *logging.Logger

	defaultTTLSeconds     int
	defaultMaxIdleSeconds int
}

func NewManager(opts Options) *Manager {
	return &Manager{
		store:      opts.Store,
		templates:  opts.Templates,
		pool:       opts.Pool,
		namespaces: opts.Namespaces,
		runs:       opts.Runs,
		journal:    opts.Journal,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		logger:     logging.GetLogger("environment"),

		defaultTTLSeconds:     opts.DefaultTTLSeconds,
		defaultMaxIdleSeconds: opts.DefaultMaxIdleSeconds,
	}
}

// InitOptions carries the caller-controlled knobs of initEnv.
type InitOptions struct {
	Ref               template.Reference
	TTLSeconds        int  // 0 means the configured default
	Permanent         bool // never expired by the maintenance sweep
	ImpersonateUserID string
	ImpersonateEmail  string
}

// InitEnv provisions a runtime environment from a template reference. The
// row is created initializing and flipped to ready once the namespace is
// claimed or cloned, so a crash mid-provision leaves a row the maintenance
// sweep can reap.
func (m *Manager) InitEnv(ctx context.Context, principalID string, opts InitOptions) (*models.RuntimeEnvironment, error) {
	var span trace.Span
	if m.tracer != nil {
		ctx, span = m.tracer.Start(ctx, "environment.InitEnv")
		defer span.End()
	}

	res, err := m.templates.Resolve(ctx, principalID, opts.Ref)
	if err != nil {
		return nil, err
	}

	envID := uuid.NewString()
	entry, schemaName, err := m.pool.Claim(ctx, res.Location, res.SeedOrder, envID)
	if err != nil {
		return nil, err
	}

	env := newEnvironment(envID, principalID, schemaName, res, opts, defaults{
		ttlSeconds:     m.defaultTTLSeconds,
		maxIdleSeconds: m.defaultMaxIdleSeconds,
	}, time.Now().UTC())

	if err := m.store.CreateEnvironment(ctx, env); err != nil {
		m.abandonClaim(ctx, entry != nil, envID, schemaName)
		return nil, err
	}
	if err := m.store.UpdateEnvironmentStatus(ctx, env.ID, models.EnvironmentReady); err != nil {
		return nil, err
	}
	env.Status = models.EnvironmentReady

	m.metrics.EnvironmentsCreated.Inc()
	m.logger.Info("Environment %s ready (schema=%s template=%s)", env.ID, env.SchemaName, env.TemplateSchema)
	return env, nil
}

// defaults are the configured fallbacks applied when InitOptions leave a
// knob unset.
type defaults struct {
	ttlSeconds     int
	maxIdleSeconds int
}

// newEnvironment assembles the environment row for a claimed namespace.
func newEnvironment(envID, principalID, schemaName string, res *template.Resolution, opts InitOptions, d defaults, now time.Time) *models.RuntimeEnvironment {
	env := &models.RuntimeEnvironment{
		ID:             envID,
		TemplateID:     res.TemplateID,
		TemplateSchema: res.Location,
		Service:        res.Service,
		SchemaName:     schemaName,
		Status:         models.EnvironmentInitializing,
		Permanent:      opts.Permanent,
		MaxIdleSeconds: d.maxIdleSeconds,
		LastUsedAt:     now,
		CreatedBy:      principalID,
	}
	if !opts.Permanent {
		ttl := opts.TTLSeconds
		if ttl <= 0 {
			ttl = d.ttlSeconds
		}
		expiresAt := now.Add(time.Duration(ttl) * time.Second)
		env.ExpiresAt = &expiresAt
	}
	if opts.ImpersonateUserID != "" {
		env.ImpersonateUserID = &opts.ImpersonateUserID
	}
	if opts.ImpersonateEmail != "" {
		env.ImpersonateEmail = &opts.ImpersonateEmail
	}
	return env
}

// abandonClaim undoes a namespace claim when the environment row cannot be
// created: pool entries go back to dirty, on-demand clones are dropped.
func (m *Manager) abandonClaim(ctx context.Context, poolBacked bool, envID, schemaName string) {
	if poolBacked {
		if _, err := m.pool.Release(ctx, envID); err != nil {
			m.logger.Warn("Release pool entry after failed init of %s: %v", envID, err)
		}
		return
	}
	if err := m.namespaces.Drop(ctx, schemaName); err != nil {
		m.logger.Warn("Drop namespace %s after failed init: %v", schemaName, err)
	}
}

// DeleteEnv tears an environment down: active runs are cancelled, the
// namespace is released or dropped, and captured artifacts are purged. A
// failed teardown marks the environment cleanup_failed; the maintenance
// sweep retries it.
func (m *Manager) DeleteEnv(ctx context.Context, principalID, environmentID string) (*models.RuntimeEnvironment, error) {
	var span trace.Span
	if m.tracer != nil {
		ctx, span = m.tracer.Start(ctx, "environment.DeleteEnv")
		defer span.End()
	}

	env, err := m.store.GetEnvironment(ctx, environmentID)
	if err != nil {
		return nil, err
	}
	if env.CreatedBy != principalID {
		return nil, store.ErrEnvironmentNotFound
	}
	if env.Status == models.EnvironmentDeleted {
		return env, nil
	}

	if err := m.teardown(ctx, env); err != nil {
		m.metrics.CleanupFailures.Inc()
		if statusErr := m.store.UpdateEnvironmentStatus(ctx, env.ID, models.EnvironmentCleanupFailed); statusErr != nil {
			m.logger.Error("Mark environment %s cleanup_failed: %v", env.ID, statusErr)
		}
		env.Status = models.EnvironmentCleanupFailed
		return nil, err
	}

	if err := m.store.UpdateEnvironmentStatus(ctx, env.ID, models.EnvironmentDeleted); err != nil {
		return nil, err
	}
	env.Status = models.EnvironmentDeleted
	m.metrics.EnvironmentsDeleted.Inc()
	m.logger.Info("Environment %s deleted", env.ID)
	return env, nil
}

// teardown cancels runs and removes everything the environment owns. The
// journal is unregistered before the namespace goes away so trailing DML
// never lands in a dead schema's journal.
func (m *Manager) teardown(ctx context.Context, env *models.RuntimeEnvironment) error {
	envRuns, err := m.store.ListRunsForEnvironment(ctx, env.ID)
	if err != nil {
		return err
	}
	for _, r := range envRuns {
		if !r.Finished() {
			m.runs.CancelRun(ctx, r, env.SchemaName)
		}
	}

	if m.journal != nil {
		if err := m.journal.CleanupEnvironment(ctx, env.ID); err != nil {
			return fmt.Errorf("journal cleanup: %w", err)
		}
	}

	released, err := m.pool.Release(ctx, env.ID)
	if err != nil {
		return err
	}
	if !released {
		if err := m.namespaces.Drop(ctx, env.SchemaName); err != nil {
			return err
		}
	}

	if err := m.store.DeleteSnapshotMetadataForEnvironment(ctx, env.ID); err != nil {
		return fmt.Errorf("snapshot metadata cleanup: %w", err)
	}
	if err := m.store.DeleteDiffsForEnvironment(ctx, env.ID); err != nil {
		return fmt.Errorf("diff cleanup: %w", err)
	}
	return nil
}

// Sweep runs one maintenance pass: expire overdue environments, retry failed
// cleanups, reap environments stuck initializing. Idempotent; every set is
// recomputed from the metadata.
func (m *Manager) Sweep(ctx context.Context) error {
	now := time.Now().UTC()

	expired, err := m.store.ListExpiredEnvironments(ctx, now)
	if err != nil {
		return err
	}
	for _, env := range expired {
		if err := m.store.UpdateEnvironmentStatus(ctx, env.ID, models.EnvironmentExpired); err != nil {
			m.logger.Warn("Mark environment %s expired: %v", env.ID, err)
			continue
		}
		env.Status = models.EnvironmentExpired
		m.logger.Info("Environment %s expired (last used %s)", env.ID, env.LastUsedAt.Format(time.RFC3339))
		m.retire(ctx, env)
	}

	failed, err := m.store.ListEnvironmentsByStatus(ctx, models.EnvironmentCleanupFailed)
	if err != nil {
		return err
	}
	for _, env := range failed {
		m.retire(ctx, env)
	}

	stuck, err := m.store.ListEnvironmentsByStatus(ctx, models.EnvironmentInitializing)
	if err != nil {
		return err
	}
	for _, env := range stuck {
		if now.Sub(env.UpdatedAt) < initGracePeriod {
			continue
		}
		m.logger.Warn("Reaping environment %s stuck initializing since %s", env.ID, env.UpdatedAt.Format(time.RFC3339))
		m.retire(ctx, env)
	}
	return nil
}

// retire tears the environment down and finalizes its status.
func (m *Manager) retire(ctx context.Context, env *models.RuntimeEnvironment) {
	if err := m.teardown(ctx, env); err != nil {
		m.metrics.CleanupFailures.Inc()
		m.logger.ErrorWithErr("Teardown of environment %s failed", err, env.ID)
		if statusErr := m.store.UpdateEnvironmentStatus(ctx, env.ID, models.EnvironmentCleanupFailed); statusErr != nil {
			m.logger.Error("Mark environment %s cleanup_failed: %v", env.ID, statusErr)
		}
		return
	}
	if err := m.store.UpdateEnvironmentStatus(ctx, env.ID, models.EnvironmentDeleted); err != nil {
		m.logger.Error("Mark environment %s deleted: %v", env.ID, err)
		return
	}
	m.metrics.EnvironmentsDeleted.Inc()
	m.logger.Info("Environment %s retired", env.ID)
}
