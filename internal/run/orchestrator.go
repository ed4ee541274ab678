// Package run sequences test-run lifecycles: capture start on startRun,
// capture end, evaluation, and result persistence on endRun. Start and end
// are strict fences — startRun returns only after the before-state is
// captured, endRun only after the diff is materialized and scored.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/portofcontext/vestige/internal/config"
	"github.com/portofcontext/vestige/internal/dsl"
	"github.com/portofcontext/vestige/internal/logging"
	"github.com/portofcontext/vestige/internal/metrics"
	"github.com/portofcontext/vestige/internal/models"
	"github.com/portofcontext/vestige/internal/snapshot"
	"github.com/portofcontext/vestige/internal/store"
)

var (
	// ErrEnvironmentNotReady rejects runs on environments that are still
	// provisioning, expired, or broken.
	ErrEnvironmentNotReady = errors.New("environment not ready")

	// ErrRunActive enforces one active run per environment.
	ErrRunActive = errors.New("environment already has an active run")

	// ErrRunFinished rejects endRun on a run that already reached a
	// terminal status.
	ErrRunFinished = errors.New("run already finished")

	// ErrJournalUnavailable signals journal capture mode without a running
	// replication worker.
	ErrJournalUnavailable = errors.New("journal capture unavailable")

	// ErrMissingBeforeSuffix rejects diffRun-by-environment without a
	// before snapshot to diff against.
	ErrMissingBeforeSuffix = errors.New("beforeSuffix required when diffing by environment")
)

// JournalCapture is the slice of the replication worker the orchestrator
// drives. Nil in snapshot-only deployments.
type JournalCapture interface {
	Watch(schema, environmentID, runID string)
	Unwatch(runID, schema string)
	Drain(ctx context.Context, runID string) (*models.ChangeSet, error)
	DiscardRun(ctx context.Context, runID string) error
}

// Options collects the orchestrator's collaborators.
type Options struct {
	Store       *store.Store
	Snapshots   *snapshot.Snapshotter
	Differ      *snapshot.Differ
	Journal     JournalCapture
	Compiler    *dsl.Compiler
	Metrics     *metrics.Metrics
	Tracer      trace.Tracer
	CaptureMode config.CaptureMode
	SlotName    string
	Plugin      string
}

// Orchestrator drives runs through capture, evaluation, and persistence.
type Orchestrator struct {
	store     *store.Store
	snapshots *snapshot.Snapshotter
	differ    *snapshot.Differ
	journal   JournalCapture
	compiler  *dsl.Compiler
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	mode      config.CaptureMode
	slotName  string
	plugin    string
	logger    *logging.Logger
}

func New(opts Options) *Orchestrator {
	return &Orchestrator{
		store:     opts.Store,
		snapshots: opts.Snapshots,
		differ:    opts.Differ,
		journal:   opts.Journal,
		compiler:  opts.Compiler,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		mode:      opts.CaptureMode,
		slotName:  opts.SlotName,
		plugin:    opts.Plugin,
		logger:    logging.GetLogger("run"),
	}
}

// StartResult is returned to startRun callers.
type StartResult struct {
	RunID          string
	Status         models.RunStatus
	BeforeSnapshot string
}

// EndResult is returned to endRun and evaluateRun callers.
type EndResult struct {
	RunID  string
	Status models.RunStatus
	Result *dsl.Result
	Diff   *models.ChangeSet
}

// DiffOutput is returned to diffRun callers.
type DiffOutput struct {
	BeforeSnapshot string
	AfterSnapshot  string
	Diff           *models.ChangeSet
}

// RunResult is the blob persisted on the run row after evaluation.
type RunResult struct {
	Diff     *models.ChangeSet `json:"diff"`
	Score    dsl.Score         `json:"score"`
	Failures []string          `json:"failures"`
}

// StartRun opens a run on an environment and captures its before-state:
// snapshot mode materializes before-tables, journal mode registers the
// schema with the replication worker.
func (o *Orchestrator) StartRun(ctx context.Context, principalID, environmentID string, testID, suiteID *string) (*StartResult, error) {
	var span trace.Span
	if o.tracer != nil {
		ctx, span = o.tracer.Start(ctx, "run.StartRun")
		defer span.End()
	}

	env, err := o.store.GetEnvironment(ctx, environmentID)
	if err != nil {
		return nil, err
	}
	if env.CreatedBy != principalID {
		// Environments are private to their creator; report absence rather
		// than existence.
		return nil, store.ErrEnvironmentNotFound
	}
	if env.Status != models.EnvironmentReady || env.Expired(time.Now().UTC()) {
		return nil, fmt.Errorf("%w: status %s", ErrEnvironmentNotReady, env.Status)
	}

	if _, err := o.store.ActiveRunForEnvironment(ctx, env.ID); err == nil {
		return nil, ErrRunActive
	} else if !errors.Is(err, store.ErrRunNotFound) {
		return nil, err
	}
	if o.mode == config.CaptureModeJournal && o.journal == nil {
		return nil, ErrJournalUnavailable
	}

	now := time.Now().UTC()
	testRun := &models.TestRun{
		ID:            uuid.NewString(),
		TestID:        testID,
		SuiteID:       suiteID,
		EnvironmentID: env.ID,
		Status:        models.RunRunning,
		CreatedBy:     principalID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.store.CreateRun(ctx, testRun); err != nil {
		return nil, err
	}

	result := &StartResult{RunID: testRun.ID, Status: models.RunRunning}
	switch o.mode {
	case config.CaptureModeSnapshot:
		suffix, err := o.snapshots.Take(ctx, env.ID, env.SchemaName, snapshot.SuffixPrefixBefore)
		if err != nil {
			o.markError(ctx, testRun)
			return nil, fmt.Errorf("before snapshot: %w", err)
		}
		testRun.BeforeSnapshotSuffix = &suffix
		result.BeforeSnapshot = suffix
	case config.CaptureModeJournal:
		o.journal.Watch(env.SchemaName, env.ID, testRun.ID)
		testRun.ReplicationSlot = &o.slotName
		testRun.ReplicationPlugin = &o.plugin
		startedAt := now
		testRun.ReplicationStartedAt = &startedAt
	}

	if err := o.store.UpdateRun(ctx, testRun); err != nil {
		o.abandonCapture(ctx, testRun, env.SchemaName)
		return nil, err
	}
	if err := o.store.TouchEnvironment(ctx, env.ID); err != nil {
		o.logger.Warn("Touch environment %s failed: %v", env.ID, err)
	}

	o.metrics.RunsStarted.WithLabelValues(string(o.mode)).Inc()
	o.logger.Info("Run %s started on %s (%s mode)", testRun.ID, env.SchemaName, o.mode)
	return result, nil
}

// EndRun closes a run: captures the after-state, diffs, evaluates the
// assertion spec, and persists the outcome. The spec comes from the request
// body, falling back to the referenced test's expected output.
func (o *Orchestrator) EndRun(ctx context.Context, principalID, runID string, expectedOutput json.RawMessage) (*EndResult, error) {
	var span trace.Span
	if o.tracer != nil {
		ctx, span = o.tracer.Start(ctx, "run.EndRun")
		defer span.End()
	}

	testRun, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if testRun.CreatedBy != principalID {
		return nil, store.ErrRunNotFound
	}
	if testRun.Finished() {
		return nil, ErrRunFinished
	}
	env, err := o.store.GetEnvironment(ctx, testRun.EnvironmentID)
	if err != nil {
		return nil, err
	}
	if env.Expired(time.Now().UTC()) {
		// The run outlived its environment's expiry; nothing captured past
		// that point can be trusted, so the run ends as an error.
		o.abandonCapture(ctx, testRun, env.SchemaName)
		o.markError(ctx, testRun)
		return nil, fmt.Errorf("%w: environment %s expired", ErrEnvironmentNotReady, env.ID)
	}

	specRaw, err := o.resolveSpec(ctx, testRun, expectedOutput)
	if err != nil {
		return nil, err
	}
	compiled, err := o.compiler.Compile(specRaw)
	if err != nil {
		// A spec that cannot compile ends the run too: capture is torn down
		// and the run is marked error, so the environment is free again.
		o.abandonCapture(ctx, testRun, env.SchemaName)
		o.markError(ctx, testRun)
		return nil, err
	}

	diff, err := o.captureEnd(ctx, testRun, env)
	if err != nil {
		o.markError(ctx, testRun)
		return nil, err
	}

	evaluated := dsl.Evaluate(compiled, diff)
	if err := o.persistOutcome(ctx, testRun, env, diff, evaluated); err != nil {
		o.markError(ctx, testRun)
		return nil, err
	}
	if err := o.store.TouchEnvironment(ctx, env.ID); err != nil {
		o.logger.Warn("Touch environment %s failed: %v", env.ID, err)
	}

	o.metrics.RunsEnded.WithLabelValues(string(testRun.Status)).Inc()
	o.logger.Info("Run %s ended: %s (%d/%d assertions)",
		testRun.ID, testRun.Status, evaluated.Score.Passed, evaluated.Score.Total)
	return &EndResult{
		RunID:  testRun.ID,
		Status: testRun.Status,
		Result: evaluated,
		Diff:   diff,
	}, nil
}

// captureEnd materializes the run's change set through whichever capture
// mechanism startRun armed.
func (o *Orchestrator) captureEnd(ctx context.Context, testRun *models.TestRun, env *models.RuntimeEnvironment) (*models.ChangeSet, error) {
	if testRun.SnapshotMode() {
		afterSuffix, err := o.snapshots.Take(ctx, env.ID, env.SchemaName, snapshot.SuffixPrefixAfter)
		if err != nil {
			return nil, fmt.Errorf("after snapshot: %w", err)
		}
		testRun.AfterSnapshotSuffix = &afterSuffix

		diff, err := o.differ.Diff(ctx, env.ID, env.SchemaName, *testRun.BeforeSnapshotSuffix, afterSuffix)
		if err != nil {
			return nil, fmt.Errorf("diff snapshots: %w", err)
		}
		if err := o.snapshots.Archive(ctx, env.ID, env.SchemaName, *testRun.BeforeSnapshotSuffix, afterSuffix); err != nil {
			o.logger.Warn("Archive snapshots for run %s failed: %v", testRun.ID, err)
		}
		return diff, nil
	}

	if o.journal == nil {
		return nil, ErrJournalUnavailable
	}
	diff, err := o.journal.Drain(ctx, testRun.ID)
	if err != nil {
		return nil, fmt.Errorf("drain journal: %w", err)
	}
	// Unregister after the drain so the catch-up poll still matches this
	// run; DiscardRun clears any straggler rows journaled in between.
	if err := o.journal.DiscardRun(ctx, testRun.ID); err != nil {
		o.logger.Warn("Journal cleanup for run %s failed: %v", testRun.ID, err)
	}
	return diff, nil
}

func (o *Orchestrator) persistOutcome(ctx context.Context, testRun *models.TestRun, env *models.RuntimeEnvironment, diff *models.ChangeSet, evaluated *dsl.Result) error {
	blob, err := json.Marshal(RunResult{
		Diff:     diff,
		Score:    evaluated.Score,
		Failures: evaluated.Failures,
	})
	if err != nil {
		return fmt.Errorf("marshal run result: %w", err)
	}

	diffBlob, err := json.Marshal(diff)
	if err != nil {
		return fmt.Errorf("marshal diff: %w", err)
	}
	if err := o.store.SaveDiff(ctx, testRun.ID, env.ID, diffBlob); err != nil {
		return fmt.Errorf("archive diff: %w", err)
	}

	testRun.Status = models.RunFailed
	if evaluated.Passed {
		testRun.Status = models.RunPassed
	}
	testRun.Result = blob
	testRun.UpdatedAt = time.Now().UTC()
	return o.store.UpdateRun(ctx, testRun)
}

// EvaluateRun re-scores a finished run's archived diff, optionally against a
// new expected output. The stored run row is left untouched.
func (o *Orchestrator) EvaluateRun(ctx context.Context, principalID, runID string, expectedOutput json.RawMessage) (*EndResult, error) {
	var span trace.Span
	if o.tracer != nil {
		ctx, span = o.tracer.Start(ctx, "run.EvaluateRun")
		defer span.End()
	}

	testRun, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if testRun.CreatedBy != principalID {
		return nil, store.ErrRunNotFound
	}

	diff, err := o.archivedDiff(ctx, testRun.ID)
	if err != nil {
		return nil, err
	}
	specRaw, err := o.resolveSpec(ctx, testRun, expectedOutput)
	if err != nil {
		return nil, err
	}
	compiled, err := o.compiler.Compile(specRaw)
	if err != nil {
		return nil, err
	}

	evaluated := dsl.Evaluate(compiled, diff)
	return &EndResult{
		RunID:  testRun.ID,
		Status: testRun.Status,
		Result: evaluated,
		Diff:   diff,
	}, nil
}

// DiffRun returns a change set without scoring it. By run id it reads the
// archived diff; by environment id it takes a fresh after-snapshot against
// the given before suffix.
func (o *Orchestrator) DiffRun(ctx context.Context, principalID, runID, environmentID, beforeSuffix string) (*DiffOutput, error) {
	var span trace.Span
	if o.tracer != nil {
		ctx, span = o.tracer.Start(ctx, "run.DiffRun")
		defer span.End()
	}

	if runID != "" {
		testRun, err := o.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if testRun.CreatedBy != principalID {
			return nil, store.ErrRunNotFound
		}
		diff, err := o.archivedDiff(ctx, testRun.ID)
		if err != nil {
			return nil, err
		}
		out := &DiffOutput{Diff: diff}
		if testRun.BeforeSnapshotSuffix != nil {
			out.BeforeSnapshot = *testRun.BeforeSnapshotSuffix
		}
		if testRun.AfterSnapshotSuffix != nil {
			out.AfterSnapshot = *testRun.AfterSnapshotSuffix
		}
		return out, nil
	}

	env, err := o.store.GetEnvironment(ctx, environmentID)
	if err != nil {
		return nil, err
	}
	if env.CreatedBy != principalID {
		return nil, store.ErrEnvironmentNotFound
	}
	if beforeSuffix == "" {
		return nil, ErrMissingBeforeSuffix
	}

	afterSuffix, err := o.snapshots.Take(ctx, env.ID, env.SchemaName, snapshot.SuffixPrefixAfter)
	if err != nil {
		return nil, fmt.Errorf("after snapshot: %w", err)
	}
	diff, err := o.differ.Diff(ctx, env.ID, env.SchemaName, beforeSuffix, afterSuffix)
	if err != nil {
		return nil, fmt.Errorf("diff snapshots: %w", err)
	}
	// The caller owns the before snapshot; only the one taken here is
	// discarded.
	if err := o.snapshots.Archive(ctx, env.ID, env.SchemaName, afterSuffix); err != nil {
		o.logger.Warn("Archive snapshot %s failed: %v", afterSuffix, err)
	}
	return &DiffOutput{BeforeSnapshot: beforeSuffix, AfterSnapshot: afterSuffix, Diff: diff}, nil
}

// CancelRun aborts an active run, tearing down its capture without
// evaluating. Used when an environment is deleted underneath a run.
func (o *Orchestrator) CancelRun(ctx context.Context, testRun *models.TestRun, schemaName string) {
	o.abandonCapture(ctx, testRun, schemaName)
	o.markError(ctx, testRun)
	o.metrics.RunsEnded.WithLabelValues(string(models.RunError)).Inc()
	o.logger.Info("Run %s cancelled", testRun.ID)
}

// resolveSpec picks the assertion document: explicit expected output wins,
// then the referenced test's, then the empty spec.
func (o *Orchestrator) resolveSpec(ctx context.Context, testRun *models.TestRun, expectedOutput json.RawMessage) (json.RawMessage, error) {
	if len(expectedOutput) > 0 {
		return expectedOutput, nil
	}
	if testRun.TestID != nil {
		test, err := o.store.GetTest(ctx, *testRun.TestID)
		if err != nil {
			return nil, err
		}
		if len(test.ExpectedOutput) > 0 {
			return test.ExpectedOutput, nil
		}
	}
	return json.RawMessage(`{}`), nil
}

func (o *Orchestrator) archivedDiff(ctx context.Context, runID string) (*models.ChangeSet, error) {
	stored, err := o.store.GetDiff(ctx, runID)
	if err != nil {
		return nil, err
	}
	var diff models.ChangeSet
	if err := json.Unmarshal(stored.ChangeSet, &diff); err != nil {
		return nil, fmt.Errorf("decode archived diff for run %s: %w", runID, err)
	}
	return &diff, nil
}

// abandonCapture tears down whatever capture a run armed, best effort.
func (o *Orchestrator) abandonCapture(ctx context.Context, testRun *models.TestRun, schemaName string) {
	if testRun.SnapshotMode() {
		suffixes := []string{*testRun.BeforeSnapshotSuffix}
		if testRun.AfterSnapshotSuffix != nil {
			suffixes = append(suffixes, *testRun.AfterSnapshotSuffix)
		}
		envID := testRun.EnvironmentID
		if err := o.snapshots.Archive(ctx, envID, schemaName, suffixes...); err != nil {
			o.logger.Warn("Archive snapshots for run %s failed: %v", testRun.ID, err)
		}
		return
	}
	if o.journal != nil {
		if err := o.journal.DiscardRun(ctx, testRun.ID); err != nil {
			o.logger.Warn("Discard journal for run %s failed: %v", testRun.ID, err)
		}
	}
}

func (o *Orchestrator) markError(ctx context.Context, testRun *models.TestRun) {
	testRun.Status = models.RunError
	testRun.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateRun(ctx, testRun); err != nil {
		o.logger.Error("Mark run %s as error failed: %v", testRun.ID, err)
	}
}
