//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portofcontext/vestige/internal/models"
)

func TestJournalRunCapturesTerminalState(t *testing.T) {
	h, err := NewTestHarness(t)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = h.SeedTrackerTemplate(ctx)
	require.NoError(t, err)

	worker, err := h.StartWorker(ctx, "vestige_itest_terminal")
	require.NoError(t, err)
	rt := h.JournalRuntime(worker, "vestige_itest_terminal")

	env := initEnv(t, rt, "tracker_default")
	started, err := rt.Runs.StartRun(ctx, principalID, env.ID, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, started.BeforeSnapshot, "journal mode takes no before snapshot")

	// The agent inserts an issue and then retitles it.
	require.NoError(t, h.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s.issues (title) VALUES ('draft title')`, env.SchemaName)))
	require.NoError(t, h.Exec(ctx, fmt.Sprintf(
		`UPDATE %s.issues SET title = 'Ship the differ' WHERE title = 'draft title'`, env.SchemaName)))

	// Writes outside any registered namespace must not leak into the run.
	require.NoError(t, h.Exec(ctx,
		`INSERT INTO tracker_default.issues (title) VALUES ('unrelated')`))

	expected := json.RawMessage(`{
		"assertions": [
			{"diff_type": "added", "entity": "issues",
			 "where": {"title": "Ship the differ"}, "expected_count": 1},
			{"diff_type": "added", "entity": "issues", "expected_count": 1}
		]
	}`)
	ended, err := rt.Runs.EndRun(ctx, principalID, started.RunID, expected)
	require.NoError(t, err)

	assert.True(t, ended.Result.Passed, "failures: %v", ended.Result.Failures)
	assert.Equal(t, 2, ended.Result.Score.Passed)
	assert.Equal(t, models.RunPassed, ended.Status)

	// One insert whose image reached terminal state, plus the verbatim update.
	require.Len(t, ended.Diff.Inserts, 1)
	assert.Equal(t, "Ship the differ", ended.Diff.Inserts[0]["title"])
	require.Len(t, ended.Diff.Updates, 1)
	assert.Equal(t, "draft title", ended.Diff.Updates[0].Before["title"])
	assert.Equal(t, "Ship the differ", ended.Diff.Updates[0].After["title"])
	assert.Empty(t, ended.Diff.Deletes)

	// The drained journal leaves no rows behind.
	entries, err := h.Store.ListJournalEntries(ctx, h.Store.Pool(), started.RunID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestJournalRunCapturesUpdateAndDelete(t *testing.T) {
	h, err := NewTestHarness(t)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = h.SeedBoxTemplate(ctx)
	require.NoError(t, err)

	worker, err := h.StartWorker(ctx, "vestige_itest_ops")
	require.NoError(t, err)
	rt := h.JournalRuntime(worker, "vestige_itest_ops")

	env := initEnv(t, rt, "box_default")
	started, err := rt.Runs.StartRun(ctx, principalID, env.ID, nil, nil)
	require.NoError(t, err)

	require.NoError(t, h.Exec(ctx, fmt.Sprintf(
		`UPDATE %s.box_folders SET name = 'Archive' WHERE id = 'F1'`, env.SchemaName)))
	require.NoError(t, h.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s.box_folders (id, name, size) VALUES ('F2', 'Scratch', 1)`, env.SchemaName)))
	require.NoError(t, h.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %s.box_folders WHERE id = 'F2'`, env.SchemaName)))

	expected := json.RawMessage(`{
		"assertions": [
			{"diff_type": "changed", "entity": "box_folders",
			 "where": {"id": "F1"},
			 "expected_changes": {"name": {"from": "Quarterly Reports", "to": "Archive"}},
			 "expected_count": 1},
			{"diff_type": "added", "entity": "box_folders",
			 "where": {"id": "F2"}, "expected_count": 1},
			{"diff_type": "removed", "entity": "box_folders",
			 "where": {"id": "F2"}, "expected_count": 1}
		]
	}`)
	ended, err := rt.Runs.EndRun(ctx, principalID, started.RunID, expected)
	require.NoError(t, err)

	// Verbatim emission: the inserted-then-deleted row counts on both sides.
	assert.True(t, ended.Result.Passed, "failures: %v", ended.Result.Failures)
	require.Len(t, ended.Diff.Updates, 1)
	require.Len(t, ended.Diff.Inserts, 1)
	require.Len(t, ended.Diff.Deletes, 1)
	assert.Equal(t, "F2", ended.Diff.Deletes[0]["id"])
}

func TestDeleteEnvironmentCancelsJournalRun(t *testing.T) {
	h, err := NewTestHarness(t)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = h.SeedTrackerTemplate(ctx)
	require.NoError(t, err)

	worker, err := h.StartWorker(ctx, "vestige_itest_cancel")
	require.NoError(t, err)
	rt := h.JournalRuntime(worker, "vestige_itest_cancel")

	env := initEnv(t, rt, "tracker_default")
	started, err := rt.Runs.StartRun(ctx, principalID, env.ID, nil, nil)
	require.NoError(t, err)

	require.NoError(t, h.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s.issues (title) VALUES ('orphaned')`, env.SchemaName)))

	// Deleting the environment under an active run cancels the run and
	// clears everything it journaled.
	deleted, err := rt.Environments.DeleteEnv(ctx, principalID, env.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnvironmentDeleted, deleted.Status)

	testRun, err := h.Store.GetRun(ctx, started.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunError, testRun.Status)

	entries, err := h.Store.ListJournalEntries(ctx, h.Store.Pool(), started.RunID)
	require.NoError(t, err)
	assert.Empty(t, entries)

	exists, err := h.Namespaces.Exists(ctx, env.SchemaName)
	require.NoError(t, err)
	assert.False(t, exists)

	// The global slot outlives any single environment.
	slotExists, err := worker.SlotExists(ctx)
	require.NoError(t, err)
	assert.True(t, slotExists)
}
