package dsl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portofcontext/vestige/internal/models"
)

func compileSpec(t *testing.T, raw string) *Spec {
	t.Helper()
	spec, err := mustCompiler(t).Compile([]byte(raw))
	require.NoError(t, err)
	return spec
}

func insertRow(table string, cols map[string]interface{}) models.Row {
	row := models.Row{models.TableKey: table}
	for k, v := range cols {
		row[k] = v
	}
	return row
}

func TestEvaluateInsertCountedOnce(t *testing.T) {
	spec := compileSpec(t, `{
		"assertions": [{
			"diff_type": "added",
			"entity": "messages",
			"where": {"message_text": "Hello team!"},
			"expected_count": 1
		}]
	}`)
	cs := models.NewChangeSet()
	cs.Inserts = append(cs.Inserts, insertRow("messages", map[string]interface{}{
		"id":           float64(1),
		"channel_id":   "C1",
		"user_id":      "U1",
		"message_text": "Hello team!",
	}))

	result := Evaluate(spec, cs)

	assert.True(t, result.Passed)
	assert.Empty(t, result.Failures)
	assert.Equal(t, Score{Passed: 1, Total: 1, Percent: 100}, result.Score)
}

func TestEvaluateStrictExtraChangeFails(t *testing.T) {
	spec := compileSpec(t, `{
		"strict": true,
		"assertions": [{
			"diff_type": "changed",
			"entity": "box_folders",
			"expected_changes": {"name": {"to": "archive"}}
		}]
	}`)
	cs := models.NewChangeSet()
	cs.Updates = append(cs.Updates, models.RowUpdate{
		Table: "box_folders",
		Before: models.Row{"id": float64(1), "name": "inbox", "size": float64(10)},
		After:  models.Row{"id": float64(1), "name": "archive", "size": float64(25)},
	})

	result := Evaluate(spec, cs)

	require.False(t, result.Passed)
	require.Len(t, result.Failures, 1)
	assert.Equal(t,
		"assertion#1 box_folders changed fields [name,size] not subset of expected [name]",
		result.Failures[0])
	assert.Equal(t, Score{Passed: 0, Total: 1, Percent: 0}, result.Score)
}

func TestEvaluateNonStrictToleratesExtraChanges(t *testing.T) {
	spec := compileSpec(t, `{
		"strict": false,
		"assertions": [{
			"diff_type": "changed",
			"entity": "box_folders",
			"expected_changes": {"name": {"to": "archive"}}
		}]
	}`)
	cs := models.NewChangeSet()
	cs.Updates = append(cs.Updates, models.RowUpdate{
		Table: "box_folders",
		Before: models.Row{"id": float64(1), "name": "inbox", "size": float64(10)},
		After:  models.Row{"id": float64(1), "name": "archive", "size": float64(25)},
	})

	result := Evaluate(spec, cs)
	assert.True(t, result.Passed, "non-strict mode ignores the size change")
}

func TestEvaluateCountRange(t *testing.T) {
	spec := compileSpec(t, `{
		"assertions": [{
			"diff_type": "added",
			"entity": "issues",
			"expected_count": {"min": 2, "max": 5}
		}]
	}`)
	cs := models.NewChangeSet()
	for i := 0; i < 3; i++ {
		cs.Inserts = append(cs.Inserts, insertRow("issues", map[string]interface{}{
			"id": float64(i),
		}))
	}

	result := Evaluate(spec, cs)
	assert.True(t, result.Passed)
}

func TestEvaluateCountFailureMessage(t *testing.T) {
	spec := compileSpec(t, `{
		"assertions": [{
			"diff_type": "added",
			"entity": "messages",
			"where": {"message_text": "missing"},
			"expected_count": 1
		}]
	}`)

	result := Evaluate(spec, models.NewChangeSet())

	require.False(t, result.Passed)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "assertion#1 messages added 0 rows, expected exactly 1", result.Failures[0])
}

func TestEvaluateEmptySpecPasses(t *testing.T) {
	result := Evaluate(compileSpec(t, `{}`), models.NewChangeSet())

	assert.True(t, result.Passed)
	assert.Equal(t, Score{Passed: 0, Total: 0, Percent: 100}, result.Score)
	assert.NotNil(t, result.Failures)
	assert.Empty(t, result.Failures)
}

func TestEvaluateRemoved(t *testing.T) {
	spec := compileSpec(t, `{
		"assertions": [{
			"diff_type": "removed",
			"entity": "sessions",
			"where": {"user_id": "U1"}
		}]
	}`)
	cs := models.NewChangeSet()
	cs.Deletes = append(cs.Deletes, insertRow("sessions", map[string]interface{}{
		"id": float64(9), "user_id": "U1",
	}))

	assert.True(t, Evaluate(spec, cs).Passed)
}

func TestEvaluateChangedFromToGates(t *testing.T) {
	spec := compileSpec(t, `{
		"assertions": [{
			"diff_type": "changed",
			"entity": "folders",
			"expected_changes": {"state": {"from": "open", "to": "closed"}}
		}]
	}`)

	cs := models.NewChangeSet()
	cs.Updates = append(cs.Updates, models.RowUpdate{
		Table:  "folders",
		Before: models.Row{"id": float64(1), "state": "open"},
		After:  models.Row{"id": float64(1), "state": "closed"},
	})
	assert.True(t, Evaluate(spec, cs).Passed)

	// Wrong origin state: the entry does not qualify, count fails.
	cs = models.NewChangeSet()
	cs.Updates = append(cs.Updates, models.RowUpdate{
		Table:  "folders",
		Before: models.Row{"id": float64(1), "state": "draft"},
		After:  models.Row{"id": float64(1), "state": "closed"},
	})
	result := Evaluate(spec, cs)
	require.False(t, result.Passed)
	assert.Equal(t, "assertion#1 folders changed 0 rows, expected at least 1", result.Failures[0])
}

func TestEvaluateChangedWhereMatchesEitherImage(t *testing.T) {
	spec := compileSpec(t, `{
		"strict": false,
		"assertions": [{
			"diff_type": "changed",
			"entity": "folders",
			"where": {"name": "renamed"}
		}]
	}`)
	cs := models.NewChangeSet()
	cs.Updates = append(cs.Updates, models.RowUpdate{
		Table:  "folders",
		Before: models.Row{"id": float64(1), "name": "original"},
		After:  models.Row{"id": float64(1), "name": "renamed"},
	})

	assert.True(t, Evaluate(spec, cs).Passed, "where may match the after image")
}

func TestEvaluateIgnoreFields(t *testing.T) {
	spec := compileSpec(t, `{
		"strict": true,
		"ignore_fields": {"global": ["updated_at"], "folders": ["revision"]},
		"assertions": [{
			"diff_type": "changed",
			"entity": "folders",
			"ignore_fields": ["etag"],
			"expected_changes": {"name": {"to": "archive"}}
		}]
	}`)
	cs := models.NewChangeSet()
	cs.Updates = append(cs.Updates, models.RowUpdate{
		Table: "folders",
		Before: models.Row{
			"id": float64(1), "name": "inbox", "updated_at": "2026-01-01T00:00:00Z",
			"revision": float64(3), "etag": "a",
		},
		After: models.Row{
			"id": float64(1), "name": "archive", "updated_at": "2026-01-02T00:00:00Z",
			"revision": float64(4), "etag": "b",
		},
	})

	result := Evaluate(spec, cs)
	assert.True(t, result.Passed, "ignored columns do not count as changes: %v", result.Failures)
}

func TestEvaluateWhereWithDottedPath(t *testing.T) {
	spec := compileSpec(t, `{
		"assertions": [{
			"diff_type": "added",
			"entity": "events",
			"where": {"payload.actor.id": "U7"}
		}]
	}`)

	// Snapshot mode: jsonb arrives decoded.
	cs := models.NewChangeSet()
	cs.Inserts = append(cs.Inserts, insertRow("events", map[string]interface{}{
		"id": float64(1),
		"payload": map[string]interface{}{
			"actor": map[string]interface{}{"id": "U7"},
		},
	}))
	assert.True(t, Evaluate(spec, cs).Passed)

	// Journal mode: jsonb arrives as text.
	cs = models.NewChangeSet()
	cs.Inserts = append(cs.Inserts, insertRow("events", map[string]interface{}{
		"id":      float64(2),
		"payload": `{"actor": {"id": "U7"}}`,
	}))
	assert.True(t, Evaluate(spec, cs).Passed)
}

func TestEvaluateMultipleAssertionsScore(t *testing.T) {
	spec := compileSpec(t, `{
		"assertions": [
			{"diff_type": "added", "entity": "messages", "expected_count": 1},
			{"diff_type": "added", "entity": "reactions", "expected_count": 1},
			{"diff_type": "removed", "entity": "drafts", "expected_count": 1}
		]
	}`)
	cs := models.NewChangeSet()
	cs.Inserts = append(cs.Inserts, insertRow("messages", map[string]interface{}{"id": float64(1)}))

	result := Evaluate(spec, cs)

	assert.False(t, result.Passed)
	assert.Equal(t, 1, result.Score.Passed)
	assert.Equal(t, 3, result.Score.Total)
	assert.InDelta(t, 33.33, result.Score.Percent, 0.01)
	assert.Len(t, result.Failures, 2)
}

func TestEvaluateZeroCountAssertsAbsence(t *testing.T) {
	spec := compileSpec(t, `{
		"assertions": [{
			"diff_type": "added",
			"entity": "audit_log",
			"expected_count": 0
		}]
	}`)

	assert.True(t, Evaluate(spec, models.NewChangeSet()).Passed)

	cs := models.NewChangeSet()
	cs.Inserts = append(cs.Inserts, insertRow("audit_log", map[string]interface{}{"id": float64(1)}))
	assert.False(t, Evaluate(spec, cs).Passed)
}

func TestEvaluateVerbatimJournalDoubleEvent(t *testing.T) {
	// Journal capture emits insert and update for a row touched twice; a
	// count-1 added assertion still sees exactly one insert.
	spec := compileSpec(t, `{
		"strict": false,
		"assertions": [
			{"diff_type": "added", "entity": "messages", "expected_count": 1},
			{"diff_type": "changed", "entity": "messages", "expected_count": 1}
		]
	}`)
	cs := models.NewChangeSet()
	cs.Inserts = append(cs.Inserts, insertRow("messages", map[string]interface{}{
		"id": float64(1), "body": "draft",
	}))
	cs.Updates = append(cs.Updates, models.RowUpdate{
		Table:  "messages",
		Before: models.Row{"id": float64(1), "body": "draft"},
		After:  models.Row{"id": float64(1), "body": "final"},
	})

	result := Evaluate(spec, cs)
	assert.True(t, result.Passed, "failures: %v", result.Failures)
}
