package replication

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portofcontext/vestige/internal/models"
)

func TestBuildChangeSet(t *testing.T) {
	entries := []*models.ChangeJournalEntry{
		{
			RunID:     "run-1",
			TableName: "messages",
			Operation: models.OperationInsert,
			After:     map[string]interface{}{"id": float64(1), "body": "hi"},
		},
		{
			RunID:     "run-1",
			TableName: "folders",
			Operation: models.OperationUpdate,
			Before:    map[string]interface{}{"id": float64(2), "name": "a"},
			After:     map[string]interface{}{"id": float64(2), "name": "b"},
		},
		{
			RunID:     "run-1",
			TableName: "messages",
			Operation: models.OperationDelete,
			Before:    map[string]interface{}{"id": float64(3), "body": "bye"},
		},
	}

	cs := BuildChangeSet(entries)

	require.Len(t, cs.Inserts, 1)
	assert.Equal(t, "messages", cs.Inserts[0][models.TableKey])
	assert.Equal(t, "hi", cs.Inserts[0]["body"])

	require.Len(t, cs.Updates, 1)
	assert.Equal(t, "folders", cs.Updates[0].Table)
	assert.Equal(t, "a", cs.Updates[0].Before["name"])
	assert.Equal(t, "b", cs.Updates[0].After["name"])

	require.Len(t, cs.Deletes, 1)
	assert.Equal(t, "messages", cs.Deletes[0][models.TableKey])
	assert.Equal(t, "bye", cs.Deletes[0]["body"])
}

func TestBuildChangeSetEmitsEveryEntry(t *testing.T) {
	// A row inserted and then updated in the same run stays two events;
	// the journal reports what happened, not the net effect.
	entries := []*models.ChangeJournalEntry{
		{
			TableName: "messages",
			Operation: models.OperationInsert,
			After:     map[string]interface{}{"id": float64(1), "body": "draft"},
		},
		{
			TableName: "messages",
			Operation: models.OperationUpdate,
			Before:    map[string]interface{}{"id": float64(1), "body": "draft"},
			After:     map[string]interface{}{"id": float64(1), "body": "final"},
		},
	}

	cs := BuildChangeSet(entries)
	assert.Len(t, cs.Inserts, 1)
	assert.Len(t, cs.Updates, 1)
	assert.Empty(t, cs.Deletes)
}

func TestBuildChangeSetAdvancesInsertImage(t *testing.T) {
	// An insert followed by updates of the same row keeps one insert event,
	// but its image tracks the terminal state of the row.
	entries := []*models.ChangeJournalEntry{
		{
			TableName:  "issues",
			Operation:  models.OperationInsert,
			PrimaryKey: map[string]interface{}{"id": float64(7)},
			After:      map[string]interface{}{"id": float64(7), "title": "draft"},
		},
		{
			TableName:  "issues",
			Operation:  models.OperationUpdate,
			PrimaryKey: map[string]interface{}{"id": float64(7)},
			Before:     map[string]interface{}{"id": float64(7), "title": "draft"},
			After:      map[string]interface{}{"id": float64(7), "title": "final"},
		},
	}

	cs := BuildChangeSet(entries)
	require.Len(t, cs.Inserts, 1)
	assert.Equal(t, "final", cs.Inserts[0]["title"])
	assert.Equal(t, "issues", cs.Inserts[0][models.TableKey])

	// The update itself is still reported verbatim.
	require.Len(t, cs.Updates, 1)
	assert.Equal(t, "draft", cs.Updates[0].Before["title"])
	assert.Equal(t, "final", cs.Updates[0].After["title"])
}

func TestBuildChangeSetAdvancesByFullOldImage(t *testing.T) {
	// Without a pk list the full old image identifies the row, which is what
	// replica identity full guarantees.
	entries := []*models.ChangeJournalEntry{
		{
			TableName: "issues",
			Operation: models.OperationInsert,
			After:     map[string]interface{}{"id": float64(7), "title": "draft"},
		},
		{
			TableName: "issues",
			Operation: models.OperationUpdate,
			Before:    map[string]interface{}{"id": float64(7), "title": "draft"},
			After:     map[string]interface{}{"id": float64(7), "title": "final"},
		},
		{
			TableName: "issues",
			Operation: models.OperationUpdate,
			Before:    map[string]interface{}{"id": float64(7), "title": "final"},
			After:     map[string]interface{}{"id": float64(7), "title": "shipped"},
		},
	}

	cs := BuildChangeSet(entries)
	require.Len(t, cs.Inserts, 1)
	assert.Equal(t, "shipped", cs.Inserts[0]["title"])
	assert.Len(t, cs.Updates, 2)
}

func TestBuildChangeSetLeavesPreexistingUpdatesAlone(t *testing.T) {
	// Updating a row that was not inserted during the run never produces or
	// alters an insert.
	entries := []*models.ChangeJournalEntry{
		{
			TableName:  "issues",
			Operation:  models.OperationInsert,
			PrimaryKey: map[string]interface{}{"id": float64(1)},
			After:      map[string]interface{}{"id": float64(1), "title": "new"},
		},
		{
			TableName:  "issues",
			Operation:  models.OperationUpdate,
			PrimaryKey: map[string]interface{}{"id": float64(2)},
			Before:     map[string]interface{}{"id": float64(2), "title": "old"},
			After:      map[string]interface{}{"id": float64(2), "title": "renamed"},
		},
	}

	cs := BuildChangeSet(entries)
	require.Len(t, cs.Inserts, 1)
	assert.Equal(t, "new", cs.Inserts[0]["title"])
	require.Len(t, cs.Updates, 1)
}

func TestBuildChangeSetEmpty(t *testing.T) {
	cs := BuildChangeSet(nil)
	require.NotNil(t, cs)
	assert.Empty(t, cs.Inserts)
	assert.Empty(t, cs.Updates)
	assert.Empty(t, cs.Deletes)
}

func TestBuildChangeSetCopiesRows(t *testing.T) {
	entry := &models.ChangeJournalEntry{
		TableName: "messages",
		Operation: models.OperationInsert,
		After:     map[string]interface{}{"id": float64(1)},
	}

	cs := BuildChangeSet([]*models.ChangeJournalEntry{entry})
	cs.Inserts[0]["id"] = float64(99)

	assert.Equal(t, float64(1), entry.After["id"])
}
