package models

import "time"

// Operation is the kind of row change captured by either capture mechanism.
type Operation string

const (
	OperationInsert Operation = "insert"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// ChangeJournalEntry is one decoded logical-replication change filed under a
// run. Multiple entries may share an LSN (one commit, many rows); ordering
// within a run is (RecordedAt, LSN) ascending, which equals commit order.
type ChangeJournalEntry struct {
	ID            string    `json:"id"`
	EnvironmentID string    `json:"environmentId"`
	RunID         string    `json:"runId"`
	LSN           string    `json:"lsn"`
	TableName     string    `json:"tableName"`
	Operation     Operation `json:"operation"`

	// PrimaryKey holds the identifying columns of the affected row.
	PrimaryKey map[string]interface{} `json:"primaryKey"`
	// Before is the old image; present for update and delete.
	Before map[string]interface{} `json:"before,omitempty"`
	// After is the new image; present for insert and update.
	After map[string]interface{} `json:"after,omitempty"`

	RecordedAt time.Time `json:"recordedAt"`
}
