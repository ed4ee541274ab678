package models

import (
	"encoding/json"
	"time"
)

// RunStatus tracks a test run through its lifecycle.
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunPassed  RunStatus = "passed"
	RunFailed  RunStatus = "failed"
	RunError   RunStatus = "error"
)

// TestRun is a single execution bracketed by startRun/endRun. Exactly one of
// the two capture mechanisms is active per run: snapshot mode sets
// BeforeSnapshotSuffix at start, journal mode sets ReplicationSlot.
type TestRun struct {
	ID            string    `json:"id"`
	TestID        *string   `json:"testId,omitempty"`
	SuiteID       *string   `json:"suiteId,omitempty"`
	EnvironmentID string    `json:"environmentId"`
	Status        RunStatus `json:"status"`

	// Result holds the persisted {diff, score, failures} blob after endRun.
	Result json.RawMessage `json:"result,omitempty"`

	BeforeSnapshotSuffix *string `json:"beforeSnapshotSuffix,omitempty"`
	AfterSnapshotSuffix  *string `json:"afterSnapshotSuffix,omitempty"`

	ReplicationSlot      *string    `json:"replicationSlot,omitempty"`
	ReplicationPlugin    *string    `json:"replicationPlugin,omitempty"`
	ReplicationStartedAt *time.Time `json:"replicationStartedAt,omitempty"`

	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SnapshotMode reports whether the run captures changes via snapshots rather
// than the replication journal.
func (r *TestRun) SnapshotMode() bool {
	return r.BeforeSnapshotSuffix != nil && *r.BeforeSnapshotSuffix != ""
}

// Finished reports whether the run reached a terminal status.
func (r *TestRun) Finished() bool {
	switch r.Status {
	case RunPassed, RunFailed, RunError:
		return true
	default:
		return false
	}
}
