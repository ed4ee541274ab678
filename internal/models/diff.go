package models

import (
	"encoding/json"
	"time"
)

// Diff is the archived change set of a finished run, kept after the
// snapshot tables and journal rows that produced it are gone.
type Diff struct {
	ID            string          `json:"id"`
	RunID         string          `json:"runId"`
	EnvironmentID string          `json:"environmentId"`
	ChangeSet     json.RawMessage `json:"changeSet"`
	CreatedAt     time.Time       `json:"createdAt"`
}
