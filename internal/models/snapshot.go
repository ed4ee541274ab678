package models

import "time"

// SnapshotMetadata is the per-(environment, suffix, table) fingerprint stored
// when a snapshot is taken. The differ compares fingerprints across two
// suffixes to skip tables that cannot have changed.
type SnapshotMetadata struct {
	ID            string    `json:"id"`
	EnvironmentID string    `json:"environmentId"`
	SchemaName    string    `json:"schemaName"`
	Suffix        string    `json:"suffix"`
	TableName     string    `json:"tableName"`
	RowCount      int64     `json:"rowCount"`
	Checksum      string    `json:"checksum"` // md5 aggregate of per-row hashes; empty for empty tables
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Matches reports whether two fingerprints guarantee identical table content.
func (s *SnapshotMetadata) Matches(other *SnapshotMetadata) bool {
	if other == nil {
		return false
	}
	return s.RowCount == other.RowCount && s.Checksum == other.Checksum
}
