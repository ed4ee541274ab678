package models

import "time"

// EnvironmentStatus tracks a runtime environment through its lifecycle.
type EnvironmentStatus string

const (
	// EnvironmentInitializing is set while the namespace is being cloned.
	EnvironmentInitializing EnvironmentStatus = "initializing"
	// EnvironmentReady means the namespace exists and serves requests.
	EnvironmentReady EnvironmentStatus = "ready"
	// EnvironmentExpired is set by the maintenance loop once TTL or idle
	// limits are exceeded; the namespace still exists at this point.
	EnvironmentExpired EnvironmentStatus = "expired"
	// EnvironmentDeleted means the namespace has been dropped.
	EnvironmentDeleted EnvironmentStatus = "deleted"
	// EnvironmentCleanupFailed marks a failed drop; the maintenance loop
	// retries these.
	EnvironmentCleanupFailed EnvironmentStatus = "cleanup_failed"
)

// RuntimeEnvironment is a live, per-caller namespace cloned from a template.
type RuntimeEnvironment struct {
	ID             string            `json:"id"`
	TemplateID     *string           `json:"templateId,omitempty"`
	TemplateSchema string            `json:"templateSchema"`
	Service        string            `json:"service"`
	SchemaName     string            `json:"schemaName"` // unique
	Status         EnvironmentStatus `json:"status"`

	// Permanent environments are never expired by the maintenance loop.
	Permanent      bool       `json:"permanent"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	MaxIdleSeconds int        `json:"maxIdleSeconds"`
	LastUsedAt     time.Time  `json:"lastUsedAt"`

	CreatedBy         string  `json:"createdBy"`
	ImpersonateUserID *string `json:"impersonateUserId,omitempty"`
	ImpersonateEmail  *string `json:"impersonateEmail,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Expired reports whether the environment is past its TTL or idle budget at t.
func (e *RuntimeEnvironment) Expired(t time.Time) bool {
	if e.Permanent {
		return false
	}
	if e.ExpiresAt != nil && t.After(*e.ExpiresAt) {
		return true
	}
	if e.MaxIdleSeconds > 0 && t.Sub(e.LastUsedAt) > time.Duration(e.MaxIdleSeconds)*time.Second {
		return true
	}
	return false
}

// PoolEntryStatus tracks a warm pool entry.
type PoolEntryStatus string

const (
	// PoolEntryReady means the namespace is cloned and claimable.
	PoolEntryReady PoolEntryStatus = "ready"
	// PoolEntryInUse means exactly one runtime environment owns the namespace.
	PoolEntryInUse PoolEntryStatus = "in_use"
	// PoolEntryRefreshing means a refresh worker is re-cloning the namespace.
	PoolEntryRefreshing PoolEntryStatus = "refreshing"
	// PoolEntryDirty means the namespace was used and awaits a refresh.
	PoolEntryDirty PoolEntryStatus = "dirty"
)

// EnvironmentPoolEntry is a pre-cloned namespace held warm so environment
// creation skips the clone cost. An entry is claimable iff status is ready and
// ClaimedBy is nil; (status, claimed_by, claimed_at) always change together in
// one transaction.
type EnvironmentPoolEntry struct {
	ID             string          `json:"id"`
	TemplateID     *string         `json:"templateId,omitempty"`
	TemplateSchema string          `json:"templateSchema"`
	SchemaName     string          `json:"schemaName"` // unique
	Status         PoolEntryStatus `json:"status"`

	LastUsedAt      *time.Time `json:"lastUsedAt,omitempty"`
	LastRefreshedAt *time.Time `json:"lastRefreshedAt,omitempty"`
	ClaimedBy       *string    `json:"claimedBy,omitempty"` // runtime environment id
	ClaimedAt       *time.Time `json:"claimedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
