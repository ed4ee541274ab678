// Package models holds the entities persisted in the harness metadata store
// and the canonical change-set shape shared by the snapshot differ and the
// replication journal.
package models

import "time"

// Visibility controls who may resolve a template or test.
type Visibility string

const (
	// VisibilityPublic makes the resource resolvable by every principal.
	VisibilityPublic Visibility = "public"
	// VisibilityPrivate restricts the resource to its owner.
	VisibilityPrivate Visibility = "private"
)

// TemplateKind describes how a template's location is interpreted.
type TemplateKind string

const (
	// TemplateKindSchema means location names a Postgres schema to clone.
	TemplateKindSchema TemplateKind = "schema"
	// TemplateKindArtifact means location is a URI to a seed artifact.
	TemplateKindArtifact TemplateKind = "artifact"
	// TemplateKindJSONB means location points at a jsonb seed document.
	TemplateKindJSONB TemplateKind = "jsonb"
)

// TemplateEnvironment is a named, versioned, pre-populated namespace that
// runtime environments are cloned from. Templates are immutable; new versions
// supersede old ones. Uniqueness is (service, name, version, owner).
type TemplateEnvironment struct {
	ID         string       `json:"id"`
	Service    string       `json:"service"`
	Name       string       `json:"name"`
	Version    string       `json:"version"`
	Visibility Visibility   `json:"visibility"`
	OwnerID    *string      `json:"ownerId,omitempty"` // nil for public templates
	Kind       TemplateKind `json:"kind"`
	Location   string       `json:"location"` // schema name or URI depending on Kind

	// SeedOrder optionally fixes the FK-safe order in which tables are
	// seeded/cloned. Empty means catalog order.
	SeedOrder []string `json:"seedOrder,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// VisibleTo reports whether the principal may see this template. Private
// templates of other principals are indistinguishable from absent ones, so
// callers surface the same not-found error either way.
func (t *TemplateEnvironment) VisibleTo(principalID string) bool {
	if t.Visibility == VisibilityPublic {
		return true
	}
	return t.OwnerID != nil && *t.OwnerID == principalID
}
