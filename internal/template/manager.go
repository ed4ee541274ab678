// Package template maps client template references to concrete, accessible
// template locations and handles template registration.
package template

import (
	"context"
	"errors"
	"fmt"
	"sort"

	goversion "github.com/hashicorp/go-version"

	"github.com/portofcontext/vestige/internal/logging"
	"github.com/portofcontext/vestige/internal/models"
	"github.com/portofcontext/vestige/internal/namespace"
	"github.com/portofcontext/vestige/internal/store"
)

// ErrNoReference is returned when a reference carries none of the accepted
// forms.
var ErrNoReference = errors.New("no template reference provided")

// Reference is a client-supplied pointer at a template. Forms are tried in
// field order: explicit id, test id, service+name, raw schema location.
type Reference struct {
	TemplateID string
	TestID     string
	Service    string
	Name       string
	Schema     string
}

// Resolution is the outcome every form reduces to.
type Resolution struct {
	Location   string // schema to clone
	Service    string // service tag, empty for unregistered raw schemas
	TemplateID *string
	SeedOrder  []string
}

// Manager resolves, lists and registers templates.
type Manager struct {
	store      *store.Store
	namespaces *namespace.Handler
	logger     *logging.Logger
}

func NewManager(st *store.Store, ns *namespace.Handler) *Manager {
	return &Manager{
		store:      st,
		namespaces: ns,
		logger:     logging.GetLogger("template"),
	}
}

// Resolve maps a reference to a clonable location. Private templates of other
// principals resolve exactly like missing ones.
func (m *Manager) Resolve(ctx context.Context, principalID string, ref Reference) (*Resolution, error) {
	switch {
	case ref.TemplateID != "":
		return m.resolveByID(ctx, principalID, ref.TemplateID)
	case ref.TestID != "":
		return m.resolveByTest(ctx, principalID, ref.TestID)
	case ref.Service != "" && ref.Name != "":
		return m.resolveByName(ctx, principalID, ref.Service, ref.Name)
	case ref.Schema != "":
		return m.resolveBySchema(ctx, principalID, ref.Schema)
	default:
		return nil, ErrNoReference
	}
}

func (m *Manager) resolveByID(ctx context.Context, principalID, id string) (*Resolution, error) {
	t, err := m.store.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.VisibleTo(principalID) {
		return nil, store.ErrTemplateNotFound
	}
	return resolution(t), nil
}

func (m *Manager) resolveByTest(ctx context.Context, principalID, testID string) (*Resolution, error) {
	test, err := m.store.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	if !test.VisibleTo(principalID) {
		return nil, store.ErrTestNotFound
	}
	if test.TemplateSchema == "" {
		return nil, fmt.Errorf("test %s names no template schema: %w", testID, store.ErrTemplateNotFound)
	}
	return m.resolveBySchema(ctx, principalID, test.TemplateSchema)
}

func (m *Manager) resolveByName(ctx context.Context, principalID, service, name string) (*Resolution, error) {
	candidates, err := m.store.ListTemplatesByName(ctx, service, name, principalID)
	if err != nil {
		return nil, err
	}
	t := newest(candidates)
	if t == nil {
		return nil, store.ErrTemplateNotFound
	}
	return resolution(t), nil
}

// resolveBySchema prefers a registration whose location matches; a bare
// schema that exists but was never registered still resolves, with an empty
// service tag.
func (m *Manager) resolveBySchema(ctx context.Context, principalID, schema string) (*Resolution, error) {
	t, err := m.store.GetTemplateByLocation(ctx, schema, principalID)
	if err == nil {
		return resolution(t), nil
	}
	if !errors.Is(err, store.ErrTemplateNotFound) {
		return nil, err
	}

	exists, err := m.namespaces.Exists(ctx, schema)
	if err != nil {
		if errors.Is(err, namespace.ErrInvalidName) {
			return nil, store.ErrTemplateNotFound
		}
		return nil, err
	}
	if !exists {
		return nil, store.ErrTemplateNotFound
	}
	return &Resolution{Location: schema}, nil
}

func resolution(t *models.TemplateEnvironment) *Resolution {
	id := t.ID
	return &Resolution{
		Location:   t.Location,
		Service:    t.Service,
		TemplateID: &id,
		SeedOrder:  t.SeedOrder,
	}
}

// List returns the templates visible to the principal, one row per
// (service, name) with the newest version kept.
func (m *Manager) List(ctx context.Context, principalID string) ([]*models.TemplateEnvironment, error) {
	all, err := m.store.ListTemplates(ctx, principalID)
	if err != nil {
		return nil, err
	}
	return DedupeNewest(all), nil
}

// Register records a template for an already-seeded schema and applies
// REPLICA IDENTITY FULL so journal capture sees full before-images in every
// clone. Duplicate (service, name, version, owner) surfaces as
// store.ErrDuplicate.
func (m *Manager) Register(ctx context.Context, t *models.TemplateEnvironment) error {
	if t.Service == "" || t.Name == "" {
		return fmt.Errorf("template needs service and name")
	}
	if t.Version == "" {
		t.Version = "1"
	}
	if t.Visibility == "" {
		t.Visibility = models.VisibilityPublic
	}
	if t.Kind == "" {
		t.Kind = models.TemplateKindSchema
	}
	if t.Kind == models.TemplateKindSchema {
		if t.Location == "" {
			return fmt.Errorf("schema template needs a location")
		}
		exists, err := m.namespaces.Exists(ctx, t.Location)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("template schema %s: %w", t.Location, namespace.ErrNotFound)
		}
	}

	if err := m.store.CreateTemplate(ctx, t); err != nil {
		return err
	}

	if t.Kind == models.TemplateKindSchema {
		if err := m.namespaces.ReplicaIdentityFull(ctx, t.Location); err != nil {
			return fmt.Errorf("template %s registered but replica identity failed: %w", t.ID, err)
		}
	}
	m.logger.Info("Registered template %s/%s@%s -> %s", t.Service, t.Name, t.Version, t.Location)
	return nil
}

// Deregister removes a template registration. The underlying schema stays:
// environments cloned from it keep working, pool entries for it remain
// claimable, and a raw-schema reference still resolves.
func (m *Manager) Deregister(ctx context.Context, t *models.TemplateEnvironment) error {
	if err := m.store.DeleteTemplate(ctx, t.ID); err != nil {
		return err
	}
	m.logger.Info("Deregistered template %s/%s@%s (%s)", t.Service, t.Name, t.Version, t.Location)
	return nil
}

// newest picks the highest-versioned template, falling back to creation time
// when a version does not parse.
func newest(templates []*models.TemplateEnvironment) *models.TemplateEnvironment {
	var best *models.TemplateEnvironment
	for _, t := range templates {
		if best == nil || newer(t, best) {
			best = t
		}
	}
	return best
}

// newer reports whether a supersedes b.
func newer(a, b *models.TemplateEnvironment) bool {
	va, errA := goversion.NewVersion(a.Version)
	vb, errB := goversion.NewVersion(b.Version)
	if errA == nil && errB == nil {
		if va.Equal(vb) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return va.GreaterThan(vb)
	}
	// Parsable versions outrank unparsable ones.
	if errA == nil {
		return true
	}
	if errB == nil {
		return false
	}
	return a.CreatedAt.After(b.CreatedAt)
}

// DedupeNewest keeps the newest version per (service, name), sorted by
// service then name for stable listings.
func DedupeNewest(templates []*models.TemplateEnvironment) []*models.TemplateEnvironment {
	type key struct{ service, name string }
	best := make(map[key]*models.TemplateEnvironment)
	for _, t := range templates {
		k := key{t.Service, t.Name}
		if cur, ok := best[k]; !ok || newer(t, cur) {
			best[k] = t
		}
	}
	out := make([]*models.TemplateEnvironment, 0, len(best))
	for _, t := range best {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Service != out[j].Service {
			return out[i].Service < out[j].Service
		}
		return out[i].Name < out[j].Name
	})
	return out
}
