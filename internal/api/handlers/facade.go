package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/portofcontext/vestige/internal/api/errors"
	"github.com/portofcontext/vestige/internal/logging"
	"github.com/portofcontext/vestige/internal/models"
	"github.com/portofcontext/vestige/internal/namespace"
	"github.com/portofcontext/vestige/internal/run"
	"github.com/portofcontext/vestige/internal/store"
)

// ServiceFacade emulates one service's API on top of a runtime environment.
// Handle receives a session already pinned to the environment's namespace;
// implementations must not keep it past the request.
type ServiceFacade interface {
	// Service is the path segment the facade answers under, e.g. "crm".
	Service() string
	Handle(w http.ResponseWriter, r *http.Request, env *models.RuntimeEnvironment, session *namespace.Session)
}

// Facade mounts registered service facades under
// /{envID}/services/{service}. It resolves the environment from the metadata
// row (never from the schema name on the wire), binds a namespace session,
// and bumps last_used_at so active environments do not idle out.
type Facade struct {
	store      *store.Store
	namespaces *namespace.Handler
	services   map[string]ServiceFacade
	logger     *logging.Logger
}

func NewFacade(st *store.Store, ns *namespace.Handler, facades ...ServiceFacade) *Facade {
	services := make(map[string]ServiceFacade, len(facades))
	for _, f := range facades {
		services[f.Service()] = f
	}
	return &Facade{
		store:      st,
		namespaces: ns,
		services:   services,
		logger:     logging.GetLogger("api"),
	}
}

// Register mounts the facade routes.
func (h *Facade) Register(r chi.Router) {
	r.HandleFunc("/{envID}/services/{service}", h.Serve)
	r.HandleFunc("/{envID}/services/{service}/*", h.Serve)
}

func (h *Facade) Serve(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	service := chi.URLParam(r, "service")
	facade, found := h.services[service]
	if !found {
		h.fail(w, "facade", apierrors.NotFound(fmt.Sprintf("unknown service %q", service)))
		return
	}

	env, err := h.store.GetEnvironment(ctx, chi.URLParam(r, "envID"))
	if err != nil {
		h.fail(w, "facade", err)
		return
	}
	if env.CreatedBy != principal.ID {
		h.fail(w, "facade", fmt.Errorf("environment %s: %w", env.ID, store.ErrEnvironmentNotFound))
		return
	}
	if env.Status != models.EnvironmentReady || env.Expired(time.Now().UTC()) {
		h.fail(w, "facade", fmt.Errorf("environment %s: %w: status %s", env.ID, run.ErrEnvironmentNotReady, env.Status))
		return
	}

	session, err := h.namespaces.SessionFor(ctx, env.SchemaName)
	if err != nil {
		h.fail(w, "facade", err)
		return
	}
	defer session.Release(ctx)

	facade.Handle(w, r, env, session)

	if err := h.store.TouchEnvironment(ctx, env.ID); err != nil {
		h.logger.Warn("Failed to touch environment %s: %v", env.ID, err)
	}
}

func (h *Facade) fail(w http.ResponseWriter, op string, err error) {
	writeFailure(w, h.logger, op, err)
}

// FacadePath returns the request path below the facade mount, starting with
// a slash. Facade implementations route on it.
func FacadePath(r *http.Request) string {
	return "/" + chi.URLParam(r, "*")
}
