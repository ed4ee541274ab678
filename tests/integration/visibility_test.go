//go:build integration

package integration

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portofcontext/vestige/internal/models"
	"github.com/portofcontext/vestige/internal/store"
	"github.com/portofcontext/vestige/internal/template"
)

func TestPrivateTemplateInvisibleToOthers(t *testing.T) {
	h, err := NewTestHarness(t)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = h.SeedBoxTemplate(ctx)
	require.NoError(t, err)

	ownerID := "principal-a"
	private := &models.TemplateEnvironment{
		Service:    "box",
		Name:       "staging",
		Visibility: models.VisibilityPrivate,
		OwnerID:    &ownerID,
		Location:   "box_default",
	}
	require.NoError(t, h.Templates.Register(ctx, private))

	// The owner lists both registrations.
	mine, err := h.Templates.List(ctx, "principal-a")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	// Another principal sees only the public one.
	theirs, err := h.Templates.List(ctx, "principal-b")
	require.NoError(t, err)
	require.Len(t, theirs, 1)
	assert.Equal(t, "default", theirs[0].Name)

	// Referencing the private template by id answers not-found, never a
	// permission hint.
	_, err = h.Templates.Resolve(ctx, "principal-b", template.Reference{TemplateID: private.ID})
	assert.ErrorIs(t, err, store.ErrTemplateNotFound)

	_, err = h.Templates.Resolve(ctx, "principal-a", template.Reference{TemplateID: private.ID})
	assert.NoError(t, err)
}

func TestTemplateVisibilityOverHTTP(t *testing.T) {
	h, err := NewTestHarness(t)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = h.SeedBoxTemplate(ctx)
	require.NoError(t, err)

	rt := h.SnapshotRuntime()
	ts := startAPIAs(t, h, rt, keyPrincipalValidator{})

	var registered struct {
		ID         string `json:"id"`
		Visibility string `json:"visibility"`
	}
	resp := callJSON(t, ts, http.MethodPost, "/api/platform/templates", "principal-a",
		map[string]interface{}{
			"service":    "box",
			"name":       "staging",
			"schema":     "box_default",
			"visibility": "private",
		}, &registered)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, registered.ID)
	assert.Equal(t, "private", registered.Visibility)

	var listed []struct {
		Name string `json:"name"`
	}
	resp = callJSON(t, ts, http.MethodGet, "/api/platform/templates", "principal-b", nil, &listed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, listed, 1)
	assert.Equal(t, "default", listed[0].Name)

	// Provisioning from the private template as another principal fails as
	// not-found.
	resp = callJSON(t, ts, http.MethodPost, "/api/platform/initEnv", "principal-b",
		map[string]interface{}{"templateId": registered.ID}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// The owner provisions from it fine.
	var env struct {
		EnvironmentID string `json:"environmentId"`
	}
	resp = callJSON(t, ts, http.MethodPost, "/api/platform/initEnv", "principal-a",
		map[string]interface{}{"templateId": registered.ID}, &env)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, env.EnvironmentID)
}

func TestEnvironmentsArePrivateToCreator(t *testing.T) {
	h, err := NewTestHarness(t)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = h.SeedTrackerTemplate(ctx)
	require.NoError(t, err)

	rt := h.SnapshotRuntime()
	ts := startAPIAs(t, h, rt, keyPrincipalValidator{})

	var env struct {
		EnvironmentID string `json:"environmentId"`
	}
	resp := callJSON(t, ts, http.MethodPost, "/api/platform/initEnv", "principal-a",
		map[string]interface{}{"templateSchema": "tracker_default"}, &env)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Another principal can neither run against nor delete the environment.
	resp = callJSON(t, ts, http.MethodPost, "/api/platform/startRun", "principal-b",
		map[string]interface{}{"envId": env.EnvironmentID}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = callJSON(t, ts, http.MethodPost, "/api/platform/deleteEnv", "principal-b",
		map[string]interface{}{"environmentId": env.EnvironmentID}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
