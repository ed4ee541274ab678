//go:build integration

package integration

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateDeregistrationOverHTTP(t *testing.T) {
	h, err := NewTestHarness(t)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = h.SeedBoxTemplate(ctx)
	require.NoError(t, err)

	rt := h.SnapshotRuntime()
	ts := startAPIAs(t, h, rt, keyPrincipalValidator{})

	var registered struct {
		ID string `json:"id"`
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

	// To anyone else the private registration reads as absent, so a foreign
	// delete is a 404, never a permission hint.
	resp = callJSON(t, ts, http.MethodDelete, "/api/platform/templates/"+registered.ID, "principal-b", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = callJSON(t, ts, http.MethodDelete, "/api/platform/templates/"+registered.ID, "principal-a", nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = callJSON(t, ts, http.MethodDelete, "/api/platform/templates/"+registered.ID, "principal-a", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Deregistration removes only the catalog row. The schema survives and a
	// raw-schema reference still provisions from it.
	var env struct {
		EnvironmentID string `json:"environmentId"`
	}
	resp = callJSON(t, ts, http.MethodPost, "/api/platform/initEnv", "principal-a",
		map[string]interface{}{"templateSchema": "box_default"}, &env)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, env.EnvironmentID)
}

func TestSeededFixturesStayImmutable(t *testing.T) {
	h, err := NewTestHarness(t)
	require.NoError(t, err)
	ctx := context.Background()

	// SeedBoxTemplate registers a public, ownerless template, the shape the
	// seed command produces.
	seeded, err := h.SeedBoxTemplate(ctx)
	require.NoError(t, err)

	rt := h.SnapshotRuntime()
	ts := startAPIAs(t, h, rt, keyPrincipalValidator{})

	resp := callJSON(t, ts, http.MethodDelete, "/api/platform/templates/"+seeded.ID, "principal-a", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTestUpdateReplacesDefinition(t *testing.T) {
	h, err := NewTestHarness(t)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = h.SeedBoxTemplate(ctx)
	require.NoError(t, err)

	rt := h.SnapshotRuntime()
	ts := startAPIAs(t, h, rt, keyPrincipalValidator{})

	var created struct {
		ID     string `json:"id"`
		Prompt string `json:"prompt"`
	}
	resp := callJSON(t, ts, http.MethodPost, "/api/platform/tests", "principal-a",
		map[string]interface{}{
			"name":           "create-folder",
			"prompt":         "Create a folder named Archive",
			"templateSchema": "box_default",
		}, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, created.ID)

	// Tests default private; another principal cannot see it, let alone
	// replace it.
	resp = callJSON(t, ts, http.MethodPut, "/api/platform/tests/"+created.ID, "principal-b",
		map[string]interface{}{
			"name":           "create-folder",
			"prompt":         "hijacked",
			"templateSchema": "box_default",
		}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var updated struct {
		ID             string                 `json:"id"`
		Prompt         string                 `json:"prompt"`
		ExpectedOutput map[string]interface{} `json:"expectedOutput"`
	}
	resp = callJSON(t, ts, http.MethodPut, "/api/platform/tests/"+created.ID, "principal-a",
		map[string]interface{}{
			"name":           "create-folder",
			"prompt":         "Create a folder named Archive under Quarterly Reports",
			"templateSchema": "box_default",
			"expectedOutput": map[string]interface{}{
				"assertions": []interface{}{
					map[string]interface{}{
						"diff_type":      "added",
						"entity":         "box_folders",
						"expected_count": 1,
					},
				},
			},
		}, &updated)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, "Create a folder named Archive under Quarterly Reports", updated.Prompt)
	assert.NotEmpty(t, updated.ExpectedOutput)

	// A broken assertion spec is rejected before anything is written.
	resp = callJSON(t, ts, http.MethodPut, "/api/platform/tests/"+created.ID, "principal-a",
		map[string]interface{}{
			"name":           "create-folder",
			"prompt":         "should not stick",
			"templateSchema": "box_default",
			"expectedOutput": map[string]interface{}{
				"assertions": []interface{}{
					map[string]interface{}{"diff_type": "exploded", "entity": "box_folders"},
				},
			},
		}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var fetched struct {
		Prompt string `json:"prompt"`
	}
	resp = callJSON(t, ts, http.MethodGet, "/api/platform/tests/"+created.ID, "principal-a", nil, &fetched)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Create a folder named Archive under Quarterly Reports", fetched.Prompt)
}
