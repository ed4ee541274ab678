//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/portofcontext/vestige/internal/api/handlers"
	"github.com/portofcontext/vestige/internal/apiserver"
	"github.com/portofcontext/vestige/internal/auth"
)

// startAPI serves the full stack over an httptest server, wired the way the
// server command wires it, with dev-mode key validation.
func startAPI(t *testing.T, h *TestHarness, rt *Runtime) *httptest.Server {
	return startAPIAs(t, h, rt, auth.DevValidator{})
}

func startAPIAs(t *testing.T, h *TestHarness, rt *Runtime, validator auth.Validator) *httptest.Server {
	srv := apiserver.New(apiserver.Options{
		Platform:  handlers.NewPlatform(rt.Environments, rt.Runs, "http://localhost:8080"),
		Catalog:   handlers.NewCatalog(h.Templates, h.Store, h.Compiler),
		Facade:    handlers.NewFacade(h.Store, h.Namespaces),
		Validator: validator,
		Readiness: apiserver.NewReadiness(h.Store, nil),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

// keyPrincipalValidator turns the presented API key into the principal id,
// letting one test act as several callers.
type keyPrincipalValidator struct{}

func (keyPrincipalValidator) Validate(ctx context.Context, apiKey, action string) (*auth.Principal, error) {
	return &auth.Principal{ID: apiKey}, nil
}

// callJSON sends a JSON request under the given API key and decodes the
// response into out when non-nil.
func callJSON(t *testing.T, ts *httptest.Server, method, path, apiKey string, body, out interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", apiKey)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

// postJSON posts under the fixed dev key.
func postJSON(t *testing.T, ts *httptest.Server, path string, body, out interface{}) *http.Response {
	t.Helper()
	return callJSON(t, ts, http.MethodPost, path, "dev-key", body, out)
}
