package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portofcontext/vestige/internal/auth"
)

func authedRequest(t *testing.T, method, target, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	principal := &auth.Principal{ID: "user-1"}
	return req.WithContext(auth.WithPrincipal(req.Context(), principal))
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) (code, message string) {
	t.Helper()
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body.Error, body.Message
}

func TestHandlersRejectAnonymousRequests(t *testing.T) {
	platform := NewPlatform(nil, nil, "http://localhost:8080")

	req := httptest.NewRequest(http.MethodPost, "/startRun", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	platform.StartRun(rr, req)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
	code, _ := decodeError(t, rr)
	assert.Equal(t, "unauthorized", code)
}

func TestPlatformValidation(t *testing.T) {
	platform := NewPlatform(nil, nil, "http://localhost:8080")

	tests := []struct {
		name    string
		handler http.HandlerFunc
		target  string
		body    string
	}{
		{
			name:    "startRun without envId",
			handler: platform.StartRun,
			target:  "/startRun",
			body:    `{"testId":"t-1"}`,
		},
		{
			name:    "endRun without runId",
			handler: platform.EndRun,
			target:  "/endRun",
			body:    `{}`,
		},
		{
			name:    "evaluateRun without runId",
			handler: platform.EvaluateRun,
			target:  "/evaluateRun",
			body:    `{}`,
		},
		{
			name:    "diffRun without runId or envId",
			handler: platform.DiffRun,
			target:  "/diffRun",
			body:    `{}`,
		},
		{
			name:    "deleteEnv without environmentId",
			handler: platform.DeleteEnv,
			target:  "/deleteEnv",
			body:    `{}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			tt.handler(rr, authedRequest(t, http.MethodPost, tt.target, tt.body))

			require.Equal(t, http.StatusBadRequest, rr.Code)
			code, _ := decodeError(t, rr)
			assert.Equal(t, "invalid_input", code)
		})
	}
}

func TestMalformedBodyRejected(t *testing.T) {
	platform := NewPlatform(nil, nil, "http://localhost:8080")

	rr := httptest.NewRecorder()
	platform.StartRun(rr, authedRequest(t, http.MethodPost, "/startRun", `{"envId": not-json`))

	require.Equal(t, http.StatusBadRequest, rr.Code)
	code, message := decodeError(t, rr)
	assert.Equal(t, "invalid_input", code)
	assert.Contains(t, message, "malformed request body")
}

func TestHealthEndpoint(t *testing.T) {
	platform := NewPlatform(nil, nil, "http://localhost:8080")

	rr := httptest.NewRecorder()
	platform.Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rr.Body.String())
}

func TestDSLSchemaServesEmbeddedDocument(t *testing.T) {
	platform := NewPlatform(nil, nil, "http://localhost:8080")

	rr := httptest.NewRecorder()
	platform.DSLSchema(rr, httptest.NewRequest(http.MethodGet, "/dslSchema", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/schema+json", rr.Header().Get("Content-Type"))
	assert.True(t, json.Valid(rr.Body.Bytes()))
}

func TestCatalogValidation(t *testing.T) {
	catalog := NewCatalog(nil, nil, nil)

	tests := []struct {
		name    string
		handler http.HandlerFunc
		target  string
		body    string
	}{
		{
			name:    "registerTemplate without schema",
			handler: catalog.RegisterTemplate,
			target:  "/templates",
			body:    `{"service":"crm","name":"base"}`,
		},
		{
			name:    "createTest without prompt",
			handler: catalog.CreateTest,
			target:  "/tests",
			body:    `{"name":"t","templateSchema":"crm_base"}`,
		},
		{
			name:    "updateTest without templateSchema",
			handler: catalog.UpdateTest,
			target:  "/tests/t-1",
			body:    `{"name":"t","prompt":"do the thing"}`,
		},
		{
			name:    "createTest with unknown type",
			handler: catalog.CreateTest,
			target:  "/tests",
			body:    `{"name":"t","prompt":"p","templateSchema":"crm_base","type":"vibeEval"}`,
		},
		{
			name:    "createSuite without name",
			handler: catalog.CreateSuite,
			target:  "/testSuites",
			body:    `{"description":"d"}`,
		},
		{
			name:    "addSuiteTest without testId",
			handler: catalog.AddSuiteTest,
			target:  "/testSuites/s-1/tests",
			body:    `{"position":0}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			tt.handler(rr, authedRequest(t, http.MethodPost, tt.target, tt.body))

			require.Equal(t, http.StatusBadRequest, rr.Code)
			code, _ := decodeError(t, rr)
			assert.Equal(t, "invalid_input", code)
		})
	}
}

func TestFacadeUnknownServiceIs404(t *testing.T) {
	// No facades registered, so every service segment is unknown. The
	// registry check runs before any metadata lookup.
	facade := NewFacade(nil, nil)

	rr := httptest.NewRecorder()
	facade.Serve(rr, authedRequest(t, http.MethodGet, "/env-1/services/crm/contacts", ""))

	require.Equal(t, http.StatusNotFound, rr.Code)
	code, message := decodeError(t, rr)
	assert.Equal(t, "not_found", code)
	assert.Contains(t, message, "unknown service")
}

func TestOwnedBy(t *testing.T) {
	owner := "user-1"
	assert.True(t, ownedBy(&owner, "user-1"))
	assert.False(t, ownedBy(&owner, "user-2"))
	assert.False(t, ownedBy(nil, "user-1"))
}
