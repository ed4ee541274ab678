// Package handlers implements the HTTP handlers of the harness control
// plane: the platform run/environment operations, the test catalog, and the
// per-environment service facade mount.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/portofcontext/vestige/internal/api/errors"
	"github.com/portofcontext/vestige/internal/api/response"
	"github.com/portofcontext/vestige/internal/auth"
	"github.com/portofcontext/vestige/internal/dsl"
	"github.com/portofcontext/vestige/internal/environment"
	"github.com/portofcontext/vestige/internal/logging"
	"github.com/portofcontext/vestige/internal/models"
	"github.com/portofcontext/vestige/internal/run"
	"github.com/portofcontext/vestige/internal/template"
)

// Platform serves the run and environment lifecycle operations.
type Platform struct {
	environments *environment.Manager
	runs         *run.Orchestrator
	baseURL      string
	logger       *logging.Logger
}

func NewPlatform(environments *environment.Manager, runs *run.Orchestrator, baseURL string) *Platform {
	return &Platform{
		environments: environments,
		runs:         runs,
		baseURL:      baseURL,
		logger:       logging.GetLogger("api"),
	}
}

// Register mounts the authenticated platform operations. Health and
// DSLSchema carry no caller data and are mounted outside the auth
// middleware by the server.
func (h *Platform) Register(r chi.Router) {
	r.Post("/initEnv", h.InitEnv)
	r.Post("/startRun", h.StartRun)
	r.Post("/endRun", h.EndRun)
	r.Post("/evaluateRun", h.EvaluateRun)
	r.Post("/diffRun", h.DiffRun)
	r.Post("/deleteEnv", h.DeleteEnv)
}

type initEnvRequest struct {
	TemplateID        string `json:"templateId,omitempty"`
	TemplateService   string `json:"templateService,omitempty"`
	TemplateName      string `json:"templateName,omitempty"`
	TemplateSchema    string `json:"templateSchema,omitempty"`
	TestID            string `json:"testId,omitempty"`
	TTLSeconds        int    `json:"ttlSeconds,omitempty"`
	Permanent         bool   `json:"permanent,omitempty"`
	ImpersonateUserID string `json:"impersonateUserId,omitempty"`
	ImpersonateEmail  string `json:"impersonateEmail,omitempty"`
}

type initEnvResponse struct {
	EnvironmentID  string     `json:"environmentId"`
	TemplateSchema string     `json:"templateSchema"`
	SchemaName     string     `json:"schemaName"`
	Service        string     `json:"service"`
	EnvironmentURL string     `json:"environmentUrl"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
}

func (h *Platform) InitEnv(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req initEnvRequest
	if !decodeBody(w, r, &req) {
		return
	}

	env, err := h.environments.InitEnv(r.Context(), principal.ID, environment.InitOptions{
		Ref: template.Reference{
			TemplateID: req.TemplateID,
			TestID:     req.TestID,
			Service:    req.TemplateService,
			Name:       req.TemplateName,
			Schema:     req.TemplateSchema,
		},
		TTLSeconds:        req.TTLSeconds,
		Permanent:         req.Permanent,
		ImpersonateUserID: req.ImpersonateUserID,
		ImpersonateEmail:  req.ImpersonateEmail,
	})
	if err != nil {
		h.fail(w, "initEnv", err)
		return
	}

	_ = response.WriteCreated(w, initEnvResponse{
		EnvironmentID:  env.ID,
		TemplateSchema: env.TemplateSchema,
		SchemaName:     env.SchemaName,
		Service:        env.Service,
		EnvironmentURL: fmt.Sprintf("%s/api/env/%s", h.baseURL, env.ID),
		ExpiresAt:      env.ExpiresAt,
	})
}

type startRunRequest struct {
	EnvID       string `json:"envId"`
	TestID      string `json:"testId,omitempty"`
	TestSuiteID string `json:"testSuiteId,omitempty"`
}

type startRunResponse struct {
	RunID          string           `json:"runId"`
	Status         models.RunStatus `json:"status"`
	BeforeSnapshot string           `json:"beforeSnapshot,omitempty"`
}

func (h *Platform) StartRun(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req startRunRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.EnvID == "" {
		response.WriteAPIError(w, apierrors.Invalid("envId is required"))
		return
	}

	result, err := h.runs.StartRun(r.Context(), principal.ID, req.EnvID,
		optional(req.TestID), optional(req.TestSuiteID))
	if err != nil {
		h.fail(w, "startRun", err)
		return
	}

	_ = response.WriteSuccess(w, startRunResponse{
		RunID:          result.RunID,
		Status:         result.Status,
		BeforeSnapshot: result.BeforeSnapshot,
	})
}

type endRunRequest struct {
	RunID          string          `json:"runId"`
	ExpectedOutput json.RawMessage `json:"expectedOutput,omitempty"`
}

type runOutcomeResponse struct {
	RunID    string            `json:"runId"`
	Status   models.RunStatus  `json:"status"`
	Passed   bool              `json:"passed"`
	Score    dsl.Score         `json:"score"`
	Failures []string          `json:"failures"`
	Diff     *models.ChangeSet `json:"diff,omitempty"`
}

func outcome(result *run.EndResult, includeDiff bool) runOutcomeResponse {
	out := runOutcomeResponse{
		RunID:    result.RunID,
		Status:   result.Status,
		Passed:   result.Result.Passed,
		Score:    result.Result.Score,
		Failures: result.Result.Failures,
	}
	if includeDiff {
		out.Diff = result.Diff
	}
	return out
}

func (h *Platform) EndRun(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req endRunRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RunID == "" {
		response.WriteAPIError(w, apierrors.Invalid("runId is required"))
		return
	}

	result, err := h.runs.EndRun(r.Context(), principal.ID, req.RunID, req.ExpectedOutput)
	if err != nil {
		h.fail(w, "endRun", err)
		return
	}
	_ = response.WriteSuccess(w, outcome(result, false))
}

func (h *Platform) EvaluateRun(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req endRunRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RunID == "" {
		response.WriteAPIError(w, apierrors.Invalid("runId is required"))
		return
	}

	result, err := h.runs.EvaluateRun(r.Context(), principal.ID, req.RunID, req.ExpectedOutput)
	if err != nil {
		h.fail(w, "evaluateRun", err)
		return
	}
	_ = response.WriteSuccess(w, outcome(result, true))
}

type diffRunRequest struct {
	RunID        string `json:"runId,omitempty"`
	EnvID        string `json:"envId,omitempty"`
	BeforeSuffix string `json:"beforeSuffix,omitempty"`
}

type diffRunResponse struct {
	BeforeSnapshot string            `json:"beforeSnapshot,omitempty"`
	AfterSnapshot  string            `json:"afterSnapshot,omitempty"`
	Diff           *models.ChangeSet `json:"diff"`
}

func (h *Platform) DiffRun(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req diffRunRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RunID == "" && req.EnvID == "" {
		response.WriteAPIError(w, apierrors.Invalid("runId or envId is required"))
		return
	}

	result, err := h.runs.DiffRun(r.Context(), principal.ID, req.RunID, req.EnvID, req.BeforeSuffix)
	if err != nil {
		h.fail(w, "diffRun", err)
		return
	}

	_ = response.WriteSuccess(w, diffRunResponse{
		BeforeSnapshot: result.BeforeSnapshot,
		AfterSnapshot:  result.AfterSnapshot,
		Diff:           result.Diff,
	})
}

type deleteEnvRequest struct {
	EnvironmentID string `json:"environmentId"`
}

type deleteEnvResponse struct {
	EnvironmentID string                   `json:"environmentId"`
	Status        models.EnvironmentStatus `json:"status"`
}

func (h *Platform) DeleteEnv(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req deleteEnvRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.EnvironmentID == "" {
		response.WriteAPIError(w, apierrors.Invalid("environmentId is required"))
		return
	}

	env, err := h.environments.DeleteEnv(r.Context(), principal.ID, req.EnvironmentID)
	if err != nil {
		h.fail(w, "deleteEnv", err)
		return
	}
	_ = response.WriteSuccess(w, deleteEnvResponse{EnvironmentID: env.ID, Status: env.Status})
}

// DSLSchema serves the published JSON Schema of the assertion DSL.
func (h *Platform) DSLSchema(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/schema+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(dsl.SchemaJSON())
}

func (h *Platform) Health(w http.ResponseWriter, r *http.Request) {
	_ = response.WriteSuccess(w, map[string]interface{}{"status": "healthy"})
}

func (h *Platform) fail(w http.ResponseWriter, op string, err error) {
	writeFailure(w, h.logger, op, err)
}

// requirePrincipal pulls the authenticated principal off the request, or
// answers 401.
func requirePrincipal(w http.ResponseWriter, r *http.Request) (*auth.Principal, bool) {
	principal := auth.FromContext(r.Context())
	if principal == nil {
		response.WriteAPIError(w, apierrors.Unauthorized("authentication required"))
		return nil, false
	}
	return principal, true
}

// decodeBody parses the JSON request body, answering 400 on malformed input.
func decodeBody(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		response.WriteAPIError(w, apierrors.Invalid(fmt.Sprintf("malformed request body: %v", err)))
		return false
	}
	return true
}

// writeFailure classifies an error, logs internals, and writes the response.
func writeFailure(w http.ResponseWriter, logger *logging.Logger, op string, err error) {
	apiErr := apierrors.FromError(err)
	if apiErr.Kind == apierrors.KindInternal {
		logger.Error("%s failed: %v", op, err)
	} else {
		logger.Debug("%s rejected: %v", op, err)
	}
	response.WriteAPIError(w, apiErr)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
