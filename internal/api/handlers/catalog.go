package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/portofcontext/vestige/internal/api/errors"
	"github.com/portofcontext/vestige/internal/api/response"
	"github.com/portofcontext/vestige/internal/dsl"
	"github.com/portofcontext/vestige/internal/logging"
	"github.com/portofcontext/vestige/internal/models"
	"github.com/portofcontext/vestige/internal/store"
	"github.com/portofcontext/vestige/internal/template"
)

// Catalog serves the template, test, and suite registry plus run lookups.
// Reads are visibility-filtered; mutations require ownership, so public
// fixtures seeded without an owner stay immutable through the API.
type Catalog struct {
	templates *template.Manager
	store     *store.Store
	compiler  *dsl.Compiler
	logger    *logging.Logger
}

func NewCatalog(templates *template.Manager, st *store.Store, compiler *dsl.Compiler) *Catalog {
	return &Catalog{
		templates: templates,
		store:     st,
		compiler:  compiler,
		logger:    logging.GetLogger("api"),
	}
}

// Register mounts the catalog operations.
func (h *Catalog) Register(r chi.Router) {
	r.Get("/templates", h.ListTemplates)
	r.Post("/templates", h.RegisterTemplate)
	r.Delete("/templates/{templateID}", h.DeleteTemplate)

	r.Get("/tests", h.ListTests)
	r.Post("/tests", h.CreateTest)
	r.Get("/tests/{testID}", h.GetTest)
	r.Put("/tests/{testID}", h.UpdateTest)
	r.Delete("/tests/{testID}", h.DeleteTest)

	r.Get("/testSuites", h.ListSuites)
	r.Post("/testSuites", h.CreateSuite)
	r.Get("/testSuites/{suiteID}", h.GetSuite)
	r.Delete("/testSuites/{suiteID}", h.DeleteSuite)
	r.Post("/testSuites/{suiteID}/tests", h.AddSuiteTest)
	r.Delete("/testSuites/{suiteID}/tests/{testID}", h.RemoveSuiteTest)

	r.Get("/testRuns/{runID}", h.GetRun)
}

func (h *Catalog) ListTemplates(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	templates, err := h.templates.List(r.Context(), principal.ID)
	if err != nil {
		h.fail(w, "listTemplates", err)
		return
	}
	if templates == nil {
		templates = []*models.TemplateEnvironment{}
	}
	response.WriteSuccess(w, templates)
}

type registerTemplateRequest struct {
	Service    string   `json:"service"`
	Name       string   `json:"name"`
	Version    string   `json:"version,omitempty"`
	Schema     string   `json:"schema"`
	Visibility string   `json:"visibility,omitempty"`
	SeedOrder  []string `json:"seedOrder,omitempty"`
}

func (h *Catalog) RegisterTemplate(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req registerTemplateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Service == "" || req.Name == "" || req.Schema == "" {
		response.WriteAPIError(w, apierrors.Invalid("service, name and schema are required"))
		return
	}

	tmpl := &models.TemplateEnvironment{
		Service:    req.Service,
		Name:       req.Name,
		Version:    req.Version,
		Visibility: models.Visibility(req.Visibility),
		Kind:       models.TemplateKindSchema,
		Location:   req.Schema,
		SeedOrder:  req.SeedOrder,
	}
	if tmpl.Visibility == models.VisibilityPrivate {
		tmpl.OwnerID = &principal.ID
	}
	if err := h.templates.Register(r.Context(), tmpl); err != nil {
		h.fail(w, "registerTemplate", err)
		return
	}
	response.WriteCreated(w, tmpl)
}

// DeleteTemplate drops a registration from the catalog. The schema it points
// at is not touched.
func (h *Catalog) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	tmpl, err := h.store.GetTemplate(r.Context(), chi.URLParam(r, "templateID"))
	if err != nil {
		h.fail(w, "deleteTemplate", err)
		return
	}
	if !tmpl.VisibleTo(principal.ID) {
		h.fail(w, "deleteTemplate", store.ErrTemplateNotFound)
		return
	}
	if !ownedBy(tmpl.OwnerID, principal.ID) {
		response.WriteAPIError(w, apierrors.Unauthorized("not the owner of this template"))
		return
	}
	if err := h.templates.Deregister(r.Context(), tmpl); err != nil {
		h.fail(w, "deleteTemplate", err)
		return
	}
	response.WriteNoContent(w)
}

type createTestRequest struct {
	Name            string          `json:"name"`
	Prompt          string          `json:"prompt"`
	Type            string          `json:"type,omitempty"`
	ExpectedOutput  json.RawMessage `json:"expectedOutput,omitempty"`
	TemplateSchema  string          `json:"templateSchema"`
	ImpersonateUser string          `json:"impersonateUser,omitempty"`
	Visibility      string          `json:"visibility,omitempty"`
}

func (h *Catalog) CreateTest(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req createTestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" || req.Prompt == "" || req.TemplateSchema == "" {
		response.WriteAPIError(w, apierrors.Invalid("name, prompt and templateSchema are required"))
		return
	}
	// Reject broken assertion specs at registration time, not at endRun.
	if len(req.ExpectedOutput) > 0 {
		if _, err := h.compiler.Compile(req.ExpectedOutput); err != nil {
			h.fail(w, "createTest", err)
			return
		}
	}

	test := &models.Test{
		Name:            req.Name,
		Prompt:          req.Prompt,
		Type:            models.TestType(req.Type),
		ExpectedOutput:  req.ExpectedOutput,
		TemplateSchema:  req.TemplateSchema,
		ImpersonateUser: optional(req.ImpersonateUser),
		Visibility:      models.Visibility(req.Visibility),
		OwnerID:         &principal.ID,
	}
	if test.Type == "" {
		test.Type = models.TestTypeAction
	}
	if !test.Type.Valid() {
		response.WriteAPIError(w, apierrors.Invalid(fmt.Sprintf("unknown test type %q", test.Type)))
		return
	}
	if test.Visibility == "" {
		test.Visibility = models.VisibilityPrivate
	}
	if err := h.store.CreateTest(r.Context(), test); err != nil {
		h.fail(w, "createTest", err)
		return
	}
	response.WriteCreated(w, test)
}

func (h *Catalog) ListTests(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	tests, err := h.store.ListTests(r.Context(), principal.ID)
	if err != nil {
		h.fail(w, "listTests", err)
		return
	}
	if tests == nil {
		tests = []*models.Test{}
	}
	response.WriteSuccess(w, tests)
}

func (h *Catalog) GetTest(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	test, err := h.visibleTest(r, principal.ID)
	if err != nil {
		h.fail(w, "getTest", err)
		return
	}
	response.WriteSuccess(w, test)
}

// UpdateTest replaces a test's definition. Omitted optional fields take the
// same defaults as creation.
func (h *Catalog) UpdateTest(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req createTestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" || req.Prompt == "" || req.TemplateSchema == "" {
		response.WriteAPIError(w, apierrors.Invalid("name, prompt and templateSchema are required"))
		return
	}
	if len(req.ExpectedOutput) > 0 {
		if _, err := h.compiler.Compile(req.ExpectedOutput); err != nil {
			h.fail(w, "updateTest", err)
			return
		}
	}

	test, err := h.visibleTest(r, principal.ID)
	if err != nil {
		h.fail(w, "updateTest", err)
		return
	}
	if !ownedBy(test.OwnerID, principal.ID) {
		response.WriteAPIError(w, apierrors.Unauthorized("not the owner of this test"))
		return
	}

	test.Name = req.Name
	test.Prompt = req.Prompt
	test.Type = models.TestType(req.Type)
	test.ExpectedOutput = req.ExpectedOutput
	test.TemplateSchema = req.TemplateSchema
	test.ImpersonateUser = optional(req.ImpersonateUser)
	test.Visibility = models.Visibility(req.Visibility)
	if test.Type == "" {
		test.Type = models.TestTypeAction
	}
	if !test.Type.Valid() {
		response.WriteAPIError(w, apierrors.Invalid(fmt.Sprintf("unknown test type %q", test.Type)))
		return
	}
	if test.Visibility == "" {
		test.Visibility = models.VisibilityPrivate
	}
	if err := h.store.UpdateTest(r.Context(), test); err != nil {
		h.fail(w, "updateTest", err)
		return
	}
	response.WriteSuccess(w, test)
}

func (h *Catalog) DeleteTest(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	test, err := h.visibleTest(r, principal.ID)
	if err != nil {
		h.fail(w, "deleteTest", err)
		return
	}
	if !ownedBy(test.OwnerID, principal.ID) {
		response.WriteAPIError(w, apierrors.Unauthorized("not the owner of this test"))
		return
	}
	if err := h.store.DeleteTest(r.Context(), test.ID); err != nil {
		h.fail(w, "deleteTest", err)
		return
	}
	response.WriteNoContent(w)
}

// visibleTest loads the test from the route and applies the visibility rule:
// a private test of another principal reads as absent.
func (h *Catalog) visibleTest(r *http.Request, principalID string) (*models.Test, error) {
	test, err := h.store.GetTest(r.Context(), chi.URLParam(r, "testID"))
	if err != nil {
		return nil, err
	}
	if !test.VisibleTo(principalID) {
		return nil, store.ErrTestNotFound
	}
	return test, nil
}

type createSuiteRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Visibility  string `json:"visibility,omitempty"`
}

func (h *Catalog) CreateSuite(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req createSuiteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		response.WriteAPIError(w, apierrors.Invalid("name is required"))
		return
	}

	suite := &models.TestSuite{
		Name:        req.Name,
		Description: req.Description,
		Visibility:  models.Visibility(req.Visibility),
		OwnerID:     &principal.ID,
	}
	if suite.Visibility == "" {
		suite.Visibility = models.VisibilityPrivate
	}
	if err := h.store.CreateSuite(r.Context(), suite); err != nil {
		h.fail(w, "createSuite", err)
		return
	}
	response.WriteCreated(w, suite)
}

func (h *Catalog) ListSuites(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	suites, err := h.store.ListSuites(r.Context(), principal.ID)
	if err != nil {
		h.fail(w, "listSuites", err)
		return
	}
	if suites == nil {
		suites = []*models.TestSuite{}
	}
	response.WriteSuccess(w, suites)
}

type suiteDetailResponse struct {
	*models.TestSuite
	Tests []*models.Test `json:"tests"`
}

func (h *Catalog) GetSuite(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	suite, err := h.visibleSuite(r, principal.ID)
	if err != nil {
		h.fail(w, "getSuite", err)
		return
	}
	tests, err := h.store.ListSuiteTests(r.Context(), suite.ID)
	if err != nil {
		h.fail(w, "getSuite", err)
		return
	}
	if tests == nil {
		tests = []*models.Test{}
	}
	response.WriteSuccess(w, suiteDetailResponse{TestSuite: suite, Tests: tests})
}

func (h *Catalog) DeleteSuite(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	suite, err := h.visibleSuite(r, principal.ID)
	if err != nil {
		h.fail(w, "deleteSuite", err)
		return
	}
	if !ownedBy(suite.OwnerID, principal.ID) {
		response.WriteAPIError(w, apierrors.Unauthorized("not the owner of this suite"))
		return
	}
	if err := h.store.DeleteSuite(r.Context(), suite.ID); err != nil {
		h.fail(w, "deleteSuite", err)
		return
	}
	response.WriteNoContent(w)
}

type addSuiteTestRequest struct {
	TestID   string `json:"testId"`
	Position *int   `json:"position,omitempty"`
}

func (h *Catalog) AddSuiteTest(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req addSuiteTestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TestID == "" {
		response.WriteAPIError(w, apierrors.Invalid("testId is required"))
		return
	}
	suite, err := h.visibleSuite(r, principal.ID)
	if err != nil {
		h.fail(w, "addSuiteTest", err)
		return
	}
	if !ownedBy(suite.OwnerID, principal.ID) {
		response.WriteAPIError(w, apierrors.Unauthorized("not the owner of this suite"))
		return
	}
	test, err := h.store.GetTest(r.Context(), req.TestID)
	if err != nil {
		h.fail(w, "addSuiteTest", err)
		return
	}
	if !test.VisibleTo(principal.ID) {
		h.fail(w, "addSuiteTest", store.ErrTestNotFound)
		return
	}

	position := 0
	if req.Position != nil {
		position = *req.Position
	} else {
		existing, err := h.store.ListSuiteTests(r.Context(), suite.ID)
		if err != nil {
			h.fail(w, "addSuiteTest", err)
			return
		}
		position = len(existing)
	}

	membership, err := h.store.AddTestToSuite(r.Context(), suite.ID, test.ID, position)
	if err != nil {
		h.fail(w, "addSuiteTest", err)
		return
	}
	response.WriteCreated(w, membership)
}

func (h *Catalog) RemoveSuiteTest(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	suite, err := h.visibleSuite(r, principal.ID)
	if err != nil {
		h.fail(w, "removeSuiteTest", err)
		return
	}
	if !ownedBy(suite.OwnerID, principal.ID) {
		response.WriteAPIError(w, apierrors.Unauthorized("not the owner of this suite"))
		return
	}
	if err := h.store.RemoveTestFromSuite(r.Context(), suite.ID, chi.URLParam(r, "testID")); err != nil {
		h.fail(w, "removeSuiteTest", err)
		return
	}
	response.WriteNoContent(w)
}

// visibleSuite loads the suite from the route with the same absent-if-private
// rule as visibleTest.
func (h *Catalog) visibleSuite(r *http.Request, principalID string) (*models.TestSuite, error) {
	suite, err := h.store.GetSuite(r.Context(), chi.URLParam(r, "suiteID"))
	if err != nil {
		return nil, err
	}
	if !suite.VisibleTo(principalID) {
		return nil, store.ErrSuiteNotFound
	}
	return suite, nil
}

func (h *Catalog) GetRun(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	testRun, err := h.store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		h.fail(w, "getRun", err)
		return
	}
	if testRun.CreatedBy != principal.ID {
		h.fail(w, "getRun", fmt.Errorf("run %s: %w", testRun.ID, store.ErrRunNotFound))
		return
	}
	response.WriteSuccess(w, testRun)
}

func (h *Catalog) fail(w http.ResponseWriter, op string, err error) {
	writeFailure(w, h.logger, op, err)
}

func ownedBy(ownerID *string, principalID string) bool {
	return ownerID != nil && *ownerID == principalID
}
