// Package errors maps harness errors onto the API's error kinds and HTTP
// statuses. Every handler funnels failures through FromError so the wire
// shape stays uniform.
package errors

import (
	stderrors "errors"
	"net/http"

	"github.com/portofcontext/vestige/internal/auth"
	"github.com/portofcontext/vestige/internal/dsl"
	"github.com/portofcontext/vestige/internal/namespace"
	"github.com/portofcontext/vestige/internal/run"
	"github.com/portofcontext/vestige/internal/store"
	"github.com/portofcontext/vestige/internal/template"
)

// Kind is the machine-readable error discriminator returned over the API.
type Kind string

const (
	KindInvalidInput       Kind = "invalid_input"
	KindUnauthorized       Kind = "unauthorized"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindServiceUnavailable Kind = "service_unavailable"
	KindInternal           Kind = "internal_error"
)

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// APIError carries a kind, an HTTP status, and a caller-facing message.
type APIError struct {
	Kind       Kind
	HTTPStatus int
	Message    string
}

func (e *APIError) Error() string {
	return e.Message
}

// Response returns the JSON body for this error.
func (e *APIError) Response() ErrorResponse {
	return ErrorResponse{Error: string(e.Kind), Message: e.Message}
}

func newError(kind Kind, status int, message string) *APIError {
	return &APIError{Kind: kind, HTTPStatus: status, Message: message}
}

// Invalid builds an invalid_input error.
func Invalid(message string) *APIError {
	return newError(KindInvalidInput, http.StatusBadRequest, message)
}

// Unauthorized builds an unauthorized error.
func Unauthorized(message string) *APIError {
	return newError(KindUnauthorized, http.StatusUnauthorized, message)
}

// NotFound builds a not_found error.
func NotFound(message string) *APIError {
	return newError(KindNotFound, http.StatusNotFound, message)
}

// Conflict builds a conflict error.
func Conflict(message string) *APIError {
	return newError(KindConflict, http.StatusConflict, message)
}

// Unavailable builds a service_unavailable error. Callers may retry.
func Unavailable(message string) *APIError {
	return newError(KindServiceUnavailable, http.StatusServiceUnavailable, message)
}

// Internal builds an internal_error. The message deliberately omits the
// underlying cause; that belongs in the log, not on the wire.
func Internal() *APIError {
	return newError(KindInternal, http.StatusInternalServerError, "internal error")
}

// FromError classifies any harness error. Unknown errors become
// internal_error with a generic message.
func FromError(err error) *APIError {
	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr
	}

	var specErr *dsl.InvalidSpecError
	if stderrors.As(err, &specErr) {
		return Invalid(specErr.Error())
	}

	switch {
	case stderrors.Is(err, template.ErrNoReference),
		stderrors.Is(err, run.ErrMissingBeforeSuffix):
		return Invalid(err.Error())

	case stderrors.Is(err, auth.ErrInvalidKey):
		return Unauthorized(err.Error())

	case stderrors.Is(err, store.ErrTemplateNotFound),
		stderrors.Is(err, store.ErrEnvironmentNotFound),
		stderrors.Is(err, store.ErrPoolEntryNotFound),
		stderrors.Is(err, store.ErrTestNotFound),
		stderrors.Is(err, store.ErrSuiteNotFound),
		stderrors.Is(err, store.ErrRunNotFound),
		stderrors.Is(err, store.ErrDiffNotFound),
		stderrors.Is(err, namespace.ErrNotFound):
		return NotFound(err.Error())

	case stderrors.Is(err, store.ErrDuplicate),
		stderrors.Is(err, run.ErrRunActive),
		stderrors.Is(err, run.ErrRunFinished),
		stderrors.Is(err, run.ErrEnvironmentNotReady):
		return Conflict(err.Error())

	case stderrors.Is(err, auth.ErrRateLimited),
		stderrors.Is(err, auth.ErrUnavailable),
		stderrors.Is(err, run.ErrJournalUnavailable):
		return Unavailable(err.Error())
	}

	return Internal()
}
