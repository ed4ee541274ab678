// Package response holds the JSON writers shared by all API handlers.
package response

import (
	"encoding/json"
	"io"
	"net/http"

	apierrors "github.com/portofcontext/vestige/internal/api/errors"
)

// WriteJSON writes a JSON response to the writer. HTML escaping is disabled
// so payloads containing < and > survive round trips unmangled.
func WriteJSON(w io.Writer, data interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	return encoder.Encode(data)
}

// WriteSuccess sends a success response with HTTP 200.
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	return WriteJSON(w, data)
}

// WriteCreated sends a created response with HTTP 201.
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	return WriteJSON(w, data)
}

// WriteNoContent sends a no content response with HTTP 204.
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// WriteError sends an error response with the given status and kind.
func WriteError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = WriteJSON(w, apierrors.ErrorResponse{Error: errorCode, Message: message})
}

// WriteAPIError sends a classified API error.
func WriteAPIError(w http.ResponseWriter, err *apierrors.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus)
	_ = WriteJSON(w, err.Response())
}
