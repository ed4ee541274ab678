package apiserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	apierrors "github.com/portofcontext/vestige/internal/api/errors"
	"github.com/portofcontext/vestige/internal/api/response"
	"github.com/portofcontext/vestige/internal/auth"
	"github.com/portofcontext/vestige/internal/logging"
)

// authMiddleware validates the caller's API key against the control plane
// and stores the resulting principal on the request context. The action
// reported alongside the key is the request's method and path.
func authMiddleware(validator auth.Validator, logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := apiKey(r)
			if key == "" {
				response.WriteAPIError(w, apierrors.Unauthorized("missing API key"))
				return
			}

			action := r.Method + " " + r.URL.Path
			principal, err := validator.Validate(r.Context(), key, action)
			if err != nil {
				apiErr := apierrors.FromError(err)
				if apiErr.Kind != apierrors.KindUnauthorized {
					logger.Warn("API key validation failed: %v", err)
				}
				response.WriteAPIError(w, apiErr)
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
		})
	}
}

// apiKey pulls the key from Authorization: Bearer or the X-API-Key header.
func apiKey(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if key, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(key)
		}
	}
	return r.Header.Get("X-API-Key")
}

// requestLogger emits one debug line per request with status and duration.
func requestLogger(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("%s %s -> %d (%s)", r.Method, r.URL.Path, ww.Status(), time.Since(start))
		})
	}
}
