package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func controlPlane(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestValidateAcceptsValidKey(t *testing.T) {
	srv := controlPlane(t, func(w http.ResponseWriter, r *http.Request) {
		var req validateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "key-123", req.APIKey)
		assert.Equal(t, "startRun", req.Action)

		json.NewEncoder(w).Encode(validateResponse{Valid: true, UserID: "user-9"})
	})

	c := NewControlPlaneClient(srv.URL, time.Second)
	principal, err := c.Validate(context.Background(), "key-123", "startRun")
	require.NoError(t, err)
	assert.Equal(t, "user-9", principal.ID)
}

func TestValidateRejects401(t *testing.T) {
	srv := controlPlane(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	c := NewControlPlaneClient(srv.URL, time.Second)
	_, err := c.Validate(context.Background(), "bad-key", "startRun")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestValidateRejectsExplicitInvalid(t *testing.T) {
	srv := controlPlane(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(validateResponse{Valid: false, Reason: "revoked"})
	})

	c := NewControlPlaneClient(srv.URL, time.Second)
	_, err := c.Validate(context.Background(), "old-key", "startRun")
	require.ErrorIs(t, err, ErrInvalidKey)
	assert.Contains(t, err.Error(), "revoked")
}

func TestValidateSurfacesRateLimit(t *testing.T) {
	srv := controlPlane(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	c := NewControlPlaneClient(srv.URL, time.Second)
	_, err := c.Validate(context.Background(), "key", "startRun")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestValidateRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := controlPlane(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(validateResponse{Valid: true, UserID: "user-9"})
	})

	c := NewControlPlaneClient(srv.URL, time.Second)
	principal, err := c.Validate(context.Background(), "key", "startRun")
	require.NoError(t, err)
	assert.Equal(t, "user-9", principal.ID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestValidateUnreachableIsUnavailable(t *testing.T) {
	srv := controlPlane(t, func(w http.ResponseWriter, r *http.Request) {})
	srv.Close()

	c := NewControlPlaneClient(srv.URL, 100*time.Millisecond)
	_, err := c.Validate(context.Background(), "key", "startRun")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestDevValidator(t *testing.T) {
	principal, err := DevValidator{}.Validate(context.Background(), "anything", "startRun")
	require.NoError(t, err)
	assert.Equal(t, DevPrincipalID, principal.ID)
}
