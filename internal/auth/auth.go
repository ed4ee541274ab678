// Package auth resolves the request principal. Validation is delegated to
// the external control plane; development mode substitutes a fixed
// principal.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/portofcontext/vestige/internal/config"
	"github.com/portofcontext/vestige/internal/logging"
)

// DevPrincipalID is the fixed principal used when auth is switched off.
const DevPrincipalID = "dev-user"

// validateRetries bounds re-attempts on transport errors and 5xx answers.
const validateRetries = 2

var (
	// ErrInvalidKey means the control plane rejected the API key.
	ErrInvalidKey = errors.New("api key rejected")

	// ErrRateLimited means the control plane asked us to back off.
	ErrRateLimited = errors.New("control plane rate limited")

	// ErrUnavailable means the control plane could not be reached in time.
	// Surfaced to callers as retryable.
	ErrUnavailable = errors.New("control plane unavailable")
)

// Principal is the authenticated caller.
type Principal struct {
	ID string `json:"id"`
}

// Validator checks an API key and returns the owning principal.
type Validator interface {
	Validate(ctx context.Context, apiKey, action string) (*Principal, error)
}

// ControlPlaneClient validates keys against the control plane's validation
// endpoint.
type ControlPlaneClient struct {
	endpoint string
	client   *http.Client
	logger   *logging.Logger
}

func NewControlPlaneClient(endpoint string, timeout time.Duration) *ControlPlaneClient {
	if timeout <= 0 {
		timeout = config.DefaultControlPlaneTimeout
	}
	return &ControlPlaneClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logging.GetLogger("auth"),
	}
}

type validateRequest struct {
	APIKey string `json:"api_key"`
	Action string `json:"action"`
}

type validateResponse struct {
	Valid  bool   `json:"valid"`
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

// Validate posts the key to the control plane. 401 and an explicit
// valid=false are hard rejections; 429 surfaces as rate limited; transport
// errors and 5xx retry briefly, then surface as unavailable.
func (c *ControlPlaneClient) Validate(ctx context.Context, apiKey, action string) (*Principal, error) {
	body, err := json.Marshal(validateRequest{APIKey: apiKey, Action: action})
	if err != nil {
		return nil, err
	}

	var principal *Principal
	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return backoff.Permanent(ErrInvalidKey)
		case resp.StatusCode == http.StatusTooManyRequests:
			return backoff.Permanent(ErrRateLimited)
		case resp.StatusCode >= 500:
			return fmt.Errorf("control plane returned %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(fmt.Errorf("control plane returned %d", resp.StatusCode))
		}

		var decoded validateResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return fmt.Errorf("decode control plane response: %w", err)
		}
		if !decoded.Valid {
			if decoded.Reason != "" {
				return backoff.Permanent(fmt.Errorf("%w: %s", ErrInvalidKey, decoded.Reason))
			}
			return backoff.Permanent(ErrInvalidKey)
		}
		principal = &Principal{ID: decoded.UserID}
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), validateRetries), ctx)
	if err := backoff.Retry(attempt, b); err != nil {
		if errors.Is(err, ErrInvalidKey) || errors.Is(err, ErrRateLimited) {
			return nil, err
		}
		c.logger.Warn("Control plane validation failed: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return principal, nil
}

// DevValidator accepts any key and answers with the fixed dev principal.
type DevValidator struct{}

func (DevValidator) Validate(ctx context.Context, apiKey, action string) (*Principal, error) {
	return &Principal{ID: DevPrincipalID}, nil
}
