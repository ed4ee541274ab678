package environment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portofcontext/vestige/internal/models"
	"github.com/portofcontext/vestige/internal/template"
)

func TestNewEnvironmentAppliesDefaults(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	res := &template.Resolution{Location: "slack_default", Service: "slack"}

	env := newEnvironment("env-1", "user-1", "state_abc", res, InitOptions{},
		defaults{ttlSeconds: 3600, maxIdleSeconds: 1800}, now)

	assert.Equal(t, models.EnvironmentInitializing, env.Status)
	assert.Equal(t, "slack_default", env.TemplateSchema)
	assert.Equal(t, "slack", env.Service)
	assert.Equal(t, 1800, env.MaxIdleSeconds)
	require.NotNil(t, env.ExpiresAt)
	assert.Equal(t, now.Add(time.Hour), *env.ExpiresAt)
	assert.Nil(t, env.ImpersonateUserID)
}

func TestNewEnvironmentHonoursCallerTTL(t *testing.T) {
	now := time.Now().UTC()
	res := &template.Resolution{Location: "slack_default", Service: "slack"}

	env := newEnvironment("env-1", "user-1", "state_abc", res,
		InitOptions{TTLSeconds: 60},
		defaults{ttlSeconds: 3600, maxIdleSeconds: 1800}, now)

	require.NotNil(t, env.ExpiresAt)
	assert.Equal(t, now.Add(time.Minute), *env.ExpiresAt)
}

func TestNewEnvironmentPermanentNeverExpires(t *testing.T) {
	res := &template.Resolution{Location: "slack_default", Service: "slack"}

	env := newEnvironment("env-1", "user-1", "state_abc", res,
		InitOptions{Permanent: true, TTLSeconds: 60},
		defaults{ttlSeconds: 3600, maxIdleSeconds: 1800}, time.Now().UTC())

	assert.True(t, env.Permanent)
	assert.Nil(t, env.ExpiresAt)
	assert.False(t, env.Expired(time.Now().UTC().Add(24*time.Hour)))
}

func TestNewEnvironmentImpersonation(t *testing.T) {
	res := &template.Resolution{Location: "box_default", Service: "box"}

	env := newEnvironment("env-1", "user-1", "state_abc", res,
		InitOptions{ImpersonateUserID: "U123", ImpersonateEmail: "agent@example.com"},
		defaults{ttlSeconds: 3600, maxIdleSeconds: 1800}, time.Now().UTC())

	require.NotNil(t, env.ImpersonateUserID)
	assert.Equal(t, "U123", *env.ImpersonateUserID)
	require.NotNil(t, env.ImpersonateEmail)
	assert.Equal(t, "agent@example.com", *env.ImpersonateEmail)
}
