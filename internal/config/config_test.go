package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/vestige")
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("CONTROL_PLANE_URL", "")
	t.Setenv("LOGICAL_REPLICATION_PLUGIN_OPTIONS", "")
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultAPIPort, cfg.APIPort)
	assert.Equal(t, CaptureModeSnapshot, cfg.CaptureMode)
	assert.Equal(t, DefaultSlotName, cfg.Replication.SlotName)
	assert.Equal(t, DefaultPlugin, cfg.Replication.Plugin)
	assert.Equal(t, DefaultBatchSize, cfg.Replication.BatchSize)
	assert.Equal(t, DefaultPollInterval, cfg.Replication.PollInterval)
	// Replication DSN falls back to the main database URL.
	assert.Equal(t, cfg.DatabaseURL, cfg.Replication.DSN)
	assert.True(t, cfg.DevMode())
}

func TestLoadOverrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("API_PORT", "9090")
	t.Setenv("CHANGE_CAPTURE_MODE", "journal")
	t.Setenv("LOGICAL_REPLICATION_DSN", "postgres://replica:5432/vestige")
	t.Setenv("LOGICAL_REPLICATION_SLOT_NAME", "custom_slot")
	t.Setenv("LOGICAL_REPLICATION_POLL_INTERVAL", "0.5")
	t.Setenv("LOGICAL_REPLICATION_BATCH_SIZE", "100")
	t.Setenv("ENVIRONMENT_TTL_SECONDS", "120")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9090, cfg.APIPort)
	assert.Equal(t, CaptureModeJournal, cfg.CaptureMode)
	assert.Equal(t, "postgres://replica:5432/vestige", cfg.Replication.DSN)
	assert.Equal(t, "custom_slot", cfg.Replication.SlotName)
	assert.Equal(t, 500*time.Millisecond, cfg.Replication.PollInterval)
	assert.Equal(t, 100, cfg.Replication.BatchSize)
	assert.Equal(t, 120, cfg.EnvironmentTTLSeconds)
}

func TestValidateRequiresDatabaseURL(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load()
	require.NoError(t, err)
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestValidateRejectsBadCaptureMode(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("CHANGE_CAPTURE_MODE", "transcript")

	cfg, err := Load()
	require.NoError(t, err)
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHANGE_CAPTURE_MODE")
}

func TestValidateRequiresControlPlaneOutsideDev(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONTROL_PLANE_URL")

	t.Setenv("CONTROL_PLANE_URL", "https://auth.example.com/validate")
	cfg, err = Load()
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
	assert.False(t, cfg.DevMode())
}

func TestValidateJournalModePlugin(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("CHANGE_CAPTURE_MODE", "journal")
	t.Setenv("LOGICAL_REPLICATION_PLUGIN", "pgoutput")

	cfg, err := Load()
	require.NoError(t, err)
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pgoutput")
}

func TestLoadRejectsBadInteger(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("API_PORT", "eighty")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API_PORT")
}

func TestParsePluginOptions(t *testing.T) {
	opts, err := ParsePluginOptions("")
	require.NoError(t, err)
	assert.Empty(t, opts)

	opts, err = ParsePluginOptions("include-timestamp=true, add-tables=public.*")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"include-timestamp": "true",
		"add-tables":        "public.*",
	}, opts)

	_, err = ParsePluginOptions("novalue")
	require.Error(t, err)

	_, err = ParsePluginOptions("=broken")
	require.Error(t, err)
}
