package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevelFlagsDefault(t *testing.T) {
	level, packages, err := parseLogLevelFlags([]string{"info"})
	require.NoError(t, err)
	assert.Equal(t, "info", level)
	assert.Empty(t, packages)
}

func TestParseLogLevelFlagsPerPackage(t *testing.T) {
	level, packages, err := parseLogLevelFlags([]string{"debug", "snapshot.differ=warn"})
	require.NoError(t, err)
	assert.Equal(t, "debug", level)
	assert.Equal(t, map[string]string{"snapshot.differ": "warn"}, packages)
}

func TestParseLogLevelFlagsRejectsUnknownLevel(t *testing.T) {
	_, _, err := parseLogLevelFlags([]string{"verbose"})
	require.Error(t, err)

	_, _, err = parseLogLevelFlags([]string{"info", "api=loud"})
	require.Error(t, err)
}

func TestParseLogLevelFlagsReadsEnvironment(t *testing.T) {
	t.Setenv("LOG_LEVEL_POSTGRES_CLIENT", "debug")

	level, packages, err := parseLogLevelFlags([]string{"info"})
	require.NoError(t, err)
	assert.Equal(t, "info", level)
	assert.Equal(t, "debug", packages["postgres.client"])
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("LOG_LEVEL_API", "debug")

	_, packages, err := parseLogLevelFlags([]string{"info", "api=error"})
	require.NoError(t, err)
	assert.Equal(t, "error", packages["api"])
}

func TestConvertEnvKeyToPackageName(t *testing.T) {
	assert.Equal(t, "snapshot.differ", convertEnvKeyToPackageName("LOG_LEVEL_SNAPSHOT_DIFFER"))
	assert.Equal(t, "api", convertEnvKeyToPackageName("LOG_LEVEL_API"))
}
