// Package config loads harness configuration from the environment and the
// optional pool-targets YAML file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// CaptureMode selects the change-capture mechanism applied to new runs.
type CaptureMode string

const (
	// CaptureModeSnapshot materializes before/after snapshot tables and diffs them.
	CaptureModeSnapshot CaptureMode = "snapshot"
	// CaptureModeJournal tails the logical-replication slot into the change journal.
	CaptureModeJournal CaptureMode = "journal"
)

// Config holds all configuration for the harness.
type Config struct {
	// DatabaseURL is the DSN of the metadata + namespace database. Required.
	DatabaseURL string

	// Environment is the deployment environment. "development" disables auth.
	Environment string

	// APIPort is the port the API server listens on.
	APIPort int

	// BaseURL is the externally visible base URL, used to build environment URLs.
	BaseURL string

	// LogLevelFlags carries the raw --log-level values for logging setup.
	LogLevelFlags []string

	// ControlPlaneURL is the endpoint that validates API keys. Empty means
	// auth can only run in dev mode.
	ControlPlaneURL string

	// ControlPlaneTimeout bounds each control-plane call.
	ControlPlaneTimeout time.Duration

	// CaptureMode selects snapshot or journal capture for new runs.
	CaptureMode CaptureMode

	// Replication configures the logical-replication journal worker.
	Replication ReplicationConfig

	// PoolConfigPath is the pool-targets YAML file. Empty disables the pool.
	PoolConfigPath string

	// MaintenanceInterval is the cadence of the expiry/cleanup loop.
	MaintenanceInterval time.Duration

	// EnvironmentTTLSeconds is the default TTL for new runtime environments.
	EnvironmentTTLSeconds int

	// EnvironmentMaxIdleSeconds expires environments idle longer than this.
	EnvironmentMaxIdleSeconds int
}

// ReplicationConfig configures the journal worker's slot polling.
type ReplicationConfig struct {
	// DSN for the polling connection. Falls back to DatabaseURL when empty.
	DSN string

	// SlotName is the single global replication slot the worker owns.
	SlotName string

	// Plugin is the logical decoding plugin. Only wal2json is supported.
	Plugin string

	// PollInterval is the wait between slot polls.
	PollInterval time.Duration

	// BatchSize bounds the number of changes consumed per poll.
	BatchSize int

	// PluginOptions are extra options handed to the decoding plugin.
	PluginOptions map[string]string
}

// Defaults the environment does not override.
const (
	DefaultAPIPort               = 8080
	DefaultSlotName              = "diffslot_global"
	DefaultPlugin                = "wal2json"
	DefaultPollInterval          = 1 * time.Second
	DefaultBatchSize             = 500
	DefaultControlPlaneTimeout   = 5 * time.Second
	DefaultMaintenanceInterval   = 30 * time.Second
	DefaultEnvironmentTTLSeconds = 3600
	DefaultMaxIdleSeconds        = 1800
)

// Load reads configuration from environment variables, applying defaults for
// everything optional. Validate must be called before use.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:               os.Getenv("DATABASE_URL"),
		Environment:               envOr("ENVIRONMENT", "production"),
		BaseURL:                   envOr("BASE_URL", "http://localhost:8080"),
		ControlPlaneURL:           os.Getenv("CONTROL_PLANE_URL"),
		PoolConfigPath:            os.Getenv("POOL_CONFIG_PATH"),
		CaptureMode:               CaptureMode(envOr("CHANGE_CAPTURE_MODE", string(CaptureModeSnapshot))),
		EnvironmentTTLSeconds:     DefaultEnvironmentTTLSeconds,
		EnvironmentMaxIdleSeconds: DefaultMaxIdleSeconds,
	}

	var err error
	if cfg.APIPort, err = envInt("API_PORT", DefaultAPIPort); err != nil {
		return nil, err
	}
	if cfg.ControlPlaneTimeout, err = envSeconds("CONTROL_PLANE_TIMEOUT", DefaultControlPlaneTimeout); err != nil {
		return nil, err
	}
	if cfg.MaintenanceInterval, err = envSeconds("MAINTENANCE_INTERVAL", DefaultMaintenanceInterval); err != nil {
		return nil, err
	}
	if cfg.EnvironmentTTLSeconds, err = envInt("ENVIRONMENT_TTL_SECONDS", DefaultEnvironmentTTLSeconds); err != nil {
		return nil, err
	}
	if cfg.EnvironmentMaxIdleSeconds, err = envInt("ENVIRONMENT_MAX_IDLE_SECONDS", DefaultMaxIdleSeconds); err != nil {
		return nil, err
	}

	repl := ReplicationConfig{
		DSN:      os.Getenv("LOGICAL_REPLICATION_DSN"),
		SlotName: envOr("LOGICAL_REPLICATION_SLOT_NAME", DefaultSlotName),
		Plugin:   envOr("LOGICAL_REPLICATION_PLUGIN", DefaultPlugin),
	}
	if repl.PollInterval, err = envSeconds("LOGICAL_REPLICATION_POLL_INTERVAL", DefaultPollInterval); err != nil {
		return nil, err
	}
	if repl.BatchSize, err = envInt("LOGICAL_REPLICATION_BATCH_SIZE", DefaultBatchSize); err != nil {
		return nil, err
	}
	repl.PluginOptions, err = ParsePluginOptions(os.Getenv("LOGICAL_REPLICATION_PLUGIN_OPTIONS"))
	if err != nil {
		return nil, err
	}
	if repl.DSN == "" {
		repl.DSN = cfg.DatabaseURL
	}
	cfg.Replication = repl

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must be set")
	}
	if _, err := url.Parse(c.DatabaseURL); err != nil {
		return fmt.Errorf("DATABASE_URL is not a valid URL: %w", err)
	}
	if c.APIPort < 1 || c.APIPort > 65535 {
		return fmt.Errorf("API_PORT must be between 1 and 65535, got %d", c.APIPort)
	}
	if c.CaptureMode != CaptureModeSnapshot && c.CaptureMode != CaptureModeJournal {
		return fmt.Errorf("CHANGE_CAPTURE_MODE must be %q or %q, got %q",
			CaptureModeSnapshot, CaptureModeJournal, c.CaptureMode)
	}
	if !c.DevMode() && c.ControlPlaneURL == "" {
		return fmt.Errorf("CONTROL_PLANE_URL must be set outside development mode")
	}
	if c.ControlPlaneTimeout <= 0 {
		return fmt.Errorf("CONTROL_PLANE_TIMEOUT must be positive")
	}
	if c.CaptureMode == CaptureModeJournal {
		if c.Replication.SlotName == "" {
			return fmt.Errorf("LOGICAL_REPLICATION_SLOT_NAME must not be empty in journal mode")
		}
		if c.Replication.Plugin != DefaultPlugin {
			return fmt.Errorf("LOGICAL_REPLICATION_PLUGIN %q is not supported (only %q)",
				c.Replication.Plugin, DefaultPlugin)
		}
		if c.Replication.BatchSize < 1 {
			return fmt.Errorf("LOGICAL_REPLICATION_BATCH_SIZE must be at least 1, got %d", c.Replication.BatchSize)
		}
		if c.Replication.PollInterval <= 0 {
			return fmt.Errorf("LOGICAL_REPLICATION_POLL_INTERVAL must be positive")
		}
	}
	if c.MaintenanceInterval <= 0 {
		return fmt.Errorf("MAINTENANCE_INTERVAL must be positive")
	}
	if c.EnvironmentTTLSeconds < 0 {
		return fmt.Errorf("ENVIRONMENT_TTL_SECONDS must not be negative")
	}
	if c.EnvironmentMaxIdleSeconds < 0 {
		return fmt.Errorf("ENVIRONMENT_MAX_IDLE_SECONDS must not be negative")
	}
	return nil
}

// DevMode reports whether auth is switched off.
func (c *Config) DevMode() bool {
	return strings.EqualFold(c.Environment, "development")
}

// ParsePluginOptions parses a comma-separated k=v list into a map. An empty
// input yields an empty map.
func ParsePluginOptions(raw string) (map[string]string, error) {
	opts := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return opts, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, found := strings.Cut(pair, "=")
		if !found || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid plugin option %q: expected key=value", pair)
		}
		opts[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return opts, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, raw)
	}
	return n, nil
}

// envSeconds reads an integer or float number of seconds.
func envSeconds(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number of seconds, got %q", key, raw)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
