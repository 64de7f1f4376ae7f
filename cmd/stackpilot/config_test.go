package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Config Loading Tests
// =============================================================================

func TestLoadConfig_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, filepath.Join("data", "stackpilot.db"), cfg.Database.DSN)
	assert.Equal(t, filepath.Join("data", "catalog"), cfg.Catalog.Dir)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 10*time.Minute, cfg.Deploy.StackTimeout)
	assert.True(t, cfg.Deploy.ContinueOnError)
	assert.True(t, cfg.Sync.Enabled)
	assert.Equal(t, 20*time.Second, cfg.Sync.InitialDelay)
	assert.Equal(t, 60*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 15*time.Second, cfg.Sync.CaptureTimeout)
	assert.Equal(t, 5, cfg.Sync.MaxConcurrent)
	assert.Equal(t, 7*24*time.Hour, cfg.Sync.SnapshotMaxAge)
	assert.Equal(t, 64, cfg.Progress.BufferSize)
	assert.Empty(t, cfg.Auth.SharedSecret)
}

func TestLoadConfig_FromFile(t *testing.T) {
	clearEnv(t)

	configContent := `
server:
  host: "127.0.0.1"
  port: 9000
  read_timeout: 60s
  write_timeout: 60s
  shutdown_timeout: 15s

database:
  dsn: "/tmp/test.db"

log:
  level: "debug"
  format: "text"

deploy:
  stack_timeout: 2m
  continue_on_error: false

sync:
  interval: 30s
  max_concurrent: 2
`
	tmpFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte(configContent), 0644))

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "/tmp/test.db", cfg.Database.DSN)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 2*time.Minute, cfg.Deploy.StackTimeout)
	assert.False(t, cfg.Deploy.ContinueOnError)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 2, cfg.Sync.MaxConcurrent)
}

func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	clearEnv(t)

	t.Setenv("STACKPILOT_SERVER_HOST", "192.168.1.1")
	t.Setenv("STACKPILOT_SERVER_PORT", "3000")
	t.Setenv("STACKPILOT_DATABASE_DSN", "/custom/path.db")
	t.Setenv("STACKPILOT_LOG_LEVEL", "warn")
	t.Setenv("STACKPILOT_AUTH_SHARED_SECRET", "gate")
	t.Setenv("STACKPILOT_SYNC_ENABLED", "false")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.1", cfg.Server.Host)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "/custom/path.db", cfg.Database.DSN)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "gate", cfg.Auth.SharedSecret)
	assert.False(t, cfg.Sync.Enabled)
}

func TestLoadConfig_DataDirDerivesPaths(t *testing.T) {
	clearEnv(t)

	t.Setenv("STACKPILOT_DATA_DIR", "/var/lib/stackpilot")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/stackpilot/stackpilot.db", cfg.Database.DSN)
	assert.Equal(t, "/var/lib/stackpilot/catalog", cfg.Catalog.Dir)
}

func TestLoadConfig_ExplicitDSNOverridesDataDir(t *testing.T) {
	clearEnv(t)

	t.Setenv("STACKPILOT_DATA_DIR", "/var/lib/stackpilot")
	t.Setenv("STACKPILOT_DATABASE_DSN", "/custom/path.db")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "/custom/path.db", cfg.Database.DSN)
}

func TestLoadConfig_FileNotFound_UsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("/nonexistent/path/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	clearEnv(t)

	tmpFile := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte("invalid: yaml: content: [[["), 0644))

	_, err := LoadConfig(tmpFile)
	assert.Error(t, err)
}

func TestLoadConfig_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"port out of range", map[string]string{"STACKPILOT_SERVER_PORT": "70000"}},
		{"zero stack timeout", map[string]string{"STACKPILOT_DEPLOY_STACK_TIMEOUT": "0s"}},
		{"zero sync interval", map[string]string{"STACKPILOT_SYNC_INTERVAL": "0s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig("")
			assert.Error(t, err)
		})
	}
}

// =============================================================================
// Logger Setup Tests
// =============================================================================

func TestSetupLogger_Levels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "invalid"} {
		for _, format := range []string{"json", "text"} {
			cfg := &Config{Log: LogConfig{Level: level, Format: format}}
			assert.NotNil(t, SetupLogger(cfg), "%s/%s", level, format)
		}
	}
}

// =============================================================================
// Config Validation Tests
// =============================================================================

func TestConfig_Address(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
	}

	assert.Equal(t, "localhost:8080", cfg.Server.Address())
}

// =============================================================================
// Test Helpers
// =============================================================================

func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"STACKPILOT_SERVER_HOST",
		"STACKPILOT_SERVER_PORT",
		"STACKPILOT_DATABASE_DSN",
		"STACKPILOT_DATA_DIR",
		"STACKPILOT_LOG_LEVEL",
		"STACKPILOT_LOG_FORMAT",
		"STACKPILOT_AUTH_SHARED_SECRET",
		"STACKPILOT_SYNC_ENABLED",
		"STACKPILOT_SYNC_INTERVAL",
		"STACKPILOT_DEPLOY_STACK_TIMEOUT",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}
}
