package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	DataDir  string         `mapstructure:"data_dir"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Log      LogConfig      `mapstructure:"log"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Deploy   DeployConfig   `mapstructure:"deploy"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Progress ProgressConfig `mapstructure:"progress"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host string `mapstructure:"host"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AuthConfig holds gateway authentication configuration.
type AuthConfig struct {
	// SharedSecret is compared against X-Gateway-Secret. Empty disables the check.
	SharedSecret string `mapstructure:"shared_secret"`

	// RequireIdentity rejects mutating requests without X-User-ID.
	RequireIdentity bool `mapstructure:"require_identity"`
}

// CatalogConfig holds the product catalog location.
type CatalogConfig struct {
	Dir string `mapstructure:"dir"`
}

// DeployConfig holds product orchestration settings.
type DeployConfig struct {
	StackTimeout    time.Duration `mapstructure:"stack_timeout"`
	ContinueOnError bool          `mapstructure:"continue_on_error"`
}

// SyncConfig holds health sync worker settings.
type SyncConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	InitialDelay   time.Duration `mapstructure:"initial_delay"`
	Interval       time.Duration `mapstructure:"interval"`
	CaptureTimeout time.Duration `mapstructure:"capture_timeout"`
	MaxConcurrent  int           `mapstructure:"max_concurrent"`
	SnapshotMaxAge time.Duration `mapstructure:"snapshot_max_age"`
}

// ProgressConfig holds progress streaming settings.
type ProgressConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("data_dir", "data")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("database.dsn", "") // derived from data_dir when empty
	v.SetDefault("docker.host", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("auth.shared_secret", "")
	v.SetDefault("auth.require_identity", false)
	v.SetDefault("catalog.dir", "") // derived from data_dir when empty

	v.SetDefault("deploy.stack_timeout", "10m")
	v.SetDefault("deploy.continue_on_error", true)

	v.SetDefault("sync.enabled", true)
	v.SetDefault("sync.initial_delay", "20s")
	v.SetDefault("sync.interval", "60s")
	v.SetDefault("sync.capture_timeout", "15s")
	v.SetDefault("sync.max_concurrent", 5)
	v.SetDefault("sync.snapshot_max_age", "168h")

	v.SetDefault("progress.buffer_size", 64)

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("STACKPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Database.DSN == "" {
		cfg.Database.DSN = filepath.Join(cfg.DataDir, "stackpilot.db")
	}
	if cfg.Catalog.Dir == "" {
		cfg.Catalog.Dir = filepath.Join(cfg.DataDir, "catalog")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Deploy.StackTimeout <= 0 {
		return errors.New("deploy.stack_timeout must be positive")
	}
	if c.Sync.Enabled && c.Sync.Interval <= 0 {
		return errors.New("sync.interval must be positive")
	}
	if c.Sync.MaxConcurrent < 0 {
		return errors.New("sync.max_concurrent must not be negative")
	}
	return nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
