package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Limits  LimitsConfig  `mapstructure:"limits"`
	Staging StagingConfig `mapstructure:"staging"`
}

// ServerConfig holds the HTTP adapter configuration
type ServerConfig struct {
	HTTPPort int `mapstructure:"http_port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// EngineConfig holds the sandbox profile applied to every container
type EngineConfig struct {
	NetworkDisabled  bool     `mapstructure:"network_disabled"`
	ReadOnlyRootfs   bool     `mapstructure:"read_only_rootfs"`
	DropCapabilities []string `mapstructure:"drop_capabilities"`
	User             string   `mapstructure:"user"`
	TmpfsSizeMB      int      `mapstructure:"tmpfs_size_mb"`
	RuntimeCatalog   string   `mapstructure:"runtime_catalog"`
}

// LimitsConfig holds the resource bounds clamped onto every request
type LimitsConfig struct {
	DefaultTimeoutSec int   `mapstructure:"default_timeout_sec"`
	MaxTimeoutSec     int   `mapstructure:"max_timeout_sec"`
	DefaultMemoryMB   int   `mapstructure:"default_memory_mb"`
	MaxMemoryMB       int   `mapstructure:"max_memory_mb"`
	MaxConcurrentJobs int   `mapstructure:"max_concurrent_jobs"`
	PidsLimit         int64 `mapstructure:"pids_limit"`
	NanoCPUs          int64 `mapstructure:"nano_cpus"`
	MaxOutputBytes    int64 `mapstructure:"max_output_bytes"`
}

// StagingConfig holds workspace staging configuration. An empty root
// falls back to the system temp directory.
type StagingConfig struct {
	Root string `mapstructure:"root"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("vbase")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Set default values
	viper.SetDefault("server.http_port", 8080)
	viper.SetDefault("logging.mode", "production")
	viper.SetDefault("logging.level", "info")

	viper.SetDefault("engine.network_disabled", true)
	viper.SetDefault("engine.read_only_rootfs", true)
	viper.SetDefault("engine.drop_capabilities", []string{"ALL"})
	viper.SetDefault("engine.user", "runner")
	viper.SetDefault("engine.tmpfs_size_mb", 64)
	viper.SetDefault("engine.runtime_catalog", "")

	viper.SetDefault("limits.default_timeout_sec", 10)
	viper.SetDefault("limits.max_timeout_sec", 30)
	viper.SetDefault("limits.default_memory_mb", 128)
	viper.SetDefault("limits.max_memory_mb", 256)
	viper.SetDefault("limits.max_concurrent_jobs", 5)
	viper.SetDefault("limits.pids_limit", 64)
	viper.SetDefault("limits.nano_cpus", 500000000)
	viper.SetDefault("limits.max_output_bytes", 1024*1024)

	viper.SetDefault("staging.root", "")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	if c.Limits.DefaultTimeoutSec <= 0 {
		return fmt.Errorf("limits.default_timeout_sec must be positive, got: %d", c.Limits.DefaultTimeoutSec)
	}
	if c.Limits.MaxTimeoutSec < c.Limits.DefaultTimeoutSec {
		return fmt.Errorf("limits.max_timeout_sec (%d) must be >= limits.default_timeout_sec (%d)",
			c.Limits.MaxTimeoutSec, c.Limits.DefaultTimeoutSec)
	}
	if c.Limits.DefaultMemoryMB <= 0 {
		return fmt.Errorf("limits.default_memory_mb must be positive, got: %d", c.Limits.DefaultMemoryMB)
	}
	if c.Limits.MaxMemoryMB < c.Limits.DefaultMemoryMB {
		return fmt.Errorf("limits.max_memory_mb (%d) must be >= limits.default_memory_mb (%d)",
			c.Limits.MaxMemoryMB, c.Limits.DefaultMemoryMB)
	}
	if c.Limits.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("limits.max_concurrent_jobs must be positive, got: %d", c.Limits.MaxConcurrentJobs)
	}
	if c.Limits.PidsLimit <= 0 {
		return fmt.Errorf("limits.pids_limit must be positive, got: %d", c.Limits.PidsLimit)
	}
	if c.Limits.NanoCPUs <= 0 {
		return fmt.Errorf("limits.nano_cpus must be positive, got: %d", c.Limits.NanoCPUs)
	}
	if c.Limits.MaxOutputBytes <= 0 {
		return fmt.Errorf("limits.max_output_bytes must be positive, got: %d", c.Limits.MaxOutputBytes)
	}

	if c.Engine.TmpfsSizeMB <= 0 {
		return fmt.Errorf("engine.tmpfs_size_mb must be positive, got: %d", c.Engine.TmpfsSizeMB)
	}
	if c.Engine.User == "" {
		return fmt.Errorf("engine.user must not be empty")
	}

	return nil
}

// DefaultTimeout returns the default execution timeout as a duration
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Limits.DefaultTimeoutSec) * time.Second
}

// MaxTimeout returns the hard execution timeout ceiling as a duration
func (c *Config) MaxTimeout() time.Duration {
	return time.Duration(c.Limits.MaxTimeoutSec) * time.Second
}

// DefaultMemoryBytes returns the default memory limit in bytes
func (c *Config) DefaultMemoryBytes() int64 {
	return int64(c.Limits.DefaultMemoryMB) * 1024 * 1024
}

// MaxMemoryBytes returns the hard memory ceiling in bytes
func (c *Config) MaxMemoryBytes() int64 {
	return int64(c.Limits.MaxMemoryMB) * 1024 * 1024
}
