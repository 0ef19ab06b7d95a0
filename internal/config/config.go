// Package config loads the kernel's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidMode is returned for an unknown watchdog mode.
var ErrInvalidMode = errors.New("invalid watchdog mode")

// Watchdog modes.
const (
	ModePassive = "passive"
	ModeActive  = "active"
	ModeStrict  = "strict"
)

// Config holds all kernel configuration.
type Config struct {
	Paths     PathsConfig     `yaml:"paths"`
	Logging   LoggingConfig   `yaml:"logging"`
	Resources ResourcesConfig `yaml:"resources"`
	Cache     CacheConfig     `yaml:"cache"`
	Memory    MemoryConfig    `yaml:"memory"`
	Watchdog  WatchdogConfig  `yaml:"watchdog"`
	Updates   UpdatesConfig   `yaml:"updates"`
	SafeMode  SafeModeConfig  `yaml:"safe_mode"`
	Status    StatusConfig    `yaml:"status"`
}

// PathsConfig locates kernel state on disk.
type PathsConfig struct {
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warning, error, critical
	File  string `yaml:"file"`
}

// ResourcesConfig configures the resource governor.
type ResourcesConfig struct {
	CPULimit           float64 `yaml:"cpu_limit"`
	MemoryLimit        float64 `yaml:"memory_limit"`
	ThreadLimit        int     `yaml:"thread_limit"`
	MonitoringInterval int     `yaml:"monitoring_interval"` // seconds
}

// CacheConfig configures the function cache.
type CacheConfig struct {
	MaxSize         int    `yaml:"max_size"`
	TTLSeconds      int    `yaml:"ttl_seconds"`
	CleanupInterval int    `yaml:"cleanup_interval"` // seconds
	Compiler        string `yaml:"compiler"`         // table, yaegi
}

// MemoryConfig configures context memory.
type MemoryConfig struct {
	MaxContextSize      int  `yaml:"max_context_size"`
	CleanupThreshold    int  `yaml:"cleanup_threshold"`
	CompressionEnabled  bool `yaml:"compression_enabled"`
	AutoCleanupInterval int  `yaml:"auto_cleanup_interval"` // seconds
	TempTTL             int  `yaml:"temp_ttl"`              // seconds
	TempMaxSize         int  `yaml:"temp_max_size"`
}

// WatchdogConfig configures component supervision.
type WatchdogConfig struct {
	Mode             string `yaml:"mode"`
	CheckInterval    int    `yaml:"check_interval"` // seconds
	RestartThreshold int    `yaml:"restart_threshold"`
	ComponentTimeout int    `yaml:"component_timeout"` // seconds
}

// UpdatesConfig configures the passive update manager.
type UpdatesConfig struct {
	AutoCheck       bool   `yaml:"auto_check"`
	CheckInterval   int    `yaml:"check_interval"` // seconds
	BackupEnabled   bool   `yaml:"backup_enabled"`
	RollbackEnabled bool   `yaml:"rollback_enabled"`
	Store           string `yaml:"store"` // json, sqlcipher
}

// SafeModeConfig configures degraded operation.
type SafeModeConfig struct {
	AutoActivate        bool `yaml:"auto_activate"`
	RecoveryTimeout     int  `yaml:"recovery_timeout"` // seconds
	MaxRecoveryAttempts int  `yaml:"max_recovery_attempts"`
}

// StatusConfig configures the operator status surface.
type StatusConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Addr             string `yaml:"addr"`
	SnapshotInterval int    `yaml:"snapshot_interval"` // seconds
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{DataDir: "kernel"},
		Logging: LoggingConfig{
			Level: "info",
			File:  "kernel/logs/kernel.log",
		},
		Resources: ResourcesConfig{
			CPULimit:           80,
			MemoryLimit:        80,
			ThreadLimit:        100,
			MonitoringInterval: 10,
		},
		Cache: CacheConfig{
			MaxSize:         1000,
			TTLSeconds:      3600,
			CleanupInterval: 300,
			Compiler:        "table",
		},
		Memory: MemoryConfig{
			MaxContextSize:      10000,
			CleanupThreshold:    8000,
			CompressionEnabled:  true,
			AutoCleanupInterval: 300,
			TempTTL:             300,
			TempMaxSize:         1000,
		},
		Watchdog: WatchdogConfig{
			Mode:             ModePassive,
			CheckInterval:    10,
			RestartThreshold: 3,
			ComponentTimeout: 30,
		},
		Updates: UpdatesConfig{
			AutoCheck:       true,
			CheckInterval:   3600,
			BackupEnabled:   true,
			RollbackEnabled: true,
			Store:           "json",
		},
		SafeMode: SafeModeConfig{
			AutoActivate:        true,
			RecoveryTimeout:     60,
			MaxRecoveryAttempts: 3,
		},
		Status: StatusConfig{
			Enabled:          false,
			Addr:             "127.0.0.1:9477",
			SnapshotInterval: 5,
		},
	}
}

// Load reads configuration from path, layering it over the defaults.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LUXKERNEL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LUXKERNEL_WATCHDOG_MODE"); v != "" {
		c.Watchdog.Mode = v
	}
	if v := os.Getenv("LUXKERNEL_DATA_DIR"); v != "" {
		c.Paths.DataDir = v
	}
}

// Validate rejects configurations the kernel cannot run with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Watchdog.Mode) {
	case ModePassive, ModeActive, ModeStrict:
		c.Watchdog.Mode = strings.ToLower(c.Watchdog.Mode)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, c.Watchdog.Mode)
	}

	positive := map[string]int{
		"cache.max_size":             c.Cache.MaxSize,
		"cache.ttl_seconds":          c.Cache.TTLSeconds,
		"memory.max_context_size":    c.Memory.MaxContextSize,
		"memory.temp_max_size":       c.Memory.TempMaxSize,
		"watchdog.check_interval":    c.Watchdog.CheckInterval,
		"watchdog.restart_threshold": c.Watchdog.RestartThreshold,
		"watchdog.component_timeout": c.Watchdog.ComponentTimeout,
		"resources.thread_limit":     c.Resources.ThreadLimit,
	}
	for key, v := range positive {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", key, v)
		}
	}
	if c.Resources.CPULimit <= 0 || c.Resources.MemoryLimit <= 0 {
		return fmt.Errorf("resource limits must be positive")
	}

	switch c.Updates.Store {
	case "", "json", "sqlcipher":
	default:
		return fmt.Errorf("unknown updates.store %q", c.Updates.Store)
	}
	switch c.Cache.Compiler {
	case "", "table", "yaegi":
	default:
		return fmt.Errorf("unknown cache.compiler %q", c.Cache.Compiler)
	}
	return nil
}

// Path joins elem onto the data directory.
func (c *Config) Path(elem ...string) string {
	return filepath.Join(append([]string{c.Paths.DataDir}, elem...)...)
}

// Seconds converts a YAML seconds value, substituting def for non-positive values.
func Seconds(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Second
}
