package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/searchstore/internal/errors"
)

// Backend names accepted by storage.backend.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Text index names accepted by storage.text_index.
const (
	TextIndexSQLite = "sqlite"
	TextIndexBleve  = "bleve"
)

// ProjectConfigName is the per-directory configuration file.
const ProjectConfigName = ".searchstore.yaml"

// Config represents the complete searchstore configuration.
type Config struct {
	Version    int              `yaml:"version" json:"version"`
	Storage    StorageConfig    `yaml:"storage" json:"storage"`
	Optimize   OptimizeConfig   `yaml:"optimize" json:"optimize"`
	Visibility VisibilityConfig `yaml:"visibility" json:"visibility"`
	Migration  MigrationConfig  `yaml:"migration" json:"migration"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
}

// StorageConfig selects and tunes the index backend.
type StorageConfig struct {
	// DataDir holds the sqlite database, the bleve index and the lock file.
	// Defaults to ~/.searchstore/data
	DataDir string `yaml:"data_dir" json:"data_dir"`

	// Backend is "sqlite" (default, persistent) or "memory" (ephemeral).
	Backend string `yaml:"backend" json:"backend"`

	// TextIndex selects the full-text index of the sqlite backend:
	// "sqlite" (FTS5, default) or "bleve".
	TextIndex string `yaml:"text_index" json:"text_index"`

	// CacheSize is the number of decoded documents kept in memory.
	CacheSize int `yaml:"cache_size" json:"cache_size"`

	// BusyTimeout is how long sqlite waits on a locked database.
	BusyTimeout string `yaml:"busy_timeout" json:"busy_timeout"`

	// LockTimeout bounds the retries for the data directory lock.
	LockTimeout string `yaml:"lock_timeout" json:"lock_timeout"`
}

// OptimizeConfig configures automatic storage compaction. Any threshold
// reached triggers a run.
type OptimizeConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// DocCountThreshold is the number of deleted or expired documents.
	DocCountThreshold int `yaml:"doc_count_threshold" json:"doc_count_threshold"`
	// BytesThreshold is the estimated reclaimable size.
	BytesThreshold int64 `yaml:"bytes_threshold" json:"bytes_threshold"`
	// TimeThreshold is the maximum time between runs, e.g. "168h".
	TimeThreshold string `yaml:"time_threshold" json:"time_threshold"`
	// CheckInterval is the number of mutations between threshold checks.
	CheckInterval int `yaml:"check_interval" json:"check_interval"`
}

// VisibilityConfig tunes visibility checks.
type VisibilityConfig struct {
	// CacheSize bounds the memoized (type, caller) decisions.
	CacheSize int `yaml:"cache_size" json:"cache_size"`
}

// MigrationConfig tunes schema migrations.
type MigrationConfig struct {
	// MaxFailures aborts a migration once more documents than this fail.
	// 0 never aborts.
	MaxFailures int `yaml:"max_failures" json:"max_failures"`
	// Parallelism bounds how many types are transformed at once.
	Parallelism int `yaml:"parallelism" json:"parallelism"`
	// SpillDir holds transformed documents until they are written back.
	// Empty uses the system temp dir.
	SpillDir string `yaml:"spill_dir" json:"spill_dir"`
}

// LoggingConfig configures the log file.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level"`
	FilePath  string `yaml:"file_path" json:"file_path"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" json:"max_files"`
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Storage: StorageConfig{
			DataDir:     defaultDataDir(),
			Backend:     BackendSQLite,
			TextIndex:   TextIndexSQLite,
			CacheSize:   1000,
			BusyTimeout: "5s",
			LockTimeout: "10s",
		},
		Optimize: OptimizeConfig{
			Enabled:           true,
			DocCountThreshold: 1000,
			BytesThreshold:    1_000_000,
			TimeThreshold:     "168h", // one week
			CheckInterval:     100,
		},
		Visibility: VisibilityConfig{
			CacheSize: 1024,
		},
		Migration: MigrationConfig{
			MaxFailures: 0,
			Parallelism: 4,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
	}
}

// defaultDataDir returns ~/.searchstore/data.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".searchstore", "data")
	}
	return filepath.Join(home, ".searchstore", "data")
}

// GetUserConfigPath returns the path to the user/global configuration file.
// It follows XDG Base Directory specification:
//   - $XDG_CONFIG_HOME/searchstore/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/searchstore/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "searchstore", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "searchstore", "config.yaml")
	}
	return filepath.Join(home, ".config", "searchstore", "config.yaml")
}

// GetUserConfigDir returns the directory containing the user configuration.
func GetUserConfigDir() string {
	return filepath.Dir(GetUserConfigPath())
}

// UserConfigExists returns true if the user configuration file exists.
func UserConfigExists() bool {
	return fileExists(GetUserConfigPath())
}

// LoadUserConfig loads the user configuration file on top of the defaults.
// Returns nil config and nil error if the file doesn't exist.
func LoadUserConfig() (*Config, error) {
	path := GetUserConfigPath()
	if !fileExists(path) {
		return nil, nil
	}
	cfg := NewConfig()
	if err := cfg.loadYAML(path); err != nil {
		return nil, fmt.Errorf("failed to load user config from %s: %w", path, err)
	}
	return cfg, nil
}

// Load loads configuration for the given directory.
// It applies configuration in order of increasing precedence:
//  1. Hardcoded defaults
//  2. User/global config (~/.config/searchstore/config.yaml)
//  3. Project config (.searchstore.yaml in dir)
//  4. Environment variables (SEARCHSTORE_*)
func Load(dir string) (*Config, error) {
	return LoadFile(dir, "")
}

// LoadFile is Load with one more layer: the file at path, applied after
// the project config and before the environment. An empty path skips it.
func LoadFile(dir, path string) (*Config, error) {
	cfg := NewConfig()

	if userPath := GetUserConfigPath(); fileExists(userPath) {
		if err := cfg.loadYAML(userPath); err != nil {
			return nil, fmt.Errorf("failed to load user config: %w", err)
		}
	}

	if projectPath := filepath.Join(dir, ProjectConfigName); fileExists(projectPath) {
		if err := cfg.loadYAML(projectPath); err != nil {
			return nil, err
		}
	}

	if path != "" {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadYAML decodes a file onto the current values; fields the file leaves
// out keep whatever the earlier layers set, explicit false included.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies SEARCHSTORE_* environment variable overrides.
// Unparseable values are ignored.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SEARCHSTORE_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("SEARCHSTORE_BACKEND"); v != "" {
		c.Storage.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("SEARCHSTORE_TEXT_INDEX"); v != "" {
		c.Storage.TextIndex = strings.ToLower(v)
	}
	if v := os.Getenv("SEARCHSTORE_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Storage.CacheSize = n
		}
	}

	if v := os.Getenv("SEARCHSTORE_OPTIMIZE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Optimize.Enabled = b
		}
	}
	if v := os.Getenv("SEARCHSTORE_OPTIMIZE_CHECK_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Optimize.CheckInterval = n
		}
	}

	if v := os.Getenv("SEARCHSTORE_MIGRATION_MAX_FAILURES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Migration.MaxFailures = n
		}
	}
	if v := os.Getenv("SEARCHSTORE_MIGRATION_SPILL_DIR"); v != "" {
		c.Migration.SpillDir = v
	}

	if v := os.Getenv("SEARCHSTORE_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendSQLite:
	default:
		return invalid("storage.backend", "must be 'sqlite' or 'memory', got %q", c.Storage.Backend)
	}
	switch c.Storage.TextIndex {
	case TextIndexSQLite, TextIndexBleve:
	default:
		return invalid("storage.text_index", "must be 'sqlite' or 'bleve', got %q", c.Storage.TextIndex)
	}
	if c.Storage.Backend == BackendSQLite && c.Storage.DataDir == "" {
		return invalid("storage.data_dir", "is required for the sqlite backend")
	}
	if c.Storage.CacheSize < 0 {
		return invalid("storage.cache_size", "must be non-negative, got %d", c.Storage.CacheSize)
	}
	for key, v := range map[string]string{
		"storage.busy_timeout":    c.Storage.BusyTimeout,
		"storage.lock_timeout":    c.Storage.LockTimeout,
		"optimize.time_threshold": c.Optimize.TimeThreshold,
	} {
		if _, err := parseDuration(v); err != nil {
			return invalid(key, "%v", err)
		}
	}

	if c.Optimize.DocCountThreshold < 0 || c.Optimize.BytesThreshold < 0 {
		return invalid("optimize", "thresholds must be non-negative")
	}
	if c.Optimize.CheckInterval < 0 {
		return invalid("optimize.check_interval", "must be non-negative, got %d", c.Optimize.CheckInterval)
	}
	if c.Visibility.CacheSize < 0 {
		return invalid("visibility.cache_size", "must be non-negative, got %d", c.Visibility.CacheSize)
	}
	if c.Migration.MaxFailures < 0 {
		return invalid("migration.max_failures", "must be non-negative, got %d", c.Migration.MaxFailures)
	}
	if c.Migration.Parallelism < 0 {
		return invalid("migration.parallelism", "must be non-negative, got %d", c.Migration.Parallelism)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return invalid("logging.level", "must be 'debug', 'info', 'warn', or 'error', got %q", c.Logging.Level)
	}
	return nil
}

func invalid(key, format string, args ...any) error {
	return errors.ConfigError(key+" "+fmt.Sprintf(format, args...), nil).
		WithDetail("key", key).
		WithSuggestion("Fix the value in " + GetUserConfigPath() + " or " + ProjectConfigName)
}

// parseDuration accepts Go durations; empty means zero.
func parseDuration(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// BusyTimeout returns storage.busy_timeout as a duration.
func (c *Config) BusyTimeout() time.Duration {
	d, _ := parseDuration(c.Storage.BusyTimeout)
	return d
}

// LockTimeout returns storage.lock_timeout as a duration.
func (c *Config) LockTimeout() time.Duration {
	d, _ := parseDuration(c.Storage.LockTimeout)
	return d
}

// TimeThreshold returns optimize.time_threshold as a duration.
func (c *Config) TimeThreshold() time.Duration {
	d, _ := parseDuration(c.Optimize.TimeThreshold)
	return d
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// FindProjectRoot walks up from startDir to the nearest directory holding
// a .searchstore.yaml or a .git directory. Without either it returns the
// absolute startDir.
func FindProjectRoot(startDir string) (string, error) {
	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	currentDir := absDir
	for {
		if fileExists(filepath.Join(currentDir, ProjectConfigName)) ||
			dirExists(filepath.Join(currentDir, ".git")) {
			return currentDir, nil
		}
		parentDir := filepath.Dir(currentDir)
		if parentDir == currentDir {
			return absDir, nil
		}
		currentDir = parentDir
	}
}

// fileExists checks if a file exists and is not a directory.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// dirExists checks if a directory exists.
func dirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}
