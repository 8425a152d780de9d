package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/NeverVane/omniscient/internal/logger"
	"github.com/NeverVane/omniscient/internal/redact"
)

// Environment overrides
const (
	EnvConfigPath = "OMNISCIENT_CONFIG"
	EnvDataDir    = "OMNISCIENT_DATA_DIR"
)

// Search engines accepted by search.engine
const (
	EngineFTS   = "fts"
	EngineBleve = "bleve"
)

// Config represents the complete configuration for omniscient
type Config struct {
	// Storage configuration
	Storage StorageConfig `toml:"storage"`

	// Privacy (redaction) configuration
	Privacy PrivacyConfig `toml:"privacy"`

	// Capture pipeline configuration
	Capture CaptureConfig `toml:"capture"`

	// Search configuration
	Search SearchConfig `toml:"search"`

	// Logging configuration
	Logging logger.Config `toml:"logging"`

	// Output configuration
	Output OutputConfig `toml:"output"`

	// Sentry configuration
	Sentry SentryConfig `toml:"sentry"`

	// Path the config was loaded from (computed, not stored in TOML)
	Path string `toml:"-"`
}

// StorageConfig contains database-related settings
type StorageConfig struct {
	// Storage backend, only "sqlite" is supported
	Type string `toml:"type"`

	// Path to the SQLite database file, "~" is expanded
	Path string `toml:"path"`

	// How long a writer waits on a locked database, in milliseconds
	BusyTimeoutMS int `toml:"busy_timeout_ms"`
}

// PrivacyConfig controls which commands are never stored
type PrivacyConfig struct {
	Enabled        bool     `toml:"enabled"`
	RedactPatterns []string `toml:"redact_patterns"`
}

// CaptureConfig contains capture pipeline settings
type CaptureConfig struct {
	// Commands faster than this are not recorded
	MinDurationMS int64 `toml:"min_duration_ms"`

	// Advisory size of the history, reported by stats when exceeded
	MaxHistorySize int64 `toml:"max_history_size"`

	// How long capture waits for the write lock, in milliseconds
	LockTimeoutMS int `toml:"lock_timeout_ms"`
}

// SearchConfig contains text search settings
type SearchConfig struct {
	// Text index used for phrase search: "fts" (SQLite FTS5) or "bleve"
	Engine string `toml:"engine"`

	// Location of the bleve index, "~" is expanded
	IndexPath string `toml:"index_path"`

	// Result limit used when none is given
	DefaultLimit int `toml:"default_limit"`
}

// OutputConfig controls terminal rendering
type OutputConfig struct {
	ColorsEnabled bool `toml:"colors_enabled"`
	AutoDetectTTY bool `toml:"auto_detect_tty"`
}

// SentryConfig contains remote error reporting settings
type SentryConfig struct {
	Enabled     bool    `toml:"enabled"`
	DSN         string  `toml:"dsn"`
	Environment string  `toml:"environment"`
	SampleRate  float64 `toml:"sample_rate"`
	Debug       bool    `toml:"debug"`
}

// DefaultDir returns ~/.omniscient
func DefaultDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".omniscient"
	}
	return filepath.Join(homeDir, ".omniscient")
}

// DefaultPath returns the config file location, honoring OMNISCIENT_CONFIG.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return filepath.Join(DefaultDir(), "config.toml")
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Type:          "sqlite",
			Path:          "~/.omniscient/history.db",
			BusyTimeoutMS: 5000,
		},
		Privacy: PrivacyConfig{
			Enabled:        true,
			RedactPatterns: append([]string(nil), redact.DefaultPatterns...),
		},
		Capture: CaptureConfig{
			MinDurationMS:  0,
			MaxHistorySize: 100000,
			LockTimeoutMS:  2000,
		},
		Search: SearchConfig{
			Engine:       EngineFTS,
			IndexPath:    "~/.omniscient/index.bleve",
			DefaultLimit: 20,
		},
		Logging: *logger.DefaultConfig(),
		Output: OutputConfig{
			ColorsEnabled: true,
			AutoDetectTTY: true,
		},
		Sentry: SentryConfig{
			Enabled:     false,
			Environment: "production",
			SampleRate:  1.0,
		},
	}
}

// Load loads configuration from the specified path. A missing file yields
// the defaults.
func Load(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath == "" {
		configPath = DefaultPath()
	}
	config.Path = configPath

	if _, err := os.Stat(configPath); err == nil {
		if _, err := toml.DecodeFile(configPath, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file %s: %w", configPath, err)
	}

	config.ApplyDefaults()

	if dataDir := os.Getenv(EnvDataDir); dataDir != "" {
		if err := config.ApplyDataDir(dataDir); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := config.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return config, nil
}

// ApplyDataDir relocates the database and the bleve index into dir.
func (c *Config) ApplyDataDir(dir string) error {
	if !filepath.IsAbs(dir) {
		return fmt.Errorf("%s must be an absolute path, got: %s", EnvDataDir, dir)
	}
	dir = filepath.Clean(dir)
	c.Storage.Path = filepath.Join(dir, "history.db")
	c.Search.IndexPath = filepath.Join(dir, "index.bleve")
	return nil
}

// Save writes the configuration as TOML
func (c *Config) Save(configPath string) error {
	if configPath == "" {
		configPath = c.Path
	}
	if configPath == "" {
		configPath = DefaultPath()
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := c.Encode()
	if err != nil {
		return err
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Encode renders the configuration as TOML
func (c *Config) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return nil, fmt.Errorf("failed to encode config as TOML: %w", err)
	}
	return buf.Bytes(), nil
}

// Validate validates the configuration. Redaction patterns are compiled here
// so a bad pattern is reported before any capture runs.
func (c *Config) Validate() error {
	if c.Storage.Type != "sqlite" {
		return fmt.Errorf("storage.type must be sqlite, got %q", c.Storage.Type)
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Storage.BusyTimeoutMS < 0 {
		return fmt.Errorf("storage.busy_timeout_ms must be non-negative")
	}

	if _, err := c.Redactor(); err != nil {
		return fmt.Errorf("privacy.redact_patterns: %w", err)
	}

	if c.Capture.MinDurationMS < 0 {
		return fmt.Errorf("capture.min_duration_ms must be non-negative")
	}
	if c.Capture.MaxHistorySize <= 0 {
		return fmt.Errorf("capture.max_history_size must be positive")
	}
	if c.Capture.LockTimeoutMS < 0 {
		return fmt.Errorf("capture.lock_timeout_ms must be non-negative")
	}

	switch c.Search.Engine {
	case EngineFTS:
	case EngineBleve:
		if strings.TrimSpace(c.Search.IndexPath) == "" {
			return fmt.Errorf("search.index_path is required when search.engine is bleve")
		}
	default:
		return fmt.Errorf("search.engine must be one of: fts, bleve")
	}
	if c.Search.DefaultLimit <= 0 {
		return fmt.Errorf("search.default_limit must be positive")
	}

	if c.Sentry.SampleRate < 0 || c.Sentry.SampleRate > 1 {
		return fmt.Errorf("sentry.sample_rate must be between 0.0 and 1.0")
	}

	return nil
}

// ApplyDefaults fills in values left empty by a partial config file
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.Storage.Type == "" {
		c.Storage.Type = defaults.Storage.Type
	}
	if c.Storage.Path == "" {
		c.Storage.Path = defaults.Storage.Path
	}
	if c.Storage.BusyTimeoutMS == 0 {
		c.Storage.BusyTimeoutMS = defaults.Storage.BusyTimeoutMS
	}

	if c.Capture.MaxHistorySize == 0 {
		c.Capture.MaxHistorySize = defaults.Capture.MaxHistorySize
	}
	if c.Capture.LockTimeoutMS == 0 {
		c.Capture.LockTimeoutMS = defaults.Capture.LockTimeoutMS
	}

	if c.Search.Engine == "" {
		c.Search.Engine = defaults.Search.Engine
	}
	if c.Search.IndexPath == "" {
		c.Search.IndexPath = defaults.Search.IndexPath
	}
	if c.Search.DefaultLimit == 0 {
		c.Search.DefaultLimit = defaults.Search.DefaultLimit
	}

	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
	if c.Logging.Output == "" {
		c.Logging.Output = defaults.Logging.Output
	}
}

// EnsureDirectories creates the directories holding the database and index
func (c *Config) EnsureDirectories() error {
	dirs := []string{filepath.Dir(c.DatabasePath())}
	if c.Search.Engine == EngineBleve {
		dirs = append(dirs, filepath.Dir(c.IndexPath()))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Redactor builds the redaction collaborator from the privacy section
func (c *Config) Redactor() (*redact.Redactor, error) {
	return redact.New(c.Privacy.RedactPatterns, c.Privacy.Enabled)
}

// DatabasePath returns storage.path with "~" expanded
func (c *Config) DatabasePath() string {
	return ExpandPath(c.Storage.Path)
}

// IndexPath returns search.index_path with "~" expanded
func (c *Config) IndexPath() string {
	return ExpandPath(c.Search.IndexPath)
}

// LockPath is the advisory lock file guarding capture writes
func (c *Config) LockPath() string {
	return c.DatabasePath() + ".lock"
}

func (c *Config) GetLockTimeout() time.Duration {
	return time.Duration(c.Capture.LockTimeoutMS) * time.Millisecond
}

func (c *Config) GetBusyTimeout() time.Duration {
	return time.Duration(c.Storage.BusyTimeoutMS) * time.Millisecond
}

// ExpandPath replaces a leading "~" with the user's home directory
func ExpandPath(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, strings.TrimPrefix(path, "~"))
}
