// Package config handles configuration loading, validation, and management for edittrail.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// Version is the current configuration schema version.
const Version = 1

// EnvPrefix prefixes every environment override.
const EnvPrefix = "EDITTRAIL_"

// Config holds the complete edittrail configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Capture configuration for the hook and manual captures.
	Capture CaptureConfig `toml:"capture" json:"capture" yaml:"capture"`

	// Watch configuration for the filesystem watch integration.
	Watch WatchConfig `toml:"watch" json:"watch" yaml:"watch"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// CaptureConfig controls how a single capture runs.
type CaptureConfig struct {
	// Disabled turns every capture into a no-op.
	Disabled bool `toml:"disabled" json:"disabled" yaml:"disabled"`

	// Source is the tag written to the source field of each record.
	Source string `toml:"source" json:"source" yaml:"source"`

	// MaxFileSize is the largest file, in bytes, that is read and stored.
	MaxFileSize int64 `toml:"max_file_size" json:"max_file_size" yaml:"max_file_size"`

	// TimeoutMs bounds a whole capture.
	TimeoutMs int `toml:"timeout_ms" json:"timeout_ms" yaml:"timeout_ms"`

	// LockTimeoutMs bounds each storage step, including waiting for the
	// path index lock.
	LockTimeoutMs int `toml:"lock_timeout_ms" json:"lock_timeout_ms" yaml:"lock_timeout_ms"`

	// ExcludePatterns are glob patterns of files that are never captured.
	ExcludePatterns []string `toml:"exclude_patterns" json:"exclude_patterns" yaml:"exclude_patterns"`

	// CompressionLevel is the gzip level for new blobs (-1 for default).
	CompressionLevel int `toml:"compression_level" json:"compression_level" yaml:"compression_level"`

	// MaxInputBytes bounds the hook payload read from stdin.
	MaxInputBytes int64 `toml:"max_input_bytes" json:"max_input_bytes" yaml:"max_input_bytes"`
}

// Timeout returns TimeoutMs as a duration.
func (c CaptureConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// LockTimeout returns LockTimeoutMs as a duration.
func (c CaptureConfig) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMs) * time.Millisecond
}

// WatchConfig holds filesystem watch configuration.
type WatchConfig struct {
	// Paths are directories to watch.
	Paths []string `toml:"paths" json:"paths" yaml:"paths"`

	// DebounceMs is how long a file must stay unchanged before capture.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`

	// Recursive watches subdirectories as well.
	Recursive bool `toml:"recursive" json:"recursive" yaml:"recursive"`

	// Source is the tag written to records produced by the watcher.
	Source string `toml:"source" json:"source" yaml:"source"`
}

// Debounce returns DebounceMs as a duration.
func (w WatchConfig) Debounce() time.Duration {
	return time.Duration(w.DebounceMs) * time.Millisecond
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file", "discard", or a
	// file path.
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output is "file").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of log files in days.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Capture: CaptureConfig{
			Source:           "edittrail-hook",
			MaxFileSize:      50 * 1024 * 1024, // 50MB
			TimeoutMs:        2000,
			LockTimeoutMs:    500,
			ExcludePatterns:  DefaultExcludePatterns(),
			CompressionLevel: -1,
			MaxInputBytes:    16 * 1024 * 1024,
		},
		Watch: WatchConfig{
			Paths:      []string{},
			DebounceMs: 500,
			Recursive:  true,
			Source:     "edittrail-watch",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "file",
			FilePath:   filepath.Join(PlatformLogDir(), "edittrail.log"),
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 14,
			Compress:   true,
		},
	}
}

// ConfigPath returns the configuration file path: $EDITTRAIL_CONFIG when
// set, otherwise config.toml in the platform config directory.
func ConfigPath() string {
	if v := os.Getenv(EnvPrefix + "CONFIG"); v != "" {
		return v
	}
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads configuration from the specified path, applies environment
// overrides and validates the result. If the file doesn't exist, returns
// default configuration. Supports TOML, JSON, and YAML formats based on file
// extension. Validation warnings do not fail the load.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with EDITTRAIL_ and use underscores.
// Malformed numeric values are ignored.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Capture overrides
	if v, ok := envBool("DISABLE"); ok {
		c.Capture.Disabled = v
	}
	if v := os.Getenv(EnvPrefix + "SOURCE"); v != "" {
		c.Capture.Source = v
	}
	if v, ok := envInt("MAX_FILE_SIZE"); ok {
		c.Capture.MaxFileSize = int64(v)
	}
	if v, ok := envInt("TIMEOUT_MS"); ok {
		c.Capture.TimeoutMs = v
	}
	if v, ok := envInt("LOCK_TIMEOUT_MS"); ok {
		c.Capture.LockTimeoutMs = v
	}
	if v := os.Getenv(EnvPrefix + "EXCLUDE"); v != "" {
		c.Capture.ExcludePatterns = splitList(v)
	}

	// Watch overrides
	if v := os.Getenv(EnvPrefix + "WATCH_PATHS"); v != "" {
		c.Watch.Paths = splitList(v)
	}
	if v, ok := envInt("DEBOUNCE_MS"); ok {
		c.Watch.DebounceMs = v
	}

	// Logging overrides
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_OUTPUT"); v != "" {
		c.Logging.Output = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(EnvPrefix + name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(name string) (bool, bool) {
	v := os.Getenv(EnvPrefix + name)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// splitList splits a comma or path-list separated value.
func splitList(v string) []string {
	fields := strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || r == os.PathListSeparator
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version: c.Version,
		Capture: c.Capture,
		Watch:   c.Watch,
		Logging: c.Logging,
	}
	clone.Capture.ExcludePatterns = append([]string{}, c.Capture.ExcludePatterns...)
	clone.Watch.Paths = append([]string{}, c.Watch.Paths...)
	return clone
}

// String renders the configuration as TOML.
func (c *Config) String() string {
	var b strings.Builder
	if err := toml.NewEncoder(&b).Encode(c.Clone()); err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return b.String()
}
