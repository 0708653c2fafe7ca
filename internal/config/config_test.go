package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	if cfg.Capture.Source != "edittrail-hook" {
		t.Errorf("expected source edittrail-hook, got %s", cfg.Capture.Source)
	}
	if cfg.Capture.Timeout() != 2*time.Second {
		t.Errorf("expected 2s timeout, got %v", cfg.Capture.Timeout())
	}
	if cfg.Capture.LockTimeout() != 500*time.Millisecond {
		t.Errorf("expected 500ms lock timeout, got %v", cfg.Capture.LockTimeout())
	}
	if cfg.Watch.Source != "edittrail-watch" {
		t.Errorf("expected watch source edittrail-watch, got %s", cfg.Watch.Source)
	}
	if cfg.Logging.Output != "file" {
		t.Errorf("hook must not log to stdio by default, got output %s", cfg.Logging.Output)
	}
	if !strings.Contains(cfg.Logging.FilePath, "edittrail") {
		t.Errorf("log path should contain edittrail: %s", cfg.Logging.FilePath)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestConfigPath(t *testing.T) {
	t.Setenv("EDITTRAIL_CONFIG", "")
	path := ConfigPath()
	if !strings.HasSuffix(path, "config.toml") {
		t.Errorf("expected path ending with config.toml, got %s", path)
	}
	if !strings.Contains(path, "edittrail") {
		t.Errorf("config path should contain edittrail: %s", path)
	}

	t.Setenv("EDITTRAIL_CONFIG", "/etc/edittrail.yaml")
	if got := ConfigPath(); got != "/etc/edittrail.yaml" {
		t.Errorf("expected env override, got %s", got)
	}
}

func TestLoadNonexistent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing", "config.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Capture.TimeoutMs != 2000 {
		t.Errorf("expected default timeout, got %d", cfg.Capture.TimeoutMs)
	}
}

func TestLoadTOML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.toml")
	content := `
version = 1

[capture]
source = "my-agent"
max_file_size = 1024
timeout_ms = 800
lock_timeout_ms = 100
exclude_patterns = ["*.secret", "**/build/**"]

[watch]
debounce_ms = 250

[logging]
level = "debug"
output = "stderr"
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Capture.Source != "my-agent" {
		t.Errorf("expected source my-agent, got %s", cfg.Capture.Source)
	}
	if cfg.Capture.MaxFileSize != 1024 {
		t.Errorf("expected max size 1024, got %d", cfg.Capture.MaxFileSize)
	}
	if len(cfg.Capture.ExcludePatterns) != 2 || cfg.Capture.ExcludePatterns[1] != "**/build/**" {
		t.Errorf("unexpected exclude patterns: %v", cfg.Capture.ExcludePatterns)
	}
	if cfg.Watch.Debounce() != 250*time.Millisecond {
		t.Errorf("expected 250ms debounce, got %v", cfg.Watch.Debounce())
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Output != "stderr" {
		t.Errorf("unexpected logging config: %+v", cfg.Logging)
	}
	// Unset fields keep defaults.
	if cfg.Logging.Format != "json" {
		t.Errorf("expected default format json, got %s", cfg.Logging.Format)
	}
	if cfg.Watch.Source != "edittrail-watch" {
		t.Errorf("expected default watch source, got %s", cfg.Watch.Source)
	}
}

func TestLoadJSONAndYAML(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "config.json")
	if err := os.WriteFile(jsonPath, []byte(`{"capture": {"timeout_ms": 900}}`), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(jsonPath)
	if err != nil {
		t.Fatalf("Load JSON failed: %v", err)
	}
	if cfg.Capture.TimeoutMs != 900 {
		t.Errorf("expected 900, got %d", cfg.Capture.TimeoutMs)
	}

	yamlPath := filepath.Join(dir, "config.yaml")
	yamlContent := "capture:\n  source: yaml-agent\nwatch:\n  paths:\n    - /tmp\n"
	if err := os.WriteFile(yamlPath, []byte(yamlContent), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(yamlPath)
	if err != nil {
		t.Fatalf("Load YAML failed: %v", err)
	}
	if cfg.Capture.Source != "yaml-agent" {
		t.Errorf("expected yaml-agent, got %s", cfg.Capture.Source)
	}
	if len(cfg.Watch.Paths) != 1 || cfg.Watch.Paths[0] != "/tmp" {
		t.Errorf("unexpected watch paths: %v", cfg.Watch.Paths)
	}
}

func TestLoadAutoDetect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edittrailrc")
	if err := os.WriteFile(path, []byte(`{"logging": {"level": "warn"}}`), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected warn, got %s", cfg.Logging.Level)
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(configPath, []byte("this is not valid toml {{{\n"), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("EDITTRAIL_SOURCE", "env-agent")
	t.Setenv("EDITTRAIL_TIMEOUT_MS", "1500")
	t.Setenv("EDITTRAIL_LOCK_TIMEOUT_MS", "not-a-number")
	t.Setenv("EDITTRAIL_EXCLUDE", "*.a, *.b")
	t.Setenv("EDITTRAIL_DISABLE", "true")
	t.Setenv("EDITTRAIL_LOG_LEVEL", "error")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Capture.Source != "env-agent" {
		t.Errorf("expected env-agent, got %s", cfg.Capture.Source)
	}
	if cfg.Capture.TimeoutMs != 1500 {
		t.Errorf("expected 1500, got %d", cfg.Capture.TimeoutMs)
	}
	if cfg.Capture.LockTimeoutMs != 500 {
		t.Errorf("malformed value must be ignored, got %d", cfg.Capture.LockTimeoutMs)
	}
	if len(cfg.Capture.ExcludePatterns) != 2 || cfg.Capture.ExcludePatterns[1] != "*.b" {
		t.Errorf("unexpected patterns: %v", cfg.Capture.ExcludePatterns)
	}
	if !cfg.Capture.Disabled {
		t.Error("expected capture disabled")
	}
	if cfg.Logging.Level != "error" {
		t.Errorf("expected error level, got %s", cfg.Logging.Level)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"version", func(c *Config) { c.Version = 7 }, "version"},
		{"empty source", func(c *Config) { c.Capture.Source = "" }, "capture.source"},
		{"negative size", func(c *Config) { c.Capture.MaxFileSize = -1 }, "capture.max_file_size"},
		{"timeout range", func(c *Config) { c.Capture.TimeoutMs = 120000 }, "capture.timeout_ms"},
		{"compression", func(c *Config) { c.Capture.CompressionLevel = 12 }, "capture.compression_level"},
		{"bad glob", func(c *Config) { c.Capture.ExcludePatterns = []string{"[oops"} }, "capture.exclude_patterns[0]"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"log file", func(c *Config) { c.Logging.FilePath = "" }, "logging.file_path"},
		{"debounce", func(c *Config) { c.Watch.DebounceMs = -5 }, "watch.debounce_ms"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %T", err)
			}
			found := false
			for _, e := range verrs {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error on %s, got %v", tt.field, verrs)
			}
		})
	}
}

func TestValidateWarnings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Watch.Paths = []string{filepath.Join(t.TempDir(), "not-yet")}
	cfg.Capture.LockTimeoutMs = 3000

	if err := cfg.Validate(); err != nil {
		t.Errorf("warnings must not fail validation: %v", err)
	}

	warnings := Check(cfg).Warnings()
	if len(warnings) != 2 {
		t.Errorf("expected 2 warnings, got %v", warnings)
	}
}

func TestCloneIsDeep(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Watch.Paths = []string{"/a"}

	clone := cfg.Clone()
	clone.Watch.Paths[0] = "/b"
	clone.Capture.ExcludePatterns[0] = "changed"

	if cfg.Watch.Paths[0] != "/a" {
		t.Error("clone shares watch paths")
	}
	if cfg.Capture.ExcludePatterns[0] == "changed" {
		t.Error("clone shares exclude patterns")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	for _, ext := range SupportedConfigFormats() {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", "config."+ext)

			cfg := DefaultConfig()
			cfg.Capture.Source = "saved-" + ext
			cfg.Watch.DebounceMs = 42
			if err := SaveConfig(cfg, path); err != nil {
				t.Fatalf("SaveConfig failed: %v", err)
			}

			back, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if back.Capture.Source != cfg.Capture.Source {
				t.Errorf("expected %s, got %s", cfg.Capture.Source, back.Capture.Source)
			}
			if back.Watch.DebounceMs != 42 {
				t.Errorf("expected 42, got %d", back.Watch.DebounceMs)
			}
		})
	}
}

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	_, created, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if !created {
		t.Error("expected file to be created")
	}

	_, created, err = LoadOrCreate(path)
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if created {
		t.Error("expected existing file to be loaded")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		field   string
	}{
		{"compression level", "[capture]\ncompression_level = 42\n", "capture.compression_level"},
		{"log level", "[logging]\nlevel = \"loud\"\n", "logging.level"},
		{"exclude pattern", "[capture]\nexclude_patterns = [\"[oops\"]\n", "capture.exclude_patterns[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
				t.Fatal(err)
			}

			_, err := Load(path)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("expected error naming %s, got %v", tt.field, err)
			}
		})
	}
}

func TestLoadValidatesEnvOverrides(t *testing.T) {
	t.Setenv("EDITTRAIL_TIMEOUT_MS", "999999")
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig from env override, got %v", err)
	}
}

func TestLoadKeepsWarnings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "[watch]\npaths = [\"" + filepath.ToSlash(filepath.Join(t.TempDir(), "later")) + "\"]\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("warnings must not fail Load: %v", err)
	}
	if len(Check(cfg).Warnings()) != 1 {
		t.Errorf("expected 1 warning, got %v", Check(cfg).Warnings())
	}
}

func TestLoaderWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[capture]\nsource = \"one\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(path)
	defer l.Close()
	if _, err := l.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	changed := make(chan *Config, 4)
	l.OnChange(func(c *Config) { changed <- c })
	if err := l.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	if err := os.WriteFile(path, []byte("[capture]\nsource = \"two\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-changed:
		if c.Capture.Source != "two" {
			t.Errorf("expected reloaded source two, got %s", c.Capture.Source)
		}
		if l.Config().Capture.Source != "two" {
			t.Error("loader did not store reloaded config")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("config change not observed")
	}
}

func TestLoaderRejectsInvalidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[capture]\nsource = \"one\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(path)
	defer l.Close()
	if _, err := l.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	changed := make(chan *Config, 4)
	l.OnChange(func(c *Config) { changed <- c })
	if err := l.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	if err := os.WriteFile(path, []byte("[capture]\ncompression_level = 42\n"), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-l.Errors():
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	case c := <-changed:
		t.Fatalf("invalid config was applied: %+v", c.Capture)
	case <-time.After(3 * time.Second):
		t.Fatal("invalid reload not reported")
	}
	if l.Config().Capture.Source != "one" {
		t.Error("loader replaced config with an invalid one")
	}
}
