package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// Is makes errors.Is(errs, ErrInvalidConfig) hold for any non-empty set.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig && len(e) > 0
}

// ValidateConfig validates the configuration. Only error-level problems are
// returned; warnings are available from Check.
func ValidateConfig(c *Config) error {
	errs := Check(c).Errors()
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Check returns every validation problem, warnings included.
func Check(c *Config) ValidationErrors {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateCapture(&c.Capture)...)
	errs = append(errs, validateWatch(&c.Watch)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	return errs
}

func validateCapture(cc *CaptureConfig) ValidationErrors {
	var errs ValidationErrors

	if cc.Source == "" {
		errs = append(errs, *RequiredFieldError("capture.source"))
	}
	if cc.MaxFileSize < 0 {
		errs = append(errs, ValidationError{
			Field:   "capture.max_file_size",
			Message: "must not be negative (0 disables the limit)",
		})
	}
	if cc.TimeoutMs < 0 || cc.TimeoutMs > 60000 {
		errs = append(errs, *RangeError("capture.timeout_ms", 0, 60000))
	}
	if cc.LockTimeoutMs < 0 || cc.LockTimeoutMs > 60000 {
		errs = append(errs, *RangeError("capture.lock_timeout_ms", 0, 60000))
	}
	if cc.TimeoutMs > 0 && cc.LockTimeoutMs > cc.TimeoutMs {
		errs = append(errs, ValidationError{
			Field:   "capture.lock_timeout_ms",
			Message: "exceeds capture.timeout_ms and will be cut short",
		})
	}
	if cc.CompressionLevel < -2 || cc.CompressionLevel > 9 {
		errs = append(errs, *RangeError("capture.compression_level", -2, 9))
	}
	if cc.MaxInputBytes < 0 {
		errs = append(errs, ValidationError{
			Field:   "capture.max_input_bytes",
			Message: "must not be negative",
		})
	}
	for i, p := range cc.ExcludePatterns {
		if !isValidGlobPattern(p) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("capture.exclude_patterns[%d]", i),
				Message: fmt.Sprintf("invalid glob pattern: %q", p),
			})
		}
	}

	return errs
}

func validateWatch(w *WatchConfig) ValidationErrors {
	var errs ValidationErrors

	for i, path := range w.Paths {
		expanded := expandPath(path)
		info, err := os.Stat(expanded)
		switch {
		case err != nil:
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("watch.paths[%d]", i),
				Message: fmt.Sprintf("path does not exist: %s", path),
			})
		case !info.IsDir():
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("watch.paths[%d]", i),
				Message: fmt.Sprintf("not a directory: %s", path),
			})
		}
	}

	if w.DebounceMs < 0 || w.DebounceMs > 600000 {
		errs = append(errs, *RangeError("watch.debounce_ms", 0, 600000))
	}
	if w.Source == "" {
		errs = append(errs, *RequiredFieldError("watch.source"))
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr", "discard":
	case "file":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output is 'file'",
			})
		}
	case "":
		errs = append(errs, *RequiredFieldError("logging.output"))
	}

	if l.MaxSizeMB < 0 {
		errs = append(errs, *RangeError("logging.max_size_mb", 0, "unbounded"))
	}
	if l.MaxBackups < 0 {
		errs = append(errs, *RangeError("logging.max_backups", 0, "unbounded"))
	}
	if l.MaxAgeDays < 0 {
		errs = append(errs, *RangeError("logging.max_age_days", 0, "unbounded"))
	}

	return errs
}

// Helper functions

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

func isValidGlobPattern(pattern string) bool {
	if pattern == "" {
		return false
	}
	_, err := glob.Compile(pattern, '/')
	return err == nil
}

// IsWarning returns true if this is a non-fatal validation issue.
func (e *ValidationError) IsWarning() bool {
	warningFields := []string{
		"watch.paths", // Paths might not exist yet
		"capture.lock_timeout_ms",
	}
	for _, f := range warningFields {
		if strings.HasPrefix(e.Field, f) && !strings.HasPrefix(e.Message, "value must be between") {
			return true
		}
	}
	return false
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
