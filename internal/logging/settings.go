package logging

import (
	"path/filepath"

	"edittrail/internal/config"
)

// FromSettings builds a logging Config from the [logging] section.
func FromSettings(lc config.LoggingConfig, component string) (*Config, error) {
	level, err := ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	format, err := ParseFormat(lc.Format)
	if err != nil {
		return nil, err
	}

	return &Config{
		Level:      level,
		Format:     format,
		Output:     lc.Output,
		FilePath:   lc.FilePath,
		MaxSize:    int64(lc.MaxSizeMB),
		MaxAge:     lc.MaxAgeDays,
		MaxBackups: lc.MaxBackups,
		Compress:   lc.Compress,
		Component:  component,
	}, nil
}

// CrashDir returns the directory crash dumps go to for lc, or "" when logs
// are not written to a file.
func CrashDir(lc config.LoggingConfig) string {
	switch lc.Output {
	case "file", "both":
		if lc.FilePath == "" {
			return ""
		}
		return filepath.Join(filepath.Dir(lc.FilePath), "crashes")
	case "stdout", "stderr", "discard", "":
		return ""
	default:
		return filepath.Join(filepath.Dir(lc.Output), "crashes")
	}
}
