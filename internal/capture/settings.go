package capture

import (
	"log/slog"

	"edittrail/internal/config"
)

// FromSettings builds orchestrator options from the [capture] section.
func FromSettings(cc config.CaptureConfig, logger *slog.Logger) ([]Option, error) {
	ex, err := NewExcluder(cc.ExcludePatterns)
	if err != nil {
		return nil, err
	}

	opts := DefaultOptions()
	if cc.Source != "" {
		opts.Source = cc.Source
	}
	if cc.MaxFileSize > 0 {
		opts.MaxFileSize = cc.MaxFileSize
	}
	if cc.TimeoutMs > 0 {
		opts.Timeout = cc.Timeout()
	}
	if cc.LockTimeoutMs > 0 {
		opts.StepTimeout = cc.LockTimeout()
	}
	opts.Exclude = ex

	level := cc.CompressionLevel
	out := []Option{
		WithOptions(opts),
		WithRepositories(FileRepositories{CompressionLevel: &level, Logger: logger}),
	}
	if logger != nil {
		out = append(out, WithLogger(logger))
	}
	return out, nil
}
