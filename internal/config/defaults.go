package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "edittrail"

// PlatformConfigDir returns the platform-specific configuration directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/edittrail/
//   - Linux:   $XDG_CONFIG_HOME/edittrail/ or ~/.config/edittrail/
//   - Windows: %APPDATA%\edittrail\
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", appName)
	case "linux":
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}
		return filepath.Join(homeDir(), ".config", appName)
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, appName)
		}
		return filepath.Join(homeDir(), "AppData", "Roaming", appName)
	default:
		return fallbackDir()
	}
}

// PlatformLogDir returns the platform-specific log directory.
//
// Platform paths:
//   - macOS:   ~/Library/Logs/edittrail/
//   - Linux:   $XDG_STATE_HOME/edittrail/ or ~/.local/state/edittrail/
//   - Windows: %LOCALAPPDATA%\edittrail\logs\
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Logs", appName)
	case "linux":
		if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}
		return filepath.Join(homeDir(), ".local", "state", appName)
	case "windows":
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, appName, "logs")
		}
		return filepath.Join(homeDir(), "AppData", "Local", appName, "logs")
	default:
		return filepath.Join(fallbackDir(), "logs")
	}
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return os.TempDir()
	}
	return home
}

func fallbackDir() string {
	return filepath.Join(homeDir(), "."+appName)
}

// DefaultExcludePatterns returns default capture exclude patterns.
func DefaultExcludePatterns() []string {
	return []string{
		// Editor swap and backup files
		"*.swp",
		"*.swo",
		"*~",
		".#*",
		"#*#",

		// Version control internals
		"**/.git/**",
		"**/.hg/**",
		"**/.svn/**",

		// Dependency and build trees
		"**/node_modules/**",
		"**/vendor/**",
		"**/__pycache__/**",

		// OS metadata
		".DS_Store",
		"Thumbs.db",
	}
}

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{
		"toml",
		"json",
		"yaml",
		"yml",
	}
}
