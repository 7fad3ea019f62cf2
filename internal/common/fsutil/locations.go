package fsutil

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/deploymenttheory/go-license-engine/internal/common/osutil"
)

// GetHomeDir returns the user's home directory
func GetHomeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine home directory: %w", err)
	}
	return home, nil
}

// envOr returns $name, or the path built from home and rel when it is unset.
func envOr(name, home string, rel ...string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return filepath.Join(append([]string{home}, rel...)...)
}

// GetConfigDir returns the per-user directory searched for the config file.
// Development runs use ./config.
func GetConfigDir(appName string) (string, error) {
	if osutil.IsDevEnvironment() {
		return "config", nil
	}
	home, err := GetHomeDir()
	if err != nil {
		return "", err
	}

	var base string
	switch {
	case osutil.IsWindows():
		base = envOr("APPDATA", home, "AppData", "Roaming")
	case osutil.IsMacOS():
		base = filepath.Join(home, "Library", "Application Support")
	default:
		base = envOr("XDG_CONFIG_HOME", home, ".config")
	}
	return filepath.Join(base, appName), nil
}

// GetSystemConfigDir returns the machine-wide config directory, where a
// device secret provisioned by an administrator usually lives.
func GetSystemConfigDir(appName string) (string, error) {
	if osutil.IsDevEnvironment() {
		return "config", nil
	}

	switch {
	case osutil.IsWindows():
		return filepath.Join(envOr("ProgramData", "C:", "ProgramData"), appName), nil
	case osutil.IsMacOS():
		return filepath.Join("/Library", "Application Support", appName), nil
	default:
		return filepath.Join("/etc", appName), nil
	}
}

// GetLogDir returns the directory of the default log file
func GetLogDir(appName string) (string, error) {
	if osutil.IsDevEnvironment() {
		return "logs", nil
	}
	home, err := GetHomeDir()
	if err != nil {
		return "", err
	}

	switch {
	case osutil.IsWindows():
		return filepath.Join(envOr("LOCALAPPDATA", home, "AppData", "Local"), appName, "Logs"), nil
	case osutil.IsMacOS():
		return filepath.Join(home, "Library", "Logs", appName), nil
	default:
		return filepath.Join(envOr("XDG_STATE_HOME", home, ".local", "state"), appName, "logs"), nil
	}
}
