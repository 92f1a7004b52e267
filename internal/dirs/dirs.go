// Package dirs provides standard directory resolution for twinsbt.
// It handles XDG base directories with appropriate fallbacks for
// platforms where XDG isn't fully supported (e.g., macOS).
package dirs

import (
	"os"
	"path/filepath"
)

// ConfigFileName is the name of the config file inside ConfigDir.
const ConfigFileName = "config.toml"

// ConfigDir returns the directory holding user configuration.
// Priority: $TWINSBT_CONFIG_DIR > $XDG_CONFIG_HOME/twinsbt > ~/.config/twinsbt
func ConfigDir() string {
	return ConfigDirEnv(os.Getenv)
}

// ConfigDirEnv is ConfigDir with environment lookups going through getenv.
func ConfigDirEnv(getenv func(string) string) string {
	if v := getenv("TWINSBT_CONFIG_DIR"); v != "" {
		return v
	}
	if base := getenv("XDG_CONFIG_HOME"); base != "" {
		return filepath.Join(base, "twinsbt")
	}
	if home := getenv("HOME"); home != "" {
		return filepath.Join(home, ".config", "twinsbt")
	}
	return filepath.Join(os.TempDir(), "twinsbt-config")
}

// ConfigFile returns the default config file path.
// $TWINSBT_CONFIG names the file directly and wins over ConfigDir.
func ConfigFile() string {
	return ConfigFileEnv(os.Getenv)
}

// ConfigFileEnv is ConfigFile with environment lookups going through getenv.
func ConfigFileEnv(getenv func(string) string) string {
	if v := getenv("TWINSBT_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(ConfigDirEnv(getenv), ConfigFileName)
}
