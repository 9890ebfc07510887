package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Platform identifiers.
const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

// Application directory name used across all platforms.
const appName = "ledgersync"

// Config file name.
const configFileName = "config.toml"

// DefaultConfigDir returns the platform-specific directory for config files.
// On Linux, respects XDG_CONFIG_HOME (defaults to ~/.config/ledgersync).
// On macOS, uses ~/Library/Application Support/ledgersync.
func DefaultConfigDir() string {
	return platformDir("XDG_CONFIG_HOME", ".config")
}

// DefaultDataDir returns the platform-specific directory for the ledger
// database and key-value files. On Linux, respects XDG_DATA_HOME (defaults
// to ~/.local/share/ledgersync). On macOS config and data share one
// directory.
func DefaultDataDir() string {
	return platformDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

// platformDir resolves an application directory: macOS Application
// Support, the XDG variable on Linux when set, else home/fallback.
func platformDir(xdgVar, fallback string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	case platformLinux:
		if xdg := os.Getenv(xdgVar); xdg != "" {
			return filepath.Join(xdg, appName)
		}
	}

	return filepath.Join(home, fallback, appName)
}

// DefaultConfigPath returns the full path to the default config file, used
// when neither LEDGERSYNC_CONFIG nor --config is given.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

// MigrateLockPath returns the single-instance lock file for migrations.
func (s *StoreConfig) MigrateLockPath() string {
	return filepath.Join(s.DataDir, migrateLockFileName)
}

// derivePaths fills empty store paths from DataDir.
func (s *StoreConfig) derivePaths() {
	fill := func(p *string, name string) {
		if *p == "" {
			*p = filepath.Join(s.DataDir, name)
		}
	}

	fill(&s.DatabasePath, databaseFileName)
	fill(&s.DefaultsPath, defaultsFileName)
	fill(&s.SharedStatePath, sharedStateFileName)
	fill(&s.WidgetCachePath, widgetCacheFileName)
}
