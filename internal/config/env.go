package config

import (
	"fmt"
	"os"
	"strconv"
)

// Environment variable names for overrides.
const (
	EnvConfig      = "LEDGERSYNC_CONFIG"
	EnvDataDir     = "LEDGERSYNC_DATA_DIR"
	EnvSyncEnabled = "LEDGERSYNC_SYNC_ENABLED"
	EnvRemoteToken = "LEDGERSYNC_REMOTE_TOKEN"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath  string // LEDGERSYNC_CONFIG: config file path
	DataDir     string // LEDGERSYNC_DATA_DIR: data directory
	SyncEnabled *bool  // LEDGERSYNC_SYNC_ENABLED: nil when unset
	RemoteToken string // LEDGERSYNC_REMOTE_TOKEN: bearer token for the record service
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. A malformed boolean is an error rather than silently ignored.
func ReadEnvOverrides() (EnvOverrides, error) {
	env := EnvOverrides{
		ConfigPath:  os.Getenv(EnvConfig),
		DataDir:     os.Getenv(EnvDataDir),
		RemoteToken: os.Getenv(EnvRemoteToken),
	}

	if raw := os.Getenv(EnvSyncEnabled); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return EnvOverrides{}, fmt.Errorf("config: %s: %w", EnvSyncEnabled, err)
		}

		env.SyncEnabled = &v
	}

	return env, nil
}
