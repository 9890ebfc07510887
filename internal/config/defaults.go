package config

// Default values for configuration options: layer 0 of the override chain.
// Store paths have no static default; they are derived from the data
// directory during Resolve.
const (
	defaultLoadTimeout       = "15s"
	defaultLockTTL           = "12m"
	defaultRemoteTimeout     = "4s"
	defaultImportTimeout     = "10s"
	defaultLocalScanTimeout  = "8s"
	defaultLocalPollInterval = "250ms"
	defaultQueryTimeout      = "4s"
	defaultLogLevel          = "info"
	defaultLogFormat         = "auto"
)

// File names under the data directory.
const (
	databaseFileName    = "ledger.db"
	defaultsFileName    = "defaults.json"
	sharedStateFileName = "shared-state.json"
	widgetCacheFileName = "widgets.json"
	migrateLockFileName = "migrate.pid"
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			LoadTimeout: defaultLoadTimeout,
		},
		Migration: MigrationConfig{
			LockTTL: defaultLockTTL,
		},
		Readiness: ReadinessConfig{
			RemoteTimeout:     defaultRemoteTimeout,
			ImportTimeout:     defaultImportTimeout,
			LocalScanTimeout:  defaultLocalScanTimeout,
			LocalPollInterval: defaultLocalPollInterval,
		},
		Remote: RemoteConfig{
			QueryTimeout: defaultQueryTimeout,
		},
		Logging: LoggingConfig{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}
