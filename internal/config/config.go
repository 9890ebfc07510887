// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for ledgersync. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags).
// Paths left empty in the file are derived from the data directory once the
// chain has been applied.
package config

import (
	"time"

	"github.com/google/uuid"
)

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Store     StoreConfig     `toml:"store"`
	Sync      SyncConfig      `toml:"sync"`
	Migration MigrationConfig `toml:"migration"`
	Readiness ReadinessConfig `toml:"readiness"`
	Remote    RemoteConfig    `toml:"remote"`
	Logging   LoggingConfig   `toml:"logging"`
}

// StoreConfig locates the ledger database and the key-value files.
type StoreConfig struct {
	DataDir         string `toml:"data_dir"`
	DatabasePath    string `toml:"database_path"`
	DefaultsPath    string `toml:"defaults_path"`     // device-local flags
	SharedStatePath string `toml:"shared_state_path"` // replicated flags and lock
	WidgetCachePath string `toml:"widget_cache_path"`
	LoadTimeout     string `toml:"load_timeout"`
}

// SyncConfig controls whether the ledger is replicated. The merge mode and
// the readiness probe both key off Enabled.
type SyncConfig struct {
	Enabled bool `toml:"enabled"`

	// ActiveWorkspace, when set, is the workspace a local merge adopts
	// stray records into.
	ActiveWorkspace string `toml:"active_workspace"`
}

// MigrationConfig tunes the identity migration.
type MigrationConfig struct {
	LockTTL string `toml:"lock_ttl"`
}

// ReadinessConfig holds the readiness probe budgets.
type ReadinessConfig struct {
	RemoteTimeout     string `toml:"remote_timeout"`
	ImportTimeout     string `toml:"import_timeout"`
	LocalScanTimeout  string `toml:"local_scan_timeout"`
	LocalPollInterval string `toml:"local_poll_interval"`
}

// RemoteConfig points at the record service. An empty BaseURL disables
// remote probing.
type RemoteConfig struct {
	BaseURL      string `toml:"base_url"`
	EventsURL    string `toml:"events_url"`
	AccessToken  string `toml:"access_token"`
	TokenFile    string `toml:"token_file"`
	QueryTimeout string `toml:"query_timeout"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value": --sync=false differs from no flag.
type CLIOverrides struct {
	ConfigPath  string // --config flag (empty = use default)
	DataDir     string // --data-dir flag
	SyncEnabled *bool  // --sync flag
}

// Durations read by callers. Values were checked by Validate, so a parse
// failure here means the field was empty and the zero duration is returned;
// consumers substitute their own defaults for zero.

// LoadTimeoutDuration returns store.load_timeout.
func (s *StoreConfig) LoadTimeoutDuration() time.Duration { return duration(s.LoadTimeout) }

// LockTTLDuration returns migration.lock_ttl.
func (m *MigrationConfig) LockTTLDuration() time.Duration { return duration(m.LockTTL) }

// QueryTimeoutDuration returns remote.query_timeout.
func (r *RemoteConfig) QueryTimeoutDuration() time.Duration { return duration(r.QueryTimeout) }

// Budgets returns the four readiness durations.
func (r *ReadinessConfig) Budgets() (remote, imp, scan, poll time.Duration) {
	return duration(r.RemoteTimeout), duration(r.ImportTimeout),
		duration(r.LocalScanTimeout), duration(r.LocalPollInterval)
}

// ActiveWorkspaceID parses sync.active_workspace; uuid.Nil when unset.
func (s *SyncConfig) ActiveWorkspaceID() uuid.UUID {
	if s.ActiveWorkspace == "" {
		return uuid.Nil
	}

	id, err := uuid.Parse(s.ActiveWorkspace)
	if err != nil {
		return uuid.Nil
	}

	return id
}

func duration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}

	return d
}
