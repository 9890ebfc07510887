package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Validation range constants.
const (
	minLoadTimeout  = 1 * time.Second
	minLockTTL      = 1 * time.Minute
	minPollInterval = 10 * time.Millisecond
)

var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"auto": true, "text": true, "json": true}
)

// Validate checks all configuration values and returns all errors found,
// so users can fix every issue in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateStore(&cfg.Store)...)
	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateMigration(&cfg.Migration)...)
	errs = append(errs, validateReadiness(&cfg.Readiness)...)
	errs = append(errs, validateRemote(&cfg.Remote)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

// ValidateResolved checks constraints that only hold once the override
// chain has been applied and paths derived.
func ValidateResolved(cfg *Config) error {
	var errs []error

	if cfg.Store.DataDir == "" {
		errs = append(errs, errors.New("data_dir: could not determine a data directory; set --data-dir"))
	}

	// Each store needs its own file.
	seen := make(map[string]string, 4)

	for _, f := range []struct{ name, path string }{
		{"database_path", cfg.Store.DatabasePath},
		{"defaults_path", cfg.Store.DefaultsPath},
		{"shared_state_path", cfg.Store.SharedStatePath},
		{"widget_cache_path", cfg.Store.WidgetCachePath},
	} {
		if other, dup := seen[f.path]; dup {
			errs = append(errs, fmt.Errorf("%s: same file as %s (%s)", f.name, other, f.path))
			continue
		}

		seen[f.path] = f.name
	}

	return errors.Join(errs...)
}

func validateStore(s *StoreConfig) []error {
	var errs []error

	for name, p := range map[string]string{
		"data_dir":          s.DataDir,
		"database_path":     s.DatabasePath,
		"defaults_path":     s.DefaultsPath,
		"shared_state_path": s.SharedStatePath,
		"widget_cache_path": s.WidgetCachePath,
	} {
		if p != "" && !filepath.IsAbs(p) {
			errs = append(errs, fmt.Errorf("%s: must be an absolute path, got %q", name, p))
		}
	}

	errs = append(errs, validateDuration("load_timeout", s.LoadTimeout, minLoadTimeout)...)

	return errs
}

func validateSync(s *SyncConfig) []error {
	if s.ActiveWorkspace == "" {
		return nil
	}

	if _, err := uuid.Parse(s.ActiveWorkspace); err != nil {
		return []error{fmt.Errorf("active_workspace: must be a UUID, got %q", s.ActiveWorkspace)}
	}

	return nil
}

func validateMigration(m *MigrationConfig) []error {
	return validateDuration("lock_ttl", m.LockTTL, minLockTTL)
}

func validateReadiness(r *ReadinessConfig) []error {
	var errs []error

	errs = append(errs, validateDuration("remote_timeout", r.RemoteTimeout, 0)...)
	errs = append(errs, validateDuration("import_timeout", r.ImportTimeout, 0)...)
	errs = append(errs, validateDuration("local_scan_timeout", r.LocalScanTimeout, 0)...)
	errs = append(errs, validateDuration("local_poll_interval", r.LocalPollInterval, minPollInterval)...)

	if len(errs) == 0 && duration(r.LocalPollInterval) > duration(r.LocalScanTimeout) {
		errs = append(errs, fmt.Errorf("local_poll_interval: must not exceed local_scan_timeout (%s)", r.LocalScanTimeout))
	}

	return errs
}

func validateRemote(r *RemoteConfig) []error {
	var errs []error

	if r.BaseURL != "" {
		errs = append(errs, validateURL("base_url", r.BaseURL, "http", "https")...)
	}

	if r.EventsURL != "" {
		errs = append(errs, validateURL("events_url", r.EventsURL, "ws", "wss", "http", "https")...)
	}

	if r.TokenFile != "" && !filepath.IsAbs(r.TokenFile) {
		errs = append(errs, fmt.Errorf("token_file: must be an absolute path, got %q", r.TokenFile))
	}

	errs = append(errs, validateDuration("query_timeout", r.QueryTimeout, 0)...)

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.Level] {
		errs = append(errs, fmt.Errorf("level: must be one of debug, info, warn, error; got %q", l.Level))
	}

	if !validLogFormats[l.Format] {
		errs = append(errs, fmt.Errorf("format: must be one of auto, text, json; got %q", l.Format))
	}

	return errs
}

// validateDuration requires a positive duration of at least minimum.
func validateDuration(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d <= 0 {
		return []error{fmt.Errorf("%s: must be positive, got %s", field, value)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be at least %s, got %s", field, minimum, value)}
	}

	return nil
}

func validateURL(field, raw string, schemes ...string) []error {
	u, err := url.Parse(raw)
	if err != nil {
		return []error{fmt.Errorf("%s: %w", field, err)}
	}

	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}

	return []error{fmt.Errorf("%s: must be an absolute %v URL, got %q", field, schemes, raw)}
}
