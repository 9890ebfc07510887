package config

import (
	"fmt"
	"io"
)

// redacted replaces secrets in rendered output.
const redacted = "(set)"

// RenderEffective writes the resolved configuration as an annotated TOML
// summary. This powers "config show".
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", r.Path)

	s := &r.Store
	ew.printf("[store]\n")
	ew.printf("  data_dir          = %q\n", s.DataDir)
	ew.printf("  database_path     = %q\n", s.DatabasePath)
	ew.printf("  defaults_path     = %q\n", s.DefaultsPath)
	ew.printf("  shared_state_path = %q\n", s.SharedStatePath)
	ew.printf("  widget_cache_path = %q\n", s.WidgetCachePath)
	ew.printf("  load_timeout      = %q\n\n", s.LoadTimeout)

	ew.printf("[sync]\n")
	ew.printf("  enabled          = %t\n", r.Sync.Enabled)

	if r.Sync.ActiveWorkspace != "" {
		ew.printf("  active_workspace = %q\n", r.Sync.ActiveWorkspace)
	}

	ew.printf("\n[migration]\n")
	ew.printf("  lock_ttl = %q\n\n", r.Migration.LockTTL)

	rd := &r.Readiness
	ew.printf("[readiness]\n")
	ew.printf("  remote_timeout      = %q\n", rd.RemoteTimeout)
	ew.printf("  import_timeout      = %q\n", rd.ImportTimeout)
	ew.printf("  local_scan_timeout  = %q\n", rd.LocalScanTimeout)
	ew.printf("  local_poll_interval = %q\n\n", rd.LocalPollInterval)

	renderRemoteSection(ew, &r.Remote)

	ew.printf("[logging]\n")
	ew.printf("  level  = %q\n", r.Logging.Level)
	ew.printf("  format = %q\n", r.Logging.Format)

	return ew.err
}

func renderRemoteSection(ew *errWriter, rc *RemoteConfig) {
	ew.printf("[remote]\n")

	if rc.BaseURL == "" {
		ew.printf("  # base_url unset: remote probing disabled\n")
	} else {
		ew.printf("  base_url      = %q\n", rc.BaseURL)
	}

	if rc.EventsURL != "" {
		ew.printf("  events_url    = %q\n", rc.EventsURL)
	}

	if rc.AccessToken != "" {
		ew.printf("  access_token  = %q\n", redacted)
	}

	if rc.TokenFile != "" {
		ew.printf("  token_file    = %q\n", rc.TokenFile)
	}

	ew.printf("  query_timeout = %q\n\n", rc.QueryTimeout)
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
