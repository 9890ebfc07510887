package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// configFilePermissions is owner read/write only: the file may carry the
// remote access token.
const configFilePermissions = 0o600

// configDirPermissions is the mode for newly created config directories.
const configDirPermissions = 0o700

// ErrConfigExists is returned by CreateDefault when a file is already present.
var ErrConfigExists = errors.New("config: file already exists")

// configTemplate is written by "config init". Every section is present
// with its defaults commented out so options are discoverable in place.
const configTemplate = `# ledgersync configuration

[store]
# data_dir = ""           # default: platform data directory
# load_timeout = "15s"

[sync]
# enabled = false
# active_workspace = ""   # UUID adopted by local merges

[migration]
# lock_ttl = "12m"

[readiness]
# remote_timeout = "4s"
# import_timeout = "10s"
# local_scan_timeout = "8s"
# local_poll_interval = "250ms"

[remote]
# base_url = ""           # empty disables remote probing
# events_url = ""
# token_file = ""
# query_timeout = "4s"

[logging]
# level = "info"          # debug, info, warn, error
# format = "auto"         # auto, text, json
`

// CreateDefault writes the commented template to path. It refuses to
// replace an existing file.
func CreateDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrConfigExists, path)
	}

	slog.Info("creating config file", slog.String("path", path))

	return atomicWriteFile(path, []byte(configTemplate))
}

// SetKey sets key in [section] of the config file at path, creating the
// file from the template if needed. An existing assignment (commented or
// not) is replaced in place; otherwise the key goes right after the
// section header, and a missing section is appended. The result must still
// load, so a typo in section or key is rejected before anything is written.
//
// Booleans are written bare; everything else as a quoted string.
func SetKey(path, section, key, value string) error {
	if !isKnownKey(section, key) {
		return unknownKeyError([]string{section, key})
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		data = []byte(configTemplate)
	} else if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	slog.Info("setting config key",
		slog.String("path", path),
		slog.String("key", section+"."+key),
	)

	lines := strings.Split(string(data), "\n")
	newLine := fmt.Sprintf("%s = %s", key, formatTOMLValue(value))

	header := findSectionHeader(lines, section)
	if header < 0 {
		if n := len(lines); n > 0 && lines[n-1] == "" {
			lines = lines[:n-1]
		}

		lines = append(lines, "", "["+section+"]", newLine, "")
	} else {
		lines = setKeyInSection(lines, header, key, newLine)
	}

	out := []byte(strings.Join(lines, "\n"))

	if err := validateDocument(out); err != nil {
		return err
	}

	return atomicWriteFile(path, out)
}

func isKnownKey(section, key string) bool {
	for _, k := range knownKeys[section] {
		if k == key {
			return true
		}
	}

	return false
}

// validateDocument loads data the way Load would.
func validateDocument(data []byte) error {
	tmp, err := os.CreateTemp("", "ledgersync-config-*.toml")
	if err != nil {
		return fmt.Errorf("checking config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("checking config: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checking config: %w", err)
	}

	_, err = Load(tmp.Name())

	return err
}

// findSectionHeader returns the line index of [section], or -1.
func findSectionHeader(lines []string, section string) int {
	header := "[" + section + "]"

	for i, line := range lines {
		if strings.TrimSpace(line) == header {
			return i
		}
	}

	return -1
}

// findSectionEnd returns the index of the next section header after start,
// or len(lines).
func findSectionEnd(lines []string, start int) int {
	for i := start + 1; i < len(lines); i++ {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), "[") {
			return i
		}
	}

	return len(lines)
}

// setKeyInSection replaces the first assignment of key within the section
// that starts at header, or inserts newLine after the header.
func setKeyInSection(lines []string, header int, key, newLine string) []string {
	end := findSectionEnd(lines, header)

	for i := header + 1; i < end; i++ {
		trimmed := strings.TrimLeft(strings.TrimSpace(lines[i]), "# ")
		if strings.HasPrefix(trimmed, key+" ") || strings.HasPrefix(trimmed, key+"=") {
			lines[i] = newLine
			return lines
		}
	}

	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:header+1]...)
	out = append(out, newLine)
	out = append(out, lines[header+1:]...)

	return out
}

// formatTOMLValue formats a value for TOML output. Booleans are written
// bare (true/false); all other values are quoted strings.
func formatTOMLValue(value string) string {
	if value == "true" || value == "false" {
		return value
	}

	return fmt.Sprintf("%q", value)
}

// atomicWriteFile writes data to a temporary file in the same directory as
// path, then renames it over path. Parent directories are created as needed.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
