package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// File permissions for state files and their directory.
const (
	filePerms = 0o600
	dirPerms  = 0o700
)

// File is a Store persisted as a flat JSON object. Another process (a sync
// agent, or a second device sharing the directory) may rewrite the file at
// any time; Synchronize re-reads it, overlays this process's pending writes,
// and writes the result back atomically. Watch reloads on external changes.
type File struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	data    map[string]string
	pending map[string]*string // nil value = pending delete

	// lastWrite is the encoded content of this process's latest flush.
	// Watch ignores events whose file content still equals it.
	lastWrite []byte
}

// OpenFile loads path (a missing file is an empty store).
func OpenFile(path string, logger *slog.Logger) (*File, error) {
	if logger == nil {
		logger = slog.Default()
	}

	data, err := readState(path)
	if err != nil {
		return nil, err
	}

	return &File{
		path:    path,
		logger:  logger,
		data:    data,
		pending: make(map[string]*string),
	}, nil
}

// Path returns the backing file path.
func (f *File) Path() string {
	return f.path
}

// Get returns the value for key, preferring unsynchronized local writes.
func (f *File) Get(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if p, ok := f.pending[key]; ok {
		if p == nil {
			return "", false
		}

		return *p, true
	}

	v, ok := f.data[key]

	return v, ok
}

// Set records a local write.
func (f *File) Set(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pending[key] = &value
}

// Delete records a local delete.
func (f *File) Delete(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pending[key] = nil
}

// Keys returns the sorted live keys with prefix.
func (f *File) Keys(prefix string) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return sortedKeys(f.merged(f.data), prefix)
}

// Synchronize pulls the file, applies pending writes, and flushes. Pending
// writes are kept on failure so the next call retries them.
func (f *File) Synchronize(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	current, err := readState(f.path)
	if err != nil {
		f.logger.Warn("kv: pull failed", slog.String("path", f.path), slog.String("error", err.Error()))
		return false
	}

	merged := f.merged(current)

	if len(f.pending) > 0 {
		written, err := writeState(f.path, merged)
		if err != nil {
			f.logger.Warn("kv: flush failed", slog.String("path", f.path), slog.String("error", err.Error()))
			return false
		}

		f.lastWrite = written

		f.logger.Debug("kv: flushed", slog.String("path", f.path), slog.Int("writes", len(f.pending)))
	}

	f.data = merged
	f.pending = make(map[string]*string)

	return true
}

// merged overlays pending writes on base. Caller holds f.mu.
func (f *File) merged(base map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(f.pending))
	for k, v := range base {
		out[k] = v
	}

	for k, p := range f.pending {
		if p == nil {
			delete(out, k)
			continue
		}

		out[k] = *p
	}

	return out
}

// reload replaces the synchronized view with the file contents. It reports
// false, leaving the view alone, when the file holds exactly what this
// process last flushed.
func (f *File) reload() (bool, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		raw = nil
	} else if err != nil {
		return false, fmt.Errorf("kv: reading %s: %w", f.path, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.lastWrite != nil && bytes.Equal(raw, f.lastWrite) {
		return false, nil
	}

	data, err := decodeState(f.path, raw)
	if err != nil {
		return false, err
	}

	f.data = data

	return true, nil
}

// Watch reloads the store whenever the backing file is written or replaced
// by another process, calling onChange (if non-nil) after each reload.
// This process's own flushes do not count as changes. It watches the parent
// directory so atomic renames are observed. Blocks until ctx is canceled.
func (f *File) Watch(ctx context.Context, onChange func()) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, dirPerms); err != nil {
		return fmt.Errorf("kv: creating directory %s: %w", dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("kv: creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("kv: watching %s: %w", dir, err)
	}

	target := filepath.Clean(f.path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}

			changed, err := f.reload()
			if err != nil {
				// Partially written by a non-atomic writer; the next event retries.
				f.logger.Debug("kv: reload failed", slog.String("error", err.Error()))
				continue
			}

			if !changed {
				continue
			}

			f.logger.Debug("kv: reloaded after external change", slog.String("path", f.path))

			if onChange != nil {
				onChange()
			}

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			f.logger.Warn("kv: watcher error", slog.String("error", watchErr.Error()))
		}
	}
}

func readState(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]string), nil
	}

	if err != nil {
		return nil, fmt.Errorf("kv: reading %s: %w", path, err)
	}

	return decodeState(path, raw)
}

func decodeState(path string, raw []byte) (map[string]string, error) {
	data := make(map[string]string)
	if len(raw) == 0 {
		return data, nil
	}

	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("kv: decoding %s: %w", path, err)
	}

	return data, nil
}

// writeState writes data atomically (temp file in the same directory,
// fsync, then rename) and returns the bytes written.
func writeState(path string, data map[string]string) ([]byte, error) {
	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("kv: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerms); err != nil {
		return nil, fmt.Errorf("kv: creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".kv-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("kv: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, filePerms); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("kv: setting permissions: %w", err)
	}

	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("kv: writing: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("kv: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("kv: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return nil, fmt.Errorf("kv: renaming: %w", err)
	}

	success = true

	return encoded, nil
}
