// Package tokenfile persists the bearer credential for the record service.
// A token file holds an OAuth2 token plus a little metadata, such as the
// service URL the token was issued for. It is written atomically with
// owner-only permissions and may be rotated by another process at any time;
// Source picks up the new token on the next request.
package tokenfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// FilePerms restricts token files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the token directory.
const DirPerms = 0o700

// MetaBaseURL is the metadata key recording which service a token is for.
const MetaBaseURL = "base_url"

// ErrNoToken is returned when a token file is absent or carries no token.
var ErrNoToken = errors.New("tokenfile: no token")

// File is the on-disk format.
type File struct {
	Token *oauth2.Token     `json:"token"`
	Meta  map[string]string `json:"meta,omitempty"`
}

// Load reads the token file at path. A missing file yields ErrNoToken.
func Load(path string) (*oauth2.Token, map[string]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("%w: %s does not exist", ErrNoToken, path)
	}

	if err != nil {
		return nil, nil, fmt.Errorf("tokenfile: reading %s: %w", path, err)
	}

	var tf File
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, nil, fmt.Errorf("tokenfile: decoding %s: %w", path, err)
	}

	if tf.Token == nil || tf.Token.AccessToken == "" {
		return nil, nil, fmt.Errorf("%w: %s has no access token", ErrNoToken, path)
	}

	return tf.Token, tf.Meta, nil
}

// Save writes tok and meta to path atomically: a temp file in the same
// directory is fsynced, then renamed over the target. Token values are
// never logged.
func Save(path string, tok *oauth2.Token, meta map[string]string) error {
	if tok == nil || tok.AccessToken == "" {
		return ErrNoToken
	}

	data, err := json.MarshalIndent(File{Token: tok, Meta: meta}, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenfile: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirPerms); err != nil {
		return fmt.Errorf("tokenfile: creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("tokenfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: writing: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tokenfile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("tokenfile: renaming: %w", err)
	}

	committed = true

	return nil
}

// Source returns a TokenSource backed by the file at path. The file is
// re-read whenever its modification time changes, so a rotated token is
// used without restarting. If a re-read fails the last good token is kept.
func Source(path string, logger *slog.Logger) oauth2.TokenSource {
	if logger == nil {
		logger = slog.Default()
	}

	return &fileSource{path: path, logger: logger}
}

type fileSource struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	tok     *oauth2.Token
	modTime time.Time
}

func (s *fileSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path)
	if err != nil {
		if s.tok != nil {
			s.logger.Warn("token file unavailable, using cached token",
				slog.String("path", s.path),
				slog.String("error", err.Error()),
			)

			return s.tok, nil
		}

		return nil, fmt.Errorf("tokenfile: %w", err)
	}

	if s.tok != nil && info.ModTime().Equal(s.modTime) {
		return s.tok, nil
	}

	tok, _, err := Load(s.path)
	if err != nil {
		if s.tok != nil {
			s.logger.Warn("token reload failed, using cached token", slog.String("error", err.Error()))
			return s.tok, nil
		}

		return nil, err
	}

	if s.tok != nil {
		s.logger.Info("token file changed, reloaded", slog.String("path", s.path))
	}

	s.tok = tok
	s.modTime = info.ModTime()

	return s.tok, nil
}
