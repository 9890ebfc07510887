//go:build e2e

package e2e

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/offshore-budgeting/ledgersync/internal/config"
)

// setupIsolation points HOME and the XDG directories at a temp tree so the
// binaries under test never read or write a developer's real config or data.
// The returned func restores the previous environment.
func setupIsolation(root string) func() {
	vars := []string{"HOME", "XDG_CONFIG_HOME", "XDG_DATA_HOME", "XDG_CACHE_HOME"}
	saved := make(map[string]string, len(vars))

	for _, name := range vars {
		saved[name] = os.Getenv(name)

		dir := filepath.Join(root, "isolation", name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: creating dir %s: %v\n", dir, err)
			os.Exit(1)
		}

		os.Setenv(name, dir)
	}

	// App-specific variables would override the per-test config files.
	for _, name := range []string{config.EnvConfig, config.EnvDataDir, config.EnvSyncEnabled, config.EnvRemoteToken} {
		os.Unsetenv(name)
	}

	return func() {
		for name, v := range saved {
			os.Setenv(name, v)
		}
	}
}

// syncBuffer is a bytes.Buffer safe to read while a child process writes it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}
