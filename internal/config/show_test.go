package config

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resolvedForShow() *Resolved {
	cfg := DefaultConfig()
	cfg.Store.DataDir = "/data"
	cfg.Store.derivePaths()
	cfg.Remote.AccessToken = "super-secret"
	cfg.Remote.BaseURL = "https://records.example.com"

	return &Resolved{Config: cfg, Path: "/etc/ledgersync/config.toml"}
}

func TestRenderEffective(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, RenderEffective(resolvedForShow(), &buf))

	out := buf.String()
	assert.Contains(t, out, "/etc/ledgersync/config.toml")
	assert.Contains(t, out, `database_path     = "/data/ledger.db"`)
	assert.Contains(t, out, `base_url      = "https://records.example.com"`)
	assert.Contains(t, out, `lock_ttl = "12m"`)
	assert.NotContains(t, out, "super-secret")
	assert.Contains(t, out, redacted)
}

func TestRenderEffective_RemoteDisabled(t *testing.T) {
	t.Parallel()

	r := resolvedForShow()
	r.Remote.BaseURL = ""

	var buf bytes.Buffer
	require.NoError(t, RenderEffective(r, &buf))
	assert.Contains(t, buf.String(), "remote probing disabled")
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestRenderEffective_WriteError(t *testing.T) {
	t.Parallel()

	err := RenderEffective(resolvedForShow(), failWriter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestHolder(t *testing.T) {
	t.Parallel()

	first := resolvedForShow()
	h := NewHolder(first)
	assert.Same(t, first, h.Config())
	assert.False(t, h.SyncEnabled())

	second := resolvedForShow()
	second.Sync.Enabled = true
	h.Update(second)
	assert.Same(t, second, h.Config())
	assert.True(t, h.SyncEnabled())
}
