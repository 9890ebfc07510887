package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offshore-budgeting/ledgersync/internal/config"
)

func TestConfigInit_WritesTemplateOnce(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, "config", "init")
	require.NoError(t, err)

	data, err := os.ReadFile(env.configPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[readiness]")

	_, err = env.run(t, "config", "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestConfigSet_ThenShow(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, "config", "set", "readiness.import_timeout", "20s")
	require.NoError(t, err)

	_, err = env.run(t, "config", "set", "sync.enabled", "true")
	require.NoError(t, err)

	out, err := env.run(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, `import_timeout      = "20s"`)
	assert.Contains(t, out, "enabled          = true")
	assert.Contains(t, out, filepath.Join(env.dataDir, "ledger.db"))
}

func TestConfigSet_RejectsBadInput(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, "config", "set", "enabled", "true")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "section.key")

	_, err = env.run(t, "config", "set", "sync.enabeld", "true")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "enabled"`)

	_, err = env.run(t, "config", "set", "readiness.import_timeout", "soon")
	require.Error(t, err)

	_, statErr := os.Stat(env.configPath)
	assert.True(t, os.IsNotExist(statErr), "rejected edits write nothing")
}

func TestConfigSet_WorksOnBrokenFile(t *testing.T) {
	env := newCLIEnv(t)
	env.writeConfig(t, "[logging]\nformat = \"fancy\"\n")

	_, err := env.run(t, "status")
	require.Error(t, err)

	_, err = env.run(t, "config", "set", "logging.format", "json")
	require.NoError(t, err)

	_, err = env.run(t, "status")
	require.NoError(t, err)
}

func TestConfigShow_JSONRedactsToken(t *testing.T) {
	env := newCLIEnv(t)
	t.Setenv(config.EnvRemoteToken, "s3cret")

	out, err := env.run(t, "config", "show", "--json")
	require.NoError(t, err)
	assert.NotContains(t, out, "s3cret")

	var shown struct {
		Path string `json:"path"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Equal(t, env.configPath, shown.Path)
}

func TestConfigFilePath_Precedence(t *testing.T) {
	clearEnv(t)

	assert.Equal(t, config.DefaultConfigPath(), mustConfigFilePath(t, CLIFlags{}))

	t.Setenv(config.EnvConfig, "/env/config.toml")
	assert.Equal(t, "/env/config.toml", mustConfigFilePath(t, CLIFlags{}))
	assert.Equal(t, "/flag/config.toml", mustConfigFilePath(t, CLIFlags{ConfigPath: "/flag/config.toml"}))
}

func mustConfigFilePath(t *testing.T, flags CLIFlags) string {
	t.Helper()

	path, err := configFilePath(flags)
	require.NoError(t, err)

	return path
}
