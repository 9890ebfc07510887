//go:build e2e

package e2e

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offshore-budgeting/ledgersync/internal/canon"
	"github.com/offshore-budgeting/ledgersync/internal/identity"
	"github.com/offshore-budgeting/ledgersync/testutil"
)

var (
	binaryPath string
	seedPath   string
)

func TestMain(m *testing.M) {
	tmpDir, err := os.MkdirTemp("", "ledgersync-e2e-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating temp dir: %v\n", err)
		os.Exit(1)
	}

	binaryPath = filepath.Join(tmpDir, "ledgersync")
	seedPath = filepath.Join(tmpDir, "ledger-seed")

	root := testutil.FindModuleRoot("..")

	for out, pkg := range map[string]string{binaryPath: ".", seedPath: "./cmd/ledger-seed"} {
		cmd := exec.Command("go", "build", "-o", out, pkg)
		cmd.Dir = root
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "building %s: %v\n", pkg, err)
			os.Exit(1)
		}
	}

	// After the builds: the go tool needs the real HOME for its caches.
	cleanup := setupIsolation(tmpDir)

	code := m.Run()

	cleanup()
	os.RemoveAll(tmpDir)
	os.Exit(code)
}

// device is one install: its own config file and data directory.
type device struct {
	configPath string
	dataDir    string
}

func newDevice(t *testing.T, extraConfig string) *device {
	t.Helper()

	dir := t.TempDir()
	d := &device{
		configPath: filepath.Join(dir, "config.toml"),
		dataDir:    filepath.Join(dir, "data"),
	}

	require.NoError(t, os.WriteFile(d.configPath, []byte(extraConfig), 0o600))

	return d
}

func (d *device) command(args ...string) *exec.Cmd {
	full := append([]string{"--config", d.configPath, "--data-dir", d.dataDir}, args...)

	return exec.Command(binaryPath, full...)
}

// run executes the CLI and returns stdout and the exit code.
func (d *device) run(t *testing.T, args ...string) (string, int) {
	t.Helper()

	cmd := d.command(args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.String(), exitErr.ExitCode()
	}

	require.NoError(t, err, "stderr: %s", stderr.String())

	return stdout.String(), 0
}

func (d *device) runJSON(t *testing.T, v any, args ...string) {
	t.Helper()

	out, code := d.run(t, append(args, "--json")...)
	require.Equal(t, 0, code, out)
	require.NoError(t, json.Unmarshal([]byte(out), v), out)
}

func (d *device) seed(t *testing.T, copies int) {
	t.Helper()

	out, err := exec.Command(seedPath, "--data-dir", d.dataDir, "--copies", strconv.Itoa(copies)).CombinedOutput()
	require.NoError(t, err, string(out))
}

func readState(t *testing.T, path string) map[string]string {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var m map[string]string
	require.NoError(t, json.Unmarshal(data, &m))

	return m
}

// writeState replaces a state file the way another process would: write a
// temp file, then rename it over the target.
func writeState(t *testing.T, path string, m map[string]string) {
	t.Helper()

	data, err := json.Marshal(m)
	require.NoError(t, err)

	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, data, 0o600))
	require.NoError(t, os.Rename(tmp, path))
}

type statusOut struct {
	LocalDone  bool           `json:"local_done"`
	SharedDone bool           `json:"shared_done"`
	LockHolder string         `json:"lock_holder"`
	Workspaces []string       `json:"workspaces"`
	Counts     map[string]int `json:"counts"`
}

type migrateOut struct {
	Outcome           string `json:"outcome"`
	SnapshotsRemapped int    `json:"snapshots_remapped"`
	Kinds             map[string]struct {
		Deleted int `json:"deleted"`
	} `json:"kinds"`
}

func TestE2E_MigrateCollapsesSeededDuplicates(t *testing.T) {
	d := newDevice(t, "")
	d.seed(t, 3)

	var before statusOut
	d.runJSON(t, &before, "status")
	assert.Equal(t, 6, before.Counts["Card"])
	assert.Equal(t, 3, before.Counts["ExpenseCategory"])
	require.Len(t, before.Workspaces, 1)

	var report migrateOut
	d.runJSON(t, &report, "migrate")
	assert.Equal(t, "completed", report.Outcome)
	assert.Equal(t, 4, report.Kinds["Card"].Deleted)
	assert.Positive(t, report.SnapshotsRemapped)

	var after statusOut
	d.runJSON(t, &after, "status")
	assert.True(t, after.LocalDone)
	assert.Equal(t, 2, after.Counts["Card"])
	assert.Equal(t, 1, after.Counts["ExpenseCategory"])
	assert.Equal(t, 1, after.Counts["Budget"])

	ws := uuid.MustParse(after.Workspaces[0])
	widgets := readState(t, filepath.Join(d.dataDir, "widgets.json"))

	for _, name := range []string{"Visa", "Amex"} {
		key := "widget.card.snapshot.month." + identity.FormatID(identity.Card(ws, name))
		assert.Contains(t, widgets, key, "snapshot for %s follows the canonical card", name)
	}
}

func TestE2E_SharedDoneFlagSkipsSecondDevice(t *testing.T) {
	shared := filepath.Join(t.TempDir(), "shared-state.json")
	cfg := fmt.Sprintf("[store]\nshared_state_path = %q\n", shared)

	a := newDevice(t, cfg)
	b := newDevice(t, cfg)
	a.seed(t, 2)
	b.seed(t, 2)

	var ra, rb migrateOut
	a.runJSON(t, &ra, "migrate")
	b.runJSON(t, &rb, "migrate")

	assert.Equal(t, "completed", ra.Outcome)
	assert.Equal(t, "done-already", rb.Outcome)

	var sb statusOut
	b.runJSON(t, &sb, "status")
	assert.False(t, sb.LocalDone)
	assert.True(t, sb.SharedDone)
}

func TestE2E_WatchRetriesWhenLockFrees(t *testing.T) {
	shared := filepath.Join(t.TempDir(), "shared-state.json")
	d := newDevice(t, fmt.Sprintf("[store]\nshared_state_path = %q\n", shared))
	d.seed(t, 2)

	writeState(t, shared, map[string]string{
		canon.KeyLock:     "OTHER-DEVICE",
		canon.KeyLockedAt: strconv.FormatInt(time.Now().Unix(), 10),
	})

	cmd := d.command("migrate", "--watch", "--retry", "1h", "--json")
	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())

	t.Cleanup(func() { _ = cmd.Process.Kill() })

	outcomes := make(chan string, 4)

	go func() {
		dec := json.NewDecoder(bufio.NewReader(stdout))
		for {
			var r migrateOut
			if err := dec.Decode(&r); err != nil {
				close(outcomes)
				return
			}

			outcomes <- r.Outcome
		}
	}()

	select {
	case got := <-outcomes:
		require.Equal(t, "lock-busy", got)
	case <-time.After(20 * time.Second):
		t.Fatal("no first attempt reported")
	}

	// Give the file watcher time to register before the lock goes away.
	time.Sleep(500 * time.Millisecond)
	writeState(t, shared, map[string]string{})

	select {
	case got := <-outcomes:
		assert.Equal(t, "completed", got)
	case <-time.After(20 * time.Second):
		t.Fatal("watcher did not retry after the lock was released")
	}

	for range outcomes {
	}

	require.NoError(t, cmd.Wait())
	assert.True(t, strings.EqualFold(readState(t, shared)[canon.KeyDone], "true"))
}

func TestE2E_ProbeExitCodes(t *testing.T) {
	d := newDevice(t, "")

	out, code := d.run(t, "probe", "--check", "local")
	assert.Equal(t, 3, code)
	assert.Equal(t, "no local data\n", out)

	d.seed(t, 1)

	out, code = d.run(t, "probe", "--check", "local")
	assert.Equal(t, 0, code)
	assert.Equal(t, "local data present\n", out)

	out, code = d.run(t, "probe")
	assert.Equal(t, 0, code)
	assert.Equal(t, "ready\n", out)
}

func TestE2E_ConfigSetSignalsWatcher(t *testing.T) {
	shared := filepath.Join(t.TempDir(), "shared-state.json")
	d := newDevice(t, fmt.Sprintf("[store]\nshared_state_path = %q\n", shared))

	writeState(t, shared, map[string]string{
		canon.KeyLock:     "OTHER-DEVICE",
		canon.KeyLockedAt: strconv.FormatInt(time.Now().Unix(), 10),
	})

	cmd := d.command("migrate", "--watch", "--retry", "1h")

	var stderr syncBuffer
	cmd.Stderr = &stderr
	require.NoError(t, cmd.Start())

	t.Cleanup(func() { _ = cmd.Process.Kill() })

	pidPath := filepath.Join(d.dataDir, "migrate.pid")
	require.Eventually(t, func() bool {
		_, err := os.Stat(pidPath)
		return err == nil
	}, 20*time.Second, 50*time.Millisecond)

	_, code := d.run(t, "config", "set", "migration.lock_ttl", "30m")
	require.Equal(t, 0, code)

	require.Eventually(t, func() bool {
		return strings.Contains(stderr.String(), "config reloaded")
	}, 20*time.Second, 50*time.Millisecond)
}
