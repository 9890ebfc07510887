package kv

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offshore-budgeting/ledgersync/testutil"
)

func TestMemory_Basics(t *testing.T) {
	t.Parallel()

	m := NewMemory()

	_, ok := m.Get("a")
	assert.False(t, ok)

	m.Set("widget.b", "2")
	m.Set("widget.a", "1")
	m.Set("other", "x")

	v, ok := m.Get("widget.a")
	require.True(t, ok)
	assert.Equal(t, "1", v)
	assert.Equal(t, []string{"widget.a", "widget.b"}, m.Keys("widget."))

	m.Delete("widget.a")
	assert.Equal(t, []string{"widget.b"}, m.Keys("widget."))
	assert.True(t, m.Synchronize(context.Background()))
}

func TestCluster_WritesInvisibleUntilSettle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := NewCluster()
	a, b := c.Replica(), c.Replica()

	a.Set("k", "from-a")
	require.True(t, a.Synchronize(ctx))

	_, ok := b.Get("k")
	assert.False(t, ok, "published but not yet propagated")

	c.Settle()

	v, ok := b.Get("k")
	require.True(t, ok)
	assert.Equal(t, "from-a", v)
}

func TestCluster_LastWriterWins(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := NewCluster()
	a, b := c.Replica(), c.Replica()

	a.Set("k", "a")
	b.Set("k", "b")
	a.Synchronize(ctx)
	b.Synchronize(ctx)

	// Each still sees its own write.
	va, _ := a.Get("k")
	vb, _ := b.Get("k")
	assert.Equal(t, "a", va)
	assert.Equal(t, "b", vb)

	c.Settle()

	va, _ = a.Get("k")
	vb, _ = b.Get("k")
	assert.Equal(t, "b", va)
	assert.Equal(t, "b", vb)
}

func TestCluster_UnsyncedNewerWriteSurvivesSettle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := NewCluster()
	a, b := c.Replica(), c.Replica()

	a.Set("k", "old")
	a.Synchronize(ctx)
	b.Set("k", "newer-unsynced")

	c.Settle()

	v, _ := b.Get("k")
	assert.Equal(t, "newer-unsynced", v)
}

func TestCluster_DeletePropagates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := NewCluster()
	a := c.Replica()

	a.Set("k", "v")
	a.Synchronize(ctx)
	c.Settle()

	b := c.Replica()
	_, ok := b.Get("k")
	require.True(t, ok, "late replica starts from settled state")

	a.Delete("k")
	a.Synchronize(ctx)
	c.Settle()

	_, ok = b.Get("k")
	assert.False(t, ok)
	assert.Empty(t, b.Keys(""))
}

func TestFile_PendingUntilSynchronize(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "shared.json")

	f, err := OpenFile(path, testutil.Logger(t))
	require.NoError(t, err)

	f.Set("a", "1")

	v, ok := f.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1", v)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "nothing written before Synchronize")

	require.True(t, f.Synchronize(ctx))

	g, err := OpenFile(path, testutil.Logger(t))
	require.NoError(t, err)

	v, ok = g.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1", v)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(filePerms), info.Mode().Perm())
}

func TestFile_SynchronizeMergesExternalWrites(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.json")

	a, err := OpenFile(path, testutil.Logger(t))
	require.NoError(t, err)
	b, err := OpenFile(path, testutil.Logger(t))
	require.NoError(t, err)

	a.Set("from-a", "1")
	a.Set("gone", "x")
	require.True(t, a.Synchronize(ctx))

	b.Set("from-b", "2")
	b.Delete("gone")
	require.True(t, b.Synchronize(ctx))

	assert.Equal(t, []string{"from-a", "from-b"}, b.Keys(""))

	require.True(t, a.Synchronize(ctx))
	assert.Equal(t, []string{"from-a", "from-b"}, a.Keys(""))
}

func TestFile_CorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "shared.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := OpenFile(path, testutil.Logger(t))
	assert.Error(t, err)
}

func TestFile_WatchReloadsExternalChange(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "shared.json")

	watched, err := OpenFile(path, testutil.Logger(t))
	require.NoError(t, err)

	var changes atomic.Int32

	done := make(chan error, 1)
	go func() { done <- watched.Watch(ctx, func() { changes.Add(1) }) }()

	writer, err := OpenFile(path, testutil.Logger(t))
	require.NoError(t, err)

	// The watcher registers asynchronously; keep rewriting until observed.
	require.Eventually(t, func() bool {
		writer.Set("tick", time.Now().String())
		writer.Synchronize(ctx)

		_, ok := watched.Get("tick")

		return ok && changes.Load() > 0
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestFile_WatchIgnoresOwnFlushes(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "shared.json")

	watched, err := OpenFile(path, testutil.Logger(t))
	require.NoError(t, err)

	var changes atomic.Int32

	done := make(chan error, 1)
	go func() { done <- watched.Watch(ctx, func() { changes.Add(1) }) }()

	writer, err := OpenFile(path, testutil.Logger(t))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		writer.Set("ready", time.Now().String())
		writer.Synchronize(ctx)

		return changes.Load() > 0
	}, 5*time.Second, 50*time.Millisecond)

	// Let events from the warm-up writes drain.
	time.Sleep(200 * time.Millisecond)
	before := changes.Load()

	watched.Set("lock", "me")
	require.True(t, watched.Synchronize(ctx))
	watched.Delete("lock")
	require.True(t, watched.Synchronize(ctx))

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, before, changes.Load(), "own flushes must not count as changes")

	writer.Set("other", "device")
	require.True(t, writer.Synchronize(ctx))

	require.Eventually(t, func() bool {
		v, ok := watched.Get("other")
		return ok && v == "device" && changes.Load() > before
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
