package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offshore-budgeting/ledgersync/internal/canon"
	"github.com/offshore-budgeting/ledgersync/internal/config"
	"github.com/offshore-budgeting/ledgersync/internal/kv"
	"github.com/offshore-budgeting/ledgersync/internal/ledger"
	"github.com/offshore-budgeting/ledgersync/internal/lock"
	"github.com/offshore-budgeting/ledgersync/testutil"
)

var testWorkspace = uuid.MustParse("0d6a3e9c-5a7b-4c1e-9f00-000000000001")

// seedDuplicateCards writes two cards that differ only in case and spacing.
func seedDuplicateCards(t *testing.T, dataDir string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(dataDir, 0o700))

	ctx := context.Background()
	s, err := ledger.Open(ctx, filepath.Join(dataDir, "ledger.db"), testutil.Logger(t))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.InsertWorkspace(ctx, &ledger.Workspace{ID: testWorkspace, Name: "Home"}))
	require.NoError(t, s.InsertCard(ctx, &ledger.Card{ID: uuid.New(), WorkspaceID: testWorkspace, Name: "Visa"}))
	require.NoError(t, s.InsertCard(ctx, &ledger.Card{ID: uuid.New(), WorkspaceID: testWorkspace, Name: " visa "}))
}

func TestMigrate_RunsOnceThenSkips(t *testing.T) {
	env := newCLIEnv(t)
	seedDuplicateCards(t, env.dataDir)

	var first migrateJSON
	env.runJSON(t, &first, "migrate", "--reason", "test")
	assert.Equal(t, canon.OutcomeCompleted, first.Outcome)
	assert.Equal(t, "test", first.Reason)
	assert.Equal(t, 1, first.Workspaces)
	assert.Equal(t, 1, first.Kinds[ledger.KindCard.String()].Deleted)

	var second migrateJSON
	env.runJSON(t, &second, "migrate")
	assert.Equal(t, canon.OutcomeDoneAlready, second.Outcome)

	var status statusReport
	env.runJSON(t, &status, "status")
	assert.True(t, status.LocalDone)
	assert.True(t, status.SharedDone)
	assert.NotEmpty(t, status.InstallID)
	assert.Empty(t, status.LockHolder, "lock released after the run")
	assert.Equal(t, 1, status.Counts[ledger.KindCard.String()])
}

func TestMigrate_ForceRerunsAsNoOp(t *testing.T) {
	env := newCLIEnv(t)
	seedDuplicateCards(t, env.dataDir)

	var report migrateJSON
	env.runJSON(t, &report, "migrate")
	require.Equal(t, canon.OutcomeCompleted, report.Outcome)

	report = migrateJSON{}
	env.runJSON(t, &report, "migrate", "--force")
	assert.Equal(t, canon.OutcomeCompleted, report.Outcome)
	assert.Empty(t, report.Kinds[ledger.KindCard.String()].Deleted)
	assert.Empty(t, report.CardIDMap)
}

func TestMigrate_SecondInstanceRefused(t *testing.T) {
	env := newCLIEnv(t)

	release, err := acquireMigrateLock(&config.StoreConfig{DataDir: env.dataDir})
	require.NoError(t, err)
	defer release()

	_, err = env.run(t, "migrate")
	require.ErrorIs(t, err, errMigrateRunning)
	assert.Contains(t, err.Error(), filepath.Join(env.dataDir, "migrate.pid"))
}

func TestPrintMigrateReport_Text(t *testing.T) {
	t.Parallel()

	r := &canon.Report{
		Reason:     "launch",
		Outcome:    canon.OutcomeCompleted,
		Duration:   1500 * time.Millisecond,
		Workspaces: 2,
		Kinds: map[ledger.Kind]*canon.KindStats{
			ledger.KindCard:     {Groups: 3, Renamed: 1, Deleted: 2, Relinked: 4},
			ledger.KindCategory: {Groups: 5},
		},
		SnapshotsRemapped: 3,
	}

	var buf bytes.Buffer
	require.NoError(t, printMigrateReport(&buf, r, false))

	out := buf.String()
	assert.Contains(t, out, "Identity migration completed (reason launch) in 1.5s")
	assert.Contains(t, out, "Workspaces: 2")
	assert.Contains(t, out, "Card             3       1        2        4")
	assert.Contains(t, out, "Card snapshots remapped: 3")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("ExpenseCategory")), bytes.Index(buf.Bytes(), []byte("Card ")))
}

func TestPrintMigrateReport_SkippedIsOneLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, printMigrateReport(&buf, &canon.Report{Reason: "x", Outcome: canon.OutcomeLockBusy}, false))
	assert.Equal(t, "Identity migration lock-busy (reason x) in 0s\n", buf.String())
}

// scriptedRun returns each outcome in turn and records the reasons seen.
type scriptedRun struct {
	outcomes []canon.Outcome
	errs     []error
	reasons  []string
}

func (s *scriptedRun) run(_ context.Context, reason string) (*canon.Report, error) {
	i := len(s.reasons)
	s.reasons = append(s.reasons, reason)

	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}

	return &canon.Report{Reason: reason, Outcome: s.outcomes[i]}, err
}

func newTestWatcher(t *testing.T, s *scriptedRun, changes chan struct{}, sighup chan os.Signal, reload func() error) *migrateWatcher {
	t.Helper()

	if reload == nil {
		reload = func() error { return nil }
	}

	return &migrateWatcher{
		run:     s.run,
		changes: changes,
		sighup:  sighup,
		reload:  reload,
		retry:   time.Hour,
		logger:  testutil.Logger(t),
	}
}

func TestMigrateWatcher_RetriesOnSharedStateChange(t *testing.T) {
	t.Parallel()

	s := &scriptedRun{outcomes: []canon.Outcome{canon.OutcomeLockBusy, canon.OutcomeCompleted}}

	changes := make(chan struct{}, 1)
	changes <- struct{}{}

	w := newTestWatcher(t, s, changes, nil, nil)
	require.NoError(t, w.loop(context.Background(), "launch"))
	assert.Equal(t, []string{"launch", "shared-state-changed"}, s.reasons)
}

func TestMigrateWatcher_SighupReloads(t *testing.T) {
	t.Parallel()

	s := &scriptedRun{
		outcomes: []canon.Outcome{canon.OutcomeFailed, canon.OutcomeDoneAlready},
		errs:     []error{errors.New("boom")},
	}

	sighup := make(chan os.Signal, 1)
	sighup <- syscall.SIGHUP

	reloads := 0
	w := newTestWatcher(t, s, nil, sighup, func() error {
		reloads++
		return nil
	})

	require.NoError(t, w.loop(context.Background(), "launch"))
	assert.Equal(t, []string{"launch", "sighup"}, s.reasons)
	assert.Equal(t, 1, reloads)
}

func TestMigrateWatcher_RetryTimer(t *testing.T) {
	t.Parallel()

	s := &scriptedRun{outcomes: []canon.Outcome{canon.OutcomeLockBusy, canon.OutcomeCompleted}}

	w := newTestWatcher(t, s, nil, nil, nil)
	w.retry = 10 * time.Millisecond

	require.NoError(t, w.loop(context.Background(), "launch"))
	assert.Equal(t, []string{"launch", "retry"}, s.reasons)
}

func TestMigrateWatcher_StrictStopsOnFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	s := &scriptedRun{outcomes: []canon.Outcome{canon.OutcomeFailed}, errs: []error{boom}}

	w := newTestWatcher(t, s, nil, nil, nil)
	w.strict = true

	assert.ErrorIs(t, w.loop(context.Background(), "launch"), boom)
}

func TestMigrateWatcher_CancelStops(t *testing.T) {
	t.Parallel()

	s := &scriptedRun{outcomes: []canon.Outcome{canon.OutcomeLockBusy}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := newTestWatcher(t, s, nil, nil, nil)
	require.NoError(t, w.loop(ctx, "launch"))
	assert.Len(t, s.reasons, 1)
}

func TestMigrateWatcher_OwnLockWritesDoNotRetrigger(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	logger := testutil.Logger(t)

	shared, err := kv.OpenFile(filepath.Join(t.TempDir(), "shared-state.json"), logger)
	require.NoError(t, err)

	advisory := lock.New(shared, canon.LockKeys, lock.DefaultTTL, logger)
	boom := errors.New("store unavailable")

	var attempts atomic.Int32

	// Every attempt takes and drops the lock on the shared file, then fails
	// the way a store error would.
	run := func(ctx context.Context, reason string) (*canon.Report, error) {
		attempts.Add(1)

		if advisory.TryAcquire(ctx, "this-device") {
			_ = advisory.Release(ctx, "this-device")
		}

		return &canon.Report{Reason: reason, Outcome: canon.OutcomeFailed}, boom
	}

	w := &migrateWatcher{
		run:     run,
		changes: watchSharedState(ctx, &services{shared: shared, logger: logger}),
		reload:  func() error { return nil },
		retry:   time.Hour,
		logger:  logger,
	}

	require.NoError(t, w.loop(ctx, "launch"))
	assert.Equal(t, int32(1), attempts.Load(), "only the retry timer or another writer may start a new attempt")
}
