package canon

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/offshore-budgeting/ledgersync/internal/kv"
	"github.com/offshore-budgeting/ledgersync/internal/lock"
)

// Store keys. These names are shared with every other install of the app
// and must not change.
const (
	KeyDone      = "migration.deterministicIDs.v1.done"
	KeyLock      = "migration.deterministicIDs.v1.lock"
	KeyLockedAt  = "migration.deterministicIDs.v1.lockedAt"
	KeyInstallID = "migration.device.installID"
)

// LockKeys are the keys of the migration lock in the shared store.
var LockKeys = lock.Keys{Owner: KeyLock, LockedAt: KeyLockedAt}

// Flags tracks the migration "done" state in two places: the device-local
// store, which is authoritative for this install, and the shared store,
// which lets other devices skip a run they would otherwise repeat. The
// shared copy propagates asynchronously, so it reduces redundant runs but
// cannot prevent them.
type Flags struct {
	local  kv.Store
	shared kv.Store
	logger *slog.Logger
}

// NewFlags returns flags over a device-local and a shared store.
func NewFlags(local, shared kv.Store, logger *slog.Logger) *Flags {
	if logger == nil {
		logger = slog.Default()
	}

	return &Flags{local: local, shared: shared, logger: logger}
}

// IsDone reports whether either store says the migration has completed.
func (f *Flags) IsDone() bool {
	return f.LocalDone() || f.SharedDone()
}

// LocalDone reports the device-local flag.
func (f *Flags) LocalDone() bool {
	return readBool(f.local, KeyDone)
}

// SharedDone reports the shared flag as currently visible on this device.
func (f *Flags) SharedDone() bool {
	return readBool(f.shared, KeyDone)
}

// MarkDone sets both flags and synchronizes both stores.
func (f *Flags) MarkDone(ctx context.Context) {
	f.local.Set(KeyDone, strconv.FormatBool(true))
	f.local.Synchronize(ctx)

	f.shared.Set(KeyDone, strconv.FormatBool(true))

	if !f.shared.Synchronize(ctx) {
		f.logger.Warn("canon: shared done flag not synchronized; other devices may rerun")
	}
}

// Reset clears both flags so the next RunIfNeeded runs again.
func (f *Flags) Reset(ctx context.Context) {
	f.local.Delete(KeyDone)
	f.local.Synchronize(ctx)
	f.shared.Delete(KeyDone)
	f.shared.Synchronize(ctx)

	f.logger.Info("canon: migration flags reset")
}

// InstallID returns this device's install identifier, creating and
// persisting a random one on first use. It is the advisory lock owner token.
func (f *Flags) InstallID(ctx context.Context) string {
	if id, ok := f.local.Get(KeyInstallID); ok && id != "" {
		return id
	}

	id := strings.ToUpper(uuid.NewString())
	f.local.Set(KeyInstallID, id)
	f.local.Synchronize(ctx)

	f.logger.Info("canon: created install id", slog.String("install_id", id))

	return id
}

func readBool(s kv.Store, key string) bool {
	raw, ok := s.Get(key)
	if !ok {
		return false
	}

	b, err := strconv.ParseBool(raw)

	return err == nil && b
}
