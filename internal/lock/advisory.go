// Package lock implements a best-effort advisory lock over an eventually
// consistent key-value store. Two devices racing inside the propagation
// window can both acquire it; callers must only guard work that is
// idempotent and safe to interleave.
package lock

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/offshore-budgeting/ledgersync/internal/kv"
)

// DefaultTTL is how long a lock is honored after it was taken.
const DefaultTTL = 12 * time.Minute

// ErrNotOwner is returned by Release when another owner holds the lock.
var ErrNotOwner = errors.New("lock: held by another owner")

// Keys names the two store keys that make up a lock.
type Keys struct {
	Owner    string
	LockedAt string
}

// Advisory is a TTL lock stored as an owner token plus an acquisition
// timestamp (Unix seconds, decimal string).
type Advisory struct {
	store  kv.Store
	keys   Keys
	ttl    time.Duration
	logger *slog.Logger

	nowFunc func() time.Time // injectable for deterministic tests
}

// New returns a lock over store. A non-positive ttl selects DefaultTTL.
func New(store kv.Store, keys Keys, ttl time.Duration, logger *slog.Logger) *Advisory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Advisory{
		store:   store,
		keys:    keys,
		ttl:     ttl,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// TryAcquire attempts to take the lock for owner without blocking. It fails
// whenever the lock was taken less than ttl ago, even by owner itself. Otherwise it
// writes (owner, now), synchronizes, and re-reads the owner; the lock is
// held only if the re-read still names owner.
func (a *Advisory) TryAcquire(ctx context.Context, owner string) bool {
	now := a.nowFunc()

	if holder, lockedAt, ok := a.current(); ok && now.Sub(lockedAt) < a.ttl {
		a.logger.Info("lock busy",
			slog.String("holder", holder),
			slog.Time("locked_at", lockedAt),
		)

		return false
	}

	a.store.Set(a.keys.Owner, owner)
	a.store.Set(a.keys.LockedAt, formatStamp(now))

	if !a.store.Synchronize(ctx) {
		a.logger.Debug("lock: synchronize after write failed; verifying local view")
	}

	confirmed, _ := a.store.Get(a.keys.Owner)
	if confirmed != owner {
		a.logger.Info("lock lost verification race", slog.String("holder", confirmed))
		return false
	}

	a.logger.Debug("lock acquired", slog.String("owner", owner))

	return true
}

// Release clears the lock if owner holds it or nobody does. A lock that has
// since been taken over by another owner is left untouched and ErrNotOwner
// is returned.
func (a *Advisory) Release(ctx context.Context, owner string) error {
	if holder, ok := a.store.Get(a.keys.Owner); ok && holder != "" && holder != owner {
		a.logger.Warn("lock: not releasing lock held by another owner",
			slog.String("owner", owner),
			slog.String("holder", holder),
		)

		return ErrNotOwner
	}

	a.clear(ctx)
	a.logger.Debug("lock released", slog.String("owner", owner))

	return nil
}

// Break clears the lock regardless of owner. Operator use only.
func (a *Advisory) Break(ctx context.Context) {
	a.clear(ctx)
	a.logger.Warn("lock broken")
}

// Holder returns the owner of an unexpired lock, or "" when free.
func (a *Advisory) Holder() string {
	holder, lockedAt, ok := a.current()
	if !ok || a.nowFunc().Sub(lockedAt) >= a.ttl {
		return ""
	}

	return holder
}

func (a *Advisory) clear(ctx context.Context) {
	a.store.Delete(a.keys.Owner)
	a.store.Delete(a.keys.LockedAt)
	a.store.Synchronize(ctx)
}

// current reads the lock. ok is false when there is no parseable timestamp.
func (a *Advisory) current() (owner string, lockedAt time.Time, ok bool) {
	raw, found := a.store.Get(a.keys.LockedAt)
	if !found {
		return "", time.Time{}, false
	}

	lockedAt, err := parseStamp(raw)
	if err != nil {
		return "", time.Time{}, false
	}

	owner, _ = a.store.Get(a.keys.Owner)

	return owner, lockedAt, true
}

func formatStamp(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/float64(time.Second), 'f', -1, 64)
}

func parseStamp(s string) (time.Time, error) {
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, err
	}

	return time.Unix(0, int64(secs*float64(time.Second))), nil
}
