// Package canon runs the one-time identity canonicalization job. For every
// workspace it groups categories, cards, budgets, and expense templates by
// their content-derived identity, keeps one record per group, moves every
// relationship onto the keeper, and deletes the rest. A second run over
// canonical data changes nothing.
package canon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/offshore-budgeting/ledgersync/internal/ledger"
	"github.com/offshore-budgeting/ledgersync/internal/lock"
)

// DefaultLoadTimeout bounds the wait for the ledger before a run.
const DefaultLoadTimeout = 15 * time.Second

// Outcome classifies a RunIfNeeded call.
type Outcome string

// Run outcomes.
const (
	OutcomeDoneAlready Outcome = "done-already"
	OutcomeLockBusy    Outcome = "lock-busy"
	OutcomeCompleted   Outcome = "completed"
	OutcomeFailed      Outcome = "failed"
)

// Ledger is the persistence the coordinator needs. Satisfied by
// *ledger.Store.
type Ledger interface {
	WaitUntilLoaded(ctx context.Context, timeout time.Duration) error
	Workspaces(ctx context.Context) ([]uuid.UUID, error)
	Begin(ctx context.Context) (ledger.Tx, error)
}

// Locker is the cross-device mutual exclusion. Satisfied by *lock.Advisory.
type Locker interface {
	TryAcquire(ctx context.Context, owner string) bool
	Release(ctx context.Context, owner string) error
}

// SnapshotRemapper rewrites caches keyed by card identity after cards were
// renamed. Satisfied by *snapshot.Store.
type SnapshotRemapper interface {
	Remap(ctx context.Context, ids map[uuid.UUID]uuid.UUID) (int, error)
}

// CoordinatorConfig wires a Coordinator. Remapper is optional.
type CoordinatorConfig struct {
	Ledger      Ledger
	Flags       *Flags
	Lock        Locker
	Remapper    SnapshotRemapper
	LoadTimeout time.Duration // zero selects DefaultLoadTimeout
	Logger      *slog.Logger
}

// KindStats counts the work done for one entity kind.
type KindStats struct {
	Groups   int `json:"groups"`   // distinct canonical identities seen
	Renamed  int `json:"renamed"`  // keepers whose identity was rewritten
	Deleted  int `json:"deleted"`  // duplicates removed
	Relinked int `json:"relinked"` // references moved onto keepers
}

// Report summarizes a run.
type Report struct {
	Reason     string
	Outcome    Outcome
	Duration   time.Duration
	Workspaces int
	Kinds      map[ledger.Kind]*KindStats

	// CardIDMap maps each renamed card's previous identity to its new one.
	CardIDMap map[uuid.UUID]uuid.UUID

	// SnapshotsRemapped is the number of cache entries rewritten.
	SnapshotsRemapped int
}

func newReport(reason string) *Report {
	return &Report{
		Reason:    reason,
		Kinds:     make(map[ledger.Kind]*KindStats),
		CardIDMap: make(map[uuid.UUID]uuid.UUID),
	}
}

func (r *Report) stats(k ledger.Kind) *KindStats {
	s, ok := r.Kinds[k]
	if !ok {
		s = &KindStats{}
		r.Kinds[k] = s
	}

	return s
}

func (r *Report) merge(o *Report) {
	for k, s := range o.Kinds {
		t := r.stats(k)
		t.Groups += s.Groups
		t.Renamed += s.Renamed
		t.Deleted += s.Deleted
		t.Relinked += s.Relinked
	}

	for old, cur := range o.CardIDMap {
		r.CardIDMap[old] = cur
	}
}

// Mutations is the total number of renames, deletions, and relinks.
func (r *Report) Mutations() int {
	total := 0
	for _, s := range r.Kinds {
		total += s.Renamed + s.Deleted + s.Relinked
	}

	return total
}

// SortedKinds returns the kinds with stats in a stable order.
func (r *Report) SortedKinds() []ledger.Kind {
	kinds := make([]ledger.Kind, 0, len(r.Kinds))
	for k := range r.Kinds {
		kinds = append(kinds, k)
	}

	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	return kinds
}

// Coordinator is the canonicalization job. It holds no run state between
// calls and is safe to reuse.
type Coordinator struct {
	ledger      Ledger
	flags       *Flags
	lock        Locker
	remapper    SnapshotRemapper
	loadTimeout time.Duration
	logger      *slog.Logger
}

// NewCoordinator validates cfg and returns a Coordinator.
func NewCoordinator(cfg *CoordinatorConfig) (*Coordinator, error) {
	if cfg.Ledger == nil || cfg.Flags == nil || cfg.Lock == nil {
		return nil, errors.New("canon: ledger, flags, and lock are required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.LoadTimeout
	if timeout <= 0 {
		timeout = DefaultLoadTimeout
	}

	return &Coordinator{
		ledger:      cfg.Ledger,
		flags:       cfg.Flags,
		lock:        cfg.Lock,
		remapper:    cfg.Remapper,
		loadTimeout: timeout,
		logger:      logger,
	}, nil
}

// RunIfNeeded runs the job unless a done flag is already set or another
// device holds the lock. Neither case is an error. A failed run leaves the
// done flag unset so a later call retries; the error is returned for the
// caller to log or surface.
func (c *Coordinator) RunIfNeeded(ctx context.Context, reason string) (*Report, error) {
	if c.flags.IsDone() {
		c.logger.Debug("identity migration already done", slog.String("reason", reason))

		r := newReport(reason)
		r.Outcome = OutcomeDoneAlready

		return r, nil
	}

	owner := c.flags.InstallID(ctx)

	if !c.lock.TryAcquire(ctx, owner) {
		c.logger.Info("identity migration skipped: lock busy", slog.String("reason", reason))

		r := newReport(reason)
		r.Outcome = OutcomeLockBusy

		return r, nil
	}

	defer func() {
		if err := c.lock.Release(ctx, owner); err != nil && !errors.Is(err, lock.ErrNotOwner) {
			c.logger.Warn("releasing migration lock", slog.String("error", err.Error()))
		}
	}()

	report, err := c.RunOnce(ctx, reason)
	if err != nil {
		report.Outcome = OutcomeFailed

		c.logger.Warn("identity migration failed",
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)

		return report, err
	}

	c.flags.MarkDone(ctx)
	report.Outcome = OutcomeCompleted

	c.logger.Info("identity migration complete",
		slog.String("reason", reason),
		slog.Int("workspaces", report.Workspaces),
		slog.Int("mutations", report.Mutations()),
		slog.Duration("duration", report.Duration),
	)

	return report, nil
}

// RunOnce canonicalizes every workspace without consulting flags or the
// lock. Each workspace commits as one unit; the first failure rolls that
// workspace back and stops the run. Workspaces committed earlier stay
// committed, which is safe because a rerun over them is a no-op.
func (c *Coordinator) RunOnce(ctx context.Context, reason string) (*Report, error) {
	start := time.Now()
	report := newReport(reason)

	defer func() { report.Duration = time.Since(start) }()

	if err := c.ledger.WaitUntilLoaded(ctx, c.loadTimeout); err != nil {
		return report, fmt.Errorf("canon: waiting for ledger: %w", err)
	}

	workspaces, err := c.ledger.Workspaces(ctx)
	if err != nil {
		return report, fmt.Errorf("canon: listing workspaces: %w", err)
	}

	for _, ws := range workspaces {
		if err := ctx.Err(); err != nil {
			c.remapSnapshots(ctx, report)

			return report, fmt.Errorf("canon: canceled: %w", err)
		}

		if err := c.canonicalizeWorkspace(ctx, ws, report); err != nil {
			// Renames in workspaces that already committed are final.
			c.remapSnapshots(ctx, report)

			return report, fmt.Errorf("canon: workspace %s: %w", ws, err)
		}

		report.Workspaces++
	}

	c.remapSnapshots(ctx, report)

	return report, nil
}

func (c *Coordinator) remapSnapshots(ctx context.Context, report *Report) {
	if len(report.CardIDMap) == 0 || c.remapper == nil {
		return
	}

	n, err := c.remapper.Remap(ctx, report.CardIDMap)
	if err != nil {
		// Cache entries are rebuilt by their producer; a stale one is cosmetic.
		c.logger.Warn("remapping card snapshots", slog.String("error", err.Error()))
	}

	report.SnapshotsRemapped = n
}

// canonicalizeWorkspace runs every kind in dependency order inside one
// transaction. Categories and cards settle before budgets and templates,
// whose identities and links depend on them. Counts reach report only once
// the transaction commits.
func (c *Coordinator) canonicalizeWorkspace(ctx context.Context, ws uuid.UUID, report *Report) error {
	tx, err := c.ledger.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	scratch := newReport(report.Reason)

	steps := []struct {
		kind ledger.Kind
		run  func(context.Context, ledger.Tx, uuid.UUID, *Report) error
	}{
		{ledger.KindCategory, c.canonicalizeCategories},
		{ledger.KindCard, c.canonicalizeCards},
		{ledger.KindBudget, c.canonicalizeBudgets},
		{ledger.KindPlannedExpense, c.canonicalizeTemplates},
	}

	for _, step := range steps {
		if err := step.run(ctx, tx, ws, scratch); err != nil {
			return fmt.Errorf("%s: %w", step.kind, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	report.merge(scratch)

	if n := scratch.Mutations(); n > 0 {
		c.logger.Info("workspace canonicalized",
			slog.String("workspace", ws.String()),
			slog.Int("mutations", n),
		)
	}

	return nil
}
