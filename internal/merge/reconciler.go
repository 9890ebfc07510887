// Package merge collapses near-duplicate records by signature: a composite
// of normalized business fields that is a within-run dedup key, not a
// stable identity. How aggressive it is depends on whether sync is on.
//
// With sync off there is no remote copy to conflict with, so every kind is
// deduplicated and the first record of each signature survives. With sync
// on, a deletion would propagate to every device, so only child expenses
// that point at the same template inside the same budget are collapsed;
// that shape can only come from a creation race.
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/offshore-budgeting/ledgersync/internal/identity"
	"github.com/offshore-budgeting/ledgersync/internal/ledger"
)

// Mode names which dedup pass ran.
type Mode string

// Merge modes.
const (
	ModeLocal  Mode = "local"  // sync disabled: signature dedup of every kind
	ModeStrict Mode = "strict" // sync enabled: template children only
)

// Ledger is the persistence the reconciler needs. Satisfied by
// *ledger.Store.
type Ledger interface {
	Begin(ctx context.Context) (ledger.Tx, error)
}

// Config wires a Reconciler.
type Config struct {
	Ledger Ledger

	// SyncEnabled is consulted on every call; it picks the mode.
	SyncEnabled func() bool

	// ActiveWorkspace, when set, makes a local-mode merge first move every
	// record whose workspace is unset or different into it, so that
	// datasets created under separate workspaces collide.
	ActiveWorkspace uuid.UUID

	Logger *slog.Logger
}

// Report summarizes one merge.
type Report struct {
	Mode     Mode
	Duration time.Duration
	Adopted  map[ledger.Kind]int // rows moved into ActiveWorkspace
	Deleted  map[ledger.Kind]int
	Relinked int // references moved onto survivors
}

// Changed reports whether the merge mutated anything.
func (r *Report) Changed() bool {
	if r.Relinked > 0 {
		return true
	}

	for _, n := range r.Deleted {
		if n > 0 {
			return true
		}
	}

	for _, n := range r.Adopted {
		if n > 0 {
			return true
		}
	}

	return false
}

// Total returns the number of deleted records.
func (r *Report) Total() int {
	total := 0
	for _, n := range r.Deleted {
		total += n
	}

	return total
}

// Reconciler runs signature-based merges.
type Reconciler struct {
	ledger      Ledger
	syncEnabled func() bool
	active      uuid.UUID
	logger      *slog.Logger
}

// NewReconciler returns a Reconciler. A nil SyncEnabled means sync is off.
func NewReconciler(cfg *Config) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	syncEnabled := cfg.SyncEnabled
	if syncEnabled == nil {
		syncEnabled = func() bool { return false }
	}

	return &Reconciler{
		ledger:      cfg.Ledger,
		syncEnabled: syncEnabled,
		active:      cfg.ActiveWorkspace,
		logger:      logger,
	}
}

// MergeLocalIntoCloud runs one merge in a single transaction. Errors are
// returned to the caller; nothing is committed on error.
func (r *Reconciler) MergeLocalIntoCloud(ctx context.Context) (*Report, error) {
	start := time.Now()

	report := &Report{
		Mode:    ModeLocal,
		Adopted: make(map[ledger.Kind]int),
		Deleted: make(map[ledger.Kind]int),
	}

	if r.syncEnabled() {
		report.Mode = ModeStrict
	}

	tx, err := r.ledger.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("merge: %w", err)
	}
	defer tx.Rollback()

	if report.Mode == ModeStrict {
		err = r.mergeTemplateChildren(ctx, tx, report)
	} else {
		err = r.mergeAll(ctx, tx, report)
	}

	if err != nil {
		return nil, fmt.Errorf("merge: %s: %w", report.Mode, err)
	}

	if report.Changed() {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("merge: %w", err)
		}
	}

	report.Duration = time.Since(start)

	r.logger.Info("merge complete",
		slog.String("mode", string(report.Mode)),
		slog.Int("deleted", report.Total()),
		slog.Int("relinked", report.Relinked),
		slog.Duration("duration", report.Duration),
	)

	return report, nil
}

// mergeAll is the sync-disabled pass. Parents go first so expense
// signatures see the surviving card and category rows.
func (r *Reconciler) mergeAll(ctx context.Context, tx ledger.Tx, report *Report) error {
	if r.active != uuid.Nil {
		for _, kind := range ledger.DataKinds() {
			n, err := tx.AdoptWorkspace(ctx, kind, r.active)
			if err != nil {
				return err
			}

			report.Adopted[kind] = int(n)
		}
	}

	steps := []struct {
		kind ledger.Kind
		run  func(context.Context, ledger.Tx) ([]row, error)
	}{
		{ledger.KindCategory, categoryRows},
		{ledger.KindCard, cardRows},
		{ledger.KindBudget, budgetRows},
		{ledger.KindIncome, incomeRows},
		{ledger.KindPlannedExpense, plannedRows},
		{ledger.KindUnplannedExpense, unplannedRows},
	}

	for _, step := range steps {
		rows, err := step.run(ctx, tx)
		if err != nil {
			return err
		}

		if err := r.collapse(ctx, tx, step.kind, rows, report); err != nil {
			return fmt.Errorf("%s: %w", step.kind, err)
		}
	}

	return nil
}

// row is a record reduced to its signature. An empty signature is never
// merged. Expense templates also carry their identity and workspace, since
// children link to a template by identity rather than by row.
type row struct {
	pk  int64
	sig string

	template bool
	id       uuid.UUID
	ws       uuid.UUID
}

// collapse keeps the first row of each signature and deletes the rest,
// moving their relationships to the survivor first.
func (r *Reconciler) collapse(ctx context.Context, tx ledger.Tx, kind ledger.Kind, rows []row, report *Report) error {
	first := make(map[string]row, len(rows))

	for _, rw := range rows {
		if rw.sig == "" {
			continue
		}

		keeper, seen := first[rw.sig]
		if !seen {
			first[rw.sig] = rw
			continue
		}

		keep := keeper.pk

		n, err := tx.Repoint(ctx, kind, rw.pk, keep)
		if err != nil {
			return err
		}

		if rw.template {
			// A child whose template survives follows it; one whose
			// template merged into a plain expense is detached.
			target := uuid.Nil
			if keeper.template {
				target = keeper.id
			}

			links, err := tx.RewriteTemplateLinks(ctx, rw.ws, rw.id, target)
			if err != nil {
				return err
			}

			n += links
		}

		if err := tx.Delete(ctx, kind, rw.pk); err != nil {
			return err
		}

		report.Relinked += int(n)
		report.Deleted[kind]++

		r.logger.Debug("merged duplicate",
			slog.String("kind", kind.String()),
			slog.Int64("pk", rw.pk),
			slog.Int64("survivor_pk", keep),
		)
	}

	return nil
}

// mergeTemplateChildren is the sync-enabled pass. Within each
// (workspace, budget, template) bucket it keeps the child with the largest
// actual amount, then the latest transaction date, then the earliest row.
func (r *Reconciler) mergeTemplateChildren(ctx context.Context, tx ledger.Tx, report *Report) error {
	items, err := tx.PlannedExpenses(ctx, ledger.AllWorkspaces)
	if err != nil {
		return err
	}

	budgets, err := tx.Budgets(ctx, ledger.AllWorkspaces)
	if err != nil {
		return err
	}

	budgetWS := make(map[int64]uuid.UUID, len(budgets))
	for _, b := range budgets {
		budgetWS[b.PK] = b.WorkspaceID
	}

	type bucketKey struct {
		ws       uuid.UUID
		budgetPK int64
		template uuid.UUID
	}

	var order []bucketKey

	buckets := make(map[bucketKey][]ledger.PlannedExpense)

	for _, p := range items {
		if p.IsGlobal || p.GlobalTemplateID == uuid.Nil || p.BudgetPK == 0 {
			continue
		}

		// A child without a workspace belongs to its budget's.
		ws := p.WorkspaceID
		if ws == uuid.Nil {
			ws = budgetWS[p.BudgetPK]
		}

		k := bucketKey{ws: ws, budgetPK: p.BudgetPK, template: p.GlobalTemplateID}
		if _, ok := buckets[k]; !ok {
			order = append(order, k)
		}

		buckets[k] = append(buckets[k], p)
	}

	for _, k := range order {
		group := buckets[k]
		if len(group) < 2 {
			continue
		}

		keep := group[0]
		for _, p := range group[1:] {
			if betterChild(p, keep) {
				keep = p
			}
		}

		for _, p := range group {
			if p.PK == keep.PK {
				continue
			}

			if err := tx.Delete(ctx, ledger.KindPlannedExpense, p.PK); err != nil {
				return err
			}

			report.Deleted[ledger.KindPlannedExpense]++
		}

		r.logger.Debug("collapsed template children",
			slog.String("template", k.template.String()),
			slog.Int64("budget_pk", k.budgetPK),
			slog.Int64("kept_pk", keep.PK),
			slog.Int("members", len(group)),
		)
	}

	return nil
}

// betterChild reports whether a should replace b as the survivor.
func betterChild(a, b ledger.PlannedExpense) bool {
	if a.ActualAmount != b.ActualAmount {
		return a.ActualAmount > b.ActualAmount
	}

	return a.TransactionDate.After(b.TransactionDate)
}

// ---------------------------------------------------------------------------
// Signatures
// ---------------------------------------------------------------------------

func trimLower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func day(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return identity.NormalizeDay(t)
}

func ref(pk int64) string {
	if pk == 0 {
		return "nil"
	}

	return strconv.FormatInt(pk, 10)
}

func sig(parts ...string) string {
	return strings.Join(parts, "|")
}

func categoryRows(ctx context.Context, tx ledger.Tx) ([]row, error) {
	items, err := tx.Categories(ctx, ledger.AllWorkspaces)
	if err != nil {
		return nil, err
	}

	rows := make([]row, 0, len(items))
	for _, c := range items {
		name := trimLower(c.Name)
		if name == "" {
			continue
		}

		rows = append(rows, row{pk: c.PK, sig: sig(c.WorkspaceID.String(), name)})
	}

	return rows, nil
}

func cardRows(ctx context.Context, tx ledger.Tx) ([]row, error) {
	items, err := tx.Cards(ctx, ledger.AllWorkspaces)
	if err != nil {
		return nil, err
	}

	rows := make([]row, 0, len(items))
	for _, c := range items {
		name := trimLower(c.Name)
		if name == "" {
			continue
		}

		rows = append(rows, row{pk: c.PK, sig: sig(c.WorkspaceID.String(), name)})
	}

	return rows, nil
}

func budgetRows(ctx context.Context, tx ledger.Tx) ([]row, error) {
	items, err := tx.Budgets(ctx, ledger.AllWorkspaces)
	if err != nil {
		return nil, err
	}

	rows := make([]row, 0, len(items))
	for _, b := range items {
		rows = append(rows, row{pk: b.PK, sig: sig(
			b.WorkspaceID.String(), trimLower(b.Name), day(b.StartDate), day(b.EndDate),
		)})
	}

	return rows, nil
}

func incomeRows(ctx context.Context, tx ledger.Tx) ([]row, error) {
	items, err := tx.Incomes(ctx, ledger.AllWorkspaces)
	if err != nil {
		return nil, err
	}

	rows := make([]row, 0, len(items))
	for _, in := range items {
		planned := "0"
		if in.IsPlanned {
			planned = "1"
		}

		rows = append(rows, row{pk: in.PK, sig: sig(
			in.WorkspaceID.String(), day(in.Date), trimLower(in.Source), planned,
			identity.NormalizeMoney(in.Amount),
		)})
	}

	return rows, nil
}

func plannedRows(ctx context.Context, tx ledger.Tx) ([]row, error) {
	items, err := tx.PlannedExpenses(ctx, ledger.AllWorkspaces)
	if err != nil {
		return nil, err
	}

	rows := make([]row, 0, len(items))
	for _, p := range items {
		rows = append(rows, row{
			pk: p.PK,
			sig: sig(
				p.WorkspaceID.String(), day(p.TransactionDate), identity.NormalizeMoney(p.PlannedAmount),
				trimLower(p.Title), ref(p.CardPK), ref(p.CategoryPK),
			),
			template: p.IsGlobal,
			id:       p.ID,
			ws:       p.WorkspaceID,
		})
	}

	return rows, nil
}

func unplannedRows(ctx context.Context, tx ledger.Tx) ([]row, error) {
	items, err := tx.UnplannedExpenses(ctx, ledger.AllWorkspaces)
	if err != nil {
		return nil, err
	}

	rows := make([]row, 0, len(items))
	for _, u := range items {
		rows = append(rows, row{pk: u.PK, sig: sig(
			u.WorkspaceID.String(), day(u.TransactionDate), identity.NormalizeMoney(u.Amount),
			trimLower(u.Title), ref(u.CardPK), ref(u.CategoryPK),
		)})
	}

	return rows, nil
}
