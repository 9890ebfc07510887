package merge

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offshore-budgeting/ledgersync/internal/ledger"
	"github.com/offshore-budgeting/ledgersync/testutil"
)

var (
	wsA = uuid.MustParse("aaaaaaaa-0000-4000-8000-000000000001")
	wsB = uuid.MustParse("bbbbbbbb-0000-4000-8000-000000000002")

	day1 = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)
)

func newStore(t *testing.T) *ledger.Store {
	t.Helper()

	s, err := ledger.Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"), testutil.Logger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func newReconciler(t *testing.T, s Ledger, syncOn bool) *Reconciler {
	t.Helper()

	return NewReconciler(&Config{
		Ledger:      s,
		SyncEnabled: func() bool { return syncOn },
		Logger:      testutil.Logger(t),
	})
}

func count(t *testing.T, s *ledger.Store, kind ledger.Kind) int {
	t.Helper()

	n, err := s.Count(context.Background(), kind, ledger.AllWorkspaces)
	require.NoError(t, err)

	return n
}

func TestMerge_StrictKeepsLargestActual(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)

	b := &ledger.Budget{ID: uuid.New(), WorkspaceID: wsA, StartDate: day1, EndDate: day1.AddDate(0, 1, 0)}
	require.NoError(t, s.InsertBudget(ctx, b))

	tmpl := uuid.New()
	zero := &ledger.PlannedExpense{ID: uuid.New(), WorkspaceID: wsA, Title: "Rent", GlobalTemplateID: tmpl, BudgetPK: b.PK, ActualAmount: 0, TransactionDate: day1.Add(time.Hour)}
	spent := &ledger.PlannedExpense{ID: uuid.New(), WorkspaceID: wsA, Title: "Rent", GlobalTemplateID: tmpl, BudgetPK: b.PK, ActualAmount: 50, TransactionDate: day1}
	require.NoError(t, s.InsertPlannedExpense(ctx, zero))
	require.NoError(t, s.InsertPlannedExpense(ctx, spent))

	report, err := newReconciler(t, s, true).MergeLocalIntoCloud(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeStrict, report.Mode)
	assert.Equal(t, 1, report.Deleted[ledger.KindPlannedExpense])

	require.NoError(t, s.View(ctx, func(tx ledger.Tx) error {
		got, err := tx.PlannedExpenses(ctx, wsA)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, spent.ID, got[0].ID)
		assert.InDelta(t, 50.0, got[0].ActualAmount, 0.001)

		return nil
	}))
}

func TestMerge_StrictTieBreaks(t *testing.T) {
	t.Parallel()

	older := ledger.PlannedExpense{PK: 1, ActualAmount: 10, TransactionDate: day1}
	newer := ledger.PlannedExpense{PK: 2, ActualAmount: 10, TransactionDate: day1.Add(time.Hour)}
	bigger := ledger.PlannedExpense{PK: 3, ActualAmount: 11}

	assert.True(t, betterChild(newer, older), "latest date wins a tie on amount")
	assert.False(t, betterChild(older, newer))
	assert.True(t, betterChild(bigger, newer), "amount beats date")
	assert.False(t, betterChild(older, older), "full tie keeps the incumbent")
}

func TestMerge_StrictLeavesEverythingElse(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)

	b1 := &ledger.Budget{ID: uuid.New(), WorkspaceID: wsA}
	b2 := &ledger.Budget{ID: uuid.New(), WorkspaceID: wsA}
	require.NoError(t, s.InsertBudget(ctx, b1))
	require.NoError(t, s.InsertBudget(ctx, b2))

	tmpl := uuid.New()
	// Same template, different budgets: distinct children.
	require.NoError(t, s.InsertPlannedExpense(ctx, &ledger.PlannedExpense{ID: uuid.New(), WorkspaceID: wsA, GlobalTemplateID: tmpl, BudgetPK: b1.PK}))
	require.NoError(t, s.InsertPlannedExpense(ctx, &ledger.PlannedExpense{ID: uuid.New(), WorkspaceID: wsA, GlobalTemplateID: tmpl, BudgetPK: b2.PK}))
	// No budget: never collapsed.
	require.NoError(t, s.InsertPlannedExpense(ctx, &ledger.PlannedExpense{ID: uuid.New(), WorkspaceID: wsA, GlobalTemplateID: tmpl}))
	require.NoError(t, s.InsertPlannedExpense(ctx, &ledger.PlannedExpense{ID: uuid.New(), WorkspaceID: wsA, GlobalTemplateID: tmpl}))

	// Obvious full-entity duplicates are left alone under sync.
	require.NoError(t, s.InsertCard(ctx, &ledger.Card{ID: uuid.New(), WorkspaceID: wsA, Name: "Visa"}))
	require.NoError(t, s.InsertCard(ctx, &ledger.Card{ID: uuid.New(), WorkspaceID: wsA, Name: "visa"}))

	report, err := newReconciler(t, s, true).MergeLocalIntoCloud(ctx)
	require.NoError(t, err)
	assert.False(t, report.Changed())
	assert.Equal(t, 4, count(t, s, ledger.KindPlannedExpense))
	assert.Equal(t, 2, count(t, s, ledger.KindCard))
}

func TestMerge_LocalSignatures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)

	// Categories and cards: trim + lower-case names, empty names never merge.
	for _, name := range []string{"Food", " food ", "", ""} {
		require.NoError(t, s.InsertCategory(ctx, &ledger.Category{ID: uuid.New(), WorkspaceID: wsA, Name: name}))
	}

	keepCard := &ledger.Card{ID: uuid.New(), WorkspaceID: wsA, Name: "Visa"}
	dupCard := &ledger.Card{ID: uuid.New(), WorkspaceID: wsA, Name: "VISA "}
	require.NoError(t, s.InsertCard(ctx, keepCard))
	require.NoError(t, s.InsertCard(ctx, dupCard))
	require.NoError(t, s.InsertCard(ctx, &ledger.Card{ID: uuid.New(), WorkspaceID: wsB, Name: "visa"}))

	// Budgets: name and both days.
	require.NoError(t, s.InsertBudget(ctx, &ledger.Budget{ID: uuid.New(), WorkspaceID: wsA, Name: "March", StartDate: day1, EndDate: day1.AddDate(0, 1, 0)}))
	require.NoError(t, s.InsertBudget(ctx, &ledger.Budget{ID: uuid.New(), WorkspaceID: wsA, Name: "march", StartDate: day1.Add(3 * time.Hour), EndDate: day1.AddDate(0, 1, 0)}))
	require.NoError(t, s.InsertBudget(ctx, &ledger.Budget{ID: uuid.New(), WorkspaceID: wsA, Name: "March", StartDate: day1.AddDate(0, 0, 1), EndDate: day1.AddDate(0, 1, 0)}))

	// Incomes: planned flag participates.
	require.NoError(t, s.InsertIncome(ctx, &ledger.Income{ID: uuid.New(), WorkspaceID: wsA, Source: "Salary", Amount: 1000, Date: day1}))
	require.NoError(t, s.InsertIncome(ctx, &ledger.Income{ID: uuid.New(), WorkspaceID: wsA, Source: "salary", Amount: 1000.004, Date: day1}))
	require.NoError(t, s.InsertIncome(ctx, &ledger.Income{ID: uuid.New(), WorkspaceID: wsA, Source: "Salary", Amount: 1000, Date: day1, IsPlanned: true}))

	// Unplanned: the duplicate card's expense becomes a duplicate once its
	// card reference moves to the survivor.
	require.NoError(t, s.InsertUnplannedExpense(ctx, &ledger.UnplannedExpense{ID: uuid.New(), WorkspaceID: wsA, Title: "Coffee", Amount: 4.5, TransactionDate: day1, CardPK: keepCard.PK}))
	require.NoError(t, s.InsertUnplannedExpense(ctx, &ledger.UnplannedExpense{ID: uuid.New(), WorkspaceID: wsA, Title: "coffee", Amount: 4.5, TransactionDate: day1, CardPK: dupCard.PK}))
	require.NoError(t, s.InsertUnplannedExpense(ctx, &ledger.UnplannedExpense{ID: uuid.New(), WorkspaceID: wsA, Title: "Coffee", Amount: 4.5, TransactionDate: day1.AddDate(0, 0, 1), CardPK: keepCard.PK}))

	report, err := newReconciler(t, s, false).MergeLocalIntoCloud(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeLocal, report.Mode)

	assert.Equal(t, 3, count(t, s, ledger.KindCategory), "food + two unnamed")
	assert.Equal(t, 2, count(t, s, ledger.KindCard), "one per workspace")
	assert.Equal(t, 2, count(t, s, ledger.KindBudget))
	assert.Equal(t, 2, count(t, s, ledger.KindIncome))
	assert.Equal(t, 2, count(t, s, ledger.KindUnplannedExpense))

	assert.Equal(t, 1, report.Deleted[ledger.KindCard])
	assert.Equal(t, 1, report.Relinked, "the duplicate card's expense")

	require.NoError(t, s.View(ctx, func(tx ledger.Tx) error {
		cs, err := tx.Cards(ctx, wsA)
		require.NoError(t, err)
		require.Len(t, cs, 1)
		assert.Equal(t, keepCard.ID, cs[0].ID, "first encountered survives")

		return nil
	}))
}

func TestMerge_LocalTemplateDuplicateMovesChildLinks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)

	b := &ledger.Budget{ID: uuid.New(), WorkspaceID: wsA, Name: "March", StartDate: day1, EndDate: day1.AddDate(0, 1, 0)}
	require.NoError(t, s.InsertBudget(ctx, b))

	keep := &ledger.PlannedExpense{ID: uuid.New(), WorkspaceID: wsA, Title: "Rent", PlannedAmount: 900, IsGlobal: true}
	dup := &ledger.PlannedExpense{ID: uuid.New(), WorkspaceID: wsA, Title: "rent ", PlannedAmount: 900, IsGlobal: true}
	require.NoError(t, s.InsertPlannedExpense(ctx, keep))
	require.NoError(t, s.InsertPlannedExpense(ctx, dup))

	child := &ledger.PlannedExpense{
		ID: uuid.New(), WorkspaceID: wsA, Title: "Rent", PlannedAmount: 900,
		TransactionDate: day1, GlobalTemplateID: dup.ID, BudgetPK: b.PK,
	}
	require.NoError(t, s.InsertPlannedExpense(ctx, child))

	report, err := newReconciler(t, s, false).MergeLocalIntoCloud(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted[ledger.KindPlannedExpense])
	assert.Equal(t, 1, report.Relinked)

	require.NoError(t, s.View(ctx, func(tx ledger.Tx) error {
		got, err := tx.PlannedExpenses(ctx, wsA)
		require.NoError(t, err)
		require.Len(t, got, 2)

		for _, p := range got {
			if p.IsGlobal {
				assert.Equal(t, keep.ID, p.ID)
				continue
			}

			assert.Equal(t, keep.ID, p.GlobalTemplateID, "child follows the surviving template")
		}

		return nil
	}))
}

func TestMerge_StrictChildWithoutWorkspaceUsesBudgets(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)

	b := &ledger.Budget{ID: uuid.New(), WorkspaceID: wsA, StartDate: day1, EndDate: day1.AddDate(0, 1, 0)}
	require.NoError(t, s.InsertBudget(ctx, b))

	tmpl := uuid.New()
	scoped := &ledger.PlannedExpense{ID: uuid.New(), WorkspaceID: wsA, Title: "Rent", GlobalTemplateID: tmpl, BudgetPK: b.PK}
	unscoped := &ledger.PlannedExpense{ID: uuid.New(), Title: "Rent", GlobalTemplateID: tmpl, BudgetPK: b.PK, ActualAmount: 40}
	require.NoError(t, s.InsertPlannedExpense(ctx, scoped))
	require.NoError(t, s.InsertPlannedExpense(ctx, unscoped))

	report, err := newReconciler(t, s, true).MergeLocalIntoCloud(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted[ledger.KindPlannedExpense])

	require.NoError(t, s.View(ctx, func(tx ledger.Tx) error {
		got, err := tx.PlannedExpenses(ctx, ledger.AllWorkspaces)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, unscoped.ID, got[0].ID)

		return nil
	}))
}

func TestMerge_LocalAdoptsActiveWorkspace(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.InsertCard(ctx, &ledger.Card{ID: uuid.New(), WorkspaceID: wsA, Name: "Visa"}))
	require.NoError(t, s.InsertCard(ctx, &ledger.Card{ID: uuid.New(), WorkspaceID: wsB, Name: "Visa"}))
	require.NoError(t, s.InsertCard(ctx, &ledger.Card{ID: uuid.New(), Name: "Amex"}))

	r := NewReconciler(&Config{Ledger: s, ActiveWorkspace: wsA, Logger: testutil.Logger(t)})

	report, err := r.MergeLocalIntoCloud(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Adopted[ledger.KindCard])
	assert.Equal(t, 1, report.Deleted[ledger.KindCard])

	n, err := s.Count(ctx, ledger.KindCard, wsA)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMerge_SecondRunChangesNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.InsertCategory(ctx, &ledger.Category{ID: uuid.New(), WorkspaceID: wsA, Name: "Food"}))
	require.NoError(t, s.InsertCategory(ctx, &ledger.Category{ID: uuid.New(), WorkspaceID: wsA, Name: "food"}))

	r := newReconciler(t, s, false)

	first, err := r.MergeLocalIntoCloud(ctx)
	require.NoError(t, err)
	assert.True(t, first.Changed())

	second, err := r.MergeLocalIntoCloud(ctx)
	require.NoError(t, err)
	assert.False(t, second.Changed())
}

type brokenLedger struct{}

func (brokenLedger) Begin(context.Context) (ledger.Tx, error) {
	return nil, errors.New("store unavailable")
}

func TestMerge_ErrorsPropagate(t *testing.T) {
	t.Parallel()

	_, err := newReconciler(t, brokenLedger{}, true).MergeLocalIntoCloud(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store unavailable")
}
