// Package ledger is the SQLite-backed persistence layer for the budgeting
// object graph: workspaces, categories, cards, budgets, incomes, planned
// expenses (templates and their per-budget children), unplanned expenses,
// and category spending caps.
//
// Records carry two kinds of key. PK is the physical row key; relationships
// point at rows by PK, much like a platform object ID, so rewriting a
// record's identity never breaks a pointer. ID is the logical identity that
// replicates across devices and is what canonicalization rewrites. The only
// relationship expressed by identity value is a child expense's link to its
// template (GlobalTemplateID).
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownKind is returned for an entity kind the ledger does not store.
var ErrUnknownKind = errors.New("ledger: unknown entity kind")

// AllWorkspaces is the workspace filter that matches every workspace.
var AllWorkspaces = uuid.Nil

// Kind identifies an entity kind. String values double as the record type
// names used by the remote store.
type Kind int

// Entity kinds.
const (
	KindCategory Kind = iota + 1
	KindCard
	KindBudget
	KindIncome
	KindPlannedExpense
	KindUnplannedExpense
	KindSpendingCap
)

var kindNames = map[Kind]string{
	KindCategory:         "ExpenseCategory",
	KindCard:             "Card",
	KindBudget:           "Budget",
	KindIncome:           "Income",
	KindPlannedExpense:   "PlannedExpense",
	KindUnplannedExpense: "UnplannedExpense",
	KindSpendingCap:      "CategorySpendingCap",
}

var kindTables = map[Kind]string{
	KindCategory:         "expense_categories",
	KindCard:             "cards",
	KindBudget:           "budgets",
	KindIncome:           "incomes",
	KindPlannedExpense:   "planned_expenses",
	KindUnplannedExpense: "unplanned_expenses",
	KindSpendingCap:      "category_spending_caps",
}

// String returns the record type name.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind converts a record type name back to a Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}

	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

func (k Kind) table() (string, error) {
	t, ok := kindTables[k]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownKind, int(k))
	}

	return t, nil
}

// DataKinds lists the kinds whose presence means the user has set the app up.
// Order is the probing order used by readiness checks.
func DataKinds() []Kind {
	return []Kind{
		KindBudget, KindCard, KindIncome, KindPlannedExpense, KindUnplannedExpense, KindCategory,
	}
}

// Workspace partitions all other records.
type Workspace struct {
	PK   int64
	ID   uuid.UUID
	Name string
}

// Category is an expense category.
type Category struct {
	PK          int64
	ID          uuid.UUID
	WorkspaceID uuid.UUID
	Name        string
	Color       string
}

// Card is a payment card.
type Card struct {
	PK          int64
	ID          uuid.UUID
	WorkspaceID uuid.UUID
	Name        string
	Theme       string
}

// Budget covers a date range. StartDate/EndDate are zero when unset.
type Budget struct {
	PK          int64
	ID          uuid.UUID
	WorkspaceID uuid.UUID
	Name        string
	StartDate   time.Time
	EndDate     time.Time
	CardPKs     []int64 // many-to-many membership, ascending
}

// Income is a planned or received income entry.
type Income struct {
	PK          int64
	ID          uuid.UUID
	WorkspaceID uuid.UUID
	Source      string
	Amount      float64
	IsPlanned   bool
	Date        time.Time
}

// PlannedExpense is either a template (IsGlobal) or a child materialized in
// a budget that links back to its template through GlobalTemplateID.
type PlannedExpense struct {
	PK               int64
	ID               uuid.UUID
	WorkspaceID      uuid.UUID
	Title            string
	PlannedAmount    float64
	ActualAmount     float64
	TransactionDate  time.Time
	IsGlobal         bool
	GlobalTemplateID uuid.UUID
	BudgetPK         int64
	CardPK           int64
	CategoryPK       int64

	// Resolved identities of the referenced card and category. Read-only;
	// populated on fetch.
	CardID     uuid.UUID
	CategoryID uuid.UUID
}

// UnplannedExpense is an ad-hoc expense.
type UnplannedExpense struct {
	PK              int64
	ID              uuid.UUID
	WorkspaceID     uuid.UUID
	Title           string
	Amount          float64
	TransactionDate time.Time
	CardPK          int64
	CategoryPK      int64
}

// SpendingCap limits spend in a category over a period.
type SpendingCap struct {
	PK          int64
	ID          uuid.UUID
	WorkspaceID uuid.UUID
	CategoryPK  int64
	Amount      float64
	Period      string
}
