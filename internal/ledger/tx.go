package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Tx is one unit of work against the ledger. Fetches see uncommitted writes
// made earlier in the same Tx. Nothing is visible to other readers until
// Commit; Rollback after Commit is a no-op.
type Tx interface {
	Categories(ctx context.Context, ws uuid.UUID) ([]Category, error)
	Cards(ctx context.Context, ws uuid.UUID) ([]Card, error)
	Budgets(ctx context.Context, ws uuid.UUID) ([]Budget, error)
	Incomes(ctx context.Context, ws uuid.UUID) ([]Income, error)
	PlannedExpenses(ctx context.Context, ws uuid.UUID) ([]PlannedExpense, error)
	Templates(ctx context.Context, ws uuid.UUID) ([]PlannedExpense, error)
	UnplannedExpenses(ctx context.Context, ws uuid.UUID) ([]UnplannedExpense, error)
	SpendingCaps(ctx context.Context, ws uuid.UUID) ([]SpendingCap, error)

	// SetID rewrites the identity field of the row pk of kind.
	SetID(ctx context.Context, kind Kind, pk int64, id uuid.UUID) error

	// Delete removes the row pk of kind.
	Delete(ctx context.Context, kind Kind, pk int64) error

	// Repoint moves every relationship that targets row fromPK of kind onto
	// row toPK and returns how many references changed. Many-to-many
	// memberships are merged, never duplicated.
	Repoint(ctx context.Context, kind Kind, fromPK, toPK int64) (int64, error)

	// RewriteTemplateLinks changes every child expense in ws whose template
	// link equals from to to.
	RewriteTemplateLinks(ctx context.Context, ws uuid.UUID, from, to uuid.UUID) (int64, error)

	// AdoptWorkspace moves every row of kind whose workspace is unset or
	// different into ws.
	AdoptWorkspace(ctx context.Context, kind Kind, ws uuid.UUID) (int64, error)

	Commit() error
	Rollback() error
}

// SQL statements for Tx fetches and mutations.
const (
	sqlSelectCategories = `SELECT pk, id, workspace_id, name, color FROM expense_categories`

	sqlSelectCards = `SELECT pk, id, workspace_id, name, theme FROM cards`

	sqlSelectBudgets = `SELECT pk, id, workspace_id, name, start_date, end_date FROM budgets`

	sqlSelectBudgetCards = `SELECT card_pk FROM budget_cards WHERE budget_pk = ? ORDER BY card_pk`

	sqlSelectIncomes = `SELECT pk, id, workspace_id, source, amount, is_planned, date FROM incomes`

	sqlSelectPlanned = `SELECT p.pk, p.id, p.workspace_id, p.title, p.planned_amount,
		p.actual_amount, p.transaction_date, p.is_global, p.global_template_id,
		p.budget_pk, p.card_pk, p.category_pk, c.id, k.id
		FROM planned_expenses p
		LEFT JOIN cards c ON c.pk = p.card_pk
		LEFT JOIN expense_categories k ON k.pk = p.category_pk`

	sqlSelectUnplanned = `SELECT pk, id, workspace_id, title, amount, transaction_date,
		card_pk, category_pk FROM unplanned_expenses`

	sqlSelectSpendingCaps = `SELECT pk, id, workspace_id, category_pk, amount, period
		FROM category_spending_caps`

	sqlRepointPlannedCategory   = `UPDATE planned_expenses SET category_pk = ? WHERE category_pk = ?`
	sqlRepointUnplannedCategory = `UPDATE unplanned_expenses SET category_pk = ? WHERE category_pk = ?`
	sqlRepointCapCategory       = `UPDATE category_spending_caps SET category_pk = ? WHERE category_pk = ?`
	sqlRepointPlannedCard       = `UPDATE planned_expenses SET card_pk = ? WHERE card_pk = ?`
	sqlRepointUnplannedCard     = `UPDATE unplanned_expenses SET card_pk = ? WHERE card_pk = ?`
	sqlRepointPlannedBudget     = `UPDATE planned_expenses SET budget_pk = ? WHERE budget_pk = ?`

	sqlMergeCardMemberships = `INSERT OR IGNORE INTO budget_cards (budget_pk, card_pk)
		SELECT budget_pk, ? FROM budget_cards WHERE card_pk = ?`
	sqlDropCardMemberships = `DELETE FROM budget_cards WHERE card_pk = ?`

	sqlMergeBudgetMemberships = `INSERT OR IGNORE INTO budget_cards (budget_pk, card_pk)
		SELECT ?, card_pk FROM budget_cards WHERE budget_pk = ?`
	sqlDropBudgetMemberships = `DELETE FROM budget_cards WHERE budget_pk = ?`

	sqlRewriteTemplateLinks = `UPDATE planned_expenses SET global_template_id = ?
		WHERE is_global = 0 AND workspace_id IS ? AND global_template_id = ?`
)

type sqlTx struct {
	tx     *sql.Tx
	logger *slog.Logger
}

func (t *sqlTx) Categories(ctx context.Context, ws uuid.UUID) ([]Category, error) {
	cond, args := workspaceFilter("workspace_id", ws)

	rows, err := t.tx.QueryContext(ctx, sqlSelectCategories+cond+" ORDER BY pk", args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: querying categories: %w", err)
	}
	defer rows.Close()

	var out []Category

	for rows.Next() {
		var (
			c      Category
			id, wk sql.NullString
		)

		if err := rows.Scan(&c.PK, &id, &wk, &c.Name, &c.Color); err != nil {
			return nil, fmt.Errorf("ledger: scanning category: %w", err)
		}

		c.ID, c.WorkspaceID = parseID(id), parseID(wk)
		out = append(out, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterating categories: %w", err)
	}

	return out, nil
}

func (t *sqlTx) Cards(ctx context.Context, ws uuid.UUID) ([]Card, error) {
	cond, args := workspaceFilter("workspace_id", ws)

	rows, err := t.tx.QueryContext(ctx, sqlSelectCards+cond+" ORDER BY pk", args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: querying cards: %w", err)
	}
	defer rows.Close()

	var out []Card

	for rows.Next() {
		var (
			c      Card
			id, wk sql.NullString
		)

		if err := rows.Scan(&c.PK, &id, &wk, &c.Name, &c.Theme); err != nil {
			return nil, fmt.Errorf("ledger: scanning card: %w", err)
		}

		c.ID, c.WorkspaceID = parseID(id), parseID(wk)
		out = append(out, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterating cards: %w", err)
	}

	return out, nil
}

func (t *sqlTx) Budgets(ctx context.Context, ws uuid.UUID) ([]Budget, error) {
	cond, args := workspaceFilter("workspace_id", ws)

	rows, err := t.tx.QueryContext(ctx, sqlSelectBudgets+cond+" ORDER BY pk", args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: querying budgets: %w", err)
	}

	var out []Budget

	for rows.Next() {
		var (
			b          Budget
			id, wk     sql.NullString
			start, end sql.NullInt64
		)

		if err := rows.Scan(&b.PK, &id, &wk, &b.Name, &start, &end); err != nil {
			rows.Close()
			return nil, fmt.Errorf("ledger: scanning budget: %w", err)
		}

		b.ID, b.WorkspaceID = parseID(id), parseID(wk)
		b.StartDate, b.EndDate = parseTime(start), parseTime(end)
		out = append(out, b)
	}

	err = rows.Err()
	rows.Close()

	if err != nil {
		return nil, fmt.Errorf("ledger: iterating budgets: %w", err)
	}

	// Memberships are loaded after the outer cursor closes: the pool holds a
	// single connection, so nested cursors are avoided.
	for i := range out {
		pks, err := t.budgetCardPKs(ctx, out[i].PK)
		if err != nil {
			return nil, err
		}

		out[i].CardPKs = pks
	}

	return out, nil
}

func (t *sqlTx) budgetCardPKs(ctx context.Context, budgetPK int64) ([]int64, error) {
	rows, err := t.tx.QueryContext(ctx, sqlSelectBudgetCards, budgetPK)
	if err != nil {
		return nil, fmt.Errorf("ledger: querying cards of budget %d: %w", budgetPK, err)
	}
	defer rows.Close()

	var pks []int64

	for rows.Next() {
		var pk int64
		if err := rows.Scan(&pk); err != nil {
			return nil, fmt.Errorf("ledger: scanning budget card: %w", err)
		}

		pks = append(pks, pk)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterating budget cards: %w", err)
	}

	return pks, nil
}

func (t *sqlTx) Incomes(ctx context.Context, ws uuid.UUID) ([]Income, error) {
	cond, args := workspaceFilter("workspace_id", ws)

	rows, err := t.tx.QueryContext(ctx, sqlSelectIncomes+cond+" ORDER BY pk", args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: querying incomes: %w", err)
	}
	defer rows.Close()

	var out []Income

	for rows.Next() {
		var (
			in     Income
			id, wk sql.NullString
			date   sql.NullInt64
		)

		if err := rows.Scan(&in.PK, &id, &wk, &in.Source, &in.Amount, &in.IsPlanned, &date); err != nil {
			return nil, fmt.Errorf("ledger: scanning income: %w", err)
		}

		in.ID, in.WorkspaceID, in.Date = parseID(id), parseID(wk), parseTime(date)
		out = append(out, in)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterating incomes: %w", err)
	}

	return out, nil
}

func (t *sqlTx) PlannedExpenses(ctx context.Context, ws uuid.UUID) ([]PlannedExpense, error) {
	return t.planned(ctx, ws)
}

func (t *sqlTx) Templates(ctx context.Context, ws uuid.UUID) ([]PlannedExpense, error) {
	return t.planned(ctx, ws, "p.is_global = 1")
}

func (t *sqlTx) planned(ctx context.Context, ws uuid.UUID, conds ...string) ([]PlannedExpense, error) {
	cond, args := workspaceFilter("p.workspace_id", ws, conds...)

	rows, err := t.tx.QueryContext(ctx, sqlSelectPlanned+cond+" ORDER BY p.pk", args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: querying planned expenses: %w", err)
	}
	defer rows.Close()

	var out []PlannedExpense

	for rows.Next() {
		var (
			p                       PlannedExpense
			id, wk, tmpl            sql.NullString
			cardID, catID           sql.NullString
			date                    sql.NullInt64
			budgetPK, cardPK, catPK sql.NullInt64
		)

		if err := rows.Scan(&p.PK, &id, &wk, &p.Title, &p.PlannedAmount, &p.ActualAmount,
			&date, &p.IsGlobal, &tmpl, &budgetPK, &cardPK, &catPK, &cardID, &catID); err != nil {
			return nil, fmt.Errorf("ledger: scanning planned expense: %w", err)
		}

		p.ID, p.WorkspaceID, p.GlobalTemplateID = parseID(id), parseID(wk), parseID(tmpl)
		p.TransactionDate = parseTime(date)
		p.BudgetPK, p.CardPK, p.CategoryPK = parsePK(budgetPK), parsePK(cardPK), parsePK(catPK)
		p.CardID, p.CategoryID = parseID(cardID), parseID(catID)
		out = append(out, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterating planned expenses: %w", err)
	}

	return out, nil
}

func (t *sqlTx) UnplannedExpenses(ctx context.Context, ws uuid.UUID) ([]UnplannedExpense, error) {
	cond, args := workspaceFilter("workspace_id", ws)

	rows, err := t.tx.QueryContext(ctx, sqlSelectUnplanned+cond+" ORDER BY pk", args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: querying unplanned expenses: %w", err)
	}
	defer rows.Close()

	var out []UnplannedExpense

	for rows.Next() {
		var (
			u             UnplannedExpense
			id, wk        sql.NullString
			date          sql.NullInt64
			cardPK, catPK sql.NullInt64
		)

		if err := rows.Scan(&u.PK, &id, &wk, &u.Title, &u.Amount, &date, &cardPK, &catPK); err != nil {
			return nil, fmt.Errorf("ledger: scanning unplanned expense: %w", err)
		}

		u.ID, u.WorkspaceID, u.TransactionDate = parseID(id), parseID(wk), parseTime(date)
		u.CardPK, u.CategoryPK = parsePK(cardPK), parsePK(catPK)
		out = append(out, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterating unplanned expenses: %w", err)
	}

	return out, nil
}

func (t *sqlTx) SpendingCaps(ctx context.Context, ws uuid.UUID) ([]SpendingCap, error) {
	cond, args := workspaceFilter("workspace_id", ws)

	rows, err := t.tx.QueryContext(ctx, sqlSelectSpendingCaps+cond+" ORDER BY pk", args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: querying spending caps: %w", err)
	}
	defer rows.Close()

	var out []SpendingCap

	for rows.Next() {
		var (
			c      SpendingCap
			id, wk sql.NullString
			catPK  sql.NullInt64
		)

		if err := rows.Scan(&c.PK, &id, &wk, &catPK, &c.Amount, &c.Period); err != nil {
			return nil, fmt.Errorf("ledger: scanning spending cap: %w", err)
		}

		c.ID, c.WorkspaceID, c.CategoryPK = parseID(id), parseID(wk), parsePK(catPK)
		out = append(out, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterating spending caps: %w", err)
	}

	return out, nil
}

func (t *sqlTx) SetID(ctx context.Context, kind Kind, pk int64, id uuid.UUID) error {
	table, err := kind.table()
	if err != nil {
		return err
	}

	if _, err := t.tx.ExecContext(ctx, "UPDATE "+table+" SET id = ? WHERE pk = ?", nullID(id), pk); err != nil {
		return fmt.Errorf("ledger: setting %s %d identity: %w", kind, pk, err)
	}

	t.logger.Debug("identity rewritten",
		slog.String("kind", kind.String()),
		slog.Int64("pk", pk),
		slog.String("id", id.String()),
	)

	return nil
}

func (t *sqlTx) Delete(ctx context.Context, kind Kind, pk int64) error {
	table, err := kind.table()
	if err != nil {
		return err
	}

	if _, err := t.tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE pk = ?", pk); err != nil {
		return fmt.Errorf("ledger: deleting %s %d: %w", kind, pk, err)
	}

	t.logger.Debug("record deleted", slog.String("kind", kind.String()), slog.Int64("pk", pk))

	return nil
}

func (t *sqlTx) Repoint(ctx context.Context, kind Kind, fromPK, toPK int64) (int64, error) {
	if fromPK == toPK {
		return 0, nil
	}

	var stmts []string

	switch kind {
	case KindCategory:
		stmts = []string{sqlRepointPlannedCategory, sqlRepointUnplannedCategory, sqlRepointCapCategory}
	case KindCard:
		n, err := t.mergeMemberships(ctx, sqlMergeCardMemberships, sqlDropCardMemberships, fromPK, toPK)
		if err != nil {
			return 0, fmt.Errorf("ledger: merging card %d memberships into %d: %w", fromPK, toPK, err)
		}

		m, err := t.execAll(ctx, fromPK, toPK, sqlRepointPlannedCard, sqlRepointUnplannedCard)
		if err != nil {
			return 0, fmt.Errorf("ledger: repointing card %d to %d: %w", fromPK, toPK, err)
		}

		return n + m, nil
	case KindBudget:
		n, err := t.mergeMemberships(ctx, sqlMergeBudgetMemberships, sqlDropBudgetMemberships, fromPK, toPK)
		if err != nil {
			return 0, fmt.Errorf("ledger: merging budget %d memberships into %d: %w", fromPK, toPK, err)
		}

		m, err := t.execAll(ctx, fromPK, toPK, sqlRepointPlannedBudget)
		if err != nil {
			return 0, fmt.Errorf("ledger: repointing budget %d to %d: %w", fromPK, toPK, err)
		}

		return n + m, nil
	default:
		// Nothing references incomes, expenses, or caps by row. Template
		// links go by identity; see RewriteTemplateLinks.
		return 0, nil
	}

	n, err := t.execAll(ctx, fromPK, toPK, stmts...)
	if err != nil {
		return 0, fmt.Errorf("ledger: repointing %s %d to %d: %w", kind, fromPK, toPK, err)
	}

	return n, nil
}

// execAll runs each "SET x = to WHERE x = from" statement and sums the
// affected row counts.
func (t *sqlTx) execAll(ctx context.Context, fromPK, toPK int64, stmts ...string) (int64, error) {
	var total int64

	for _, stmt := range stmts {
		res, err := t.tx.ExecContext(ctx, stmt, toPK, fromPK)
		if err != nil {
			return 0, err
		}

		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}

		total += n
	}

	return total, nil
}

// mergeMemberships copies from's budget_cards rows onto to (ignoring pairs
// that already exist) and drops from's rows. Returns the rows added.
func (t *sqlTx) mergeMemberships(ctx context.Context, merge, drop string, fromPK, toPK int64) (int64, error) {
	res, err := t.tx.ExecContext(ctx, merge, toPK, fromPK)
	if err != nil {
		return 0, err
	}

	added, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := t.tx.ExecContext(ctx, drop, fromPK); err != nil {
		return 0, err
	}

	return added, nil
}

func (t *sqlTx) RewriteTemplateLinks(ctx context.Context, ws uuid.UUID, from, to uuid.UUID) (int64, error) {
	if from == to || from == uuid.Nil {
		return 0, nil
	}

	res, err := t.tx.ExecContext(ctx, sqlRewriteTemplateLinks, nullID(to), nullID(ws), from.String())
	if err != nil {
		return 0, fmt.Errorf("ledger: rewriting template links %s -> %s: %w", from, to, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("ledger: counting rewritten template links: %w", err)
	}

	return n, nil
}

func (t *sqlTx) AdoptWorkspace(ctx context.Context, kind Kind, ws uuid.UUID) (int64, error) {
	table, err := kind.table()
	if err != nil {
		return 0, err
	}

	res, err := t.tx.ExecContext(ctx,
		"UPDATE "+table+" SET workspace_id = ? WHERE workspace_id IS NULL OR workspace_id != ?",
		ws.String(), ws.String())
	if err != nil {
		return 0, fmt.Errorf("ledger: adopting %s into workspace %s: %w", kind, ws, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("ledger: counting adopted %s: %w", kind, err)
	}

	return n, nil
}

func (t *sqlTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("ledger: committing transaction: %w", err)
	}

	return nil
}

func (t *sqlTx) Rollback() error {
	err := t.tx.Rollback()
	if err == nil || errors.Is(err, sql.ErrTxDone) {
		return nil
	}

	return fmt.Errorf("ledger: rolling back transaction: %w", err)
}
