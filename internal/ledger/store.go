package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// loadPollInterval is the retry cadence of WaitUntilLoaded.
const loadPollInterval = 50 * time.Millisecond

// SQL statements for store-level operations.
const (
	sqlWorkspaceIDs = `SELECT id FROM workspaces WHERE id IS NOT NULL
		UNION SELECT workspace_id FROM expense_categories WHERE workspace_id IS NOT NULL
		UNION SELECT workspace_id FROM cards WHERE workspace_id IS NOT NULL
		UNION SELECT workspace_id FROM budgets WHERE workspace_id IS NOT NULL
		UNION SELECT workspace_id FROM planned_expenses WHERE workspace_id IS NOT NULL
		ORDER BY 1`

	sqlInsertWorkspace = `INSERT INTO workspaces (id, name) VALUES (?, ?)`

	sqlInsertCategory = `INSERT INTO expense_categories (id, workspace_id, name, color)
		VALUES (?, ?, ?, ?)`

	sqlInsertCard = `INSERT INTO cards (id, workspace_id, name, theme) VALUES (?, ?, ?, ?)`

	sqlInsertBudget = `INSERT INTO budgets (id, workspace_id, name, start_date, end_date)
		VALUES (?, ?, ?, ?, ?)`

	sqlInsertBudgetCard = `INSERT OR IGNORE INTO budget_cards (budget_pk, card_pk) VALUES (?, ?)`

	sqlInsertIncome = `INSERT INTO incomes (id, workspace_id, source, amount, is_planned, date)
		VALUES (?, ?, ?, ?, ?, ?)`

	sqlInsertPlanned = `INSERT INTO planned_expenses
		(id, workspace_id, title, planned_amount, actual_amount, transaction_date,
		 is_global, global_template_id, budget_pk, card_pk, category_pk)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlInsertUnplanned = `INSERT INTO unplanned_expenses
		(id, workspace_id, title, amount, transaction_date, card_pk, category_pk)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	sqlInsertSpendingCap = `INSERT INTO category_spending_caps
		(id, workspace_id, category_pk, amount, period)
		VALUES (?, ?, ?, ?, ?)`
)

// Store is the sole writer to the ledger database. Every mutation that must
// be atomic goes through a Tx from Begin; the single-connection pool means
// a caller holding a Tx must not call other Store methods until it ends.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the SQLite database at dbPath, runs
// migrations, and returns a ready store. WAL mode with synchronous=FULL
// keeps commits crash-safe.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("ledger opened", slog.String("db_path", dbPath))

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// WaitUntilLoaded blocks until the database answers a ping or timeout
// elapses. It is the readiness gate callers use before a long job.
func (s *Store) WaitUntilLoaded(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		err := s.db.PingContext(ctx)
		if err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("ledger: store not loaded after %s: %w", timeout, err)
		case <-time.After(loadPollInterval):
		}
	}
}

// Workspaces returns every workspace identity referenced anywhere in the
// ledger, sorted. Rows with unparseable identities are skipped with a warning.
func (s *Store) Workspaces(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, sqlWorkspaceIDs)
	if err != nil {
		return nil, fmt.Errorf("ledger: listing workspaces: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("ledger: scanning workspace id: %w", err)
		}

		id, err := uuid.Parse(raw)
		if err != nil {
			s.logger.Warn("skipping malformed workspace id", slog.String("id", raw))
			continue
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterating workspaces: %w", err)
	}

	return ids, nil
}

// Count returns the number of rows of kind in workspace ws (AllWorkspaces
// counts every row).
func (s *Store) Count(ctx context.Context, kind Kind, ws uuid.UUID) (int, error) {
	table, err := kind.table()
	if err != nil {
		return 0, err
	}

	cond, args := workspaceFilter("workspace_id", ws)

	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+cond, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("ledger: counting %s: %w", kind, err)
	}

	return n, nil
}

// Begin starts a transaction. Callers must Commit or Rollback.
func (s *Store) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: beginning transaction: %w", err)
	}

	return &sqlTx{tx: tx, logger: s.logger}, nil
}

// View runs fn in a transaction that is always rolled back.
func (s *Store) View(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	return fn(tx)
}

// Update runs fn in a transaction and commits it when fn returns nil.
func (s *Store) Update(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Inserts. Each sets the record's PK. Used by record creation paths and
// tests; canonicalization itself never inserts.
// ---------------------------------------------------------------------------

// InsertWorkspace adds a workspace row.
func (s *Store) InsertWorkspace(ctx context.Context, w *Workspace) error {
	return s.insert(ctx, &w.PK, "workspace", sqlInsertWorkspace, nullID(w.ID), w.Name)
}

// InsertCategory adds an expense category.
func (s *Store) InsertCategory(ctx context.Context, c *Category) error {
	return s.insert(ctx, &c.PK, "category", sqlInsertCategory,
		nullID(c.ID), nullID(c.WorkspaceID), c.Name, c.Color)
}

// InsertCard adds a card.
func (s *Store) InsertCard(ctx context.Context, c *Card) error {
	return s.insert(ctx, &c.PK, "card", sqlInsertCard,
		nullID(c.ID), nullID(c.WorkspaceID), c.Name, c.Theme)
}

// InsertBudget adds a budget and its card memberships atomically.
func (s *Store) InsertBudget(ctx context.Context, b *Budget) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: beginning budget insert: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, sqlInsertBudget,
		nullID(b.ID), nullID(b.WorkspaceID), b.Name, nullTime(b.StartDate), nullTime(b.EndDate))
	if err != nil {
		return fmt.Errorf("ledger: inserting budget: %w", err)
	}

	pk, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("ledger: reading budget pk: %w", err)
	}

	for _, cardPK := range b.CardPKs {
		if _, err := tx.ExecContext(ctx, sqlInsertBudgetCard, pk, cardPK); err != nil {
			return fmt.Errorf("ledger: linking budget %d to card %d: %w", pk, cardPK, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: committing budget insert: %w", err)
	}

	b.PK = pk

	return nil
}

// InsertIncome adds an income entry.
func (s *Store) InsertIncome(ctx context.Context, i *Income) error {
	return s.insert(ctx, &i.PK, "income", sqlInsertIncome,
		nullID(i.ID), nullID(i.WorkspaceID), i.Source, i.Amount, i.IsPlanned, nullTime(i.Date))
}

// InsertPlannedExpense adds a template or child planned expense.
func (s *Store) InsertPlannedExpense(ctx context.Context, p *PlannedExpense) error {
	return s.insert(ctx, &p.PK, "planned expense", sqlInsertPlanned,
		nullID(p.ID), nullID(p.WorkspaceID), p.Title, p.PlannedAmount, p.ActualAmount,
		nullTime(p.TransactionDate), p.IsGlobal, nullID(p.GlobalTemplateID),
		nullPK(p.BudgetPK), nullPK(p.CardPK), nullPK(p.CategoryPK))
}

// InsertUnplannedExpense adds an unplanned expense.
func (s *Store) InsertUnplannedExpense(ctx context.Context, u *UnplannedExpense) error {
	return s.insert(ctx, &u.PK, "unplanned expense", sqlInsertUnplanned,
		nullID(u.ID), nullID(u.WorkspaceID), u.Title, u.Amount,
		nullTime(u.TransactionDate), nullPK(u.CardPK), nullPK(u.CategoryPK))
}

// InsertSpendingCap adds a category spending cap.
func (s *Store) InsertSpendingCap(ctx context.Context, c *SpendingCap) error {
	return s.insert(ctx, &c.PK, "spending cap", sqlInsertSpendingCap,
		nullID(c.ID), nullID(c.WorkspaceID), nullPK(c.CategoryPK), c.Amount, c.Period)
}

func (s *Store) insert(ctx context.Context, pk *int64, what, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("ledger: inserting %s: %w", what, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("ledger: reading %s pk: %w", what, err)
	}

	*pk = id

	s.logger.Debug("inserted record", slog.String("kind", what), slog.Int64("pk", id))

	return nil
}

// ---------------------------------------------------------------------------
// Nullable helpers: zero identity / zero time / zero pk -> NULL in SQLite.
// ---------------------------------------------------------------------------

func nullID(id uuid.UUID) sql.NullString {
	if id == uuid.Nil {
		return sql.NullString{}
	}

	return sql.NullString{String: id.String(), Valid: true}
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func nullPK(pk int64) sql.NullInt64 {
	if pk == 0 {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: pk, Valid: true}
}

// parseID decodes a nullable identity column. Malformed values decode as
// uuid.Nil rather than failing the whole fetch.
func parseID(ns sql.NullString) uuid.UUID {
	if !ns.Valid {
		return uuid.Nil
	}

	id, err := uuid.Parse(ns.String)
	if err != nil {
		return uuid.Nil
	}

	return id
}

func parseTime(ni sql.NullInt64) time.Time {
	if !ni.Valid {
		return time.Time{}
	}

	return time.Unix(0, ni.Int64).UTC()
}

func parsePK(ni sql.NullInt64) int64 {
	if !ni.Valid {
		return 0
	}

	return ni.Int64
}

// workspaceFilter returns a WHERE clause (with leading space) restricting
// column to ws, or "" for AllWorkspaces.
func workspaceFilter(column string, ws uuid.UUID, conds ...string) (string, []any) {
	var args []any

	if ws != AllWorkspaces {
		conds = append(conds, column+" = ?")
		args = append(args, ws.String())
	}

	if len(conds) == 0 {
		return "", nil
	}

	clause := " WHERE " + conds[0]
	for _, c := range conds[1:] {
		clause += " AND " + c
	}

	return clause, args
}
