// Writes a ledger full of duplicate records, plus a widget cache keyed by
// the duplicates' card identities, for exercising migrate and merge by hand
// and from the e2e suite.
//
// Usage: go run ./cmd/ledger-seed --data-dir /tmp/ledger --copies 3
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/offshore-budgeting/ledgersync/internal/identity"
	"github.com/offshore-budgeting/ledgersync/internal/kv"
	"github.com/offshore-budgeting/ledgersync/internal/ledger"
	"github.com/offshore-budgeting/ledgersync/internal/snapshot"
)

func main() {
	dataDir := flag.String("data-dir", "", "directory for ledger.db and widgets.json")
	workspaces := flag.Int("workspaces", 1, "number of workspaces")
	copies := flag.Int("copies", 2, "times each record is written")
	flag.Parse()

	if *dataDir == "" || *workspaces < 1 || *copies < 1 {
		fmt.Fprintln(os.Stderr, "usage: ledger-seed --data-dir DIR [--workspaces N] [--copies K]")
		os.Exit(2)
	}

	if err := seed(context.Background(), *dataDir, *workspaces, *copies); err != nil {
		fmt.Fprintf(os.Stderr, "seeding failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Seeded %d workspace(s) with %d copies each in %s\n", *workspaces, *copies, *dataDir)
}

func seed(ctx context.Context, dataDir string, workspaces, copies int) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	store, err := ledger.Open(ctx, filepath.Join(dataDir, "ledger.db"), logger)
	if err != nil {
		return err
	}
	defer store.Close()

	cache, err := kv.OpenFile(filepath.Join(dataDir, "widgets.json"), logger)
	if err != nil {
		return err
	}

	widgets := snapshot.NewStore(cache, logger)

	var pickers []snapshot.Card

	for w := range workspaces {
		ws := uuid.New()
		if err := store.InsertWorkspace(ctx, &ledger.Workspace{ID: ws, Name: fmt.Sprintf("Workspace %d", w+1)}); err != nil {
			return err
		}

		for c := range copies {
			cardIDs, err := seedCopy(ctx, store, ws, c)
			if err != nil {
				return err
			}

			for name, id := range cardIDs {
				key := identity.FormatID(id)
				pickers = append(pickers, snapshot.Card{ID: key, Name: name})

				if err := widgets.WriteCardSnapshot(&snapshot.CardSnapshot{
					CardID:    key,
					CardName:  name,
					UpdatedAt: time.Now().UTC(),
				}, "month"); err != nil {
					return err
				}
			}
		}
	}

	if err := widgets.WriteCards(pickers); err != nil {
		return err
	}

	widgets.WriteDefaultPeriod("month")

	if !cache.Synchronize(ctx) {
		return fmt.Errorf("writing widget cache")
	}

	return nil
}

// variant spells name differently per copy so duplicates differ only in
// case and surrounding space.
func variant(name string, n int) string {
	switch n % 3 {
	case 1:
		return strings.ToLower(name)
	case 2:
		return " " + strings.ToUpper(name) + " "
	default:
		return name
	}
}

// seedCopy writes one copy of the sample dataset with fresh random
// identities and returns the card identities it created by name.
func seedCopy(ctx context.Context, s *ledger.Store, ws uuid.UUID, n int) (map[string]uuid.UUID, error) {
	start := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, -1)

	groceries := &ledger.Category{ID: uuid.New(), WorkspaceID: ws, Name: variant("Groceries", n), Color: "#4CAF50"}
	if err := s.InsertCategory(ctx, groceries); err != nil {
		return nil, err
	}

	visa := &ledger.Card{ID: uuid.New(), WorkspaceID: ws, Name: variant("Visa", n)}
	if err := s.InsertCard(ctx, visa); err != nil {
		return nil, err
	}

	amex := &ledger.Card{ID: uuid.New(), WorkspaceID: ws, Name: variant("Amex", n)}
	if err := s.InsertCard(ctx, amex); err != nil {
		return nil, err
	}

	budget := &ledger.Budget{
		ID: uuid.New(), WorkspaceID: ws, Name: "March",
		StartDate: start, EndDate: end, CardPKs: []int64{visa.PK, amex.PK},
	}
	if err := s.InsertBudget(ctx, budget); err != nil {
		return nil, err
	}

	template := &ledger.PlannedExpense{
		ID: uuid.New(), WorkspaceID: ws, Title: "Internet", PlannedAmount: 60,
		IsGlobal: true, CardPK: visa.PK, CategoryPK: groceries.PK,
	}
	if err := s.InsertPlannedExpense(ctx, template); err != nil {
		return nil, err
	}

	child := &ledger.PlannedExpense{
		ID: uuid.New(), WorkspaceID: ws, Title: "Internet", PlannedAmount: 60,
		ActualAmount: float64(n) * 10, TransactionDate: start.AddDate(0, 0, 4),
		GlobalTemplateID: template.ID, BudgetPK: budget.PK, CardPK: visa.PK, CategoryPK: groceries.PK,
	}
	if err := s.InsertPlannedExpense(ctx, child); err != nil {
		return nil, err
	}

	if err := s.InsertIncome(ctx, &ledger.Income{
		ID: uuid.New(), WorkspaceID: ws, Source: "Salary", Amount: 4200, IsPlanned: true, Date: start,
	}); err != nil {
		return nil, err
	}

	if err := s.InsertUnplannedExpense(ctx, &ledger.UnplannedExpense{
		ID: uuid.New(), WorkspaceID: ws, Title: "Coffee", Amount: 4.5,
		TransactionDate: start.AddDate(0, 0, 2), CardPK: amex.PK, CategoryPK: groceries.PK,
	}); err != nil {
		return nil, err
	}

	return map[string]uuid.UUID{visa.Name: visa.ID, amex.Name: amex.ID}, nil
}
