package canon

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/offshore-budgeting/ledgersync/internal/identity"
	"github.com/offshore-budgeting/ledgersync/internal/ledger"
)

// candidate is a record as seen by keeper selection: its row and its
// current identity (uuid.Nil when unset).
type candidate struct {
	pk int64
	id uuid.UUID
}

// group is the set of records sharing one desired canonical identity,
// members in row order.
type group struct {
	desired uuid.UUID
	members []candidate
}

// groupBy buckets records by desired identity. Records for which desired
// reports false are left alone. Groups are returned in order of first
// appearance so runs are reproducible.
func groupBy[T any](records []T, desired func(T) (uuid.UUID, bool), cand func(T) candidate) []group {
	index := make(map[uuid.UUID]int)

	var groups []group

	for _, r := range records {
		want, ok := desired(r)
		if !ok {
			continue
		}

		i, seen := index[want]
		if !seen {
			i = len(groups)
			index[want] = i
			groups = append(groups, group{desired: want})
		}

		groups[i].members = append(groups[i].members, cand(r))
	}

	return groups
}

// pickKeeper chooses the surviving record of a group. A member already
// carrying the desired identity wins. Otherwise the member whose identity
// string sorts lowest wins (an unset identity sorts as ""), ties going to
// the earliest row. Every device computes the same choice.
func pickKeeper(members []candidate, desired uuid.UUID) candidate {
	for _, m := range members {
		if m.id == desired {
			return m
		}
	}

	best := members[0]
	for _, m := range members[1:] {
		if identity.FormatID(m.id) < identity.FormatID(best.id) {
			best = m
		}
	}

	return best
}

// hooks customize settle for one kind.
type hooks struct {
	// renamed runs after the keeper's identity changed from old (never
	// Nil) to desired.
	renamed func(old, desired uuid.UUID) error

	// retiring runs for a duplicate after its relationships moved to the
	// keeper and before it is deleted.
	retiring func(dup candidate, desired uuid.UUID) error
}

// settle applies keeper selection, identity rewrite, relationship
// re-pointing, and duplicate deletion to every group of one kind.
func (c *Coordinator) settle(
	ctx context.Context, tx ledger.Tx, kind ledger.Kind, groups []group, stats *KindStats, h hooks,
) error {
	for _, g := range groups {
		stats.Groups++

		keeper := pickKeeper(g.members, g.desired)

		if keeper.id != g.desired {
			if err := tx.SetID(ctx, kind, keeper.pk, g.desired); err != nil {
				return err
			}

			stats.Renamed++

			if keeper.id != uuid.Nil && h.renamed != nil {
				if err := h.renamed(keeper.id, g.desired); err != nil {
					return err
				}
			}
		}

		for _, dup := range g.members {
			if dup.pk == keeper.pk {
				continue
			}

			n, err := tx.Repoint(ctx, kind, dup.pk, keeper.pk)
			if err != nil {
				return err
			}

			stats.Relinked += int(n)

			if h.retiring != nil {
				if err := h.retiring(dup, g.desired); err != nil {
					return err
				}
			}

			if err := tx.Delete(ctx, kind, dup.pk); err != nil {
				return err
			}

			stats.Deleted++
		}

		if len(g.members) > 1 {
			c.logger.Debug("collapsed duplicate group",
				slog.String("kind", kind.String()),
				slog.String("keeper_id", g.desired.String()),
				slog.Int("members", len(g.members)),
			)
		}
	}

	return nil
}

func (c *Coordinator) canonicalizeCategories(ctx context.Context, tx ledger.Tx, ws uuid.UUID, r *Report) error {
	rows, err := tx.Categories(ctx, ws)
	if err != nil {
		return err
	}

	groups := groupBy(rows,
		func(x ledger.Category) (uuid.UUID, bool) { return identity.Category(ws, x.Name), true },
		func(x ledger.Category) candidate { return candidate{pk: x.PK, id: x.ID} },
	)

	return c.settle(ctx, tx, ledger.KindCategory, groups, r.stats(ledger.KindCategory), hooks{})
}

func (c *Coordinator) canonicalizeCards(ctx context.Context, tx ledger.Tx, ws uuid.UUID, r *Report) error {
	rows, err := tx.Cards(ctx, ws)
	if err != nil {
		return err
	}

	groups := groupBy(rows,
		func(x ledger.Card) (uuid.UUID, bool) { return identity.Card(ws, x.Name), true },
		func(x ledger.Card) candidate { return candidate{pk: x.PK, id: x.ID} },
	)

	// Only the keeper's own rename is recorded: snapshot caches key cards by
	// identity, and that rename is the change they cannot see.
	h := hooks{
		renamed: func(old, desired uuid.UUID) error {
			r.CardIDMap[old] = desired
			return nil
		},
	}

	return c.settle(ctx, tx, ledger.KindCard, groups, r.stats(ledger.KindCard), h)
}

func (c *Coordinator) canonicalizeBudgets(ctx context.Context, tx ledger.Tx, ws uuid.UUID, r *Report) error {
	rows, err := tx.Budgets(ctx, ws)
	if err != nil {
		return err
	}

	groups := groupBy(rows,
		func(x ledger.Budget) (uuid.UUID, bool) {
			if x.StartDate.IsZero() || x.EndDate.IsZero() {
				return uuid.Nil, false
			}

			return identity.Budget(ws, x.StartDate, x.EndDate), true
		},
		func(x ledger.Budget) candidate { return candidate{pk: x.PK, id: x.ID} },
	)

	return c.settle(ctx, tx, ledger.KindBudget, groups, r.stats(ledger.KindBudget), hooks{})
}

// canonicalizeTemplates runs last: a template's identity depends on the
// settled identities of its category and card. Children link to templates
// by identity value, so every retired identity (the keeper's previous one
// and each duplicate's) is rewritten to the canonical one.
func (c *Coordinator) canonicalizeTemplates(ctx context.Context, tx ledger.Tx, ws uuid.UUID, r *Report) error {
	rows, err := tx.Templates(ctx, ws)
	if err != nil {
		return err
	}

	groups := groupBy(rows,
		func(x ledger.PlannedExpense) (uuid.UUID, bool) {
			return identity.Template(ws, x.Title, x.PlannedAmount, x.CategoryID, x.CardID), true
		},
		func(x ledger.PlannedExpense) candidate { return candidate{pk: x.PK, id: x.ID} },
	)

	stats := r.stats(ledger.KindPlannedExpense)

	rewrite := func(from, to uuid.UUID) error {
		n, err := tx.RewriteTemplateLinks(ctx, ws, from, to)
		if err != nil {
			return fmt.Errorf("rewriting children of template %s: %w", from, err)
		}

		stats.Relinked += int(n)

		return nil
	}

	h := hooks{
		renamed:  rewrite,
		retiring: func(dup candidate, desired uuid.UUID) error { return rewrite(dup.id, desired) },
	}

	return c.settle(ctx, tx, ledger.KindPlannedExpense, groups, stats, h)
}
