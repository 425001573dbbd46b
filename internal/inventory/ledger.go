// Package inventory keeps the per-category sold and reserved counters. Every
// counter change is a single conditional UPDATE, so concurrent buyers can
// never push sold+reserved past total capacity.
package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ms-reservation/internal/clock"
	"ms-reservation/internal/models"

	"github.com/uptrace/bun"
)

type Ledger struct {
	clock clock.Clock
}

func NewLedger(clk clock.Clock) *Ledger {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Ledger{clock: clk}
}

// Reserve moves qty units of categoryID from available to reserved. It
// fails with *models.InventoryExhaustedError when the category cannot
// cover qty, or is inactive or off sale.
func (l *Ledger) Reserve(ctx context.Context, db bun.IDB, categoryID string, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("reserve %d units of %s: %w", qty, categoryID, models.ErrInvalidReservation)
	}
	now := l.clock.Now()

	res, err := db.NewUpdate().
		Model((*models.TicketCategory)(nil)).
		Set("reserved = reserved + ?", qty).
		Set("updated_at = ?", now).
		Where("id = ?", categoryID).
		Where("is_active = ?", true).
		Where("(sale_starts_at IS NULL OR sale_starts_at <= ?)", now).
		Where("(sale_ends_at IS NULL OR sale_ends_at > ?)", now).
		Where("total_capacity - sold - reserved >= ?", qty).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("reserve %s: %w", categoryID, err)
	}
	if affected(res) == 1 {
		return nil
	}
	return l.diagnoseReserve(ctx, db, categoryID, qty)
}

// diagnoseReserve explains a reserve that matched no row.
func (l *Ledger) diagnoseReserve(ctx context.Context, db bun.IDB, categoryID string, qty int) error {
	cat, err := l.Get(ctx, db, categoryID)
	if err != nil {
		return err
	}
	exhausted := &models.InventoryExhaustedError{
		CategoryID: categoryID,
		Requested:  qty,
		Available:  cat.Available(),
	}
	switch {
	case !cat.IsActive:
		exhausted.Reason = "category is not active"
	case !cat.OnSale(l.clock.Now()):
		exhausted.Reason = "category is not on sale"
	}
	return exhausted
}

// Release returns qty reserved units to available. The counter is floored
// at zero so a duplicate release cannot drive it negative.
func (l *Ledger) Release(ctx context.Context, db bun.IDB, categoryID string, qty int) error {
	if qty <= 0 {
		return nil
	}
	res, err := db.NewUpdate().
		Model((*models.TicketCategory)(nil)).
		Set("reserved = CASE WHEN reserved >= ? THEN reserved - ? ELSE 0 END", qty, qty).
		Set("updated_at = ?", l.clock.Now()).
		Where("id = ?", categoryID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("release %s: %w", categoryID, err)
	}
	if affected(res) == 0 {
		return fmt.Errorf("release %s: %w", categoryID, models.ErrCategoryNotFound)
	}
	return nil
}

// Commit converts qty reserved units into sold units.
func (l *Ledger) Commit(ctx context.Context, db bun.IDB, categoryID string, qty int) error {
	if qty <= 0 {
		return nil
	}
	res, err := db.NewUpdate().
		Model((*models.TicketCategory)(nil)).
		Set("reserved = reserved - ?", qty).
		Set("sold = sold + ?", qty).
		Set("updated_at = ?", l.clock.Now()).
		Where("id = ?", categoryID).
		Where("reserved >= ?", qty).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("commit %s: %w", categoryID, err)
	}
	if affected(res) == 1 {
		return nil
	}
	if _, err := l.Get(ctx, db, categoryID); err != nil {
		return err
	}
	return fmt.Errorf("commit %d units of %s: %w", qty, categoryID, models.ErrReservedUnderflow)
}

func affected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
