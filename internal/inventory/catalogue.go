package inventory

import (
	"context"
	"fmt"

	"ms-reservation/internal/models"

	"github.com/uptrace/bun"
)

// Upsert creates the category or updates its descriptive fields and capacity.
// Sold and reserved are never written here. A capacity below the units
// already sold or reserved is rejected.
func (l *Ledger) Upsert(ctx context.Context, db bun.IDB, c *models.TicketCategory) (created bool, err error) {
	now := l.clock.Now()

	exists, err := db.NewSelect().
		Model((*models.TicketCategory)(nil)).
		Where("id = ?", c.ID).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("lookup category %s: %w", c.ID, err)
	}

	if !exists {
		row := *c
		row.Sold = 0
		row.Reserved = 0
		row.CreatedAt = now
		row.UpdatedAt = now
		if _, err := db.NewInsert().Model(&row).Exec(ctx); err != nil {
			return false, fmt.Errorf("insert category %s: %w", c.ID, err)
		}
		return true, nil
	}

	res, err := db.NewUpdate().
		Model((*models.TicketCategory)(nil)).
		Set("event_id = ?", c.EventID).
		Set("name = ?", c.Name).
		Set("price = ?", c.Price).
		Set("total_capacity = ?", c.TotalCapacity).
		Set("is_active = ?", c.IsActive).
		Set("sale_starts_at = ?", c.SaleStartsAt).
		Set("sale_ends_at = ?", c.SaleEndsAt).
		Set("updated_at = ?", now).
		Where("id = ?", c.ID).
		Where("sold + reserved <= ?", c.TotalCapacity).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("update category %s: %w", c.ID, err)
	}
	if affected(res) == 0 {
		return false, fmt.Errorf("category %s capacity %d: %w", c.ID, c.TotalCapacity, models.ErrCapacityBelowCommitted)
	}
	return false, nil
}

// Deactivate stops new reservations. Existing reservations are unaffected.
func (l *Ledger) Deactivate(ctx context.Context, db bun.IDB, categoryID string) error {
	res, err := db.NewUpdate().
		Model((*models.TicketCategory)(nil)).
		Set("is_active = ?", false).
		Set("updated_at = ?", l.clock.Now()).
		Where("id = ?", categoryID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("deactivate %s: %w", categoryID, err)
	}
	if affected(res) == 0 {
		return fmt.Errorf("deactivate %s: %w", categoryID, models.ErrCategoryNotFound)
	}
	return nil
}

func (l *Ledger) Get(ctx context.Context, db bun.IDB, categoryID string) (*models.TicketCategory, error) {
	cat := new(models.TicketCategory)
	err := db.NewSelect().
		Model(cat).
		Where("id = ?", categoryID).
		Limit(1).
		Scan(ctx)
	if isNoRows(err) {
		return nil, fmt.Errorf("category %s: %w", categoryID, models.ErrCategoryNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get category %s: %w", categoryID, err)
	}
	return cat, nil
}

func (l *Ledger) ListByEvent(ctx context.Context, db bun.IDB, eventID string) ([]models.TicketCategory, error) {
	cats := []models.TicketCategory{}
	err := db.NewSelect().
		Model(&cats).
		Where("event_id = ?", eventID).
		Order("price DESC", "id").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list categories for event %s: %w", eventID, err)
	}
	return cats, nil
}
