package inventory

import (
	"context"
	"fmt"

	"ms-reservation/internal/logger"
	"ms-reservation/internal/models"
	"ms-reservation/internal/txn"

	"github.com/uptrace/bun"
)

// CategorySync applies upstream category lifecycle events to the local
// catalogue.
type CategorySync struct {
	tx     *txn.Coordinator
	ledger *Ledger
	log    *logger.Logger
}

func NewCategorySync(tx *txn.Coordinator, ledger *Ledger, log *logger.Logger) *CategorySync {
	if log == nil {
		log = logger.Discard()
	}
	return &CategorySync{tx: tx, ledger: ledger, log: log}
}

func (s *CategorySync) Apply(ctx context.Context, ev models.CategoryEvent) error {
	if ev.CategoryID == "" {
		return fmt.Errorf("category event without id: %w", models.ErrInvalidReservation)
	}

	switch ev.Type {
	case models.CategoryCreated, models.CategoryUpdated:
		if ev.TotalCapacity < 0 || ev.Price < 0 {
			return fmt.Errorf("category %s: negative capacity or price", ev.CategoryID)
		}
		c := &models.TicketCategory{
			ID:            ev.CategoryID,
			EventID:       ev.EventID,
			Name:          ev.Name,
			Price:         ev.Price,
			TotalCapacity: ev.TotalCapacity,
			IsActive:      ev.IsActive,
			SaleStartsAt:  ev.SaleStartsAt,
			SaleEndsAt:    ev.SaleEndsAt,
		}
		var created bool
		err := s.tx.Run(ctx, func(ctx context.Context, db bun.IDB) error {
			var err error
			created, err = s.ledger.Upsert(ctx, db, c)
			return err
		})
		if err != nil {
			return err
		}
		action := "UPDATED"
		if created {
			action = "CREATED"
		}
		s.log.Info("CATALOGUE", fmt.Sprintf("[%s] %s capacity=%d price=%d", action, c.ID, c.TotalCapacity, c.Price))
		return nil

	case models.CategoryDeactivated:
		err := s.tx.Run(ctx, func(ctx context.Context, db bun.IDB) error {
			return s.ledger.Deactivate(ctx, db, ev.CategoryID)
		})
		if err != nil {
			return err
		}
		s.log.Info("CATALOGUE", fmt.Sprintf("[DEACTIVATED] %s", ev.CategoryID))
		return nil

	default:
		return fmt.Errorf("unknown category event type %q", ev.Type)
	}
}
