// Package db persists the reservation aggregate: the header row plus its
// ordered line items.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ms-reservation/internal/models"

	"github.com/uptrace/bun"
)

type Store struct{}

func NewStore() *Store {
	return &Store{}
}

// Insert writes the header and all items. Item positions follow slice order.
func (s *Store) Insert(ctx context.Context, db bun.IDB, r *models.Reservation) error {
	if _, err := db.NewInsert().Model(r).Exec(ctx); err != nil {
		return fmt.Errorf("insert reservation %s: %w", r.ID, err)
	}
	if len(r.Items) == 0 {
		return nil
	}
	for i := range r.Items {
		r.Items[i].ReservationID = r.ID
		r.Items[i].Position = i
	}
	if _, err := db.NewInsert().Model(&r.Items).Exec(ctx); err != nil {
		return fmt.Errorf("insert reservation items %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, db bun.IDB, id string) (*models.Reservation, error) {
	r := new(models.Reservation)
	err := db.NewSelect().
		Model(r).
		Relation("Items", orderItems).
		Where("reservation.id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reservation %s: %w", id, models.ErrReservationNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation %s: %w", id, err)
	}
	return r, nil
}

// ListByUser returns the user's reservations, newest first.
func (s *Store) ListByUser(ctx context.Context, db bun.IDB, userID string) ([]models.Reservation, error) {
	rs := []models.Reservation{}
	err := db.NewSelect().
		Model(&rs).
		Relation("Items", orderItems).
		Where("reservation.user_id = ?", userID).
		Order("reservation.created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list reservations for user %s: %w", userID, err)
	}
	return rs, nil
}

// ListOverdue returns ids of pending reservations whose expiry is before now,
// oldest first.
func (s *Store) ListOverdue(ctx context.Context, db bun.IDB, now time.Time, limit int) ([]string, error) {
	var ids []string
	q := db.NewSelect().
		Model((*models.Reservation)(nil)).
		Column("id").
		Where("status = ?", models.ReservationPending).
		Where("expires_at < ?", now).
		Order("expires_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx, &ids); err != nil {
		return nil, fmt.Errorf("list overdue reservations: %w", err)
	}
	return ids, nil
}

// Transition describes a move out of pending.
type Transition struct {
	To      models.ReservationStatus
	OrderID string
	Reason  string
	At      time.Time
}

// Transition applies tr only if the reservation is still pending. It reports
// false, without error, when another writer got there first.
func (s *Store) Transition(ctx context.Context, db bun.IDB, id string, tr Transition) (bool, error) {
	q := db.NewUpdate().
		Model((*models.Reservation)(nil)).
		Set("status = ?", tr.To).
		Set("updated_at = ?", tr.At).
		Where("id = ?", id).
		Where("status = ?", models.ReservationPending)
	if tr.OrderID != "" {
		q = q.Set("order_id = ?", tr.OrderID)
	}
	if tr.Reason != "" {
		q = q.Set("cancel_reason = ?", tr.Reason)
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("transition reservation %s to %s: %w", id, tr.To, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition reservation %s: %w", id, err)
	}
	return n == 1, nil
}

func orderItems(q *bun.SelectQuery) *bun.SelectQuery {
	return q.Order("position")
}
