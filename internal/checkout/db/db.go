// Package db stores orders and the checkout session correlation table.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ms-reservation/internal/models"

	"github.com/uptrace/bun"
)

type Store struct{}

func NewStore() *Store {
	return &Store{}
}

// ---------------- ORDERS ----------------

func (s *Store) InsertOrder(ctx context.Context, db bun.IDB, o *models.Order) error {
	if _, err := db.NewInsert().Model(o).Exec(ctx); err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	if len(o.Items) == 0 {
		return nil
	}
	for i := range o.Items {
		o.Items[i].OrderID = o.ID
	}
	if _, err := db.NewInsert().Model(&o.Items).Exec(ctx); err != nil {
		return fmt.Errorf("insert order items %s: %w", o.ID, err)
	}
	return nil
}

// OrderExistsForSession is the first idempotency guard of the confirm path.
func (s *Store) OrderExistsForSession(ctx context.Context, db bun.IDB, sessionID string) (bool, error) {
	exists, err := db.NewSelect().
		Model((*models.Order)(nil)).
		Where("payment_session_id = ?", sessionID).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("lookup order for session %s: %w", sessionID, err)
	}
	return exists, nil
}

func (s *Store) GetOrderByReservation(ctx context.Context, db bun.IDB, reservationID string) (*models.Order, error) {
	o := new(models.Order)
	err := db.NewSelect().
		Model(o).
		Relation("Items").
		Where("\"order\".reservation_id = ?", reservationID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get order for reservation %s: %w", reservationID, err)
	}
	return o, nil
}

// ---------------- SESSIONS ----------------

func (s *Store) InsertSession(ctx context.Context, db bun.IDB, cs *models.CheckoutSession) error {
	if _, err := db.NewInsert().Model(cs).Exec(ctx); err != nil {
		return fmt.Errorf("insert checkout session %s: %w", cs.SessionID, err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, db bun.IDB, sessionID string) (*models.CheckoutSession, error) {
	cs := new(models.CheckoutSession)
	err := db.NewSelect().
		Model(cs).
		Where("session_id = ?", sessionID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, models.ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get checkout session %s: %w", sessionID, err)
	}
	return cs, nil
}

// GetSessionByReservation returns nil, nil when the reservation has no session.
func (s *Store) GetSessionByReservation(ctx context.Context, db bun.IDB, reservationID string) (*models.CheckoutSession, error) {
	cs := new(models.CheckoutSession)
	err := db.NewSelect().
		Model(cs).
		Where("reservation_id = ?", reservationID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkout session for reservation %s: %w", reservationID, err)
	}
	return cs, nil
}

// MarkSession moves an open session to status; closed sessions are left alone.
func (s *Store) MarkSession(ctx context.Context, db bun.IDB, sessionID string, status models.SessionStatus) error {
	_, err := db.NewUpdate().
		Model((*models.CheckoutSession)(nil)).
		Set("status = ?", status).
		Where("session_id = ?", sessionID).
		Where("status = ?", models.SessionOpen).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark checkout session %s %s: %w", sessionID, status, err)
	}
	return nil
}
