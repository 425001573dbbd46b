// Package reservation places all-or-nothing holds on ticket inventory for a
// multi-item cart and serves reservation reads.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ms-reservation/internal/checkout"
	"ms-reservation/internal/clock"
	"ms-reservation/internal/inventory"
	"ms-reservation/internal/logger"
	"ms-reservation/internal/metrics"
	"ms-reservation/internal/models"
	"ms-reservation/internal/reservation/db"
	"ms-reservation/internal/txn"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const DefaultTTL = 15 * time.Minute

type EventPublisher interface {
	PublishReservationEvent(ctx context.Context, ev models.ReservationEvent) error
}

type ExpiryArmer interface {
	Arm(ctx context.Context, reservationID string, ttl time.Duration) error
}

// Canceller runs the compensating path for a user cancel.
type Canceller interface {
	CancelReservation(ctx context.Context, reservationID, reason string) (checkout.Outcome, error)
}

type Service struct {
	Tx     *txn.Coordinator
	Ledger *inventory.Ledger
	Store  *db.Store
	Clock  clock.Clock
	TTL    time.Duration
	Logger *logger.Logger

	// Optional collaborators.
	Events  EventPublisher
	Expiry  ExpiryArmer
	Saga    Canceller
	Metrics *metrics.Metrics
}

func NewService(tx *txn.Coordinator, ledger *inventory.Ledger, store *db.Store, clk clock.Clock, ttl time.Duration, log *logger.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Service{Tx: tx, Ledger: ledger, Store: store, Clock: clk, TTL: ttl, Logger: log}
}

type CreateReservationInput struct {
	UserID  string
	EventID string
	Items   []models.ItemRequest
}

// CreateReservation reserves every requested item in one transaction. If any
// category cannot cover its quantity nothing is reserved.
func (s *Service) CreateReservation(ctx context.Context, in CreateReservationInput) (*models.Reservation, error) {
	items, err := normalize(in)
	if err != nil {
		s.Metrics.ObserveReservation("invalid")
		return nil, err
	}

	res, err := txn.Do(ctx, s.Tx, func(ctx context.Context, tx bun.IDB) (*models.Reservation, error) {
		now := s.Clock.Now()
		r := &models.Reservation{
			ID:        uuid.New().String(),
			UserID:    in.UserID,
			EventID:   in.EventID,
			Status:    models.ReservationPending,
			ExpiresAt: now.Add(s.TTL),
			CreatedAt: now,
			UpdatedAt: now,
		}

		err := s.reserveAll(ctx, tx, in.EventID, items, r)
		if err == nil {
			err = s.Store.Insert(ctx, tx, r)
		}
		if err != nil {
			s.compensate(ctx, tx, r.Items)
			return nil, err
		}
		return r, nil
	})
	if err != nil {
		s.Metrics.ObserveReservation(outcomeLabel(err))
		if errors.Is(err, models.ErrInventoryExhausted) {
			s.Logger.Info("RESERVATION", fmt.Sprintf("Rejected cart for user %s: %v", in.UserID, err))
		} else {
			s.Logger.Error("RESERVATION", fmt.Sprintf("Failed to reserve for user %s: %v", in.UserID, err))
		}
		return nil, err
	}

	s.Metrics.ObserveReservation("created")
	s.Logger.LogReservation("CREATED", res.ID, fmt.Sprintf("user %s, %d items, expires %s",
		res.UserID, len(res.Items), res.ExpiresAt.Format(time.RFC3339)))
	s.afterCreate(ctx, res)
	return res, nil
}

func (s *Service) reserveAll(ctx context.Context, tx bun.IDB, eventID string, items []models.ItemRequest, r *models.Reservation) error {
	for _, it := range items {
		cat, err := s.Ledger.Get(ctx, tx, it.CategoryID)
		if err != nil {
			return err
		}
		if cat.EventID != eventID {
			return fmt.Errorf("category %s: %w", it.CategoryID, models.ErrCategoryEventMismatch)
		}
		if err := s.Ledger.Reserve(ctx, tx, it.CategoryID, it.Quantity); err != nil {
			return err
		}
		r.Items = append(r.Items, models.ReservationItem{
			CategoryID: it.CategoryID,
			Quantity:   it.Quantity,
			UnitPrice:  cat.Price,
		})
	}
	return nil
}

// compensate undoes partial reserves when there is no transaction to roll
// back. Inside a transaction the rollback already does this.
func (s *Service) compensate(ctx context.Context, db bun.IDB, reserved []models.ReservationItem) {
	if s.Tx.Transactional() {
		return
	}
	for _, it := range reserved {
		if err := s.Ledger.Release(ctx, db, it.CategoryID, it.Quantity); err != nil {
			s.Logger.Error("RESERVATION", fmt.Sprintf("Failed to undo reserve of %d on %s: %v", it.Quantity, it.CategoryID, err))
		}
	}
}

// afterCreate runs post-commit side effects. Failures are logged only: the
// periodic sweep expires the reservation even without the TTL key.
func (s *Service) afterCreate(ctx context.Context, r *models.Reservation) {
	if s.Expiry != nil {
		if err := s.Expiry.Arm(ctx, r.ID, r.ExpiresAt.Sub(s.Clock.Now())); err != nil {
			s.Logger.Warn("REDIS", fmt.Sprintf("Failed to arm TTL key for reservation %s: %v", r.ID, err))
		}
	}
	if s.Events != nil {
		ev := models.NewReservationEvent(models.ReservationCreatedEvent, r, s.Clock.Now())
		if err := s.Events.PublishReservationEvent(ctx, ev); err != nil {
			s.Logger.Warn("KAFKA", fmt.Sprintf("Failed to publish %s for %s: %v", ev.Type, r.ID, err))
		}
	}
}

func (s *Service) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	return s.Store.Get(ctx, s.Tx.DB(), id)
}

func (s *Service) ListUserReservations(ctx context.Context, userID string) ([]models.Reservation, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user id is required: %w", models.ErrInvalidReservation)
	}
	return s.Store.ListByUser(ctx, s.Tx.DB(), userID)
}

// CancelReservation releases a pending reservation on the owner's request.
// Cancelling a reservation that already left pending is a no-op returning
// its current state.
func (s *Service) CancelReservation(ctx context.Context, id, userID string) (*models.Reservation, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("cancel reservation %s: user id is required: %w", id, models.ErrInvalidReservation)
	}
	r, err := s.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.UserID != userID {
		return nil, fmt.Errorf("reservation %s: %w", id, models.ErrReservationNotOwned)
	}
	if r.Status.Terminal() {
		return r, nil
	}
	if s.Saga == nil {
		return nil, fmt.Errorf("cancel reservation %s: no canceller configured", id)
	}

	outcome, err := s.Saga.CancelReservation(ctx, id, models.ReasonUserCancelled)
	if err != nil {
		return nil, err
	}
	s.Logger.LogReservation("CANCEL", id, fmt.Sprintf("user %s, outcome %s", userID, outcome))
	return s.GetReservation(ctx, id)
}

// normalize validates the request and merges repeated categories, keeping
// first-seen order.
func normalize(in CreateReservationInput) ([]models.ItemRequest, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return nil, fmt.Errorf("user id is required: %w", models.ErrInvalidReservation)
	}
	if strings.TrimSpace(in.EventID) == "" {
		return nil, fmt.Errorf("event id is required: %w", models.ErrInvalidReservation)
	}
	if len(in.Items) == 0 {
		return nil, fmt.Errorf("at least one item is required: %w", models.ErrInvalidReservation)
	}

	index := make(map[string]int, len(in.Items))
	var out []models.ItemRequest
	for _, it := range in.Items {
		if strings.TrimSpace(it.CategoryID) == "" {
			return nil, fmt.Errorf("category id is required: %w", models.ErrInvalidReservation)
		}
		if it.Quantity < 1 {
			return nil, fmt.Errorf("quantity for %s must be at least 1: %w", it.CategoryID, models.ErrInvalidReservation)
		}
		if i, ok := index[it.CategoryID]; ok {
			out[i].Quantity += it.Quantity
			continue
		}
		index[it.CategoryID] = len(out)
		out = append(out, it)
	}
	return out, nil
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, models.ErrInventoryExhausted):
		return "exhausted"
	case errors.Is(err, models.ErrInvalidReservation),
		errors.Is(err, models.ErrCategoryNotFound),
		errors.Is(err, models.ErrCategoryEventMismatch):
		return "invalid"
	case errors.Is(err, models.ErrTransactionFailed):
		return "conflict"
	default:
		return "error"
	}
}
