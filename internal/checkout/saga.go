// Package checkout runs the payment saga for a reservation: hand off to a
// hosted checkout session, then confirm or release the reservation when the
// provider reports the session's outcome. Every step is safe to repeat.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-reservation/internal/checkout/db"
	"ms-reservation/internal/clock"
	"ms-reservation/internal/inventory"
	"ms-reservation/internal/logger"
	"ms-reservation/internal/metrics"
	"ms-reservation/internal/models"
	resdb "ms-reservation/internal/reservation/db"
	"ms-reservation/internal/txn"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Outcome says what a saga step did. Only infrastructure failures are
// returned as errors; everything else is an Outcome.
type Outcome string

const (
	OutcomeConfirmed      Outcome = "confirmed"
	OutcomeReleased       Outcome = "released"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeNotPending     Outcome = "not_pending"
	OutcomeLateCompletion Outcome = "late_completion"
	OutcomeUnknownSession Outcome = "unknown_session"
	OutcomeIgnored        Outcome = "ignored"
	OutcomeFailed         Outcome = "failed"
)

// errNotPending aborts a saga transaction whose status guard matched no row.
var errNotPending = errors.New("reservation no longer pending")

type EventPublisher interface {
	PublishReservationEvent(ctx context.Context, ev models.ReservationEvent) error
}

type ExpiryDisarmer interface {
	Disarm(ctx context.Context, reservationID string) error
}

type Options struct {
	Currency   string
	SuccessURL string
	CancelURL  string
}

type Saga struct {
	Tx           *txn.Coordinator
	Ledger       *inventory.Ledger
	Reservations *resdb.Store
	Store        *db.Store
	Gateway      PaymentGateway
	Clock        clock.Clock
	Options      Options
	Logger       *logger.Logger

	// Optional collaborators.
	Events  EventPublisher
	Expiry  ExpiryDisarmer
	Metrics *metrics.Metrics
}

func NewSaga(tx *txn.Coordinator, ledger *inventory.Ledger, reservations *resdb.Store, store *db.Store,
	gateway PaymentGateway, clk clock.Clock, opts Options, log *logger.Logger) *Saga {
	if opts.Currency == "" {
		opts.Currency = "usd"
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Saga{
		Tx:           tx,
		Ledger:       ledger,
		Reservations: reservations,
		Store:        store,
		Gateway:      gateway,
		Clock:        clk,
		Options:      opts,
		Logger:       log,
	}
}

// ---------------- HANDOFF ----------------

// StartCheckout opens a hosted payment session for a pending reservation, or
// returns the session already open for it.
func (s *Saga) StartCheckout(ctx context.Context, reservationID string) (*models.CheckoutSession, error) {
	pool := s.Tx.DB()

	existing, err := s.Store.GetSessionByReservation(ctx, pool, reservationID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status == models.SessionOpen {
		return existing, nil
	}

	r, err := s.Reservations.Get(ctx, pool, reservationID)
	if err != nil {
		return nil, err
	}
	if r.Status != models.ReservationPending || existing != nil {
		return nil, fmt.Errorf("reservation %s is %s: %w", r.ID, r.Status, models.ErrReservationExpired)
	}
	if !s.Clock.Now().Before(r.ExpiresAt) {
		return nil, fmt.Errorf("reservation %s expired at %s: %w", r.ID, r.ExpiresAt.Format(time.RFC3339), models.ErrReservationExpired)
	}
	if s.Gateway == nil {
		return nil, fmt.Errorf("start checkout for %s: %w", r.ID, ErrNoGateway)
	}

	result, err := s.Gateway.CreateSession(ctx, s.sessionRequest(ctx, r))
	if err != nil {
		return nil, fmt.Errorf("create payment session for %s: %w", r.ID, err)
	}

	cs := &models.CheckoutSession{
		SessionID:     result.SessionID,
		ReservationID: r.ID,
		Provider:      s.Gateway.Name(),
		URL:           result.URL,
		Status:        models.SessionOpen,
		ExpiresAt:     result.ExpiresAt,
		CreatedAt:     s.Clock.Now(),
	}
	if err := s.Store.InsertSession(ctx, pool, cs); err != nil {
		// A concurrent handoff may have stored its session first.
		winner, lookupErr := s.Store.GetSessionByReservation(ctx, pool, r.ID)
		if lookupErr != nil || winner == nil {
			return nil, err
		}
		if expErr := s.Gateway.ExpireSession(ctx, cs.SessionID); expErr != nil {
			s.Logger.Warn("CHECKOUT", fmt.Sprintf("Failed to expire duplicate session %s: %v", cs.SessionID, expErr))
		}
		return winner, nil
	}

	s.Logger.Info("CHECKOUT", fmt.Sprintf("Opened %s session %s for reservation %s", cs.Provider, cs.SessionID, r.ID))
	return cs, nil
}

func (s *Saga) sessionRequest(ctx context.Context, r *models.Reservation) SessionRequest {
	req := SessionRequest{
		ReservationID: r.ID,
		UserID:        r.UserID,
		Currency:      s.Options.Currency,
		SuccessURL:    s.Options.SuccessURL,
		CancelURL:     s.Options.CancelURL,
		ExpiresAt:     r.ExpiresAt,
	}
	for _, it := range r.Items {
		name := it.CategoryID
		if cat, err := s.Ledger.Get(ctx, s.Tx.DB(), it.CategoryID); err == nil {
			name = cat.Name
		}
		req.LineItems = append(req.LineItems, LineItem{
			CategoryID: it.CategoryID,
			Name:       name,
			Quantity:   it.Quantity,
			UnitAmount: it.UnitPrice,
		})
	}
	return req
}

// ---------------- EVENTS ----------------

// HandleEvent dispatches a provider-neutral checkout event.
func (s *Saga) HandleEvent(ctx context.Context, ev models.CheckoutSessionEvent) (Outcome, error) {
	switch ev.Type {
	case models.SessionCompletedEvent:
		return s.complete(ctx, ev.SessionID, ev.CorrelationID)
	case models.SessionExpiredEvent:
		return s.expireSession(ctx, ev.SessionID, ev.CorrelationID, ev.Reason)
	default:
		s.Logger.Debug("CHECKOUT", fmt.Sprintf("Ignoring event %s of type %s", ev.EventID, ev.Type))
		return OutcomeIgnored, nil
	}
}

// OnSessionCompleted confirms the reservation paid for by sessionID and
// creates its order.
func (s *Saga) OnSessionCompleted(ctx context.Context, sessionID string) (Outcome, error) {
	return s.complete(ctx, sessionID, "")
}

// OnSessionExpired releases the reservation held for an abandoned session.
func (s *Saga) OnSessionExpired(ctx context.Context, sessionID, reason string) (Outcome, error) {
	return s.expireSession(ctx, sessionID, "", reason)
}

func (s *Saga) complete(ctx context.Context, sessionID, correlationID string) (Outcome, error) {
	const step = string(models.SessionCompletedEvent)
	pool := s.Tx.DB()

	done, err := s.Store.OrderExistsForSession(ctx, pool, sessionID)
	if err != nil {
		return s.failed(step, err)
	}
	if done {
		return s.observe(step, OutcomeDuplicate), nil
	}

	reservationID, cs, err := s.resolve(ctx, sessionID, correlationID)
	if err != nil {
		return s.failed(step, err)
	}
	if reservationID == "" {
		s.Logger.Warn("CHECKOUT", fmt.Sprintf("Completed session %s has no known reservation", sessionID))
		return s.observe(step, OutcomeUnknownSession), nil
	}

	r, err := s.Reservations.Get(ctx, pool, reservationID)
	if errors.Is(err, models.ErrReservationNotFound) {
		s.Logger.Warn("CHECKOUT", fmt.Sprintf("Completed session %s points at unknown reservation %s", sessionID, reservationID))
		return s.observe(step, OutcomeUnknownSession), nil
	}
	if err != nil {
		return s.failed(step, err)
	}
	if r.Status != models.ReservationPending {
		return s.observe(step, s.completedTooLate(r, sessionID)), nil
	}

	now := s.Clock.Now()
	order := &models.Order{
		ID:               uuid.New().String(),
		UserID:           r.UserID,
		EventID:          r.EventID,
		ReservationID:    r.ID,
		PaymentSessionID: sessionID,
		Status:           models.OrderCompleted,
		TotalAmount:      r.Total(),
		Currency:         s.Options.Currency,
		CreatedAt:        now,
	}
	for _, it := range r.Items {
		order.Items = append(order.Items, models.OrderItem{
			CategoryID: it.CategoryID,
			Quantity:   it.Quantity,
			UnitPrice:  it.UnitPrice,
		})
	}

	err = s.Tx.Run(ctx, func(ctx context.Context, tx bun.IDB) error {
		ok, err := s.Reservations.Transition(ctx, tx, r.ID, resdb.Transition{
			To:      models.ReservationConfirmed,
			OrderID: order.ID,
			At:      now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return errNotPending
		}
		for _, it := range r.Items {
			if err := s.Ledger.Commit(ctx, tx, it.CategoryID, it.Quantity); err != nil {
				return err
			}
		}
		if err := s.Store.InsertOrder(ctx, tx, order); err != nil {
			return err
		}
		if cs != nil {
			return s.Store.MarkSession(ctx, tx, cs.SessionID, models.SessionCompleted)
		}
		return nil
	})
	if errors.Is(err, errNotPending) {
		latest, getErr := s.Reservations.Get(ctx, pool, r.ID)
		if getErr != nil {
			return s.failed(step, getErr)
		}
		return s.observe(step, s.completedTooLate(latest, sessionID)), nil
	}
	if err != nil {
		return s.failed(step, err)
	}

	r.Status = models.ReservationConfirmed
	r.OrderID = order.ID
	r.UpdatedAt = now
	s.Logger.LogReservation("CONFIRMED", r.ID, fmt.Sprintf("order %s, session %s, total %d %s",
		order.ID, sessionID, order.TotalAmount, order.Currency))
	s.afterTransition(ctx, models.ReservationConfirmedEvent, r)
	return s.observe(step, OutcomeConfirmed), nil
}

// completedTooLate classifies a completion for a reservation that already
// left pending. A paid session for a released reservation needs a refund.
func (s *Saga) completedTooLate(r *models.Reservation, sessionID string) Outcome {
	if r.Status == models.ReservationConfirmed {
		return OutcomeDuplicate
	}
	s.Logger.Error("CHECKOUT", fmt.Sprintf("Payment session %s completed for reservation %s which is %s (%s): %v; refund required",
		sessionID, r.ID, r.Status, r.CancelReason, models.ErrReservationExpired))
	return OutcomeLateCompletion
}

func (s *Saga) expireSession(ctx context.Context, sessionID, correlationID, reason string) (Outcome, error) {
	const step = string(models.SessionExpiredEvent)
	if reason == "" {
		reason = models.ReasonSessionExpiry
	}

	reservationID, cs, err := s.resolve(ctx, sessionID, correlationID)
	if err != nil {
		return s.failed(step, err)
	}
	if reservationID == "" {
		s.Logger.Warn("CHECKOUT", fmt.Sprintf("Expired session %s has no known reservation", sessionID))
		return s.observe(step, OutcomeUnknownSession), nil
	}
	if cs == nil {
		// Resolved by correlation id only. A reservation bound to another
		// session is not released by this one expiring.
		bound, err := s.Store.GetSessionByReservation(ctx, s.Tx.DB(), reservationID)
		if err != nil {
			return s.failed(step, err)
		}
		if bound != nil && bound.SessionID != sessionID {
			s.Logger.Info("CHECKOUT", fmt.Sprintf("Expired session %s superseded by %s for reservation %s",
				sessionID, bound.SessionID, reservationID))
			return s.observe(step, OutcomeIgnored), nil
		}
	}

	outcome, err := s.release(ctx, reservationID, models.ReservationCancelled, reason, false)
	if errors.Is(err, models.ErrReservationNotFound) {
		return s.observe(step, OutcomeUnknownSession), nil
	}
	if err != nil {
		return s.failed(step, err)
	}
	return s.observe(step, outcome), nil
}

// ---------------- COMPENSATION ----------------

// ExpireReservation releases a pending reservation whose hold ran out and
// closes its open payment session so the customer can no longer pay.
func (s *Saga) ExpireReservation(ctx context.Context, reservationID, reason string) (Outcome, error) {
	if reason == "" {
		reason = models.ReasonTTL
	}
	outcome, err := s.release(ctx, reservationID, models.ReservationExpired, reason, true)
	if err != nil {
		return s.failed("reservation.expire", err)
	}
	return s.observe("reservation.expire", outcome), nil
}

// CancelReservation is the user-initiated release.
func (s *Saga) CancelReservation(ctx context.Context, reservationID, reason string) (Outcome, error) {
	if reason == "" {
		reason = models.ReasonUserCancelled
	}
	outcome, err := s.release(ctx, reservationID, models.ReservationCancelled, reason, true)
	if err != nil {
		return s.failed("reservation.cancel", err)
	}
	return s.observe("reservation.cancel", outcome), nil
}

func (s *Saga) release(ctx context.Context, reservationID string, to models.ReservationStatus, reason string, closeSession bool) (Outcome, error) {
	pool := s.Tx.DB()

	r, err := s.Reservations.Get(ctx, pool, reservationID)
	if err != nil {
		return OutcomeFailed, err
	}
	if r.Status != models.ReservationPending {
		return OutcomeNotPending, nil
	}
	cs, err := s.Store.GetSessionByReservation(ctx, pool, reservationID)
	if err != nil {
		return OutcomeFailed, err
	}

	now := s.Clock.Now()
	err = s.Tx.Run(ctx, func(ctx context.Context, tx bun.IDB) error {
		ok, err := s.Reservations.Transition(ctx, tx, r.ID, resdb.Transition{To: to, Reason: reason, At: now})
		if err != nil {
			return err
		}
		if !ok {
			return errNotPending
		}
		for _, it := range r.Items {
			if err := s.Ledger.Release(ctx, tx, it.CategoryID, it.Quantity); err != nil {
				return err
			}
		}
		if cs != nil {
			return s.Store.MarkSession(ctx, tx, cs.SessionID, models.SessionExpired)
		}
		return nil
	})
	if errors.Is(err, errNotPending) {
		return OutcomeNotPending, nil
	}
	if err != nil {
		return OutcomeFailed, err
	}

	if closeSession && cs != nil && cs.Status == models.SessionOpen && s.Gateway != nil {
		if err := s.Gateway.ExpireSession(ctx, cs.SessionID); err != nil {
			s.Logger.Warn("CHECKOUT", fmt.Sprintf("Failed to expire payment session %s for %s: %v", cs.SessionID, r.ID, err))
		}
	}

	r.Status = to
	r.CancelReason = reason
	r.UpdatedAt = now
	s.Logger.LogReservation(string(to), r.ID, fmt.Sprintf("released %d items, reason %s", len(r.Items), reason))

	eventType := models.ReservationCancelledEvent
	if to == models.ReservationExpired {
		eventType = models.ReservationExpiredEvent
	}
	s.afterTransition(ctx, eventType, r)
	return OutcomeReleased, nil
}

// resolve maps a session to its reservation through the correlation table,
// falling back to the correlation id carried by the event.
func (s *Saga) resolve(ctx context.Context, sessionID, correlationID string) (string, *models.CheckoutSession, error) {
	cs, err := s.Store.GetSession(ctx, s.Tx.DB(), sessionID)
	if err == nil {
		return cs.ReservationID, cs, nil
	}
	if !errors.Is(err, models.ErrSessionNotFound) {
		return "", nil, err
	}
	return correlationID, nil, nil
}

func (s *Saga) afterTransition(ctx context.Context, eventType string, r *models.Reservation) {
	if s.Expiry != nil {
		if err := s.Expiry.Disarm(ctx, r.ID); err != nil {
			s.Logger.Warn("REDIS", fmt.Sprintf("Failed to clear TTL key for %s: %v", r.ID, err))
		}
	}
	if s.Events != nil {
		ev := models.NewReservationEvent(eventType, r, s.Clock.Now())
		if err := s.Events.PublishReservationEvent(ctx, ev); err != nil {
			s.Logger.Warn("KAFKA", fmt.Sprintf("Failed to publish %s for %s: %v", eventType, r.ID, err))
		}
	}
}

func (s *Saga) observe(step string, outcome Outcome) Outcome {
	s.Metrics.ObserveSaga(step, string(outcome))
	return outcome
}

func (s *Saga) failed(step string, err error) (Outcome, error) {
	s.Metrics.ObserveSaga(step, string(OutcomeFailed))
	s.Logger.Error("CHECKOUT", fmt.Sprintf("%s failed: %v", step, err))
	return OutcomeFailed, err
}
