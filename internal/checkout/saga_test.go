package checkout_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ms-reservation/internal/checkout"
	"ms-reservation/internal/checkout/checkouttest"
	checkoutdb "ms-reservation/internal/checkout/db"
	"ms-reservation/internal/clock"
	"ms-reservation/internal/database/dbtest"
	"ms-reservation/internal/inventory"
	"ms-reservation/internal/logger"
	"ms-reservation/internal/models"
	"ms-reservation/internal/reservation"
	resdb "ms-reservation/internal/reservation/db"
	"ms-reservation/internal/txn"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	db       *bun.DB
	clock    *clock.Manual
	gateway  *checkouttest.FakeGateway
	recorder *checkouttest.Recorder
	saga     *checkout.Saga
	service  *reservation.Service
	store    *checkoutdb.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := dbtest.New(t)
	clk := clock.NewManual(t0)
	log := logger.Discard()
	coord := txn.New(db, txn.Options{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Transactional: true}, log, nil)
	ledger := inventory.NewLedger(clk)
	reservations := resdb.NewStore()
	store := checkoutdb.NewStore()
	gateway := checkouttest.NewFakeGateway()
	recorder := checkouttest.NewRecorder()

	saga := checkout.NewSaga(coord, ledger, reservations, store, gateway, clk, checkout.Options{
		Currency:   "usd",
		SuccessURL: "https://shop.test/ok",
		CancelURL:  "https://shop.test/cancel",
	}, log)
	saga.Events = recorder
	saga.Expiry = recorder

	service := reservation.NewService(coord, ledger, reservations, clk, 15*time.Minute, log)
	service.Events = recorder
	service.Expiry = recorder
	service.Saga = saga

	return &harness{db: db, clock: clk, gateway: gateway, recorder: recorder, saga: saga, service: service, store: store}
}

func (h *harness) reserve(t *testing.T, userID string, items ...models.ItemRequest) *models.Reservation {
	t.Helper()
	r, err := h.service.CreateReservation(context.Background(), reservation.CreateReservationInput{
		UserID: userID, EventID: "evt-1", Items: items,
	})
	require.NoError(t, err)
	return r
}

func (h *harness) checkout(t *testing.T, reservationID string) *models.CheckoutSession {
	t.Helper()
	cs, err := h.saga.StartCheckout(context.Background(), reservationID)
	require.NoError(t, err)
	return cs
}

func (h *harness) reservation(t *testing.T, id string) *models.Reservation {
	t.Helper()
	r, err := h.service.GetReservation(context.Background(), id)
	require.NoError(t, err)
	return r
}

func (h *harness) orderCount(t *testing.T) int {
	t.Helper()
	n, err := h.db.NewSelect().Model((*models.Order)(nil)).Count(context.Background())
	require.NoError(t, err)
	return n
}

func vip(qty int) models.ItemRequest { return models.ItemRequest{CategoryID: "vip", Quantity: qty} }
func ga(qty int) models.ItemRequest  { return models.ItemRequest{CategoryID: "ga", Quantity: qty} }

func TestStartCheckout_CreatesSessionOnce(t *testing.T) {
	h := newHarness(t)
	dbtest.SeedCategory(t, h.db, "vip", "evt-1", 10, 15000)
	dbtest.SeedCategory(t, h.db, "ga", "evt-1", 100, 5000)
	r := h.reserve(t, "u-1", vip(2), ga(1))

	cs := h.checkout(t, r.ID)
	assert.Equal(t, "cs_test_1", cs.SessionID)
	assert.Equal(t, models.SessionOpen, cs.Status)
	assert.Equal(t, "fake", cs.Provider)

	require.Equal(t, 1, h.gateway.CreateCount())
	req := h.gateway.Requests[0]
	assert.Equal(t, r.ID, req.ReservationID)
	assert.Equal(t, "usd", req.Currency)
	assert.True(t, r.ExpiresAt.Equal(req.ExpiresAt))
	require.Len(t, req.LineItems, 2)
	assert.Equal(t, checkout.LineItem{CategoryID: "vip", Name: "vip", Quantity: 2, UnitAmount: 15000}, req.LineItems[0])

	again := h.checkout(t, r.ID)
	assert.Equal(t, cs.SessionID, again.SessionID)
	assert.Equal(t, 1, h.gateway.CreateCount(), "an open session is reused")
}

func TestStartCheckout_RejectsNonPending(t *testing.T) {
	h := newHarness(t)
	dbtest.SeedCategory(t, h.db, "vip", "evt-1", 10, 15000)
	r := h.reserve(t, "u-1", vip(1))

	_, err := h.saga.CancelReservation(context.Background(), r.ID, models.ReasonUserCancelled)
	require.NoError(t, err)

	_, err = h.saga.StartCheckout(context.Background(), r.ID)
	assert.ErrorIs(t, err, models.ErrReservationExpired)
	assert.Equal(t, 0, h.gateway.CreateCount())
}

func TestStartCheckout_RejectsPastDeadline(t *testing.T) {
	h := newHarness(t)
	dbtest.SeedCategory(t, h.db, "vip", "evt-1", 10, 15000)
	r := h.reserve(t, "u-1", vip(1))

	h.clock.Advance(16 * time.Minute)

	_, err := h.saga.StartCheckout(context.Background(), r.ID)
	assert.ErrorIs(t, err, models.ErrReservationExpired)
}

func TestStartCheckout_GatewayError(t *testing.T) {
	h := newHarness(t)
	dbtest.SeedCategory(t, h.db, "vip", "evt-1", 10, 15000)
	r := h.reserve(t, "u-1", vip(1))
	h.gateway.CreateErr = errors.New("provider down")

	_, err := h.saga.StartCheckout(context.Background(), r.ID)
	require.Error(t, err)

	cs, err := h.store.GetSessionByReservation(context.Background(), h.db, r.ID)
	require.NoError(t, err)
	assert.Nil(t, cs)
}

func TestStartCheckout_WithoutGateway(t *testing.T) {
	h := newHarness(t)
	dbtest.SeedCategory(t, h.db, "vip", "evt-1", 10, 15000)
	r := h.reserve(t, "u-1", vip(1))
	h.saga.Gateway = nil

	_, err := h.saga.StartCheckout(context.Background(), r.ID)
	assert.ErrorIs(t, err, checkout.ErrNoGateway)
	assert.Equal(t, models.ReservationPending, h.reservation(t, r.ID).Status)
}

func TestOnSessionCompleted_ConfirmsAndCreatesOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dbtest.SeedCategory(t, h.db, "vip", "evt-1", 10, 15000)
	dbtest.SeedCategory(t, h.db, "ga", "evt-1", 100, 5000)
	r := h.reserve(t, "u-1", vip(2), ga(3))
	cs := h.checkout(t, r.ID)

	outcome, err := h.saga.OnSessionCompleted(ctx, cs.SessionID)
	require.NoError(t, err)
	assert.Equal(t, checkout.OutcomeConfirmed, outcome)

	got := h.reservation(t, r.ID)
	assert.Equal(t, models.ReservationConfirmed, got.Status)
	require.NotEmpty(t, got.OrderID)

	order, err := h.store.GetOrderByReservation(ctx, h.db, r.ID)
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, got.OrderID, order.ID)
	assert.Equal(t, cs.SessionID, order.PaymentSessionID)
	assert.Equal(t, int64(45000), order.TotalAmount)
	assert.Equal(t, models.OrderCompleted, order.Status)
	assert.Len(t, order.Items, 2)

	vipCat := dbtest.Category(t, h.db, "vip")
	assert.Equal(t, 2, vipCat.Sold)
	assert.Equal(t, 0, vipCat.Reserved)
	gaCat := dbtest.Category(t, h.db, "ga")
	assert.Equal(t, 3, gaCat.Sold)
	assert.Equal(t, 0, gaCat.Reserved)

	session, err := h.store.GetSession(ctx, h.db, cs.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, session.Status)

	assert.Equal(t, []string{models.ReservationCreatedEvent, models.ReservationConfirmedEvent}, h.recorder.EventTypes(r.ID))
	assert.Contains(t, h.recorder.Disarmed, r.ID)
}

func TestOnSessionCompleted_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dbtest.SeedCategory(t, h.db, "vip", "evt-1", 10, 15000)
	r := h.reserve(t, "u-1", vip(2))
	cs := h.checkout(t, r.ID)

	first, err := h.saga.OnSessionCompleted(ctx, cs.SessionID)
	require.NoError(t, err)
	second, err := h.saga.OnSessionCompleted(ctx, cs.SessionID)
	require.NoError(t, err)

	assert.Equal(t, checkout.OutcomeConfirmed, first)
	assert.Equal(t, checkout.OutcomeDuplicate, second)
	assert.Equal(t, 1, h.orderCount(t))
	assert.Equal(t, 2, dbtest.Category(t, h.db, "vip").Sold)
}

func TestOnSessionCompleted_ConcurrentRedelivery(t *testing.T) {
	h := newHarness(t)
	dbtest.SeedCategory(t, h.db, "vip", "evt-1", 10, 15000)
	r := h.reserve(t, "u-1", vip(1))
	cs := h.checkout(t, r.ID)

	var wg sync.WaitGroup
	outcomes := make([]checkout.Outcome, 5)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], _ = h.saga.OnSessionCompleted(context.Background(), cs.SessionID)
		}(i)
	}
	wg.Wait()

	confirmed := 0
	for _, o := range outcomes {
		if o == checkout.OutcomeConfirmed {
			confirmed++
		} else {
			assert.Equal(t, checkout.OutcomeDuplicate, o)
		}
	}
	assert.Equal(t, 1, confirmed)
	assert.Equal(t, 1, h.orderCount(t))
	assert.Equal(t, 1, dbtest.Category(t, h.db, "vip").Sold)
}

func TestOnSessionExpired_ReleasesReservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dbtest.SeedCategory(t, h.db, "vip", "evt-1", 10, 15000)
	r := h.reserve(t, "u-1", vip(3))
	cs := h.checkout(t, r.ID)
	require.Equal(t, 3, dbtest.Category(t, h.db, "vip").Reserved)

	outcome, err := h.saga.OnSessionExpired(ctx, cs.SessionID, "")
	require.NoError(t, err)
	assert.Equal(t, checkout.OutcomeReleased, outcome)

	got := h.reservation(t, r.ID)
	assert.Equal(t, models.ReservationCancelled, got.Status)
	assert.Equal(t, models.ReasonSessionExpiry, got.CancelReason)
	assert.Equal(t, 0, dbtest.Category(t, h.db, "vip").Reserved)
	assert.Empty(t, h.gateway.ExpiredSessions(), "provider already expired the session")

	again, err := h.saga.OnSessionExpired(ctx, cs.SessionID, "")
	require.NoError(t, err)
	assert.Equal(t, checkout.OutcomeNotPending, again)
	assert.Equal(t, 0, dbtest.Category(t, h.db, "vip").Reserved)
}

func TestOnSessionExpired_AfterConfirmIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dbtest.SeedCategory(t, h.db, "vip", "evt-1", 10, 15000)
	r := h.reserve(t, "u-1", vip(2))
	cs := h.checkout(t, r.ID)
	_, err := h.saga.OnSessionCompleted(ctx, cs.SessionID)
	require.NoError(t, err)

	outcome, err := h.saga.OnSessionExpired(ctx, cs.SessionID, models.ReasonPaymentFailed)
	require.NoError(t, err)
	assert.Equal(t, checkout.OutcomeNotPending, outcome)

	cat := dbtest.Category(t, h.db, "vip")
	assert.Equal(t, 2, cat.Sold)
	assert.Equal(t, 0, cat.Reserved)
	assert.Equal(t, models.ReservationConfirmed, h.reservation(t, r.ID).Status)
}

func TestOnSessionCompleted_AfterExpiryNeedsRefund(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dbtest.SeedCategory(t, h.db, "vip", "evt-1", 10, 15000)
	r := h.reserve(t, "u-1", vip(1))
	cs := h.checkout(t, r.ID)

	_, err := h.saga.ExpireReservation(ctx, r.ID, models.ReasonTTL)
	require.NoError(t, err)

	outcome, err := h.saga.OnSessionCompleted(ctx, cs.SessionID)
	require.NoError(t, err)
	assert.Equal(t, checkout.OutcomeLateCompletion, outcome)
	assert.Equal(t, 0, h.orderCount(t))
	cat := dbtest.Category(t, h.db, "vip")
	assert.Equal(t, 0, cat.Sold)
	assert.Equal(t, 0, cat.Reserved)
}

func TestExpireReservation_ClosesOpenSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dbtest.SeedCategory(t, h.db, "vip", "evt-1", 10, 15000)
	r := h.reserve(t, "u-1", vip(2))
	cs := h.checkout(t, r.ID)

	outcome, err := h.saga.ExpireReservation(ctx, r.ID, "")
	require.NoError(t, err)
	assert.Equal(t, checkout.OutcomeReleased, outcome)

	got := h.reservation(t, r.ID)
	assert.Equal(t, models.ReservationExpired, got.Status)
	assert.Equal(t, models.ReasonTTL, got.CancelReason)
	assert.Equal(t, []string{cs.SessionID}, h.gateway.ExpiredSessions())
	assert.Equal(t, []string{models.ReservationCreatedEvent, models.ReservationExpiredEvent}, h.recorder.EventTypes(r.ID))

	session, err := h.store.GetSession(ctx, h.db, cs.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionExpired, session.Status)
}

func TestExpireReservation_UnknownReservation(t *testing.T) {
	h := newHarness(t)

	outcome, err := h.saga.ExpireReservation(context.Background(), "missing", "")
	assert.ErrorIs(t, err, models.ErrReservationNotFound)
	assert.Equal(t, checkout.OutcomeFailed, outcome)
}

func TestHandleEvent_FallsBackToCorrelationID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dbtest.SeedCategory(t, h.db, "vip", "evt-1", 10, 15000)
	r := h.reserve(t, "u-1", vip(1))

	outcome, err := h.saga.HandleEvent(ctx, models.CheckoutSessionEvent{
		EventID:       "evt_1",
		Type:          models.SessionCompletedEvent,
		SessionID:     "cs_external",
		CorrelationID: r.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, checkout.OutcomeConfirmed, outcome)
	assert.Equal(t, models.ReservationConfirmed, h.reservation(t, r.ID).Status)
}

func TestHandleEvent_ExpiredSessionForAnotherBoundSessionIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dbtest.SeedCategory(t, h.db, "vip", "evt-1", 10, 15000)
	r := h.reserve(t, "u-1", vip(1))
	cs := h.checkout(t, r.ID)

	outcome, err := h.saga.HandleEvent(ctx, models.CheckoutSessionEvent{
		EventID:       "evt_2",
		Type:          models.SessionExpiredEvent,
		SessionID:     "cs_other",
		CorrelationID: r.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, checkout.OutcomeIgnored, outcome)

	got := h.reservation(t, r.ID)
	assert.Equal(t, models.ReservationPending, got.Status)
	assert.Empty(t, got.CancelReason)
	assert.Equal(t, 1, dbtest.Category(t, h.db, "vip").Reserved)

	session, err := h.store.GetSession(ctx, h.db, cs.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionOpen, session.Status)
}

func TestHandleEvent_ExpiredByCorrelationWithoutSessionReleases(t *testing.T) {
	h := newHarness(t)
	dbtest.SeedCategory(t, h.db, "vip", "evt-1", 10, 15000)
	r := h.reserve(t, "u-1", vip(1))

	outcome, err := h.saga.HandleEvent(context.Background(), models.CheckoutSessionEvent{
		Type:          models.SessionExpiredEvent,
		SessionID:     "cs_external",
		CorrelationID: r.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, checkout.OutcomeReleased, outcome)
	assert.Equal(t, models.ReservationCancelled, h.reservation(t, r.ID).Status)
	assert.Equal(t, 0, dbtest.Category(t, h.db, "vip").Reserved)
}

func TestStartCheckout_ConcurrentHandoffKeepsOneSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dbtest.SeedCategory(t, h.db, "vip", "evt-1", 10, 15000)
	r := h.reserve(t, "u-1", vip(1))

	// Both callers are inside the provider call before either stores its session.
	var issued sync.WaitGroup
	issued.Add(2)
	h.gateway.OnCreate = func(string) {
		issued.Done()
		issued.Wait()
	}

	var wg sync.WaitGroup
	results := make([]*models.CheckoutSession, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.saga.StartCheckout(ctx, r.ID)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0].SessionID, results[1].SessionID)
	assert.Equal(t, 2, h.gateway.CreateCount())

	winner := results[0].SessionID
	expired := h.gateway.ExpiredSessions()
	require.Len(t, expired, 1)
	loser := expired[0]
	assert.NotEqual(t, winner, loser)

	stored, err := h.store.GetSessionByReservation(ctx, h.db, r.ID)
	require.NoError(t, err)
	assert.Equal(t, winner, stored.SessionID)

	// The provider later reports the duplicate as expired.
	outcome, err := h.saga.HandleEvent(ctx, models.CheckoutSessionEvent{
		Type:          models.SessionExpiredEvent,
		SessionID:     loser,
		CorrelationID: r.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, checkout.OutcomeIgnored, outcome)
	assert.Equal(t, models.ReservationPending, h.reservation(t, r.ID).Status)
	assert.Equal(t, 1, dbtest.Category(t, h.db, "vip").Reserved)

	outcome, err = h.saga.HandleEvent(ctx, models.CheckoutSessionEvent{
		Type:          models.SessionCompletedEvent,
		SessionID:     winner,
		CorrelationID: r.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, checkout.OutcomeConfirmed, outcome)
	assert.Equal(t, models.ReservationConfirmed, h.reservation(t, r.ID).Status)
}

func TestHandleEvent_UnknownSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	outcome, err := h.saga.HandleEvent(ctx, models.CheckoutSessionEvent{Type: models.SessionCompletedEvent, SessionID: "cs_unknown"})
	require.NoError(t, err)
	assert.Equal(t, checkout.OutcomeUnknownSession, outcome)

	outcome, err = h.saga.HandleEvent(ctx, models.CheckoutSessionEvent{Type: models.SessionExpiredEvent, SessionID: "cs_unknown"})
	require.NoError(t, err)
	assert.Equal(t, checkout.OutcomeUnknownSession, outcome)

	outcome, err = h.saga.HandleEvent(ctx, models.CheckoutSessionEvent{Type: "session.refunded", SessionID: "cs_unknown"})
	require.NoError(t, err)
	assert.Equal(t, checkout.OutcomeIgnored, outcome)
}

// Two VIP seats, three concurrent buyers: two holds succeed, one buyer pays,
// the other's session expires and the seat returns to sale.
func TestVIPScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dbtest.SeedCategory(t, h.db, "vip", "evt-1", 2, 15000)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		held      []*models.Reservation
		exhausted int
	)
	for _, user := range []string{"alice", "bob", "carol"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			r, err := h.service.CreateReservation(ctx, reservation.CreateReservationInput{
				UserID: user, EventID: "evt-1", Items: []models.ItemRequest{vip(1)},
			})
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, models.ErrInventoryExhausted) {
				exhausted++
				return
			}
			if assert.NoError(t, err) {
				held = append(held, r)
			}
		}(user)
	}
	wg.Wait()

	require.Len(t, held, 2)
	assert.Equal(t, 1, exhausted)
	assert.Equal(t, 2, dbtest.Category(t, h.db, "vip").Reserved)

	a, b := held[0], held[1]
	csA := h.checkout(t, a.ID)
	csB := h.checkout(t, b.ID)

	outcome, err := h.saga.OnSessionCompleted(ctx, csA.SessionID)
	require.NoError(t, err)
	assert.Equal(t, checkout.OutcomeConfirmed, outcome)
	cat := dbtest.Category(t, h.db, "vip")
	assert.Equal(t, 1, cat.Sold)
	assert.Equal(t, 1, cat.Reserved)
	assert.Equal(t, 1, h.orderCount(t))

	outcome, err = h.saga.OnSessionExpired(ctx, csB.SessionID, "")
	require.NoError(t, err)
	assert.Equal(t, checkout.OutcomeReleased, outcome)

	cat = dbtest.Category(t, h.db, "vip")
	assert.Equal(t, 1, cat.Sold)
	assert.Equal(t, 0, cat.Reserved)
	assert.Equal(t, 1, cat.Available())
}
