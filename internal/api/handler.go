package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ms-reservation/internal/auth"
	"ms-reservation/internal/checkout"
	"ms-reservation/internal/inventory"
	"ms-reservation/internal/logger"
	"ms-reservation/internal/metrics"
	"ms-reservation/internal/models"
	"ms-reservation/internal/reservation"
	"ms-reservation/internal/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/uptrace/bun"
)

const maxWebhookBody = 1 << 16

// CheckoutEventPublisher hands verified webhook events to the bus.
type CheckoutEventPublisher interface {
	PublishCheckoutEvent(ctx context.Context, ev models.CheckoutSessionEvent) error
}

// HealthCheck reports the state of one dependency.
type HealthCheck func(ctx context.Context) error

type Handler struct {
	Reservations *reservation.Service
	Saga         *checkout.Saga
	Ledger       *inventory.Ledger
	DB           bun.IDB
	Logger       *logger.Logger
	Metrics      *metrics.Metrics

	// CheckoutEvents, when set, receives webhook events instead of the saga
	// handling them inline.
	CheckoutEvents CheckoutEventPublisher
	// Verifier enables bearer auth on /api routes.
	Verifier     auth.Verifier
	HealthChecks map[string]HealthCheck
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.observe)

	r.Get("/health", h.Health)
	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics.Handler())
	}
	r.Post("/webhooks/stripe", h.StripeWebhook)

	r.Route("/api", func(r chi.Router) {
		if h.Verifier != nil {
			r.Use(auth.Middleware(h.Verifier, h.Logger))
		}
		r.Post("/reservations", h.CreateReservation)
		r.Get("/reservations/{id}", h.GetReservation)
		r.Post("/reservations/{id}/cancel", h.CancelReservation)
		r.Post("/reservations/{id}/checkout", h.StartCheckout)
		r.Get("/users/{userId}/reservations", h.ListUserReservations)
		r.Get("/events/{eventId}/categories", h.ListEventCategories)
		r.Get("/categories/{id}", h.GetCategory)
	})
	return r
}

// observe logs each request and records it by route pattern.
func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(start)
		h.Metrics.ObserveHTTP(r.Method, route, ww.Status(), elapsed.Seconds())
		h.Logger.LogAPI(r.Method, r.URL.Path, fmt.Sprintf("%d", ww.Status()), elapsed.String())
	})
}

// authorize rejects a request whose token subject differs from userID.
func authorize(r *http.Request, userID string) error {
	sub := auth.UserID(r.Context())
	if sub != "" && sub != userID {
		return fmt.Errorf("subject %s acting for %s: %w", sub, userID, models.ErrReservationNotOwned)
	}
	return nil
}

func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var req models.ReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "Invalid request body", err.Error())
		return
	}
	if req.UserID == "" {
		req.UserID = auth.UserID(r.Context())
	}
	if err := authorize(r, req.UserID); err != nil {
		writeError(w, h.Logger, r, err)
		return
	}

	res, err := h.Reservations.CreateReservation(r.Context(), reservation.CreateReservationInput{
		UserID:  req.UserID,
		EventID: req.EventID,
		Items:   req.Items,
	})
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}

	resp := models.ReservationResponse{ReservationID: res.ID, ExpiresAt: res.ExpiresAt}
	if req.Checkout {
		cs, err := h.Saga.StartCheckout(r.Context(), res.ID)
		if err != nil {
			// The hold stands; the client can retry the handoff.
			h.Logger.Warn("CHECKOUT", fmt.Sprintf("Checkout handoff for %s failed: %v", res.ID, err))
		} else {
			resp.CheckoutURL = cs.URL
		}
	}

	utils.WriteJSON(w, http.StatusCreated, utils.SuccessResponse("Reservation created", resp))
}

// ownedReservation loads the reservation and checks it against the caller.
func (h *Handler) ownedReservation(r *http.Request) (*models.Reservation, error) {
	res, err := h.Reservations.GetReservation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if err := authorize(r, res.UserID); err != nil {
		return nil, err
	}
	return res, nil
}

func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.ownedReservation(r)
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Reservation retrieved", res))
}

func (h *Handler) ListUserReservations(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if err := authorize(r, userID); err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	list, err := h.Reservations.ListUserReservations(r.Context(), userID)
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	if list == nil {
		list = []models.Reservation{}
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Reservations retrieved", list))
}

func (h *Handler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := auth.UserID(r.Context())
	if userID == "" {
		var body struct {
			UserID string `json:"userId"`
		}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
				writeBadRequest(w, "Invalid request body", err.Error())
				return
			}
		}
		userID = body.UserID
		if strings.TrimSpace(userID) == "" {
			writeBadRequest(w, "userId is required", "")
			return
		}
	}

	res, err := h.Reservations.CancelReservation(r.Context(), id, userID)
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Reservation "+string(res.Status), res))
}

func (h *Handler) StartCheckout(w http.ResponseWriter, r *http.Request) {
	res, err := h.ownedReservation(r)
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}

	cs, err := h.Saga.StartCheckout(r.Context(), res.ID)
	if errors.Is(err, models.ErrReservationExpired) {
		// Nothing to pay for any more; report where the reservation ended up.
		current, getErr := h.Reservations.GetReservation(r.Context(), res.ID)
		if getErr != nil {
			writeError(w, h.Logger, r, getErr)
			return
		}
		utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Reservation is no longer pending", current))
		return
	}
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}

	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Checkout session ready", map[string]interface{}{
		"sessionId": cs.SessionID,
		"url":       cs.URL,
		"expiresAt": cs.ExpiresAt,
	}))
}

func (h *Handler) ListEventCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := h.Ledger.ListByEvent(r.Context(), h.DB, chi.URLParam(r, "eventId"))
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	views := make([]models.CategoryView, 0, len(cats))
	for i := range cats {
		views = append(views, cats[i].View())
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Categories retrieved", views))
}

func (h *Handler) GetCategory(w http.ResponseWriter, r *http.Request) {
	cat, err := h.Ledger.Get(r.Context(), h.DB, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.Logger, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Category retrieved", cat.View()))
}

// StripeWebhook verifies the event and either forwards it to the bus or
// runs the saga step inline. A 2xx tells Stripe not to redeliver.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeBadRequest(w, "Invalid webhook payload", err.Error())
		return
	}

	if h.Saga.Gateway == nil {
		utils.WriteJSON(w, http.StatusServiceUnavailable, utils.ErrorResponse("Payments not configured", ""))
		return
	}
	ev, err := h.Saga.Gateway.ParseWebhook(payload, r.Header.Get("Stripe-Signature"))
	if errors.Is(err, checkout.ErrEventIgnored) {
		utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Event ignored", nil))
		return
	}
	if err != nil {
		if errors.Is(err, checkout.ErrInvalidWebhook) {
			utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid webhook", ""))
			return
		}
		h.Logger.Error("WEBHOOK", err.Error())
		utils.WriteJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Webhook processing error", ""))
		return
	}

	if h.CheckoutEvents != nil {
		if err := h.CheckoutEvents.PublishCheckoutEvent(r.Context(), *ev); err != nil {
			h.Logger.Error("WEBHOOK", fmt.Sprintf("Failed to publish %s for session %s: %v", ev.Type, ev.SessionID, err))
			utils.WriteJSON(w, http.StatusServiceUnavailable, utils.ErrorResponse("Webhook not accepted", ""))
			return
		}
		utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Event accepted", map[string]string{"eventId": ev.EventID}))
		return
	}

	outcome, err := h.Saga.HandleEvent(r.Context(), *ev)
	if err != nil {
		h.Logger.Error("WEBHOOK", fmt.Sprintf("Session %s %s failed: %v", ev.SessionID, ev.Type, err))
		utils.WriteJSON(w, http.StatusServiceUnavailable, utils.ErrorResponse("Webhook not processed", ""))
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Event processed", map[string]string{
		"eventId": ev.EventID,
		"outcome": string(outcome),
	}))
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{}
	healthy := true
	for name, check := range h.HealthChecks {
		if err := check(r.Context()); err != nil {
			status[name] = err.Error()
			healthy = false
			continue
		}
		status[name] = "ok"
	}
	resp := utils.SuccessResponse("OK", status)
	code := http.StatusOK
	if !healthy {
		resp.Success = false
		resp.Message = "Unhealthy"
		code = http.StatusServiceUnavailable
	}
	utils.WriteJSON(w, code, resp)
}
