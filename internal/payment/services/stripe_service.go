package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"ms-reservation/internal/checkout"
	"ms-reservation/internal/clock"
	"ms-reservation/internal/logger"
	"ms-reservation/internal/models"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

var (
	ErrStripeAPIError         = errors.New("stripe API error")
	ErrStripeClientInitFailed = errors.New("failed to initialize Stripe client")
)

// Stripe only accepts checkout session expiries in this window.
const (
	minSessionLifetime = 30*time.Minute + time.Minute
	maxSessionLifetime = 24 * time.Hour
)

const metadataReservationID = "reservation_id"

// SessionAPI is the subset of the Stripe checkout session client in use.
type SessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Expire(id string, params *stripe.CheckoutSessionExpireParams) (*stripe.CheckoutSession, error)
}

// StripeService is the hosted checkout gateway backed by Stripe Checkout.
type StripeService struct {
	sessions      SessionAPI
	webhookSecret string
	clock         clock.Clock
	log           *logger.Logger
}

func NewStripeService(secretKey, webhookSecret string, clk clock.Clock, log *logger.Logger) (*StripeService, error) {
	if secretKey == "" {
		log.Error("STRIPE", "STRIPE_SECRET_KEY not set")
		return nil, ErrStripeClientInitFailed
	}
	if webhookSecret == "" {
		log.Warn("STRIPE", "STRIPE_WEBHOOK_SECRET not set, every webhook will be rejected")
	}

	sc := client.New(secretKey, nil)
	log.Info("STRIPE", "Stripe client initialized successfully")
	return NewStripeServiceWithAPI(sc.CheckoutSessions, webhookSecret, clk, log), nil
}

func NewStripeServiceWithAPI(sessions SessionAPI, webhookSecret string, clk clock.Clock, log *logger.Logger) *StripeService {
	if log == nil {
		log = logger.Discard()
	}
	return &StripeService{sessions: sessions, webhookSecret: webhookSecret, clock: clk, log: log}
}

func (s *StripeService) Name() string { return "stripe" }

func (s *StripeService) CreateSession(ctx context.Context, req checkout.SessionRequest) (*checkout.SessionResult, error) {
	expiresAt := s.sessionExpiry(req.ExpiresAt)

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.ReservationID),
		ExpiresAt:         stripe.Int64(expiresAt.Unix()),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{metadataReservationID: req.ReservationID},
		},
	}
	params.Context = ctx
	params.AddMetadata(metadataReservationID, req.ReservationID)
	params.AddMetadata("user_id", req.UserID)

	for _, item := range req.LineItems {
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(int64(item.Quantity)),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(req.Currency),
				UnitAmount: stripe.Int64(item.UnitAmount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name:     stripe.String(item.Name),
					Metadata: map[string]string{"category_id": item.CategoryID},
				},
			},
		})
	}

	cs, err := s.sessions.New(params)
	if err != nil {
		s.log.Error("STRIPE", fmt.Sprintf("Failed to create checkout session for %s: %v", req.ReservationID, err))
		return nil, fmt.Errorf("%w: %v", ErrStripeAPIError, err)
	}

	s.log.Info("STRIPE", fmt.Sprintf("Checkout session %s created for reservation %s", cs.ID, req.ReservationID))
	result := &checkout.SessionResult{SessionID: cs.ID, URL: cs.URL, ExpiresAt: expiresAt}
	if cs.ExpiresAt > 0 {
		result.ExpiresAt = time.Unix(cs.ExpiresAt, 0).UTC()
	}
	return result, nil
}

// sessionExpiry pulls the wanted expiry into the window Stripe accepts.
func (s *StripeService) sessionExpiry(want time.Time) time.Time {
	now := s.clock.Now()
	if min := now.Add(minSessionLifetime); want.Before(min) {
		return min
	}
	if max := now.Add(maxSessionLifetime); want.After(max) {
		return max
	}
	return want
}

// ExpireSession closes an open session. Sessions that are already complete
// or expired are not an error.
func (s *StripeService) ExpireSession(ctx context.Context, sessionID string) error {
	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx
	_, err := s.sessions.Expire(sessionID, params)
	if err == nil {
		s.log.Info("STRIPE", fmt.Sprintf("Checkout session %s expired", sessionID))
		return nil
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusBadRequest {
		s.log.Debug("STRIPE", fmt.Sprintf("Session %s not open: %s", sessionID, stripeErr.Msg))
		return nil
	}
	return fmt.Errorf("%w: expire %s: %v", ErrStripeAPIError, sessionID, err)
}

// WebhookError classifies a rejected webhook.
type WebhookError struct {
	Category      string // "configuration", "validation", "processing"
	StatusCode    int
	PublicError   string // safe to return to the caller
	InternalError string
	OriginalErr   error
}

func (e *WebhookError) Error() string {
	return e.InternalError
}

func (e *WebhookError) Unwrap() error {
	return e.OriginalErr
}

func (e *WebhookError) Is(target error) bool {
	return target == checkout.ErrInvalidWebhook && e.StatusCode == http.StatusBadRequest
}

// ParseWebhook verifies the Stripe-Signature header and maps checkout
// session events onto the provider-neutral form.
func (s *StripeService) ParseWebhook(payload []byte, signature string) (*models.CheckoutSessionEvent, error) {
	if s.webhookSecret == "" {
		return nil, &WebhookError{
			Category:      "configuration",
			StatusCode:    http.StatusInternalServerError,
			PublicError:   "Webhook processing error",
			InternalError: "Stripe webhook secret is not configured",
		}
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		s.log.LogSecurity("WEBHOOK", fmt.Sprintf("Stripe signature verification failed: %v", err))
		return nil, &WebhookError{
			Category:      "validation",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Webhook signature verification failed",
			InternalError: fmt.Sprintf("Webhook signature verification failed: %v", err),
			OriginalErr:   err,
		}
	}

	var kind models.CheckoutEventType
	reason := ""
	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		kind = models.SessionCompletedEvent
	case "checkout.session.expired":
		kind = models.SessionExpiredEvent
		reason = models.ReasonSessionExpiry
	case "checkout.session.async_payment_failed":
		kind = models.SessionExpiredEvent
		reason = models.ReasonPaymentFailed
	default:
		s.log.Debug("WEBHOOK", fmt.Sprintf("Unhandled event type: %s", event.Type))
		return nil, checkout.ErrEventIgnored
	}

	var cs stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil || cs.ID == "" {
		return nil, &WebhookError{
			Category:      "processing",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Invalid event data",
			InternalError: fmt.Sprintf("Failed to decode checkout session from %s: %v", event.ID, err),
			OriginalErr:   err,
		}
	}

	// A completed session paid by an async method is not final until the
	// async_payment_succeeded event.
	if event.Type == "checkout.session.completed" && cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
		s.log.Info("WEBHOOK", fmt.Sprintf("Session %s completed but unpaid, waiting for async payment", cs.ID))
		return nil, checkout.ErrEventIgnored
	}

	correlationID := cs.Metadata[metadataReservationID]
	if correlationID == "" {
		correlationID = cs.ClientReferenceID
	}

	return &models.CheckoutSessionEvent{
		EventID:       event.ID,
		Type:          kind,
		SessionID:     cs.ID,
		CorrelationID: correlationID,
		Reason:        reason,
		OccurredAt:    time.Unix(event.Created, 0).UTC(),
	}, nil
}
