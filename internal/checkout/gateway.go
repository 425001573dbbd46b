package checkout

import (
	"context"
	"errors"
	"time"

	"ms-reservation/internal/models"
)

var (
	// ErrEventIgnored is returned by ParseWebhook for provider events the
	// saga does not act on.
	ErrEventIgnored = errors.New("webhook event type not handled")
	// ErrInvalidWebhook means the payload or its signature was rejected.
	ErrInvalidWebhook = errors.New("invalid webhook")
	// ErrNoGateway is returned when checkout is attempted without a payment provider.
	ErrNoGateway = errors.New("no payment gateway configured")
)

type LineItem struct {
	CategoryID string
	Name       string
	Quantity   int
	UnitAmount int64
}

type SessionRequest struct {
	ReservationID string
	UserID        string
	Currency      string
	LineItems     []LineItem
	SuccessURL    string
	CancelURL     string
	// ExpiresAt is the reservation expiry. Providers with a minimum session
	// lifetime may push it later.
	ExpiresAt time.Time
}

type SessionResult struct {
	SessionID string
	URL       string
	ExpiresAt time.Time
}

// PaymentGateway is a hosted checkout provider.
type PaymentGateway interface {
	Name() string
	CreateSession(ctx context.Context, req SessionRequest) (*SessionResult, error)
	ExpireSession(ctx context.Context, sessionID string) error
	ParseWebhook(payload []byte, signature string) (*models.CheckoutSessionEvent, error)
}
