package models

import (
	"time"

	"github.com/uptrace/bun"
)

type SessionStatus string

const (
	SessionOpen      SessionStatus = "open"
	SessionCompleted SessionStatus = "completed"
	SessionExpired   SessionStatus = "expired"
)

// CheckoutSession correlates a payment provider session with the reservation
// it pays for.
type CheckoutSession struct {
	bun.BaseModel `bun:"table:checkout_sessions"`

	SessionID     string        `bun:"session_id,pk" json:"sessionId"`
	ReservationID string        `bun:"reservation_id,notnull,unique" json:"reservationId"`
	Provider      string        `bun:"provider,notnull" json:"provider"`
	URL           string        `bun:"url" json:"url"`
	Status        SessionStatus `bun:"status,notnull" json:"status"`
	ExpiresAt     time.Time     `bun:"expires_at,notnull" json:"expiresAt"`
	CreatedAt     time.Time     `bun:"created_at,notnull" json:"createdAt"`
}

type CheckoutEventType string

const (
	SessionCompletedEvent CheckoutEventType = "session.completed"
	SessionExpiredEvent   CheckoutEventType = "session.expired"
)

// CheckoutSessionEvent is the provider-neutral form of a payment webhook.
// CorrelationID carries the reservation id from the session metadata.
type CheckoutSessionEvent struct {
	EventID       string            `json:"eventId"`
	Type          CheckoutEventType `json:"type"`
	SessionID     string            `json:"sessionId"`
	CorrelationID string            `json:"correlationId"`
	Reason        string            `json:"reason,omitempty"`
	OccurredAt    time.Time         `json:"occurredAt"`
}
