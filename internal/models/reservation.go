package models

import (
	"time"

	"github.com/uptrace/bun"
)

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationCancelled ReservationStatus = "cancelled"
	ReservationExpired   ReservationStatus = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s ReservationStatus) Terminal() bool {
	return s != ReservationPending
}

// Cancel reasons recorded on the reservation.
const (
	ReasonTTL           = "ttl"
	ReasonUserCancelled = "user_cancelled"
	ReasonSessionExpiry = "session_expired"
	ReasonPaymentFailed = "payment_failed"
)

type Reservation struct {
	bun.BaseModel `bun:"table:reservations"`

	ID           string            `bun:"id,pk" json:"id"`
	UserID       string            `bun:"user_id,notnull" json:"userId"`
	EventID      string            `bun:"event_id,notnull" json:"eventId"`
	Status       ReservationStatus `bun:"status,notnull" json:"status"`
	ExpiresAt    time.Time         `bun:"expires_at,notnull" json:"expiresAt"`
	OrderID      string            `bun:"order_id,nullzero" json:"orderId,omitempty"`
	CancelReason string            `bun:"cancel_reason,nullzero" json:"cancelReason,omitempty"`
	CreatedAt    time.Time         `bun:"created_at,notnull" json:"createdAt"`
	UpdatedAt    time.Time         `bun:"updated_at,notnull" json:"updatedAt"`

	Items []ReservationItem `bun:"rel:has-many,join:id=reservation_id" json:"items"`
}

// ReservationItem is one cart line. UnitPrice is captured from the category
// inside the reserving transaction.
type ReservationItem struct {
	bun.BaseModel `bun:"table:reservation_items"`

	ID            int64  `bun:"id,pk,autoincrement" json:"-"`
	ReservationID string `bun:"reservation_id,notnull" json:"-"`
	Position      int    `bun:"position,notnull" json:"-"`
	CategoryID    string `bun:"category_id,notnull" json:"categoryId"`
	Quantity      int    `bun:"quantity,notnull" json:"quantity"`
	UnitPrice     int64  `bun:"unit_price,notnull" json:"unitPrice"`
}

// Total is the sum of quantity times unit price over all items.
func (r *Reservation) Total() int64 {
	var total int64
	for _, it := range r.Items {
		total += int64(it.Quantity) * it.UnitPrice
	}
	return total
}

// ItemRequest is one requested cart line.
type ItemRequest struct {
	CategoryID string `json:"categoryId"`
	Quantity   int    `json:"quantity"`
}

type ReservationRequest struct {
	UserID  string        `json:"userId"`
	EventID string        `json:"eventId"`
	Items   []ItemRequest `json:"items"`
	// Checkout opens a payment session right away and returns its URL.
	Checkout bool `json:"checkout,omitempty"`
}

type ReservationResponse struct {
	ReservationID string    `json:"reservationId"`
	ExpiresAt     time.Time `json:"expiresAt"`
	CheckoutURL   string    `json:"checkoutUrl,omitempty"`
}
