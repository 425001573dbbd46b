package models

import "time"

// CategoryEvent is published upstream when an event's ticket categories are
// created or changed.
type CategoryEvent struct {
	Type          string     `json:"type"` // category.created, category.updated, category.deactivated
	CategoryID    string     `json:"categoryId"`
	EventID       string     `json:"eventId"`
	Name          string     `json:"name"`
	Price         int64      `json:"price"`
	TotalCapacity int        `json:"totalCapacity"`
	IsActive      bool       `json:"isActive"`
	SaleStartsAt  *time.Time `json:"saleStartsAt,omitempty"`
	SaleEndsAt    *time.Time `json:"saleEndsAt,omitempty"`
}

const (
	CategoryCreated     = "category.created"
	CategoryUpdated     = "category.updated"
	CategoryDeactivated = "category.deactivated"
)

// ReservationEvent is the lifecycle notification published after commit.
type ReservationEvent struct {
	Type          string            `json:"type"`
	ReservationID string            `json:"reservationId"`
	UserID        string            `json:"userId"`
	EventID       string            `json:"eventId"`
	Status        ReservationStatus `json:"status"`
	OrderID       string            `json:"orderId,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	Items         []ItemRequest     `json:"items"`
	OccurredAt    time.Time         `json:"occurredAt"`
}

const (
	ReservationCreatedEvent   = "reservation.created"
	ReservationConfirmedEvent = "reservation.confirmed"
	ReservationCancelledEvent = "reservation.cancelled"
	ReservationExpiredEvent   = "reservation.expired"
)

func NewReservationEvent(eventType string, r *Reservation, at time.Time) ReservationEvent {
	items := make([]ItemRequest, 0, len(r.Items))
	for _, it := range r.Items {
		items = append(items, ItemRequest{CategoryID: it.CategoryID, Quantity: it.Quantity})
	}
	return ReservationEvent{
		Type:          eventType,
		ReservationID: r.ID,
		UserID:        r.UserID,
		EventID:       r.EventID,
		Status:        r.Status,
		OrderID:       r.OrderID,
		Reason:        r.CancelReason,
		Items:         items,
		OccurredAt:    at,
	}
}
