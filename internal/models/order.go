package models

import (
	"time"

	"github.com/uptrace/bun"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
)

// Order is created only from a confirmed reservation. Item prices are a
// snapshot taken at reservation time.
type Order struct {
	bun.BaseModel `bun:"table:orders"`

	ID               string      `bun:"id,pk" json:"id"`
	UserID           string      `bun:"user_id,notnull" json:"userId"`
	EventID          string      `bun:"event_id,notnull" json:"eventId"`
	ReservationID    string      `bun:"reservation_id,notnull,unique" json:"reservationId"`
	PaymentSessionID string      `bun:"payment_session_id,notnull,unique" json:"paymentSessionId"`
	Status           OrderStatus `bun:"status,notnull" json:"status"`
	TotalAmount      int64       `bun:"total_amount,notnull" json:"totalAmount"`
	Currency         string      `bun:"currency,notnull" json:"currency"`
	CreatedAt        time.Time   `bun:"created_at,notnull" json:"createdAt"`

	Items []OrderItem `bun:"rel:has-many,join:id=order_id" json:"items"`
}

type OrderItem struct {
	bun.BaseModel `bun:"table:order_items"`

	ID         int64  `bun:"id,pk,autoincrement" json:"-"`
	OrderID    string `bun:"order_id,notnull" json:"-"`
	CategoryID string `bun:"category_id,notnull" json:"categoryId"`
	Quantity   int    `bun:"quantity,notnull" json:"quantity"`
	UnitPrice  int64  `bun:"unit_price,notnull" json:"unitPrice"`
}
