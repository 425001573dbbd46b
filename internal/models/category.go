package models

import (
	"time"

	"github.com/uptrace/bun"
)

// TicketCategory is the unit of inventory. Sold and Reserved are only ever
// changed by the inventory ledger's conditional updates.
type TicketCategory struct {
	bun.BaseModel `bun:"table:ticket_categories"`

	ID            string     `bun:"id,pk" json:"id"`
	EventID       string     `bun:"event_id,notnull" json:"eventId"`
	Name          string     `bun:"name,notnull" json:"name"`
	Price         int64      `bun:"price,notnull" json:"price"`
	TotalCapacity int        `bun:"total_capacity,notnull" json:"totalCapacity"`
	Sold          int        `bun:"sold,notnull,default:0" json:"sold"`
	Reserved      int        `bun:"reserved,notnull,default:0" json:"reserved"`
	IsActive      bool       `bun:"is_active,notnull" json:"isActive"`
	SaleStartsAt  *time.Time `bun:"sale_starts_at" json:"saleStartsAt,omitempty"`
	SaleEndsAt    *time.Time `bun:"sale_ends_at" json:"saleEndsAt,omitempty"`
	CreatedAt     time.Time  `bun:"created_at,notnull" json:"createdAt"`
	UpdatedAt     time.Time  `bun:"updated_at,notnull" json:"updatedAt"`
}

// Available is the number of units that can still be reserved.
func (c *TicketCategory) Available() int {
	return c.TotalCapacity - c.Sold - c.Reserved
}

// OnSale reports whether the category accepts new reservations at t.
func (c *TicketCategory) OnSale(t time.Time) bool {
	if !c.IsActive {
		return false
	}
	if c.SaleStartsAt != nil && t.Before(*c.SaleStartsAt) {
		return false
	}
	if c.SaleEndsAt != nil && !t.Before(*c.SaleEndsAt) {
		return false
	}
	return true
}

// CategoryView is the public availability read model.
type CategoryView struct {
	ID            string     `json:"id"`
	EventID       string     `json:"eventId"`
	Name          string     `json:"name"`
	Price         int64      `json:"price"`
	TotalCapacity int        `json:"totalCapacity"`
	Available     int        `json:"available"`
	IsActive      bool       `json:"isActive"`
	SaleStartsAt  *time.Time `json:"saleStartsAt,omitempty"`
	SaleEndsAt    *time.Time `json:"saleEndsAt,omitempty"`
}

func (c *TicketCategory) View() CategoryView {
	return CategoryView{
		ID:            c.ID,
		EventID:       c.EventID,
		Name:          c.Name,
		Price:         c.Price,
		TotalCapacity: c.TotalCapacity,
		Available:     c.Available(),
		IsActive:      c.IsActive,
		SaleStartsAt:  c.SaleStartsAt,
		SaleEndsAt:    c.SaleEndsAt,
	}
}
