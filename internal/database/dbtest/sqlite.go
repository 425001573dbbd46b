// Package dbtest opens in-memory SQLite databases carrying the service schema
// for package tests.
package dbtest

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"ms-reservation/internal/models"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "github.com/uptrace/bun/driver/sqliteshim"
)

// New returns a fresh database with every table created. The pool is pinned
// to one connection so concurrent test goroutines queue instead of hitting
// SQLITE_BUSY.
func New(t testing.TB) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to connect to in-memory database: %v", err)
	}
	sqldb.SetMaxOpenConns(1)
	sqldb.SetMaxIdleConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { db.Close() })

	if err := CreateSchema(context.Background(), db); err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}
	return db
}

func CreateSchema(ctx context.Context, db bun.IDB) error {
	tables := []interface{}{
		(*models.TicketCategory)(nil),
		(*models.Reservation)(nil),
		(*models.ReservationItem)(nil),
		(*models.Order)(nil),
		(*models.OrderItem)(nil),
		(*models.CheckoutSession)(nil),
	}
	for _, model := range tables {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", model, err)
		}
	}
	return nil
}

// SeedCategory inserts an active, on-sale category.
func SeedCategory(t testing.TB, db bun.IDB, id, eventID string, capacity int, price int64) *models.TicketCategory {
	t.Helper()
	c := &models.TicketCategory{
		ID:            id,
		EventID:       eventID,
		Name:          id,
		Price:         price,
		TotalCapacity: capacity,
		IsActive:      true,
	}
	if _, err := db.NewInsert().Model(c).Exec(context.Background()); err != nil {
		t.Fatalf("Failed to seed category %s: %v", id, err)
	}
	return c
}

// Category reads the current row, failing the test if it is missing.
func Category(t testing.TB, db bun.IDB, id string) *models.TicketCategory {
	t.Helper()
	c := new(models.TicketCategory)
	if err := db.NewSelect().Model(c).Where("id = ?", id).Scan(context.Background()); err != nil {
		t.Fatalf("Failed to load category %s: %v", id, err)
	}
	return c
}
