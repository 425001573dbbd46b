// Command migrate manages the reservation schema and can seed a demo event.
//
//	migrate up | down | version | to N | force N | seed
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"ms-reservation/internal/clock"
	"ms-reservation/internal/config"
	"ms-reservation/internal/database"
	"ms-reservation/internal/database/migrations"
	"ms-reservation/internal/inventory"
	"ms-reservation/internal/logger"
	"ms-reservation/internal/models"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.New(logger.Options{Service: "migrate", Level: logger.ParseLevel(cfg.App.LogLevel)})
	defer log.Close()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	if cfg.Database.DSN == "" {
		log.Fatal("CONFIG", "POSTGRES_DSN not set")
	}

	if os.Args[1] == "seed" {
		if err := seed(context.Background(), cfg, log); err != nil {
			log.Fatal("SEED", err.Error())
		}
		return
	}

	runner := migrations.NewRunner(cfg.Database.DSN, migrations.Options{Dir: cfg.Database.MigrationsDir}, log)
	defer runner.Close()

	var err error
	switch os.Args[1] {
	case "up":
		err = runner.Up()
	case "down":
		err = runner.Down()
	case "version":
		var (
			v     uint
			dirty bool
		)
		v, dirty, err = runner.Version()
		if err == nil {
			fmt.Printf("version %d dirty=%t\n", v, dirty)
		}
	case "to":
		var v uint64
		v, err = strconv.ParseUint(arg(2), 10, 32)
		if err == nil {
			err = runner.To(uint(v))
		}
	case "force":
		var v int
		v, err = strconv.Atoi(arg(2))
		if err == nil {
			err = runner.Force(v)
		}
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}
}

// seed upserts a small demo catalogue so the API can be exercised locally.
func seed(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	db, err := database.OpenPostgres(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer db.Close()

	ledger := inventory.NewLedger(clock.NewSystem())
	categories := []models.TicketCategory{
		{ID: "cat-general", EventID: "event001", Name: "General Admission", Price: 4500, TotalCapacity: 500, IsActive: true},
		{ID: "cat-vip", EventID: "event001", Name: "VIP", Price: 15000, TotalCapacity: 50, IsActive: true},
	}
	for i := range categories {
		created, err := ledger.Upsert(ctx, db, &categories[i])
		if err != nil {
			return fmt.Errorf("seed %s: %w", categories[i].ID, err)
		}
		log.LogDatabase("SEED", "ticket_categories", fmt.Sprintf("%s created=%t", categories[i].ID, created))
	}
	return nil
}

func arg(i int) string {
	if len(os.Args) > i {
		return os.Args[i]
	}
	return ""
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: migrate up | down | version | to N | force N | seed")
}
