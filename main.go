package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"ms-reservation/internal/api"
	"ms-reservation/internal/auth"
	"ms-reservation/internal/checkout"
	checkoutdb "ms-reservation/internal/checkout/db"
	"ms-reservation/internal/clock"
	"ms-reservation/internal/config"
	"ms-reservation/internal/database"
	"ms-reservation/internal/database/migrations"
	"ms-reservation/internal/inventory"
	"ms-reservation/internal/kafka"
	"ms-reservation/internal/logger"
	"ms-reservation/internal/metrics"
	"ms-reservation/internal/payment/services"
	"ms-reservation/internal/reservation"
	resdb "ms-reservation/internal/reservation/db"
	resredis "ms-reservation/internal/reservation/redis"
	"ms-reservation/internal/sweeper"
	"ms-reservation/internal/txn"

	"github.com/joho/godotenv"
)

func main() {
	envErr := godotenv.Load()

	cfg := config.Load()
	log := logger.New(logger.Options{
		Service: "reservation-service",
		Dir:     cfg.App.LogDir,
		Level:   logger.ParseLevel(cfg.App.LogLevel),
	})
	defer log.Close()

	log.Info("APP", "Starting Reservation Service initialization")
	if envErr != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		log.Info("CONFIG", "Loaded environment variables from .env file")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("CONFIG", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bunDB, err := database.OpenPostgres(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}
	defer bunDB.Close()

	if cfg.Database.AutoMigrate {
		runner := migrations.NewRunner(cfg.Database.DSN, migrations.Options{Dir: cfg.Database.MigrationsDir}, log)
		if err := runner.Up(); err != nil {
			log.Fatal("DATABASE", fmt.Sprintf("Migrations failed: %v", err))
		}
		if err := runner.Close(); err != nil {
			log.Warn("DATABASE", err.Error())
		}
	}

	redisClient, err := database.OpenRedis(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatal("REDIS", err.Error())
	}
	defer redisClient.Close()

	m := metrics.New()
	clk := clock.NewSystem()

	coord := txn.New(bunDB, txn.Options{
		MaxRetries:    cfg.Transaction.MaxRetries,
		BaseDelay:     cfg.Transaction.BaseDelay,
		MaxDelay:      cfg.Transaction.MaxDelay,
		Transactional: !cfg.Transaction.Disabled,
	}, log, m)
	ledger := inventory.NewLedger(clk)
	reservations := resdb.NewStore()
	expiryKeys := resredis.NewExpiryKeys(redisClient, log)

	gateway, err := services.NewStripeService(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret, clk, log)
	var paymentGateway checkout.PaymentGateway
	if err != nil {
		if cfg.App.Env != config.EnvTest && cfg.App.Env != config.EnvSingleNode {
			log.Fatal("STRIPE", err.Error())
		}
		log.Warn("STRIPE", "Running without a payment gateway, checkout is disabled")
	} else {
		paymentGateway = gateway
	}

	saga := checkout.NewSaga(coord, ledger, reservations, checkoutdb.NewStore(), paymentGateway, clk, checkout.Options{
		Currency:   cfg.Stripe.Currency,
		SuccessURL: cfg.Stripe.SuccessURL,
		CancelURL:  cfg.Stripe.CancelURL,
	}, log)
	saga.Expiry = expiryKeys
	saga.Metrics = m

	service := reservation.NewService(coord, ledger, reservations, clk, cfg.Reservation.TTL, log)
	service.Expiry = expiryKeys
	service.Saga = saga
	service.Metrics = m

	handler := &api.Handler{
		Reservations: service,
		Saga:         saga,
		Ledger:       ledger,
		DB:           bunDB,
		Logger:       log,
		Metrics:      m,
		HealthChecks: map[string]api.HealthCheck{
			"postgres": func(ctx context.Context) error { return bunDB.PingContext(ctx) },
			"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		},
	}

	switch {
	case cfg.Auth.OIDCIssuer != "":
		verifier, err := auth.NewOIDCVerifier(ctx, cfg.Auth.OIDCIssuer)
		if err != nil {
			log.Fatal("AUTH", err.Error())
		}
		handler.Verifier = verifier
		log.Info("AUTH", fmt.Sprintf("OIDC bearer auth enabled (issuer %s)", cfg.Auth.OIDCIssuer))
	case cfg.Auth.JWTSecret != "":
		handler.Verifier = auth.NewHMACVerifier(cfg.Auth.JWTSecret)
		log.Info("AUTH", "HS256 bearer auth enabled")
	default:
		log.Warn("AUTH", "Bearer auth disabled, request userId is trusted")
	}

	var (
		workers   sync.WaitGroup
		consumers []*kafka.Consumer
		producer  *kafka.Producer
	)
	if cfg.Kafka.Enabled {
		topics := cfg.Kafka.Topics
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers,
			kafka.WithDeadLetters([]string{topics.CheckoutSessions, topics.Categories, topics.Reservations}), log); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		}

		producer = kafka.NewProducer(cfg.Kafka.Brokers, log)
		reservationEvents := &kafka.ReservationEvents{Producer: producer, Topic: topics.Reservations}
		service.Events = reservationEvents
		saga.Events = reservationEvents
		handler.CheckoutEvents = &kafka.CheckoutEvents{Producer: producer, Topic: topics.CheckoutSessions}

		dedupe := kafka.NewIdempotencyStore(redisClient, cfg.Redis.IdempotencyTTL)
		categorySync := inventory.NewCategorySync(coord, ledger, log)
		consumers = append(consumers,
			kafka.NewConsumer(cfg.Kafka.Brokers, topics.CheckoutSessions, cfg.Kafka.GroupID,
				kafka.CheckoutSessionHandler(saga, log), log).WithDeadLetter(producer).WithDeduper(dedupe),
			kafka.NewConsumer(cfg.Kafka.Brokers, topics.Categories, cfg.Kafka.GroupID,
				kafka.CategoryHandler(categorySync, log), log).WithDeadLetter(producer).WithDeduper(dedupe),
		)
		for _, c := range consumers {
			workers.Add(1)
			go func(c *kafka.Consumer) {
				defer workers.Done()
				if err := c.Run(ctx); err != nil {
					log.Error("KAFKA", err.Error())
				}
			}(c)
		}
		log.Info("KAFKA", fmt.Sprintf("Kafka wired to %v", cfg.Kafka.Brokers))
	} else {
		log.Warn("KAFKA", "Kafka disabled, webhooks are handled inline and no events are published")
	}

	sweep := sweeper.New(bunDB, reservations, saga, clk, cfg.Reservation.SweepInterval, cfg.Reservation.SweepBatch, log, m)
	workers.Add(1)
	go func() {
		defer workers.Done()
		sweep.Start(ctx)
	}()

	notifier := resredis.NewNotifier(redisClient, log, sweep.HandleKeyExpired)
	if err := notifier.Start(ctx); err != nil {
		log.Warn("REDIS", fmt.Sprintf("Expiry fast path unavailable, relying on the sweeper: %v", err))
	}

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	go func() {
		log.Info("HTTP", fmt.Sprintf("Reservation Service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP", fmt.Sprintf("HTTP server error: %v", err))
			stop()
		}
	}()

	log.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	}

	notifier.Stop()
	sweep.Stop()
	for _, c := range consumers {
		if err := c.Close(); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Failed to close consumer: %v", err))
		}
	}
	workers.Wait()
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Failed to close producer: %v", err))
		}
	}

	log.Info("APP", "Reservation Service shutdown complete")
	_ = os.Stdout.Sync()
}
