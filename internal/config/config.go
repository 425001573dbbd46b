package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	App         AppConfig
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	Reservation ReservationConfig
	Transaction TransactionConfig
	Stripe      StripeConfig
	Auth        AuthConfig
}

type AppConfig struct {
	Env      string
	LogLevel string
	LogDir   string
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	DSN           string
	MaxOpenConns  int
	MaxIdleConns  int
	MaxLifetime   time.Duration
	MigrationsDir string
	AutoMigrate   bool
}

type RedisConfig struct {
	Addr string
	DB   int
	// IdempotencyTTL bounds how long consumed message offsets are remembered.
	IdempotencyTTL time.Duration
}

type KafkaConfig struct {
	Brokers []string
	GroupID string
	Topics  TopicConfig
	Enabled bool
}

type TopicConfig struct {
	CheckoutSessions string
	Categories       string
	Reservations     string
}

type ReservationConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
	SweepBatch    int
}

type TransactionConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Disabled   bool
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	Currency      string
}

type AuthConfig struct {
	OIDCIssuer string
	JWTSecret  string
}

// Environments in which the non-transactional store mode may be enabled.
const (
	EnvTest       = "test"
	EnvSingleNode = "single-node"
)

func Load() *Config {
	return &Config{
		App: AppConfig{
			Env:      getEnv("APP_ENV", "development"),
			LogLevel: getEnv("LOG_LEVEL", "INFO"),
			LogDir:   getEnv("LOG_DIR", "logs"),
		},
		Server: ServerConfig{
			Port:         getEnv("PORT", ":8084"),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:           getEnv("POSTGRES_DSN", ""),
			MaxOpenConns:  getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:  getEnvInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:   time.Duration(getEnvInt("DB_MAX_LIFETIME_MINUTES", 5)) * time.Minute,
			MigrationsDir: getEnv("MIGRATIONS_DIR", "./migrations"),
			AutoMigrate:   getEnvBool("AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:           getEnv("REDIS_ADDR", "localhost:6379"),
			DB:             getEnvInt("REDIS_DB", 0),
			IdempotencyTTL: getEnvDuration("REDIS_IDEMPOTENCY_TTL", 24*time.Hour),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
			GroupID: getEnv("KAFKA_GROUP_ID", "reservation-service"),
			Enabled: getEnvBool("KAFKA_ENABLED", true),
			Topics: TopicConfig{
				CheckoutSessions: getEnv("KAFKA_TOPIC_CHECKOUT", "ticketing.checkout.sessions"),
				Categories:       getEnv("KAFKA_TOPIC_CATEGORIES", "ticketing.categories"),
				Reservations:     getEnv("KAFKA_TOPIC_RESERVATIONS", "ticketing.reservations"),
			},
		},
		Reservation: ReservationConfig{
			TTL:           getEnvDuration("RESERVATION_TTL", 15*time.Minute),
			SweepInterval: getEnvDuration("SWEEP_INTERVAL", 2*time.Minute),
			SweepBatch:    getEnvInt("SWEEP_BATCH_SIZE", 100),
		},
		Transaction: TransactionConfig{
			MaxRetries: getEnvInt("TX_MAX_RETRIES", 3),
			BaseDelay:  getEnvDuration("TX_BASE_DELAY", 100*time.Millisecond),
			MaxDelay:   getEnvDuration("TX_MAX_DELAY", 5*time.Second),
			Disabled:   getEnvBool("TX_DISABLED", false),
		},
		Stripe: StripeConfig{
			SecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			SuccessURL:    getEnv("CHECKOUT_SUCCESS_URL", "http://localhost:3000/checkout/success"),
			CancelURL:     getEnv("CHECKOUT_CANCEL_URL", "http://localhost:3000/checkout/cancel"),
			Currency:      strings.ToLower(getEnv("CURRENCY", "usd")),
		},
		Auth: AuthConfig{
			OIDCIssuer: getEnv("OIDC_ISSUER", ""),
			JWTSecret:  getEnv("AUTH_JWT_SECRET", ""),
		},
	}
}

// Validate rejects settings that would break the inventory guarantees.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("POSTGRES_DSN not set")
	}
	if c.Transaction.Disabled && c.App.Env != EnvTest && c.App.Env != EnvSingleNode {
		return fmt.Errorf("TX_DISABLED is only allowed when APP_ENV is %q or %q, got %q",
			EnvTest, EnvSingleNode, c.App.Env)
	}
	if c.Reservation.TTL <= 0 {
		return fmt.Errorf("RESERVATION_TTL must be positive")
	}
	if c.Reservation.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.Transaction.MaxRetries < 0 {
		return fmt.Errorf("TX_MAX_RETRIES must not be negative")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS not set")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
