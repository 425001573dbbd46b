package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 15*time.Minute, cfg.Reservation.TTL)
	assert.Equal(t, 2*time.Minute, cfg.Reservation.SweepInterval)
	assert.Equal(t, 3, cfg.Transaction.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.Transaction.BaseDelay)
	assert.Equal(t, 5*time.Second, cfg.Transaction.MaxDelay)
	assert.False(t, cfg.Transaction.Disabled)
	assert.Equal(t, "usd", cfg.Stripe.Currency)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("RESERVATION_TTL", "20m")
	t.Setenv("SWEEP_INTERVAL", "30s")
	t.Setenv("TX_MAX_RETRIES", "5")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("KAFKA_ENABLED", "false")
	t.Setenv("CURRENCY", "EUR")

	cfg := Load()

	assert.Equal(t, 20*time.Minute, cfg.Reservation.TTL)
	assert.Equal(t, 30*time.Second, cfg.Reservation.SweepInterval)
	assert.Equal(t, 5, cfg.Transaction.MaxRetries)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t, "eur", cfg.Stripe.Currency)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("RESERVATION_TTL", "soon")
	t.Setenv("TX_MAX_RETRIES", "many")

	cfg := Load()

	assert.Equal(t, 15*time.Minute, cfg.Reservation.TTL)
	assert.Equal(t, 3, cfg.Transaction.MaxRetries)
}

func TestValidate_TransactionsDisabled(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://localhost/db")
	t.Setenv("TX_DISABLED", "true")

	t.Run("rejected in production", func(t *testing.T) {
		t.Setenv("APP_ENV", "production")
		err := Load().Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "TX_DISABLED")
	})

	t.Run("allowed for single node", func(t *testing.T) {
		t.Setenv("APP_ENV", EnvSingleNode)
		assert.NoError(t, Load().Validate())
	})

	t.Run("allowed for tests", func(t *testing.T) {
		t.Setenv("APP_ENV", EnvTest)
		assert.NoError(t, Load().Validate())
	})
}

func TestValidate_RequiresDSN(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "")
	err := Load().Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POSTGRES_DSN")
}
