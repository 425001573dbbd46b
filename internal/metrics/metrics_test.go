package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	require.NotNil(t, m)
	assert.NotNil(t, m.ReservationsTotal)
	assert.NotNil(t, m.SagaEventsTotal)
	assert.NotNil(t, m.TxRetriesTotal)
}

func TestObserveHelpers(t *testing.T) {
	m := New()

	m.ObserveReservation("created")
	m.ObserveReservation("created")
	m.ObserveReservation("exhausted")
	m.ObserveSaga("session.completed", "confirmed")
	m.ObserveExpired("sweeper", 3)
	m.ObserveExpired("sweeper", 0)
	m.ObserveTxRetry()
	m.ObserveTxFailed()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReservationsTotal.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReservationsTotal.WithLabelValues("exhausted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SagaEventsTotal.WithLabelValues("session.completed", "confirmed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ExpiredTotal.WithLabelValues("sweeper")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TxRetriesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TxFailedTotal))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveReservation("created")
		m.ObserveSaga("session.expired", "released")
		m.ObserveExpired("sweeper", 1)
		m.ObserveTxRetry()
		m.ObserveTxFailed()
		m.ObserveSweep(0.1)
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveReservation("created")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `reservations_total{outcome="created"} 1`))
}
