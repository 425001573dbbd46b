package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	// HTTP requests by method, route pattern and status code.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Reservation attempts by outcome: created, exhausted, invalid, failed.
	ReservationsTotal *prometheus.CounterVec

	// Saga outcomes by event type and outcome.
	SagaEventsTotal *prometheus.CounterVec

	// Reservations expired by the sweeper or the keyspace fast path.
	ExpiredTotal *prometheus.CounterVec

	// Transaction attempts that hit a transient conflict, and runs that gave up.
	TxRetriesTotal prometheus.Counter
	TxFailedTotal  prometheus.Counter

	SweepDuration prometheus.Histogram

	registry prometheus.Gatherer
}

func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		ReservationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reservations_total",
				Help: "Total number of reservation attempts by outcome",
			},
			[]string{"outcome"},
		),
		SagaEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkout_saga_events_total",
				Help: "Checkout saga steps by event type and outcome",
			},
			[]string{"event", "outcome"},
		),
		ExpiredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reservations_expired_total",
				Help: "Reservations released after their TTL by source",
			},
			[]string{"source"},
		),
		TxRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "store_tx_retries_total",
			Help: "Transaction attempts retried after a transient conflict",
		}),
		TxFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "store_tx_failed_total",
			Help: "Transactions that exhausted their retry budget",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "expiry_sweep_duration_seconds",
			Help:    "Duration of one expiry sweep",
			Buckets: prometheus.DefBuckets,
		}),
		registry: reg,
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ReservationsTotal,
		m.SagaEventsTotal,
		m.ExpiredTotal,
		m.TxRetriesTotal,
		m.TxFailedTotal,
		m.SweepDuration,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// The helpers below accept a nil receiver so components can run without metrics.

func (m *Metrics) ObserveReservation(outcome string) {
	if m == nil {
		return
	}
	m.ReservationsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveSaga(event, outcome string) {
	if m == nil {
		return
	}
	m.SagaEventsTotal.WithLabelValues(event, outcome).Inc()
}

func (m *Metrics) ObserveExpired(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ExpiredTotal.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) ObserveTxRetry() {
	if m == nil {
		return
	}
	m.TxRetriesTotal.Inc()
}

func (m *Metrics) ObserveTxFailed() {
	if m == nil {
		return
	}
	m.TxFailedTotal.Inc()
}

func (m *Metrics) ObserveSweep(seconds float64) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(seconds)
}

func (m *Metrics) ObserveHTTP(method, path string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(seconds)
}
