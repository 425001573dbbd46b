// Package sweeper expires pending reservations whose hold has run out and
// returns their units to the inventory.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ms-reservation/internal/checkout"
	"ms-reservation/internal/clock"
	"ms-reservation/internal/logger"
	"ms-reservation/internal/metrics"
	"ms-reservation/internal/models"

	"github.com/uptrace/bun"
)

const (
	DefaultInterval  = 2 * time.Minute
	DefaultBatchSize = 100
)

type Expirer interface {
	ExpireReservation(ctx context.Context, reservationID, reason string) (checkout.Outcome, error)
}

type Finder interface {
	ListOverdue(ctx context.Context, db bun.IDB, now time.Time, limit int) ([]string, error)
	Get(ctx context.Context, db bun.IDB, id string) (*models.Reservation, error)
}

type Sweeper struct {
	db        bun.IDB
	finder    Finder
	expirer   Expirer
	clock     clock.Clock
	interval  time.Duration
	batchSize int
	log       *logger.Logger
	metrics   *metrics.Metrics

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

func New(db bun.IDB, finder Finder, expirer Expirer, clk clock.Clock, interval time.Duration, batchSize int, log *logger.Logger, m *metrics.Metrics) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Sweeper{
		db:        db,
		finder:    finder,
		expirer:   expirer,
		clock:     clk,
		interval:  interval,
		batchSize: batchSize,
		log:       log,
		metrics:   m,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start sweeps once immediately and then on every tick until ctx is done or
// Stop is called. It blocks; run it on its own goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.log.Info("SWEEPER", fmt.Sprintf("Expiry sweeper started (interval %s, batch %d)", s.interval, s.batchSize))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer close(s.doneCh)

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("SWEEPER", "Expiry sweeper stopped (context cancelled)")
			return
		case <-s.stopCh:
			s.log.Info("SWEEPER", "Expiry sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Stop ends the loop and waits for an in-flight sweep to finish. It must
// only be called after Start.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func (s *Sweeper) sweep(ctx context.Context) {
	started := time.Now()
	n, err := s.SweepOnce(ctx)
	s.metrics.ObserveSweep(time.Since(started).Seconds())
	if err != nil {
		s.log.Error("SWEEPER", fmt.Sprintf("Sweep failed after expiring %d reservations: %v", n, err))
		return
	}
	if n > 0 {
		s.log.Info("SWEEPER", fmt.Sprintf("Expired %d reservations", n))
	} else {
		s.log.Debug("SWEEPER", "No overdue reservations")
	}
}

// SweepOnce expires every reservation overdue at the current time, a batch at
// a time. A reservation that fails to expire is logged and skipped; it is
// picked up again by the next sweep.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.clock.Now()
	expired := 0
	skipped := map[string]bool{}

	for {
		limit := s.batchSize + len(skipped)
		ids, err := s.finder.ListOverdue(ctx, s.db, now, limit)
		if err != nil {
			return expired, err
		}

		progress := false
		for _, id := range ids {
			if skipped[id] {
				continue
			}
			if ctx.Err() != nil {
				return expired, ctx.Err()
			}
			outcome, err := s.expirer.ExpireReservation(ctx, id, models.ReasonTTL)
			if err != nil {
				s.log.Warn("SWEEPER", fmt.Sprintf("Failed to expire reservation %s: %v", id, err))
				skipped[id] = true
				continue
			}
			progress = true
			if outcome == checkout.OutcomeReleased {
				expired++
			}
		}

		if !progress || len(ids) < limit {
			break
		}
	}

	s.metrics.ObserveExpired("sweeper", expired)
	return expired, nil
}

// keyExpirySkew absorbs the gap between a Redis TTL firing and the stored
// deadline.
const keyExpirySkew = time.Second

// HandleKeyExpired is the Redis keyspace fast path. The reservation is only
// expired once its deadline, less keyExpirySkew, has passed.
func (s *Sweeper) HandleKeyExpired(ctx context.Context, reservationID string) {
	r, err := s.finder.Get(ctx, s.db, reservationID)
	if err != nil {
		s.log.Warn("SWEEPER", fmt.Sprintf("TTL key expired for unreadable reservation %s: %v", reservationID, err))
		return
	}
	if r.Status != models.ReservationPending || s.clock.Now().Before(r.ExpiresAt.Add(-keyExpirySkew)) {
		return
	}

	outcome, err := s.expirer.ExpireReservation(ctx, reservationID, models.ReasonTTL)
	if err != nil {
		s.log.Warn("SWEEPER", fmt.Sprintf("Fast-path expiry of %s failed, leaving it to the sweep: %v", reservationID, err))
		return
	}
	if outcome == checkout.OutcomeReleased {
		s.metrics.ObserveExpired("keyspace", 1)
	}
}
