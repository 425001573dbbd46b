package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"ms-reservation/internal/checkout"
	"ms-reservation/internal/clock"
	"ms-reservation/internal/logger"
	"ms-reservation/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type MockFinder struct {
	mock.Mock
}

func (m *MockFinder) ListOverdue(ctx context.Context, db bun.IDB, now time.Time, limit int) ([]string, error) {
	args := m.Called(ctx, now, limit)
	ids, _ := args.Get(0).([]string)
	return ids, args.Error(1)
}

func (m *MockFinder) Get(ctx context.Context, db bun.IDB, id string) (*models.Reservation, error) {
	args := m.Called(ctx, id)
	r, _ := args.Get(0).(*models.Reservation)
	return r, args.Error(1)
}

type MockExpirer struct {
	mock.Mock
}

func (m *MockExpirer) ExpireReservation(ctx context.Context, reservationID, reason string) (checkout.Outcome, error) {
	args := m.Called(ctx, reservationID, reason)
	return args.Get(0).(checkout.Outcome), args.Error(1)
}

func newTestSweeper(f Finder, e Expirer, clk clock.Clock, batch int) *Sweeper {
	return New(nil, f, e, clk, time.Minute, batch, logger.Discard(), nil)
}

func TestNew_Defaults(t *testing.T) {
	s := New(nil, new(MockFinder), new(MockExpirer), clock.NewManual(t0), 0, 0, nil, nil)

	assert.Equal(t, DefaultInterval, s.interval)
	assert.Equal(t, DefaultBatchSize, s.batchSize)
	assert.NotNil(t, s.stopCh)
	assert.NotNil(t, s.doneCh)
}

func TestSweepOnce_ExpiresOverdue(t *testing.T) {
	finder := new(MockFinder)
	expirer := new(MockExpirer)
	finder.On("ListOverdue", mock.Anything, t0, 100).Return([]string{"r-1", "r-2"}, nil).Once()
	expirer.On("ExpireReservation", mock.Anything, "r-1", models.ReasonTTL).Return(checkout.OutcomeReleased, nil)
	expirer.On("ExpireReservation", mock.Anything, "r-2", models.ReasonTTL).Return(checkout.OutcomeNotPending, nil)

	n, err := newTestSweeper(finder, expirer, clock.NewManual(t0), 100).SweepOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, n, "reservations that raced to another state are not counted")
	finder.AssertExpectations(t)
	expirer.AssertExpectations(t)
}

func TestSweepOnce_SkipsFailures(t *testing.T) {
	finder := new(MockFinder)
	expirer := new(MockExpirer)
	finder.On("ListOverdue", mock.Anything, t0, 2).Return([]string{"r-bad", "r-1"}, nil).Once()
	finder.On("ListOverdue", mock.Anything, t0, 3).Return([]string{"r-bad"}, nil).Once()
	expirer.On("ExpireReservation", mock.Anything, "r-bad", models.ReasonTTL).Return(checkout.OutcomeFailed, errors.New("tx failed")).Once()
	expirer.On("ExpireReservation", mock.Anything, "r-1", models.ReasonTTL).Return(checkout.OutcomeReleased, nil).Once()

	n, err := newTestSweeper(finder, expirer, clock.NewManual(t0), 2).SweepOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	finder.AssertExpectations(t)
	expirer.AssertExpectations(t)
}

func TestSweepOnce_PagesThroughFullBatches(t *testing.T) {
	finder := new(MockFinder)
	expirer := new(MockExpirer)
	finder.On("ListOverdue", mock.Anything, t0, 2).Return([]string{"r-1", "r-2"}, nil).Once()
	finder.On("ListOverdue", mock.Anything, t0, 2).Return([]string{"r-3"}, nil).Once()
	expirer.On("ExpireReservation", mock.Anything, mock.Anything, models.ReasonTTL).Return(checkout.OutcomeReleased, nil)

	n, err := newTestSweeper(finder, expirer, clock.NewManual(t0), 2).SweepOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, n)
	expirer.AssertNumberOfCalls(t, "ExpireReservation", 3)
}

func TestSweepOnce_ListError(t *testing.T) {
	finder := new(MockFinder)
	finder.On("ListOverdue", mock.Anything, t0, 100).Return(nil, errors.New("db down"))

	_, err := newTestSweeper(finder, new(MockExpirer), clock.NewManual(t0), 100).SweepOnce(context.Background())

	assert.EqualError(t, err, "db down")
}

func TestHandleKeyExpired(t *testing.T) {
	t.Run("expires overdue pending reservation", func(t *testing.T) {
		finder := new(MockFinder)
		expirer := new(MockExpirer)
		finder.On("Get", mock.Anything, "r-1").Return(&models.Reservation{
			ID: "r-1", Status: models.ReservationPending, ExpiresAt: t0.Add(-time.Second),
		}, nil)
		expirer.On("ExpireReservation", mock.Anything, "r-1", models.ReasonTTL).Return(checkout.OutcomeReleased, nil).Once()

		newTestSweeper(finder, expirer, clock.NewManual(t0), 100).HandleKeyExpired(context.Background(), "r-1")

		expirer.AssertExpectations(t)
	})

	t.Run("expires when the key fires just before the deadline", func(t *testing.T) {
		finder := new(MockFinder)
		expirer := new(MockExpirer)
		finder.On("Get", mock.Anything, "r-1").Return(&models.Reservation{
			ID: "r-1", Status: models.ReservationPending, ExpiresAt: t0.Add(400 * time.Millisecond),
		}, nil)
		expirer.On("ExpireReservation", mock.Anything, "r-1", models.ReasonTTL).Return(checkout.OutcomeReleased, nil).Once()

		newTestSweeper(finder, expirer, clock.NewManual(t0), 100).HandleKeyExpired(context.Background(), "r-1")

		expirer.AssertExpectations(t)
	})

	t.Run("ignores reservation not yet due", func(t *testing.T) {
		finder := new(MockFinder)
		expirer := new(MockExpirer)
		finder.On("Get", mock.Anything, "r-1").Return(&models.Reservation{
			ID: "r-1", Status: models.ReservationPending, ExpiresAt: t0.Add(time.Minute),
		}, nil)

		newTestSweeper(finder, expirer, clock.NewManual(t0), 100).HandleKeyExpired(context.Background(), "r-1")

		expirer.AssertNotCalled(t, "ExpireReservation", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("ignores confirmed reservation", func(t *testing.T) {
		finder := new(MockFinder)
		expirer := new(MockExpirer)
		finder.On("Get", mock.Anything, "r-1").Return(&models.Reservation{
			ID: "r-1", Status: models.ReservationConfirmed, ExpiresAt: t0.Add(-time.Minute),
		}, nil)

		newTestSweeper(finder, expirer, clock.NewManual(t0), 100).HandleKeyExpired(context.Background(), "r-1")

		expirer.AssertNotCalled(t, "ExpireReservation", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestStartStop(t *testing.T) {
	finder := new(MockFinder)
	finder.On("ListOverdue", mock.Anything, mock.Anything, mock.Anything).Return([]string{}, nil)
	s := New(nil, finder, new(MockExpirer), clock.NewManual(t0), 10*time.Millisecond, 10, logger.Discard(), nil)

	go s.Start(context.Background())
	time.Sleep(35 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}

	calls := len(finder.Calls)
	assert.GreaterOrEqual(t, calls, 2, "initial sweep plus at least one tick")
}

func TestStart_ContextCancel(t *testing.T) {
	finder := new(MockFinder)
	finder.On("ListOverdue", mock.Anything, mock.Anything, mock.Anything).Return([]string{}, nil)
	s := New(nil, finder, new(MockExpirer), clock.NewManual(t0), time.Hour, 10, logger.Discard(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(finished)
	}()
	cancel()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
	s.Stop()
}
