package inventory

import (
	"context"
	"errors"
	"testing"
	"time"

	"ms-reservation/internal/logger"
	"ms-reservation/internal/models"
	"ms-reservation/internal/txn"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategorySync_Lifecycle(t *testing.T) {
	ledger, db, _ := setupLedger(t)
	coord := txn.New(db, txn.Options{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Transactional: true}, logger.Discard(), nil)
	sync := NewCategorySync(coord, ledger, logger.Discard())
	ctx := context.Background()

	require.NoError(t, sync.Apply(ctx, models.CategoryEvent{
		Type: models.CategoryCreated, CategoryID: "ga", EventID: "evt-1",
		Name: "General", Price: 5000, TotalCapacity: 100, IsActive: true,
	}))
	require.NoError(t, ledger.Reserve(ctx, db, "ga", 40))

	require.NoError(t, sync.Apply(ctx, models.CategoryEvent{
		Type: models.CategoryUpdated, CategoryID: "ga", EventID: "evt-1",
		Name: "General Admission", Price: 5500, TotalCapacity: 60, IsActive: true,
	}))
	cat, err := ledger.Get(ctx, db, "ga")
	require.NoError(t, err)
	assert.Equal(t, "General Admission", cat.Name)
	assert.Equal(t, 60, cat.TotalCapacity)
	assert.Equal(t, 40, cat.Reserved)

	err = sync.Apply(ctx, models.CategoryEvent{
		Type: models.CategoryUpdated, CategoryID: "ga", EventID: "evt-1",
		Name: "General Admission", Price: 5500, TotalCapacity: 30, IsActive: true,
	})
	assert.True(t, errors.Is(err, models.ErrCapacityBelowCommitted))

	require.NoError(t, sync.Apply(ctx, models.CategoryEvent{Type: models.CategoryDeactivated, CategoryID: "ga"}))
	cat, err = ledger.Get(ctx, db, "ga")
	require.NoError(t, err)
	assert.False(t, cat.IsActive)
}

func TestCategorySync_RejectsBadEvents(t *testing.T) {
	ledger, db, _ := setupLedger(t)
	coord := txn.New(db, txn.Options{Transactional: true}, logger.Discard(), nil)
	sync := NewCategorySync(coord, ledger, nil)
	ctx := context.Background()

	assert.Error(t, sync.Apply(ctx, models.CategoryEvent{Type: models.CategoryCreated}))
	assert.Error(t, sync.Apply(ctx, models.CategoryEvent{Type: "category.renamed", CategoryID: "x"}))
	assert.Error(t, sync.Apply(ctx, models.CategoryEvent{Type: models.CategoryCreated, CategoryID: "x", TotalCapacity: -1}))
	assert.True(t, errors.Is(
		sync.Apply(ctx, models.CategoryEvent{Type: models.CategoryDeactivated, CategoryID: "missing"}),
		models.ErrCategoryNotFound))
}
