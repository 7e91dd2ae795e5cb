package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"focusdeck/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// brokenStore fails every call, standing in for an unavailable SQLite file.
type brokenStore struct{}

var errStoreDown = errors.New("store unavailable")

func (brokenStore) Enqueue(ctx context.Context, op models.NewOperation) (*models.WriteOperation, error) {
	return nil, errStoreDown
}
func (brokenStore) GetPendingOperations(ctx context.Context, limit int) ([]models.WriteOperation, error) {
	return nil, errStoreDown
}
func (brokenStore) GetOperationsForEntity(ctx context.Context, entity models.EntityType, entityID string) ([]models.WriteOperation, error) {
	return nil, errStoreDown
}
func (brokenStore) MarkSyncing(ctx context.Context, id int64) error  { return errStoreDown }
func (brokenStore) MarkCompleted(ctx context.Context, id int64) error { return errStoreDown }
func (brokenStore) MarkFailed(ctx context.Context, id int64, errMsg string, nextRetryAt time.Time) error {
	return errStoreDown
}
func (brokenStore) MarkConflict(ctx context.Context, id int64, serverVersion int64) error {
	return errStoreDown
}
func (brokenStore) CleanupCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	return 0, errStoreDown
}
func (brokenStore) RecoverStaleSyncing(ctx context.Context) (int64, error) { return 0, errStoreDown }
func (brokenStore) RetryFailed(ctx context.Context) (int64, error)         { return 0, errStoreDown }
func (brokenStore) ClearFailed(ctx context.Context) (int64, error)         { return 0, errStoreDown }
func (brokenStore) GetStats(ctx context.Context) (models.QueueStats, error) {
	return models.QueueStats{}, errStoreDown
}
func (brokenStore) GetFailedOperations(ctx context.Context) ([]models.WriteOperation, error) {
	return nil, errStoreDown
}

func TestFailoverStoreDegradesToMemory(t *testing.T) {
	logger := zerolog.Nop()
	store := NewFailoverStore(brokenStore{}, NewMemoryStore(), &logger)
	ctx := context.Background()

	// Enqueue must succeed even with the primary down.
	op, err := store.Enqueue(ctx, models.NewOperation{
		EntityType: models.EntityTask,
		Op:         models.OpCreate,
		EntityID:   "t1",
		Payload:    models.Fields{"title": "degraded"},
		UserID:     "u1",
	})
	require.NoError(t, err)
	require.NotNil(t, op)
	assert.Equal(t, models.StatusPending, op.Status)

	// Subsequent reads see the fallback's contents.
	ops, err := store.GetPendingOperations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "t1", ops[0].EntityID)

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
}

func TestFailoverStorePrimaryPreferred(t *testing.T) {
	logger := zerolog.Nop()
	primary := NewMemoryStore()
	fallback := NewMemoryStore()
	store := NewFailoverStore(primary, fallback, &logger)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, models.NewOperation{
		EntityType: models.EntityTask,
		Op:         models.OpCreate,
		EntityID:   "t1",
		Payload:    models.Fields{"title": "x"},
		UserID:     "u1",
	})
	require.NoError(t, err)

	primaryOps, err := primary.GetPendingOperations(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, primaryOps, 1)

	fallbackOps, err := fallback.GetPendingOperations(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, fallbackOps, 0)
}

func TestMemoryStoreLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	op, err := store.Enqueue(ctx, models.NewOperation{
		EntityType: models.EntityTask,
		Op:         models.OpUpdate,
		EntityID:   "t1",
		Payload:    models.Fields{"title": "x"},
		UserID:     "u1",
	})
	require.NoError(t, err)

	require.NoError(t, store.MarkSyncing(ctx, op.ID))
	n, err := store.RecoverStaleSyncing(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, store.MarkFailed(ctx, op.ID, "boom", time.Now().Add(time.Hour)))
	ops, err := store.GetPendingOperations(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, ops, 0)

	failed, err := store.GetFailedOperations(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].RetryCount)

	n, err = store.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, store.MarkCompleted(ctx, op.ID))
	n, err = store.CleanupCompleted(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
