package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"focusdeck/internal/models"
)

// MemoryStore is the in-memory operation store stub used when the durable
// backend is unavailable. Rows do not survive a restart; everything else
// behaves like the SQLite store so the orchestrator cannot tell them apart.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*memRow
}

type memRow struct {
	op          models.WriteOperation
	completedAt *time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1, rows: make(map[int64]*memRow)}
}

func (s *MemoryStore) Enqueue(ctx context.Context, op models.NewOperation) (*models.WriteOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := models.WriteOperation{
		ID:          s.nextID,
		EntityType:  op.EntityType,
		Op:          op.Op,
		EntityID:    op.EntityID,
		Payload:     op.Payload.Clone(),
		BaseVersion: op.BaseVersion,
		Status:      models.StatusPending,
		CreatedAt:   time.Now().UTC(),
		UserID:      op.UserID,
	}
	s.rows[s.nextID] = &memRow{op: stored}
	s.nextID++

	out := stored
	return &out, nil
}

func (s *MemoryStore) GetPendingOperations(ctx context.Context, limit int) ([]models.WriteOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var ops []models.WriteOperation
	for _, row := range s.rows {
		op := row.op
		if op.Status != models.StatusPending && op.Status != models.StatusFailed {
			continue
		}
		if op.NextRetryAt != nil && op.NextRetryAt.After(now) {
			continue
		}
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].ID < ops[j].ID })
	if limit > 0 && len(ops) > limit {
		ops = ops[:limit]
	}
	return ops, nil
}

func (s *MemoryStore) GetOperationsForEntity(ctx context.Context, entity models.EntityType, entityID string) ([]models.WriteOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ops []models.WriteOperation
	for _, row := range s.rows {
		op := row.op
		if op.EntityType != entity || op.EntityID != entityID {
			continue
		}
		if op.Status == models.StatusCompleted || op.Status == models.StatusConflict {
			continue
		}
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].ID < ops[j].ID })
	return ops, nil
}

func (s *MemoryStore) MarkSyncing(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[id]; ok {
		row.op.Status = models.StatusSyncing
	}
	return nil
}

func (s *MemoryStore) MarkCompleted(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[id]; ok {
		now := time.Now()
		row.op.Status = models.StatusCompleted
		row.op.LastError = nil
		row.op.NextRetryAt = nil
		row.completedAt = &now
	}
	return nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id int64, errMsg string, nextRetryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[id]; ok {
		retryAt := nextRetryAt
		row.op.Status = models.StatusFailed
		row.op.LastError = &errMsg
		row.op.NextRetryAt = &retryAt
		row.op.RetryCount++
	}
	return nil
}

func (s *MemoryStore) MarkConflict(ctx context.Context, id int64, serverVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[id]; ok {
		msg := "optimistic version mismatch"
		row.op.Status = models.StatusConflict
		row.op.LastError = &msg
		row.op.NextRetryAt = nil
	}
	return nil
}

func (s *MemoryStore) CleanupCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var purged int64
	for id, row := range s.rows {
		if row.op.Status == models.StatusCompleted && row.completedAt != nil && !row.completedAt.After(cutoff) {
			delete(s.rows, id)
			purged++
		}
	}
	return purged, nil
}

func (s *MemoryStore) RecoverStaleSyncing(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var recovered int64
	for _, row := range s.rows {
		if row.op.Status == models.StatusSyncing {
			row.op.Status = models.StatusPending
			recovered++
		}
	}
	return recovered, nil
}

func (s *MemoryStore) RetryFailed(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reset int64
	for _, row := range s.rows {
		if row.op.Status == models.StatusFailed || row.op.Status == models.StatusConflict {
			row.op.Status = models.StatusPending
			row.op.RetryCount = 0
			row.op.NextRetryAt = nil
			row.op.LastError = nil
			reset++
		}
	}
	return reset, nil
}

func (s *MemoryStore) ClearFailed(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cleared int64
	for id, row := range s.rows {
		if row.op.Status == models.StatusFailed || row.op.Status == models.StatusConflict {
			delete(s.rows, id)
			cleared++
		}
	}
	return cleared, nil
}

func (s *MemoryStore) GetStats(ctx context.Context) (models.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats models.QueueStats
	for _, row := range s.rows {
		switch row.op.Status {
		case models.StatusPending:
			stats.Pending++
		case models.StatusSyncing:
			stats.Syncing++
		case models.StatusFailed:
			stats.Failed++
		case models.StatusConflict:
			stats.Conflict++
		case models.StatusCompleted:
			stats.Completed++
		}
	}
	return stats, nil
}

func (s *MemoryStore) GetFailedOperations(ctx context.Context) ([]models.WriteOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ops []models.WriteOperation
	for _, row := range s.rows {
		if row.op.Status == models.StatusFailed || row.op.Status == models.StatusConflict {
			ops = append(ops, row.op)
		}
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].ID > ops[j].ID })
	return ops, nil
}
