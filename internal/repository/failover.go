package repository

import (
	"context"
	"sync/atomic"
	"time"

	"focusdeck/internal/domain"
	"focusdeck/internal/models"

	"github.com/rs/zerolog"
)

// FailoverStore keeps enqueue working when the durable backend is down by
// degrading to the in-memory stub. Reads follow whichever side is active so
// the orchestrator keeps draining whatever it can see. Recovery is probed at
// most once a minute.
type FailoverStore struct {
	primary   domain.OperationStore
	fallback  domain.OperationStore
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
}

func NewFailoverStore(primary, fallback domain.OperationStore, logger *zerolog.Logger) *FailoverStore {
	return &FailoverStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (s *FailoverStore) active() domain.OperationStore {
	if !s.isDown.Load() {
		return s.primary
	}
	if time.Since(time.Unix(s.lastCheck.Load(), 0)) > time.Minute {
		return s.primary
	}
	return s.fallback
}

func (s *FailoverStore) degrade(err error) {
	if !s.isDown.Load() {
		s.logger.Error().Err(err).Msg("durable operation store failed, degrading to in-memory queue")
	}
	s.isDown.Store(true)
	s.lastCheck.Store(time.Now().Unix())
}

func (s *FailoverStore) recover() {
	if s.isDown.Load() {
		s.logger.Info().Msg("durable operation store recovered")
		s.isDown.Store(false)
	}
}

func (s *FailoverStore) Enqueue(ctx context.Context, op models.NewOperation) (*models.WriteOperation, error) {
	if store := s.active(); store == s.primary {
		stored, err := s.primary.Enqueue(ctx, op)
		if err == nil {
			s.recover()
			return stored, nil
		}
		s.degrade(err)
	}
	return s.fallback.Enqueue(ctx, op)
}

func (s *FailoverStore) GetPendingOperations(ctx context.Context, limit int) ([]models.WriteOperation, error) {
	if store := s.active(); store == s.primary {
		ops, err := s.primary.GetPendingOperations(ctx, limit)
		if err == nil {
			s.recover()
			return ops, nil
		}
		s.degrade(err)
	}
	return s.fallback.GetPendingOperations(ctx, limit)
}

func (s *FailoverStore) GetOperationsForEntity(ctx context.Context, entity models.EntityType, entityID string) ([]models.WriteOperation, error) {
	if store := s.active(); store == s.primary {
		ops, err := s.primary.GetOperationsForEntity(ctx, entity, entityID)
		if err == nil {
			s.recover()
			return ops, nil
		}
		s.degrade(err)
	}
	return s.fallback.GetOperationsForEntity(ctx, entity, entityID)
}

func (s *FailoverStore) MarkSyncing(ctx context.Context, id int64) error {
	if store := s.active(); store == s.primary {
		if err := s.primary.MarkSyncing(ctx, id); err == nil {
			s.recover()
			return nil
		} else {
			s.degrade(err)
		}
	}
	return s.fallback.MarkSyncing(ctx, id)
}

func (s *FailoverStore) MarkCompleted(ctx context.Context, id int64) error {
	if store := s.active(); store == s.primary {
		if err := s.primary.MarkCompleted(ctx, id); err == nil {
			s.recover()
			return nil
		} else {
			s.degrade(err)
		}
	}
	return s.fallback.MarkCompleted(ctx, id)
}

func (s *FailoverStore) MarkFailed(ctx context.Context, id int64, errMsg string, nextRetryAt time.Time) error {
	if store := s.active(); store == s.primary {
		if err := s.primary.MarkFailed(ctx, id, errMsg, nextRetryAt); err == nil {
			s.recover()
			return nil
		} else {
			s.degrade(err)
		}
	}
	return s.fallback.MarkFailed(ctx, id, errMsg, nextRetryAt)
}

func (s *FailoverStore) MarkConflict(ctx context.Context, id int64, serverVersion int64) error {
	if store := s.active(); store == s.primary {
		if err := s.primary.MarkConflict(ctx, id, serverVersion); err == nil {
			s.recover()
			return nil
		} else {
			s.degrade(err)
		}
	}
	return s.fallback.MarkConflict(ctx, id, serverVersion)
}

func (s *FailoverStore) CleanupCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	if store := s.active(); store == s.primary {
		n, err := s.primary.CleanupCompleted(ctx, olderThan)
		if err == nil {
			s.recover()
			return n, nil
		}
		s.degrade(err)
	}
	return s.fallback.CleanupCompleted(ctx, olderThan)
}

func (s *FailoverStore) RecoverStaleSyncing(ctx context.Context) (int64, error) {
	if store := s.active(); store == s.primary {
		n, err := s.primary.RecoverStaleSyncing(ctx)
		if err == nil {
			s.recover()
			return n, nil
		}
		s.degrade(err)
	}
	return s.fallback.RecoverStaleSyncing(ctx)
}

func (s *FailoverStore) RetryFailed(ctx context.Context) (int64, error) {
	if store := s.active(); store == s.primary {
		n, err := s.primary.RetryFailed(ctx)
		if err == nil {
			s.recover()
			return n, nil
		}
		s.degrade(err)
	}
	return s.fallback.RetryFailed(ctx)
}

func (s *FailoverStore) ClearFailed(ctx context.Context) (int64, error) {
	if store := s.active(); store == s.primary {
		n, err := s.primary.ClearFailed(ctx)
		if err == nil {
			s.recover()
			return n, nil
		}
		s.degrade(err)
	}
	return s.fallback.ClearFailed(ctx)
}

func (s *FailoverStore) GetStats(ctx context.Context) (models.QueueStats, error) {
	if store := s.active(); store == s.primary {
		stats, err := s.primary.GetStats(ctx)
		if err == nil {
			s.recover()
			return stats, nil
		}
		s.degrade(err)
	}
	return s.fallback.GetStats(ctx)
}

func (s *FailoverStore) GetFailedOperations(ctx context.Context) ([]models.WriteOperation, error) {
	if store := s.active(); store == s.primary {
		ops, err := s.primary.GetFailedOperations(ctx)
		if err == nil {
			s.recover()
			return ops, nil
		}
		s.degrade(err)
	}
	return s.fallback.GetFailedOperations(ctx)
}
