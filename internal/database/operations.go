package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"focusdeck/internal/models"
)

const opColumns = `id, entity_type, operation, entity_id, payload, base_version, status, retry_count, last_error, created_at, next_retry_at, user_id`

// Enqueue persists a new operation with status pending and returns the stored
// row. Insertion order is the FIFO tie-break for the drain loop.
func (db *DB) Enqueue(ctx context.Context, op models.NewOperation) (*models.WriteOperation, error) {
	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	now := time.Now().UTC()
	query := `INSERT INTO write_operations (entity_type, operation, entity_id, payload, base_version, status, retry_count, created_at, user_id)
              VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`
	result, err := db.db.ExecContext(ctx, query,
		string(op.EntityType),
		string(op.Op),
		op.EntityID,
		string(payload),
		op.BaseVersion,
		models.StatusPending,
		now,
		op.UserID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue operation: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get last insert id: %w", err)
	}

	return &models.WriteOperation{
		ID:          id,
		EntityType:  op.EntityType,
		Op:          op.Op,
		EntityID:    op.EntityID,
		Payload:     op.Payload.Clone(),
		BaseVersion: op.BaseVersion,
		Status:      models.StatusPending,
		CreatedAt:   now,
		UserID:      op.UserID,
	}, nil
}

// GetPendingOperations returns execution-eligible rows oldest first: pending
// or failed, with next_retry_at unset or due.
func (db *DB) GetPendingOperations(ctx context.Context, limit int) ([]models.WriteOperation, error) {
	query := `SELECT ` + opColumns + `
              FROM write_operations
              WHERE status IN (?, ?) AND (next_retry_at IS NULL OR next_retry_at <= ?)
              ORDER BY id ASC LIMIT ?`
	rows, err := db.db.QueryContext(ctx, query, models.StatusPending, models.StatusFailed, time.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending operations: %w", err)
	}
	defer rows.Close()

	return scanOperations(rows)
}

// GetOperationsForEntity returns every queued (not completed) row for one
// logical entity, oldest first, for coalescing.
func (db *DB) GetOperationsForEntity(ctx context.Context, entity models.EntityType, entityID string) ([]models.WriteOperation, error) {
	query := `SELECT ` + opColumns + `
              FROM write_operations
              WHERE entity_type = ? AND entity_id = ? AND status IN (?, ?, ?)
              ORDER BY id ASC`
	rows, err := db.db.QueryContext(ctx, query, string(entity), entityID,
		models.StatusPending, models.StatusFailed, models.StatusSyncing)
	if err != nil {
		return nil, fmt.Errorf("failed to get operations for entity: %w", err)
	}
	defer rows.Close()

	return scanOperations(rows)
}

// MarkSyncing transitions a row to syncing for the current execution attempt.
func (db *DB) MarkSyncing(ctx context.Context, id int64) error {
	query := `UPDATE write_operations SET status = ? WHERE id = ?`
	if _, err := db.db.ExecContext(ctx, query, models.StatusSyncing, id); err != nil {
		return fmt.Errorf("failed to mark operation %d syncing: %w", id, err)
	}
	return nil
}

// MarkCompleted finishes a row; completed rows are purged later by
// CleanupCompleted, never reused.
func (db *DB) MarkCompleted(ctx context.Context, id int64) error {
	query := `UPDATE write_operations SET status = ?, last_error = NULL, next_retry_at = NULL, completed_at = ? WHERE id = ?`
	if _, err := db.db.ExecContext(ctx, query, models.StatusCompleted, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to mark operation %d completed: %w", id, err)
	}
	return nil
}

// MarkFailed records the error, bumps retry_count and gates the row behind
// nextRetryAt.
func (db *DB) MarkFailed(ctx context.Context, id int64, errMsg string, nextRetryAt time.Time) error {
	query := `UPDATE write_operations SET status = ?, last_error = ?, next_retry_at = ?, retry_count = retry_count + 1 WHERE id = ?`
	if _, err := db.db.ExecContext(ctx, query, models.StatusFailed, errMsg, nextRetryAt.UTC(), id); err != nil {
		return fmt.Errorf("failed to mark operation %d failed: %w", id, err)
	}
	return nil
}

// MarkConflict parks a row whose version guard lost and whose automatic
// resolution could not complete.
func (db *DB) MarkConflict(ctx context.Context, id int64, serverVersion int64) error {
	msg := fmt.Sprintf("optimistic version mismatch, server version %d", serverVersion)
	query := `UPDATE write_operations SET status = ?, last_error = ?, next_retry_at = NULL WHERE id = ?`
	if _, err := db.db.ExecContext(ctx, query, models.StatusConflict, msg, id); err != nil {
		return fmt.Errorf("failed to mark operation %d conflict: %w", id, err)
	}
	return nil
}

// CleanupCompleted purges completed rows older than the grace window.
func (db *DB) CleanupCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	query := `DELETE FROM write_operations WHERE status = ? AND completed_at IS NOT NULL AND completed_at <= ?`
	result, err := db.db.ExecContext(ctx, query, models.StatusCompleted, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup completed operations: %w", err)
	}
	return result.RowsAffected()
}

// RecoverStaleSyncing resets rows stuck in syncing by a prior crash back to
// pending. Must run before the first drain of every session.
func (db *DB) RecoverStaleSyncing(ctx context.Context) (int64, error) {
	query := `UPDATE write_operations SET status = ? WHERE status = ?`
	result, err := db.db.ExecContext(ctx, query, models.StatusPending, models.StatusSyncing)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale syncing operations: %w", err)
	}
	return result.RowsAffected()
}

// RetryFailed resets failed and conflict rows to pending with their backoff
// cleared, for the user-triggered retry action.
func (db *DB) RetryFailed(ctx context.Context) (int64, error) {
	query := `UPDATE write_operations SET status = ?, retry_count = 0, next_retry_at = NULL, last_error = NULL WHERE status IN (?, ?)`
	result, err := db.db.ExecContext(ctx, query, models.StatusPending, models.StatusFailed, models.StatusConflict)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed operations: %w", err)
	}
	return result.RowsAffected()
}

// ClearFailed irreversibly abandons failed and conflict rows.
func (db *DB) ClearFailed(ctx context.Context) (int64, error) {
	query := `DELETE FROM write_operations WHERE status IN (?, ?)`
	result, err := db.db.ExecContext(ctx, query, models.StatusFailed, models.StatusConflict)
	if err != nil {
		return 0, fmt.Errorf("failed to clear failed operations: %w", err)
	}
	return result.RowsAffected()
}

// GetStats returns per-status row counts for the derived sync snapshot.
func (db *DB) GetStats(ctx context.Context) (models.QueueStats, error) {
	query := `SELECT status, COUNT(*) FROM write_operations GROUP BY status`
	rows, err := db.db.QueryContext(ctx, query)
	if err != nil {
		return models.QueueStats{}, fmt.Errorf("failed to get queue stats: %w", err)
	}
	defer rows.Close()

	var stats models.QueueStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return models.QueueStats{}, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		switch status {
		case models.StatusPending:
			stats.Pending = count
		case models.StatusSyncing:
			stats.Syncing = count
		case models.StatusFailed:
			stats.Failed = count
		case models.StatusConflict:
			stats.Conflict = count
		case models.StatusCompleted:
			stats.Completed = count
		}
	}
	return stats, rows.Err()
}

// GetFailedOperations returns failed and conflict rows newest first for the
// user-facing failure list.
func (db *DB) GetFailedOperations(ctx context.Context) ([]models.WriteOperation, error) {
	query := `SELECT ` + opColumns + `
              FROM write_operations WHERE status IN (?, ?) ORDER BY id DESC`
	rows, err := db.db.QueryContext(ctx, query, models.StatusFailed, models.StatusConflict)
	if err != nil {
		return nil, fmt.Errorf("failed to get failed operations: %w", err)
	}
	defer rows.Close()

	return scanOperations(rows)
}

func scanOperations(rows *sql.Rows) ([]models.WriteOperation, error) {
	var ops []models.WriteOperation
	for rows.Next() {
		var (
			op        models.WriteOperation
			entity    string
			opType    string
			payload   string
			createdAt time.Time
		)
		err := rows.Scan(
			&op.ID, &entity, &opType, &op.EntityID, &payload, &op.BaseVersion,
			&op.Status, &op.RetryCount, &op.LastError, &createdAt, &op.NextRetryAt, &op.UserID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		op.EntityType = models.EntityType(entity)
		op.Op = models.OpType(opType)
		op.CreatedAt = createdAt
		if err := json.Unmarshal([]byte(payload), &op.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload for operation %d: %w", op.ID, err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}
