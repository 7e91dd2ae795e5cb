package domain

import (
	"context"
	"encoding/json"
	"time"

	"focusdeck/internal/models"
)

// OperationStore owns WriteOperation persistence. Status transitions happen
// only through the atomic Mark* methods; callers never mutate rows directly.
type OperationStore interface {
	Enqueue(ctx context.Context, op models.NewOperation) (*models.WriteOperation, error)
	GetPendingOperations(ctx context.Context, limit int) ([]models.WriteOperation, error)
	GetOperationsForEntity(ctx context.Context, entity models.EntityType, entityID string) ([]models.WriteOperation, error)
	MarkSyncing(ctx context.Context, id int64) error
	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errMsg string, nextRetryAt time.Time) error
	MarkConflict(ctx context.Context, id int64, serverVersion int64) error
	CleanupCompleted(ctx context.Context, olderThan time.Duration) (int64, error)
	RecoverStaleSyncing(ctx context.Context) (int64, error)
	RetryFailed(ctx context.Context) (int64, error)
	ClearFailed(ctx context.Context) (int64, error)
	GetStats(ctx context.Context) (models.QueueStats, error)
	GetFailedOperations(ctx context.Context) ([]models.WriteOperation, error)
}

// RemoteRow is one row of the opaque table-per-entity remote store.
type RemoteRow struct {
	ID        string        `json:"id"`
	UserID    string        `json:"user_id"`
	Version   int64         `json:"version"`
	UpdatedAt time.Time     `json:"updated_at"`
	IsDeleted bool          `json:"is_deleted"`
	DeletedAt *time.Time    `json:"deleted_at,omitempty"`
	Payload   models.Fields `json:"payload"`
}

// RemoteStore is the generic upsert/update/select wire contract. Update and
// SoftDelete report rows affected so a version-guarded write that matched
// nothing surfaces as a conflict, not an error. Deletes are always soft.
type RemoteStore interface {
	Upsert(ctx context.Context, table string, row RemoteRow) error
	Update(ctx context.Context, table string, row RemoteRow, expectVersion *int64) (int64, error)
	Select(ctx context.Context, table, id, userID string) (*RemoteRow, error)
	SoftDelete(ctx context.Context, table, id, userID string, deletedAt time.Time, expectVersion *int64) (int64, error)
}

// ChangeEvent is one push notification from the remote store's change feed.
type ChangeEvent struct {
	Event string    `json:"event"`
	Table string    `json:"table"`
	Row   RemoteRow `json:"row"`
}

// ChangeFeed delivers remote change notifications for one principal.
type ChangeFeed interface {
	Start(ctx context.Context) error
	Changes() <-chan ChangeEvent
	Close() error
}

// Message is the cross-tab wire schema. Data is already materialized to
// plain JSON; no live references cross the bus.
type Message struct {
	Type      string          `json:"type"`
	SenderID  string          `json:"sender_id"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// MessageHandler reacts to one inbound bus message.
type MessageHandler func(msg Message)

// Bus is the same-origin cross-tab broadcast channel. Delivery is
// best-effort; a bus never delivers a tab's own messages back to it.
type Bus interface {
	SenderID() string
	Broadcast(ctx context.Context, msgType string, data any) error
	OnMessage(msgType string, handler MessageHandler)
	Close() error
}

// EntityCache is the read-through cache the ingest bridge invalidates.
type EntityCache interface {
	Get(ctx context.Context, entity models.EntityType, id string) (*RemoteRow, error)
	Set(ctx context.Context, entity models.EntityType, row RemoteRow) error
	Invalidate(ctx context.Context, entity models.EntityType, id string) error
}
