package models

import "time"

// SyncStatus is the aggregate queue state shown to the UI.
type SyncStatus string

const (
	SyncSynced  SyncStatus = "synced"
	SyncPending SyncStatus = "pending"
	SyncSyncing SyncStatus = "syncing"
	SyncOffline SyncStatus = "offline"
	SyncError   SyncStatus = "error"
)

// QueueStats are the raw per-status counts read from the operation store.
type QueueStats struct {
	Pending   int `json:"pending"`
	Syncing   int `json:"syncing"`
	Failed    int `json:"failed"`
	Conflict  int `json:"conflict"`
	Completed int `json:"completed"`
}

// SyncSnapshot is derived state, recomputed from the store plus live network
// state after every drain. It is never the source of truth.
type SyncSnapshot struct {
	Status       SyncStatus       `json:"status"`
	PendingCount int              `json:"pending_count"`
	FailedCount  int              `json:"failed_count"`
	LastSyncAt   *time.Time       `json:"last_sync_at,omitempty"`
	LastError    string           `json:"last_error,omitempty"`
	IsOnline     bool             `json:"is_online"`
	Failed       []WriteOperation `json:"failed_operations,omitempty"`
}
