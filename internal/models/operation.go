package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityType identifies which remote table an operation targets.
type EntityType string

const (
	EntityTask         EntityType = "task"
	EntityProject      EntityType = "project"
	EntityGroup        EntityType = "group"
	EntityTimerSession EntityType = "timer_session"
)

// OpType is the kind of mutation an operation carries.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// Operation statuses. A row never survives a restart in StatusSyncing;
// RecoverStaleSyncing resets it to pending before the first drain.
const (
	StatusPending   = "pending"
	StatusSyncing   = "syncing"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusConflict  = "conflict"
)

// Fields is a sparse field-name to value mapping. Updates carry only the
// changed fields; creates carry the full initial row.
type Fields map[string]any

// Clone deep-copies via JSON so queued payloads never share references with
// caller-owned values.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return Fields{}
	}
	var out Fields
	if err := json.Unmarshal(raw, &out); err != nil {
		return Fields{}
	}
	return out
}

// Merge returns a copy of f with overlay applied on top, later writes
// overriding earlier ones field by field.
func (f Fields) Merge(overlay Fields) Fields {
	out := f.Clone()
	if out == nil {
		out = Fields{}
	}
	for k, v := range overlay.Clone() {
		out[k] = v
	}
	return out
}

// WriteOperation is one durable row of the local write-ahead queue.
type WriteOperation struct {
	ID          int64      `json:"id"`
	EntityType  EntityType `json:"entity_type"`
	Op          OpType     `json:"operation"`
	EntityID    string     `json:"entity_id"`
	Payload     Fields     `json:"payload"`
	BaseVersion *int64     `json:"base_version,omitempty"`
	Status      string     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	LastError   *string    `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	UserID      string     `json:"user_id"`
}

// NewOperation is the enqueue input; the store assigns ID, status and
// timestamps.
type NewOperation struct {
	EntityType  EntityType
	Op          OpType
	EntityID    string
	Payload     Fields
	BaseVersion *int64
	UserID      string
}

// Validate rejects malformed enqueue input before it reaches the queue.
// Payload fields outside the entity's closed field set are a permanent error.
func (op NewOperation) Validate() error {
	switch op.Op {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("unknown operation type %q", op.Op)
	}
	if op.EntityID == "" {
		return fmt.Errorf("entity id is required")
	}
	if op.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	allowed, ok := entityFields[op.EntityType]
	if !ok {
		return fmt.Errorf("unknown entity type %q", op.EntityType)
	}
	if op.Op == OpDelete {
		return nil
	}
	if len(op.Payload) == 0 {
		return fmt.Errorf("%s payload is empty", op.Op)
	}
	for name := range op.Payload {
		if !allowed[name] {
			return fmt.Errorf("field %q is not valid for entity %q", name, op.EntityType)
		}
	}
	return nil
}

// entityFields enumerates the closed per-entity field sets. The remote tables
// carry the same columns inside their payload document.
var entityFields = map[EntityType]map[string]bool{
	EntityTask: {
		"title": true, "notes": true, "project_id": true, "status": true,
		"due_at": true, "position": true, "completed": true, "updated_at": true,
	},
	EntityProject: {
		"name": true, "color": true, "group_id": true, "archived": true,
		"position": true, "updated_at": true,
	},
	EntityGroup: {
		"name": true, "position": true, "updated_at": true,
	},
	EntityTimerSession: {
		"task_id": true, "started_at": true, "ends_at": true, "state": true,
		"remaining_seconds": true, "updated_at": true,
	},
}

// EntityTypes lists every syncable entity type, in remote table order.
func EntityTypes() []EntityType {
	return []EntityType{EntityTask, EntityProject, EntityGroup, EntityTimerSession}
}

// TableFor maps an entity type to its remote table name.
func TableFor(entity EntityType) string {
	switch entity {
	case EntityTask:
		return "tasks"
	case EntityProject:
		return "projects"
	case EntityGroup:
		return "groups"
	case EntityTimerSession:
		return "timer_sessions"
	default:
		return string(entity)
	}
}

// EntityFor maps a remote table name back to its entity type.
func EntityFor(table string) (EntityType, bool) {
	for _, entity := range EntityTypes() {
		if TableFor(entity) == table {
			return entity, true
		}
	}
	return "", false
}

// UpdatedAt extracts the payload's updated_at stamp for last-write-wins
// comparison. Zero time when absent or unparsable.
func (f Fields) UpdatedAt() time.Time {
	raw, ok := f["updated_at"]
	if !ok {
		return time.Time{}
	}
	switch v := raw.(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	return time.Time{}
}
