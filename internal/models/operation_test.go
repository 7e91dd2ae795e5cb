package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOperationValidate(t *testing.T) {
	valid := NewOperation{
		EntityType: EntityTask,
		Op:         OpCreate,
		EntityID:   "t1",
		Payload:    Fields{"title": "Buy milk"},
		UserID:     "u1",
	}
	require.NoError(t, valid.Validate())

	t.Run("UnknownEntity", func(t *testing.T) {
		op := valid
		op.EntityType = "note"
		assert.Error(t, op.Validate())
	})

	t.Run("UnknownField", func(t *testing.T) {
		op := valid
		op.Payload = Fields{"priority": 3}
		assert.Error(t, op.Validate())
	})

	t.Run("MissingEntityID", func(t *testing.T) {
		op := valid
		op.EntityID = ""
		assert.Error(t, op.Validate())
	})

	t.Run("MissingUser", func(t *testing.T) {
		op := valid
		op.UserID = ""
		assert.Error(t, op.Validate())
	})

	t.Run("DeleteNeedsNoPayload", func(t *testing.T) {
		op := valid
		op.Op = OpDelete
		op.Payload = nil
		assert.NoError(t, op.Validate())
	})

	t.Run("EmptyUpdatePayload", func(t *testing.T) {
		op := valid
		op.Op = OpUpdate
		op.Payload = Fields{}
		assert.Error(t, op.Validate())
	})
}

func TestFieldsMerge(t *testing.T) {
	base := Fields{"title": "Buy milk", "position": 1}
	merged := base.Merge(Fields{"title": "Buy milk and eggs", "completed": true})

	assert.Equal(t, "Buy milk and eggs", merged["title"])
	assert.Equal(t, true, merged["completed"])
	// base untouched
	assert.Equal(t, "Buy milk", base["title"])
	_, has := base["completed"]
	assert.False(t, has)
}

func TestFieldsClone(t *testing.T) {
	orig := Fields{"notes": "a", "nested": map[string]any{"k": "v"}}
	clone := orig.Clone()
	clone["notes"] = "b"
	clone["nested"].(map[string]any)["k"] = "w"

	assert.Equal(t, "a", orig["notes"])
	assert.Equal(t, "v", orig["nested"].(map[string]any)["k"])
}

func TestFieldsUpdatedAt(t *testing.T) {
	stamp := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, stamp, Fields{"updated_at": stamp.Format(time.RFC3339Nano)}.UpdatedAt())
	assert.Equal(t, stamp, Fields{"updated_at": stamp}.UpdatedAt())
	assert.True(t, Fields{}.UpdatedAt().IsZero())
	assert.True(t, Fields{"updated_at": "not-a-time"}.UpdatedAt().IsZero())
}
