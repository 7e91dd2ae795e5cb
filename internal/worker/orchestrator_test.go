package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"focusdeck/internal/config"
	"focusdeck/internal/domain"
	"focusdeck/internal/models"
	"focusdeck/internal/repository"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRemote is an in-memory RemoteStore with optimistic version guards and
// per-call error injection.
type fakeRemote struct {
	mu      sync.Mutex
	rows    map[string]domain.RemoteRow
	failAll error
	upserts int
	updates int
	deletes int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{rows: make(map[string]domain.RemoteRow)}
}

func (f *fakeRemote) key(table, id string) string { return table + "/" + id }

func (f *fakeRemote) seed(table string, row domain.RemoteRow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[f.key(table, row.ID)] = row
}

func (f *fakeRemote) get(table, id string) (domain.RemoteRow, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[f.key(table, id)]
	return row, ok
}

func (f *fakeRemote) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failAll
}

func (f *fakeRemote) Upsert(ctx context.Context, table string, row domain.RemoteRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	if f.failAll != nil {
		return f.failAll
	}
	if existing, ok := f.rows[f.key(table, row.ID)]; ok {
		row.Version = existing.Version + 1
		row.Payload = existing.Payload.Merge(row.Payload)
	}
	f.rows[f.key(table, row.ID)] = row
	return nil
}

func (f *fakeRemote) Update(ctx context.Context, table string, row domain.RemoteRow, expectVersion *int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	if f.failAll != nil {
		return 0, f.failAll
	}
	existing, ok := f.rows[f.key(table, row.ID)]
	if !ok || existing.IsDeleted {
		return 0, nil
	}
	if expectVersion != nil && existing.Version != *expectVersion {
		return 0, nil
	}
	existing.Payload = existing.Payload.Merge(row.Payload)
	existing.Version++
	existing.UpdatedAt = row.UpdatedAt
	f.rows[f.key(table, row.ID)] = existing
	return 1, nil
}

func (f *fakeRemote) Select(ctx context.Context, table, id, userID string) (*domain.RemoteRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	row, ok := f.rows[f.key(table, id)]
	if !ok {
		return nil, nil
	}
	out := row
	return &out, nil
}

func (f *fakeRemote) SoftDelete(ctx context.Context, table, id, userID string, deletedAt time.Time, expectVersion *int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	if f.failAll != nil {
		return 0, f.failAll
	}
	existing, ok := f.rows[f.key(table, id)]
	if !ok || existing.IsDeleted {
		return 0, nil
	}
	if expectVersion != nil && existing.Version != *expectVersion {
		return 0, nil
	}
	existing.IsDeleted = true
	existing.DeletedAt = &deletedAt
	existing.Version++
	f.rows[f.key(table, id)] = existing
	return 1, nil
}

// recordBus captures broadcasts without delivering anything.
type recordBus struct {
	mu       sync.Mutex
	messages []domain.Message
}

func (b *recordBus) SenderID() string { return "test-tab" }

func (b *recordBus) Broadcast(ctx context.Context, msgType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, domain.Message{Type: msgType, SenderID: "test-tab", Data: raw})
	return nil
}

func (b *recordBus) OnMessage(msgType string, handler domain.MessageHandler) {}
func (b *recordBus) Close() error                                           { return nil }

func (b *recordBus) typesSeen() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, m := range b.messages {
		out = append(out, m.Type)
	}
	return out
}

func newTestOrchestrator(t *testing.T, remote domain.RemoteStore) (*Orchestrator, *repository.MemoryStore, *recordBus) {
	t.Helper()
	store := repository.NewMemoryStore()
	bus := &recordBus{}
	cache := repository.NewMemoryEntityCache(time.Minute)
	o := NewOrchestrator(store, remote, bus, cache,
		RetryPolicy{MaxRetries: 3, InitialDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 2},
		config.SyncConfig{DrainInterval: time.Hour, BatchSize: 50},
		nil,
	)
	return o, store, bus
}

func enqueue(t *testing.T, o *Orchestrator, kind models.OpType, entityID string, payload models.Fields, baseVersion *int64) *models.WriteOperation {
	t.Helper()
	stored, err := o.Enqueue(context.Background(), models.NewOperation{
		EntityType:  models.EntityTask,
		Op:          kind,
		EntityID:    entityID,
		Payload:     payload,
		BaseVersion: baseVersion,
		UserID:      "u1",
	})
	require.NoError(t, err)
	return stored
}

func TestEnqueueRejectsMalformedInput(t *testing.T) {
	o, store, _ := newTestOrchestrator(t, newFakeRemote())

	_, err := o.Enqueue(context.Background(), models.NewOperation{
		EntityType: models.EntityTask,
		Op:         models.OpUpdate,
		EntityID:   "t1",
		Payload:    models.Fields{"nonexistent_field": 1},
		UserID:     "u1",
	})
	require.Error(t, err)

	stats, err := store.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending, "rejected input never reaches the queue")
}

func TestDrainSkipsWhileOffline(t *testing.T) {
	remote := newFakeRemote()
	o, _, _ := newTestOrchestrator(t, remote)

	enqueue(t, o, models.OpCreate, "t1", models.Fields{"title": "offline write"}, nil)

	require.NoError(t, o.Drain(context.Background()))

	assert.Equal(t, 0, remote.upserts, "remote untouched while offline")
	snap := o.Snapshot()
	assert.Equal(t, models.SyncOffline, snap.Status)
	assert.Equal(t, 1, snap.PendingCount)
	assert.False(t, snap.IsOnline)
}

func TestDrainCoalescesOfflineBurst(t *testing.T) {
	remote := newFakeRemote()
	o, store, bus := newTestOrchestrator(t, remote)

	// A burst of edits to the same task while offline, plus one create of
	// another entity.
	enqueue(t, o, models.OpCreate, "t1", models.Fields{"title": "first"}, nil)
	enqueue(t, o, models.OpUpdate, "t1", models.Fields{"title": "second"}, nil)
	enqueue(t, o, models.OpUpdate, "t1", models.Fields{"notes": "details"}, nil)
	enqueue(t, o, models.OpCreate, "t2", models.Fields{"title": "other"}, nil)

	o.SetOnline(true)
	require.NoError(t, o.Drain(context.Background()))

	assert.Equal(t, 2, remote.upserts, "one coalesced create per entity")
	row, ok := remote.get("tasks", "t1")
	require.True(t, ok)
	assert.Equal(t, "second", row.Payload["title"])
	assert.Equal(t, "details", row.Payload["notes"])

	stats, err := store.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 0, stats.Failed)

	snap := o.Snapshot()
	assert.Equal(t, models.SyncSynced, snap.Status)
	require.NotNil(t, snap.LastSyncAt)
	assert.Contains(t, bus.typesSeen(), MsgCacheInvalidate)
}

func TestDrainDeleteDominatesGroup(t *testing.T) {
	remote := newFakeRemote()
	remote.seed("tasks", domain.RemoteRow{ID: "t1", UserID: "u1", Version: 1, Payload: models.Fields{"title": "old"}})
	o, _, _ := newTestOrchestrator(t, remote)

	v := int64(1)
	enqueue(t, o, models.OpUpdate, "t1", models.Fields{"title": "edited"}, &v)
	enqueue(t, o, models.OpDelete, "t1", nil, &v)

	o.SetOnline(true)
	require.NoError(t, o.Drain(context.Background()))

	assert.Equal(t, 0, remote.updates, "absorbed update never dispatched")
	row, ok := remote.get("tasks", "t1")
	require.True(t, ok)
	assert.True(t, row.IsDeleted)
	assert.NotNil(t, row.DeletedAt)
}

func TestConflictRemoteWins(t *testing.T) {
	remote := newFakeRemote()
	remoteTS := time.Now().Add(time.Hour)
	remote.seed("tasks", domain.RemoteRow{
		ID: "t1", UserID: "u1", Version: 5, UpdatedAt: remoteTS,
		Payload: models.Fields{"title": "newer elsewhere"},
	})
	o, store, bus := newTestOrchestrator(t, remote)

	stale := int64(1)
	localTS := time.Now().Add(-time.Hour).Format(time.RFC3339)
	enqueue(t, o, models.OpUpdate, "t1", models.Fields{"title": "stale edit", "updated_at": localTS}, &stale)

	o.SetOnline(true)
	require.NoError(t, o.Drain(context.Background()))

	row, _ := remote.get("tasks", "t1")
	assert.Equal(t, "newer elsewhere", row.Payload["title"], "superseded local write discarded")
	assert.Equal(t, int64(5), row.Version)

	stats, err := store.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Failed, "a resolved conflict is never a queue failure")
	assert.Equal(t, 0, stats.Conflict)

	assert.Contains(t, bus.typesSeen(), MsgEntityChanged, "other tabs adopt the remote row")
	assert.Equal(t, models.SyncSynced, o.Snapshot().Status)
}

func TestConflictLocalWins(t *testing.T) {
	remote := newFakeRemote()
	remote.seed("tasks", domain.RemoteRow{
		ID: "t1", UserID: "u1", Version: 5, UpdatedAt: time.Now().Add(-time.Hour),
		Payload: models.Fields{"title": "older elsewhere"},
	})
	o, _, _ := newTestOrchestrator(t, remote)

	stale := int64(1)
	localTS := time.Now().Format(time.RFC3339)
	enqueue(t, o, models.OpUpdate, "t1", models.Fields{"title": "fresh edit", "updated_at": localTS}, &stale)

	o.SetOnline(true)
	require.NoError(t, o.Drain(context.Background()))

	row, _ := remote.get("tasks", "t1")
	assert.Equal(t, "fresh edit", row.Payload["title"], "newer local write force-applied")
	assert.Equal(t, int64(6), row.Version)
	assert.Equal(t, models.SyncSynced, o.Snapshot().Status)
}

func TestConflictEntityDeletedRemotely(t *testing.T) {
	remote := newFakeRemote()
	deletedAt := time.Now()
	remote.seed("tasks", domain.RemoteRow{
		ID: "t1", UserID: "u1", Version: 3, IsDeleted: true, DeletedAt: &deletedAt,
	})
	o, store, _ := newTestOrchestrator(t, remote)

	v := int64(1)
	enqueue(t, o, models.OpUpdate, "t1", models.Fields{"title": "edit of a ghost"}, &v)

	o.SetOnline(true)
	require.NoError(t, o.Drain(context.Background()))

	stats, err := store.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, models.SyncSynced, o.Snapshot().Status, "update of a deleted entity is a successful no-op")
}

func TestCreateIsIdempotent(t *testing.T) {
	remote := newFakeRemote()
	remote.seed("tasks", domain.RemoteRow{
		ID: "t1", UserID: "u1", Version: 1, Payload: models.Fields{"title": "already saved"},
	})
	o, _, _ := newTestOrchestrator(t, remote)

	enqueue(t, o, models.OpCreate, "t1", models.Fields{"title": "queued create"}, nil)

	o.SetOnline(true)
	require.NoError(t, o.Drain(context.Background()))

	remote.mu.Lock()
	rowCount := len(remote.rows)
	remote.mu.Unlock()
	assert.Equal(t, 1, rowCount, "re-executed create must not duplicate the row")
	assert.Equal(t, models.SyncSynced, o.Snapshot().Status)
}

func TestTransientFailureBacksOff(t *testing.T) {
	remote := newFakeRemote()
	remote.failAll = fmt.Errorf("dial tcp: connection refused")
	o, store, _ := newTestOrchestrator(t, remote)

	enqueue(t, o, models.OpCreate, "t1", models.Fields{"title": "x"}, nil)

	o.SetOnline(true)
	require.NoError(t, o.Drain(context.Background()))

	failed, err := store.GetFailedOperations(context.Background())
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].RetryCount)
	require.NotNil(t, failed[0].NextRetryAt)
	assert.True(t, failed[0].NextRetryAt.After(time.Now()), "gated until the backoff elapses")
	require.NotNil(t, failed[0].LastError)
	assert.Contains(t, *failed[0].LastError, "connection refused")
	assert.Equal(t, models.SyncError, o.Snapshot().Status)

	// A second pass must not re-attempt before the gate opens.
	require.NoError(t, o.Drain(context.Background()))
	assert.Equal(t, 1, remote.upserts+remote.updates, "only the attempt inside the first pass")
}

func TestRetryCeilingParksAfterMaxAttempts(t *testing.T) {
	remote := newFakeRemote()
	remote.failAll = fmt.Errorf("dial tcp: connection refused")
	store := repository.NewMemoryStore()
	o := NewOrchestrator(store, remote, &recordBus{}, repository.NewMemoryEntityCache(time.Minute),
		RetryPolicy{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 2},
		config.SyncConfig{DrainInterval: time.Hour, BatchSize: 50},
		nil,
	)

	enqueue(t, o, models.OpCreate, "t1", models.Fields{"title": "x"}, nil)
	o.SetOnline(true)
	require.NoError(t, o.Drain(context.Background()))

	// The single allowed attempt was just spent, so the row is parked
	// rather than gated for another automatic pass.
	failed, err := store.GetFailedOperations(context.Background())
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.NotNil(t, failed[0].NextRetryAt)
	assert.True(t, failed[0].NextRetryAt.After(time.Now().Add(300*24*time.Hour)),
		"parked until a manual retry clears it")

	require.NoError(t, o.Drain(context.Background()))
	assert.Equal(t, 1, remote.upserts, "no attempt beyond the ceiling")
}

func TestPermanentFailureParks(t *testing.T) {
	remote := newFakeRemote()
	remote.failAll = &pq.Error{Code: "23505", Message: "duplicate key"}
	o, store, _ := newTestOrchestrator(t, remote)

	enqueue(t, o, models.OpCreate, "t1", models.Fields{"title": "x"}, nil)

	o.SetOnline(true)
	require.NoError(t, o.Drain(context.Background()))

	failed, err := store.GetFailedOperations(context.Background())
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.NotNil(t, failed[0].NextRetryAt)
	assert.True(t, failed[0].NextRetryAt.After(time.Now().Add(300*24*time.Hour)),
		"parked far beyond any automatic retry horizon")

	// Manual retry resets the gate; with the fault cleared the row drains.
	remote.failAll = nil
	n, err := o.RetryFailed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, o.Drain(context.Background()))

	stats, err := store.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, models.SyncSynced, o.Snapshot().Status)
}

func TestClearFailedAbandonsOperations(t *testing.T) {
	remote := newFakeRemote()
	remote.failAll = &pq.Error{Code: "23505"}
	o, store, _ := newTestOrchestrator(t, remote)

	enqueue(t, o, models.OpCreate, "t1", models.Fields{"title": "x"}, nil)
	o.SetOnline(true)
	require.NoError(t, o.Drain(context.Background()))

	n, err := o.ClearFailed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats, err := store.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, models.SyncSynced, o.Snapshot().Status)
}

func TestSnapshotObserverNotified(t *testing.T) {
	remote := newFakeRemote()
	o, _, _ := newTestOrchestrator(t, remote)

	var mu sync.Mutex
	var statuses []models.SyncStatus
	o.OnChange(func(snap models.SyncSnapshot) {
		mu.Lock()
		statuses = append(statuses, snap.Status)
		mu.Unlock()
	})

	enqueue(t, o, models.OpCreate, "t1", models.Fields{"title": "x"}, nil)
	o.SetOnline(true)
	require.NoError(t, o.Drain(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, statuses)
	assert.Contains(t, statuses, models.SyncSyncing)
	assert.Equal(t, models.SyncSynced, statuses[len(statuses)-1])
}

func TestLedgerPopulatedBeforeWrite(t *testing.T) {
	remote := newFakeRemote()
	o, _, _ := newTestOrchestrator(t, remote)

	enqueue(t, o, models.OpCreate, "t1", models.Fields{"title": "x"}, nil)
	o.SetOnline(true)
	require.NoError(t, o.Drain(context.Background()))

	assert.True(t, o.Ledger().Contains(models.EntityTask, "t1"),
		"own write recorded for realtime echo suppression")
}

func TestStartRecoversAndStops(t *testing.T) {
	remote := newFakeRemote()
	store := repository.NewMemoryStore()
	o := NewOrchestrator(store, remote, nil, nil,
		RetryPolicy{}, config.SyncConfig{DrainInterval: time.Hour}, nil)

	// Simulate a crash mid-dispatch: a row left in syncing.
	stored, err := store.Enqueue(context.Background(), models.NewOperation{
		EntityType: models.EntityTask, Op: models.OpCreate, EntityID: "t1",
		Payload: models.Fields{"title": "x"}, UserID: "u1",
	})
	require.NoError(t, err)
	require.NoError(t, store.MarkSyncing(context.Background(), stored.ID))

	o.Start(context.Background())
	defer o.Stop()

	ops, err := store.GetPendingOperations(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, models.StatusPending, ops[0].Status)
}
