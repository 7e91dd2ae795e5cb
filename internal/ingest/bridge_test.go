package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"focusdeck/internal/broadcast"
	"focusdeck/internal/domain"
	"focusdeck/internal/models"
	"focusdeck/internal/repository"
	"focusdeck/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedFeed replays a fixed set of change events.
type scriptedFeed struct {
	events chan domain.ChangeEvent
	once   sync.Once
}

func newScriptedFeed(events ...domain.ChangeEvent) *scriptedFeed {
	ch := make(chan domain.ChangeEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	return &scriptedFeed{events: ch}
}

func (f *scriptedFeed) Start(ctx context.Context) error { return nil }

func (f *scriptedFeed) Changes() <-chan domain.ChangeEvent { return f.events }

func (f *scriptedFeed) Close() error {
	f.once.Do(func() { close(f.events) })
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestBridgeAppliesRemoteChanges(t *testing.T) {
	row := domain.RemoteRow{
		ID: "t1", UserID: "u1", Version: 2,
		UpdatedAt: time.Now(),
		Payload:   models.Fields{"title": "edited on another device"},
	}
	feed := newScriptedFeed(domain.ChangeEvent{Event: "update", Table: "tasks", Row: row})
	cache := repository.NewMemoryEntityCache(time.Minute)
	hub := broadcast.NewMemoryHub()
	bus := hub.NewBus()
	peer := hub.NewBus()

	var mu sync.Mutex
	var seen []domain.RemoteRow
	bridge := NewBridge(feed, worker.NewPendingLedger(time.Minute), cache, bus, nil)
	bridge.OnChange(func(entity models.EntityType, row domain.RemoteRow) {
		mu.Lock()
		seen = append(seen, row)
		mu.Unlock()
	})

	var peerMu sync.Mutex
	peerGot := 0
	peer.OnMessage(worker.MsgEntityChanged, func(msg domain.Message) {
		peerMu.Lock()
		peerGot++
		peerMu.Unlock()
	})

	require.NoError(t, bridge.Start(context.Background()))
	defer bridge.Stop()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	})

	mu.Lock()
	assert.Equal(t, "t1", seen[0].ID)
	mu.Unlock()

	cached, err := cache.Get(context.Background(), models.EntityTask, "t1")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, "edited on another device", cached.Payload["title"])

	waitFor(t, func() bool {
		peerMu.Lock()
		defer peerMu.Unlock()
		return peerGot == 1
	})
}

func TestBridgeSuppressesOwnEcho(t *testing.T) {
	ownRow := domain.RemoteRow{ID: "t1", UserID: "u1", Payload: models.Fields{"title": "mine"}}
	otherRow := domain.RemoteRow{ID: "t2", UserID: "u1", Payload: models.Fields{"title": "theirs"}}
	feed := newScriptedFeed(
		domain.ChangeEvent{Event: "update", Table: "tasks", Row: ownRow},
		domain.ChangeEvent{Event: "update", Table: "tasks", Row: otherRow},
	)

	ledger := worker.NewPendingLedger(time.Minute)
	ledger.Add(models.EntityTask, "t1")

	var mu sync.Mutex
	var seen []string
	bridge := NewBridge(feed, ledger, nil, nil, nil)
	bridge.OnChange(func(entity models.EntityType, row domain.RemoteRow) {
		mu.Lock()
		seen = append(seen, row.ID)
		mu.Unlock()
	})

	require.NoError(t, bridge.Start(context.Background()))
	defer bridge.Stop()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"t2"}, seen, "the echo of our own write never reaches the handler")
}

func TestBridgeDropsUnknownTables(t *testing.T) {
	feed := newScriptedFeed(
		domain.ChangeEvent{Event: "update", Table: "migrations", Row: domain.RemoteRow{ID: "x"}},
		domain.ChangeEvent{Event: "update", Table: "groups", Row: domain.RemoteRow{ID: "g1", Payload: models.Fields{}}},
	)

	var mu sync.Mutex
	var seen []models.EntityType
	bridge := NewBridge(feed, nil, nil, nil, nil)
	bridge.OnChange(func(entity models.EntityType, row domain.RemoteRow) {
		mu.Lock()
		seen = append(seen, entity)
		mu.Unlock()
	})

	require.NoError(t, bridge.Start(context.Background()))
	defer bridge.Stop()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []models.EntityType{models.EntityGroup}, seen)
}

func TestBridgeInvalidatesTombstones(t *testing.T) {
	deletedAt := time.Now()
	cache := repository.NewMemoryEntityCache(time.Minute)
	require.NoError(t, cache.Set(context.Background(), models.EntityTask,
		domain.RemoteRow{ID: "t1", Payload: models.Fields{"title": "alive"}}))

	feed := newScriptedFeed(domain.ChangeEvent{
		Event: "update", Table: "tasks",
		Row: domain.RemoteRow{ID: "t1", IsDeleted: true, DeletedAt: &deletedAt},
	})

	bridge := NewBridge(feed, nil, cache, nil, nil)
	require.NoError(t, bridge.Start(context.Background()))
	defer bridge.Stop()

	waitFor(t, func() bool {
		row, err := cache.Get(context.Background(), models.EntityTask, "t1")
		return err == nil && row == nil
	})
}
