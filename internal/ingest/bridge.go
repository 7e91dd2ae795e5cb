package ingest

import (
	"context"
	"fmt"
	"sync"

	"focusdeck/internal/domain"
	"focusdeck/internal/models"
	"focusdeck/internal/worker"

	"github.com/rs/zerolog"
)

// ChangeHandler receives one authoritative remote row after echo filtering.
type ChangeHandler func(entity models.EntityType, row domain.RemoteRow)

// Bridge pumps the remote change feed into local state. Changes caused by
// this instance's own queued writes echo back through the feed within the
// ledger TTL and are dropped; everything else refreshes the cache, notifies
// the UI handler and fans out to sibling tabs over the bus.
type Bridge struct {
	feed   domain.ChangeFeed
	ledger *worker.PendingLedger
	cache  domain.EntityCache
	bus    domain.Bus
	log    zerolog.Logger

	onChange ChangeHandler
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewBridge(
	feed domain.ChangeFeed,
	ledger *worker.PendingLedger,
	cache domain.EntityCache,
	bus domain.Bus,
	logger *zerolog.Logger,
) *Bridge {
	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "ingest").Logger()
	}
	return &Bridge{feed: feed, ledger: ledger, cache: cache, bus: bus, log: log}
}

// OnChange registers the handler invoked for every accepted remote change.
func (b *Bridge) OnChange(fn ChangeHandler) {
	b.onChange = fn
}

// Start opens the feed and launches the pump.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.feed.Start(ctx); err != nil {
		return fmt.Errorf("start change feed: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.wg.Add(1)
	go b.pump(runCtx)
	return nil
}

// Stop closes the feed and waits for the pump to drain.
func (b *Bridge) Stop() error {
	if b.cancel != nil {
		b.cancel()
	}
	err := b.feed.Close()
	b.wg.Wait()
	return err
}

func (b *Bridge) pump(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-b.feed.Changes():
			if !ok {
				return
			}
			b.apply(ctx, event)
		}
	}
}

func (b *Bridge) apply(ctx context.Context, event domain.ChangeEvent) {
	entity, ok := models.EntityFor(event.Table)
	if !ok {
		b.log.Warn().Str("table", event.Table).Msg("change event for unknown table")
		return
	}

	if b.ledger != nil && b.ledger.Contains(entity, event.Row.ID) {
		b.log.Debug().
			Str("entity_type", string(entity)).
			Str("entity_id", event.Row.ID).
			Msg("suppressed echo of own write")
		return
	}

	if b.cache != nil {
		if event.Row.IsDeleted {
			if err := b.cache.Invalidate(ctx, entity, event.Row.ID); err != nil {
				b.log.Error().Err(err).Str("entity_id", event.Row.ID).Msg("invalidate cache")
			}
		} else if err := b.cache.Set(ctx, entity, event.Row); err != nil {
			b.log.Error().Err(err).Str("entity_id", event.Row.ID).Msg("cache remote row")
		}
	}

	if b.onChange != nil {
		b.onChange(entity, event.Row)
	}

	if b.bus != nil {
		err := b.bus.Broadcast(ctx, worker.MsgEntityChanged, map[string]any{
			"entity_type": entity,
			"row":         event.Row,
		})
		if err != nil {
			b.log.Error().Err(err).Msg("broadcast remote change")
		}
	}
}
