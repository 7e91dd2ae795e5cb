package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"focusdeck/internal/domain"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// Feed streams change notifications from the postgres triggers into
// domain.ChangeEvents, filtered to one principal. Events for other users
// never leave this package.
type Feed struct {
	dsn    string
	userID string
	log    zerolog.Logger

	listener *pq.Listener
	events   chan domain.ChangeEvent
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once
}

// NewFeed builds a change feed for one user. Call Start to begin listening.
func NewFeed(dsn, userID string, logger *zerolog.Logger) *Feed {
	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "changefeed").Logger()
	}
	return &Feed{
		dsn:    dsn,
		userID: userID,
		log:    log,
		events: make(chan domain.ChangeEvent, 64),
	}
}

// Start connects the listener and launches the pump goroutine. The feed
// reconnects on its own; consumers only ever read Changes().
func (f *Feed) Start(ctx context.Context) error {
	f.listener = pq.NewListener(f.dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			f.log.Error().Err(err).Int("event", int(ev)).Msg("listener event")
		}
	})
	if err := f.listener.Listen(NotifyChannel); err != nil {
		f.listener.Close()
		return fmt.Errorf("listen on %s: %w", NotifyChannel, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	f.wg.Add(1)
	go f.pump(runCtx)

	f.log.Info().Str("channel", NotifyChannel).Msg("change feed started")
	return nil
}

// Changes delivers remote change events. Closed when the feed stops.
func (f *Feed) Changes() <-chan domain.ChangeEvent {
	return f.events
}

// Close stops the listener and closes the event channel.
func (f *Feed) Close() error {
	var err error
	f.once.Do(func() {
		if f.cancel != nil {
			f.cancel()
		}
		if f.listener != nil {
			err = f.listener.Close()
		}
		f.wg.Wait()
		close(f.events)
	})
	return err
}

func (f *Feed) pump(ctx context.Context) {
	defer f.wg.Done()

	// Periodic ping detects silently dropped connections; pq.Listener then
	// reconnects and re-subscribes on its own.
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			go func() {
				if err := f.listener.Ping(); err != nil {
					f.log.Warn().Err(err).Msg("listener ping failed")
				}
			}()
		case n, ok := <-f.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// nil notification signals a reconnect; changes may
				// have been missed while disconnected.
				f.log.Warn().Msg("listener reconnected, events may have been dropped")
				continue
			}
			f.dispatch(n.Extra)
		}
	}
}

// notification mirrors the JSON built by the focusdeck_notify_change trigger.
type notification struct {
	Event string          `json:"event"`
	Table string          `json:"table"`
	Row   json.RawMessage `json:"row"`
}

func (f *Feed) dispatch(raw string) {
	var note notification
	if err := json.Unmarshal([]byte(raw), &note); err != nil {
		f.log.Error().Err(err).Msg("decode notification")
		return
	}

	var row domain.RemoteRow
	if err := json.Unmarshal(note.Row, &row); err != nil {
		f.log.Error().Err(err).Str("table", note.Table).Msg("decode notification row")
		return
	}
	if row.UserID != f.userID {
		return
	}

	event := domain.ChangeEvent{Event: note.Event, Table: note.Table, Row: row}
	select {
	case f.events <- event:
	default:
		// Consumer stalled; dropping is safe because the bridge treats the
		// feed as best-effort and the drain loop reconciles eventually.
		f.log.Warn().Str("table", note.Table).Str("id", row.ID).Msg("change feed buffer full, dropping event")
	}
}
