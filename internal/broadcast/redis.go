package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"focusdeck/internal/domain"
	"focusdeck/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBus fans messages out to every app instance subscribed to the shared
// channel. Redis delivers a publish back to its own subscriber too, so
// inbound messages carrying our own sender id are dropped before dispatch.
type RedisBus struct {
	client   *redis.Client
	channel  string
	senderID string
	log      zerolog.Logger

	pubsub *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu       sync.RWMutex
	handlers map[string][]domain.MessageHandler
}

// NewRedisBus subscribes to the broadcast channel and starts dispatching.
func NewRedisBus(ctx context.Context, client *redis.Client, logger *zerolog.Logger) (*RedisBus, error) {
	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "broadcast").Logger()
	}

	b := &RedisBus{
		client:   client,
		channel:  models.BroadcastChannel,
		senderID: uuid.NewString(),
		log:      log,
		handlers: make(map[string][]domain.MessageHandler),
	}

	b.pubsub = client.Subscribe(ctx, b.channel)
	// Wait for the subscription to be confirmed so no broadcast published
	// right after construction is missed.
	if _, err := b.pubsub.Receive(ctx); err != nil {
		b.pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", b.channel, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.wg.Add(1)
	go b.receive(runCtx)

	log.Debug().Str("sender_id", b.senderID).Str("channel", b.channel).Msg("bus subscribed")
	return b, nil
}

// SenderID returns this instance's stable identity on the bus.
func (b *RedisBus) SenderID() string {
	return b.senderID
}

// Broadcast publishes a typed message to every other instance.
func (b *RedisBus) Broadcast(ctx context.Context, msgType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	msg := domain.Message{
		Type:      msgType,
		SenderID:  b.senderID,
		Timestamp: time.Now().UnixMilli(),
		Data:      raw,
	}
	wire, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, wire).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", msgType, err)
	}
	return nil
}

// OnMessage registers a handler for one message type. Handlers run on the
// receive goroutine and must not block.
func (b *RedisBus) OnMessage(msgType string, handler domain.MessageHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[msgType] = append(b.handlers[msgType], handler)
}

// Close unsubscribes and stops the dispatch goroutine.
func (b *RedisBus) Close() error {
	var err error
	b.once.Do(func() {
		b.cancel()
		err = b.pubsub.Close()
		b.wg.Wait()
	})
	return err
}

func (b *RedisBus) receive(ctx context.Context) {
	defer b.wg.Done()
	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			b.dispatch(raw.Payload)
		}
	}
}

func (b *RedisBus) dispatch(payload string) {
	var msg domain.Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		b.log.Error().Err(err).Msg("decode bus message")
		return
	}
	if msg.SenderID == b.senderID {
		return
	}

	b.mu.RLock()
	handlers := append([]domain.MessageHandler(nil), b.handlers[msg.Type]...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(msg)
	}
}
