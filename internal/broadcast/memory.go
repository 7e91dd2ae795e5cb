package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"focusdeck/internal/domain"

	"github.com/google/uuid"
)

// MemoryHub connects in-process buses; the fallback when redis is not
// configured, and the harness for multi-instance tests.
type MemoryHub struct {
	mu    sync.RWMutex
	buses map[string]*MemoryBus
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{buses: make(map[string]*MemoryBus)}
}

// NewBus registers one participant on the hub.
func (h *MemoryHub) NewBus() *MemoryBus {
	b := &MemoryBus{
		hub:      h,
		senderID: uuid.NewString(),
		handlers: make(map[string][]domain.MessageHandler),
	}
	h.mu.Lock()
	h.buses[b.senderID] = b
	h.mu.Unlock()
	return b
}

func (h *MemoryHub) broadcast(msg domain.Message) {
	h.mu.RLock()
	peers := make([]*MemoryBus, 0, len(h.buses))
	for id, bus := range h.buses {
		if id == msg.SenderID {
			continue
		}
		peers = append(peers, bus)
	}
	h.mu.RUnlock()

	for _, peer := range peers {
		peer.deliver(msg)
	}
}

func (h *MemoryHub) remove(senderID string) {
	h.mu.Lock()
	delete(h.buses, senderID)
	h.mu.Unlock()
}

// MemoryBus is one hub participant implementing the same contract as the
// redis bus: typed messages, synchronous handlers, no self-delivery.
type MemoryBus struct {
	hub      *MemoryHub
	senderID string

	mu       sync.RWMutex
	closed   bool
	handlers map[string][]domain.MessageHandler
}

func (b *MemoryBus) SenderID() string {
	return b.senderID
}

func (b *MemoryBus) Broadcast(ctx context.Context, msgType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	b.hub.broadcast(domain.Message{
		Type:      msgType,
		SenderID:  b.senderID,
		Timestamp: time.Now().UnixMilli(),
		Data:      raw,
	})
	return nil
}

func (b *MemoryBus) OnMessage(msgType string, handler domain.MessageHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[msgType] = append(b.handlers[msgType], handler)
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.hub.remove(b.senderID)
	return nil
}

func (b *MemoryBus) deliver(msg domain.Message) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	handlers := append([]domain.MessageHandler(nil), b.handlers[msg.Type]...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(msg)
	}
}
