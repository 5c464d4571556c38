package bus

import (
	"context"
	"log/slog"
	"sync"
)

// MemBus is a channel-backed in-process implementation of MessageRouter and
// EventPublisher. Publishes drop with a warning when a queue is full rather
// than block a channel adapter.
type MemBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string]EventHandler
}

// NewMemBus builds a bus with the given queue depth per direction.
func NewMemBus(depth int) *MemBus {
	if depth <= 0 {
		depth = 256
	}
	return &MemBus{
		inbound:     make(chan InboundMessage, depth),
		outbound:    make(chan OutboundMessage, depth),
		subscribers: make(map[string]EventHandler),
	}
}

func (b *MemBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	default:
		slog.Warn("bus: inbound queue full, dropping message", "channel", msg.Channel, "chat", msg.ChatID)
	}
}

// ConsumeInbound blocks for the next inbound message. The bool is false when
// the context is cancelled.
func (b *MemBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

func (b *MemBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	default:
		slog.Warn("bus: outbound queue full, dropping message", "channel", msg.Channel, "chat", msg.ChatID)
	}
}

// SubscribeOutbound blocks for the next outbound message. The bool is false
// when the context is cancelled.
func (b *MemBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

func (b *MemBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[id] = handler
}

func (b *MemBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

func (b *MemBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subscribers))
	for _, h := range b.subscribers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(event)
	}
}
