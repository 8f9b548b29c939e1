package bus

import (
	"context"
	"sync"
)

// queueDepth bounds the inbound/outbound channels so a stalled consumer
// cannot block a channel bridge's goroutine indefinitely; PublishInbound
// and PublishOutbound drop the new message rather than block past this.
const queueDepth = 256

// Bus is the in-process implementation of MessageRouter and
// EventPublisher: one pair of buffered channels carries inbound/outbound
// messages between channel bridges (telegram) and the Dispatcher, and a
// mutex-guarded subscriber map fans out Event broadcasts — the same
// shape as the teacher's cmd/gateway.go "msgBus.Subscribe(...)"/
// "msgBus.PublishInbound(...)" call sites, whose concrete type was not
// present in the retrieved source.
type Bus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu       sync.Mutex
	handlers map[string]EventHandler
}

func New() *Bus {
	return &Bus{
		inbound:  make(chan InboundMessage, queueDepth),
		outbound: make(chan OutboundMessage, queueDepth),
		handlers: make(map[string]EventHandler),
	}
}

// PublishInbound enqueues a message from a channel bridge for the
// Dispatcher to consume. Non-blocking: a full queue drops the message
// rather than stalling the bridge's read loop.
func (b *Bus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	default:
	}
}

// ConsumeInbound blocks until a message is available or ctx is done.
func (b *Bus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues a reply for whichever channel bridge
// subscribed to deliver it.
func (b *Bus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	default:
	}
}

// SubscribeOutbound blocks until a reply is available or ctx is done.
// Each call takes one message off the shared outbound queue; it does not
// filter on msg.Channel.
func (b *Bus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Subscribe registers a handler under id for every Broadcast event.
// Re-subscribing under the same id replaces the prior handler.
func (b *Bus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast fans event out to every subscriber synchronously. Handlers
// are expected to return quickly; a handler that blocks stalls the
// whole broadcast, matching the teacher's single-threaded event-fanout
// idiom in internal/gateway/server.go's BroadcastEvent.
func (b *Bus) Broadcast(event Event) {
	b.mu.Lock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}
