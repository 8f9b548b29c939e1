package bus

import (
	"context"
	"testing"
	"time"
)

func TestPublishConsumeInbound(t *testing.T) {
	b := New()
	b.PublishInbound(InboundMessage{Channel: "telegram", Content: "hi"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := b.ConsumeInbound(ctx)
	if !ok || msg.Content != "hi" {
		t.Fatalf("expected to consume published message, got %+v ok=%v", msg, ok)
	}
}

func TestConsumeInboundRespectsContextCancellation(t *testing.T) {
	b := New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, ok := b.ConsumeInbound(ctx)
	if ok {
		t.Fatal("expected ConsumeInbound to time out on an empty bus")
	}
}

func TestPublishSubscribeOutbound(t *testing.T) {
	b := New()
	b.PublishOutbound(OutboundMessage{Channel: "telegram", ChatID: "c1", Content: "hello"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := b.SubscribeOutbound(ctx)
	if !ok || msg.Content != "hello" {
		t.Fatalf("expected to receive published reply, got %+v ok=%v", msg, ok)
	}
}

func TestBroadcastFansOutToAllSubscribers(t *testing.T) {
	b := New()
	var got1, got2 Event
	b.Subscribe("a", func(e Event) { got1 = e })
	b.Subscribe("b", func(e Event) { got2 = e })

	b.Broadcast(Event{Name: "health"})

	if got1.Name != "health" || got2.Name != "health" {
		t.Fatalf("expected both subscribers to receive the event, got %+v %+v", got1, got2)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	called := false
	b.Subscribe("a", func(e Event) { called = true })
	b.Unsubscribe("a")

	b.Broadcast(Event{Name: "health"})

	if called {
		t.Fatal("expected unsubscribed handler not to be called")
	}
}

func TestInboundQueueDropsWhenFull(t *testing.T) {
	b := New()
	for i := 0; i < queueDepth+10; i++ {
		b.PublishInbound(InboundMessage{Content: "x"})
	}
	if len(b.inbound) != queueDepth {
		t.Fatalf("expected queue to cap at %d, got %d", queueDepth, len(b.inbound))
	}
}
