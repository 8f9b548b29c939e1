package queue

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestEnqueueMergesBurstWithinWindow(t *testing.T) {
	var mu sync.Mutex
	var batches []Batch
	done := make(chan struct{}, 1)

	q := New(Config{MergeWindow: 50 * time.Millisecond}, func(ctx context.Context, b Batch) {
		mu.Lock()
		batches = append(batches, b)
		mu.Unlock()
		done <- struct{}{}
	}, nil)

	base := time.Now()
	q.Enqueue(context.Background(), Message{ChannelID: "c1", UserID: "u1", Text: "hello", ReceivedAt: base})
	q.Enqueue(context.Background(), Message{ChannelID: "c1", UserID: "u1", Text: "world", ReceivedAt: base.Add(10 * time.Millisecond)})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for batch")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 1 {
		t.Fatalf("expected 1 merged batch, got %d", len(batches))
	}
	if batches[0].Text != "hello\nworld" {
		t.Fatalf("expected merged text, got %q", batches[0].Text)
	}
}

func TestEnqueueRejectsBeyondDepth(t *testing.T) {
	var mu sync.Mutex
	var rejected []string
	block := make(chan struct{})

	q := New(Config{MaxDepth: 2}, func(ctx context.Context, b Batch) {
		<-block
	}, func(msg Message, reason string) {
		mu.Lock()
		rejected = append(rejected, reason)
		mu.Unlock()
	})

	// First message starts processing immediately and blocks on `block`.
	q.Enqueue(context.Background(), Message{ChannelID: "c1", UserID: "u1", Text: "1"})
	time.Sleep(10 * time.Millisecond)
	// Next two fill the pending queue up to MaxDepth.
	q.Enqueue(context.Background(), Message{ChannelID: "c1", UserID: "u2", Text: "2"})
	q.Enqueue(context.Background(), Message{ChannelID: "c1", UserID: "u3", Text: "3"})
	// This one should be rejected: depth already at MaxDepth.
	q.Enqueue(context.Background(), Message{ChannelID: "c1", UserID: "u4", Text: "4"})

	close(block)

	mu.Lock()
	defer mu.Unlock()
	if len(rejected) != 1 || rejected[0] != "queue_depth_exceeded" {
		t.Fatalf("expected one queue_depth_exceeded rejection, got %+v", rejected)
	}
}

func TestRateLimitBypassForSyntheticMessages(t *testing.T) {
	q := New(Config{RateLimitCount: 1, RateLimitEvery: time.Minute}, func(ctx context.Context, b Batch) {}, nil)

	now := time.Now()
	if !q.Enqueue(context.Background(), Message{ChannelID: "c1", UserID: "u1", Text: "a", ReceivedAt: now}) {
		t.Fatal("expected first message accepted")
	}
	if q.Enqueue(context.Background(), Message{ChannelID: "c1", UserID: "u1", Text: "b", ReceivedAt: now}) {
		t.Fatal("expected second real message to be rate-limited")
	}
	if !q.Enqueue(context.Background(), Message{ChannelID: "c1", UserID: "u1", Text: "c", ReceivedAt: now, RawOrigin: "scheduler"}) {
		t.Fatal("expected synthetic message to bypass rate limit")
	}
}

func TestSlidingLimiterEvictsOldEvents(t *testing.T) {
	l := newSlidingLimiter(1, time.Minute)
	start := time.Now()
	if !l.Allow("u1", start) {
		t.Fatal("expected first event allowed")
	}
	if l.Allow("u1", start.Add(30*time.Second)) {
		t.Fatal("expected second event within window to be denied")
	}
	if !l.Allow("u1", start.Add(61*time.Second)) {
		t.Fatal("expected event after window to be allowed")
	}
}

func TestQueueDepthAndIsProcessing(t *testing.T) {
	block := make(chan struct{})
	q := New(Config{}, func(ctx context.Context, b Batch) {
		<-block
	}, nil)

	q.Enqueue(context.Background(), Message{ChannelID: "c1", UserID: "u1", Text: "x"})
	time.Sleep(10 * time.Millisecond)

	if !q.IsProcessing("c1") {
		t.Fatal("expected channel to be processing")
	}
	close(block)
	time.Sleep(10 * time.Millisecond)
	if q.IsProcessing("c1") {
		t.Fatal("expected processing to finish")
	}
	if q.QueueDepth("c1") != 0 {
		t.Fatal("expected empty queue after drain")
	}
}
