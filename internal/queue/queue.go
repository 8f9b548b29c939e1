package queue

import (
	"context"
	"sync"
	"time"
)

// Batch is what the Dispatcher's processing function receives after burst
// merge: one or more queued messages collapsed into a single unit.
type Batch struct {
	ChannelID string
	UserID    string
	Platform  string
	Text      string
	Images    []string
	RawOrigin string
}

// ProcessFunc is supplied by the Dispatcher. Errors it returns are logged,
// never propagated — per spec.md 4.C the drain loop must not stop on a
// single failed message.
type ProcessFunc func(ctx context.Context, batch Batch)

// RejectFunc is invoked with the message that could not be enqueued
// (depth exceeded, or rate-limited) — backpressure is always signaled,
// never a silent drop.
type RejectFunc func(msg Message, reason string)

type channelState struct {
	mu         sync.Mutex
	pending    []Message
	processing bool
}

// Queue is the MessageQueue: one FIFO + burst-merge + rate-limit pipeline
// per channelId.
type Queue struct {
	cfg     Config
	limiter *slidingLimiter
	process ProcessFunc
	reject  RejectFunc

	mu       sync.Mutex
	channels map[string]*channelState
}

func New(cfg Config, process ProcessFunc, reject RejectFunc) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{
		cfg:      cfg,
		limiter:  newSlidingLimiter(cfg.RateLimitCount, cfg.RateLimitEvery),
		process:  process,
		reject:   reject,
		channels: make(map[string]*channelState),
	}
}

func (q *Queue) stateFor(channelID string) *channelState {
	q.mu.Lock()
	defer q.mu.Unlock()
	cs, ok := q.channels[channelID]
	if !ok {
		cs = &channelState{}
		q.channels[channelID] = cs
	}
	return cs
}

// Enqueue appends msg to its channel's queue, applying backpressure (depth
// cap) and, for non-synthetic messages, the sliding-window rate limit.
// Returns true if accepted.
func (q *Queue) Enqueue(ctx context.Context, msg Message) bool {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}

	if msg.RawOrigin == "" && !q.limiter.Allow(msg.UserID, msg.ReceivedAt) {
		q.rejectMsg(msg, "rate_limited")
		return false
	}

	cs := q.stateFor(msg.ChannelID)
	cs.mu.Lock()
	if len(cs.pending) >= q.cfg.MaxDepth {
		cs.mu.Unlock()
		q.rejectMsg(msg, "queue_depth_exceeded")
		return false
	}
	cs.pending = append(cs.pending, msg)
	shouldStart := !cs.processing
	if shouldStart {
		cs.processing = true
	}
	cs.mu.Unlock()

	if shouldStart {
		go q.drain(ctx, msg.ChannelID, cs)
	}
	return true
}

func (q *Queue) rejectMsg(msg Message, reason string) {
	if q.reject != nil {
		q.reject(msg, reason)
	}
}

// drain runs until the channel's pending list is empty, merging bursts and
// invoking the process function once per batch. Processing errors never
// escape this loop: ProcessFunc has no error return, and a panic inside it
// is recovered and logged so one bad message cannot wedge the channel.
func (q *Queue) drain(ctx context.Context, channelID string, cs *channelState) {
	for {
		cs.mu.Lock()
		if len(cs.pending) == 0 {
			cs.processing = false
			cs.mu.Unlock()
			return
		}
		batchHead := cs.pending[0]
		cutoff := batchHead.ReceivedAt.Add(q.cfg.MergeWindow)
		n := 1
		for n < len(cs.pending) && !cs.pending[n].ReceivedAt.After(cutoff) {
			n++
		}
		batchMsgs := append([]Message(nil), cs.pending[:n]...)
		cs.pending = cs.pending[n:]
		cs.mu.Unlock()

		q.processOne(ctx, channelID, batchMsgs)
	}
}

func (q *Queue) processOne(ctx context.Context, channelID string, msgs []Message) {
	defer func() {
		if r := recover(); r != nil {
			q.cfg.Logger.Error("queue: processing panic", "channel_id", channelID, "panic", r)
		}
	}()

	batch := mergeBatch(msgs)
	if q.process != nil {
		q.process(ctx, batch)
	}
}

// mergeBatch joins text fields with newlines; metadata and the first
// entry's images are kept, later entries' images are dropped, per spec.md
// 4.C.
func mergeBatch(msgs []Message) Batch {
	head := msgs[0]
	b := Batch{
		ChannelID: head.ChannelID,
		UserID:    head.UserID,
		Platform:  head.Platform,
		Images:    head.Images,
		RawOrigin: head.RawOrigin,
	}
	texts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Text != "" {
			texts = append(texts, m.Text)
		}
	}
	b.Text = joinLines(texts)
	return b
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	out := lines[0]
	for _, l := range lines[1:] {
		out += "\n" + l
	}
	return out
}

// QueueDepth reports how many messages are currently pending for channelID.
func (q *Queue) QueueDepth(channelID string) int {
	cs := q.stateFor(channelID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.pending)
}

// IsProcessing reports whether channelID's drain loop is currently active.
func (q *Queue) IsProcessing(channelID string) bool {
	cs := q.stateFor(channelID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.processing
}
