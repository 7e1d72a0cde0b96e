// Package queue serializes inbound messages per channel.
//
// Three behaviors matter to correctness:
//   - Serialization: at most one in-flight processMessage call per channel.
//   - Burst merge: rapid arrivals are collapsed into one batch bounded by a
//     fixed window anchored to the first entry of the batch.
//   - Backpressure: queue depth is capped; overflow and rate-limited arrivals
//     are handed to a rejection callback, never dropped silently.
package queue

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/valet/internal/bus"
)

// RejectReason classifies why an enqueue was refused.
type RejectReason string

const (
	RejectQueueFull   RejectReason = "queue_full"
	RejectRateLimited RejectReason = "rate_limited"
)

// ProcessFunc handles one merged batch. Errors are logged, never propagated;
// the drain loop must not stop on a single failed message.
type ProcessFunc func(ctx context.Context, msg bus.InboundMessage)

// RejectFunc is invoked for messages refused at the door.
type RejectFunc func(msg bus.InboundMessage, reason RejectReason)

// MessageQueue is a per-channel FIFO with burst merging and rate limiting.
type MessageQueue struct {
	mu       sync.Mutex
	channels map[string]*channelState

	process     ProcessFunc
	reject      RejectFunc
	limiter     *UserRateLimiter
	mergeWindow time.Duration
	maxDepth    int

	ctx context.Context
	wg  sync.WaitGroup
}

type channelState struct {
	entries    []bus.InboundMessage
	processing bool
}

// Options tunes queue behavior; zero values use the documented defaults.
type Options struct {
	MergeWindow time.Duration // default 5s
	MaxDepth    int           // default 10
	RateLimit   int           // messages per user per minute, default 10
}

// New creates a message queue. process receives merged batches; reject is
// called for refused messages (may be nil).
func New(ctx context.Context, process ProcessFunc, reject RejectFunc, opts Options) *MessageQueue {
	if opts.MergeWindow == 0 {
		opts.MergeWindow = 5 * time.Second
	}
	if opts.MaxDepth == 0 {
		opts.MaxDepth = 10
	}
	if opts.RateLimit == 0 {
		opts.RateLimit = 10
	}
	return &MessageQueue{
		channels:    make(map[string]*channelState),
		process:     process,
		reject:      reject,
		limiter:     NewUserRateLimiter(opts.RateLimit, time.Minute),
		mergeWindow: opts.MergeWindow,
		maxDepth:    opts.MaxDepth,
		ctx:         ctx,
	}
}

// Enqueue admits a message into its channel's queue and starts a drain task
// if one is not already running. Returns false if the message was rejected.
func (q *MessageQueue) Enqueue(msg bus.InboundMessage) bool {
	if msg.ArrivedAt.IsZero() {
		msg.ArrivedAt = time.Now()
	}

	// Internal messages (scheduler, worker triggers, approval replays)
	// bypass the rate limiter.
	if !msg.IsInternal() && !q.limiter.Allow(msg.UserID) {
		slog.Warn("queue: rate limited", "user", msg.UserID, "channel", msg.ChannelID)
		if q.reject != nil {
			q.reject(msg, RejectRateLimited)
		}
		return false
	}

	q.mu.Lock()
	cs, ok := q.channels[msg.ChannelID]
	if !ok {
		cs = &channelState{}
		q.channels[msg.ChannelID] = cs
	}

	if len(cs.entries) >= q.maxDepth {
		q.mu.Unlock()
		slog.Warn("queue: channel full", "channel", msg.ChannelID, "depth", q.maxDepth)
		if q.reject != nil {
			q.reject(msg, RejectQueueFull)
		}
		return false
	}

	cs.entries = append(cs.entries, msg)
	startDrain := !cs.processing
	if startDrain {
		cs.processing = true
	}
	q.mu.Unlock()

	if startDrain {
		q.wg.Add(1)
		go q.drain(msg.ChannelID)
	}
	return true
}

// drain processes one channel serially until its queue empties.
//
// Each iteration anchors a merge window to the head entry's arrival time and
// waits for that window to elapse before snapshotting the batch, so messages
// typed in quick succession reach the agent as a single prompt. Entries that
// arrive after the window stay queued for the next batch.
func (q *MessageQueue) drain(channelID string) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		cs := q.channels[channelID]
		if len(cs.entries) == 0 {
			cs.processing = false
			q.mu.Unlock()
			return
		}
		head := cs.entries[0]
		q.mu.Unlock()

		// Fixed window anchored to the head, not sliding.
		deadline := head.ArrivedAt.Add(q.mergeWindow)
		if wait := time.Until(deadline); wait > 0 {
			select {
			case <-q.ctx.Done():
				return
			case <-time.After(wait):
			}
		}

		q.mu.Lock()
		batch := []bus.InboundMessage{cs.entries[0]}
		rest := cs.entries[1:]
		n := 0
		for n < len(rest) && rest[n].ArrivedAt.Sub(head.ArrivedAt) <= q.mergeWindow {
			batch = append(batch, rest[n])
			n++
		}
		cs.entries = append([]bus.InboundMessage(nil), rest[n:]...)
		q.mu.Unlock()

		q.runProcess(mergeBatch(batch))

		if q.ctx.Err() != nil {
			return
		}
	}
}

func (q *MessageQueue) runProcess(msg bus.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("queue: process panicked", "channel", msg.ChannelID, "panic", r)
		}
	}()
	q.process(q.ctx, msg)
}

// mergeBatch joins the batch's texts with newlines. Metadata and images come
// from the head entry; images on follow-up entries in a burst are dropped.
func mergeBatch(batch []bus.InboundMessage) bus.InboundMessage {
	if len(batch) == 1 {
		return batch[0]
	}
	texts := make([]string, 0, len(batch))
	for _, m := range batch {
		if m.Text != "" {
			texts = append(texts, m.Text)
		}
	}
	merged := batch[0]
	merged.Text = strings.Join(texts, "\n")
	return merged
}

// QueueDepth returns the number of queued (not yet drained) entries.
func (q *MessageQueue) QueueDepth(channelID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cs, ok := q.channels[channelID]; ok {
		return len(cs.entries)
	}
	return 0
}

// IsProcessing reports whether a drain task is active for the channel.
func (q *MessageQueue) IsProcessing(channelID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cs, ok := q.channels[channelID]; ok {
		return cs.processing
	}
	return false
}

// Wait blocks until all drain tasks have exited. Used during shutdown after
// cancelling the queue context.
func (q *MessageQueue) Wait() {
	q.wg.Wait()
}
