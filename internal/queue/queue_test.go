package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/valet/internal/bus"
)

type collector struct {
	mu      sync.Mutex
	batches []bus.InboundMessage
	done    chan struct{}
}

func newCollector() *collector {
	return &collector{done: make(chan struct{}, 16)}
}

func (c *collector) process(ctx context.Context, msg bus.InboundMessage) {
	c.mu.Lock()
	c.batches = append(c.batches, msg)
	c.mu.Unlock()
	c.done <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []bus.InboundMessage {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-c.done:
		case <-deadline:
			t.Fatalf("timed out waiting for batch %d of %d", i+1, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]bus.InboundMessage, len(c.batches))
	copy(out, c.batches)
	return out
}

func msg(channel, user, text string) bus.InboundMessage {
	return bus.InboundMessage{ChannelID: channel, UserID: user, Text: text, ArrivedAt: time.Now()}
}

func TestBurstMergesIntoOneBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newCollector()
	q := New(ctx, c.process, nil, Options{MergeWindow: 80 * time.Millisecond})

	require.True(t, q.Enqueue(msg("telegram:1", "u1", "first")))
	require.True(t, q.Enqueue(msg("telegram:1", "u1", "second")))
	require.True(t, q.Enqueue(msg("telegram:1", "u1", "third")))

	batches := c.wait(t, 1)
	require.Len(t, batches, 1)
	assert.Equal(t, "first\nsecond\nthird", batches[0].Text)
	assert.Equal(t, "telegram:1", batches[0].ChannelID)
}

func TestLateArrivalStartsNewBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newCollector()
	q := New(ctx, c.process, nil, Options{MergeWindow: 40 * time.Millisecond})

	require.True(t, q.Enqueue(msg("telegram:1", "u1", "early")))
	batches := c.wait(t, 1)
	require.Len(t, batches, 1)

	require.True(t, q.Enqueue(msg("telegram:1", "u1", "late")))
	batches = c.wait(t, 1)
	require.Len(t, batches, 2)
	assert.Equal(t, "early", batches[0].Text)
	assert.Equal(t, "late", batches[1].Text)
}

func TestChannelsDrainIndependently(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newCollector()
	q := New(ctx, c.process, nil, Options{MergeWindow: 30 * time.Millisecond})

	require.True(t, q.Enqueue(msg("telegram:1", "u1", "one")))
	require.True(t, q.Enqueue(msg("discord:2", "u2", "two")))

	batches := c.wait(t, 2)
	channels := map[string]string{}
	for _, b := range batches {
		channels[b.ChannelID] = b.Text
	}
	assert.Equal(t, map[string]string{"telegram:1": "one", "discord:2": "two"}, channels)
}

func TestQueueFullRejects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	block := make(chan struct{})
	started := make(chan struct{})
	process := func(ctx context.Context, m bus.InboundMessage) {
		close(started)
		<-block
	}

	var rejected []RejectReason
	var mu sync.Mutex
	reject := func(m bus.InboundMessage, reason RejectReason) {
		mu.Lock()
		rejected = append(rejected, reason)
		mu.Unlock()
	}

	q := New(ctx, process, reject, Options{MergeWindow: time.Millisecond, MaxDepth: 2, RateLimit: 100})

	require.True(t, q.Enqueue(msg("telegram:1", "u1", "head")))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("processor never started")
	}

	// The head was snapshotted out of the queue; two more fit, the third is over depth.
	require.True(t, q.Enqueue(msg("telegram:1", "u1", "a")))
	require.True(t, q.Enqueue(msg("telegram:1", "u1", "b")))
	require.False(t, q.Enqueue(msg("telegram:1", "u1", "c")))

	mu.Lock()
	require.Len(t, rejected, 1)
	assert.Equal(t, RejectQueueFull, rejected[0])
	mu.Unlock()

	close(block)
}

func TestRateLimitBypassForInternalOrigins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newCollector()
	var rejectedReasons []RejectReason
	var mu sync.Mutex
	reject := func(m bus.InboundMessage, reason RejectReason) {
		mu.Lock()
		rejectedReasons = append(rejectedReasons, reason)
		mu.Unlock()
	}

	q := New(ctx, c.process, reject, Options{MergeWindow: time.Millisecond, RateLimit: 2})

	require.True(t, q.Enqueue(msg("telegram:1", "u1", "one")))
	require.True(t, q.Enqueue(msg("telegram:1", "u1", "two")))
	require.False(t, q.Enqueue(msg("telegram:1", "u1", "three")), "third user message should hit the rate limit")

	internal := msg("telegram:1", "u1", "scheduled")
	internal.Origin = bus.OriginScheduler
	require.True(t, q.Enqueue(internal), "internal messages bypass the rate limiter")

	mu.Lock()
	require.Len(t, rejectedReasons, 1)
	assert.Equal(t, RejectRateLimited, rejectedReasons[0])
	mu.Unlock()
}

func TestMergeBatchKeepsHeadMetadata(t *testing.T) {
	now := time.Now()
	batch := []bus.InboundMessage{
		{ChannelID: "telegram:1", UserID: "u1", Text: "a", ArrivedAt: now,
			Images: []bus.ImageRef{{Path: "/tmp/a.jpg"}}},
		{ChannelID: "telegram:1", UserID: "u1", Text: "", ArrivedAt: now},
		{ChannelID: "telegram:1", UserID: "u1", Text: "b", ArrivedAt: now},
	}
	merged := mergeBatch(batch)
	assert.Equal(t, "a\nb", merged.Text, "empty texts are skipped in the join")
	assert.Len(t, merged.Images, 1, "images come from the head entry")
}

func TestWaitReturnsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := newCollector()
	q := New(ctx, c.process, nil, Options{MergeWindow: 10 * time.Millisecond})

	require.True(t, q.Enqueue(msg("telegram:1", "u1", "hello")))
	c.wait(t, 1)
	cancel()

	done := make(chan struct{})
	go func() {
		q.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after context cancellation")
	}
}
