// Package channels connects external messaging platforms to the runtime.
// Each bridge turns platform updates into bus.InboundMessage values and
// delivers bus.OutboundMessage replies.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/valet/internal/bus"
)

// Handler receives inbound messages from a bridge.
type Handler func(msg bus.InboundMessage)

// Bridge is a platform connection.
type Bridge interface {
	Name() string
	// Start begins listening. Non-blocking after setup.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// maxMessageChunk is the conservative per-message length limit shared by the
// supported platforms (Telegram caps at 4096, Discord at 2000).
const maxMessageChunk = 2000

// SplitMessage breaks long replies into platform-sized chunks on line
// boundaries where possible.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = maxMessageChunk
	}
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(text) > limit {
		cut := limit
		if idx := strings.LastIndexByte(text[:limit], '\n'); idx > limit/2 {
			cut = idx
		}
		chunks = append(chunks, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// AllowList is a simple sender allow-list; empty allows everyone.
type AllowList []string

func (a AllowList) Allows(senderID string) bool {
	if len(a) == 0 {
		return true
	}
	for _, allowed := range a {
		if senderID == allowed || senderID == strings.TrimPrefix(allowed, "@") {
			return true
		}
	}
	return false
}

// Pacer paces outbound API calls and retries transient failures with
// exponential backoff.
type Pacer struct {
	name    string
	limiter *rate.Limiter
}

// NewPacer builds a per-bridge pacer. Telegram allows about one message per
// second per chat; Discord is similar after client-side bucketing, so one
// shared pace covers both.
func NewPacer(name string) *Pacer {
	return &Pacer{name: name, limiter: rate.NewLimiter(rate.Every(time.Second), 3)}
}

// Do runs fn under the rate limit, retrying up to three times.
func (p *Pacer) Do(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := fn(); err != nil {
			lastErr = err
			slog.Warn("send failed", "bridge", p.name, "attempt", attempt+1, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(1<<attempt) * time.Second):
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("send failed after retries: %w", lastErr)
}

// SplitChannelID parses a "{platform}:{chatId}" channel id.
func SplitChannelID(channelID string) (platform, chatID string) {
	if idx := strings.IndexByte(channelID, ':'); idx > 0 {
		return channelID[:idx], channelID[idx+1:]
	}
	return "", channelID
}

// ChannelID builds the composite channel id used throughout the runtime.
func ChannelID(platform, chatID string) string {
	return platform + ":" + chatID
}
