// Package dispatch is the application core: it takes drained messages from
// the queue, runs commands and approvals, drives the agent session, and
// delivers replies through the channel bridges.
package dispatch

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/valet/internal/bus"
	"github.com/nextlevelbuilder/valet/internal/channels"
	"github.com/nextlevelbuilder/valet/internal/config"
	"github.com/nextlevelbuilder/valet/internal/memory"
	"github.com/nextlevelbuilder/valet/internal/providers"
	"github.com/nextlevelbuilder/valet/internal/queue"
	"github.com/nextlevelbuilder/valet/internal/recovery"
	"github.com/nextlevelbuilder/valet/internal/sessions"
	"github.com/nextlevelbuilder/valet/internal/tools"
)

const maxInboundChars = 10000

// silentToken suppresses delivery when the agent decides no reply is needed.
const silentToken = "NO_REPLY"

// RestartFunc performs the cooperative restart protocol.
type RestartFunc func(msg bus.InboundMessage, reason string)

// Dispatcher glues the queue, sessions, tools, and bridges together.
type Dispatcher struct {
	cfg        *config.Config
	sessions   *sessions.Manager
	bridges    *channels.Manager
	gate       *tools.Gate
	memoryFor  func(userID string) *memory.Store
	toolLog    *ToolCallLog
	usageLog   *UsageLog
	history    *HistoryLog
	pendingDir string
	restartFn  RestartFunc

	mu        sync.Mutex
	recovered map[string]bool // users owed a recovery apology
}

// Options wires the dispatcher's collaborators.
type Options struct {
	Config     *config.Config
	Sessions   *sessions.Manager
	Bridges    *channels.Manager
	Gate       *tools.Gate
	MemoryFor  func(userID string) *memory.Store
	ToolLog    *ToolCallLog
	UsageLog   *UsageLog
	History    *HistoryLog
	PendingDir string
	Restart    RestartFunc
}

func New(opts Options) *Dispatcher {
	return &Dispatcher{
		cfg:        opts.Config,
		sessions:   opts.Sessions,
		bridges:    opts.Bridges,
		gate:       opts.Gate,
		memoryFor:  opts.MemoryFor,
		toolLog:    opts.ToolLog,
		usageLog:   opts.UsageLog,
		history:    opts.History,
		pendingDir: opts.PendingDir,
		restartFn:  opts.Restart,
		recovered:  make(map[string]bool),
	}
}

// MarkRecovered queues a recovery apology for the user's next message.
func (d *Dispatcher) MarkRecovered(userID string) {
	d.mu.Lock()
	d.recovered[userID] = true
	d.mu.Unlock()
}

// HandleMessage processes one drained (possibly burst-merged) message. It is
// the queue's ProcessFunc; it never returns an error because the drain loop
// must not stop on a failed message.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg bus.InboundMessage) {
	if handled := d.handleCommand(ctx, msg); handled {
		return
	}

	if len(msg.Text) > maxInboundChars {
		d.send(ctx, msg, fmt.Sprintf("That message is too long (%d characters, limit %d). Please shorten it.", len(msg.Text), maxInboundChars))
		return
	}

	text := msg.Text
	if pending := d.gate.Pending(msg.UserID); pending != "" && !msg.IsInternal() {
		if decision, ok := tools.ParseDecision(msg.Text); ok {
			tool, _ := d.gate.ResolvePending(msg.UserID, decision)
			slog.Info("approval decision", "user", msg.UserID, "tool", tool, "decision", decision)
			text = fmt.Sprintf("The user answered %q to your approval request for the %s tool. If approved, retry it now; if denied, proceed without it.", msg.Text, tool)
			msg.Origin = bus.OriginApproval
		}
	}

	session, recoveredNow, err := d.sessions.GetOrLoad(msg.UserID)
	if err != nil {
		slog.Error("session load failed", "user", msg.UserID, "error", err)
		d.send(ctx, msg, "I couldn't load our conversation. Please try again.")
		return
	}
	if recoveredNow {
		d.MarkRecovered(msg.UserID)
	}

	d.mu.Lock()
	owesApology := d.recovered[msg.UserID]
	delete(d.recovered, msg.UserID)
	d.mu.Unlock()
	if owesApology {
		d.send(ctx, msg, "Heads up: I had trouble reading our conversation history and had to start fresh. Recent context may be missing.")
	}

	// Checkpoint real user messages so a crash mid-prompt can be reported
	// after restart. Internal messages are regenerated by their sources.
	if !msg.IsInternal() {
		if err := recovery.WriteCheckpoint(d.pendingDir, recovery.Checkpoint{
			UserID:    msg.UserID,
			ChannelID: msg.ChannelID,
			Platform:  msg.Platform,
			Text:      msg.Text,
		}); err != nil {
			slog.Warn("checkpoint write failed", "user", msg.UserID, "error", err)
		}
	}
	defer recovery.DeleteCheckpoint(d.pendingDir, msg.UserID)

	d.history.Append(HistoryEntry{
		UserID:    msg.UserID,
		ChannelID: msg.ChannelID,
		Role:      "user",
		Text:      msg.Text,
		Origin:    msg.Origin,
	})

	start := time.Now()
	reply, usage, err := d.sessions.Prompt(ctx, session, text, sessions.PromptOpts{
		Images: loadImages(msg.Images),
		IsUser: !msg.IsInternal(),
	})
	latency := time.Since(start)

	d.usageLog.Record(UsageEntry{
		UserID:       msg.UserID,
		Model:        session.Model,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
		LatencyMs:    latency.Milliseconds(),
	})

	if err != nil {
		slog.Error("prompt failed", "user", msg.UserID, "error", err)
		d.send(ctx, msg, "Something went wrong while I was thinking. Please try again in a moment.")
		return
	}

	if isSilentReply(reply) {
		slog.Info("silent reply suppressed", "user", msg.UserID)
		d.history.Append(HistoryEntry{
			UserID:    msg.UserID,
			ChannelID: msg.ChannelID,
			Role:      "assistant",
			Text:      reply,
			Silent:    true,
		})
		return
	}

	d.send(ctx, msg, reply)
	d.history.Append(HistoryEntry{
		UserID:    msg.UserID,
		ChannelID: msg.ChannelID,
		Role:      "assistant",
		Text:      reply,
	})
}

// Reject is the queue's backpressure callback.
func (d *Dispatcher) Reject(msg bus.InboundMessage, reason queue.RejectReason) {
	switch reason {
	case queue.RejectRateLimited:
		d.send(context.Background(), msg, "You're sending messages faster than I can handle. Give me a minute.")
	default:
		d.send(context.Background(), msg, "I'm busy with your earlier messages; this one was dropped. Please resend it in a moment.")
	}
}

// send delivers text to the message's channel, logging failures.
func (d *Dispatcher) send(ctx context.Context, msg bus.InboundMessage, text string) {
	if text == "" {
		return
	}
	err := d.bridges.Send(ctx, bus.OutboundMessage{
		ChannelID: msg.ChannelID,
		Platform:  msg.Platform,
		Text:      text,
	})
	if err != nil {
		slog.Error("reply delivery failed", "channel", msg.ChannelID, "error", err)
	}
}

// isSilentReply reports whether the assistant chose to stay quiet.
func isSilentReply(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return true
	}
	if trimmed == silentToken {
		return true
	}
	if strings.HasPrefix(trimmed, silentToken) {
		rest := trimmed[len(silentToken):]
		if rest == "" || !isWordChar(rest[0]) {
			return true
		}
	}
	return false
}

func isWordChar(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9') || b == '_'
}

// loadImages reads downloaded attachments into provider image content.
// Unreadable files are skipped; the text still goes through.
func loadImages(refs []bus.ImageRef) []providers.ImageContent {
	var out []providers.ImageContent
	for _, ref := range refs {
		data, err := os.ReadFile(ref.Path)
		if err != nil {
			slog.Warn("image read failed", "path", ref.Path, "error", err)
			continue
		}
		mime := ref.MimeType
		if mime == "" {
			mime = "image/jpeg"
		}
		out = append(out, providers.ImageContent{
			MimeType: mime,
			Data:     base64.StdEncoding.EncodeToString(data),
		})
	}
	return out
}
