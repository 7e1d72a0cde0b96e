package dispatch

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/valet/internal/bus"
)

const helpText = `I'm your assistant. Talk to me normally, send images, or use:

/clear - wipe our conversation history and start over
/memory - show what I keep in core memory
/log - show my last 20 tool calls
/restart - restart me (I'll confirm when I'm back)
/help - this message

I remember facts you tell me, track reminders and follow-ups, and can run background research tasks.`

// handleCommand intercepts slash commands before any LLM involvement.
// Returns true when the message was fully handled.
func (d *Dispatcher) handleCommand(ctx context.Context, msg bus.InboundMessage) bool {
	if msg.IsInternal() {
		return false
	}
	cmd := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(cmd, "/") {
		return false
	}
	// Telegram appends the bot name to commands in groups.
	if idx := strings.IndexByte(cmd, '@'); idx > 0 && !strings.ContainsAny(cmd[:idx], " \n") {
		cmd = cmd[:idx]
	}

	switch cmd {
	case "/start", "/help":
		d.send(ctx, msg, helpText)
	case "/clear":
		if err := d.sessions.Clear(msg.UserID); err != nil {
			slog.Error("clear failed", "user", msg.UserID, "error", err)
			d.send(ctx, msg, "I couldn't clear the conversation. Try again?")
			return true
		}
		d.send(ctx, msg, "Conversation history cleared. Fresh start.")
	case "/memory":
		store := d.memoryFor(msg.UserID)
		if store == nil {
			d.send(ctx, msg, "(no memory store for this user)")
			return true
		}
		dump, err := store.DumpCore()
		if err != nil {
			slog.Error("memory dump failed", "user", msg.UserID, "error", err)
			d.send(ctx, msg, "I couldn't read core memory.")
			return true
		}
		d.send(ctx, msg, dump)
	case "/log":
		d.send(ctx, msg, FormatToolCalls(d.toolLog.Recent(msg.UserID, 20)))
	case "/restart":
		d.send(ctx, msg, "Restarting. Back in a moment.")
		d.restartFn(msg, "user requested /restart")
	default:
		return false
	}
	return true
}
