package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/valet/internal/providers"
)

const (
	idleCheckEvery  = 10 * time.Minute
	idleAfter       = 30 * time.Minute
	idleUsageFloor  = 0.30
	nightlyHour     = 3
	compactMinTurns = 6
)

const idleCompactionPrompt = `Summarize this conversation for your own future reference. Preserve user preferences, commitments you made, and ongoing threads of work. Discard verbose tool output and anything you can re-derive. Write in compact prose.`

const nightlyCompactionPrompt = `The day is over. Summarize today's conversation: what the user asked for, what was accomplished, what is still open, and anything you learned about the user. Preserve commitments and preferences. Discard verbose tool output.`

// Compactor proactively summarizes cached sessions so the context window
// stays usable: an idle sweep every ten minutes and an unconditional nightly
// pass at 03:00 in the user's timezone.
type Compactor struct {
	mgr      *Manager
	provider providers.Provider
	model    string
	window   int
	loc      *time.Location
}

func NewCompactor(mgr *Manager, provider providers.Provider, model string, contextWindow int, loc *time.Location) *Compactor {
	return &Compactor{mgr: mgr, provider: provider, model: model, window: contextWindow, loc: loc}
}

// Start runs both schedules until ctx is cancelled.
func (c *Compactor) Start(ctx context.Context) {
	go c.idleLoop(ctx)
	go c.nightlyLoop(ctx)
}

func (c *Compactor) idleLoop(ctx context.Context) {
	ticker := time.NewTicker(idleCheckEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range c.mgr.Cached() {
				if c.idleEligible(s) {
					if err := c.Compact(ctx, s, idleCompactionPrompt); err != nil {
						slog.Warn("idle compaction failed", "user", s.UserID, "error", err)
					}
				}
			}
		}
	}
}

func (c *Compactor) idleEligible(s *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Messages) < compactMinTurns {
		return false
	}
	if s.LastUserMessageAt.IsZero() || time.Since(s.LastUserMessageAt) < idleAfter {
		return false
	}
	return s.ContextUsage(c.window) >= idleUsageFloor
}

func (c *Compactor) nightlyLoop(ctx context.Context) {
	for {
		next := nextNightly(time.Now().In(c.loc))
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			for _, s := range c.mgr.Cached() {
				if err := c.Compact(ctx, s, nightlyCompactionPrompt); err != nil {
					slog.Warn("nightly compaction failed", "user", s.UserID, "error", err)
				}
			}
		}
	}
}

// nextNightly returns the next 03:00 after now in now's location.
func nextNightly(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), nightlyHour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Compact summarizes the session into its Summary field and truncates the
// transcript back to the current exchange.
func (c *Compactor) Compact(ctx context.Context, s *Session, prompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.Messages) == 0 {
		return nil
	}

	var b strings.Builder
	if s.Summary != "" {
		b.WriteString("Previous summary:\n" + s.Summary + "\n\n")
	}
	for _, msg := range s.Messages {
		if msg.Content == "" {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s\n", msg.Role, msg.Content)
	}

	resp, err := c.provider.Chat(ctx, providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: prompt},
			{Role: "user", Content: b.String()},
		},
		Model:       c.model,
		Temperature: 0,
	})
	if err != nil {
		return fmt.Errorf("compaction prompt: %w", err)
	}
	if resp.StopReason == "error" || strings.TrimSpace(resp.Content) == "" {
		return fmt.Errorf("compaction produced no summary")
	}

	s.Summary = resp.Content
	s.Messages = tailFromLastUser(s.Messages)
	s.CompactionCount++
	s.LastPromptTokens = 0
	s.Updated = time.Now()

	if err := s.save(c.mgr.dir); err != nil {
		return fmt.Errorf("save after compaction: %w", err)
	}
	slog.Info("session compacted", "user", s.UserID, "count", s.CompactionCount)
	return nil
}

// tailFromLastUser keeps the transcript from the last user message onward so
// the current exchange survives compaction intact.
func tailFromLastUser(messages []providers.Message) []providers.Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			tail := make([]providers.Message, len(messages)-i)
			copy(tail, messages[i:])
			return tail
		}
	}
	return []providers.Message{}
}
