package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/nextlevelbuilder/valet/internal/config"
	"github.com/nextlevelbuilder/valet/internal/providers"
	"github.com/nextlevelbuilder/valet/internal/telemetry"
	"github.com/nextlevelbuilder/valet/internal/tools"
)

// SystemPromptFunc renders the system prompt for a user. It is invoked on
// every turn so the agent sees changes its previous turn made to core memory
// or projections.
type SystemPromptFunc func(userID string) string

// RegistryFunc resolves the tool registry for a user.
type RegistryFunc func(userID string) *tools.Registry

// Manager owns the per-user session cache and the prompt loop.
type Manager struct {
	dir      string // <data>/users
	agent    config.AgentConfig
	provider providers.Provider

	systemPrompt SystemPromptFunc
	registryFor  RegistryFunc

	mu    sync.Mutex
	cache map[string]*Session
	group singleflight.Group
}

func NewManager(dir string, agent config.AgentConfig, provider providers.Provider,
	systemPrompt SystemPromptFunc, registryFor RegistryFunc) *Manager {
	return &Manager{
		dir:          dir,
		agent:        agent,
		provider:     provider,
		systemPrompt: systemPrompt,
		registryFor:  registryFor,
		cache:        make(map[string]*Session),
	}
}

type loadOutcome struct {
	session   *Session
	recovered bool
}

// GetOrLoad returns the user's session, loading it from disk on first use.
// Concurrent calls for the same user share one load. recovered is true when
// the on-disk file was unreadable and had to be quarantined.
func (m *Manager) GetOrLoad(userID string) (*Session, bool, error) {
	m.mu.Lock()
	if s, ok := m.cache[userID]; ok {
		m.mu.Unlock()
		return s, false, nil
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do(userID, func() (any, error) {
		m.mu.Lock()
		if s, ok := m.cache[userID]; ok {
			m.mu.Unlock()
			return loadOutcome{session: s}, nil
		}
		m.mu.Unlock()

		out := loadOutcome{}
		s, err := loadSession(m.dir, userID)
		if err != nil {
			dest := quarantine(m.dir, userID)
			slog.Warn("session file unreadable, starting fresh", "user", userID, "quarantined", dest, "error", err)
			out.recovered = true
			s = nil
		}
		if s == nil {
			s = &Session{
				UserID:   userID,
				Messages: []providers.Message{},
				Created:  time.Now(),
				Updated:  time.Now(),
			}
		}
		if fixes := repairInPlace(s); fixes > 0 {
			slog.Info("transcript repaired on load", "user", userID, "fixes", fixes)
		}

		m.mu.Lock()
		m.cache[userID] = s
		m.mu.Unlock()
		out.session = s
		return out, nil
	})
	if err != nil {
		return nil, false, err
	}
	out := v.(loadOutcome)
	return out.session, out.recovered, nil
}

// Cached returns the sessions currently in memory.
func (m *Manager) Cached() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.cache))
	for _, s := range m.cache {
		out = append(out, s)
	}
	return out
}

// Clear wipes a user's history, drops the cached session, and deletes the
// session file.
func (m *Manager) Clear(userID string) error {
	m.mu.Lock()
	delete(m.cache, userID)
	m.mu.Unlock()

	path := sessionPath(m.dir, userID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session: %w", err)
	}
	// quarantined leftovers go too
	matches, _ := filepath.Glob(path + "-corrupt-*")
	for _, match := range matches {
		os.Remove(match)
	}
	return nil
}

// SaveAll persists every cached session. Called on shutdown.
func (m *Manager) SaveAll() {
	for _, s := range m.Cached() {
		s.mu.Lock()
		if err := s.save(m.dir); err != nil {
			slog.Error("session save failed", "user", s.UserID, "error", err)
		}
		s.mu.Unlock()
	}
}

// PromptOpts carries per-turn options.
type PromptOpts struct {
	Images []providers.ImageContent
	IsUser bool // real user message, drives lastUserMessageAt
}

// Prompt runs one full agent turn: repair, append, tool loop with model
// fallback, persist. Returns the final assistant text.
func (m *Manager) Prompt(ctx context.Context, s *Session, text string, opts PromptOpts) (string, *providers.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fixes := repairInPlace(s); fixes > 0 {
		slog.Info("transcript repaired before prompt", "user", s.UserID, "fixes", fixes)
	}

	userMsg := providers.Message{Role: "user", Content: text, Images: opts.Images}
	reg := m.registryFor(s.UserID)
	system := m.systemPrompt(s.UserID)

	models := m.fallbackChain()
	usage := &providers.Usage{}
	var lastErr error

	for _, model := range models {
		reply, turn, err := m.runLoop(ctx, s, system, userMsg, model, reg, usage)
		if err != nil {
			lastErr = err
			slog.Warn("prompt failed, trying next model", "user", s.UserID, "model", model, "error", err)
			continue
		}

		s.Messages = append(s.Messages, turn...)
		s.Model = model
		s.Updated = time.Now()
		if opts.IsUser {
			s.LastUserMessageAt = time.Now()
		}
		s.InputTokens += int64(usage.PromptTokens)
		s.OutputTokens += int64(usage.CompletionTokens)
		if usage.PromptTokens > 0 {
			s.LastPromptTokens = usage.PromptTokens
		}
		if err := s.save(m.dir); err != nil {
			slog.Error("session save failed", "user", s.UserID, "error", err)
		}
		return reply, usage, nil
	}

	return "", usage, fmt.Errorf("all models exhausted: %w", lastErr)
}

// fallbackChain is the primary model followed by each configured fallback.
func (m *Manager) fallbackChain() []string {
	models := []string{m.agent.Model}
	for _, f := range m.agent.FallbackModels {
		if f != "" && f != m.agent.Model {
			models = append(models, f)
		}
	}
	return models
}

// runLoop executes the tool-calling loop for one model. It returns the new
// transcript segment (user message through final assistant message) without
// mutating the session, so a failed model leaves no trace.
func (m *Manager) runLoop(ctx context.Context, s *Session, system string, userMsg providers.Message,
	model string, reg *tools.Registry, usage *providers.Usage) (string, []providers.Message, error) {

	ctx, span := telemetry.Tracer("valet/sessions").Start(ctx, "agent.prompt",
		trace.WithAttributes(
			attribute.String("model", model),
			attribute.String("user.id", s.UserID),
		))
	defer span.End()

	turn := []providers.Message{userMsg}
	base := make([]providers.Message, 0, len(s.Messages)+8)
	base = append(base, providers.Message{Role: "system", Content: system})
	if s.Summary != "" {
		base = append(base, providers.Message{
			Role:    "system",
			Content: "Summary of earlier conversation:\n" + s.Summary,
		})
	}
	base = append(base, s.Messages...)

	maxIter := m.agent.MaxIterations
	if maxIter <= 0 {
		maxIter = 20
	}

	ctx = tools.WithUserID(ctx, s.UserID)

	for i := 0; i < maxIter; i++ {
		resp, err := m.provider.Chat(ctx, providers.ChatRequest{
			Messages:  append(append([]providers.Message{}, base...), turn...),
			Tools:     reg.ProviderDefs(),
			Model:     model,
			MaxTokens: m.agent.MaxTokens,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "chat failed")
			return "", nil, fmt.Errorf("chat: %w", err)
		}
		usage.Add(resp.Usage)
		if resp.StopReason == "error" {
			span.SetStatus(codes.Error, "model error stop")
			return "", nil, fmt.Errorf("model %s reported an error stop", model)
		}

		turn = append(turn, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			return resp.Content, turn, nil
		}

		for _, call := range resp.ToolCalls {
			result := reg.Execute(ctx, call.Name, call.Arguments)
			turn = append(turn, providers.Message{
				Role:       "tool",
				Content:    result.ForLLM,
				ToolCallID: call.ID,
			})
		}
	}

	// Iteration cap hit with tool calls still pending. Close the turn with a
	// synthetic assistant message so the transcript stays well formed.
	final := "I ran out of tool-call budget before finishing; tell me to continue if you want me to keep going."
	turn = append(turn, providers.Message{Role: "assistant", Content: final})
	return final, turn, nil
}
