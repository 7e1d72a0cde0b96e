package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nextlevelbuilder/valet/internal/bus"
	"github.com/nextlevelbuilder/valet/internal/channels"
	"github.com/nextlevelbuilder/valet/internal/config"
	"github.com/nextlevelbuilder/valet/internal/memory"
	"github.com/nextlevelbuilder/valet/internal/providers"
	"github.com/nextlevelbuilder/valet/internal/sessions"
	"github.com/nextlevelbuilder/valet/internal/tools"
)

// scriptedProvider answers every chat with a fixed reply or error and lets a
// test observe dispatcher state while the prompt is in flight.
type scriptedProvider struct {
	reply  string
	err    error
	onChat func()
}

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	if p.onChat != nil {
		p.onChat()
	}
	if p.err != nil {
		return nil, p.err
	}
	return &providers.ChatResponse{Content: p.reply, StopReason: "stop"}, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

func testDispatcher(t *testing.T, provider providers.Provider) (*Dispatcher, string) {
	t.Helper()
	dir := t.TempDir()
	mgr := sessions.NewManager(filepath.Join(dir, "users"),
		config.AgentConfig{Model: "openai/primary", MaxIterations: 3}, provider,
		func(string) string { return "system" },
		func(string) *tools.Registry { return tools.NewRegistry(nil) })
	pendingDir := filepath.Join(dir, "pending")
	d := New(Options{
		Config:     &config.Config{},
		Sessions:   mgr,
		Bridges:    channels.NewManager(),
		Gate:       tools.NewGate(nil),
		MemoryFor:  func(string) *memory.Store { return nil },
		ToolLog:    NewToolCallLog(filepath.Join(dir, "tool-calls.jsonl")),
		UsageLog:   NewUsageLog(filepath.Join(dir, "usage.jsonl")),
		History:    NewHistoryLog(filepath.Join(dir, "history")),
		PendingDir: pendingDir,
		Restart:    func(bus.InboundMessage, string) {},
	})
	return d, pendingDir
}

func userMessage(text string) bus.InboundMessage {
	return bus.InboundMessage{
		ChannelID: "telegram:42",
		UserID:    "u1",
		Platform:  "telegram",
		Text:      text,
	}
}

func TestHandleMessageCheckpointLifecycle(t *testing.T) {
	provider := &scriptedProvider{reply: "done"}
	d, pendingDir := testDispatcher(t, provider)
	path := filepath.Join(pendingDir, "u1.json")

	var existedDuringPrompt bool
	provider.onChat = func() {
		_, err := os.Stat(path)
		existedDuringPrompt = err == nil
	}

	d.HandleMessage(context.Background(), userMessage("hello"))

	assert.True(t, existedDuringPrompt, "the checkpoint covers the prompt window")
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "the checkpoint is removed after a successful turn")
}

func TestHandleMessageCheckpointRemovedOnPromptFailure(t *testing.T) {
	provider := &scriptedProvider{err: errors.New("provider down")}
	d, pendingDir := testDispatcher(t, provider)
	path := filepath.Join(pendingDir, "u1.json")

	var existedDuringPrompt bool
	provider.onChat = func() {
		_, err := os.Stat(path)
		existedDuringPrompt = err == nil
	}

	d.HandleMessage(context.Background(), userMessage("hello"))

	assert.True(t, existedDuringPrompt)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "a failed prompt still clears its checkpoint")
}

func TestHandleMessageSkipsCheckpointForInternalMessages(t *testing.T) {
	provider := &scriptedProvider{reply: "done"}
	d, pendingDir := testDispatcher(t, provider)
	path := filepath.Join(pendingDir, "u1.json")

	var existedDuringPrompt bool
	provider.onChat = func() {
		_, err := os.Stat(path)
		existedDuringPrompt = err == nil
	}

	msg := userMessage("scheduled check-in")
	msg.Origin = bus.OriginScheduler
	d.HandleMessage(context.Background(), msg)

	assert.False(t, existedDuringPrompt, "internal messages are regenerated by their sources, not checkpointed")
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
