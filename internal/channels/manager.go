package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/valet/internal/bus"
)

// Manager owns the configured bridges and routes outbound messages to the
// right platform.
type Manager struct {
	mu      sync.RWMutex
	bridges map[string]Bridge
}

func NewManager() *Manager {
	return &Manager{bridges: make(map[string]Bridge)}
}

// Add registers a bridge under its platform name.
func (m *Manager) Add(b Bridge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bridges[b.Name()] = b
}

// Get returns the bridge for a platform.
func (m *Manager) Get(platform string) (Bridge, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bridges[platform]
	return b, ok
}

// StartAll starts every bridge; a single bridge failing to start aborts.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, b := range m.bridges {
		if err := b.Start(ctx); err != nil {
			return fmt.Errorf("start %s bridge: %w", name, err)
		}
		slog.Info("bridge started", "platform", name)
	}
	return nil
}

// StopAll stops every bridge, logging failures rather than aborting.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, b := range m.bridges {
		if err := b.Stop(ctx); err != nil {
			slog.Warn("bridge stop failed", "platform", name, "error", err)
		}
	}
}

// Send routes an outbound message to its platform bridge.
func (m *Manager) Send(ctx context.Context, msg bus.OutboundMessage) error {
	b, ok := m.Get(msg.Platform)
	if !ok {
		return fmt.Errorf("no bridge for platform %q", msg.Platform)
	}
	return b.Send(ctx, msg)
}
