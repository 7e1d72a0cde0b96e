// Package sessions manages per-user agent sessions: persistent transcripts,
// the tool-calling prompt loop with model fallback, transcript repair, and
// proactive compaction.
package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nextlevelbuilder/valet/internal/providers"
)

// Session is one user's persistent conversation state. The embedded mutex
// serializes prompt turns against compaction; it is not persisted.
type Session struct {
	mu sync.Mutex

	UserID   string              `json:"user_id"`
	Messages []providers.Message `json:"messages"`
	Summary  string              `json:"summary,omitempty"`
	Model    string              `json:"model,omitempty"` // model currently in use after fallback
	Created  time.Time           `json:"created"`
	Updated  time.Time           `json:"updated"`

	LastUserMessageAt time.Time `json:"last_user_message_at,omitempty"`

	InputTokens      int64 `json:"input_tokens,omitempty"`
	OutputTokens     int64 `json:"output_tokens,omitempty"`
	CompactionCount  int   `json:"compaction_count,omitempty"`
	LastPromptTokens int   `json:"last_prompt_tokens,omitempty"`
}

func sessionPath(dir, userID string) string {
	return filepath.Join(dir, userID, "session.json")
}

// loadSession reads a session file. A missing file returns (nil, nil); an
// unreadable one returns the parse error so the caller can quarantine it.
func loadSession(dir, userID string) (*Session, error) {
	path := sessionPath(dir, userID)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse session: %w", err)
	}
	s.UserID = userID
	return &s, nil
}

// quarantine moves a broken session file aside so a fresh session can start.
func quarantine(dir, userID string) string {
	path := sessionPath(dir, userID)
	dest := fmt.Sprintf("%s-corrupt-%d", path, time.Now().Unix())
	if err := os.Rename(path, dest); err != nil {
		return ""
	}
	return dest
}

// save persists the session atomically. Callers hold s.mu.
func (s *Session) save(dir string) error {
	path := sessionPath(dir, s.UserID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// ContextUsage estimates how full the context window is, 0..1.
func (s *Session) ContextUsage(contextWindow int) float64 {
	if contextWindow <= 0 || s.LastPromptTokens <= 0 {
		return 0
	}
	return float64(s.LastPromptTokens) / float64(contextWindow)
}
