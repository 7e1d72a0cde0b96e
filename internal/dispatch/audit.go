package dispatch

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// jsonlAppend appends one JSON line to path, creating directories as needed.
func jsonlAppend(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// HistoryEntry is one line of the per-day conversation audit log.
type HistoryEntry struct {
	Time      string `json:"time"`
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	Role      string `json:"role"` // "user" or "assistant"
	Text      string `json:"text"`
	Origin    string `json:"origin,omitempty"`
	Silent    bool   `json:"silent,omitempty"` // suppressed assistant reply
}

// HistoryLog appends conversation turns to <data>/history/<date>.jsonl.
type HistoryLog struct {
	mu  sync.Mutex
	dir string
}

func NewHistoryLog(dir string) *HistoryLog { return &HistoryLog{dir: dir} }

func (h *HistoryLog) Append(entry HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if entry.Time == "" {
		entry.Time = time.Now().UTC().Format(time.RFC3339)
	}
	path := filepath.Join(h.dir, time.Now().UTC().Format("2006-01-02")+".jsonl")
	if err := jsonlAppend(path, entry); err != nil {
		slog.Warn("history append failed", "error", err)
	}
}

// ReadSince returns entries newer than cutoff for one user, reading today's
// and yesterday's files. Used by the reflection pass.
func (h *HistoryLog) ReadSince(userID string, cutoff time.Time) ([]HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []HistoryEntry
	for _, day := range []time.Time{time.Now().UTC().AddDate(0, 0, -1), time.Now().UTC()} {
		path := filepath.Join(h.dir, day.Format("2006-01-02")+".jsonl")
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, line := range splitLines(data) {
			var e HistoryEntry
			if err := json.Unmarshal(line, &e); err != nil {
				continue
			}
			if e.UserID != userID {
				continue
			}
			if t, err := time.Parse(time.RFC3339, e.Time); err == nil && t.After(cutoff) {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

// ToolCallEntry is one audited tool invocation.
type ToolCallEntry struct {
	Time    string `json:"time"`
	UserID  string `json:"user_id"`
	Tool    string `json:"tool"`
	Args    string `json:"args"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error,omitempty"`
}

// ToolCallLog appends tool calls to logs/tool-calls.jsonl and keeps a small
// per-user ring for the /log command.
type ToolCallLog struct {
	mu     sync.Mutex
	path   string
	recent map[string][]ToolCallEntry
	keep   int
}

func NewToolCallLog(path string) *ToolCallLog {
	return &ToolCallLog{path: path, recent: make(map[string][]ToolCallEntry), keep: 50}
}

// Record is wired into the tool registry's audit hook.
func (t *ToolCallLog) Record(userID, tool, argsJSON, result string, isError bool) {
	entry := ToolCallEntry{
		Time:    time.Now().UTC().Format(time.RFC3339),
		UserID:  userID,
		Tool:    tool,
		Args:    argsJSON,
		Result:  result,
		IsError: isError,
	}
	t.mu.Lock()
	ring := append(t.recent[userID], entry)
	if len(ring) > t.keep {
		ring = ring[len(ring)-t.keep:]
	}
	t.recent[userID] = ring
	t.mu.Unlock()

	if err := jsonlAppend(t.path, entry); err != nil {
		slog.Warn("tool-call log append failed", "error", err)
	}
}

// Recent returns up to n most recent calls for a user, oldest first.
func (t *ToolCallLog) Recent(userID string, n int) []ToolCallEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	ring := t.recent[userID]
	if len(ring) > n {
		ring = ring[len(ring)-n:]
	}
	out := make([]ToolCallEntry, len(ring))
	copy(out, ring)
	return out
}

// UsageEntry is one line of the token/latency telemetry log.
type UsageEntry struct {
	Time         string `json:"time"`
	UserID       string `json:"user_id"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	LatencyMs    int64  `json:"latency_ms"`
}

// UsageLog appends prompt usage to logs/usage.jsonl.
type UsageLog struct {
	mu   sync.Mutex
	path string
}

func NewUsageLog(path string) *UsageLog { return &UsageLog{path: path} }

func (u *UsageLog) Record(entry UsageEntry) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if entry.Time == "" {
		entry.Time = time.Now().UTC().Format(time.RFC3339)
	}
	if err := jsonlAppend(u.path, entry); err != nil {
		slog.Warn("usage log append failed", "error", err)
	}
}

// FormatToolCalls renders audit entries for the /log command.
func FormatToolCalls(entries []ToolCallEntry) string {
	if len(entries) == 0 {
		return "no tool calls recorded"
	}
	var b []byte
	for _, e := range entries {
		status := "ok"
		if e.IsError {
			status = "error"
		}
		b = append(b, fmt.Sprintf("%s  %s  %s  %s\n", e.Time, e.Tool, status, truncate(e.Args, 120))...)
	}
	return string(b)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
