// Package recovery implements crash checkpoints and the cooperative restart
// protocol. Both live as small JSON files under <data>/pending.
package recovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// notifyMinAge filters out checkpoints from the shutdown that is
	// currently finishing; notifyMaxAge filters out stale ones nobody
	// remembers sending.
	notifyMinAge = 2 * time.Minute
	notifyMaxAge = 1 * time.Hour
)

// Checkpoint records a user message the process was working on when it died.
type Checkpoint struct {
	UserID    string    `json:"user_id"`
	ChannelID string    `json:"channel_id"`
	Platform  string    `json:"platform"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

func checkpointPath(pendingDir, userID string) string {
	return filepath.Join(pendingDir, userID+".json")
}

// WriteCheckpoint persists a checkpoint before the LLM round-trip begins.
func WriteCheckpoint(pendingDir string, cp Checkpoint) error {
	if err := os.MkdirAll(pendingDir, 0o755); err != nil {
		return fmt.Errorf("create pending dir: %w", err)
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	path := checkpointPath(pendingDir, cp.UserID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return os.Rename(tmp, path)
}

// DeleteCheckpoint removes the user's checkpoint. Called on every exit path
// of message processing, success or failure.
func DeleteCheckpoint(pendingDir, userID string) {
	os.Remove(checkpointPath(pendingDir, userID))
}

// ScanCheckpoints reads and deletes all checkpoints, returning only those in
// the notification window. Deletion happens before the caller sends anything
// so a crash during notification cannot cause repeats.
func ScanCheckpoints(pendingDir string) ([]Checkpoint, error) {
	entries, err := os.ReadDir(pendingDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pending dir: %w", err)
	}

	var out []Checkpoint
	now := time.Now()
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || name == restartMarkerName {
			continue
		}
		path := filepath.Join(pendingDir, name)
		data, err := os.ReadFile(path)
		os.Remove(path)
		if err != nil {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			continue
		}
		age := now.Sub(cp.CreatedAt)
		if age < notifyMinAge || age > notifyMaxAge {
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}
