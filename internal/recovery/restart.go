package recovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RestartExitCode signals the supervisor to relaunch immediately. Any other
// non-zero exit gets a delayed relaunch.
const RestartExitCode = 42

const restartMarkerName = "restart.json"

// RestartMarker records who asked for a restart so the relaunched process can
// confirm it came back.
type RestartMarker struct {
	UserID    string    `json:"user_id"`
	ChannelID string    `json:"channel_id"`
	Platform  string    `json:"platform"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// WriteRestartMarker persists the marker before the process exits with
// RestartExitCode.
func WriteRestartMarker(pendingDir string, m RestartMarker) error {
	if err := os.MkdirAll(pendingDir, 0o755); err != nil {
		return fmt.Errorf("create pending dir: %w", err)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal restart marker: %w", err)
	}
	path := filepath.Join(pendingDir, restartMarkerName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write restart marker: %w", err)
	}
	return os.Rename(tmp, path)
}

// ConsumeRestartMarker reads and deletes the marker. Returns nil when there
// is none.
func ConsumeRestartMarker(pendingDir string) (*RestartMarker, error) {
	path := filepath.Join(pendingDir, restartMarkerName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read restart marker: %w", err)
	}
	os.Remove(path)
	var m RestartMarker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse restart marker: %w", err)
	}
	return &m, nil
}
