// Package workers runs bounded background sub-agents. A worker gets a task,
// a scoped directory, and a small tool set; it signals completion through a
// single fact inserted into the user's archival memory.
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Worker statuses. A worker moves from running to exactly one terminal state.
const (
	StatusRunning   = "running"
	StatusComplete  = "complete"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
	StatusCancelled = "cancelled"
)

// IsTerminal reports whether status is a final state.
func IsTerminal(status string) bool {
	return status != StatusRunning && status != ""
}

// Entry is the in-memory record of one worker.
type Entry struct {
	WorkerID    string
	Status      string
	Task        string
	ResultPath  string
	WorkerDir   string
	Model       string
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       string

	abort   context.CancelFunc
	timeout *time.Timer
}

// Registry tracks workers in memory. All mutation goes through its methods.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds an entry, replacing any previous entry with the same id.
func (r *Registry) Register(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.WorkerID] = e
}

// Get returns a copy of the entry, so callers never see concurrent mutation.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Update applies fn to the entry under the registry lock. No-op for unknown
// ids. Returns whether the entry existed.
func (r *Registry) Update(id string, fn func(*Entry)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	fn(e)
	return true
}

// Remove deletes the entry.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// List returns copies of all entries, newest first.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// RunningCount counts entries still in the running state.
func (r *Registry) RunningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.Status == StatusRunning {
			n++
		}
	}
	return n
}

// StatusFile mirrors the registry entry on disk so worker status survives a
// process restart.
type StatusFile struct {
	WorkerID    string  `json:"worker_id"`
	Status      string  `json:"status"`
	Task        string  `json:"task"`
	StartedAt   string  `json:"started_at"`
	CompletedAt *string `json:"completed_at"`
	Model       string  `json:"model"`
	Error       *string `json:"error"`
	ResultPath  string  `json:"result_path"`
}

func statusFromEntry(e Entry) StatusFile {
	sf := StatusFile{
		WorkerID:   e.WorkerID,
		Status:     e.Status,
		Task:       e.Task,
		StartedAt:  e.StartedAt.UTC().Format(time.RFC3339),
		Model:      e.Model,
		ResultPath: e.ResultPath,
	}
	if e.CompletedAt != nil {
		s := e.CompletedAt.UTC().Format(time.RFC3339)
		sf.CompletedAt = &s
	}
	if e.Error != "" {
		s := e.Error
		sf.Error = &s
	}
	return sf
}

// writeStatus persists status.json atomically (temp file then rename).
func writeStatus(e Entry) error {
	data, err := json.MarshalIndent(statusFromEntry(e), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	path := filepath.Join(e.WorkerDir, "status.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	return os.Rename(tmp, path)
}

// readStatus loads status.json for a worker directory. Used by worker_check
// when the registry has no entry (e.g. after a restart).
func readStatus(workerDir string) (*StatusFile, error) {
	data, err := os.ReadFile(filepath.Join(workerDir, "status.json"))
	if err != nil {
		return nil, err
	}
	var sf StatusFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse status.json: %w", err)
	}
	return &sf, nil
}
