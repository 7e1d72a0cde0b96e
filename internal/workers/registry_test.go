package workers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTerminal(t *testing.T) {
	assert.False(t, IsTerminal(StatusRunning))
	assert.False(t, IsTerminal(""))
	for _, s := range []string{StatusComplete, StatusFailed, StatusTimeout, StatusCancelled} {
		assert.True(t, IsTerminal(s), s)
	}
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	r.Register(&Entry{WorkerID: "w-1", Status: StatusRunning, StartedAt: time.Now()})

	e, ok := r.Get("w-1")
	require.True(t, ok)
	assert.Equal(t, StatusRunning, e.Status)

	// Get returns a copy; mutating it does not touch the registry.
	e.Status = StatusFailed
	cur, _ := r.Get("w-1")
	assert.Equal(t, StatusRunning, cur.Status)

	ok = r.Update("w-1", func(e *Entry) { e.Status = StatusComplete })
	assert.True(t, ok)
	cur, _ = r.Get("w-1")
	assert.Equal(t, StatusComplete, cur.Status)

	assert.False(t, r.Update("w-missing", func(e *Entry) {}))

	r.Remove("w-1")
	_, ok = r.Get("w-1")
	assert.False(t, ok)
}

func TestRegistryRunningCount(t *testing.T) {
	r := NewRegistry()
	r.Register(&Entry{WorkerID: "w-1", Status: StatusRunning})
	r.Register(&Entry{WorkerID: "w-2", Status: StatusComplete})
	r.Register(&Entry{WorkerID: "w-3", Status: StatusRunning})
	assert.Equal(t, 2, r.RunningCount())
}

func TestRegistryListNewestFirst(t *testing.T) {
	r := NewRegistry()
	base := time.Now()
	r.Register(&Entry{WorkerID: "old", StartedAt: base.Add(-2 * time.Hour)})
	r.Register(&Entry{WorkerID: "new", StartedAt: base})
	r.Register(&Entry{WorkerID: "mid", StartedAt: base.Add(-1 * time.Hour)})

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "new", list[0].WorkerID)
	assert.Equal(t, "mid", list[1].WorkerID)
	assert.Equal(t, "old", list[2].WorkerID)
}

func TestStatusFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	completed := time.Date(2026, 8, 24, 13, 0, 0, 0, time.UTC)
	e := Entry{
		WorkerID:    "w-abc123",
		Status:      StatusFailed,
		Task:        "research something",
		ResultPath:  dir + "/result.md",
		WorkerDir:   dir,
		Model:       "openai/gpt-test",
		StartedAt:   completed.Add(-10 * time.Minute),
		CompletedAt: &completed,
		Error:       "model reported an error stop",
	}
	require.NoError(t, writeStatus(e))

	sf, err := readStatus(dir)
	require.NoError(t, err)
	assert.Equal(t, "w-abc123", sf.WorkerID)
	assert.Equal(t, StatusFailed, sf.Status)
	require.NotNil(t, sf.CompletedAt)
	assert.Equal(t, "2026-08-24T13:00:00Z", *sf.CompletedAt)
	require.NotNil(t, sf.Error)
	assert.Equal(t, "model reported an error stop", *sf.Error)
}

func TestStatusFileOmitsEmptyOptionals(t *testing.T) {
	sf := statusFromEntry(Entry{WorkerID: "w-1", Status: StatusRunning, StartedAt: time.Now()})
	assert.Nil(t, sf.CompletedAt)
	assert.Nil(t, sf.Error)
}
