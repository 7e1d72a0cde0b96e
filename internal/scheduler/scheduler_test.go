package scheduler

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/valet/internal/bus"
	"github.com/nextlevelbuilder/valet/internal/config"
)

func testScheduler(t *testing.T, inject InjectFunc) (*Scheduler, string) {
	t.Helper()
	if inject == nil {
		inject = func(msg bus.InboundMessage) error { return nil }
	}
	path := filepath.Join(t.TempDir(), "schedules.json")
	s := New(path, nil, Target{UserID: "u1", ChannelID: "telegram:u1", Platform: "telegram"}, nil, inject)
	return s, path
}

func TestCreateValidatesExpression(t *testing.T) {
	s, path := testScheduler(t, nil)

	_, err := s.Create("not a cron", "hello")
	require.Error(t, err)
	_, err = s.Create("0 9 * * 1", "")
	require.Error(t, err)

	// Nothing was persisted by the failed attempts.
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	job, err := s.Create("0 9 * * 1", "weekly check-in")
	require.NoError(t, err)
	assert.Contains(t, job.ID, "sched-")
	assert.Equal(t, "0 9 * * 1", job.Expr)
}

func TestCreatePersistsAndReloads(t *testing.T) {
	s, path := testScheduler(t, nil)

	job, err := s.Create("30 8 * * *", "morning briefing")
	require.NoError(t, err)

	// A fresh scheduler on the same path sees the job.
	s2 := New(path, nil, Target{}, nil, func(bus.InboundMessage) error { return nil })
	require.NoError(t, s2.Load())
	jobs := s2.List()
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)
	assert.Equal(t, "morning briefing", jobs[0].Message)
}

func TestLoadDropsInvalidExpressions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.json")
	jobs := []Job{
		{ID: "sched-good", Expr: "0 9 * * 1", Message: "ok", CreatedAt: time.Now()},
		{ID: "sched-bad", Expr: "never o'clock", Message: "broken", CreatedAt: time.Now()},
	}
	data, err := json.Marshal(jobs)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	s := New(path, nil, Target{}, nil, func(bus.InboundMessage) error { return nil })
	require.NoError(t, s.Load())

	loaded := s.List()
	require.Len(t, loaded, 1)
	assert.Equal(t, "sched-good", loaded[0].ID)
}

func TestLoadMissingFile(t *testing.T) {
	s, _ := testScheduler(t, nil)
	require.NoError(t, s.Load())
	assert.Empty(t, s.List())
}

func TestDelete(t *testing.T) {
	s, _ := testScheduler(t, nil)

	job, err := s.Create("0 9 * * 1", "x")
	require.NoError(t, err)

	require.NoError(t, s.Delete(job.ID))
	assert.Empty(t, s.List())
	assert.Error(t, s.Delete(job.ID), "deleting twice reports the unknown id")
}

func TestListOldestFirst(t *testing.T) {
	s, _ := testScheduler(t, nil)

	first, err := s.Create("0 9 * * 1", "first")
	require.NoError(t, err)
	second, err := s.Create("0 10 * * 2", "second")
	require.NoError(t, err)

	// Force distinct creation times regardless of clock resolution.
	s.mu.Lock()
	s.jobs[second.ID].CreatedAt = s.jobs[first.ID].CreatedAt.Add(time.Second)
	s.mu.Unlock()

	jobs := s.List()
	require.Len(t, jobs, 2)
	assert.Equal(t, first.ID, jobs[0].ID)
	assert.Equal(t, second.ID, jobs[1].ID)
}

func TestTickFiresDueJobs(t *testing.T) {
	fired := make(chan bus.InboundMessage, 4)
	s, _ := testScheduler(t, func(msg bus.InboundMessage) error {
		fired <- msg
		return nil
	})

	_, err := s.Create("30 9 * * *", "daily standup ping")
	require.NoError(t, err)

	s.tick(time.Date(2026, 8, 24, 9, 30, 0, 0, time.Local))

	select {
	case msg := <-fired:
		assert.Equal(t, "daily standup ping", msg.Text)
		assert.Equal(t, bus.OriginScheduler, msg.Origin)
		assert.Equal(t, "telegram:u1", msg.ChannelID)
	default:
		t.Fatal("due job did not fire")
	}

	s.tick(time.Date(2026, 8, 24, 9, 31, 0, 0, time.Local))
	select {
	case msg := <-fired:
		t.Fatalf("job fired when not due: %q", msg.Text)
	default:
	}
}

func TestOperatorCronEntries(t *testing.T) {
	fired := make(chan bus.InboundMessage, 4)
	path := filepath.Join(t.TempDir(), "schedules.json")
	cron := []config.CronEntry{{Expr: "0 7 * * *", Message: "good morning"}}
	s := New(path, cron, Target{UserID: "u1", ChannelID: "telegram:u1", Platform: "telegram"}, nil,
		func(msg bus.InboundMessage) error {
			fired <- msg
			return nil
		})

	s.tick(time.Date(2026, 8, 24, 7, 0, 0, 0, time.Local))
	select {
	case msg := <-fired:
		assert.Equal(t, "good morning", msg.Text)
	default:
		t.Fatal("operator cron entry did not fire")
	}
}
