// Package scheduler drives everything time-based: operator cron entries,
// agent-managed schedules, and the built-in projection maintenance jobs. All
// of them fire synthetic messages into the queue rather than running agent
// code directly.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/valet/internal/bus"
	"github.com/nextlevelbuilder/valet/internal/config"
	"github.com/nextlevelbuilder/valet/internal/projection"
	"github.com/nextlevelbuilder/valet/internal/tools"
)

const (
	dailyReviewHourUTC = 8
	exactCheckMinutes  = 15
	exactWindowMinutes = 60
	reviewHorizonDays  = 7
	expireThresholdHrs = 24
)

// InjectFunc delivers a synthetic message into the message queue.
type InjectFunc func(msg bus.InboundMessage) error

// Target is the channel a scheduled message is delivered to.
type Target struct {
	UserID    string
	ChannelID string
	Platform  string
}

// Job is one agent-managed schedule, persisted across restarts.
type Job struct {
	ID        string    `json:"id"`
	Expr      string    `json:"expr"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Scheduler ticks once a minute and fires whatever is due.
type Scheduler struct {
	mu   sync.Mutex
	jobs map[string]*Job

	cron    []config.CronEntry
	path    string // schedules.json
	inject  InjectFunc
	gron    *gronx.Gronx
	primary Target

	// projections is the primary user's store, used by the maintenance jobs.
	projections *projection.Store
}

func New(path string, cron []config.CronEntry, primary Target, projections *projection.Store, inject InjectFunc) *Scheduler {
	return &Scheduler{
		jobs:        make(map[string]*Job),
		cron:        cron,
		path:        path,
		inject:      inject,
		gron:        gronx.New(),
		primary:     primary,
		projections: projections,
	}
}

// Load restores agent-managed schedules from disk. A missing file is fine.
func (s *Scheduler) Load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read schedules: %w", err)
	}
	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("parse schedules: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range jobs {
		if s.gron.IsValid(j.Expr) {
			s.jobs[j.ID] = j
		} else {
			slog.Warn("dropping schedule with invalid expression", "id", j.ID, "expr", j.Expr)
		}
	}
	return nil
}

// Start runs the minute tick loop until ctx is cancelled. The first tick is
// aligned to the next minute boundary so cron expressions match cleanly.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		now := time.Now()
		align := now.Truncate(time.Minute).Add(time.Minute).Sub(now)
		select {
		case <-ctx.Done():
			return
		case <-time.After(align):
		}

		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		s.tick(time.Now())
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				s.tick(t)
			}
		}
	}()
}

func (s *Scheduler) tick(now time.Time) {
	for _, entry := range s.cron {
		if due, err := s.gron.IsDue(entry.Expr, now); err == nil && due {
			s.fire(entry.Message)
		}
	}

	s.mu.Lock()
	var due []*Job
	for _, j := range s.jobs {
		if ok, err := s.gron.IsDue(j.Expr, now); err == nil && ok {
			due = append(due, j)
		}
	}
	s.mu.Unlock()
	for _, j := range due {
		slog.Info("schedule fired", "id", j.ID, "expr", j.Expr)
		s.fire(j.Message)
	}

	utc := now.UTC()
	if utc.Hour() == dailyReviewHourUTC && utc.Minute() == 0 {
		s.dailyReview()
	}
	if utc.Minute()%exactCheckMinutes == 0 {
		s.exactCheck()
	}
}

// fire injects one synthetic message for the primary user. The scheduler
// origin tag bypasses the rate limiter and keeps the dispatcher from
// treating it as user activity.
func (s *Scheduler) fire(text string) {
	err := s.inject(bus.InboundMessage{
		ChannelID: s.primary.ChannelID,
		UserID:    s.primary.UserID,
		Platform:  s.primary.Platform,
		Text:      text,
		ArrivedAt: time.Now(),
		Origin:    bus.OriginScheduler,
	})
	if err != nil {
		slog.Warn("scheduled message rejected", "error", err)
	}
}

// dailyReview expires stale projections and hands the agent the coming week.
func (s *Scheduler) dailyReview() {
	if s.projections == nil {
		return
	}
	expired, err := s.projections.AutoExpire(expireThresholdHrs)
	if err != nil {
		slog.Error("auto-expire failed", "error", err)
	} else if expired > 0 {
		slog.Info("stale projections expired", "count", expired)
	}

	items, err := s.projections.GetUpcoming(reviewHorizonDays)
	if err != nil {
		slog.Error("daily review query failed", "error", err)
		return
	}
	if len(items) == 0 {
		return
	}

	text := "Daily review. These projections are coming up in the next week:\n\n" +
		tools.FormatProjections(items) +
		"\n\nGo through them one by one and decide whether each needs action now, a message to the user, or nothing yet. Resolve anything that is already handled."
	s.fire(text)
}

// exactCheck fires a synthetic message when exact-time projections are due.
func (s *Scheduler) exactCheck() {
	if s.projections == nil {
		return
	}
	items, err := s.projections.GetExactDue(exactWindowMinutes)
	if err != nil {
		slog.Error("exact-due query failed", "error", err)
		return
	}
	if len(items) == 0 {
		return
	}
	text := "These projections are due now:\n\n" + tools.FormatProjections(items) +
		"\n\nAct on each one, then resolve it (done, or passed if the moment went by)."
	s.fire(text)
}

// Create validates, starts, and then persists a new agent-managed schedule.
// Invalid expressions fail before anything is stored.
func (s *Scheduler) Create(expr, message string) (*Job, error) {
	if !s.gron.IsValid(expr) {
		return nil, fmt.Errorf("invalid cron expression %q", expr)
	}
	if message == "" {
		return nil, fmt.Errorf("message is required")
	}

	job := &Job{
		ID:        "sched-" + uuid.NewString()[:8],
		Expr:      expr,
		Message:   message,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	err := s.saveLocked()
	if err != nil {
		delete(s.jobs, job.ID)
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	slog.Info("schedule created", "id", job.ID, "expr", expr)
	return job, nil
}

// Delete removes an agent-managed schedule.
func (s *Scheduler) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("unknown schedule %s", id)
	}
	delete(s.jobs, id)
	return s.saveLocked()
}

// List returns agent-managed schedules, oldest first.
func (s *Scheduler) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Scheduler) saveLocked() error {
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })

	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schedules: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write schedules: %w", err)
	}
	return os.Rename(tmp, s.path)
}
