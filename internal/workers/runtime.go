package workers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nextlevelbuilder/valet/internal/config"
	"github.com/nextlevelbuilder/valet/internal/providers"
	"github.com/nextlevelbuilder/valet/internal/tools"
)

// evictAfter is how long terminal entries stay in the registry before the
// background eviction removes them. Their status.json remains on disk.
const evictAfter = 24 * time.Hour

// dispatchableTools is the allow-list a worker may request beyond its scoped
// file tools.
var dispatchableTools = map[string]bool{
	"web_search": true,
	"fetch_url":  true,
}

// FactWriter archives worker lifecycle facts. Satisfied by memory.Store.
type FactWriter interface {
	AddFact(ctx context.Context, content, source string) (int64, error)
}

// Runtime spawns and manages workers for one user.
type Runtime struct {
	userID   string
	cfg      config.WorkersConfig
	agent    config.AgentConfig
	registry *Registry
	provider providers.Provider
	facts    FactWriter
	baseDir  string // <data>/files/workers

	// extraTools holds the shared tool instances (web_search, fetch_url)
	// a worker may request by name.
	extraTools map[string]*tools.Tool
}

// NewRuntime creates a worker runtime rooted at baseDir.
func NewRuntime(userID, baseDir string, cfg config.WorkersConfig, agent config.AgentConfig,
	provider providers.Provider, facts FactWriter, extraTools map[string]*tools.Tool) *Runtime {
	return &Runtime{
		userID:     userID,
		cfg:        cfg,
		agent:      agent,
		registry:   NewRegistry(),
		provider:   provider,
		facts:      facts,
		baseDir:    baseDir,
		extraTools: extraTools,
	}
}

// Registry exposes the underlying registry for introspection.
func (r *Runtime) Registry() *Registry { return r.registry }

// DispatchParams are the worker_dispatch arguments.
type DispatchParams struct {
	Task           string
	Tools          []string
	Model          string
	TimeoutSeconds int
	Type           string
}

// DispatchResult is returned to the agent immediately; the worker itself runs
// in the background.
type DispatchResult struct {
	WorkerID    string `json:"worker_id"`
	Status      string `json:"status"`
	ResultPath  string `json:"result_path"`
	TriggerHint string `json:"trigger_hint"`
}

// TriggerHint is the canonical completion-fact prefix for a worker id. The
// agent uses it as a projection trigger so "do Y when the worker finishes"
// works through the normal fact-trigger path.
func TriggerHint(workerID string) string {
	return fmt.Sprintf("worker %s complete", workerID)
}

func newWorkerID() string {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("w-%06d", time.Now().UnixNano()%1000000)
	}
	return "w-" + hex.EncodeToString(b[:])
}

// Dispatch validates the request, registers a running entry, and spawns the
// worker session asynchronously. It returns before the worker produces work.
func (r *Runtime) Dispatch(ctx context.Context, p DispatchParams) (*DispatchResult, error) {
	if tools.WorkerIDFromContext(ctx) != "" {
		return nil, fmt.Errorf("workers cannot dispatch workers")
	}
	if p.Task == "" {
		return nil, fmt.Errorf("task is required")
	}
	if r.registry.RunningCount() >= r.cfg.MaxConcurrent {
		return nil, fmt.Errorf("worker limit reached (%d running); wait for one to finish or interrupt it", r.cfg.MaxConcurrent)
	}

	var preset config.WorkerType
	if p.Type != "" {
		wt, ok := r.cfg.Types[p.Type]
		if !ok {
			return nil, fmt.Errorf("unknown worker type %q", p.Type)
		}
		preset = wt
	}

	requested := p.Tools
	if len(requested) == 0 {
		requested = preset.Tools
	}
	for _, name := range requested {
		if !dispatchableTools[name] {
			return nil, fmt.Errorf("tool %q is not available to workers", name)
		}
	}

	model := r.resolveModel(p.Model, preset.Model)
	if model == "" {
		return nil, fmt.Errorf("no model available for worker")
	}

	timeout := time.Duration(r.cfg.TimeoutSeconds) * time.Second
	if preset.TimeoutSeconds > 0 {
		timeout = time.Duration(preset.TimeoutSeconds) * time.Second
	}
	if p.TimeoutSeconds > 0 {
		timeout = time.Duration(p.TimeoutSeconds) * time.Second
	}

	id := newWorkerID()
	workerDir := filepath.Join(r.baseDir, id)
	if err := os.MkdirAll(workerDir, 0o755); err != nil {
		return nil, fmt.Errorf("create worker dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(workerDir, "task.md"), []byte(p.Task), 0o644); err != nil {
		return nil, fmt.Errorf("write task.md: %w", err)
	}

	entry := &Entry{
		WorkerID:   id,
		Status:     StatusRunning,
		Task:       p.Task,
		ResultPath: filepath.Join(workerDir, "result.md"),
		WorkerDir:  workerDir,
		Model:      model,
		StartedAt:  time.Now(),
	}
	r.registry.Register(entry)
	if err := writeStatus(*entry); err != nil {
		slog.Warn("initial status write failed", "worker", id, "error", err)
	}

	go r.run(id, model, requested, timeout)

	slog.Info("worker dispatched", "user", r.userID, "worker", id, "model", model, "timeout", timeout)
	return &DispatchResult{
		WorkerID:    id,
		Status:      StatusRunning,
		ResultPath:  entry.ResultPath,
		TriggerHint: TriggerHint(id),
	}, nil
}

// resolveModel picks the worker model: explicit override, then type default,
// then workers.model, then the first fallback, then the primary.
func (r *Runtime) resolveModel(override, typeDefault string) string {
	for _, m := range []string{override, typeDefault, r.cfg.Model} {
		if m != "" {
			return m
		}
	}
	if len(r.agent.FallbackModels) > 0 {
		return r.agent.FallbackModels[0]
	}
	return r.agent.Model
}

func (r *Runtime) run(id, model string, requested []string, timeout time.Duration) {
	entry, ok := r.registry.Get(id)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timer := time.AfterFunc(timeout, func() { r.expire(id, cancel) })
	r.registry.Update(id, func(e *Entry) {
		e.abort = cancel
		e.timeout = timer
	})
	defer func() {
		timer.Stop()
		time.AfterFunc(evictAfter, func() { r.registry.Remove(id) })
	}()

	reg := tools.NewRegistry(nil)
	for _, t := range fileTools(entry.WorkerDir) {
		reg.Register(t)
	}
	for _, name := range requested {
		if t, ok := r.extraTools[name]; ok {
			reg.Register(t)
		}
	}

	ctx = tools.WithUserID(ctx, r.userID)
	ctx = tools.WithWorkerID(ctx, id)

	err := r.runLoop(ctx, entry, model, reg)
	if err == nil {
		now := time.Now()
		r.registry.Update(id, func(e *Entry) {
			e.Status = StatusComplete
			e.CompletedAt = &now
		})
		if cur, ok := r.registry.Get(id); ok {
			if werr := writeStatus(cur); werr != nil {
				slog.Warn("status write failed", "worker", id, "error", werr)
			}
		}
		fact := fmt.Sprintf("worker %s complete, results at %s", id, entry.ResultPath)
		if _, ferr := r.facts.AddFact(context.Background(), fact, "worker"); ferr != nil {
			slog.Error("completion fact insert failed", "worker", id, "error", ferr)
		}
		slog.Info("worker complete", "user", r.userID, "worker", id)
		return
	}

	// A timeout or interrupt already set a terminal status; the run error is
	// just the aborted LLM call surfacing. Dispose quietly.
	if cur, ok := r.registry.Get(id); ok && IsTerminal(cur.Status) {
		slog.Debug("worker aborted", "worker", id, "status", cur.Status)
		return
	}

	now := time.Now()
	r.registry.Update(id, func(e *Entry) {
		e.Status = StatusFailed
		e.Error = err.Error()
		e.CompletedAt = &now
	})
	if cur, ok := r.registry.Get(id); ok {
		if werr := writeStatus(cur); werr != nil {
			slog.Warn("status write failed", "worker", id, "error", werr)
		}
	}
	fact := fmt.Sprintf("worker %s failed: %s", id, err.Error())
	if _, ferr := r.facts.AddFact(context.Background(), fact, "worker"); ferr != nil {
		slog.Error("failure fact insert failed", "worker", id, "error", ferr)
	}
	slog.Warn("worker failed", "user", r.userID, "worker", id, "error", err)
}

// runLoop is the worker's in-memory agent loop. Nothing is persisted; the
// worker's outputs are its files and its completion fact.
func (r *Runtime) runLoop(ctx context.Context, entry Entry, model string, reg *tools.Registry) error {
	maxIter := r.agent.MaxIterations
	if maxIter <= 0 {
		maxIter = 20
	}

	messages := []providers.Message{
		{Role: "system", Content: workerSystemPrompt(entry)},
		{Role: "user", Content: entry.Task},
	}

	for i := 0; i < maxIter; i++ {
		resp, err := r.provider.Chat(ctx, providers.ChatRequest{
			Messages:  messages,
			Tools:     reg.ProviderDefs(),
			Model:     model,
			MaxTokens: r.agent.MaxTokens,
		})
		if err != nil {
			return fmt.Errorf("worker prompt: %w", err)
		}
		if resp.StopReason == "error" {
			return fmt.Errorf("model reported an error stop")
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			return nil
		}

		for _, call := range resp.ToolCalls {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			result := reg.Execute(ctx, call.Name, call.Arguments)
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    result.ForLLM,
				ToolCallID: call.ID,
			})
		}
	}
	return fmt.Errorf("worker exceeded %d iterations without finishing", maxIter)
}

func workerSystemPrompt(entry Entry) string {
	return fmt.Sprintf(`You are a background worker with a single task. Work autonomously; nobody will answer questions.

Task:
%s

Your working directory is %s. Use write_file and read_file to work with it. Write your final output to result.md before you finish.

Every three tool calls, read steering.md. If it exists, its contents are updated guidance from the user; incorporate it immediately. If it does not exist, continue.`,
		entry.Task, entry.WorkerDir)
}

// expire fires when the worker timeout elapses.
func (r *Runtime) expire(id string, cancel context.CancelFunc) {
	now := time.Now()
	changed := false
	r.registry.Update(id, func(e *Entry) {
		if e.Status != StatusRunning {
			return
		}
		e.Status = StatusTimeout
		e.CompletedAt = &now
		changed = true
	})
	if !changed {
		return
	}
	if cur, ok := r.registry.Get(id); ok {
		if err := writeStatus(cur); err != nil {
			slog.Warn("status write failed", "worker", id, "error", err)
		}
	}
	cancel()
	fact := fmt.Sprintf("worker %s timed out", id)
	if _, err := r.facts.AddFact(context.Background(), fact, "worker"); err != nil {
		slog.Error("timeout fact insert failed", "worker", id, "error", err)
	}
	slog.Warn("worker timed out", "user", r.userID, "worker", id)
}

// Check returns a status snapshot, falling back to status.json when the
// registry has no entry.
func (r *Runtime) Check(id string) (*StatusFile, error) {
	if e, ok := r.registry.Get(id); ok {
		sf := statusFromEntry(e)
		return &sf, nil
	}
	sf, err := readStatus(filepath.Join(r.baseDir, id))
	if err != nil {
		return nil, fmt.Errorf("unknown worker %s", id)
	}
	return sf, nil
}

// Interrupt cancels a running worker. Terminal workers return their snapshot
// unchanged. The terminal status is set before abort so the run goroutine's
// error path sees it and disposes quietly.
func (r *Runtime) Interrupt(id string) (*StatusFile, error) {
	e, ok := r.registry.Get(id)
	if !ok {
		return r.Check(id)
	}
	if IsTerminal(e.Status) {
		sf := statusFromEntry(e)
		return &sf, nil
	}

	now := time.Now()
	var abort context.CancelFunc
	r.registry.Update(id, func(e *Entry) {
		if e.timeout != nil {
			e.timeout.Stop()
		}
		e.Status = StatusCancelled
		e.CompletedAt = &now
		abort = e.abort
	})
	cur, _ := r.registry.Get(id)
	if err := writeStatus(cur); err != nil {
		slog.Warn("status write failed", "worker", id, "error", err)
	}
	if abort != nil {
		func() {
			defer func() { _ = recover() }()
			abort()
		}()
	}
	fact := fmt.Sprintf("worker %s cancelled by user", id)
	if _, err := r.facts.AddFact(context.Background(), fact, "worker"); err != nil {
		slog.Error("cancellation fact insert failed", "worker", id, "error", err)
	}
	slog.Info("worker interrupted", "user", r.userID, "worker", id)

	sf := statusFromEntry(cur)
	return &sf, nil
}

// Steer replaces steering.md for a running worker. No-op when terminal.
func (r *Runtime) Steer(id, guidance string) error {
	e, ok := r.registry.Get(id)
	if !ok {
		return fmt.Errorf("unknown worker %s", id)
	}
	if IsTerminal(e.Status) {
		return fmt.Errorf("worker %s already finished (%s)", id, e.Status)
	}
	if err := os.WriteFile(filepath.Join(e.WorkerDir, "steering.md"), []byte(guidance), 0o644); err != nil {
		return fmt.Errorf("write steering.md: %w", err)
	}
	slog.Info("worker steered", "user", r.userID, "worker", id)
	return nil
}
