package workers

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/valet/internal/config"
	"github.com/nextlevelbuilder/valet/internal/providers"
	"github.com/nextlevelbuilder/valet/internal/tools"
)

// fakeProvider answers every Chat with a plain completion. When blocking is
// set it parks until the call's context is cancelled.
type fakeProvider struct {
	blocking bool
}

func (f *fakeProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	if f.blocking {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &providers.ChatResponse{Content: "done", StopReason: "stop"}, nil
}

func (f *fakeProvider) Name() string { return "fake" }

type fakeFacts struct {
	mu    sync.Mutex
	facts []string
}

func (f *fakeFacts) AddFact(ctx context.Context, content, source string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.facts = append(f.facts, content)
	return int64(len(f.facts)), nil
}

func (f *fakeFacts) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.facts...)
}

func (f *fakeFacts) contains(substr string) bool {
	for _, fact := range f.snapshot() {
		if strings.Contains(fact, substr) {
			return true
		}
	}
	return false
}

func testRuntime(t *testing.T, p providers.Provider, facts FactWriter) *Runtime {
	t.Helper()
	cfg := config.WorkersConfig{MaxConcurrent: 3, TimeoutSeconds: 60}
	agent := config.AgentConfig{Model: "openai/primary", MaxTokens: 1024, MaxIterations: 5}
	return NewRuntime("u1", t.TempDir(), cfg, agent, p, facts, nil)
}

func TestDispatchCompletes(t *testing.T) {
	facts := &fakeFacts{}
	rt := testRuntime(t, &fakeProvider{}, facts)

	res, err := rt.Dispatch(context.Background(), DispatchParams{Task: "write a haiku"})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, res.Status)
	assert.True(t, strings.HasPrefix(res.WorkerID, "w-"))
	assert.Equal(t, TriggerHint(res.WorkerID), "worker "+res.WorkerID+" complete")

	require.Eventually(t, func() bool {
		sf, err := rt.Check(res.WorkerID)
		return err == nil && sf.Status == StatusComplete
	}, 3*time.Second, 10*time.Millisecond)

	assert.True(t, facts.contains("worker "+res.WorkerID+" complete"),
		"completion fact must be archived")

	// The status mirror survives on disk.
	sf, err := readStatus(filepath.Dir(res.ResultPath))
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, sf.Status)

	// task.md was written at dispatch time.
	data, err := os.ReadFile(filepath.Join(filepath.Dir(res.ResultPath), "task.md"))
	require.NoError(t, err)
	assert.Equal(t, "write a haiku", string(data))
}

func TestDispatchValidation(t *testing.T) {
	rt := testRuntime(t, &fakeProvider{}, &fakeFacts{})

	_, err := rt.Dispatch(context.Background(), DispatchParams{})
	assert.ErrorContains(t, err, "task is required")

	_, err = rt.Dispatch(context.Background(), DispatchParams{Task: "x", Tools: []string{"shell"}})
	assert.ErrorContains(t, err, "not available to workers")

	_, err = rt.Dispatch(context.Background(), DispatchParams{Task: "x", Type: "nope"})
	assert.ErrorContains(t, err, "unknown worker type")
}

func TestDispatchRejectsNestedWorkers(t *testing.T) {
	rt := testRuntime(t, &fakeProvider{}, &fakeFacts{})

	ctx := tools.WithWorkerID(context.Background(), "w-parent")
	_, err := rt.Dispatch(ctx, DispatchParams{Task: "spawn another"})
	assert.ErrorContains(t, err, "workers cannot dispatch workers")
}

func TestDispatchConcurrencyCap(t *testing.T) {
	facts := &fakeFacts{}
	cfg := config.WorkersConfig{MaxConcurrent: 1, TimeoutSeconds: 60}
	agent := config.AgentConfig{Model: "openai/primary"}
	rt := NewRuntime("u1", t.TempDir(), cfg, agent, &fakeProvider{blocking: true}, facts, nil)

	first, err := rt.Dispatch(context.Background(), DispatchParams{Task: "long job"})
	require.NoError(t, err)

	_, err = rt.Dispatch(context.Background(), DispatchParams{Task: "second job"})
	assert.ErrorContains(t, err, "worker limit reached")

	_, err = rt.Interrupt(first.WorkerID)
	require.NoError(t, err)

	// With the first worker terminal, capacity is available again.
	require.Eventually(t, func() bool {
		_, err := rt.Dispatch(context.Background(), DispatchParams{Task: "third job"})
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)
}

func TestInterruptSetsCancelledBeforeAbort(t *testing.T) {
	facts := &fakeFacts{}
	rt := testRuntime(t, &fakeProvider{blocking: true}, facts)

	res, err := rt.Dispatch(context.Background(), DispatchParams{Task: "long job"})
	require.NoError(t, err)

	// Wait for the run goroutine to install its cancel func.
	require.Eventually(t, func() bool {
		e, ok := rt.registry.Get(res.WorkerID)
		return ok && e.abort != nil
	}, 2*time.Second, 10*time.Millisecond)

	sf, err := rt.Interrupt(res.WorkerID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, sf.Status)
	assert.True(t, facts.contains("worker "+res.WorkerID+" cancelled"))

	// The aborted run loop must dispose quietly: no failure fact, status stays
	// cancelled.
	time.Sleep(100 * time.Millisecond)
	assert.False(t, facts.contains("failed"))
	cur, err := rt.Check(res.WorkerID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cur.Status)

	// Interrupting a terminal worker is a no-op snapshot.
	again, err := rt.Interrupt(res.WorkerID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, again.Status)
}

func TestWorkerTimeout(t *testing.T) {
	facts := &fakeFacts{}
	rt := testRuntime(t, &fakeProvider{blocking: true}, facts)

	res, err := rt.Dispatch(context.Background(), DispatchParams{Task: "never finishes", TimeoutSeconds: 1})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sf, err := rt.Check(res.WorkerID)
		return err == nil && sf.Status == StatusTimeout
	}, 5*time.Second, 50*time.Millisecond)

	assert.True(t, facts.contains("worker "+res.WorkerID+" timed out"))
}

func TestSteer(t *testing.T) {
	rt := testRuntime(t, &fakeProvider{blocking: true}, &fakeFacts{})

	res, err := rt.Dispatch(context.Background(), DispatchParams{Task: "long job"})
	require.NoError(t, err)

	require.NoError(t, rt.Steer(res.WorkerID, "change of plans"))
	data, err := os.ReadFile(filepath.Join(filepath.Dir(res.ResultPath), "steering.md"))
	require.NoError(t, err)
	assert.Equal(t, "change of plans", string(data))

	_, err = rt.Interrupt(res.WorkerID)
	require.NoError(t, err)
	assert.Error(t, rt.Steer(res.WorkerID, "too late"), "terminal workers cannot be steered")
}

func TestResolveModel(t *testing.T) {
	cfg := config.WorkersConfig{Model: "openai/worker-default"}
	agent := config.AgentConfig{Model: "openai/primary", FallbackModels: []string{"openai/cheap"}}
	rt := NewRuntime("u1", t.TempDir(), cfg, agent, &fakeProvider{}, &fakeFacts{}, nil)

	assert.Equal(t, "openai/override", rt.resolveModel("openai/override", "openai/type"))
	assert.Equal(t, "openai/type", rt.resolveModel("", "openai/type"))
	assert.Equal(t, "openai/worker-default", rt.resolveModel("", ""))

	rt.cfg.Model = ""
	assert.Equal(t, "openai/cheap", rt.resolveModel("", ""), "first fallback before the primary")

	rt.agent.FallbackModels = nil
	assert.Equal(t, "openai/primary", rt.resolveModel("", ""))
}

func TestCheckFallsBackToStatusFile(t *testing.T) {
	rt := testRuntime(t, &fakeProvider{}, &fakeFacts{})

	workerDir := filepath.Join(rt.baseDir, "w-gone99")
	require.NoError(t, os.MkdirAll(workerDir, 0o755))
	require.NoError(t, writeStatus(Entry{
		WorkerID:  "w-gone99",
		Status:    StatusComplete,
		WorkerDir: workerDir,
		StartedAt: time.Now(),
	}))

	sf, err := rt.Check("w-gone99")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, sf.Status)

	_, err = rt.Check("w-never-existed")
	assert.Error(t, err)
}
