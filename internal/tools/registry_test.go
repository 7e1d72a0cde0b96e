package tools

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func echoTool(name string) *Tool {
	return &Tool{
		Name:        name,
		Description: "echoes its input",
		Execute: func(ctx context.Context, args map[string]any) *Result {
			v, _ := args["text"].(string)
			return NewResult(v)
		},
	}
}

func TestRegistryExecute(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(echoTool("echo"))

	res := reg.Execute(context.Background(), "echo", map[string]any{"text": "hi"})
	require.False(t, res.IsError)
	assert.Equal(t, "hi", res.ForLLM)

	res = reg.Execute(context.Background(), "missing", nil)
	assert.True(t, res.IsError)
	assert.Contains(t, res.ForLLM, "unknown tool")
}

func TestRegistryPanicBecomesError(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(&Tool{
		Name: "boom",
		Execute: func(ctx context.Context, args map[string]any) *Result {
			panic("tool bug")
		},
	})

	res := reg.Execute(context.Background(), "boom", nil)
	require.NotNil(t, res)
	assert.True(t, res.IsError)
}

func TestRegistryElevatedToolGoesThroughGate(t *testing.T) {
	gate := NewGate(nil)
	reg := NewRegistry(gate)
	calls := 0
	reg.Register(&Tool{
		Name:       "dangerous",
		Capability: CapabilityElevated,
		Execute: func(ctx context.Context, args map[string]any) *Result {
			calls++
			return NewResult("done")
		},
	})

	ctx := WithUserID(context.Background(), "u1")
	res := reg.Execute(ctx, "dangerous", nil)
	assert.True(t, res.IsError, "first call is blocked pending approval")
	assert.Zero(t, calls)
	assert.Equal(t, "dangerous", gate.Pending("u1"))

	_, ok := gate.ResolvePending("u1", DecisionAllow)
	require.True(t, ok)
	res = reg.Execute(ctx, "dangerous", nil)
	assert.False(t, res.IsError)
	assert.Equal(t, 1, calls)
}

func TestRegistryAuditHook(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(echoTool("echo"))

	var mu sync.Mutex
	var audited []string
	reg.SetAudit(func(userID, tool, argsJSON, result string, isError bool) {
		mu.Lock()
		audited = append(audited, fmt.Sprintf("%s/%s/%s/%v", userID, tool, result, isError))
		mu.Unlock()
	})

	ctx := WithUserID(context.Background(), "u1")
	reg.Execute(ctx, "echo", map[string]any{"text": "hello"})
	reg.Execute(ctx, "missing", nil)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, audited, 2)
	assert.Equal(t, "u1/echo/hello/false", audited[0])
	assert.Contains(t, audited[1], "true", "failed calls are audited too")
}

func TestRegistryNamesInRegistrationOrder(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(echoTool("b"))
	reg.Register(echoTool("a"))
	reg.Register(echoTool("c"))
	assert.Equal(t, []string{"b", "a", "c"}, reg.Names())

	// Re-registering keeps the original position.
	reg.Register(echoTool("a"))
	assert.Equal(t, []string{"b", "a", "c"}, reg.Names())

	reg.Unregister("a")
	assert.Equal(t, []string{"b", "c"}, reg.Names())
}

func TestProviderDefsFillEmptyParameters(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(&Tool{Name: "bare", Execute: func(ctx context.Context, args map[string]any) *Result {
		return NewResult("")
	}})

	defs := reg.ProviderDefs()
	require.Len(t, defs, 1)
	assert.Equal(t, "function", defs[0].Type)
	assert.Equal(t, "bare", defs[0].Function.Name)
	assert.NotNil(t, defs[0].Function.Parameters, "providers reject nil parameter schemas")
}

func TestExecuteEmitsSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	reg := NewRegistry(nil)
	reg.Register(echoTool("echo"))

	ctx := WithUserID(context.Background(), "u1")
	reg.Execute(ctx, "echo", map[string]any{"text": "hi"})
	reg.Execute(ctx, "echo", nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "tool.echo", spans[0].Name)
	attrs := spans[0].Attributes
	var sawTool, sawUser bool
	for _, a := range attrs {
		switch string(a.Key) {
		case "tool.name":
			sawTool = a.Value.AsString() == "echo"
		case "user.id":
			sawUser = a.Value.AsString() == "u1"
		}
	}
	assert.True(t, sawTool)
	assert.True(t, sawUser)
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, UserIDFromContext(ctx))
	assert.Empty(t, WorkerIDFromContext(ctx))

	ctx = WithUserID(ctx, "u1")
	ctx = WithWorkerID(ctx, "w-abc123")
	ctx = WithChannel(ctx, "telegram:u1", "telegram")

	assert.Equal(t, "u1", UserIDFromContext(ctx))
	assert.Equal(t, "w-abc123", WorkerIDFromContext(ctx))
	channel, platform := ChannelFromContext(ctx)
	assert.Equal(t, "telegram:u1", channel)
	assert.Equal(t, "telegram", platform)
}
