// Package tools provides the agent tool registry, the per-tool approval
// gate, and the built-in tool surface (memory, projections, workers,
// schedules, web).
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/valet/internal/providers"
	"github.com/nextlevelbuilder/valet/internal/telemetry"
)

// Capability levels. Elevated tools require per-user approval before they
// execute.
const (
	CapabilitySafe     = "safe"
	CapabilityElevated = "elevated"
)

// ExecFunc runs a tool call.
type ExecFunc func(ctx context.Context, args map[string]any) *Result

// Tool is one agent-invocable capability: a name, a JSON-schema parameter
// description, and an executor. A registry map does the dispatch.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Capability  string // CapabilitySafe (default) or CapabilityElevated
	Execute     ExecFunc
}

// AuditFunc observes completed tool calls for the tool-call audit log.
type AuditFunc func(userID, tool, argsJSON, result string, isError bool)

// Registry maps tool names to tools. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	order []string

	gate  *Gate
	audit AuditFunc
}

// NewRegistry creates an empty registry. gate may be nil, which disables
// approval enforcement (worker registries carry only safe tools).
func NewRegistry(gate *Gate) *Registry {
	return &Registry{tools: make(map[string]*Tool), gate: gate}
}

// SetAudit registers the audit hook. Must be called before the registry is
// shared.
func (r *Registry) SetAudit(fn AuditFunc) { r.audit = fn }

// Register adds a tool; a duplicate name replaces the previous registration.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// ProviderDefs renders the registry as provider tool definitions.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]providers.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return defs
}

// Execute runs a named tool. Unknown names and panics become error results;
// elevated tools pass through the approval gate first.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (result *Result) {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}

	userID := UserIDFromContext(ctx)

	ctx, span := telemetry.Tracer("valet/tools").Start(ctx, "tool."+name,
		trace.WithAttributes(
			attribute.String("tool.name", name),
			attribute.String("user.id", userID),
		))
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool panicked", "tool", name, "panic", rec)
			result = ErrorResult(fmt.Sprintf("tool %s failed internally", name))
		}
		if result != nil && result.IsError {
			span.SetStatus(codes.Error, truncate(result.ForLLM, 120))
		}
		if r.audit != nil && result != nil {
			argsJSON, _ := json.Marshal(args)
			r.audit(userID, name, string(argsJSON), truncate(result.ForLLM, 500), result.IsError)
		}
	}()

	if t.Capability == CapabilityElevated && r.gate != nil {
		if allowed := r.gate.Check(userID, name); !allowed {
			return ErrorResult(fmt.Sprintf(
				"Tool %q requires approval. I've asked the user; once they reply "+
					"'allow', 'always' or 'deny' you can retry.", name))
		}
	}

	return t.Execute(ctx, args)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
