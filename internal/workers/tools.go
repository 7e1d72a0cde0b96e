package workers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/valet/internal/tools"
)

// RegisterTools adds the worker lifecycle tools to an agent tool registry.
func RegisterTools(reg *tools.Registry, rt *Runtime) {
	reg.Register(&tools.Tool{
		Name: "worker_dispatch",
		Description: "Start a background worker for a long-running task. Returns immediately with a worker_id " +
			"and a trigger_hint you can use as trigger_on_fact on a projection to react when it finishes.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task":            map[string]any{"type": "string", "description": "What the worker should do, self-contained"},
				"tools":           map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Extra tools: web_search, fetch_url"},
				"model":           map[string]any{"type": "string", "description": "Model override, provider/id"},
				"timeout_seconds": map[string]any{"type": "integer"},
				"type":            map[string]any{"type": "string", "description": "Named worker type from config"},
			},
			"required": []string{"task"},
		},
		Execute: func(ctx context.Context, args map[string]any) *tools.Result {
			p := DispatchParams{}
			p.Task, _ = args["task"].(string)
			p.Model, _ = args["model"].(string)
			p.Type, _ = args["type"].(string)
			if v, ok := args["timeout_seconds"].(float64); ok {
				p.TimeoutSeconds = int(v)
			}
			if list, ok := args["tools"].([]any); ok {
				for _, t := range list {
					if s, ok := t.(string); ok {
						p.Tools = append(p.Tools, s)
					}
				}
			}
			res, err := rt.Dispatch(ctx, p)
			if err != nil {
				return tools.ErrorResult(err.Error())
			}
			out, _ := json.Marshal(res)
			return tools.AsyncResult(string(out))
		},
	})

	reg.Register(&tools.Tool{
		Name:        "worker_check",
		Description: "Check the status of a background worker.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"worker_id": map[string]any{"type": "string"},
			},
			"required": []string{"worker_id"},
		},
		Execute: func(ctx context.Context, args map[string]any) *tools.Result {
			id, _ := args["worker_id"].(string)
			sf, err := rt.Check(id)
			if err != nil {
				return tools.ErrorResult(err.Error())
			}
			out, _ := json.Marshal(sf)
			return tools.NewResult(string(out))
		},
	})

	reg.Register(&tools.Tool{
		Name:        "worker_interrupt",
		Description: "Cancel a running background worker. No effect on finished workers.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"worker_id": map[string]any{"type": "string"},
			},
			"required": []string{"worker_id"},
		},
		Execute: func(ctx context.Context, args map[string]any) *tools.Result {
			id, _ := args["worker_id"].(string)
			sf, err := rt.Interrupt(id)
			if err != nil {
				return tools.ErrorResult(err.Error())
			}
			out, _ := json.Marshal(sf)
			return tools.NewResult(string(out))
		},
	})

	reg.Register(&tools.Tool{
		Name:        "worker_steer",
		Description: "Send updated guidance to a running worker. Replaces any previous guidance; the worker picks it up within a few tool calls.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"worker_id": map[string]any{"type": "string"},
				"guidance":  map[string]any{"type": "string"},
			},
			"required": []string{"worker_id", "guidance"},
		},
		Execute: func(ctx context.Context, args map[string]any) *tools.Result {
			id, _ := args["worker_id"].(string)
			guidance, _ := args["guidance"].(string)
			if err := rt.Steer(id, guidance); err != nil {
				return tools.ErrorResult(err.Error())
			}
			return tools.NewResult(fmt.Sprintf("steering delivered to %s", id))
		},
	})
}
