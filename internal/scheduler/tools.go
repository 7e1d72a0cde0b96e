package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/valet/internal/tools"
)

// RegisterTools adds the schedule management tools.
func RegisterTools(reg *tools.Registry, s *Scheduler) {
	reg.Register(&tools.Tool{
		Name:        "schedule_create",
		Description: "Create a recurring schedule. At each firing the message is delivered to you as if the user sent it.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"expr":    map[string]any{"type": "string", "description": "Five-field cron expression, e.g. '0 9 * * 1-5'"},
				"message": map[string]any{"type": "string", "description": "What you should be told when it fires"},
			},
			"required": []string{"expr", "message"},
		},
		Execute: func(ctx context.Context, args map[string]any) *tools.Result {
			expr, _ := args["expr"].(string)
			message, _ := args["message"].(string)
			job, err := s.Create(expr, message)
			if err != nil {
				return tools.ErrorResult(err.Error())
			}
			return tools.NewResult(fmt.Sprintf("schedule %s created (%s)", job.ID, job.Expr))
		},
	})

	reg.Register(&tools.Tool{
		Name:        "schedule_list",
		Description: "List your recurring schedules.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Execute: func(ctx context.Context, args map[string]any) *tools.Result {
			jobs := s.List()
			if len(jobs) == 0 {
				return tools.NewResult("no schedules")
			}
			var b strings.Builder
			for _, j := range jobs {
				fmt.Fprintf(&b, "- %s: %s (%s)\n", j.ID, j.Message, j.Expr)
			}
			return tools.NewResult(strings.TrimSpace(b.String()))
		},
	})

	reg.Register(&tools.Tool{
		Name:        "schedule_delete",
		Description: "Delete a recurring schedule by id.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{"type": "string"},
			},
			"required": []string{"id"},
		},
		Execute: func(ctx context.Context, args map[string]any) *tools.Result {
			id, _ := args["id"].(string)
			if err := s.Delete(id); err != nil {
				return tools.ErrorResult(err.Error())
			}
			return tools.NewResult(fmt.Sprintf("schedule %s deleted", id))
		},
	})
}
