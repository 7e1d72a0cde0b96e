package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/valet/internal/projection"
)

// RegisterProjectionTools adds the prospective-memory tools backed by the
// user's projection store.
func RegisterProjectionTools(reg *Registry, store *projection.Store) {
	reg.Register(&Tool{
		Name: "projection_add",
		Description: "Record a future intention: a reminder, a follow-up, or something to do when a fact arrives. " +
			"Give resolved_when as UTC 'YYYY-MM-DD HH:MM:SS' with resolution=exact for timed items; use resolution=someday for unanchored ones. " +
			"Use trigger_on_fact to fire on an archived fact instead of a time. depends_on makes this wait for other projections.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"summary":         map[string]any{"type": "string"},
				"raw_when":        map[string]any{"type": "string", "description": "The user's original phrasing of the time"},
				"resolved_when":   map[string]any{"type": "string", "description": "UTC datetime or date, empty for someday"},
				"resolution":      map[string]any{"type": "string", "enum": []string{"exact", "day", "week", "month", "someday"}},
				"recurrence":      map[string]any{"type": "string", "description": "Cron expression for repeating items"},
				"trigger_on_fact": map[string]any{"type": "string", "description": "Fire when a matching fact is archived"},
				"context":         map[string]any{"type": "string"},
				"depends_on": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"subject_id": map[string]any{"type": "string"},
							"condition":  map[string]any{"type": "string", "description": "done, cancelled, passed, or a free-text condition"},
						},
						"required": []string{"subject_id", "condition"},
					},
				},
			},
			"required": []string{"summary"},
		},
		Execute: func(ctx context.Context, args map[string]any) *Result {
			p := projection.AddParams{}
			p.Summary, _ = args["summary"].(string)
			p.RawWhen, _ = args["raw_when"].(string)
			p.ResolvedWhen, _ = args["resolved_when"].(string)
			p.Resolution, _ = args["resolution"].(string)
			p.Recurrence, _ = args["recurrence"].(string)
			p.TriggerOnFact, _ = args["trigger_on_fact"].(string)
			p.Context, _ = args["context"].(string)
			if deps, ok := args["depends_on"].([]any); ok {
				for _, d := range deps {
					m, ok := d.(map[string]any)
					if !ok {
						continue
					}
					spec := projection.DependencySpec{}
					spec.SubjectID, _ = m["subject_id"].(string)
					spec.Condition, _ = m["condition"].(string)
					p.DependsOn = append(p.DependsOn, spec)
				}
			}
			id, err := store.Add(p)
			if err != nil {
				if projection.IsInvariant(err) {
					return ErrorResult(err.Error())
				}
				return ErrorResult(fmt.Sprintf("projection_add failed: %v", err))
			}
			return NewResult(fmt.Sprintf("projection %s recorded", id))
		},
	})

	reg.Register(&Tool{
		Name:        "projection_list",
		Description: "List upcoming projections within a horizon of days (default 7). Includes someday items.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"days": map[string]any{"type": "integer", "description": "Horizon in days, default 7"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) *Result {
			days := 7
			if v, ok := args["days"].(float64); ok && v > 0 {
				days = int(v)
			}
			items, err := store.GetUpcoming(days)
			if err != nil {
				return ErrorResult(fmt.Sprintf("projection_list failed: %v", err))
			}
			if len(items) == 0 {
				return NewResult("no upcoming projections")
			}
			return NewResult(FormatProjections(items))
		},
	})

	reg.Register(&Tool{
		Name:        "projection_resolve",
		Description: "Mark a projection done, cancelled, or passed. Re-arms recurring projections instead when next_when is given.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id":        map[string]any{"type": "string"},
				"status":    map[string]any{"type": "string", "enum": []string{"done", "cancelled", "passed"}},
				"next_when": map[string]any{"type": "string", "description": "For recurring items: the next UTC occurrence instead of resolving"},
			},
			"required": []string{"id", "status"},
		},
		Execute: func(ctx context.Context, args map[string]any) *Result {
			id, _ := args["id"].(string)
			status, _ := args["status"].(string)
			nextWhen, _ := args["next_when"].(string)

			if nextWhen != "" {
				ok, err := store.Rearm(id, nextWhen)
				if err != nil {
					return ErrorResult(fmt.Sprintf("re-arm failed: %v", err))
				}
				if !ok {
					return ErrorResult(fmt.Sprintf("projection %s is not recurring or not pending", id))
				}
				if _, err := store.EvaluateDependencies(); err != nil {
					return ErrorResult(fmt.Sprintf("dependency evaluation failed: %v", err))
				}
				return NewResult(fmt.Sprintf("projection %s re-armed for %s", id, nextWhen))
			}

			ok, err := store.Resolve(id, status)
			if err != nil {
				if projection.IsInvariant(err) {
					return ErrorResult(err.Error())
				}
				return ErrorResult(fmt.Sprintf("resolve failed: %v", err))
			}
			if !ok {
				return ErrorResult(fmt.Sprintf("projection %s is not pending", id))
			}
			activated, err := store.EvaluateDependencies()
			if err != nil {
				return ErrorResult(fmt.Sprintf("dependency evaluation failed: %v", err))
			}
			msg := fmt.Sprintf("projection %s marked %s", id, status)
			if activated > 0 {
				msg += fmt.Sprintf("; %d dependent projection(s) activated", activated)
			}
			return NewResult(msg)
		},
	})

	reg.Register(&Tool{
		Name:        "projection_link",
		Description: "Make one projection wait on another: the observer stays pending until the subject satisfies the condition.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"observer_id": map[string]any{"type": "string", "description": "The projection that waits"},
				"subject_id":  map[string]any{"type": "string", "description": "The projection being watched"},
				"condition":   map[string]any{"type": "string", "description": "done, cancelled, passed, or a free-text condition"},
			},
			"required": []string{"observer_id", "subject_id", "condition"},
		},
		Execute: func(ctx context.Context, args map[string]any) *Result {
			observer, _ := args["observer_id"].(string)
			subject, _ := args["subject_id"].(string)
			condition, _ := args["condition"].(string)
			if _, err := store.LinkDependency(observer, subject, condition, ""); err != nil {
				if projection.IsInvariant(err) {
					return ErrorResult(err.Error())
				}
				return ErrorResult(fmt.Sprintf("link failed: %v", err))
			}
			return NewResult(fmt.Sprintf("%s now waits on %s (%s)", observer, subject, condition))
		},
	})
}

// FormatProjections renders projections for tool output and synthetic
// scheduler messages.
func FormatProjections(items []projection.Projection) string {
	var b strings.Builder
	for _, p := range items {
		when := p.ResolvedWhen
		switch {
		case when == "" && p.TriggerOnFact != "":
			when = "on fact: " + p.TriggerOnFact
		case when == "":
			when = "someday"
		}
		fmt.Fprintf(&b, "- [%s] %s (%s, %s)", p.ID, p.Summary, when, p.Resolution)
		if p.Context != "" {
			fmt.Fprintf(&b, ": %s", p.Context)
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}
