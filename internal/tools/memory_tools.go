package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/valet/internal/memory"
)

// RegisterMemoryTools adds the archival and core memory tools backed by the
// user's memory store.
func RegisterMemoryTools(reg *Registry, store *memory.Store) {
	reg.Register(&Tool{
		Name:        "memory_append",
		Description: "Archive a fact for later recall. Facts also drive projection triggers, so archive anything a pending projection might be waiting on.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"content": map[string]any{"type": "string", "description": "The fact, one or two sentences"},
			},
			"required": []string{"content"},
		},
		Execute: func(ctx context.Context, args map[string]any) *Result {
			content, _ := args["content"].(string)
			if strings.TrimSpace(content) == "" {
				return ErrorResult("content is empty")
			}
			id, err := store.AddFact(ctx, content, "agent")
			if err != nil {
				return ErrorResult(fmt.Sprintf("archive failed: %v", err))
			}
			return NewResult(fmt.Sprintf("archived as fact %d", id))
		},
	})

	reg.Register(&Tool{
		Name:        "memory_search",
		Description: "Search archived facts. Semantic search when embeddings are configured, keyword otherwise.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
				"limit": map[string]any{"type": "integer", "description": "Max results, default 6"},
			},
			"required": []string{"query"},
		},
		Execute: func(ctx context.Context, args map[string]any) *Result {
			query, _ := args["query"].(string)
			limit := 6
			if v, ok := args["limit"].(float64); ok && v > 0 {
				limit = int(v)
			}
			facts, err := store.Search(ctx, query, limit)
			if err != nil {
				return ErrorResult(fmt.Sprintf("search failed: %v", err))
			}
			if len(facts) == 0 {
				return NewResult("no matching facts")
			}
			var b strings.Builder
			for _, f := range facts {
				fmt.Fprintf(&b, "[%d] (%s) %s\n", f.ID, f.CreatedAt, f.Content)
			}
			return NewResult(strings.TrimSpace(b.String()))
		},
	})

	reg.Register(&Tool{
		Name:        "core_memory_replace",
		Description: "Replace one section of core memory. Core memory is always visible in your system prompt; keep sections short.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"section": map[string]any{"type": "string", "description": "Section name, e.g. persona, user, projects"},
				"content": map[string]any{"type": "string"},
			},
			"required": []string{"section", "content"},
		},
		Execute: func(ctx context.Context, args map[string]any) *Result {
			section, _ := args["section"].(string)
			content, _ := args["content"].(string)
			if strings.TrimSpace(section) == "" {
				return ErrorResult("section is required")
			}
			if err := store.SetCore(section, content); err != nil {
				return ErrorResult(fmt.Sprintf("update failed: %v", err))
			}
			return NewResult(fmt.Sprintf("core memory section %q updated", section))
		},
	})
}
