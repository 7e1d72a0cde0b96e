// Package reflection runs the background pass that mines recent conversation
// for projections the agent did not record in the moment.
package reflection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/valet/internal/dispatch"
	"github.com/nextlevelbuilder/valet/internal/memory"
	"github.com/nextlevelbuilder/valet/internal/projection"
	"github.com/nextlevelbuilder/valet/internal/providers"
	"github.com/nextlevelbuilder/valet/internal/tools"
)

const (
	interval        = 30 * time.Minute
	metaLastReflect = "last_reflection"
)

const reflectionPrompt = `You review a conversation transcript and extract prospective memory the assistant should track.

Given the current pending projections and the transcript below, output JSON only, no prose:

{"project": [{"summary": "...", "raw_when": "...", "resolved_when": "YYYY-MM-DD HH:MM:SS or empty", "resolution": "exact|day|week|month|someday", "trigger_on_fact": "", "context": "..."}], "archive": ["fact worth remembering", ...]}

Rules:
- project: future intentions, commitments, or follow-ups mentioned but NOT already covered by a pending projection. Resolve times to UTC. Empty array if nothing new.
- archive: durable facts about the user worth remembering. Empty array if none.
- Do not duplicate existing projections.`

// Result is the model's parsed output.
type Result struct {
	Project []projectItem `json:"project"`
	Archive []string      `json:"archive"`
}

type projectItem struct {
	Summary       string `json:"summary"`
	RawWhen       string `json:"raw_when"`
	ResolvedWhen  string `json:"resolved_when"`
	Resolution    string `json:"resolution"`
	TriggerOnFact string `json:"trigger_on_fact"`
	Context       string `json:"context"`
}

// Runner reflects over one user's recent history.
type Runner struct {
	userID      string
	provider    providers.Provider
	model       string
	projections *projection.Store
	archive     *memory.Store
	history     *dispatch.HistoryLog
}

func NewRunner(userID string, provider providers.Provider, model string,
	projections *projection.Store, archive *memory.Store, history *dispatch.HistoryLog) *Runner {
	return &Runner{
		userID:      userID,
		provider:    provider,
		model:       model,
		projections: projections,
		archive:     archive,
		history:     history,
	}
}

// Start runs the reflection loop until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.RunOnce(ctx); err != nil {
					slog.Warn("reflection failed", "user", r.userID, "error", err)
				}
			}
		}
	}()
}

// RunOnce performs one reflection pass: skip when nothing new happened,
// otherwise one temperature-zero completion, tolerant JSON parse, insert.
func (r *Runner) RunOnce(ctx context.Context) error {
	last := r.lastReflection()
	entries, err := r.history.ReadSince(r.userID, last)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	pending, err := r.projections.GetUpcoming(30)
	if err != nil {
		return fmt.Errorf("load pending projections: %w", err)
	}

	var b strings.Builder
	b.WriteString("Current pending projections:\n")
	if len(pending) == 0 {
		b.WriteString("(none)\n")
	} else {
		b.WriteString(tools.FormatProjections(pending))
		b.WriteString("\n")
	}
	b.WriteString("\nTranscript since last reflection:\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "[%s %s] %s\n", e.Time, e.Role, e.Text)
	}

	resp, err := r.provider.Chat(ctx, providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: reflectionPrompt},
			{Role: "user", Content: b.String()},
		},
		Model:       r.model,
		Temperature: 0,
	})
	if err != nil {
		return fmt.Errorf("reflection prompt: %w", err)
	}

	result, err := ParseResult(resp.Content)
	if err != nil {
		return fmt.Errorf("parse reflection output: %w", err)
	}

	for _, item := range result.Project {
		if strings.TrimSpace(item.Summary) == "" {
			continue
		}
		_, err := r.projections.Add(projection.AddParams{
			Summary:       item.Summary,
			RawWhen:       item.RawWhen,
			ResolvedWhen:  item.ResolvedWhen,
			Resolution:    item.Resolution,
			TriggerOnFact: item.TriggerOnFact,
			Context:       item.Context,
		})
		if err != nil {
			slog.Warn("reflected projection rejected", "user", r.userID, "summary", item.Summary, "error", err)
		}
	}
	for _, fact := range result.Archive {
		if strings.TrimSpace(fact) == "" {
			continue
		}
		if _, err := r.archive.AddFact(ctx, fact, "reflection"); err != nil {
			slog.Warn("reflected fact rejected", "user", r.userID, "error", err)
		}
	}

	r.setLastReflection(time.Now())
	slog.Info("reflection complete", "user", r.userID,
		"projected", len(result.Project), "archived", len(result.Archive))
	return nil
}

// ParseResult parses the model's JSON, stripping optional code fences.
func ParseResult(raw string) (*Result, error) {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	var result Result
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *Runner) lastReflection() time.Time {
	value, err := r.projections.GetReflectionMeta(metaLastReflect)
	if err != nil || value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (r *Runner) setLastReflection(t time.Time) {
	if err := r.projections.SetReflectionMeta(metaLastReflect, t.UTC().Format(time.RFC3339)); err != nil {
		slog.Warn("reflection timestamp update failed", "user", r.userID, "error", err)
	}
}
