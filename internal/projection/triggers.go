package projection

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/valet/internal/providers"
)

// EmbedFunc computes an embedding vector for text. Nil disables the semantic
// slow path; trigger matching then runs keyword-only.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// DefaultSimilarityThreshold is the cosine-similarity floor for the semantic
// trigger slow path.
const DefaultSimilarityThreshold = 0.55

// identifierPattern matches worker ids and UUID prefixes inside a trigger.
// Triggers carrying an identifier are matched by keyword only; semantic
// similarity between two "worker ... complete" phrases would otherwise
// cross-activate projections waiting on different workers.
var identifierPattern = regexp.MustCompile(`(?i)\bw-[0-9a-f]{6,}\b|\b[0-9a-f]{8}-[0-9a-f]{4}\b`)

var triggerTokenizer = regexp.MustCompile(`[a-zA-Z0-9]+`)

// CheckTriggers matches factContent against every pending projection with a
// trigger phrase and activates the matches: resolved_when ← now, resolution ←
// exact, trigger cleared so a later matching fact cannot re-activate it.
//
// Phase 1 (fast path): every alphanumeric token of the trigger must appear as
// a case-insensitive substring of the fact. Phase 2 (slow path, only with an
// embedder and only for triggers without identifiers): cosine similarity of
// the embedded trigger and fact at or above threshold.
func (s *Store) CheckTriggers(ctx context.Context, factContent string, embed EmbedFunc, threshold float64) ([]Projection, error) {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}

	rows, err := s.db.Query(selectProjection+`
		WHERE status = ? AND trigger_on_fact IS NOT NULL AND trigger_on_fact != ''`,
		StatusPending)
	if err != nil {
		return nil, fmt.Errorf("load triggered projections: %w", err)
	}
	candidates, err := scanProjections(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	factLower := strings.ToLower(factContent)
	var activated []Projection
	var semantic []Projection

	for _, p := range candidates {
		if keywordMatch(p.TriggerOnFact, factLower) {
			activated = append(activated, p)
			continue
		}
		if embed != nil && !identifierPattern.MatchString(p.TriggerOnFact) {
			semantic = append(semantic, p)
		}
	}

	if len(semantic) > 0 {
		factVec, err := embed(ctx, factContent)
		if err != nil {
			slog.Warn("trigger embedding failed, keyword-only match", "user", s.userID, "error", err)
		} else {
			for _, p := range semantic {
				trigVec, err := embed(ctx, p.TriggerOnFact)
				if err != nil {
					continue
				}
				if sim := providers.CosineSimilarity(factVec, trigVec); sim >= threshold {
					slog.Debug("semantic trigger match", "user", s.userID, "projection", p.ID, "similarity", sim)
					activated = append(activated, p)
				}
			}
		}
	}

	var fired []Projection
	for _, p := range activated {
		ok, err := s.activateTrigger(p.ID)
		if err != nil {
			return fired, err
		}
		if ok {
			p.ResolvedWhen = s.sqlNow()
			p.Resolution = ResolutionExact
			p.TriggerOnFact = ""
			fired = append(fired, p)
		}
	}
	return fired, nil
}

// activateTrigger flips one row atomically; the status guard makes a
// concurrent double activation a no-op.
func (s *Store) activateTrigger(id string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE projections
		SET resolved_when = ?, resolution = ?, trigger_on_fact = NULL
		WHERE id = ? AND status = ? AND trigger_on_fact IS NOT NULL`,
		s.sqlNow(), ResolutionExact, id, StatusPending)
	if err != nil {
		return false, fmt.Errorf("activate trigger: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func keywordMatch(trigger, factLower string) bool {
	tokens := triggerTokenizer.FindAllString(trigger, -1)
	if len(tokens) == 0 {
		return false
	}
	for _, tok := range tokens {
		if !strings.Contains(factLower, strings.ToLower(tok)) {
			return false
		}
	}
	return true
}
