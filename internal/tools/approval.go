package tools

import (
	"log/slog"
	"strings"
	"sync"
)

// Trust levels for an approved tool.
const (
	TrustOnce   = "once"
	TrustAlways = "always"
)

// Decision is the parsed outcome of an approval reply.
type Decision string

const (
	DecisionAllow  Decision = "allow"
	DecisionAlways Decision = "always"
	DecisionDeny   Decision = "deny"
)

// Gate enforces the per-tool approval policy. Elevated tools check the
// trust store on invocation; unapproved calls return a stock error result
// and register a pending approval that the dispatcher resolves from the
// user's next message.
type Gate struct {
	mu          sync.Mutex
	preApproved map[string]bool              // from config trust.approved_tools, applies to all users
	trust       map[string]map[string]string // userID → tool → trust level
	pending     map[string]string            // userID → tool awaiting approval
}

// NewGate creates a gate. preApproved tools (from config trust.approved_tools)
// are trusted always for every user.
func NewGate(preApproved []string) *Gate {
	g := &Gate{
		preApproved: make(map[string]bool, len(preApproved)),
		trust:       make(map[string]map[string]string),
		pending:     make(map[string]string),
	}
	for _, name := range preApproved {
		g.preApproved[name] = true
	}
	return g
}

// Check reports whether userID may run tool right now. A once-level grant is
// consumed by the call. Denied calls register a pending approval.
func (g *Gate) Check(userID, tool string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.preApproved[tool] {
		return true
	}

	levels, ok := g.trust[userID]
	if ok {
		switch levels[tool] {
		case TrustAlways:
			return true
		case TrustOnce:
			delete(levels, tool)
			return true
		}
	}

	g.pending[userID] = tool
	slog.Info("approval required", "user", userID, "tool", tool)
	return false
}

// Pending returns the tool awaiting approval for userID, "" when none.
func (g *Gate) Pending(userID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending[userID]
}

// ResolvePending applies the user's decision to the pending approval and
// clears it. Returns the tool that was pending and whether anything changed.
func (g *Gate) ResolvePending(userID string, d Decision) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	tool, ok := g.pending[userID]
	if !ok {
		return "", false
	}
	delete(g.pending, userID)

	switch d {
	case DecisionAllow:
		g.grant(userID, tool, TrustOnce)
	case DecisionAlways:
		g.grant(userID, tool, TrustAlways)
	case DecisionDeny:
		// nothing to record; the agent's retry will re-register if needed
	}
	return tool, true
}

func (g *Gate) grant(userID, tool, level string) {
	if g.trust[userID] == nil {
		g.trust[userID] = make(map[string]string)
	}
	g.trust[userID][tool] = level
}

// ParseDecision matches a user message against the approval keywords.
func ParseDecision(text string) (Decision, bool) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "allow", "yes", "approve", "ok":
		return DecisionAllow, true
	case "always":
		return DecisionAlways, true
	case "deny", "no", "reject":
		return DecisionDeny, true
	}
	return "", false
}
