package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateBlocksUnapprovedElevatedTool(t *testing.T) {
	g := NewGate(nil)

	assert.False(t, g.Check("u1", "restart_self"))
	assert.Equal(t, "restart_self", g.Pending("u1"))
	assert.Empty(t, g.Pending("u2"))
}

func TestGatePreApprovedTools(t *testing.T) {
	g := NewGate([]string{"web_search"})

	assert.True(t, g.Check("u1", "web_search"))
	assert.True(t, g.Check("u2", "web_search"), "config approvals apply to every user")
	assert.Empty(t, g.Pending("u1"))
}

func TestGateAllowIsSingleUse(t *testing.T) {
	g := NewGate(nil)

	require.False(t, g.Check("u1", "restart_self"))
	tool, ok := g.ResolvePending("u1", DecisionAllow)
	require.True(t, ok)
	assert.Equal(t, "restart_self", tool)

	assert.True(t, g.Check("u1", "restart_self"), "the once grant admits the retry")
	assert.False(t, g.Check("u1", "restart_self"), "and is consumed by it")
}

func TestGateAlwaysPersists(t *testing.T) {
	g := NewGate(nil)

	require.False(t, g.Check("u1", "restart_self"))
	_, ok := g.ResolvePending("u1", DecisionAlways)
	require.True(t, ok)

	for i := 0; i < 3; i++ {
		assert.True(t, g.Check("u1", "restart_self"))
	}
	assert.False(t, g.Check("u2", "restart_self"), "trust is per user")
}

func TestGateDeny(t *testing.T) {
	g := NewGate(nil)

	require.False(t, g.Check("u1", "restart_self"))
	tool, ok := g.ResolvePending("u1", DecisionDeny)
	require.True(t, ok)
	assert.Equal(t, "restart_self", tool)
	assert.Empty(t, g.Pending("u1"), "the pending slot is cleared either way")

	assert.False(t, g.Check("u1", "restart_self"), "denied tools stay blocked")
}

func TestResolvePendingWithoutRequest(t *testing.T) {
	g := NewGate(nil)
	_, ok := g.ResolvePending("u1", DecisionAllow)
	assert.False(t, ok)
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		text string
		want Decision
		ok   bool
	}{
		{"allow", DecisionAllow, true},
		{"YES", DecisionAllow, true},
		{" Approve ", DecisionAllow, true},
		{"ok", DecisionAllow, true},
		{"always", DecisionAlways, true},
		{"deny", DecisionDeny, true},
		{"No", DecisionDeny, true},
		{"reject", DecisionDeny, true},
		{"maybe later", "", false},
		{"allow it", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, ok := ParseDecision(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
