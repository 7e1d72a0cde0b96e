package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitModelRef(t *testing.T) {
	tests := []struct {
		ref      string
		provider string
		id       string
	}{
		{"openai/gpt-4o", "openai", "gpt-4o"},
		{"anthropic/claude-sonnet", "anthropic", "claude-sonnet"},
		{"openrouter/meta/llama-3", "openrouter", "meta/llama-3"},
		{"gpt-4o", "", "gpt-4o"},
		{"", "", ""},
	}
	for _, tt := range tests {
		provider, id := SplitModelRef(tt.ref)
		assert.Equal(t, tt.provider, provider, tt.ref)
		assert.Equal(t, tt.id, id, tt.ref)
	}
}

func TestUsageAdd(t *testing.T) {
	u := &Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	u.Add(&Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5})
	assert.Equal(t, Usage{PromptTokens: 13, CompletionTokens: 7, TotalTokens: 20}, *u)

	u.Add(nil)
	assert.Equal(t, Usage{PromptTokens: 13, CompletionTokens: 7, TotalTokens: 20}, *u)
}
