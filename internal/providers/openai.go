package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// retryBudget caps transient-error retries inside the provider. Above the
// budget the error surfaces as a prompt failure and the session manager moves
// to the next fallback model.
const retryBudget = 3

// OpenAIProvider speaks the OpenAI-compatible chat completions API. Most
// gateways (OpenRouter, Together, local servers) accept this dialect, so one
// client covers the whole fallback chain.
type OpenAIProvider struct {
	name    string
	apiBase string
	apiKey  string
	client  *http.Client
}

// NewOpenAIProvider creates a provider for an OpenAI-compatible endpoint.
func NewOpenAIProvider(name, apiBase, apiKey string) *OpenAIProvider {
	return &OpenAIProvider{
		name:    name,
		apiBase: apiBase,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 180 * time.Second},
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

type oaRequest struct {
	Model       string           `json:"model"`
	Messages    []oaMessage      `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float64          `json:"temperature"`
}

type oaMessage struct {
	Role       string       `json:"role"`
	Content    any          `json:"content"`
	ToolCalls  []oaToolCall `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
}

type oaToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type oaResponse struct {
	Choices []struct {
		Message      oaMessage `json:"message"`
		FinishReason string    `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Chat sends the request, retrying transient failures (timeouts, 5xx) and
// rate limits (429, honoring Retry-After) with exponential backoff. Model
// refs of the form "<name>/<id>" addressed to this provider are sent as the
// bare id; anything else goes through unchanged.
func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if provider, id := SplitModelRef(req.Model); provider == p.name {
		model = id
	}
	body := oaRequest{
		Model:       model,
		Tools:       req.Tools,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, toOAMessage(m))
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= retryBudget; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt, lastErr)
			slog.Debug("provider retry", "provider", p.name, "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := p.doRequest(ctx, payload)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("chat failed after %d retries: %w", retryBudget, lastErr)
}

func (p *OpenAIProvider) doRequest(ctx context.Context, payload []byte) (*ChatResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.apiBase+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &transientError{err: err}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 16<<20))
	if err != nil {
		return nil, &transientError{err: err}
	}

	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(httpResp.Header.Get("Retry-After"))
		return nil, &rateLimitError{retryAfter: retryAfter, body: string(raw)}
	case httpResp.StatusCode >= 500:
		return nil, &transientError{err: fmt.Errorf("upstream %d: %s", httpResp.StatusCode, truncate(string(raw), 200))}
	case httpResp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("chat completions %d: %s", httpResp.StatusCode, truncate(string(raw), 400))
	}

	var parsed oaResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("provider error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("chat response has no choices")
	}

	choice := parsed.Choices[0]
	out := &ChatResponse{
		StopReason: choice.FinishReason,
		Usage:      parsed.Usage,
	}
	if s, ok := choice.Message.Content.(string); ok {
		out.Content = s
	}
	for _, tc := range choice.Message.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			// Malformed arguments become an empty map; the tool reports the
			// validation error back to the model.
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	if len(out.ToolCalls) > 0 && out.StopReason == "" {
		out.StopReason = "tool_calls"
	}
	return out, nil
}

func toOAMessage(m Message) oaMessage {
	out := oaMessage{Role: m.Role, ToolCallID: m.ToolCallID}
	if len(m.Images) > 0 {
		parts := []map[string]any{{"type": "text", "text": m.Content}}
		for _, img := range m.Images {
			parts = append(parts, map[string]any{
				"type": "image_url",
				"image_url": map[string]string{
					"url": fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Data),
				},
			})
		}
		out.Content = parts
	} else {
		out.Content = m.Content
	}
	for _, tc := range m.ToolCalls {
		args, _ := json.Marshal(tc.Arguments)
		otc := oaToolCall{ID: tc.ID, Type: "function"}
		otc.Function.Name = tc.Name
		otc.Function.Arguments = string(args)
		out.ToolCalls = append(out.ToolCalls, otc)
	}
	return out
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

type rateLimitError struct {
	retryAfter time.Duration
	body       string
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (retry after %s): %s", e.retryAfter, truncate(e.body, 100))
}

func isRetryable(err error) bool {
	switch err.(type) {
	case *transientError, *rateLimitError:
		return true
	}
	return false
}

func backoffDelay(attempt int, lastErr error) time.Duration {
	if rl, ok := lastErr.(*rateLimitError); ok && rl.retryAfter > 0 {
		return rl.retryAfter
	}
	return time.Duration(1<<uint(attempt-1)) * time.Second
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
