package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	webTimeout     = 30 * time.Second
	webUserAgent   = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_7_2) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	maxFetchBytes  = 256 * 1024
	maxFetchOutput = 20000
)

var (
	ddgLinkRe    = regexp.MustCompile(`<a[^>]*class="[^"]*result__a[^"]*"[^>]*href="([^"]+)"[^>]*>([\s\S]*?)</a>`)
	ddgSnippetRe = regexp.MustCompile(`<a class="result__snippet[^"]*".*?>([\s\S]*?)</a>`)
	htmlTagRe    = regexp.MustCompile(`<[^>]+>`)
	scriptRe     = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
)

// NewWebSearchTool builds the web_search tool (DuckDuckGo HTML endpoint, no
// API key required).
func NewWebSearchTool() *Tool {
	client := &http.Client{Timeout: webTimeout}
	return &Tool{
		Name:        "web_search",
		Description: "Search the web for current information. Returns titles, URLs, and snippets.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
				"count": map[string]any{"type": "integer", "description": "Number of results (1-10), default 5"},
			},
			"required": []string{"query"},
		},
		Execute: func(ctx context.Context, args map[string]any) *Result {
			query, _ := args["query"].(string)
			if query == "" {
				return ErrorResult("query is required")
			}
			count := 5
			if c, ok := args["count"].(float64); ok && int(c) >= 1 && int(c) <= 10 {
				count = int(c)
			}

			body, err := httpGet(ctx, client, "https://html.duckduckgo.com/html/?q="+url.QueryEscape(query))
			if err != nil {
				return ErrorResult(fmt.Sprintf("search failed: %v", err))
			}

			results := extractSearchResults(body, count)
			if len(results) == 0 {
				return NewResult("No results found for: " + query)
			}

			var b strings.Builder
			fmt.Fprintf(&b, "Search results for: %s\n\n", query)
			for i, r := range results {
				fmt.Fprintf(&b, "%d. %s\n   %s\n", i+1, r.title, r.url)
				if r.snippet != "" {
					fmt.Fprintf(&b, "   %s\n", r.snippet)
				}
				b.WriteByte('\n')
			}
			return NewResult(strings.TrimSpace(b.String()))
		},
	}
}

// NewFetchURLTool builds the fetch_url tool: GET a page and return its text
// with markup stripped.
func NewFetchURLTool() *Tool {
	client := &http.Client{Timeout: webTimeout}
	return &Tool{
		Name:        "fetch_url",
		Description: "Fetch a URL and return its text content with HTML stripped.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{"type": "string"},
			},
			"required": []string{"url"},
		},
		Execute: func(ctx context.Context, args map[string]any) *Result {
			raw, _ := args["url"].(string)
			u, err := url.Parse(raw)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
				return ErrorResult("url must be http or https")
			}

			body, err := httpGet(ctx, client, raw)
			if err != nil {
				return ErrorResult(fmt.Sprintf("fetch failed: %v", err))
			}

			text := scriptRe.ReplaceAllString(body, " ")
			text = htmlTagRe.ReplaceAllString(text, " ")
			text = strings.Join(strings.Fields(text), " ")
			if len(text) > maxFetchOutput {
				text = text[:maxFetchOutput] + "... (truncated)"
			}
			return NewResult(text)
		},
	}
}

func httpGet(ctx context.Context, client *http.Client, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", webUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	return string(body), nil
}

type webResult struct {
	title, url, snippet string
}

func extractSearchResults(html string, count int) []webResult {
	linkMatches := ddgLinkRe.FindAllStringSubmatch(html, count+5)
	snippetMatches := ddgSnippetRe.FindAllStringSubmatch(html, count+5)

	var results []webResult
	for i := 0; i < len(linkMatches) && i < count; i++ {
		rawURL := linkMatches[i][1]
		title := strings.TrimSpace(htmlTagRe.ReplaceAllString(linkMatches[i][2], ""))

		// DDG wraps result links in a redirect; the real URL is in uddg=
		if strings.Contains(rawURL, "uddg=") {
			if u, err := url.QueryUnescape(rawURL); err == nil {
				if idx := strings.Index(u, "uddg="); idx != -1 {
					extracted := u[idx+5:]
					if amp := strings.Index(extracted, "&"); amp != -1 {
						extracted = extracted[:amp]
					}
					rawURL = extracted
				}
			}
		}

		snippet := ""
		if i < len(snippetMatches) {
			snippet = strings.TrimSpace(htmlTagRe.ReplaceAllString(snippetMatches[i][1], ""))
		}
		results = append(results, webResult{title: title, url: rawURL, snippet: snippet})
	}
	return results
}
