package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
)

const (
	webFetchTimeout   = 15 * time.Second
	webFetchByteCap   = 512 * 1024
	webFetchUserAgent = "Mozilla/5.0 (compatible; linggen-agent/1.0)"
	webFetchResultCap = 8000
)

// WebFetchTool fetches a URL and extracts readable text content.
type WebFetchTool struct {
	client *http.Client
}

func NewWebFetchTool() *WebFetchTool {
	return &WebFetchTool{client: &http.Client{Timeout: webFetchTimeout}}
}

func (t *WebFetchTool) Name() string        { return NameWebFetch }
func (t *WebFetchTool) Description() string { return "Fetch a URL and return its readable text content" }
func (t *WebFetchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{"type": "string", "description": "The URL to fetch (http or https)"},
		},
		"required": []any{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]any) *Result {
	rawURL, _ := args["url"].(string)
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return ErrorResult("url must be an http(s) URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return ErrorResultf("create request: %v", err)
	}
	req.Header.Set("User-Agent", webFetchUserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResultf("fetch failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ErrorResultf("fetch failed: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, webFetchByteCap))
	if err != nil {
		return ErrorResultf("read response: %v", err)
	}

	contentType := resp.Header.Get("Content-Type")
	var content string
	switch {
	case strings.Contains(contentType, "text/html"):
		article, rerr := readability.FromReader(strings.NewReader(string(body)), parsed)
		if rerr != nil || strings.TrimSpace(article.TextContent) == "" {
			content = stripTags(string(body))
		} else {
			content = article.TextContent
		}
	case strings.Contains(contentType, "text/"), strings.Contains(contentType, "json"), strings.Contains(contentType, "xml"):
		content = string(body)
	default:
		return ErrorResultf("unsupported content type: %s", contentType)
	}

	content = strings.TrimSpace(content)
	if len(content) > webFetchResultCap {
		content = content[:webFetchResultCap] + "\n… (truncated)"
	}
	return NewResult(content).WithSummary(fmt.Sprintf("fetched %s (%d chars)", parsed.Host, len(content)))
}

func stripTags(html string) string {
	out := htmlTagRe.ReplaceAllString(html, " ")
	return strings.Join(strings.Fields(out), " ")
}
