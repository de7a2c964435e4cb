package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	searchTimeout       = 10 * time.Second
	searchDefaultCount  = 8
	braveSearchEndpoint = "https://api.search.brave.com/res/v1/web/search"
)

var htmlTagRe = regexp.MustCompile(`<[^>]+>`)

type searchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

type searchBackend interface {
	Name() string
	Search(ctx context.Context, query string, count int) ([]searchResult, error)
}

// WebSearchTool returns ranked web results. Brave serves when a key is
// configured; DuckDuckGo HTML is the keyless fallback.
type WebSearchTool struct {
	backends []searchBackend
}

func NewWebSearchTool(braveAPIKey string) *WebSearchTool {
	t := &WebSearchTool{}
	if braveAPIKey != "" {
		t.backends = append(t.backends, &braveBackend{
			apiKey: braveAPIKey,
			client: &http.Client{Timeout: searchTimeout},
		})
	}
	t.backends = append(t.backends, &ddgBackend{client: &http.Client{Timeout: searchTimeout}})
	return t
}

func (t *WebSearchTool) Name() string        { return NameWebSearch }
func (t *WebSearchTool) Description() string { return "Search the web and return ranked results" }
func (t *WebSearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string", "description": "Search query"},
			"count": map[string]any{"type": "integer", "description": "Result count (default 8, max 20)"},
		},
		"required": []any{"query"},
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]any) *Result {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return ErrorResult("query is required")
	}
	count := searchDefaultCount
	if v, ok := args["count"].(float64); ok && v > 0 {
		count = int(v)
		if count > 20 {
			count = 20
		}
	}

	var lastErr error
	for _, b := range t.backends {
		results, err := b.Search(ctx, query, count)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", b.Name(), err)
			continue
		}
		if len(results) == 0 {
			return NewResult("(no results)").WithSummary("0 results")
		}
		var sb strings.Builder
		for i, r := range results {
			fmt.Fprintf(&sb, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
			if r.Description != "" {
				fmt.Fprintf(&sb, "   %s\n", r.Description)
			}
		}
		return NewResult(sb.String()).
			WithSummary(fmt.Sprintf("%d results via %s", len(results), b.Name()))
	}
	return ErrorResultf("web search failed: %v", lastErr)
}

// --- Brave ---

type braveBackend struct {
	apiKey string
	client *http.Client
}

func (b *braveBackend) Name() string { return "brave" }

func (b *braveBackend) Search(ctx context.Context, query string, count int) ([]searchResult, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("count", fmt.Sprintf("%d", count))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, braveSearchEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave API returned %d", resp.StatusCode)
	}

	var braveResp struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &braveResp); err != nil {
		return nil, err
	}
	var results []searchResult
	for _, r := range braveResp.Web.Results {
		results = append(results, searchResult{
			Title:       r.Title,
			URL:         r.URL,
			Description: htmlTagRe.ReplaceAllString(r.Description, ""),
		})
		if len(results) >= count {
			break
		}
	}
	return results, nil
}

// --- DuckDuckGo HTML ---

type ddgBackend struct {
	client *http.Client
}

func (b *ddgBackend) Name() string { return "duckduckgo" }

var (
	ddgLinkRe    = regexp.MustCompile(`<a[^>]*class="[^"]*result__a[^"]*"[^>]*href="([^"]+)"[^>]*>([\s\S]*?)</a>`)
	ddgSnippetRe = regexp.MustCompile(`<a class="result__snippet[^"]*".*?>([\s\S]*?)</a>`)
)

func (b *ddgBackend) Search(ctx context.Context, query string, count int) ([]searchResult, error) {
	searchURL := "https://html.duckduckgo.com/html/?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", webFetchUserAgent)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	linkMatches := ddgLinkRe.FindAllStringSubmatch(string(body), count+5)
	snippetMatches := ddgSnippetRe.FindAllStringSubmatch(string(body), count+5)

	var results []searchResult
	for i := 0; i < len(linkMatches) && i < count; i++ {
		rawURL := linkMatches[i][1]
		title := strings.TrimSpace(htmlTagRe.ReplaceAllString(linkMatches[i][2], ""))

		// DDG wraps URLs with a redirect — extract the real URL from uddg=.
		if strings.Contains(rawURL, "uddg=") {
			if u, err := url.QueryUnescape(rawURL); err == nil {
				if idx := strings.Index(u, "uddg="); idx != -1 {
					extracted := u[idx+5:]
					if ampIdx := strings.Index(extracted, "&"); ampIdx != -1 {
						extracted = extracted[:ampIdx]
					}
					rawURL = extracted
				}
			}
		}

		desc := ""
		if i < len(snippetMatches) {
			desc = strings.TrimSpace(htmlTagRe.ReplaceAllString(snippetMatches[i][1], ""))
		}
		results = append(results, searchResult{Title: title, URL: rawURL, Description: desc})
	}
	return results, nil
}
