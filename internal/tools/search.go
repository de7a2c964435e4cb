package tools

import (
	"context"
	"fmt"
	"strings"
)

// GlobTool lists workspace files matching a pattern.
type GlobTool struct{}

func (t *GlobTool) Name() string        { return NameGlob }
func (t *GlobTool) Description() string { return "List workspace files matching a glob pattern (** supported)" }
func (t *GlobTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{"type": "string", "description": "Glob pattern, e.g. src/**/*.go"},
		},
		"required": []any{"pattern"},
	}
}

func (t *GlobTool) Execute(ctx context.Context, args map[string]any) *Result {
	info := RunInfoFrom(ctx)
	pattern, _ := args["pattern"].(string)
	if pattern == "" {
		return ErrorResult("pattern is required")
	}
	matches, err := info.WS.Glob(pattern)
	if err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}
	if len(matches) == 0 {
		return NewResult("(no matches)").WithSummary("0 matches")
	}
	return NewResult(strings.Join(matches, "\n")).
		WithSummary(fmt.Sprintf("%d matches", len(matches)))
}

// GrepTool searches file contents for a regexp.
type GrepTool struct{}

func (t *GrepTool) Name() string        { return NameGrep }
func (t *GrepTool) Description() string { return "Search workspace file contents with a regular expression" }
func (t *GrepTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{"type": "string", "description": "Regular expression"},
			"path":    map[string]any{"type": "string", "description": "Workspace-relative directory to search (default: whole project)"},
			"case":    map[string]any{"type": "boolean", "description": "true = case-sensitive (default false)"},
		},
		"required": []any{"pattern"},
	}
}

func (t *GrepTool) Execute(ctx context.Context, args map[string]any) *Result {
	info := RunInfoFrom(ctx)
	pattern, _ := args["pattern"].(string)
	if pattern == "" {
		return ErrorResult("pattern is required")
	}
	root, _ := args["path"].(string)
	caseSensitive, _ := args["case"].(bool)

	hits, err := info.WS.Grep(pattern, root, !caseSensitive)
	if err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}
	if len(hits) == 0 {
		return NewResult("(no matches)").WithSummary("0 hits")
	}
	var sb strings.Builder
	for _, h := range hits {
		fmt.Fprintf(&sb, "%s:%d: %s\n", h.Path, h.Line, h.Preview)
	}
	return NewResult(sb.String()).WithSummary(fmt.Sprintf("%d hits", len(hits)))
}
