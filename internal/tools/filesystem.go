package tools

import (
	"context"
	"fmt"
	"strings"
)

// ReadTool returns file contents, line-numbered.
type ReadTool struct{}

func (t *ReadTool) Name() string        { return NameRead }
func (t *ReadTool) Description() string { return "Read a file from the workspace" }
func (t *ReadTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Workspace-relative path of the file to read",
			},
		},
		"required": []any{"path"},
	}
}

func (t *ReadTool) Execute(ctx context.Context, args map[string]any) *Result {
	info := RunInfoFrom(ctx)
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	data, err := info.WS.Read(path)
	if err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}
	return NewResult(numberLines(string(data))).
		WithSummary(fmt.Sprintf("read %s (%d bytes)", path, len(data)))
}

func numberLines(s string) string {
	lines := strings.Split(s, "\n")
	var sb strings.Builder
	for i, l := range lines {
		fmt.Fprintf(&sb, "%6d\t%s\n", i+1, l)
	}
	return sb.String()
}

// WriteTool writes a file, subject to the agent's write scope.
type WriteTool struct{}

func (t *WriteTool) Name() string        { return NameWrite }
func (t *WriteTool) Description() string { return "Write a file in the workspace, creating parents" }
func (t *WriteTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "Workspace-relative path"},
			"content": map[string]any{"type": "string", "description": "Full file content"},
		},
		"required": []any{"path", "content"},
	}
}

func (t *WriteTool) Execute(ctx context.Context, args map[string]any) *Result {
	info := RunInfoFrom(ctx)
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	if err := info.WS.Write(path, []byte(content), info.Spec.WorkGlobs, info.SafetyMode); err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}
	return NewResult(fmt.Sprintf("wrote %d bytes to %s", len(content), path)).
		WithSummary(fmt.Sprintf("wrote %s", path))
}

// EditTool applies a unique in-place replacement and returns the diff.
type EditTool struct{}

func (t *EditTool) Name() string { return NameEdit }
func (t *EditTool) Description() string {
	return "Replace old_string with new_string in a file; old_string must match exactly once unless start_line disambiguates"
}
func (t *EditTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":       map[string]any{"type": "string", "description": "Workspace-relative path"},
			"old_string": map[string]any{"type": "string", "description": "Exact text to replace"},
			"new_string": map[string]any{"type": "string", "description": "Replacement text"},
			"start_line": map[string]any{"type": "integer", "description": "1-based line to start matching from (disambiguation)"},
		},
		"required": []any{"path", "old_string", "new_string"},
	}
}

func (t *EditTool) Execute(ctx context.Context, args map[string]any) *Result {
	info := RunInfoFrom(ctx)
	path, _ := args["path"].(string)
	oldStr, _ := args["old_string"].(string)
	newStr, _ := args["new_string"].(string)
	if path == "" || oldStr == "" {
		return ErrorResult("path and old_string are required")
	}
	startLine := 0
	if v, ok := args["start_line"].(float64); ok {
		startLine = int(v)
	}
	diff, err := info.WS.Edit(path, oldStr, newStr, startLine, info.Spec.WorkGlobs, info.SafetyMode)
	if err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}
	return NewResult(diff).WithSummary(fmt.Sprintf("edited %s", path))
}
