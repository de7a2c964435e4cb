package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// BashTool runs a shell command inside the workspace, subject to the command
// safety policy and a per-call timeout.
type BashTool struct{}

func (t *BashTool) Name() string        { return NameBash }
func (t *BashTool) Description() string { return "Execute a shell command in the workspace" }
func (t *BashTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command":    map[string]any{"type": "string", "description": "The shell command to execute"},
			"cwd":        map[string]any{"type": "string", "description": "Workspace-relative working directory"},
			"timeout_ms": map[string]any{"type": "integer", "description": "Timeout in milliseconds (default 60000)"},
		},
		"required": []any{"command"},
	}
}

func (t *BashTool) Execute(ctx context.Context, args map[string]any) *Result {
	info := RunInfoFrom(ctx)
	command, _ := args["command"].(string)
	if command == "" {
		return ErrorResult("command is required")
	}
	cwd, _ := args["cwd"].(string)
	timeout := info.BashTimeout
	if v, ok := args["timeout_ms"].(float64); ok && v > 0 {
		timeout = time.Duration(v) * time.Millisecond
	}

	if info.Progress != nil {
		info.Progress("$ " + command)
	}

	res, err := info.WS.Exec(ctx, command, cwd, timeout, info.BashOutputCap)
	if err != nil {
		if ctx.Err() != nil {
			return ErrorResult("command cancelled").WithError(ctx.Err())
		}
		return ErrorResult(err.Error()).WithError(err)
	}

	var sb strings.Builder
	if res.Stdout != "" {
		sb.WriteString(res.Stdout)
	}
	if res.Stderr != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("STDERR:\n" + res.Stderr)
	}
	out := sb.String()
	if out == "" {
		out = "(command completed with no output)"
	}

	if res.ExitCode != 0 {
		return ErrorResult(fmt.Sprintf("exit code %d\n%s", res.ExitCode, out)).
			WithSummary(fmt.Sprintf("command failed (exit %d)", res.ExitCode))
	}
	return NewResult(out).WithSummary("command succeeded")
}
