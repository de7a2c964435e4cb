package tools

import (
	"context"
	"fmt"
	"strings"
)

// TaskTool (delegate_to_agent) spawns a child run on another agent and
// blocks until its outcome. Depth and policy enforcement live above in the
// manager and engine.
type TaskTool struct{}

func (t *TaskTool) Name() string { return NameTask }
func (t *TaskTool) Description() string {
	return "Delegate a task to another agent and wait for its result"
}
func (t *TaskTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"target_agent_id": map[string]any{"type": "string", "description": "Agent to delegate to"},
			"task":            map[string]any{"type": "string", "description": "Complete task description for the child agent"},
		},
		"required": []any{"target_agent_id", "task"},
	}
}

func (t *TaskTool) Execute(ctx context.Context, args map[string]any) *Result {
	info := RunInfoFrom(ctx)
	target, _ := args["target_agent_id"].(string)
	task, _ := args["task"].(string)
	if strings.TrimSpace(target) == "" || strings.TrimSpace(task) == "" {
		return ErrorResult("target_agent_id and task are required")
	}

	result, err := info.Hooks.Delegate(ctx, target, task)
	if err != nil {
		if ctx.Err() != nil {
			return ErrorResult("delegation cancelled").WithError(ctx.Err())
		}
		return ErrorResult(err.Error()).WithError(err)
	}
	return NewResult(result).WithSummary(fmt.Sprintf("delegated to %s", target))
}
