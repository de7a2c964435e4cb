package tools

import "context"

// FinalizeTaskTool marks the run succeeded with an output packet.
type FinalizeTaskTool struct{}

func (t *FinalizeTaskTool) Name() string { return NameFinalizeTask }
func (t *FinalizeTaskTool) Description() string {
	return "Finish the task successfully and report the final output"
}
func (t *FinalizeTaskTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"packet": map[string]any{"type": "string", "description": "Final output delivered to the caller"},
		},
		"required": []any{"packet"},
	}
}

func (t *FinalizeTaskTool) Execute(ctx context.Context, args map[string]any) *Result {
	info := RunInfoFrom(ctx)
	packet, _ := args["packet"].(string)
	if err := info.Hooks.Finalize(ctx, packet); err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}
	return NewResult("task finalized").WithSummary("finalized")
}
