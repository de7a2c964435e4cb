package tools

import (
	"context"
	"fmt"

	"github.com/linggen/linggen-agent/pkg/protocol"
)

// PlanTool registers or updates the run's plan. A plan submitted as
// "planned" suspends tool dispatch until the user approves it.
type PlanTool struct{}

func (t *PlanTool) Name() string        { return NamePlan }
func (t *PlanTool) Description() string { return "Register or update the structured plan for this task" }
func (t *PlanTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"summary": map[string]any{"type": "string", "description": "One-line plan summary"},
			"status": map[string]any{
				"type": "string",
				"enum": []any{protocol.PlanPlanned, protocol.PlanApproved, protocol.PlanExecuting, protocol.PlanCompleted},
			},
			"items": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"title": map[string]any{"type": "string"},
						"status": map[string]any{
							"type": "string",
							"enum": []any{protocol.ItemPending, protocol.ItemInProgress, protocol.ItemDone, protocol.ItemSkipped},
						},
					},
					"required": []any{"title"},
				},
			},
		},
		"required": []any{"summary", "status"},
	}
}

func (t *PlanTool) Execute(ctx context.Context, args map[string]any) *Result {
	info := RunInfoFrom(ctx)
	plan := &protocol.Plan{Origin: info.AgentID}
	plan.Summary, _ = args["summary"].(string)
	plan.Status, _ = args["status"].(string)
	if items, ok := args["items"].([]any); ok {
		for _, ri := range items {
			im, ok := ri.(map[string]any)
			if !ok {
				continue
			}
			item := protocol.PlanItem{Status: protocol.ItemPending}
			item.Title, _ = im["title"].(string)
			if s, ok := im["status"].(string); ok && s != "" {
				item.Status = s
			}
			plan.Items = append(plan.Items, item)
		}
	}

	if err := info.Hooks.UpdatePlan(ctx, plan); err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}
	return NewResult(fmt.Sprintf("plan %s: %s (%d items)", plan.Status, plan.Summary, len(plan.Items))).
		WithSummary(fmt.Sprintf("plan %s", plan.Status))
}
