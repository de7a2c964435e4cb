package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/linggen/linggen-agent/pkg/protocol"
)

// AskUserTool suspends the run until the user responds to the questions (or
// cancellation fires).
type AskUserTool struct{}

func (t *AskUserTool) Name() string        { return NameAskUser }
func (t *AskUserTool) Description() string { return "Ask the user one or more questions and wait for answers" }
func (t *AskUserTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"question_id": map[string]any{"type": "string", "description": "Unique id for this question set"},
			"questions": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"header":   map[string]any{"type": "string"},
						"question": map[string]any{"type": "string"},
						"options": map[string]any{
							"type": "array",
							"items": map[string]any{
								"type": "object",
								"properties": map[string]any{
									"label": map[string]any{"type": "string"},
								},
								"required": []any{"label"},
							},
						},
					},
					"required": []any{"question"},
				},
				"minItems": 1,
			},
		},
		"required": []any{"question_id", "questions"},
	}
}

func (t *AskUserTool) Execute(ctx context.Context, args map[string]any) *Result {
	info := RunInfoFrom(ctx)

	req := &protocol.AskUserRequest{}
	req.QuestionID, _ = args["question_id"].(string)
	rawQs, _ := args["questions"].([]any)
	for _, rq := range rawQs {
		qm, ok := rq.(map[string]any)
		if !ok {
			continue
		}
		q := protocol.AskQuestion{}
		q.Header, _ = qm["header"].(string)
		q.Question, _ = qm["question"].(string)
		if opts, ok := qm["options"].([]any); ok {
			for _, ro := range opts {
				if om, ok := ro.(map[string]any); ok {
					label, _ := om["label"].(string)
					q.Options = append(q.Options, protocol.AskOption{Label: label})
				}
			}
		}
		req.Questions = append(req.Questions, q)
	}
	if len(req.Questions) == 0 {
		return ErrorResult("questions is required")
	}

	answers, err := info.Hooks.AskUser(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return ErrorResult("cancelled while waiting for user").WithError(ctx.Err())
		}
		return ErrorResult(err.Error()).WithError(err)
	}

	var sb strings.Builder
	for _, a := range answers {
		if a.QuestionIndex < len(req.Questions) {
			fmt.Fprintf(&sb, "Q: %s\n", req.Questions[a.QuestionIndex].Question)
		}
		fmt.Fprintf(&sb, "A: %s", strings.Join(a.Selected, ", "))
		if a.CustomText != "" {
			fmt.Fprintf(&sb, " (%s)", a.CustomText)
		}
		sb.WriteString("\n")
	}
	return NewResult(sb.String()).WithSummary("user answered")
}
