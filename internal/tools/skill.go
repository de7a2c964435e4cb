package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/linggen/linggen-agent/internal/skills"
)

// SkillTool invokes a registered skill: the skill's instructions are handed
// back to the agent as the tool result.
type SkillTool struct {
	loader *skills.Loader
}

func NewSkillTool(loader *skills.Loader) *SkillTool {
	return &SkillTool{loader: loader}
}

func (t *SkillTool) Name() string        { return NameSkill }
func (t *SkillTool) Description() string { return "Invoke a registered skill by name" }
func (t *SkillTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{"type": "string", "description": "Skill name"},
			"args": map[string]any{"type": "object", "description": "Skill arguments"},
		},
		"required": []any{"name"},
	}
}

func (t *SkillTool) Execute(ctx context.Context, args map[string]any) *Result {
	name, _ := args["name"].(string)
	skill, ok := t.loader.Get(name)
	if !ok {
		return ErrorResultf("skill %q not found", name)
	}

	out := skill.Body
	if sa, ok := args["args"].(map[string]any); ok && len(sa) > 0 {
		encoded, err := json.Marshal(sa)
		if err != nil {
			return ErrorResultf("skill %q: bad args: %v", name, err)
		}
		out = fmt.Sprintf("%s\n\n[Arguments]\n%s", out, encoded)
	}
	return NewResult(out).WithSummary(fmt.Sprintf("skill %s", name))
}
