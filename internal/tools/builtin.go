package tools

import "github.com/linggen/linggen-agent/internal/skills"

// RegisterBuiltins installs the closed built-in tool set.
func RegisterBuiltins(r *Registry, loader *skills.Loader, braveAPIKey string) error {
	builtins := []Tool{
		&ReadTool{},
		&WriteTool{},
		&EditTool{},
		&BashTool{},
		&GlobTool{},
		&GrepTool{},
		NewWebFetchTool(),
		NewWebSearchTool(braveAPIKey),
		NewSkillTool(loader),
		&AskUserTool{},
		&TaskTool{},
		&PlanTool{},
		&FinalizeTaskTool{},
	}
	for _, t := range builtins {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
