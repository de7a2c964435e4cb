package tools

import (
	"errors"
	"fmt"

	"github.com/linggen/linggen-agent/internal/config"
)

// ErrPolicyDenied marks a tool call rejected by the agent's policy. The
// violation is reported back to the model, never executed.
var ErrPolicyDenied = errors.New("policy denied")

// Canonical tool names.
const (
	NameRead         = "Read"
	NameWrite        = "Write"
	NameEdit         = "Edit"
	NameBash         = "Bash"
	NameGlob         = "Glob"
	NameGrep         = "Grep"
	NameWebFetch     = "WebFetch"
	NameWebSearch    = "WebSearch"
	NameSkill        = "Skill"
	NameAskUser      = "AskUser"
	NameTask         = "Task"
	NamePlan         = "Plan"
	NameFinalizeTask = "FinalizeTask"
)

// requiredFlag maps tools to the policy flag that gates them.
var requiredFlag = map[string]string{
	NameWrite:        config.FlagPatch,
	NameEdit:         config.FlagPatch,
	NameFinalizeTask: config.FlagFinalize,
	NameTask:         config.FlagDelegate,
}

// CheckPolicy enforces (a) the tool allow-list and (b) the action flag the
// tool implies. Checked per dispatch, before validation or execution.
func CheckPolicy(spec *config.AgentSpec, toolName string) error {
	if !spec.AllowsTool(toolName) {
		return fmt.Errorf("%w: tool %s is not in agent %s's allow-list", ErrPolicyDenied, toolName, spec.ID)
	}
	if flag, gated := requiredFlag[toolName]; gated && !spec.HasFlag(flag) {
		return fmt.Errorf("%w: tool %s requires the %s policy flag", ErrPolicyDenied, toolName, flag)
	}
	return nil
}
