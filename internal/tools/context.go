package tools

import (
	"context"
	"time"

	"github.com/linggen/linggen-agent/internal/config"
	"github.com/linggen/linggen-agent/internal/workspace"
	"github.com/linggen/linggen-agent/pkg/protocol"
)

// Hooks are the run-scoped callbacks tools use to reach engine and manager
// state without import cycles: plan registration, finalization, ask-user
// suspension, and delegation all live above the tool layer.
type Hooks interface {
	UpdatePlan(ctx context.Context, plan *protocol.Plan) error
	Finalize(ctx context.Context, packet string) error
	AskUser(ctx context.Context, req *protocol.AskUserRequest) ([]protocol.AskAnswer, error)
	Delegate(ctx context.Context, targetAgentID, task string) (string, error)
}

// RunInfo carries per-run execution context into tool calls.
type RunInfo struct {
	Project string
	Session string
	RunID   string
	AgentID string

	Spec       *config.AgentSpec
	WS         *workspace.Workspace
	SafetyMode workspace.WriteSafetyMode

	BashTimeout   time.Duration
	BashOutputCap int

	Hooks    Hooks
	Progress func(line string) // long-running tool output lines
}

type runInfoKey struct{}

// WithRunInfo attaches run context for tool execution.
func WithRunInfo(ctx context.Context, info *RunInfo) context.Context {
	return context.WithValue(ctx, runInfoKey{}, info)
}

// RunInfoFrom extracts the run context; nil when absent.
func RunInfoFrom(ctx context.Context) *RunInfo {
	info, _ := ctx.Value(runInfoKey{}).(*RunInfo)
	return info
}
