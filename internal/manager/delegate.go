package manager

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/linggen/linggen-agent/internal/agent"
	"github.com/linggen/linggen-agent/internal/store"
	"github.com/linggen/linggen-agent/pkg/protocol"
)

// Delegate implements agent.ManagerHooks: spawn a child run on the target
// agent, block until its outcome, and hand the final packet back to the
// parent. Depth is verified before the spawn.
func (m *Manager) Delegate(ctx context.Context, parentRunID, targetAgentID, task string) (string, error) {
	m.runsMu.Lock()
	parent, ok := m.runs[parentRunID]
	m.runsMu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownRun, parentRunID)
	}

	childDepth := parent.rec.Depth + 1
	maxDepth := m.cfg.Snapshot().Agent.MaxDelegationDepth
	if childDepth > maxDepth {
		return "", fmt.Errorf("%w: depth %d exceeds max %d", ErrDepthExceeded, childDepth, maxDepth)
	}

	// The child gets its own transcript session; its events ride the root
	// run's topic so one subscription covers the whole tree.
	childSession := fmt.Sprintf("delegate-%s-%s", targetAgentID, uuid.NewString()[:8])
	if err := m.store.CreateSession(store.SessionMeta{
		ID:       childSession,
		RepoPath: parent.rec.Project,
		Title:    "delegation to " + targetAgentID,
	}); err != nil {
		return "", err
	}

	childID, childState, err := m.spawn(parent.ctx, parent.rec.Project, childSession,
		parent.eventSession, parentRunID, childDepth, targetAgentID, task)
	if err != nil {
		return "", err
	}

	parentEmit := m.emitter(parent)
	parentEmit(protocol.Event{Kind: protocol.EventRun, Phase: protocol.RunPhaseSubagentSpawned, Data: map[string]any{
		"child_run_id": childID, "target_agent_id": targetAgentID, "task": task,
	}})

	select {
	case <-ctx.Done():
		_ = m.CancelRun(childID)
		return "", ctx.Err()
	case <-childState.done:
	}

	outcome := childState.outcome
	parentEmit(protocol.Event{Kind: protocol.EventRun, Phase: protocol.RunPhaseSubagentResult, Data: map[string]any{
		"child_run_id": childID, "status": outcome.Status, "summary": summarizeOutcome(outcome),
	}})

	switch outcome.Status {
	case store.RunSucceeded:
		return outcome.Packet, nil
	case store.RunCancelled:
		return "", fmt.Errorf("delegated run %s was cancelled", childID)
	default:
		return "", fmt.Errorf("delegated run %s failed: %s", childID, outcome.Detail)
	}
}

func summarizeOutcome(o *agent.Outcome) string {
	if o.Status == store.RunSucceeded {
		s := o.Packet
		if len(s) > 200 {
			s = s[:200] + "…"
		}
		return s
	}
	return o.Detail
}
