// Package manager owns the set of live runs, the delegation tree,
// cancellation tokens, run records, and the event bus.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/linggen/linggen-agent/internal/agent"
	"github.com/linggen/linggen-agent/internal/bus"
	"github.com/linggen/linggen-agent/internal/config"
	"github.com/linggen/linggen-agent/internal/router"
	"github.com/linggen/linggen-agent/internal/skills"
	"github.com/linggen/linggen-agent/internal/store"
	"github.com/linggen/linggen-agent/internal/tools"
	"github.com/linggen/linggen-agent/internal/tracing"
	"github.com/linggen/linggen-agent/internal/workspace"
	"github.com/linggen/linggen-agent/pkg/protocol"
)

var (
	// ErrDepthExceeded marks a delegation past max-delegation-depth.
	ErrDepthExceeded = errors.New("delegation depth exceeded")
	// ErrUnknownAgent marks a start or delegation to an unconfigured agent.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrUnknownRun marks an operation on a run id the manager never issued.
	ErrUnknownRun = errors.New("unknown run")
)

// DefaultSession is every project's implicit session id.
const DefaultSession = "default"

// runState is the manager-side handle on one live or finished run.
type runState struct {
	rec    *store.RunRecord
	cancel context.CancelFunc
	ctx    context.Context

	// eventSession is the topic the run's events publish to: the root run's
	// session, inherited by descendants so one subscription sees the tree.
	eventSession string
	done         chan struct{}
	outcome      *agent.Outcome
}

// Manager exposes the runtime's public operations.
type Manager struct {
	cfg      *config.Config
	registry *tools.Registry
	router   *router.Router
	store    *store.FileStore
	bus      *bus.Bus
	skills   *skills.Loader

	specsMu sync.RWMutex
	specs   map[string]*config.AgentSpec

	runsMu sync.Mutex
	runs   map[string]*runState

	wsMu       sync.Mutex
	workspaces map[string]*workspace.Workspace

	askMu   sync.Mutex
	pending map[string]*pendingQuestion

	missionMu sync.Mutex
	missions  map[string]*store.Mission
	idle      map[string]*time.Timer // (project \x00 agent) → armed timer
}

// New assembles a Manager.
func New(cfg *config.Config, specs map[string]*config.AgentSpec, registry *tools.Registry,
	rt *router.Router, st *store.FileStore, eventBus *bus.Bus, loader *skills.Loader) *Manager {
	return &Manager{
		cfg:        cfg,
		registry:   registry,
		router:     rt,
		store:      st,
		bus:        eventBus,
		skills:     loader,
		specs:      specs,
		runs:       make(map[string]*runState),
		workspaces: make(map[string]*workspace.Workspace),
		pending:    make(map[string]*pendingQuestion),
		missions:   make(map[string]*store.Mission),
		idle:       make(map[string]*time.Timer),
	}
}

// ReloadSpecs swaps the agent spec set; running agents keep their old spec.
func (m *Manager) ReloadSpecs(specs map[string]*config.AgentSpec) {
	m.specsMu.Lock()
	m.specs = specs
	m.specsMu.Unlock()
}

// Spec returns the current spec for an agent id.
func (m *Manager) Spec(agentID string) (*config.AgentSpec, bool) {
	m.specsMu.RLock()
	defer m.specsMu.RUnlock()
	s, ok := m.specs[agentID]
	return s, ok
}

// Specs returns the current agent id set.
func (m *Manager) Specs() []string {
	m.specsMu.RLock()
	defer m.specsMu.RUnlock()
	out := make([]string, 0, len(m.specs))
	for id := range m.specs {
		out = append(out, id)
	}
	return out
}

// Bus exposes the event bus for HTTP subscribers.
func (m *Manager) Bus() *bus.Bus { return m.bus }

// Store exposes persistence for HTTP read endpoints.
func (m *Manager) Store() *store.FileStore { return m.store }

// Router exposes the model router for the health endpoint.
func (m *Manager) Router() *router.Router { return m.router }

// Workspace returns (and caches) the sandbox for one project root.
func (m *Manager) Workspace(projectRoot string) (*workspace.Workspace, error) {
	m.wsMu.Lock()
	defer m.wsMu.Unlock()
	if ws, ok := m.workspaces[projectRoot]; ok {
		return ws, nil
	}
	ws, err := workspace.New(projectRoot)
	if err != nil {
		return nil, err
	}
	m.workspaces[projectRoot] = ws
	return ws, nil
}

// StartRun creates a run and drives it in its own goroutine.
func (m *Manager) StartRun(project, session, agentID, userMessage string) (string, error) {
	if session == "" {
		session = DefaultSession
	}
	runID, _, err := m.spawn(context.Background(), project, session, session, "", 0, agentID, userMessage)
	return runID, err
}

// spawn creates the run record and launches the engine. transcriptSession is
// where messages persist; eventSession is the bus topic (root session for the
// whole delegation tree).
func (m *Manager) spawn(parentCtx context.Context, project, transcriptSession, eventSession, parentID string,
	depth int, agentID, userMessage string) (string, *runState, error) {

	spec, ok := m.Spec(agentID)
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	ws, err := m.Workspace(project)
	if err != nil {
		return "", nil, err
	}

	runID := uuid.NewString()
	ctx, cancel := context.WithCancel(parentCtx)

	rec := &store.RunRecord{
		ID:        runID,
		AgentID:   agentID,
		Project:   project,
		Session:   transcriptSession,
		ParentID:  parentID,
		StartedAt: time.Now().UTC(),
		Status:    store.RunRunning,
		Depth:     depth,
	}
	rs := &runState{
		rec:          rec,
		cancel:       cancel,
		ctx:          ctx,
		eventSession: eventSession,
		done:         make(chan struct{}),
	}

	m.runsMu.Lock()
	m.runs[runID] = rs
	if parentID != "" {
		if parent, ok := m.runs[parentID]; ok {
			parent.rec.Children = append(parent.rec.Children, runID)
		}
	}
	m.runsMu.Unlock()

	if err := m.store.SaveRun(rec); err != nil {
		slog.Warn("manager: save run failed", "run", runID, "error", err)
	}
	m.saveWorkspaceState(project)

	emit := m.emitter(rs)
	emit(protocol.Event{Kind: protocol.EventRun, Phase: protocol.RunPhaseSync, Data: map[string]any{
		"status": store.RunRunning, "agent_id": agentID, "parent_run_id": parentID, "depth": depth,
	}})

	snap := m.cfg.Snapshot()
	eng := agent.New(agent.Deps{
		Registry: m.registry,
		Router:   m.router,
		WS:       ws,
		Store:    m.store,
		Skills:   m.skills,
		Hooks:    m,
		Emit:     emit,
	}, spec, snap.Agent, project, transcriptSession, runID, m.missionText(project))

	go func() {
		runCtx, span := tracing.StartRunSpan(ctx, runID, agentID, project)
		outcome, runErr := eng.Run(runCtx, userMessage)
		if runErr != nil {
			span.RecordError(runErr)
			outcome = &agent.Outcome{Status: store.RunFailed, Detail: runErr.Error()}
		}
		span.End()
		m.finishRun(rs, outcome)
	}()

	return runID, rs, nil
}

// emitter returns the per-run publish function: stamp ids, publish on the
// topic, append to the run's journal.
func (m *Manager) emitter(rs *runState) func(protocol.Event) {
	return func(ev protocol.Event) {
		ev.RunID = rs.rec.ID
		ev.AgentID = rs.rec.AgentID
		stamped := m.bus.Publish(rs.rec.Project, rs.eventSession, ev)
		if err := m.store.AppendEvent(rs.rec.Project, rs.rec.ID, stamped); err != nil {
			slog.Warn("manager: journal append failed", "run", rs.rec.ID, "error", err)
		}
	}
}

// finishRun records the terminal state and cancels descendants on failure.
func (m *Manager) finishRun(rs *runState, outcome *agent.Outcome) {
	now := time.Now().UTC()

	m.runsMu.Lock()
	if rs.rec.Terminal() {
		m.runsMu.Unlock()
		return
	}
	rs.rec.Status = outcome.Status
	rs.rec.Detail = outcome.Detail
	rs.rec.EndedAt = &now
	rs.outcome = outcome
	children := append([]string(nil), rs.rec.Children...)
	m.runsMu.Unlock()

	if err := m.store.SaveRun(rs.rec); err != nil {
		slog.Warn("manager: save terminal run failed", "run", rs.rec.ID, "error", err)
	}
	close(rs.done)

	if outcome.Status == store.RunFailed || outcome.Status == store.RunCancelled {
		for _, childID := range children {
			_ = m.CancelRun(childID)
		}
	}
	m.failPendingQuestions(rs.rec.ID)
	rs.cancel()

	slog.Info("run finished", "run", rs.rec.ID, "agent", rs.rec.AgentID, "status", outcome.Status)
	m.saveWorkspaceState(rs.rec.Project)
	m.scheduleIdle(rs.rec.Project, rs.rec.AgentID)
}

// saveWorkspaceState mirrors the agent set and the active task into
// state/workspace.json so UIs can resync after reconnect.
func (m *Manager) saveWorkspaceState(project string) {
	var active string
	m.runsMu.Lock()
	for _, rs := range m.runs {
		if rs.rec.Project == project && !rs.rec.Terminal() && rs.rec.ParentID == "" {
			active = rs.rec.AgentID + ":" + rs.rec.ID
			break
		}
	}
	m.runsMu.Unlock()

	ws := &store.WorkspaceState{
		Agents:     m.Specs(),
		ActiveTask: active,
		UpdatedAt:  time.Now().UnixMilli(),
	}
	if err := m.store.SaveWorkspaceState(project, ws); err != nil {
		slog.Warn("manager: save workspace state failed", "project", project, "error", err)
	}
}

// CancelRun cancels a run and cascades to all descendants. Idempotent.
func (m *Manager) CancelRun(runID string) error {
	m.runsMu.Lock()
	rs, ok := m.runs[runID]
	if !ok {
		m.runsMu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	children := append([]string(nil), rs.rec.Children...)
	alreadyTerminal := rs.rec.Terminal()
	m.runsMu.Unlock()

	if alreadyTerminal {
		return nil
	}

	rs.cancel()
	for _, childID := range children {
		_ = m.CancelRun(childID)
	}

	// The engine observes cancellation at its next await and finishes the
	// run itself; this path only guarantees the record terminalizes even if
	// the engine goroutine is gone.
	go func() {
		select {
		case <-rs.done:
		case <-time.After(5 * time.Second):
			m.finishRun(rs, &agent.Outcome{Status: store.RunCancelled})
		}
	}()
	return nil
}

// GetRun returns a copy of the run record.
func (m *Manager) GetRun(runID string) (*store.RunRecord, error) {
	m.runsMu.Lock()
	rs, ok := m.runs[runID]
	m.runsMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	cp := *rs.rec
	cp.Children = append([]string(nil), rs.rec.Children...)
	return &cp, nil
}

// ListRuns returns runs for a project+session ordered by start time.
func (m *Manager) ListRuns(project, session string, filter store.RunFilter) ([]*store.RunRecord, error) {
	return m.store.ListRuns(project, session, filter)
}

// Subscribe attaches to the (project, session) topic with replay.
func (m *Manager) Subscribe(project, session string, fromSeq uint64) *bus.Subscription {
	if session == "" {
		session = DefaultSession
	}
	return m.bus.Subscribe(project, session, fromSeq)
}

// Shutdown cancels every live run and waits briefly for them to settle.
func (m *Manager) Shutdown(ctx context.Context) {
	m.runsMu.Lock()
	var live []*runState
	for _, rs := range m.runs {
		if !rs.rec.Terminal() {
			live = append(live, rs)
		}
	}
	m.runsMu.Unlock()

	for _, rs := range live {
		rs.cancel()
	}
	for _, rs := range live {
		select {
		case <-rs.done:
		case <-ctx.Done():
			return
		}
	}
}
