package manager

import (
	"log/slog"
	"strings"
	"time"

	"github.com/linggen/linggen-agent/internal/store"
)

// SetMission attaches a standing instruction to a project and arms the idle
// scheduler for every agent with an idle prompt.
func (m *Manager) SetMission(project, text string) error {
	mission := &store.Mission{Text: text, CreatedAt: time.Now().UTC(), Active: true}
	if err := m.store.SaveMission(project, mission); err != nil {
		return err
	}
	m.missionMu.Lock()
	m.missions[project] = mission
	m.missionMu.Unlock()

	for _, agentID := range m.Specs() {
		m.scheduleIdle(project, agentID)
	}
	return nil
}

// ClearMission deactivates the project's mission and stops idle timers.
func (m *Manager) ClearMission(project string) error {
	m.missionMu.Lock()
	if mission, ok := m.missions[project]; ok {
		mission.Active = false
	}
	delete(m.missions, project)
	for key, timer := range m.idle {
		if strings.HasPrefix(key, project+"\x00") {
			timer.Stop()
			delete(m.idle, key)
		}
	}
	m.missionMu.Unlock()
	return m.store.SaveMission(project, &store.Mission{Active: false, CreatedAt: time.Now().UTC()})
}

// missionText returns the active mission for a project, empty if none.
func (m *Manager) missionText(project string) string {
	m.missionMu.Lock()
	defer m.missionMu.Unlock()
	if mission, ok := m.missions[project]; ok && mission.Active {
		return mission.Text
	}
	return ""
}

// scheduleIdle arms (or re-arms) the idle timer for one (project, agent).
// The timer fires only while the agent is idle and a mission is active: a
// synthetic user message formed from the agent's idle prompt starts a new
// turn. Called on mission set and on every run completion.
func (m *Manager) scheduleIdle(project, agentID string) {
	spec, ok := m.Spec(agentID)
	if !ok || spec.IdlePrompt == "" || spec.IdleIntervalSecs <= 0 {
		return
	}
	if m.missionText(project) == "" {
		return
	}

	key := project + "\x00" + agentID
	interval := time.Duration(spec.IdleIntervalSecs) * time.Second

	m.missionMu.Lock()
	if old, ok := m.idle[key]; ok {
		old.Stop()
	}
	m.idle[key] = time.AfterFunc(interval, func() {
		m.missionMu.Lock()
		delete(m.idle, key)
		m.missionMu.Unlock()

		mission := m.missionText(project)
		if mission == "" {
			return
		}
		if m.agentBusy(project, agentID) {
			// Non-idle: the timer re-arms when the running turn finishes.
			return
		}
		prompt := strings.ReplaceAll(spec.IdlePrompt, "{mission}", mission)
		if _, err := m.StartRun(project, DefaultSession, agentID, prompt); err != nil {
			slog.Warn("idle scheduler: start run failed", "project", project, "agent", agentID, "error", err)
		}
	})
	m.missionMu.Unlock()
}

// agentBusy reports whether the agent has a live run in the project.
func (m *Manager) agentBusy(project, agentID string) bool {
	m.runsMu.Lock()
	defer m.runsMu.Unlock()
	for _, rs := range m.runs {
		if rs.rec.Project == project && rs.rec.AgentID == agentID && !rs.rec.Terminal() {
			return true
		}
	}
	return false
}
