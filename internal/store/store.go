// Package store persists sessions, runs and timelines under the project's
// .linggen/ directory, with a sqlite index for fast listing. The jsonl files
// are the source of truth; FileStore.Rebuild repopulates the index from them.
package store

import (
	"time"

	"github.com/linggen/linggen-agent/pkg/protocol"
)

// Message kinds within a session transcript.
const (
	KindUser         = "user"
	KindAgentText    = "agent-text"
	KindToolCall     = "tool-call"
	KindToolResult   = "tool-result"
	KindSystem       = "system"
	KindPlan         = "plan"
	KindFinalize     = "finalize"
	KindChangeReport = "change-report"
)

// Message is one transcript entry. Append-only within a session.
type Message struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
}

// SessionMeta describes one conversation thread.
type SessionMeta struct {
	ID        string    `json:"id"`
	RepoPath  string    `json:"repo_path"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Run statuses.
const (
	RunRunning     = "running"
	RunWaitingUser = "waiting_user"
	RunSucceeded   = "succeeded"
	RunFailed      = "failed"
	RunCancelled   = "cancelled"
)

// RunRecord is the unit of one agent execution. Immutable once terminal.
type RunRecord struct {
	ID        string     `json:"run_id"`
	AgentID   string     `json:"agent_id"`
	Project   string     `json:"project"`
	Session   string     `json:"session"`
	ParentID  string     `json:"parent_run_id,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Status    string     `json:"status"`
	Detail    string     `json:"detail,omitempty"`
	Depth     int        `json:"depth"`
	Children  []string   `json:"children,omitempty"`
}

// Terminal reports whether the run reached a final status.
func (r *RunRecord) Terminal() bool {
	switch r.Status {
	case RunSucceeded, RunFailed, RunCancelled:
		return true
	}
	return false
}

// Mission is a standing instruction attached to a project.
type Mission struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	Active    bool      `json:"active"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Status  string
	AgentID string
}

// Store is the persistence interface the runtime depends on.
type Store interface {
	// Sessions
	CreateSession(meta SessionMeta) error
	ListSessions(projectRoot string) ([]SessionMeta, error)
	AppendMessage(projectRoot, sessionID string, msg Message) error
	ReadMessages(projectRoot, sessionID string) ([]Message, error)
	ClearSession(projectRoot, sessionID string) error

	// Runs
	SaveRun(rec *RunRecord) error
	GetRun(projectRoot, runID string) (*RunRecord, error)
	ListRuns(projectRoot, sessionID string, filter RunFilter) ([]*RunRecord, error)
	AppendEvent(projectRoot, runID string, ev protocol.Event) error
	ReadTimeline(projectRoot, runID string) ([]protocol.Event, error)

	// Mission
	SaveMission(projectRoot string, m *Mission) error
	LoadMission(projectRoot string) (*Mission, error)

	Close() error
}
