package manager

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/linggen/linggen-agent/internal/store"
	"github.com/linggen/linggen-agent/pkg/protocol"
)

type pendingQuestion struct {
	runID  string
	answer chan []protocol.AskAnswer
}

// AskUser implements agent.ManagerHooks: register the pending question, flip
// the run to waiting_user, and block until an answer or cancellation.
func (m *Manager) AskUser(ctx context.Context, runID string, req *protocol.AskUserRequest) ([]protocol.AskAnswer, error) {
	if req.QuestionID == "" {
		return nil, fmt.Errorf("question_id is required")
	}

	pq := &pendingQuestion{runID: runID, answer: make(chan []protocol.AskAnswer, 1)}
	m.askMu.Lock()
	if _, dup := m.pending[req.QuestionID]; dup {
		m.askMu.Unlock()
		return nil, fmt.Errorf("question %s is already pending", req.QuestionID)
	}
	m.pending[req.QuestionID] = pq
	m.askMu.Unlock()

	m.setRunStatus(runID, store.RunWaitingUser)
	defer m.setRunStatus(runID, store.RunRunning)
	defer func() {
		m.askMu.Lock()
		delete(m.pending, req.QuestionID)
		m.askMu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case answers, ok := <-pq.answer:
		if !ok {
			return nil, fmt.Errorf("run cancelled while waiting for user")
		}
		return answers, nil
	}
}

// Answer routes a user response to the suspended run.
func (m *Manager) Answer(questionID string, answers []protocol.AskAnswer) error {
	m.askMu.Lock()
	pq, ok := m.pending[questionID]
	if ok {
		delete(m.pending, questionID)
	}
	m.askMu.Unlock()
	if !ok {
		return fmt.Errorf("no pending question %s", questionID)
	}
	pq.answer <- answers
	close(pq.answer)
	return nil
}

// failPendingQuestions releases any questions a terminal run still holds.
func (m *Manager) failPendingQuestions(runID string) {
	m.askMu.Lock()
	defer m.askMu.Unlock()
	for id, pq := range m.pending {
		if pq.runID == runID {
			close(pq.answer)
			delete(m.pending, id)
		}
	}
}

// setRunStatus records a non-terminal status transition (running ↔
// waiting_user). Terminal records are immutable.
func (m *Manager) setRunStatus(runID, status string) {
	m.runsMu.Lock()
	rs, ok := m.runs[runID]
	if !ok || rs.rec.Terminal() {
		m.runsMu.Unlock()
		return
	}
	rs.rec.Status = status
	rec := *rs.rec
	m.runsMu.Unlock()
	if err := m.store.SaveRun(&rec); err != nil {
		slog.Warn("manager: save run status failed", "run", runID, "error", err)
	}
}
