package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linggen/linggen-agent/pkg/protocol"
)

func TestSessionRoundTrip(t *testing.T) {
	project := t.TempDir()
	s := NewFileStore(nil)

	meta := SessionMeta{ID: "s1", RepoPath: project, Title: "first"}
	require.NoError(t, s.CreateSession(meta))

	require.NoError(t, s.AppendMessage(project, "s1", Message{
		From: "user", To: "coder", Text: "hello", Kind: KindUser, Timestamp: time.Now().UTC(),
	}))
	require.NoError(t, s.AppendMessage(project, "s1", Message{
		From: "coder", To: "user", Text: "hi", Kind: KindAgentText, Timestamp: time.Now().UTC(),
	}))

	msgs, err := s.ReadMessages(project, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Text)
	assert.Equal(t, KindAgentText, msgs[1].Kind)

	sessions, err := s.ListSessions(project)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "first", sessions[0].Title)

	require.NoError(t, s.ClearSession(project, "s1"))
	msgs, err = s.ReadMessages(project, "s1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRunAndTimelineRoundTrip(t *testing.T) {
	project := t.TempDir()
	s := NewFileStore(nil)

	rec := &RunRecord{
		ID: "r1", AgentID: "coder", Project: project, Session: "default",
		StartedAt: time.Now().UTC(), Status: RunRunning,
	}
	require.NoError(t, s.SaveRun(rec))

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.AppendEvent(project, "r1", protocol.Event{
			Kind: protocol.EventToken, RunID: "r1", Sequence: uint64(i),
		}))
	}

	got, err := s.GetRun(project, "r1")
	require.NoError(t, err)
	assert.Equal(t, RunRunning, got.Status)

	now := time.Now().UTC()
	rec.Status = RunSucceeded
	rec.EndedAt = &now
	require.NoError(t, s.SaveRun(rec))

	got, err = s.GetRun(project, "r1")
	require.NoError(t, err)
	assert.True(t, got.Terminal())

	timeline, err := s.ReadTimeline(project, "r1")
	require.NoError(t, err)
	require.Len(t, timeline, 3)
	assert.Equal(t, uint64(2), timeline[1].Sequence)

	_, err = s.GetRun(project, "nope")
	assert.Error(t, err)
}

func TestListRunsFilter(t *testing.T) {
	project := t.TempDir()
	s := NewFileStore(nil)

	mk := func(id, agent, session, status string, off time.Duration) {
		require.NoError(t, s.SaveRun(&RunRecord{
			ID: id, AgentID: agent, Project: project, Session: session,
			StartedAt: time.Now().UTC().Add(off), Status: status,
		}))
	}
	mk("r1", "a", "s1", RunSucceeded, 0)
	mk("r2", "b", "s1", RunFailed, time.Second)
	mk("r3", "a", "s2", RunSucceeded, 2*time.Second)

	runs, err := s.ListRuns(project, "s1", RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r1", runs[0].ID, "ordered by start time")

	runs, err = s.ListRuns(project, "", RunFilter{AgentID: "a"})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = s.ListRuns(project, "", RunFilter{Status: RunFailed})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r2", runs[0].ID)
}

func TestMissionRoundTrip(t *testing.T) {
	project := t.TempDir()
	s := NewFileStore(nil)

	m, err := s.LoadMission(project)
	require.NoError(t, err)
	assert.Nil(t, m)

	require.NoError(t, s.SaveMission(project, &Mission{Text: "ship it", Active: true, CreatedAt: time.Now().UTC()}))
	m, err = s.LoadMission(project)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.True(t, m.Active)
	assert.Equal(t, "ship it", m.Text)
}

func TestSqliteIndexListing(t *testing.T) {
	project := t.TempDir()
	ix, err := OpenIndex(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	defer ix.Close()
	s := NewFileStore(ix)

	require.NoError(t, s.CreateSession(SessionMeta{ID: "s1", RepoPath: project, Title: "t"}))
	require.NoError(t, s.SaveRun(&RunRecord{
		ID: "r1", AgentID: "a", Project: project, Session: "s1",
		StartedAt: time.Now().UTC(), Status: RunRunning,
	}))

	sessions, err := s.ListSessions(project)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	runs, err := s.ListRuns(project, "s1", RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, RunRunning, runs[0].Status)
}

func TestIndexRebuildFromFiles(t *testing.T) {
	project := t.TempDir()

	// Write through a plain file store first.
	plain := NewFileStore(nil)
	require.NoError(t, plain.CreateSession(SessionMeta{ID: "s1", RepoPath: project, Title: "t"}))
	require.NoError(t, plain.SaveRun(&RunRecord{
		ID: "r1", AgentID: "a", Project: project, Session: "s1",
		StartedAt: time.Now().UTC(), Status: RunSucceeded,
	}))

	// A fresh index starts empty; Rebuild repopulates it from the jsonl tree.
	ix, err := OpenIndex(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	defer ix.Close()
	indexed := NewFileStore(ix)
	require.NoError(t, indexed.Rebuild(project))

	runs, err := indexed.ListRuns(project, "", RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r1", runs[0].ID)
}

func TestProjectRegistry(t *testing.T) {
	regPath := filepath.Join(t.TempDir(), "projects.json")
	reg, err := OpenProjectRegistry(regPath)
	require.NoError(t, err)

	dir := t.TempDir()
	p, err := reg.Add(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(dir), p.Name)
	assert.True(t, reg.Known(dir))

	_, err = reg.Add(filepath.Join(dir, "missing-subdir"))
	assert.Error(t, err, "project path must exist")

	// Reload from disk.
	reg2, err := OpenProjectRegistry(regPath)
	require.NoError(t, err)
	assert.True(t, reg2.Known(dir))
	require.NoError(t, reg2.Remove(dir))
	assert.False(t, reg2.Known(dir))
}
