package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/linggen/linggen-agent/pkg/protocol"
)

const stateDirName = ".linggen"

// FileStore persists everything under <project>/.linggen/ using the layout:
//
//	sessions/<session-id>/messages.jsonl
//	sessions/<session-id>/meta.json
//	runs/<run-id>/meta.json
//	runs/<run-id>/timeline.jsonl
//	mission.json
//	state/workspace.json
//
// An optional sqlite index accelerates listing; pass nil to scan directories.
type FileStore struct {
	mu    sync.Mutex
	index *Index
}

// NewFileStore creates a file store with an optional listing index.
func NewFileStore(index *Index) *FileStore {
	return &FileStore{index: index}
}

func stateDir(projectRoot string, parts ...string) string {
	return filepath.Join(append([]string{projectRoot, stateDirName}, parts...)...)
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func appendJSONL(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

func readJSONL[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			continue // skip torn tail lines from a crashed process
		}
		out = append(out, v)
	}
	return out, scanner.Err()
}

// --- sessions ---

func (s *FileStore) CreateSession(meta SessionMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	if err := writeJSON(stateDir(meta.RepoPath, "sessions", meta.ID, "meta.json"), meta); err != nil {
		return err
	}
	if s.index != nil {
		s.index.PutSession(meta)
	}
	return nil
}

func (s *FileStore) ListSessions(projectRoot string) ([]SessionMeta, error) {
	if s.index != nil {
		return s.index.ListSessions(projectRoot)
	}
	dir := stateDir(projectRoot, "sessions")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var metas []SessionMeta
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var m SessionMeta
		if err := readJSON(filepath.Join(dir, e.Name(), "meta.json"), &m); err == nil {
			metas = append(metas, m)
		}
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].CreatedAt.Before(metas[j].CreatedAt) })
	return metas, nil
}

func (s *FileStore) AppendMessage(projectRoot, sessionID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendJSONL(stateDir(projectRoot, "sessions", sessionID, "messages.jsonl"), msg)
}

func (s *FileStore) ReadMessages(projectRoot, sessionID string) ([]Message, error) {
	return readJSONL[Message](stateDir(projectRoot, "sessions", sessionID, "messages.jsonl"))
}

func (s *FileStore) ClearSession(projectRoot, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := stateDir(projectRoot, "sessions", sessionID, "messages.jsonl")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// --- runs ---

func (s *FileStore) SaveRun(rec *RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeJSON(stateDir(rec.Project, "runs", rec.ID, "meta.json"), rec); err != nil {
		return err
	}
	if s.index != nil {
		s.index.PutRun(rec)
	}
	return nil
}

func (s *FileStore) GetRun(projectRoot, runID string) (*RunRecord, error) {
	var rec RunRecord
	if err := readJSON(stateDir(projectRoot, "runs", runID, "meta.json"), &rec); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run %s not found", runID)
		}
		return nil, err
	}
	return &rec, nil
}

func (s *FileStore) ListRuns(projectRoot, sessionID string, filter RunFilter) ([]*RunRecord, error) {
	if s.index != nil {
		return s.index.ListRuns(projectRoot, sessionID, filter)
	}
	dir := stateDir(projectRoot, "runs")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var recs []*RunRecord
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var rec RunRecord
		if err := readJSON(filepath.Join(dir, e.Name(), "meta.json"), &rec); err != nil {
			continue
		}
		if sessionID != "" && rec.Session != sessionID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.AgentID != "" && rec.AgentID != filter.AgentID {
			continue
		}
		recs = append(recs, &rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].StartedAt.Before(recs[j].StartedAt) })
	return recs, nil
}

func (s *FileStore) AppendEvent(projectRoot, runID string, ev protocol.Event) error {
	return appendJSONL(stateDir(projectRoot, "runs", runID, "timeline.jsonl"), ev)
}

func (s *FileStore) ReadTimeline(projectRoot, runID string) ([]protocol.Event, error) {
	return readJSONL[protocol.Event](stateDir(projectRoot, "runs", runID, "timeline.jsonl"))
}

// --- mission ---

func (s *FileStore) SaveMission(projectRoot string, m *Mission) error {
	return writeJSON(stateDir(projectRoot, "mission.json"), m)
}

func (s *FileStore) LoadMission(projectRoot string) (*Mission, error) {
	var m Mission
	if err := readJSON(stateDir(projectRoot, "mission.json"), &m); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// WorkspaceState mirrors the agent tree + active task for UI resync.
type WorkspaceState struct {
	Agents     []string `json:"agents"`
	ActiveTask string   `json:"active_task,omitempty"`
	UpdatedAt  int64    `json:"updated_at"`
}

// SaveWorkspaceState writes state/workspace.json.
func (s *FileStore) SaveWorkspaceState(projectRoot string, ws *WorkspaceState) error {
	return writeJSON(stateDir(projectRoot, "state", "workspace.json"), ws)
}

func (s *FileStore) Close() error {
	if s.index != nil {
		return s.index.Close()
	}
	return nil
}

// Rebuild repopulates the index from the jsonl/meta files of one project.
func (s *FileStore) Rebuild(projectRoot string) error {
	if s.index == nil {
		return nil
	}
	saved := s.index
	s.index = nil
	sessions, err := s.ListSessions(projectRoot)
	if err != nil {
		s.index = saved
		return err
	}
	runs, err := s.ListRuns(projectRoot, "", RunFilter{})
	if err != nil {
		s.index = saved
		return err
	}
	s.index = saved
	for _, m := range sessions {
		s.index.PutSession(m)
	}
	for _, r := range runs {
		s.index.PutRun(r)
	}
	return nil
}
