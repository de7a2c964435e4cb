package store

import (
	"database/sql"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Index is the sqlite listing cache (the gateway keeps it at
// ~/.linggen/index.db). It is derived state: safe to delete; opening it does
// not repopulate it, FileStore.Rebuild does that from a project's files.
type Index struct {
	db *sql.DB
}

const indexSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT NOT NULL,
	repo_path  TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	PRIMARY KEY (repo_path, id)
);
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT NOT NULL,
	project    TEXT NOT NULL,
	session    TEXT NOT NULL,
	agent_id   TEXT NOT NULL,
	parent_id  TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	depth      INTEGER NOT NULL DEFAULT 0,
	started_at INTEGER NOT NULL,
	ended_at   INTEGER,
	PRIMARY KEY (project, id)
);
CREATE INDEX IF NOT EXISTS runs_session ON runs (project, session, started_at);
`

// OpenIndex opens (or creates) the index database.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // sqlite: single writer
	if _, err := db.Exec(indexSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &Index{db: db}, nil
}

func (ix *Index) Close() error { return ix.db.Close() }

func (ix *Index) PutSession(m SessionMeta) {
	_, err := ix.db.Exec(
		`INSERT INTO sessions (id, repo_path, title, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (repo_path, id) DO UPDATE SET title = excluded.title`,
		m.ID, m.RepoPath, m.Title, m.CreatedAt.UnixMilli(),
	)
	if err != nil {
		slog.Warn("store: index session upsert failed", "session", m.ID, "error", err)
	}
}

func (ix *Index) ListSessions(projectRoot string) ([]SessionMeta, error) {
	rows, err := ix.db.Query(
		`SELECT id, repo_path, title, created_at FROM sessions WHERE repo_path = ? ORDER BY created_at`,
		projectRoot,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var metas []SessionMeta
	for rows.Next() {
		var m SessionMeta
		var createdMs int64
		if err := rows.Scan(&m.ID, &m.RepoPath, &m.Title, &createdMs); err != nil {
			return nil, err
		}
		m.CreatedAt = time.UnixMilli(createdMs).UTC()
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

func (ix *Index) PutRun(r *RunRecord) {
	var endedMs *int64
	if r.EndedAt != nil {
		v := r.EndedAt.UnixMilli()
		endedMs = &v
	}
	_, err := ix.db.Exec(
		`INSERT INTO runs (id, project, session, agent_id, parent_id, status, detail, depth, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (project, id) DO UPDATE SET
		   status = excluded.status, detail = excluded.detail, ended_at = excluded.ended_at`,
		r.ID, r.Project, r.Session, r.AgentID, r.ParentID, r.Status, r.Detail, r.Depth,
		r.StartedAt.UnixMilli(), endedMs,
	)
	if err != nil {
		slog.Warn("store: index run upsert failed", "run", r.ID, "error", err)
	}
}

func (ix *Index) ListRuns(projectRoot, sessionID string, filter RunFilter) ([]*RunRecord, error) {
	query := `SELECT id, project, session, agent_id, parent_id, status, detail, depth, started_at, ended_at
	          FROM runs WHERE project = ?`
	args := []any{projectRoot}
	if sessionID != "" {
		query += ` AND session = ?`
		args = append(args, sessionID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, filter.AgentID)
	}
	query += ` ORDER BY started_at`

	rows, err := ix.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []*RunRecord
	for rows.Next() {
		var r RunRecord
		var startedMs int64
		var endedMs sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Project, &r.Session, &r.AgentID, &r.ParentID,
			&r.Status, &r.Detail, &r.Depth, &startedMs, &endedMs); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(startedMs).UTC()
		if endedMs.Valid {
			t := time.UnixMilli(endedMs.Int64).UTC()
			r.EndedAt = &t
		}
		recs = append(recs, &r)
	}
	return recs, rows.Err()
}
