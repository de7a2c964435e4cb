// Package httpapi exposes the runtime's REST API, the SSE event stream, and
// the WebSocket event mirror.
package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/linggen/linggen-agent/internal/config"
	"github.com/linggen/linggen-agent/internal/manager"
	"github.com/linggen/linggen-agent/internal/store"
	"github.com/linggen/linggen-agent/pkg/protocol"
)

// API serves the HTTP surface over one Manager.
type API struct {
	mgr      *manager.Manager
	cfg      *config.Config
	projects *store.ProjectRegistry
	limiter  *rate.Limiter // nil = disabled
}

// New creates the API handler set.
func New(mgr *manager.Manager, cfg *config.Config, projects *store.ProjectRegistry) *API {
	a := &API{mgr: mgr, cfg: cfg, projects: projects}
	if rps := cfg.Snapshot().Server.RateLimitRPS; rps > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(rps), rps*2)
	}
	return a
}

// Register installs all routes on the mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /api/projects", a.wrap(a.listProjects))
	mux.HandleFunc("POST /api/projects", a.wrap(a.addProject))
	mux.HandleFunc("DELETE /api/projects", a.wrap(a.removeProject))

	mux.HandleFunc("GET /api/sessions", a.wrap(a.listSessions))
	mux.HandleFunc("POST /api/sessions", a.wrap(a.createSession))

	mux.HandleFunc("POST /api/chat", a.wrap(a.chat))
	mux.HandleFunc("POST /api/chat/clear", a.wrap(a.chatClear))
	mux.HandleFunc("POST /api/run", a.wrap(a.startRun))
	mux.HandleFunc("POST /api/run/cancel", a.wrap(a.cancelRun))

	mux.HandleFunc("GET /api/agent-context", a.wrap(a.agentContext))
	mux.HandleFunc("GET /api/agent-children", a.wrap(a.agentChildren))
	mux.HandleFunc("POST /api/ask-user/respond", a.wrap(a.askUserRespond))

	mux.HandleFunc("GET /api/events", a.events)
	mux.HandleFunc("GET /ws", a.websocket)

	mux.HandleFunc("GET /api/workspace/tree", a.wrap(a.workspaceTree))
	mux.HandleFunc("GET /api/file", a.wrap(a.readFile))

	mux.HandleFunc("GET /api/config", a.wrap(a.getConfig))
	mux.HandleFunc("POST /api/config", a.wrap(a.setConfig))

	mux.HandleFunc("GET /api/models/health", a.wrap(a.modelsHealth))

	mux.HandleFunc("POST /api/mission", a.wrap(a.setMission))
	mux.HandleFunc("DELETE /api/mission", a.wrap(a.clearMission))
}

type apiError struct {
	status int
	err    string
	detail string
}

func (e *apiError) Error() string { return e.err + ": " + e.detail }

func badRequest(format string, args ...any) *apiError {
	return &apiError{status: http.StatusBadRequest, err: "bad_request", detail: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) *apiError {
	return &apiError{status: http.StatusNotFound, err: "not_found", detail: fmt.Sprintf(format, args...)}
}

func (a *API) wrap(h func(w http.ResponseWriter, r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.limiter != nil && !a.limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate_limited", "detail": "too many requests"})
			return
		}
		if err := h(w, r); err != nil {
			var ae *apiError
			if e, ok := err.(*apiError); ok {
				ae = e
			} else {
				ae = &apiError{status: http.StatusInternalServerError, err: "internal", detail: err.Error()}
			}
			writeJSON(w, ae.status, map[string]string{"error": ae.err, "detail": ae.detail})
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("httpapi: encode response failed", "error", err)
	}
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return badRequest("invalid JSON body: %v", err)
	}
	return nil
}

// projectRoot validates the project_root parameter against the registry.
func (a *API) projectRoot(raw string) (string, error) {
	if raw == "" {
		return "", badRequest("project_root is required")
	}
	if !a.projects.Known(raw) {
		return "", badRequest("unknown project: %s", raw)
	}
	return raw, nil
}

// --- projects ---

func (a *API) listProjects(w http.ResponseWriter, _ *http.Request) error {
	type projectOut struct {
		Path    string    `json:"path"`
		Name    string    `json:"name"`
		AddedAt time.Time `json:"added_at"`
	}
	out := []projectOut{}
	for _, p := range a.projects.List() {
		out = append(out, projectOut{Path: p.Path, Name: p.Name, AddedAt: p.AddedAt})
	}
	writeJSON(w, http.StatusOK, out)
	return nil
}

func (a *API) addProject(w http.ResponseWriter, r *http.Request) error {
	var body struct {
		Path string `json:"path"`
	}
	if err := decodeBody(r, &body); err != nil {
		return err
	}
	if body.Path == "" {
		return badRequest("path is required")
	}
	if _, err := a.projects.Add(body.Path); err != nil {
		return badRequest("%v", err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (a *API) removeProject(w http.ResponseWriter, r *http.Request) error {
	var body struct {
		Path string `json:"path"`
	}
	if err := decodeBody(r, &body); err != nil {
		return err
	}
	if err := a.projects.Remove(body.Path); err != nil {
		return badRequest("%v", err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// --- sessions ---

func (a *API) listSessions(w http.ResponseWriter, r *http.Request) error {
	project, err := a.projectRoot(r.URL.Query().Get("project_root"))
	if err != nil {
		return err
	}
	sessions, err := a.mgr.Store().ListSessions(project)
	if err != nil {
		return err
	}
	if sessions == nil {
		sessions = []store.SessionMeta{}
	}
	writeJSON(w, http.StatusOK, sessions)
	return nil
}

func (a *API) createSession(w http.ResponseWriter, r *http.Request) error {
	var body struct {
		ProjectRoot string `json:"project_root"`
		Title       string `json:"title"`
	}
	if err := decodeBody(r, &body); err != nil {
		return err
	}
	project, err := a.projectRoot(body.ProjectRoot)
	if err != nil {
		return err
	}
	id := uuid.NewString()
	if err := a.mgr.Store().CreateSession(store.SessionMeta{
		ID: id, RepoPath: project, Title: body.Title, CreatedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
	return nil
}

// --- chat and runs ---

func (a *API) chat(w http.ResponseWriter, r *http.Request) error {
	var body struct {
		ProjectRoot string `json:"project_root"`
		AgentID     string `json:"agent_id"`
		Message     string `json:"message"`
		SessionID   string `json:"session_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		return err
	}
	project, err := a.projectRoot(body.ProjectRoot)
	if err != nil {
		return err
	}
	if body.AgentID == "" || strings.TrimSpace(body.Message) == "" {
		return badRequest("agent_id and message are required")
	}
	if _, err := a.mgr.StartRun(project, body.SessionID, body.AgentID, body.Message); err != nil {
		return badRequest("%v", err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (a *API) chatClear(w http.ResponseWriter, r *http.Request) error {
	var body struct {
		ProjectRoot string `json:"project_root"`
		SessionID   string `json:"session_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		return err
	}
	project, err := a.projectRoot(body.ProjectRoot)
	if err != nil {
		return err
	}
	session := body.SessionID
	if session == "" {
		session = manager.DefaultSession
	}
	if err := a.mgr.Store().ClearSession(project, session); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (a *API) startRun(w http.ResponseWriter, r *http.Request) error {
	var body struct {
		ProjectRoot string `json:"project_root"`
		AgentID     string `json:"agent_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		return err
	}
	project, err := a.projectRoot(body.ProjectRoot)
	if err != nil {
		return err
	}
	runID, err := a.mgr.StartRun(project, "", body.AgentID,
		"Proceed with your configured task for this workspace.")
	if err != nil {
		return badRequest("%v", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID})
	return nil
}

func (a *API) cancelRun(w http.ResponseWriter, r *http.Request) error {
	var body struct {
		RunID string `json:"run_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		return err
	}
	if err := a.mgr.CancelRun(body.RunID); err != nil {
		return notFound("%v", err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// --- run inspection ---

func (a *API) agentContext(w http.ResponseWriter, r *http.Request) error {
	runID := r.URL.Query().Get("run_id")
	view := r.URL.Query().Get("view")
	rec, err := a.mgr.GetRun(runID)
	if err != nil {
		return notFound("%v", err)
	}
	msgs, err := a.mgr.Store().ReadMessages(rec.Project, rec.Session)
	if err != nil {
		return err
	}

	type msgOut struct {
		FromID    string    `json:"from_id"`
		ToID      string    `json:"to_id"`
		Content   string    `json:"content"`
		Timestamp time.Time `json:"timestamp"`
	}
	out := []msgOut{}
	for _, m := range msgs {
		// Rendered view strips the synthetic tool round-trip messages; the
		// raw view is the model's exact context.
		if view != "raw" && (m.Kind == store.KindToolResult || m.Kind == store.KindToolCall) {
			continue
		}
		out = append(out, msgOut{FromID: m.From, ToID: m.To, Content: m.Text, Timestamp: m.Timestamp})
	}

	summary := fmt.Sprintf("%s: %s (%d messages)", rec.AgentID, rec.Status, len(msgs))
	writeJSON(w, http.StatusOK, map[string]any{
		"run": rec, "summary": summary, "messages": out,
	})
	return nil
}

func (a *API) agentChildren(w http.ResponseWriter, r *http.Request) error {
	runID := r.URL.Query().Get("run_id")
	rec, err := a.mgr.GetRun(runID)
	if err != nil {
		return notFound("%v", err)
	}
	children := []*store.RunRecord{}
	for _, childID := range rec.Children {
		if child, err := a.mgr.GetRun(childID); err == nil {
			children = append(children, child)
		}
	}
	writeJSON(w, http.StatusOK, children)
	return nil
}

func (a *API) askUserRespond(w http.ResponseWriter, r *http.Request) error {
	var body struct {
		QuestionID string               `json:"question_id"`
		Answers    []protocol.AskAnswer `json:"answers"`
	}
	if err := decodeBody(r, &body); err != nil {
		return err
	}
	if err := a.mgr.Answer(body.QuestionID, body.Answers); err != nil {
		return notFound("%v", err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// --- config and health ---

func (a *API) getConfig(w http.ResponseWriter, _ *http.Request) error {
	snap := a.cfg.Snapshot()
	// Credential references stay; secret values never transit this API.
	writeJSON(w, http.StatusOK, map[string]any{
		"models":  snap.Models,
		"server":  snap.Server,
		"agent":   snap.Agent,
		"logging": snap.Logging,
		"routing": snap.Routing,
		"agents":  snap.Agents,
		"tracing": snap.Tracing,
	})
	return nil
}

func (a *API) setConfig(w http.ResponseWriter, r *http.Request) error {
	var next config.Config
	if err := decodeBody(r, &next); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return badRequest("%v", err)
	}
	a.cfg.Replace(next)
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (a *API) modelsHealth(w http.ResponseWriter, _ *http.Request) error {
	type entry struct {
		ID        string `json:"id"`
		Health    string `json:"health"`
		LastError string `json:"last_error,omitempty"`
		SinceSecs int64  `json:"since_secs,omitempty"`
	}
	snapshot := a.mgr.Router().HealthSnapshot()
	out := []entry{}
	for _, mc := range a.cfg.Snapshot().Models {
		e := entry{ID: mc.ID, Health: "healthy"}
		if h, ok := snapshot[mc.ID]; ok {
			e.Health = h.Status
			e.LastError = h.LastError
			e.SinceSecs = int64(time.Since(h.Since).Seconds())
		}
		out = append(out, e)
	}
	writeJSON(w, http.StatusOK, out)
	return nil
}

// --- mission ---

func (a *API) setMission(w http.ResponseWriter, r *http.Request) error {
	var body struct {
		ProjectRoot string `json:"project_root"`
		Text        string `json:"text"`
	}
	if err := decodeBody(r, &body); err != nil {
		return err
	}
	project, err := a.projectRoot(body.ProjectRoot)
	if err != nil {
		return err
	}
	if strings.TrimSpace(body.Text) == "" {
		return badRequest("text is required")
	}
	if err := a.mgr.SetMission(project, body.Text); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (a *API) clearMission(w http.ResponseWriter, r *http.Request) error {
	var body struct {
		ProjectRoot string `json:"project_root"`
	}
	if err := decodeBody(r, &body); err != nil {
		return err
	}
	project, err := a.projectRoot(body.ProjectRoot)
	if err != nil {
		return err
	}
	if err := a.mgr.ClearMission(project); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
