package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/linggen/linggen-agent/internal/manager"
)

// events serves GET /api/events: an SSE stream of the (project, session)
// topic with optional replay via from_sequence.
func (a *API) events(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	project, err := a.projectRoot(q.Get("project_root"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "detail": err.Error()})
		return
	}
	session := q.Get("session_id")
	if session == "" {
		session = manager.DefaultSession
	}
	var fromSeq uint64
	if v := q.Get("from_sequence"); v != "" {
		fromSeq, _ = strconv.ParseUint(v, 10, 64)
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal", "detail": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := a.mgr.Subscribe(project, session, fromSeq)
	defer sub.Cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.Events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Local-first runtime: clients are the bundled UIs on localhost.
	CheckOrigin: func(*http.Request) bool { return true },
}

// websocket serves GET /ws: a one-way mirror of the SSE event stream for
// clients that prefer a socket.
func (a *API) websocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	project, err := a.projectRoot(q.Get("project_root"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "detail": err.Error()})
		return
	}
	session := q.Get("session_id")
	if session == "" {
		session = manager.DefaultSession
	}
	var fromSeq uint64
	if v := q.Get("from_sequence"); v != "" {
		fromSeq, _ = strconv.ParseUint(v, 10, 64)
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("httpapi: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := a.mgr.Subscribe(project, session, fromSeq)
	defer sub.Cancel()

	// Reader goroutine: surface client close promptly.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, open := <-sub.Events:
			if !open {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
