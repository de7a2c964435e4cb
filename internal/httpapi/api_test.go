package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linggen/linggen-agent/internal/bus"
	"github.com/linggen/linggen-agent/internal/config"
	"github.com/linggen/linggen-agent/internal/manager"
	"github.com/linggen/linggen-agent/internal/providers"
	"github.com/linggen/linggen-agent/internal/router"
	"github.com/linggen/linggen-agent/internal/skills"
	"github.com/linggen/linggen-agent/internal/store"
	"github.com/linggen/linggen-agent/internal/tools"
)

// finalizeProvider always finalizes immediately.
type finalizeProvider struct{}

func (finalizeProvider) Name() string    { return "scripted" }
func (finalizeProvider) ModelID() string { return "m1" }
func (finalizeProvider) Stream(_ context.Context, _ providers.Request, onChunk func(providers.Chunk)) (*providers.Response, error) {
	text := `{"type": "finalize_task", "packet": "done"}`
	if onChunk != nil {
		onChunk(providers.Chunk{Text: text})
		onChunk(providers.Chunk{Done: true})
	}
	return &providers.Response{Content: text, FinishReason: "stop"}, nil
}

type fixture struct {
	srv     *httptest.Server
	project string
	mgr     *manager.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	project := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(project, "hello.txt"), []byte("hi there"), 0o644))

	cfg := config.Default()
	cfg.Models = []config.ModelConfig{{ID: "m1", Provider: "native", URL: "http://localhost:1", Model: "m1"}}
	cfg.Routing.DefaultModels = []string{"m1"}

	rt := router.New(cfg, config.Credentials{})
	rt.SetFactory(func(config.ModelConfig, string) providers.Provider { return finalizeProvider{} })

	loader := skills.NewLoader()
	registry := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(registry, loader, ""))

	specs := map[string]*config.AgentSpec{
		"coder": {ID: "coder", WorkGlobs: []string{"**"},
			PolicyFlags:  []string{config.FlagPatch, config.FlagFinalize},
			SystemPrompt: "coder"},
	}
	mgr := manager.New(cfg, specs, registry, rt, store.NewFileStore(nil), bus.New(0, 0), loader)

	projects, err := store.OpenProjectRegistry(filepath.Join(t.TempDir(), "projects.json"))
	require.NoError(t, err)
	_, err = projects.Add(project)
	require.NoError(t, err)

	api := New(mgr, cfg, projects)
	mux := http.NewServeMux()
	api.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, project: project, mgr: mgr}
}

func (f *fixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func (f *fixture) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestProjectsEndpoint(t *testing.T) {
	f := newFixture(t)

	var projects []map[string]any
	code := f.get(t, "/api/projects", &projects)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, projects, 1)
	assert.Equal(t, f.project, projects[0]["path"])

	resp := f.post(t, "/api/projects", map[string]string{"path": "/does/not/exist"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestSessionsEndpoint(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/api/sessions", map[string]string{"project_root": f.project, "title": "exploration"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var created map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	assert.NotEmpty(t, created["id"])

	var sessions []map[string]any
	code := f.get(t, "/api/sessions?project_root="+f.project, &sessions)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, sessions, 1)
	assert.Equal(t, "exploration", sessions[0]["title"])
}

func TestChatTriggersRun(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/api/chat", map[string]string{
		"project_root": f.project, "agent_id": "coder", "message": "do the thing",
	})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	require.Eventually(t, func() bool {
		runs, err := f.mgr.ListRuns(f.project, manager.DefaultSession, store.RunFilter{Status: store.RunSucceeded})
		return err == nil && len(runs) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestChatRejectsUnknownProjectAndAgent(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/api/chat", map[string]string{
		"project_root": "/unregistered", "agent_id": "coder", "message": "x",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = f.post(t, "/api/chat", map[string]string{
		"project_root": f.project, "agent_id": "ghost", "message": "x",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var errBody map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errBody))
	resp.Body.Close()
	assert.Equal(t, "bad_request", errBody["error"])
	assert.Contains(t, errBody["detail"], "unknown agent")
}

func TestRunAndCancelEndpoints(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/api/run", map[string]string{"project_root": f.project, "agent_id": "coder"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	require.NotEmpty(t, body["run_id"])

	// Cancel after completion is 204 (idempotent); unknown run is 404.
	require.Eventually(t, func() bool {
		rec, err := f.mgr.GetRun(body["run_id"])
		return err == nil && rec.Terminal()
	}, 5*time.Second, 20*time.Millisecond)

	resp = f.post(t, "/api/run/cancel", map[string]string{"run_id": body["run_id"]})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = f.post(t, "/api/run/cancel", map[string]string{"run_id": "nope"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestAgentContextEndpoint(t *testing.T) {
	f := newFixture(t)
	runID, err := f.mgr.StartRun(f.project, "", "coder", "hello")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rec, err := f.mgr.GetRun(runID)
		return err == nil && rec.Terminal()
	}, 5*time.Second, 20*time.Millisecond)

	var ctxBody struct {
		Run      map[string]any   `json:"run"`
		Summary  string           `json:"summary"`
		Messages []map[string]any `json:"messages"`
	}
	code := f.get(t, "/api/agent-context?run_id="+runID+"&view=raw", &ctxBody)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, runID, ctxBody.Run["run_id"])
	assert.NotEmpty(t, ctxBody.Messages)
	assert.Contains(t, ctxBody.Summary, "coder")
}

func TestFileAndTreeEndpoints(t *testing.T) {
	f := newFixture(t)

	var file map[string]string
	code := f.get(t, "/api/file?project_root="+f.project+"&path=hello.txt", &file)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "hi there", file["content"])

	code = f.get(t, "/api/file?project_root="+f.project+"&path=../escape", nil)
	assert.Equal(t, http.StatusNotFound, code)

	var tree TreeNode
	code = f.get(t, "/api/workspace/tree?project_root="+f.project, &tree)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "dir", tree.Type)
	require.NotEmpty(t, tree.Children)
}

func TestModelsHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	var health []map[string]any
	code := f.get(t, "/api/models/health", &health)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, health, 1)
	assert.Equal(t, "m1", health[0]["id"])
	assert.Equal(t, "healthy", health[0]["health"])
}

func TestEventsSSEReplay(t *testing.T) {
	f := newFixture(t)
	runID, err := f.mgr.StartRun(f.project, "", "coder", "hello")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rec, err := f.mgr.GetRun(runID)
		return err == nil && rec.Terminal()
	}, 5*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		f.srv.URL+"/api/events?project_root="+f.project+"&from_sequence=1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	scanner := bufio.NewScanner(resp.Body)
	var sawOutcome bool
	for scanner.Scan() && !sawOutcome {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		if ev["kind"] == "run" && ev["phase"] == "outcome" {
			sawOutcome = true
		}
	}
	assert.True(t, sawOutcome, "replayed stream must contain the run outcome")
}

func TestConfigEndpoint(t *testing.T) {
	f := newFixture(t)
	var cfgBody map[string]any
	code := f.get(t, "/api/config", &cfgBody)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, cfgBody, "models")
	assert.Contains(t, cfgBody, "routing")
	assert.NotContains(t, cfgBody, "credentials", "secrets never transit the config API")
}
