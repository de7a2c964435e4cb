package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linggen/linggen-agent/internal/config"
	"github.com/linggen/linggen-agent/internal/providers"
	"github.com/linggen/linggen-agent/internal/router"
	"github.com/linggen/linggen-agent/internal/skills"
	"github.com/linggen/linggen-agent/internal/store"
	"github.com/linggen/linggen-agent/internal/tools"
	"github.com/linggen/linggen-agent/internal/workspace"
	"github.com/linggen/linggen-agent/pkg/protocol"
)

// scriptProvider streams one scripted reply per call. A nil script entry
// blocks until the context is cancelled (long model call).
type scriptProvider struct {
	mu      sync.Mutex
	calls   int
	replies []*string
}

func reply(s string) *string { return &s }

func (p *scriptProvider) Name() string    { return "scripted" }
func (p *scriptProvider) ModelID() string { return "m1" }
func (p *scriptProvider) Stream(ctx context.Context, _ providers.Request, onChunk func(providers.Chunk)) (*providers.Response, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.mu.Unlock()

	if idx >= len(p.replies) {
		return &providers.Response{Content: "", FinishReason: "stop"}, nil
	}
	entry := p.replies[idx]
	if entry == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	// Stream in small chunks to exercise the incremental parser.
	text := *entry
	for i := 0; i < len(text); i += 7 {
		end := i + 7
		if end > len(text) {
			end = len(text)
		}
		if onChunk != nil {
			onChunk(providers.Chunk{Text: text[i:end]})
		}
	}
	if onChunk != nil {
		onChunk(providers.Chunk{Done: true})
	}
	return &providers.Response{Content: text, FinishReason: "stop"}, nil
}

type testHooks struct {
	mu        sync.Mutex
	delegated []string
	answers   []protocol.AskAnswer
}

func (h *testHooks) Delegate(_ context.Context, _, target, task string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delegated = append(h.delegated, target+": "+task)
	return "child done", nil
}

func (h *testHooks) AskUser(_ context.Context, _ string, _ *protocol.AskUserRequest) ([]protocol.AskAnswer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.answers, nil
}

type engineFixture struct {
	eng     *Engine
	project string
	store   *store.FileStore
	events  *[]protocol.Event
	hooks   *testHooks
}

func newEngineFixture(t *testing.T, spec *config.AgentSpec, script []*string) *engineFixture {
	t.Helper()
	project := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(project, "README.md"), []byte("# Demo\nhello\n"), 0o644))

	cfg := config.Default()
	cfg.Models = []config.ModelConfig{{ID: "m1", Provider: "native", URL: "http://localhost:1", Model: "m1"}}
	cfg.Routing.DefaultModels = []string{"m1"}

	provider := &scriptProvider{replies: script}
	rt := router.New(cfg, config.Credentials{})
	rt.SetFactory(func(config.ModelConfig, string) providers.Provider { return provider })

	loader := skills.NewLoader()
	registry := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(registry, loader, ""))

	ws, err := workspace.New(project)
	require.NoError(t, err)

	st := store.NewFileStore(nil)
	var events []protocol.Event
	var eventsMu sync.Mutex
	hooks := &testHooks{}

	eng := New(Deps{
		Registry: registry,
		Router:   rt,
		WS:       ws,
		Store:    st,
		Skills:   loader,
		Hooks:    hooks,
		Emit: func(ev protocol.Event) {
			eventsMu.Lock()
			events = append(events, ev)
			eventsMu.Unlock()
		},
	}, spec, cfg.Agent, project, "default", "run-1", "")

	return &engineFixture{eng: eng, project: project, store: st, events: &events, hooks: hooks}
}

func kinds(events []protocol.Event) []string {
	var out []string
	for _, ev := range events {
		k := ev.Kind
		if ev.Phase != "" {
			k += ":" + ev.Phase
		}
		out = append(out, k)
	}
	return out
}

func coderSpec() *config.AgentSpec {
	return &config.AgentSpec{
		ID:           "coder",
		WorkGlobs:    []string{"**"},
		PolicyFlags:  []string{config.FlagPatch, config.FlagFinalize, config.FlagDelegate},
		SystemPrompt: "You are a coding agent.",
	}
}

func TestSimpleReadThenFinalize(t *testing.T) {
	fx := newEngineFixture(t, coderSpec(), []*string{
		reply(`{"type": "tool", "name": "Read", "args": {"path": "README.md"}}`),
		reply(`The README is a demo. {"type": "finalize_task", "packet": "README summarized"}`),
	})

	out, err := fx.eng.Run(context.Background(), "show me README.md")
	require.NoError(t, err)
	assert.Equal(t, store.RunSucceeded, out.Status)
	assert.Equal(t, "README summarized", out.Packet)

	ks := kinds(*fx.events)
	assert.Contains(t, ks, "content_block_start")
	assert.Contains(t, ks, "content_block_update")
	assert.Contains(t, ks, "token")
	assert.Contains(t, ks, "run:outcome")
	assert.Contains(t, ks, "turn_complete")

	msgs, err := fx.store.ReadMessages(fx.project, "default")
	require.NoError(t, err)
	var sawToolResult, sawFinalize bool
	for _, m := range msgs {
		if m.Kind == store.KindToolResult {
			sawToolResult = true
			assert.Contains(t, m.Text, "Tool Read: ok")
			assert.Contains(t, m.Text, "# Demo")
		}
		if m.Kind == store.KindFinalize {
			sawFinalize = true
		}
	}
	assert.True(t, sawToolResult)
	assert.True(t, sawFinalize)
}

func TestDeniedWriteIsReportedNotExecuted(t *testing.T) {
	spec := &config.AgentSpec{
		ID:           "explorer",
		Tools:        []string{tools.NameRead, tools.NameGrep},
		SystemPrompt: "You explore.",
	}
	fx := newEngineFixture(t, spec, []*string{
		reply(`{"type": "tool", "name": "Write", "args": {"path": "x.txt", "content": "nope"}}`),
		reply(`Understood, I cannot write files.`),
		reply(`Nothing else to do.`),
	})

	out, err := fx.eng.Run(context.Background(), "write something")
	require.NoError(t, err)
	assert.Equal(t, store.RunSucceeded, out.Status)

	msgs, _ := fx.store.ReadMessages(fx.project, "default")
	var sawDenied bool
	for _, m := range msgs {
		if m.Kind == store.KindToolResult {
			assert.Contains(t, m.Text, "policy denied")
			sawDenied = true
		}
	}
	assert.True(t, sawDenied, "PolicyDenied must round-trip to the model")
	assert.NoFileExists(t, filepath.Join(fx.project, "x.txt"))
}

func TestFinalizeWithoutFlagIsDenied(t *testing.T) {
	spec := &config.AgentSpec{ID: "reader", Tools: []string{tools.NameRead}, SystemPrompt: "read only"}
	fx := newEngineFixture(t, spec, []*string{
		reply(`{"type": "finalize_task", "packet": "sneaky success"}`),
		reply(`ok`),
		reply(`ok`),
	})

	out, err := fx.eng.Run(context.Background(), "finish")
	require.NoError(t, err)
	// The run may still end (text-only completion) but never via the packet.
	assert.NotEqual(t, "sneaky success", out.Packet)

	msgs, _ := fx.store.ReadMessages(fx.project, "default")
	var sawDenied bool
	for _, m := range msgs {
		if m.Kind == store.KindToolResult {
			sawDenied = sawDenied || containsAll(m.Text, "policy denied", "Finalize")
		}
	}
	assert.True(t, sawDenied)
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}

func contains(s, sub string) bool { return strings.Contains(s, sub) }

func TestLoopDetectionBreaksAndFails(t *testing.T) {
	read := `{"type": "tool", "name": "Read", "args": {"path": "README.md"}}`
	script := make([]*string, 10)
	for i := range script {
		script[i] = reply(read)
	}
	fx := newEngineFixture(t, coderSpec(), script)

	out, err := fx.eng.Run(context.Background(), "loop forever")
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, out.Status)
	assert.Contains(t, out.Detail, "loop detected")

	msgs, _ := fx.store.ReadMessages(fx.project, "default")
	var sawBreaker bool
	for _, m := range msgs {
		if m.Kind == store.KindSystem && contains(m.Text, "repeated the same tool call") {
			sawBreaker = true
		}
	}
	assert.True(t, sawBreaker, "loop breaker must be injected before the hard failure")
}

func TestCancellationMidStream(t *testing.T) {
	fx := newEngineFixture(t, coderSpec(), []*string{nil}) // blocks until cancel

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Outcome, 1)
	go func() {
		out, _ := fx.eng.Run(ctx, "long task")
		done <- out
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case out := <-done:
		assert.Equal(t, store.RunCancelled, out.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not observe cancellation")
	}
}

func TestDelegationThroughTaskTool(t *testing.T) {
	fx := newEngineFixture(t, coderSpec(), []*string{
		reply(`{"type": "tool", "name": "Task", "args": {"target_agent_id": "helper", "task": "add a test"}}`),
		reply(`{"type": "finalize_task", "packet": "delegated and done"}`),
	})

	out, err := fx.eng.Run(context.Background(), "delegate this")
	require.NoError(t, err)
	assert.Equal(t, store.RunSucceeded, out.Status)
	require.Len(t, fx.hooks.delegated, 1)
	assert.Equal(t, "helper: add a test", fx.hooks.delegated[0])

	msgs, _ := fx.store.ReadMessages(fx.project, "default")
	var sawChildResult bool
	for _, m := range msgs {
		if m.Kind == store.KindToolResult && contains(m.Text, "child done") {
			sawChildResult = true
		}
	}
	assert.True(t, sawChildResult)
}

func TestAskUserRoundTrip(t *testing.T) {
	fx := newEngineFixture(t, coderSpec(), []*string{
		reply(`{"type": "ask_user", "question_id": "q1", "questions": [{"header": "Confirm", "question": "Overwrite?", "options": [{"label": "Yes"}, {"label": "No"}]}]}`),
		reply(`{"type": "finalize_task", "packet": "confirmed"}`),
	})
	fx.hooks.answers = []protocol.AskAnswer{{QuestionIndex: 0, Selected: []string{"Yes"}}}

	out, err := fx.eng.Run(context.Background(), "overwrite the file?")
	require.NoError(t, err)
	assert.Equal(t, store.RunSucceeded, out.Status)
	assert.Equal(t, "confirmed", out.Packet)
}

func TestIterationBudget(t *testing.T) {
	read := `{"type": "tool", "name": "Glob", "args": {"pattern": "%d"}}`
	var script []*string
	for i := 0; i < 50; i++ {
		script = append(script, reply(fmt.Sprintf(read, i)))
	}
	spec := coderSpec()
	fx := newEngineFixture(t, spec, script)
	fx.eng.agentCfg.MaxIters = 5

	out, err := fx.eng.Run(context.Background(), "never finish")
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, out.Status)
	assert.Contains(t, out.Detail, "iteration budget")
}

func TestModelFallbackEventEmitted(t *testing.T) {
	project := t.TempDir()
	cfg := config.Default()
	cfg.Models = []config.ModelConfig{
		{ID: "fast", Provider: "native", URL: "http://localhost:1", Model: "fast"},
		{ID: "backup", Provider: "native", URL: "http://localhost:2", Model: "backup"},
	}
	cfg.Routing.DefaultModels = []string{"fast", "backup"}

	backup := &scriptProvider{replies: []*string{
		reply(`{"type": "finalize_task", "packet": "served by backup"}`),
	}}
	rt := router.New(cfg, config.Credentials{})
	rt.SetFactory(func(mc config.ModelConfig, _ string) providers.Provider {
		if mc.ID == "fast" {
			return rateLimitedProvider{}
		}
		return backup
	})

	loader := skills.NewLoader()
	registry := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(registry, loader, ""))
	ws, err := workspace.New(project)
	require.NoError(t, err)

	var events []protocol.Event
	var mu sync.Mutex
	spec := coderSpec()
	spec.Model = "fast"
	eng := New(Deps{
		Registry: registry, Router: rt, WS: ws, Store: store.NewFileStore(nil),
		Skills: loader, Hooks: &testHooks{},
		Emit: func(ev protocol.Event) { mu.Lock(); events = append(events, ev); mu.Unlock() },
	}, spec, cfg.Agent, project, "default", "run-f", "")

	out, err := eng.Run(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, store.RunSucceeded, out.Status)
	assert.Equal(t, "served by backup", out.Packet)

	var sawFallback bool
	for _, ev := range events {
		if ev.Kind == protocol.EventModelFallback {
			sawFallback = true
			assert.Equal(t, "fast", ev.Data["requested"])
			assert.Equal(t, "backup", ev.Data["used"])
		}
	}
	assert.True(t, sawFallback)
}

type rateLimitedProvider struct{}

func (rateLimitedProvider) Name() string    { return "scripted" }
func (rateLimitedProvider) ModelID() string { return "fast" }
func (rateLimitedProvider) Stream(context.Context, providers.Request, func(providers.Chunk)) (*providers.Response, error) {
	return nil, &providers.HTTPError{StatusCode: 429, RetryAfter: 120}
}
