// Package agent drives one run of one agent: the prompt-tool loop over
// streaming model output with incremental structured-action parsing.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/linggen/linggen-agent/internal/config"
	"github.com/linggen/linggen-agent/internal/providers"
	"github.com/linggen/linggen-agent/internal/router"
	"github.com/linggen/linggen-agent/internal/skills"
	"github.com/linggen/linggen-agent/internal/store"
	"github.com/linggen/linggen-agent/internal/tools"
	"github.com/linggen/linggen-agent/internal/tracing"
	"github.com/linggen/linggen-agent/internal/workspace"
	"github.com/linggen/linggen-agent/pkg/protocol"
)

// ErrLoopDetected marks a run killed by the repeat-action detector.
var ErrLoopDetected = errors.New("loop detected")

// ManagerHooks reaches manager-owned state from inside a run: delegation and
// the ask-user bridge.
type ManagerHooks interface {
	Delegate(ctx context.Context, parentRunID, targetAgentID, task string) (string, error)
	AskUser(ctx context.Context, runID string, req *protocol.AskUserRequest) ([]protocol.AskAnswer, error)
}

// Deps are the collaborators one Engine needs.
type Deps struct {
	Registry *tools.Registry
	Router   *router.Router
	WS       *workspace.Workspace
	Store    store.Store
	Skills   *skills.Loader
	Hooks    ManagerHooks
	// Emit publishes one event onto the run's topic and journal. The manager
	// fills run/agent ids before stamping.
	Emit func(ev protocol.Event)
}

// Outcome is the terminal state of a run.
type Outcome struct {
	Status string // store.RunSucceeded / RunFailed / RunCancelled
	Detail string
	Packet string // finalize packet on success
}

// Engine drives one run.
type Engine struct {
	deps     Deps
	spec     *config.AgentSpec
	agentCfg config.AgentConfig

	project string
	session string
	runID   string
	mission string

	est        estimator
	activePlan *protocol.Plan

	finalized   bool
	finalPacket string
	nudged      bool
}

// New creates an Engine for one run.
func New(deps Deps, spec *config.AgentSpec, agentCfg config.AgentConfig, project, session, runID, mission string) *Engine {
	return &Engine{
		deps:     deps,
		spec:     spec,
		agentCfg: agentCfg,
		project:  project,
		session:  session,
		runID:    runID,
		mission:  mission,
	}
}

func (e *Engine) emit(ev protocol.Event) {
	if e.deps.Emit != nil {
		e.deps.Emit(ev)
	}
}

func (e *Engine) appendMessage(from, to, text, kind string) {
	msg := store.Message{From: from, To: to, Text: text, Timestamp: time.Now().UTC(), Kind: kind}
	if err := e.deps.Store.AppendMessage(e.project, e.session, msg); err != nil {
		slog.Warn("engine: append message failed", "run", e.runID, "error", err)
	}
}

// Run processes one user message through the loop until finalize_task, the
// iteration budget, loop detection, or cancellation.
func (e *Engine) Run(ctx context.Context, userMessage string) (*Outcome, error) {
	e.appendMessage("user", e.spec.ID, userMessage, store.KindUser)
	e.emit(protocol.Event{Kind: protocol.EventActivity, Data: map[string]any{"state": protocol.ActivityWorking}})

	var lastText string
	detector := newLoopDetector(e.agentCfg.LoopWarnAfter, e.agentCfg.LoopFailAfter)

	maxIters := e.agentCfg.MaxIters
	if maxIters <= 0 {
		maxIters = 24
	}

	for iteration := 1; iteration <= maxIters; iteration++ {
		if err := ctx.Err(); err != nil {
			return e.terminal(&Outcome{Status: store.RunCancelled}), nil
		}

		turn, err := e.runTurn(ctx, iteration)
		if err != nil {
			if ctx.Err() != nil {
				return e.terminal(&Outcome{Status: store.RunCancelled}), nil
			}
			if errors.Is(err, router.ErrAllModelsDown) {
				return e.terminal(&Outcome{Status: store.RunFailed, Detail: "model unavailable: " + err.Error()}), nil
			}
			return e.terminal(&Outcome{Status: store.RunFailed, Detail: err.Error()}), nil
		}
		lastText = turn.text

		verdict, err := e.dispatch(ctx, turn.actions, detector)
		if err != nil {
			if ctx.Err() != nil {
				return e.terminal(&Outcome{Status: store.RunCancelled}), nil
			}
			return e.terminal(&Outcome{Status: store.RunFailed, Detail: err.Error()}), nil
		}
		if e.finalized {
			return e.terminal(&Outcome{Status: store.RunSucceeded, Packet: e.finalPacket}), nil
		}
		if verdict == loopFail {
			return e.terminal(&Outcome{Status: store.RunFailed, Detail: ErrLoopDetected.Error()}), nil
		}

		if len(turn.actions) == 0 {
			// Text-only turn. Nudge once toward an explicit finalize; a second
			// consecutive text-only turn counts as completion.
			if e.nudged {
				return e.terminal(&Outcome{Status: store.RunSucceeded, Packet: lastText}), nil
			}
			e.nudged = true
			e.appendMessage("system", e.spec.ID,
				`When the task is complete, emit {"type": "finalize_task", "packet": "<result>"}; otherwise continue with tool calls.`,
				store.KindSystem)
			continue
		}
		e.nudged = false
	}

	return e.terminal(&Outcome{Status: store.RunFailed, Detail: fmt.Sprintf("iteration budget exhausted (%d)", maxIters)}), nil
}

func (e *Engine) terminal(out *Outcome) *Outcome {
	e.emit(protocol.Event{Kind: protocol.EventActivity, Data: map[string]any{"state": protocol.ActivityIdle}})
	data := map[string]any{"status": out.Status}
	if out.Detail != "" {
		data["detail"] = out.Detail
	}
	if out.Packet != "" {
		data["packet"] = out.Packet
	}
	e.emit(protocol.Event{Kind: protocol.EventRun, Phase: protocol.RunPhaseOutcome, Data: data})
	e.emit(protocol.Event{Kind: protocol.EventTurnComplete})
	return out
}

// turnResult is what one model call produced.
type turnResult struct {
	text    string
	actions []*Action
}

// runTurn builds the prompt, streams the model, and parses actions.
func (e *Engine) runTurn(ctx context.Context, iteration int) (*turnResult, error) {
	msgs, err := e.buildMessages(ctx)
	if err != nil {
		return nil, err
	}

	estimated := e.est.estimate(msgs)
	budget := e.agentCfg.ContextBudget
	if budget > 0 && estimated > budget {
		msgs = e.compact(ctx, msgs)
		estimated = e.est.estimate(msgs)
	}
	e.emit(protocol.Event{Kind: protocol.EventRun, Phase: protocol.RunPhaseContextUsage, Data: map[string]any{
		"estimated_tokens": estimated,
		"message_count":    len(msgs),
		"token_limit":      budget,
	}})

	e.emit(protocol.Event{Kind: protocol.EventActivity, Data: map[string]any{"state": protocol.ActivityThinking}})

	parser := &ActionParser{}
	turn := &turnResult{}
	var textSegment strings.Builder
	var blockOpen string

	closeTextSegment := func() {
		if textSegment.Len() == 0 {
			return
		}
		e.emit(protocol.Event{Kind: protocol.EventTextSegment, Text: textSegment.String()})
		turn.text += textSegment.String()
		textSegment.Reset()
	}

	handle := func(events []ParseEvent) {
		for _, pe := range events {
			switch {
			case pe.Text != "":
				textSegment.WriteString(pe.Text)
			case pe.Open != "":
				closeTextSegment()
				blockOpen = pe.Open
				blockType := protocol.BlockToolUse
				e.emit(protocol.Event{
					Kind: protocol.EventContentBlockStart,
					Data: map[string]any{"type": blockType, "action": pe.Open},
				})
			case pe.Action != nil:
				turn.actions = append(turn.actions, pe.Action)
				blockOpen = ""
			}
		}
	}

	llmCtx, llmSpan := tracing.StartLLMSpan(ctx, e.spec.Model, iteration)
	defer llmSpan.End()

	res, err := e.deps.Router.Stream(llmCtx, router.Opts{
		ModelID: e.spec.Model,
		Request: providers.Request{
			Messages:  msgs,
			Tools:     e.deps.Registry.ProviderDefs(e.spec.AllowsTool),
			MaxTokens: 8192,
		},
		OnChunk: func(chunk providers.Chunk) {
			if chunk.Thinking != "" {
				e.emit(protocol.Event{Kind: protocol.EventToken, Text: chunk.Thinking, Data: map[string]any{"thinking": true}})
			}
			if chunk.Text != "" {
				e.emit(protocol.Event{Kind: protocol.EventToken, Text: chunk.Text})
				handle(parser.Feed(chunk.Text))
			}
		},
	})
	if err != nil {
		llmSpan.RecordError(err)
		return nil, err
	}
	handle(parser.Flush())
	closeTextSegment()
	if blockOpen != "" {
		// Envelope never completed before the stream ended.
		e.emit(protocol.Event{Kind: protocol.EventContentBlockUpdate, Data: map[string]any{
			"status": protocol.BlockStatusFailed, "summary": "incomplete " + blockOpen + " envelope",
		}})
	}

	if res.Fallback {
		e.emit(protocol.Event{Kind: protocol.EventModelFallback, Data: map[string]any{
			"requested": e.spec.Model, "used": res.ModelID,
		}})
	}
	if res.Response.Usage != nil {
		e.est.calibrate(estimated, res.Response.Usage.PromptTokens)
	}

	// Native tool calls from providers that emit them structurally.
	for _, tc := range res.Response.ToolCalls {
		turn.actions = append(turn.actions, &Action{Type: ActionTool, Tool: tc.Name, Args: tc.Arguments})
	}

	if turn.text != "" {
		e.appendMessage(e.spec.ID, "user", turn.text, store.KindAgentText)
	}
	e.emit(protocol.Event{Kind: protocol.EventMessage, Text: turn.text, Data: map[string]any{
		"iteration": iteration, "actions": len(turn.actions),
	}})
	return turn, nil
}

// dispatch executes the turn's actions in order. Tool failures are soft;
// policy violations are reported back to the model.
func (e *Engine) dispatch(ctx context.Context, actions []*Action, detector *loopDetector) (string, error) {
	verdict := loopOK
	for _, a := range actions {
		if err := ctx.Err(); err != nil {
			return verdict, err
		}
		if e.finalized {
			break
		}
		switch a.Type {
		case ActionTool:
			v, err := e.dispatchTool(ctx, a.Tool, a.Args, detector)
			if err != nil {
				return v, err
			}
			if v == loopFail {
				return v, nil
			}
			verdict = v
		case ActionPlan:
			if err := e.handlePlan(ctx, a.Plan); err != nil {
				return verdict, err
			}
		case ActionAskUser:
			e.handleAskUser(ctx, a.Ask)
		case ActionChangeReport:
			e.emit(protocol.Event{Kind: protocol.EventRun, Phase: protocol.RunPhaseChangeReport, Data: map[string]any{
				"summary": a.Change.Summary, "files": a.Change.Files,
			}})
			e.appendMessage(e.spec.ID, "user", a.Change.Summary, store.KindChangeReport)
		case ActionFinalizeTask:
			e.handleFinalize(a.Packet)
		}
	}
	return verdict, nil
}

// dispatchTool enforces policy, executes through the registry, and round-trips
// the result into the transcript.
func (e *Engine) dispatchTool(ctx context.Context, name string, args map[string]any, detector *loopDetector) (string, error) {
	argsJSON, _ := json.Marshal(args)
	e.appendMessage(e.spec.ID, "user", fmt.Sprintf("%s %s", name, argsJSON), store.KindToolCall)

	if err := tools.CheckPolicy(e.spec, name); err != nil {
		e.emit(protocol.Event{Kind: protocol.EventContentBlockUpdate, Data: map[string]any{
			"status": protocol.BlockStatusFailed, "tool": name, "summary": err.Error(),
		}})
		e.appendToolResult(name, err.Error(), true)
		return loopOK, nil
	}

	verdict := detector.record(name, args)
	if verdict == loopFail {
		return loopFail, nil
	}

	e.emit(protocol.Event{Kind: protocol.EventActivity, Data: map[string]any{
		"state": protocol.ActivityCallingTool, "tool": name,
	}})

	toolCtx, toolSpan := tracing.StartToolSpan(ctx, name)
	runCtx := tools.WithRunInfo(toolCtx, e.runInfo())
	result := e.deps.Registry.Execute(runCtx, name, args)
	if result.Err != nil {
		toolSpan.RecordError(result.Err)
	}
	toolSpan.End()
	if result.Err != nil && ctx.Err() != nil {
		return verdict, ctx.Err()
	}
	detector.recordResult(result.ForLLM)

	status := protocol.BlockStatusDone
	if result.IsError {
		status = protocol.BlockStatusFailed
	}
	summary := result.Summary
	if summary == "" {
		summary = firstLine(result.ForLLM)
	}
	e.emit(protocol.Event{Kind: protocol.EventContentBlockUpdate, Data: map[string]any{
		"status": status, "tool": name, "summary": summary,
	}})
	e.appendToolResult(name, result.ForLLM, result.IsError)

	if verdict == loopWarn {
		breaker := e.agentCfg.PromptLoopBreaker
		if breaker == "" {
			breaker = "You have repeated the same tool call with identical arguments several times without progress. Change strategy: use a different tool, different arguments, or finalize with what you have."
		}
		e.appendMessage("system", e.spec.ID, breaker, store.KindSystem)
	}
	return verdict, nil
}

// appendToolResult writes the stable round-trip format: "Tool <Name>: <summary>"
// on line 1, details below.
func (e *Engine) appendToolResult(name, body string, isErr bool) {
	head := fmt.Sprintf("Tool %s: ok", name)
	if isErr {
		head = fmt.Sprintf("Tool %s: error", name)
	}
	e.appendMessage(e.spec.ID, e.spec.ID, head+"\n"+body, store.KindToolResult)
}

func (e *Engine) handleFinalize(packet string) {
	if !e.spec.HasFlag(config.FlagFinalize) {
		msg := fmt.Sprintf("%v: finalize_task requires the %s policy flag", tools.ErrPolicyDenied, config.FlagFinalize)
		e.appendToolResult(tools.NameFinalizeTask, msg, true)
		return
	}
	e.finalized = true
	e.finalPacket = packet
	if e.activePlan != nil && e.activePlan.Status == protocol.PlanExecuting {
		e.activePlan.Status = protocol.PlanCompleted
		e.emitPlan()
	}
	e.appendMessage(e.spec.ID, "user", packet, store.KindFinalize)
}

func (e *Engine) handleAskUser(ctx context.Context, req *protocol.AskUserRequest) {
	if err := tools.CheckPolicy(e.spec, tools.NameAskUser); err != nil {
		e.appendToolResult(tools.NameAskUser, err.Error(), true)
		return
	}
	answers, err := e.AskUser(ctx, req)
	if err != nil {
		e.appendToolResult(tools.NameAskUser, err.Error(), true)
		return
	}
	encoded, _ := json.Marshal(answers)
	e.appendToolResult(tools.NameAskUser, string(encoded), false)
}

func (e *Engine) runInfo() *tools.RunInfo {
	timeout := time.Duration(e.agentCfg.BashTimeoutMs) * time.Millisecond
	return &tools.RunInfo{
		Project:       e.project,
		Session:       e.session,
		RunID:         e.runID,
		AgentID:       e.spec.ID,
		Spec:          e.spec,
		WS:            e.deps.WS,
		SafetyMode:    workspace.WriteSafetyMode(e.agentCfg.WriteSafetyMode),
		BashTimeout:   timeout,
		BashOutputCap: e.agentCfg.BashOutputCap,
		Hooks:         e,
		Progress: func(line string) {
			e.emit(protocol.Event{Kind: protocol.EventToolProgress, Text: line})
		},
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 160 {
		s = s[:160] + "…"
	}
	return s
}

// --- tools.Hooks implementation (engine side of the tool bridge) ---

// UpdatePlan registers or updates the run's plan (Plan tool path).
func (e *Engine) UpdatePlan(ctx context.Context, plan *protocol.Plan) error {
	return e.handlePlan(ctx, plan)
}

// Finalize marks the run for success (FinalizeTask tool path).
func (e *Engine) Finalize(_ context.Context, packet string) error {
	if !e.spec.HasFlag(config.FlagFinalize) {
		return fmt.Errorf("%w: finalize_task requires the %s policy flag", tools.ErrPolicyDenied, config.FlagFinalize)
	}
	e.finalized = true
	e.finalPacket = packet
	return nil
}

// AskUser suspends the run on the manager's bridge (AskUser tool path).
func (e *Engine) AskUser(ctx context.Context, req *protocol.AskUserRequest) ([]protocol.AskAnswer, error) {
	e.emit(protocol.Event{Kind: protocol.EventAskUser, Data: map[string]any{
		"question_id": req.QuestionID, "questions": req.Questions,
	}})
	return e.deps.Hooks.AskUser(ctx, e.runID, req)
}

// Delegate spawns a child run via the manager (Task tool path).
func (e *Engine) Delegate(ctx context.Context, targetAgentID, task string) (string, error) {
	return e.deps.Hooks.Delegate(ctx, e.runID, targetAgentID, task)
}

// --- plan mode ---

func (e *Engine) handlePlan(ctx context.Context, plan *protocol.Plan) error {
	if plan == nil || plan.Summary == "" {
		e.appendToolResult(tools.NamePlan, "invalid plan: summary is required", true)
		return nil
	}
	if plan.Origin == "" {
		plan.Origin = e.spec.ID
	}
	e.activePlan = plan
	e.emitPlan()
	e.appendMessage(e.spec.ID, "user", planSummaryText(plan), store.KindPlan)

	if plan.Status != protocol.PlanPlanned {
		return nil
	}

	// Planned plans require approval before executing; the approval request
	// rides the ask-user bridge so the standard respond endpoint serves it.
	answers, err := e.AskUser(ctx, &protocol.AskUserRequest{
		QuestionID: "plan-approve-" + e.runID + "-" + uuid.NewString()[:8],
		Questions: []protocol.AskQuestion{{
			Header:   "Plan approval",
			Question: plan.Summary,
			Options:  []protocol.AskOption{{Label: "Approve"}, {Label: "Reject"}},
		}},
	})
	if err != nil {
		return err
	}

	approved := false
	feedback := ""
	for _, a := range answers {
		for _, s := range a.Selected {
			if strings.EqualFold(s, "Approve") {
				approved = true
			}
		}
		feedback = a.CustomText
	}
	if approved {
		e.activePlan.Status = protocol.PlanExecuting
		e.emitPlan()
		e.appendToolResult(tools.NamePlan, "plan approved — executing", false)
	} else {
		e.activePlan = nil
		msg := "plan rejected"
		if feedback != "" {
			msg += ": " + feedback
		}
		e.emit(protocol.Event{Kind: protocol.EventRun, Phase: protocol.RunPhasePlanUpdate, Data: map[string]any{"status": "rejected"}})
		e.appendToolResult(tools.NamePlan, msg, true)
	}
	return nil
}

func (e *Engine) emitPlan() {
	e.emit(protocol.Event{Kind: protocol.EventRun, Phase: protocol.RunPhasePlanUpdate, Data: map[string]any{
		"plan": e.activePlan,
	}})
}

func planSummaryText(p *protocol.Plan) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Plan (%s): %s\n", p.Status, p.Summary)
	for _, item := range p.Items {
		fmt.Fprintf(&sb, "- [%s] %s\n", item.Status, item.Title)
	}
	return sb.String()
}

// --- prompt building ---

func (e *Engine) buildMessages(ctx context.Context) ([]providers.Message, error) {
	history, err := e.deps.Store.ReadMessages(e.project, e.session)
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}

	msgs := []providers.Message{{Role: "system", Content: e.systemPrompt()}}
	for _, m := range history {
		switch m.Kind {
		case store.KindUser:
			msgs = append(msgs, providers.Message{Role: "user", Content: m.Text})
		case store.KindAgentText, store.KindToolCall, store.KindPlan, store.KindFinalize, store.KindChangeReport:
			msgs = append(msgs, providers.Message{Role: "assistant", Content: m.Text})
		case store.KindToolResult:
			// Synthetic round-trip message; rendered for the model's view.
			msgs = append(msgs, providers.Message{Role: "user", Content: m.Text})
		case store.KindSystem:
			msgs = append(msgs, providers.Message{Role: "system", Content: m.Text})
		}
	}
	return msgs, nil
}

func (e *Engine) systemPrompt() string {
	var sb strings.Builder
	sb.WriteString(e.spec.SystemPrompt)
	fmt.Fprintf(&sb, "\n\n## Workspace\nProject root: %s\nYour write scope: %s\n",
		e.deps.WS.Root(), strings.Join(e.spec.WorkGlobs, ", "))

	if e.deps.Skills != nil {
		if list := e.deps.Skills.List(nil); len(list) > 0 {
			sb.WriteString("\n## Skills\n")
			for _, s := range list {
				fmt.Fprintf(&sb, "- %s: %s\n", s.Name, s.Description)
			}
		}
	}
	if e.mission != "" {
		fmt.Fprintf(&sb, "\n## Mission\n%s\n", e.mission)
	}
	if e.activePlan != nil {
		fmt.Fprintf(&sb, "\n## Current plan\n%s", planSummaryText(e.activePlan))
	}

	sb.WriteString(`
## Actions
Emit structured actions as JSON objects in your output:
- {"type": "tool", "name": "<Tool>", "args": {…}} to call a tool
- {"type": "plan", "summary": "…", "status": "planned", "items": [{"title": "…"}]} to propose a plan
- {"type": "ask_user", "question_id": "…", "questions": [{"question": "…", "options": [{"label": "…"}]}]} to ask the user
- {"type": "change_report", "summary": "…", "files": […]} to report workspace changes
- {"type": "finalize_task", "packet": "<final result>"} when the task is complete
`)
	return sb.String()
}
