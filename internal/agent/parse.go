package agent

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/linggen/linggen-agent/pkg/protocol"
)

// Structured action types an agent may emit as JSON envelopes inside its
// visible output.
const (
	ActionTool         = "tool"
	ActionPlan         = "plan"
	ActionFinalizeTask = "finalize_task"
	ActionAskUser      = "ask_user"
	ActionChangeReport = "change_report"
)

// Action is one parsed structured envelope.
type Action struct {
	Type   string
	Tool   string
	Args   map[string]any
	Plan   *protocol.Plan
	Packet string
	Ask    *protocol.AskUserRequest
	Change *protocol.ChangeReport
	Raw    map[string]any
}

// ParseEvent is one incremental parser output: prose text, an envelope
// opening (the type is known before the body completes), or a finished
// action.
type ParseEvent struct {
	Text   string
	Open   string // envelope type, set once per envelope as soon as it is known
	Action *Action
}

// envelope type sniffing on a partial capture
var envelopeHead = regexp.MustCompile(`^\s*\{\s*"type"\s*:\s*"([a-z_]+)"`)

var knownActionTypes = map[string]bool{
	ActionTool:         true,
	ActionPlan:         true,
	ActionFinalizeTask: true,
	ActionAskUser:      true,
	ActionChangeReport: true,
}

// ActionParser incrementally scans streamed model text for structured JSON
// envelopes with a leading {"type": "..."}. It is brace-depth aware, string
// and escape aware, and tolerates prose around the JSON. Text that turns out
// not to be a recognized envelope is released back as prose.
type ActionParser struct {
	capture   []byte
	capturing bool
	depth     int
	inString  bool
	escaped   bool
	announced bool
	opened    string
}

// Feed consumes one streamed delta and returns the events it completes.
func (p *ActionParser) Feed(delta string) []ParseEvent {
	var events []ParseEvent
	var prose strings.Builder

	flushProse := func() {
		if prose.Len() > 0 {
			events = append(events, ParseEvent{Text: prose.String()})
			prose.Reset()
		}
	}

	for i := 0; i < len(delta); i++ {
		c := delta[i]

		if !p.capturing {
			if c == '{' {
				flushProse()
				p.capturing = true
				p.capture = p.capture[:0]
				p.depth = 0
				p.inString = false
				p.escaped = false
				p.announced = false
				p.opened = ""
				// fall through into capture handling
			} else {
				prose.WriteByte(c)
				continue
			}
		}

		p.capture = append(p.capture, c)

		if p.inString {
			if p.escaped {
				p.escaped = false
			} else if c == '\\' {
				p.escaped = true
			} else if c == '"' {
				p.inString = false
			}
		} else {
			switch c {
			case '"':
				p.inString = true
			case '{':
				p.depth++
			case '}':
				p.depth--
			}
		}

		// Announce the envelope as soon as the type field is readable so the
		// UI can open a content block before the body finishes streaming.
		if !p.announced {
			if m := envelopeHead.FindSubmatch(p.capture); m != nil {
				t := string(m[1])
				if knownActionTypes[t] {
					p.announced = true
					p.opened = t
					events = append(events, ParseEvent{Open: t})
				} else {
					// Not an action envelope: release as prose and rescan the
					// remainder of the delta outside capture mode.
					events = append(events, p.abortCapture()...)
					continue
				}
			} else if len(p.capture) > 64 || (!envelopeMayMatch(p.capture)) {
				events = append(events, p.abortCapture()...)
				continue
			}
		}

		if p.depth == 0 && !p.inString {
			// Balanced object complete.
			raw := make(map[string]any)
			if err := json.Unmarshal(p.capture, &raw); err != nil || !p.announced {
				events = append(events, p.abortCapture()...)
				continue
			}
			captured := append([]byte(nil), p.capture...)
			action := decodeAction(p.opened, captured, raw)
			p.capturing = false
			p.capture = p.capture[:0]
			if action == nil {
				// Recognized type but malformed body: released as prose, so
				// the turn carries it as plain text.
				events = append(events, ParseEvent{Text: string(captured)})
			} else {
				events = append(events, ParseEvent{Action: action})
			}
		}
	}

	flushProse()
	return events
}

// Flush ends the stream: an unfinished capture is released as prose.
func (p *ActionParser) Flush() []ParseEvent {
	if !p.capturing || len(p.capture) == 0 {
		p.capturing = false
		return nil
	}
	text := string(p.capture)
	p.capturing = false
	p.capture = p.capture[:0]
	return []ParseEvent{{Text: text}}
}

// abortCapture releases the captured bytes as prose and leaves capture mode.
// The first byte was '{'; everything after it is NOT rescanned for nested
// envelopes — real envelopes start at top level.
func (p *ActionParser) abortCapture() []ParseEvent {
	text := string(p.capture)
	p.capturing = false
	p.capture = p.capture[:0]
	if text == "" {
		return nil
	}
	return []ParseEvent{{Text: text}}
}

// envelopeMayMatch reports whether capture is still a prefix of something
// envelopeHead could match.
func envelopeMayMatch(capture []byte) bool {
	const probe = `{"type":"`
	s := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\t', '\r':
			return -1
		}
		return r
	}, string(capture))
	if len(s) >= len(probe) {
		return strings.HasPrefix(s, probe)
	}
	return strings.HasPrefix(probe, s)
}

// decodeAction validates the envelope body against its action type. A nil
// return means the envelope was recognized but malformed; Feed then releases
// the captured bytes as prose.
func decodeAction(actionType string, raw []byte, rawMap map[string]any) *Action {
	a := &Action{Type: actionType, Raw: rawMap}
	switch actionType {
	case ActionTool:
		name, _ := rawMap["name"].(string)
		if name == "" {
			name, _ = rawMap["tool"].(string)
		}
		if name == "" {
			return nil
		}
		a.Tool = name
		if args, ok := rawMap["args"].(map[string]any); ok {
			a.Args = args
		} else if args, ok := rawMap["arguments"].(map[string]any); ok {
			a.Args = args
		} else {
			a.Args = map[string]any{}
		}
	case ActionPlan:
		var env struct {
			Plan *protocol.Plan `json:"plan"`
			// flattened form: summary/status/items at top level
			Summary string              `json:"summary"`
			Status  string              `json:"status"`
			Items   []protocol.PlanItem `json:"items"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil
		}
		if env.Plan != nil {
			a.Plan = env.Plan
		} else if env.Summary != "" || len(env.Items) > 0 {
			a.Plan = &protocol.Plan{Summary: env.Summary, Status: env.Status, Items: env.Items}
		} else {
			return nil
		}
		if a.Plan.Status == "" {
			a.Plan.Status = protocol.PlanPlanned
		}
	case ActionFinalizeTask:
		packet, ok := rawMap["packet"].(string)
		if !ok {
			if out, ok2 := rawMap["output"].(string); ok2 {
				packet = out
			}
		}
		a.Packet = packet
	case ActionAskUser:
		var env protocol.AskUserRequest
		if err := json.Unmarshal(raw, &env); err != nil || len(env.Questions) == 0 {
			return nil
		}
		a.Ask = &env
	case ActionChangeReport:
		var env protocol.ChangeReport
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil
		}
		a.Change = &env
	default:
		return nil
	}
	return a
}
