package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/linggen/linggen-agent/internal/providers"
	"github.com/linggen/linggen-agent/internal/router"
)

// estimator counts prompt tokens: tiktoken when the encoding loads, chars/4
// otherwise. Provider-reported usage recalibrates the heuristic.
type estimator struct {
	once sync.Once
	enc  *tiktoken.Tiktoken

	mu         sync.Mutex
	calibRatio float64 // actual tokens per estimated token from the last call
}

func (e *estimator) encoding() *tiktoken.Tiktoken {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Debug("tokenizer unavailable, using chars/4 heuristic", "error", err)
			return
		}
		e.enc = enc
	})
	return e.enc
}

func (e *estimator) count(s string) int {
	if enc := e.encoding(); enc != nil {
		return len(enc.Encode(s, nil, nil))
	}
	return len(s)/4 + 1
}

func (e *estimator) estimate(msgs []providers.Message) int {
	total := 0
	for _, m := range msgs {
		total += e.count(m.Content) + 4 // per-message framing overhead
	}
	e.mu.Lock()
	if e.calibRatio > 0 {
		total = int(float64(total) * e.calibRatio)
	}
	e.mu.Unlock()
	return total
}

// calibrate records the ratio between actual prompt tokens and the estimate
// they were predicted at.
func (e *estimator) calibrate(estimated, actual int) {
	if estimated <= 0 || actual <= 0 {
		return
	}
	e.mu.Lock()
	e.calibRatio = float64(actual) / float64(estimated)
	e.mu.Unlock()
}

// ContextUsage is published as Run.context_usage.
type ContextUsage struct {
	EstimatedTokens int `json:"estimated_tokens"`
	MessageCount    int `json:"message_count"`
	TokenLimit      int `json:"token_limit"`
}

const compactKeepLast = 4

// compact summarizes older message groups into one synthetic system message,
// keeping the tail and all user messages intact.
func (e *Engine) compact(ctx context.Context, msgs []providers.Message) []providers.Message {
	if len(msgs) <= compactKeepLast+2 {
		return msgs
	}
	// msgs[0] is the system prompt; the tail and user messages survive.
	head := msgs[1 : len(msgs)-compactKeepLast]
	tail := msgs[len(msgs)-compactKeepLast:]

	var keep []providers.Message
	var summarize []providers.Message
	for _, m := range head {
		if m.Role == "user" {
			keep = append(keep, m)
		} else {
			summarize = append(summarize, m)
		}
	}
	if len(summarize) == 0 {
		return msgs
	}

	var sb strings.Builder
	for _, m := range summarize {
		fmt.Fprintf(&sb, "[%s] %s\n", m.Role, m.Content)
	}
	summaryInput := sb.String()
	if len(summaryInput) > 24_000 {
		summaryInput = summaryInput[:24_000]
	}

	summary := e.summarize(ctx, summaryInput)
	out := make([]providers.Message, 0, len(keep)+compactKeepLast+2)
	out = append(out, msgs[0])
	out = append(out, providers.Message{
		Role:    "system",
		Content: "Summary of earlier conversation (older messages were compacted):\n" + summary,
	})
	out = append(out, keep...)
	out = append(out, tail...)
	return out
}

// summarize asks the routed model for a compaction summary; on failure the
// raw text is truncated instead so the run can continue.
func (e *Engine) summarize(ctx context.Context, text string) string {
	res, err := e.deps.Router.Stream(ctx, router.Opts{
		ModelID: e.spec.Model,
		Request: providers.Request{
			Messages: []providers.Message{
				{Role: "system", Content: "Summarize the following conversation fragment in under 300 words. Keep decisions, file paths, and open items."},
				{Role: "user", Content: text},
			},
			MaxTokens: 1024,
		},
	})
	if err != nil || res == nil || strings.TrimSpace(res.Response.Content) == "" {
		slog.Warn("compaction summary failed, truncating instead", "agent", e.spec.ID, "error", err)
		if len(text) > 2000 {
			return text[:2000] + "…"
		}
		return text
	}
	return res.Response.Content
}
