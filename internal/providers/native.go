package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NativeProvider speaks the native streaming chat protocol: POST JSON with
// stream=true, consume newline-delimited JSON objects carrying message deltas
// and a terminal done object with usage counts.
type NativeProvider struct {
	url       string
	model     string
	apiKey    string
	keepAlive string
	client    *http.Client
}

// NewNativeProvider creates a provider for one native chat endpoint.
func NewNativeProvider(url, model, apiKey, keepAlive string) *NativeProvider {
	return &NativeProvider{
		url:       strings.TrimRight(url, "/"),
		model:     model,
		apiKey:    apiKey,
		keepAlive: keepAlive,
		client:    &http.Client{Timeout: 10 * time.Minute},
	}
}

func (p *NativeProvider) Name() string    { return "native" }
func (p *NativeProvider) ModelID() string { return p.model }

type nativeChatLine struct {
	Message struct {
		Content   string `json:"content"`
		Thinking  string `json:"thinking,omitempty"`
		ToolCalls []struct {
			Function struct {
				Name      string          `json:"name"`
				Arguments json.RawMessage `json:"arguments"`
			} `json:"function"`
		} `json:"tool_calls,omitempty"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
	Error           string `json:"error,omitempty"`
}

func (p *NativeProvider) Stream(ctx context.Context, req Request, onChunk func(Chunk)) (*Response, error) {
	body := map[string]any{
		"model":    p.model,
		"messages": toNativeMessages(req.Messages),
		"stream":   true,
	}
	if len(req.Tools) > 0 {
		body["tools"] = req.Tools
	}
	if p.keepAlive != "" {
		body["keep_alive"] = p.keepAlive
	}
	if req.MaxTokens > 0 {
		body["options"] = map[string]any{"num_predict": req.MaxTokens}
	}

	respBody, err := p.doRequest(ctx, body)
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	result := &Response{FinishReason: "stop"}

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev nativeChatLine
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if ev.Error != "" {
			return nil, fmt.Errorf("native stream error: %s", ev.Error)
		}
		if ev.Message.Content != "" {
			result.Content += ev.Message.Content
			if onChunk != nil {
				onChunk(Chunk{Text: ev.Message.Content})
			}
		}
		if ev.Message.Thinking != "" {
			result.Thinking += ev.Message.Thinking
			if onChunk != nil {
				onChunk(Chunk{Thinking: ev.Message.Thinking})
			}
		}
		for _, tc := range ev.Message.ToolCalls {
			args := make(map[string]any)
			_ = json.Unmarshal(tc.Function.Arguments, &args)
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        uuid.NewString()[:8],
				Name:      strings.TrimSpace(tc.Function.Name),
				Arguments: args,
			})
		}
		if ev.Done {
			result.Usage = &Usage{
				PromptTokens:     ev.PromptEvalCount,
				CompletionTokens: ev.EvalCount,
				TotalTokens:      ev.PromptEvalCount + ev.EvalCount,
			}
			if ev.DoneReason == "length" {
				result.FinishReason = "length"
			}
			break
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("native stream read: %w", err)
	}

	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}
	if onChunk != nil {
		onChunk(Chunk{Done: true})
	}
	return result, nil
}

func toNativeMessages(msgs []Message) []map[string]any {
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		entry := map[string]any{"role": m.Role, "content": m.Content}
		out = append(out, entry)
	}
	return out
}

func (p *NativeProvider) doRequest(ctx context.Context, body map[string]any) (io.ReadCloser, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		retryAfter, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(b), RetryAfter: retryAfter}
	}
	return resp.Body, nil
}
