package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNativeStreamParsing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		w.Header().Set("Content-Type", "application/x-ndjson")
		lines := []string{
			`{"message":{"content":"Hel"},"done":false}`,
			`{"message":{"content":"lo"},"done":false}`,
			`{"message":{"thinking":"hmm"},"done":false}`,
			`{"message":{"content":"","tool_calls":[{"function":{"name":"Read","arguments":{"path":"a.txt"}}}]},"done":false}`,
			`{"message":{"content":""},"done":true,"prompt_eval_count":10,"eval_count":5}`,
		}
		for _, l := range lines {
			w.Write([]byte(l + "\n"))
		}
	}))
	defer srv.Close()

	p := NewNativeProvider(srv.URL, "test-model", "", "")
	var chunks []Chunk
	resp, err := p.Stream(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}},
		func(c Chunk) { chunks = append(chunks, c) })
	require.NoError(t, err)

	assert.Equal(t, "Hello", resp.Content)
	assert.Equal(t, "hmm", resp.Thinking)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "Read", resp.ToolCalls[0].Name)
	assert.Equal(t, "a.txt", resp.ToolCalls[0].Arguments["path"])
	assert.Equal(t, "tool_calls", resp.FinishReason)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 15, resp.Usage.TotalTokens)

	require.NotEmpty(t, chunks)
	assert.True(t, chunks[len(chunks)-1].Done)
}

func TestNativeErrorLine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"model not loaded"}` + "\n"))
	}))
	defer srv.Close()

	p := NewNativeProvider(srv.URL, "m", "", "")
	_, err := p.Stream(context.Background(), Request{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestNativeHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "17")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewNativeProvider(srv.URL, "m", "", "")
	_, err := p.Stream(context.Background(), Request{}, nil)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 429, httpErr.StatusCode)
	assert.Equal(t, 17, httpErr.RetryAfter)
}

func TestOpenAIStreamParsing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		lines := []string{
			`data: {"choices":[{"delta":{"content":"Hi"}}]}`,
			`data: {"choices":[{"delta":{"reasoning_content":"think"}}]}`,
			`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c1","function":{"name":"Grep","arguments":"{\"pat"}}]}}]}`,
			`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"tern\":\"x\"}"}}]}}]}`,
			`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":7,"completion_tokens":3,"total_tokens":10}}`,
			`data: [DONE]`,
		}
		for _, l := range lines {
			w.Write([]byte(l + "\n\n"))
		}
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "gpt-test", "sk-test")
	resp, err := p.Stream(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}}, nil)
	require.NoError(t, err)

	assert.Equal(t, "Hi", resp.Content)
	assert.Equal(t, "think", resp.Thinking)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "Grep", resp.ToolCalls[0].Name)
	assert.Equal(t, "x", resp.ToolCalls[0].Arguments["pattern"])
	assert.Equal(t, "tool_calls", resp.FinishReason)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 10, resp.Usage.TotalTokens)
}

func TestOpenAIToolCallMessageEncoding(t *testing.T) {
	msgs := toOpenAIMessages([]Message{
		{Role: "assistant", ToolCalls: []ToolCall{{ID: "c1", Name: "Read", Arguments: map[string]any{"path": "x"}}}},
		{Role: "tool", Content: "data", ToolCallID: "c1"},
	})
	require.Len(t, msgs, 2)
	calls := msgs[0]["tool_calls"].([]map[string]any)
	require.Len(t, calls, 1)
	fn := calls[0]["function"].(map[string]any)
	assert.Equal(t, "Read", fn["name"])
	assert.JSONEq(t, `{"path":"x"}`, fn["arguments"].(string))
	assert.Equal(t, "c1", msgs[1]["tool_call_id"])
}
