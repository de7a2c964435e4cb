package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linggen/linggen-agent/internal/config"
)

func TestPolicyAllowList(t *testing.T) {
	spec := &config.AgentSpec{ID: "explorer", Tools: []string{NameRead, NameGrep}}

	assert.NoError(t, CheckPolicy(spec, NameRead))
	assert.NoError(t, CheckPolicy(spec, NameGrep))
	assert.ErrorIs(t, CheckPolicy(spec, NameWrite), ErrPolicyDenied)
	assert.ErrorIs(t, CheckPolicy(spec, NameBash), ErrPolicyDenied)
}

func TestPolicyFlagGating(t *testing.T) {
	noFlags := &config.AgentSpec{ID: "reader"}
	assert.ErrorIs(t, CheckPolicy(noFlags, NameWrite), ErrPolicyDenied)
	assert.ErrorIs(t, CheckPolicy(noFlags, NameEdit), ErrPolicyDenied)
	assert.ErrorIs(t, CheckPolicy(noFlags, NameFinalizeTask), ErrPolicyDenied)
	assert.ErrorIs(t, CheckPolicy(noFlags, NameTask), ErrPolicyDenied)
	assert.NoError(t, CheckPolicy(noFlags, NameRead))

	full := &config.AgentSpec{ID: "coder", PolicyFlags: []string{config.FlagPatch, config.FlagFinalize, config.FlagDelegate}}
	assert.NoError(t, CheckPolicy(full, NameWrite))
	assert.NoError(t, CheckPolicy(full, NameFinalizeTask))
	assert.NoError(t, CheckPolicy(full, NameTask))
}

func TestEmptyAllowListPermitsAll(t *testing.T) {
	spec := &config.AgentSpec{ID: "any", PolicyFlags: []string{config.FlagPatch}}
	assert.NoError(t, CheckPolicy(spec, NameRead))
	assert.NoError(t, CheckPolicy(spec, NameWrite))
}

type echoTool struct{}

func (echoTool) Name() string        { return "Echo" }
func (echoTool) Description() string { return "echo back" }
func (echoTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text":  map[string]any{"type": "string"},
			"times": map[string]any{"type": "integer", "minimum": 1},
		},
		"required": []any{"text"},
	}
}
func (echoTool) Execute(_ context.Context, args map[string]any) *Result {
	text, _ := args["text"].(string)
	return NewResult(text)
}

func TestRegistryValidatesArguments(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool{}))

	res := r.Execute(context.Background(), "Echo", map[string]any{"text": "hi"})
	assert.False(t, res.IsError)
	assert.Equal(t, "hi", res.ForLLM)

	res = r.Execute(context.Background(), "Echo", map[string]any{})
	assert.True(t, res.IsError, "missing required property fails validation")

	res = r.Execute(context.Background(), "Echo", map[string]any{"text": "x", "times": 0})
	assert.True(t, res.IsError, "minimum violation fails validation")

	res = r.Execute(context.Background(), "Nope", map[string]any{})
	assert.True(t, res.IsError)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool{}))
	assert.Error(t, r.Register(echoTool{}))
}

func TestProviderDefsFilter(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool{}))
	require.NoError(t, r.Register(&ReadTool{}))

	spec := &config.AgentSpec{ID: "a", Tools: []string{NameRead}}
	defs := r.ProviderDefs(spec.AllowsTool)
	require.Len(t, defs, 1)
	assert.Equal(t, NameRead, defs[0].Function.Name)
}
