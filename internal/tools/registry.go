package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/linggen/linggen-agent/internal/providers"
)

// Tool is one capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON Schema for the tool's arguments.
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) *Result
}

// Registry holds the closed tool set and validates arguments against each
// tool's schema before execution.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool; its parameter schema is compiled once here.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, dup := r.tools[name]; dup {
		return fmt.Errorf("tool %s already registered", name)
	}

	raw, err := json.Marshal(t.Parameters())
	if err != nil {
		return fmt.Errorf("tool %s: marshal schema: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(string(raw))); err != nil {
		return fmt.Errorf("tool %s: schema: %w", name, err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("tool %s: compile schema: %w", name, err)
	}

	r.tools[name] = t
	r.schemas[name] = schema
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all tool names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for n := range r.tools {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ProviderDefs renders tool definitions for the model, filtered by the
// agent's allow-list (nil/empty slice semantics per AgentSpec.AllowsTool).
func (r *Registry) ProviderDefs(allows func(name string) bool) []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)

	var defs []providers.ToolDefinition
	for _, n := range names {
		if allows != nil && !allows(n) {
			continue
		}
		t := r.tools[n]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.FunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Execute validates args against the tool's schema and runs it. Unknown
// tools and schema violations are soft errors the model can recover from.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) *Result {
	r.mu.RLock()
	t, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return ErrorResultf("unknown tool: %s", name)
	}

	if args == nil {
		args = map[string]any{}
	}
	// Round-trip through JSON so numbers normalize the way the compiled
	// schema expects.
	raw, err := json.Marshal(args)
	if err != nil {
		return ErrorResultf("tool %s: invalid arguments: %v", name, err)
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return ErrorResultf("tool %s: invalid arguments: %v", name, err)
	}
	if err := schema.Validate(normalized); err != nil {
		slog.Debug("tool argument validation failed", "tool", name, "error", err)
		return ErrorResultf("tool %s: invalid arguments: %v", name, err)
	}

	return t.Execute(ctx, args)
}
