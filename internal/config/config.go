package config

import (
	"fmt"
	"sync"
)

// Config is the root configuration for the Linggen Agent runtime.
type Config struct {
	Models  []ModelConfig `toml:"models"`
	Server  ServerConfig  `toml:"server"`
	Agent   AgentConfig   `toml:"agent"`
	Logging LoggingConfig `toml:"logging"`
	Routing RoutingConfig `toml:"routing"`
	Agents  []AgentEntry  `toml:"agents"`
	Tracing TracingConfig `toml:"tracing"`
	Search  SearchConfig  `toml:"search"`

	// mu guards live edits (POST /api/config, spec reloads). Pointer so
	// snapshots copy cleanly; nil on decoded values, which are data-only.
	mu *sync.RWMutex
}

// ModelConfig describes one reachable model endpoint.
type ModelConfig struct {
	ID        string   `toml:"id"`
	Provider  string   `toml:"provider"` // "native" or "openai"
	URL       string   `toml:"url"`
	Model     string   `toml:"model"`
	APIKeyRef string   `toml:"api_key_ref,omitempty"` // key name in credentials.json
	KeepAlive string   `toml:"keep_alive,omitempty"`
	Tags      []string `toml:"tags,omitempty"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port         int `toml:"port"`
	RateLimitRPS int `toml:"rate_limit_rps,omitempty"` // 0 = disabled
}

// AgentConfig carries engine-wide limits and safety settings.
type AgentConfig struct {
	MaxIters           int    `toml:"max_iters"`
	WriteSafetyMode    string `toml:"write_safety_mode"` // "strict", "warn", "off"
	PromptLoopBreaker  string `toml:"prompt_loop_breaker,omitempty"`
	MaxDelegationDepth int    `toml:"max_delegation_depth"`
	LoopWarnAfter      int    `toml:"loop_warn_after,omitempty"`
	LoopFailAfter      int    `toml:"loop_fail_after,omitempty"`
	ProbationSecs      int    `toml:"probation_secs,omitempty"`
	BashOutputCap      int    `toml:"bash_output_cap,omitempty"` // bytes per stream
	BashTimeoutMs      int    `toml:"bash_timeout_ms,omitempty"`
	ContextBudget      int    `toml:"context_budget,omitempty"` // prompt token target
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level         string `toml:"level,omitempty"`
	Directory     string `toml:"directory,omitempty"`
	RetentionDays int    `toml:"retention_days,omitempty"`
}

// RoutingConfig holds the global default model chain.
type RoutingConfig struct {
	DefaultModels []string `toml:"default_models"`
}

// AgentEntry binds an agent id to its spec file and optional model override.
type AgentEntry struct {
	ID       string `toml:"id"`
	SpecPath string `toml:"spec_path"`
	Model    string `toml:"model,omitempty"`
}

// TracingConfig enables OTLP/HTTP trace export.
type TracingConfig struct {
	Enabled  bool   `toml:"enabled,omitempty"`
	Endpoint string `toml:"endpoint,omitempty"`
}

// SearchConfig holds web search credentials.
type SearchConfig struct {
	BraveAPIKey string `toml:"brave_api_key,omitempty"`
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	return &Config{
		mu: &sync.RWMutex{},
		Server: ServerConfig{Port: 7777},
		Agent: AgentConfig{
			MaxIters:           24,
			WriteSafetyMode:    "strict",
			MaxDelegationDepth: 2,
			LoopWarnAfter:      3,
			LoopFailAfter:      6,
			ProbationSecs:      300,
			BashOutputCap:      64 * 1024,
			BashTimeoutMs:      60_000,
			ContextBudget:      96_000,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Validate checks invariants that would otherwise surface deep in the runtime.
func (c *Config) Validate() error {
	switch c.Agent.WriteSafetyMode {
	case "strict", "warn", "off":
	default:
		return fmt.Errorf("agent.write_safety_mode: unknown mode %q", c.Agent.WriteSafetyMode)
	}
	if c.Agent.MaxDelegationDepth < 0 {
		return fmt.Errorf("agent.max_delegation_depth must be >= 0")
	}
	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("models: entry missing id")
		}
		if seen[m.ID] {
			return fmt.Errorf("models: duplicate id %q", m.ID)
		}
		seen[m.ID] = true
		switch m.Provider {
		case "native", "openai":
		default:
			return fmt.Errorf("models[%s]: unknown provider kind %q", m.ID, m.Provider)
		}
	}
	for _, id := range c.Routing.DefaultModels {
		if !seen[id] {
			return fmt.Errorf("routing.default_models: unknown model %q", id)
		}
	}
	return nil
}

func (c *Config) rlock() func() {
	if c.mu == nil {
		return func() {}
	}
	c.mu.RLock()
	return c.mu.RUnlock
}

// Model returns the model config for id, or false.
func (c *Config) Model(id string) (ModelConfig, bool) {
	defer c.rlock()()
	for _, m := range c.Models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelConfig{}, false
}

// Snapshot returns a shallow copy safe for concurrent reads.
func (c *Config) Snapshot() Config {
	defer c.rlock()()
	return Config{
		Models:  append([]ModelConfig(nil), c.Models...),
		Server:  c.Server,
		Agent:   c.Agent,
		Logging: c.Logging,
		Routing: RoutingConfig{DefaultModels: append([]string(nil), c.Routing.DefaultModels...)},
		Agents:  append([]AgentEntry(nil), c.Agents...),
		Tracing: c.Tracing,
		Search:  c.Search,
	}
}

// Replace swaps the mutable sections under the write lock (live config edits
// via POST /api/config).
func (c *Config) Replace(next Config) {
	if c.mu != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
	}
	c.Models = next.Models
	c.Server = next.Server
	c.Agent = next.Agent
	c.Logging = next.Logging
	c.Routing = next.Routing
	c.Agents = next.Agents
	c.Tracing = next.Tracing
	c.Search = next.Search
}
