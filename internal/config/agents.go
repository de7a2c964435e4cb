package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy flags hard-gating agent actions.
const (
	FlagPatch    = "Patch"
	FlagFinalize = "Finalize"
	FlagDelegate = "Delegate"
)

// AgentSpec is the static definition of one agent, loaded at startup from a
// markdown file with YAML frontmatter. The body is the agent's system prompt.
type AgentSpec struct {
	ID               string   `yaml:"id"`
	Description      string   `yaml:"description"`
	Tools            []string `yaml:"tools"`      // tool allow-list; empty = all
	Model            string   `yaml:"model"`      // model preference (model id)
	WorkGlobs        []string `yaml:"work_globs"` // write scope; empty = no writes
	PolicyFlags      []string `yaml:"policy_flags"`
	IdlePrompt       string   `yaml:"idle_prompt"`
	IdleIntervalSecs int      `yaml:"idle_interval_secs"`

	SystemPrompt string `yaml:"-"` // markdown body below the frontmatter
}

// HasFlag reports whether flag is in the agent's policy set.
func (s *AgentSpec) HasFlag(flag string) bool {
	for _, f := range s.PolicyFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// AllowsTool reports whether the agent may use the named tool. An empty
// allow-list permits everything.
func (s *AgentSpec) AllowsTool(name string) bool {
	if len(s.Tools) == 0 {
		return true
	}
	for _, t := range s.Tools {
		if t == name {
			return true
		}
	}
	return false
}

var frontmatterSep = []byte("---")

// ParseAgentSpec splits "---\n<yaml>\n---\n<body>" and decodes the
// frontmatter. A file without frontmatter is rejected: the id is mandatory.
func ParseAgentSpec(data []byte) (*AgentSpec, error) {
	trimmed := bytes.TrimLeft(data, "﻿\n\r ")
	if !bytes.HasPrefix(trimmed, frontmatterSep) {
		return nil, fmt.Errorf("agent spec: missing frontmatter")
	}
	rest := trimmed[len(frontmatterSep):]
	idx := bytes.Index(rest, append([]byte("\n"), frontmatterSep...))
	if idx < 0 {
		return nil, fmt.Errorf("agent spec: unterminated frontmatter")
	}
	head := rest[:idx]
	body := rest[idx+1+len(frontmatterSep):]

	spec := &AgentSpec{}
	if err := yaml.Unmarshal(head, spec); err != nil {
		return nil, fmt.Errorf("agent spec frontmatter: %w", err)
	}
	if spec.ID == "" {
		return nil, fmt.Errorf("agent spec: id is required")
	}
	for _, f := range spec.PolicyFlags {
		switch f {
		case FlagPatch, FlagFinalize, FlagDelegate:
		default:
			return nil, fmt.Errorf("agent spec %s: unknown policy flag %q", spec.ID, f)
		}
	}
	spec.SystemPrompt = strings.TrimSpace(string(body))
	return spec, nil
}

// LoadAgentSpecs reads every configured spec file. Entries may override the
// model preference; the config id must match the frontmatter id so that a
// renamed file cannot silently rebind an agent.
func LoadAgentSpecs(entries []AgentEntry) (map[string]*AgentSpec, error) {
	specs := make(map[string]*AgentSpec, len(entries))
	for _, e := range entries {
		data, err := os.ReadFile(e.SpecPath)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", e.ID, err)
		}
		spec, err := ParseAgentSpec(data)
		if err != nil {
			return nil, fmt.Errorf("agent %s (%s): %w", e.ID, e.SpecPath, err)
		}
		if spec.ID != e.ID {
			return nil, fmt.Errorf("agent %s: spec file declares id %q", e.ID, spec.ID)
		}
		if e.Model != "" {
			spec.Model = e.Model
		}
		if _, dup := specs[spec.ID]; dup {
			return nil, fmt.Errorf("agent %s: duplicate definition", spec.ID)
		}
		specs[spec.ID] = spec
	}
	return specs, nil
}
