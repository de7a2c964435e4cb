// Package skills holds the already-loaded skill definitions the Skill tool
// consumes. Provenance (workspace, bundled, marketplace, …) is an opaque tag.
package skills

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Skill is one named, declarative extension.
type Skill struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Source      string `yaml:"source,omitempty"`
	Body        string `yaml:"-"` // instructions handed to the agent on invocation
}

// Loader keeps the loaded skill set.
type Loader struct {
	mu     sync.RWMutex
	skills map[string]*Skill
}

// NewLoader creates an empty loader.
func NewLoader() *Loader {
	return &Loader{skills: make(map[string]*Skill)}
}

// LoadDir reads every *.md skill file under dir. A missing dir is fine: the
// skill set is simply empty.
func (l *Loader) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return err
		}
		skill, err := Parse(data)
		if err != nil {
			return fmt.Errorf("skill %s: %w", e.Name(), err)
		}
		l.mu.Lock()
		l.skills[skill.Name] = skill
		l.mu.Unlock()
	}
	return nil
}

// Parse splits frontmatter and body.
func Parse(data []byte) (*Skill, error) {
	sep := []byte("---")
	trimmed := bytes.TrimLeft(data, "\n\r ")
	if !bytes.HasPrefix(trimmed, sep) {
		return nil, fmt.Errorf("missing frontmatter")
	}
	rest := trimmed[len(sep):]
	idx := bytes.Index(rest, append([]byte("\n"), sep...))
	if idx < 0 {
		return nil, fmt.Errorf("unterminated frontmatter")
	}
	s := &Skill{}
	if err := yaml.Unmarshal(rest[:idx], s); err != nil {
		return nil, err
	}
	if s.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	s.Body = strings.TrimSpace(string(rest[idx+1+len(sep):]))
	return s, nil
}

// Get returns a skill by name.
func (l *Loader) Get(name string) (*Skill, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.skills[name]
	return s, ok
}

// List returns all skills sorted by name, optionally filtered by an
// allow-list (nil = all, empty = none).
func (l *Loader) List(allowList []string) []*Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	allowed := func(string) bool { return true }
	if allowList != nil {
		set := make(map[string]bool, len(allowList))
		for _, n := range allowList {
			set[n] = true
		}
		allowed = func(n string) bool { return set[n] }
	}
	var out []*Skill
	for _, s := range l.skills {
		if allowed(s.Name) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
