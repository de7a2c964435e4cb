package workspace

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Directories never descended into by Glob and Grep.
var defaultIgnoreDirs = map[string]bool{
	".git":         true,
	".linggen":     true,
	"node_modules": true,
}

// globMatch matches a root-relative slash path against a pattern where "**"
// spans any number of path segments and the remaining segments use
// path.Match syntax.
func globMatch(pattern, rel string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(rel, "/"))
}

func matchSegments(pat, segs []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			if len(pat) == 1 {
				return true
			}
			for i := 0; i <= len(segs); i++ {
				if matchSegments(pat[1:], segs[i:]) {
					return true
				}
			}
			return false
		}
		if len(segs) == 0 {
			return false
		}
		ok, err := path.Match(pat[0], segs[0])
		if err != nil || !ok {
			return false
		}
		pat = pat[1:]
		segs = segs[1:]
	}
	return len(segs) == 0
}

// Glob lists workspace files matching the pattern, sorted, root-relative.
func (w *Workspace) Glob(pattern string) ([]string, error) {
	if filepath.IsAbs(pattern) {
		abs, err := w.Resolve(pattern)
		if err != nil {
			return nil, err
		}
		rel, _ := filepath.Rel(w.root, abs)
		pattern = filepath.ToSlash(rel)
	}

	var matches []string
	err := filepath.WalkDir(w.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if defaultIgnoreDirs[d.Name()] && p != w.root {
				return filepath.SkipDir
			}
			return nil
		}
		rel, rerr := filepath.Rel(w.root, p)
		if rerr != nil {
			return nil
		}
		if globMatch(pattern, filepath.ToSlash(rel)) {
			matches = append(matches, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// GrepHit is one matching line.
type GrepHit struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Preview string `json:"preview"`
}

const grepMaxHits = 500

// Grep searches file contents under root (a workspace-relative directory,
// empty for the whole project) for the regexp pattern.
func (w *Workspace) Grep(pattern, root string, caseInsensitive bool) ([]GrepHit, error) {
	if caseInsensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("grep: %w", err)
	}

	start := w.root
	if root != "" {
		abs, err := w.Resolve(root)
		if err != nil {
			return nil, err
		}
		start = abs
	}

	var hits []GrepHit
	err = filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if defaultIgnoreDirs[d.Name()] && p != start {
				return filepath.SkipDir
			}
			return nil
		}
		if len(hits) >= grepMaxHits {
			return filepath.SkipAll
		}
		f, ferr := os.Open(p)
		if ferr != nil {
			return nil
		}
		defer f.Close()
		rel, _ := filepath.Rel(w.root, p)
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		line := 0
		for scanner.Scan() {
			line++
			text := scanner.Text()
			if strings.ContainsRune(text, 0) {
				return nil // binary file
			}
			if re.MatchString(text) {
				if len(text) > 240 {
					text = text[:240] + "…"
				}
				hits = append(hits, GrepHit{Path: filepath.ToSlash(rel), Line: line, Preview: text})
				if len(hits) >= grepMaxHits {
					return filepath.SkipAll
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hits, nil
}
