package httpapi

import (
	"net/http"
	"os"
	"path/filepath"
	"sort"
)

// TreeNode is one entry in the workspace tree.
type TreeNode struct {
	Type     string      `json:"type"` // "file" or "dir"
	Path     string      `json:"path,omitempty"`
	Agent    string      `json:"agent,omitempty"`
	Status   string      `json:"status,omitempty"`
	Children []*TreeNode `json:"children,omitempty"`
}

var treeIgnore = map[string]bool{
	".git":         true,
	".linggen":     true,
	"node_modules": true,
}

const treeMaxDepth = 8

// workspaceTree serves GET /api/workspace/tree.
func (a *API) workspaceTree(w http.ResponseWriter, r *http.Request) error {
	project, err := a.projectRoot(r.URL.Query().Get("project_root"))
	if err != nil {
		return err
	}
	root, err := buildTree(project, "", 0)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, root)
	return nil
}

func buildTree(absRoot, rel string, depth int) (*TreeNode, error) {
	abs := filepath.Join(absRoot, rel)
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return &TreeNode{Type: "file", Path: filepath.ToSlash(rel)}, nil
	}
	node := &TreeNode{Type: "dir", Path: filepath.ToSlash(rel)}
	if depth >= treeMaxDepth {
		return node, nil
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return node, nil
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return entries[i].Name() < entries[j].Name()
	})
	for _, e := range entries {
		if treeIgnore[e.Name()] {
			continue
		}
		child, err := buildTree(absRoot, filepath.Join(rel, e.Name()), depth+1)
		if err != nil {
			continue
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}

// readFile serves GET /api/file.
func (a *API) readFile(w http.ResponseWriter, r *http.Request) error {
	project, err := a.projectRoot(r.URL.Query().Get("project_root"))
	if err != nil {
		return err
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		return badRequest("path is required")
	}
	ws, err := a.mgr.Workspace(project)
	if err != nil {
		return err
	}
	data, err := ws.Read(path)
	if err != nil {
		return notFound("%v", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": string(data)})
	return nil
}
