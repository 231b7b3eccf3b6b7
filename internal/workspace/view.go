package workspace

import (
	"slices"
	"strings"
)

// ViewOptions filters and orders a View.
type ViewOptions struct {
	// WorkspaceID limits the view to one workspace. Empty means all.
	WorkspaceID string `json:"workspace_id,omitempty"`
	// Query keeps nodes whose name or path contains it, case-insensitively,
	// together with their ancestors. A matching folder keeps its subtree.
	Query string `json:"query,omitempty"`
	// SortByName orders siblings by name instead of display order.
	SortByName bool `json:"sort_by_name,omitempty"`
}

// ViewNode is a nested, read-only copy of a subtree.
type ViewNode struct {
	ID       string     `json:"id"`
	Kind     Kind       `json:"kind"`
	Name     string     `json:"name"`
	Path     string     `json:"path,omitempty"`
	Children []ViewNode `json:"children,omitempty"`
}

// View returns the hierarchy shaped by opts. Workspaces are always present
// even when the query filters out all their content.
func (t *Tree) View(opts ViewOptions) []ViewNode {
	t.mu.RLock()
	defer t.mu.RUnlock()

	query := strings.ToLower(strings.TrimSpace(opts.Query))
	out := make([]ViewNode, 0, len(t.roots))
	for _, id := range t.roots {
		if opts.WorkspaceID != "" && id != opts.WorkspaceID {
			continue
		}
		ws := t.nodes[id]
		v := ViewNode{ID: ws.ID, Kind: ws.Kind, Name: ws.Name, Path: ws.Path}
		v.Children = t.viewChildrenLocked(ws, query, opts.SortByName)
		out = append(out, v)
	}
	return out
}

func (t *Tree) viewChildrenLocked(n *Node, query string, sortByName bool) []ViewNode {
	children := make([]ViewNode, 0, len(n.Children))
	for _, c := range n.Children {
		if v, ok := t.viewLocked(t.nodes[c], query, sortByName); ok {
			children = append(children, v)
		}
	}
	if sortByName {
		slices.SortStableFunc(children, func(a, b ViewNode) int {
			return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
		})
	}
	return children
}

func (t *Tree) viewLocked(n *Node, query string, sortByName bool) (ViewNode, bool) {
	v := ViewNode{ID: n.ID, Kind: n.Kind, Name: n.Name, Path: n.Path}
	self := query == "" || matches(n, query)
	if n.Kind == KindRepository {
		return v, self
	}
	if self {
		// A matching folder keeps its whole subtree.
		v.Children = t.viewChildrenLocked(n, "", sortByName)
		return v, true
	}
	v.Children = t.viewChildrenLocked(n, query, sortByName)
	return v, len(v.Children) > 0
}

func matches(n *Node, query string) bool {
	return strings.Contains(strings.ToLower(n.Name), query) ||
		strings.Contains(strings.ToLower(n.Path), query)
}
