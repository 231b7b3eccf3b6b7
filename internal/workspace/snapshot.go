package workspace

import (
	"fmt"
	"path/filepath"
)

// SnapshotVersion is the current snapshot schema version.
const SnapshotVersion = 1

// Snapshot is the persisted shape of a Tree: identifiers, names, paths, and
// hierarchy. Repository status is never part of it.
type Snapshot struct {
	Version    int            `yaml:"version" json:"version"`
	Workspaces []SnapshotNode `yaml:"workspaces" json:"workspaces"`
}

// SnapshotNode is one node of a Snapshot.
type SnapshotNode struct {
	ID       string         `yaml:"id" json:"id"`
	Kind     Kind           `yaml:"kind" json:"kind"`
	Name     string         `yaml:"name" json:"name"`
	Path     string         `yaml:"path,omitempty" json:"path,omitempty"`
	Children []SnapshotNode `yaml:"children,omitempty" json:"children,omitempty"`
}

// Snapshot captures the whole tree in display order.
func (t *Tree) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := Snapshot{Version: SnapshotVersion, Workspaces: make([]SnapshotNode, 0, len(t.roots))}
	for _, id := range t.roots {
		s.Workspaces = append(s.Workspaces, t.snapshotLocked(t.nodes[id]))
	}
	return s
}

func (t *Tree) snapshotLocked(n *Node) SnapshotNode {
	sn := SnapshotNode{ID: n.ID, Kind: n.Kind, Name: n.Name, Path: n.Path}
	for _, c := range n.Children {
		sn.Children = append(sn.Children, t.snapshotLocked(t.nodes[c]))
	}
	return sn
}

// Restore replaces the tree contents with s. The snapshot is validated in
// full first; on error the tree is unchanged. Nodes with an empty id (for
// example from a hand-edited file) get a fresh one.
func (t *Tree) Restore(s Snapshot) error {
	if s.Version > SnapshotVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidSnapshot, s.Version)
	}

	r := restorer{
		nodes: make(map[string]*Node),
		paths: make(map[string]string),
	}
	roots := make([]string, 0, len(s.Workspaces))
	for _, ws := range s.Workspaces {
		if ws.Kind != KindWorkspace {
			return fmt.Errorf("%w: top-level node %q is a %s", ErrInvalidSnapshot, ws.Name, ws.Kind)
		}
		id, err := r.add("", ws)
		if err != nil {
			return err
		}
		roots = append(roots, id)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes = r.nodes
	t.paths = r.paths
	t.roots = roots
	return nil
}

type restorer struct {
	nodes map[string]*Node
	paths map[string]string
}

func (r *restorer) add(parentID string, sn SnapshotNode) (string, error) {
	if !sn.Kind.Valid() {
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidSnapshot, sn.Kind)
	}
	if parentID != "" && sn.Kind == KindWorkspace {
		return "", fmt.Errorf("%w: nested workspace %q", ErrInvalidSnapshot, sn.Name)
	}
	if sn.Kind == KindRepository && len(sn.Children) > 0 {
		return "", fmt.Errorf("%w: repository %q has children", ErrInvalidSnapshot, sn.Path)
	}
	name, err := normalizeName(sn.Name)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}

	id := sn.ID
	if id == "" {
		id = newID()
	}
	if _, dup := r.nodes[id]; dup {
		return "", fmt.Errorf("%w: duplicate id %s", ErrInvalidSnapshot, id)
	}

	path := normalizePath(sn.Path)
	if sn.Kind != KindWorkspace {
		if path == "" || !filepath.IsAbs(path) {
			return "", fmt.Errorf("%w: path %q is not absolute", ErrInvalidSnapshot, sn.Path)
		}
		key := pathKey(path)
		if _, dup := r.paths[key]; dup {
			return "", fmt.Errorf("%w: %s", ErrDuplicatePath, path)
		}
		r.paths[key] = id
	} else {
		path = ""
	}

	n := &Node{ID: id, Kind: sn.Kind, Name: name, Path: path, Parent: parentID}
	r.nodes[id] = n
	for _, c := range sn.Children {
		childID, err := r.add(id, c)
		if err != nil {
			return "", err
		}
		n.Children = append(n.Children, childID)
	}
	return id, nil
}
