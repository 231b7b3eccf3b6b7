// Package workspace holds the user-editable hierarchy of workspaces, folders,
// and repositories. Nodes live in an arena keyed by identifier; parent and
// child links are identifiers into the arena, never pointers.
package workspace

import (
	"errors"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// Kind tags a Node.
type Kind string

const (
	KindWorkspace  Kind = "workspace"
	KindFolder     Kind = "folder"
	KindRepository Kind = "repository"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindWorkspace, KindFolder, KindRepository:
		return true
	}
	return false
}

// Container reports whether nodes of this kind may have children.
func (k Kind) Container() bool {
	return k == KindWorkspace || k == KindFolder
}

var (
	ErrNodeNotFound    = errors.New("node not found")
	ErrDuplicatePath   = errors.New("duplicate path")
	ErrInvalidParent   = errors.New("invalid parent")
	ErrInvalidOrder    = errors.New("invalid order")
	ErrCycle           = errors.New("node cannot be moved into its own subtree")
	ErrInvalidName     = errors.New("invalid name")
	ErrInvalidFragment = errors.New("invalid fragment")
	ErrInvalidSnapshot = errors.New("invalid snapshot")
)

// Node is a read-only copy of one arena entry. Children holds identifiers in
// display order and is always nil for repositories.
type Node struct {
	ID       string   `json:"id"`
	Kind     Kind     `json:"kind"`
	Name     string   `json:"name"`
	Path     string   `json:"path,omitempty"`
	Parent   string   `json:"parent,omitempty"`
	Children []string `json:"children,omitempty"`
}

func (n *Node) clone() Node {
	out := *n
	out.Children = slices.Clone(n.Children)
	return out
}

// Fragment is an identifier-less subtree produced by the scanner and
// accepted by Insert. Fragments never contain workspaces.
type Fragment struct {
	Kind     Kind       `json:"kind"`
	Name     string     `json:"name"`
	Path     string     `json:"path"`
	Children []Fragment `json:"children,omitempty"`
}

// RepositoryCount returns the number of repositories in the fragment.
func (f Fragment) RepositoryCount() int {
	if f.Kind == KindRepository {
		return 1
	}
	n := 0
	for _, c := range f.Children {
		n += c.RepositoryCount()
	}
	return n
}

// newID is a test seam.
var newID = func() string {
	return uuid.NewString()
}

// normalizePath cleans p for storage. Empty stays empty.
func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	return filepath.Clean(p)
}

// pathKey is the identity used by the duplicate-path index. Windows paths
// compare case-insensitively.
func pathKey(p string) string {
	p = normalizePath(p)
	if runtime.GOOS == "windows" {
		return strings.ToLower(p)
	}
	return p
}

func normalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrInvalidName
	}
	if strings.ContainsAny(name, "\x00\r\n") {
		return "", ErrInvalidName
	}
	return name, nil
}
