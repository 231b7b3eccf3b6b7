package workspace

import (
	"fmt"
	"path/filepath"
	"slices"
	"sync"
)

// Tree is the workspace hierarchy. All operations are synchronous; one
// RWMutex guards the arena, the root order, and the path index together so
// structural errors always leave the tree unchanged.
type Tree struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	roots []string          // workspace ids in display order
	paths map[string]string // pathKey -> node id
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{
		nodes: make(map[string]*Node),
		paths: make(map[string]string),
	}
}

// CreateWorkspace appends a new top-level workspace.
func (t *Tree) CreateWorkspace(name string) (string, error) {
	name, err := normalizeName(name)
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	id := newID()
	t.nodes[id] = &Node{ID: id, Kind: KindWorkspace, Name: name}
	t.roots = append(t.roots, id)
	return id, nil
}

// Insert attaches fragments under parentID. It is all-or-nothing: if any
// fragment path already exists in the tree, or repeats within the fragments,
// nothing is inserted and ErrDuplicatePath is returned. The ids of inserted
// repositories are returned in depth-first order.
func (t *Tree) Insert(parentID string, fragments ...Fragment) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkParentLocked(parentID); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, f := range fragments {
		if err := t.validateFragmentLocked(f, seen, true); err != nil {
			return nil, err
		}
	}
	repos := make([]string, 0)
	for _, f := range fragments {
		t.attachLocked(parentID, f, &repos)
	}
	return repos, nil
}

// MergeResult reports what InsertMerge did.
type MergeResult struct {
	Added   []string `json:"added"`   // inserted repository ids
	Skipped []string `json:"skipped"` // paths already present
}

// InsertMerge inserts only the parts of fragments whose paths are not yet in
// the tree. A fragment folder whose path already exists as a folder merges
// its children into the existing node. New folders that end up empty are
// dropped.
func (t *Tree) InsertMerge(parentID string, fragments ...Fragment) (MergeResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	res := MergeResult{Added: []string{}, Skipped: []string{}}
	if err := t.checkParentLocked(parentID); err != nil {
		return res, err
	}
	for _, f := range fragments {
		if err := t.validateFragmentLocked(f, nil, false); err != nil {
			return res, err
		}
	}
	for _, f := range fragments {
		t.mergeLocked(parentID, f, &res)
	}
	return res, nil
}

// Rename changes a node's display name.
func (t *Tree) Rename(id, name string) error {
	name, err := normalizeName(name)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	n.Name = name
	return nil
}

// Reorder replaces the child order of parentID. An empty parentID reorders
// the workspaces. order must be a permutation of the current children.
func (t *Tree) Reorder(parentID string, order []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.roots
	if parentID != "" {
		parent, ok := t.nodes[parentID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, parentID)
		}
		current = parent.Children
	}
	if !isPermutation(current, order) {
		return fmt.Errorf("%w: expected a permutation of %d children", ErrInvalidOrder, len(current))
	}
	next := slices.Clone(order)
	if parentID == "" {
		t.roots = next
	} else {
		t.nodes[parentID].Children = next
	}
	return nil
}

// Move reparents id under newParentID at index. An index outside
// [0, len(children)] appends. Identifiers are unchanged.
func (t *Tree) Move(id, newParentID string, index int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if n.Kind == KindWorkspace {
		return fmt.Errorf("%w: workspaces are top-level", ErrInvalidParent)
	}
	if err := t.checkParentLocked(newParentID); err != nil {
		return err
	}
	for cur := newParentID; cur != ""; cur = t.nodes[cur].Parent {
		if cur == id {
			return ErrCycle
		}
	}

	old := t.nodes[n.Parent]
	old.Children = slices.DeleteFunc(old.Children, func(c string) bool { return c == id })
	parent := t.nodes[newParentID]
	if index < 0 || index > len(parent.Children) {
		index = len(parent.Children)
	}
	parent.Children = slices.Insert(parent.Children, index, id)
	n.Parent = newParentID
	return nil
}

// Delete removes id and all descendants. It returns the removed repository
// ids so callers can drop their status and operation bookkeeping.
func (t *Tree) Delete(id string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if n.Parent == "" {
		t.roots = slices.DeleteFunc(t.roots, func(r string) bool { return r == id })
	} else if parent, ok := t.nodes[n.Parent]; ok {
		parent.Children = slices.DeleteFunc(parent.Children, func(c string) bool { return c == id })
	}

	removed := make([]string, 0)
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node := t.nodes[cur]
		if node == nil {
			continue
		}
		if node.Kind == KindRepository {
			removed = append(removed, cur)
		}
		if node.Path != "" {
			delete(t.paths, pathKey(node.Path))
		}
		delete(t.nodes, cur)
		for i := len(node.Children) - 1; i >= 0; i-- {
			stack = append(stack, node.Children[i])
		}
	}
	return removed, nil
}

// Get returns a copy of the node.
func (t *Tree) Get(id string) (Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return n.clone(), nil
}

// Contains reports whether id is currently in the tree.
func (t *Tree) Contains(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.nodes[id]
	return ok
}

// Children returns copies of id's children in display order.
func (t *Tree) Children(id string) ([]Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	out := make([]Node, 0, len(n.Children))
	for _, c := range n.Children {
		out = append(out, t.nodes[c].clone())
	}
	return out, nil
}

// Roots returns the workspaces in display order.
func (t *Tree) Roots() []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Node, 0, len(t.roots))
	for _, id := range t.roots {
		out = append(out, t.nodes[id].clone())
	}
	return out
}

// Ancestors returns the chain from the workspace down to id's parent.
func (t *Tree) Ancestors(id string) ([]Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	chain := make([]Node, 0)
	for cur := n.Parent; cur != ""; cur = t.nodes[cur].Parent {
		chain = append(chain, t.nodes[cur].clone())
	}
	slices.Reverse(chain)
	return chain, nil
}

// Lookup finds the node stored under path.
func (t *Tree) Lookup(path string) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.paths[pathKey(path)]
	if !ok {
		return Node{}, false
	}
	return t.nodes[id].clone(), true
}

// RepositoryIDs returns every repository id in depth-first display order.
func (t *Tree) RepositoryIDs() []string {
	ids := make([]string, 0)
	for n := range t.Repositories("") {
		ids = append(ids, n.ID)
	}
	return ids
}

// Len returns the number of nodes.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

func (t *Tree) checkParentLocked(parentID string) error {
	parent, ok := t.nodes[parentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, parentID)
	}
	if !parent.Kind.Container() {
		return fmt.Errorf("%w: %s is a %s", ErrInvalidParent, parentID, parent.Kind)
	}
	return nil
}

// validateFragmentLocked checks shape and, when checkDup is set, path
// uniqueness against the tree and seen.
func (t *Tree) validateFragmentLocked(f Fragment, seen map[string]struct{}, checkDup bool) error {
	if f.Kind != KindFolder && f.Kind != KindRepository {
		return fmt.Errorf("%w: unexpected kind %q", ErrInvalidFragment, f.Kind)
	}
	if _, err := normalizeName(f.Name); err != nil {
		return fmt.Errorf("%w: %q", err, f.Path)
	}
	path := normalizePath(f.Path)
	if path == "" || !filepath.IsAbs(path) {
		return fmt.Errorf("%w: path %q is not absolute", ErrInvalidFragment, f.Path)
	}
	if f.Kind == KindRepository && len(f.Children) > 0 {
		return fmt.Errorf("%w: repository %s has children", ErrInvalidFragment, path)
	}
	if checkDup {
		key := pathKey(path)
		if _, exists := t.paths[key]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicatePath, path)
		}
		if _, exists := seen[key]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicatePath, path)
		}
		seen[key] = struct{}{}
	}
	for _, c := range f.Children {
		if err := t.validateFragmentLocked(c, seen, checkDup); err != nil {
			return err
		}
	}
	return nil
}

// addLocked creates a childless node for f under parentID.
func (t *Tree) addLocked(parentID string, f Fragment) *Node {
	name, _ := normalizeName(f.Name)
	path := normalizePath(f.Path)
	n := &Node{ID: newID(), Kind: f.Kind, Name: name, Path: path, Parent: parentID}
	t.nodes[n.ID] = n
	t.paths[pathKey(path)] = n.ID
	parent := t.nodes[parentID]
	parent.Children = append(parent.Children, n.ID)
	return n
}

func (t *Tree) attachLocked(parentID string, f Fragment, repos *[]string) {
	n := t.addLocked(parentID, f)
	if n.Kind == KindRepository {
		*repos = append(*repos, n.ID)
		return
	}
	for _, c := range f.Children {
		t.attachLocked(n.ID, c, repos)
	}
}

func (t *Tree) mergeLocked(parentID string, f Fragment, res *MergeResult) {
	path := normalizePath(f.Path)
	if existingID, ok := t.paths[pathKey(path)]; ok {
		existing := t.nodes[existingID]
		if existing.Kind == KindFolder && f.Kind == KindFolder {
			for _, c := range f.Children {
				t.mergeLocked(existingID, c, res)
			}
			return
		}
		res.Skipped = append(res.Skipped, path)
		return
	}

	n := t.addLocked(parentID, f)
	if n.Kind == KindRepository {
		res.Added = append(res.Added, n.ID)
		return
	}
	for _, c := range f.Children {
		t.mergeLocked(n.ID, c, res)
	}
	if len(n.Children) == 0 {
		parent := t.nodes[parentID]
		parent.Children = slices.DeleteFunc(parent.Children, func(c string) bool { return c == n.ID })
		delete(t.paths, pathKey(n.Path))
		delete(t.nodes, n.ID)
	}
}

func isPermutation(current, order []string) bool {
	if len(current) != len(order) {
		return false
	}
	want := make(map[string]int, len(current))
	for _, id := range current {
		want[id]++
	}
	for _, id := range order {
		if want[id] == 0 {
			return false
		}
		want[id]--
	}
	return true
}
