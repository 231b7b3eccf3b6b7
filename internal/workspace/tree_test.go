package workspace

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"slices"
	"testing"
)

func repo(root string, elems ...string) Fragment {
	p := filepath.Join(append([]string{root}, elems...)...)
	return Fragment{Kind: KindRepository, Name: filepath.Base(p), Path: p}
}

func folder(root string, name string, children ...Fragment) Fragment {
	p := filepath.Join(root, name)
	return Fragment{Kind: KindFolder, Name: filepath.Base(p), Path: p, Children: children}
}

func newTreeWithWorkspace(t *testing.T) (*Tree, string) {
	t.Helper()
	tree := NewTree()
	ws, err := tree.CreateWorkspace("Work")
	if err != nil {
		t.Fatalf("CreateWorkspace() error = %v", err)
	}
	return tree, ws
}

func TestCreateWorkspace(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"plain", "Work", nil},
		{"trimmed", "  Work  ", nil},
		{"empty", "", ErrInvalidName},
		{"blank", "   ", ErrInvalidName},
		{"newline", "a\nb", ErrInvalidName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree := NewTree()
			id, err := tree.CreateWorkspace(tt.input)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("CreateWorkspace(%q) error = %v, want %v", tt.input, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			n, err := tree.Get(id)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if n.Kind != KindWorkspace || n.Name != "Work" {
				t.Errorf("Get() = %+v", n)
			}
		})
	}
}

func TestInsert(t *testing.T) {
	root := t.TempDir()
	tree, ws := newTreeWithWorkspace(t)

	frag := folder(root, "src", repo(root, "src", "a"), folder(filepath.Join(root, "src"), "nested", repo(root, "src", "nested", "b")))
	repos, err := tree.Insert(ws, frag)
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if len(repos) != 2 {
		t.Fatalf("Insert() returned %d repos, want 2", len(repos))
	}
	a, err := tree.Get(repos[0])
	if err != nil || a.Name != "a" || a.Kind != KindRepository {
		t.Fatalf("first repo = %+v, %v", a, err)
	}
	if a.Children != nil {
		t.Errorf("repository has children: %v", a.Children)
	}

	chain, err := tree.Ancestors(repos[1])
	if err != nil {
		t.Fatalf("Ancestors() error = %v", err)
	}
	var names []string
	for _, n := range chain {
		names = append(names, n.Name)
	}
	if want := []string{"Work", "src", "nested"}; !slices.Equal(names, want) {
		t.Errorf("Ancestors() = %v, want %v", names, want)
	}

	if n, ok := tree.Lookup(filepath.Join(root, "src", "a") + string(filepath.Separator)); !ok || n.ID != repos[0] {
		t.Errorf("Lookup() with trailing separator = %+v, %v", n, ok)
	}
}

func TestInsertRejects(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		name    string
		setup   func(t *testing.T, tree *Tree, ws string) string // returns parent id
		frags   []Fragment
		wantErr error
	}{
		{
			name:    "path already in tree",
			setup:   func(t *testing.T, tree *Tree, ws string) string { mustInsert(t, tree, ws, repo(root, "a")); return ws },
			frags:   []Fragment{folder(root, "f", repo(root, "b")), repo(root, "a")},
			wantErr: ErrDuplicatePath,
		},
		{
			name:    "path repeated in fragment",
			setup:   func(t *testing.T, tree *Tree, ws string) string { return ws },
			frags:   []Fragment{repo(root, "x"), folder(root, "g", repo(root, "x"))},
			wantErr: ErrDuplicatePath,
		},
		{
			name: "repository parent",
			setup: func(t *testing.T, tree *Tree, ws string) string {
				return mustInsert(t, tree, ws, repo(root, "parent"))[0]
			},
			frags:   []Fragment{repo(root, "child")},
			wantErr: ErrInvalidParent,
		},
		{
			name:    "unknown parent",
			setup:   func(t *testing.T, tree *Tree, ws string) string { return "missing" },
			frags:   []Fragment{repo(root, "c")},
			wantErr: ErrNodeNotFound,
		},
		{
			name:    "relative path",
			setup:   func(t *testing.T, tree *Tree, ws string) string { return ws },
			frags:   []Fragment{{Kind: KindRepository, Name: "rel", Path: "rel/path"}},
			wantErr: ErrInvalidFragment,
		},
		{
			name:    "repository with children",
			setup:   func(t *testing.T, tree *Tree, ws string) string { return ws },
			frags:   []Fragment{{Kind: KindRepository, Name: "r", Path: filepath.Join(root, "r"), Children: []Fragment{repo(root, "r", "sub")}}},
			wantErr: ErrInvalidFragment,
		},
		{
			name:    "workspace fragment",
			setup:   func(t *testing.T, tree *Tree, ws string) string { return ws },
			frags:   []Fragment{{Kind: KindWorkspace, Name: "w", Path: filepath.Join(root, "w")}},
			wantErr: ErrInvalidFragment,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree, ws := newTreeWithWorkspace(t)
			parent := tt.setup(t, tree, ws)
			before := tree.Snapshot()
			beforeLen := tree.Len()

			_, err := tree.Insert(parent, tt.frags...)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Insert() error = %v, want %v", err, tt.wantErr)
			}
			if tree.Len() != beforeLen {
				t.Errorf("tree size changed from %d to %d after rejected insert", beforeLen, tree.Len())
			}
			if after := tree.Snapshot(); !snapshotsEqual(before, after) {
				t.Errorf("tree changed after rejected insert")
			}
		})
	}
}

// Randomized sequences of inserts must never leave two nodes with one path.
func TestInsertNeverDuplicatesPaths(t *testing.T) {
	root := t.TempDir()
	rng := rand.New(rand.NewPCG(7, 11))
	tree, ws := newTreeWithWorkspace(t)
	parents := []string{ws}

	for i := range 300 {
		parent := parents[rng.IntN(len(parents))]
		var frag Fragment
		name := fmt.Sprintf("p%d", rng.IntN(40))
		if rng.IntN(3) == 0 {
			frag = folder(root, name, repo(root, name, fmt.Sprintf("r%d", rng.IntN(5))))
		} else {
			frag = repo(root, name)
		}
		_, err := tree.Insert(parent, frag)
		if err != nil && !errors.Is(err, ErrDuplicatePath) {
			t.Fatalf("step %d: Insert() error = %v", i, err)
		}
		if err == nil && frag.Kind == KindFolder {
			n, _ := tree.Lookup(frag.Path)
			parents = append(parents, n.ID)
		}

		seen := make(map[string]bool)
		var walk func(nodes []ViewNode)
		walk = func(nodes []ViewNode) {
			for _, n := range nodes {
				if n.Path != "" {
					if seen[n.Path] {
						t.Fatalf("step %d: duplicate path %s", i, n.Path)
					}
					seen[n.Path] = true
				}
				walk(n.Children)
			}
		}
		walk(tree.View(ViewOptions{}))
	}
}

func TestInsertMerge(t *testing.T) {
	root := t.TempDir()
	tree, ws := newTreeWithWorkspace(t)
	existing := mustInsert(t, tree, ws, folder(root, "src", repo(root, "src", "a")))

	res, err := tree.InsertMerge(ws,
		folder(root, "src", repo(root, "src", "a"), repo(root, "src", "b")),
		folder(root, "empty", repo(root, "src", "a")),
		repo(root, "c"),
	)
	if err != nil {
		t.Fatalf("InsertMerge() error = %v", err)
	}
	if len(res.Added) != 2 {
		t.Fatalf("Added = %v, want 2 repos", res.Added)
	}
	if want := []string{filepath.Join(root, "src", "a"), filepath.Join(root, "src", "a")}; !slices.Equal(res.Skipped, want) {
		t.Errorf("Skipped = %v, want %v", res.Skipped, want)
	}
	if _, ok := tree.Lookup(filepath.Join(root, "empty")); ok {
		t.Error("folder whose children were all skipped should be dropped")
	}

	b, _ := tree.Lookup(filepath.Join(root, "src", "b"))
	a, _ := tree.Get(existing[0])
	if b.Parent != a.Parent {
		t.Errorf("merged repo parent = %s, want existing folder %s", b.Parent, a.Parent)
	}
}

func TestRenameReorderMove(t *testing.T) {
	root := t.TempDir()
	tree, ws := newTreeWithWorkspace(t)
	mustInsert(t, tree, ws, folder(root, "f", repo(root, "f", "x")), repo(root, "a"), repo(root, "b"))
	wsNode, _ := tree.Get(ws)
	f, a, b := wsNode.Children[0], wsNode.Children[1], wsNode.Children[2]

	t.Run("rename", func(t *testing.T) {
		if err := tree.Rename(a, "alpha"); err != nil {
			t.Fatalf("Rename() error = %v", err)
		}
		if n, _ := tree.Get(a); n.Name != "alpha" {
			t.Errorf("Name = %q, want alpha", n.Name)
		}
		if err := tree.Rename(a, " "); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Rename(blank) error = %v, want ErrInvalidName", err)
		}
		if err := tree.Rename("missing", "x"); !errors.Is(err, ErrNodeNotFound) {
			t.Errorf("Rename(missing) error = %v, want ErrNodeNotFound", err)
		}
	})

	t.Run("reorder", func(t *testing.T) {
		order := []string{b, f, a}
		if err := tree.Reorder(ws, order); err != nil {
			t.Fatalf("Reorder() error = %v", err)
		}
		if n, _ := tree.Get(ws); !slices.Equal(n.Children, order) {
			t.Errorf("Children = %v, want %v", n.Children, order)
		}
		for _, bad := range [][]string{{b, f}, {b, f, f}, {b, f, "zzz"}} {
			if err := tree.Reorder(ws, bad); !errors.Is(err, ErrInvalidOrder) {
				t.Errorf("Reorder(%v) error = %v, want ErrInvalidOrder", bad, err)
			}
		}
	})

	t.Run("move", func(t *testing.T) {
		if err := tree.Move(a, f, 0); err != nil {
			t.Fatalf("Move() error = %v", err)
		}
		fn, _ := tree.Get(f)
		if fn.Children[0] != a {
			t.Errorf("folder children = %v, want %s first", fn.Children, a)
		}
		if n, _ := tree.Get(a); n.Parent != f {
			t.Errorf("Parent = %s, want %s", n.Parent, f)
		}
		if err := tree.Move(f, f, 0); !errors.Is(err, ErrCycle) {
			t.Errorf("Move into self error = %v, want ErrCycle", err)
		}
		if err := tree.Move(b, a, 0); !errors.Is(err, ErrInvalidParent) {
			t.Errorf("Move under repository error = %v, want ErrInvalidParent", err)
		}
		if err := tree.Move(ws, f, 0); !errors.Is(err, ErrInvalidParent) {
			t.Errorf("Move workspace error = %v, want ErrInvalidParent", err)
		}
	})
}

func TestMoveIntoDescendantIsCycle(t *testing.T) {
	root := t.TempDir()
	tree, ws := newTreeWithWorkspace(t)
	mustInsert(t, tree, ws, folder(root, "outer", folder(filepath.Join(root, "outer"), "inner", repo(root, "outer", "inner", "r"))))
	outer, _ := tree.Lookup(filepath.Join(root, "outer"))
	inner, _ := tree.Lookup(filepath.Join(root, "outer", "inner"))

	if err := tree.Move(outer.ID, inner.ID, -1); !errors.Is(err, ErrCycle) {
		t.Fatalf("Move() error = %v, want ErrCycle", err)
	}
}

func TestDeleteCascades(t *testing.T) {
	root := t.TempDir()
	tree, ws := newTreeWithWorkspace(t)
	repos := mustInsert(t, tree, ws,
		folder(root, "f", repo(root, "f", "a"), folder(filepath.Join(root, "f"), "g", repo(root, "f", "g", "b"))),
		repo(root, "keep"),
	)
	f, _ := tree.Lookup(filepath.Join(root, "f"))

	removed, err := tree.Delete(f.ID)
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if !slices.Equal(removed, repos[:2]) {
		t.Errorf("Delete() removed = %v, want %v", removed, repos[:2])
	}
	for _, id := range removed {
		if _, err := tree.Get(id); !errors.Is(err, ErrNodeNotFound) {
			t.Errorf("Get(%s) after delete error = %v, want ErrNodeNotFound", id, err)
		}
	}
	if _, ok := tree.Lookup(filepath.Join(root, "f", "a")); ok {
		t.Error("deleted path still indexed")
	}
	if got := tree.RepositoryIDs(); !slices.Equal(got, repos[2:]) {
		t.Errorf("RepositoryIDs() = %v, want %v", got, repos[2:])
	}
	// The path is free again.
	if _, err := tree.Insert(ws, repo(root, "f", "a")); err != nil {
		t.Errorf("re-insert after delete error = %v", err)
	}

	removed, err = tree.Delete(ws)
	if err != nil {
		t.Fatalf("Delete(workspace) error = %v", err)
	}
	if len(removed) != 2 || tree.Len() != 0 || len(tree.Roots()) != 0 {
		t.Errorf("after workspace delete: removed=%v len=%d roots=%d", removed, tree.Len(), len(tree.Roots()))
	}
}

func TestRepositoriesSequence(t *testing.T) {
	root := t.TempDir()
	tree, ws := newTreeWithWorkspace(t)
	ws2, _ := tree.CreateWorkspace("Other")
	want := mustInsert(t, tree, ws, repo(root, "a"), folder(root, "f", repo(root, "f", "b"), repo(root, "f", "c")), repo(root, "d"))
	want = append(want, mustInsert(t, tree, ws2, repo(root, "e"))...)

	collect := func(rootID string) []string {
		var ids []string
		for n := range tree.Repositories(rootID) {
			ids = append(ids, n.ID)
		}
		return ids
	}

	if got := collect(""); !slices.Equal(got, want) {
		t.Errorf("Repositories(all) = %v, want %v", got, want)
	}
	seq := tree.Repositories(ws)
	first, second := []string{}, []string{}
	for n := range seq {
		first = append(first, n.ID)
	}
	for n := range seq {
		second = append(second, n.ID)
	}
	if !slices.Equal(first, want[:4]) || !slices.Equal(first, second) {
		t.Errorf("sequence not restartable: %v then %v", first, second)
	}

	// Early break and mutation from inside the loop must not deadlock.
	count := 0
	for n := range tree.Repositories("") {
		if _, err := tree.Delete(n.ID); err != nil {
			t.Fatalf("Delete() inside iteration error = %v", err)
		}
		count++
		if count == 2 {
			break
		}
	}
	if got := len(tree.RepositoryIDs()); got != len(want)-2 {
		t.Errorf("remaining repos = %d, want %d", got, len(want)-2)
	}
}

func TestView(t *testing.T) {
	root := t.TempDir()
	tree, ws := newTreeWithWorkspace(t)
	mustInsert(t, tree, ws,
		repo(root, "zeta"),
		folder(root, "Tools", repo(root, "Tools", "cli"), repo(root, "Tools", "lint")),
		repo(root, "alpha"),
	)

	names := func(nodes []ViewNode) []string {
		var out []string
		for _, n := range nodes {
			out = append(out, n.Name)
		}
		return out
	}

	tests := []struct {
		name string
		opts ViewOptions
		want []string
	}{
		{"display order", ViewOptions{}, []string{"zeta", "Tools", "alpha"}},
		{"sorted", ViewOptions{SortByName: true}, []string{"alpha", "Tools", "zeta"}},
		{"query keeps ancestors", ViewOptions{Query: "LINT"}, []string{"Tools"}},
		{"query matches folder", ViewOptions{Query: "tools"}, []string{"Tools"}},
		{"no match", ViewOptions{Query: "nothing"}, nil},
		{"other workspace", ViewOptions{WorkspaceID: "missing"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			view := tree.View(tt.opts)
			if tt.opts.WorkspaceID != "" {
				if len(view) != 0 {
					t.Fatalf("View() = %v, want empty", view)
				}
				return
			}
			if len(view) != 1 {
				t.Fatalf("View() returned %d workspaces, want 1", len(view))
			}
			if got := names(view[0].Children); !slices.Equal(got, tt.want) {
				t.Errorf("children = %v, want %v", got, tt.want)
			}
		})
	}

	view := tree.View(ViewOptions{Query: "lint"})
	if got := names(view[0].Children[0].Children); !slices.Equal(got, []string{"lint"}) {
		t.Errorf("filtered folder children = %v, want [lint]", got)
	}
	view = tree.View(ViewOptions{Query: "tools"})
	if got := len(view[0].Children[0].Children); got != 2 {
		t.Errorf("matching folder kept %d children, want 2", got)
	}
}

func mustInsert(t *testing.T, tree *Tree, parent string, frags ...Fragment) []string {
	t.Helper()
	ids, err := tree.Insert(parent, frags...)
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	return ids
}
