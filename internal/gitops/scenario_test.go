package gitops

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"gitdeck/internal/git"
	"gitdeck/internal/testutil"
)

// Two repositories: A clean and in sync, B two commits ahead with an
// uncommitted change.
func TestScenarioInitialRefresh(t *testing.T) {
	ctx := context.Background()
	_, a := testutil.CreateBareAndClone(t)
	_, b := testutil.CreateBareAndClone(t)
	testutil.CommitFile(t, b, "one.txt", "1", "one")
	testutil.CommitFile(t, b, "two.txt", "2", "two")
	testutil.WriteFile(t, b, "README.md", "edited")

	exec := New(git.CLI{}, "origin", git.PullFastForwardOnly)

	outA := exec.Execute(ctx, a, Op{Kind: OpStatus})
	if !outA.OK() {
		t.Fatalf("status A error = %v", outA.Err)
	}
	if outA.Delta.Dirty || outA.Delta.Ahead != 0 || outA.Delta.Branch != "main" {
		t.Errorf("A = %+v, want clean main ahead=0", outA.Delta)
	}

	outB := exec.Execute(ctx, b, Op{Kind: OpStatus})
	if !outB.OK() {
		t.Fatalf("status B error = %v", outB.Err)
	}
	if !outB.Delta.Dirty || outB.Delta.Ahead != 2 {
		t.Errorf("B = %+v, want dirty ahead=2", outB.Delta)
	}
}

func TestScenarioCheckoutDirtyRefused(t *testing.T) {
	ctx := context.Background()
	dir := testutil.CreateTempGitRepo(t)
	testutil.RunGit(t, dir, "checkout", "-b", "dev")
	testutil.WriteFile(t, dir, "notes.txt", "work in progress")

	exec := New(git.CLI{}, "origin", git.PullFastForwardOnly)
	before := exec.Execute(ctx, dir, Op{Kind: OpStatus})

	out := exec.Execute(ctx, dir, Op{Kind: OpCheckout, Branch: "main"})
	if out.OK() || out.Err.Kind != git.KindDirtyWorkingTree {
		t.Fatalf("checkout outcome = %+v, want DirtyWorkingTree", out)
	}

	after := exec.Execute(ctx, dir, Op{Kind: OpStatus})
	if after.Delta.Branch != before.Delta.Branch || after.Delta.Dirty != before.Delta.Dirty {
		t.Errorf("status changed: before %+v after %+v", before.Delta, after.Delta)
	}
	data, err := os.ReadFile(filepath.Join(dir, "notes.txt"))
	if err != nil || string(data) != "work in progress" {
		t.Errorf("working file changed: %q, %v", data, err)
	}
}

func TestScenarioPullAfterFetch(t *testing.T) {
	ctx := context.Background()
	bare, clone := testutil.CreateBareAndClone(t)
	other := testutil.CloneInto(t, bare)
	testutil.CommitFile(t, other, "new.txt", "n", "new")
	testutil.RunGit(t, other, "push", "origin", "main")

	exec := New(git.CLI{}, "origin", git.PullFastForwardOnly)
	fetched := exec.Execute(ctx, clone, Op{Kind: OpFetch})
	if !fetched.OK() || fetched.Delta.Behind != 1 {
		t.Fatalf("fetch outcome = %+v (err %v)", fetched.Delta, fetched.Err)
	}
	pulled := exec.Execute(ctx, clone, Op{Kind: OpPull})
	if !pulled.OK() || pulled.Delta.Behind != 0 {
		t.Fatalf("pull outcome = %+v (err %v)", pulled.Delta, pulled.Err)
	}
}
