package git

import (
	"context"
	"path/filepath"
	"testing"

	"gitdeck/internal/testutil"
)

func TestCLIStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("clean tracking branch", func(t *testing.T) {
		_, clone := testutil.CreateBareAndClone(t)
		info, err := CLI{}.Status(ctx, clone)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		want := StatusInfo{Branch: "main", Upstream: "origin/main"}
		if info != want {
			t.Errorf("Status() = %+v, want %+v", info, want)
		}
	})

	t.Run("dirty and ahead", func(t *testing.T) {
		_, clone := testutil.CreateBareAndClone(t)
		testutil.CommitFile(t, clone, "a.txt", "a", "one")
		testutil.CommitFile(t, clone, "b.txt", "b", "two")
		testutil.WriteFile(t, clone, "scratch.txt", "x")

		info, err := CLI{}.Status(ctx, clone)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if info.Ahead != 2 || info.Behind != 0 || !info.Dirty {
			t.Errorf("Status() = %+v, want ahead=2 behind=0 dirty", info)
		}
	})

	t.Run("missing directory", func(t *testing.T) {
		_, err := CLI{}.Status(ctx, filepath.Join(t.TempDir(), "gone"))
		if KindOf(err) != KindRepositoryUnreadable {
			t.Errorf("Status() kind = %s, want %s (err=%v)", KindOf(err), KindRepositoryUnreadable, err)
		}
	})

	t.Run("not a repository", func(t *testing.T) {
		testutil.SkipIfNoGit(t)
		// A directory under a fresh temp root has no enclosing repository.
		dir := t.TempDir()
		t.Setenv("GIT_CEILING_DIRECTORIES", filepath.Dir(dir))
		_, err := CLI{}.Status(ctx, dir)
		if KindOf(err) != KindRepositoryUnreadable {
			t.Errorf("Status() kind = %s, want %s (err=%v)", KindOf(err), KindRepositoryUnreadable, err)
		}
	})
}

func TestCLIFetchPullPush(t *testing.T) {
	ctx := context.Background()
	bare, clone := testutil.CreateBareAndClone(t)
	other := testutil.CloneInto(t, bare)
	testutil.CommitFile(t, other, "upstream.txt", "u", "upstream change")
	testutil.RunGit(t, other, "push", "origin", "main")

	if err := (CLI{}).Fetch(ctx, clone, "origin"); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	info, err := CLI{}.Status(ctx, clone)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if info.Behind != 1 {
		t.Fatalf("after fetch behind = %d, want 1", info.Behind)
	}

	if err := (CLI{}).Pull(ctx, clone, "origin", "main", PullFastForwardOnly); err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	info, _ = CLI{}.Status(ctx, clone)
	if info.Behind != 0 || info.Ahead != 0 {
		t.Fatalf("after pull = %+v, want in sync", info)
	}

	testutil.CommitFile(t, clone, "local.txt", "l", "local change")
	if err := (CLI{}).Push(ctx, clone, "origin", ""); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	info, _ = CLI{}.Status(ctx, clone)
	if info.Ahead != 0 {
		t.Errorf("after push ahead = %d, want 0", info.Ahead)
	}
}

func TestCLIPushNonFastForward(t *testing.T) {
	ctx := context.Background()
	bare, clone := testutil.CreateBareAndClone(t)
	other := testutil.CloneInto(t, bare)
	testutil.CommitFile(t, other, "theirs.txt", "t", "theirs")
	testutil.RunGit(t, other, "push", "origin", "main")

	testutil.CommitFile(t, clone, "ours.txt", "o", "ours")
	err := CLI{}.Push(ctx, clone, "origin", "")
	if KindOf(err) != KindNonFastForward {
		t.Errorf("Push() kind = %s, want %s (err=%v)", KindOf(err), KindNonFastForward, err)
	}
}

func TestCLIPullMergeConflict(t *testing.T) {
	ctx := context.Background()
	bare, clone := testutil.CreateBareAndClone(t)
	other := testutil.CloneInto(t, bare)
	testutil.CommitFile(t, other, "README.md", "theirs", "theirs")
	testutil.RunGit(t, other, "push", "origin", "main")
	testutil.CommitFile(t, clone, "README.md", "ours", "ours")

	err := CLI{}.Pull(ctx, clone, "origin", "main", PullMerge)
	if KindOf(err) != KindMergeConflict {
		t.Fatalf("Pull() kind = %s, want %s (err=%v)", KindOf(err), KindMergeConflict, err)
	}
	info, err := CLI{}.Status(ctx, clone)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !info.Conflicted {
		t.Errorf("expected conflicted working tree after failed pull, got %+v", info)
	}
}

func TestCLIFetchMisconfiguredRemote(t *testing.T) {
	ctx := context.Background()

	t.Run("remote path missing", func(t *testing.T) {
		_, clone := testutil.CreateBareAndClone(t)
		testutil.RunGit(t, clone, "remote", "set-url", "origin", filepath.Join(t.TempDir(), "missing.git"))

		err := CLI{}.Fetch(ctx, clone, "origin")
		if KindOf(err) != KindUnknown || KindOf(err).Retryable() {
			t.Errorf("Fetch() kind = %s, want non-retryable %s (err=%v)", KindOf(err), KindUnknown, err)
		}
	})

	t.Run("no origin remote", func(t *testing.T) {
		dir := testutil.CreateTempGitRepo(t)

		err := CLI{}.Fetch(ctx, dir, "origin")
		if KindOf(err) != KindUnknown || KindOf(err).Retryable() {
			t.Errorf("Fetch() kind = %s, want non-retryable %s (err=%v)", KindOf(err), KindUnknown, err)
		}
	})
}

func TestCLICheckout(t *testing.T) {
	ctx := context.Background()

	t.Run("local branch", func(t *testing.T) {
		dir := testutil.CreateTempGitRepo(t)
		testutil.RunGit(t, dir, "branch", "dev")
		if err := (CLI{}).Checkout(ctx, dir, "dev", false); err != nil {
			t.Fatalf("Checkout() error = %v", err)
		}
		if got := testutil.RunGit(t, dir, "rev-parse", "--abbrev-ref", "HEAD"); got != "dev" {
			t.Errorf("HEAD = %q, want dev", got)
		}
	})

	t.Run("remote only branch creates tracking branch", func(t *testing.T) {
		bare, clone := testutil.CreateBareAndClone(t)
		other := testutil.CloneInto(t, bare)
		testutil.RunGit(t, other, "checkout", "-b", "feature")
		testutil.RunGit(t, other, "push", "origin", "feature")
		testutil.RunGit(t, clone, "fetch", "origin")

		if err := (CLI{}).Checkout(ctx, clone, "feature", false); err != nil {
			t.Fatalf("Checkout() error = %v", err)
		}
		if got := testutil.RunGit(t, clone, "rev-parse", "--abbrev-ref", "feature@{upstream}"); got != "origin/feature" {
			t.Errorf("upstream = %q, want origin/feature", got)
		}
	})

	t.Run("unknown branch", func(t *testing.T) {
		dir := testutil.CreateTempGitRepo(t)
		err := CLI{}.Checkout(ctx, dir, "nope", false)
		if KindOf(err) != KindBranchNotFound {
			t.Errorf("Checkout() kind = %s, want %s", KindOf(err), KindBranchNotFound)
		}
	})

	t.Run("conflicting local change", func(t *testing.T) {
		dir := testutil.CreateTempGitRepo(t)
		testutil.RunGit(t, dir, "checkout", "-b", "dev")
		testutil.CommitFile(t, dir, "README.md", "dev version", "dev")
		testutil.RunGit(t, dir, "checkout", "main")
		testutil.WriteFile(t, dir, "README.md", "local edit")

		err := CLI{}.Checkout(ctx, dir, "dev", false)
		if KindOf(err) != KindDirtyWorkingTree {
			t.Errorf("Checkout() kind = %s, want %s (err=%v)", KindOf(err), KindDirtyWorkingTree, err)
		}
	})
}

func TestCLIListBranchesAndResetHard(t *testing.T) {
	ctx := context.Background()
	_, clone := testutil.CreateBareAndClone(t)
	testutil.RunGit(t, clone, "branch", "dev")

	branches, err := CLI{}.ListBranches(ctx, clone)
	if err != nil {
		t.Fatalf("ListBranches() error = %v", err)
	}
	want := map[Branch]bool{{Name: "dev"}: true, {Name: "main"}: true, {Name: "origin/main", Remote: true}: true}
	if len(branches) != len(want) {
		t.Fatalf("ListBranches() = %+v, want %d entries", branches, len(want))
	}
	for _, b := range branches {
		if !want[b] {
			t.Errorf("unexpected branch %+v", b)
		}
	}

	testutil.WriteFile(t, clone, "README.md", "scribble")
	if err := (CLI{}).ResetHard(ctx, clone); err != nil {
		t.Fatalf("ResetHard() error = %v", err)
	}
	info, _ := CLI{}.Status(ctx, clone)
	if info.Dirty {
		t.Errorf("working tree still dirty after reset: %+v", info)
	}
}
