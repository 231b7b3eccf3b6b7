package git

import (
	"context"
	"strings"
)

// Branch is one entry of ListBranches.
type Branch struct {
	Name   string `json:"name"`
	Remote bool   `json:"remote"`
}

// ListBranches returns local branches followed by remote-tracking branches.
// Symbolic remote HEAD refs are skipped.
func (CLI) ListBranches(ctx context.Context, path string) ([]Branch, error) {
	out, err := runRaw(ctx, path, "for-each-ref", "--format=%(refname)", "refs/heads", "refs/remotes")
	if err != nil {
		return nil, classify("branch", err)
	}
	return parseBranchRefs(out), nil
}

func parseBranchRefs(out string) []Branch {
	branches := []Branch{}
	for _, line := range strings.Split(out, "\n") {
		ref := strings.TrimSpace(strings.TrimRight(line, "\r"))
		switch {
		case strings.HasPrefix(ref, "refs/heads/"):
			branches = append(branches, Branch{Name: strings.TrimPrefix(ref, "refs/heads/")})
		case strings.HasPrefix(ref, "refs/remotes/"):
			name := strings.TrimPrefix(ref, "refs/remotes/")
			if strings.HasSuffix(name, "/HEAD") || !strings.Contains(name, "/") {
				continue
			}
			branches = append(branches, Branch{Name: name, Remote: true})
		}
	}
	return branches
}

// Checkout switches the working tree to branch. A branch that exists only as
// a remote-tracking ref is checked out as a new local tracking branch.
// Unknown branches fail with KindBranchNotFound before anything is touched.
func (c CLI) Checkout(ctx context.Context, path, branch string, force bool) error {
	if err := ValidateBranchName(branch); err != nil {
		return &Error{Kind: KindBranchNotFound, Op: "checkout", Detail: err.Error(), Err: err}
	}
	branches, err := c.ListBranches(ctx, path)
	if err != nil {
		return err
	}
	local, remote, ok := resolveBranch(branches, branch)
	if !ok {
		return &Error{Kind: KindBranchNotFound, Op: "checkout", Detail: "branch " + branch + " not found"}
	}

	args := []string{"checkout"}
	if force {
		args = append(args, "--force")
	}
	if remote != "" {
		args = append(args, "--track", "-b", local, remote)
	} else {
		// Trailing "--" pins the argument to a revision, never a path.
		args = append(args, local, "--")
	}
	if _, err := run(ctx, path, args...); err != nil {
		return classify("checkout", err)
	}
	return nil
}

// resolveBranch finds name among branches. It returns the local branch name
// and, when only a remote-tracking branch matches, the remote ref to track.
func resolveBranch(branches []Branch, name string) (local, remote string, ok bool) {
	for _, b := range branches {
		if !b.Remote && b.Name == name {
			return name, "", true
		}
	}
	for _, b := range branches {
		if !b.Remote {
			continue
		}
		if b.Name == name {
			_, short, _ := strings.Cut(name, "/")
			for _, l := range branches {
				if !l.Remote && l.Name == short {
					return short, "", true
				}
			}
			return short, name, true
		}
		if _, short, _ := strings.Cut(b.Name, "/"); short == name {
			return name, b.Name, true
		}
	}
	return "", "", false
}

// ResetHard discards all uncommitted tracked changes.
func (CLI) ResetHard(ctx context.Context, path string) error {
	if _, err := run(ctx, path, "reset", "--hard"); err != nil {
		return classify("reset", err)
	}
	return nil
}
