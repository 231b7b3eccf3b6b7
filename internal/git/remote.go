package git

import (
	"context"
	"fmt"
)

// PullPolicy selects how pull integrates remote changes.
type PullPolicy string

const (
	PullFastForwardOnly PullPolicy = "ff-only"
	PullMerge           PullPolicy = "merge"
	PullRebase          PullPolicy = "rebase"
)

// Valid reports whether p is a known policy.
func (p PullPolicy) Valid() bool {
	switch p {
	case PullFastForwardOnly, PullMerge, PullRebase:
		return true
	}
	return false
}

func (p PullPolicy) flag() string {
	switch p {
	case PullMerge:
		return "--no-rebase"
	case PullRebase:
		return "--rebase"
	default:
		return "--ff-only"
	}
}

// Fetch updates remote-tracking refs only.
func (CLI) Fetch(ctx context.Context, path, remote string) error {
	if err := ValidateRemoteName(remote); err != nil {
		return &Error{Kind: KindUnknown, Op: "fetch", Detail: err.Error(), Err: err}
	}
	args := []string{"fetch", "--prune"}
	if remote != "" {
		args = append(args, remote)
	}
	if _, err := run(ctx, path, args...); err != nil {
		return classify("fetch", err)
	}
	return nil
}

// Pull fetches and integrates per policy. On conflict the repository is left
// exactly as git leaves it.
func (CLI) Pull(ctx context.Context, path, remote, branch string, policy PullPolicy) error {
	if err := ValidateRemoteName(remote); err != nil {
		return &Error{Kind: KindUnknown, Op: "pull", Detail: err.Error(), Err: err}
	}
	args := []string{"pull", policy.flag()}
	if remote != "" && branch != "" {
		if err := ValidateBranchName(branch); err != nil {
			return &Error{Kind: KindBranchNotFound, Op: "pull", Detail: err.Error(), Err: err}
		}
		args = append(args, remote, branch)
	}
	if _, err := run(ctx, path, args...); err != nil {
		return classify("pull", err)
	}
	return nil
}

// Push publishes branch (or HEAD) to remote.
func (CLI) Push(ctx context.Context, path, remote, branch string) error {
	if err := ValidateRemoteName(remote); err != nil {
		return &Error{Kind: KindUnknown, Op: "push", Detail: err.Error(), Err: err}
	}
	args := []string{"push"}
	if remote != "" {
		ref := "HEAD"
		if branch != "" {
			if err := ValidateBranchName(branch); err != nil {
				return &Error{Kind: KindBranchNotFound, Op: "push", Detail: err.Error(), Err: err}
			}
			ref = fmt.Sprintf("HEAD:refs/heads/%s", branch)
		}
		args = append(args, remote, ref)
	}
	if _, err := run(ctx, path, args...); err != nil {
		return classify("push", err)
	}
	return nil
}
