// Package gitops runs exactly one git primitive against one repository and
// reports a typed outcome. It knows nothing about the workspace tree or the
// operation queue.
package gitops

import (
	"context"
	"fmt"
	"log/slog"

	"gitdeck/internal/git"
	"gitdeck/internal/status"
)

// OpKind names an operation.
type OpKind string

const (
	OpStatus    OpKind = "status-refresh"
	OpFetch     OpKind = "fetch"
	OpPull      OpKind = "pull"
	OpPush      OpKind = "push"
	OpCheckout  OpKind = "checkout"
	OpResetHard OpKind = "reset-hard"
)

// Valid reports whether k is a known operation.
func (k OpKind) Valid() bool {
	switch k {
	case OpStatus, OpFetch, OpPull, OpPush, OpCheckout, OpResetHard:
		return true
	}
	return false
}

// Mutating reports whether k may change repository or remote state.
// Only status-refresh is read-only.
func (k OpKind) Mutating() bool {
	return k != OpStatus
}

// Op is one operation request as seen by the executor.
type Op struct {
	Kind   OpKind
	Branch string // checkout target; optional pull/push branch
	Force  bool   // checkout only
}

// Provider is the git capability the executor drives. git.CLI implements it.
type Provider interface {
	Status(ctx context.Context, path string) (git.StatusInfo, error)
	Fetch(ctx context.Context, path, remote string) error
	Pull(ctx context.Context, path, remote, branch string, policy git.PullPolicy) error
	Push(ctx context.Context, path, remote, branch string) error
	ListBranches(ctx context.Context, path string) ([]git.Branch, error)
	Checkout(ctx context.Context, path, branch string, force bool) error
	ResetHard(ctx context.Context, path string) error
}

var _ Provider = git.CLI{}

// Outcome is the tagged result of Execute: either Delta (the fresh status
// read after the operation) or Err.
type Outcome struct {
	Kind  OpKind
	Delta *status.Snapshot
	Err   *git.Error
}

// OK reports whether the operation succeeded.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Executor runs operations through a Provider.
type Executor struct {
	Provider   Provider
	Remote     string
	PullPolicy git.PullPolicy
}

// New creates an Executor. An invalid policy falls back to fast-forward only.
func New(p Provider, remote string, policy git.PullPolicy) *Executor {
	if !policy.Valid() {
		policy = git.PullFastForwardOnly
	}
	return &Executor{Provider: p, Remote: remote, PullPolicy: policy}
}

// Execute runs op against the repository at path. After a successful
// mutating operation the status is re-read so Delta reflects the new state;
// if that read fails, its error becomes the outcome. On failure the
// repository is left exactly as git left it.
func (e *Executor) Execute(ctx context.Context, path string, op Op) Outcome {
	out := Outcome{Kind: op.Kind}

	var err error
	switch op.Kind {
	case OpStatus:
		// Read below.
	case OpFetch:
		err = e.Provider.Fetch(ctx, path, e.Remote)
	case OpPull:
		err = e.Provider.Pull(ctx, path, e.Remote, op.Branch, e.PullPolicy)
	case OpPush:
		err = e.Provider.Push(ctx, path, e.Remote, op.Branch)
	case OpCheckout:
		err = e.checkout(ctx, path, op)
	case OpResetHard:
		err = e.Provider.ResetHard(ctx, path)
	default:
		out.Err = &git.Error{Kind: git.KindUnknown, Op: string(op.Kind), Detail: fmt.Sprintf("unsupported operation %q", op.Kind)}
		return out
	}
	if err != nil {
		out.Err = git.AsError(string(op.Kind), err)
		slog.Debug("[DEBUG-GITOPS] operation failed",
			"path", path, "op", op.Kind, "kind", out.Err.Kind, "detail", out.Err.Detail)
		return out
	}

	snap, err := e.read(ctx, path)
	if err != nil {
		out.Err = git.AsError("status", err)
		return out
	}
	out.Delta = snap
	return out
}

// checkout refuses to touch a dirty working tree unless forced. Unknown
// branches are reported by the provider as BranchNotFound.
func (e *Executor) checkout(ctx context.Context, path string, op Op) error {
	if op.Branch == "" {
		return &git.Error{Kind: git.KindBranchNotFound, Op: "checkout", Detail: "no branch given"}
	}
	if !op.Force {
		info, err := e.Provider.Status(ctx, path)
		if err != nil {
			return err
		}
		if info.Dirty {
			return &git.Error{
				Kind:   git.KindDirtyWorkingTree,
				Op:     "checkout",
				Detail: "uncommitted changes would be overwritten; commit, stash, or force the checkout",
			}
		}
	}
	return e.Provider.Checkout(ctx, path, op.Branch, op.Force)
}

// read collects status plus the local branch list. A branch list failure is
// not fatal; the snapshot then carries no list and the cache keeps the old one.
func (e *Executor) read(ctx context.Context, path string) (*status.Snapshot, error) {
	info, err := e.Provider.Status(ctx, path)
	if err != nil {
		return nil, err
	}
	snap := &status.Snapshot{
		Branch:     info.Branch,
		Detached:   info.Detached,
		Upstream:   info.Upstream,
		Ahead:      info.Ahead,
		Behind:     info.Behind,
		Dirty:      info.Dirty,
		Conflicted: info.Conflicted,
	}

	branches, err := e.Provider.ListBranches(ctx, path)
	if err != nil {
		slog.Debug("[DEBUG-GITOPS] branch list failed, keeping previous list", "path", path, "error", err)
		return snap, nil
	}
	snap.Branches = make([]string, 0, len(branches))
	for _, b := range branches {
		if !b.Remote {
			snap.Branches = append(snap.Branches, b.Name)
		}
	}
	return snap, nil
}

// ErrorInfo converts an outcome error into the cache representation.
func ErrorInfo(err *git.Error) *status.ErrorInfo {
	if err == nil {
		return nil
	}
	return &status.ErrorInfo{Kind: string(err.Kind), Detail: err.Detail}
}
