// Package gitopstest provides an in-memory gitops.Provider for tests.
package gitopstest

import (
	"context"
	"slices"
	"strings"
	"sync"

	"gitdeck/internal/git"
)

// Call records one primitive invocation.
type Call struct {
	Op     string
	Path   string
	Remote string
	Branch string
	Force  bool
}

// Provider is a scriptable fake. Repositories are keyed by path; an unknown
// path fails every primitive with RepositoryUnreadable.
type Provider struct {
	mu       sync.Mutex
	repos    map[string]*repo
	failures map[string][]error
	calls    []Call

	// Before runs at the start of every primitive, outside the fake's lock.
	// It may block to hold an operation open; a non-nil error is returned
	// from the primitive as-is.
	Before func(ctx context.Context, call Call) error
}

type repo struct {
	info     git.StatusInfo
	branches []git.Branch
}

// New returns an empty fake.
func New() *Provider {
	return &Provider{
		repos:    make(map[string]*repo),
		failures: make(map[string][]error),
	}
}

// AddRepo registers a repository on branch "main" with the given status.
func (p *Provider) AddRepo(path string, info git.StatusInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if info.Branch == "" && !info.Detached {
		info.Branch = "main"
	}
	p.repos[path] = &repo{
		info:     info,
		branches: []git.Branch{{Name: info.Branch}, {Name: "origin/" + info.Branch, Remote: true}},
	}
}

// SetStatus replaces the status of a registered repository.
func (p *Provider) SetStatus(path string, info git.StatusInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.repos[path]; ok {
		r.info = info
	}
}

// AddBranch adds a branch to a registered repository.
func (p *Provider) AddBranch(path string, b git.Branch) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.repos[path]; ok {
		r.branches = append(r.branches, b)
	}
}

// RemoveRepo makes path unreadable.
func (p *Provider) RemoveRepo(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.repos, path)
}

// Fail queues errors returned by the next calls of op against path, one per call.
func (p *Provider) Fail(op, path string, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := op + "\x00" + path
	p.failures[key] = append(p.failures[key], errs...)
}

// Calls returns all recorded calls.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.calls)
}

// CallCount counts recorded calls of op, optionally restricted to path.
func (p *Provider) CallCount(op, path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c.Op == op && (path == "" || c.Path == path) {
			n++
		}
	}
	return n
}

// begin records the call, runs Before, and returns a queued failure if any.
func (p *Provider) begin(ctx context.Context, call Call) (*repo, error) {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()

	if p.Before != nil {
		if err := p.Before(ctx, call); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	key := call.Op + "\x00" + call.Path
	if queued := p.failures[key]; len(queued) > 0 {
		p.failures[key] = queued[1:]
		return nil, queued[0]
	}
	r, ok := p.repos[call.Path]
	if !ok {
		return nil, &git.Error{Kind: git.KindRepositoryUnreadable, Op: call.Op, Detail: "not a git repository: " + call.Path}
	}
	return r, nil
}

func (p *Provider) Status(ctx context.Context, path string) (git.StatusInfo, error) {
	r, err := p.begin(ctx, Call{Op: "status", Path: path})
	if err != nil {
		return git.StatusInfo{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return r.info, nil
}

func (p *Provider) Fetch(ctx context.Context, path, remote string) error {
	_, err := p.begin(ctx, Call{Op: "fetch", Path: path, Remote: remote})
	return err
}

func (p *Provider) Pull(ctx context.Context, path, remote, branch string, _ git.PullPolicy) error {
	r, err := p.begin(ctx, Call{Op: "pull", Path: path, Remote: remote, Branch: branch})
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	r.info.Behind = 0
	return nil
}

func (p *Provider) Push(ctx context.Context, path, remote, branch string) error {
	r, err := p.begin(ctx, Call{Op: "push", Path: path, Remote: remote, Branch: branch})
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	r.info.Ahead = 0
	return nil
}

func (p *Provider) ListBranches(ctx context.Context, path string) ([]git.Branch, error) {
	r, err := p.begin(ctx, Call{Op: "branch", Path: path})
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(r.branches), nil
}

func (p *Provider) Checkout(ctx context.Context, path, branch string, force bool) error {
	r, err := p.begin(ctx, Call{Op: "checkout", Path: path, Branch: branch, Force: force})
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range r.branches {
		name := b.Name
		if b.Remote {
			_, name, _ = strings.Cut(name, "/")
		}
		if name == branch {
			r.info.Branch = branch
			r.info.Detached = false
			if force {
				r.info.Dirty = false
			}
			return nil
		}
	}
	return &git.Error{Kind: git.KindBranchNotFound, Op: "checkout", Detail: "branch " + branch + " not found"}
}

func (p *Provider) ResetHard(ctx context.Context, path string) error {
	r, err := p.begin(ctx, Call{Op: "reset", Path: path})
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	r.info.Dirty = false
	r.info.Conflicted = false
	return nil
}
