package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"gitdeck/internal/config"
	"gitdeck/internal/coordinator"
	"gitdeck/internal/events"
	"gitdeck/internal/git"
	"gitdeck/internal/gitops"
	"gitdeck/internal/history"
	"gitdeck/internal/status"
	"gitdeck/internal/workspace"
)

// newProviderFn is replaced in tests.
var newProviderFn = func() gitops.Provider { return git.CLI{} }

// adHocWorkspace holds repositories named by path that are not in the saved
// tree. It is never written back.
const adHocWorkspace = "command line"

var errAmbiguousName = errors.New("name matches more than one node")

// session is one CLI invocation's view of the saved tree plus the
// coordinator that runs operations against it.
type session struct {
	cfg            config.Config
	workspacesPath string
	tree           *workspace.Tree
	cache          *status.Cache
	bus            *events.Bus
	coord          *coordinator.Coordinator
	journal        *history.Journal
	adHocID        string

	mu       sync.Mutex
	outcomes map[string]events.OperationCompleted // repo id -> last outcome
	rejected []events.OperationRejected
}

func openSession(ctx context.Context, configPath string) (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	s := &session{
		cfg:            cfg,
		workspacesPath: config.WorkspacesPath(configPath, cfg),
		tree:           workspace.NewTree(),
		cache:          status.NewCache(nil),
		bus:            events.NewBus(),
		outcomes:       make(map[string]events.OperationCompleted),
	}
	snap, err := config.LoadWorkspaces(s.workspacesPath)
	if err != nil {
		return nil, fmt.Errorf("load workspaces %s: %w", s.workspacesPath, err)
	}
	if err := s.tree.Restore(snap); err != nil {
		return nil, fmt.Errorf("restore workspaces: %w", err)
	}
	s.bus.Subscribe(s.record)

	opts := coordinator.Options{
		Workers:          cfg.Operations.Workers,
		FetchAttempts:    cfg.Operations.FetchRetries,
		RetryBackoff:     cfg.Operations.FetchRetryBackoff,
		OperationTimeout: cfg.Operations.Timeout,
	}
	if cfg.History.Enabled {
		path := config.HistoryPath(configPath, cfg)
		if j, err := history.Open(ctx, path); err != nil {
			slog.Warn("[WARN-HISTORY] operation history disabled", "path", path, "error", err)
		} else {
			s.journal = j
			opts.Journal = j
		}
	}
	exec := gitops.New(newProviderFn(), cfg.Operations.Remote, git.PullPolicy(cfg.Operations.PullPolicy))
	s.coord = coordinator.New(exec, s.cache, s.bus, s.resolve, opts)
	s.cache.Track(s.tree.RepositoryIDs()...)
	return s, nil
}

func (s *session) record(evt events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch e := evt.(type) {
	case events.OperationCompleted:
		s.outcomes[e.RepoID] = e
	case events.OperationRejected:
		s.rejected = append(s.rejected, e)
	}
}

func (s *session) resolve(repoID string) (string, bool) {
	n, err := s.tree.Get(repoID)
	if err != nil || n.Kind != workspace.KindRepository {
		return "", false
	}
	return n.Path, true
}

// close waits for running operations and closes the journal.
func (s *session) close() {
	s.coord.Close()
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			slog.Warn("[WARN-HISTORY] close failed", "error", err)
		}
	}
}

// findNode resolves arg as an id, a path, or a unique name.
func (s *session) findNode(arg string) (workspace.Node, error) {
	if n, err := s.tree.Get(arg); err == nil {
		return n, nil
	}
	if abs, err := filepath.Abs(arg); err == nil {
		if n, ok := s.tree.Lookup(abs); ok {
			return n, nil
		}
	}
	var matches []workspace.Node
	for _, root := range s.tree.Roots() {
		if root.Name == arg {
			matches = append(matches, root)
		}
	}
	for n := range s.tree.Repositories("") {
		if n.Name == arg {
			matches = append(matches, n)
		}
	}
	switch len(matches) {
	case 0:
		return workspace.Node{}, fmt.Errorf("%w: %s", workspace.ErrNodeNotFound, arg)
	case 1:
		return matches[0], nil
	}
	return workspace.Node{}, fmt.Errorf("%w: %s", errAmbiguousName, arg)
}

// repository resolves arg to a repository id. A repository directory that
// is not in the saved tree is added to an unsaved ad-hoc workspace.
func (s *session) repository(arg string) (string, error) {
	n, err := s.findNode(arg)
	if err == nil {
		if n.Kind != workspace.KindRepository {
			return "", fmt.Errorf("%s is a %s, not a repository", arg, n.Kind)
		}
		return n.ID, nil
	}
	if !errors.Is(err, workspace.ErrNodeNotFound) {
		return "", err
	}

	abs, absErr := filepath.Abs(arg)
	if absErr != nil {
		return "", err
	}
	if _, statErr := os.Lstat(filepath.Join(abs, git.MetadataDir)); statErr != nil {
		return "", err
	}
	if s.adHocID == "" {
		if s.adHocID, err = s.tree.CreateWorkspace(adHocWorkspace); err != nil {
			return "", err
		}
	}
	ids, err := s.tree.Insert(s.adHocID, workspace.Fragment{
		Kind: workspace.KindRepository,
		Name: filepath.Base(abs),
		Path: abs,
	})
	if err != nil {
		return "", err
	}
	s.cache.Track(ids...)
	return ids[0], nil
}

// repositoriesUnder returns the repositories below nodeArg in display
// order, or every saved repository when nodeArg is empty.
func (s *session) repositoriesUnder(nodeArg string) ([]workspace.Node, error) {
	rootID := ""
	if nodeArg != "" {
		n, err := s.findNode(nodeArg)
		if err != nil {
			return nil, err
		}
		rootID = n.ID
	}
	return slices.Collect(s.tree.Repositories(rootID)), nil
}

// outcome returns the last completion recorded for repoID.
func (s *session) outcome(repoID string) (events.OperationCompleted, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, ok := s.outcomes[repoID]
	return out, ok
}

// run submits kind against every id and waits until all of them finish.
// Refused requests surface as OperationRejected events.
func (s *session) run(kind gitops.OpKind, ids []string, req coordinator.Request) {
	for _, id := range ids {
		r := req
		r.RepoID = id
		r.Kind = kind
		if _, err := s.coord.Submit(r); err != nil {
			slog.Warn("[COORD] request not accepted", "repo", id, "kind", kind, "error", err)
		}
	}
	s.coord.Wait()
}
