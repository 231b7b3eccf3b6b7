package main

import (
	"context"
	"fmt"
	"slices"
	"time"

	"gitdeck/internal/coordinator"
	"gitdeck/internal/gitops"
	"gitdeck/internal/history"
	"gitdeck/internal/status"
	"gitdeck/internal/wsserver"
)

// historyQueryTimeout bounds journal reads issued from the UI.
const historyQueryTimeout = 5 * time.Second

// LoadProgress backs the pending-load counter in the status bar.
type LoadProgress struct {
	// Pending counts repositories without a successful read yet or with an
	// operation running.
	Pending  int `json:"pending"`
	Total    int `json:"total"`
	InFlight int `json:"in_flight"`
	Scanning int `json:"scanning"`
}

// DebugStats is shown in the developer panel.
type DebugStats struct {
	Coordinator coordinator.Stats `json:"coordinator"`
	Stream      wsserver.Stats    `json:"stream"`
	Subscribers int               `json:"subscribers"`
	Watched     int               `json:"watched"`
}

// SubmitOperation queues kind against repoID. A mutating request while
// another operation runs on the same repository fails immediately with
// "operation already in progress"; refreshes coalesce instead. The outcome
// arrives as an operation:completed event.
func (a *App) SubmitOperation(repoID, kind, branch string, force bool) (coordinator.Ticket, error) {
	if err := a.requireCore(); err != nil {
		return coordinator.Ticket{}, err
	}
	return a.coord.Submit(coordinator.Request{
		RepoID: repoID,
		Kind:   gitops.OpKind(kind),
		Branch: branch,
		Force:  force,
	})
}

// Refresh re-reads repoID's status.
func (a *App) Refresh(repoID string) (coordinator.Ticket, error) {
	return a.SubmitOperation(repoID, string(gitops.OpStatus), "", false)
}

// Fetch updates repoID's remote-tracking refs.
func (a *App) Fetch(repoID string) (coordinator.Ticket, error) {
	return a.SubmitOperation(repoID, string(gitops.OpFetch), "", false)
}

// Pull integrates the upstream of the current branch per the configured
// pull policy.
func (a *App) Pull(repoID string) (coordinator.Ticket, error) {
	return a.SubmitOperation(repoID, string(gitops.OpPull), "", false)
}

// Push pushes the current branch to its upstream.
func (a *App) Push(repoID string) (coordinator.Ticket, error) {
	return a.SubmitOperation(repoID, string(gitops.OpPush), "", false)
}

// Checkout switches repoID to branch. Without force a dirty working tree is
// refused.
func (a *App) Checkout(repoID, branch string, force bool) (coordinator.Ticket, error) {
	return a.SubmitOperation(repoID, string(gitops.OpCheckout), branch, force)
}

// DiscardChanges resets repoID's working tree and index to HEAD.
func (a *App) DiscardChanges(repoID string) (coordinator.Ticket, error) {
	return a.SubmitOperation(repoID, string(gitops.OpResetHard), "", false)
}

// CancelOperation discards a refresh that has not started yet and stops
// automatic retries of a running fetch. Running git commands are never
// interrupted.
func (a *App) CancelOperation(repoID string) bool {
	if a.requireCore() != nil {
		return false
	}
	return a.coord.Cancel(repoID)
}

// RefreshAll refreshes every repository under nodeID, or everything when
// nodeID is empty.
func (a *App) RefreshAll(nodeID string) (int, error) {
	ids, err := a.repositoriesUnder(nodeID)
	if err != nil {
		return 0, err
	}
	return len(ids), a.coord.RefreshAll(ids)
}

// FetchAll fetches every repository under nodeID, or everything when nodeID
// is empty. Starts are staggered to spread load on the remote.
func (a *App) FetchAll(nodeID string) (int, error) {
	ids, err := a.repositoriesUnder(nodeID)
	if err != nil {
		return 0, err
	}
	stagger := a.getConfigSnapshot().Operations.FetchAllStagger
	return len(ids), a.coord.SubmitAll(gitops.OpFetch, ids, stagger)
}

func (a *App) repositoriesUnder(nodeID string) ([]string, error) {
	if err := a.requireCore(); err != nil {
		return nil, err
	}
	if nodeID != "" {
		if _, err := a.tree.Get(nodeID); err != nil {
			return nil, err
		}
	}
	var ids []string
	for n := range a.tree.Repositories(nodeID) {
		ids = append(ids, n.ID)
	}
	return ids, nil
}

// GetStatus returns repoID's cached status. It never touches git.
func (a *App) GetStatus(repoID string) (status.RepositoryStatus, error) {
	if err := a.requireCore(); err != nil {
		return status.RepositoryStatus{}, err
	}
	if _, ok := a.resolveRepository(repoID); !ok {
		return status.RepositoryStatus{}, fmt.Errorf("%w: %s", coordinator.ErrUnknownRepository, repoID)
	}
	return a.cache.Get(repoID), nil
}

// GetStatuses returns the cached status of every repository under nodeID in
// display order.
func (a *App) GetStatuses(nodeID string) ([]status.RepositoryStatus, error) {
	ids, err := a.repositoriesUnder(nodeID)
	if err != nil {
		return nil, err
	}
	out := make([]status.RepositoryStatus, 0, len(ids))
	for _, id := range ids {
		out = append(out, a.cache.Get(id))
	}
	return out, nil
}

// GetBranches returns repoID's local branch names from the last read.
func (a *App) GetBranches(repoID string) ([]string, error) {
	st, err := a.GetStatus(repoID)
	if err != nil {
		return nil, err
	}
	return slices.Clone(st.Branches), nil
}

// GetLoadProgress reports how many repositories are still loading.
func (a *App) GetLoadProgress() LoadProgress {
	if a.requireCore() != nil {
		return LoadProgress{}
	}
	return LoadProgress{
		Pending:  a.cache.Pending(),
		Total:    a.cache.Len(),
		InFlight: a.coord.InFlight(),
		Scanning: int(a.scanCount.Load()),
	}
}

// GetDebugStats returns internal counters.
func (a *App) GetDebugStats() DebugStats {
	var out DebugStats
	if a.requireCore() != nil {
		return out
	}
	out.Coordinator = a.coord.Stats()
	out.Subscribers = a.bus.Len()
	if a.wsHub != nil {
		out.Stream = a.wsHub.Stats()
	}
	if a.watcher != nil {
		out.Watched = a.watcher.Len()
	}
	return out
}

// GetHistory returns the most recent finished operations, newest first.
// Empty when history is disabled.
func (a *App) GetHistory(limit int) ([]history.Entry, error) {
	if a.journal == nil {
		return []history.Entry{}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyQueryTimeout)
	defer cancel()
	return a.journal.Recent(ctx, limit)
}

// GetRepositoryHistory returns repoID's recent operations, newest first.
func (a *App) GetRepositoryHistory(repoID string, limit int) ([]history.Entry, error) {
	if a.journal == nil {
		return []history.Entry{}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyQueryTimeout)
	defer cancel()
	return a.journal.ForRepo(ctx, repoID, limit)
}

// GetHistoryCounts aggregates the journal by outcome and error kind.
func (a *App) GetHistoryCounts() (history.Counts, error) {
	if a.journal == nil {
		return history.Counts{ByErrorKind: map[string]int{}}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyQueryTimeout)
	defer cancel()
	return a.journal.Counts(ctx)
}
