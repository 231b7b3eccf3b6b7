package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/wailsapp/wails/v2/pkg/runtime"

	"gitdeck/internal/config"
	"gitdeck/internal/events"
	"gitdeck/internal/scanner"
	"gitdeck/internal/workerutil"
	"gitdeck/internal/workspace"
)

const defaultWorkspaceName = "Workspace"

// GetTree returns the hierarchy filtered by query, honouring the configured
// sort order.
func (a *App) GetTree(query string) ([]workspace.ViewNode, error) {
	if err := a.requireCore(); err != nil {
		return nil, err
	}
	return a.tree.View(workspace.ViewOptions{
		Query:      query,
		SortByName: a.getConfigSnapshot().SortByName,
	}), nil
}

// GetWorkspaceTree returns one workspace, filtered by query.
func (a *App) GetWorkspaceTree(workspaceID, query string) ([]workspace.ViewNode, error) {
	if err := a.requireCore(); err != nil {
		return nil, err
	}
	if !a.tree.Contains(workspaceID) {
		return nil, fmt.Errorf("%w: %s", workspace.ErrNodeNotFound, workspaceID)
	}
	return a.tree.View(workspace.ViewOptions{
		WorkspaceID: workspaceID,
		Query:       query,
		SortByName:  a.getConfigSnapshot().SortByName,
	}), nil
}

// GetNode returns one node.
func (a *App) GetNode(id string) (workspace.Node, error) {
	if err := a.requireCore(); err != nil {
		return workspace.Node{}, err
	}
	return a.tree.Get(id)
}

// CreateWorkspace adds an empty workspace and returns its id.
func (a *App) CreateWorkspace(name string) (string, error) {
	if err := a.requireCore(); err != nil {
		return "", err
	}
	id, err := a.tree.CreateWorkspace(name)
	if err != nil {
		return "", err
	}
	a.treeChanged("workspace-created", id)
	return id, nil
}

// RenameNode renames a workspace, folder, or repository entry. The
// repository on disk is untouched.
func (a *App) RenameNode(id, name string) error {
	if err := a.requireCore(); err != nil {
		return err
	}
	if err := a.tree.Rename(id, name); err != nil {
		return err
	}
	a.treeChanged("renamed", id)
	return nil
}

// MoveNode reparents id under parentID at index. A negative or too large
// index appends.
func (a *App) MoveNode(id, parentID string, index int) error {
	if err := a.requireCore(); err != nil {
		return err
	}
	if err := a.tree.Move(id, parentID, index); err != nil {
		return err
	}
	a.treeChanged("moved", id)
	return nil
}

// ReorderChildren sets the display order of parentID's children. An empty
// parentID reorders the workspaces.
func (a *App) ReorderChildren(parentID string, order []string) error {
	if err := a.requireCore(); err != nil {
		return err
	}
	if err := a.tree.Reorder(parentID, order); err != nil {
		return err
	}
	a.treeChanged("reordered", parentID)
	return nil
}

// DeleteNode removes id and its subtree from the tree. Repositories on disk
// are untouched. Status, pending operations, and watches of removed
// repositories are dropped; a running operation finishes and its result is
// discarded.
func (a *App) DeleteNode(id string) error {
	if err := a.requireCore(); err != nil {
		return err
	}
	removed, err := a.tree.Delete(id)
	if err != nil {
		return err
	}
	a.forgetRepositories(removed)
	if a.getConfigSnapshot().ActiveWorkspace == id {
		if _, err := a.saveConfigWithLock(func(c config.Config) config.Config {
			c.ActiveWorkspace = ""
			return c
		}); err != nil {
			slog.Warn("[WARN-CONFIG] failed to clear active workspace", "error", err)
		}
	}
	a.treeChanged("deleted", id)
	return nil
}

// SetActiveWorkspace selects the workspace that receives dropped folders.
func (a *App) SetActiveWorkspace(id string) error {
	if err := a.requireCore(); err != nil {
		return err
	}
	n, err := a.tree.Get(id)
	if err != nil {
		return err
	}
	if n.Kind != workspace.KindWorkspace {
		return fmt.Errorf("%w: %s is a %s", workspace.ErrInvalidParent, id, n.Kind)
	}
	event, err := a.saveConfigWithLock(func(c config.Config) config.Config {
		c.ActiveWorkspace = id
		return c
	})
	if err != nil {
		return err
	}
	a.emitRuntimeEvent("config:updated", event)
	return nil
}

// PickAndAddFolder opens a directory picker and scans the choice into
// parentID. It returns the scan id, or "" when the dialog was cancelled.
func (a *App) PickAndAddFolder(parentID string) (string, error) {
	ctx := a.runtimeContext()
	if ctx == nil {
		return "", errAppNotReady
	}
	dir, err := runtimeOpenDirectoryDialogFn(ctx, runtime.OpenDialogOptions{
		Title: "Add folder with repositories",
	})
	if err != nil {
		return "", err
	}
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return "", nil
	}
	return a.AddPaths(parentID, []string{dir})
}

// AddPaths scans paths in the background and merges the discovered
// repositories into parentID (a workspace or folder). Paths already in the
// tree are skipped. It returns a scan id for CancelScan; the result arrives
// as a scan:completed event.
func (a *App) AddPaths(parentID string, paths []string) (string, error) {
	if err := a.requireCore(); err != nil {
		return "", err
	}
	parent, err := a.tree.Get(parentID)
	if err != nil {
		return "", err
	}
	if !parent.Kind.Container() {
		return "", fmt.Errorf("%w: %s is a repository", workspace.ErrInvalidParent, parentID)
	}
	if len(paths) == 0 {
		return "", errors.New("no paths to add")
	}

	scanID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	a.scanMu.Lock()
	a.scans[scanID] = cancel
	a.scanMu.Unlock()
	a.scanCount.Add(1)

	paths = append([]string(nil), paths...)
	a.bgWG.Go(func() {
		defer a.finishScan(scanID)
		var completed events.ScanCompleted
		if err := workerutil.Guard("scan", func() {
			completed = a.runScan(ctx, parentID, paths)
		}); err != nil {
			completed = events.ScanCompleted{Roots: paths, Errors: []events.ScanError{{Error: err.Error()}}}
		}
		a.bus.Publish(completed)
	})
	return scanID, nil
}

// CancelScan discards a running scan. The tree is not touched. Reports
// whether the scan was still running.
func (a *App) CancelScan(scanID string) bool {
	a.scanMu.Lock()
	cancel, ok := a.scans[scanID]
	a.scanMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (a *App) finishScan(scanID string) {
	a.scanMu.Lock()
	if cancel, ok := a.scans[scanID]; ok {
		cancel()
		delete(a.scans, scanID)
	}
	a.scanMu.Unlock()
	a.scanCount.Add(-1)
}

func (a *App) cancelAllScans() {
	a.scanMu.Lock()
	defer a.scanMu.Unlock()
	for _, cancel := range a.scans {
		cancel()
	}
}

// scanPathsFn is replaced in tests.
var scanPathsFn = scanner.Scan

// runScan walks paths, merges the fragments into parentID, and schedules
// the initial refresh of every new repository.
func (a *App) runScan(ctx context.Context, parentID string, paths []string) events.ScanCompleted {
	cfg := a.getConfigSnapshot()
	opts := scanner.DefaultOptions()
	opts.MaxDepth = cfg.Scan.MaxDepth
	opts.SkipHidden = cfg.Scan.SkipHidden
	opts.SkipNames = cfg.Scan.SkipNames

	completed := events.ScanCompleted{Roots: paths}
	res, err := scanPathsFn(ctx, paths, opts)
	for _, se := range res.Errors {
		completed.Errors = append(completed.Errors, events.ScanError{Path: se.Path, Error: se.Err.Error()})
	}
	if err != nil {
		completed.Canceled = errors.Is(err, context.Canceled)
		slog.Info("[SCAN] scan discarded", "roots", len(paths), "error", err)
		return completed
	}
	// A cancel that lands after the walk finished still discards the result.
	if ctx.Err() != nil {
		completed.Canceled = true
		slog.Info("[SCAN] scan discarded after walk", "roots", len(paths))
		return completed
	}

	merged, err := a.tree.InsertMerge(parentID, res.Fragments...)
	if err != nil {
		// The parent may have been deleted while the scan ran.
		completed.Errors = append(completed.Errors, events.ScanError{Error: err.Error()})
		slog.Warn("[SCAN] insert failed", "parent", parentID, "error", err)
		return completed
	}
	completed.Added = len(merged.Added)
	completed.Skipped = merged.Skipped
	slog.Info("[SCAN] scan merged",
		"roots", len(paths),
		"added", completed.Added,
		"skipped", len(completed.Skipped),
		"errors", len(completed.Errors))

	if len(merged.Added) > 0 {
		a.trackRepositories(merged.Added)
		a.treeChanged("repositories-added", parentID)
	}
	return completed
}

// trackRepositories starts status bookkeeping for newly inserted
// repositories and schedules their initial refresh.
func (a *App) trackRepositories(ids []string) {
	a.cache.Track(ids...)
	if a.watcher != nil {
		for _, id := range ids {
			if path, ok := a.resolveRepository(id); ok {
				if err := a.watcher.Add(id, path); err != nil {
					slog.Debug("[WATCH] skip repository", "repo", id, "error", err)
				}
			}
		}
	}
	if err := a.coord.RefreshAll(ids); err != nil {
		slog.Warn("[COORD] initial refresh not submitted", "repositories", len(ids), "error", err)
	}
}

func (a *App) forgetRepositories(ids []string) {
	if len(ids) == 0 {
		return
	}
	a.coord.Forget(ids...)
	a.cache.Remove(ids...)
	if a.watcher != nil {
		a.watcher.Remove(ids...)
	}
}

// treeChanged persists the tree and notifies subscribers.
func (a *App) treeChanged(reason, nodeID string) {
	if err := a.saveWorkspaces(); err != nil {
		slog.Warn("[WARN-CONFIG] failed to save workspaces", "path", a.workspacesPath, "error", err)
	}
	a.publishTreeChanged(reason, nodeID)
}

func (a *App) saveWorkspaces() error {
	a.treeSaveMu.Lock()
	defer a.treeSaveMu.Unlock()
	return config.SaveWorkspaces(a.workspacesPath, a.tree.Snapshot())
}
