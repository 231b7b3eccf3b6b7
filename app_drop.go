package main

import (
	"log/slog"
	"path/filepath"
	"strings"

	"gitdeck/internal/workspace"
)

// handleFileDrop receives paths dropped onto the window and scans them into
// the active workspace. Non-absolute paths are ignored. Position is unused:
// the frontend decides the drop target through AddPaths when it needs a
// specific folder.
func (a *App) handleFileDrop(_, _ int, paths []string) {
	if a.requireCore() != nil {
		slog.Warn("[SCAN] drop ignored, app not ready", "paths", len(paths))
		return
	}
	clean := make([]string, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" || !filepath.IsAbs(p) {
			continue
		}
		clean = append(clean, filepath.Clean(p))
	}
	if len(clean) == 0 {
		return
	}

	target, err := a.dropTarget()
	if err != nil {
		slog.Warn("[SCAN] drop ignored, no target workspace", "error", err)
		return
	}
	if _, err := a.AddPaths(target, clean); err != nil {
		slog.Warn("[SCAN] drop scan not started", "error", err)
	}
}

// dropTarget returns the active workspace, else the first workspace, else a
// newly created one.
func (a *App) dropTarget() (string, error) {
	if id := a.getConfigSnapshot().ActiveWorkspace; id != "" {
		if n, err := a.tree.Get(id); err == nil && n.Kind == workspace.KindWorkspace {
			return id, nil
		}
	}
	if roots := a.tree.Roots(); len(roots) > 0 {
		return roots[0].ID, nil
	}
	return a.CreateWorkspace(defaultWorkspaceName)
}
