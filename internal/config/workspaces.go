package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go.yaml.in/yaml/v3"

	"gitdeck/internal/workspace"
)

// maxWorkspacesFileBytes bounds the workspace file. Tens of thousands of
// repositories fit comfortably.
const maxWorkspacesFileBytes int64 = 8 << 20

// LoadWorkspaces reads the workspace tree snapshot at path. A missing or
// empty file yields an empty snapshot. Status is never stored here; every
// repository starts unknown after load.
func LoadWorkspaces(path string) (workspace.Snapshot, error) {
	empty := workspace.Snapshot{Version: workspace.SnapshotVersion}
	if strings.TrimSpace(path) == "" {
		return empty, errors.New("workspaces path required")
	}
	raw, err := readLimitedFile(path, maxWorkspacesFileBytes)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return empty, nil
		}
		return empty, fmt.Errorf("load workspaces: %w", err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return empty, nil
	}

	var snap workspace.Snapshot
	if err := yaml.Unmarshal(raw, &snap); err != nil {
		return empty, fmt.Errorf("load workspaces: parse %s: %w", path, err)
	}
	if snap.Version == 0 {
		snap.Version = workspace.SnapshotVersion
	}
	if snap.Version > workspace.SnapshotVersion {
		return empty, fmt.Errorf("load workspaces: %w: version %d is newer than supported %d",
			workspace.ErrInvalidSnapshot, snap.Version, workspace.SnapshotVersion)
	}
	return snap, nil
}

// SaveWorkspaces atomically writes snap to path. Unlike Save it accepts any
// location because the workspace file may be shared through a synced folder.
func SaveWorkspaces(path string, snap workspace.Snapshot) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("workspaces path required")
	}
	if snap.Version == 0 {
		snap.Version = workspace.SnapshotVersion
	}
	raw, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("save workspaces: marshal: %w", err)
	}
	if err := atomicWrite(path, raw); err != nil {
		return fmt.Errorf("save workspaces: %w", err)
	}
	slog.Debug("[DEBUG-CONFIG] workspaces saved", "path", path, "workspaces", len(snap.Workspaces))
	return nil
}
