package main

import (
	"time"

	"gitdeck/internal/config"
)

type configUpdatedEvent struct {
	Config             config.Config `json:"config"`
	Version            uint64        `json:"version"`
	UpdatedAtUnixMilli int64         `json:"updated_at_unix_milli"`
	// RestartRequired is set when a changed setting only applies to newly
	// started services (worker pool, remote, watcher, journal, stream port).
	RestartRequired bool `json:"restart_required"`
}

// GetConfig returns the loaded config.
func (a *App) GetConfig() config.Config {
	return a.getConfigSnapshot()
}

// GetConfigAndFlushWarnings returns the config and emits any pending
// startup warnings.
func (a *App) GetConfigAndFlushWarnings() config.Config {
	a.flushPendingConfigLoadWarnings()
	return a.getConfigSnapshot()
}

func (a *App) flushPendingConfigLoadWarnings() {
	ctx := a.runtimeContext()
	if ctx == nil {
		return
	}
	if warning := a.consumePendingConfigLoadWarning(); warning != "" {
		a.emitRuntimeEventWithContext(ctx, "config:load-failed", map[string]string{
			"message": warning,
		})
	}
}

// SaveConfig validates and persists cfg, then updates the in-memory config.
// config:updated carries the normalized config.
func (a *App) SaveConfig(cfg config.Config) error {
	event, err := a.saveConfigWithLock(func(config.Config) config.Config { return cfg })
	if err != nil {
		return err
	}
	// Emitted outside cfgSaveMu; consumers treat the highest version as
	// authoritative.
	a.emitRuntimeEvent("config:updated", event)
	return nil
}

// saveConfigWithLock applies edit to the current config, persists the
// result, and bumps the event version under cfgSaveMu.
func (a *App) saveConfigWithLock(edit func(config.Config) config.Config) (configUpdatedEvent, error) {
	a.cfgSaveMu.Lock()
	defer a.cfgSaveMu.Unlock()

	prev := a.getConfigSnapshot()
	normalized, err := config.Save(a.configPath, edit(config.Clone(prev)))
	if err != nil {
		return configUpdatedEvent{}, err
	}
	a.setConfigSnapshot(normalized)

	return configUpdatedEvent{
		Config:             config.Clone(normalized),
		Version:            a.configEventVersion.Add(1),
		UpdatedAtUnixMilli: time.Now().UnixMilli(),
		RestartRequired:    restartRequired(prev, normalized),
	}, nil
}

func restartRequired(prev, next config.Config) bool {
	return prev.Operations != next.Operations ||
		prev.Watch != next.Watch ||
		prev.History != next.History ||
		prev.WebSocketPort != next.WebSocketPort ||
		config.WorkspacesPath("", prev) != config.WorkspacesPath("", next)
}

// getConfigSnapshot returns a deep copy of the config under cfgMu.
func (a *App) getConfigSnapshot() config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return config.Clone(a.cfg)
}

func (a *App) setConfigSnapshot(cfg config.Config) {
	a.cfgMu.Lock()
	a.cfg = config.Clone(cfg)
	a.cfgMu.Unlock()
}
