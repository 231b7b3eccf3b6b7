package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"gitdeck/internal/config"
	"gitdeck/internal/coordinator"
	"gitdeck/internal/events"
	"gitdeck/internal/git"
	"gitdeck/internal/gitops"
	"gitdeck/internal/history"
	"gitdeck/internal/status"
	"gitdeck/internal/watch"
	"gitdeck/internal/workspace"
	"gitdeck/internal/wsserver"
)

type appRuntimeLogger interface {
	Warningf(context.Context, string, ...any)
	Infof(context.Context, string, ...any)
	Errorf(context.Context, string, ...any)
}

type wailsRuntimeLogger struct{}

func (wailsRuntimeLogger) Warningf(ctx context.Context, message string, args ...any) {
	if ctx == nil {
		slog.Warn(fmt.Sprintf(message, args...))
		return
	}
	runtime.LogWarningf(ctx, message, args...)
}

func (wailsRuntimeLogger) Infof(ctx context.Context, message string, args ...any) {
	if ctx == nil {
		slog.Info(fmt.Sprintf(message, args...))
		return
	}
	runtime.LogInfof(ctx, message, args...)
}

func (wailsRuntimeLogger) Errorf(ctx context.Context, message string, args ...any) {
	if ctx == nil {
		slog.Error(fmt.Sprintf(message, args...))
		return
	}
	runtime.LogErrorf(ctx, message, args...)
}

var (
	runtimeEventsEmitFn                           = runtime.EventsEmit
	runtimeOnFileDropFn                           = runtime.OnFileDrop
	runtimeOpenDirectoryDialogFn                  = runtime.OpenDirectoryDialog
	runtimeLogger                appRuntimeLogger = wailsRuntimeLogger{}
	newGitProviderFn                              = func() gitops.Provider { return git.CLI{} }
	configDefaultPathFn                           = config.DefaultPath
)

const shutdownWaitTimeout = 10 * time.Second

func (a *App) addPendingConfigLoadWarning(message string) {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return
	}
	a.startupWarnMu.Lock()
	a.configLoadWarnings = append(a.configLoadWarnings, trimmed)
	a.startupWarnMu.Unlock()
}

func (a *App) consumePendingConfigLoadWarning() string {
	a.startupWarnMu.Lock()
	defer a.startupWarnMu.Unlock()
	if len(a.configLoadWarnings) == 0 {
		return ""
	}
	message := strings.Join(a.configLoadWarnings, "\n")
	a.configLoadWarnings = nil
	return message
}

func (a *App) startup(ctx context.Context) {
	a.setRuntimeContext(ctx)

	a.configPath = configDefaultPathFn()
	for _, message := range config.ConsumeDefaultPathWarnings() {
		a.addPendingConfigLoadWarning(message)
	}
	cfg, err := config.EnsureFile(a.configPath)
	if err != nil {
		// A broken config never blocks startup; run with defaults and tell
		// the user.
		cfg = config.DefaultConfig()
		a.addPendingConfigLoadWarning(
			"Failed to load config file at startup. Running with defaults. Error: " + err.Error(),
		)
		runtimeLogger.Warningf(ctx, "failed to load config from %s: %v", a.configPath, err)
	}
	a.setConfigSnapshot(cfg)
	a.openSessionLogFile()

	if err := a.initCore(ctx, cfg); err != nil {
		runtimeLogger.Errorf(ctx, "core initialization failed: %v", err)
		a.addPendingConfigLoadWarning("Failed to initialize: " + err.Error())
		a.flushPendingConfigLoadWarnings()
		return
	}

	a.startEventStream(ctx, cfg)
	a.unsubscribe = append(a.unsubscribe, a.bus.Subscribe(a.forwardRuntimeEvent))
	runtimeOnFileDropFn(ctx, a.handleFileDrop)

	ids := a.tree.RepositoryIDs()
	slog.Info("[COORD] initial status refresh", "repositories", len(ids))
	if err := a.coord.RefreshAll(ids); err != nil {
		runtimeLogger.Warningf(ctx, "initial refresh failed: %v", err)
	}
	a.flushPendingConfigLoadWarnings()
}

// initCore builds the tree, cache, bus, and coordinator, restores the
// saved workspaces, and starts the optional watcher and journal. It needs
// no Wails runtime, so tests call it directly.
func (a *App) initCore(ctx context.Context, cfg config.Config) error {
	a.bus = events.NewBus()
	a.cache = status.NewCache(func(st status.RepositoryStatus) {
		a.bus.Publish(events.StatusChanged{RepoID: st.RepoID, Status: st})
	})
	a.tree = workspace.NewTree()
	a.workspacesPath = config.WorkspacesPath(a.configPath, cfg)
	a.loadWorkspaces()

	bgCtx, cancel := context.WithCancel(ctx)
	a.bgCancel = cancel

	if cfg.History.Enabled {
		a.openJournal(bgCtx, cfg)
	}

	opts := coordinator.Options{
		Workers:          cfg.Operations.Workers,
		FetchAttempts:    cfg.Operations.FetchRetries,
		RetryBackoff:     cfg.Operations.FetchRetryBackoff,
		OperationTimeout: cfg.Operations.Timeout,
	}
	// Assign only a live journal; a nil *history.Journal in the interface
	// would not compare equal to nil.
	if a.journal != nil {
		opts.Journal = a.journal
	}
	exec := gitops.New(newGitProviderFn(), cfg.Operations.Remote, git.PullPolicy(cfg.Operations.PullPolicy))
	a.coord = coordinator.New(exec, a.cache, a.bus, a.resolveRepository, opts)

	ids := a.tree.RepositoryIDs()
	a.cache.Track(ids...)

	if cfg.Watch.Enabled {
		a.startWatcher(bgCtx, cfg)
	}
	slog.Info("[COORD] core ready",
		"workspaces", len(a.tree.Roots()),
		"repositories", len(ids),
		"workers", cfg.Operations.Workers,
		"watch", a.watcher != nil,
		"history", a.journal != nil)
	return nil
}

// loadWorkspaces restores the saved tree. An unreadable file is moved aside
// so the next save does not destroy it, and the app starts empty.
func (a *App) loadWorkspaces() {
	snap, err := config.LoadWorkspaces(a.workspacesPath)
	if err == nil {
		err = a.tree.Restore(snap)
	}
	if err == nil {
		return
	}
	slog.Warn("[WARN-CONFIG] failed to load workspaces, starting empty", "path", a.workspacesPath, "error", err)
	message := "Failed to load workspaces. Starting with an empty tree. Error: " + err.Error()
	if backup, backupErr := backupUnreadableFile(a.workspacesPath); backupErr == nil && backup != "" {
		message += "\nThe unreadable file was kept as " + backup
	}
	a.addPendingConfigLoadWarning(message)
}

func backupUnreadableFile(path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	backup := fmt.Sprintf("%s.broken-%s", path, time.Now().Format("20060102-150405"))
	if err := os.Rename(path, backup); err != nil {
		slog.Warn("[WARN-CONFIG] failed to move unreadable workspaces file aside", "path", path, "error", err)
		return "", err
	}
	return backup, nil
}

func (a *App) openJournal(ctx context.Context, cfg config.Config) {
	path := config.HistoryPath(a.configPath, cfg)
	j, err := history.Open(ctx, path)
	if err != nil {
		slog.Warn("[WARN-HISTORY] operation history disabled", "path", path, "error", err)
		return
	}
	if pruned, err := j.Prune(ctx, cfg.History.Keep); err != nil {
		slog.Warn("[WARN-HISTORY] prune failed", "error", err)
	} else if pruned > 0 {
		slog.Debug("[DEBUG-HISTORY] pruned old entries", "rows", pruned)
	}
	a.journal = j
}

func (a *App) startWatcher(ctx context.Context, cfg config.Config) {
	w, err := watch.New(a.refreshFromWatcher, watch.Options{Debounce: cfg.Watch.Debounce})
	if err != nil {
		slog.Warn("[WATCH] repository watching disabled", "error", err)
		return
	}
	for n := range a.tree.Repositories("") {
		if err := w.Add(n.ID, n.Path); err != nil {
			slog.Debug("[WATCH] skip repository", "repo", n.ID, "path", n.Path, "error", err)
		}
	}
	w.Start(ctx)
	a.watcher = w
}

// refreshFromWatcher submits a refresh after on-disk metadata changed.
func (a *App) refreshFromWatcher(repoID string) {
	if a.shuttingDown.Load() {
		return
	}
	if _, err := a.coord.Submit(coordinator.Request{RepoID: repoID, Kind: gitops.OpStatus}); err != nil &&
		!errors.Is(err, coordinator.ErrClosed) {
		slog.Debug("[WATCH] refresh not submitted", "repo", repoID, "error", err)
	}
}

func (a *App) startEventStream(ctx context.Context, cfg config.Config) {
	addr := "127.0.0.1:0"
	if cfg.WebSocketPort > 0 {
		addr = fmt.Sprintf("127.0.0.1:%d", cfg.WebSocketPort)
	}
	hub := wsserver.NewHub(wsserver.HubOptions{Addr: addr})
	if err := hub.Start(ctx); err != nil {
		runtimeLogger.Warningf(ctx, "event stream unavailable: %v", err)
		return
	}
	a.wsHub = hub
	a.unsubscribe = append(a.unsubscribe, a.bus.Subscribe(hub.Broadcast))
}

// resolveRepository maps a repository id to its path for the coordinator.
func (a *App) resolveRepository(repoID string) (string, bool) {
	n, err := a.tree.Get(repoID)
	if err != nil || n.Kind != workspace.KindRepository {
		return "", false
	}
	return n.Path, true
}

func (a *App) shutdown(_ context.Context) {
	logCtx := a.runtimeContext()
	a.shuttingDown.Store(true)
	a.cancelAllScans()

	if a.watcher != nil {
		if err := a.watcher.Close(); err != nil {
			runtimeLogger.Warningf(logCtx, "watcher close failed: %v", err)
		}
	}
	if a.coord != nil {
		if !waitWithTimeout(a.coord.Close, shutdownWaitTimeout) {
			runtimeLogger.Warningf(logCtx, "timed out waiting for git operations during shutdown")
		}
	}
	if a.bgCancel != nil {
		a.bgCancel()
	}
	if !waitWithTimeout(a.bgWG.Wait, shutdownWaitTimeout) {
		runtimeLogger.Warningf(logCtx, "timed out waiting for background workers during shutdown")
	}
	for _, unsub := range a.unsubscribe {
		unsub()
	}
	a.unsubscribe = nil
	a.flushStatusBatch()

	if a.tree != nil {
		if err := a.saveWorkspaces(); err != nil {
			runtimeLogger.Warningf(logCtx, "failed to save workspaces: %v", err)
		}
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			runtimeLogger.Warningf(logCtx, "history close failed: %v", err)
		}
	}
	if a.wsHub != nil {
		if err := a.wsHub.Stop(); err != nil {
			runtimeLogger.Warningf(logCtx, "event stream stop failed: %v", err)
		}
	}
	a.closeSessionLog()
}

func waitWithTimeout(waitFn func(), timeout time.Duration) bool {
	// Only used on shutdown paths; the helper goroutine may outlive the
	// timeout if waitFn never returns.
	done := make(chan struct{})
	go func() {
		waitFn()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func configDir(configPath string) string {
	return filepath.Dir(configPath)
}
