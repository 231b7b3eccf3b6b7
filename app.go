package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"gitdeck/internal/config"
	"gitdeck/internal/coordinator"
	"gitdeck/internal/events"
	"gitdeck/internal/history"
	"gitdeck/internal/sessionlog"
	"gitdeck/internal/status"
	"gitdeck/internal/watch"
	"gitdeck/internal/workspace"
	"gitdeck/internal/wsserver"
)

var errAppNotReady = errors.New("app is not ready")

// App is the Wails-bound application service.
type App struct {
	// Runtime context lifecycle.
	ctx   context.Context
	ctxMu sync.RWMutex

	// Configuration state and startup warnings.
	// Lock ordering (outer -> inner):
	//   cfgSaveMu -> cfgMu
	//   treeSaveMu -> workspace.Tree internal lock (via Snapshot)
	//
	// Independent locks: do not assume ordering across these.
	//   ctxMu, startupWarnMu, scanMu, statusBatch.mu
	cfgMu              sync.RWMutex
	cfgSaveMu          sync.Mutex
	configEventVersion atomic.Uint64
	cfg                config.Config
	configPath         string
	workspacesPath     string
	startupWarnMu      sync.Mutex
	configLoadWarnings []string

	// Core state. Created once in initCore and never reassigned, so reads
	// need no lock once startup has returned.
	tree  *workspace.Tree
	cache *status.Cache
	bus   *events.Bus
	coord *coordinator.Coordinator

	// Optional services; nil when disabled or when they failed to start.
	watcher *watch.Watcher
	journal *history.Journal
	wsHub   *wsserver.Hub

	sessionLog  *sessionlog.Store
	statusBatch statusBatch

	// treeSaveMu serializes workspace file writes so the file always holds
	// the latest snapshot.
	treeSaveMu sync.Mutex

	scanMu    sync.Mutex
	scans     map[string]context.CancelFunc // scan id -> cancel
	scanCount atomic.Int64

	shuttingDown atomic.Bool
	unsubscribe  []func()
	bgCancel     context.CancelFunc
	bgWG         sync.WaitGroup
}

// NewApp creates the app service. The session log store exists from the
// start so records logged during startup reach the panel.
func NewApp() *App {
	a := &App{scans: make(map[string]context.CancelFunc)}
	a.sessionLog = sessionlog.NewStore(sessionlog.DefaultCapacity, sessionLogEmitMinInterval, a.notifySessionLogUpdated)
	return a
}

// GetEventStreamURL returns the WebSocket URL of the event stream, or ""
// when the stream is unavailable. The frontend falls back to Wails runtime
// events in that case.
func (a *App) GetEventStreamURL() string {
	if a.wsHub == nil {
		slog.Debug("[WS] hub is nil, event stream URL unavailable")
		return ""
	}
	return a.wsHub.URL()
}

func (a *App) setRuntimeContext(ctx context.Context) {
	a.ctxMu.Lock()
	a.ctx = ctx
	a.ctxMu.Unlock()
}

func (a *App) runtimeContext() context.Context {
	a.ctxMu.RLock()
	defer a.ctxMu.RUnlock()
	return a.ctx
}

// requireCore guards Wails-bound methods that can be invoked before startup
// completes.
func (a *App) requireCore() error {
	if a.tree == nil || a.cache == nil || a.coord == nil {
		return errAppNotReady
	}
	if a.shuttingDown.Load() {
		return coordinator.ErrClosed
	}
	return nil
}
