package main

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"gitdeck/internal/events"
	"gitdeck/internal/status"
)

const (
	// statusCoalesceWindow batches status changes into one runtime event.
	// A refresh-all over thousands of repositories would otherwise flood
	// Wails IPC with one event per repository.
	statusCoalesceWindow = 50 * time.Millisecond

	// eventStatusBatch carries []status.RepositoryStatus, newest per repo.
	eventStatusBatch = "status:batch"
)

// statusBatch accumulates StatusChanged payloads between flushes.
type statusBatch struct {
	mu      sync.Mutex
	pending map[string]status.RepositoryStatus
	timer   *time.Timer
}

// emitRuntimeEvent emits via the app context and delegates to
// emitRuntimeEventWithContext.
func (a *App) emitRuntimeEvent(name string, payload any) {
	a.emitRuntimeEventWithContext(a.runtimeContext(), name, payload)
}

// emitRuntimeEventWithContext emits a runtime event only when ctx is non-nil.
func (a *App) emitRuntimeEventWithContext(ctx context.Context, name string, payload any) {
	if ctx == nil {
		slog.Debug("[EVENTS] runtime event dropped because app context is nil", "event", name)
		return
	}
	runtimeEventsEmitFn(ctx, name, payload)
}

// forwardRuntimeEvent is the bus subscriber feeding the Wails frontend.
// Status changes are batched; everything else is forwarded as is under its
// topic name.
func (a *App) forwardRuntimeEvent(evt events.Event) {
	if sc, ok := evt.(events.StatusChanged); ok {
		a.queueStatus(sc.Status)
		return
	}
	a.emitRuntimeEvent(string(evt.Topic()), evt)
}

func (a *App) queueStatus(st status.RepositoryStatus) {
	b := &a.statusBatch
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		b.pending = make(map[string]status.RepositoryStatus)
	}
	if prev, ok := b.pending[st.RepoID]; ok && prev.Version > st.Version {
		return
	}
	b.pending[st.RepoID] = st
	if b.timer == nil {
		b.timer = time.AfterFunc(statusCoalesceWindow, a.flushStatusBatch)
	}
}

// flushStatusBatch emits the pending batch, if any. Emission happens outside
// the batch lock.
func (a *App) flushStatusBatch() {
	b := &a.statusBatch
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := slices.SortedFunc(maps.Values(b.pending), func(x, y status.RepositoryStatus) int {
		switch {
		case x.RepoID < y.RepoID:
			return -1
		case x.RepoID > y.RepoID:
			return 1
		}
		return 0
	})
	clear(b.pending)
	b.mu.Unlock()

	a.emitRuntimeEvent(eventStatusBatch, batch)
}

// publishTreeChanged notifies subscribers of a structural change.
func (a *App) publishTreeChanged(reason, nodeID string) {
	a.bus.Publish(events.TreeChanged{Reason: reason, NodeID: nodeID})
}
