package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"gitdeck/internal/events"
	"gitdeck/internal/git"
	"gitdeck/internal/gitops"
	"gitdeck/internal/gitops/gitopstest"
	"gitdeck/internal/status"
)

type harness struct {
	t        *testing.T
	provider *gitopstest.Provider
	cache    *status.Cache
	bus      *events.Bus
	coord    *Coordinator

	mu     sync.Mutex
	paths  map[string]string
	events []events.Event
}

func newHarness(t *testing.T, opts Options, ids ...string) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		provider: gitopstest.New(),
		cache:    status.NewCache(nil),
		bus:      events.NewBus(),
		paths:    make(map[string]string),
	}
	for _, id := range ids {
		path := "/repos/" + id
		h.provider.AddRepo(path, git.StatusInfo{})
		h.paths[id] = path
	}
	h.cache.Track(ids...)
	h.bus.Subscribe(func(e events.Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, e)
	})
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = time.Millisecond
	}
	exec := gitops.New(h.provider, "origin", git.PullFastForwardOnly)
	h.coord = New(exec, h.cache, h.bus, h.resolve, opts)
	t.Cleanup(h.coord.Close)
	return h
}

func (h *harness) resolve(id string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.paths[id]
	return p, ok
}

func (h *harness) remove(id string) {
	h.mu.Lock()
	delete(h.paths, id)
	h.mu.Unlock()
	h.cache.Remove(id)
	h.coord.Forget(id)
}

func (h *harness) completions() []events.OperationCompleted {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []events.OperationCompleted
	for _, e := range h.events {
		if c, ok := e.(events.OperationCompleted); ok {
			out = append(out, c)
		}
	}
	return out
}

func (h *harness) rejections() []events.OperationRejected {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []events.OperationRejected
	for _, e := range h.events {
		if r, ok := e.(events.OperationRejected); ok {
			out = append(out, r)
		}
	}
	return out
}

// block makes every call of op wait until release is called. Each blocked
// call is announced on the returned channel. Must be called before any
// request is submitted.
func (h *harness) block(op string) (started <-chan gitopstest.Call, release func()) {
	ch := make(chan gitopstest.Call, 64)
	gate := make(chan struct{})
	var once sync.Once
	h.provider.Before = func(ctx context.Context, call gitopstest.Call) error {
		if call.Op != op {
			return nil
		}
		ch <- call
		<-gate
		return nil
	}
	release = func() { once.Do(func() { close(gate) }) }
	h.t.Cleanup(release)
	return ch, release
}

func (h *harness) submit(id string, kind gitops.OpKind) (Ticket, error) {
	h.t.Helper()
	return h.coord.Submit(Request{RepoID: id, Kind: kind})
}

func waitCall(t *testing.T, ch <-chan gitopstest.Call) gitopstest.Call {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a git call to start")
		return gitopstest.Call{}
	}
}

func waitDone(t *testing.T, c *Coordinator) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		c.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("coordinator did not become idle")
	}
}
