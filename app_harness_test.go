package main

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"gitdeck/internal/config"
	"gitdeck/internal/events"
	"gitdeck/internal/git"
	"gitdeck/internal/gitops"
	"gitdeck/internal/gitops/gitopstest"
)

// NOTE: tests in this package override package-level function variables
// (runtimeEventsEmitFn, newGitProviderFn) and environment variables.
// Do not use t.Parallel() here.

type emittedEvent struct {
	name    string
	payload any
}

// runtimeRecorder stands in for the Wails event emitter.
type runtimeRecorder struct {
	mu     sync.Mutex
	events []emittedEvent
}

func (r *runtimeRecorder) emit(_ context.Context, name string, data ...any) {
	var payload any
	if len(data) > 0 {
		payload = data[0]
	}
	r.mu.Lock()
	r.events = append(r.events, emittedEvent{name: name, payload: payload})
	r.mu.Unlock()
}

func (r *runtimeRecorder) named(name string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, e := range r.events {
		if e.name == name {
			out = append(out, e.payload)
		}
	}
	return out
}

// busRecorder collects everything published on the app bus.
type busRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *busRecorder) record(evt events.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *busRecorder) scans() []events.ScanCompleted {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.ScanCompleted
	for _, e := range r.events {
		if sc, ok := e.(events.ScanCompleted); ok {
			out = append(out, sc)
		}
	}
	return out
}

func (r *busRecorder) completions() []events.OperationCompleted {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.OperationCompleted
	for _, e := range r.events {
		if oc, ok := e.(events.OperationCompleted); ok {
			out = append(out, oc)
		}
	}
	return out
}

type testApp struct {
	*App
	provider  *gitopstest.Provider
	runtime   *runtimeRecorder
	published *busRecorder
}

// useTestConfigDir points config.DefaultDir at a temp dir and returns the
// config file path inside it.
func useTestConfigDir(t *testing.T) string {
	t.Helper()
	t.Setenv("LOCALAPPDATA", "")
	t.Setenv("APPDATA", "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	path := config.DefaultPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Watch.Enabled = false
	cfg.History.Path = ":memory:"
	cfg.Operations.Workers = 4
	cfg.Operations.FetchRetryBackoff = 10 * time.Millisecond
	cfg.Operations.FetchAllStagger = 0
	return cfg
}

// newTestApp returns an app whose core runs against an in-memory git fake.
// edit may adjust the config before the core starts.
func newTestApp(t *testing.T, edit func(*config.Config)) *testApp {
	t.Helper()
	configPath := useTestConfigDir(t)
	cfg := testConfig()
	if edit != nil {
		edit(&cfg)
	}
	return startTestApp(t, configPath, cfg)
}

// startTestApp saves cfg to configPath and starts the core from it. Files
// placed next to configPath beforehand (workspaces, history) are picked up.
func startTestApp(t *testing.T, configPath string, cfg config.Config) *testApp {
	t.Helper()

	provider := gitopstest.New()
	rec := &runtimeRecorder{}

	origEmit := runtimeEventsEmitFn
	origProvider := newGitProviderFn
	runtimeEventsEmitFn = rec.emit
	newGitProviderFn = func() gitops.Provider { return provider }
	t.Cleanup(func() {
		runtimeEventsEmitFn = origEmit
		newGitProviderFn = origProvider
	})

	saved, err := config.Save(configPath, cfg)
	if err != nil {
		t.Fatalf("config.Save() error = %v", err)
	}

	app := NewApp()
	app.setRuntimeContext(context.Background())
	app.configPath = configPath
	app.setConfigSnapshot(saved)
	if err := app.initCore(context.Background(), saved); err != nil {
		t.Fatalf("initCore() error = %v", err)
	}
	app.unsubscribe = append(app.unsubscribe, app.bus.Subscribe(app.forwardRuntimeEvent))

	busRec := &busRecorder{}
	app.unsubscribe = append(app.unsubscribe, app.bus.Subscribe(busRec.record))
	t.Cleanup(func() { app.shutdown(context.Background()) })

	return &testApp{App: app, provider: provider, runtime: rec, published: busRec}
}

// makeRepoDirs creates dir/<name>/.git for every name and returns the
// absolute repository paths.
func makeRepoDirs(t *testing.T, dir string, names ...string) []string {
	t.Helper()
	paths := make([]string, 0, len(names))
	for _, name := range names {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Join(p, git.MetadataDir), 0o755); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, p)
	}
	return paths
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// addAndWait runs AddPaths and waits for its scan:completed event.
func (ta *testApp) addAndWait(t *testing.T, parentID string, paths ...string) events.ScanCompleted {
	t.Helper()
	before := len(ta.published.scans())
	if _, err := ta.AddPaths(parentID, paths); err != nil {
		t.Fatalf("AddPaths() error = %v", err)
	}
	waitFor(t, "scan:completed", func() bool { return len(ta.published.scans()) > before })
	return ta.published.scans()[before]
}

// repoID returns the id of the repository node at path.
func (ta *testApp) repoID(t *testing.T, path string) string {
	t.Helper()
	n, ok := ta.tree.Lookup(path)
	if !ok {
		t.Fatalf("repository %s not in tree", path)
	}
	return n.ID
}

func sortedStrings(in []string) []string {
	out := slices.Clone(in)
	slices.Sort(out)
	return out
}
