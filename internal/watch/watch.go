// Package watch triggers status refreshes when a repository's git metadata
// changes on disk, for example after a commit or branch switch made outside
// gitdeck.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"gitdeck/internal/workerutil"
)

const (
	DefaultDebounce    = 500 * time.Millisecond
	defaultMetadataDir = ".git"
	// refDepth bounds how deep ref directories are watched; branch names
	// with several slashes are rare beyond this.
	refDepth = 4
)

var ErrClosed = errors.New("watcher closed")

// RefreshFunc is called once per debounced burst of changes.
type RefreshFunc func(repoID string)

type Options struct {
	Debounce    time.Duration
	MetadataDir string
}

// Watcher maps fsnotify events on repository metadata to debounced refresh
// calls. Repositories are tracked by id so moves in the workspace tree do
// not disturb watching.
type Watcher struct {
	fsw      *fsnotify.Watcher
	refresh  RefreshFunc
	debounce time.Duration
	metaDir  string

	mu     sync.Mutex
	repos  map[string]*watchedRepo // repo id -> watched repo
	dirs   map[string]string       // watched directory -> repo id
	timers map[string]*time.Timer
	closed bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type watchedRepo struct {
	path   string
	gitDir string
	dirs   []string
}

// New creates a watcher. Call Start to begin delivering refreshes.
func New(refresh RefreshFunc, opts Options) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.MetadataDir == "" {
		opts.MetadataDir = defaultMetadataDir
	}
	return &Watcher{
		fsw:      fsw,
		refresh:  refresh,
		debounce: opts.Debounce,
		metaDir:  opts.MetadataDir,
		repos:    make(map[string]*watchedRepo),
		dirs:     make(map[string]string),
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Start runs the event loop until ctx is cancelled or Close is called.
func (w *Watcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		cancel()
		return
	}
	w.cancel = cancel
	w.mu.Unlock()

	workerutil.RunWithPanicRecovery(ctx, "repo-watcher", &w.wg, w.loop, workerutil.RecoveryOptions{
		IsShutdown: w.isClosed,
	})
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(evt)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("[WATCH] fsnotify error", "error", err)
		}
	}
}

// Add starts watching repoPath's metadata for repoID. Adding an id again
// with a different path moves the watch.
func (w *Watcher) Add(repoID, repoPath string) error {
	gitDir, err := resolveGitDir(repoPath, w.metaDir)
	if err != nil {
		return err
	}
	dirs := watchDirs(gitDir)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if existing, ok := w.repos[repoID]; ok {
		if existing.gitDir == gitDir {
			return nil
		}
		w.removeLocked(repoID)
	}

	repo := &watchedRepo{path: repoPath, gitDir: gitDir}
	for _, d := range dirs {
		if owner, taken := w.dirs[d]; taken && owner != repoID {
			// Two tree entries cannot share a path, but linked worktrees
			// can share refs directories. The first owner keeps them.
			continue
		}
		if err := w.fsw.Add(d); err != nil {
			slog.Debug("[WATCH] add failed", "dir", d, "error", err)
			continue
		}
		w.dirs[d] = repoID
		repo.dirs = append(repo.dirs, d)
	}
	if len(repo.dirs) == 0 {
		return fmt.Errorf("watch %s: no metadata directories could be watched", repoPath)
	}
	w.repos[repoID] = repo
	slog.Debug("[WATCH] watching repository", "repo", repoID, "gitDir", gitDir, "dirs", len(repo.dirs))
	return nil
}

// Remove stops watching repoID and drops any pending refresh for it.
func (w *Watcher) Remove(repoIDs ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, id := range repoIDs {
		w.removeLocked(id)
	}
}

func (w *Watcher) removeLocked(repoID string) {
	repo, ok := w.repos[repoID]
	if !ok {
		return
	}
	for _, d := range repo.dirs {
		if w.dirs[d] == repoID {
			delete(w.dirs, d)
			// The directory may already be gone; fsnotify drops it itself.
			_ = w.fsw.Remove(d)
		}
	}
	delete(w.repos, repoID)
	if t, ok := w.timers[repoID]; ok {
		t.Stop()
		delete(w.timers, repoID)
	}
}

// Sync makes the watched set equal to repos (id -> path). Failures to add
// are logged and skipped.
func (w *Watcher) Sync(repos map[string]string) {
	w.mu.Lock()
	var stale []string
	for id, r := range w.repos {
		if p, ok := repos[id]; !ok || p != r.path {
			stale = append(stale, id)
		}
	}
	w.mu.Unlock()
	w.Remove(stale...)

	for id, path := range repos {
		if w.Watching(id) {
			continue
		}
		if err := w.Add(id, path); err != nil && !errors.Is(err, ErrClosed) {
			slog.Debug("[WATCH] skipping repository", "repo", id, "path", path, "error", err)
		}
	}
}

// Watching reports whether repoID is watched.
func (w *Watcher) Watching(repoID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.repos[repoID]
	return ok
}

// Len returns the number of watched repositories.
func (w *Watcher) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.repos)
}

// Close stops the loop and all pending refreshes. Safe to call more than once.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for id, t := range w.timers {
		t.Stop()
		delete(w.timers, id)
	}
	cancel := w.cancel
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
	return w.fsw.Close()
}

func (w *Watcher) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *Watcher) handle(evt fsnotify.Event) {
	if evt.Op == fsnotify.Chmod || !relevant(evt.Name) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	dir := filepath.Dir(evt.Name)
	repoID, ok := w.dirs[dir]
	if !ok {
		return
	}

	// New ref namespaces such as refs/heads/feature need their own watch.
	if evt.Has(fsnotify.Create) && isRefDir(w.repos[repoID].gitDir, evt.Name) {
		if info, err := os.Stat(evt.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(evt.Name); err == nil {
				w.dirs[evt.Name] = repoID
				w.repos[repoID].dirs = append(w.repos[repoID].dirs, evt.Name)
			}
		}
	}
	w.scheduleLocked(repoID)
}

// scheduleLocked restarts repoID's debounce timer.
func (w *Watcher) scheduleLocked(repoID string) {
	if t, ok := w.timers[repoID]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[repoID] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		_, tracked := w.repos[repoID]
		delete(w.timers, repoID)
		closed := w.closed
		w.mu.Unlock()
		if closed || !tracked {
			return
		}
		slog.Debug("[WATCH] metadata changed, refreshing", "repo", repoID)
		if err := workerutil.Guard("watch-refresh", func() { w.refresh(repoID) }); err != nil {
			slog.Error("[WATCH] refresh callback failed", "repo", repoID, "error", err)
		}
	})
}

// relevant filters out lock files and object writes, which accompany every
// change already signalled through HEAD, index, or refs.
func relevant(name string) bool {
	base := filepath.Base(name)
	switch {
	case strings.HasSuffix(base, ".lock"):
		return false
	case base == "objects" || base == "logs" || base == "hooks":
		return false
	case strings.HasPrefix(base, "tmp_") || strings.HasPrefix(base, "tmp-"):
		return false
	}
	return true
}

func isRefDir(gitDir, path string) bool {
	rel, err := filepath.Rel(filepath.Join(gitDir, "refs"), path)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}

// resolveGitDir returns the metadata directory of repoPath. A metadata file
// ("gitdir: <path>") is followed as git does for worktrees and submodules.
func resolveGitDir(repoPath, metaDir string) (string, error) {
	meta := filepath.Join(repoPath, metaDir)
	info, err := os.Stat(meta)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", meta, err)
	}
	if info.IsDir() {
		return meta, nil
	}
	data, err := os.ReadFile(meta)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", meta, err)
	}
	target, ok := strings.CutPrefix(strings.TrimSpace(string(data)), "gitdir:")
	if !ok {
		return "", fmt.Errorf("%s: not a gitdir file", meta)
	}
	target = strings.TrimSpace(target)
	if !filepath.IsAbs(target) {
		target = filepath.Join(repoPath, target)
	}
	return filepath.Clean(target), nil
}

// watchDirs lists the metadata directories whose entries signal a status
// change: the git dir itself (HEAD, index) and the ref hierarchy.
func watchDirs(gitDir string) []string {
	dirs := []string{gitDir}
	refs := filepath.Join(gitDir, "refs")
	_ = filepath.WalkDir(refs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if rel, _ := filepath.Rel(refs, p); strings.Count(rel, string(filepath.Separator)) >= refDepth {
			return filepath.SkipDir
		}
		if p == filepath.Join(refs, "tags") {
			return filepath.SkipDir
		}
		dirs = append(dirs, p)
		return nil
	})
	return dirs
}
