// Package scanner classifies dropped directories into repository and folder
// fragments ready for insertion into a workspace tree. It never touches the
// tree itself.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"gitdeck/internal/workspace"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrPathVanished     = errors.New("path vanished")
	ErrNotDirectory     = errors.New("not a directory")
)

const (
	DefaultMaxDepth    = 6
	DefaultMetadataDir = ".git"
	defaultConcurrency = 4
)

// DefaultSkipNames are build and dependency directories that never hold
// repositories worth listing.
var DefaultSkipNames = []string{"node_modules", "target", "build", "vendor"}

// Options controls a scan.
type Options struct {
	// MaxDepth limits descent below each root. The root is depth 0.
	MaxDepth int
	// SkipHidden skips directories whose name starts with a dot.
	SkipHidden bool
	// SkipNames lists directory names that are never entered.
	SkipNames []string
	// MetadataDir marks a repository when present as a directory or file.
	MetadataDir string
	// Concurrency bounds roots walked in parallel.
	Concurrency int
}

// DefaultOptions returns the options used when config leaves scan settings unset.
func DefaultOptions() Options {
	return Options{
		MaxDepth:    DefaultMaxDepth,
		SkipHidden:  true,
		SkipNames:   slices.Clone(DefaultSkipNames),
		MetadataDir: DefaultMetadataDir,
		Concurrency: defaultConcurrency,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.MetadataDir == "" {
		o.MetadataDir = DefaultMetadataDir
	}
	if o.Concurrency <= 0 {
		o.Concurrency = defaultConcurrency
	}
	return o
}

// ScanError reports a path that could not be read. The scan continues with
// its siblings.
type ScanError struct {
	Path string
	Err  error
}

func (e ScanError) Error() string {
	return e.Path + ": " + e.Err.Error()
}

func (e ScanError) Unwrap() error {
	return e.Err
}

// Result holds one fragment per root that contained at least one repository,
// in root order, plus every per-path error.
type Result struct {
	Fragments []workspace.Fragment
	Errors    []ScanError
}

// RepositoryCount returns the number of repositories across all fragments.
func (r Result) RepositoryCount() int {
	n := 0
	for _, f := range r.Fragments {
		n += f.RepositoryCount()
	}
	return n
}

// Scan walks paths and classifies them. A directory holding the metadata
// directory is a repository and is not descended into; any other directory
// is a folder whose subdirectories are walked up to MaxDepth. Folders with no
// repository anywhere below are dropped. If ctx is cancelled the partial
// result is discarded and ctx.Err() is returned.
func Scan(ctx context.Context, paths []string, opts Options) (Result, error) {
	opts = opts.withDefaults()
	roots := normalizeRoots(paths)

	type rootResult struct {
		frag   workspace.Fragment
		ok     bool
		errors []ScanError
	}
	results := make([]rootResult, len(roots))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i, root := range roots {
		g.Go(func() error {
			w := &walker{ctx: gctx, opts: opts, visited: make(map[string]struct{})}
			frag, ok := w.walkRoot(root)
			results[i] = rootResult{frag: frag, ok: ok, errors: w.errors}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		slog.Debug("[SCAN] cancelled, discarding partial result", "roots", len(roots))
		return Result{}, err
	}

	var res Result
	for _, r := range results {
		if r.ok {
			res.Fragments = append(res.Fragments, r.frag)
		}
		res.Errors = append(res.Errors, r.errors...)
	}
	slog.Debug("[SCAN] completed", "roots", len(roots),
		"repositories", res.RepositoryCount(), "errors", len(res.Errors))
	return res, nil
}

// normalizeRoots cleans and absolutizes paths and drops duplicates and roots
// nested inside another root, keeping input order.
func normalizeRoots(paths []string) []string {
	cleaned := make([]string, 0, len(paths))
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		cleaned = append(cleaned, filepath.Clean(p))
	}

	out := make([]string, 0, len(cleaned))
	for i, p := range cleaned {
		nested := false
		for j, other := range cleaned {
			if i == j {
				continue
			}
			if (samePath(p, other) && j < i) || within(p, other) {
				nested = true
				break
			}
		}
		if nested {
			slog.Debug("[SCAN] skipping root covered by another root", "path", p)
			continue
		}
		out = append(out, p)
	}
	return out
}

func samePath(a, b string) bool {
	if runtime.GOOS == "windows" {
		return strings.EqualFold(a, b)
	}
	return a == b
}

// within reports whether p lies strictly below dir.
func within(p, dir string) bool {
	rel, err := filepath.Rel(dir, p)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// walker scans a single root. Each root has its own visited set so
// concurrent roots never share state.
type walker struct {
	ctx     context.Context
	opts    Options
	visited map[string]struct{}
	errors  []ScanError
}

func (w *walker) walkRoot(root string) (workspace.Fragment, bool) {
	info, err := os.Stat(root)
	if err != nil {
		w.fail(root, err)
		return workspace.Fragment{}, false
	}
	if !info.IsDir() {
		w.fail(root, syscall.ENOTDIR)
		return workspace.Fragment{}, false
	}
	if !w.markVisited(root) {
		return workspace.Fragment{}, false
	}
	return w.walk(root, 0)
}

func (w *walker) walk(path string, depth int) (workspace.Fragment, bool) {
	if w.ctx.Err() != nil {
		return workspace.Fragment{}, false
	}
	if w.isRepository(path) {
		return workspace.Fragment{Kind: workspace.KindRepository, Name: displayName(path), Path: path}, true
	}
	if depth >= w.opts.MaxDepth {
		return workspace.Fragment{}, false
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		w.fail(path, err)
		return workspace.Fragment{}, false
	}

	var children []workspace.Fragment
	for _, entry := range entries {
		if w.ctx.Err() != nil {
			return workspace.Fragment{}, false
		}
		name := entry.Name()
		if w.skip(name) {
			continue
		}
		child := filepath.Join(path, name)
		if !w.isDir(child, entry) {
			continue
		}
		if !w.markVisited(child) {
			continue
		}
		if frag, ok := w.walk(child, depth+1); ok {
			children = append(children, frag)
		}
	}
	if len(children) == 0 {
		return workspace.Fragment{}, false
	}
	return workspace.Fragment{Kind: workspace.KindFolder, Name: displayName(path), Path: path, Children: children}, true
}

// isRepository reports whether path holds the metadata entry. A file counts
// too: linked worktrees and submodules use a ".git" file.
func (w *walker) isRepository(path string) bool {
	_, err := os.Lstat(filepath.Join(path, w.opts.MetadataDir))
	return err == nil
}

func (w *walker) skip(name string) bool {
	if name == w.opts.MetadataDir {
		return true
	}
	if w.opts.SkipHidden && strings.HasPrefix(name, ".") {
		return true
	}
	for _, s := range w.opts.SkipNames {
		if strings.EqualFold(name, s) {
			return true
		}
	}
	return false
}

// isDir resolves symlinks so linked directories are walked too.
func (w *walker) isDir(path string, entry fs.DirEntry) bool {
	if entry.IsDir() {
		return true
	}
	if entry.Type()&fs.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		// Dangling links are common and not worth reporting.
		slog.Debug("[SCAN] skipping unresolvable symlink", "path", path, "error", err)
		return false
	}
	return info.IsDir()
}

// markVisited records path's canonical form. It returns false when the
// directory was already seen in this walk, which breaks symlink cycles.
func (w *walker) markVisited(path string) bool {
	canonical, err := filepath.EvalSymlinks(path)
	if err != nil {
		w.fail(path, err)
		return false
	}
	key := canonical
	if runtime.GOOS == "windows" {
		key = strings.ToLower(key)
	}
	if _, seen := w.visited[key]; seen {
		slog.Debug("[SCAN] skipping already visited directory", "path", path, "canonical", canonical)
		return false
	}
	w.visited[key] = struct{}{}
	return true
}

func (w *walker) fail(path string, err error) {
	se := ScanError{Path: path, Err: classify(err)}
	slog.Warn("[SCAN] path skipped", "path", path, "error", err)
	w.errors = append(w.errors, se)
}

// classify maps filesystem errors onto the scan error sentinels, keeping the
// underlying error in the chain.
func classify(err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %w", ErrPathVanished, err)
	case errors.Is(err, syscall.ENOTDIR):
		return fmt.Errorf("%w: %w", ErrNotDirectory, err)
	default:
		return err
	}
}

func displayName(path string) string {
	name := filepath.Base(path)
	if name == string(filepath.Separator) || name == "." || name == "" {
		return path
	}
	// Drive roots such as "C:\" have an empty base on Windows.
	if vol := filepath.VolumeName(path); vol != "" && strings.TrimPrefix(path, vol) == string(filepath.Separator) {
		return path
	}
	return name
}
