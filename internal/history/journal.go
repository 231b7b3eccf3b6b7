// Package history keeps a local SQLite journal of finished git operations.
// Repository status is never stored here; it is always recomputed.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrClosed is returned by operations on a closed journal.
var ErrClosed = errors.New("history journal closed")

// Entry is one finished operation.
type Entry struct {
	ID          string    `json:"id"`
	RepoID      string    `json:"repo_id"`
	RepoPath    string    `json:"repo_path"`
	Kind        string    `json:"kind"`
	OK          bool      `json:"ok"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	Attempts    int       `json:"attempts"`
	SubmittedAt time.Time `json:"submitted_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Counts aggregates the journal.
type Counts struct {
	Total       int            `json:"total"`
	Succeeded   int            `json:"succeeded"`
	Failed      int            `json:"failed"`
	ByErrorKind map[string]int `json:"by_error_kind"`
}

const schema = `
CREATE TABLE IF NOT EXISTS operations (
	id           TEXT PRIMARY KEY,
	repo_id      TEXT NOT NULL,
	repo_path    TEXT NOT NULL,
	kind         TEXT NOT NULL,
	ok           INTEGER NOT NULL,
	error_kind   TEXT NOT NULL DEFAULT '',
	detail       TEXT NOT NULL DEFAULT '',
	attempts     INTEGER NOT NULL DEFAULT 1,
	submitted_at INTEGER NOT NULL,
	finished_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS operations_finished ON operations(finished_at);
CREATE INDEX IF NOT EXISTS operations_repo ON operations(repo_id, finished_at);
`

// maxDetailBytes bounds the stored stderr text per entry.
const maxDetailBytes = 4096

// Journal is safe for concurrent use. mu guards db against Close only;
// SQLite itself serializes the statements.
type Journal struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the journal at path. ":memory:" opens a
// private in-memory journal.
func Open(ctx context.Context, path string) (*Journal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("history path is required")
	}

	dsn := "file::memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
		dsn = "file:" + filepath.ToSlash(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	// One connection: every :memory: connection is its own database, and
	// SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate history database: %w", err)
	}
	slog.Debug("[DEBUG-HISTORY] journal opened", "path", path)
	return &Journal{db: db, path: path}, nil
}

// Path returns the path the journal was opened with.
func (j *Journal) Path() string {
	return j.path
}

// Record inserts e. Entries with an existing ID replace the old row.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if j == nil {
		return ErrClosed
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.db == nil {
		return ErrClosed
	}
	if e.ID == "" {
		return errors.New("history entry requires an id")
	}
	if e.Attempts <= 0 {
		e.Attempts = 1
	}
	detail := e.Detail
	if len(detail) > maxDetailBytes {
		detail = detail[:maxDetailBytes]
	}
	_, err := j.db.ExecContext(ctx, `
INSERT OR REPLACE INTO operations
	(id, repo_id, repo_path, kind, ok, error_kind, detail, attempts, submitted_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RepoID, e.RepoPath, e.Kind, boolToInt(e.OK), e.ErrorKind, detail, e.Attempts,
		e.SubmittedAt.UnixMilli(), e.FinishedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("record operation %s: %w", e.ID, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	return j.query(ctx, `SELECT id, repo_id, repo_path, kind, ok, error_kind, detail, attempts, submitted_at, finished_at
FROM operations ORDER BY finished_at DESC, rowid DESC LIMIT ?`, clampLimit(limit))
}

// ForRepo returns up to limit entries for one repository, newest first.
func (j *Journal) ForRepo(ctx context.Context, repoID string, limit int) ([]Entry, error) {
	return j.query(ctx, `SELECT id, repo_id, repo_path, kind, ok, error_kind, detail, attempts, submitted_at, finished_at
FROM operations WHERE repo_id = ? ORDER BY finished_at DESC, rowid DESC LIMIT ?`, repoID, clampLimit(limit))
}

// Counts returns success and failure totals plus failures per error kind.
func (j *Journal) Counts(ctx context.Context) (Counts, error) {
	c := Counts{ByErrorKind: map[string]int{}}
	if j == nil {
		return c, ErrClosed
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.db == nil {
		return c, ErrClosed
	}
	row := j.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(ok), 0) FROM operations`)
	if err := row.Scan(&c.Total, &c.Succeeded); err != nil {
		return c, fmt.Errorf("count operations: %w", err)
	}
	c.Failed = c.Total - c.Succeeded

	rows, err := j.db.QueryContext(ctx, `SELECT error_kind, COUNT(*) FROM operations WHERE ok = 0 GROUP BY error_kind`)
	if err != nil {
		return c, fmt.Errorf("count error kinds: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return c, fmt.Errorf("scan error kind count: %w", err)
		}
		c.ByErrorKind[kind] = n
	}
	return c, rows.Err()
}

// Prune keeps the newest keep entries and deletes the rest.
func (j *Journal) Prune(ctx context.Context, keep int) (int64, error) {
	if j == nil {
		return 0, ErrClosed
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.db == nil {
		return 0, ErrClosed
	}
	if keep < 0 {
		keep = 0
	}
	res, err := j.db.ExecContext(ctx, `
DELETE FROM operations WHERE rowid NOT IN (
	SELECT rowid FROM operations ORDER BY finished_at DESC, rowid DESC LIMIT ?
)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune operations: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database. Further calls return ErrClosed.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}

func (j *Journal) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	if j == nil {
		return nil, ErrClosed
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.db == nil {
		return nil, ErrClosed
	}
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		var ok int
		var submitted, finished int64
		if err := rows.Scan(&e.ID, &e.RepoID, &e.RepoPath, &e.Kind, &ok, &e.ErrorKind, &e.Detail, &e.Attempts, &submitted, &finished); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		e.OK = ok != 0
		e.SubmittedAt = time.UnixMilli(submitted)
		e.FinishedAt = time.UnixMilli(finished)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 1000
	}
	return limit
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
