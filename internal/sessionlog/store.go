package sessionlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// DefaultCapacity is the number of entries kept in memory.
	DefaultCapacity = 2000
	// DefaultMaxFiles bounds the number of session files kept on disk.
	DefaultMaxFiles = 50

	filePrefix = "session-"
	fileSuffix = ".jsonl"
)

// Counts tallies entries by level since the store was created. Counters are
// cumulative and keep growing after the ring buffer starts overwriting.
type Counts struct {
	Info  int `json:"info"`
	Warn  int `json:"warn"`
	Error int `json:"error"`
}

// Store keeps the most recent entries in a ring buffer and optionally appends
// every entry to a JSONL file. Safe for concurrent use.
//
// Store must never log through slog while holding mu: the TeeHandler feeds
// Store.Append, so a log call under the lock would deadlock.
type Store struct {
	mu      sync.Mutex
	buf     []Entry
	head    int
	count   int
	seq     uint64
	counts  Counts
	file    *os.File
	path    string
	notify  func()
	minGap  time.Duration
	lastPut time.Time
}

// NewStore creates a store holding up to capacity entries. notify, when
// non-nil, is called after appends, at most once per minGap. It carries no
// payload; listeners fetch Snapshot.
func NewStore(capacity int, minGap time.Duration, notify func()) *Store {
	if capacity < 1 {
		capacity = 1
	}
	return &Store{buf: make([]Entry, capacity), notify: notify, minGap: minGap}
}

// OpenFile starts persisting entries to a new session file in dir and trims
// old session files down to maxFiles. Failure leaves the store memory-only.
func (s *Store) OpenFile(dir string, maxFiles int) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("session log dir: %w", err)
	}
	// PID suffix avoids collisions on sub-second restarts.
	name := fmt.Sprintf("%s%s-%d%s", filePrefix, time.Now().Format("20060102-150405"), os.Getpid(), fileSuffix)
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return "", fmt.Errorf("session log file: %w", err)
	}

	s.mu.Lock()
	prev := s.file
	s.file = f
	s.path = path
	s.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}

	if err := trimFiles(dir, name, maxFiles); err != nil {
		return path, err
	}
	return path, nil
}

// Path returns the active session file, or "" when memory-only.
func (s *Store) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Append assigns the next sequence number to e and stores it.
func (s *Store) Append(e Entry) {
	var (
		writeErr error
		syncFile *os.File
		emit     bool
	)

	s.mu.Lock()
	s.seq++
	e.Seq = s.seq
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	switch e.Level {
	case "error":
		s.counts.Error++
	case "warn":
		s.counts.Warn++
	default:
		s.counts.Info++
	}

	capacity := len(s.buf)
	if s.count < capacity {
		s.buf[(s.head+s.count)%capacity] = e
		s.count++
	} else {
		s.buf[s.head] = e
		s.head = (s.head + 1) % capacity
	}

	if s.file != nil {
		raw, err := json.Marshal(e)
		if err == nil {
			_, err = s.file.Write(append(raw, '\n'))
		}
		writeErr = err
		if err == nil && e.Level == "error" {
			syncFile = s.file
		}
	}

	now := time.Now()
	if s.notify != nil && now.Sub(s.lastPut) >= s.minGap {
		s.lastPut = now
		emit = true
	}
	s.mu.Unlock()

	if syncFile != nil {
		if err := syncFile.Sync(); err != nil && !isCloseRace(err) {
			fmt.Fprintf(os.Stderr, "[session-log] failed to sync log file: %v\n", err)
		}
	}
	if writeErr != nil {
		fmt.Fprintf(os.Stderr, "[session-log] failed to write log entry: %v\n", writeErr)
	}
	if emit {
		s.notify()
	}
}

// Snapshot returns the buffered entries oldest first.
func (s *Store) Snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, s.count)
	capacity := len(s.buf)
	first := min(capacity-s.head, s.count)
	copy(out, s.buf[s.head:s.head+first])
	if rest := s.count - first; rest > 0 {
		copy(out[first:], s.buf[:rest])
	}
	return out
}

// Since returns buffered entries with Seq greater than seq.
func (s *Store) Since(seq uint64) []Entry {
	all := s.Snapshot()
	i, _ := slices.BinarySearchFunc(all, seq+1, func(e Entry, target uint64) int {
		switch {
		case e.Seq < target:
			return -1
		case e.Seq > target:
			return 1
		}
		return 0
	})
	return all[i:]
}

// Counts returns the cumulative per-level counters.
func (s *Store) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts
}

// Close flushes and closes the session file. The in-memory buffer stays
// readable.
func (s *Store) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	syncErr := f.Sync()
	closeErr := f.Close()
	if syncErr != nil && !isCloseRace(syncErr) {
		return syncErr
	}
	return closeErr
}

// trimFiles deletes the oldest session files beyond maxFiles, never the
// active one. Names start with a timestamp so lexical order is age order.
func trimFiles(dir, active string, maxFiles int) error {
	if maxFiles <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("session log cleanup: %w", err)
	}
	var names []string
	for _, e := range entries {
		n := e.Name()
		if !e.IsDir() && strings.HasPrefix(n, filePrefix) && strings.HasSuffix(n, fileSuffix) {
			names = append(names, n)
		}
	}
	slices.Sort(names)

	var errs []error
	excess := len(names) - maxFiles
	for _, n := range names {
		if excess <= 0 {
			break
		}
		if n == active {
			continue
		}
		if err := os.Remove(filepath.Join(dir, n)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		excess--
	}
	return errors.Join(errs...)
}

// isCloseRace reports errors from syncing a file that Close already
// flushed. Windows reports EINVAL for that race.
func isCloseRace(err error) bool {
	return errors.Is(err, os.ErrClosed) ||
		(runtime.GOOS == "windows" && errors.Is(err, syscall.EINVAL))
}
