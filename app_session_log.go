package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gitdeck/internal/sessionlog"
)

const (
	sessionLogDir             = "session-logs"
	sessionLogEmitMinInterval = 50 * time.Millisecond
	eventSessionLogUpdated    = "app:session-log-updated"
)

// newAppLogger returns the process logger: text records to w, with Info and
// above mirrored into store for the log panel.
func newAppLogger(w io.Writer, level slog.Level, store *sessionlog.Store) *slog.Logger {
	base := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(sessionlog.NewTeeHandler(base, slog.LevelInfo, store.Append))
}

// openSessionLogFile starts the per-run JSONL file next to the config.
// Non-fatal: the panel keeps working from memory.
func (a *App) openSessionLogFile() {
	dir := filepath.Join(configDir(a.configPath), sessionLogDir)
	path, err := a.sessionLog.OpenFile(dir, sessionlog.DefaultMaxFiles)
	if err != nil {
		slog.Warn("[session-log] file logging unavailable", "dir", dir, "error", err)
		return
	}
	slog.Info("[session-log] initialized", "path", path)
}

func (a *App) closeSessionLog() {
	if err := a.sessionLog.Close(); err != nil {
		// stderr, not slog: the tee would write back into the store.
		_, _ = os.Stderr.WriteString("[session-log] failed to close log file: " + err.Error() + "\n")
	}
}

// notifySessionLogUpdated pings the frontend, which then fetches the
// entries. The ping carries no payload, so throttling never loses entries.
func (a *App) notifySessionLogUpdated() {
	a.emitRuntimeEvent(eventSessionLogUpdated, nil)
}

// GetSessionLog returns the buffered log entries, oldest first.
func (a *App) GetSessionLog() []sessionlog.Entry {
	return a.sessionLog.Snapshot()
}

// GetSessionLogSince returns entries newer than seq.
func (a *App) GetSessionLogSince(seq uint64) []sessionlog.Entry {
	return a.sessionLog.Since(seq)
}

// GetSessionLogCounts returns the info, warn, and error counters.
func (a *App) GetSessionLogCounts() sessionlog.Counts {
	return a.sessionLog.Counts()
}

// GetSessionLogFilePath returns the active JSONL file, or "".
func (a *App) GetSessionLogFilePath() string {
	return a.sessionLog.Path()
}
