// Package sessionlog mirrors slog records into an in-memory log panel and a
// per-run JSONL file.
package sessionlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"time"
)

// Entry is one captured log record.
type Entry struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"ts"`
	Level   string    `json:"level"` // "info", "warn", "error"
	Message string    `json:"msg"`
	// Source is the bracketed component tag of the message ("COORD" for
	// "[COORD] ..."), or the slog group when there is no tag.
	Source string `json:"source"`
	// Repo carries the "repo" attribute when the record has one.
	Repo string `json:"repo,omitempty"`
}

// EntryCallback receives every record at or above the tee threshold.
type EntryCallback func(Entry)

// TeeHandler forwards every record to base and additionally hands records at
// or above minLevel to a callback.
type TeeHandler struct {
	base     slog.Handler
	callback EntryCallback
	minLevel slog.Level
	group    string
	repo     string // "repo" attr bound via WithAttrs
}

// NewTeeHandler wraps base. A nil callback makes the handler a plain
// pass-through.
func NewTeeHandler(base slog.Handler, minLevel slog.Level, callback EntryCallback) *TeeHandler {
	return &TeeHandler{
		base:     base,
		callback: callback,
		minLevel: minLevel,
	}
}

// Enabled defers to base; minLevel only gates the callback.
func (h *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

// Handle forwards record to base and then tees it. The callback runs even
// when base fails, and a panicking callback never reaches the logger.
func (h *TeeHandler) Handle(ctx context.Context, record slog.Record) error {
	err := h.base.Handle(ctx, record)

	if h.callback != nil && record.Level >= h.minLevel {
		entry := h.entryFor(record)
		func() {
			defer func() {
				if r := recover(); r != nil {
					// stderr, not slog: logging here would re-enter this handler.
					fmt.Fprintf(os.Stderr, "[session-log] callback panicked: %v\n%s\n", r, debug.Stack())
				}
			}()
			h.callback(entry)
		}()
	}
	return err
}

func (h *TeeHandler) entryFor(record slog.Record) Entry {
	source, msg := splitTag(record.Message)
	if source == "" {
		source = h.group
	}
	repo := h.repo
	record.Attrs(func(a slog.Attr) bool {
		if a.Key == "repo" {
			repo = a.Value.String()
			return false
		}
		return true
	})
	return Entry{
		Time:    record.Time,
		Level:   LevelName(record.Level),
		Message: msg,
		Source:  source,
		Repo:    repo,
	}
}

// WithAttrs keeps the callback and threshold and remembers a bound "repo"
// attribute so later entries carry it.
func (h *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	next := *h
	next.base = h.base.WithAttrs(attrs)
	for _, a := range attrs {
		if a.Key == "repo" {
			next.repo = a.Value.String()
		}
	}
	return &next
}

// WithGroup appends name to the dot-separated group used as a fallback
// source.
func (h *TeeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.base = h.base.WithGroup(name)
	if h.group != "" {
		next.group = h.group + "." + name
	} else {
		next.group = name
	}
	return &next
}

// splitTag separates a leading "[TAG]" from msg. Severity prefixes such as
// "WARN-" and "DEBUG-" are dropped so "[WARN-CONFIG]" yields "CONFIG".
func splitTag(msg string) (tag, rest string) {
	if !strings.HasPrefix(msg, "[") {
		return "", msg
	}
	end := strings.IndexByte(msg, ']')
	if end <= 1 {
		return "", msg
	}
	tag = msg[1:end]
	for _, p := range []string{"WARN-", "DEBUG-", "ERROR-"} {
		tag = strings.TrimPrefix(tag, p)
	}
	return tag, strings.TrimSpace(msg[end+1:])
}

// LevelName maps a slog level onto the three panel levels.
func LevelName(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "error"
	case level >= slog.LevelWarn:
		return "warn"
	default:
		return "info"
	}
}
