// Package workerutil runs background goroutines that survive panics.
package workerutil

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

const (
	// defaultInitialBackoff is the delay before the first restart after a
	// panic. 100ms restarts a repo watcher before the user notices a missed
	// refresh, and is long enough that a worker panicking on every start does
	// not spin a CPU. The delay doubles on each restart up to
	// defaultMaxBackoff.
	defaultInitialBackoff = 100 * time.Millisecond

	// defaultMaxBackoff caps the delay between restarts. Beyond 5s a
	// restarted watcher would miss several debounce windows in a row, so
	// waiting longer only delays recovery.
	defaultMaxBackoff = 5 * time.Second

	// defaultMaxRetries bounds the restarts before the worker is given up.
	// With the backoff above (100ms, 200ms, ... capped at 5s) ten attempts
	// span about 30 seconds, enough for a transient cause such as a
	// temporarily exhausted inotify watch limit to clear.
	defaultMaxRetries = 10
)

// RecoveryOptions tunes RunWithPanicRecovery.
//
// Zero-value semantics for the numeric fields:
//   - 0 or a negative value selects the default.
//   - MaxRetries of 1 runs the worker once; a panic then goes straight to
//     OnFatal without a restart.
//   - There is no unlimited mode; MaxRetries is always finite.
//
// All callbacks may be nil.
type RecoveryOptions struct {
	// InitialBackoff is the delay before the first restart.
	InitialBackoff time.Duration
	// MaxBackoff caps the doubling delay. A value below InitialBackoff is
	// raised to InitialBackoff with a warning.
	MaxBackoff time.Duration
	// MaxRetries is the number of recovered panics after which the worker
	// stays stopped.
	MaxRetries int

	// OnPanic runs after each recovered panic, before the backoff wait.
	// attempt is 1-based.
	OnPanic func(worker string, attempt int)
	// OnFatal runs once when MaxRetries panics have been recovered and the
	// worker is stopped for good.
	OnFatal func(worker string, maxRetries int)
	// IsShutdown reports application teardown. When it returns true the
	// loop exits instead of restarting, because a restarted worker would
	// touch the runtime context, cache or coordinator while they are being
	// closed.
	IsShutdown func() bool
}

// withDefaults returns a copy of opts with defaults filled in. The caller's
// struct is not modified. A contradictory MaxBackoff below InitialBackoff is
// corrected rather than rejected so a bad option never stops a worker.
func (opts RecoveryOptions) withDefaults() RecoveryOptions {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		slog.Warn("[WARN-WORKER] MaxBackoff below InitialBackoff, raising it",
			"initialBackoff", opts.InitialBackoff, "maxBackoff", opts.MaxBackoff)
		opts.MaxBackoff = opts.InitialBackoff
	}
	return opts
}

// RunWithPanicRecovery starts fn on a goroutine tracked by wg. If fn panics
// it is restarted with exponential backoff. The loop ends when fn returns
// normally, ctx is cancelled, IsShutdown reports true, or MaxRetries panics
// have occurred.
//
// fn must honour ctx: it is the only way to stop a healthy worker. wg lets
// shutdown wait for the worker, including any restart in progress.
func RunWithPanicRecovery(
	ctx context.Context,
	name string,
	wg *sync.WaitGroup,
	fn func(ctx context.Context),
	opts RecoveryOptions,
) {
	opts = opts.withDefaults()
	wg.Go(func() {
		runRecoveryLoop(ctx, name, fn, opts)
	})
}

func runRecoveryLoop(ctx context.Context, name string, fn func(ctx context.Context), opts RecoveryOptions) {
	delay := opts.InitialBackoff
	for attempt := 1; attempt <= opts.MaxRetries; attempt++ {
		if err := Guard(name, func() { fn(ctx) }); err == nil || ctx.Err() != nil {
			return
		}
		if opts.IsShutdown != nil && opts.IsShutdown() {
			// Callbacks may touch runtime state that is already gone.
			slog.Info("[WORKER] shutdown in progress, not restarting", "worker", name)
			return
		}

		slog.Warn("[WARN-WORKER] restarting worker after panic",
			"worker", name, "attempt", attempt, "delay", delay)
		if opts.OnPanic != nil {
			opts.OnPanic(name, attempt)
		}
		if attempt == opts.MaxRetries {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		delay = NextBackoff(delay, opts.MaxBackoff)
	}

	slog.Error("[WORKER] worker exceeded max retries, giving up",
		"worker", name, "maxRetries", opts.MaxRetries)
	if opts.OnFatal != nil {
		opts.OnFatal(name, opts.MaxRetries)
	}
}

// NextBackoff doubles current, capped at limit. A non-positive current
// restarts from the default initial backoff; an overflowing doubling yields
// limit.
func NextBackoff(current, limit time.Duration) time.Duration {
	if current <= 0 {
		return min(defaultInitialBackoff, limit)
	}
	if current >= limit {
		return limit
	}
	next := current * 2
	if next > limit || next < current {
		return limit
	}
	return next
}

// logPanic records a recovered panic with its stack.
func logPanic(name string, r any) {
	slog.Error("[WORKER] recovered from panic",
		"worker", name,
		"panic", r,
		"stack", string(debug.Stack()))
}
