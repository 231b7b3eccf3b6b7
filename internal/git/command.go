package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Git command retry settings for handling index.lock conflicts.
// Uses exponential backoff: 100ms, 200ms, 400ms, ... capped at 1600ms.
const (
	maxGitRetries        = 10
	gitRetryBaseInterval = 100 * time.Millisecond
	gitRetryMaxInterval  = 1600 * time.Millisecond
	// Maximum number of concurrent git processes across all repositories.
	// Per-repository exclusivity is enforced by the coordinator; this bound
	// only keeps a large "fetch all" from spawning hundreds of processes.
	maxConcurrentGitCommands = 8
	// Timeout for acquiring the git semaphore. Prevents indefinite blocking
	// when all slots are held by slow network operations.
	semaphoreAcquireTimeout = 60 * time.Second
)

// gitSemaphore limits the number of concurrent git command executions.
var gitSemaphore = make(chan struct{}, maxConcurrentGitCommands)

// gitBinary is a test seam.
var gitBinary = "git"

func acquireGitSemaphore(ctx context.Context) error {
	timer := time.NewTimer(semaphoreAcquireTimeout)
	defer timer.Stop()
	select {
	case gitSemaphore <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("git semaphore acquisition timed out after %v", semaphoreAcquireTimeout)
	}
}

func releaseGitSemaphore() {
	<-gitSemaphore
}

// CommandError carries the stderr of a failed git invocation.
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	name := "git"
	if len(e.Args) > 0 {
		name = "git " + e.Args[0]
	}
	return fmt.Sprintf("%s failed: %s", name, e.detail())
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func (e *CommandError) detail() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return msg
}

// isLockFileConflict checks if the error indicates a git lock file conflict.
// Matches both "index.lock" and generic "Unable to create... File exists" messages
// (e.g., shallow.lock, packed-refs.lock).
func isLockFileConflict(errMsg string) bool {
	return strings.Contains(errMsg, "index.lock") ||
		(strings.Contains(errMsg, "Unable to create") && strings.Contains(errMsg, "File exists"))
}

// commandEnv pins the locale so stderr classification is stable and disables
// interactive credential prompts, which would otherwise block a worker forever.
// Optional locks are off so status reads never rewrite the index; the
// watcher would otherwise see its own refreshes as changes.
func commandEnv() []string {
	return append(os.Environ(),
		"LC_ALL=C",
		"LANG=C",
		"GIT_TERMINAL_PROMPT=0",
		"GCM_INTERACTIVE=never",
		"GIT_OPTIONAL_LOCKS=0",
	)
}

// runGitCLI is the shared implementation for running git commands.
// Handles semaphore concurrency limiting, index.lock retry, and Windows console-window suppression.
// SECURITY: executes only the git binary with application-constructed args.
func runGitCLI(ctx context.Context, dir string, args []string) ([]byte, error) {
	if len(args) == 0 {
		return nil, errors.New("git: no command specified")
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		if err == nil {
			err = fmt.Errorf("%s is not a directory", dir)
		}
		return nil, &Error{Kind: KindRepositoryUnreadable, Op: args[0], Detail: err.Error(), Err: err}
	}

	start := time.Now()
	defer func() {
		slog.Debug("[DEBUG-GIT] git command completed",
			"dir", dir,
			"args", args,
			"duration_ms", time.Since(start).Milliseconds())
	}()

	if err := acquireGitSemaphore(ctx); err != nil {
		return nil, fmt.Errorf("git %s: %w", args[0], err)
	}
	defer releaseGitSemaphore()

	var lastErr *CommandError

	for attempt := 0; attempt < maxGitRetries; attempt++ {
		cmd := exec.CommandContext(ctx, gitBinary, args...)
		cmd.Dir = dir
		cmd.Env = commandEnv()
		hideWindow(cmd)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		err := cmd.Run()
		if err == nil {
			return stdout.Bytes(), nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("git %s: %w", args[0], ctxErr)
		}

		// Some porcelain commands (pull, merge) report conflicts on stdout.
		errText := stderr.String()
		if out := strings.TrimSpace(stdout.String()); out != "" {
			errText = strings.TrimSpace(errText + "\n" + out)
		}
		lastErr = &CommandError{Args: args, Stderr: errText, Err: err}

		if !isLockFileConflict(errText) {
			return nil, lastErr
		}

		if attempt < maxGitRetries-1 {
			backoff := gitRetryBaseInterval << uint(attempt)
			if backoff > gitRetryMaxInterval {
				backoff = gitRetryMaxInterval
			}
			slog.Debug("[DEBUG-GIT] lock file conflict, retrying",
				"attempt", attempt+1, "maxRetries", maxGitRetries,
				"backoff_ms", backoff.Milliseconds(), "args", args,
				"dir", dir)
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("git %s: %w", args[0], ctx.Err())
			case <-timer.C:
			}
		}
	}

	return nil, lastErr
}

// run executes a git command in dir and returns output trimmed of surrounding whitespace.
func run(ctx context.Context, dir string, args ...string) (string, error) {
	output, err := runGitCLI(ctx, dir, args)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}

// runRaw executes a git command and trims only trailing newlines.
func runRaw(ctx context.Context, dir string, args ...string) (string, error) {
	output, err := runGitCLI(ctx, dir, args)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(output), "\n\r"), nil
}
