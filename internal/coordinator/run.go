package coordinator

import (
	"context"
	"log/slog"
	"time"

	"gitdeck/internal/events"
	"gitdeck/internal/git"
	"gitdeck/internal/gitops"
	"gitdeck/internal/history"
	"gitdeck/internal/status"
	"gitdeck/internal/workerutil"
)

// run drives one accepted request to its terminal outcome.
func (c *Coordinator) run(waitCtx context.Context, s *slot, req *Request, path string) {
	if err := c.pool.Acquire(waitCtx, 1); err != nil {
		c.abandon(s, req, path)
		return
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	op := gitops.Op{Kind: req.Kind, Branch: req.Branch, Force: req.Force}
	backoff := c.opts.RetryBackoff
	attempts := 0
	var out gitops.Outcome
	for {
		attempts++
		c.publish(events.OperationStarted{
			RepoID:    req.RepoID,
			RequestID: req.ID,
			Kind:      string(req.Kind),
			Attempt:   attempts,
			StartedAt: c.opts.Now(),
		})
		out = c.execute(path, op)
		if !c.shouldRetry(s, req, out, attempts) {
			break
		}

		slog.Info("[COORD] retrying after network error",
			"repo", req.RepoID, "kind", req.Kind, "attempt", attempts, "backoff", backoff,
			"detail", out.Err.Detail)
		// Other repositories may use the worker while this one backs off.
		c.pool.Release(1)
		if !c.sleep(backoff) || c.isCancelled(s) || c.pool.Acquire(c.ctx, 1) != nil {
			c.complete(s, req, path, out, attempts)
			return
		}
		backoff = workerutil.NextBackoff(backoff, defaultMaxRetryBackoff)
	}
	c.pool.Release(1)
	c.complete(s, req, path, out, attempts)
}

// execute runs one attempt. A panic becomes an Unknown outcome.
func (c *Coordinator) execute(path string, op gitops.Op) gitops.Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.OperationTimeout)
	defer cancel()

	var out gitops.Outcome
	if err := workerutil.Guard("git "+string(op.Kind), func() {
		out = c.exec.Execute(ctx, path, op)
	}); err != nil {
		return gitops.Outcome{Kind: op.Kind, Err: outcomeError(git.KindUnknown, op.Kind, err.Error())}
	}
	return out
}

func (c *Coordinator) shouldRetry(s *slot, req *Request, out gitops.Outcome, attempts int) bool {
	if out.OK() || req.Kind != gitops.OpFetch || !out.Err.Kind.Retryable() {
		return false
	}
	if attempts >= c.opts.FetchAttempts || c.closed.Load() {
		return false
	}
	return !c.isCancelled(s)
}

func (c *Coordinator) isCancelled(s *slot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// sleep waits d or until Close. Reports whether the full wait elapsed.
func (c *Coordinator) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// abandon ends a request that never got a worker. A refresh vanishes
// silently; a mutating request still gets its single terminal outcome.
func (c *Coordinator) abandon(s *slot, req *Request, path string) {
	slog.Debug("[COORD] request abandoned before start", "repo", req.RepoID, "kind", req.Kind)
	if req.Kind == gitops.OpStatus {
		c.finish(s, req)
		return
	}
	c.publish(events.OperationCompleted{
		RepoID:     req.RepoID,
		RequestID:  req.ID,
		Kind:       string(req.Kind),
		ErrorKind:  cancelledKind,
		Detail:     "cancelled before start",
		FinishedAt: c.opts.Now(),
	})
	c.journal(req, path, gitops.Outcome{Kind: req.Kind, Err: &git.Error{Kind: cancelledKind, Op: string(req.Kind), Detail: "cancelled before start"}}, 0)
	c.finish(s, req)
}

// complete applies out to the cache, journals it, publishes the terminal
// event, and releases the slot. A result for a forgotten repository is
// dropped instead of applied.
func (c *Coordinator) complete(s *slot, req *Request, path string, out gitops.Outcome, attempts int) {
	s.mu.Lock()
	forgotten := s.forgotten
	s.mu.Unlock()
	_, known := c.resolve(req.RepoID)
	apply := known && !forgotten

	if apply && c.cache != nil {
		res := status.Result{SubmittedAt: req.SubmittedAt}
		if out.OK() {
			res.Snapshot = out.Delta
		} else {
			res.Err = gitops.ErrorInfo(out.Err)
		}
		if !c.cache.Update(req.RepoID, res) {
			slog.Debug("[COORD] stale result discarded", "repo", req.RepoID, "kind", req.Kind)
		}
	}

	evt := events.OperationCompleted{
		RepoID:     req.RepoID,
		RequestID:  req.ID,
		Kind:       string(req.Kind),
		OK:         out.OK(),
		Attempts:   attempts,
		FinishedAt: c.opts.Now(),
	}
	if !out.OK() {
		evt.ErrorKind = string(out.Err.Kind)
		evt.Detail = out.Err.Detail
		slog.Warn("[COORD] operation failed",
			"repo", req.RepoID, "path", path, "kind", req.Kind,
			"errorKind", out.Err.Kind, "attempts", attempts)
	} else {
		slog.Debug("[COORD] operation finished", "repo", req.RepoID, "kind", req.Kind, "attempts", attempts)
	}
	if req.Kind.Mutating() || !out.OK() {
		c.journal(req, path, out, attempts)
	}
	c.publish(evt)
	c.finish(s, req)
}

// finish moves the slot back to idle, or straight into the queued refresh.
// Clearing the syncing flag of a removed repository is a cache no-op.
func (c *Coordinator) finish(s *slot, req *Request) {
	s.mu.Lock()
	if s.active != req {
		s.mu.Unlock()
		return
	}
	s.active = nil
	s.started = false
	s.stopWait()
	s.stopWait = nil
	c.inFlight.Add(-1)

	next := s.pending
	s.pending = nil
	if next != nil && !s.forgotten && !c.closed.Load() {
		if path, ok := c.resolve(next.RepoID); ok {
			waitCtx := c.activateLocked(s, next)
			s.mu.Unlock()
			c.start(waitCtx, s, next, path)
			return
		}
	}
	s.mu.Unlock()

	if c.cache != nil {
		c.cache.SetSyncing(req.RepoID, false)
	}
}

func (c *Coordinator) journal(req *Request, path string, out gitops.Outcome, attempts int) {
	if c.opts.Journal == nil {
		return
	}
	e := history.Entry{
		ID:          req.ID,
		RepoID:      req.RepoID,
		RepoPath:    path,
		Kind:        string(req.Kind),
		OK:          out.OK(),
		Attempts:    attempts,
		SubmittedAt: req.SubmittedAt,
		FinishedAt:  c.opts.Now(),
	}
	if out.Err != nil {
		e.ErrorKind = string(out.Err.Kind)
		e.Detail = out.Err.Detail
	}
	if err := c.opts.Journal.Record(context.Background(), e); err != nil {
		slog.Warn("[COORD] journal write failed", "repo", req.RepoID, "error", err)
	}
}
