// Package coordinator serializes git operations per repository. At most one
// request is active per repository; different repositories run in parallel,
// bounded only by a shared worker pool.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"gitdeck/internal/events"
	"gitdeck/internal/git"
	"gitdeck/internal/gitops"
	"gitdeck/internal/history"
	"gitdeck/internal/status"
)

var (
	ErrOperationInProgress = errors.New("operation already in progress")
	ErrUnknownRepository   = errors.New("unknown repository")
	ErrInvalidOperation    = errors.New("invalid operation")
	ErrClosed              = errors.New("coordinator closed")
)

// cancelledKind marks requests that were accepted but never started because
// the coordinator closed or the repository was forgotten.
const cancelledKind = "Cancelled"

const (
	defaultWorkers          = 8
	defaultFetchAttempts    = 3
	defaultRetryBackoff     = time.Second
	defaultMaxRetryBackoff  = 30 * time.Second
	defaultOperationTimeout = 10 * time.Minute
)

// Executor runs one operation. *gitops.Executor implements it.
type Executor interface {
	Execute(ctx context.Context, path string, op gitops.Op) gitops.Outcome
}

// Journal records finished operations. *history.Journal implements it.
type Journal interface {
	Record(ctx context.Context, e history.Entry) error
}

// PathResolver maps a repository id to its current path. ok is false once
// the repository has left the tree.
type PathResolver func(repoID string) (path string, ok bool)

// Options tunes a Coordinator. Zero values select defaults.
type Options struct {
	// Workers bounds concurrently executing operations across all repositories.
	Workers int
	// FetchAttempts is the total number of tries for a fetch that fails with
	// a network error. 1 disables retry.
	FetchAttempts int
	// RetryBackoff is the wait before the first retry; it doubles per retry.
	RetryBackoff time.Duration
	// OperationTimeout bounds a single git primitive. Running operations are
	// otherwise never interrupted.
	OperationTimeout time.Duration
	// Journal, if set, receives every mutating outcome and failed refresh.
	Journal Journal
	// Now is a test seam.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = defaultWorkers
	}
	if o.FetchAttempts <= 0 {
		o.FetchAttempts = defaultFetchAttempts
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = defaultRetryBackoff
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = defaultOperationTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Request is one submitted operation.
type Request struct {
	ID          string        `json:"id"`
	RepoID      string        `json:"repo_id"`
	Kind        gitops.OpKind `json:"kind"`
	Branch      string        `json:"branch,omitempty"`
	Force       bool          `json:"force,omitempty"`
	SubmittedAt time.Time     `json:"submitted_at"`
}

// Ticket acknowledges an accepted or coalesced request.
type Ticket struct {
	RequestID string        `json:"request_id"`
	RepoID    string        `json:"repo_id"`
	Kind      gitops.OpKind `json:"kind"`
	// Queued is set when a refresh will run after the active operation.
	Queued bool `json:"queued,omitempty"`
	// Coalesced is set when a refresh was folded into one already running
	// or queued; no separate completion will be published for it.
	Coalesced bool `json:"coalesced,omitempty"`
}

// slot is the per-repository coordination state.
// Lock ordering: Coordinator.mu before slot.mu. Never reverse.
type slot struct {
	mu        sync.Mutex
	active    *Request
	started   bool               // active has a pool permit
	stopWait  context.CancelFunc // aborts active's wait for a permit
	pending   *Request           // refresh to run after active
	cancelled bool               // suppresses auto-retry of active
	forgotten bool
}

// Coordinator owns the slots and the worker pool.
type Coordinator struct {
	exec    Executor
	cache   *status.Cache
	bus     *events.Bus
	resolve PathResolver
	opts    Options
	pool    *semaphore.Weighted

	mu    sync.Mutex
	slots map[string]*slot

	ctx    context.Context // cancelled by Close; aborts permit waits and retry backoff
	cancel context.CancelFunc
	// gate orders Submit against Close so no worker is added to wg after
	// Close starts waiting.
	gate     sync.RWMutex
	closed   atomic.Bool
	inFlight atomic.Int64
	wg       sync.WaitGroup
}

// New creates a Coordinator. cache receives every outcome; bus may be nil.
func New(exec Executor, cache *status.Cache, bus *events.Bus, resolve PathResolver, opts Options) *Coordinator {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		exec:    exec,
		cache:   cache,
		bus:     bus,
		resolve: resolve,
		opts:    opts,
		pool:    semaphore.NewWeighted(int64(opts.Workers)),
		slots:   make(map[string]*slot),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Submit accepts req or applies the per-repository policy:
//   - slot idle: req becomes active and starts when a pool permit is free.
//   - mutating req while anything is active: ErrOperationInProgress.
//   - refresh while a refresh is active: coalesced into it.
//   - refresh while a mutating op is active: queued to run once it finishes;
//     further refreshes coalesce into the queued one.
func (c *Coordinator) Submit(req Request) (Ticket, error) {
	c.gate.RLock()
	defer c.gate.RUnlock()
	if c.closed.Load() {
		return Ticket{}, ErrClosed
	}
	if !req.Kind.Valid() {
		return Ticket{}, fmt.Errorf("%w: %q", ErrInvalidOperation, req.Kind)
	}
	path, ok := c.resolve(req.RepoID)
	if !ok {
		return Ticket{}, fmt.Errorf("%w: %s", ErrUnknownRepository, req.RepoID)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = c.opts.Now()
	}
	ticket := Ticket{RequestID: req.ID, RepoID: req.RepoID, Kind: req.Kind}

	s := c.slotFor(req.RepoID)
	s.mu.Lock()
	if s.forgotten {
		s.mu.Unlock()
		return Ticket{}, fmt.Errorf("%w: %s", ErrUnknownRepository, req.RepoID)
	}
	if s.active == nil {
		r := req
		waitCtx := c.activateLocked(s, &r)
		s.mu.Unlock()
		c.start(waitCtx, s, &r, path)
		return ticket, nil
	}

	running := *s.active
	if req.Kind.Mutating() {
		s.mu.Unlock()
		slog.Info("[COORD] rejected, operation in progress",
			"repo", req.RepoID, "kind", req.Kind, "running", running.Kind)
		c.publish(events.OperationRejected{
			RepoID:  req.RepoID,
			Kind:    string(req.Kind),
			Running: string(running.Kind),
			Reason:  ErrOperationInProgress.Error(),
		})
		return Ticket{}, fmt.Errorf("%w: %s is running on %s", ErrOperationInProgress, running.Kind, req.RepoID)
	}

	defer s.mu.Unlock()
	switch {
	case running.Kind == gitops.OpStatus:
		ticket.RequestID = running.ID
		ticket.Coalesced = true
	case s.pending != nil:
		ticket.RequestID = s.pending.ID
		ticket.Coalesced = true
	default:
		r := req
		s.pending = &r
		ticket.Queued = true
	}
	slog.Debug("[COORD] refresh deferred",
		"repo", req.RepoID, "coalesced", ticket.Coalesced, "queued", ticket.Queued)
	return ticket, nil
}

// SubmitAll submits kind for every id, one every stagger. With a positive
// stagger it returns immediately and submits in the background. Rejections
// are reported through OperationRejected events and logged.
func (c *Coordinator) SubmitAll(kind gitops.OpKind, ids []string, stagger time.Duration) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidOperation, kind)
	}
	submitOne := func(id string) {
		if _, err := c.Submit(Request{RepoID: id, Kind: kind}); err != nil && !errors.Is(err, ErrOperationInProgress) {
			slog.Warn("[COORD] batch submit failed", "repo", id, "kind", kind, "error", err)
		}
	}
	if stagger <= 0 {
		for _, id := range ids {
			submitOne(id)
		}
		return nil
	}

	ids = append([]string(nil), ids...)
	c.gate.RLock()
	defer c.gate.RUnlock()
	if c.closed.Load() {
		return ErrClosed
	}
	c.wg.Go(func() {
		for i, id := range ids {
			if i > 0 {
				timer := time.NewTimer(stagger)
				select {
				case <-c.ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			submitOne(id)
		}
	})
	return nil
}

// RefreshAll submits a status refresh for every id without staggering.
func (c *Coordinator) RefreshAll(ids []string) error {
	return c.SubmitAll(gitops.OpStatus, ids, 0)
}

// Cancel discards a queued refresh and a refresh still waiting for a worker.
// A running operation is never interrupted; cancelling it only prevents
// further automatic retries. Reports whether anything was affected.
func (c *Coordinator) Cancel(repoID string) bool {
	c.mu.Lock()
	s, ok := c.slots[repoID]
	c.mu.Unlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	affected := false
	if s.pending != nil {
		s.pending = nil
		affected = true
	}
	if s.active != nil {
		s.cancelled = true
		affected = true
		if !s.started && s.active.Kind == gitops.OpStatus && s.stopWait != nil {
			s.stopWait()
		}
	}
	return affected
}

// Forget drops repoID's slot after the repository left the tree. A queued
// refresh is discarded; a running operation finishes but its result is not
// applied to the cache.
func (c *Coordinator) Forget(repoIDs ...string) {
	for _, id := range repoIDs {
		c.mu.Lock()
		s, ok := c.slots[id]
		delete(c.slots, id)
		c.mu.Unlock()
		if !ok {
			continue
		}
		s.mu.Lock()
		s.forgotten = true
		s.cancelled = true
		s.pending = nil
		if s.active != nil && !s.started && s.stopWait != nil {
			s.stopWait()
		}
		s.mu.Unlock()
	}
}

// Running reports whether repoID has an active request.
func (c *Coordinator) Running(repoID string) bool {
	_, ok := c.Active(repoID)
	return ok
}

// Active returns the active request for repoID.
func (c *Coordinator) Active(repoID string) (Request, bool) {
	c.mu.Lock()
	s, ok := c.slots[repoID]
	c.mu.Unlock()
	if !ok {
		return Request{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return Request{}, false
	}
	return *s.active, true
}

// InFlight returns the number of active requests across all repositories,
// including those waiting for a worker.
func (c *Coordinator) InFlight() int {
	return int(c.inFlight.Load())
}

// Wait blocks until every accepted request has reached its outcome.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Close rejects new submissions, aborts requests still waiting for a worker,
// and waits for running operations to finish.
func (c *Coordinator) Close() {
	c.gate.Lock()
	first := c.closed.CompareAndSwap(false, true)
	c.gate.Unlock()
	if first {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Coordinator) slotFor(repoID string) *slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[repoID]
	if !ok {
		s = &slot{}
		c.slots[repoID] = s
	}
	return s
}

// activateLocked makes req the active request of s and returns the context
// its permit wait runs under. Caller holds s.mu.
func (c *Coordinator) activateLocked(s *slot, req *Request) context.Context {
	waitCtx, stopWait := context.WithCancel(c.ctx)
	s.active = req
	s.started = false
	s.cancelled = false
	s.stopWait = stopWait
	c.inFlight.Add(1)
	return waitCtx
}

// start launches the worker for an activated request. The goroutine is
// registered with wg before start returns.
func (c *Coordinator) start(waitCtx context.Context, s *slot, req *Request, path string) {
	if c.cache != nil {
		c.cache.SetSyncing(req.RepoID, true)
	}
	c.wg.Go(func() {
		c.run(waitCtx, s, req, path)
	})
}

func (c *Coordinator) publish(evt events.Event) {
	c.bus.Publish(evt)
}

// Stats is a point-in-time view used for progress display.
type Stats struct {
	InFlight int `json:"in_flight"`
	Slots    int `json:"slots"`
}

// Stats returns current counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	n := len(c.slots)
	c.mu.Unlock()
	return Stats{InFlight: c.InFlight(), Slots: n}
}

// outcomeError builds a synthetic git error for failures that never reached git.
func outcomeError(kind git.ErrorKind, op gitops.OpKind, detail string) *git.Error {
	return &git.Error{Kind: kind, Op: string(op), Detail: detail}
}
