// Package status caches the last known git status of every repository.
package status

import (
	"slices"
	"sync"
	"time"
)

// State says whether the cached data reflects a successful read.
type State string

const (
	StateUnknown State = "unknown"
	StateKnown   State = "known"
)

// ErrorInfo is the last failure recorded for a repository.
type ErrorInfo struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// RepositoryStatus is the frontend-safe view of one repository.
type RepositoryStatus struct {
	RepoID     string     `json:"repo_id"`
	State      State      `json:"state"`
	Branch     string     `json:"branch,omitempty"`
	HasBranch  bool       `json:"has_branch"`
	Upstream   string     `json:"upstream,omitempty"`
	Ahead      int        `json:"ahead"`
	Behind     int        `json:"behind"`
	Dirty      bool       `json:"dirty"`
	Conflicted bool       `json:"conflicted"`
	Branches   []string   `json:"branches,omitempty"`
	SyncedAt   time.Time  `json:"synced_at"`
	LastError  *ErrorInfo `json:"last_error,omitempty"`
	Syncing    bool       `json:"syncing"`
	// Version increases on every accepted change so subscribers can drop
	// notifications that arrive out of order.
	Version uint64 `json:"version"`
}

// Snapshot is the status read produced by a successful operation.
type Snapshot struct {
	Branch     string   `json:"branch,omitempty"`
	Detached   bool     `json:"detached"`
	Upstream   string   `json:"upstream,omitempty"`
	Ahead      int      `json:"ahead"`
	Behind     int      `json:"behind"`
	Dirty      bool     `json:"dirty"`
	Conflicted bool     `json:"conflicted"`
	Branches   []string `json:"branches,omitempty"`
}

// Result is one completed read or operation to fold into the cache.
// SubmittedAt is the submission time of the request that produced it.
type Result struct {
	SubmittedAt time.Time
	Snapshot    *Snapshot
	Err         *ErrorInfo
}

// entry holds one repository's status.
// Lock ordering: Cache.mu before entry.mu. Never reverse.
type entry struct {
	mu     sync.Mutex
	status RepositoryStatus
}

// Cache is a keyed store of RepositoryStatus. The map is guarded by a
// RWMutex used only for lookups and membership changes; each entry has its
// own mutex so updates for different repositories never contend.
type Cache struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	onChange func(RepositoryStatus)
}

// NewCache creates a cache. onChange, if non-nil, is called after every
// accepted change, outside all cache locks.
func NewCache(onChange func(RepositoryStatus)) *Cache {
	return &Cache{
		entries:  make(map[string]*entry),
		onChange: onChange,
	}
}

// Get returns the cached status, or an unknown status if id is not tracked.
func (c *Cache) Get(id string) RepositoryStatus {
	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok {
		return RepositoryStatus{RepoID: id, State: StateUnknown}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneStatus(e.status)
}

// Track creates unknown entries for ids that are not tracked yet.
func (c *Cache) Track(ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if _, ok := c.entries[id]; !ok {
			c.entries[id] = &entry{status: RepositoryStatus{RepoID: id, State: StateUnknown}}
		}
	}
}

// Update folds res into id's status. Results submitted before the currently
// cached SyncedAt are discarded so the newest submission wins regardless of
// completion order. Reports whether res was applied.
//
// A failure records LastError and marks the state unknown but keeps the last
// known branch data. A success clears LastError.
func (c *Cache) Update(id string, res Result) bool {
	e := c.entryFor(id)

	e.mu.Lock()
	st := &e.status
	if res.SubmittedAt.Before(st.SyncedAt) {
		e.mu.Unlock()
		return false
	}
	st.SyncedAt = res.SubmittedAt
	switch {
	case res.Err != nil:
		errInfo := *res.Err
		st.LastError = &errInfo
		st.State = StateUnknown
	case res.Snapshot != nil:
		applySnapshot(st, res.Snapshot)
		st.LastError = nil
		st.State = StateKnown
	default:
		st.LastError = nil
	}
	st.Version++
	out := cloneStatus(*st)
	e.mu.Unlock()

	c.notify(out)
	return true
}

// Invalidate marks id unknown without discarding its last known data.
func (c *Cache) Invalidate(id string) {
	c.mutate(id, func(st *RepositoryStatus) bool {
		if st.State == StateUnknown {
			return false
		}
		st.State = StateUnknown
		return true
	})
}

// SetSyncing flags whether an operation is running against id.
func (c *Cache) SetSyncing(id string, syncing bool) {
	c.mutate(id, func(st *RepositoryStatus) bool {
		if st.Syncing == syncing {
			return false
		}
		st.Syncing = syncing
		return true
	})
}

// Remove drops id. A later Get returns an unknown status.
func (c *Cache) Remove(ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.entries, id)
	}
}

// Prune removes every entry for which keep returns false and returns how
// many were removed. keep is called without holding any cache lock.
func (c *Cache) Prune(keep func(id string) bool) int {
	var stale []string
	for _, id := range c.IDs() {
		if !keep(id) {
			stale = append(stale, id)
		}
	}
	c.Remove(stale...)
	return len(stale)
}

// IDs returns the tracked ids in sorted order.
func (c *Cache) IDs() []string {
	c.mu.RLock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Len returns the number of tracked repositories.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Pending counts tracked repositories that have never been read successfully
// or are currently syncing.
func (c *Cache) Pending() int {
	c.mu.RLock()
	entries := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	n := 0
	for _, e := range entries {
		e.mu.Lock()
		if e.status.Syncing || (e.status.State == StateUnknown && e.status.LastError == nil) {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

func (c *Cache) entryFor(id string) *entry {
	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok = c.entries[id]; ok {
		return e
	}
	e = &entry{status: RepositoryStatus{RepoID: id, State: StateUnknown}}
	c.entries[id] = e
	return e
}

// mutate applies fn to a tracked entry and notifies when fn reports a change.
// Untracked ids are ignored.
func (c *Cache) mutate(id string, fn func(*RepositoryStatus) bool) {
	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	if !fn(&e.status) {
		e.mu.Unlock()
		return
	}
	e.status.Version++
	out := cloneStatus(e.status)
	e.mu.Unlock()
	c.notify(out)
}

func (c *Cache) notify(st RepositoryStatus) {
	if c.onChange != nil {
		c.onChange(st)
	}
}

func applySnapshot(st *RepositoryStatus, snap *Snapshot) {
	st.Branch = snap.Branch
	st.HasBranch = snap.Branch != "" && !snap.Detached
	st.Upstream = snap.Upstream
	st.Ahead = snap.Ahead
	st.Behind = snap.Behind
	st.Dirty = snap.Dirty
	st.Conflicted = snap.Conflicted
	// A read without a branch list keeps the previous one.
	if snap.Branches != nil {
		st.Branches = slices.Clone(snap.Branches)
	}
}

func cloneStatus(st RepositoryStatus) RepositoryStatus {
	st.Branches = slices.Clone(st.Branches)
	if st.LastError != nil {
		errInfo := *st.LastError
		st.LastError = &errInfo
	}
	return st
}
