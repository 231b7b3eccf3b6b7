package status

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var base = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func at(sec int) time.Time {
	return base.Add(time.Duration(sec) * time.Second)
}

func okResult(sec int, branch string, ahead int) Result {
	return Result{SubmittedAt: at(sec), Snapshot: &Snapshot{Branch: branch, Ahead: ahead}}
}

func TestGetUnknown(t *testing.T) {
	c := NewCache(nil)
	st := c.Get("missing")
	if st.State != StateUnknown || st.RepoID != "missing" {
		t.Errorf("Get() = %+v, want unknown", st)
	}
	if c.Len() != 0 {
		t.Errorf("Get() must not create entries, Len() = %d", c.Len())
	}
}

func TestUpdateAntiStaleness(t *testing.T) {
	tests := []struct {
		name       string
		results    []Result
		want       Snapshot
		wantSynced time.Time
	}{
		{"in order", []Result{okResult(1, "old", 1), okResult(2, "new", 2)}, Snapshot{Branch: "new", Ahead: 2}, at(2)},
		{"stale completes last", []Result{okResult(2, "new", 2), okResult(1, "old", 1)}, Snapshot{Branch: "new", Ahead: 2}, at(2)},
		{"same submission", []Result{okResult(1, "a", 1), okResult(1, "b", 3)}, Snapshot{Branch: "b", Ahead: 3}, at(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCache(nil)
			for _, r := range tt.results {
				c.Update("r", r)
			}
			st := c.Get("r")
			if st.Branch != tt.want.Branch || st.Ahead != tt.want.Ahead {
				t.Errorf("Get() = branch %q ahead %d, want %q %d", st.Branch, st.Ahead, tt.want.Branch, tt.want.Ahead)
			}
			if !st.SyncedAt.Equal(tt.wantSynced) {
				t.Errorf("SyncedAt = %v, want %v", st.SyncedAt, tt.wantSynced)
			}
		})
	}
}

func TestUpdateRejectsStaleResult(t *testing.T) {
	c := NewCache(nil)
	if !c.Update("r", okResult(5, "main", 0)) {
		t.Fatal("first Update() should apply")
	}
	if c.Update("r", okResult(4, "old", 0)) {
		t.Error("stale Update() should be discarded")
	}
	if c.Update("r", Result{SubmittedAt: at(3), Err: &ErrorInfo{Kind: "NetworkError"}}) {
		t.Error("stale failure should be discarded")
	}
	if st := c.Get("r"); st.LastError != nil || st.Branch != "main" {
		t.Errorf("Get() = %+v", st)
	}
}

// Concurrent updates in random completion order always end with the newest
// submission.
func TestUpdateConcurrentNewestWins(t *testing.T) {
	const n = 64
	for round := range 20 {
		c := NewCache(nil)
		order := rand.Perm(n)
		var wg sync.WaitGroup
		for _, i := range order {
			wg.Go(func() {
				c.Update("r", okResult(i, fmt.Sprintf("b%d", i), i))
			})
		}
		wg.Wait()
		if st := c.Get("r"); st.Ahead != n-1 || st.Branch != fmt.Sprintf("b%d", n-1) {
			t.Fatalf("round %d: Get() = %+v, want data from submission %d", round, st, n-1)
		}
	}
}

func TestFailureKeepsBranchData(t *testing.T) {
	c := NewCache(nil)
	c.Update("r", Result{SubmittedAt: at(1), Snapshot: &Snapshot{Branch: "main", Ahead: 1, Branches: []string{"main", "dev"}}})
	c.Update("r", Result{SubmittedAt: at(2), Err: &ErrorInfo{Kind: "NetworkError", Detail: "offline"}})

	st := c.Get("r")
	if st.State != StateUnknown {
		t.Errorf("State = %s, want unknown", st.State)
	}
	if st.Branch != "main" || st.Ahead != 1 || len(st.Branches) != 2 {
		t.Errorf("failure discarded branch data: %+v", st)
	}
	if st.LastError == nil || st.LastError.Kind != "NetworkError" {
		t.Fatalf("LastError = %+v", st.LastError)
	}

	c.Update("r", Result{SubmittedAt: at(3), Snapshot: &Snapshot{Branch: "main"}})
	st = c.Get("r")
	if st.LastError != nil || st.State != StateKnown {
		t.Errorf("success should clear LastError: %+v", st)
	}
	if len(st.Branches) != 2 {
		t.Errorf("read without branch list dropped Branches: %v", st.Branches)
	}
}

func TestDetachedHasNoBranch(t *testing.T) {
	c := NewCache(nil)
	c.Update("r", Result{SubmittedAt: at(1), Snapshot: &Snapshot{Detached: true}})
	if st := c.Get("r"); st.HasBranch || st.Branch != "" {
		t.Errorf("detached status = %+v", st)
	}
}

func TestNotifications(t *testing.T) {
	var mu sync.Mutex
	var got []RepositoryStatus
	c := NewCache(func(st RepositoryStatus) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, st)
	})
	c.Track("r")
	c.SetSyncing("r", true)
	c.SetSyncing("r", true) // no change
	c.Update("r", okResult(1, "main", 0))
	c.Update("r", okResult(0, "stale", 0))
	c.Invalidate("r")
	c.Invalidate("r") // already unknown
	c.SetSyncing("untracked", true)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("got %d notifications, want 3: %+v", len(got), got)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Version <= got[i-1].Version {
			t.Errorf("Version not increasing: %d then %d", got[i-1].Version, got[i].Version)
		}
	}
	if got[2].State != StateUnknown || got[2].Branch != "main" {
		t.Errorf("invalidate notification = %+v", got[2])
	}
}

func TestNotifyOutsideLocks(t *testing.T) {
	var c *Cache
	var calls atomic.Int32
	c = NewCache(func(st RepositoryStatus) {
		calls.Add(1)
		_ = c.Get(st.RepoID)
		_ = c.Len()
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Update("r", okResult(1, "main", 0))
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Update() deadlocked when subscriber read the cache")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestRemovePrunePending(t *testing.T) {
	c := NewCache(nil)
	c.Track("a", "b", "c")
	if got := c.Pending(); got != 3 {
		t.Errorf("Pending() = %d, want 3", got)
	}
	c.Update("a", okResult(1, "main", 0))
	c.Update("b", Result{SubmittedAt: at(1), Err: &ErrorInfo{Kind: "AuthError"}})
	if got := c.Pending(); got != 1 {
		t.Errorf("Pending() = %d, want 1", got)
	}
	c.SetSyncing("a", true)
	if got := c.Pending(); got != 2 {
		t.Errorf("Pending() with syncing = %d, want 2", got)
	}

	removed := c.Prune(func(id string) bool { return id != "b" })
	if removed != 1 || c.Len() != 2 {
		t.Errorf("Prune() = %d, Len() = %d", removed, c.Len())
	}
	c.Remove("a")
	if st := c.Get("a"); st.State != StateUnknown || st.Branch != "" {
		t.Errorf("Get() after Remove = %+v", st)
	}
	if ids := c.IDs(); len(ids) != 1 || ids[0] != "c" {
		t.Errorf("IDs() = %v, want [c]", ids)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	c := NewCache(nil)
	c.Update("r", Result{SubmittedAt: at(1), Snapshot: &Snapshot{Branch: "main", Branches: []string{"main"}}})
	st := c.Get("r")
	st.Branches[0] = "mutated"
	if c.Get("r").Branches[0] != "main" {
		t.Error("Get() leaked internal slice")
	}
}
