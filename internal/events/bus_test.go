package events

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"gitdeck/internal/status"
	"gitdeck/internal/testutil"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus()
	var got []string
	bus.Subscribe(func(e Event) { got = append(got, "first:"+string(e.Topic())) })
	bus.Subscribe(func(e Event) { got = append(got, "second:"+string(e.Topic())) })

	bus.Publish(TreeChanged{Reason: "insert"})

	want := []string{"first:tree:changed", "second:tree:changed"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("deliveries = %v, want %v", got, want)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	calls := 0
	unsubscribe := bus.Subscribe(func(Event) { calls++ })
	bus.Publish(TreeChanged{})
	unsubscribe()
	unsubscribe()
	bus.Publish(TreeChanged{})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if bus.Len() != 0 {
		t.Errorf("Len() = %d, want 0", bus.Len())
	}
}

func TestBusIsolatesPanics(t *testing.T) {
	buf := testutil.CaptureLogBuffer(t, slog.LevelDebug)
	bus := NewBus()
	delivered := false
	bus.Subscribe(func(Event) { panic("boom") })
	bus.Subscribe(func(Event) { delivered = true })

	bus.Publish(OperationRejected{RepoID: "r"})

	if !delivered {
		t.Error("subscriber after a panicking one did not receive the event")
	}
	if !strings.Contains(buf.String(), "subscriber panicked") {
		t.Errorf("panic was not logged: %s", buf.String())
	}
}

func TestBusReentrantPublish(t *testing.T) {
	bus := NewBus()
	var mu sync.Mutex
	var topics []Topic
	bus.Subscribe(func(e Event) {
		mu.Lock()
		topics = append(topics, e.Topic())
		mu.Unlock()
		if e.Topic() == TopicOperationCompleted {
			bus.Publish(StatusChanged{RepoID: "r"})
		}
	})
	bus.Publish(OperationCompleted{RepoID: "r"})

	if len(topics) != 2 || topics[1] != TopicStatusChanged {
		t.Errorf("topics = %v", topics)
	}
}

func TestNilBusPublish(t *testing.T) {
	var bus *Bus
	bus.Publish(TreeChanged{})
}

func TestWrapJSON(t *testing.T) {
	evt := StatusChanged{RepoID: "r1", Status: status.RepositoryStatus{RepoID: "r1", State: status.StateKnown, Branch: "main", HasBranch: true}}
	data, err := json.Marshal(Wrap(evt))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var decoded struct {
		Topic   string         `json:"topic"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded.Topic != "status:changed" || decoded.Payload["repo_id"] != "r1" {
		t.Errorf("envelope = %s", data)
	}
}
