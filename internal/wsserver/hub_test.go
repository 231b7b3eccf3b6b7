package wsserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"gitdeck/internal/events"
)

const testListenAddr = "127.0.0.1:0"

func waitForCondition(t *testing.T, timeout time.Duration, fn func() bool) bool {
	t.Helper()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-ticker.C:
			if fn() {
				return true
			}
		case <-deadline.C:
			return false
		}
	}
}

func waitForConnection(t *testing.T, hub *Hub) {
	t.Helper()
	if !waitForCondition(t, 2*time.Second, hub.HasActiveConnection) {
		t.Fatal("timed out waiting for hub to register connection")
	}
}

func waitForSubscribed(t *testing.T, hub *Hub, topic string) {
	t.Helper()
	if !waitForCondition(t, 2*time.Second, func() bool { return hub.subscribed(topic) }) {
		t.Fatalf("timed out waiting for subscription to %q", topic)
	}
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(HubOptions{Addr: testListenAddr})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		if err := hub.Stop(); err != nil {
			t.Errorf("hub.Stop() returned error: %v", err)
		}
		cancel()
	})
	if err := hub.Start(ctx); err != nil {
		t.Fatalf("hub.Start() returned error: %v", err)
	}
	return hub
}

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(hub.URL(), nil)
	if err != nil {
		t.Fatalf("failed to dial hub: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendControl(t *testing.T, conn *websocket.Conn, action string, topics ...string) {
	t.Helper()
	data, err := json.Marshal(controlMsg{Action: action, Topics: topics})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write control message: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	msgType, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage returned error: %v", err)
	}
	if msgType != websocket.TextMessage {
		t.Fatalf("message type = %d, want text", msgType)
	}
	f, err := DecodeFrame(msg)
	if err != nil {
		t.Fatalf("DecodeFrame(%s): %v", msg, err)
	}
	return f
}

// broadcastDropped broadcasts evt and checks that the hub wrote nothing.
// Broadcast writes synchronously, so the counters settle before it returns.
// The connection is not read here: a read that hits its deadline leaves a
// gorilla/websocket connection unusable.
func broadcastDropped(t *testing.T, hub *Hub, evt events.Event) {
	t.Helper()
	before := hub.Stats()
	hub.Broadcast(evt)
	after := hub.Stats()
	if after.Sent != before.Sent || after.Dropped != before.Dropped+1 {
		t.Fatalf("Broadcast(%s) stats %+v -> %+v, want one dropped and none sent", evt.Topic(), before, after)
	}
}

func TestHubLifecycle(t *testing.T) {
	hub := NewHub(HubOptions{Addr: testListenAddr})
	if hub.URL() != "" {
		t.Error("URL() before Start should be empty")
	}
	if err := hub.Start(t.Context()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if hub.URL() == "" {
		t.Fatal("URL() empty after Start")
	}
	if err := hub.Start(t.Context()); err == nil {
		t.Error("second Start() should fail")
	}
	if err := hub.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := hub.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
}

func TestBroadcastRespectsSubscriptions(t *testing.T) {
	hub := startHub(t)
	conn := dialHub(t, hub)
	waitForConnection(t, hub)

	// Nothing is delivered before the client subscribes.
	broadcastDropped(t, hub, events.TreeChanged{Reason: "insert"})

	sendControl(t, conn, subscribeAction, string(events.TopicOperationCompleted))
	waitForSubscribed(t, hub, string(events.TopicOperationCompleted))

	broadcastDropped(t, hub, events.TreeChanged{Reason: "delete"})
	hub.Broadcast(events.OperationCompleted{RepoID: "r1", Kind: "fetch", OK: true})

	f := readFrame(t, conn)
	if f.Topic != events.TopicOperationCompleted {
		t.Fatalf("Topic = %q, want operation:completed", f.Topic)
	}
	var got events.OperationCompleted
	if err := json.Unmarshal(f.Payload, &got); err != nil {
		t.Fatal(err)
	}
	if got.RepoID != "r1" || !got.OK {
		t.Errorf("payload = %+v", got)
	}

	sendControl(t, conn, unsubscribeAction, string(events.TopicOperationCompleted))
	if !waitForCondition(t, 2*time.Second, func() bool {
		return !hub.subscribed(string(events.TopicOperationCompleted))
	}) {
		t.Fatal("unsubscribe not applied")
	}
	broadcastDropped(t, hub, events.OperationCompleted{RepoID: "r2"})

	// The connection is still readable: the next subscribed event arrives.
	sendControl(t, conn, subscribeAction, string(events.TopicTreeChanged))
	waitForSubscribed(t, hub, string(events.TopicTreeChanged))
	hub.Broadcast(events.TreeChanged{Reason: "rename"})
	if f := readFrame(t, conn); f.Topic != events.TopicTreeChanged {
		t.Fatalf("Topic = %q, want tree:changed", f.Topic)
	}

	if s := hub.Stats(); !s.Connected || s.Sent != 2 || s.Dropped != 3 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestBroadcastWildcard(t *testing.T) {
	hub := startHub(t)
	conn := dialHub(t, hub)
	waitForConnection(t, hub)
	sendControl(t, conn, subscribeAction, AllTopics)
	waitForSubscribed(t, hub, AllTopics)

	bus := events.NewBus()
	bus.Subscribe(hub.Broadcast)
	bus.Publish(events.TreeChanged{Reason: "rename", NodeID: "n"})
	bus.Publish(events.ScanCompleted{Roots: []string{"/src"}, Added: 2})

	if f := readFrame(t, conn); f.Topic != events.TopicTreeChanged {
		t.Errorf("first topic = %q", f.Topic)
	}
	if f := readFrame(t, conn); f.Topic != events.TopicScanCompleted {
		t.Errorf("second topic = %q", f.Topic)
	}
}

func TestBroadcastWithoutClient(t *testing.T) {
	hub := startHub(t)
	hub.Broadcast(events.TreeChanged{Reason: "insert"})
	hub.Broadcast(nil)
	if s := hub.Stats(); s.Connected || s.Sent != 0 || s.Dropped != 1 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestInvalidControlMessages(t *testing.T) {
	tests := []struct {
		name string
		msg  string
	}{
		{"invalid json", "{nope"},
		{"unknown action", `{"action":"replay","topics":["x"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := startHub(t)
			conn := dialHub(t, hub)
			waitForConnection(t, hub)
			if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.msg)); err != nil {
				t.Fatal(err)
			}
			if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
				t.Fatal(err)
			}
			_, data, err := conn.ReadMessage()
			if err != nil {
				t.Fatalf("ReadMessage() error = %v", err)
			}
			var resp errorMsg
			if err := json.Unmarshal(data, &resp); err != nil {
				t.Fatal(err)
			}
			if resp.Type != "error" || resp.Message == "" {
				t.Errorf("response = %+v", resp)
			}
			if !hub.HasActiveConnection() {
				t.Error("client dropped after a bad control message")
			}
		})
	}
}

func TestConnectionReplacement(t *testing.T) {
	hub := startHub(t)
	first := dialHub(t, hub)
	waitForConnection(t, hub)
	sendControl(t, first, subscribeAction, AllTopics)
	waitForSubscribed(t, hub, AllTopics)

	second := dialHub(t, hub)
	if !waitForCondition(t, 2*time.Second, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return hub.conn != nil && !hub.topics[AllTopics]
	}) {
		t.Fatal("second connection did not replace the first")
	}

	if err := first.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := first.ReadMessage(); err == nil {
		t.Error("replaced connection should be closed")
	}

	sendControl(t, second, subscribeAction, string(events.TopicStatusChanged))
	waitForSubscribed(t, hub, string(events.TopicStatusChanged))
	hub.Broadcast(events.StatusChanged{RepoID: "r"})
	if f := readFrame(t, second); f.Topic != events.TopicStatusChanged {
		t.Errorf("topic = %q", f.Topic)
	}
}

func TestClientDisconnectClearsState(t *testing.T) {
	hub := startHub(t)
	conn := dialHub(t, hub)
	waitForConnection(t, hub)
	sendControl(t, conn, subscribeAction, AllTopics)
	waitForSubscribed(t, hub, AllTopics)

	if err := conn.Close(); err != nil {
		t.Fatal(err)
	}
	if !waitForCondition(t, 2*time.Second, func() bool { return !hub.HasActiveConnection() }) {
		t.Fatal("hub kept a closed connection")
	}
	if hub.subscribed(AllTopics) {
		t.Error("subscriptions survived disconnect")
	}
}
