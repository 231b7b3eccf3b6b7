package wsserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gitdeck/internal/events"
)

// writeDeadline is the longest a single frame write may take. Writes go to
// a WebView on the same machine and finish in microseconds; a WebView that
// stays frozen for 5 seconds is treated as gone and must reconnect.
const writeDeadline = 5 * time.Second

// readDeadline is how long the server waits for any inbound traffic,
// including pongs, before dropping the client. 90 seconds is three missed
// pings (readDeadline = 3 * pingInterval).
const readDeadline = 90 * time.Second

// pingInterval is the keepalive period. Together with readDeadline it
// detects a dead client within about 90 seconds without waking an idle
// WebView more than twice a minute.
const pingInterval = 30 * time.Second

// maxReadMessageSize caps inbound messages. Clients only send
// subscribe/unsubscribe control messages, normally well under 1 KiB; the
// cap keeps a malformed client from making the hub buffer large frames.
const maxReadMessageSize = 32 * 1024

// wsUpgrader is shared by every upgrade; websocket.Upgrader holds no
// per-connection state.
var wsUpgrader = websocket.Upgrader{
	// Every origin is accepted. The listener is bound to 127.0.0.1 and the
	// WebView origin differs per platform (wails://, http://wails.localhost).
	CheckOrigin:    func(r *http.Request) bool { return true },
	ReadBufferSize: 1024,
	// 16 KiB holds a status:changed frame with a long branch list, so a
	// typical event goes out in one buffer.
	WriteBufferSize: 16 * 1024,
}

// HubOptions configures the server.
type HubOptions struct {
	// Addr is the listen address. "127.0.0.1:0" lets the OS pick a free port;
	// binding to 127.0.0.1 keeps the stream local to the machine.
	Addr string
}

// Hub streams gitdeck events (status changes, operation outcomes, tree and
// scan notifications) to the app's WebView as JSON text frames.
//
// Single-connection model: the desktop app has exactly one WebView client.
// A new connection replaces the previous one, so a page reload reconnects
// without waiting for the old socket to time out. Subscriptions belong to
// the connection and are cleared when it is replaced or dropped.
//
// Lock ordering (never acquire in reverse):
//
//	writeMu -> mu
//
// mu protects conn, topics and dropped. writeMu serializes WriteMessage,
// which gorilla/websocket does not allow concurrently, and guards sent.
// Broadcast reads conn under mu, releases it, then writes under writeMu.
//
// Write failure policy: any failed write (Broadcast, sendError, pingLoop)
// disconnects the client through clearIfCurrent and closeConn. Events
// published while no client is connected are counted as dropped and are
// not replayed.
type Hub struct {
	opts HubOptions

	// mu protects conn, topics and dropped. See lock ordering on Hub.
	mu     sync.RWMutex
	conn   *websocket.Conn
	topics map[string]bool // subscribed topics of conn; AllTopics matches every topic

	// writeMu serializes writes on conn. Never acquire it while holding mu.
	writeMu sync.Mutex

	listener net.Listener
	server   *http.Server
	url      string // "ws://127.0.0.1:<port>/ws", set by Start

	sent    int64 // frames written, guarded by writeMu
	dropped int64 // events with no subscribed client, guarded by mu

	// closeOnce makes Stop idempotent. A stopped hub cannot be restarted.
	closeOnce sync.Once
}

// NewHub creates a hub. Nothing listens until Start.
func NewHub(opts HubOptions) *Hub {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	return &Hub{
		opts:   opts,
		topics: make(map[string]bool),
	}
}

// Start listens and serves /ws in the background. ctx becomes the base
// context of request handlers; the server stops only through Stop.
// Start must be called once, before any concurrent use.
func (h *Hub) Start(ctx context.Context) error {
	if h.server != nil {
		return errors.New("wsserver: already started")
	}

	ln, err := net.Listen("tcp", h.opts.Addr)
	if err != nil {
		return fmt.Errorf("wsserver: listen: %w", err)
	}
	h.listener = ln
	h.url = fmt.Sprintf("ws://127.0.0.1:%d/ws", ln.Addr().(*net.TCPAddr).Port)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)
	h.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if serveErr := h.server.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			slog.Error("[WS] server error", "error", serveErr)
		}
	}()

	slog.Info("[WS] event stream started", "url", h.url)
	return nil
}

// Stop closes the client and shuts the server down. Idempotent; a stopped
// hub cannot be restarted.
func (h *Hub) Stop() error {
	var stopErr error
	h.closeOnce.Do(func() {
		h.mu.Lock()
		conn := h.conn
		h.conn = nil
		h.topics = make(map[string]bool)
		h.mu.Unlock()
		if conn != nil {
			h.closeConn(conn, "hub stopping")
		}

		if h.server != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.server.Shutdown(shutdownCtx); err != nil {
				stopErr = fmt.Errorf("wsserver: shutdown: %w", err)
			}
		}
		slog.Info("[WS] event stream stopped")
	})
	return stopErr
}

// URL returns the stream URL, or "" before Start.
func (h *Hub) URL() string {
	return h.url
}

// HasActiveConnection reports whether a client is connected.
func (h *Hub) HasActiveConnection() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conn != nil
}

// Stats reports frame counters for the debug panel.
type Stats struct {
	Connected bool  `json:"connected"`
	Sent      int64 `json:"sent"`
	Dropped   int64 `json:"dropped"`
}

func (h *Hub) Stats() Stats {
	h.writeMu.Lock()
	sent := h.sent
	h.writeMu.Unlock()
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{Connected: h.conn != nil, Sent: sent, Dropped: h.dropped}
}

// Broadcast sends evt to the client if it subscribed to evt's topic. It
// matches the events.Bus subscriber signature so the hub can be attached
// directly: bus.Subscribe(hub.Broadcast).
func (h *Hub) Broadcast(evt events.Event) {
	if evt == nil {
		return
	}
	topic := string(evt.Topic())

	h.mu.Lock()
	conn := h.conn
	wanted := h.topics[topic] || h.topics[AllTopics]
	if conn == nil || !wanted {
		h.dropped++
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	frame, err := EncodeEvent(evt)
	if err != nil {
		slog.Warn("[WS] failed to encode event", "topic", topic, "error", err)
		return
	}
	// The connection may be replaced between the read above and the write.
	// A write to the stale one fails and clearIfCurrent ignores it.
	if err := h.write(conn, websocket.TextMessage, frame); err != nil {
		slog.Warn("[WS] write failed, dropping client", "topic", topic, "error", err)
	}
}

// write sends one frame under writeMu with a deadline. On failure the
// connection is dropped.
func (h *Hub) write(conn *websocket.Conn, msgType int, data []byte) error {
	h.writeMu.Lock()
	err := conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err == nil {
		err = conn.WriteMessage(msgType, data)
	}
	if err == nil {
		h.sent++
		if clearErr := conn.SetWriteDeadline(time.Time{}); clearErr != nil {
			slog.Debug("[WS] clearing write deadline failed", "error", clearErr)
		}
	}
	h.writeMu.Unlock()

	if err != nil {
		h.clearIfCurrent(conn)
		h.closeConn(conn, "write failure")
	}
	return err
}

// clearIfCurrent forgets conn unless a newer connection replaced it.
// Caller must not hold h.mu.
func (h *Hub) clearIfCurrent(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn != conn {
		return false
	}
	h.conn = nil
	h.topics = make(map[string]bool)
	return true
}

// closeConn closes conn. Double close is harmless and only logged.
func (h *Hub) closeConn(conn *websocket.Conn, reason string) {
	if err := conn.Close(); err != nil {
		slog.Debug("[WS] connection close", "reason", reason, "error", err)
	}
}

// handleWS upgrades the request, installs the connection as the current
// client, and runs its read loop until the client goes away. The read loop
// only handles control messages; events are written by Broadcast.
//
// The read deadline is extended by every pong, so a client that stops
// answering pings is dropped after readDeadline.
func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[WS] upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxReadMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
		h.closeConn(conn, "initial read deadline")
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	h.mu.Lock()
	old := h.conn
	h.conn = conn
	h.topics = make(map[string]bool)
	h.mu.Unlock()
	if old != nil {
		h.closeConn(old, "replaced by new connection")
	}
	slog.Info("[WS] client connected", "remoteAddr", conn.RemoteAddr())

	pingDone := make(chan struct{})
	go h.pingLoop(conn, pingDone)

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("[WS] read loop panic recovered", "panic", rec, "stack", string(debug.Stack()))
		}
		close(pingDone)
		h.clearIfCurrent(conn)
		h.closeConn(conn, "read loop exit")
		slog.Info("[WS] client disconnected")
	}()

	for {
		msgType, msg, readErr := conn.ReadMessage()
		if readErr != nil {
			if websocket.IsUnexpectedCloseError(readErr, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("[WS] read error", "error", readErr)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var ctl controlMsg
		if jsonErr := json.Unmarshal(msg, &ctl); jsonErr != nil {
			h.sendError(conn, "invalid JSON: "+jsonErr.Error())
			continue
		}
		if problem := h.applyControl(conn, ctl); problem != "" {
			h.sendError(conn, problem)
		}
	}
}

// pingLoop sends keepalive pings until done is closed or a ping fails. A
// failed ping has already dropped the client through write.
func (h *Hub) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("[WS] ping loop panic recovered", "panic", rec, "stack", string(debug.Stack()))
			h.clearIfCurrent(conn)
			h.closeConn(conn, "ping loop panic")
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := h.write(conn, websocket.PingMessage, nil); err != nil {
				slog.Debug("[WS] ping failed", "error", err)
				return
			}
		}
	}
}

// applyControl updates the subscription set. It returns a message for the
// client when the request was unusable.
func (h *Hub) applyControl(conn *websocket.Conn, msg controlMsg) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn != conn {
		return ""
	}
	switch msg.Action {
	case subscribeAction:
		for _, topic := range msg.Topics {
			if topic != "" {
				h.topics[topic] = true
			}
		}
	case unsubscribeAction:
		for _, topic := range msg.Topics {
			delete(h.topics, topic)
		}
	default:
		return fmt.Sprintf("unknown action %q", msg.Action)
	}
	slog.Debug("[WS] subscriptions updated", "action", msg.Action, "topics", msg.Topics)
	return ""
}

func (h *Hub) subscribed(topic string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.topics[topic]
}

func (h *Hub) sendError(conn *websocket.Conn, message string) {
	payload, err := json.Marshal(errorMsg{Type: "error", Message: message})
	if err != nil {
		return
	}
	if err := h.write(conn, websocket.TextMessage, payload); err != nil {
		slog.Debug("[WS] failed to send error to client", "error", err)
	}
}
