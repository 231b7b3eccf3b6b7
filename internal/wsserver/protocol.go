// Package wsserver streams gitdeck events to the frontend over a localhost
// WebSocket.
//
// # Frame protocol
//
// Server to client: one text frame per event, the JSON form of
// events.Envelope:
//
//	{"topic":"status:changed","payload":{...}}
//
// Client to server: subscription control messages:
//
//	{"action":"subscribe","topics":["status:changed","operation:completed"]}
//	{"action":"unsubscribe","topics":["status:changed"]}
//
// The topic "*" matches every topic. A new connection receives nothing until
// it subscribes.
package wsserver

import (
	"encoding/json"
	"errors"
	"fmt"

	"gitdeck/internal/events"
)

// AllTopics subscribes to every topic.
const AllTopics = "*"

const (
	subscribeAction   = "subscribe"
	unsubscribeAction = "unsubscribe"
)

// controlMsg is a client subscription request.
type controlMsg struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// errorMsg is sent to the client when it sends something unusable.
type errorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Frame is the decoded form of a server frame.
type Frame struct {
	Topic   events.Topic    `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeEvent renders evt as a text frame.
func EncodeEvent(evt events.Event) ([]byte, error) {
	if evt == nil {
		return nil, errors.New("wsserver: encode event: nil event")
	}
	frame, err := json.Marshal(events.Wrap(evt))
	if err != nil {
		return nil, fmt.Errorf("wsserver: encode event %s: %w", evt.Topic(), err)
	}
	return frame, nil
}

// DecodeFrame parses a frame produced by EncodeEvent. The payload is left
// raw for the caller to unmarshal into the type matching Topic.
func DecodeFrame(frame []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(frame, &f); err != nil {
		return Frame{}, fmt.Errorf("wsserver: decode frame: %w", err)
	}
	if f.Topic == "" {
		return Frame{}, errors.New("wsserver: decode frame: missing topic")
	}
	return f, nil
}
