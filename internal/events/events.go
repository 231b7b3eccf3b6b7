// Package events carries typed change notifications from the status cache
// and the operation coordinator to the UI layer.
package events

import (
	"time"

	"gitdeck/internal/status"
)

// Topic names an event stream. Topic strings double as frontend event names.
type Topic string

const (
	TopicStatusChanged      Topic = "status:changed"
	TopicOperationStarted   Topic = "operation:started"
	TopicOperationCompleted Topic = "operation:completed"
	TopicOperationRejected  Topic = "operation:rejected"
	TopicTreeChanged        Topic = "tree:changed"
	TopicScanCompleted      Topic = "scan:completed"
)

// Event is implemented by every payload published on a Bus.
type Event interface {
	Topic() Topic
}

// StatusChanged is published after the cache accepts a change.
type StatusChanged struct {
	RepoID string                  `json:"repo_id"`
	Status status.RepositoryStatus `json:"status"`
}

func (StatusChanged) Topic() Topic { return TopicStatusChanged }

// OperationStarted is published when a request leaves the queue and its
// git primitive begins. Attempt is 1-based and grows on automatic retries.
type OperationStarted struct {
	RepoID    string    `json:"repo_id"`
	RequestID string    `json:"request_id"`
	Kind      string    `json:"kind"`
	Attempt   int       `json:"attempt"`
	StartedAt time.Time `json:"started_at"`
}

func (OperationStarted) Topic() Topic { return TopicOperationStarted }

// OperationCompleted is the single terminal outcome of an accepted request.
type OperationCompleted struct {
	RepoID     string    `json:"repo_id"`
	RequestID  string    `json:"request_id"`
	Kind       string    `json:"kind"`
	OK         bool      `json:"ok"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Attempts   int       `json:"attempts"`
	FinishedAt time.Time `json:"finished_at"`
}

func (OperationCompleted) Topic() Topic { return TopicOperationCompleted }

// OperationRejected reports a request refused because another operation is
// running against the same repository.
type OperationRejected struct {
	RepoID  string `json:"repo_id"`
	Kind    string `json:"kind"`
	Running string `json:"running"`
	Reason  string `json:"reason"`
}

func (OperationRejected) Topic() Topic { return TopicOperationRejected }

// TreeChanged is published after any structural change to the workspace tree.
type TreeChanged struct {
	Reason string `json:"reason"`
	NodeID string `json:"node_id,omitempty"`
}

func (TreeChanged) Topic() Topic { return TopicTreeChanged }

// ScanError is one per-path failure of a scan.
type ScanError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// ScanCompleted summarizes a drop or add-folder scan.
type ScanCompleted struct {
	Roots    []string    `json:"roots"`
	Added    int         `json:"added"`
	Skipped  []string    `json:"skipped,omitempty"`
	Errors   []ScanError `json:"errors,omitempty"`
	Canceled bool        `json:"canceled,omitempty"`
}

func (ScanCompleted) Topic() Topic { return TopicScanCompleted }

// Envelope is the wire shape used by the event stream.
type Envelope struct {
	Topic   Topic `json:"topic"`
	Payload Event `json:"payload"`
}

// Wrap builds the wire envelope for evt.
func Wrap(evt Event) Envelope {
	return Envelope{Topic: evt.Topic(), Payload: evt}
}
