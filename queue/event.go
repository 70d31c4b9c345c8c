package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ncobase/jobwatch/status"
)

// EventKind names a lifecycle transition.
type EventKind string

const (
	EventWaiting   EventKind = "waiting"
	EventDelayed   EventKind = "delayed"
	EventActive    EventKind = "active"
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// Event is one lifecycle notification from the queue.
type Event struct {
	Kind         EventKind       `json:"event"`
	JobID        string          `json:"jobId"`
	Data         json.RawMessage `json:"data,omitempty"`
	ReturnValue  json.RawMessage `json:"returnvalue,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
	Prev         status.State    `json:"prev,omitempty"`
	Timestamp    int64           `json:"timestamp,omitempty"`
}

// Encode marshals the event for a transport.
func (e Event) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return b, nil
}

// DecodeEvent parses an event produced by Encode.
func DecodeEvent(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if e.Kind == "" || e.JobID == "" {
		return Event{}, fmt.Errorf("decode event: missing event kind or job id")
	}
	return e, nil
}

// EventSource delivers lifecycle events in queue order. The channel is
// closed when ctx is done or the source shuts down.
type EventSource interface {
	Subscribe(ctx context.Context) (<-chan Event, error)
}

// EventPublisher emits lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, e Event) error
}
