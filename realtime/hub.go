// Package realtime pushes job statuses to connected websocket sessions.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ncobase/jobwatch/concurrency"
	"github.com/ncobase/jobwatch/logging/logger"
	"github.com/ncobase/jobwatch/logging/observes"
	"github.com/ncobase/jobwatch/query"
	"github.com/ncobase/jobwatch/status"
	"go.opentelemetry.io/otel/attribute"
)

// Event names on the wire.
const (
	EventJobQueued       = "jobQueued"
	EventJobStatusUpdate = "jobStatusUpdate"
	EventJobStatusError  = "jobStatusError"
	EventGetJobStatus    = "getJobStatus"
)

// Envelope is the frame exchanged in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// StatusError is the payload of jobStatusError.
type StatusError struct {
	JobID   string `json:"jobId"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Querier computes the combined status of a job.
type Querier interface {
	GetStatus(ctx context.Context, id string) (status.JobStatus, error)
}

// Hub keeps the set of live sessions.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Client

	querier      Querier
	limiter      *concurrency.Limiter
	queryTimeout time.Duration
	log          *logger.Logger
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) HubOption {
	return func(h *Hub) { h.log = l }
}

// WithLimiter bounds the number of status queries served at once.
func WithLimiter(l *concurrency.Limiter) HubOption {
	return func(h *Hub) { h.limiter = l }
}

// WithQueryTimeout bounds each status query.
func WithQueryTimeout(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.queryTimeout = d
		}
	}
}

// NewHub creates a Hub answering status queries through q.
func NewHub(q Querier, opts ...HubOption) *Hub {
	h := &Hub{
		sessions:     make(map[string]*Client),
		querier:      q,
		queryTimeout: 5 * time.Second,
		log:          logger.StdLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds c to the broadcast set.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.sessions[c.id] = c
	n := len(h.sessions)
	h.mu.Unlock()
	h.log.Info(context.Background(), "Client connected", "session_id", c.id, "clients", n)
}

// Unregister removes c and closes its send buffer. Safe to call repeatedly.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.sessions[c.id]
	if ok {
		delete(h.sessions, c.id)
		c.closeSend()
	}
	h.mu.Unlock()
	if ok {
		h.log.Info(context.Background(), "Client disconnected", "session_id", c.id)
	}
}

// Clients returns the number of live sessions.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Broadcast sends s to every session. A session whose buffer is full loses
// the message and is disconnected.
func (h *Hub) Broadcast(event string, s status.JobStatus) {
	frame, err := encode(event, s)
	if err != nil {
		h.log.Error(context.Background(), "Failed to marshal broadcast", "event", event, "job_id", s.ID, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for _, c := range h.sessions {
		if !c.offer(frame) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn(context.Background(), "Client send buffer full, disconnecting", "session_id", c.id)
		h.Unregister(c)
	}
}

// Send delivers one frame to a single session. It reports false when the
// session is gone or was dropped for being slow.
func (h *Hub) Send(sessionID, event string, payload any) bool {
	frame, err := encode(event, payload)
	if err != nil {
		h.log.Error(context.Background(), "Failed to marshal message", "event", event, "error", err)
		return false
	}

	h.mu.RLock()
	c, ok := h.sessions[sessionID]
	delivered := ok && c.offer(frame)
	h.mu.RUnlock()

	if ok && !delivered {
		h.log.Warn(context.Background(), "Client send buffer full, disconnecting", "session_id", sessionID)
		h.Unregister(c)
	}
	return delivered
}

// ErrBusy is reported to a session when every query slot is taken.
var ErrBusy = errors.New("too many status queries in flight")

// Query answers a getJobStatus request for one session. It never waits for a
// query slot, so a flooding session cannot pile up blocked goroutines.
func (h *Hub) Query(ctx context.Context, sessionID, jobID string) {
	ctx, span := observes.StartSpan(ctx, observes.LayerRealtime, "realtime.Query",
		attribute.String("session.id", sessionID), attribute.String("job.id", jobID))

	if h.limiter != nil {
		if !h.limiter.TryAcquire() {
			h.log.Warn(ctx, "Status query rejected", "session_id", sessionID, "job_id", jobID)
			h.sendError(sessionID, jobID, ErrBusy)
			span.End(ErrBusy)
			return
		}
		defer h.limiter.Release()
	}

	ctx, cancel := context.WithTimeout(ctx, h.queryTimeout)
	defer cancel()

	s, err := h.querier.GetStatus(ctx, jobID)
	switch {
	case errors.Is(err, query.ErrNotFound):
		h.Send(sessionID, EventJobStatusUpdate, status.NotFound(jobID))
	case err != nil:
		h.log.Error(ctx, "Failed to retrieve job status", "session_id", sessionID, "job_id", jobID, "error", err)
		h.sendError(sessionID, jobID, err)
	default:
		h.Send(sessionID, EventJobStatusUpdate, s)
	}
	span.End(err)
}

func (h *Hub) sendError(sessionID, jobID string, err error) {
	h.Send(sessionID, EventJobStatusError, StatusError{
		JobID:   jobID,
		Message: "Failed to retrieve job status",
		Error:   err.Error(),
	})
}

// Run logs hub stats periodically and disconnects every session once ctx is
// done.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			stats := map[string]any{"clients": h.Clients()}
			if h.limiter != nil {
				stats["queries_in_flight"] = h.limiter.GetMetrics()["current"]
			}
			h.log.Debug(ctx, "Hub stats", "stats", stats)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for id, c := range h.sessions {
		delete(h.sessions, id)
		c.closeSend()
	}
	h.mu.Unlock()
}

func encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}
