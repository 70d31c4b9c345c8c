package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ncobase/jobwatch/concurrency"
	"github.com/ncobase/jobwatch/logging/logger"
	"github.com/ncobase/jobwatch/query"
	"github.com/ncobase/jobwatch/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubQuerier struct {
	statuses map[string]status.JobStatus
	err      error
}

func (q stubQuerier) GetStatus(ctx context.Context, id string) (status.JobStatus, error) {
	if q.err != nil {
		return status.JobStatus{}, q.err
	}
	s, ok := q.statuses[id]
	if !ok {
		return status.JobStatus{}, fmt.Errorf("job %s: %w", id, query.ErrNotFound)
	}
	return s, nil
}

func newTestHub(q Querier) *Hub {
	return NewHub(q, WithLogger(logger.Discard()))
}

func readFrame(t *testing.T, c *Client) Envelope {
	t.Helper()
	select {
	case frame, ok := <-c.send:
		require.True(t, ok, "send buffer closed")
		var env Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		return env
	case <-time.After(time.Second):
		t.Fatal("no frame queued")
		return Envelope{}
	}
}

func TestBroadcastReachesEverySession(t *testing.T) {
	hub := newTestHub(stubQuerier{})
	a := NewClient(hub, nil, ClientConfig{SendBuffer: 4})
	b := NewClient(hub, nil, ClientConfig{SendBuffer: 4})
	hub.Register(a)
	hub.Register(b)

	hub.Broadcast(EventJobStatusUpdate, status.JobStatus{ID: "1", Status: status.StateActive, Logs: []string{}})

	for _, c := range []*Client{a, b} {
		env := readFrame(t, c)
		assert.Equal(t, EventJobStatusUpdate, env.Event)
		var got status.JobStatus
		require.NoError(t, json.Unmarshal(env.Data, &got))
		assert.Equal(t, "1", got.ID)
		assert.Equal(t, status.StateActive, got.Status)
	}
}

func TestSlowSessionIsDropped(t *testing.T) {
	hub := newTestHub(stubQuerier{})
	slow := NewClient(hub, nil, ClientConfig{SendBuffer: 1})
	fast := NewClient(hub, nil, ClientConfig{SendBuffer: 8})
	hub.Register(slow)
	hub.Register(fast)

	for i := 0; i < 3; i++ {
		hub.Broadcast(EventJobStatusUpdate, status.JobStatus{ID: fmt.Sprint(i)})
	}

	assert.Equal(t, 1, hub.Clients())

	// the slow session keeps what it buffered, then sees its channel closed
	<-slow.send
	_, open := <-slow.send
	assert.False(t, open)

	for i := 0; i < 3; i++ {
		var got status.JobStatus
		require.NoError(t, json.Unmarshal(readFrame(t, fast).Data, &got))
		assert.Equal(t, fmt.Sprint(i), got.ID)
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	hub := newTestHub(stubQuerier{})
	c := NewClient(hub, nil, ClientConfig{})
	hub.Register(c)

	hub.Unregister(c)
	hub.Unregister(c)
	assert.Zero(t, hub.Clients())
	assert.False(t, hub.Send(c.ID(), EventJobStatusUpdate, status.NotFound("1")))
}

func TestQueryAnswersOnlyTheAskingSession(t *testing.T) {
	hub := newTestHub(stubQuerier{statuses: map[string]status.JobStatus{
		"7": {ID: "7", Name: "render", Status: status.StateCompleted, Logs: []string{"done"}},
	}})
	asker := NewClient(hub, nil, ClientConfig{})
	other := NewClient(hub, nil, ClientConfig{})
	hub.Register(asker)
	hub.Register(other)

	hub.Query(context.Background(), asker.ID(), "7")

	env := readFrame(t, asker)
	assert.Equal(t, EventJobStatusUpdate, env.Event)
	assert.JSONEq(t, `{"id":"7","name":"render","status":"completed","progress":0,"logs":["done"],"timestamp":0}`, string(env.Data))
	assert.Empty(t, other.send)
}

func TestQueryUnknownJob(t *testing.T) {
	hub := newTestHub(stubQuerier{})
	c := NewClient(hub, nil, ClientConfig{})
	hub.Register(c)

	hub.Query(context.Background(), c.ID(), "404")

	env := readFrame(t, c)
	assert.Equal(t, EventJobStatusUpdate, env.Event)
	assert.JSONEq(t, `{"id":"404","name":"unknown","status":"not_found","progress":0,"logs":[],"timestamp":0}`, string(env.Data))
}

func TestQueryUpstreamError(t *testing.T) {
	hub := newTestHub(stubQuerier{err: fmt.Errorf("%w: %w", query.ErrUpstream, errors.New("redis down"))})
	c := NewClient(hub, nil, ClientConfig{})
	hub.Register(c)

	hub.Query(context.Background(), c.ID(), "3")

	env := readFrame(t, c)
	assert.Equal(t, EventJobStatusError, env.Event)
	var got StatusError
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, "3", got.JobID)
	assert.Equal(t, "Failed to retrieve job status", got.Message)
	assert.Contains(t, got.Error, "redis down")
}

type blockingQuerier struct {
	entered chan struct{}
	release chan struct{}
}

func (q blockingQuerier) GetStatus(ctx context.Context, id string) (status.JobStatus, error) {
	q.entered <- struct{}{}
	<-q.release
	return status.JobStatus{ID: id, Status: status.StateActive, Logs: []string{}}, nil
}

func TestQueryRejectedWhenSlotsTaken(t *testing.T) {
	limiter, err := concurrency.NewLimiter(1)
	require.NoError(t, err)
	q := blockingQuerier{entered: make(chan struct{}), release: make(chan struct{})}
	hub := NewHub(q, WithLogger(logger.Discard()), WithLimiter(limiter))
	c := NewClient(hub, nil, ClientConfig{})
	hub.Register(c)

	done := make(chan struct{})
	go func() {
		hub.Query(context.Background(), c.ID(), "1")
		close(done)
	}()
	<-q.entered

	// returns at once instead of waiting for the slot
	hub.Query(context.Background(), c.ID(), "2")

	env := readFrame(t, c)
	assert.Equal(t, EventJobStatusError, env.Event)
	var got StatusError
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, "2", got.JobID)
	assert.Equal(t, ErrBusy.Error(), got.Error)

	close(q.release)
	<-done
	env = readFrame(t, c)
	assert.Equal(t, EventJobStatusUpdate, env.Event)
	assert.Equal(t, int32(1), limiter.Available())
}

func TestRunClosesSessionsOnShutdown(t *testing.T) {
	hub := newTestHub(stubQuerier{})
	c := NewClient(hub, nil, ClientConfig{})
	hub.Register(c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	_, open := <-c.send
	assert.False(t, open)
	assert.Zero(t, hub.Clients())
}

func TestParseJobID(t *testing.T) {
	id, ok := parseJobID(json.RawMessage(`"42"`))
	assert.True(t, ok)
	assert.Equal(t, "42", id)

	id, ok = parseJobID(json.RawMessage(`42`))
	assert.True(t, ok)
	assert.Equal(t, "42", id)

	_, ok = parseJobID(json.RawMessage(`""`))
	assert.False(t, ok)
	_, ok = parseJobID(json.RawMessage(`{"id":1}`))
	assert.False(t, ok)
	_, ok = parseJobID(nil)
	assert.False(t, ok)
}
