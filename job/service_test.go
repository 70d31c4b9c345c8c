package job

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ncobase/jobwatch/logging/logger"
	"github.com/ncobase/jobwatch/queue"
	"github.com/ncobase/jobwatch/queue/memory"
	"github.com/ncobase/jobwatch/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type broadcast struct {
	event  string
	status status.JobStatus
}

type recordingHub struct {
	mu   sync.Mutex
	sent []broadcast
}

func (h *recordingHub) Broadcast(event string, s status.JobStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, broadcast{event, s})
}

type failingQueue struct{}

func (failingQueue) Add(ctx context.Context, name string, data json.RawMessage) (*queue.Job, error) {
	return nil, errors.New("redis down")
}
func (failingQueue) Get(ctx context.Context, id string) (*queue.Job, error) { return nil, nil }
func (failingQueue) Close() error                                         { return nil }

// interleavingStore applies a worker report on the job right before the
// first Seed takes the entry lock.
type interleavingStore struct {
	*status.MemoryStore
	once   sync.Once
	report status.Update
}

func (s *interleavingStore) Seed(id string, st status.JobStatus) status.JobStatus {
	s.once.Do(func() { s.MemoryStore.Merge(id, s.report) })
	return s.MemoryStore.Seed(id, st)
}

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestSubmitSeedsCacheAndBroadcasts(t *testing.T) {
	q := memory.New(queue.DefaultOptions())
	defer q.Close()
	store := status.NewMemoryStore()
	hub := &recordingHub{}
	svc := NewService(q, store, hub, WithLogger(logger.Discard()), WithClock(func() time.Time { return now }))

	job, err := svc.Submit(context.Background(), "render", json.RawMessage(`{"file":"a.glb"}`))
	require.NoError(t, err)

	got, ok := store.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, "render", got.Name)
	assert.Equal(t, status.StateWaiting, got.Status)
	assert.Equal(t, status.Percent(0), got.Progress)
	assert.Equal(t, []string{"[2024-05-01T12:00:00.000Z] Job " + job.ID + " queued."}, got.Logs)
	assert.Equal(t, job.Timestamp, got.Timestamp)

	require.Len(t, hub.sent, 1)
	assert.Equal(t, EventJobQueued, hub.sent[0].event)
	assert.Equal(t, got, hub.sent[0].status)
}

func TestSubmitAfterWorkerReported(t *testing.T) {
	q := memory.New(queue.DefaultOptions())
	defer q.Close()
	store := status.NewMemoryStore()
	svc := NewService(q, store, &recordingHub{}, WithLogger(logger.Discard()), WithClock(func() time.Time { return now }))

	// the first id a fresh memory queue hands out
	store.Merge("1", status.Update{Status: status.StateActive, Logs: []string{"started"}})

	job, err := svc.Submit(context.Background(), "render", nil)
	require.NoError(t, err)
	require.Equal(t, "1", job.ID)

	got, _ := store.Get("1")
	assert.Equal(t, status.StateActive, got.Status)
	assert.Equal(t, "render", got.Name)
	assert.Len(t, got.Logs, 2)
}

func TestSubmitRacingIngestKeepsReportedState(t *testing.T) {
	q := memory.New(queue.DefaultOptions())
	defer q.Close()
	store := &interleavingStore{
		MemoryStore: status.NewMemoryStore(),
		report:      status.Update{Status: status.StateActive, Logs: []string{"started"}},
	}
	hub := &recordingHub{}
	svc := NewService(q, store, hub, WithLogger(logger.Discard()), WithClock(func() time.Time { return now }))

	job, err := svc.Submit(context.Background(), "render", nil)
	require.NoError(t, err)

	got, ok := store.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, status.StateActive, got.Status)
	assert.Equal(t, "render", got.Name)
	assert.Equal(t, []string{"started", "[2024-05-01T12:00:00.000Z] Job " + job.ID + " queued."}, got.Logs)

	require.Len(t, hub.sent, 1)
	assert.Equal(t, got, hub.sent[0].status)
}

func TestSubmitFailureLeavesCacheUntouched(t *testing.T) {
	store := status.NewMemoryStore()
	hub := &recordingHub{}
	svc := NewService(failingQueue{}, store, hub, WithLogger(logger.Discard()))

	_, err := svc.Submit(context.Background(), "render", json.RawMessage(`{}`))
	assert.ErrorContains(t, err, "redis down")
	assert.Zero(t, store.Len())
	assert.Empty(t, hub.sent)
}
