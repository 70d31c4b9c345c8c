package query

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ncobase/jobwatch/logging/logger"
	"github.com/ncobase/jobwatch/queue"
	"github.com/ncobase/jobwatch/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFetcher struct {
	jobs map[string]*queue.Job
	err  error
}

func (f stubFetcher) Get(ctx context.Context, id string) (*queue.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.jobs[id], nil
}

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newService(f Fetcher, store status.Store) *Service {
	return New(f, store, WithLogger(logger.Discard()), WithClock(func() time.Time { return now }))
}

func TestNotFound(t *testing.T) {
	svc := newService(stubFetcher{}, status.NewMemoryStore())

	_, err := svc.GetStatus(context.Background(), "404")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.GetLogs(context.Background(), "404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueueFieldsWinLogsFromCache(t *testing.T) {
	store := status.NewMemoryStore()
	store.Set("1", status.JobStatus{
		Name:      "render",
		Status:    status.StateActive,
		Progress:  status.Percent(20),
		Logs:      []string{"a", "b"},
		Timestamp: 500,
	})
	p := status.Report(60, "x")
	f := stubFetcher{jobs: map[string]*queue.Job{"1": {
		ID: "1", Name: "render", State: status.StateCompleted, Progress: &p,
		ReturnValue: json.RawMessage(`{"ok":true}`), Timestamp: 1000,
	}}}

	got, err := newService(f, store).GetStatus(context.Background(), "1")
	require.NoError(t, err)

	assert.Equal(t, status.StateCompleted, got.Status)
	assert.Equal(t, p, got.Progress)
	assert.Equal(t, []string{"a", "b"}, got.Logs)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
	assert.Equal(t, int64(1000), got.Timestamp)
}

func TestEvictedButCached(t *testing.T) {
	store := status.NewMemoryStore()
	store.Set("1", status.JobStatus{
		Name:      "render",
		Status:    status.StateCompleted,
		Progress:  status.Percent(100),
		Logs:      []string{"done"},
		Result:    json.RawMessage(`{"ok":true}`),
		Timestamp: 1000,
	})
	svc := newService(stubFetcher{}, store)

	got, err := svc.GetStatus(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "render", got.Name)
	assert.Equal(t, status.StateCompleted, got.Status)
	assert.Equal(t, []string{"done"}, got.Logs)

	progress, err := svc.GetProgress(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, status.Percent(100), progress)
}

func TestQueueOnly(t *testing.T) {
	f := stubFetcher{jobs: map[string]*queue.Job{"1": {ID: "1", Name: "render", State: status.StateWaiting}}}

	got, err := newService(f, status.NewMemoryStore()).GetStatus(context.Background(), "1")
	require.NoError(t, err)

	assert.Equal(t, status.StateWaiting, got.Status)
	assert.Equal(t, status.Percent(0), got.Progress)
	assert.Equal(t, []string{}, got.Logs)
	assert.Equal(t, now.UnixMilli(), got.Timestamp)
}

func TestUpstreamFailureDegradesToCache(t *testing.T) {
	store := status.NewMemoryStore()
	store.Set("1", status.JobStatus{Name: "render", Status: status.StateActive, Logs: []string{"a"}, Timestamp: 7})
	svc := newService(stubFetcher{err: errors.New("redis down")}, store)

	got, err := svc.GetStatus(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, status.StateActive, got.Status)

	_, err = svc.GetStatus(context.Background(), "2")
	assert.ErrorIs(t, err, ErrUpstream)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "redis down")
}
