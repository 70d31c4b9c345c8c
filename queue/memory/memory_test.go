package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ncobase/jobwatch/queue"
	"github.com/ncobase/jobwatch/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan queue.Event) queue.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return queue.Event{}
	}
}

func TestLifecycleEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := New(queue.DefaultOptions())
	defer q.Close()
	events, err := q.Subscribe(ctx)
	require.NoError(t, err)

	job, err := q.Add(ctx, "render", json.RawMessage(`{"file":"a.glb"}`))
	require.NoError(t, err)
	assert.Equal(t, "1", job.ID)
	assert.Equal(t, queue.EventWaiting, recv(t, events).Kind)

	active, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, active.ID)
	assert.Equal(t, status.StateActive, active.State)
	assert.Equal(t, queue.EventActive, recv(t, events).Kind)

	require.NoError(t, q.UpdateProgress(ctx, job.ID, json.RawMessage(`{"percentage":40,"log":"halfway"}`)))
	ev := recv(t, events)
	assert.Equal(t, queue.EventProgress, ev.Kind)
	assert.JSONEq(t, `{"percentage":40,"log":"halfway"}`, string(ev.Data))

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, status.Report(40, "halfway"), *got.Progress)

	require.NoError(t, q.Complete(ctx, job.ID, json.RawMessage(`{"ok":true}`)))
	ev = recv(t, events)
	assert.Equal(t, queue.EventCompleted, ev.Kind)
	assert.JSONEq(t, `{"ok":true}`, string(ev.ReturnValue))
}

func TestCompletedJobsAreEvicted(t *testing.T) {
	ctx := context.Background()
	q := New(queue.DefaultOptions())
	defer q.Close()

	job, err := q.Add(ctx, "render", nil)
	require.NoError(t, err)
	_, err = q.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job.ID, nil))

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFailedJobsAreKept(t *testing.T) {
	ctx := context.Background()
	opts := queue.DefaultOptions()
	opts.RemoveOnFail = 1
	q := New(opts)
	defer q.Close()

	var ids []string
	for i := 0; i < 2; i++ {
		job, err := q.Add(ctx, "render", nil)
		require.NoError(t, err)
		_, err = q.Next(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Fail(ctx, job.ID, "boom"))
		ids = append(ids, job.ID)
	}

	first, err := q.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Nil(t, first)

	second, err := q.Get(ctx, ids[1])
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, status.StateFailed, second.State)
	assert.Equal(t, "boom", second.FailedReason)
}

func TestRetryBeforeFailing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	opts := queue.DefaultOptions()
	opts.Attempts = 2
	q := New(opts)
	defer q.Close()
	events, err := q.Subscribe(ctx)
	require.NoError(t, err)

	job, err := q.Add(ctx, "render", nil)
	require.NoError(t, err)
	recv(t, events)

	_, err = q.Next(ctx)
	require.NoError(t, err)
	recv(t, events)
	require.NoError(t, q.Fail(ctx, job.ID, "first"))
	assert.Equal(t, queue.EventWaiting, recv(t, events).Kind)

	again, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, again.AttemptsMade)
	recv(t, events)
	require.NoError(t, q.Fail(ctx, job.ID, "second"))

	ev := recv(t, events)
	assert.Equal(t, queue.EventFailed, ev.Kind)
	assert.Equal(t, "second", ev.FailedReason)
}

func TestDelayedRetry(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	opts := queue.DefaultOptions()
	opts.Attempts = 2
	opts.Backoff = 30 * time.Millisecond
	q := New(opts)
	defer q.Close()

	job, err := q.Add(ctx, "render", nil)
	require.NoError(t, err)
	_, err = q.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, job.ID, "flaky"))

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, status.StateDelayed, got.State)

	start := time.Now()
	again, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, again.ID)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestNextHonoursContext(t *testing.T) {
	q := New(queue.DefaultOptions())
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWorkerOpsOnUnknownJob(t *testing.T) {
	q := New(queue.DefaultOptions())
	defer q.Close()

	assert.ErrorIs(t, q.Complete(context.Background(), "42", nil), queue.ErrJobNotFound)
}

func TestClosedQueue(t *testing.T) {
	q := New(queue.DefaultOptions())
	require.NoError(t, q.Close())

	_, err := q.Add(context.Background(), "render", nil)
	assert.ErrorIs(t, err, queue.ErrClosed)
}
