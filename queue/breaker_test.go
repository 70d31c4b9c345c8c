package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyQueue struct {
	err   error
	calls int
}

func (f *flakyQueue) Add(ctx context.Context, name string, data json.RawMessage) (*Job, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &Job{ID: "1", Name: name}, nil
}

func (f *flakyQueue) Get(ctx context.Context, id string) (*Job, error) {
	f.calls++
	return nil, f.err
}

func (f *flakyQueue) Close() error { return nil }

func TestBreakerOpensAfterFailures(t *testing.T) {
	inner := &flakyQueue{err: errors.New("connection refused")}
	q := WithBreaker(inner, "test")

	for i := 0; i < 3; i++ {
		_, err := q.Get(context.Background(), "1")
		require.Error(t, err)
	}

	_, err := q.Get(context.Background(), "1")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, inner.calls)
}

func TestBreakerPassesThrough(t *testing.T) {
	inner := &flakyQueue{}
	q := WithBreaker(inner, "test")

	job, err := q.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, job)

	job, err = q.Add(context.Background(), "render", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "render", job.Name)
}

func TestEventRoundTrip(t *testing.T) {
	b, err := Event{Kind: EventCompleted, JobID: "3", ReturnValue: json.RawMessage(`{"ok":true}`)}.Encode()
	require.NoError(t, err)

	e, err := DecodeEvent(b)
	require.NoError(t, err)
	assert.Equal(t, EventCompleted, e.Kind)
	assert.JSONEq(t, `{"ok":true}`, string(e.ReturnValue))

	_, err = DecodeEvent([]byte(`{"jobId":"3"}`))
	assert.Error(t, err)
}
