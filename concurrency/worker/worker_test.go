package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stopPool(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.Stop(ctx)
}

func TestPoolRunsTasks(t *testing.T) {
	p := NewPool(&Config{MaxWorkers: 2, QueueSize: 4, TaskTimeout: time.Second})
	p.Start()
	defer stopPool(t, p)

	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Submit(func(ctx context.Context) error {
			defer wg.Done()
			return nil
		}))
	}
	wg.Wait()

	assert.Eventually(t, func() bool {
		return p.GetMetrics()["completed_tasks"] == 3
	}, time.Second, 5*time.Millisecond)
}

func TestPoolReportsErrors(t *testing.T) {
	errs := make(chan error, 2)
	p := NewPool(&Config{MaxWorkers: 1, QueueSize: 2, TaskTimeout: 50 * time.Millisecond},
		WithErrorHandler(func(err error) { errs <- err }))
	p.Start()
	defer stopPool(t, p)

	require.NoError(t, p.Submit(func(ctx context.Context) error { return errors.New("boom") }))
	require.NoError(t, p.Submit(func(ctx context.Context) error { panic("bad") }))

	assert.EqualError(t, <-errs, "boom")
	assert.Contains(t, (<-errs).Error(), "panicked")
	assert.Equal(t, int64(2), p.GetMetrics()["failed_tasks"])
}

func TestPoolTaskTimeout(t *testing.T) {
	errs := make(chan error, 1)
	p := NewPool(&Config{MaxWorkers: 1, QueueSize: 1, TaskTimeout: 20 * time.Millisecond},
		WithErrorHandler(func(err error) { errs <- err }))
	p.Start()
	defer stopPool(t, p)

	require.NoError(t, p.Submit(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	assert.ErrorIs(t, <-errs, context.DeadlineExceeded)
}

func TestPoolQueueFullAndBusy(t *testing.T) {
	p := NewPool(&Config{MaxWorkers: 1, QueueSize: 1})
	block := make(chan struct{})
	started := make(chan struct{})
	p.Start()
	defer stopPool(t, p)
	defer close(block)

	require.NoError(t, p.Submit(func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}))
	<-started
	assert.True(t, p.IsBusy())

	require.NoError(t, p.Submit(func(ctx context.Context) error { return nil }))
	assert.ErrorIs(t, p.Submit(func(ctx context.Context) error { return nil }), ErrQueueFull)
}

func TestSubmitAfterStop(t *testing.T) {
	p := NewPool(nil)
	p.Start()
	stopPool(t, p)

	assert.ErrorIs(t, p.Submit(func(ctx context.Context) error { return nil }), ErrStopped)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, (&Config{MaxWorkers: 0, QueueSize: 1}).Validate())
	assert.Error(t, (&Config{MaxWorkers: 1, QueueSize: 0}).Validate())
}
