package queue

import (
	"context"
	"sync"
)

// Fanout is an in-process EventSource and EventPublisher. Publish blocks
// until every live subscriber has taken the event, so subscribers see
// events in publish order without loss.
type Fanout struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	buffer int
	closed bool
	quit   chan struct{}
	once   sync.Once
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// NewFanout creates a fanout whose subscriber channels hold buffer events.
func NewFanout(buffer int) *Fanout {
	if buffer < 0 {
		buffer = 0
	}
	return &Fanout{
		subs:   make(map[*subscriber]struct{}),
		buffer: buffer,
		quit:   make(chan struct{}),
	}
}

var (
	_ EventSource    = (*Fanout)(nil)
	_ EventPublisher = (*Fanout)(nil)
)

// Subscribe implements EventSource.
func (f *Fanout) Subscribe(ctx context.Context) (<-chan Event, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrClosed
	}
	s := &subscriber{ch: make(chan Event, f.buffer), done: make(chan struct{})}
	f.subs[s] = struct{}{}
	f.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-f.quit:
		}
		close(s.done)
		f.mu.Lock()
		delete(f.subs, s)
		close(s.ch)
		f.mu.Unlock()
	}()
	return s.ch, nil
}

// Publish implements EventPublisher.
func (f *Fanout) Publish(ctx context.Context, e Event) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrClosed
	}
	for s := range f.subs {
		select {
		case s.ch <- e:
		case <-s.done:
		case <-f.quit:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions.
func (f *Fanout) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Close ends every subscription.
func (f *Fanout) Close() error {
	// quit is closed before taking the lock so blocked publishers return.
	f.once.Do(func() { close(f.quit) })
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}
