package redis

import (
	"context"
	"errors"
	"time"

	"github.com/ncobase/jobwatch/queue"
	"github.com/redis/go-redis/v9"
)

// Subscribe implements queue.EventSource. Delivery starts with the first
// event appended after the call returns.
func (q *Queue) Subscribe(ctx context.Context) (<-chan queue.Event, error) {
	if q.closed() {
		return nil, queue.ErrClosed
	}
	last, err := q.lastEventID(ctx)
	if err != nil {
		return nil, err
	}

	ch := make(chan queue.Event, 64)
	go q.readEvents(ctx, last, ch)
	return ch, nil
}

func (q *Queue) lastEventID(ctx context.Context) (string, error) {
	msgs, err := q.rdb.XRevRangeN(ctx, q.keys.events(), "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	if len(msgs) == 0 {
		return "0-0", nil
	}
	return msgs[0].ID, nil
}

func (q *Queue) readEvents(ctx context.Context, last string, ch chan<- queue.Event) {
	defer close(ch)
	backoff := 100 * time.Millisecond

	for {
		if ctx.Err() != nil || q.closed() {
			return
		}

		streams, err := q.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{q.keys.events(), last},
			Count:   100,
			Block:   q.pollInterval,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.log.Warn(ctx, "Event stream read failed", "stream", q.keys.events(), "error", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			case <-q.done:
				return
			}
			continue
		}

		for _, s := range streams {
			for _, m := range s.Messages {
				last = m.ID
				payload, _ := m.Values["payload"].(string)
				e, err := queue.DecodeEvent([]byte(payload))
				if err != nil {
					q.log.Warn(ctx, "Skipping malformed event", "id", m.ID, "error", err)
					continue
				}
				select {
				case ch <- e:
				case <-ctx.Done():
					return
				case <-q.done:
					return
				}
			}
		}
	}
}
