// Package kafka carries job lifecycle events over a Kafka topic.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ncobase/jobwatch/config"
	"github.com/ncobase/jobwatch/logging/logger"
	"github.com/ncobase/jobwatch/queue"
	"github.com/segmentio/kafka-go"
)

// Events publishes and consumes queue events on one topic. Messages are
// keyed by job id so one job's events stay on one partition, in order.
type Events struct {
	cfg *config.Kafka
	log *logger.Logger

	mu      sync.Mutex
	writer  *kafka.Writer
	readers []*kafka.Reader
}

// New creates an Events bridge. No connection is made until first use.
func New(cfg *config.Kafka, log *logger.Logger) *Events {
	if log == nil {
		log = logger.StdLogger()
	}
	return &Events{cfg: cfg, log: log}
}

var (
	_ queue.EventSource    = (*Events)(nil)
	_ queue.EventPublisher = (*Events)(nil)
)

func (k *Events) getWriter() *kafka.Writer {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.writer == nil {
		k.writer = &kafka.Writer{
			Addr:         kafka.TCP(k.cfg.Brokers...),
			Topic:        k.cfg.Topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: k.cfg.WriteTimeout,
			RequiredAcks: kafka.RequireAll,
			Async:        false,
		}
	}
	return k.writer
}

// message builds the Kafka record for e.
func message(e queue.Event) (kafka.Message, error) {
	value, err := e.Encode()
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(e.JobID),
		Value: value,
		Time:  time.Now(),
	}, nil
}

// Publish implements queue.EventPublisher.
func (k *Events) Publish(ctx context.Context, e queue.Event) error {
	msg, err := message(e)
	if err != nil {
		return err
	}
	if err := k.getWriter().WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: publish %s event for job %s: %w", e.Kind, e.JobID, err)
	}
	return nil
}

// Subscribe implements queue.EventSource. Each subscription joins the
// configured consumer group and starts from the newest offset.
func (k *Events) Subscribe(ctx context.Context) (<-chan queue.Event, error) {
	if len(k.cfg.Brokers) == 0 || k.cfg.Topic == "" {
		return nil, errors.New("kafka: brokers and topic are required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        k.cfg.Brokers,
		GroupID:        k.cfg.ConsumerGroup,
		Topic:          k.cfg.Topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.LastOffset,
		CommitInterval: time.Second,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: 5 * time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			k.log.Errorf(context.Background(), "kafka: "+msg, args...)
		}),
	})

	k.mu.Lock()
	k.readers = append(k.readers, reader)
	k.mu.Unlock()

	out := make(chan queue.Event, 64)
	go k.consume(ctx, reader, out)
	return out, nil
}

func (k *Events) consume(ctx context.Context, reader *kafka.Reader, out chan<- queue.Event) {
	defer close(out)
	defer k.closeReader(reader)

	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			k.log.Warn(ctx, "Kafka read failed", "topic", k.cfg.Topic, "error", err)
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		e, err := queue.DecodeEvent(m.Value)
		if err != nil {
			k.log.Warn(ctx, "Skipping malformed event", "topic", m.Topic, "offset", m.Offset, "error", err)
			continue
		}

		select {
		case out <- e:
		case <-ctx.Done():
			return
		}
	}
}

func (k *Events) closeReader(reader *kafka.Reader) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for i, r := range k.readers {
		if r == reader {
			k.readers = append(k.readers[:i], k.readers[i+1:]...)
			break
		}
	}
	_ = reader.Close()
}

// Close closes the writer and every reader.
func (k *Events) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	var errs []error
	if k.writer != nil {
		if err := k.writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close Kafka writer: %w", err))
		}
		k.writer = nil
	}
	for _, r := range k.readers {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close Kafka reader: %w", err))
		}
	}
	k.readers = nil

	return errors.Join(errs...)
}
