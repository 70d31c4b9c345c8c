// Package rabbitmq carries job lifecycle events over a RabbitMQ fanout
// exchange.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ncobase/jobwatch/config"
	"github.com/ncobase/jobwatch/logging/logger"
	"github.com/ncobase/jobwatch/queue"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Events publishes to and consumes from one exchange. Every subscription
// binds its own queue, so each server instance sees every event.
type Events struct {
	conn     *amqp.Connection
	exchange string
	queue    string
	log      *logger.Logger

	mu       sync.Mutex // guards the publishing channel
	pub      *amqp.Channel
	confirms chan amqp.Confirmation
}

// Dial connects using cfg.
func Dial(cfg *config.RabbitMQ, log *logger.Logger) (*Events, error) {
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Heartbeat: cfg.HeartbeatInterval,
		Dial:      amqp.DefaultDial(cfg.ConnectionTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial: %w", err)
	}
	return New(conn, cfg.Exchange, cfg.Queue, log), nil
}

// New wraps an open connection. An empty queue name gives each
// subscription an exclusive server-named queue.
func New(conn *amqp.Connection, exchange, queueName string, log *logger.Logger) *Events {
	if log == nil {
		log = logger.StdLogger()
	}
	return &Events{conn: conn, exchange: exchange, queue: queueName, log: log}
}

var (
	_ queue.EventSource    = (*Events)(nil)
	_ queue.EventPublisher = (*Events)(nil)
)

// IsConnected checks if the RabbitMQ connection is valid
func (r *Events) IsConnected() bool {
	return r.conn != nil && !r.conn.IsClosed()
}

func (r *Events) declareExchange(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(
		r.exchange, // name
		"fanout",   // type
		true,       // durable
		false,      // auto-delete
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	return nil
}

// publishChannel returns the confirm-mode channel, opening it on first use.
// Callers hold r.mu.
func (r *Events) publishChannel() (*amqp.Channel, error) {
	if r.pub != nil && !r.pub.IsClosed() {
		return r.pub, nil
	}
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := r.declareExchange(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to put channel in confirm mode: %w", err)
	}
	r.pub = ch
	r.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	return ch, nil
}

// publishing builds the AMQP message for e.
func publishing(e queue.Event) (amqp.Publishing, error) {
	body, err := e.Encode()
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    fmt.Sprintf("%s:%s:%d", e.JobID, e.Kind, e.Timestamp),
		Timestamp:    time.Now(),
		Type:         string(e.Kind),
		Body:         body,
	}, nil
}

// Publish implements queue.EventPublisher and waits for the broker ack.
func (r *Events) Publish(ctx context.Context, e queue.Event) error {
	msg, err := publishing(e)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.IsConnected() {
		return errors.New("rabbitmq connection is not available")
	}
	ch, err := r.publishChannel()
	if err != nil {
		return err
	}

	if err := ch.PublishWithContext(ctx, r.exchange, e.JobID, false, false, msg); err != nil {
		return fmt.Errorf("rabbitmq: publish %s event for job %s: %w", e.Kind, e.JobID, err)
	}

	select {
	case confirmed, ok := <-r.confirms:
		if !ok {
			r.pub = nil
			return errors.New("rabbitmq: confirmation channel closed")
		}
		if !confirmed.Ack {
			return errors.New("rabbitmq: publish was not acknowledged")
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("rabbitmq: waiting for publish confirmation: %w", ctx.Err())
	}
}

// Subscribe implements queue.EventSource.
func (r *Events) Subscribe(ctx context.Context) (<-chan queue.Event, error) {
	if !r.IsConnected() {
		return nil, errors.New("rabbitmq connection is not available")
	}

	ch, err := r.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	msgs, err := r.bindAndConsume(ch)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	out := make(chan queue.Event, 64)
	go func() {
		defer close(out)
		defer func() { _ = ch.Close() }()

		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					r.log.Warn(ctx, "RabbitMQ delivery channel closed", "exchange", r.exchange)
					return
				}
				e, err := queue.DecodeEvent(d.Body)
				if err != nil {
					r.log.Warn(ctx, "Skipping malformed event", "exchange", r.exchange, "error", err)
					_ = d.Reject(false)
					continue
				}
				select {
				case out <- e:
					_ = d.Ack(false)
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *Events) bindAndConsume(ch *amqp.Channel) (<-chan amqp.Delivery, error) {
	if err := r.declareExchange(ch); err != nil {
		return nil, err
	}

	named := r.queue != ""
	q, err := ch.QueueDeclare(
		r.queue, // name, empty lets the server pick
		named,   // durable
		!named,  // delete when unused
		!named,  // exclusive
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", r.exchange, false, nil); err != nil {
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}
	if err := ch.Qos(64, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := ch.Consume(
		q.Name, // queue
		"",     // consumer
		false,  // auto-ack
		!named, // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}
	return msgs, nil
}

// Close closes the publishing channel and the connection.
func (r *Events) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	if r.pub != nil {
		if err := r.pub.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
		r.pub = nil
	}
	if r.conn != nil && !r.conn.IsClosed() {
		if err := r.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
