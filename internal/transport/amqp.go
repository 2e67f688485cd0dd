// Package transport connects the job pipeline to RabbitMQ.
//
// Jobs arrive on a durable queue bound to a topic exchange; status reports go
// back to each job's reply queue through the default exchange.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/beetlebugorg/geoingest/internal/pipeline"
)

// channel is the subset of *amqp.Channel the broker uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Cancel(consumer string, noWait bool) error
	Close() error
}

// Options configures a Broker.
type Options struct {
	URI      string
	Exchange string
	Queue    string

	// RoutingKeys are bound from Exchange to Queue.
	RoutingKeys []string

	// Prefetch bounds unacknowledged deliveries. Zero means 1.
	Prefetch int

	// ConsumerTag defaults to the queue name.
	ConsumerTag string

	Logger *slog.Logger
}

// Handler processes one message. It must settle msg.Ack itself.
type Handler func(ctx context.Context, msg pipeline.Message)

// Broker consumes jobs and publishes status reports. It implements
// pipeline.StatusPublisher.
type Broker struct {
	opts Options
	conn io.Closer
	ch   channel
	log  *slog.Logger

	pubMu sync.Mutex
}

// Dial connects to RabbitMQ and declares the exchange, queue and bindings.
func Dial(opts Options) (*Broker, error) {
	conn, err := amqp.Dial(opts.URI)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq connect: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}

	b, err := newBroker(ch, conn, opts)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return b, nil
}

func newBroker(ch channel, conn io.Closer, opts Options) (*Broker, error) {
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	if opts.ConsumerTag == "" {
		opts.ConsumerTag = opts.Queue
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	b := &Broker{opts: opts, conn: conn, ch: ch, log: logger}
	if err := b.declare(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Broker) declare() error {
	if b.opts.Exchange == "" || b.opts.Queue == "" {
		return errors.New("rabbitmq: exchange and queue are required")
	}
	if err := b.ch.ExchangeDeclare(b.opts.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", b.opts.Exchange, err)
	}
	if _, err := b.ch.QueueDeclare(b.opts.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", b.opts.Queue, err)
	}
	for _, key := range b.opts.RoutingKeys {
		if err := b.ch.QueueBind(b.opts.Queue, key, b.opts.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", key, b.opts.Queue, err)
		}
	}
	if err := b.ch.Qos(b.opts.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	b.log.Info("queue ready",
		"exchange", b.opts.Exchange,
		"queue", b.opts.Queue,
		"routing_keys", b.opts.RoutingKeys,
		"prefetch", b.opts.Prefetch)
	return nil
}

// Consume delivers messages to handle from workers goroutines until ctx is
// cancelled. On cancellation the consumer is cancelled and in-flight jobs
// run to completion before Consume returns. Jobs see a context that is not
// cancelled with ctx.
func (b *Broker) Consume(ctx context.Context, workers int, handle Handler) error {
	if workers <= 0 {
		workers = 1
	}

	deliveries, err := b.ch.Consume(b.opts.Queue, b.opts.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", b.opts.Queue, err)
	}

	jobCtx := context.WithoutCancel(ctx)
	jobs := make(chan amqp.Delivery)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range jobs {
				handle(jobCtx, ToMessage(d))
			}
		}()
	}
	defer wg.Wait()
	defer close(jobs)

	b.log.Info("consuming", "queue", b.opts.Queue, "workers", workers)
	for {
		select {
		case <-ctx.Done():
			if err := b.ch.Cancel(b.opts.ConsumerTag, false); err != nil {
				b.log.Warn("cancel consumer", "error", err)
			}
			b.log.Info("consumer stopped, waiting for in-flight jobs")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("rabbitmq deliveries channel closed unexpectedly")
			}
			select {
			case jobs <- d:
			case <-ctx.Done():
				// Unacknowledged; the broker redelivers it after we disconnect.
				b.log.Info("shutdown before dispatch", "delivery_tag", d.DeliveryTag)
			}
		}
	}
}

// ToMessage converts a delivery. Ack acknowledges this delivery only.
func ToMessage(d amqp.Delivery) pipeline.Message {
	return pipeline.Message{
		Body:          d.Body,
		ReplyTo:       d.ReplyTo,
		CorrelationID: d.CorrelationId,
		RoutingKey:    d.RoutingKey,
		Ack: func() error {
			return d.Ack(false)
		},
	}
}

// PublishStatus sends s to replyTo as JSON. A missing correlation id is
// replaced with a fresh one.
func (b *Broker) PublishStatus(ctx context.Context, replyTo, correlationID string, s pipeline.Status) error {
	if replyTo == "" {
		return errors.New("publish status: no reply queue")
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	err = b.ch.PublishWithContext(ctx, "", replyTo, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: correlationID,
		Body:          body,
		Timestamp:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("publish status to %s: %w", replyTo, err)
	}
	return nil
}

// Close closes the channel and the connection.
func (b *Broker) Close() error {
	var errs *multierror.Error
	if err := b.ch.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("close channel: %w", err))
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	return errs.ErrorOrNil()
}
