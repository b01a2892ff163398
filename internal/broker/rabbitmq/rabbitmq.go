// Package rabbitmq implements broker.Broker against RabbitMQ, grounded on
// the teacher's RabbitMQProducerAdapter/RabbitMQConsumerAdapter shape but
// driving the real amqp091-go client instead of wrapping an internal
// interface. Retries are implemented by republishing to the same queue with
// an updated headers table, since AMQP has no native delayed-delivery
// primitive without the delayed-message-exchange plugin.
package rabbitmq

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"dev.taskcore.worker/internal/broker"
	"dev.taskcore.worker/internal/protocol"
	"dev.taskcore.worker/internal/taskerr"
)

// Broker is a RabbitMQ-backed broker.Broker.
type Broker struct {
	url    string
	logger *logrus.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel

	prefetch int
}

// Option configures a Broker at construction time.
type Option func(*Broker)

// WithLogger overrides the default logrus logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(b *Broker) { b.logger = logger }
}

// WithPrefetch sets the initial QoS prefetch count applied on Connect.
func WithPrefetch(n int) Option {
	return func(b *Broker) { b.prefetch = n }
}

// New builds a Broker that will dial url (an amqp:// URI) on Connect.
func New(url string, opts ...Option) *Broker {
	b := &Broker{url: url, logger: logrus.New(), prefetch: 1}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) Type() broker.BrokerType { return broker.BrokerTypeRabbitMQ }

func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	conn, err := amqp.Dial(b.url)
	if err != nil {
		return taskerr.ConnectionError("failed to dial rabbitmq", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return taskerr.New(taskerr.ErrCodeConnectionFailed, "failed to open channel", err)
	}

	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return taskerr.New(taskerr.ErrCodeConnectionFailed, "failed to set QoS", err)
	}

	b.conn = conn
	b.channel = ch
	b.logger.WithField("prefetch", b.prefetch).Info("connected to rabbitmq")
	return nil
}

func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	if b.channel != nil {
		if err := b.channel.Close(); err != nil {
			firstErr = err
		}
		b.channel = nil
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		b.conn = nil
	}
	if firstErr != nil {
		return taskerr.New(taskerr.ErrCodeBroker, "failed to close rabbitmq connection cleanly", firstErr)
	}
	return nil
}

func (b *Broker) HealthCheck(ctx context.Context) error {
	if !b.IsConnected() {
		return taskerr.ConnectionError("rabbitmq broker not connected", nil)
	}
	return nil
}

func (b *Broker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil && !b.conn.IsClosed()
}

func (b *Broker) declare(ch *amqp.Channel, queue string) error {
	_, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		return taskerr.New(taskerr.ErrCodeQueueDeclareFailed, "failed to declare queue", err).WithDetail("queue", queue)
	}
	return nil
}

// Consume starts a native AMQP consumer on queue and adapts each delivery
// into a broker.DeliveryResult stream.
func (b *Broker) Consume(ctx context.Context, queue string) (<-chan broker.DeliveryResult, error) {
	b.mu.Lock()
	ch := b.channel
	b.mu.Unlock()
	if ch == nil {
		return nil, taskerr.ConnectionError("rabbitmq broker not connected", nil)
	}

	if err := b.declare(ch, queue); err != nil {
		return nil, err
	}

	deliveries, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, taskerr.SubscribeError(queue, err)
	}

	out := make(chan broker.DeliveryResult, b.prefetch+1)
	go func() {
		defer close(out)
		for d := range deliveries {
			out <- broker.DeliveryResult{Delivery: &delivery{raw: d}}
		}
	}()

	return out, nil
}

// Send publishes msg to queue. RabbitMQ has no built-in ETA; a future ETA is
// carried through in the headers for the consumer's own tracer to honor, as
// the reference implementation assumes of its brokers.
func (b *Broker) Send(ctx context.Context, msg *protocol.Message, queue string) error {
	b.mu.Lock()
	ch := b.channel
	b.mu.Unlock()
	if ch == nil {
		return taskerr.ConnectionError("rabbitmq broker not connected", nil)
	}

	if err := b.declare(ch, queue); err != nil {
		return err
	}

	headers, err := headersTable(msg.Headers)
	if err != nil {
		return taskerr.ProtocolError("failed to encode headers", err)
	}

	publishCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err = ch.PublishWithContext(publishCtx, "", queue, false, false, amqp.Publishing{
		Headers:         headers,
		ContentType:     msg.ContentType,
		ContentEncoding: msg.ContentEncoding,
		Body:            msg.RawBody,
		MessageId:       msg.Headers.ID,
		DeliveryMode:    amqp.Persistent,
	})
	if err != nil {
		return taskerr.PublishError(queue, err)
	}
	return nil
}

func (b *Broker) Ack(ctx context.Context, d broker.Delivery) error {
	dl, ok := d.(*delivery)
	if !ok {
		return taskerr.ProtocolError("ack called with foreign delivery type", nil)
	}
	if err := dl.raw.Ack(false); err != nil {
		return taskerr.New(taskerr.ErrCodeBroker, "failed to ack delivery", err)
	}
	return nil
}

// Retry republishes a copy carrying the updated retry count and ETA and then
// acks the original delivery, since AMQP delivery tags cannot be redelivered
// with modified headers in place.
func (b *Broker) Retry(ctx context.Context, d broker.Delivery, eta *time.Time) error {
	dl, ok := d.(*delivery)
	if !ok {
		return taskerr.ProtocolError("retry called with foreign delivery type", nil)
	}

	msg, err := dl.Message()
	if err != nil {
		return err
	}

	retries := msg.Headers.RetryCount() + 1
	msg.Headers.Retries = &retries
	msg.Headers.ETA = eta

	queue := dl.raw.RoutingKey
	b.logger.WithField("task", msg.Headers.Task).WithField("retries", retries).Debug("republishing delivery for retry")
	if err := b.Send(ctx, msg, queue); err != nil {
		return err
	}

	if err := dl.raw.Ack(false); err != nil {
		return taskerr.New(taskerr.ErrCodeBroker, "failed to ack original delivery after requeue", err)
	}
	return nil
}

func (b *Broker) IncreasePrefetchCount(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prefetch++
	if b.channel != nil {
		return b.channel.Qos(b.prefetch, 0, false)
	}
	return nil
}

func (b *Broker) DecreasePrefetchCount(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.prefetch > 1 {
		b.prefetch--
	}
	if b.channel != nil {
		return b.channel.Qos(b.prefetch, 0, false)
	}
	return nil
}

// delivery adapts amqp.Delivery to broker.Delivery.
type delivery struct {
	raw amqp.Delivery
}

func (d *delivery) ID() string { return d.raw.MessageId }

func (d *delivery) Message() (*protocol.Message, error) {
	headers, err := headersFromTable(d.raw.Headers)
	if err != nil {
		return nil, taskerr.ProtocolError("failed to decode amqp headers", err)
	}
	return &protocol.Message{
		Headers:         headers,
		RawBody:         d.raw.Body,
		ContentType:     d.raw.ContentType,
		ContentEncoding: d.raw.ContentEncoding,
	}, nil
}

func headersTable(h protocol.Headers) (amqp.Table, error) {
	raw, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	var table amqp.Table
	if err := json.Unmarshal(raw, &table); err != nil {
		return nil, err
	}
	return table, nil
}

func headersFromTable(table amqp.Table) (protocol.Headers, error) {
	raw, err := json.Marshal(map[string]interface{}(table))
	if err != nil {
		return protocol.Headers{}, err
	}
	var h protocol.Headers
	if err := json.Unmarshal(raw, &h); err != nil {
		return protocol.Headers{}, err
	}
	return h, nil
}
