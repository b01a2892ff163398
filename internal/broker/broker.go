// Package broker defines the abstract contract the engine consumes from a
// message-queueing transport: consume/ack/retry/prefetch controls and a
// delivery stream. Concrete backends (inmemory, rabbitmq, redisbroker) all
// implement this interface; the dispatcher never depends on a specific one.
package broker

import (
	"context"
	"time"

	"dev.taskcore.worker/internal/protocol"
)

// BrokerType identifies which concrete transport a Broker value wraps, for
// logging and metrics labeling.
type BrokerType string

const (
	BrokerTypeInMemory BrokerType = "inmemory"
	BrokerTypeRabbitMQ BrokerType = "rabbitmq"
	BrokerTypeRedis    BrokerType = "redis"
)

// Delivery is a transport-level envelope received from the broker. It must
// be safe to hold onto (copy) across both success and error branches of the
// dispatcher, since both Ack and Retry need a live handle.
type Delivery interface {
	// Message decodes the delivery into the engine's immutable Message type.
	Message() (*protocol.Message, error)
	// ID returns the broker-assigned delivery identifier, for logging.
	ID() string
}

// Broker is the abstract interface the engine consumes. A conforming
// implementation guarantees at-least-once delivery and honors ack/retry
// semantics: every delivery handed to the dispatcher is eventually
// acknowledged or retried, never both, never neither.
type Broker interface {
	// Connect establishes the underlying transport connection.
	Connect(ctx context.Context) error
	// Close tears down the underlying transport connection.
	Close(ctx context.Context) error
	// HealthCheck reports whether the broker connection is usable.
	HealthCheck(ctx context.Context) error
	// IsConnected reports current connection state without making a call.
	IsConnected() bool
	// Type identifies the concrete backend.
	Type() BrokerType

	// Consume returns a channel of delivery results for queue. The channel
	// is closed only when the broker connection is torn down.
	Consume(ctx context.Context, queue string) (<-chan DeliveryResult, error)

	// Ack acknowledges successful processing; the broker removes the message.
	Ack(ctx context.Context, d Delivery) error

	// Retry returns the message to the queue for later redelivery. A nil eta
	// means retry as soon as possible.
	Retry(ctx context.Context, d Delivery, eta *time.Time) error

	// IncreasePrefetchCount and DecreasePrefetchCount adjust the number of
	// unacknowledged deliveries this consumer may hold, used to avoid
	// wasting a prefetch slot on a message the engine is holding for a
	// future ETA.
	IncreasePrefetchCount(ctx context.Context) error
	DecreasePrefetchCount(ctx context.Context) error

	// Send publishes a message to queue (producer-side operation).
	Send(ctx context.Context, msg *protocol.Message, queue string) error
}

// DeliveryResult is one element of the Consume stream: either a Delivery or
// a transport-level error that prevented decoding one.
type DeliveryResult struct {
	Delivery Delivery
	Err      error
}
