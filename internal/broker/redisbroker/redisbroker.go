// Package redisbroker implements broker.Broker against Redis, following the
// classic Celery redis-transport shape: a list per queue consumed with
// BLPOP, and a sorted set keyed by ETA (unix-nanos score) for delayed
// messages, promoted into the list by a background poller.
package redisbroker

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"dev.taskcore.worker/internal/broker"
	"dev.taskcore.worker/internal/protocol"
	"dev.taskcore.worker/internal/taskerr"
)

const delayedSetKey = "taskcore:delayed"

// Broker is a Redis-backed broker.Broker.
type Broker struct {
	client *redis.Client
	logger *logrus.Logger

	mu       sync.Mutex
	prefetch int

	stop     chan struct{}
	stopOnce sync.Once
}

// wireMessage is the JSON envelope stored in Redis list/set values.
type wireMessage struct {
	Headers         protocol.Headers `json:"headers"`
	RawBody         []byte           `json:"body"`
	ContentType     string           `json:"content_type"`
	ContentEncoding string           `json:"content_encoding"`
	Queue           string           `json:"queue"`
}

// New builds a Broker against an already-configured redis.Options.
func New(opts *redis.Options, logger *logrus.Logger) *Broker {
	if logger == nil {
		logger = logrus.New()
	}
	return &Broker{
		client: redis.NewClient(opts),
		logger: logger,
		stop:   make(chan struct{}),
	}
}

func (b *Broker) Type() broker.BrokerType { return broker.BrokerTypeRedis }

func (b *Broker) Connect(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return taskerr.ConnectionError("failed to ping redis", err)
	}
	go b.delayLoop()
	return nil
}

func (b *Broker) Close(ctx context.Context) error {
	b.stopOnce.Do(func() { close(b.stop) })
	if err := b.client.Close(); err != nil {
		return taskerr.New(taskerr.ErrCodeBroker, "failed to close redis client", err)
	}
	return nil
}

func (b *Broker) HealthCheck(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return taskerr.ConnectionError("redis health check failed", err)
	}
	return nil
}

func (b *Broker) IsConnected() bool {
	return b.client.Ping(context.Background()).Err() == nil
}

// Consume polls queue with BLPOP in a loop, pushing decoded deliveries onto
// the returned channel until ctx is canceled.
func (b *Broker) Consume(ctx context.Context, queue string) (<-chan broker.DeliveryResult, error) {
	out := make(chan broker.DeliveryResult, 64)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stop:
				return
			default:
			}

			res, err := b.client.BLPop(ctx, 5*time.Second, queue).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				out <- broker.DeliveryResult{Err: taskerr.BrokerError("blpop failed", err)}
				continue
			}

			// res[0] is the key name, res[1] the payload.
			var wm wireMessage
			if jerr := json.Unmarshal([]byte(res[1]), &wm); jerr != nil {
				out <- broker.DeliveryResult{Err: taskerr.ProtocolError("failed to decode redis payload", jerr)}
				continue
			}
			out <- broker.DeliveryResult{Delivery: &delivery{wm: wm}}
		}
	}()

	return out, nil
}

// Send pushes msg onto queue's list, or into the delayed sorted set if the
// message carries a future ETA.
func (b *Broker) Send(ctx context.Context, msg *protocol.Message, queue string) error {
	wm := wireMessage{
		Headers:         msg.Headers,
		RawBody:         msg.RawBody,
		ContentType:     msg.ContentType,
		ContentEncoding: msg.ContentEncoding,
		Queue:           queue,
	}
	payload, err := json.Marshal(wm)
	if err != nil {
		return taskerr.ProtocolError("failed to encode redis payload", err)
	}

	if msg.Headers.ETA != nil && msg.Headers.ETA.After(time.Now()) {
		score := float64(msg.Headers.ETA.UnixNano())
		if err := b.client.ZAdd(ctx, delayedSetKey, redis.Z{Score: score, Member: payload}).Err(); err != nil {
			return taskerr.PublishError(queue, err)
		}
		return nil
	}

	if err := b.client.RPush(ctx, queue, payload).Err(); err != nil {
		return taskerr.PublishError(queue, err)
	}
	return nil
}

// delayLoop promotes due entries from the delayed sorted set into their
// target queue list.
func (b *Broker) delayLoop() {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			now := float64(time.Now().UnixNano())
			entries, err := b.client.ZRangeByScore(ctx, delayedSetKey, &redis.ZRangeBy{
				Min: "-inf",
				Max: strconv.FormatFloat(now, 'f', 0, 64),
			}).Result()
			if err != nil || len(entries) == 0 {
				continue
			}

			for _, entry := range entries {
				var wm wireMessage
				if json.Unmarshal([]byte(entry), &wm) != nil {
					continue
				}
				pipe := b.client.TxPipeline()
				pipe.ZRem(ctx, delayedSetKey, entry)
				pipe.RPush(ctx, wm.Queue, entry)
				if _, err := pipe.Exec(ctx); err != nil {
					b.logger.WithError(err).Warn("failed to promote delayed redis message")
				}
			}
		}
	}
}

func (b *Broker) Ack(ctx context.Context, d broker.Delivery) error {
	// List-based delivery is already removed from the queue by BLPOP, so
	// acking is implicit; nothing further to do.
	return nil
}

// Retry re-publishes the message with an incremented retry count and the
// given eta.
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

	return b.Send(ctx, msg, dl.wm.Queue)
}

func (b *Broker) IncreasePrefetchCount(ctx context.Context) error {
	b.mu.Lock()
	b.prefetch++
	b.mu.Unlock()
	return nil
}

func (b *Broker) DecreasePrefetchCount(ctx context.Context) error {
	b.mu.Lock()
	if b.prefetch > 0 {
		b.prefetch--
	}
	b.mu.Unlock()
	return nil
}

// delivery adapts a decoded wireMessage to broker.Delivery.
type delivery struct {
	wm wireMessage
}

func (d *delivery) ID() string { return d.wm.Headers.ID }

func (d *delivery) Message() (*protocol.Message, error) {
	return &protocol.Message{
		Headers:         d.wm.Headers,
		RawBody:         d.wm.RawBody,
		ContentType:     d.wm.ContentType,
		ContentEncoding: d.wm.ContentEncoding,
	}, nil
}
