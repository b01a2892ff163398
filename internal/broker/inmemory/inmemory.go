// Package inmemory provides a channel-backed Broker implementation used for
// local development and the engine's own test suite, grounded on the
// teacher's InMemoryBrokerAdapter / InMemoryTaskQueue test-double shape.
package inmemory

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"dev.taskcore.worker/internal/broker"
	"dev.taskcore.worker/internal/protocol"
	"dev.taskcore.worker/internal/taskerr"
)

// delivery is the inmemory Delivery implementation; it simply wraps an
// already-decoded Message, so Message() never fails in practice here.
type delivery struct {
	id    string
	msg   *protocol.Message
	queue string
}

func (d *delivery) Message() (*protocol.Message, error) { return d.msg, nil }
func (d *delivery) ID() string                          { return d.id }

// scheduled is an entry in the delay heap: a delivery that isn't eligible
// for redelivery until ReadyAt.
type scheduled struct {
	readyAt time.Time
	queue   string
	d       *delivery
	index   int
}

type delayHeap []*scheduled

func (h delayHeap) Len() int            { return len(h) }
func (h delayHeap) Less(i, j int) bool  { return h[i].readyAt.Before(h[j].readyAt) }
func (h delayHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *delayHeap) Push(x interface{}) { s := x.(*scheduled); s.index = len(*h); *h = append(*h, s) }
func (h *delayHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Broker is a single-process, channel-backed Broker.
type Broker struct {
	mu        sync.Mutex
	queues    map[string]chan broker.DeliveryResult
	delayed   delayHeap
	connected bool
	prefetch  int32
	stop      chan struct{}
}

// New creates a ready-to-use in-memory broker.
func New() *Broker {
	return &Broker{
		queues: make(map[string]chan broker.DeliveryResult),
		stop:   make(chan struct{}),
	}
}

func (b *Broker) Type() broker.BrokerType { return broker.BrokerTypeInMemory }

func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	go b.delayLoop()
	return nil
}

func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		close(b.stop)
		b.connected = false
	}
	return nil
}

func (b *Broker) HealthCheck(ctx context.Context) error {
	if !b.IsConnected() {
		return taskerr.ConnectionError("in-memory broker not connected", nil)
	}
	return nil
}

func (b *Broker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *Broker) queueChan(queue string) chan broker.DeliveryResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.queues[queue]
	if !ok {
		ch = make(chan broker.DeliveryResult, 1024)
		b.queues[queue] = ch
	}
	return ch
}

// Consume returns the channel backing queue; it stays open for the broker's
// lifetime.
func (b *Broker) Consume(ctx context.Context, queue string) (<-chan broker.DeliveryResult, error) {
	return b.queueChan(queue), nil
}

// Send enqueues msg on queue, respecting a future ETA by holding it in the
// delay heap until due.
func (b *Broker) Send(ctx context.Context, msg *protocol.Message, queue string) error {
	d := &delivery{id: uuid.NewString(), msg: msg, queue: queue}

	if msg.Headers.ETA != nil && msg.Headers.ETA.After(time.Now()) {
		b.mu.Lock()
		heap.Push(&b.delayed, &scheduled{readyAt: *msg.Headers.ETA, queue: queue, d: d})
		b.mu.Unlock()
		return nil
	}

	b.queueChan(queue) <- broker.DeliveryResult{Delivery: d}
	return nil
}

func (b *Broker) delayLoop() {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			now := time.Now()
			b.mu.Lock()
			for b.delayed.Len() > 0 && !b.delayed[0].readyAt.After(now) {
				s := heap.Pop(&b.delayed).(*scheduled)
				ch := b.queues[s.queue]
				if ch == nil {
					ch = make(chan broker.DeliveryResult, 1024)
					b.queues[s.queue] = ch
				}
				ch <- broker.DeliveryResult{Delivery: s.d}
			}
			b.mu.Unlock()
		}
	}
}

// Ack is a no-op: the message was already removed from the queue channel
// when it was received.
func (b *Broker) Ack(ctx context.Context, d broker.Delivery) error {
	return nil
}

// Retry re-enqueues the delivery, honoring eta if given.
func (b *Broker) Retry(ctx context.Context, d broker.Delivery, eta *time.Time) error {
	dl, ok := d.(*delivery)
	if !ok {
		return taskerr.ProtocolError("retry called with foreign delivery type", nil)
	}

	msg := dl.msg
	retries := msg.Headers.RetryCount() + 1
	msg.Headers.Retries = &retries
	msg.Headers.ETA = eta

	return b.Send(ctx, msg, dl.queue)
}

func (b *Broker) IncreasePrefetchCount(ctx context.Context) error {
	b.mu.Lock()
	b.prefetch++
	b.mu.Unlock()
	return nil
}

func (b *Broker) DecreasePrefetchCount(ctx context.Context) error {
	b.mu.Lock()
	b.prefetch--
	b.mu.Unlock()
	return nil
}

// PrefetchDelta returns increase-minus-decrease calls observed so far, for
// tests asserting the balance invariant.
func (b *Broker) PrefetchDelta() int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.prefetch
}

