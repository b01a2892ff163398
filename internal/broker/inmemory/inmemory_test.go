package inmemory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dev.taskcore.worker/internal/protocol"
)

func newMessage(t *testing.T, task string) *protocol.Message {
	t.Helper()
	msg, err := protocol.NewMessage(protocol.Headers{Task: task, ID: task + "-1"}, map[string]int{"x": 1})
	require.NoError(t, err)
	return msg
}

func TestSendAndConsumeImmediateDelivery(t *testing.T) {
	ctx := context.Background()
	b := New()
	require.NoError(t, b.Connect(ctx))
	defer b.Close(ctx)

	deliveries, err := b.Consume(ctx, "celery")
	require.NoError(t, err)

	require.NoError(t, b.Send(ctx, newMessage(t, "examples.add"), "celery"))

	select {
	case result := <-deliveries:
		require.NoError(t, result.Err)
		msg, err := result.Delivery.Message()
		require.NoError(t, err)
		require.Equal(t, "examples.add", msg.Headers.Task)
	case <-time.After(time.Second):
		t.Fatal("expected a delivery")
	}
}

func TestSendWithFutureETAIsHeldUntilDue(t *testing.T) {
	ctx := context.Background()
	b := New()
	require.NoError(t, b.Connect(ctx))
	defer b.Close(ctx)

	deliveries, err := b.Consume(ctx, "celery")
	require.NoError(t, err)

	msg := newMessage(t, "examples.add")
	eta := time.Now().Add(75 * time.Millisecond)
	msg.Headers.ETA = &eta
	require.NoError(t, b.Send(ctx, msg, "celery"))

	select {
	case <-deliveries:
		t.Fatal("delivery arrived before its ETA")
	case <-time.After(30 * time.Millisecond):
	}

	select {
	case result := <-deliveries:
		require.NoError(t, result.Err)
	case <-time.After(time.Second):
		t.Fatal("delayed delivery never arrived")
	}
}

func TestRetryReEnqueuesOnOriginatingQueue(t *testing.T) {
	ctx := context.Background()
	b := New()
	require.NoError(t, b.Connect(ctx))
	defer b.Close(ctx)

	deliveries, err := b.Consume(ctx, "retry-queue")
	require.NoError(t, err)

	require.NoError(t, b.Send(ctx, newMessage(t, "examples.add"), "retry-queue"))

	var first = <-deliveries
	require.NoError(t, b.Retry(ctx, first.Delivery, nil))

	select {
	case second := <-deliveries:
		msg, err := second.Delivery.Message()
		require.NoError(t, err)
		require.Equal(t, 1, msg.Headers.RetryCount())
	case <-time.After(time.Second):
		t.Fatal("retried delivery never reappeared on its originating queue")
	}
}

func TestPrefetchCountBalance(t *testing.T) {
	ctx := context.Background()
	b := New()
	require.NoError(t, b.Connect(ctx))
	defer b.Close(ctx)

	require.NoError(t, b.IncreasePrefetchCount(ctx))
	require.NoError(t, b.IncreasePrefetchCount(ctx))
	require.NoError(t, b.DecreasePrefetchCount(ctx))

	require.EqualValues(t, 1, b.PrefetchDelta())
}
